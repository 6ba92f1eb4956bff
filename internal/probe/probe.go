// Package probe wraps ffprobe and returns structured container and
// stream metadata.
package probe

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
)

const (
	probeTimeout    = 30 * time.Second
	durationTimeout = 10 * time.Second
)

// StreamInfo describes one stream of a media container.
type StreamInfo struct {
	Index   int    `json:"index"`
	Codec   string `json:"codec"`
	Width   int    `json:"width,omitempty"`
	Height  int    `json:"height,omitempty"`
	Bitrate int64  `json:"bitrate,omitempty"`
}

// MediaInfo is the structured result of probing one file. Missing
// fields are zero.
type MediaInfo struct {
	FormatName      string       `json:"format_name"`
	Duration        float64      `json:"duration"`
	Bitrate         int64        `json:"bitrate"`
	VideoStreams    []StreamInfo `json:"video_streams"`
	AudioStreams    []StreamInfo `json:"audio_streams"`
	SubtitleStreams []StreamInfo `json:"subtitle_streams"`
}

// HasVideo reports whether at least one video stream was detected.
func (m *MediaInfo) HasVideo() bool {
	return len(m.VideoStreams) > 0
}

// Prober shells out to ffprobe.
type Prober struct {
	binary string
	log    hclog.Logger
}

// NewProber creates a prober using the given ffprobe binary name.
func NewProber(binary string, log hclog.Logger) *Prober {
	if binary == "" {
		binary = "ffprobe"
	}
	return &Prober{binary: binary, log: log.Named("probe")}
}

// Probe reads container and stream metadata for path. An error is
// returned only when ffprobe cannot be invoked or produces no usable
// output; partial metadata comes back as a best-effort MediaInfo.
func (p *Prober) Probe(ctx context.Context, path string) (*MediaInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, p.binary,
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	).Output()
	if err != nil {
		return nil, fmt.Errorf("ffprobe failed for %s: %w", path, err)
	}

	var raw struct {
		Format struct {
			FormatName string `json:"format_name"`
			Duration   string `json:"duration"`
			BitRate    string `json:"bit_rate"`
		} `json:"format"`
		Streams []struct {
			Index     int    `json:"index"`
			CodecType string `json:"codec_type"`
			CodecName string `json:"codec_name"`
			Width     int    `json:"width"`
			Height    int    `json:"height"`
			BitRate   string `json:"bit_rate"`
		} `json:"streams"`
	}
	if err := json.Unmarshal(out, &raw); err != nil {
		return nil, fmt.Errorf("failed to parse ffprobe output: %w", err)
	}

	info := &MediaInfo{
		FormatName: raw.Format.FormatName,
		Duration:   parseFloat(raw.Format.Duration),
		Bitrate:    parseInt(raw.Format.BitRate),
	}

	for _, s := range raw.Streams {
		stream := StreamInfo{
			Index:   s.Index,
			Codec:   s.CodecName,
			Width:   s.Width,
			Height:  s.Height,
			Bitrate: parseInt(s.BitRate),
		}
		switch s.CodecType {
		case "video":
			info.VideoStreams = append(info.VideoStreams, stream)
		case "audio":
			info.AudioStreams = append(info.AudioStreams, stream)
		case "subtitle":
			info.SubtitleStreams = append(info.SubtitleStreams, stream)
		}
	}

	// The container sometimes reports no duration even when the video
	// stream knows it. Try narrower queries before giving up.
	if info.Duration <= 0 {
		if info.HasVideo() {
			info.Duration = p.queryDuration(ctx, path, "-select_streams", "v:0",
				"-show_entries", "stream=duration")
		}
		if info.Duration <= 0 {
			info.Duration = p.queryDuration(ctx, path,
				"-show_entries", "format=duration")
		}
	}

	return info, nil
}

// VerifyIntegrity checks that the file is a readable container with at
// least one video stream.
func (p *Prober) VerifyIntegrity(ctx context.Context, path string) error {
	info, err := p.Probe(ctx, path)
	if err != nil {
		return err
	}
	if info.FormatName == "" {
		return fmt.Errorf("unreadable container: %s", path)
	}
	if !info.HasVideo() {
		return fmt.Errorf("no video stream detected: %s", path)
	}
	return nil
}

func (p *Prober) queryDuration(ctx context.Context, path string, args ...string) float64 {
	ctx, cancel := context.WithTimeout(ctx, durationTimeout)
	defer cancel()

	cmdArgs := append([]string{"-v", "quiet", "-of", "csv=p=0"}, args...)
	cmdArgs = append(cmdArgs, path)

	out, err := exec.CommandContext(ctx, p.binary, cmdArgs...).Output()
	if err != nil {
		return 0
	}
	return parseFloat(strings.TrimSpace(string(out)))
}

func parseFloat(s string) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0
	}
	return v
}

func parseInt(s string) int64 {
	v, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0
	}
	return v
}
