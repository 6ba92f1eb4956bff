// Package classify labels media files as animation, live action or
// mixed content, using filename hints and sampled-frame heuristics.
// Files whose duration cannot be determined default to live action.
package classify

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/mantonx/shrinkray/internal/probe"
	"github.com/mantonx/shrinkray/internal/transcoder"
)

var (
	animationKeywords = []string{"animation", "animated", "anime", "cartoon", "pixar", "disney"}

	animationNameRe = regexp.MustCompile(`(?i)(anime|cartoon|animation)`)
	releaseTagRe    = regexp.MustCompile(`(?i)\[\s*\d{3,4}p\s*\].*\[(BD|BluRay|Web-DL)`)

	edgeLevelRe = regexp.MustCompile(`lavfi\.histogram\.0\.level=(\d+\.\d+)`)
)

// Classifier decides the content label for a file.
type Classifier struct {
	prober    *probe.Prober
	tempDir   string
	ffmpegBin string
	log       hclog.Logger
}

// NewClassifier builds a classifier that shares the pipeline's prober
// and temp directory.
func NewClassifier(prober *probe.Prober, tempDir string, log hclog.Logger) *Classifier {
	return &Classifier{
		prober:    prober,
		tempDir:   tempDir,
		ffmpegBin: "ffmpeg",
		log:       log.Named("classify"),
	}
}

// Classify returns one of the transcoder content labels. Any failure
// falls back to live action, which gets the safest settings.
func (c *Classifier) Classify(ctx context.Context, path string) string {
	filename := strings.ToLower(filepath.Base(path))

	info, err := c.prober.Probe(ctx, path)
	if err != nil || info.Duration <= 0 {
		c.log.Warn("could not determine duration, assuming live action", "file", filename)
		return transcoder.ContentLiveAction
	}

	for _, keyword := range animationKeywords {
		if strings.Contains(filename, keyword) {
			c.log.Debug("filename indicates animation", "file", filename)
			return transcoder.ContentAnimation
		}
	}

	framesDir := filepath.Join(c.tempDir, fmt.Sprintf("frames_%d", time.Now().UnixNano()))
	defer os.RemoveAll(framesDir)

	frames := c.extractFrames(ctx, path, framesDir, info.Duration)
	if len(frames) < 3 {
		c.log.Warn("not enough frames for analysis, assuming live action", "file", filename)
		return transcoder.ContentLiveAction
	}

	label := c.analyzeFrames(ctx, frames)

	// A live-action verdict can still be overturned by release naming
	// conventions common to animated content.
	if label == transcoder.ContentLiveAction {
		if animationNameRe.MatchString(filename) {
			label = transcoder.ContentAnimation
		} else if releaseTagRe.MatchString(filename) &&
			(strings.Contains(strings.ToUpper(filename), "FLAC") ||
				strings.Contains(strings.ToUpper(filename), "VORBIS")) {
			label = transcoder.ContentAnimation
		}
	}

	c.log.Info("classified content", "file", filename, "label", label)
	return label
}

// extractFrames samples up to five frames: scene-change detection
// first, equally spaced samples when that yields too few.
func (c *Classifier) extractFrames(ctx context.Context, path, framesDir string, duration float64) []string {
	if err := os.MkdirAll(framesDir, 0o755); err != nil {
		return nil
	}

	sceneCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
	_ = exec.CommandContext(sceneCtx, c.ffmpegBin,
		"-i", path,
		"-vf", "select='gt(scene,0.3)',showinfo",
		"-vsync", "vfr",
		"-frames:v", "10",
		"-y",
		filepath.Join(framesDir, "scene_%03d.jpg"),
	).Run()
	cancel()

	sceneFrames, _ := filepath.Glob(filepath.Join(framesDir, "scene_*.jpg"))
	if len(sceneFrames) >= 3 {
		if len(sceneFrames) > 5 {
			sceneFrames = sceneFrames[:5]
		}
		return sceneFrames
	}

	var frames []string
	interval := duration / 6
	for i := 1; i <= 5; i++ {
		framePath := filepath.Join(framesDir, fmt.Sprintf("frame_%d.jpg", i))
		frameCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := exec.CommandContext(frameCtx, c.ffmpegBin,
			"-ss", strconv.FormatFloat(interval*float64(i), 'f', 2, 64),
			"-i", path,
			"-vframes", "1",
			"-q:v", "2",
			framePath, "-y",
		).Run()
		cancel()
		if err != nil {
			continue
		}
		if info, statErr := os.Stat(framePath); statErr == nil && info.Size() > 0 {
			frames = append(frames, framePath)
		}
	}
	return frames
}

// analyzeFrames scores the first three frames with up to three
// cascading methods. Two or more animation votes means animation, one
// means mixed.
func (c *Classifier) analyzeFrames(ctx context.Context, frames []string) string {
	if len(frames) > 3 {
		frames = frames[:3]
	}

	score, ok := c.scoreWithImageMagick(ctx, frames)
	if !ok {
		score, ok = c.scoreWithEdgeDetection(ctx, frames)
	}
	if !ok {
		score, ok = c.scoreWithSignalStats(ctx, frames)
	}
	if !ok {
		return transcoder.ContentLiveAction
	}

	switch {
	case score >= 2:
		return transcoder.ContentAnimation
	case score >= 1:
		return transcoder.ContentMixed
	default:
		return transcoder.ContentLiveAction
	}
}

// scoreWithImageMagick votes on color count and edge mean. Animation
// tends to have few unique colors and strong edges.
func (c *Classifier) scoreWithImageMagick(ctx context.Context, frames []string) (int, bool) {
	score := 0
	success := false

	for _, frame := range frames {
		colorCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		colorOut, err := exec.CommandContext(colorCtx, "identify", "-format", "%k", frame).Output()
		cancel()
		if err != nil {
			continue
		}
		uniqueColors, err := strconv.Atoi(strings.TrimSpace(string(colorOut)))
		if err != nil {
			continue
		}

		edgeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		edgeOut, err := exec.CommandContext(edgeCtx, "convert",
			frame, "-edge", "1", "-format", "%[mean]", "info:").Output()
		cancel()
		if err != nil {
			continue
		}
		edgeMean, err := strconv.ParseFloat(strings.TrimSpace(string(edgeOut)), 64)
		if err != nil {
			continue
		}

		if uniqueColors < 10000 && edgeMean > 0.05 {
			score++
		}
		success = true
	}

	return score, success
}

// scoreWithEdgeDetection votes on the share of edge pixels after an
// edgedetect filter pass.
func (c *Classifier) scoreWithEdgeDetection(ctx context.Context, frames []string) (int, bool) {
	score := 0
	success := false

	for _, frame := range frames {
		edgeFrame := filepath.Join(filepath.Dir(frame), "edge_"+filepath.Base(frame))

		edgeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		_ = exec.CommandContext(edgeCtx, c.ffmpegBin,
			"-i", frame,
			"-filter_complex", "edgedetect=low=0.1:high=0.4",
			"-y", edgeFrame,
		).Run()
		cancel()

		if _, err := os.Stat(edgeFrame); err != nil {
			continue
		}

		histCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		out, _ := exec.CommandContext(histCtx, c.ffmpegBin,
			"-i", edgeFrame,
			"-filter_complex", "histogram,metadata=print:file=-",
			"-f", "null", "-",
		).CombinedOutput()
		cancel()

		if match := edgeLevelRe.FindStringSubmatch(string(out)); match != nil {
			if level, err := strconv.ParseFloat(match[1], 64); err == nil && level > 0.15 {
				score++
			}
		}
		success = true
	}

	return score, success
}

// scoreWithSignalStats is the last resort: votes when signalstats
// flags outliers typical of high-contrast animated frames.
func (c *Classifier) scoreWithSignalStats(ctx context.Context, frames []string) (int, bool) {
	score := 0
	success := false

	for _, frame := range frames {
		statsCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		out, _ := exec.CommandContext(statsCtx, c.ffmpegBin,
			"-i", frame,
			"-filter_complex", "signalstats=stat=tout:c=r+g+b",
			"-f", "null", "-",
		).CombinedOutput()
		cancel()

		text := string(out)
		if !strings.Contains(text, "Parsed_signalstats") {
			continue
		}
		if strings.Contains(text, "excessive max values") || strings.Contains(text, "low PSNR values") {
			score++
		}
		success = true
	}

	return score, success
}
