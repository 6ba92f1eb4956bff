package quality

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mantonx/shrinkray/internal/config"
	"github.com/mantonx/shrinkray/internal/probe"
)

func fakeProbe(t *testing.T, output string) *probe.Prober {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-ffprobe")
	script := "#!/bin/sh\ncat <<'EOF'\n" + output + "\nEOF\n"
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return probe.NewProber(path, hclog.NewNullLogger())
}

func newTestValidator(t *testing.T, cfg config.QualityConfig, probeOutput string) *Validator {
	t.Helper()
	v := NewValidator(cfg, t.TempDir(), fakeProbe(t, probeOutput), hclog.NewNullLogger())
	// Without a real ffmpeg, every method fails and the fallback
	// sentinel is what surfaces.
	v.ffmpegBin = filepath.Join(t.TempDir(), "no-ffmpeg")
	return v
}

func defaultQuality() config.QualityConfig {
	return config.QualityConfig{
		Enabled:        true,
		Method:         "vmaf",
		Threshold:      90,
		SampleDuration: 60,
	}
}

func TestValidateDisabled(t *testing.T) {
	cfg := defaultQuality()
	cfg.Enabled = false
	v := newTestValidator(t, cfg, "{}")

	result := v.Validate(context.Background(), "/a.mkv", "/b.mkv")
	assert.Equal(t, Result{Score: 100, Acceptable: true, Method: "none"}, result)
}

func TestValidateProbeFailureIsAcceptable(t *testing.T) {
	v := newTestValidator(t, defaultQuality(), `{"format": {}, "streams": []}`)

	result := v.Validate(context.Background(), "/a.mkv", "/b.mkv")
	assert.True(t, result.Acceptable)
	assert.Equal(t, 100.0, result.Score)
	assert.Equal(t, "none", result.Method)
}

func TestValidateAllMethodsFailedSentinel(t *testing.T) {
	v := newTestValidator(t, defaultQuality(),
		`{"format": {"format_name": "matroska", "duration": "3600"}, "streams": [{"index":0,"codec_type":"video","codec_name":"h264"}]}`)

	result := v.Validate(context.Background(), "/a.mkv", "/b.mkv")
	assert.Equal(t, 85.0, result.Score)
	assert.True(t, result.Acceptable)
	assert.Equal(t, "fallback", result.Method)
}

func TestSampleWindow(t *testing.T) {
	// Long video: start caps at 30s, full sample fits.
	start, duration := sampleWindow(3600, 60)
	assert.Equal(t, 30.0, start)
	assert.Equal(t, 60.0, duration)

	// Short video: start is 10% of duration, sample truncated.
	start, duration = sampleWindow(80, 60)
	assert.Equal(t, 8.0, start)
	assert.Equal(t, 72.0, duration)

	// Very short video: sample floor of 10 seconds.
	start, duration = sampleWindow(15, 60)
	assert.InDelta(t, 1.5, start, 0.01)
	assert.Equal(t, 10.0, duration)
}

func TestMethodOrder(t *testing.T) {
	assert.Equal(t, []string{"vmaf", "ssim", "psnr"}, methodOrder("vmaf"))
	assert.Equal(t, []string{"ssim", "vmaf", "psnr"}, methodOrder("ssim"))
	assert.Equal(t, []string{"psnr", "vmaf", "ssim"}, methodOrder("psnr"))
}

func TestParseVMAF(t *testing.T) {
	v := newTestValidator(t, defaultQuality(), "{}")

	result, ok := v.parseVMAF([]byte(`{"pooled_metrics": {"vmaf": {"mean": 93.2}}}`))
	require.True(t, ok)
	assert.Equal(t, 93.2, result.Score)
	assert.True(t, result.Acceptable)

	result, ok = v.parseVMAF([]byte(`{"pooled_metrics": {"vmaf": {"mean": 82.0}}}`))
	require.True(t, ok)
	assert.False(t, result.Acceptable, "below threshold")

	_, ok = v.parseVMAF([]byte("not json"))
	assert.False(t, ok)
}

func TestParseSSIM(t *testing.T) {
	v := newTestValidator(t, defaultQuality(), "{}")

	// threshold 90 -> ssim threshold max(72, 80) = 80
	result, ok := v.parseSSIM([]byte("n:100 Y:0.98 U:0.97 V:0.97 All:0.975432 (16.1)"))
	require.True(t, ok)
	assert.InDelta(t, 97.54, result.Score, 0.01)
	assert.True(t, result.Acceptable)

	result, ok = v.parseSSIM([]byte("All:0.75"))
	require.True(t, ok)
	assert.False(t, result.Acceptable)

	_, ok = v.parseSSIM([]byte("no match here"))
	assert.False(t, ok)
}

func TestParsePSNR(t *testing.T) {
	v := newTestValidator(t, defaultQuality(), "{}")

	result, ok := v.parsePSNR([]byte("psnr_avg mse_avg average:42.5 min:40 max:45"))
	require.True(t, ok)
	assert.Equal(t, 85.0, result.Score)
	assert.True(t, result.Acceptable)

	// Values at or above 50 cap the score at 100.
	result, ok = v.parsePSNR([]byte("average:55.0"))
	require.True(t, ok)
	assert.Equal(t, 100.0, result.Score)

	result, ok = v.parsePSNR([]byte("average:25.0"))
	require.True(t, ok)
	assert.False(t, result.Acceptable)
}
