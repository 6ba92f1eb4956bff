// Package quality scores a compressed file against its source over a
// sample window and decides whether the output is acceptable. Methods
// fall back VMAF -> SSIM -> PSNR; a validator outage never blocks
// compression.
package quality

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"strconv"
	"time"

	"github.com/hashicorp/go-hclog"

	"github.com/mantonx/shrinkray/internal/config"
	"github.com/mantonx/shrinkray/internal/probe"
)

const validatorTimeout = 300 * time.Second

// Result is the validator verdict for one comparison.
type Result struct {
	Score      float64 `json:"score"`
	Acceptable bool    `json:"acceptable"`
	Method     string  `json:"method"`
	Note       string  `json:"note,omitempty"`
}

var (
	ssimAllRe    = regexp.MustCompile(`All:([\d.]+)`)
	psnrAvgRe    = regexp.MustCompile(`average:([\d.]+)`)
	methodsOrder = []string{"vmaf", "ssim", "psnr"}
)

// Validator compares original and compressed files.
type Validator struct {
	cfg       config.QualityConfig
	tempDir   string
	prober    *probe.Prober
	ffmpegBin string
	log       hclog.Logger
}

// NewValidator creates a validator sharing the pipeline's prober and
// temp directory.
func NewValidator(cfg config.QualityConfig, tempDir string, prober *probe.Prober, log hclog.Logger) *Validator {
	return &Validator{
		cfg:       cfg,
		tempDir:   tempDir,
		prober:    prober,
		ffmpegBin: "ffmpeg",
		log:       log.Named("quality"),
	}
}

// Validate scores compressedPath against originalPath. Probe failures
// give the compression the benefit of the doubt; only the explicit
// quality thresholds reject an output.
func (v *Validator) Validate(ctx context.Context, originalPath, compressedPath string) Result {
	if !v.cfg.Enabled {
		return Result{Score: 100, Acceptable: true, Method: "none"}
	}

	origInfo, origErr := v.prober.Probe(ctx, originalPath)
	compInfo, compErr := v.prober.Probe(ctx, compressedPath)
	if origErr != nil || compErr != nil {
		v.log.Warn("could not probe files for comparison, assuming acceptable")
		return Result{Score: 100, Acceptable: true, Method: "none", Note: "video info error"}
	}
	if origInfo.Duration <= 0 || compInfo.Duration <= 0 {
		v.log.Warn("could not determine durations for comparison, assuming acceptable")
		return Result{Score: 100, Acceptable: true, Method: "none", Note: "duration error"}
	}

	minDuration := origInfo.Duration
	if compInfo.Duration < minDuration {
		minDuration = compInfo.Duration
	}
	start, sampleDuration := sampleWindow(minDuration, v.cfg.SampleDuration)

	for _, method := range methodOrder(v.cfg.Method) {
		result, ok := v.runMethod(ctx, method, originalPath, compressedPath, start, sampleDuration)
		if ok {
			return result
		}
		v.log.Warn("quality validation method failed, trying next", "method", method)
	}

	v.log.Error("all quality validation methods failed",
		"original", originalPath, "compressed", compressedPath)
	return Result{
		Score:      85,
		Acceptable: true,
		Method:     "fallback",
		Note:       "all validation methods failed, using fallback value",
	}
}

// sampleWindow picks a start offset and sample length that fit within
// the shorter of the two durations, with a 10 second floor.
func sampleWindow(minDuration, configured float64) (start, duration float64) {
	start = minDuration * 0.1
	if start > 30 {
		start = 30
	}
	duration = configured
	if start+duration > minDuration {
		duration = minDuration - start
		if duration < 10 {
			duration = 10
		}
	}
	return start, duration
}

func methodOrder(primary string) []string {
	order := []string{primary}
	for _, m := range methodsOrder {
		if m != primary {
			order = append(order, m)
		}
	}
	return order
}

func (v *Validator) runMethod(ctx context.Context, method, originalPath, compressedPath string, start, duration float64) (Result, bool) {
	if err := os.MkdirAll(v.tempDir, 0o755); err != nil {
		return Result{}, false
	}
	resultFile := filepath.Join(v.tempDir, fmt.Sprintf("quality_%s_%d.json", method, time.Now().UnixNano()))
	defer os.Remove(resultFile)

	var filter string
	switch method {
	case "vmaf":
		filter = fmt.Sprintf("libvmaf=log_fmt=json:log_path=%s:model=version=vmaf_v0.6.1:n_threads=4", resultFile)
	case "ssim":
		filter = "ssim=stats_file=" + resultFile
	default:
		filter = "psnr=stats_file=" + resultFile
	}

	runCtx, cancel := context.WithTimeout(ctx, validatorTimeout)
	defer cancel()

	startArg := strconv.FormatFloat(start, 'f', 2, 64)
	durArg := strconv.FormatFloat(duration, 'f', 2, 64)
	_ = exec.CommandContext(runCtx, v.ffmpegBin,
		"-y", "-v", "error",
		"-ss", startArg, "-t", durArg, "-i", originalPath,
		"-ss", startArg, "-t", durArg, "-i", compressedPath,
		"-filter_complex", filter,
		"-f", "null", "-",
	).Run()

	content, err := os.ReadFile(resultFile)
	if err != nil || len(content) == 0 {
		return Result{}, false
	}

	switch method {
	case "vmaf":
		return v.parseVMAF(content)
	case "ssim":
		return v.parseSSIM(content)
	default:
		return v.parsePSNR(content)
	}
}

func (v *Validator) parseVMAF(content []byte) (Result, bool) {
	var parsed struct {
		PooledMetrics struct {
			VMAF struct {
				Mean float64 `json:"mean"`
			} `json:"vmaf"`
		} `json:"pooled_metrics"`
	}
	if err := json.Unmarshal(content, &parsed); err != nil {
		return Result{}, false
	}
	score := parsed.PooledMetrics.VMAF.Mean
	if score == 0 {
		return Result{}, false
	}
	return Result{
		Score:      score,
		Acceptable: score >= v.cfg.Threshold,
		Method:     "vmaf",
	}, true
}

func (v *Validator) parseSSIM(content []byte) (Result, bool) {
	match := ssimAllRe.FindSubmatch(content)
	if match == nil {
		return Result{}, false
	}
	value, err := strconv.ParseFloat(string(match[1]), 64)
	if err != nil {
		return Result{}, false
	}
	score := value * 100
	threshold := v.cfg.Threshold * 0.8
	if threshold < 80 {
		threshold = 80
	}
	return Result{
		Score:      score,
		Acceptable: score >= threshold,
		Method:     "ssim",
	}, true
}

func (v *Validator) parsePSNR(content []byte) (Result, bool) {
	match := psnrAvgRe.FindSubmatch(content)
	if match == nil {
		return Result{}, false
	}
	psnr, err := strconv.ParseFloat(string(match[1]), 64)
	if err != nil {
		return Result{}, false
	}
	score := 100.0
	if psnr < 50 {
		score = psnr * 2
	}
	return Result{
		Score:      score,
		Acceptable: psnr >= 30,
		Method:     "psnr",
	}, true
}
