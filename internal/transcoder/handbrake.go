// Package transcoder wraps the external HandBrakeCLI encoder: argument
// construction, progress and ETA parsing, and cancellation. It never
// moves or deletes files; it only writes the requested output path.
package transcoder

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-hclog"
)

// Outcome of one encode attempt.
type Outcome int

const (
	OutcomeOK Outcome = iota
	OutcomeCancelled
	OutcomeFailed
)

// Files above this size get the large-file flags appended.
const largeFileThreshold = 10 * 1024 * 1024 * 1024

// StatusSink receives progress updates during an encode. Progress is
// 0-100; eta is seconds, negative when unknown.
type StatusSink func(phase string, progress float64, eta float64)

// Job describes one encode.
type Job struct {
	InputPath  string
	OutputPath string
	InputSize  int64

	EncoderOptions  string
	AudioOptions    string
	SubtitleOptions string

	Status StatusSink
}

var (
	progressRe = regexp.MustCompile(`(\d+\.\d+) %`)
	etaRe      = regexp.MustCompile(`ETA\s+(\d+)h(\d+)m(\d+)s`)
)

// Encoder shells out to HandBrakeCLI.
type Encoder struct {
	binary string
	log    hclog.Logger
}

// NewEncoder creates an encoder adapter for the given binary.
func NewEncoder(binary string, log hclog.Logger) *Encoder {
	if binary == "" {
		binary = "HandBrakeCLI"
	}
	return &Encoder{binary: binary, log: log.Named("transcoder")}
}

// Encode runs the encoder for job. Cancelling ctx terminates the child
// process gracefully and yields OutcomeCancelled; the caller decides
// whether that was a pause or a stop.
func (e *Encoder) Encode(ctx context.Context, job Job) (Outcome, error) {
	args := e.buildArgs(job)
	cmd := exec.Command(e.binary, args...)

	pr, pw := io.Pipe()
	cmd.Stdout = pw
	cmd.Stderr = pw

	if err := cmd.Start(); err != nil {
		pw.Close()
		return OutcomeFailed, fmt.Errorf("failed to start encoder: %w", err)
	}

	// Graceful shutdown on cancellation: interrupt first, kill if the
	// encoder does not exit within two seconds.
	procDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			e.log.Debug("terminating encoder", "input", job.InputPath)
			_ = cmd.Process.Signal(os.Interrupt)
			select {
			case <-procDone:
			case <-time.After(2 * time.Second):
				_ = cmd.Process.Kill()
			}
		case <-procDone:
		}
	}()

	waitErr := make(chan error, 1)
	go func() {
		err := cmd.Wait()
		pw.Close()
		waitErr <- err
	}()

	scanner := bufio.NewScanner(pr)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		e.parseProgressLine(scanner.Text(), job.Status)
	}

	err := <-waitErr
	close(procDone)

	if ctx.Err() != nil {
		return OutcomeCancelled, nil
	}
	if err != nil {
		return OutcomeFailed, fmt.Errorf("encoder failed: %w", err)
	}
	return OutcomeOK, nil
}

func (e *Encoder) buildArgs(job Job) []string {
	args := []string{"-i", job.InputPath, "-o", job.OutputPath}
	args = append(args, strings.Fields(job.EncoderOptions)...)
	args = append(args, strings.Fields(job.AudioOptions)...)
	args = append(args, strings.Fields(job.SubtitleOptions)...)
	if job.InputSize > largeFileThreshold {
		args = append(args, "--no-two-pass", "--no-fast-decode")
	}
	return args
}

// parseProgressLine extracts progress and ETA from one encoder output
// line. Parse failures are swallowed; progress is advisory.
func (e *Encoder) parseProgressLine(line string, sink StatusSink) {
	if sink == nil {
		return
	}
	if !strings.Contains(line, "Encoding") || !strings.Contains(line, "%") {
		return
	}

	match := progressRe.FindStringSubmatch(line)
	if match == nil {
		return
	}
	progress, err := strconv.ParseFloat(match[1], 64)
	if err != nil {
		return
	}

	eta := -1.0
	if etaMatch := etaRe.FindStringSubmatch(line); etaMatch != nil {
		h, _ := strconv.Atoi(etaMatch[1])
		m, _ := strconv.Atoi(etaMatch[2])
		s, _ := strconv.Atoi(etaMatch[3])
		eta = float64(h*3600 + m*60 + s)
	}

	sink("encoding", progress, eta)
}
