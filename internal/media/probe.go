package media

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"
)

// ErrProbeFailed is matched by every ProbeError.
var ErrProbeFailed = errors.New("media probe failed")

// ProbeError reports a failure of the probe tool itself: a missing binary, a
// non-zero exit, or output that could not be understood.
type ProbeError struct {
	Target string
	Stderr string
	Err    error
}

func (e *ProbeError) Error() string {
	msg := fmt.Sprintf("probe %s: %v", e.Target, e.Err)
	if e.Stderr != "" {
		msg += ": " + e.Stderr
	}
	return msg
}

func (e *ProbeError) Unwrap() error { return e.Err }

func (e *ProbeError) Is(target error) bool { return target == ErrProbeFailed }

const defaultProbeTimeout = 30 * time.Second

// FFProbe extracts container metadata with the ffprobe binary.
type FFProbe struct {
	Binary  string
	Timeout time.Duration
	limiter *semaphore.Weighted
}

// NewFFProbe returns a prober for binary (default "ffprobe") sharing limiter
// with the thumbnail transformer.
func NewFFProbe(binary string, timeout time.Duration, limiter *semaphore.Weighted) *FFProbe {
	if strings.TrimSpace(binary) == "" {
		binary = "ffprobe"
	}
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}
	return &FFProbe{Binary: binary, Timeout: timeout, limiter: limiter}
}

// ProbeDuration returns the container duration of target in seconds, rounded
// to four decimals. Target may be a local path or a URL ffprobe can read.
// A container without a duration yields 0.
func (p *FFProbe) ProbeDuration(ctx context.Context, target string) (float64, error) {
	if p.limiter != nil {
		if err := p.limiter.Acquire(ctx, 1); err != nil {
			return 0, err
		}
		defer p.limiter.Release(1)
	}
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = defaultProbeTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, p.Binary,
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "json",
		target,
	)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = time.Second
	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			err = ctxErr
		}
		return 0, &ProbeError{Target: target, Stderr: strings.TrimSpace(stderr.String()), Err: err}
	}
	duration, err := parseProbeOutput(stdout.Bytes())
	if err != nil {
		return 0, &ProbeError{Target: target, Err: err}
	}
	return duration, nil
}

type probeOutput struct {
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

func parseProbeOutput(data []byte) (float64, error) {
	var out probeOutput
	if err := json.Unmarshal(data, &out); err != nil {
		return 0, fmt.Errorf("decode ffprobe output: %w", err)
	}
	raw := strings.TrimSpace(out.Format.Duration)
	if raw == "" || strings.EqualFold(raw, "N/A") {
		return 0, nil
	}
	seconds, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		return 0, fmt.Errorf("parse duration %q: %w", raw, err)
	}
	if math.IsNaN(seconds) || math.IsInf(seconds, 0) || seconds < 0 {
		return 0, fmt.Errorf("invalid duration %q", raw)
	}
	return RoundDuration(seconds), nil
}

// RoundDuration rounds seconds to four decimal places.
func RoundDuration(seconds float64) float64 {
	return math.Round(seconds*1e4) / 1e4
}
