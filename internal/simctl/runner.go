// SPDX-License-Identifier: MIT

package simctl

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/simbridge-io/simbridge/internal/apperr"
	"github.com/simbridge-io/simbridge/internal/log"
	"github.com/simbridge-io/simbridge/internal/metrics"
)

// Default operation deadlines. Creation is slow (simulator runtime images are
// large); UI actions must fail fast so the control channel stays responsive.
const (
	createTimeout     = 120 * time.Second
	actionTimeout     = 10 * time.Second
	tapTimeout        = 2 * time.Second
	swipeTimeout      = 3 * time.Second
	textTimeout       = 5 * time.Second
	screenshotTimeout = 5 * time.Second

	maxAttempts    = 3
	initialBackoff = 200 * time.Millisecond
)

// result wraps a finished child process.
type result struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
	Duration time.Duration
}

// runner executes one-shot host commands with a deadline and bounded retries.
type runner struct {
	simctlPath string // "xcrun" unless overridden in tests
	idbPath    string // "idb"
}

func newRunner() *runner {
	return &runner{simctlPath: "xcrun", idbPath: "idb"}
}

// run executes a command and waits for it within the given timeout. On
// deadline the child is killed and reaped, and the error carries KindTimeout.
func (r *runner) run(ctx context.Context, op string, timeout time.Duration, name string, args ...string) (result, error) {
	cctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(cctx, name, args...) // #nosec G204 -- args constructed internally
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	res := result{
		Stdout:   stdout.Bytes(),
		Stderr:   stderr.Bytes(),
		Duration: time.Since(start),
	}
	metrics.DriverCommandSeconds.WithLabelValues(op).Observe(res.Duration.Seconds())

	if err == nil {
		res.ExitCode = 0
		metrics.DriverCommands.WithLabelValues(op, "ok").Inc()
		return res, nil
	}

	if cctx.Err() == context.DeadlineExceeded {
		metrics.DriverCommands.WithLabelValues(op, "timeout").Inc()
		return res, apperr.E(apperr.KindTimeout,
			fmt.Sprintf("%s exceeded %v", op, timeout), cctx.Err())
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.ExitCode = exitErr.ExitCode()
		metrics.DriverCommands.WithLabelValues(op, "error").Inc()
		return res, apperr.E(apperr.KindHostDriver,
			fmt.Sprintf("%s exited %d: %s", op, res.ExitCode, firstLine(res.Stderr)), err)
	}

	// Binary missing or not executable.
	metrics.DriverCommands.WithLabelValues(op, "missing").Inc()
	return res, apperr.E(apperr.KindHostDriver, fmt.Sprintf("%s: tool unavailable", op), err)
}

// runRetry retries idempotent operations on transient failures with
// exponential backoff, up to maxAttempts.
func (r *runner) runRetry(ctx context.Context, op string, timeout time.Duration, name string, args ...string) (result, error) {
	var (
		res     result
		lastErr error
	)
	backoff := initialBackoff
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		res, lastErr = r.run(ctx, op, timeout, name, args...)
		if lastErr == nil {
			return res, nil
		}
		if !retryable(lastErr, res) {
			return res, lastErr
		}
		if attempt < maxAttempts {
			log.WithComponent("simctl").Debug().
				Str("op", op).
				Int("attempt", attempt).
				Dur("backoff", backoff).
				Err(lastErr).
				Msg("transient driver failure, retrying")
			select {
			case <-ctx.Done():
				return res, apperr.E(apperr.KindTimeout, op+" cancelled", ctx.Err())
			case <-time.After(backoff):
			}
			backoff *= 2
		}
	}
	return res, lastErr
}

// retryable reports whether the failure is worth another attempt. Timeouts on
// idempotent ops and the simctl "device busy" exit are transient; everything
// else surfaces to the caller.
func retryable(err error, res result) bool {
	switch apperr.KindOf(err) {
	case apperr.KindTimeout:
		return true
	case apperr.KindHostDriver:
		msg := strings.ToLower(string(res.Stderr))
		return strings.Contains(msg, "device is busy") ||
			strings.Contains(msg, "unable to lookup") ||
			res.ExitCode == 165 // simctl transient EBUSY
	default:
		return false
	}
}

func firstLine(b []byte) string {
	s := strings.TrimSpace(string(b))
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}
