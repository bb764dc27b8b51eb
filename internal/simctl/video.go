// SPDX-License-Identifier: MIT

package simctl

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/simbridge-io/simbridge/internal/apperr"
	"github.com/simbridge-io/simbridge/internal/log"
	"github.com/simbridge-io/simbridge/internal/procgroup"
)

// startupProbe is how long a long-running child gets to prove it started
// instead of exiting immediately with a usage or permission error.
const startupProbe = 1 * time.Second

// stopGrace is the default SIGTERM-to-SIGKILL window on Stop.
const stopGrace = 5 * time.Second

// recordingStopGrace is the wider stop window for recording children, which
// must rewrite the MP4 moov atom on SIGTERM before the file is usable.
const recordingStopGrace = 10 * time.Second

// StreamProcess supervises one long-running capture or recording child
// process. Stdout carries the media payload; stderr is retained for the
// failure report.
type StreamProcess struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
	stderr *bytes.Buffer
	op     string
	grace  time.Duration

	mu      sync.Mutex
	stopped bool
	done    chan struct{}
	waitErr error
}

// NewStreamProcess starts a long-running child in its own process group and
// verifies it survives the startup probe. Unlike the one-shot runner there
// is no deadline: the process lives until Stop or its own exit.
func NewStreamProcess(ctx context.Context, op string, name string, args ...string) (*StreamProcess, error) {
	cmd := exec.CommandContext(ctx, name, args...) // #nosec G204 -- args constructed internally
	procgroup.Set(cmd)

	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, apperr.E(apperr.KindHostDriver, op+": stdout pipe", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, apperr.E(apperr.KindHostDriver, op+": start", err)
	}

	p := &StreamProcess{
		cmd:    cmd,
		stdout: stdout,
		stderr: &stderr,
		op:     op,
		grace:  stopGrace,
		done:   make(chan struct{}),
	}
	go func() {
		p.waitErr = cmd.Wait()
		close(p.done)
	}()

	select {
	case <-p.done:
		return nil, apperr.Errorf(apperr.KindHostDriver,
			"%s exited during startup: %s", op, firstLine(stderr.Bytes()))
	case <-time.After(startupProbe):
	}

	log.WithComponent("simctl").Debug().
		Str(log.FieldCommand, op).
		Int("pid", cmd.Process.Pid).
		Msg("stream process started")
	return p, nil
}

// Stdout is the media payload stream.
func (p *StreamProcess) Stdout() io.Reader { return p.stdout }

// PID of the child, 0 once unavailable.
func (p *StreamProcess) PID() int {
	if p.cmd.Process == nil {
		return 0
	}
	return p.cmd.Process.Pid
}

// Running reports whether the child is still alive.
func (p *StreamProcess) Running() bool {
	select {
	case <-p.done:
		return false
	default:
		return true
	}
}

// Done is closed when the child exits for any reason.
func (p *StreamProcess) Done() <-chan struct{} { return p.done }

// SetStopGrace widens the SIGTERM-to-SIGKILL window for children that need
// time to finalize their output on stop. Call before Stop.
func (p *StreamProcess) SetStopGrace(d time.Duration) {
	if d > 0 {
		p.grace = d
	}
}

// StopGrace returns the current SIGTERM-to-SIGKILL window.
func (p *StreamProcess) StopGrace() time.Duration { return p.grace }

// Err returns the exit error after Done is closed. A SIGTERM/SIGKILL exit
// following Stop is reported as nil.
func (p *StreamProcess) Err() error {
	select {
	case <-p.done:
	default:
		return nil
	}
	p.mu.Lock()
	stopped := p.stopped
	p.mu.Unlock()
	if p.waitErr == nil || stopped {
		return nil
	}
	return apperr.E(apperr.KindHostDriver,
		fmt.Sprintf("%s exited: %s", p.op, firstLine(p.stderr.Bytes())), p.waitErr)
}

// Stop terminates the process group: SIGTERM, then SIGKILL after the grace
// window. Blocks until the child is reaped or ctx is done.
func (p *StreamProcess) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		<-p.done
		return nil
	}
	p.stopped = true
	p.mu.Unlock()

	select {
	case <-p.done:
		return nil
	default:
	}

	if err := procgroup.Kill(p.cmd, syscall.SIGTERM); err != nil {
		return err
	}
	select {
	case <-p.done:
		return nil
	case <-time.After(p.grace):
		_ = procgroup.Kill(p.cmd, syscall.SIGKILL)
	case <-ctx.Done():
		_ = procgroup.Kill(p.cmd, syscall.SIGKILL)
	}
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StartVideoStream launches the continuous H.264 device stream.
func (d *ExecDriver) StartVideoStream(ctx context.Context, udid string, fps int) (*StreamProcess, error) {
	if fps <= 0 {
		fps = 60
	}
	return NewStreamProcess(ctx, "idb.video_stream", d.r.idbPath,
		"video-stream",
		"--udid", udid,
		"--format", "h264",
		"--fps", strconv.Itoa(fps))
}

// StartRecording launches an MP4 recording of the device into outPath. The
// file is finalized when the process is stopped.
func (d *ExecDriver) StartRecording(ctx context.Context, udid, outPath string) (*StreamProcess, error) {
	p, err := NewStreamProcess(ctx, "idb.record_video", d.r.idbPath,
		"record-video", outPath, "--udid", udid)
	if err != nil {
		return nil, err
	}
	p.SetStopGrace(recordingStopGrace)
	return p, nil
}
