// SPDX-License-Identifier: MIT

package simctl

import (
	"bufio"
	"context"
	"strconv"
	"strings"
)

// logLineBuffer bounds how far the reader may run ahead of a slow consumer.
const logLineBuffer = 256

// LogStream is a live feed of raw device log lines. Lines are delivered on
// Lines until the underlying process exits or Stop is called; the channel is
// then closed.
type LogStream struct {
	proc  *StreamProcess
	lines chan string
}

// Lines yields raw log lines in arrival order.
func (s *LogStream) Lines() <-chan string { return s.lines }

// Err reports why the stream ended, nil after a clean Stop.
func (s *LogStream) Err() error { return s.proc.Err() }

// Stop tears down the log process and drains the reader.
func (s *LogStream) Stop(ctx context.Context) error {
	return s.proc.Stop(ctx)
}

// StreamLogs spawns the unified-log follower inside the device and feeds its
// output line by line.
func (d *ExecDriver) StreamLogs(ctx context.Context, udid string) (*LogStream, error) {
	proc, err := NewStreamProcess(ctx, "simctl.log_stream", d.r.simctlPath,
		"simctl", "spawn", udid,
		"log", "stream",
		"--style", "compact",
		"--color", "none",
		"--level", "debug")
	if err != nil {
		return nil, err
	}

	s := &LogStream{proc: proc, lines: make(chan string, logLineBuffer)}
	go func() {
		defer close(s.lines)
		sc := bufio.NewScanner(proc.Stdout())
		sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for sc.Scan() {
			line := strings.TrimSpace(sc.Text())
			if line == "" {
				continue
			}
			select {
			case s.lines <- line:
			case <-proc.Done():
				return
			}
		}
	}()
	return s, nil
}

// ListLogProcesses lists the processes running inside the device, one row
// per launchd job with a live PID.
func (d *ExecDriver) ListLogProcesses(ctx context.Context, udid string) ([]ProcessInfo, error) {
	res, err := d.r.run(ctx, "simctl.launchctl_list", actionTimeout,
		d.r.simctlPath, "simctl", "spawn", udid, "launchctl", "list")
	if err != nil {
		return nil, err
	}

	var procs []ProcessInfo
	sc := bufio.NewScanner(strings.NewReader(string(res.Stdout)))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) < 3 {
			continue
		}
		pid, err := strconv.Atoi(fields[0])
		if err != nil {
			continue // header or job without a live PID
		}
		procs = append(procs, ProcessInfo{Process: fields[2], PID: pid})
	}
	return procs, nil
}

// ClearLogs erases the device's unified log archive.
func (d *ExecDriver) ClearLogs(ctx context.Context, udid string) error {
	_, err := d.r.run(ctx, "simctl.log_erase", actionTimeout,
		d.r.simctlPath, "simctl", "spawn", udid, "log", "erase", "--all")
	return err
}
