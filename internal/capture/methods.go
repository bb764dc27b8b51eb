// SPDX-License-Identifier: MIT

package capture

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"

	"github.com/simbridge-io/simbridge/internal/apperr"
	"github.com/simbridge-io/simbridge/internal/simctl"
)

// Method identifies one acquisition strategy in the fallback chain. A
// method that fails is disqualified for the service's lifetime.
type Method string

const (
	MethodStream     Method = "stream"
	MethodHWEncode   Method = "hw-encode"
	MethodSWEncode   Method = "sw-encode"
	MethodScreenshot Method = "screenshot"
)

// rawFrame is an undecoded capture payload handed to the transcode stage.
type rawFrame struct {
	data   []byte
	format string
}

// producer pushes raw frames until ctx is cancelled or the source dies.
type producer interface {
	method() Method
	run(ctx context.Context, svc *VideoService, out chan<- rawFrame) error
}

// maxConsecutiveFailures aborts a producer whose source keeps erroring.
const maxConsecutiveFailures = 5

// screenshotLoop is the shared JPEG source: paced screenshots pushed into
// out, optionally gated on a supervising child process staying alive.
func screenshotLoop(ctx context.Context, svc *VideoService, out chan<- rawFrame, proc *simctl.StreamProcess) error {
	failures := 0
	for {
		if err := svc.pace(ctx); err != nil {
			return nil
		}
		if proc != nil && !proc.Running() {
			if err := proc.Err(); err != nil {
				return err
			}
			return apperr.Errorf(apperr.KindHostDriver, "capture process exited")
		}
		data, err := svc.driver.Screenshot(ctx, svc.UDID, "jpeg")
		if err != nil {
			failures++
			if failures >= maxConsecutiveFailures {
				return err
			}
			continue
		}
		failures = 0
		select {
		case out <- rawFrame{data: data, format: "jpeg"}:
		case <-ctx.Done():
			return nil
		}
	}
}

// streamProducer keeps the device's continuous video pipeline warm via the
// host driver and sources frames while it stays alive.
type streamProducer struct{}

func (streamProducer) method() Method { return MethodStream }

func (streamProducer) run(ctx context.Context, svc *VideoService, out chan<- rawFrame) error {
	proc, err := svc.driver.StartVideoStream(ctx, svc.UDID, svc.currentFPS())
	if err != nil {
		return err
	}
	defer func() { _ = proc.Stop(context.WithoutCancel(ctx)) }()
	// The H.264 payload is not transcoded here; drain it so the child
	// never stalls on a full pipe.
	go func() { _, _ = io.Copy(io.Discard, proc.Stdout()) }()

	return screenshotLoop(ctx, svc, out, proc)
}

// hwEncodeProducer runs a hardware-accelerated screen encoder and sources
// frames while it stays alive.
type hwEncodeProducer struct{}

func (hwEncodeProducer) method() Method { return MethodHWEncode }

func (hwEncodeProducer) run(ctx context.Context, svc *VideoService, out chan<- rawFrame) error {
	proc, err := simctl.NewStreamProcess(ctx, "ffmpeg.hw_encode", "ffmpeg",
		"-f", "avfoundation",
		"-capture_cursor", "0",
		"-capture_mouse_clicks", "0",
		"-pixel_format", "uyvy422",
		"-framerate", "60",
		"-i", "1:none",
		"-c:v", "h264_videotoolbox",
		"-profile:v", "baseline",
		"-b:v", "2M",
		"-g", "30",
		"-tune", "zerolatency",
		"-f", "h264",
		"-")
	if err != nil {
		return err
	}
	defer func() { _ = proc.Stop(context.WithoutCancel(ctx)) }()
	go func() { _, _ = io.Copy(io.Discard, proc.Stdout()) }()

	return screenshotLoop(ctx, svc, out, proc)
}

// swEncodeProducer runs a software MJPEG encoder and splits its stdout into
// individual JPEG frames.
type swEncodeProducer struct{}

func (swEncodeProducer) method() Method { return MethodSWEncode }

func (swEncodeProducer) run(ctx context.Context, svc *VideoService, out chan<- rawFrame) error {
	scale := fmt.Sprintf("scale=%d:%d", svc.dims.PixelWidth, svc.dims.PixelHeight)
	proc, err := simctl.NewStreamProcess(ctx, "ffmpeg.sw_encode", "ffmpeg",
		"-f", "avfoundation",
		"-capture_cursor", "0",
		"-framerate", "30",
		"-i", "1:none",
		"-vf", scale,
		"-c:v", "mjpeg",
		"-q:v", "3",
		"-f", "mjpeg",
		"-")
	if err != nil {
		return err
	}
	defer func() { _ = proc.Stop(context.WithoutCancel(ctx)) }()

	return splitMJPEG(ctx, proc, out)
}

var (
	jpegSOI = []byte{0xff, 0xd8}
	jpegEOI = []byte{0xff, 0xd9}
)

// splitMJPEG scans a concatenated JPEG stream for SOI/EOI boundaries and
// emits one rawFrame per image.
func splitMJPEG(ctx context.Context, proc *simctl.StreamProcess, out chan<- rawFrame) error {
	r := bufio.NewReaderSize(proc.Stdout(), 64*1024)
	var buf bytes.Buffer
	chunk := make([]byte, 8192)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])
			for {
				data := buf.Bytes()
				start := bytes.Index(data, jpegSOI)
				if start < 0 {
					buf.Reset()
					break
				}
				end := bytes.Index(data[start:], jpegEOI)
				if end < 0 {
					if start > 0 {
						buf.Next(start)
					}
					break
				}
				end += start + len(jpegEOI)
				frame := append([]byte(nil), data[start:end]...)
				buf.Next(end)
				select {
				case out <- rawFrame{data: frame, format: "jpeg"}:
				case <-ctx.Done():
					return nil
				}
			}
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if perr := proc.Err(); perr != nil {
				return perr
			}
			return apperr.E(apperr.KindHostDriver, "mjpeg stream ended", err)
		}
	}
}

// screenshotProducer is the last-resort high-frequency screenshot loop. It
// has no child process to fail, so it only ends on cancellation.
type screenshotProducer struct{}

func (screenshotProducer) method() Method { return MethodScreenshot }

func (screenshotProducer) run(ctx context.Context, svc *VideoService, out chan<- rawFrame) error {
	return screenshotLoop(ctx, svc, out, nil)
}
