// SPDX-License-Identifier: MIT

package simctl

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/simbridge-io/simbridge/internal/apperr"
)

// Screenshot captures the device screen. format is "png" or "jpeg".
func (d *ExecDriver) Screenshot(ctx context.Context, udid, format string) ([]byte, error) {
	if format != "png" && format != "jpeg" {
		return nil, apperr.Errorf(apperr.KindProtocol, "unsupported screenshot format %q", format)
	}
	res, err := d.r.run(ctx, "simctl.screenshot", screenshotTimeout,
		d.r.simctlPath, "simctl", "io", udid, "screenshot", "--type", format, "-")
	if err != nil {
		return nil, apperr.E(apperr.KindHostDriver, "screenshot capture failed", err)
	}
	if len(res.Stdout) == 0 {
		return nil, apperr.Errorf(apperr.KindHostDriver, "screenshot produced no data")
	}
	return res.Stdout, nil
}

// Tap performs a tap at point coordinates.
func (d *ExecDriver) Tap(ctx context.Context, udid string, x, y int) error {
	if x < 0 || y < 0 {
		return apperr.Errorf(apperr.KindProtocol, "tap coordinates out of range (%d, %d)", x, y)
	}
	_, err := d.r.run(ctx, "idb.tap", tapTimeout,
		d.r.idbPath, "ui", "tap", strconv.Itoa(x), strconv.Itoa(y), "--udid", udid)
	return err
}

// Swipe performs a swipe gesture between two points over duration.
func (d *ExecDriver) Swipe(ctx context.Context, udid string, x1, y1, x2, y2 int, duration time.Duration) error {
	if x1 < 0 || y1 < 0 || x2 < 0 || y2 < 0 {
		return apperr.Errorf(apperr.KindProtocol, "swipe coordinates out of range")
	}
	if duration <= 0 {
		duration = 200 * time.Millisecond
	}
	_, err := d.r.run(ctx, "idb.swipe", swipeTimeout,
		d.r.idbPath, "ui", "swipe",
		strconv.Itoa(x1), strconv.Itoa(y1), strconv.Itoa(x2), strconv.Itoa(y2),
		"--duration", fmt.Sprintf("%.2f", duration.Seconds()),
		"--udid", udid)
	return err
}

// Button presses a hardware button.
func (d *ExecDriver) Button(ctx context.Context, udid, button string) error {
	mapped, ok := ValidButtons[button]
	if !ok {
		return apperr.Errorf(apperr.KindProtocol, "unknown button %q", button)
	}
	_, err := d.r.run(ctx, "idb.button", tapTimeout,
		d.r.idbPath, "ui", "button", mapped, "--udid", udid)
	return err
}

// Key sends a single HID key code, optionally held for duration.
func (d *ExecDriver) Key(ctx context.Context, udid, code string, duration time.Duration) error {
	if code == "" {
		return apperr.Errorf(apperr.KindProtocol, "empty key code")
	}
	args := []string{"ui", "key", code, "--udid", udid}
	if duration > 0 {
		args = append(args, "--duration", fmt.Sprintf("%.2f", duration.Seconds()))
	}
	_, err := d.r.run(ctx, "idb.key", tapTimeout, d.r.idbPath, args...)
	return err
}

// Text types a string into the focused field.
func (d *ExecDriver) Text(ctx context.Context, udid, text string) error {
	_, err := d.r.run(ctx, "idb.text", textTimeout,
		d.r.idbPath, "ui", "text", text, "--udid", udid)
	return err
}

// SetOrientation rotates the device.
func (d *ExecDriver) SetOrientation(ctx context.Context, udid, orientation string) error {
	switch orientation {
	case "portrait", "landscape", "portrait-upside-down", "landscape-left", "landscape-right":
	default:
		return apperr.Errorf(apperr.KindProtocol, "unknown orientation %q", orientation)
	}
	_, err := d.r.run(ctx, "simctl.orientation", actionTimeout,
		d.r.simctlPath, "simctl", "ui", udid, "orientation", orientation)
	return err
}

// OpenURL opens a URL (or deep link) on the device.
func (d *ExecDriver) OpenURL(ctx context.Context, udid, url string) error {
	if url == "" {
		return apperr.Errorf(apperr.KindProtocol, "empty url")
	}
	_, err := d.r.run(ctx, "simctl.openurl", actionTimeout,
		d.r.simctlPath, "simctl", "openurl", udid, url)
	return err
}

// SetLocation simulates a GPS fix.
func (d *ExecDriver) SetLocation(ctx context.Context, udid string, latitude, longitude float64) error {
	if latitude < -90 || latitude > 90 || longitude < -180 || longitude > 180 {
		return apperr.Errorf(apperr.KindProtocol, "coordinates out of range (%f, %f)", latitude, longitude)
	}
	_, err := d.r.run(ctx, "simctl.location_set", actionTimeout,
		d.r.simctlPath, "simctl", "location", udid, "set",
		fmt.Sprintf("%f,%f", latitude, longitude))
	return err
}

// ClearLocation removes the simulated GPS fix.
func (d *ExecDriver) ClearLocation(ctx context.Context, udid string) error {
	_, err := d.r.run(ctx, "simctl.location_clear", actionTimeout,
		d.r.simctlPath, "simctl", "location", udid, "clear")
	return err
}

// AddMedia imports photos or videos into the device photo library.
func (d *ExecDriver) AddMedia(ctx context.Context, udid string, paths ...string) error {
	if len(paths) == 0 {
		return apperr.Errorf(apperr.KindProtocol, "no media files given")
	}
	args := append([]string{"simctl", "addmedia", udid}, paths...)
	_, err := d.r.run(ctx, "simctl.addmedia", createTimeout, d.r.simctlPath, args...)
	return err
}
