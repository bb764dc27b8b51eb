// SPDX-License-Identifier: MIT

package simctl

import (
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/simbridge-io/simbridge/internal/apperr"
	"github.com/simbridge-io/simbridge/internal/log"
)

// ExecDriver is the production Driver backed by xcrun simctl and idb.
type ExecDriver struct {
	r *runner
}

// NewExecDriver constructs the production host driver.
func NewExecDriver() *ExecDriver {
	return &ExecDriver{r: newRunner()}
}

// Check verifies the required host tools are present.
func (d *ExecDriver) Check(ctx context.Context) error {
	if _, err := exec.LookPath(d.r.simctlPath); err != nil {
		return apperr.E(apperr.KindHostDriver, "xcrun not found in PATH", err)
	}
	_, err := d.r.run(ctx, "simctl.help", actionTimeout, d.r.simctlPath, "simctl", "help")
	if err != nil {
		return apperr.E(apperr.KindHostDriver, "simctl unusable", err)
	}
	return nil
}

// simctl list devices -j document shape.
type deviceListDoc struct {
	Devices map[string][]struct {
		UDID  string `json:"udid"`
		Name  string `json:"name"`
		State string `json:"state"`
	} `json:"devices"`
}

// ListDevices enumerates every simulator device known to the host.
func (d *ExecDriver) ListDevices(ctx context.Context) ([]Device, error) {
	res, err := d.r.runRetry(ctx, "simctl.list_devices", actionTimeout,
		d.r.simctlPath, "simctl", "list", "devices", "-j")
	if err != nil {
		return nil, err
	}
	var doc deviceListDoc
	if err := json.Unmarshal(res.Stdout, &doc); err != nil {
		return nil, apperr.E(apperr.KindHostDriver, "malformed device list", err)
	}
	var devices []Device
	for runtime, entries := range doc.Devices {
		for _, e := range entries {
			dev := Device{
				UDID:    e.UDID,
				Name:    e.Name,
				Runtime: runtime,
				State:   parseState(e.State),
			}
			if dev.State == StateBooted {
				if pid, ok := d.SimulatorPID(ctx, e.UDID); ok {
					dev.PID = pid
				}
			}
			devices = append(devices, dev)
		}
	}
	return devices, nil
}

func parseState(s string) DeviceState {
	switch s {
	case "Shutdown":
		return StateShutdown
	case "Booting":
		return StateBooting
	case "Booted":
		return StateBooted
	case "Shutting Down":
		return StateShuttingDown
	default:
		return StateUnknown
	}
}

// ListDeviceTypes returns iPhone/iPad device type names mapped to identifiers.
func (d *ExecDriver) ListDeviceTypes(ctx context.Context) (map[string]string, error) {
	res, err := d.r.runRetry(ctx, "simctl.list_devicetypes", actionTimeout,
		d.r.simctlPath, "simctl", "list", "devicetypes", "-j")
	if err != nil {
		return nil, err
	}
	var doc struct {
		DeviceTypes []struct {
			Name       string `json:"name"`
			Identifier string `json:"identifier"`
		} `json:"devicetypes"`
	}
	if err := json.Unmarshal(res.Stdout, &doc); err != nil {
		return nil, apperr.E(apperr.KindHostDriver, "malformed devicetype list", err)
	}
	types := make(map[string]string)
	for _, t := range doc.DeviceTypes {
		if strings.Contains(t.Name, "iPhone") || strings.Contains(t.Name, "iPad") {
			types[t.Name] = t.Identifier
		}
	}
	return types, nil
}

// ListRuntimes returns available iOS versions mapped to runtime identifiers.
func (d *ExecDriver) ListRuntimes(ctx context.Context) (map[string]string, error) {
	res, err := d.r.runRetry(ctx, "simctl.list_runtimes", actionTimeout,
		d.r.simctlPath, "simctl", "list", "runtimes", "-j")
	if err != nil {
		return nil, err
	}
	var doc struct {
		Runtimes []struct {
			Name        string `json:"name"`
			Identifier  string `json:"identifier"`
			IsAvailable bool   `json:"isAvailable"`
		} `json:"runtimes"`
	}
	if err := json.Unmarshal(res.Stdout, &doc); err != nil {
		return nil, apperr.E(apperr.KindHostDriver, "malformed runtime list", err)
	}
	runtimes := make(map[string]string)
	for _, r := range doc.Runtimes {
		if r.IsAvailable && strings.HasPrefix(r.Name, "iOS ") {
			runtimes[strings.TrimPrefix(r.Name, "iOS ")] = r.Identifier
		}
	}
	return runtimes, nil
}

// CreateDevice creates a new simulator device and returns its UDID.
func (d *ExecDriver) CreateDevice(ctx context.Context, name, deviceTypeID, runtimeID string) (string, error) {
	res, err := d.r.run(ctx, "simctl.create", createTimeout,
		d.r.simctlPath, "simctl", "create", name, deviceTypeID, runtimeID)
	if err != nil {
		return "", err
	}
	udid := strings.TrimSpace(string(res.Stdout))
	if udid == "" {
		return "", apperr.Errorf(apperr.KindHostDriver, "simctl create returned no udid")
	}
	return udid, nil
}

// Boot boots the device and opens the Simulator frontend for it.
func (d *ExecDriver) Boot(ctx context.Context, udid string) error {
	if _, err := d.r.run(ctx, "simctl.boot", createTimeout,
		d.r.simctlPath, "simctl", "boot", udid); err != nil {
		return err
	}
	// The Simulator app renders the device window; failure is non-fatal
	// because headless capture still works.
	if _, err := d.r.run(ctx, "open.simulator", actionTimeout,
		"open", "-a", "Simulator", "--args", "-CurrentDeviceUDID", udid); err != nil {
		log.WithComponent("simctl").Warn().Err(err).
			Str(log.FieldUDID, udid).
			Msg("could not open Simulator frontend")
	}
	return nil
}

// WaitForBoot polls the device list until the device reports Booted.
func (d *ExecDriver) WaitForBoot(ctx context.Context, udid string) error {
	deadline := time.Now().Add(createTimeout)
	for time.Now().Before(deadline) {
		devices, err := d.ListDevices(ctx)
		if err == nil {
			for _, dev := range devices {
				if dev.UDID == udid && dev.State == StateBooted {
					return nil
				}
			}
		}
		select {
		case <-ctx.Done():
			return apperr.E(apperr.KindTimeout, "boot wait cancelled", ctx.Err())
		case <-time.After(2 * time.Second):
		}
	}
	return apperr.Errorf(apperr.KindTimeout, "device %s did not reach Booted within %v", udid, createTimeout)
}

// Shutdown shuts the device down. Shutting down an already-stopped device is
// not an error.
func (d *ExecDriver) Shutdown(ctx context.Context, udid string) error {
	res, err := d.r.run(ctx, "simctl.shutdown", actionTimeout,
		d.r.simctlPath, "simctl", "shutdown", udid)
	if err != nil && !strings.Contains(strings.ToLower(string(res.Stderr)), "current state: shutdown") {
		return err
	}
	return nil
}

// Delete erases the device from the host.
func (d *ExecDriver) Delete(ctx context.Context, udid string) error {
	_, err := d.r.run(ctx, "simctl.delete", actionTimeout,
		d.r.simctlPath, "simctl", "delete", udid)
	return err
}

// SimulatorPID resolves the frontend process for a booted device.
func (d *ExecDriver) SimulatorPID(ctx context.Context, udid string) (int, bool) {
	res, err := d.r.run(ctx, "pgrep.simulator", tapTimeout,
		"pgrep", "-f", "CurrentDeviceUDID "+udid)
	if err != nil {
		return 0, false
	}
	line := firstLine(res.Stdout)
	pid, err := strconv.Atoi(line)
	if err != nil {
		return 0, false
	}
	return pid, true
}

var (
	pointWidthRe  = regexp.MustCompile(`width_points=(\d+)`)
	pointHeightRe = regexp.MustCompile(`height_points=(\d+)`)
	pixelWidthRe  = regexp.MustCompile(`width=(\d+)`)
	pixelHeightRe = regexp.MustCompile(`height=(\d+)`)
)

// Dimensions queries the device geometry via idb describe. Falls back to the
// iPhone portrait default when the description is unparsable, so streaming
// still works against devices idb cannot describe.
func (d *ExecDriver) Dimensions(ctx context.Context, udid string) (Dimensions, error) {
	fallback := Dimensions{PointWidth: 390, PointHeight: 844, PixelWidth: 1170, PixelHeight: 2532}
	res, err := d.r.runRetry(ctx, "idb.describe", actionTimeout,
		d.r.idbPath, "describe", "--udid", udid)
	if err != nil {
		return fallback, nil
	}
	out := string(res.Stdout)
	dims := Dimensions{}
	if m := pointWidthRe.FindStringSubmatch(out); m != nil {
		dims.PointWidth, _ = strconv.Atoi(m[1])
	}
	if m := pointHeightRe.FindStringSubmatch(out); m != nil {
		dims.PointHeight, _ = strconv.Atoi(m[1])
	}
	if m := pixelWidthRe.FindStringSubmatch(out); m != nil {
		dims.PixelWidth, _ = strconv.Atoi(m[1])
	}
	if m := pixelHeightRe.FindStringSubmatch(out); m != nil {
		dims.PixelHeight, _ = strconv.Atoi(m[1])
	}
	if dims.PointWidth <= 0 || dims.PointHeight <= 0 {
		return fallback, nil
	}
	if dims.PixelWidth <= 0 || dims.PixelHeight <= 0 {
		dims.PixelWidth = dims.PointWidth * 3
		dims.PixelHeight = dims.PointHeight * 3
	}
	return dims, nil
}

// deviceName derives the host-visible device name for a session.
func DeviceName(sessionID, deviceType string) string {
	short := sessionID
	if len(short) > 8 {
		short = short[:8]
	}
	return fmt.Sprintf("sim_%s_%s", short, strings.ReplaceAll(deviceType, " ", "_"))
}
