// SPDX-License-Identifier: MIT

// Package simctl is the typed surface over the host's simulator command-line
// tools (xcrun simctl for lifecycle, idb for UI automation). Every external
// command is treated as fallible and is wrapped with a bounded timeout.
package simctl

import (
	"context"
	"time"
)

// DeviceState mirrors the state strings reported by simctl.
type DeviceState string

const (
	StateShutdown     DeviceState = "Shutdown"
	StateBooting      DeviceState = "Booting"
	StateBooted       DeviceState = "Booted"
	StateShuttingDown DeviceState = "Shutting Down"
	StateUnknown      DeviceState = "Unknown"
)

// Device is the host's current view of a simulator device.
type Device struct {
	UDID    string
	Name    string
	Runtime string
	State   DeviceState
	PID     int // 0 when not booted
}

// Dimensions holds the logical and pixel geometry of a device screen.
type Dimensions struct {
	PointWidth  int
	PointHeight int
	PixelWidth  int
	PixelHeight int
}

// Scale returns the pixel-per-point factor (1, 2 or 3 on real hardware).
func (d Dimensions) Scale() int {
	if d.PointWidth == 0 {
		return 1
	}
	return d.PixelWidth / d.PointWidth
}

// AppInfo describes an app installed on a device.
type AppInfo struct {
	BundleID string `json:"bundle_id"`
	Name     string `json:"app_name"`
	Type     string `json:"app_type"`
	Path     string `json:"path"`
}

// ProcessInfo is one row of the device process listing.
type ProcessInfo struct {
	Process string `json:"process"`
	PID     int    `json:"pid"`
}

// Button names accepted by the hardware-button operation.
var ValidButtons = map[string]string{
	"home":        "HOME",
	"lock":        "LOCK",
	"siri":        "SIRI",
	"side-button": "SIDE_BUTTON",
	"apple-pay":   "APPLE_PAY",
	"volume-up":   "VOLUME_UP",
	"volume-down": "VOLUME_DOWN",
	"shake":       "SHAKE",
}

// Driver is the full host-driver surface. Consumers hold this interface so
// tests can substitute a fake.
type Driver interface {
	// Availability
	Check(ctx context.Context) error

	// Device catalogue
	ListDeviceTypes(ctx context.Context) (map[string]string, error)
	ListRuntimes(ctx context.Context) (map[string]string, error)
	ListDevices(ctx context.Context) ([]Device, error)

	// Device lifecycle
	CreateDevice(ctx context.Context, name, deviceTypeID, runtimeID string) (string, error)
	Boot(ctx context.Context, udid string) error
	WaitForBoot(ctx context.Context, udid string) error
	Shutdown(ctx context.Context, udid string) error
	Delete(ctx context.Context, udid string) error
	SimulatorPID(ctx context.Context, udid string) (int, bool)
	Dimensions(ctx context.Context, udid string) (Dimensions, error)

	// App lifecycle
	InstallApp(ctx context.Context, udid, archivePath string) (BundleInfo, error)
	LaunchApp(ctx context.Context, udid, bundleID string) (int, error)
	TerminateApp(ctx context.Context, udid, bundleID string) error
	UninstallApp(ctx context.Context, udid, bundleID string) error
	ListApps(ctx context.Context, udid string) ([]AppInfo, error)
	AppContainer(ctx context.Context, udid, bundleID string) (string, error)

	// Automation
	Screenshot(ctx context.Context, udid, format string) ([]byte, error)
	Tap(ctx context.Context, udid string, x, y int) error
	Swipe(ctx context.Context, udid string, x1, y1, x2, y2 int, duration time.Duration) error
	Button(ctx context.Context, udid, button string) error
	Key(ctx context.Context, udid, code string, duration time.Duration) error
	Text(ctx context.Context, udid, text string) error
	SetOrientation(ctx context.Context, udid, orientation string) error
	OpenURL(ctx context.Context, udid, url string) error
	SetLocation(ctx context.Context, udid string, latitude, longitude float64) error
	ClearLocation(ctx context.Context, udid string) error
	AddMedia(ctx context.Context, udid string, paths ...string) error

	// Files
	PushFile(ctx context.Context, udid, localPath, devicePath, bundleID string) error
	PullFile(ctx context.Context, udid, devicePath, bundleID string) ([]byte, error)

	// Streams
	StartVideoStream(ctx context.Context, udid string, fps int) (*StreamProcess, error)
	StartRecording(ctx context.Context, udid, outPath string) (*StreamProcess, error)
	StreamLogs(ctx context.Context, udid string) (*LogStream, error)
	ListLogProcesses(ctx context.Context, udid string) ([]ProcessInfo, error)
	ClearLogs(ctx context.Context, udid string) error
}

// BundleInfo is the result of an app installation.
type BundleInfo struct {
	BundleID string
	Name     string
}
