// SPDX-License-Identifier: MIT

// Package simctltest provides an in-memory Driver for tests. Every operation
// succeeds against a mutable device table unless an error is injected.
package simctltest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/simbridge-io/simbridge/internal/apperr"
	"github.com/simbridge-io/simbridge/internal/simctl"
)

// FakeDevice is the fake's view of one simulator.
type FakeDevice struct {
	Device simctl.Device
	Apps   map[string]simctl.AppInfo
	Files  map[string][]byte
}

// Fake implements simctl.Driver against in-memory state.
type Fake struct {
	mu      sync.Mutex
	devices map[string]*FakeDevice
	calls   []string

	// Errs injects a failure for the named operation ("Boot", "Tap", ...).
	Errs map[string]error

	// ScreenshotData is returned by Screenshot when set.
	ScreenshotData []byte

	// Dims is returned by Dimensions; zero value falls back to iPhone 14.
	Dims simctl.Dimensions
}

func New() *Fake {
	return &Fake{
		devices: make(map[string]*FakeDevice),
		Errs:    make(map[string]error),
	}
}

// AddBooted seeds a booted device and returns its UDID.
func (f *Fake) AddBooted(name string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	udid := uuid.NewString()
	f.devices[udid] = &FakeDevice{
		Device: simctl.Device{
			UDID:    udid,
			Name:    name,
			Runtime: "com.apple.CoreSimulator.SimRuntime.iOS-17-2",
			State:   simctl.StateBooted,
			PID:     1000 + len(f.devices),
		},
		Apps:  make(map[string]simctl.AppInfo),
		Files: make(map[string][]byte),
	}
	return udid
}

// Calls returns the operations invoked so far, in order.
func (f *Fake) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *Fake) record(op string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, op)
	return f.Errs[op]
}

func (f *Fake) device(udid string) (*FakeDevice, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.devices[udid]
	if !ok {
		return nil, apperr.Errorf(apperr.KindNotFound, "no device %s", udid)
	}
	return d, nil
}

func (f *Fake) Check(ctx context.Context) error { return f.record("Check") }

func (f *Fake) ListDeviceTypes(ctx context.Context) (map[string]string, error) {
	if err := f.record("ListDeviceTypes"); err != nil {
		return nil, err
	}
	return map[string]string{
		"iPhone 15 Pro": "com.apple.CoreSimulator.SimDeviceType.iPhone-15-Pro",
		"iPhone 14":     "com.apple.CoreSimulator.SimDeviceType.iPhone-14",
	}, nil
}

func (f *Fake) ListRuntimes(ctx context.Context) (map[string]string, error) {
	if err := f.record("ListRuntimes"); err != nil {
		return nil, err
	}
	return map[string]string{
		"17.2": "com.apple.CoreSimulator.SimRuntime.iOS-17-2",
	}, nil
}

func (f *Fake) ListDevices(ctx context.Context) ([]simctl.Device, error) {
	if err := f.record("ListDevices"); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]simctl.Device, 0, len(f.devices))
	for _, d := range f.devices {
		out = append(out, d.Device)
	}
	return out, nil
}

func (f *Fake) CreateDevice(ctx context.Context, name, deviceTypeID, runtimeID string) (string, error) {
	if err := f.record("CreateDevice"); err != nil {
		return "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	udid := uuid.NewString()
	f.devices[udid] = &FakeDevice{
		Device: simctl.Device{UDID: udid, Name: name, Runtime: runtimeID, State: simctl.StateShutdown},
		Apps:   make(map[string]simctl.AppInfo),
		Files:  make(map[string][]byte),
	}
	return udid, nil
}

func (f *Fake) Boot(ctx context.Context, udid string) error {
	if err := f.record("Boot"); err != nil {
		return err
	}
	d, err := f.device(udid)
	if err != nil {
		return err
	}
	f.mu.Lock()
	d.Device.State = simctl.StateBooted
	d.Device.PID = 4242
	f.mu.Unlock()
	return nil
}

func (f *Fake) WaitForBoot(ctx context.Context, udid string) error {
	if err := f.record("WaitForBoot"); err != nil {
		return err
	}
	_, err := f.device(udid)
	return err
}

func (f *Fake) Shutdown(ctx context.Context, udid string) error {
	if err := f.record("Shutdown"); err != nil {
		return err
	}
	d, err := f.device(udid)
	if err != nil {
		return err
	}
	f.mu.Lock()
	d.Device.State = simctl.StateShutdown
	d.Device.PID = 0
	f.mu.Unlock()
	return nil
}

func (f *Fake) Delete(ctx context.Context, udid string) error {
	if err := f.record("Delete"); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.devices[udid]; !ok {
		return apperr.Errorf(apperr.KindNotFound, "no device %s", udid)
	}
	delete(f.devices, udid)
	return nil
}

func (f *Fake) SimulatorPID(ctx context.Context, udid string) (int, bool) {
	_ = f.record("SimulatorPID")
	d, err := f.device(udid)
	if err != nil || d.Device.PID == 0 {
		return 0, false
	}
	return d.Device.PID, true
}

func (f *Fake) Dimensions(ctx context.Context, udid string) (simctl.Dimensions, error) {
	if err := f.record("Dimensions"); err != nil {
		return simctl.Dimensions{}, err
	}
	if f.Dims.PointWidth > 0 {
		return f.Dims, nil
	}
	return simctl.Dimensions{PointWidth: 390, PointHeight: 844, PixelWidth: 1170, PixelHeight: 2532}, nil
}

func (f *Fake) InstallApp(ctx context.Context, udid, archivePath string) (simctl.BundleInfo, error) {
	if err := f.record("InstallApp"); err != nil {
		return simctl.BundleInfo{}, err
	}
	d, err := f.device(udid)
	if err != nil {
		return simctl.BundleInfo{}, err
	}
	info := simctl.BundleInfo{BundleID: "com.example.app", Name: "Example"}
	f.mu.Lock()
	d.Apps[info.BundleID] = simctl.AppInfo{BundleID: info.BundleID, Name: info.Name, Type: "User", Path: archivePath}
	f.mu.Unlock()
	return info, nil
}

func (f *Fake) LaunchApp(ctx context.Context, udid, bundleID string) (int, error) {
	if err := f.record("LaunchApp"); err != nil {
		return 0, err
	}
	d, err := f.device(udid)
	if err != nil {
		return 0, err
	}
	f.mu.Lock()
	_, installed := d.Apps[bundleID]
	f.mu.Unlock()
	if !installed {
		return 0, apperr.Errorf(apperr.KindNotFound, "app %s is not installed", bundleID)
	}
	return 777, nil
}

func (f *Fake) TerminateApp(ctx context.Context, udid, bundleID string) error {
	if err := f.record("TerminateApp"); err != nil {
		return err
	}
	_, err := f.device(udid)
	return err
}

func (f *Fake) UninstallApp(ctx context.Context, udid, bundleID string) error {
	if err := f.record("UninstallApp"); err != nil {
		return err
	}
	d, err := f.device(udid)
	if err != nil {
		return err
	}
	f.mu.Lock()
	delete(d.Apps, bundleID)
	f.mu.Unlock()
	return nil
}

func (f *Fake) ListApps(ctx context.Context, udid string) ([]simctl.AppInfo, error) {
	if err := f.record("ListApps"); err != nil {
		return nil, err
	}
	d, err := f.device(udid)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]simctl.AppInfo, 0, len(d.Apps))
	for _, a := range d.Apps {
		out = append(out, a)
	}
	return out, nil
}

func (f *Fake) AppContainer(ctx context.Context, udid, bundleID string) (string, error) {
	if err := f.record("AppContainer"); err != nil {
		return "", err
	}
	d, err := f.device(udid)
	if err != nil {
		return "", err
	}
	f.mu.Lock()
	_, installed := d.Apps[bundleID]
	f.mu.Unlock()
	if !installed {
		return "", apperr.Errorf(apperr.KindNotFound, "app %s is not installed", bundleID)
	}
	return fmt.Sprintf("/tmp/containers/%s/%s", udid, bundleID), nil
}

func (f *Fake) Screenshot(ctx context.Context, udid, format string) ([]byte, error) {
	if err := f.record("Screenshot"); err != nil {
		return nil, err
	}
	if _, err := f.device(udid); err != nil {
		return nil, err
	}
	if f.ScreenshotData != nil {
		return f.ScreenshotData, nil
	}
	return []byte{0x89, 'P', 'N', 'G'}, nil
}

func (f *Fake) Tap(ctx context.Context, udid string, x, y int) error {
	if err := f.record("Tap"); err != nil {
		return err
	}
	_, err := f.device(udid)
	return err
}

func (f *Fake) Swipe(ctx context.Context, udid string, x1, y1, x2, y2 int, duration time.Duration) error {
	if err := f.record("Swipe"); err != nil {
		return err
	}
	_, err := f.device(udid)
	return err
}

func (f *Fake) Button(ctx context.Context, udid, button string) error {
	if err := f.record("Button"); err != nil {
		return err
	}
	if _, ok := simctl.ValidButtons[button]; !ok {
		return apperr.Errorf(apperr.KindProtocol, "unknown button %q", button)
	}
	_, err := f.device(udid)
	return err
}

func (f *Fake) Key(ctx context.Context, udid, code string, duration time.Duration) error {
	if err := f.record("Key"); err != nil {
		return err
	}
	_, err := f.device(udid)
	return err
}

func (f *Fake) Text(ctx context.Context, udid, text string) error {
	if err := f.record("Text"); err != nil {
		return err
	}
	_, err := f.device(udid)
	return err
}

func (f *Fake) SetOrientation(ctx context.Context, udid, orientation string) error {
	if err := f.record("SetOrientation"); err != nil {
		return err
	}
	_, err := f.device(udid)
	return err
}

func (f *Fake) OpenURL(ctx context.Context, udid, url string) error {
	if err := f.record("OpenURL"); err != nil {
		return err
	}
	_, err := f.device(udid)
	return err
}

func (f *Fake) SetLocation(ctx context.Context, udid string, latitude, longitude float64) error {
	if err := f.record("SetLocation"); err != nil {
		return err
	}
	_, err := f.device(udid)
	return err
}

func (f *Fake) ClearLocation(ctx context.Context, udid string) error {
	if err := f.record("ClearLocation"); err != nil {
		return err
	}
	_, err := f.device(udid)
	return err
}

func (f *Fake) AddMedia(ctx context.Context, udid string, paths ...string) error {
	if err := f.record("AddMedia"); err != nil {
		return err
	}
	_, err := f.device(udid)
	return err
}

func (f *Fake) PushFile(ctx context.Context, udid, localPath, devicePath, bundleID string) error {
	if err := f.record("PushFile"); err != nil {
		return err
	}
	d, err := f.device(udid)
	if err != nil {
		return err
	}
	f.mu.Lock()
	d.Files[devicePath] = []byte("pushed:" + localPath)
	f.mu.Unlock()
	return nil
}

func (f *Fake) PullFile(ctx context.Context, udid, devicePath, bundleID string) ([]byte, error) {
	if err := f.record("PullFile"); err != nil {
		return nil, err
	}
	d, err := f.device(udid)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	data, ok := d.Files[devicePath]
	if !ok {
		return nil, apperr.Errorf(apperr.KindNotFound, "device file not found: %s", devicePath)
	}
	return data, nil
}

func (f *Fake) StartVideoStream(ctx context.Context, udid string, fps int) (*simctl.StreamProcess, error) {
	if err := f.record("StartVideoStream"); err != nil {
		return nil, err
	}
	return nil, apperr.Errorf(apperr.KindHostDriver, "video stream unavailable in fake driver")
}

func (f *Fake) StartRecording(ctx context.Context, udid, outPath string) (*simctl.StreamProcess, error) {
	if err := f.record("StartRecording"); err != nil {
		return nil, err
	}
	return nil, apperr.Errorf(apperr.KindHostDriver, "recording unavailable in fake driver")
}

func (f *Fake) StreamLogs(ctx context.Context, udid string) (*simctl.LogStream, error) {
	if err := f.record("StreamLogs"); err != nil {
		return nil, err
	}
	return nil, apperr.Errorf(apperr.KindHostDriver, "log stream unavailable in fake driver")
}

func (f *Fake) ListLogProcesses(ctx context.Context, udid string) ([]simctl.ProcessInfo, error) {
	if err := f.record("ListLogProcesses"); err != nil {
		return nil, err
	}
	if _, err := f.device(udid); err != nil {
		return nil, err
	}
	return []simctl.ProcessInfo{{Process: "SpringBoard", PID: 57}}, nil
}

func (f *Fake) ClearLogs(ctx context.Context, udid string) error {
	if err := f.record("ClearLogs"); err != nil {
		return err
	}
	_, err := f.device(udid)
	return err
}

var _ simctl.Driver = (*Fake)(nil)
