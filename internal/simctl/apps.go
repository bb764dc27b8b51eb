// SPDX-License-Identifier: MIT

package simctl

import (
	"context"
	"encoding/json"
	"os"
	"strconv"
	"strings"

	"github.com/simbridge-io/simbridge/internal/apperr"
	"github.com/simbridge-io/simbridge/internal/log"
)

// InstallApp installs an .ipa/.zip archive onto the device. The archive is
// expanded and rewritten for simulator compatibility in a temp directory that
// is removed on every exit path; the caller's file is never touched. If the
// preprocessed bundle is rejected, the untouched archive is tried once more.
func (d *ExecDriver) InstallApp(ctx context.Context, udid, archivePath string) (BundleInfo, error) {
	logger := log.WithComponent("simctl")

	info, err := d.installOnce(ctx, udid, archivePath, true)
	if err == nil {
		return info, nil
	}
	if apperr.KindOf(err) == apperr.KindProtocol {
		// Unreadable archive; retrying cannot help.
		return BundleInfo{}, err
	}

	logger.Warn().Err(err).
		Str(log.FieldUDID, udid).
		Msg("preprocessed install failed, retrying with original bundle")
	return d.installOnce(ctx, udid, archivePath, false)
}

func (d *ExecDriver) installOnce(ctx context.Context, udid, archivePath string, preprocess bool) (BundleInfo, error) {
	tmpDir, err := os.MkdirTemp("", "simbridge-install-*")
	if err != nil {
		return BundleInfo{}, apperr.E(apperr.KindIO, "create install scratch dir", err)
	}
	defer func() { _ = os.RemoveAll(tmpDir) }()

	appBundle, info, err := stageArchive(archivePath, tmpDir, preprocess)
	if err != nil {
		return BundleInfo{}, err
	}

	if _, err := d.r.run(ctx, "simctl.install", createTimeout,
		d.r.simctlPath, "simctl", "install", udid, appBundle); err != nil {
		return BundleInfo{}, err
	}
	return info, nil
}

// LaunchApp launches an installed app and returns its PID.
func (d *ExecDriver) LaunchApp(ctx context.Context, udid, bundleID string) (int, error) {
	if _, err := d.AppContainer(ctx, udid, bundleID); err != nil {
		return 0, apperr.Errorf(apperr.KindNotFound, "app %s is not installed", bundleID)
	}
	res, err := d.r.run(ctx, "simctl.launch", actionTimeout,
		d.r.simctlPath, "simctl", "launch", udid, bundleID)
	if err != nil {
		return 0, apperr.E(apperr.KindHostDriver, "launch failed", err)
	}
	// Output shape: "<bundle-id>: <pid>"
	out := strings.TrimSpace(string(res.Stdout))
	if i := strings.LastIndexByte(out, ' '); i >= 0 {
		if pid, perr := strconv.Atoi(out[i+1:]); perr == nil {
			return pid, nil
		}
	}
	return 0, nil
}

// TerminateApp stops a running app.
func (d *ExecDriver) TerminateApp(ctx context.Context, udid, bundleID string) error {
	_, err := d.r.run(ctx, "simctl.terminate", actionTimeout,
		d.r.simctlPath, "simctl", "terminate", udid, bundleID)
	return err
}

// UninstallApp removes an app. Uninstalling an app the device does not have
// succeeds, so tracking can always be cleared.
func (d *ExecDriver) UninstallApp(ctx context.Context, udid, bundleID string) error {
	res, err := d.r.run(ctx, "simctl.uninstall", actionTimeout,
		d.r.simctlPath, "simctl", "uninstall", udid, bundleID)
	if err != nil {
		msg := strings.ToLower(string(res.Stderr))
		if strings.Contains(msg, "not installed") || strings.Contains(msg, "not found") {
			return nil
		}
		return err
	}
	return nil
}

// ListApps enumerates installed apps via simctl listapps piped through plutil
// for JSON conversion.
func (d *ExecDriver) ListApps(ctx context.Context, udid string) ([]AppInfo, error) {
	// The udid travels as a positional parameter, never spliced into the
	// command line.
	res, err := d.r.run(ctx, "simctl.listapps", actionTimeout,
		"sh", "-c", `xcrun simctl listapps "$1" | plutil -convert json -o - -- -`, "listapps", udid)
	if err != nil {
		return nil, err
	}
	var doc map[string]struct {
		DisplayName     string `json:"CFBundleDisplayName"`
		Name            string `json:"CFBundleName"`
		ApplicationType string `json:"ApplicationType"`
		Path            string `json:"Path"`
	}
	if err := json.Unmarshal(res.Stdout, &doc); err != nil {
		return nil, apperr.E(apperr.KindHostDriver, "malformed app listing", err)
	}
	apps := make([]AppInfo, 0, len(doc))
	for bundleID, info := range doc {
		name := info.DisplayName
		if name == "" {
			name = info.Name
		}
		apps = append(apps, AppInfo{
			BundleID: bundleID,
			Name:     name,
			Type:     info.ApplicationType,
			Path:     info.Path,
		})
	}
	return apps, nil
}

// AppContainer resolves the on-disk container directory for an installed app.
func (d *ExecDriver) AppContainer(ctx context.Context, udid, bundleID string) (string, error) {
	res, err := d.r.run(ctx, "simctl.get_app_container", actionTimeout,
		d.r.simctlPath, "simctl", "get_app_container", udid, bundleID, "data")
	if err != nil {
		return "", apperr.Errorf(apperr.KindNotFound, "no container for %s", bundleID)
	}
	path := strings.TrimSpace(string(res.Stdout))
	if path == "" {
		return "", apperr.Errorf(apperr.KindNotFound, "no container for %s", bundleID)
	}
	return path, nil
}
