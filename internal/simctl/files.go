// SPDX-License-Identifier: MIT

package simctl

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/simbridge-io/simbridge/internal/apperr"
)

// resolveDevicePath turns a device-relative path into an absolute host path.
// When bundleID is set the path is rooted in that app's data container,
// otherwise it must already be absolute within the simulator's data area.
func (d *ExecDriver) resolveDevicePath(ctx context.Context, udid, devicePath, bundleID string) (string, error) {
	clean := filepath.Clean("/" + devicePath)
	if strings.Contains(clean, "..") {
		return "", apperr.Errorf(apperr.KindProtocol, "device path escapes container: %s", devicePath)
	}
	if bundleID == "" {
		if !filepath.IsAbs(devicePath) {
			return "", apperr.Errorf(apperr.KindProtocol, "device path must be absolute when no bundle id is given")
		}
		return devicePath, nil
	}
	container, err := d.AppContainer(ctx, udid, bundleID)
	if err != nil {
		return "", err
	}
	return filepath.Join(container, clean), nil
}

// PushFile copies a host file into the device filesystem.
func (d *ExecDriver) PushFile(ctx context.Context, udid, localPath, devicePath, bundleID string) error {
	dst, err := d.resolveDevicePath(ctx, udid, devicePath, bundleID)
	if err != nil {
		return err
	}
	src, err := os.Open(localPath)
	if err != nil {
		return apperr.E(apperr.KindIO, "open local file", err)
	}
	defer src.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return apperr.E(apperr.KindIO, "create device directory", err)
	}
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return apperr.E(apperr.KindIO, "create device file", err)
	}
	defer out.Close()
	if _, err := io.Copy(out, src); err != nil {
		return apperr.E(apperr.KindIO, "copy file to device", err)
	}
	return nil
}

// PullFile reads a file out of the device filesystem.
func (d *ExecDriver) PullFile(ctx context.Context, udid, devicePath, bundleID string) ([]byte, error) {
	src, err := d.resolveDevicePath(ctx, udid, devicePath, bundleID)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(src)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, apperr.Errorf(apperr.KindNotFound, "device file not found: %s", devicePath)
		}
		return nil, apperr.E(apperr.KindIO, "read device file", err)
	}
	return data, nil
}
