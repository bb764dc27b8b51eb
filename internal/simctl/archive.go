// SPDX-License-Identifier: MIT

package simctl

import (
	"archive/zip"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/simbridge-io/simbridge/internal/apperr"
	"howett.net/plist"
)

// bundlePlist is the subset of Info.plist keys the preprocessing touches.
type bundlePlist map[string]any

// expandArchive unpacks an .ipa/.zip into destDir and returns the path of the
// contained .app bundle. The caller's archive is never modified.
func expandArchive(archivePath, destDir string) (string, error) {
	zr, err := zip.OpenReader(archivePath)
	if err != nil {
		return "", apperr.E(apperr.KindProtocol, "not a valid app archive", err)
	}
	defer func() { _ = zr.Close() }()

	for _, f := range zr.File {
		// Reject entries escaping the destination.
		target := filepath.Join(destDir, f.Name) // #nosec G305 -- checked below
		if !strings.HasPrefix(target, filepath.Clean(destDir)+string(os.PathSeparator)) {
			return "", apperr.Errorf(apperr.KindProtocol, "archive entry escapes destination: %s", f.Name)
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(target, 0o755); err != nil {
				return "", apperr.E(apperr.KindIO, "expand archive", err)
			}
			continue
		}
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return "", apperr.E(apperr.KindIO, "expand archive", err)
		}
		if err := extractFile(f, target); err != nil {
			return "", err
		}
	}

	payload := filepath.Join(destDir, "Payload")
	entries, err := os.ReadDir(payload)
	if err != nil {
		return "", apperr.Errorf(apperr.KindProtocol, "invalid archive: no Payload directory")
	}
	for _, e := range entries {
		if e.IsDir() && strings.HasSuffix(e.Name(), ".app") {
			return filepath.Join(payload, e.Name()), nil
		}
	}
	return "", apperr.Errorf(apperr.KindProtocol, "invalid archive: no .app bundle in Payload")
}

func extractFile(f *zip.File, target string) error {
	rc, err := f.Open()
	if err != nil {
		return apperr.E(apperr.KindIO, "expand archive", err)
	}
	defer func() { _ = rc.Close() }()

	mode := f.Mode()
	if mode == 0 {
		mode = 0o644
	}
	w, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return apperr.E(apperr.KindIO, "expand archive", err)
	}
	defer func() { _ = w.Close() }()
	if _, err := io.Copy(w, rc); err != nil { // #nosec G110 -- archives come from authenticated uploads
		return apperr.E(apperr.KindIO, "expand archive", err)
	}
	return nil
}

// readBundleInfo extracts the bundle identifier and display name from an
// expanded .app bundle.
func readBundleInfo(appBundle string) (BundleInfo, error) {
	data, err := os.ReadFile(filepath.Join(appBundle, "Info.plist"))
	if err != nil {
		return BundleInfo{}, apperr.Errorf(apperr.KindProtocol, "invalid archive: no Info.plist")
	}
	var doc bundlePlist
	if _, err := plist.Unmarshal(data, &doc); err != nil {
		return BundleInfo{}, apperr.E(apperr.KindProtocol, "unreadable Info.plist", err)
	}
	info := BundleInfo{}
	if v, ok := doc["CFBundleIdentifier"].(string); ok {
		info.BundleID = v
	}
	if v, ok := doc["CFBundleDisplayName"].(string); ok && v != "" {
		info.Name = v
	} else if v, ok := doc["CFBundleName"].(string); ok {
		info.Name = v
	}
	if info.BundleID == "" {
		return BundleInfo{}, apperr.Errorf(apperr.KindProtocol, "bundle identifier missing from Info.plist")
	}
	return info, nil
}

// prepareForSimulator rewrites an expanded .app bundle so the simulator will
// accept it: signing blobs are stripped and the supported-platforms metadata
// is widened to include the simulator platform.
func prepareForSimulator(appBundle string) error {
	infoPath := filepath.Join(appBundle, "Info.plist")
	data, err := os.ReadFile(infoPath)
	if err != nil {
		return apperr.E(apperr.KindIO, "read Info.plist", err)
	}
	var doc bundlePlist
	format, err := plist.Unmarshal(data, &doc)
	if err != nil {
		return apperr.E(apperr.KindProtocol, "unreadable Info.plist", err)
	}

	doc["CFBundleSupportedPlatforms"] = []string{"iPhoneOS", "iPhoneSimulator"}
	doc["UIDeviceFamily"] = []int{1, 2}
	doc["LSRequiresIPhoneOS"] = true
	delete(doc, "NSAppTransportSecurity")

	out, err := plist.Marshal(doc, format)
	if err != nil {
		return apperr.E(apperr.KindInternal, "re-encode Info.plist", err)
	}
	if err := os.WriteFile(infoPath, out, 0o644); err != nil {
		return apperr.E(apperr.KindIO, "write Info.plist", err)
	}

	// Strip signing blobs; the simulator refuses bundles with device signatures.
	for _, rel := range []string{"_CodeSignature", "embedded.mobileprovision", "Embedded.mobileprovision", "Entitlements.plist"} {
		_ = os.RemoveAll(filepath.Join(appBundle, rel))
	}
	return nil
}

// stageArchive copies the caller's archive preprocessing into tmpDir and
// returns the prepared bundle path plus its identity.
func stageArchive(archivePath, tmpDir string, preprocess bool) (string, BundleInfo, error) {
	appBundle, err := expandArchive(archivePath, tmpDir)
	if err != nil {
		return "", BundleInfo{}, err
	}
	info, err := readBundleInfo(appBundle)
	if err != nil {
		return "", BundleInfo{}, err
	}
	if preprocess {
		if err := prepareForSimulator(appBundle); err != nil {
			return "", BundleInfo{}, fmt.Errorf("prepare bundle for simulator: %w", err)
		}
	}
	return appBundle, info, nil
}
