// SPDX-License-Identifier: MIT

package simctl

import (
	"archive/zip"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"howett.net/plist"

	"github.com/simbridge-io/simbridge/internal/apperr"
)

const testInfoPlist = `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0">
<dict>
	<key>CFBundleIdentifier</key>
	<string>com.example.demo</string>
	<key>CFBundleName</key>
	<string>Demo</string>
	<key>CFBundleDisplayName</key>
	<string>Demo App</string>
	<key>CFBundleSupportedPlatforms</key>
	<array><string>iPhoneOS</string></array>
	<key>NSAppTransportSecurity</key>
	<dict><key>NSAllowsArbitraryLoads</key><false/></dict>
</dict>
</plist>`

func writeTestArchive(t *testing.T, entries map[string]string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "app.ipa")
	f, err := os.Create(path)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	for name, body := range entries {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(body))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())
	return path
}

func TestExpandArchive(t *testing.T) {
	archive := writeTestArchive(t, map[string]string{
		"Payload/Demo.app/Info.plist": testInfoPlist,
		"Payload/Demo.app/Demo":       "binary",
	})

	appBundle, err := expandArchive(archive, t.TempDir())
	require.NoError(t, err)
	assert.Equal(t, "Demo.app", filepath.Base(appBundle))

	_, err = os.Stat(filepath.Join(appBundle, "Info.plist"))
	assert.NoError(t, err)
}

func TestExpandArchiveRejectsEscape(t *testing.T) {
	archive := writeTestArchive(t, map[string]string{
		"../evil": "payload",
	})
	_, err := expandArchive(archive, t.TempDir())
	require.Error(t, err)
	assert.Equal(t, apperr.KindProtocol, apperr.KindOf(err))
}

func TestExpandArchiveNoPayload(t *testing.T) {
	archive := writeTestArchive(t, map[string]string{
		"README.txt": "not an app",
	})
	_, err := expandArchive(archive, t.TempDir())
	require.Error(t, err)
	assert.Equal(t, apperr.KindProtocol, apperr.KindOf(err))
}

func TestReadBundleInfo(t *testing.T) {
	bundle := filepath.Join(t.TempDir(), "Demo.app")
	require.NoError(t, os.MkdirAll(bundle, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(bundle, "Info.plist"), []byte(testInfoPlist), 0o644))

	info, err := readBundleInfo(bundle)
	require.NoError(t, err)
	assert.Equal(t, "com.example.demo", info.BundleID)
	assert.Equal(t, "Demo App", info.Name)
}

func TestReadBundleInfoMissingIdentifier(t *testing.T) {
	bundle := filepath.Join(t.TempDir(), "Demo.app")
	require.NoError(t, os.MkdirAll(bundle, 0o755))
	empty := `<?xml version="1.0" encoding="UTF-8"?>
<!DOCTYPE plist PUBLIC "-//Apple//DTD PLIST 1.0//EN" "http://www.apple.com/DTDs/PropertyList-1.0.dtd">
<plist version="1.0"><dict><key>CFBundleName</key><string>X</string></dict></plist>`
	require.NoError(t, os.WriteFile(filepath.Join(bundle, "Info.plist"), []byte(empty), 0o644))

	_, err := readBundleInfo(bundle)
	require.Error(t, err)
	assert.Equal(t, apperr.KindProtocol, apperr.KindOf(err))
}

func TestPrepareForSimulator(t *testing.T) {
	bundle := filepath.Join(t.TempDir(), "Demo.app")
	require.NoError(t, os.MkdirAll(filepath.Join(bundle, "_CodeSignature"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(bundle, "Info.plist"), []byte(testInfoPlist), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(bundle, "embedded.mobileprovision"), []byte("prov"), 0o644))

	require.NoError(t, prepareForSimulator(bundle))

	data, err := os.ReadFile(filepath.Join(bundle, "Info.plist"))
	require.NoError(t, err)
	var doc map[string]any
	_, err = plist.Unmarshal(data, &doc)
	require.NoError(t, err)

	assert.ElementsMatch(t, []any{"iPhoneOS", "iPhoneSimulator"}, doc["CFBundleSupportedPlatforms"])
	assert.NotContains(t, doc, "NSAppTransportSecurity")

	_, err = os.Stat(filepath.Join(bundle, "_CodeSignature"))
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(filepath.Join(bundle, "embedded.mobileprovision"))
	assert.True(t, os.IsNotExist(err))
}

func TestStageArchivePreprocess(t *testing.T) {
	archive := writeTestArchive(t, map[string]string{
		"Payload/Demo.app/Info.plist":                 testInfoPlist,
		"Payload/Demo.app/_CodeSignature/CodeSigning": "sig",
	})

	appBundle, info, err := stageArchive(archive, t.TempDir(), true)
	require.NoError(t, err)
	assert.Equal(t, "com.example.demo", info.BundleID)

	_, err = os.Stat(filepath.Join(appBundle, "_CodeSignature"))
	assert.True(t, os.IsNotExist(err))
}
