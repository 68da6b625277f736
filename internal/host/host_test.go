package host

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTranslatePath(t *testing.T) {
	h := New("/opt/kodi", "/opt/kodi/userdata", "/opt/kodi/addons")

	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"special://home/addons", "/opt/kodi/addons", false},
		{"special://home/", "/opt/kodi", false},
		{"special://home", "/opt/kodi", false},
		{"special://profile/addon_data/trakt_install/", "/opt/kodi/userdata/addon_data/trakt_install", false},
		{"special://masterprofile/sources.xml", "/opt/kodi/userdata/sources.xml", false},
		{"/var/tmp/x/", "/var/tmp/x", false},
		{"special://temp/x", "", true},
		{"special://profile/../../etc", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := h.TranslatePath(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestTranslatePath_Unconfigured(t *testing.T) {
	h := New("", "", "")
	_, err := h.TranslatePath("special://profile/x")
	assert.Error(t, err)
}

func TestInstalledVersion(t *testing.T) {
	addonsDir := t.TempDir()
	h := New("", "", addonsDir)

	writeManifest := func(id, content string) {
		t.Helper()
		dir := filepath.Join(addonsDir, id)
		require.NoError(t, os.MkdirAll(dir, 0755))
		require.NoError(t, os.WriteFile(filepath.Join(dir, "addon.xml"), []byte(content), 0644))
	}
	writeManifest("script.trakt", `<addon id="script.trakt" version="3.6.0"/>`)
	writeManifest("broken.addon", `<addon`)
	require.NoError(t, os.MkdirAll(filepath.Join(addonsDir, "dir.only"), 0755))

	v, installed, err := h.InstalledVersion("script.trakt")
	require.NoError(t, err)
	assert.True(t, installed)
	assert.Equal(t, "3.6.0", v)
	assert.True(t, h.IsInstalled("script.trakt"))

	_, installed, err = h.InstalledVersion("plugin.video.youtube")
	require.NoError(t, err)
	assert.False(t, installed)
	assert.False(t, h.IsInstalled("plugin.video.youtube"))

	_, installed, err = h.InstalledVersion("dir.only")
	require.NoError(t, err)
	assert.False(t, installed)

	_, installed, err = h.InstalledVersion("broken.addon")
	assert.Error(t, err)
	assert.True(t, installed)

	_, _, err = h.InstalledVersion("../escape")
	assert.Error(t, err)
}
