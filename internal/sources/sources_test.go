package sources

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return NewStore(filepath.Join(t.TempDir(), "sources.xml"), testLogger())
}

func TestAddSource_CreatesFile(t *testing.T) {
	store := newTestStore(t)

	added, err := store.AddSource("Trakt Install", "special://profile/addon_data/trakt_install/")
	require.NoError(t, err)
	assert.True(t, added)

	data, err := os.ReadFile(store.Path())
	require.NoError(t, err)
	content := string(data)
	for _, section := range []string{"<programs>", "<video>", "<music>", "<pictures>", "<files>"} {
		assert.Contains(t, content, section)
	}
	assert.Equal(t, 5, strings.Count(content, `<default pathversion="1">`))
	assert.Contains(t, content, `<path pathversion="1">special://profile/addon_data/trakt_install/</path>`)
	assert.Contains(t, content, "<allowsharing>true</allowsharing>")

	files, err := store.Files()
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "Trakt Install", files[0].Name)
}

func TestAddSource_Duplicate(t *testing.T) {
	store := newTestStore(t)

	added, err := store.AddSource("A", "/staging/")
	require.NoError(t, err)
	assert.True(t, added)

	added, err = store.AddSource("B", "/staging/")
	require.NoError(t, err)
	assert.False(t, added)

	files, err := store.Files()
	require.NoError(t, err)
	assert.Len(t, files, 1)
}

func TestRemoveSource(t *testing.T) {
	store := newTestStore(t)

	removed, err := store.RemoveSource("/staging/")
	require.NoError(t, err)
	assert.False(t, removed, "missing file has nothing to remove")
	_, statErr := os.Stat(store.Path())
	assert.True(t, os.IsNotExist(statErr), "RemoveSource must not create the file")

	_, err = store.AddSource("A", "/staging/a/")
	require.NoError(t, err)
	_, err = store.AddSource("B", "/staging/b/")
	require.NoError(t, err)

	removed, err = store.RemoveSource("/staging/a/")
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = store.RemoveSource("/staging/a/")
	require.NoError(t, err)
	assert.False(t, removed)

	files, err := store.Files()
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "B", files[0].Name)
}

func TestStore_PreservesExistingEntries(t *testing.T) {
	store := newTestStore(t)
	existing := `<sources>
    <programs>
        <default pathversion="1"></default>
    </programs>
    <video>
        <default pathversion="1"></default>
        <source>
            <name>Movies</name>
            <path pathversion="1">/media/movies/</path>
            <allowsharing>true</allowsharing>
        </source>
    </video>
    <files>
        <default pathversion="1"></default>
        <source>
            <name>Repo</name>
            <path pathversion="1">https://example.org/repo/</path>
            <thumbnail pathversion="1">special://home/repo.png</thumbnail>
            <allowsharing>true</allowsharing>
        </source>
    </files>
</sources>`
	require.NoError(t, os.WriteFile(store.Path(), []byte(existing), 0644))

	added, err := store.AddSource("YouTube Install", "special://profile/addon_data/youtube_install/")
	require.NoError(t, err)
	assert.True(t, added)

	data, err := os.ReadFile(store.Path())
	require.NoError(t, err)
	content := string(data)
	assert.Contains(t, content, "/media/movies/")
	assert.Contains(t, content, "special://home/repo.png")
	assert.Contains(t, content, "<music>")
	assert.Contains(t, content, "<pictures>")

	files, err := store.Files()
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "Repo", files[0].Name)
	assert.Equal(t, "YouTube Install", files[1].Name)
}

func TestStore_RecreatesCorruptFile(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, os.WriteFile(store.Path(), []byte("<sources><files>"), 0644))

	added, err := store.AddSource("A", "/staging/")
	require.NoError(t, err)
	assert.True(t, added)

	files, err := store.Files()
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "/staging/", files[0].Paths[0].Value)
}
