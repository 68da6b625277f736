//go:build integration

// Package integration runs the sync engine, the lifecycle manager and the scheduler against
// an emulated GitHub and a throwaway host directory layout.
package integration

import (
	"archive/zip"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/schaermu/addonsyncd/internal/config"
	"github.com/schaermu/addonsyncd/internal/host"
	"github.com/schaermu/addonsyncd/internal/lifecycle"
	"github.com/schaermu/addonsyncd/internal/metrics"
	"github.com/schaermu/addonsyncd/internal/notify"
	"github.com/schaermu/addonsyncd/internal/remote"
	"github.com/schaermu/addonsyncd/internal/scheduler"
	"github.com/schaermu/addonsyncd/internal/server"
	"github.com/schaermu/addonsyncd/internal/sources"
	addonsync "github.com/schaermu/addonsyncd/internal/sync"
	"github.com/schaermu/addonsyncd/internal/syncerr"
	"github.com/schaermu/addonsyncd/internal/testutil"
)

const addonID = "plugin.program.repoinstaller"

type env struct {
	cfg    *config.Config
	gh     *testutil.GitHub
	logger *slog.Logger
}

func newEnv(t *testing.T) *env {
	t.Helper()
	home := t.TempDir()
	gh := testutil.NewGitHub(t, "someone", "repo-addon-installer", "main")

	cfg := &config.Config{
		Repo: config.RepoConfig{
			Owner:   gh.Owner,
			Name:    gh.Name,
			Branch:  gh.Branch,
			APIURL:  gh.APIURL(),
			RawURL:  gh.RawURL(),
			Timeout: 10 * time.Second,
		},
		Paths: config.PathsConfig{
			MirrorDir:  filepath.Join(home, "addons", addonID),
			StateDir:   filepath.Join(home, "userdata", "addon_data", addonID),
			HomeDir:    home,
			ProfileDir: filepath.Join(home, "userdata"),
		},
		Installs: []config.InstallTarget{{
			ComponentID: "script.trakt",
			DisplayName: "Trakt Install",
			StagingPath: "special://profile/addon_data/trakt_install/",
		}},
	}
	applyDefaults(cfg)
	require.NoError(t, cfg.Validate())

	return &env{cfg: cfg, gh: gh, logger: slog.New(slog.NewTextHandler(io.Discard, nil))}
}

// applyDefaults mirrors what config.Load does for a file that only sets the fields above
func applyDefaults(cfg *config.Config) {
	cfg.Paths.AddonsDir = filepath.Join(cfg.Paths.HomeDir, "addons")
	cfg.Paths.SourcesFile = filepath.Join(cfg.Paths.ProfileDir, "sources.xml")
	cfg.Sync.Ignore = []string{".firstrun", "resources/settings.local.xml"}
	cfg.Sync.FullReconcileEvery = 3
	cfg.Sync.CompareFileLimit = 300
	cfg.Schedule = config.ScheduleConfig{Interval: time.Hour, StartupGrace: time.Minute, StartupPoll: time.Second}
	cfg.Prompt = config.PromptConfig{Mode: config.PromptLog, AssumeYes: true}
	cfg.Serve.ListenAddr = "127.0.0.1:0"
}

func (e *env) engine(t *testing.T, m *metrics.Metrics) *addonsync.Engine {
	t.Helper()
	client := remote.NewHTTPClient(
		remote.Repo{Owner: e.cfg.Repo.Owner, Name: e.cfg.Repo.Name, Branch: e.cfg.Repo.Branch},
		e.cfg.Repo.APIURL, e.cfg.Repo.RawURL, e.cfg.Repo.Timeout,
		remote.WithObserver(m.ObserveRemote))
	engine, err := addonsync.NewEngine(e.cfg, client, notify.NewLog(e.logger, true), e.logger, addonsync.WithMetrics(m))
	require.NoError(t, err)
	return engine
}

func (e *env) mirrorFile(t *testing.T, rel string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(e.cfg.Paths.MirrorDir, filepath.FromSlash(rel)))
	require.NoError(t, err)
	return string(data)
}

func TestSyncAgainstGitHub(t *testing.T) {
	e := newEnv(t)
	engine := e.engine(t, nil)
	ctx := context.Background()

	v1 := e.gh.Commit(map[string]string{
		"addon.xml":                `<addon id="plugin.program.repoinstaller" version="1.0.0"/>`,
		"default.py":               "print('v1')",
		"resources/lib/helpers.py": "def helper(): pass",
		"resources/old.py":         "old",
	})

	// Bootstrap fetches every file and keeps local-only ignored files
	require.NoError(t, os.MkdirAll(e.cfg.Paths.MirrorDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(e.cfg.Paths.MirrorDir, ".firstrun"), []byte("1"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(e.cfg.Paths.MirrorDir, "stray.txt"), []byte("x"), 0644))

	report, err := engine.Run(ctx, addonsync.RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, addonsync.ModeBootstrap, report.Mode)
	assert.Equal(t, v1, report.Commit)
	assert.Len(t, report.Written, 4)
	assert.Equal(t, []string{"stray.txt"}, report.Pruned)
	assert.Equal(t, "print('v1')", e.mirrorFile(t, "default.py"))
	assert.FileExists(t, filepath.Join(e.cfg.Paths.MirrorDir, ".firstrun"))
	assert.NoFileExists(t, filepath.Join(e.cfg.Paths.MirrorDir, "stray.txt"))

	stored, err := os.ReadFile(e.cfg.StateFilePath())
	require.NoError(t, err)
	assert.Equal(t, v1+"\n", string(stored))

	// Incremental cycles fetch only what the compare result lists
	v2 := e.gh.Commit(map[string]string{
		"addon.xml":                `<addon id="plugin.program.repoinstaller" version="1.0.1"/>`,
		"default.py":               "print('v1')",
		"resources/lib/helpers.py": "def helper(): return 1",
		"resources/lib/new.py":     "new",
	})
	e.gh.ResetRequests()

	report, err = engine.Run(ctx, addonsync.RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, addonsync.ModeIncremental, report.Mode)
	assert.Equal(t, v2, report.Commit)
	assert.Equal(t, 1, e.gh.Requests("compare"))
	assert.Equal(t, 3, e.gh.Requests("content"))
	assert.Equal(t, []string{"resources/old.py"}, report.Deleted)
	assert.Equal(t, "new", e.mirrorFile(t, "resources/lib/new.py"))
	assert.NoFileExists(t, filepath.Join(e.cfg.Paths.MirrorDir, "resources", "old.py"))

	// An unchanged head costs a single request
	e.gh.ResetRequests()
	report, err = engine.Run(ctx, addonsync.RunOptions{})
	require.NoError(t, err)
	assert.Equal(t, addonsync.ModeNone, report.Mode)
	assert.Equal(t, 1, e.gh.Requests("commit"))
	assert.Zero(t, e.gh.Requests("tree"))

	// A full reconciliation repairs local drift at the same head
	require.NoError(t, os.WriteFile(filepath.Join(e.cfg.Paths.MirrorDir, "default.py"), []byte("edited"), 0644))
	report, err = engine.Run(ctx, addonsync.RunOptions{Full: true})
	require.NoError(t, err)
	assert.Equal(t, addonsync.ModeFull, report.Mode)
	assert.Equal(t, []string{"default.py"}, report.Written)
	assert.Equal(t, "print('v1')", e.mirrorFile(t, "default.py"))
}

func TestSyncRemoteFailures(t *testing.T) {
	e := newEnv(t)
	engine := e.engine(t, nil)
	ctx := context.Background()

	_, err := engine.Run(ctx, addonsync.RunOptions{})
	kind, ok := syncerr.KindOf(err)
	assert.True(t, ok && kind == syncerr.NotFound, "empty repository has no head: %v", err)

	e.gh.Commit(map[string]string{"addon.xml": "<addon/>"})
	e.gh.Fail("tree", http.StatusForbidden)
	_, err = engine.Run(ctx, addonsync.RunOptions{})
	kind, ok = syncerr.KindOf(err)
	assert.True(t, ok && kind == syncerr.RateLimited, "forbidden tree listing: %v", err)
	assert.NoFileExists(t, e.cfg.StateFilePath())

	e.gh.Fail("tree", 0)
	_, err = engine.Run(ctx, addonsync.RunOptions{})
	require.NoError(t, err)
	assert.FileExists(t, e.cfg.StateFilePath())
}

func writeArchive(t *testing.T, path, version string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	out, err := os.Create(path)
	require.NoError(t, err)
	w := zip.NewWriter(out)
	fw, err := w.Create("script.trakt/addon.xml")
	require.NoError(t, err)
	_, err = fw.Write([]byte(`<addon id="script.trakt" version="` + version + `"/>`))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, out.Close())
}

func TestServeTicks(t *testing.T) {
	e := newEnv(t)
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	engine := e.engine(t, m)

	e.gh.Commit(map[string]string{"addon.xml": `<addon id="plugin.program.repoinstaller" version="1.0.0"/>`})

	h := host.New(e.cfg.Paths.HomeDir, e.cfg.Paths.ProfileDir, e.cfg.Paths.AddonsDir)
	store := sources.NewStore(e.cfg.Paths.SourcesFile, e.logger)
	manager := lifecycle.NewManager(e.cfg.Installs, h, store, notify.NewLog(e.logger, true), e.logger, lifecycle.WithMetrics(m))

	// An older version is installed and a newer archive is staged
	installed := filepath.Join(e.cfg.Paths.AddonsDir, "script.trakt", "addon.xml")
	require.NoError(t, os.MkdirAll(filepath.Dir(installed), 0755))
	require.NoError(t, os.WriteFile(installed, []byte(`<addon id="script.trakt" version="3.5.0"/>`), 0644))
	staging := filepath.Join(e.cfg.Paths.ProfileDir, "addon_data", "trakt_install")
	writeArchive(t, filepath.Join(staging, "script.trakt-3.6.0.zip"), "3.6.0")

	sched := scheduler.New(e.cfg, engine, manager, e.logger)
	srv := server.New(e.cfg.Serve.ListenAddr, nil, reg, func() any { return sched.Status() }, e.logger)

	sched.Tick(context.Background())

	status := sched.Status()
	require.NotNil(t, status.LastReport)
	assert.Equal(t, addonsync.ModeBootstrap, status.LastReport.Mode)
	require.Len(t, status.Installs, 1)
	assert.Equal(t, lifecycle.StatePrompted, status.Installs[0].State)

	registered, err := store.Files()
	require.NoError(t, err)
	require.Len(t, registered, 1)
	assert.Equal(t, "Trakt Install", registered[0].Name)

	// The host picked the staged version up
	require.NoError(t, os.WriteFile(installed, []byte(`<addon id="script.trakt" version="3.6.0"/>`), 0644))
	sched.Tick(context.Background())

	status = sched.Status()
	require.Len(t, status.Installs, 1)
	assert.Equal(t, lifecycle.StateCleaned, status.Installs[0].State)
	assert.NoDirExists(t, staging)
	registered, err = store.Files()
	require.NoError(t, err)
	assert.Empty(t, registered)

	// The status document and the metrics reflect both ticks
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var doc scheduler.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &doc))
	assert.Equal(t, 2, doc.Ticks)

	rec = httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Contains(t, rec.Body.String(), `addonsyncd_sync_cycles_total{mode="bootstrap",result="ok"} 1`)
	assert.Contains(t, rec.Body.String(), `addonsyncd_lifecycle_observations_total{component="script.trakt",state="cleaned"} 1`)
}
