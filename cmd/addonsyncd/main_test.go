package main

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/schaermu/addonsyncd/internal/config"
)

func TestSetupLogger(t *testing.T) {
	// Save original globals.
	origLevel := logLevel
	origFormat := logFormat
	t.Cleanup(func() {
		logLevel = origLevel
		logFormat = origFormat
	})

	for _, tc := range []struct {
		name      string
		logLevel  string
		logFormat string
	}{
		{name: "debug/text", logLevel: "debug", logFormat: "text"},
		{name: "info/json", logLevel: "info", logFormat: "json"},
		{name: "warn/auto", logLevel: "warn", logFormat: "auto"},
		{name: "error/text", logLevel: "error", logFormat: "text"},
		{name: "unknown/text", logLevel: "unknown", logFormat: "text"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			logLevel = tc.logLevel
			logFormat = tc.logFormat

			logger := setupLogger()
			if logger == nil {
				t.Fatal("setupLogger returned nil")
			}
		})
	}
}

func TestUseJSON(t *testing.T) {
	// A regular file is never a terminal
	f, err := os.CreateTemp(t.TempDir(), "out")
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = f.Close() }()

	if !useJSON("json", f.Fd()) {
		t.Error("json format must select the JSON handler")
	}
	if useJSON("text", f.Fd()) {
		t.Error("text format must select the text handler")
	}
	if !useJSON("auto", f.Fd()) {
		t.Error("auto format must select JSON when output is not a terminal")
	}
}

func writeConfig(t *testing.T, extra string) string {
	t.Helper()
	tmpDir := t.TempDir()

	content := []byte(`repo:
  owner: "someone"
  name: "repo-addon-installer"
paths:
  mirror_dir: "` + filepath.Join(tmpDir, "mirror") + `"
  state_dir: "` + filepath.Join(tmpDir, "state") + `"
  home_dir: "` + filepath.Join(tmpDir, "home") + `"
  profile_dir: "` + filepath.Join(tmpDir, "home", "userdata") + `"
` + extra)
	cfgPath := filepath.Join(tmpDir, "config.yaml")
	if err := os.WriteFile(cfgPath, content, 0o600); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}
	return cfgPath
}

func TestLoadConfig_WithExplicitPath(t *testing.T) {
	origCfgFile := cfgFile
	t.Cleanup(func() { cfgFile = origCfgFile })

	cfgFile = writeConfig(t, "")
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	cfg, err := loadConfig(logger)
	if err != nil {
		t.Fatalf("loadConfig returned error: %v", err)
	}
	if cfg.RepoSlug() != "someone/repo-addon-installer" {
		t.Errorf("unexpected repo slug %s", cfg.RepoSlug())
	}
}

func TestLoadConfig_MissingFile(t *testing.T) {
	origCfgFile := cfgFile
	t.Cleanup(func() { cfgFile = origCfgFile })

	cfgFile = filepath.Join(t.TempDir(), "nonexistent.yaml")
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))

	_, err := loadConfig(logger)
	if err == nil {
		t.Fatal("expected error for missing config file, got nil")
	}
}

func TestLoadConfig_DefaultPath(t *testing.T) {
	origCfgFile := cfgFile
	defer func() { cfgFile = origCfgFile }()
	cfgFile = ""
	t.Setenv("HOME", t.TempDir())
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	_, err := loadConfig(logger)
	// Expect error because the default config file doesn't exist
	if err == nil {
		t.Error("expected error when default config file doesn't exist")
	}
}

func TestFindTarget(t *testing.T) {
	cfg := &config.Config{Installs: []config.InstallTarget{
		{ComponentID: "plugin.video.youtube", StagingPath: "special://profile/addon_data/youtube_install/"},
	}}

	target, err := findTarget(cfg, "plugin.video.youtube")
	if err != nil {
		t.Fatalf("findTarget returned error: %v", err)
	}
	if target.StagingPath != "special://profile/addon_data/youtube_install/" {
		t.Errorf("unexpected target %+v", target)
	}

	if _, err := findTarget(cfg, "script.trakt"); err == nil {
		t.Error("expected error for unknown component")
	}
}

func TestNewLifecycleManager(t *testing.T) {
	origCfgFile := cfgFile
	t.Cleanup(func() { cfgFile = origCfgFile })

	cfgFile = writeConfig(t, `installs:
  - component_id: plugin.video.youtube
    staging_path: special://profile/addon_data/youtube_install/
`)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	cfg, err := loadConfig(logger)
	if err != nil {
		t.Fatalf("loadConfig returned error: %v", err)
	}

	manager := newLifecycleManager(cfg, nil, logger, nil)
	if manager == nil {
		t.Fatal("newLifecycleManager returned nil")
	}
	if client := newRemoteClient(cfg, nil); client == nil {
		t.Fatal("newRemoteClient returned nil")
	}
}

func TestSetupSignalHandler(t *testing.T) {
	ctx, cancel := setupSignalHandler()
	if ctx == nil {
		t.Fatal("setupSignalHandler returned nil context")
	}

	cancel()

	<-ctx.Done()
	if err := ctx.Err(); err == nil {
		t.Fatal("expected context error after cancel, got nil")
	}
}

func TestVersionCmd(t *testing.T) {
	t.Helper()
	// versionCmd.Run simply prints version info; should not panic.
	versionCmd.Run(versionCmd, []string{})
}
