package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"

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
	"github.com/schaermu/addonsyncd/internal/webhook"
)

var (
	// Set by goreleaser
	version = "dev"
	commit  = "none"
	date    = "unknown"

	// Global flags
	cfgFile   string
	logLevel  string
	logFormat string
	dryRun    bool
	fullSync  bool
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "addonsyncd",
	Short: "Keep an installed add-on in sync with its GitHub repository",
	Long: `addonsyncd mirrors the files of a GitHub repository branch into an installed
add-on directory, fetching only what changed since the last synchronized commit.

It also manages add-on archives staged for manual installation: it asks once
whether to install a staged archive and cleans the staging area up after the
host picked the new version up.`,
	SilenceUsage: true,
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Perform a one-time sync from the repository to the mirror directory",
	Long: `Sync resolves the head commit of the configured branch, compares it with the
last synchronized commit and applies the difference to the mirror directory.

Files not present in the remote tree are pruned unless they match an ignore
pattern. The stored commit only advances when every file was applied.`,
	RunE: runSync,
}

var lifecycleCmd = &cobra.Command{
	Use:   "lifecycle",
	Short: "Run one pass over the configured install targets",
	RunE:  runLifecycle,
}

var stageCmd = &cobra.Command{
	Use:   "stage <component-id> <url|path>",
	Short: "Place an add-on archive into a target's staging directory",
	Long: `Stage downloads or copies a zip archive into the staging directory of the
install target with the given component id and registers that directory as a
file source, so it can be picked in the host's "Install from zip file" dialog.`,
	Args: cobra.ExactArgs(2),
	RunE: runStage,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler with the HTTP server",
	Long: `Serve runs sync cycles and lifecycle passes on a schedule. It exposes
Prometheus metrics, a health check and a status document over HTTP.

When serve.github_webhook_secret_file is configured, GitHub push events for the
tracked branch trigger an early cycle.`,
	RunE: runServe,
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("addonsyncd %s\n", version)
		fmt.Printf("  commit: %s\n", commit)
		fmt.Printf("  built:  %s\n", date)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/addonsyncd/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "auto", "log format (text, json, auto)")

	// Sync command flags
	syncCmd.Flags().BoolVar(&dryRun, "dry-run", false, "show what would be done without making changes")
	syncCmd.Flags().BoolVar(&fullSync, "full", false, "enumerate the whole remote tree even if the head did not move")

	// Add commands
	rootCmd.AddCommand(syncCmd)
	rootCmd.AddCommand(lifecycleCmd)
	rootCmd.AddCommand(stageCmd)
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(versionCmd)
}

func runSync(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	engine, err := addonsync.NewEngine(cfg, newRemoteClient(cfg, nil), notify.New(cfg.Prompt, logger), logger,
		addonsync.WithDryRun(dryRun))
	if err != nil {
		return err
	}

	logger.Info("starting sync operation")
	report, err := engine.Run(ctx, addonsync.RunOptions{Full: fullSync})
	if err != nil {
		logger.Error("sync failed", "error", err)
		return err
	}

	logger.Info("sync finished",
		"commit", report.Commit,
		"mode", report.Mode,
		"written", len(report.Written),
		"deleted", len(report.Deleted),
		"pruned", len(report.Pruned))
	return nil
}

func runLifecycle(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if len(cfg.Installs) == 0 {
		logger.Info("no install targets configured")
		return nil
	}

	manager := newLifecycleManager(cfg, notify.New(cfg.Prompt, logger), logger, nil)
	records, err := manager.Run(ctx, lifecycle.RunOptions{})
	for _, rec := range records {
		logger.Info("install target checked",
			"component", rec.ComponentID,
			"state", rec.State,
			"archive", rec.Archive,
			"staged", rec.StagedVersion,
			"installed", rec.InstalledVersion)
	}
	return err
}

func runStage(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	target, err := findTarget(cfg, args[0])
	if err != nil {
		return err
	}

	h := newHost(cfg)
	stager := lifecycle.NewStager(h, sources.NewStore(cfg.Paths.SourcesFile, logger),
		&http.Client{Timeout: 10 * time.Minute}, logger)

	dst, err := stager.Stage(ctx, target, args[1])
	if errors.Is(err, lifecycle.ErrAlreadyStaged) {
		logger.Info("archive already staged, nothing to do", "component", target.ComponentID)
		return nil
	}
	if err != nil {
		return err
	}

	fmt.Println(dst)
	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := setupSignalHandler()
	defer cancel()

	logger := setupLogger()

	cfg, err := loadConfig(logger)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	notifier := notify.New(cfg.Prompt, logger)
	engine, err := addonsync.NewEngine(cfg, newRemoteClient(cfg, m), notifier, logger, addonsync.WithMetrics(m))
	if err != nil {
		return err
	}

	var lc scheduler.Lifecycle
	if len(cfg.Installs) > 0 {
		lc = newLifecycleManager(cfg, notifier, logger, m)
	}
	sched := scheduler.New(cfg, engine, lc, logger)

	var hook http.Handler
	if cfg.Serve.GitHubWebhookSecretFile != "" {
		wh, err := webhook.NewHandler(cfg, sched.Trigger, logger)
		if err != nil {
			return fmt.Errorf("failed to create webhook handler: %w", err)
		}
		defer wh.Stop()
		hook = wh
	}

	srv := server.New(cfg.Serve.ListenAddr, hook, reg, func() any { return sched.Status() }, logger)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(gctx)
	})
	g.Go(func() error {
		return sched.Run(gctx)
	})

	return g.Wait()
}

func newRemoteClient(cfg *config.Config, m *metrics.Metrics) *remote.HTTPClient {
	opts := []remote.Option{remote.WithTracerProvider(otel.GetTracerProvider())}
	if m != nil {
		opts = append(opts, remote.WithObserver(m.ObserveRemote))
	}
	return remote.NewHTTPClient(
		remote.Repo{Owner: cfg.Repo.Owner, Name: cfg.Repo.Name, Branch: cfg.Repo.Branch},
		cfg.Repo.APIURL,
		cfg.Repo.RawURL,
		cfg.Repo.Timeout,
		opts...)
}

func newHost(cfg *config.Config) *host.Host {
	return host.New(cfg.Paths.HomeDir, cfg.Paths.ProfileDir, cfg.Paths.AddonsDir)
}

func newLifecycleManager(cfg *config.Config, notifier notify.Notifier, logger *slog.Logger, m *metrics.Metrics) *lifecycle.Manager {
	return lifecycle.NewManager(cfg.Installs, newHost(cfg), sources.NewStore(cfg.Paths.SourcesFile, logger),
		notifier, logger, lifecycle.WithMetrics(m))
}

func findTarget(cfg *config.Config, componentID string) (config.InstallTarget, error) {
	for _, target := range cfg.Installs {
		if target.ComponentID == componentID {
			return target, nil
		}
	}
	return config.InstallTarget{}, fmt.Errorf("no install target configured for %s", componentID)
}

func setupLogger() *slog.Logger {
	// Parse log level
	var level slog.Level
	switch logLevel {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var handler slog.Handler
	opts := &slog.HandlerOptions{Level: level}

	if useJSON(logFormat, os.Stdout.Fd()) {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}

	return slog.New(handler)
}

// useJSON resolves the log format; auto picks text on a terminal and JSON otherwise
func useJSON(format string, fd uintptr) bool {
	switch format {
	case "json":
		return true
	case "auto":
		return !isatty.IsTerminal(fd) && !isatty.IsCygwinTerminal(fd)
	default:
		return false
	}
}

func loadConfig(logger *slog.Logger) (*config.Config, error) {
	// Determine config file path
	configPath := cfgFile
	if configPath == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		configPath = filepath.Join(home, ".config", "addonsyncd", "config.yaml")
	}

	logger.Info("loading configuration", "path", configPath)

	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	logger.Debug("configuration loaded",
		"repo", cfg.RepoSlug(),
		"branch", cfg.Repo.Branch,
		"mirror_dir", cfg.Paths.MirrorDir,
		"state_dir", cfg.Paths.StateDir,
		"installs", len(cfg.Installs))

	return cfg, nil
}

func setupSignalHandler() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
