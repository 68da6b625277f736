// Package lifecycle tracks add-on archives staged for manual installation: it prompts the
// user once per archive and cleans the staging area up after the host picked the version up.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/schaermu/addonsyncd/internal/addon"
	"github.com/schaermu/addonsyncd/internal/atomicfile"
	"github.com/schaermu/addonsyncd/internal/config"
	"github.com/schaermu/addonsyncd/internal/host"
	"github.com/schaermu/addonsyncd/internal/metrics"
	"github.com/schaermu/addonsyncd/internal/notify"
	"github.com/schaermu/addonsyncd/internal/version"
)

// MarkerName is the file in a staging directory recording which archive was prompted for.
const MarkerName = ".install_prompted"

// State of an install target
type State string

const (
	StateAbsent   State = "absent"
	StateStaged   State = "staged"
	StatePrompted State = "prompted"
	StateCleaned  State = "cleaned"
)

// Record is the outcome of checking one target
type Record struct {
	ComponentID      string `json:"component_id"`
	State            State  `json:"state"`
	Archive          string `json:"archive,omitempty"`
	StagedVersion    string `json:"staged_version,omitempty"`
	InstalledVersion string `json:"installed_version,omitempty"`
	Error            string `json:"error,omitempty"`
}

// Sources registers staging directories with the host
type Sources interface {
	AddSource(name, path string) (bool, error)
	RemoveSource(path string) (bool, error)
}

// Manager runs lifecycle passes over the configured targets
type Manager struct {
	targets  []config.InstallTarget
	host     *host.Host
	sources  Sources
	notifier notify.Notifier
	metrics  *metrics.Metrics
	logger   *slog.Logger

	mu   sync.Mutex
	last []Record
}

// Option customizes a Manager
type Option func(*Manager)

// WithMetrics records observed states in m
func WithMetrics(m *metrics.Metrics) Option {
	return func(mgr *Manager) { mgr.metrics = m }
}

// NewManager creates a lifecycle manager
func NewManager(targets []config.InstallTarget, h *host.Host, sources Sources, notifier notify.Notifier, logger *slog.Logger, opts ...Option) *Manager {
	m := &Manager{
		targets:  targets,
		host:     h,
		sources:  sources,
		notifier: notifier,
		logger:   logger,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// RunOptions tune a single pass
type RunOptions struct {
	// Logger replaces the manager's logger for this pass
	Logger *slog.Logger
}

// Run checks every target once. A failing target does not stop the pass; failures are
// returned joined.
func (m *Manager) Run(ctx context.Context, opts RunOptions) ([]Record, error) {
	logger := m.logger
	if opts.Logger != nil {
		logger = opts.Logger
	}
	records := make([]Record, 0, len(m.targets))
	var errs []error

	for _, target := range m.targets {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}

		rec, err := m.check(target, logger)
		if err != nil {
			rec.Error = err.Error()
			logger.Error("lifecycle check failed", "component", target.ComponentID, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", target.ComponentID, err))
		}
		m.metrics.ObserveLifecycle(target.ComponentID, string(rec.State))
		records = append(records, rec)
	}

	m.mu.Lock()
	m.last = records
	m.mu.Unlock()

	return records, errors.Join(errs...)
}

// Records returns the outcome of the last pass
func (m *Manager) Records() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Record(nil), m.last...)
}

func (m *Manager) check(target config.InstallTarget, logger *slog.Logger) (Record, error) {
	logger = logger.With("component", target.ComponentID)
	rec := Record{ComponentID: target.ComponentID, State: StateAbsent}

	dir, err := m.host.TranslatePath(target.StagingPath)
	if err != nil {
		return rec, fmt.Errorf("failed to resolve staging path: %w", err)
	}

	archive, err := FindArchive(dir, target.ComponentID)
	if err != nil {
		return rec, err
	}
	if archive == "" {
		logger.Debug("nothing staged", "dir", dir)
		return rec, nil
	}
	rec.State = StateStaged
	rec.Archive = archive

	manifest, err := addon.ReadZip(filepath.Join(dir, archive))
	if err != nil {
		logger.Warn("cannot read staged version", "archive", archive, "error", err)
		return rec, nil
	}
	rec.StagedVersion = manifest.Version

	installed, ok, err := m.host.InstalledVersion(target.ComponentID)
	if err != nil && !ok {
		return rec, fmt.Errorf("failed to look up installed version: %w", err)
	}
	if !ok {
		logger.Info("staged archive not installed yet", "archive", archive, "version", manifest.Version)
		return rec, nil
	}
	if err != nil {
		logger.Warn("cannot read installed version, assuming 0.0.0", "error", err)
	}
	rec.InstalledVersion = installed

	if version.Compare(installed, manifest.Version) >= 0 {
		if err := m.cleanup(target, dir, logger); err != nil {
			return rec, err
		}
		logger.Info("staged install picked up, staging area cleaned",
			"installed", installed,
			"staged", manifest.Version)
		rec.State = StateCleaned
		return rec, nil
	}

	if prompted(dir, archive) {
		rec.State = StatePrompted
		return rec, nil
	}

	if m.notifier.Confirm(promptMessage(target, installed, manifest.Version)) {
		if _, err := m.sources.AddSource(target.DisplayName, target.StagingPath); err != nil {
			return rec, fmt.Errorf("failed to register staging source: %w", err)
		}
		m.notifier.Notify(instructions(target, archive))
	} else {
		logger.Info("manual install declined", "archive", archive)
	}

	if err := atomicfile.Write(filepath.Join(dir, MarkerName), []byte(archive), 0644); err != nil {
		return rec, fmt.Errorf("failed to write prompt marker: %w", err)
	}
	rec.State = StatePrompted
	return rec, nil
}

// cleanup unregisters the staging source and removes the target's archives and the prompt
// marker. The directory itself is only removed once nothing else is left in it.
func (m *Manager) cleanup(target config.InstallTarget, dir string, logger *slog.Logger) error {
	if _, err := m.sources.RemoveSource(target.StagingPath); err != nil {
		return fmt.Errorf("failed to unregister staging source: %w", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to list staging directory: %w", err)
	}
	for _, e := range entries {
		if !e.Type().IsRegular() {
			continue
		}
		if e.Name() != MarkerName && !MatchesArchive(e.Name(), target.ComponentID) {
			continue
		}
		if err := os.Remove(filepath.Join(dir, e.Name())); err != nil {
			return fmt.Errorf("failed to remove %s: %w", e.Name(), err)
		}
	}

	if err := os.Remove(dir); err != nil && !errors.Is(err, fs.ErrNotExist) {
		logger.Info("staging directory kept, it holds other files", "dir", dir)
	}
	return nil
}

// FindArchive returns the name of the first zip archive in dir (sorted by name) that
// belongs to componentID, or "" when there is none. A missing dir is empty.
func FindArchive(dir, componentID string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", nil
		}
		return "", fmt.Errorf("failed to list staging directory: %w", err)
	}

	var matches []string
	for _, e := range entries {
		if e.Type().IsRegular() && MatchesArchive(e.Name(), componentID) {
			matches = append(matches, e.Name())
		}
	}
	if len(matches) == 0 {
		return "", nil
	}
	sort.Strings(matches)
	return matches[0], nil
}

// MatchesArchive reports whether name is a zip archive for componentID. Names are compared
// case-insensitively with '.', '-' and '_' removed, so "plugin.video.youtube" matches
// "plugin-video-youtube-7.0.zip".
func MatchesArchive(name, componentID string) bool {
	if !strings.HasSuffix(strings.ToLower(name), ".zip") {
		return false
	}
	id := normalize(componentID)
	return id != "" && strings.Contains(normalize(strings.TrimSuffix(name, filepath.Ext(name))), id)
}

func normalize(s string) string {
	return strings.ToLower(strings.NewReplacer(".", "", "-", "", "_", "").Replace(s))
}

func prompted(dir, archive string) bool {
	data, err := os.ReadFile(filepath.Join(dir, MarkerName))
	return err == nil && strings.TrimSpace(string(data)) == archive
}

func promptMessage(target config.InstallTarget, installed, staged string) string {
	inst, stg := version.Parse(installed), version.Parse(staged)
	if inst.Channel != stg.Channel {
		return fmt.Sprintf("A different release channel of %s is available.\nInstalled: %s (%s)\nAvailable: %s (%s)\nInstall it manually now?",
			target.DisplayName, installed, inst.Channel, staged, stg.Channel)
	}
	return fmt.Sprintf("An update for %s is available.\nInstalled: %s\nAvailable: %s\nInstall it manually now?",
		target.DisplayName, installed, staged)
}

func instructions(target config.InstallTarget, archive string) string {
	return fmt.Sprintf("To install %s: open Add-ons > Install from zip file, select the source %q, choose %s and confirm.",
		target.DisplayName, target.DisplayName, archive)
}
