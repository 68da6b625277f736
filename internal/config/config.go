package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/schaermu/addonsyncd/internal/host"
)

// Bounds of repo.timeout
const (
	minTimeout = 10 * time.Second
	maxTimeout = 20 * time.Second
)

// PromptMode selects how confirmations reach the user
type PromptMode string

const (
	PromptLog      PromptMode = "log"
	PromptTerminal PromptMode = "terminal"
)

// Config represents the complete addonsyncd configuration
type Config struct {
	Repo     RepoConfig      `yaml:"repo"`
	Paths    PathsConfig     `yaml:"paths"`
	Sync     SyncConfig      `yaml:"sync"`
	Schedule ScheduleConfig  `yaml:"schedule"`
	Prompt   PromptConfig    `yaml:"prompt"`
	Installs []InstallTarget `yaml:"installs"`
	Serve    ServeConfig     `yaml:"serve"`
}

// RepoConfig configures the remote repository the add-on mirrors
type RepoConfig struct {
	Owner   string        `yaml:"owner"`
	Name    string        `yaml:"name"`
	Branch  string        `yaml:"branch"`
	APIURL  string        `yaml:"api_url"`
	RawURL  string        `yaml:"raw_url"`
	Timeout time.Duration `yaml:"timeout"`
}

// PathsConfig configures local filesystem paths
type PathsConfig struct {
	MirrorDir   string `yaml:"mirror_dir"`
	StateDir    string `yaml:"state_dir"`
	SourcesFile string `yaml:"sources_file"`
	HomeDir     string `yaml:"home_dir"`
	ProfileDir  string `yaml:"profile_dir"`
	AddonsDir   string `yaml:"addons_dir"`
}

// SyncConfig configures the mirror sync. FullReconcileEvery counts scheduler ticks between
// full reconciliations; a negative value disables them.
type SyncConfig struct {
	Ignore             []string `yaml:"ignore"`
	FullReconcileEvery int      `yaml:"full_reconcile_every"`
	CompareFileLimit   int      `yaml:"compare_file_limit"`
}

// ScheduleConfig configures the periodic tick
type ScheduleConfig struct {
	Interval     time.Duration `yaml:"interval"`
	StartupGrace time.Duration `yaml:"startup_grace"`
	StartupPoll  time.Duration `yaml:"startup_poll"`
}

// PromptConfig configures the notification sink
type PromptConfig struct {
	Mode      PromptMode `yaml:"mode"`
	AssumeYes bool       `yaml:"assume_yes"`
}

// InstallTarget describes a component that is staged for manual installation
type InstallTarget struct {
	ComponentID string `yaml:"component_id"`
	DisplayName string `yaml:"display_name"`
	StagingPath string `yaml:"staging_path"`
}

// ServeConfig configures the HTTP server of the serve command
type ServeConfig struct {
	ListenAddr              string   `yaml:"listen_addr"`
	GitHubWebhookSecretFile string   `yaml:"github_webhook_secret_file"`
	AllowedEventTypes       []string `yaml:"allowed_event_types"`
	AllowedRefs             []string `yaml:"allowed_refs"`
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	// Expand environment variables in path
	path = os.ExpandEnv(path)

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.expandEnv()
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// expandEnv expands environment variables in all string fields
func (c *Config) expandEnv() {
	c.Repo.Owner = os.ExpandEnv(c.Repo.Owner)
	c.Repo.Name = os.ExpandEnv(c.Repo.Name)
	c.Repo.Branch = os.ExpandEnv(c.Repo.Branch)
	c.Repo.APIURL = os.ExpandEnv(c.Repo.APIURL)
	c.Repo.RawURL = os.ExpandEnv(c.Repo.RawURL)
	c.Paths.MirrorDir = os.ExpandEnv(c.Paths.MirrorDir)
	c.Paths.StateDir = os.ExpandEnv(c.Paths.StateDir)
	c.Paths.SourcesFile = os.ExpandEnv(c.Paths.SourcesFile)
	c.Paths.HomeDir = os.ExpandEnv(c.Paths.HomeDir)
	c.Paths.ProfileDir = os.ExpandEnv(c.Paths.ProfileDir)
	c.Paths.AddonsDir = os.ExpandEnv(c.Paths.AddonsDir)
	for i := range c.Installs {
		c.Installs[i].StagingPath = os.ExpandEnv(c.Installs[i].StagingPath)
	}
	c.Serve.ListenAddr = os.ExpandEnv(c.Serve.ListenAddr)
	c.Serve.GitHubWebhookSecretFile = os.ExpandEnv(c.Serve.GitHubWebhookSecretFile)
}

// applyDefaults fills in zero-value fields with sensible defaults.
func (c *Config) applyDefaults() {
	if c.Repo.Branch == "" {
		c.Repo.Branch = "main"
	}
	if c.Repo.APIURL == "" {
		c.Repo.APIURL = "https://api.github.com"
	}
	if c.Repo.RawURL == "" {
		c.Repo.RawURL = "https://raw.githubusercontent.com"
	}
	if c.Repo.Timeout == 0 {
		c.Repo.Timeout = 15 * time.Second
	}
	if c.Paths.AddonsDir == "" && c.Paths.HomeDir != "" {
		c.Paths.AddonsDir = filepath.Join(c.Paths.HomeDir, "addons")
	}
	if c.Paths.SourcesFile == "" && c.Paths.ProfileDir != "" {
		c.Paths.SourcesFile = filepath.Join(c.Paths.ProfileDir, "sources.xml")
	}
	if c.Sync.Ignore == nil {
		c.Sync.Ignore = []string{".firstrun"}
	}
	if c.Sync.FullReconcileEvery == 0 {
		c.Sync.FullReconcileEvery = 24
	}
	if c.Sync.CompareFileLimit == 0 {
		c.Sync.CompareFileLimit = 300
	}
	if c.Schedule.Interval == 0 {
		c.Schedule.Interval = time.Hour
	}
	if c.Schedule.StartupGrace == 0 {
		c.Schedule.StartupGrace = 10 * time.Minute
	}
	if c.Schedule.StartupPoll == 0 {
		c.Schedule.StartupPoll = time.Minute
	}
	if c.Prompt.Mode == "" {
		c.Prompt.Mode = PromptLog
	}
	if c.Serve.ListenAddr == "" {
		c.Serve.ListenAddr = "127.0.0.1:8787"
	}
	if c.Serve.AllowedEventTypes == nil {
		c.Serve.AllowedEventTypes = []string{"push"}
	}
	for i := range c.Installs {
		if c.Installs[i].DisplayName == "" {
			c.Installs[i].DisplayName = c.Installs[i].ComponentID
		}
	}
}

// Validate checks the configuration for errors
func (c *Config) Validate() error {
	if c.Repo.Owner == "" {
		return fmt.Errorf("repo.owner is required")
	}
	if c.Repo.Name == "" {
		return fmt.Errorf("repo.name is required")
	}
	if c.Repo.Timeout < minTimeout || c.Repo.Timeout > maxTimeout {
		return fmt.Errorf("repo.timeout must be between %s and %s, got %s", minTimeout, maxTimeout, c.Repo.Timeout)
	}

	if c.Paths.MirrorDir == "" {
		return fmt.Errorf("paths.mirror_dir is required")
	}
	if c.Paths.StateDir == "" {
		return fmt.Errorf("paths.state_dir is required")
	}
	for name, p := range map[string]string{
		"paths.mirror_dir":   c.Paths.MirrorDir,
		"paths.state_dir":    c.Paths.StateDir,
		"paths.sources_file": c.Paths.SourcesFile,
		"paths.home_dir":     c.Paths.HomeDir,
		"paths.profile_dir":  c.Paths.ProfileDir,
		"paths.addons_dir":   c.Paths.AddonsDir,
	} {
		if p != "" && !filepath.IsAbs(p) {
			return fmt.Errorf("%s must be an absolute path: %s", name, p)
		}
	}

	// Pruning deletes everything below the mirror that is not in the remote tree
	if within(c.Paths.StateDir, c.Paths.MirrorDir) {
		return fmt.Errorf("paths.state_dir must not be inside paths.mirror_dir")
	}

	if c.Sync.CompareFileLimit < 0 {
		return fmt.Errorf("sync.compare_file_limit must not be negative")
	}

	if c.Schedule.Interval < 0 || c.Schedule.StartupGrace < 0 || c.Schedule.StartupPoll < 0 {
		return fmt.Errorf("schedule durations must not be negative")
	}

	switch c.Prompt.Mode {
	case PromptLog, PromptTerminal:
		// valid
	default:
		return fmt.Errorf("invalid prompt.mode: %s (must be log or terminal)", c.Prompt.Mode)
	}

	seen := make(map[string]bool)
	for i, target := range c.Installs {
		if target.ComponentID == "" {
			return fmt.Errorf("installs[%d].component_id is required", i)
		}
		if !filepath.IsLocal(target.ComponentID) || strings.ContainsAny(target.ComponentID, `/\`) {
			return fmt.Errorf("installs[%d].component_id is not a plain add-on id: %s", i, target.ComponentID)
		}
		if target.StagingPath == "" {
			return fmt.Errorf("installs[%d].staging_path is required", i)
		}
		if seen[target.ComponentID] {
			return fmt.Errorf("installs: duplicate component_id %s", target.ComponentID)
		}
		seen[target.ComponentID] = true
	}
	if len(c.Installs) > 0 {
		if c.Paths.SourcesFile == "" {
			return fmt.Errorf("paths.sources_file (or paths.profile_dir) is required when installs are configured")
		}
		if c.Paths.AddonsDir == "" {
			return fmt.Errorf("paths.addons_dir (or paths.home_dir) is required when installs are configured")
		}
	}
	for i, target := range c.Installs {
		if err := c.validateStaging(target.StagingPath); err != nil {
			return fmt.Errorf("installs[%d].staging_path: %w", i, err)
		}
	}

	return nil
}

// validateStaging rejects staging paths whose cleanup would remove host or daemon data.
// A staging directory is emptied and removed once its archive was installed.
func (c *Config) validateStaging(p string) error {
	h := host.New(c.Paths.HomeDir, c.Paths.ProfileDir, c.Paths.AddonsDir)
	dir, err := h.TranslatePath(p)
	if err != nil {
		return err
	}
	if !filepath.IsAbs(dir) {
		return fmt.Errorf("%s must resolve to an absolute path", p)
	}

	for _, protected := range []struct{ name, path string }{
		{"paths.home_dir", c.Paths.HomeDir},
		{"paths.profile_dir", c.Paths.ProfileDir},
		{"paths.addons_dir", c.Paths.AddonsDir},
		{"paths.mirror_dir", c.Paths.MirrorDir},
		{"paths.state_dir", c.Paths.StateDir},
		{"paths.sources_file", c.Paths.SourcesFile},
	} {
		if protected.path != "" && within(protected.path, dir) {
			return fmt.Errorf("%s must not contain %s", p, protected.name)
		}
	}
	for _, parent := range []struct{ name, path string }{
		{"paths.addons_dir", c.Paths.AddonsDir},
		{"paths.mirror_dir", c.Paths.MirrorDir},
		{"paths.state_dir", c.Paths.StateDir},
	} {
		if parent.path != "" && within(dir, parent.path) {
			return fmt.Errorf("%s must not be inside %s", p, parent.name)
		}
	}
	return nil
}

// StateFilePath returns the path to the last synchronized commit file
func (c *Config) StateFilePath() string {
	return filepath.Join(c.Paths.StateDir, "last_commit.txt")
}

// RepoSlug returns owner/name
func (c *Config) RepoSlug() string {
	return c.Repo.Owner + "/" + c.Repo.Name
}

func within(path, dir string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}
