package config

import "time"

// Config represents the complete stagehand configuration.
type Config struct {
	Service    ServiceConfig    `yaml:"service"`
	State      StateConfig      `yaml:"state"`
	Paths      PathsConfig      `yaml:"paths"`
	Lock       LockConfig       `yaml:"lock"`
	Exclude    []string         `yaml:"exclude,omitempty"`
	Validators ValidatorsConfig `yaml:"validators"`
	Releases   ReleasesConfig   `yaml:"releases"`
	Cron       CronConfig       `yaml:"cron"`
	API        APIConfig        `yaml:"api,omitempty"`

	// SourcePath is the file the config was loaded from, if any.
	SourcePath string `yaml:"-"`
}

// ServiceConfig defines core service settings.
type ServiceConfig struct {
	Name      string `yaml:"name"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// StateConfig defines state storage settings.
type StateConfig struct {
	Path string `yaml:"path"`
}

// PathsConfig names the live installation and where stages are built.
type PathsConfig struct {
	Active      string `yaml:"active"`
	StagingRoot string `yaml:"staging_root"`
}

// LockConfig controls ownership lock reclamation.
type LockConfig struct {
	// StaleAfter lets a new stage reclaim a lock older than this. Zero
	// never reclaims; only a forced destroy clears the lock.
	StaleAfter time.Duration `yaml:"stale_after"`
	// ProcessLock is the flock file guarding unattended runs on one host.
	ProcessLock string `yaml:"process_lock"`
}

// ValidatorsConfig tunes the built-in listeners.
type ValidatorsConfig struct {
	Disabled     []string `yaml:"disabled,omitempty"`
	MinFreeSpace string   `yaml:"min_free_space"`

	// MinFreeBytes is MinFreeSpace parsed during validation.
	MinFreeBytes uint64 `yaml:"-"`
}

// ReleasesConfig configures release discovery for the managed module.
type ReleasesConfig struct {
	Project string `yaml:"project"`
	Module  string `yaml:"module"`
	URL     string `yaml:"url,omitempty"`
	File    string `yaml:"file,omitempty"`
	// Secret enables HMAC-SHA256 verification of a remote feed.
	Secret   string        `yaml:"secret,omitempty"`
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

// CronConfig defines the unattended update schedule.
type CronConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval string        `yaml:"interval"`
	Jitter   time.Duration `yaml:"jitter"`
}

// APIConfig defines HTTP API server settings.
type APIConfig struct {
	Enabled bool          `yaml:"enabled"`
	Listen  string        `yaml:"listen"`
	Auth    APIAuthConfig `yaml:"auth"`
}

// APIAuthConfig defines API authentication settings.
type APIAuthConfig struct {
	// APIKey is the bearer token required on every lifecycle call.
	APIKey string `yaml:"api_key"`
}

// Defaults returns a Config with sensible defaults.
func Defaults() *Config {
	return &Config{
		Service: ServiceConfig{
			Name:      "stagehand",
			LogLevel:  "info",
			LogFormat: "json",
		},
		State: StateConfig{
			Path: "./data/stagehand.db",
		},
		Paths: PathsConfig{
			StagingRoot: "./data/staging",
		},
		Lock: LockConfig{
			StaleAfter:  0,
			ProcessLock: "./data/cron.lock",
		},
		Validators: ValidatorsConfig{
			MinFreeSpace: "100MiB",
		},
		Releases: ReleasesConfig{
			CacheTTL: time.Hour,
		},
		Cron: CronConfig{
			Enabled:  false,
			Interval: "daily",
			Jitter:   10 * time.Minute,
		},
		API: APIConfig{
			Enabled: false,
			Listen:  "127.0.0.1:8080",
		},
	}
}
