package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"gopkg.in/yaml.v3"
)

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Load reads, defaults and validates configuration from a file. A
// directory argument means <dir>/config.yaml. Relative paths inside the
// file resolve against the file's directory.
func Load(configPath string) (*Config, error) {
	absPath, err := filepath.Abs(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve config path %q: %w", configPath, err)
	}

	info, err := os.Stat(absPath)
	if err != nil {
		return nil, fmt.Errorf("config file not found: %s\n"+
			"Hint: Check the path or run with --config flag", absPath)
	}
	if info.IsDir() {
		absPath = filepath.Join(absPath, "config.yaml")
		if _, err := os.Stat(absPath); err != nil {
			return nil, fmt.Errorf("directory provided but config.yaml not found: %s", absPath)
		}
	}

	cfg, err := loadConfigFile(absPath)
	if err != nil {
		return nil, err
	}
	cfg.SourcePath = absPath

	cfg = applyConfigDefaults(cfg)
	resolvePaths(cfg, filepath.Dir(absPath))

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", absPath, err)
	}
	return cfg, nil
}

// Discover finds the config file by checking standard locations.
// Priority order: $STAGEHAND_CONFIG, ~/.config/stagehand/config.yaml,
// /etc/stagehand/config.yaml, ./config.yaml.
func Discover() (string, error) {
	var candidates []string
	if path := os.Getenv("STAGEHAND_CONFIG"); path != "" {
		candidates = append(candidates, path)
	}
	if homeDir, err := os.UserHomeDir(); err == nil {
		candidates = append(candidates, filepath.Join(homeDir, ".config", "stagehand", "config.yaml"))
	}
	candidates = append(candidates, "/etc/stagehand/config.yaml", "./config.yaml")

	for _, c := range candidates {
		if _, err := os.Stat(c); err == nil {
			return c, nil
		}
	}
	return "", fmt.Errorf("no config found (checked: $STAGEHAND_CONFIG, ~/.config/stagehand, /etc/stagehand, ./config.yaml)")
}

func loadConfigFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read file: %w", err)
	}

	interpolated := interpolateEnv(string(data))

	var cfg Config
	dec := yaml.NewDecoder(bytes.NewReader([]byte(interpolated)))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	return &cfg, nil
}

func applyConfigDefaults(cfg *Config) *Config {
	defaults := Defaults()

	if cfg.Service.Name == "" {
		cfg.Service.Name = defaults.Service.Name
	}
	if cfg.Service.LogLevel == "" {
		cfg.Service.LogLevel = defaults.Service.LogLevel
	}
	if cfg.Service.LogFormat == "" {
		cfg.Service.LogFormat = defaults.Service.LogFormat
	}

	if cfg.State.Path == "" {
		cfg.State.Path = defaults.State.Path
	}
	if cfg.Paths.StagingRoot == "" {
		cfg.Paths.StagingRoot = defaults.Paths.StagingRoot
	}
	if cfg.Lock.ProcessLock == "" {
		cfg.Lock.ProcessLock = defaults.Lock.ProcessLock
	}
	if cfg.Validators.MinFreeSpace == "" {
		cfg.Validators.MinFreeSpace = defaults.Validators.MinFreeSpace
	}
	if cfg.Releases.CacheTTL == 0 {
		cfg.Releases.CacheTTL = defaults.Releases.CacheTTL
	}
	if cfg.Cron.Interval == "" {
		cfg.Cron.Interval = defaults.Cron.Interval
	}
	if cfg.API.Listen == "" {
		cfg.API.Listen = defaults.API.Listen
	}

	return cfg
}

// resolvePaths makes every filesystem path absolute relative to baseDir.
func resolvePaths(cfg *Config, baseDir string) {
	for _, p := range []*string{
		&cfg.State.Path,
		&cfg.Paths.Active,
		&cfg.Paths.StagingRoot,
		&cfg.Lock.ProcessLock,
		&cfg.Releases.File,
	} {
		if *p != "" && !filepath.IsAbs(*p) && !envVarPattern.MatchString(*p) {
			*p = filepath.Join(baseDir, *p)
		}
	}
}

// interpolateEnv replaces ${VAR} with environment variable values.
// Undefined variables are left as-is (not expanded).
func interpolateEnv(input string) string {
	return envVarPattern.ReplaceAllStringFunc(input, func(match string) string {
		varName := envVarPattern.FindStringSubmatch(match)[1]
		if value, exists := os.LookupEnv(varName); exists {
			return value
		}
		// If not found, leave the placeholder (will fail validation if required)
		return match
	})
}

// Validate checks a programmatically built Config the same way Load does.
func Validate(cfg *Config) error {
	return validate(cfg)
}

// validate performs validation on the configuration and fills derived fields.
func validate(cfg *Config) error {
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[strings.ToLower(cfg.Service.LogLevel)] {
		return fmt.Errorf("service.log_level must be one of: debug, info, warn, error (got %q)", cfg.Service.LogLevel)
	}
	if f := strings.ToLower(cfg.Service.LogFormat); f != "json" && f != "text" {
		return fmt.Errorf("service.log_format must be json or text (got %q)", cfg.Service.LogFormat)
	}

	if cfg.State.Path == "" {
		return fmt.Errorf("state.path is required")
	}
	if cfg.Paths.Active == "" {
		return fmt.Errorf("paths.active is required")
	}
	if cfg.Paths.StagingRoot == "" {
		return fmt.Errorf("paths.staging_root is required")
	}
	for field, value := range map[string]string{
		"state.path":         cfg.State.Path,
		"paths.active":       cfg.Paths.Active,
		"paths.staging_root": cfg.Paths.StagingRoot,
		"api.auth.api_key":   cfg.API.Auth.APIKey,
		"releases.url":       cfg.Releases.URL,
		"releases.file":      cfg.Releases.File,
		"releases.secret":    cfg.Releases.Secret,
	} {
		if err := checkUnresolved(field, value); err != nil {
			return err
		}
	}

	active := filepath.Clean(cfg.Paths.Active)
	staging := filepath.Clean(cfg.Paths.StagingRoot)
	if staging == active || isWithin(active, staging) {
		return fmt.Errorf("paths.staging_root must not be the active directory or one of its parents")
	}

	if cfg.Lock.StaleAfter < 0 {
		return fmt.Errorf("lock.stale_after must not be negative")
	}

	minFree, err := humanize.ParseBytes(cfg.Validators.MinFreeSpace)
	if err != nil {
		return fmt.Errorf("validators.min_free_space: %w", err)
	}
	cfg.Validators.MinFreeBytes = minFree

	if cfg.Releases.URL != "" && cfg.Releases.File != "" {
		return fmt.Errorf("releases.url and releases.file are mutually exclusive")
	}
	if cfg.Releases.Secret != "" && cfg.Releases.URL == "" {
		return fmt.Errorf("releases.secret requires releases.url")
	}
	if cfg.Releases.CacheTTL < 0 {
		return fmt.Errorf("releases.cache_ttl must not be negative")
	}

	if cfg.Cron.Enabled {
		if cfg.Releases.Project == "" || cfg.Releases.Module == "" {
			return fmt.Errorf("cron requires releases.project and releases.module")
		}
		if cfg.Releases.URL == "" && cfg.Releases.File == "" {
			return fmt.Errorf("cron requires releases.url or releases.file")
		}
	}
	if _, err := ParseInterval(cfg.Cron.Interval); err != nil {
		return fmt.Errorf("cron.interval: %w", err)
	}
	if cfg.Cron.Jitter < 0 {
		return fmt.Errorf("cron.jitter must not be negative")
	}

	if cfg.API.Enabled {
		if cfg.API.Listen == "" {
			return fmt.Errorf("api.listen is required when api is enabled")
		}
		if cfg.API.Auth.APIKey == "" {
			return fmt.Errorf("api.auth.api_key is required when api is enabled")
		}
	}

	return nil
}

func checkUnresolved(field, value string) error {
	if matches := envVarPattern.FindStringSubmatch(value); len(matches) > 1 {
		return fmt.Errorf("%s: environment variable ${%s} is not set", field, matches[1])
	}
	return nil
}

// isWithin reports whether path is strictly inside dir.
func isWithin(path, dir string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil || rel == "." {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// ParseInterval converts a schedule interval to a duration. It accepts Go
// durations, "hourly", "daily", "weekly", and day or week counts such as
// "3d" or "2w".
func ParseInterval(interval string) (time.Duration, error) {
	switch interval {
	case "hourly":
		return time.Hour, nil
	case "daily":
		return 24 * time.Hour, nil
	case "weekly":
		return 7 * 24 * time.Hour, nil
	}

	if n := len(interval); n > 1 && (interval[n-1] == 'd' || interval[n-1] == 'w') {
		count, err := strconv.Atoi(interval[:n-1])
		if err == nil {
			if count <= 0 {
				return 0, fmt.Errorf("schedule interval must be positive: %q", interval)
			}
			unit := 24 * time.Hour
			if interval[n-1] == 'w' {
				unit *= 7
			}
			return time.Duration(count) * unit, nil
		}
	}

	d, err := time.ParseDuration(interval)
	if err != nil {
		return 0, fmt.Errorf("invalid schedule interval %q: %w", interval, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("schedule interval must be positive: %q", interval)
	}
	return d, nil
}
