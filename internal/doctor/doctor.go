// Package doctor inspects a loaded stagehand configuration against the host
// it will run on: paths, filesystems, the managed go.mod and the schedule.
package doctor

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"os"
	"strings"
	"time"

	"github.com/mattjoyce/stagehand/internal/config"
	"github.com/mattjoyce/stagehand/internal/manifest"
	"github.com/mattjoyce/stagehand/internal/storage"
	"github.com/mattjoyce/stagehand/internal/validators"
)

// Result holds the outcome of a diagnostic run.
type Result struct {
	Valid    bool    `json:"valid"`
	Errors   []Issue `json:"errors,omitempty"`
	Warnings []Issue `json:"warnings,omitempty"`
}

// Issue describes a single diagnostic error or warning.
type Issue struct {
	Category string `json:"category"`
	Message  string `json:"message"`
	Field    string `json:"field,omitempty"`
}

// Doctor runs host-level checks that config.Load cannot do on its own.
type Doctor struct {
	cfg *config.Config

	// networkPath is swapped in tests.
	networkPath func(string) (bool, string, error)
}

// New creates a Doctor for a loaded config.
func New(cfg *config.Config) *Doctor {
	return &Doctor{cfg: cfg, networkPath: storage.IsNetworkPath}
}

// Validate runs all checks and returns a result.
func (d *Doctor) Validate() *Result {
	r := &Result{Valid: true}

	d.validateActive(r)
	d.validateFilesystems(r)
	d.validateDisabledListeners(r)
	d.validateReleases(r)
	d.validateAPI(r)
	d.warnSuspiciousSchedule(r)

	r.Valid = len(r.Errors) == 0
	return r
}

func (d *Doctor) addError(r *Result, category, field, msg string) {
	r.Errors = append(r.Errors, Issue{Category: category, Field: field, Message: msg})
}

func (d *Doctor) addWarning(r *Result, category, field, msg string) {
	r.Warnings = append(r.Warnings, Issue{Category: category, Field: field, Message: msg})
}

// validateActive checks the live installation is a directory with a go.mod.
func (d *Doctor) validateActive(r *Result) {
	info, err := os.Stat(d.cfg.Paths.Active)
	if err != nil {
		d.addError(r, "paths", "paths.active", fmt.Sprintf("active installation unreadable: %v", err))
		return
	}
	if !info.IsDir() {
		d.addError(r, "paths", "paths.active", fmt.Sprintf("%s is not a directory", d.cfg.Paths.Active))
		return
	}
	if _, err := manifest.Read(d.cfg.Paths.Active); err != nil {
		if errors.Is(err, manifest.ErrNoManifest) {
			d.addError(r, "manifest", "paths.active", "active installation has no go.mod")
			return
		}
		d.addError(r, "manifest", "paths.active", err.Error())
	}
}

// validateFilesystems refuses SQLite state on a network mount and warns when
// the trees being copied live on one.
func (d *Doctor) validateFilesystems(r *Result) {
	checks := []struct {
		field string
		path  string
		fatal bool
	}{
		{"state.path", d.cfg.State.Path, true},
		{"paths.active", d.cfg.Paths.Active, false},
		{"paths.staging_root", d.cfg.Paths.StagingRoot, false},
	}
	for _, c := range checks {
		network, fsType, err := d.networkPath(c.path)
		if err != nil {
			d.addWarning(r, "storage", c.field, fmt.Sprintf("cannot detect filesystem: %v", err))
			continue
		}
		if !network {
			continue
		}
		msg := fmt.Sprintf("%s is on network filesystem %q", c.path, fsType)
		if c.fatal {
			d.addError(r, "storage", c.field, msg+"; SQLite locking is unreliable there")
		} else {
			d.addWarning(r, "storage", c.field, msg+"; copies will be slow")
		}
	}
}

// validateDisabledListeners flags names that match no built-in listener.
func (d *Doctor) validateDisabledListeners(r *Result) {
	known := map[string]bool{
		validators.NameExcludedPaths: true,
		validators.NameWritableDirs:  true,
		validators.NameDiskSpace:     true,
		validators.NameManifest:      true,
		validators.NameFingerprint:   true,
		validators.NameUpdatePolicy:  true,
	}
	for i, name := range d.cfg.Validators.Disabled {
		if !known[name] {
			d.addWarning(r, "validators", fmt.Sprintf("validators.disabled[%d]", i),
				fmt.Sprintf("unknown listener %q", name))
		}
	}
}

// validateReleases checks the managed module is actually required by the
// active installation, otherwise unattended updates have nothing to bump.
func (d *Doctor) validateReleases(r *Result) {
	module := d.cfg.Releases.Module
	if module == "" {
		return
	}
	_, found, err := manifest.InstalledVersion(d.cfg.Paths.Active, module)
	if err != nil {
		return // reported by validateActive
	}
	if !found {
		d.addWarning(r, "releases", "releases.module",
			fmt.Sprintf("%s is not required by the active go.mod", module))
	}
	if d.cfg.Releases.URL != "" && d.cfg.Releases.Secret == "" {
		d.addWarning(r, "releases", "releases.secret",
			"remote release feed is not signature-checked")
	}
}

// validateAPI warns about an API reachable beyond the host.
func (d *Doctor) validateAPI(r *Result) {
	if !d.cfg.API.Enabled {
		return
	}
	host, _, err := net.SplitHostPort(d.cfg.API.Listen)
	if err != nil {
		d.addError(r, "api", "api.listen", fmt.Sprintf("invalid listen address: %v", err))
		return
	}
	if !isLoopback(host) {
		d.addWarning(r, "api", "api.listen",
			fmt.Sprintf("API listens on %q, reachable from other hosts", d.cfg.API.Listen))
	}
	if len(d.cfg.API.Auth.APIKey) < 16 {
		d.addWarning(r, "api", "api.auth.api_key", "api_key is shorter than 16 characters")
	}
}

func isLoopback(host string) bool {
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// warnSuspiciousSchedule warns about cron settings that fight each other.
func (d *Doctor) warnSuspiciousSchedule(r *Result) {
	if !d.cfg.Cron.Enabled {
		return
	}
	interval, err := config.ParseInterval(d.cfg.Cron.Interval)
	if err != nil {
		d.addError(r, "schedule", "cron.interval",
			fmt.Sprintf("invalid interval %q: %v", d.cfg.Cron.Interval, err))
		return
	}
	if interval < time.Hour {
		d.addWarning(r, "schedule", "cron.interval",
			fmt.Sprintf("interval %q is very short (< 1h)", d.cfg.Cron.Interval))
	}
	if d.cfg.Cron.Jitter >= interval {
		d.addWarning(r, "schedule", "cron.jitter", "jitter is not smaller than the interval")
	}
}

// FormatHuman returns a human-readable diagnostic report.
func FormatHuman(r *Result) string {
	var b strings.Builder

	if r.Valid && len(r.Warnings) == 0 {
		b.WriteString("Configuration valid.\n")
		return b.String()
	}

	if r.Valid {
		fmt.Fprintf(&b, "Configuration valid (%d warning(s))\n", len(r.Warnings))
	} else {
		fmt.Fprintf(&b, "Configuration invalid (%d error(s), %d warning(s))\n", len(r.Errors), len(r.Warnings))
	}

	for _, e := range r.Errors {
		writeIssue(&b, "ERROR", e)
	}
	for _, w := range r.Warnings {
		writeIssue(&b, "WARN ", w)
	}
	return b.String()
}

func writeIssue(b *strings.Builder, label string, i Issue) {
	if i.Field != "" {
		fmt.Fprintf(b, "  %s [%s] %s: %s\n", label, i.Category, i.Field, i.Message)
		return
	}
	fmt.Fprintf(b, "  %s [%s] %s\n", label, i.Category, i.Message)
}

// FormatJSON returns the result as indented JSON.
func FormatJSON(r *Result) (string, error) {
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}
