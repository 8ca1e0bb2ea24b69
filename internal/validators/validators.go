// Package validators holds the built-in lifecycle listeners.
package validators

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/mattjoyce/stagehand/internal/events"
	"github.com/mattjoyce/stagehand/internal/policy"
	"github.com/mattjoyce/stagehand/internal/state"
)

// Listener names, as referenced by validators.disabled in config.
const (
	NameExcludedPaths = "excluded_paths"
	NameWritableDirs  = "writable_dirs"
	NameDiskSpace     = "disk_space"
	NameManifest      = "manifest"
	NameFingerprint   = "fingerprint"
	NameUpdatePolicy  = "update_policy"
)

// Store is the state the fingerprint validator keeps its digests in.
type Store interface {
	Get(ctx context.Context, namespace, key string) (state.Entry, bool, error)
	Set(ctx context.Context, namespace, key string, value json.RawMessage) error
	Delete(ctx context.Context, namespace, key string) error
}

// Options configure the built-in validators. Zero values switch off the
// checks that need them.
type Options struct {
	ActiveDir    string
	StagingRoot  string
	StatePath    string
	Exclude      []string
	MinFreeBytes uint64

	// Project and Releases feed the update_policy status check.
	Project  string
	Module   string
	Releases policy.ReleaseLister

	Store  Store
	Logger *slog.Logger
}

// Builtin is one registrable listener.
type Builtin struct {
	Name     string
	Priority int
	Kinds    []events.Kind
	Listener events.Listener
}

// Builtins returns every built-in listener configured by opts.
func Builtins(opts Options) []Builtin {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "validators")

	list := []Builtin{
		excludedPaths(opts),
		writableDirs(opts),
		diskSpace(opts, logger),
		manifestCheck(opts),
	}
	if opts.Store != nil {
		list = append(list, fingerprint(opts, logger))
	}
	if opts.Releases != nil && opts.Project != "" && opts.Module != "" {
		list = append(list, updatePolicy(opts))
	}
	return list
}

// Register adds the built-ins to d and returns the names that were
// registered; names disabled on the dispatcher are skipped.
func Register(d *events.Dispatcher, opts Options) ([]string, error) {
	var registered []string
	for _, b := range Builtins(opts) {
		ok, err := d.Register(b.Name, b.Priority, b.Listener, b.Kinds...)
		if err != nil {
			return registered, fmt.Errorf("register %s: %w", b.Name, err)
		}
		if ok {
			registered = append(registered, b.Name)
		}
	}
	return registered, nil
}
