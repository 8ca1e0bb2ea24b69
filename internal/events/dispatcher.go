package events

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
)

// Listener handles one event. Returning an error stops dispatch for that
// event; the remaining listeners are not invoked.
type Listener func(ctx context.Context, ev Event) error

// ListenerError wraps the hard failure of a single listener.
type ListenerError struct {
	Listener string
	Kind     Kind
	Err      error
}

func (e *ListenerError) Error() string {
	return fmt.Sprintf("listener %q failed during %s: %v", e.Listener, e.Kind, e.Err)
}

func (e *ListenerError) Unwrap() error { return e.Err }

type registration struct {
	name     string
	priority int
	seq      int
	fn       Listener
}

// Dispatcher delivers events synchronously to listeners in ascending
// priority. Listeners with equal priority run in registration order.
type Dispatcher struct {
	mu        sync.RWMutex
	listeners map[Kind][]registration
	disabled  map[string]struct{}
	seq       int
	logger    *slog.Logger
}

// NewDispatcher creates a dispatcher. Listener names in disabled are
// silently skipped at registration.
func NewDispatcher(logger *slog.Logger, disabled ...string) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	d := &Dispatcher{
		listeners: make(map[Kind][]registration),
		disabled:  make(map[string]struct{}, len(disabled)),
		logger:    logger.With("component", "dispatcher"),
	}
	for _, name := range disabled {
		d.disabled[name] = struct{}{}
	}
	return d
}

// Register subscribes fn to each of kinds. It returns false when name is
// disabled by configuration.
func (d *Dispatcher) Register(name string, priority int, fn Listener, kinds ...Kind) (bool, error) {
	if name == "" {
		return false, fmt.Errorf("listener name is empty")
	}
	if fn == nil {
		return false, fmt.Errorf("listener %q is nil", name)
	}
	if len(kinds) == 0 {
		return false, fmt.Errorf("listener %q subscribes to no events", name)
	}
	for _, k := range kinds {
		if !k.Valid() {
			return false, fmt.Errorf("listener %q: unknown event kind %q", name, k)
		}
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if _, off := d.disabled[name]; off {
		d.logger.Debug("listener disabled by configuration", "listener", name)
		return false, nil
	}

	d.seq++
	for _, k := range kinds {
		regs := append(d.listeners[k], registration{name: name, priority: priority, seq: d.seq, fn: fn})
		sort.SliceStable(regs, func(i, j int) bool {
			if regs[i].priority != regs[j].priority {
				return regs[i].priority < regs[j].priority
			}
			return regs[i].seq < regs[j].seq
		})
		d.listeners[k] = regs
	}
	return true, nil
}

// Listeners returns the names subscribed to kind, in dispatch order.
func (d *Dispatcher) Listeners(kind Kind) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()

	names := make([]string, 0, len(d.listeners[kind]))
	for _, r := range d.listeners[kind] {
		names = append(names, r.name)
	}
	return names
}

// Dispatch invokes every listener for ev.Kind(). The first listener error
// short-circuits and is returned as *ListenerError.
func (d *Dispatcher) Dispatch(ctx context.Context, ev Event) error {
	d.mu.RLock()
	regs := make([]registration, len(d.listeners[ev.Kind()]))
	copy(regs, d.listeners[ev.Kind()])
	d.mu.RUnlock()

	for _, r := range regs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.fn(ctx, ev); err != nil {
			d.logger.Warn("listener failed", "listener", r.name, "event", string(ev.Kind()), "error", err)
			return &ListenerError{Listener: r.name, Kind: ev.Kind(), Err: err}
		}
	}
	return nil
}
