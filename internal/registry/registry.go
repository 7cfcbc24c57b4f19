// Package registry tracks the configured backend servers and their
// maintenance state. It is the only state shared between sessions: a session
// that fences a diverging backend records the transition here, and every
// other session observes it before routing.
package registry

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pgrouter/pgrouter/internal/config"
)

// Target is one configured backend server.
type Target struct {
	Name           string        `json:"name"`
	Host           string        `json:"host"`
	Port           int           `json:"port"`
	TLS            string        `json:"tls"`
	ConnectTimeout time.Duration `json:"connect_timeout"`
}

// Addr returns the host:port to dial.
func (t Target) Addr() string {
	return fmt.Sprintf("%s:%d", t.Host, t.Port)
}

// snapshot is an immutable point-in-time view of the registry.
// Stored in atomic.Value for lock-free reads on the hot path.
type snapshot struct {
	targets []Target          // ordered; element 0 is the main
	maint   map[string]string // target name -> maintenance reason
}

// Registry resolves target names and tracks maintenance state. Reads are
// lock-free via atomic.Value; mutations serialize on a write mutex and swap
// in a new snapshot.
type Registry struct {
	snap atomic.Value // holds *snapshot
	wmu  sync.Mutex   // serializes mutations (writes are rare)
}

// New creates a Registry populated from the given config.
func New(cfg *config.Config) *Registry {
	r := &Registry{}
	r.snap.Store(&snapshot{
		targets: targetsFromConfig(cfg),
		maint:   make(map[string]string),
	})
	return r
}

func targetsFromConfig(cfg *config.Config) []Target {
	targets := make([]Target, 0, len(cfg.Targets))
	for _, tc := range cfg.Targets {
		targets = append(targets, Target{
			Name:           tc.Name,
			Host:           tc.Host,
			Port:           tc.Port,
			TLS:            tc.TLS,
			ConnectTimeout: tc.EffectiveConnectTimeout(),
		})
	}
	return targets
}

// load returns the current immutable snapshot (lock-free).
func (r *Registry) load() *snapshot {
	return r.snap.Load().(*snapshot)
}

// Targets returns all configured targets in order; the first is the main.
func (r *Registry) Targets() []Target {
	return append([]Target{}, r.load().targets...)
}

// Get looks up a target by name.
func (r *Registry) Get(name string) (Target, bool) {
	for _, t := range r.load().targets {
		if t.Name == name {
			return t, true
		}
	}
	return Target{}, false
}

// InMaintenance reports whether a target is in maintenance mode. Lock-free.
func (r *Registry) InMaintenance(name string) bool {
	_, ok := r.load().maint[name]
	return ok
}

// MaintenanceReason returns why a target was placed in maintenance.
func (r *Registry) MaintenanceReason(name string) string {
	return r.load().maint[name]
}

// SetMaintenance places a target into maintenance mode. It reports whether
// this call performed the transition: fencing an already-fenced target is a
// no-op.
func (r *Registry) SetMaintenance(name, reason string) bool {
	r.wmu.Lock()
	defer r.wmu.Unlock()

	cur := r.load()
	if _, ok := cur.maint[name]; ok {
		return false
	}

	s := r.clone()
	s.maint[name] = reason
	r.snap.Store(s)
	return true
}

// ClearMaintenance returns a target to routing duty. Returns false when the
// target was not in maintenance.
func (r *Registry) ClearMaintenance(name string) bool {
	r.wmu.Lock()
	defer r.wmu.Unlock()

	cur := r.load()
	if _, ok := cur.maint[name]; !ok {
		return false
	}

	s := r.clone()
	delete(s.maint, name)
	r.snap.Store(s)
	return true
}

// Reload replaces the target list from a new config. Maintenance state is
// carried over for targets that still exist.
func (r *Registry) Reload(cfg *config.Config) {
	r.wmu.Lock()
	defer r.wmu.Unlock()

	cur := r.load()
	targets := targetsFromConfig(cfg)

	names := make(map[string]bool, len(targets))
	for _, t := range targets {
		names[t.Name] = true
	}

	maint := make(map[string]string)
	for name, reason := range cur.maint {
		if names[name] {
			maint[name] = reason
		}
	}

	r.snap.Store(&snapshot{targets: targets, maint: maint})
}

// clone returns a mutable deep copy of the current snapshot.
// Must be called with wmu held.
func (r *Registry) clone() *snapshot {
	cur := r.load()
	maint := make(map[string]string, len(cur.maint))
	for k, v := range cur.maint {
		maint[k] = v
	}
	return &snapshot{
		targets: append([]Target{}, cur.targets...),
		maint:   maint,
	}
}
