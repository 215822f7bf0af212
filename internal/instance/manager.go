// Package instance maps (module, instance name) pairs to live mutable state
// objects. Instances are created lazily on first use, survive module reloads
// through state migration, and are evicted after prolonged idleness.
//
// Each instance carries a run lock: invocations against the same instance are
// serialized because module code mutates state in place, while invocations
// against distinct instances proceed independently.
package instance

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/beam-tools/beam/internal/registry"
)

// DefaultName is the instance every call targets unless a name is given.
const DefaultName = "default"

// ErrNotFound is returned by Resolve with createIfMissing=false for an
// unknown instance name.
var ErrNotFound = errors.New("instance not found")

// Instance is one named, mutable state container for a module.
type Instance struct {
	ModuleID string
	Name     string

	// runMu serializes invocations. It is held for the full duration of a
	// run, including while the run waits for elicitation input.
	runMu sync.Mutex

	mu         sync.Mutex
	state      registry.State
	lastAccess time.Time
}

// State returns the state object. Callers mutate it only while holding the
// run lock.
func (in *Instance) State() registry.State {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.state
}

// SetState replaces the state object. Used by reload migration.
func (in *Instance) SetState(s registry.State) {
	in.mu.Lock()
	defer in.mu.Unlock()
	in.state = s
}

// LastAccess returns the time of the last Resolve that touched the instance.
func (in *Instance) LastAccess() time.Time {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.lastAccess
}

func (in *Instance) touch(now time.Time) {
	in.mu.Lock()
	in.lastAccess = now
	in.mu.Unlock()
}

// LockRun acquires the instance's run lock.
func (in *Instance) LockRun() { in.runMu.Lock() }

// UnlockRun releases the instance's run lock.
func (in *Instance) UnlockRun() { in.runMu.Unlock() }

// Manager owns the process-wide instance table.
type Manager struct {
	reg *registry.Registry

	mu        sync.Mutex
	instances map[instanceKey]*Instance
	active    map[activeKey]string // session's remembered instance name
	now       func() time.Time
}

type instanceKey struct{ moduleID, name string }
type activeKey struct{ sessionID, moduleID string }

// NewManager creates a Manager resolving modules through reg.
func NewManager(reg *registry.Registry) *Manager {
	return &Manager{
		reg:       reg,
		instances: make(map[instanceKey]*Instance),
		active:    make(map[activeKey]string),
		now:       time.Now,
	}
}

// Resolve returns the named instance of a module, creating it on first use
// when createIfMissing is set. An empty name resolves to "default".
//
// A client that resends an instance name hint after a daemon restart is
// transparently re-bound to that instance (the hint recreates it); a client
// that omits the hint silently gets the default instance. The asymmetry is
// deliberate and documented behavior.
func (m *Manager) Resolve(moduleID, name string, createIfMissing bool) (*Instance, error) {
	mod, ok := m.reg.Get(moduleID)
	if !ok {
		return nil, fmt.Errorf("module %q: %w", moduleID, ErrNotFound)
	}
	if name == "" {
		name = DefaultName
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	key := instanceKey{moduleID, name}
	in, ok := m.instances[key]
	if !ok {
		if !createIfMissing {
			return nil, fmt.Errorf("instance %q of module %q: %w", name, mod.Name(), ErrNotFound)
		}
		in = &Instance{
			ModuleID: moduleID,
			Name:     name,
			state:    mod.NewState(),
		}
		m.instances[key] = in
	}
	in.touch(m.now())
	return in, nil
}

// Switch rebinds which instance a session's subsequent calls target and
// records it as the session's active-instance hint.
func (m *Manager) Switch(sessionID, moduleID, name string) (*Instance, error) {
	in, err := m.Resolve(moduleID, name, true)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	m.active[activeKey{sessionID, moduleID}] = in.Name
	m.mu.Unlock()
	return in, nil
}

// Active returns the session's remembered instance name for a module, or ""
// if none was recorded (or the record was lost to a restart).
func (m *Manager) Active(sessionID, moduleID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active[activeKey{sessionID, moduleID}]
}

// List returns the instance names of a module, sorted.
func (m *Manager) List(moduleID string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var names []string
	for key := range m.instances {
		if key.moduleID == moduleID {
			names = append(names, key.name)
		}
	}
	sort.Strings(names)
	return names
}

// MigrateAll applies fn to every instance of a module under each instance's
// run lock, so no in-flight invocation observes a half-migrated state and no
// events attributable to the new module version can precede migration.
//
// The returned restore function swaps the prior state objects back in, for
// callers whose installation step after migration can still fail. fn must not
// mutate the prior state it is handed.
func (m *Manager) MigrateAll(moduleID string, fn func(prior registry.State) registry.State) (restore func()) {
	m.mu.Lock()
	var targets []*Instance
	for key, in := range m.instances {
		if key.moduleID == moduleID {
			targets = append(targets, in)
		}
	}
	m.mu.Unlock()

	priors := make([]registry.State, len(targets))
	for i, in := range targets {
		in.LockRun()
		priors[i] = in.State()
		in.SetState(fn(priors[i]))
		in.UnlockRun()
	}

	return func() {
		for i, in := range targets {
			in.LockRun()
			in.SetState(priors[i])
			in.UnlockRun()
		}
	}
}

// EvictIdle removes instances whose last access is older than maxIdle.
// Returns the number evicted. Instances with a run in flight hold their run
// lock and are skipped.
func (m *Manager) EvictIdle(maxIdle time.Duration) int {
	cutoff := m.now().Add(-maxIdle)

	m.mu.Lock()
	defer m.mu.Unlock()

	evicted := 0
	for key, in := range m.instances {
		if !in.LastAccess().Before(cutoff) {
			continue
		}
		if !in.runMu.TryLock() {
			continue // in flight
		}
		in.runMu.Unlock()
		delete(m.instances, key)
		evicted++
	}
	return evicted
}
