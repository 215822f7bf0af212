package instance

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/beam-tools/beam/internal/registry"
)

type stubModule struct {
	id   string
	name string
}

func (s *stubModule) ID() string       { return s.id }
func (s *stubModule) Name() string     { return s.name }
func (s *stubModule) Path() string     { return "/modules/" + s.name + ".json" }
func (s *stubModule) Configured() bool { return true }

func (s *stubModule) Methods() []registry.MethodDescriptor { return nil }

func (s *stubModule) Invoke(context.Context, string, map[string]any, registry.State, registry.Hooks) (any, error) {
	return nil, nil
}

func (s *stubModule) NewState() registry.State { return registry.State{"count": 0} }

func (s *stubModule) MigrateState(prior registry.State) registry.State { return prior }

func (s *stubModule) Resources() []mcp.Resource { return nil }

func (s *stubModule) ReadResource(string) (mcp.ResourceContents, error) {
	return nil, errors.New("no resources")
}

func newTestManager(t *testing.T) (*Manager, string) {
	t.Helper()
	reg := registry.New()
	mod := &stubModule{id: "m1", name: "demo"}
	if err := reg.Add(mod); err != nil {
		t.Fatalf("registering module: %v", err)
	}
	return NewManager(reg), mod.id
}

func TestResolveDefaults(t *testing.T) {
	m, id := newTestManager(t)

	in, err := m.Resolve(id, "", true)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if in.Name != DefaultName {
		t.Fatalf("empty name resolved to %q, want %q", in.Name, DefaultName)
	}
	if in.State()["count"] != 0 {
		t.Fatalf("fresh instance state = %v, want module defaults", in.State())
	}

	again, err := m.Resolve(id, DefaultName, true)
	if err != nil {
		t.Fatalf("second Resolve: %v", err)
	}
	if again != in {
		t.Fatal("resolving the same name returned a different instance")
	}
}

func TestResolveMissing(t *testing.T) {
	m, id := newTestManager(t)

	if _, err := m.Resolve(id, "ghost", false); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Resolve of unknown instance = %v, want ErrNotFound", err)
	}
	if _, err := m.Resolve("no-such-module", "", true); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Resolve of unknown module = %v, want ErrNotFound", err)
	}
}

func TestInstancesAreIndependent(t *testing.T) {
	m, id := newTestManager(t)

	a, err := m.Resolve(id, "a", true)
	if err != nil {
		t.Fatalf("Resolve(a): %v", err)
	}
	b, err := m.Resolve(id, "b", true)
	if err != nil {
		t.Fatalf("Resolve(b): %v", err)
	}

	a.State()["count"] = 10
	if got := b.State()["count"]; got != 0 {
		t.Fatalf("mutating instance a leaked into b: count = %v", got)
	}
}

func TestSwitchRecordsActiveHint(t *testing.T) {
	m, id := newTestManager(t)

	in, err := m.Switch("sess-1", id, "work")
	if err != nil {
		t.Fatalf("Switch: %v", err)
	}
	if in.Name != "work" {
		t.Fatalf("Switch resolved %q, want work", in.Name)
	}
	if got := m.Active("sess-1", id); got != "work" {
		t.Fatalf("Active = %q, want work", got)
	}
	if got := m.Active("sess-2", id); got != "" {
		t.Fatalf("Active for unknown session = %q, want empty", got)
	}
}

func TestListIsSorted(t *testing.T) {
	m, id := newTestManager(t)
	for _, name := range []string{"zeta", "alpha", "mid"} {
		if _, err := m.Resolve(id, name, true); err != nil {
			t.Fatalf("Resolve(%s): %v", name, err)
		}
	}

	want := []string{"alpha", "mid", "zeta"}
	got := m.List(id)
	if len(got) != len(want) {
		t.Fatalf("List = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("List = %v, want %v", got, want)
		}
	}
}

func TestMigrateAll(t *testing.T) {
	m, id := newTestManager(t)

	a, _ := m.Resolve(id, "a", true)
	b, _ := m.Resolve(id, "b", true)
	a.State()["count"] = 3
	b.State()["count"] = 7

	restore := m.MigrateAll(id, func(prior registry.State) registry.State {
		next := registry.State{"count": prior["count"], "migrated": true}
		return next
	})

	if a.State()["count"] != 3 || a.State()["migrated"] != true {
		t.Fatalf("instance a after migration = %v", a.State())
	}
	if b.State()["count"] != 7 || b.State()["migrated"] != true {
		t.Fatalf("instance b after migration = %v", b.State())
	}

	// A caller whose installation step fails undoes the migration.
	restore()
	if _, ok := a.State()["migrated"]; ok {
		t.Fatalf("instance a after restore = %v, want prior state back", a.State())
	}
	if a.State()["count"] != 3 || b.State()["count"] != 7 {
		t.Fatalf("restore lost prior values: a=%v b=%v", a.State(), b.State())
	}
}

func TestEvictIdle(t *testing.T) {
	m, id := newTestManager(t)
	now := time.Now()
	m.now = func() time.Time { return now }

	if _, err := m.Resolve(id, "stale", true); err != nil {
		t.Fatalf("Resolve(stale): %v", err)
	}
	if _, err := m.Resolve(id, "fresh", true); err != nil {
		t.Fatalf("Resolve(fresh): %v", err)
	}

	now = now.Add(2 * time.Hour)
	if _, err := m.Resolve(id, "fresh", true); err != nil {
		t.Fatalf("touching fresh: %v", err)
	}

	if n := m.EvictIdle(time.Hour); n != 1 {
		t.Fatalf("EvictIdle = %d, want 1", n)
	}
	got := m.List(id)
	if len(got) != 1 || got[0] != "fresh" {
		t.Fatalf("after eviction List = %v, want [fresh]", got)
	}
}

func TestEvictIdleSkipsInFlight(t *testing.T) {
	m, id := newTestManager(t)
	now := time.Now()
	m.now = func() time.Time { return now }

	in, err := m.Resolve(id, "busy", true)
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	in.LockRun()
	defer in.UnlockRun()

	now = now.Add(2 * time.Hour)
	if n := m.EvictIdle(time.Hour); n != 0 {
		t.Fatalf("EvictIdle = %d, want 0 (run in flight)", n)
	}
	if got := m.List(id); len(got) != 1 {
		t.Fatalf("busy instance was evicted: %v", got)
	}
}
