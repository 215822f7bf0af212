// Package server wires all daemon components and creates the HTTP handler.
//
// This is the composition root: it creates concrete implementations and
// injects them into the components that depend on abstractions. No business
// logic lives here, only wiring.
package server

import (
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/beam-tools/beam/internal/bus"
	"github.com/beam-tools/beam/internal/config"
	"github.com/beam-tools/beam/internal/engine"
	"github.com/beam-tools/beam/internal/engine/runstore"
	"github.com/beam-tools/beam/internal/instance"
	"github.com/beam-tools/beam/internal/registry"
	"github.com/beam-tools/beam/internal/reload"
	"github.com/beam-tools/beam/internal/rpc"
	"github.com/beam-tools/beam/internal/source"
)

// Version is set at build time via ldflags.
var Version = "dev"

// New creates and configures the daemon. It returns the HTTP handler and a
// cleanup function that must be called on shutdown (typically via defer);
// the cleanup function is always non-nil.
func New(cfg *config.Config) (http.Handler, func(), error) {
	rpc.Version = Version

	// --- Shared tables and the event bus ---

	reg := registry.New()
	im := instance.NewManager(reg)
	eventBus := bus.New(bus.Options{
		MaxEvents: cfg.EventRetention.MaxEvents,
		MaxAge:    cfg.EventRetention.MaxAge,
	})

	// --- Durable run store ---
	//
	// Resumable runs are core behavior, so unlike optional subsystems a
	// store failure fails startup.

	store, err := runstore.Open(cfg.DBPath())
	if err != nil {
		return nil, noop, fmt.Errorf("opening run store: %w", err)
	}

	// --- Sessions, engine, transport ---

	sessions := rpc.NewSessions(eventBus, cfg.SessionTimeout)
	eng := engine.New(reg, im, store, eventBus, sessions, engine.Options{
		ElicitationTimeout: cfg.ElicitationTimeout,
	})
	srv := rpc.NewServer(reg, im, eng, eventBus, sessions)

	// --- Load modules ---
	//
	// A bad manifest disables that module only; the daemon still serves
	// every other module.

	loader := source.New()
	paths, err := source.EnsureDemo(cfg.ModulesDir)
	if err != nil {
		return nil, noop, fmt.Errorf("preparing modules directory: %w", err)
	}

	coordinator, err := reload.New(reg, im, eventBus, loader, cfg.ReloadDebounce)
	if err != nil {
		return nil, noop, fmt.Errorf("starting reload coordinator: %w", err)
	}
	coordinator.SetBroadcaster(sessions)

	for _, path := range paths {
		mod, err := loader.Load(path)
		if err != nil {
			log.Printf("WARNING: skipping module %s: %v", path, err)
			continue
		}
		if err := reg.Add(mod); err != nil {
			log.Printf("WARNING: skipping module %s: %v", path, err)
			continue
		}
		if err := coordinator.Watch(mod); err != nil {
			log.Printf("WARNING: module %s loaded but not watched: %v", mod.Name(), err)
		}
	}

	// --- Report resumable work left over from a previous daemon life ---

	if active, err := store.ListActive(); err == nil && len(active) > 0 {
		log.Printf("found %d resumable run(s) from a previous session", len(active))
	}

	// --- Background sweeps ---

	stopSweeps := make(chan struct{})
	go sweep(stopSweeps, cfg, sessions, im, store)

	cleanup := func() {
		close(stopSweeps)
		if err := coordinator.Close(); err != nil {
			log.Printf("WARNING: closing reload coordinator: %v", err)
		}
		eng.Close()
		if err := store.Close(); err != nil {
			log.Printf("WARNING: closing run store: %v", err)
		}
	}
	return srv.Handler(), cleanup, nil
}

// noop is the default cleanup when initialization fails early.
func noop() {}

// sweep periodically purges expired sessions, idle instances, and old
// terminal runs.
func sweep(stop <-chan struct{}, cfg *config.Config, sessions *rpc.Sessions, im *instance.Manager, store *runstore.Store) {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if n := sessions.PurgeExpired(); n > 0 {
				log.Printf("purged %d expired session(s)", n)
			}
			if n := im.EvictIdle(cfg.InstanceIdleEviction); n > 0 {
				log.Printf("evicted %d idle instance(s)", n)
			}
			if n, err := store.PurgeTerminal(cfg.RunRetention); err != nil {
				log.Printf("WARNING: purging terminal runs: %v", err)
			} else if n > 0 {
				log.Printf("purged %d old run(s)", n)
			}
		}
	}
}
