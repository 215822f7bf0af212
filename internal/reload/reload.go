// Package reload watches each module's backing source file and hot-swaps the
// module on change without losing client-visible instance state.
//
// Editors that save atomically replace the file (delete+recreate), which
// both coalesces into several rapid events and invalidates the watch on the
// old inode, so changes are debounced per path and the watch is
// re-established after every reload attempt.
package reload

import (
	"fmt"
	"log"
	"os"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/beam-tools/beam/internal/bus"
	"github.com/beam-tools/beam/internal/instance"
	"github.com/beam-tools/beam/internal/registry"
)

// DefaultDebounce coalesces rapid successive edits to one reload.
const DefaultDebounce = 100 * time.Millisecond

// Broadcaster pushes a notification to every connected session. Implemented
// by the rpc session table; nil disables push (bus events still flow).
type Broadcaster interface {
	Broadcast(method string, params any)
}

// Coordinator reloads modules on file change and migrates instance state.
type Coordinator struct {
	reg       *registry.Registry
	instances *instance.Manager
	bus       *bus.Bus
	source    registry.ModuleSource
	debounce  time.Duration

	watcher *fsnotify.Watcher

	mu       sync.Mutex
	notify   Broadcaster
	watched  map[string]string // path -> module ID
	timers   map[string]*time.Timer
	reloaded chan string // module IDs, for tests; nil unless requested

	done chan struct{}
}

// New creates a Coordinator. debounce <= 0 selects DefaultDebounce.
func New(reg *registry.Registry, im *instance.Manager, b *bus.Bus, source registry.ModuleSource, debounce time.Duration) (*Coordinator, error) {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}
	c := &Coordinator{
		reg:       reg,
		instances: im,
		bus:       b,
		source:    source,
		debounce:  debounce,
		watcher:   watcher,
		watched:   make(map[string]string),
		timers:    make(map[string]*time.Timer),
		done:      make(chan struct{}),
	}
	go c.loop()
	return c, nil
}

// SetBroadcaster binds the session push sink used for beam/reload
// notifications. Called once by the composition root.
func (c *Coordinator) SetBroadcaster(n Broadcaster) {
	c.mu.Lock()
	c.notify = n
	c.mu.Unlock()
}

// Watch registers a module's backing file for change-triggered reload.
func (c *Coordinator) Watch(m registry.Module) error {
	c.mu.Lock()
	c.watched[m.Path()] = m.ID()
	c.mu.Unlock()

	if err := c.watcher.Add(m.Path()); err != nil {
		return fmt.Errorf("watching %s: %w", m.Path(), err)
	}
	return nil
}

// Close stops watching and cancels pending debounce timers.
func (c *Coordinator) Close() error {
	close(c.done)
	c.mu.Lock()
	for _, t := range c.timers {
		t.Stop()
	}
	c.mu.Unlock()
	return c.watcher.Close()
}

func (c *Coordinator) loop() {
	for {
		select {
		case <-c.done:
			return
		case ev, ok := <-c.watcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			c.schedule(ev.Name)
		case err, ok := <-c.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("reload: watcher error: %v", err)
		}
	}
}

// schedule (re)arms the debounce timer for a path. Two edits arriving within
// the window produce exactly one reload.
func (c *Coordinator) schedule(path string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.watched[path]; !ok {
		return
	}
	if t, ok := c.timers[path]; ok {
		t.Stop()
	}
	c.timers[path] = time.AfterFunc(c.debounce, func() {
		c.mu.Lock()
		delete(c.timers, path)
		c.mu.Unlock()
		c.reloadPath(path)
	})
}

// reloadPath reloads the module backing path, migrating instance state into
// the new version. A failed load leaves the previous module and every
// instance untouched; in-flight runs are never disrupted either way.
func (c *Coordinator) reloadPath(path string) {
	c.mu.Lock()
	moduleID, ok := c.watched[path]
	c.mu.Unlock()
	if !ok {
		return
	}

	prev, ok := c.reg.Get(moduleID)
	if !ok {
		return
	}
	channel := registry.Channel(prev.Name(), "events")

	// The watch on the old inode is dead after delete+recreate; always
	// re-establish it, waiting briefly for the editor to finish the swap.
	defer c.rewatch(path)

	next, err := c.source.Load(path)
	if err != nil {
		log.Printf("reload: %s failed: %v", prev.Name(), err)
		c.bus.Publish(channel, "reload_failed", map[string]any{
			"module": prev.Name(),
			"error":  err.Error(),
		})
		return
	}

	// Migrate every instance under its run lock, then swap the registry
	// entry. No events attributable to the new version can be emitted
	// before migration completes because invocations resolve the module
	// through the registry, which still holds the old entry. If the swap
	// loses to a concurrent Remove, the migration is undone so instances
	// never carry state shaped for a version that was never installed.
	restore := c.instances.MigrateAll(moduleID, next.MigrateState)
	if err := c.reg.Replace(next); err != nil {
		restore()
		log.Printf("reload: swapping %s: %v", prev.Name(), err)
		return
	}

	log.Printf("reload: %s reloaded", next.Name())
	c.bus.Publish(channel, "reload", map[string]any{
		"module": next.Name(),
	})
	c.mu.Lock()
	notify := c.notify
	c.mu.Unlock()
	if notify != nil {
		// The method catalog may have changed; every client refreshes.
		notify.Broadcast("beam/reload", map[string]any{"module": next.Name()})
	}
	c.mu.Lock()
	if c.reloaded != nil {
		select {
		case c.reloaded <- moduleID:
		default:
		}
	}
	c.mu.Unlock()
}

// rewatch re-adds the path, polling briefly in case an atomic save has not
// yet recreated the file.
func (c *Coordinator) rewatch(path string) {
	_ = c.watcher.Remove(path)
	for i := 0; i < 20; i++ {
		if _, err := os.Stat(path); err == nil {
			if err := c.watcher.Add(path); err == nil {
				return
			}
		}
		select {
		case <-c.done:
			return
		case <-time.After(50 * time.Millisecond):
		}
	}
	log.Printf("reload: lost watch on %s (file gone)", path)
}

// notifyReloads returns a channel receiving module IDs after each successful
// reload. Test hook.
func (c *Coordinator) notifyReloads() <-chan string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reloaded == nil {
		c.reloaded = make(chan string, 16)
	}
	return c.reloaded
}
