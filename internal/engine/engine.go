// Package engine runs module method invocations to completion or suspension.
//
// A method body is either a plain call or a suspending workflow. The first
// completed ask turns a run stateful: every resolved ask is durably
// checkpointed before its value reaches module code, so the run can be
// resumed by id after a crash or restart. Resume re-executes the method body
// with the recorded answers fed back in order; emits are suppressed while
// replaying, so already-recorded side effects do not fire twice.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/beam-tools/beam/internal/bus"
	"github.com/beam-tools/beam/internal/engine/runstore"
	"github.com/beam-tools/beam/internal/instance"
	"github.com/beam-tools/beam/internal/registry"
)

// Notifier delivers server-push notifications to one session. Implemented by
// the rpc session layer; delivery to a session with no push channel is
// skipped, replay being the recovery path.
type Notifier interface {
	NotifySession(sessionID, method string, params any)
}

// noopNotifier is used when the engine runs without a transport (tests).
type noopNotifier struct{}

func (noopNotifier) NotifySession(string, string, any) {}

// Options configures an Engine.
type Options struct {
	// ElicitationTimeout bounds how long an ask waits for a response
	// before failing the owning run. Zero means DefaultElicitationTimeout.
	ElicitationTimeout time.Duration
}

// DefaultElicitationTimeout matches the design default of five minutes.
const DefaultElicitationTimeout = 5 * time.Minute

// Request identifies one invocation.
type Request struct {
	Module       string // module name
	Method       string
	Params       map[string]any
	InstanceName string // "" resolves via session hint, then default
	ResumeRunID  string // non-empty resumes a persisted run
	SessionID    string // originating session, "" for internal calls
}

// Outcome is the caller-visible result of Execute. For ephemeral runs RunID
// is empty; for stateful runs it identifies the resumable run.
type Outcome struct {
	RunID  string `json:"runId,omitempty"`
	Status string `json:"status"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

// Engine is the stateful execution engine.
type Engine struct {
	reg       *registry.Registry
	instances *instance.Manager
	store     *runstore.Store
	bus       *bus.Bus
	notifier  Notifier
	opts      Options

	mu      sync.Mutex
	pending map[string]*pendingElicitation // by elicitation id
	live    map[string]struct{}            // run ids with a goroutine attached

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an Engine. notifier may be nil.
func New(reg *registry.Registry, im *instance.Manager, store *runstore.Store, b *bus.Bus, notifier Notifier, opts Options) *Engine {
	if opts.ElicitationTimeout <= 0 {
		opts.ElicitationTimeout = DefaultElicitationTimeout
	}
	if notifier == nil {
		notifier = noopNotifier{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		reg:       reg,
		instances: im,
		store:     store,
		bus:       b,
		notifier:  notifier,
		opts:      opts,
		pending:   make(map[string]*pendingElicitation),
		live:      make(map[string]struct{}),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// SetNotifier rebinds the push-notification sink. Called once by the
// composition root after the transport exists.
func (e *Engine) SetNotifier(n Notifier) {
	e.mu.Lock()
	e.notifier = n
	e.mu.Unlock()
}

// Close rejects all pending elicitations and waits for run goroutines.
func (e *Engine) Close() {
	e.cancel()
	e.mu.Lock()
	for id, p := range e.pending {
		p.reject(ErrElicitationCancelled)
		delete(e.pending, id)
	}
	e.mu.Unlock()
	e.wg.Wait()
}

// Execute runs one invocation. It returns when the run completes, fails, or
// parks on an unanswered ask; in the last case the returned Outcome carries
// the run id and waiting_input status while the run continues in the
// background.
func (e *Engine) Execute(ctx context.Context, req Request) (*Outcome, error) {
	if req.ResumeRunID != "" {
		return e.resume(ctx, req.ResumeRunID)
	}

	mod, ok := e.reg.GetByName(req.Module)
	if !ok {
		return nil, fmt.Errorf("module %q: %w", req.Module, ErrModuleNotFound)
	}
	if _, ok := findMethod(mod, req.Method); !ok {
		return nil, fmt.Errorf("method %q of module %q: %w", req.Method, req.Module, ErrMethodNotFound)
	}
	if !mod.Configured() {
		return nil, fmt.Errorf("module %q: %w", req.Module, ErrNotConfigured)
	}

	name := req.InstanceName
	if name == "" && req.SessionID != "" {
		// Fall back to the session's remembered instance. After a daemon
		// restart this memory is gone and resolution silently defaults.
		name = e.instances.Active(req.SessionID, mod.ID())
	}
	in, err := e.instances.Resolve(mod.ID(), name, true)
	if err != nil {
		return nil, err
	}

	run := &runstore.Run{
		ID:           uuid.NewString(),
		ModuleID:     mod.ID(),
		Method:       req.Method,
		InstanceName: in.Name,
		Params:       req.Params,
		SessionID:    req.SessionID,
	}
	return e.start(ctx, mod, in, run, nil, false)
}

// resume re-executes a persisted run, replaying recorded checkpoints.
func (e *Engine) resume(ctx context.Context, runID string) (*Outcome, error) {
	run, err := e.store.Get(runID)
	if err != nil {
		if errors.Is(err, runstore.ErrNotFound) {
			return nil, fmt.Errorf("run %q: %w", runID, ErrRunNotFound)
		}
		return nil, err
	}
	if run.Status == runstore.StatusCompleted {
		return nil, fmt.Errorf("run %q: %w", runID, ErrRunComplete)
	}

	mod, ok := e.reg.Get(run.ModuleID)
	if !ok {
		return nil, fmt.Errorf("module of run %q: %w", runID, ErrModuleNotFound)
	}
	in, err := e.instances.Resolve(run.ModuleID, run.InstanceName, true)
	if err != nil {
		return nil, err
	}
	replay, err := e.store.Checkpoints(runID)
	if err != nil {
		return nil, err
	}

	return e.start(ctx, mod, in, run, replay, true)
}

// start claims the run, acquires the instance run lock, and drives the
// invocation in a background goroutine. It returns once the run is terminal
// or suspended. resumed marks runs whose row already exists in the store.
func (e *Engine) start(ctx context.Context, mod registry.Module, in *instance.Instance, run *runstore.Run, replay []runstore.Checkpoint, resumed bool) (*Outcome, error) {
	// Check-and-claim is one critical section: of any number of concurrent
	// resumes of the same run, exactly one proceeds.
	e.mu.Lock()
	if _, inFlight := e.live[run.ID]; inFlight {
		e.mu.Unlock()
		return nil, fmt.Errorf("run %q: %w", run.ID, ErrRunInFlight)
	}
	e.live[run.ID] = struct{}{}
	e.mu.Unlock()

	if resumed && run.Status == runstore.StatusFailed {
		// A timed-out or cancelled run becomes live again once a caller
		// holds the claim. Flipping the status after the claim keeps a
		// losing concurrent resume from stranding the row as running.
		if err := e.store.SetStatus(run.ID, runstore.StatusRunning); err != nil {
			e.mu.Lock()
			delete(e.live, run.ID)
			e.mu.Unlock()
			return nil, err
		}
	}

	h := &runHooks{
		engine:    e,
		module:    mod,
		run:       run,
		replay:    replay,
		persisted: resumed,
		suspended: make(chan struct{}),
	}
	done := make(chan invokeResult, 1)

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		// Serialize against other invocations of the same instance. The
		// lock is held across suspensions: module state is mutated in
		// place and a waiting run still owns it.
		in.LockRun()
		defer in.UnlockRun()
		defer func() {
			e.mu.Lock()
			delete(e.live, run.ID)
			e.mu.Unlock()
		}()

		// The run outlives the originating RPC request, so it executes
		// under the engine's lifecycle context, not the request's.
		result, err := mod.Invoke(e.ctx, run.Method, run.Params, in.State(), h)
		out := e.finish(mod, run, h, result, err)
		done <- out
	}()

	select {
	case out := <-done:
		if out.err != nil {
			return nil, out.err
		}
		return out.outcome, nil
	case <-h.suspended:
		return &Outcome{RunID: run.ID, Status: runstore.StatusWaitingInput}, nil
	case <-ctx.Done():
		// The caller went away; the run itself is unaffected (it may be
		// resumed by a reconnecting session).
		return nil, ctx.Err()
	}
}

type invokeResult struct {
	outcome *Outcome
	err     error
}

// finish records the terminal state of a run and publishes its outcome.
func (e *Engine) finish(mod registry.Module, run *runstore.Run, h *runHooks, result any, err error) invokeResult {
	stateful := h.persisted
	ch := registry.Channel(mod.Name(), "events")

	if err != nil {
		if stateful {
			if !errors.Is(err, ErrElicitationTimeout) {
				// Timeouts already failed the run inside Ask.
				if serr := e.store.Fail(run.ID, err.Error()); serr != nil {
					log.Printf("engine: recording failure of run %s: %v", run.ID, serr)
				}
			}
			e.bus.Publish(ch, "run", map[string]any{"runId": run.ID, "status": runstore.StatusFailed, "error": err.Error()})
			e.notify(run.SessionID, "notifications/message", map[string]any{
				"level": "error", "runId": run.ID, "message": err.Error(),
			})
			return invokeResult{outcome: &Outcome{RunID: run.ID, Status: runstore.StatusFailed, Error: err.Error()}}
		}
		return invokeResult{err: err}
	}

	if stateful {
		if serr := e.store.Complete(run.ID, result); serr != nil {
			log.Printf("engine: recording completion of run %s: %v", run.ID, serr)
		}
		e.bus.Publish(ch, "run", map[string]any{"runId": run.ID, "status": runstore.StatusCompleted})
		outcome := &Outcome{RunID: run.ID, Status: runstore.StatusCompleted, Result: result}
		e.notify(run.SessionID, "beam/run-completed", outcome)
		return invokeResult{outcome: outcome}
	}
	return invokeResult{outcome: &Outcome{Status: runstore.StatusCompleted, Result: result}}
}

func (e *Engine) notify(sessionID, method string, params any) {
	if sessionID == "" {
		return
	}
	e.mu.Lock()
	n := e.notifier
	e.mu.Unlock()
	n.NotifySession(sessionID, method, params)
}

func findMethod(mod registry.Module, name string) (registry.MethodDescriptor, bool) {
	for _, d := range mod.Methods() {
		if d.Name == name {
			return d, true
		}
	}
	return registry.MethodDescriptor{}, false
}
