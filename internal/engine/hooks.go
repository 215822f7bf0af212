package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/beam-tools/beam/internal/engine/runstore"
	"github.com/beam-tools/beam/internal/registry"
)

// runHooks implements registry.Hooks for one invocation. It mediates the
// ask/emit protocol between module code and the transport, and drives the
// run's checkpoint log.
type runHooks struct {
	engine *Engine
	module registry.Module
	run    *runstore.Run

	// replay holds the checkpoints already completed by a prior execution
	// of this run. While step <= len(replay), asks answer from the log and
	// emits are suppressed.
	replay []runstore.Checkpoint
	step   int

	persisted bool // run row exists in the store

	suspended   chan struct{}
	suspendOnce sync.Once
}

// Ask suspends the run until the client answers, the wait times out, or the
// engine shuts down. During replay it returns the recorded answer without
// suspending.
func (h *runHooks) Ask(ctx context.Context, kind, message string, options map[string]any) (any, error) {
	h.step++
	if h.step <= len(h.replay) {
		cp := h.replay[h.step-1]
		if cp.Step != h.step {
			return nil, fmt.Errorf("resume of run %s diverged at step %d (recorded step %d)", h.run.ID, h.step, cp.Step)
		}
		return cp.Value, nil
	}

	// First live ask makes the run stateful: persist the run row before
	// anything client-visible happens.
	if !h.persisted {
		if err := h.engine.store.Create(h.run); err != nil {
			return nil, fmt.Errorf("persisting run %s: %w", h.run.ID, err)
		}
		h.persisted = true
	}
	if err := h.engine.store.SetStatus(h.run.ID, runstore.StatusWaitingInput); err != nil {
		return nil, err
	}

	p := h.engine.addPending(h.run, h.module.Name(), kind, message, options)

	// Unblock the RPC caller: the response becomes the stateful-run
	// wrapper while this goroutine keeps waiting.
	h.signalSuspended()

	answer, err := p.wait(ctx)
	if err != nil {
		if errors.Is(err, ErrElicitationTimeout) {
			h.failTimeout()
		}
		return nil, err
	}

	// Checkpoint before the value reaches module code, so a crash between
	// here and the next ask never re-asks an answered question.
	cp := runstore.Checkpoint{RunID: h.run.ID, Step: h.step, Kind: kind, Value: answer}
	if err := h.engine.store.AppendCheckpoint(cp); err != nil {
		return nil, fmt.Errorf("checkpointing run %s: %w", h.run.ID, err)
	}
	if err := h.engine.store.SetStatus(h.run.ID, runstore.StatusRunning); err != nil {
		return nil, err
	}
	return answer, nil
}

// Emit forwards a side-channel notification to the event bus and the
// originating session. It never blocks module code and is suppressed while
// replaying checkpoints that already emitted.
func (h *runHooks) Emit(kind string, payload any) {
	if h.step < len(h.replay) {
		return
	}

	ch := registry.Channel(h.module.Name(), "events")
	h.engine.bus.Publish(ch, kind, payload)

	switch kind {
	case "progress":
		h.engine.notify(h.run.SessionID, "notifications/progress", map[string]any{
			"runId": h.run.ID, "progress": payload,
		})
	default:
		h.engine.notify(h.run.SessionID, "notifications/message", map[string]any{
			"runId": h.run.ID, "kind": kind, "payload": payload,
		})
	}
}

func (h *runHooks) signalSuspended() {
	h.suspendOnce.Do(func() {
		close(h.suspended)
	})
}

// failTimeout marks the run failed on elicitation timeout. The checkpoint
// log is retained; a later resume can still supply the missing input.
func (h *runHooks) failTimeout() {
	if err := h.engine.store.Fail(h.run.ID, ErrElicitationTimeout.Error()); err != nil {
		log.Printf("engine: recording timeout of run %s: %v", h.run.ID, err)
	}
}
