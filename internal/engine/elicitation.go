package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/beam-tools/beam/internal/engine/runstore"
	"github.com/beam-tools/beam/internal/registry"
)

// pendingElicitation is an in-flight request for client-supplied input.
// It lives in memory only; a run suspended across a restart is recovered
// through resume, not through the pending table.
type pendingElicitation struct {
	id        string
	runID     string
	sessionID string
	createdAt time.Time

	resp  chan elicitationResponse
	timer *time.Timer
}

type elicitationResponse struct {
	value any
	err   error
}

func (p *pendingElicitation) reject(err error) {
	if p.timer != nil {
		p.timer.Stop()
	}
	select {
	case p.resp <- elicitationResponse{err: err}:
	default:
	}
}

// wait blocks until the elicitation resolves, is rejected, or the engine
// shuts down. A client disconnect does not reject it: the run may be resumed
// by a different or reconnecting session.
func (p *pendingElicitation) wait(ctx context.Context) (any, error) {
	select {
	case r := <-p.resp:
		if r.err != nil {
			return nil, r.err
		}
		return r.value, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// addPending registers a new elicitation, arms its timeout, and pushes the
// request to the originating session and the module's channel.
func (e *Engine) addPending(run *runstore.Run, moduleName, kind, message string, options map[string]any) *pendingElicitation {
	p := &pendingElicitation{
		id:        uuid.NewString(),
		runID:     run.ID,
		sessionID: run.SessionID,
		createdAt: time.Now(),
		resp:      make(chan elicitationResponse, 1),
	}

	e.mu.Lock()
	e.pending[p.id] = p
	e.mu.Unlock()

	p.timer = time.AfterFunc(e.opts.ElicitationTimeout, func() {
		e.timeoutPending(p, moduleName)
	})

	payload := map[string]any{
		"elicitationId": p.id,
		"runId":         run.ID,
		"kind":          kind,
		"message":       message,
		"options":       options,
	}
	e.bus.Publish(registry.Channel(moduleName, "events"), "elicitation", payload)
	e.notify(run.SessionID, "beam/elicitation-request", payload)
	return p
}

// Resolve delivers a client's answer to a pending ask by elicitation id.
func (e *Engine) Resolve(elicitationID string, value any) error {
	p, err := e.takePending(elicitationID)
	if err != nil {
		return err
	}
	p.timer.Stop()
	p.resp <- elicitationResponse{value: value}
	return nil
}

// Cancel rejects a pending ask, failing the owning run.
func (e *Engine) Cancel(elicitationID string) error {
	p, err := e.takePending(elicitationID)
	if err != nil {
		return err
	}
	p.reject(ErrElicitationCancelled)
	return nil
}

// PendingForRun reports whether a run currently waits on an elicitation.
func (e *Engine) PendingForRun(runID string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for id, p := range e.pending {
		if p.runID == runID {
			return id, true
		}
	}
	return "", false
}

func (e *Engine) takePending(id string) (*pendingElicitation, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	p, ok := e.pending[id]
	if !ok {
		return nil, fmt.Errorf("elicitation %q: %w", id, ErrElicitationNotFound)
	}
	delete(e.pending, id)
	return p, nil
}

// timeoutPending fires when an elicitation receives no response in time: the
// id stops being resolvable and the owning run fails with a timeout error.
// The run's checkpoints are retained, so a later resume can still supply the
// missing input before a cleanup sweep discards it.
func (e *Engine) timeoutPending(p *pendingElicitation, moduleName string) {
	e.mu.Lock()
	if _, ok := e.pending[p.id]; !ok {
		e.mu.Unlock()
		return // resolved concurrently
	}
	delete(e.pending, p.id)
	e.mu.Unlock()

	p.reject(ErrElicitationTimeout)
	e.bus.Publish(registry.Channel(moduleName, "events"), "elicitation_timeout", map[string]any{
		"elicitationId": p.id,
		"runId":         p.runID,
	})
}
