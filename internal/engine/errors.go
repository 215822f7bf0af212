package engine

import "errors"

// Typed failures surfaced to the transport. The rpc layer maps these onto
// JSON-RPC error codes; none of them are fatal to the daemon or to other
// sessions' runs.
var (
	// ErrModuleNotFound is returned for calls naming an unknown module.
	ErrModuleNotFound = errors.New("module not found")

	// ErrMethodNotFound is returned for calls naming an unknown method.
	ErrMethodNotFound = errors.New("method not found")

	// ErrNotConfigured is returned when a module is missing required setup.
	// The module still lists its methods; only calls fail.
	ErrNotConfigured = errors.New("module not configured")

	// ErrRunNotFound is returned for resume with an unknown run id.
	ErrRunNotFound = errors.New("run not found")

	// ErrRunComplete is returned for resume of a completed run.
	ErrRunComplete = errors.New("run already complete")

	// ErrRunInFlight is returned for resume of a run that already has a
	// live goroutine attached.
	ErrRunInFlight = errors.New("run already in flight")

	// ErrElicitationNotFound is returned for responses naming an unknown
	// or already-resolved elicitation id.
	ErrElicitationNotFound = errors.New("elicitation not found")

	// ErrElicitationTimeout fails a run whose ask received no response
	// within the configured window. The run keeps its checkpoints and can
	// be resumed later with the missing input.
	ErrElicitationTimeout = errors.New("elicitation timed out")

	// ErrElicitationCancelled fails an ask that was explicitly cancelled
	// by the client.
	ErrElicitationCancelled = errors.New("elicitation cancelled")
)
