// Package registry holds the set of loaded tool modules and their method
// catalogs. It is the leaf dependency of the daemon: instances, execution,
// reload, and the transport all resolve modules through it.
//
// The registry knows nothing about how a module's source text becomes an
// invocable unit — that is the ModuleSource boundary. Whatever loader is
// plugged in (the manifest loader in internal/source, or the real compiler)
// only has to satisfy the interfaces below.
package registry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"

	"github.com/mark3labs/mcp-go/mcp"
)

// Hooks is the control surface handed to module code during an invocation.
// Ask suspends the run until the client answers (or the wait times out);
// Emit is a non-blocking side-channel notification.
type Hooks interface {
	// Ask requests input from the client. kind is one of "text", "confirm",
	// "select"; options carries kind-specific extras (choices, defaults).
	// The returned value is the client's answer.
	Ask(ctx context.Context, kind, message string, options map[string]any) (any, error)

	// Emit publishes a progress/status/log/partial-output notification.
	// It never blocks and never fails the run.
	Emit(kind string, payload any)
}

// State is the mutable per-instance state a module operates on.
// It is owned by the instance manager; module code mutates it in place.
type State map[string]any

// Module is one loaded tool module.
type Module interface {
	// ID is the stable identity derived from the backing path. It survives
	// reloads of the same path.
	ID() string

	// Name is the human-facing module name used in tool names and channels.
	Name() string

	// Path is the backing source file the hot-reload coordinator watches.
	Path() string

	// Configured reports whether the module has the setup it needs.
	// Unconfigured modules still list their methods; calling one returns a
	// configuration error.
	Configured() bool

	// Methods returns the method catalog.
	Methods() []MethodDescriptor

	// Invoke runs one method against the given state. Suspending methods
	// drive hooks.Ask; any method may drive hooks.Emit.
	Invoke(ctx context.Context, method string, params map[string]any, state State, hooks Hooks) (any, error)

	// NewState builds an empty state object for a fresh instance.
	NewState() State

	// MigrateState copies forward the migratable fields of a prior
	// instance's state into a state object for this module version.
	// Called during hot reload, once per existing instance.
	MigrateState(prior State) State

	// Resources lists the static assets the module exposes.
	Resources() []mcp.Resource

	// ReadResource returns the contents of one asset by URI.
	ReadResource(uri string) (mcp.ResourceContents, error)
}

// ModuleSource turns a backing path into a loaded Module. Implementations
// live outside this package (compilation, caching, schema extraction are
// external collaborators).
type ModuleSource interface {
	Load(path string) (Module, error)
}

// ParamSpec describes one method parameter for schema generation.
type ParamSpec struct {
	Name        string   `json:"name"`
	Type        string   `json:"type"` // "string", "number", "boolean", "object"
	Description string   `json:"description,omitempty"`
	Required    bool     `json:"required,omitempty"`
	Enum        []string `json:"enum,omitempty"`
}

// MethodDescriptor describes one invocable method of a module.
type MethodDescriptor struct {
	Name        string      `json:"name"`
	Description string      `json:"description,omitempty"`
	Params      []ParamSpec `json:"params,omitempty"`

	// Suspending marks methods that may park on an ask and resume later,
	// possibly after a daemon restart.
	Suspending bool `json:"suspending,omitempty"`

	// LinkedUI is an optional resource URI of the UI surface bound to this
	// method (rendered by the host, not by the daemon).
	LinkedUI string `json:"linkedUI,omitempty"`
}

// MCPTool renders the descriptor as a wire-level tool definition.
// moduleName qualifies the tool name as "module.method".
func (d MethodDescriptor) MCPTool(moduleName string) mcp.Tool {
	opts := []mcp.ToolOption{mcp.WithDescription(d.Description)}
	for _, p := range d.Params {
		opts = append(opts, p.toolOption())
	}
	return mcp.NewTool(moduleName+"."+d.Name, opts...)
}

func (p ParamSpec) toolOption() mcp.ToolOption {
	var props []mcp.PropertyOption
	if p.Description != "" {
		props = append(props, mcp.Description(p.Description))
	}
	if p.Required {
		props = append(props, mcp.Required())
	}
	switch p.Type {
	case "number":
		return mcp.WithNumber(p.Name, props...)
	case "boolean":
		return mcp.WithBoolean(p.Name, props...)
	case "object":
		return mcp.WithObject(p.Name, props...)
	default:
		if len(p.Enum) > 0 {
			props = append(props, mcp.Enum(p.Enum...))
		}
		return mcp.WithString(p.Name, props...)
	}
}

// ModuleID derives the stable module identity from its backing path.
func ModuleID(path string) string {
	sum := sha256.Sum256([]byte(path))
	return hex.EncodeToString(sum[:8])
}

// Channel returns the event channel name for a module topic,
// e.g. Channel("demo", "state") == "demo/state".
func Channel(moduleName, topic string) string {
	return moduleName + "/" + topic
}
