// Package source provides the manifest-backed ModuleSource: the seam where
// the (out of scope) compiler/cache subsystem plugs into the daemon.
//
// A manifest is a JSON file describing one module: its method catalog, its
// default instance state, its static resources, and a scripted behavior per
// method. The scripted behaviors are enough to exercise every part of the
// daemon (emit streams, suspending asks, state mutation) and to back the
// stock demo module; real modules arrive through the same interface from a
// different loader.
package source

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/beam-tools/beam/internal/registry"
)

// Manifest is the on-disk description of one module.
type Manifest struct {
	Name       string                     `json:"name"`
	Configured *bool                      `json:"configured,omitempty"` // nil means configured
	State      map[string]any             `json:"state,omitempty"`      // default instance state
	Methods    []MethodManifest           `json:"methods"`
	Resources  []ResourceManifest         `json:"resources,omitempty"`
}

// MethodManifest describes one method and its scripted behavior.
type MethodManifest struct {
	registry.MethodDescriptor
	// Behavior selects the script: "echo" (return the params), "static"
	// (return Result), "script" (run Steps in order).
	Behavior string `json:"behavior,omitempty"`
	Result   any    `json:"result,omitempty"`
	Steps    []Step `json:"steps,omitempty"`
}

// Step is one operation of a scripted method.
type Step struct {
	// Emit publishes a side-channel notification.
	Emit *EmitStep `json:"emit,omitempty"`
	// Ask suspends the run for client input.
	Ask *AskStep `json:"ask,omitempty"`
	// Set writes a value into instance state.
	Set *SetStep `json:"set,omitempty"`
}

type EmitStep struct {
	Kind    string `json:"kind"`
	Payload any    `json:"payload"`
}

type AskStep struct {
	Kind    string         `json:"kind"`
	Message string         `json:"message"`
	Options map[string]any `json:"options,omitempty"`
	// SaveAs stores the answer in instance state under this key and makes
	// it available to the method result.
	SaveAs string `json:"saveAs,omitempty"`
}

type SetStep struct {
	Key string `json:"key"`
	// Value is stored as-is; the string "$increment" adds 1 to the
	// current numeric value instead.
	Value any `json:"value"`
}

// ManifestSource loads modules from manifest files.
type ManifestSource struct{}

// New creates a ManifestSource.
func New() *ManifestSource {
	return &ManifestSource{}
}

// Load parses the manifest at path into a Module.
func (s *ManifestSource) Load(path string) (registry.Module, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading module manifest: %w", err)
	}

	var man Manifest
	if err := json.Unmarshal(data, &man); err != nil {
		return nil, fmt.Errorf("parsing module manifest %s: %w", filepath.Base(path), err)
	}
	if strings.TrimSpace(man.Name) == "" {
		return nil, fmt.Errorf("module manifest %s: missing name", filepath.Base(path))
	}
	if len(man.Methods) == 0 {
		return nil, fmt.Errorf("module manifest %s: no methods", filepath.Base(path))
	}
	for _, m := range man.Methods {
		if m.Name == "" {
			return nil, fmt.Errorf("module manifest %s: method without a name", filepath.Base(path))
		}
	}

	return &manifestModule{
		id:   registry.ModuleID(path),
		path: path,
		man:  man,
	}, nil
}

type manifestModule struct {
	id   string
	path string
	man  Manifest
}

func (m *manifestModule) ID() string   { return m.id }
func (m *manifestModule) Name() string { return m.man.Name }
func (m *manifestModule) Path() string { return m.path }

func (m *manifestModule) Configured() bool {
	return m.man.Configured == nil || *m.man.Configured
}

func (m *manifestModule) Methods() []registry.MethodDescriptor {
	out := make([]registry.MethodDescriptor, len(m.man.Methods))
	for i, mm := range m.man.Methods {
		out[i] = mm.MethodDescriptor
	}
	return out
}

func (m *manifestModule) NewState() registry.State {
	state := make(registry.State, len(m.man.State))
	for k, v := range m.man.State {
		state[k] = v
	}
	return state
}

// MigrateState copies forward the prior state's value for every field the
// new module version declares; fields the new version dropped are left
// behind, fields it added take their defaults.
func (m *manifestModule) MigrateState(prior registry.State) registry.State {
	next := m.NewState()
	for k := range next {
		if v, ok := prior[k]; ok {
			next[k] = v
		}
	}
	return next
}

func (m *manifestModule) Resources() []mcp.Resource {
	out := make([]mcp.Resource, len(m.man.Resources))
	for i, r := range m.man.Resources {
		out[i] = mcp.NewResource(r.URI, r.Name,
			mcp.WithResourceDescription(r.Description),
			mcp.WithMIMEType(r.MIMEType),
		)
	}
	return out
}

func (m *manifestModule) ReadResource(uri string) (mcp.ResourceContents, error) {
	for _, r := range m.man.Resources {
		if r.URI == uri {
			return mcp.TextResourceContents{
				URI:      uri,
				MIMEType: r.MIMEType,
				Text:     r.Text,
			}, nil
		}
	}
	return nil, fmt.Errorf("resource %q not found in module %q", uri, m.man.Name)
}

// ResourceManifest describes one static asset.
type ResourceManifest struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	MIMEType    string `json:"mimeType,omitempty"`
	Text        string `json:"text"`
}

// Invoke runs a method's scripted behavior against the instance state.
func (m *manifestModule) Invoke(ctx context.Context, method string, params map[string]any, state registry.State, hooks registry.Hooks) (any, error) {
	var spec *MethodManifest
	for i := range m.man.Methods {
		if m.man.Methods[i].Name == method {
			spec = &m.man.Methods[i]
			break
		}
	}
	if spec == nil {
		return nil, fmt.Errorf("method %q not found in module %q", method, m.man.Name)
	}

	switch spec.Behavior {
	case "", "echo":
		return params, nil
	case "static":
		return spec.Result, nil
	case "script":
		return m.runScript(ctx, spec, params, state, hooks)
	default:
		return nil, fmt.Errorf("method %q: unknown behavior %q", method, spec.Behavior)
	}
}

func (m *manifestModule) runScript(ctx context.Context, spec *MethodManifest, params map[string]any, state registry.State, hooks registry.Hooks) (any, error) {
	answers := make(map[string]any)
	for i, step := range spec.Steps {
		switch {
		case step.Emit != nil:
			hooks.Emit(step.Emit.Kind, step.Emit.Payload)
		case step.Ask != nil:
			answer, err := hooks.Ask(ctx, step.Ask.Kind, step.Ask.Message, step.Ask.Options)
			if err != nil {
				return nil, err
			}
			if step.Ask.SaveAs != "" {
				state[step.Ask.SaveAs] = answer
				answers[step.Ask.SaveAs] = answer
			}
		case step.Set != nil:
			applySet(state, step.Set)
		default:
			return nil, fmt.Errorf("method %q: step %d is empty", spec.Name, i)
		}
	}

	result := map[string]any{"params": params}
	if spec.Result != nil {
		result["result"] = spec.Result
	}
	if len(answers) > 0 {
		result["answers"] = answers
	}
	return result, nil
}

func applySet(state registry.State, set *SetStep) {
	if s, ok := set.Value.(string); ok && s == "$increment" {
		switch cur := state[set.Key].(type) {
		case float64:
			state[set.Key] = cur + 1
		case int:
			state[set.Key] = cur + 1
		default:
			state[set.Key] = 1
		}
		return
	}
	state[set.Key] = set.Value
}
