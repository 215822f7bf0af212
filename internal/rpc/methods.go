package rpc

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/beam-tools/beam/internal/bus"
	"github.com/beam-tools/beam/internal/engine"
	"github.com/beam-tools/beam/internal/registry"
)

type initializeParams struct {
	SessionID  string `json:"sessionId,omitempty"`
	ClientKind string `json:"clientKind,omitempty"` // "host" or "external"
}

type toolsCallParams struct {
	Name      string         `json:"name"` // "module.method"
	Arguments map[string]any `json:"arguments,omitempty"`
	Instance  string         `json:"instance,omitempty"`
	RunID     string         `json:"runId,omitempty"` // resume a stateful run
}

type resourcesReadParams struct {
	URI string `json:"uri"`
}

type instancesParams struct {
	Module   string `json:"module"`
	Instance string `json:"instance,omitempty"`
}

type elicitationResponseParams struct {
	ElicitationID string `json:"elicitationId"`
	Value         any    `json:"value,omitempty"`
	Cancel        bool   `json:"cancel,omitempty"`
}

type viewingParams struct {
	Module      string `json:"module"`
	Topic       string `json:"topic,omitempty"` // default "events"
	LastEventID int64  `json:"lastEventId,omitempty"`
	Stop        bool   `json:"stop,omitempty"`
}

func (s *Server) handleInitialize(req Request) (Response, *Session) {
	var params initializeParams
	_ = json.Unmarshal(req.Params, &params) // all fields optional

	kind := params.ClientKind
	if kind == "" {
		kind = "external"
	}
	sess := s.sessions.Ensure(params.SessionID, kind)

	result := map[string]any{
		"protocolVersion": "beam/1",
		"sessionId":       sess.ID,
		"serverInfo": map[string]any{
			"name":    "beamd",
			"version": Version,
		},
		"capabilities": map[string]any{
			"tools":       map[string]any{"listChanged": true},
			"resources":   map[string]any{},
			"elicitation": map[string]any{},
		},
	}
	return newResponse(req.ID, result), sess
}

// handleToolsList enumerates every module method as a callable tool. The
// wire shape is the MCP tool definition; suspending and linked-UI hints ride
// alongside keyed by tool name.
func (s *Server) handleToolsList(req Request) Response {
	var tools []mcp.Tool
	meta := make(map[string]any)

	for _, mod := range s.reg.List() {
		for _, d := range mod.Methods() {
			tools = append(tools, d.MCPTool(mod.Name()))
			entry := map[string]any{
				"module":     mod.Name(),
				"configured": mod.Configured(),
				"suspending": d.Suspending,
			}
			if d.LinkedUI != "" {
				entry["linkedUI"] = d.LinkedUI
			}
			meta[mod.Name()+"."+d.Name] = entry
		}
	}

	return newResponse(req.ID, map[string]any{
		"tools": tools,
		"beam":  meta,
	})
}

func (s *Server) handleToolsCall(r *http.Request, sess *Session, req Request) Response {
	var params toolsCallParams
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return newError(req.ID, CodeInvalidParams, "invalid tools/call params: "+err.Error())
	}

	execReq := engine.Request{
		Params:       params.Arguments,
		InstanceName: params.Instance,
		ResumeRunID:  params.RunID,
		SessionID:    sess.ID,
	}
	if params.RunID == "" {
		module, method, ok := strings.Cut(params.Name, ".")
		if !ok {
			return newError(req.ID, CodeInvalidParams, `tool name must be "module.method"`)
		}
		execReq.Module = module
		execReq.Method = method

		// An explicit instance hint re-binds the session: a client that
		// remembers its instance across a daemon restart drifts back to
		// it instead of silently landing on default.
		if params.Instance != "" {
			if mod, ok := s.reg.GetByName(module); ok {
				if _, err := s.instances.Switch(sess.ID, mod.ID(), params.Instance); err != nil {
					return errorResponse(req.ID, err)
				}
			}
		}
	}

	outcome, err := s.engine.Execute(r.Context(), execReq)
	if err != nil {
		if isCallLocal(err) {
			// Configuration problems are reported in-band, MCP style.
			return newResponse(req.ID, mcp.NewToolResultError(err.Error()))
		}
		return errorResponse(req.ID, err)
	}

	if outcome.RunID != "" {
		// Stateful-run wrapper: the run continues (or finished) under its
		// own id; the caller polls or resumes by runId.
		return newResponse(req.ID, outcome)
	}

	data, err := json.Marshal(outcome.Result)
	if err != nil {
		return newError(req.ID, CodeInternalError, "encoding result: "+err.Error())
	}
	return newResponse(req.ID, mcp.NewToolResultText(string(data)))
}

func (s *Server) handleResourcesList(req Request) Response {
	var resources []mcp.Resource
	for _, mod := range s.reg.List() {
		resources = append(resources, mod.Resources()...)
	}
	return newResponse(req.ID, map[string]any{"resources": resources})
}

func (s *Server) handleResourcesRead(req Request) Response {
	var params resourcesReadParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.URI == "" {
		return newError(req.ID, CodeInvalidParams, "resources/read requires a uri")
	}

	for _, mod := range s.reg.List() {
		contents, err := mod.ReadResource(params.URI)
		if err != nil {
			continue
		}
		return newResponse(req.ID, map[string]any{
			"contents": []mcp.ResourceContents{contents},
		})
	}
	return newError(req.ID, CodeNotFound, fmt.Sprintf("resource %q not found", params.URI))
}

func (s *Server) handleInstancesList(req Request) Response {
	var params instancesParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Module == "" {
		return newError(req.ID, CodeInvalidParams, "instances/list requires a module")
	}
	mod, ok := s.reg.GetByName(params.Module)
	if !ok {
		return newError(req.ID, CodeNotFound, fmt.Sprintf("module %q not found", params.Module))
	}
	names := s.instances.List(mod.ID())
	if names == nil {
		names = []string{}
	}
	return newResponse(req.ID, map[string]any{"instances": names})
}

func (s *Server) handleInstancesSwitch(sess *Session, req Request) Response {
	var params instancesParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Module == "" {
		return newError(req.ID, CodeInvalidParams, "instances/switch requires a module")
	}
	mod, ok := s.reg.GetByName(params.Module)
	if !ok {
		return newError(req.ID, CodeNotFound, fmt.Sprintf("module %q not found", params.Module))
	}
	in, err := s.instances.Switch(sess.ID, mod.ID(), params.Instance)
	if err != nil {
		return errorResponse(req.ID, err)
	}
	return newResponse(req.ID, map[string]any{"instance": in.Name})
}

// handleElicitationResponse delivers a client's answer to a pending ask.
// Any session may answer: the run owner may have reconnected under a new id.
func (s *Server) handleElicitationResponse(req Request) Response {
	var params elicitationResponseParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.ElicitationID == "" {
		return newError(req.ID, CodeInvalidParams, "elicitation-response requires an elicitationId")
	}

	var err error
	if params.Cancel {
		err = s.engine.Cancel(params.ElicitationID)
	} else {
		err = s.engine.Resolve(params.ElicitationID, params.Value)
	}
	if err != nil {
		return errorResponse(req.ID, err)
	}
	return newResponse(req.ID, map[string]any{"accepted": true})
}

// handleViewing declares which module+topic the session is observing.
// Missed events within the retained window come back in the response;
// subsequent live events arrive as beam/event push notifications.
func (s *Server) handleViewing(sess *Session, req Request) Response {
	var params viewingParams
	if err := json.Unmarshal(req.Params, &params); err != nil || params.Module == "" {
		return newError(req.ID, CodeInvalidParams, "viewing requires a module")
	}
	topic := params.Topic
	if topic == "" {
		topic = "events"
	}
	channel := registry.Channel(params.Module, topic)

	if params.Stop {
		s.sessions.Unview(sess, channel)
		return newResponse(req.ID, map[string]any{"stopped": true})
	}

	replay := s.sessions.View(sess, channel, params.LastEventID)
	events := replay.Events
	if events == nil {
		events = []bus.Event{}
	}
	return newResponse(req.ID, map[string]any{
		"channel":       channel,
		"events":        events,
		"refreshNeeded": replay.RefreshNeeded,
	})
}

// isCallLocal reports whether an execution error should be surfaced as an
// in-band tool result rather than a JSON-RPC error.
func isCallLocal(err error) bool {
	return errors.Is(err, engine.ErrNotConfigured)
}
