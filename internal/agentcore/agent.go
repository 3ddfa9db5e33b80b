// Package agentcore wires a dit.Toolkit and an internal/config.Config
// into a ready-to-use rpc.Dispatcher, and exposes the event surface
// (spec.md §6.3) a host drains to receive hook_enter/hook_leave
// notifications out of band from RPC responses.
package agentcore

import (
	"context"
	"encoding/json"
	"fmt"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/tracewire/agentcore/internal/config"
	"github.com/tracewire/agentcore/internal/dit"
	"github.com/tracewire/agentcore/internal/rpc"
)

// Agent is the top-level object a host (the CLI demo harness, or
// internal/jsbridge) creates once per instrumented process.
type Agent struct {
	Dispatcher *rpc.Dispatcher
	Toolkit    dit.Toolkit
	Config     *config.Config
}

// New wires a full Agent from a toolkit, a config, an otel meter, and an
// otel tracer (pass nil for either to use a no-op implementation).
func New(tk dit.Toolkit, cfg *config.Config, meter metric.Meter, tracer trace.Tracer) (*Agent, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	d, err := rpc.New(tk, cfg, meter, tracer)
	if err != nil {
		return nil, fmt.Errorf("wire dispatcher: %w", err)
	}
	return &Agent{Dispatcher: d, Toolkit: tk, Config: cfg}, nil
}

// HandleJSON decodes a single JSON-encoded Request, dispatches it, and
// returns the JSON-encoded Response — the shape a transport (goja global
// function call, unix socket frame, etc.) hands bytes through.
func (a *Agent) HandleJSON(ctx context.Context, reqJSON []byte) ([]byte, error) {
	var req rpc.Request
	if err := json.Unmarshal(reqJSON, &req); err != nil {
		resp := rpc.Response{Success: false, Error: fmt.Sprintf("malformed request: %v", err)}
		return json.Marshal(resp)
	}
	resp := a.Dispatcher.Dispatch(ctx, req)
	return json.Marshal(resp)
}

// Handle dispatches an already-decoded Request, for in-process callers
// (tests, the CLI demo harness) that don't need the JSON round trip.
func (a *Agent) Handle(ctx context.Context, req rpc.Request) rpc.Response {
	return a.Dispatcher.Dispatch(ctx, req)
}
