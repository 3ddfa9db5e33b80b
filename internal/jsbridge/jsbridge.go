// Package jsbridge exposes an agentcore.Agent's RPC surface to an
// embedded goja JavaScript runtime, modeling spec.md §1's framing that
// the agent "executes inside an embedded JavaScript runtime linked with
// a dynamic-instrumentation toolkit". It installs two globals: recv(), a
// single entry point that dispatches any RPC operation by name, and
// setSendHandler(), which registers the script callback that Deliver
// invokes, so hook_enter/hook_leave events reach the script the same way
// they'd reach a host over the wire.
package jsbridge

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/dop251/goja"

	"github.com/tracewire/agentcore/internal/agentcore"
	"github.com/tracewire/agentcore/internal/rpc"
)

// Bridge owns one goja runtime bound to one Agent.
type Bridge struct {
	vm    *goja.Runtime
	agent *agentcore.Agent

	mu       sync.Mutex
	onSend   goja.Callable
}

// New creates a runtime, installs the "recv" and "setSendHandler"
// globals, and returns the Bridge ready for script evaluation.
func New(agent *agentcore.Agent) (*Bridge, error) {
	b := &Bridge{vm: goja.New(), agent: agent}

	if err := b.vm.Set("recv", b.recv); err != nil {
		return nil, fmt.Errorf("install recv global: %w", err)
	}
	if err := b.vm.Set("setSendHandler", b.setSendHandler); err != nil {
		return nil, fmt.Errorf("install setSendHandler global: %w", err)
	}
	return b, nil
}

// recv is the single JS-callable entry point: recv(operation, args) ->
// parsed response object. It does not throw: RPC-level failures return a
// normal {success:false, error} object, matching spec.md §7's "errors
// never cross the boundary as exceptions" policy, and args that cannot
// be JSON-encoded are dropped, so the operation runs with no arguments.
func (b *Bridge) recv(operation string, args goja.Value) goja.Value {
	var raw json.RawMessage
	if args != nil && !goja.IsUndefined(args) && !goja.IsNull(args) {
		encoded, err := json.Marshal(args.Export())
		if err == nil {
			raw = encoded
		}
	}
	resp := b.agent.Handle(context.Background(), rpc.Request{Operation: operation, Args: raw})
	var out map[string]any
	b.unmarshalResponse(resp, &out)
	return b.vm.ToValue(out)
}

func (b *Bridge) unmarshalResponse(resp rpc.Response, out *map[string]any) {
	m := map[string]any{"success": resp.Success}
	if resp.Error != "" {
		m["error"] = resp.Error
	}
	if len(resp.Data) > 0 {
		var data any
		if err := json.Unmarshal(resp.Data, &data); err == nil {
			m["data"] = data
		}
	}
	*out = m
}

func (b *Bridge) setSendHandler(fn goja.Callable) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onSend = fn
}

// Deliver pushes one asynchronous event (e.g. a hook_enter/hook_leave
// payload produced by internal/hooks via dit.Transport.Send) into the
// script's registered send handler, if one is set.
func (b *Bridge) Deliver(event any) error {
	b.mu.Lock()
	fn := b.onSend
	b.mu.Unlock()
	if fn == nil {
		return nil
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event for delivery: %w", err)
	}
	var decoded any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		return fmt.Errorf("decode event for delivery: %w", err)
	}
	_, err = fn(goja.Undefined(), b.vm.ToValue(decoded))
	return err
}

// RunScript evaluates a JS source string against the bridge's runtime.
func (b *Bridge) RunScript(name, src string) (goja.Value, error) {
	prog, err := goja.Compile(name, src, false)
	if err != nil {
		return nil, fmt.Errorf("compile %s: %w", name, err)
	}
	return b.vm.RunProgram(prog)
}

// Transport adapts a Bridge to dit.Transport, so the agent core's
// Toolkit.Transport.Send calls route directly into the script.
type Transport struct{ Bridge *Bridge }

func (t Transport) Send(event any) { _ = t.Bridge.Deliver(event) }
