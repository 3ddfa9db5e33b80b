package rpc

import (
	"context"

	"github.com/tracewire/agentcore/internal/dit"
	"github.com/tracewire/agentcore/internal/hooks"
)

type hookAttachArgs struct {
	Address      AddrArg    `json:"address"`
	OnEnter      *bool      `json:"on_enter,omitempty"`
	OnLeave      bool       `json:"on_leave"`
	LogArgs      bool       `json:"log_args"`
	LogRetval    bool       `json:"log_retval"`
	ArgCount     int        `json:"arg_count,omitempty"`
	ModifyArgs   []*AddrArg `json:"modify_args,omitempty"`
	ModifyRetval *AddrArg   `json:"modify_retval,omitempty"`
	Backtrace    bool       `json:"backtrace,omitempty"`
}

func handleHookAttach(ctx context.Context, d *Dispatcher, raw []byte) Response {
	var a hookAttachArgs
	if err := decodeArgs(raw, &a); err != nil {
		return fail(err)
	}
	// on_enter defaults to true and arg_count defaults to the configured
	// sample count when the caller omits them, per spec.md's HookConfig table.
	onEnter := true
	if a.OnEnter != nil {
		onEnter = *a.OnEnter
	}
	argCount := a.ArgCount
	if argCount == 0 && d.Config != nil {
		argCount = d.Config.Hooks.DefaultArgSampleCount
	}
	cfg := hooks.Config{
		OnEnter:   onEnter,
		OnLeave:   a.OnLeave,
		LogArgs:   a.LogArgs,
		LogRetval: a.LogRetval,
		ArgCount:  argCount,
		Backtrace: a.Backtrace,
	}
	// modify_args arrives as an array where a null entry leaves that slot
	// alone and a non-null entry overwrites it, per spec.md's HookConfig.
	if len(a.ModifyArgs) > 0 {
		cfg.ModifyArgs = map[int]dit.Address{}
		for i, v := range a.ModifyArgs {
			if v == nil {
				continue
			}
			cfg.ModifyArgs[i] = v.Address()
		}
	}
	if a.ModifyRetval != nil {
		v := a.ModifyRetval.Address()
		cfg.ModifyRetval = &v
	}
	h, err := d.hooksMgr.Attach(a.Address.Address(), cfg)
	if err != nil {
		return fail(err)
	}
	return ok(map[string]any{"id": h.ID, "address": h.Addr.Hex(), "state": h.State().String()})
}

type hookIDArgs struct {
	HookID string `json:"id"`
}

func handleHookEnable(ctx context.Context, d *Dispatcher, raw []byte) Response {
	var a hookIDArgs
	if err := decodeArgs(raw, &a); err != nil {
		return fail(err)
	}
	h, err := d.hooksMgr.Enable(a.HookID)
	if err != nil {
		return fail(err)
	}
	return ok(map[string]any{"new_id": h.ID, "state": h.State().String()})
}

func handleHookDisable(ctx context.Context, d *Dispatcher, raw []byte) Response {
	var a hookIDArgs
	if err := decodeArgs(raw, &a); err != nil {
		return fail(err)
	}
	already, err := d.hooksMgr.Disable(a.HookID)
	if err != nil {
		return fail(err)
	}
	if already {
		return ok(map[string]any{"note": "Already disabled"})
	}
	return ok(nil)
}

func handleHookDetach(ctx context.Context, d *Dispatcher, raw []byte) Response {
	var a hookIDArgs
	if err := decodeArgs(raw, &a); err != nil {
		return fail(err)
	}
	if err := d.hooksMgr.Detach(a.HookID); err != nil {
		return fail(err)
	}
	return ok(nil)
}

func handleHookList(ctx context.Context, d *Dispatcher, raw []byte) Response {
	list := d.hooksMgr.List()
	out := make([]map[string]any, 0, len(list))
	for _, h := range list {
		state := h.State()
		out = append(out, map[string]any{
			"id":      h.ID,
			"target":  h.Addr.Hex(),
			"enabled": state == hooks.StateEnabled,
			"state":   state.String(),
		})
	}
	return ok(out)
}

func handleHookClearAll(ctx context.Context, d *Dispatcher, raw []byte) Response {
	d.hooksMgr.ClearAll()
	return ok(nil)
}

type backtraceArgs struct {
	ContextPtr AddrArg `json:"context_ptr"`
}

func handleHookBacktrace(ctx context.Context, d *Dispatcher, raw []byte) Response {
	var a backtraceArgs
	if err := decodeArgs(raw, &a); err != nil {
		return fail(err)
	}
	if err := d.hooksMgr.Backtrace(a.ContextPtr.Address()); err != nil {
		return fail(err)
	}
	return ok(nil)
}
