// Package hooks implements spec.md §4.5: the hook (interceptor) manager.
// Each attach produces a Hook that moves through a small state machine —
// New, Enabled, Disabled, Detached — with Detached terminal. Re-enabling
// a disabled hook is realized, per spec.md §9, as attaching a fresh
// successor hook with a new ID rather than mutating the old one in
// place, since the underlying dit.InterceptorHandle has no notion of a
// paused-but-reattachable state.
package hooks

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/tracewire/agentcore/internal/dit"
)

// ErrNotFound is returned for any operation naming a hook ID the table
// does not hold.
var ErrNotFound = errors.New("Hook not found")

// State is a Hook's lifecycle state.
type State int

const (
	StateNew State = iota
	StateEnabled
	StateDisabled
	StateDetached
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateEnabled:
		return "enabled"
	case StateDisabled:
		return "disabled"
	case StateDetached:
		return "detached"
	default:
		return "unknown"
	}
}

// Config describes the callback contract a caller requests for one hook.
type Config struct {
	OnEnter      bool
	OnLeave      bool
	LogArgs      bool
	LogRetval    bool
	ArgCount     int
	ModifyArgs   map[int]dit.Address
	ModifyRetval *dit.Address
	Backtrace    bool
}

// Hook is one attached interceptor. IDs are "hook_<N>" with a counter
// that never recycles within one injection.
type Hook struct {
	ID     string
	Addr   dit.Address
	Config Config
	mu     sync.Mutex
	state  State
	handle dit.InterceptorHandle
	// scratchArgs holds the entry callback's stringified argument capture
	// so the exit callback can re-emit it, per spec.md §4.5.2 item 3.
	scratchArgs []string
}

func (h *Hook) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// Manager tracks all hooks attached against one dit.Toolkit.
type Manager struct {
	Interceptor dit.Interceptor
	Transport   dit.Transport
	Threads     dit.Threads
	Proc        dit.Process
	PointerSize int

	mu     sync.Mutex
	nextID int
	hooks  map[string]*Hook
	order  []string
}

func New(interceptor dit.Interceptor, transport dit.Transport, threads dit.Threads, proc dit.Process, pointerSize int) *Manager {
	return &Manager{Interceptor: interceptor, Transport: transport, Threads: threads, Proc: proc, PointerSize: pointerSize, hooks: map[string]*Hook{}}
}

// Attach installs a new hook at addr with the given config, moving it to
// StateEnabled on success. The address must fall inside a mapped,
// executable range.
func (m *Manager) Attach(addr dit.Address, cfg Config) (*Hook, error) {
	if m.Proc != nil {
		r, ok := m.Proc.FindRangeContaining(addr)
		if !ok || !r.Protection.Execute {
			return nil, errors.New("Invalid or non-executable address")
		}
	}

	m.mu.Lock()
	id := fmt.Sprintf("hook_%d", m.nextID)
	m.nextID++
	m.mu.Unlock()

	h := &Hook{ID: id, Addr: addr, Config: cfg, state: StateNew}

	handle, err := m.Interceptor.Attach(addr, m.onEnter(h), m.onLeave(h))
	if err != nil {
		return nil, fmt.Errorf("attach hook at %s: %w", addr, err)
	}
	h.handle = handle
	h.state = StateEnabled

	m.mu.Lock()
	m.hooks[id] = h
	m.order = append(m.order, id)
	m.mu.Unlock()
	return h, nil
}

// sampleArgs stringifies exactly argCount argument slots, substituting the
// literal "(error)" for a slot that fails to read, per spec.md §4.5.2
// item 1: the array length is fixed regardless of per-slot failures.
func sampleArgs(acc dit.ArgAccessor, argCount int) []string {
	out := make([]string, argCount)
	for i := 0; i < argCount; i++ {
		v, err := acc.Get(i)
		if err != nil {
			out[i] = "(error)"
			continue
		}
		out[i] = v.Hex()
	}
	return out
}

func (m *Manager) onEnter(h *Hook) dit.EntryFunc {
	return func(ctx context.Context, inv *dit.InvocationContext) {
		h.mu.Lock()
		defer h.mu.Unlock()
		if h.state != StateEnabled {
			return
		}

		// Capturing the argument scratch for the exit callback happens
		// whenever logArgs is set, regardless of onEnter (§4.5.2 item 3).
		var args []string
		if h.Config.LogArgs {
			args = sampleArgs(inv.Args, h.Config.ArgCount)
			h.scratchArgs = args
		}

		for i, v := range h.Config.ModifyArgs {
			_ = inv.Args.Set(i, v)
		}

		if !h.Config.OnEnter {
			return
		}
		event := map[string]any{
			"type":      "hook_enter",
			"id":        h.ID,
			"address":   h.Addr.Hex(),
			"thread_id": inv.ThreadID,
			"depth":     inv.Depth,
		}
		if h.Config.LogArgs {
			event["args"] = args
		}
		if h.Config.Backtrace && m.Threads != nil {
			if frames, err := m.Threads.Backtrace(inv.ThreadID); err == nil {
				event["backtrace"] = frames
			}
		}
		if m.Transport != nil {
			m.Transport.Send(event)
		}
	}
}

func (m *Manager) onLeave(h *Hook) dit.ExitFunc {
	return func(ctx context.Context, inv *dit.InvocationContext) {
		h.mu.Lock()
		defer h.mu.Unlock()
		if h.state != StateEnabled {
			return
		}
		var retvalStr string
		if h.Config.LogRetval {
			if v, err := inv.Retval.Get(); err == nil {
				retvalStr = v.Hex()
			}
		}
		if h.Config.ModifyRetval != nil {
			_ = inv.Retval.Set(*h.Config.ModifyRetval)
		}
		if !h.Config.OnLeave {
			return
		}
		event := map[string]any{
			"type":      "hook_leave",
			"id":        h.ID,
			"address":   h.Addr.Hex(),
			"thread_id": inv.ThreadID,
		}
		if h.Config.LogRetval {
			event["retval"] = retvalStr
		}
		if h.Config.LogArgs {
			event["args"] = h.scratchArgs
		}
		if m.Transport != nil {
			m.Transport.Send(event)
		}
	}
}

// Backtrace rejects the host-supplied cpu-context pointer form of
// backtrace capture: a context pointer captured on one side of the RPC
// boundary cannot be dereferenced meaningfully on the other, so this is
// a clear rejection rather than a silent no-op.
func (m *Manager) Backtrace(contextPtr dit.Address) error {
	return fmt.Errorf("cpu-context snapshots are not transmissible over this RPC boundary")
}

// Enable moves a Disabled hook back to Enabled by attaching a fresh
// successor hook at the same address with the same config, and removing
// the old record. The returned Hook has a new ID; the caller must use it
// for future Disable/Detach calls.
func (m *Manager) Enable(id string) (*Hook, error) {
	m.mu.Lock()
	h, ok := m.hooks[id]
	m.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}
	h.mu.Lock()
	state := h.state
	h.mu.Unlock()
	if state != StateDisabled {
		return nil, fmt.Errorf("hook %s is %s, not disabled", id, state)
	}
	successor, err := m.Attach(h.Addr, h.Config)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	delete(m.hooks, id)
	m.removeFromOrder(id)
	m.mu.Unlock()
	return successor, nil
}

// Disable detaches the underlying interceptor but keeps the Hook record
// addressable, moving it to StateDisabled. A disabled hook stops firing
// callbacks immediately (the onEnter/onLeave closures check state), even
// before the underlying interceptor handle is released. Disabling an
// already-disabled hook is idempotent, per spec.md §4.5.3.
func (m *Manager) Disable(id string) (alreadyDisabled bool, err error) {
	m.mu.Lock()
	h, ok := m.hooks[id]
	m.mu.Unlock()
	if !ok {
		return false, ErrNotFound
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == StateDisabled {
		return true, nil
	}
	if h.state != StateEnabled {
		return false, fmt.Errorf("hook %s is %s, not enabled", id, h.state)
	}
	h.handle.Detach()
	h.handle = nil
	h.state = StateDisabled
	return false, nil
}

// Detach permanently removes a hook. Detached is terminal: the hook ID
// cannot be reused by Enable.
func (m *Manager) Detach(id string) error {
	m.mu.Lock()
	h, ok := m.hooks[id]
	if ok {
		delete(m.hooks, id)
		m.removeFromOrder(id)
	}
	m.mu.Unlock()
	if !ok {
		return ErrNotFound
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state == StateEnabled {
		h.handle.Detach()
		h.handle = nil
	}
	h.state = StateDetached
	return nil
}

// ClearAll detaches every outstanding hook (errors ignored) and resets
// the table and ID counter, per spec.md §4.5.3.
func (m *Manager) ClearAll() {
	m.mu.Lock()
	ids := append([]string(nil), m.order...)
	m.mu.Unlock()
	for _, id := range ids {
		_ = m.Detach(id)
	}
	m.mu.Lock()
	m.nextID = 0
	m.hooks = map[string]*Hook{}
	m.order = nil
	m.mu.Unlock()
}

// List returns every hook not yet detached, in attach order.
func (m *Manager) List() []*Hook {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Hook, 0, len(m.hooks))
	for _, id := range m.order {
		if h, ok := m.hooks[id]; ok {
			out = append(out, h)
		}
	}
	return out
}

// Get looks up a hook by ID.
func (m *Manager) Get(id string) (*Hook, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	h, ok := m.hooks[id]
	return h, ok
}

// removeFromOrder must be called with m.mu held.
func (m *Manager) removeFromOrder(id string) {
	for i, v := range m.order {
		if v == id {
			m.order = append(m.order[:i], m.order[i+1:]...)
			return
		}
	}
}
