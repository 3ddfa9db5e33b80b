// Package fakeproc is an in-process, byte-arena-backed implementation of
// the dit.Toolkit interfaces. It stands in for a real dynamic
// instrumentation toolkit so the agent core (internal/hooks,
// internal/scanner, internal/disasm, internal/patch, internal/symbols)
// can be exercised end to end without an injected target process.
//
// It is not a disassembler for any real architecture: it defines a small
// fixed-table synthetic encoding (see opcode table below) sufficient to
// exercise every walker and patch invariant spec.md describes.
package fakeproc

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/tracewire/agentcore/internal/dit"
)

// opcode table: byte value -> (mnemonic, size). Anything not listed decodes
// as a single-byte "db" instruction so any byte is decodable.
var opcodes = map[byte]struct {
	mnemonic string
	size     int
}{
	0x90: {"nop", 1},
	0xC3: {"ret", 1},   // x64/ia32 return
	0x55: {"push", 1},  // push rbp
	0x5D: {"pop", 1},   // pop rbp
	0xE8: {"call", 5},  // call rel32
	0x68: {"push", 5},  // push imm32
	0x89: {"mov", 2},
	0x01: {"add", 2},
}

// arm64 ret encoding, little-endian, per spec.md §4.7 S3.
var ARM64RetBytes = []byte{0xC0, 0x03, 0x5F, 0xD6}

// arm "bx lr" encoding, little-endian (condition AL, E12FFF1E).
var ARMBxLrBytes = []byte{0x1E, 0xFF, 0x2F, 0xE1}

func decodeAt(arch string, data []byte, off int) (mnemonic, opStr string, size int, ok bool) {
	if off < 0 || off >= len(data) {
		return "", "", 0, false
	}
	switch arch {
	case "arm", "arm64":
		return decodeFixedWidth(arch, data, off)
	default:
		return decodeX86(data, off)
	}
}

func decodeX86(data []byte, off int) (mnemonic, opStr string, size int, ok bool) {
	op := data[off]
	if e, found := opcodes[op]; found {
		if off+e.size > len(data) {
			return "", "", 0, false
		}
		return e.mnemonic, "", e.size, true
	}
	return "db", "", 1, true
}

// decodeFixedWidth models arm/arm64's fixed 4-byte instruction width: any
// word decodes, but the two return-class encodings spec.md §4.4/§9 name
// (arm's "bx lr", arm64's "ret") are recognized by exact byte match so
// dit.Instruction.IsReturn's per-architecture heuristic has something
// real to match against.
func decodeFixedWidth(arch string, data []byte, off int) (mnemonic, opStr string, size int, ok bool) {
	if off+4 > len(data) {
		return "", "", 0, false
	}
	word := data[off : off+4]
	switch {
	case arch == "arm" && bytesEqual4(word, ARMBxLrBytes):
		return "bx", "lr", 4, true
	case arch == "arm64" && bytesEqual4(word, ARM64RetBytes):
		return "ret", "", 4, true
	default:
		return "word", "", 4, true
	}
}

func bytesEqual4(a, b []byte) bool {
	return a[0] == b[0] && a[1] == b[1] && a[2] == b[2] && a[3] == b[3]
}

type mappedRange struct {
	dit.Range
	data []byte // len == Size
}

// Target is the fake process image: a set of mapped ranges plus a module
// table, symbol table, and a registry of attached interceptors keyed by
// address so Call can synchronously fire hook callbacks.
type Target struct {
	mu        sync.RWMutex
	arch      string
	pid       int
	ranges    []*mappedRange
	modules   []dit.Module
	exports   map[string][]dit.Export
	imports   map[string][]dit.Import
	symbols   map[string][]dit.Symbol
	hooks     map[dit.Address]*attachedHook
	scratch   []byte
	scratchAt dit.Address
	sentEvents []any
	threads   []dit.ThreadInfo
}

type attachedHook struct {
	onEnter dit.EntryFunc
	onLeave dit.ExitFunc
}

// New creates an empty fake target for the given architecture
// (x64, ia32, arm, arm64).
func New(arch string) *Target {
	return &Target{
		arch:      arch,
		pid:       4242,
		exports:   map[string][]dit.Export{},
		imports:   map[string][]dit.Import{},
		symbols:   map[string][]dit.Symbol{},
		hooks:     map[dit.Address]*attachedHook{},
		scratchAt: 0x7f0000000000,
		threads:   []dit.ThreadInfo{{ID: 1, State: "running"}},
	}
}

// MapRange installs size bytes of backing storage at base with the given
// protection, associated with file (may be empty).
func (t *Target) MapRange(base dit.Address, size uint64, prot dit.Protection, file string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.ranges = append(t.ranges, &mappedRange{
		Range: dit.Range{Base: base, Size: size, Protection: prot, File: file},
		data:  make([]byte, size),
	})
	sort.Slice(t.ranges, func(i, j int) bool { return t.ranges[i].Base < t.ranges[j].Base })
}

// AddModule registers a module spanning [base, base+size) over an already
// mapped range.
func (t *Target) AddModule(name string, base dit.Address, size uint64, path string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.modules = append(t.modules, dit.Module{Name: name, Base: base, Size: size, Path: path})
}

// AddExport registers an export for lookups by symbols/module enumeration.
// It writes no bytes; seed the export's code separately with WriteAt.
func (t *Target) AddExport(module string, e dit.Export) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.exports[module] = append(t.exports[module], e)
}

func (t *Target) AddImport(module string, i dit.Import) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.imports[module] = append(t.imports[module], i)
}

func (t *Target) AddSymbol(module string, s dit.Symbol) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.symbols[module] = append(t.symbols[module], s)
}

// WriteAt writes raw bytes directly into backing storage, bypassing
// protection checks — used to seed test fixtures.
func (t *Target) WriteAt(addr dit.Address, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, off, err := t.findLocked(addr, len(data))
	if err != nil {
		return err
	}
	copy(r.data[off:], data)
	return nil
}

func (t *Target) findLocked(addr dit.Address, n int) (*mappedRange, int, error) {
	for _, r := range t.ranges {
		if r.Contains(addr) && uint64(addr-r.Base)+uint64(n) <= r.Size {
			return r, int(addr - r.Base), nil
		}
	}
	return nil, 0, fmt.Errorf("unmapped address %s", addr)
}

// --- dit.Process ---

func (t *Target) Arch() string    { return t.arch }
func (t *Target) PointerSize() int {
	if t.arch == "ia32" || t.arch == "arm" {
		return 4
	}
	return 8
}
func (t *Target) PageSize() int { return 4096 }
func (t *Target) PID() int      { return t.pid }

func (t *Target) ListModules() ([]dit.Module, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]dit.Module, len(t.modules))
	copy(out, t.modules)
	return out, nil
}

func (t *Target) ListRanges(protFilter string) ([]dit.Range, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var want dit.Protection
	if protFilter != "" {
		p, err := dit.ParseProtection(protFilter)
		if err != nil {
			return nil, err
		}
		want = p
	}
	var out []dit.Range
	for _, r := range t.ranges {
		if protFilter != "" {
			if want.Read && !r.Protection.Read {
				continue
			}
			if want.Write && !r.Protection.Write {
				continue
			}
			if want.Execute && !r.Protection.Execute {
				continue
			}
		}
		out = append(out, r.Range)
	}
	return out, nil
}

func (t *Target) FindRangeContaining(addr dit.Address) (dit.Range, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, r := range t.ranges {
		if r.Contains(addr) {
			return r.Range, true
		}
	}
	return dit.Range{}, false
}

func (t *Target) FindModuleContaining(addr dit.Address) (dit.Module, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, m := range t.modules {
		if addr >= m.Base && uint64(addr-m.Base) < m.Size {
			return m, true
		}
	}
	return dit.Module{}, false
}

// --- dit.SymbolService ---

func (t *Target) ListExports(module string) ([]dit.Export, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]dit.Export(nil), t.exports[module]...), nil
}

func (t *Target) ListImports(module string) ([]dit.Import, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]dit.Import(nil), t.imports[module]...), nil
}

func (t *Target) ListSymbols(module string) ([]dit.Symbol, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]dit.Symbol(nil), t.symbols[module]...), nil
}

func (t *Target) FindSymbol(name string) (dit.Symbol, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, syms := range t.symbols {
		for _, s := range syms {
			if s.Name == name {
				return s, true
			}
		}
	}
	return dit.Symbol{}, false
}

func (t *Target) FindSymbolByAddress(addr dit.Address) (dit.Symbol, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, syms := range t.symbols {
		for _, s := range syms {
			if s.Address == addr {
				return s, true
			}
		}
	}
	return dit.Symbol{}, false
}

func (t *Target) ResolveExport(module, export string) (dit.Address, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, e := range t.exports[module] {
		if e.Name == export {
			return e.Address, true
		}
	}
	return 0, false
}

// --- dit.Threads ---

func (t *Target) List() ([]dit.ThreadInfo, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]dit.ThreadInfo(nil), t.threads...), nil
}

func (t *Target) Backtrace(threadID int) ([]dit.BacktraceFrame, error) {
	return nil, fmt.Errorf("backtrace requires a live cpu-context, not a thread id")
}

// --- dit.Decoder ---

func (t *Target) Decode(addr dit.Address) (dit.Instruction, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, off, err := t.findLocked(addr, 1)
	if err != nil {
		return dit.Instruction{}, err
	}
	mnemonic, opStr, size, ok := decodeAt(t.arch, r.data, off)
	if !ok || off+size > len(r.data) {
		return dit.Instruction{}, fmt.Errorf("decode failed at %s", addr)
	}
	raw := append([]byte(nil), r.data[off:off+size]...)
	return dit.Instruction{
		Address:  addr,
		Next:     addr.Add(int64(size)),
		Size:     size,
		Mnemonic: mnemonic,
		OpStr:    opStr,
		Bytes:    raw,
	}, nil
}

// --- dit.Memory ---

func (t *Target) ReadBytes(addr dit.Address, n int) ([]byte, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, off, err := t.findLocked(addr, n)
	if err != nil {
		return nil, err
	}
	if !r.Protection.Read {
		return nil, fmt.Errorf("range at %s is not readable", addr)
	}
	return append([]byte(nil), r.data[off:off+n]...), nil
}

func (t *Target) WriteBytes(addr dit.Address, data []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, off, err := t.findLocked(addr, len(data))
	if err != nil {
		return err
	}
	if !r.Protection.Write {
		return fmt.Errorf("range at %s is not writable", addr)
	}
	copy(r.data[off:], data)
	return nil
}

func (t *Target) Protect(addr dit.Address, size uint64, prot dit.Protection) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, _, err := t.findLocked(addr, int(size))
	if err != nil {
		return err
	}
	if uint64(addr) != uint64(r.Base) || size != r.Size {
		return fmt.Errorf("partial-range protection change not supported by fakeproc")
	}
	r.Protection = prot
	return nil
}

func (t *Target) PatternScan(base dit.Address, size uint64, pattern string) ([]dit.Address, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	needle, mask, err := parseHexPattern(pattern)
	if err != nil {
		return nil, err
	}
	r, off, err := t.findLocked(base, int(size))
	if err != nil {
		return nil, err
	}
	if !r.Protection.Read {
		return nil, fmt.Errorf("range at %s is not readable", base)
	}
	hay := r.data[off : off+int(size)]
	var out []dit.Address
	for i := 0; i+len(needle) <= len(hay); i++ {
		if matchesAt(hay, i, needle, mask) {
			out = append(out, base.Add(int64(i)))
		}
	}
	return out, nil
}

func matchesAt(hay []byte, i int, needle, mask []byte) bool {
	for j := range needle {
		if mask[j] != 0 && hay[i+j] != needle[j] {
			return false
		}
	}
	return true
}

// parseHexPattern parses a hex string with optional "??" wildcard bytes,
// space-separated or contiguous, into a needle and a per-byte match mask.
func parseHexPattern(pattern string) (needle, mask []byte, err error) {
	var cur string
	flush := func() error {
		if cur == "" {
			return nil
		}
		if cur == "??" {
			needle = append(needle, 0)
			mask = append(mask, 0)
		} else {
			var b int
			if _, err := fmt.Sscanf(cur, "%02x", &b); err != nil {
				return fmt.Errorf("invalid pattern byte %q: %w", cur, err)
			}
			needle = append(needle, byte(b))
			mask = append(mask, 1)
		}
		cur = ""
		return nil
	}
	for _, r := range pattern {
		if r == ' ' {
			if err := flush(); err != nil {
				return nil, nil, err
			}
			continue
		}
		cur += string(r)
		if len(cur) == 2 {
			if err := flush(); err != nil {
				return nil, nil, err
			}
		}
	}
	if err := flush(); err != nil {
		return nil, nil, err
	}
	if len(needle) == 0 {
		return nil, nil, fmt.Errorf("empty pattern")
	}
	return needle, mask, nil
}

func (t *Target) AllocScratch(size int) (dit.Address, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	addr := t.scratchAt
	t.scratchAt = t.scratchAt.Add(int64(size) + 64)
	t.MapRangeLocked(addr, uint64(size), dit.Protection{Read: true, Write: true}, "")
	return addr, nil
}

// MapRangeLocked is MapRange for callers that already hold t.mu for
// writing (AllocScratch does): it takes no lock itself, so calling it
// from under the lock does not deadlock the way MapRange would.
func (t *Target) MapRangeLocked(base dit.Address, size uint64, prot dit.Protection, file string) {
	t.ranges = append(t.ranges, &mappedRange{
		Range: dit.Range{Base: base, Size: size, Protection: prot, File: file},
		data:  make([]byte, size),
	})
	sort.Slice(t.ranges, func(i, j int) bool { return t.ranges[i].Base < t.ranges[j].Base })
}

// --- dit.Interceptor / dit.Transport ---

func (t *Target) Attach(addr dit.Address, onEnter dit.EntryFunc, onLeave dit.ExitFunc) (dit.InterceptorHandle, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.hooks[addr] = &attachedHook{onEnter: onEnter, onLeave: onLeave}
	return &handle{t: t, addr: addr}, nil
}

type handle struct {
	t    *Target
	addr dit.Address
}

func (h *handle) Detach() {
	h.t.mu.Lock()
	defer h.t.mu.Unlock()
	delete(h.t.hooks, h.addr)
}

// Call simulates the target calling the function at addr with the given
// argument addresses, firing any attached hook's onEnter/onLeave exactly
// as a real interceptor would, and returns the (possibly hook-rewritten)
// argument slots and return value.
func (t *Target) Call(addr dit.Address, args []dit.Address, retval dit.Address) (outArgs []dit.Address, outRetval dit.Address) {
	t.mu.RLock()
	h, ok := t.hooks[addr]
	t.mu.RUnlock()

	slots := append([]dit.Address(nil), args...)
	ret := retval
	acc := &sliceArgAccessor{slots: slots}
	retAcc := &valueRetvalAccessor{v: ret}

	if ok && h.onEnter != nil {
		h.onEnter(context.Background(), &dit.InvocationContext{
			ThreadID: 1,
			Depth:    0,
			Args:     acc,
			Retval:   retAcc,
		})
	}
	if ok && h.onLeave != nil {
		h.onLeave(context.Background(), &dit.InvocationContext{
			ThreadID: 1,
			Depth:    0,
			Args:     acc,
			Retval:   retAcc,
		})
	}
	return acc.slots, retAcc.v
}

func (t *Target) Send(event any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.sentEvents = append(t.sentEvents, event)
}

// Events returns every event sent so far, for test assertions.
func (t *Target) Events() []any {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return append([]any(nil), t.sentEvents...)
}

type sliceArgAccessor struct{ slots []dit.Address }

func (a *sliceArgAccessor) Get(i int) (dit.Address, error) {
	if i < 0 || i >= len(a.slots) {
		return 0, fmt.Errorf("argument slot %d out of range", i)
	}
	return a.slots[i], nil
}

func (a *sliceArgAccessor) Set(i int, v dit.Address) error {
	if i < 0 || i >= len(a.slots) {
		return fmt.Errorf("argument slot %d out of range", i)
	}
	a.slots[i] = v
	return nil
}

type valueRetvalAccessor struct{ v dit.Address }

func (r *valueRetvalAccessor) Get() (dit.Address, error) { return r.v, nil }
func (r *valueRetvalAccessor) Set(v dit.Address) error   { r.v = v; return nil }

// Toolkit bundles this Target behind the dit.Toolkit struct.
func (t *Target) Toolkit() dit.Toolkit {
	return dit.Toolkit{
		Process:     t,
		Memory:      t,
		Decoder:     t,
		Interceptor: t,
		Symbols:     t,
		Threads:     t,
		Transport:   t,
	}
}
