package rpc

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/tracewire/agentcore/internal/config"
	"github.com/tracewire/agentcore/internal/dit"
	"github.com/tracewire/agentcore/internal/disasm"
	"github.com/tracewire/agentcore/internal/hooks"
	"github.com/tracewire/agentcore/internal/memio"
	"github.com/tracewire/agentcore/internal/patch"
	"github.com/tracewire/agentcore/internal/scanner"
	"github.com/tracewire/agentcore/internal/symbols"
)

// Dispatcher is the agent core's single entry point for RPC requests. It
// owns no transport; a host (the CLI demo harness, or internal/jsbridge)
// is responsible for getting bytes to and from Dispatch.
type Dispatcher struct {
	Toolkit dit.Toolkit
	Config  *config.Config

	reader   *memio.Reader
	writer   *memio.Writer
	prot     *memio.Protection
	symbols  *symbols.Service
	walker   *disasm.Walker
	hooksMgr *hooks.Manager
	scanMgr  *scanner.Manager
	patchEng *patch.Engine

	metrics *dispatchMetrics
	tracer  trace.Tracer
}

// New wires a Dispatcher against one toolkit. cfg supplies the agent-wide
// tunables (scan cap, default sample count, float epsilon, nop
// encodings) from internal/config. tracer is optional (pass nil to use a
// no-op tracer) and wraps every Dispatch call in a span alongside the
// metrics recorded above, the same way beads' own go.mod vendors both the
// otel metric and trace SDKs side by side.
func New(tk dit.Toolkit, cfg *config.Config, meter metric.Meter, tracer trace.Tracer) (*Dispatcher, error) {
	m, err := newDispatchMetrics(meter)
	if err != nil {
		return nil, fmt.Errorf("init dispatcher metrics: %w", err)
	}
	if tracer == nil {
		tracer = trace.NewNoopTracerProvider().Tracer("agentcore")
	}
	scanMgr := scanner.New(tk.Memory, tk.Process)
	patchEng := patch.New(tk.Memory, tk.Process)
	patchEng.Decoder = tk.Decoder
	if cfg != nil {
		scanMgr.MaxPageResults = cfg.Scanner.MaxResults
		scanMgr.Epsilon = cfg.Scanner.FloatEpsilon
		patchEng.NopEncodings = cfg.Nop.Encodings
	}
	return &Dispatcher{
		Toolkit:  tk,
		Config:   cfg,
		reader:   memio.New(tk.Memory),
		writer:   memio.NewWriter(tk.Memory),
		prot:     memio.NewProtection(tk.Process, tk.Memory),
		symbols:  symbols.New(tk.Process, tk.Symbols),
		walker:   disasm.New(tk.Decoder, tk.Process.Arch()),
		hooksMgr: hooks.New(tk.Interceptor, tk.Transport, tk.Threads, tk.Process, tk.Process.PointerSize()),
		scanMgr:  scanMgr,
		patchEng: patchEng,
		metrics:  m,
		tracer:   tracer,
	}, nil
}

// Dispatch routes one request through the operation table. A panic
// anywhere in a handler is recovered and converted to a failure envelope
// — no fault inside the agent ever propagates back across the RPC
// boundary as a crash, per spec.md §7.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (resp Response) {
	ctx, span := d.tracer.Start(ctx, req.Operation)
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			resp = failf("panic handling %q: %v", req.Operation, r)
		}
		span.SetAttributes(attribute.Bool("success", resp.Success))
		if !resp.Success {
			span.SetStatus(codes.Error, resp.Error)
		}
		span.End()
		d.metrics.record(ctx, req.Operation, resp.Success, time.Since(start))
	}()

	handler, ok := handlers[req.Operation]
	if !ok {
		return failf("unknown operation: %s", req.Operation)
	}
	return handler(ctx, d, req.Args)
}

type handlerFunc func(ctx context.Context, d *Dispatcher, args []byte) Response

var handlers map[string]handlerFunc

func init() {
	handlers = map[string]handlerFunc{
		OpGetEnv:              handleGetEnv,
		OpGetProcessInfo:      handleGetProcessInfo,
		OpListModules:         handleListModules,
		OpListRanges:          handleListRanges,
		OpListRangesByModule:  handleListRangesByModule,
		OpListExports:         handleListExports,
		OpListImports:         handleListImports,
		OpListSymbols:         handleListSymbols,
		OpListFunctions:       handleListFunctions,
		OpListVariables:       handleListVariables,
		OpFindSymbol:          handleFindSymbol,
		OpFindSymbolByAddress: handleFindSymbolByAddress,
		OpResolveExport:       handleResolveExport,
		OpMetrics:             handleMetrics,

		OpReadBytes:    handleReadBytes,
		OpReadS8:       handleReadS8,
		OpReadU8:       handleReadU8,
		OpReadS16:      handleReadS16,
		OpReadU16:      handleReadU16,
		OpReadS32:      handleReadS32,
		OpReadU32:      handleReadU32,
		OpReadS64:      handleReadS64,
		OpReadU64:      handleReadU64,
		OpReadFloat:    handleReadFloat,
		OpReadDouble:   handleReadDouble,
		OpReadPointer:  handleReadPointer,
		OpReadCString:  handleReadCString,
		OpReadUTF16:    handleReadUTF16,
		OpWriteS8:      handleWriteS8,
		OpWriteU8:      handleWriteU8,
		OpWriteS16:     handleWriteS16,
		OpWriteU16:     handleWriteU16,
		OpWriteS32:     handleWriteS32,
		OpWriteU32:     handleWriteU32,
		OpWriteS64:     handleWriteS64,
		OpWriteU64:     handleWriteU64,
		OpWriteFloat:   handleWriteFloat,
		OpWriteDouble:  handleWriteDouble,
		OpWritePointer: handleWritePointer,
		OpWriteBytes:   handleWriteBytes,
		OpWriteCString: handleWriteCString,
		OpWriteUTF16:   handleWriteUTF16,

		OpCheckReadProtection:  handleCheckReadProtection,
		OpCheckWriteProtection: handleCheckWriteProtection,
		OpGetMemoryProtection:  handleGetMemoryProtection,
		OpSetMemoryProtection:  handleSetMemoryProtection,

		OpInstruction:         handleInstruction,
		OpDisassemble:         handleDisassemble,
		OpDisassembleFunction: handleDisassembleFunction,

		OpHookAttach:   handleHookAttach,
		OpHookEnable:   handleHookEnable,
		OpHookDisable:  handleHookDisable,
		OpHookDetach:   handleHookDetach,
		OpHookList:     handleHookList,
		OpHookClearAll: handleHookClearAll,
		OpBacktrace:    handleHookBacktrace,

		OpScanPattern:         handleScanPattern,
		OpScanValue:           handleScanValue,
		OpScanString:          handleScanString,
		OpScanNext:            handleScanNext,
		OpScanSnapshot:        handleScanSnapshot,
		OpScanChanged:         handleScanChanged,
		OpScanUnchanged:       handleScanUnchanged,
		OpGetScanResults:      handleGetScanResults,
		OpGetScanResultValues: handleGetScanResultValues,
		OpClearScan:           handleClearScan,

		OpPatchBytes:      handlePatchBytes,
		OpRestoreBytes:    handleRestoreBytes,
		OpNopInstructions: handleNopInstructions,

		OpThreadsList:      handleThreadsList,
		OpThreadsBacktrace: handleThreadsBacktrace,
		OpListThreads:      handleThreadsList,
		OpGetThreadContext: handleGetThreadContext,
		OpReadStack:        handleReadStack,

		OpListManagedClasses: handleListManagedClasses,
		OpListManagedMethods: handleListManagedMethods,
	}
}

func handleGetEnv(ctx context.Context, d *Dispatcher, args []byte) Response {
	return ok(map[string]any{
		"arch":         d.Toolkit.Process.Arch(),
		"pointer_size": d.Toolkit.Process.PointerSize(),
		"page_size":    d.Toolkit.Process.PageSize(),
	})
}

func handleGetProcessInfo(ctx context.Context, d *Dispatcher, args []byte) Response {
	return ok(map[string]any{
		"pid":          d.Toolkit.Process.PID(),
		"arch":         d.Toolkit.Process.Arch(),
		"pointer_size": d.Toolkit.Process.PointerSize(),
	})
}

type filterArgs struct {
	Filter []any `json:"filter,omitempty"`
}

func handleListModules(ctx context.Context, d *Dispatcher, raw []byte) Response {
	var a filterArgs
	if err := decodeArgs(raw, &a); err != nil {
		return fail(err)
	}
	mods, err := d.symbols.ListModules(a.Filter)
	if err != nil {
		return fail(err)
	}
	return ok(mods)
}

type rangeArgs struct {
	Protection string `json:"protection,omitempty"`
	Filter     []any  `json:"filter,omitempty"`
}

func handleListRanges(ctx context.Context, d *Dispatcher, raw []byte) Response {
	var a rangeArgs
	if err := decodeArgs(raw, &a); err != nil {
		return fail(err)
	}
	ranges, err := d.symbols.ListRanges(a.Protection, a.Filter)
	if err != nil {
		return fail(err)
	}
	return ok(ranges)
}

type rangesByModuleArgs struct {
	Module     string   `json:"module,omitempty"`
	Address    *AddrArg `json:"address,omitempty"`
	Protection string   `json:"protection,omitempty"`
	Filter     []any    `json:"filter,omitempty"`
}

// handleListRangesByModule accepts either a module name or an address
// inside the module of interest, per spec.md §4.3's
// list_ranges_by_module(addr) shape.
func handleListRangesByModule(ctx context.Context, d *Dispatcher, raw []byte) Response {
	var a rangesByModuleArgs
	if err := decodeArgs(raw, &a); err != nil {
		return fail(err)
	}
	if a.Module == "" {
		if a.Address == nil {
			return failf("list_ranges_by_module needs a module name or an address")
		}
		mod, found := d.Toolkit.Process.FindModuleContaining(a.Address.Address())
		if !found {
			return ok([]dit.Range{})
		}
		a.Module = mod.Name
	}
	ranges, err := d.symbols.ListRangesByModule(a.Module, a.Protection, a.Filter)
	if err != nil {
		return fail(err)
	}
	return ok(ranges)
}

type moduleFilterArgs struct {
	Module string `json:"module"`
	Filter []any  `json:"filter,omitempty"`
}

func handleListExports(ctx context.Context, d *Dispatcher, raw []byte) Response {
	var a moduleFilterArgs
	if err := decodeArgs(raw, &a); err != nil {
		return fail(err)
	}
	exports, err := d.symbols.ListExports(a.Module, a.Filter)
	if err != nil {
		return fail(err)
	}
	return ok(exports)
}

func handleListImports(ctx context.Context, d *Dispatcher, raw []byte) Response {
	var a moduleFilterArgs
	if err := decodeArgs(raw, &a); err != nil {
		return fail(err)
	}
	imports, err := d.symbols.ListImports(a.Module, a.Filter)
	if err != nil {
		return fail(err)
	}
	return ok(imports)
}

func handleListSymbols(ctx context.Context, d *Dispatcher, raw []byte) Response {
	var a moduleFilterArgs
	if err := decodeArgs(raw, &a); err != nil {
		return fail(err)
	}
	syms, err := d.symbols.ListSymbols(a.Module, a.Filter)
	if err != nil {
		return fail(err)
	}
	return ok(syms)
}

func handleListFunctions(ctx context.Context, d *Dispatcher, raw []byte) Response {
	var a moduleFilterArgs
	if err := decodeArgs(raw, &a); err != nil {
		return fail(err)
	}
	fns, err := d.symbols.ListFunctions(a.Module, a.Filter)
	if err != nil {
		return fail(err)
	}
	return ok(fns)
}

func handleListVariables(ctx context.Context, d *Dispatcher, raw []byte) Response {
	var a moduleFilterArgs
	if err := decodeArgs(raw, &a); err != nil {
		return fail(err)
	}
	vars, err := d.symbols.ListVariables(a.Module, a.Filter)
	if err != nil {
		return fail(err)
	}
	return ok(vars)
}

type nameArgs struct {
	Name string `json:"name"`
}

func handleFindSymbol(ctx context.Context, d *Dispatcher, raw []byte) Response {
	var a nameArgs
	if err := decodeArgs(raw, &a); err != nil {
		return fail(err)
	}
	sym, found := d.symbols.FindSymbol(a.Name)
	if !found {
		return ok(nil)
	}
	return ok(sym)
}

type addrArgs struct {
	Address AddrArg `json:"address"`
}

// handleFindSymbolByAddress always answers with a record — an address
// with no covering symbol still has an answer, just with null fields.
func handleFindSymbolByAddress(ctx context.Context, d *Dispatcher, raw []byte) Response {
	var a addrArgs
	if err := decodeArgs(raw, &a); err != nil {
		return fail(err)
	}
	sym, found := d.symbols.FindSymbolByAddress(a.Address.Address())
	if !found {
		return ok(map[string]any{
			"name":        nil,
			"address":     a.Address.Address().Hex(),
			"module_name": nil,
			"file_name":   nil,
			"line_number": nil,
		})
	}
	return ok(sym)
}

type resolveExportArgs struct {
	Module string `json:"module"`
	Export string `json:"export"`
}

func handleResolveExport(ctx context.Context, d *Dispatcher, raw []byte) Response {
	var a resolveExportArgs
	if err := decodeArgs(raw, &a); err != nil {
		return fail(err)
	}
	addr, found := d.symbols.ResolveExport(a.Module, a.Export)
	if !found {
		return ok(nil)
	}
	return ok(addr.Hex())
}

func handleThreadsList(ctx context.Context, d *Dispatcher, raw []byte) Response {
	threads, err := d.Toolkit.Threads.List()
	if err != nil {
		return fail(err)
	}
	return ok(threads)
}

type threadArgs struct {
	ThreadID int `json:"thread_id"`
}

func handleThreadsBacktrace(ctx context.Context, d *Dispatcher, raw []byte) Response {
	var a threadArgs
	if err := decodeArgs(raw, &a); err != nil {
		return fail(err)
	}
	frames, err := d.Toolkit.Threads.Backtrace(a.ThreadID)
	if err != nil {
		return fail(err)
	}
	return ok(frames)
}

// handleGetThreadContext and handleReadStack answer a capability fakeproc
// never models: a live cpu-context snapshot. Per spec.md §7's error
// taxonomy, an absent capability is surfaced as null, never an error.
func handleGetThreadContext(ctx context.Context, d *Dispatcher, raw []byte) Response {
	return ok(nil)
}

func handleReadStack(ctx context.Context, d *Dispatcher, raw []byte) Response {
	return ok([]string{})
}

// handleListManagedClasses and handleListManagedMethods are the optional
// per-runtime language bridges (spec.md §6.2). They run no capability
// probe and always return an empty array. fakeproc never hosts a managed
// runtime.
func handleListManagedClasses(ctx context.Context, d *Dispatcher, raw []byte) Response {
	return ok([]string{})
}

func handleListManagedMethods(ctx context.Context, d *Dispatcher, raw []byte) Response {
	return ok([]string{})
}

func handleMetrics(ctx context.Context, d *Dispatcher, raw []byte) Response {
	return ok(d.metrics.snapshot())
}
