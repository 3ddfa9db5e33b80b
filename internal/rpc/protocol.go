// Package rpc implements spec.md §4.1 and §6.2: the RPC request
// dispatcher exposed by the agent core. Requests and responses are a
// flat JSON envelope (Request/Response below), with one handlers map,
// filled in init, that Dispatch consults to map each operation name to a
// handler, mirroring the
// steveyegge-beads daemon's internal/rpc request/response shape and
// dispatch style rather than a per-operation RPC framework.
package rpc

import (
	"encoding/json"
	"fmt"
)

// Operation name constants, per spec.md §6.2's RPC surface.
const (
	OpGetEnv              = "get_env"
	OpGetProcessInfo       = "get_process_info"
	OpListModules         = "list_modules"
	OpListRanges          = "list_ranges"
	OpListRangesByModule  = "list_ranges_by_module"
	OpListExports         = "list_exports"
	OpListImports         = "list_imports"
	OpListSymbols         = "list_symbols"
	OpListFunctions       = "list_functions"
	OpListVariables       = "list_variables"
	OpFindSymbol          = "find_symbol"
	OpFindSymbolByAddress = "find_symbol_by_address"
	OpResolveExport       = "resolve_export"

	OpReadBytes     = "read_bytes"
	OpReadS8        = "read_s8"
	OpReadU8        = "read_u8"
	OpReadS16       = "read_s16"
	OpReadU16       = "read_u16"
	OpReadS32       = "read_s32"
	OpReadU32       = "read_u32"
	OpReadS64       = "read_s64"
	OpReadU64       = "read_u64"
	OpReadFloat     = "read_float"
	OpReadDouble    = "read_double"
	OpReadPointer   = "read_pointer"
	OpReadCString   = "read_c_string"
	OpReadUTF16     = "read_utf16_string"
	OpWriteS8       = "write_s8"
	OpWriteU8       = "write_u8"
	OpWriteS16      = "write_s16"
	OpWriteU16      = "write_u16"
	OpWriteS32      = "write_s32"
	OpWriteU32      = "write_u32"
	OpWriteS64      = "write_s64"
	OpWriteU64      = "write_u64"
	OpWriteFloat    = "write_float"
	OpWriteDouble   = "write_double"
	OpWritePointer  = "write_pointer"
	OpWriteBytes    = "write_bytes"
	OpWriteCString  = "write_c_string"
	OpWriteUTF16    = "write_utf16_string"

	OpCheckReadProtection  = "check_read_protection"
	OpCheckWriteProtection = "check_write_protection"
	OpGetMemoryProtection  = "get_memory_protection"
	OpSetMemoryProtection  = "set_memory_protection"

	OpInstruction          = "instruction"
	OpDisassemble          = "disassemble"
	OpDisassembleFunction  = "disassemble_function"

	OpHookAttach  = "hook_attach"
	OpHookEnable  = "hook_enable"
	OpHookDisable = "hook_disable"
	OpHookDetach  = "hook_detach"
	OpHookList    = "hook_list"
	OpHookClearAll = "hook_clear_all"
	OpBacktrace    = "backtrace"

	OpScanPattern         = "scan_pattern"
	OpScanValue           = "scan_value"
	OpScanString          = "scan_string"
	OpScanNext            = "scan_next"
	OpScanSnapshot        = "scan_snapshot"
	OpScanChanged         = "scan_changed"
	OpScanUnchanged       = "scan_unchanged"
	OpGetScanResults      = "get_scan_results"
	OpGetScanResultValues = "get_scan_result_values"
	OpClearScan           = "clear_scan"

	OpPatchBytes     = "patch_bytes"
	OpRestoreBytes   = "restore_bytes"
	OpNopInstructions = "nop_instructions"

	OpThreadsList      = "threads_list"
	OpThreadsBacktrace = "threads_backtrace"
	OpListThreads      = "list_threads"
	OpGetThreadContext = "get_thread_context"
	OpReadStack        = "read_stack"

	// Managed-runtime bridges are gated on a capability probe per
	// spec.md §6.2; this repo's fakeproc never exposes one, so both
	// always return an empty array rather than an error.
	OpListManagedClasses = "list_managed_classes"
	OpListManagedMethods = "list_managed_methods"

	// OpMetrics is not in spec.md's literal operation list; see
	// SPEC_FULL.md's SUPPLEMENTED FEATURES.
	OpMetrics = "metrics"
)

// Request is the wire envelope a host sends to the agent.
type Request struct {
	Operation string          `json:"operation"`
	Args      json.RawMessage `json:"args,omitempty"`
}

// Response is the wire envelope the agent returns. Success and Error are
// mutually exclusive: a handler either returns Data on success or Error
// on failure, never both, matching beads' internal/rpc.Response shape.
type Response struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

func ok(data any) Response {
	b, err := json.Marshal(data)
	if err != nil {
		return fail(err)
	}
	return Response{Success: true, Data: b}
}

// okOrNull converts a queryable fault to a null result rather than a
// failure envelope, per spec.md §7: a read past the end of a mapping or
// a failed decode is an answer ("nothing there"), not an error.
func okOrNull[T any](v T, err error) Response {
	if err != nil {
		return ok(nil)
	}
	return ok(v)
}

func fail(err error) Response {
	return Response{Success: false, Error: err.Error()}
}

func failf(format string, args ...any) Response {
	return fail(fmt.Errorf(format, args...))
}
