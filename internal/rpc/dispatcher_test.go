package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/tracewire/agentcore/internal/config"
	"github.com/tracewire/agentcore/internal/dit"
	"github.com/tracewire/agentcore/internal/dit/fakeproc"
)

func newDispatcher(t *testing.T) (*Dispatcher, *fakeproc.Target) {
	t.Helper()
	target := fakeproc.New("x64")
	target.MapRange(0x1000, 0x1000, dit.Protection{Read: true, Write: true, Execute: true}, "libdemo.so")
	target.AddModule("libdemo.so", 0x1000, 0x1000, "/opt/libdemo.so")
	if err := target.WriteAt(0x1010, []byte{0x90, 0x90, 0xC3}); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	target.AddExport("libdemo.so", dit.Export{Name: "fn_a", Address: 0x1010, Type: "function"})

	d, err := New(target.Toolkit(), config.Default(), nil, nil)
	if err != nil {
		t.Fatalf("New dispatcher: %v", err)
	}
	return d, target
}

func TestUnknownOperationFails(t *testing.T) {
	d, _ := newDispatcher(t)
	resp := d.Dispatch(context.Background(), Request{Operation: "not_a_real_op"})
	if resp.Success {
		t.Fatal("expected unknown operation to fail")
	}
}

func TestGetEnv(t *testing.T) {
	d, _ := newDispatcher(t)
	resp := d.Dispatch(context.Background(), Request{Operation: OpGetEnv})
	if !resp.Success {
		t.Fatalf("get_env failed: %s", resp.Error)
	}
	var data map[string]any
	if err := json.Unmarshal(resp.Data, &data); err != nil {
		t.Fatalf("unmarshal data: %v", err)
	}
	if data["arch"] != "x64" {
		t.Errorf("arch = %v, want x64", data["arch"])
	}
}

func TestReadWriteRoundTripViaDispatch(t *testing.T) {
	d, _ := newDispatcher(t)
	ctx := context.Background()

	writeResp := d.Dispatch(ctx, Request{Operation: OpWriteS32, Args: json.RawMessage(`{"address":"0x1500","value":777}`)})
	if !writeResp.Success {
		t.Fatalf("write_s32 failed: %s", writeResp.Error)
	}
	readResp := d.Dispatch(ctx, Request{Operation: OpReadS32, Args: json.RawMessage(`{"address":"0x1500"}`)})
	if !readResp.Success {
		t.Fatalf("read_s32 failed: %s", readResp.Error)
	}
	var v int32
	if err := json.Unmarshal(readResp.Data, &v); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if v != 777 {
		t.Errorf("read back %d, want 777", v)
	}
}

func TestAddressArgAcceptsDecimalHexAndNumber(t *testing.T) {
	d, _ := newDispatcher(t)
	ctx := context.Background()
	for _, args := range []string{
		`{"address":"0x1500","value":1}`,
		`{"address":"5376","value":1}`,
		`{"address":5376,"value":1}`,
	} {
		resp := d.Dispatch(ctx, Request{Operation: OpWriteS32, Args: json.RawMessage(args)})
		if !resp.Success {
			t.Errorf("write with args %s failed: %s", args, resp.Error)
		}
	}
}

func TestHookAttachAndListViaDispatch(t *testing.T) {
	d, target := newDispatcher(t)
	ctx := context.Background()

	resp := d.Dispatch(ctx, Request{Operation: OpHookAttach, Args: json.RawMessage(`{"address":"0x1010","on_enter":true,"on_leave":true}`)})
	if !resp.Success {
		t.Fatalf("hook_attach failed: %s", resp.Error)
	}

	listResp := d.Dispatch(ctx, Request{Operation: OpHookList})
	if !listResp.Success {
		t.Fatalf("hook_list failed: %s", listResp.Error)
	}
	var hooks []map[string]any
	if err := json.Unmarshal(listResp.Data, &hooks); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(hooks) != 1 {
		t.Fatalf("expected 1 hook listed, got %d", len(hooks))
	}

	target.Call(0x1010, nil, 0)
	if len(target.Events()) != 2 {
		t.Fatalf("expected hook_enter+hook_leave events, got %d", len(target.Events()))
	}
}

func TestHookAttachDefaultsOnEnterAndArgCount(t *testing.T) {
	d, target := newDispatcher(t)
	ctx := context.Background()

	// on_enter and arg_count are both omitted: on_enter must default to
	// true and arg_count to the configured DefaultArgSampleCount, per
	// spec.md's HookConfig table, rather than Go's zero values.
	resp := d.Dispatch(ctx, Request{Operation: OpHookAttach, Args: json.RawMessage(`{"address":"0x1010","log_args":true}`)})
	if !resp.Success {
		t.Fatalf("hook_attach failed: %s", resp.Error)
	}

	target.Call(0x1010, []dit.Address{0x1, 0x2, 0x3, 0x4}, 0)
	events := target.Events()
	if len(events) != 1 {
		t.Fatalf("expected on_enter to default to true and deliver a hook_enter event, got %d events", len(events))
	}
	enter := events[0].(map[string]any)
	args, ok := enter["args"].([]string)
	if !ok || len(args) != d.Config.Hooks.DefaultArgSampleCount {
		t.Fatalf("expected arg_count to default to %d, got %v", d.Config.Hooks.DefaultArgSampleCount, enter["args"])
	}
}

func TestHookAttachExplicitOnEnterFalseIsHonored(t *testing.T) {
	d, target := newDispatcher(t)
	ctx := context.Background()

	resp := d.Dispatch(ctx, Request{Operation: OpHookAttach, Args: json.RawMessage(`{"address":"0x1010","on_enter":false,"on_leave":true}`)})
	if !resp.Success {
		t.Fatalf("hook_attach failed: %s", resp.Error)
	}

	target.Call(0x1010, nil, 0)
	events := target.Events()
	if len(events) != 1 || events[0].(map[string]any)["type"] != "hook_leave" {
		t.Fatalf("expected only hook_leave once on_enter is explicitly false, got %v", events)
	}
}

func TestBacktraceRejectedViaDispatch(t *testing.T) {
	d, _ := newDispatcher(t)
	resp := d.Dispatch(context.Background(), Request{Operation: OpBacktrace, Args: json.RawMessage(`{"context_ptr":"0x1"}`)})
	if resp.Success {
		t.Fatal("expected backtrace(contextPtr) to be rejected")
	}
}

func TestPatchAndRestoreViaDispatch(t *testing.T) {
	d, _ := newDispatcher(t)
	ctx := context.Background()

	patchResp := d.Dispatch(ctx, Request{Operation: OpPatchBytes, Args: json.RawMessage(`{"address":"0x1010","data":"kJDD"}`)})
	if !patchResp.Success {
		t.Fatalf("patch_bytes failed: %s", patchResp.Error)
	}
	restoreResp := d.Dispatch(ctx, Request{Operation: OpRestoreBytes, Args: json.RawMessage(`{"address":"0x1010"}`)})
	if !restoreResp.Success {
		t.Fatalf("restore_bytes failed: %s", restoreResp.Error)
	}
}

func TestRestoreBytesWithExplicitOriginalViaDispatch(t *testing.T) {
	d, target := newDispatcher(t)
	ctx := context.Background()

	patchResp := d.Dispatch(ctx, Request{Operation: OpPatchBytes, Args: json.RawMessage(`{"address":"0x1010","data":"kJDD"}`)})
	if !patchResp.Success {
		t.Fatalf("patch_bytes failed: %s", patchResp.Error)
	}

	// original bytes supplied by the caller rather than the engine's own
	// bookkeeping, per spec.md §4.7's restore_bytes(address, original).
	restoreResp := d.Dispatch(ctx, Request{Operation: OpRestoreBytes, Args: json.RawMessage(`{"address":"0x1010","original":"kJDD"}`)})
	if !restoreResp.Success {
		t.Fatalf("restore_bytes with explicit original failed: %s", restoreResp.Error)
	}

	got, err := target.ReadBytes(0x1010, 3)
	if err != nil {
		t.Fatalf("ReadBytes: %v", err)
	}
	want := []byte{0x90, 0x90, 0xC3}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("restored bytes = %v, want %v", got, want)
		}
	}
}

func TestScanValueAndResultsViaDispatch(t *testing.T) {
	d, _ := newDispatcher(t)
	ctx := context.Background()

	scanResp := d.Dispatch(ctx, Request{Operation: OpScanValue, Args: json.RawMessage(`{"address":"0x1000","size":4096,"type":"byte","value":0}`)})
	if !scanResp.Success {
		t.Fatalf("scan_value failed: %s", scanResp.Error)
	}
	var scanOut struct {
		SessionID int64 `json:"session_id"`
		Count     int   `json:"count"`
	}
	if err := json.Unmarshal(scanResp.Data, &scanOut); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if scanOut.Count == 0 {
		t.Fatal("expected an initial byte-zero scan over a fresh range to find matches")
	}

	pageResp := d.Dispatch(ctx, Request{Operation: OpGetScanResults, Args: json.RawMessage(`{"session_id":1,"limit":5}`)})
	if !pageResp.Success {
		t.Fatalf("get_scan_results failed: %s", pageResp.Error)
	}
}

func TestReadFaultReturnsNull(t *testing.T) {
	d, _ := newDispatcher(t)
	resp := d.Dispatch(context.Background(), Request{Operation: OpReadS32, Args: json.RawMessage(`{"address":"0x99999999"}`)})
	if !resp.Success {
		t.Fatalf("expected an unreadable address to succeed with null, got error %q", resp.Error)
	}
	if string(resp.Data) != "null" {
		t.Errorf("data = %s, want null", resp.Data)
	}
}

func TestReadBytesRoundTrip(t *testing.T) {
	d, target := newDispatcher(t)
	if err := target.WriteAt(0x1020, []byte{0xDE, 0xAD}); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	resp := d.Dispatch(context.Background(), Request{Operation: OpReadBytes, Args: json.RawMessage(`{"address":"0x1020","size":2}`)})
	if !resp.Success {
		t.Fatalf("read_bytes failed: %s", resp.Error)
	}
	var got []byte
	if err := json.Unmarshal(resp.Data, &got); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(got) != 2 || got[0] != 0xDE || got[1] != 0xAD {
		t.Errorf("read_bytes = %v, want [0xDE 0xAD]", got)
	}
}

func TestHookAttachReturnsSequentialStringIDs(t *testing.T) {
	d, _ := newDispatcher(t)
	ctx := context.Background()

	resp := d.Dispatch(ctx, Request{Operation: OpHookAttach, Args: json.RawMessage(`{"address":"0x1010"}`)})
	if !resp.Success {
		t.Fatalf("hook_attach failed: %s", resp.Error)
	}
	var out struct {
		ID      string `json:"id"`
		Address string `json:"address"`
	}
	if err := json.Unmarshal(resp.Data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.ID != "hook_0" {
		t.Errorf("first hook id = %q, want hook_0", out.ID)
	}
	if out.Address != "0x1010" {
		t.Errorf("address = %q, want 0x1010", out.Address)
	}

	listResp := d.Dispatch(ctx, Request{Operation: OpHookList})
	var entries []struct {
		ID     string `json:"id"`
		Target string `json:"target"`
	}
	if err := json.Unmarshal(listResp.Data, &entries); err != nil {
		t.Fatalf("unmarshal list: %v", err)
	}
	if len(entries) != 1 || entries[0].ID != "hook_0" || entries[0].Target != "0x1010" {
		t.Errorf("hook_list = %+v, want one entry {hook_0 0x1010}", entries)
	}
}

func TestHookAttachNonExecutableFails(t *testing.T) {
	d, target := newDispatcher(t)
	target.MapRange(0x3000, 0x100, dit.Protection{Read: true, Write: true}, "")

	resp := d.Dispatch(context.Background(), Request{Operation: OpHookAttach, Args: json.RawMessage(`{"address":"0x3000"}`)})
	if resp.Success {
		t.Fatal("expected hook_attach on a non-executable range to fail")
	}
	if resp.Error != "Invalid or non-executable address" {
		t.Errorf("error = %q", resp.Error)
	}
}

func TestProgressiveScanViaDispatch(t *testing.T) {
	d, _ := newDispatcher(t)
	ctx := context.Background()

	// Two cells hold 42, one holds 7; the int32 width alias and the
	// string-typed numeric value are both accepted on the wire.
	for addr, v := range map[string]int{"0x1500": 42, "0x1600": 42, "0x1700": 7} {
		args := fmt.Sprintf(`{"address":"%s","value":%d}`, addr, v)
		if resp := d.Dispatch(ctx, Request{Operation: OpWriteS32, Args: json.RawMessage(args)}); !resp.Success {
			t.Fatalf("seed %s: %s", addr, resp.Error)
		}
	}

	scanResp := d.Dispatch(ctx, Request{Operation: OpScanValue, Args: json.RawMessage(`{"address":"0x1000","size":4096,"type":"int32","value":"42"}`)})
	if !scanResp.Success {
		t.Fatalf("scan_value failed: %s", scanResp.Error)
	}
	var out struct {
		SessionID int64 `json:"session_id"`
		Count     int   `json:"count"`
		Results   []struct {
			Address string `json:"address"`
		} `json:"results"`
	}
	if err := json.Unmarshal(scanResp.Data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Count != 2 || len(out.Results) != 2 {
		t.Fatalf("initial scan count = %d (%d results), want 2", out.Count, len(out.Results))
	}

	if resp := d.Dispatch(ctx, Request{Operation: OpWriteS32, Args: json.RawMessage(`{"address":"0x1500","value":100}`)}); !resp.Success {
		t.Fatalf("mutate: %s", resp.Error)
	}
	nextArgs := fmt.Sprintf(`{"session_id":%d,"type":"int32","comparison":"eq","value":"42"}`, out.SessionID)
	nextResp := d.Dispatch(ctx, Request{Operation: OpScanNext, Args: json.RawMessage(nextArgs)})
	if !nextResp.Success {
		t.Fatalf("scan_next failed: %s", nextResp.Error)
	}
	if err := json.Unmarshal(nextResp.Data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if out.Count != 1 || len(out.Results) != 1 || out.Results[0].Address != "0x1600" {
		t.Fatalf("refined scan = %+v, want the single surviving 0x1600 match", out)
	}
}

func TestModifyArgsArrayFormViaDispatch(t *testing.T) {
	d, target := newDispatcher(t)
	ctx := context.Background()

	// A null entry leaves its slot alone; a non-null entry overwrites it.
	resp := d.Dispatch(ctx, Request{Operation: OpHookAttach, Args: json.RawMessage(`{"address":"0x1010","modify_args":[null,"0xCAFE"]}`)})
	if !resp.Success {
		t.Fatalf("hook_attach failed: %s", resp.Error)
	}
	outArgs, _ := target.Call(0x1010, []dit.Address{0x1, 0x2}, 0)
	if outArgs[0] != 0x1 || outArgs[1] != 0xCAFE {
		t.Errorf("rewritten args = %v, want [0x1 0xCAFE]", outArgs)
	}
}

func TestListModulesFilterViaDispatch(t *testing.T) {
	d, target := newDispatcher(t)
	target.AddModule("libfoo", 0x5000, 0x100, "/lib/libfoo")
	target.AddModule("libbar", 0x6000, 0x100, "/lib/libbar")
	target.AddModule("libbaz", 0x7000, 0x100, "/lib/libbaz")

	resp := d.Dispatch(context.Background(), Request{Operation: OpListModules, Args: json.RawMessage(`{"filter":[["name",":","foo"]]}`)})
	if !resp.Success {
		t.Fatalf("list_modules failed: %s", resp.Error)
	}
	var mods []struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal(resp.Data, &mods); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(mods) != 1 || mods[0].Name != "libfoo" {
		t.Errorf("filtered modules = %+v, want exactly libfoo", mods)
	}
}

func TestNopInstructionsArm64ViaDispatch(t *testing.T) {
	target := fakeproc.New("arm64")
	target.MapRange(0x1000, 0x100, dit.Protection{Read: true, Execute: true}, "")
	d, err := New(target.Toolkit(), config.Default(), nil, nil)
	if err != nil {
		t.Fatalf("New dispatcher: %v", err)
	}

	// Two opaque 4-byte words at a word-aligned address.
	resp := d.Dispatch(context.Background(), Request{Operation: OpNopInstructions, Args: json.RawMessage(`{"address":"0x1000","count":2}`)})
	if !resp.Success {
		t.Fatalf("nop_instructions failed: %s", resp.Error)
	}
	got, err := target.ReadBytes(0x1000, 8)
	if err != nil {
		t.Fatalf("ReadBytes: %v", err)
	}
	want := []byte{0x1f, 0x20, 0x03, 0xd5, 0x1f, 0x20, 0x03, 0xd5}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("sled = %x, want %x", got, want)
		}
	}
}

func TestMetricsOp(t *testing.T) {
	d, _ := newDispatcher(t)
	ctx := context.Background()
	d.Dispatch(ctx, Request{Operation: OpGetEnv})
	resp := d.Dispatch(ctx, Request{Operation: OpMetrics})
	if !resp.Success {
		t.Fatalf("metrics failed: %s", resp.Error)
	}
	var snaps []OpSnapshot
	if err := json.Unmarshal(resp.Data, &snaps); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(snaps) == 0 {
		t.Fatal("expected at least one recorded operation in the metrics snapshot")
	}
}
