package fakeproc

import (
	"context"
	"testing"

	"github.com/tracewire/agentcore/internal/dit"
)

func newTestTarget() *Target {
	t := New("x64")
	t.MapRange(0x1000, 0x100, dit.Protection{Read: true, Write: true, Execute: true}, "")
	return t
}

func TestReadWriteBytes(t *testing.T) {
	target := newTestTarget()
	if err := target.WriteBytes(0x1000, []byte{1, 2, 3, 4}); err != nil {
		t.Fatalf("WriteBytes: %v", err)
	}
	got, err := target.ReadBytes(0x1000, 4)
	if err != nil {
		t.Fatalf("ReadBytes: %v", err)
	}
	want := []byte{1, 2, 3, 4}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("ReadBytes = %v, want %v", got, want)
		}
	}
}

func TestProtectEnforced(t *testing.T) {
	target := New("x64")
	target.MapRange(0x2000, 0x10, dit.Protection{Read: true}, "")
	if err := target.WriteBytes(0x2000, []byte{1}); err == nil {
		t.Fatal("expected write to read-only range to fail")
	}
}

func TestDecodeKnownOpcodes(t *testing.T) {
	target := newTestTarget()
	if err := target.WriteAt(0x1000, []byte{0x90, 0xC3, 0xE8, 0, 0, 0, 0}); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	insn, err := target.Decode(0x1000)
	if err != nil {
		t.Fatalf("Decode nop: %v", err)
	}
	if insn.Mnemonic != "nop" || insn.Size != 1 {
		t.Errorf("nop decode = %+v", insn)
	}
	insn, err = target.Decode(0x1001)
	if err != nil {
		t.Fatalf("Decode ret: %v", err)
	}
	if insn.Mnemonic != "ret" || insn.Size != 1 {
		t.Errorf("ret decode = %+v", insn)
	}
	insn, err = target.Decode(0x1002)
	if err != nil {
		t.Fatalf("Decode call: %v", err)
	}
	if insn.Mnemonic != "call" || insn.Size != 5 {
		t.Errorf("call decode = %+v", insn)
	}
}

func TestDecodeArm64FixedWidth(t *testing.T) {
	target := New("arm64")
	target.MapRange(0x4000, 0x20, dit.Protection{Read: true, Write: true, Execute: true}, "")
	if err := target.WriteAt(0x4000, append([]byte{0x20, 0x00, 0x80, 0xd2}, ARM64RetBytes...)); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	insn, err := target.Decode(0x4000)
	if err != nil {
		t.Fatalf("Decode word: %v", err)
	}
	if insn.Mnemonic != "word" || insn.Size != 4 {
		t.Errorf("word decode = %+v", insn)
	}
	if insn.IsReturn("arm64") {
		t.Error("non-ret word misdetected as return")
	}
	insn, err = target.Decode(0x4004)
	if err != nil {
		t.Fatalf("Decode ret: %v", err)
	}
	if insn.Mnemonic != "ret" || insn.Size != 4 {
		t.Errorf("ret decode = %+v", insn)
	}
	if !insn.IsReturn("arm64") {
		t.Error("expected arm64 ret to be recognized as a return instruction")
	}
}

func TestDecodeArmBxLr(t *testing.T) {
	target := New("arm")
	target.MapRange(0x5000, 0x10, dit.Protection{Read: true, Execute: true}, "")
	if err := target.WriteAt(0x5000, ARMBxLrBytes); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	insn, err := target.Decode(0x5000)
	if err != nil {
		t.Fatalf("Decode bx lr: %v", err)
	}
	if insn.Mnemonic != "bx" || insn.OpStr != "lr" {
		t.Errorf("bx lr decode = %+v", insn)
	}
	if !insn.IsReturn("arm") {
		t.Error("expected arm bx lr to be recognized as a return instruction")
	}
}

func TestPatternScanWithWildcard(t *testing.T) {
	target := newTestTarget()
	if err := target.WriteAt(0x1000, []byte{0xDE, 0xAD, 0xBE, 0xEF, 0x00, 0xAD, 0xBE, 0x11}); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	hits, err := target.PatternScan(0x1000, 0x100, "AD BE")
	if err != nil {
		t.Fatalf("PatternScan: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("expected 2 hits, got %d: %v", len(hits), hits)
	}
	hits, err = target.PatternScan(0x1000, 0x100, "AD ??")
	if err != nil {
		t.Fatalf("PatternScan wildcard: %v", err)
	}
	if len(hits) != 2 {
		t.Fatalf("expected 2 wildcard hits, got %d: %v", len(hits), hits)
	}
}

func TestAttachAndCallFiresCallbacks(t *testing.T) {
	target := newTestTarget()
	var entered, left bool
	_, err := target.Attach(0x1000,
		func(ctx context.Context, inv *dit.InvocationContext) { entered = true },
		func(ctx context.Context, inv *dit.InvocationContext) { left = true },
	)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	target.Call(0x1000, []dit.Address{1, 2}, 0)
	if !entered || !left {
		t.Fatalf("expected both callbacks to fire, entered=%v left=%v", entered, left)
	}
}

func TestDetachStopsCallbacks(t *testing.T) {
	target := newTestTarget()
	fired := false
	handle, err := target.Attach(0x1000,
		func(ctx context.Context, inv *dit.InvocationContext) { fired = true },
		nil,
	)
	if err != nil {
		t.Fatalf("Attach: %v", err)
	}
	handle.Detach()
	target.Call(0x1000, nil, 0)
	if fired {
		t.Fatal("expected detached hook not to fire")
	}
}
