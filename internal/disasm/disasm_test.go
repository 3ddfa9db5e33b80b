package disasm

import (
	"testing"

	"github.com/tracewire/agentcore/internal/dit"
	"github.com/tracewire/agentcore/internal/dit/fakeproc"
)

func TestDisassembleStopsAtCount(t *testing.T) {
	target := fakeproc.New("x64")
	target.MapRange(0x1000, 0x100, dit.Protection{Read: true, Execute: true}, "")
	if err := target.WriteAt(0x1000, []byte{0x90, 0x90, 0x90, 0x90}); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	w := New(target, "x64")
	insns := w.Disassemble(0x1000, 2)
	if len(insns) != 2 {
		t.Fatalf("expected 2 instructions, got %d", len(insns))
	}
	if insns[1].Address != 0x1001 {
		t.Errorf("second instruction at %s, want 0x1001", insns[1].Address)
	}
}

func TestDisassembleFunctionStopsAtReturn(t *testing.T) {
	target := fakeproc.New("x64")
	target.MapRange(0x1000, 0x100, dit.Protection{Read: true, Execute: true}, "")
	if err := target.WriteAt(0x1000, []byte{0x90, 0x90, 0xC3, 0x90}); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	w := New(target, "x64")
	insns := w.DisassembleFunction(0x1000, 0)
	if len(insns) != 3 {
		t.Fatalf("expected walk to stop at the ret (3 instructions), got %d", len(insns))
	}
	if insns[len(insns)-1].Mnemonic != "ret" {
		t.Errorf("last instruction = %q, want ret", insns[len(insns)-1].Mnemonic)
	}
}

func TestDisassembleFunctionStopsOnFault(t *testing.T) {
	target := fakeproc.New("x64")
	target.MapRange(0x1000, 0x2, dit.Protection{Read: true, Execute: true}, "")
	if err := target.WriteAt(0x1000, []byte{0x90, 0x90}); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	w := New(target, "x64")
	insns := w.DisassembleFunction(0x1000, 0)
	if len(insns) != 2 {
		t.Fatalf("expected the walk to stop at the unmapped boundary after 2 instructions, got %d", len(insns))
	}
}

func TestDisassembleFunctionRespectsMax(t *testing.T) {
	target := fakeproc.New("x64")
	target.MapRange(0x1000, 0x100, dit.Protection{Read: true, Execute: true}, "")
	nops := make([]byte, 0x100)
	for i := range nops {
		nops[i] = 0x90
	}
	if err := target.WriteAt(0x1000, nops); err != nil {
		t.Fatalf("WriteAt: %v", err)
	}
	w := New(target, "x64")
	insns := w.DisassembleFunction(0x1000, 5)
	if len(insns) != 5 {
		t.Fatalf("expected max=5 to cap the walk at 5 instructions (no ret ever seen), got %d", len(insns))
	}
}
