// Package disasm implements spec.md §4.4: a single-instruction decode and
// a linear-sweep walker bounded either by an explicit instruction count or
// by the architecture's return-class instruction, with a visited-address
// loop guard.
//
// The walker only depends on dit.Decoder; it has no opinion on what
// machine code actually looks like. internal/dit/fakeproc supplies the
// one decoder this repo ships, over a small synthetic encoding. A
// real embedder would back dit.Decoder with an actual x86/ARM/ARM64
// disassembler.
package disasm

import (
	"fmt"

	"github.com/tracewire/agentcore/internal/dit"
)

// Walker walks instructions starting at an address.
type Walker struct {
	Decoder dit.Decoder
	Arch    string
}

func New(decoder dit.Decoder, arch string) *Walker {
	return &Walker{Decoder: decoder, Arch: arch}
}

// Instruction decodes exactly one instruction at addr.
func (w *Walker) Instruction(addr dit.Address) (dit.Instruction, error) {
	insn, err := w.Decoder.Decode(addr)
	if err != nil {
		return dit.Instruction{}, fmt.Errorf("decode at %s: %w", addr, err)
	}
	return insn, nil
}

// DefaultDisassembleCount is disassemble's count= default, per spec.md §4.4.
const DefaultDisassembleCount = 20

// Disassemble decodes up to count instructions starting at addr, stopping
// early only on decode failure (a fault ends the walk, it is not an
// error returned to the caller — the instructions decoded so far are
// still returned). count<=0 applies DefaultDisassembleCount.
func (w *Walker) Disassemble(addr dit.Address, count int) []dit.Instruction {
	if count <= 0 {
		count = DefaultDisassembleCount
	}
	out := make([]dit.Instruction, 0, count)
	cur := addr
	for i := 0; i < count; i++ {
		insn, err := w.Decoder.Decode(cur)
		if err != nil {
			break
		}
		out = append(out, insn)
		cur = insn.Next
	}
	return out
}

// DefaultFunctionBound is disassemble_function's max= default, per
// spec.md §4.4.
const DefaultFunctionBound = 500

// DisassembleFunction walks from addr until it decodes a return-class
// instruction for w.Arch (dit.Instruction.IsReturn), revisits an address
// already seen in this walk, hits a decode fault, or reaches max
// instructions — whichever comes first. max<=0 applies
// DefaultFunctionBound.
func (w *Walker) DisassembleFunction(addr dit.Address, max int) []dit.Instruction {
	if max <= 0 {
		max = DefaultFunctionBound
	}
	var out []dit.Instruction
	visited := make(map[dit.Address]bool)
	cur := addr
	for i := 0; i < max; i++ {
		if visited[cur] {
			break
		}
		visited[cur] = true
		insn, err := w.Decoder.Decode(cur)
		if err != nil {
			break
		}
		out = append(out, insn)
		if insn.IsReturn(w.Arch) {
			break
		}
		cur = insn.Next
	}
	return out
}
