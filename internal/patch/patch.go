// Package patch implements spec.md §4.7: safe in-place code patching.
// Every patch stashes the original bytes before writing, elevates
// protection only as far as necessary (never beyond rwx, and never
// touching protection at all if the range is already writable), and
// restores both bytes and protection on demand.
package patch

import (
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/tracewire/agentcore/internal/dit"
)

// NOP encodings per architecture, little-endian byte order, one
// instruction each. arm/arm64 NOPs are 4 bytes and must be written in
// whole-instruction units; x64/ia32 NOPs are single bytes and can fill
// any length.
var nopEncodings = map[string][]byte{
	"x64":   {0x90},
	"ia32":  {0x90},
	"arm":   {0x00, 0xf0, 0x20, 0xe3},
	"arm64": {0x1f, 0x20, 0x03, 0xd5},
}

// Patch is one outstanding patched region: the bytes it replaced and the
// protection in effect before the patch was applied, so Restore can put
// both back exactly as found.
type Patch struct {
	Addr        dit.Address
	Original    []byte
	Applied     []byte
	PriorProt   dit.Protection
	protChanged bool
}

// Engine applies and restores patches against a dit.Memory/dit.Process.
type Engine struct {
	Mem  dit.Memory
	Proc dit.Process

	// Decoder, when set, lets NopInstructions size its sled by decoding
	// the instructions it replaces instead of assuming the architecture's
	// NOP width.
	Decoder dit.Decoder

	// NopEncodings overrides the built-in per-arch NOP table when set,
	// typically from internal/config.
	NopEncodings map[string]string

	mu      sync.Mutex
	patches map[dit.Address]*Patch
}

func New(mem dit.Memory, proc dit.Process) *Engine {
	return &Engine{Mem: mem, Proc: proc, patches: map[dit.Address]*Patch{}}
}

func (e *Engine) nopEncoding(arch string) ([]byte, bool) {
	if hexEnc, ok := e.NopEncodings[arch]; ok {
		b, err := hex.DecodeString(hexEnc)
		if err == nil {
			return b, true
		}
	}
	b, ok := nopEncodings[arch]
	return b, ok
}

// PatchBytes overwrites len(data) bytes at addr with data, stashing the
// original bytes for Restore. If the covering range is not already
// writable, it is temporarily elevated to read-write(-execute, preserving
// any existing execute bit) for the duration of the write and then
// restored to its prior protection.
func (e *Engine) PatchBytes(addr dit.Address, data []byte) (*Patch, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	original, err := e.Mem.ReadBytes(addr, len(data))
	if err != nil {
		return nil, fmt.Errorf("stash original bytes at %s: %w", addr, err)
	}

	p := &Patch{Addr: addr, Original: original, Applied: append([]byte(nil), data...)}

	r, haveRange := e.Proc.FindRangeContaining(addr)
	needsElevation := !haveRange || !r.Protection.Write
	if needsElevation && haveRange {
		p.PriorProt = r.Protection
		elevated := dit.Protection{Read: true, Write: true, Execute: r.Protection.Execute}
		if err := e.Mem.Protect(r.Base, r.Size, elevated); err != nil {
			return nil, fmt.Errorf("elevate protection at %s: %w", addr, err)
		}
		p.protChanged = true
	}

	if err := e.Mem.WriteBytes(addr, data); err != nil {
		if p.protChanged {
			_ = e.Mem.Protect(r.Base, r.Size, p.PriorProt)
		}
		return nil, fmt.Errorf("write patch at %s: %w", addr, err)
	}

	if p.protChanged {
		if err := e.Mem.Protect(r.Base, r.Size, p.PriorProt); err != nil {
			return nil, fmt.Errorf("restore protection after patch at %s: %w", addr, err)
		}
	}

	e.patches[addr] = p
	return p, nil
}

// RestoreBytes reverts the patch at addr, if one is outstanding.
func (e *Engine) RestoreBytes(addr dit.Address) error {
	e.mu.Lock()
	p, ok := e.patches[addr]
	if ok {
		delete(e.patches, addr)
	}
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("no outstanding patch at %s", addr)
	}

	r, haveRange := e.Proc.FindRangeContaining(addr)
	needsElevation := p.protChanged && haveRange
	if needsElevation {
		elevated := dit.Protection{Read: true, Write: true, Execute: r.Protection.Execute}
		if err := e.Mem.Protect(r.Base, r.Size, elevated); err != nil {
			return fmt.Errorf("elevate protection to restore %s: %w", addr, err)
		}
	}
	if err := e.Mem.WriteBytes(addr, p.Original); err != nil {
		return fmt.Errorf("restore original bytes at %s: %w", addr, err)
	}
	if needsElevation {
		if err := e.Mem.Protect(r.Base, r.Size, p.PriorProt); err != nil {
			return fmt.Errorf("restore protection after unpatch at %s: %w", addr, err)
		}
	}
	return nil
}

// NopInstructions replaces count consecutive instructions at addr with a
// NOP sled of exactly the same total byte length, via PatchBytes (so it
// is restorable like any other patch). With a Decoder, the total length
// comes from summing each decoded instruction's size; without one it
// falls back to count NOP-widths.
func (e *Engine) NopInstructions(addr dit.Address, arch string, count int) (*Patch, error) {
	enc, ok := e.nopEncoding(arch)
	if !ok {
		return nil, fmt.Errorf("no nop encoding known for arch %q", arch)
	}
	if count <= 0 {
		return nil, fmt.Errorf("count must be positive, got %d", count)
	}

	totalSize := count * len(enc)
	if e.Decoder != nil {
		totalSize = 0
		cur := addr
		for i := 0; i < count; i++ {
			insn, err := e.Decoder.Decode(cur)
			if err != nil {
				return nil, fmt.Errorf("decode instruction %d at %s: %w", i, cur, err)
			}
			totalSize += insn.Size
			cur = insn.Next
		}
	}
	if totalSize%len(enc) != 0 {
		return nil, fmt.Errorf("%d patched bytes is not a whole number of %d-byte nops", totalSize, len(enc))
	}

	sled := make([]byte, 0, totalSize)
	for len(sled) < totalSize {
		sled = append(sled, enc...)
	}
	return e.PatchBytes(addr, sled)
}
