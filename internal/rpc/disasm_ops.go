package rpc

import "context"

func handleInstruction(ctx context.Context, d *Dispatcher, raw []byte) Response {
	var a readArgs
	if err := decodeArgs(raw, &a); err != nil {
		return fail(err)
	}
	insn, err := d.walker.Instruction(a.Address.Address())
	if err != nil {
		// A failed decode is a query answered with null, not an error.
		return ok(nil)
	}
	return ok(insn)
}

type disassembleArgs struct {
	Address AddrArg `json:"address"`
	Count   int     `json:"count"`
}

func handleDisassemble(ctx context.Context, d *Dispatcher, raw []byte) Response {
	var a disassembleArgs
	if err := decodeArgs(raw, &a); err != nil {
		return fail(err)
	}
	return ok(d.walker.Disassemble(a.Address.Address(), a.Count))
}

type disassembleFunctionArgs struct {
	Address AddrArg `json:"address"`
	Max     int     `json:"max,omitempty"`
}

func handleDisassembleFunction(ctx context.Context, d *Dispatcher, raw []byte) Response {
	var a disassembleFunctionArgs
	if err := decodeArgs(raw, &a); err != nil {
		return fail(err)
	}
	return ok(d.walker.DisassembleFunction(a.Address.Address(), a.Max))
}
