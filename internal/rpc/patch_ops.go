package rpc

import "context"

type patchBytesArgs struct {
	Address AddrArg `json:"address"`
	Data    []byte  `json:"data"`
}

func handlePatchBytes(ctx context.Context, d *Dispatcher, raw []byte) Response {
	var a patchBytesArgs
	if err := decodeArgs(raw, &a); err != nil {
		return fail(err)
	}
	p, err := d.patchEng.PatchBytes(a.Address.Address(), a.Data)
	if err != nil {
		return fail(err)
	}
	return ok(map[string]any{"address": p.Addr.Hex(), "original": p.Original, "patched": p.Applied})
}

type restoreBytesArgs struct {
	Address  AddrArg `json:"address"`
	Original []byte  `json:"original,omitempty"`
}

// handleRestoreBytes implements spec.md §4.7's restore_bytes(address,
// original), which "delegates to patch_bytes(address, original)": when
// the host supplies the bytes to restore, they are written back through
// the same protection-elevation/restore path as any other patch. Without
// an explicit original, the engine falls back to its own stashed bytes
// from the most recent patch_bytes at that address.
func handleRestoreBytes(ctx context.Context, d *Dispatcher, raw []byte) Response {
	var a restoreBytesArgs
	if err := decodeArgs(raw, &a); err != nil {
		return fail(err)
	}
	if len(a.Original) > 0 {
		p, err := d.patchEng.PatchBytes(a.Address.Address(), a.Original)
		if err != nil {
			return fail(err)
		}
		return ok(map[string]any{"address": p.Addr.Hex(), "original": p.Original, "patched": p.Applied})
	}
	if err := d.patchEng.RestoreBytes(a.Address.Address()); err != nil {
		return fail(err)
	}
	return ok(nil)
}

type nopArgs struct {
	Address AddrArg `json:"address"`
	Count   int     `json:"count"`
}

func handleNopInstructions(ctx context.Context, d *Dispatcher, raw []byte) Response {
	var a nopArgs
	if err := decodeArgs(raw, &a); err != nil {
		return fail(err)
	}
	p, err := d.patchEng.NopInstructions(a.Address.Address(), d.Toolkit.Process.Arch(), a.Count)
	if err != nil {
		return fail(err)
	}
	return ok(map[string]any{"address": p.Addr.Hex(), "original": p.Original, "patched": p.Applied})
}
