package rpc

import (
	"context"

	"github.com/tracewire/agentcore/internal/dit"
)

type readArgs struct {
	Address AddrArg `json:"address"`
}

type readBytesArgs struct {
	Address AddrArg `json:"address"`
	Size    int     `json:"size"`
}

type readCStringArgs struct {
	Address AddrArg `json:"address"`
	MaxLen  int     `json:"max_len,omitempty"`
}

type readPointerArgs struct {
	Address AddrArg `json:"address"`
}

// Read handlers surface faults as null, never as failure envelopes: an
// unreadable address is an answer to a query, not an error (spec.md §7).

func handleReadBytes(ctx context.Context, d *Dispatcher, raw []byte) Response {
	var a readBytesArgs
	if err := decodeArgs(raw, &a); err != nil {
		return fail(err)
	}
	return okOrNull(d.reader.ReadBytes(a.Address.Address(), a.Size))
}

func handleReadS8(ctx context.Context, d *Dispatcher, raw []byte) Response {
	var a readArgs
	if err := decodeArgs(raw, &a); err != nil {
		return fail(err)
	}
	return okOrNull(d.reader.ReadS8(a.Address.Address()))
}

func handleReadU8(ctx context.Context, d *Dispatcher, raw []byte) Response {
	var a readArgs
	if err := decodeArgs(raw, &a); err != nil {
		return fail(err)
	}
	return okOrNull(d.reader.ReadU8(a.Address.Address()))
}

func handleReadS16(ctx context.Context, d *Dispatcher, raw []byte) Response {
	var a readArgs
	if err := decodeArgs(raw, &a); err != nil {
		return fail(err)
	}
	return okOrNull(d.reader.ReadS16(a.Address.Address()))
}

func handleReadU16(ctx context.Context, d *Dispatcher, raw []byte) Response {
	var a readArgs
	if err := decodeArgs(raw, &a); err != nil {
		return fail(err)
	}
	return okOrNull(d.reader.ReadU16(a.Address.Address()))
}

func handleReadS32(ctx context.Context, d *Dispatcher, raw []byte) Response {
	var a readArgs
	if err := decodeArgs(raw, &a); err != nil {
		return fail(err)
	}
	return okOrNull(d.reader.ReadS32(a.Address.Address()))
}

func handleReadU32(ctx context.Context, d *Dispatcher, raw []byte) Response {
	var a readArgs
	if err := decodeArgs(raw, &a); err != nil {
		return fail(err)
	}
	return okOrNull(d.reader.ReadU32(a.Address.Address()))
}

func handleReadS64(ctx context.Context, d *Dispatcher, raw []byte) Response {
	var a readArgs
	if err := decodeArgs(raw, &a); err != nil {
		return fail(err)
	}
	return okOrNull(d.reader.ReadS64(a.Address.Address()))
}

func handleReadU64(ctx context.Context, d *Dispatcher, raw []byte) Response {
	var a readArgs
	if err := decodeArgs(raw, &a); err != nil {
		return fail(err)
	}
	return okOrNull(d.reader.ReadU64(a.Address.Address()))
}

func handleReadFloat(ctx context.Context, d *Dispatcher, raw []byte) Response {
	var a readArgs
	if err := decodeArgs(raw, &a); err != nil {
		return fail(err)
	}
	return okOrNull(d.reader.ReadFloat(a.Address.Address()))
}

func handleReadDouble(ctx context.Context, d *Dispatcher, raw []byte) Response {
	var a readArgs
	if err := decodeArgs(raw, &a); err != nil {
		return fail(err)
	}
	return okOrNull(d.reader.ReadDouble(a.Address.Address()))
}

func handleReadPointer(ctx context.Context, d *Dispatcher, raw []byte) Response {
	var a readPointerArgs
	if err := decodeArgs(raw, &a); err != nil {
		return fail(err)
	}
	v, err := d.reader.ReadPointer(a.Address.Address(), d.Toolkit.Process.PointerSize())
	if err != nil {
		return ok(nil)
	}
	return ok(v.Hex())
}

func (d *Dispatcher) stringCap(maxLen int) int {
	if maxLen > 0 {
		return maxLen
	}
	if d.Config != nil && d.Config.Strings.DefaultCap > 0 {
		return d.Config.Strings.DefaultCap
	}
	return 0 // memio applies its own default
}

func handleReadCString(ctx context.Context, d *Dispatcher, raw []byte) Response {
	var a readCStringArgs
	if err := decodeArgs(raw, &a); err != nil {
		return fail(err)
	}
	return okOrNull(d.reader.ReadCString(a.Address.Address(), d.stringCap(a.MaxLen)))
}

func handleReadUTF16(ctx context.Context, d *Dispatcher, raw []byte) Response {
	var a readCStringArgs
	if err := decodeArgs(raw, &a); err != nil {
		return fail(err)
	}
	return okOrNull(d.reader.ReadUTF16String(a.Address.Address(), d.stringCap(a.MaxLen)))
}

type writeIntArgs struct {
	Address AddrArg `json:"address"`
	Value   int64   `json:"value"`
}

type writeFloatArgs struct {
	Address AddrArg `json:"address"`
	Value   float64 `json:"value"`
}

type writeStringArgs struct {
	Address AddrArg `json:"address"`
	Value   string  `json:"value"`
}

type writeBytesArgs struct {
	Address AddrArg `json:"address"`
	Value   []byte  `json:"value"`
}

type writePointerArgs struct {
	Address AddrArg `json:"address"`
	Value   AddrArg `json:"value"`
}

func handleWriteS8(ctx context.Context, d *Dispatcher, raw []byte) Response {
	var a writeIntArgs
	if err := decodeArgs(raw, &a); err != nil {
		return fail(err)
	}
	if err := d.writer.WriteS8(a.Address.Address(), int8(a.Value)); err != nil {
		return fail(err)
	}
	return ok(nil)
}

func handleWriteU8(ctx context.Context, d *Dispatcher, raw []byte) Response {
	var a writeIntArgs
	if err := decodeArgs(raw, &a); err != nil {
		return fail(err)
	}
	if err := d.writer.WriteU8(a.Address.Address(), uint8(a.Value)); err != nil {
		return fail(err)
	}
	return ok(nil)
}

func handleWriteS16(ctx context.Context, d *Dispatcher, raw []byte) Response {
	var a writeIntArgs
	if err := decodeArgs(raw, &a); err != nil {
		return fail(err)
	}
	if err := d.writer.WriteS16(a.Address.Address(), int16(a.Value)); err != nil {
		return fail(err)
	}
	return ok(nil)
}

func handleWriteU16(ctx context.Context, d *Dispatcher, raw []byte) Response {
	var a writeIntArgs
	if err := decodeArgs(raw, &a); err != nil {
		return fail(err)
	}
	if err := d.writer.WriteU16(a.Address.Address(), uint16(a.Value)); err != nil {
		return fail(err)
	}
	return ok(nil)
}

func handleWriteS32(ctx context.Context, d *Dispatcher, raw []byte) Response {
	var a writeIntArgs
	if err := decodeArgs(raw, &a); err != nil {
		return fail(err)
	}
	if err := d.writer.WriteS32(a.Address.Address(), int32(a.Value)); err != nil {
		return fail(err)
	}
	return ok(nil)
}

func handleWriteU32(ctx context.Context, d *Dispatcher, raw []byte) Response {
	var a writeIntArgs
	if err := decodeArgs(raw, &a); err != nil {
		return fail(err)
	}
	if err := d.writer.WriteU32(a.Address.Address(), uint32(a.Value)); err != nil {
		return fail(err)
	}
	return ok(nil)
}

func handleWriteS64(ctx context.Context, d *Dispatcher, raw []byte) Response {
	var a writeIntArgs
	if err := decodeArgs(raw, &a); err != nil {
		return fail(err)
	}
	if err := d.writer.WriteS64(a.Address.Address(), a.Value); err != nil {
		return fail(err)
	}
	return ok(nil)
}

func handleWriteU64(ctx context.Context, d *Dispatcher, raw []byte) Response {
	var a writeIntArgs
	if err := decodeArgs(raw, &a); err != nil {
		return fail(err)
	}
	if err := d.writer.WriteU64(a.Address.Address(), uint64(a.Value)); err != nil {
		return fail(err)
	}
	return ok(nil)
}

func handleWriteFloat(ctx context.Context, d *Dispatcher, raw []byte) Response {
	var a writeFloatArgs
	if err := decodeArgs(raw, &a); err != nil {
		return fail(err)
	}
	if err := d.writer.WriteFloat(a.Address.Address(), float32(a.Value)); err != nil {
		return fail(err)
	}
	return ok(nil)
}

func handleWriteDouble(ctx context.Context, d *Dispatcher, raw []byte) Response {
	var a writeFloatArgs
	if err := decodeArgs(raw, &a); err != nil {
		return fail(err)
	}
	if err := d.writer.WriteDouble(a.Address.Address(), a.Value); err != nil {
		return fail(err)
	}
	return ok(nil)
}

func handleWritePointer(ctx context.Context, d *Dispatcher, raw []byte) Response {
	var a writePointerArgs
	if err := decodeArgs(raw, &a); err != nil {
		return fail(err)
	}
	if err := d.writer.WritePointer(a.Address.Address(), a.Value.Address(), d.Toolkit.Process.PointerSize()); err != nil {
		return fail(err)
	}
	return ok(nil)
}

func handleWriteBytes(ctx context.Context, d *Dispatcher, raw []byte) Response {
	var a writeBytesArgs
	if err := decodeArgs(raw, &a); err != nil {
		return fail(err)
	}
	if err := d.writer.WriteBytes(a.Address.Address(), a.Value); err != nil {
		return fail(err)
	}
	return ok(nil)
}

func handleWriteCString(ctx context.Context, d *Dispatcher, raw []byte) Response {
	var a writeStringArgs
	if err := decodeArgs(raw, &a); err != nil {
		return fail(err)
	}
	if err := d.writer.WriteCString(a.Address.Address(), a.Value); err != nil {
		return fail(err)
	}
	return ok(nil)
}

func handleWriteUTF16(ctx context.Context, d *Dispatcher, raw []byte) Response {
	var a writeStringArgs
	if err := decodeArgs(raw, &a); err != nil {
		return fail(err)
	}
	if err := d.writer.WriteUTF16String(a.Address.Address(), a.Value); err != nil {
		return fail(err)
	}
	return ok(nil)
}

func handleCheckReadProtection(ctx context.Context, d *Dispatcher, raw []byte) Response {
	var a readArgs
	if err := decodeArgs(raw, &a); err != nil {
		return fail(err)
	}
	v, err := d.prot.CheckReadProtection(a.Address.Address())
	if err != nil {
		return fail(err)
	}
	return ok(v)
}

func handleCheckWriteProtection(ctx context.Context, d *Dispatcher, raw []byte) Response {
	var a readArgs
	if err := decodeArgs(raw, &a); err != nil {
		return fail(err)
	}
	v, err := d.prot.CheckWriteProtection(a.Address.Address())
	if err != nil {
		return fail(err)
	}
	return ok(v)
}

func handleGetMemoryProtection(ctx context.Context, d *Dispatcher, raw []byte) Response {
	var a readArgs
	if err := decodeArgs(raw, &a); err != nil {
		return fail(err)
	}
	p, err := d.prot.GetMemoryProtection(a.Address.Address())
	if err != nil {
		return ok(nil)
	}
	return ok(p.String())
}

type setProtectionArgs struct {
	Address    AddrArg `json:"address"`
	Size       uint64  `json:"size"`
	Protection string  `json:"protection"`
}

func handleSetMemoryProtection(ctx context.Context, d *Dispatcher, raw []byte) Response {
	var a setProtectionArgs
	if err := decodeArgs(raw, &a); err != nil {
		return fail(err)
	}
	prot, err := dit.ParseProtection(a.Protection)
	if err != nil {
		return fail(err)
	}
	if err := d.prot.SetMemoryProtection(a.Address.Address(), a.Size, prot); err != nil {
		return fail(err)
	}
	return ok(nil)
}
