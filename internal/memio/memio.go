// Package memio implements spec.md §4.2: typed reads and writes over a
// dit.Memory, plus the protection-query helpers the RPC surface exposes
// directly (check_read_protection, check_write_protection,
// get_memory_protection, set_memory_protection).
package memio

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/tracewire/agentcore/internal/dit"
)

// DefaultStringCap is the byte limit applied to ReadCString and
// ReadUTF16String when the caller does not specify one, per §4.2.
const DefaultStringCap = 256

// Reader wraps a dit.Memory with the typed accessors spec.md §4.2 defines.
type Reader struct {
	Mem dit.Memory
}

func New(mem dit.Memory) *Reader { return &Reader{Mem: mem} }

func (r *Reader) read(addr dit.Address, n int) ([]byte, error) {
	b, err := r.Mem.ReadBytes(addr, n)
	if err != nil {
		return nil, fmt.Errorf("read at %s: %w", addr, err)
	}
	return b, nil
}

// ReadBytes reads n raw bytes at addr.
func (r *Reader) ReadBytes(addr dit.Address, n int) ([]byte, error) {
	if n <= 0 {
		return nil, fmt.Errorf("byte count must be positive, got %d", n)
	}
	return r.read(addr, n)
}

func (r *Reader) ReadS8(addr dit.Address) (int8, error) {
	b, err := r.read(addr, 1)
	if err != nil {
		return 0, err
	}
	return int8(b[0]), nil
}

func (r *Reader) ReadU8(addr dit.Address) (uint8, error) {
	b, err := r.read(addr, 1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *Reader) ReadS16(addr dit.Address) (int16, error) {
	b, err := r.read(addr, 2)
	if err != nil {
		return 0, err
	}
	return int16(binary.LittleEndian.Uint16(b)), nil
}

func (r *Reader) ReadU16(addr dit.Address) (uint16, error) {
	b, err := r.read(addr, 2)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint16(b), nil
}

func (r *Reader) ReadS32(addr dit.Address) (int32, error) {
	b, err := r.read(addr, 4)
	if err != nil {
		return 0, err
	}
	return int32(binary.LittleEndian.Uint32(b)), nil
}

func (r *Reader) ReadU32(addr dit.Address) (uint32, error) {
	b, err := r.read(addr, 4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (r *Reader) ReadS64(addr dit.Address) (int64, error) {
	b, err := r.read(addr, 8)
	if err != nil {
		return 0, err
	}
	return int64(binary.LittleEndian.Uint64(b)), nil
}

func (r *Reader) ReadU64(addr dit.Address) (uint64, error) {
	b, err := r.read(addr, 8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (r *Reader) ReadFloat(addr dit.Address) (float32, error) {
	b, err := r.read(addr, 4)
	if err != nil {
		return 0, err
	}
	return math.Float32frombits(binary.LittleEndian.Uint32(b)), nil
}

func (r *Reader) ReadDouble(addr dit.Address) (float64, error) {
	b, err := r.read(addr, 8)
	if err != nil {
		return 0, err
	}
	return math.Float64frombits(binary.LittleEndian.Uint64(b)), nil
}

// ReadPointer reads a pointer-sized value using the process's own pointer
// width (4 or 8 bytes).
func (r *Reader) ReadPointer(addr dit.Address, pointerSize int) (dit.Address, error) {
	switch pointerSize {
	case 4:
		v, err := r.ReadU32(addr)
		return dit.Address(v), err
	case 8:
		v, err := r.ReadU64(addr)
		return dit.Address(v), err
	default:
		return 0, fmt.Errorf("unsupported pointer size %d", pointerSize)
	}
}

// ReadCString reads a NUL-terminated byte string, capped at maxLen bytes
// (DefaultStringCap if maxLen <= 0).
func (r *Reader) ReadCString(addr dit.Address, maxLen int) (string, error) {
	if maxLen <= 0 {
		maxLen = DefaultStringCap
	}
	b, err := r.read(addr, maxLen)
	if err != nil {
		return "", err
	}
	if i := indexByte(b, 0); i >= 0 {
		return string(b[:i]), nil
	}
	return string(b), nil
}

// ReadUTF16String reads a NUL-terminated UTF-16LE string, capped at maxLen
// code units (DefaultStringCap if maxLen <= 0).
func (r *Reader) ReadUTF16String(addr dit.Address, maxLen int) (string, error) {
	if maxLen <= 0 {
		maxLen = DefaultStringCap
	}
	b, err := r.read(addr, maxLen*2)
	if err != nil {
		return "", err
	}
	units := make([]uint16, 0, maxLen)
	for i := 0; i+1 < len(b); i += 2 {
		u := binary.LittleEndian.Uint16(b[i:])
		if u == 0 {
			break
		}
		units = append(units, u)
	}
	return decodeUTF16(units), nil
}

func indexByte(b []byte, c byte) int {
	for i, v := range b {
		if v == c {
			return i
		}
	}
	return -1
}

func decodeUTF16(units []uint16) string {
	runes := make([]rune, 0, len(units))
	for i := 0; i < len(units); i++ {
		u := units[i]
		if u >= 0xD800 && u <= 0xDBFF && i+1 < len(units) {
			lo := units[i+1]
			if lo >= 0xDC00 && lo <= 0xDFFF {
				r := (rune(u-0xD800)<<10 | rune(lo-0xDC00)) + 0x10000
				runes = append(runes, r)
				i++
				continue
			}
		}
		runes = append(runes, rune(u))
	}
	return string(runes)
}

// Writer wraps a dit.Memory with typed write accessors.
type Writer struct {
	Mem dit.Memory
}

func NewWriter(mem dit.Memory) *Writer { return &Writer{Mem: mem} }

func (w *Writer) write(addr dit.Address, b []byte) error {
	if err := w.Mem.WriteBytes(addr, b); err != nil {
		return fmt.Errorf("write at %s: %w", addr, err)
	}
	return nil
}

func (w *Writer) WriteS8(addr dit.Address, v int8) error  { return w.write(addr, []byte{byte(v)}) }
func (w *Writer) WriteU8(addr dit.Address, v uint8) error { return w.write(addr, []byte{v}) }

func (w *Writer) WriteS16(addr dit.Address, v int16) error {
	b := make([]byte, 2)
	binary.LittleEndian.PutUint16(b, uint16(v))
	return w.write(addr, b)
}

func (w *Writer) WriteU16(addr dit.Address, v uint16) error {
	b := make([]byte, 2)
	binary.LittleEndian.PutUint16(b, v)
	return w.write(addr, b)
}

func (w *Writer) WriteS32(addr dit.Address, v int32) error {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, uint32(v))
	return w.write(addr, b)
}

func (w *Writer) WriteU32(addr dit.Address, v uint32) error {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, v)
	return w.write(addr, b)
}

func (w *Writer) WriteS64(addr dit.Address, v int64) error {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, uint64(v))
	return w.write(addr, b)
}

func (w *Writer) WriteU64(addr dit.Address, v uint64) error {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, v)
	return w.write(addr, b)
}

func (w *Writer) WriteFloat(addr dit.Address, v float32) error {
	b := make([]byte, 4)
	binary.LittleEndian.PutUint32(b, math.Float32bits(v))
	return w.write(addr, b)
}

func (w *Writer) WriteDouble(addr dit.Address, v float64) error {
	b := make([]byte, 8)
	binary.LittleEndian.PutUint64(b, math.Float64bits(v))
	return w.write(addr, b)
}

func (w *Writer) WritePointer(addr dit.Address, v dit.Address, pointerSize int) error {
	switch pointerSize {
	case 4:
		return w.WriteU32(addr, uint32(v))
	case 8:
		return w.WriteU64(addr, uint64(v))
	default:
		return fmt.Errorf("unsupported pointer size %d", pointerSize)
	}
}

func (w *Writer) WriteBytes(addr dit.Address, data []byte) error { return w.write(addr, data) }

func (w *Writer) WriteCString(addr dit.Address, s string) error {
	return w.write(addr, append([]byte(s), 0))
}

func (w *Writer) WriteUTF16String(addr dit.Address, s string) error {
	var b []byte
	for _, r := range s {
		if r <= 0xFFFF {
			u := make([]byte, 2)
			binary.LittleEndian.PutUint16(u, uint16(r))
			b = append(b, u...)
			continue
		}
		r -= 0x10000
		hi := uint16(0xD800 + (r >> 10))
		lo := uint16(0xDC00 + (r & 0x3FF))
		u := make([]byte, 4)
		binary.LittleEndian.PutUint16(u, hi)
		binary.LittleEndian.PutUint16(u[2:], lo)
		b = append(b, u...)
	}
	b = append(b, 0, 0)
	return w.write(addr, b)
}

// Protection is the protection-query surface the RPC dispatcher exposes
// directly as check_read_protection / check_write_protection /
// get_memory_protection / set_memory_protection.
type Protection struct {
	Proc dit.Process
	Mem  dit.Memory
}

func NewProtection(proc dit.Process, mem dit.Memory) *Protection {
	return &Protection{Proc: proc, Mem: mem}
}

func (p *Protection) CheckReadProtection(addr dit.Address) (bool, error) {
	r, ok := p.Proc.FindRangeContaining(addr)
	if !ok {
		return false, nil
	}
	return r.Protection.Read, nil
}

func (p *Protection) CheckWriteProtection(addr dit.Address) (bool, error) {
	r, ok := p.Proc.FindRangeContaining(addr)
	if !ok {
		return false, nil
	}
	return r.Protection.Write, nil
}

func (p *Protection) GetMemoryProtection(addr dit.Address) (dit.Protection, error) {
	r, ok := p.Proc.FindRangeContaining(addr)
	if !ok {
		return dit.Protection{}, fmt.Errorf("no mapped range contains %s", addr)
	}
	return r.Protection, nil
}

func (p *Protection) SetMemoryProtection(addr dit.Address, size uint64, prot dit.Protection) error {
	return p.Mem.Protect(addr, size, prot)
}
