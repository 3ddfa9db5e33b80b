// Package scanner implements spec.md §4.6: the progressive memory
// scanner. A scan session starts from an initial pattern or typed-value
// scan over a set of memory ranges, then narrows via typed comparator
// refinement (scan_next) or a snapshot/changed/unchanged pass
// (scan_snapshot, scan_changed, scan_unchanged). Results page through
// get_scan_results / get_scan_result_values, capped at MaxResults entries
// per response while still reporting the true match count.
//
// Initial range scans fan out across ranges concurrently with
// errgroup, since an unbounded process address space can hold many
// candidate ranges and a sequential sweep would dominate wall-clock time.
// Each chunk's scan gets a short backoff-retry window before a fault is
// treated as a genuinely unreadable range.
package scanner

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/tracewire/agentcore/internal/dit"
	"github.com/tracewire/agentcore/internal/filterexpr"
	"github.com/tracewire/agentcore/internal/memio"
)

// chunkScanRetries bounds the number of retries for one chunk's
// PatternScan before it is given up on as a genuinely unreadable/faulting
// range rather than a transient fault (e.g. a page mid-protection-change).
const chunkScanRetries = 2

// MaxResults caps a single get_scan_results/get_scan_result_values page,
// per spec.md §4.6.
const MaxResults = 1000

// FloatEpsilon is the tolerance used when comparing float/double values,
// since IEEE-754 round-tripping through a materialized scratch write
// rarely reproduces bit-for-bit.
const FloatEpsilon = 1e-4

// ValueType names the typed interpretation a scan session compares
// matches under.
type ValueType string

const (
	TypeS8     ValueType = "byte"
	TypeU8     ValueType = "ubyte"
	TypeS16    ValueType = "short"
	TypeU16    ValueType = "ushort"
	TypeS32    ValueType = "int"
	TypeU32    ValueType = "uint"
	TypeS64    ValueType = "long"
	TypeU64    ValueType = "ulong"
	TypeFloat  ValueType = "float"
	TypeDouble ValueType = "double"
	TypeString ValueType = "string"
	TypeWString ValueType = "wstring"
)

// typeAliases maps the width-named spellings the RPC surface also
// accepts (int8/int16/int32/int64 and their unsigned forms) onto the
// canonical names above.
var typeAliases = map[ValueType]ValueType{
	"int8":   TypeS8,
	"uint8":  TypeU8,
	"int16":  TypeS16,
	"uint16": TypeU16,
	"int32":  TypeS32,
	"uint32": TypeU32,
	"int64":  TypeS64,
	"uint64": TypeU64,
}

// Normalize resolves a type alias to its canonical ValueType.
func Normalize(t ValueType) ValueType {
	if canonical, ok := typeAliases[t]; ok {
		return canonical
	}
	return t
}

func (t ValueType) byteWidth() (int, error) {
	switch t {
	case TypeS8, TypeU8:
		return 1, nil
	case TypeS16, TypeU16:
		return 2, nil
	case TypeS32, TypeU32, TypeFloat:
		return 4, nil
	case TypeS64, TypeU64, TypeDouble:
		return 8, nil
	default:
		return 0, fmt.Errorf("type %q has no fixed byte width", t)
	}
}

// Session is one progressive scan's accumulated state.
type Session struct {
	ID       int64
	ValType  ValueType
	Width    int    // matched byte length; 0 for raw pattern matches
	Pattern  string // the hex pattern the initial scan swept for
	Matches  []dit.Address
	snapshot map[dit.Address][]byte
}

// retype switches the typed interpretation of a session's matches, per
// the refinement operations' explicit type parameter. An empty type
// keeps the session's current interpretation.
func (s *Session) retype(t ValueType) error {
	if t == "" {
		return nil
	}
	t = Normalize(t)
	width, err := t.byteWidth()
	if err != nil {
		return err
	}
	s.ValType = t
	s.Width = width
	return nil
}

// Manager owns all scan sessions for one agent.
type Manager struct {
	Mem  dit.Memory
	Proc dit.Process

	// MaxPageResults overrides MaxResults when positive, letting callers
	// apply an internal/config-supplied cap instead of the package default.
	MaxPageResults int
	// Epsilon overrides FloatEpsilon when positive.
	Epsilon float64

	mu       sync.Mutex
	nextID   int64
	sessions map[int64]*Session
}

func New(mem dit.Memory, proc dit.Process) *Manager {
	return &Manager{Mem: mem, Proc: proc, sessions: map[int64]*Session{}}
}

func (m *Manager) maxResults() int {
	if m.MaxPageResults > 0 {
		return m.MaxPageResults
	}
	return MaxResults
}

func (m *Manager) newSession(valType ValueType, width int, pattern string, matches []dit.Address) *Session {
	id := atomic.AddInt64(&m.nextID, 1)
	s := &Session{ID: id, ValType: valType, Width: width, Pattern: pattern, Matches: matches}
	m.mu.Lock()
	m.sessions[id] = s
	m.mu.Unlock()
	return s
}

func (m *Manager) Get(id int64) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	return s, ok
}

// ClearScan discards a session.
func (m *Manager) ClearScan(id int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[id]; !ok {
		return fmt.Errorf("no scan session %d", id)
	}
	delete(m.sessions, id)
	return nil
}

// chunkOverlap extends each chunk past its nominal end, so a match of up to
// chunkOverlap+1 bytes that straddles a chunk boundary is still found by at
// least one chunk's scan. scanRanges does not chunk for longer patterns.
const chunkOverlap = 256

func chunkRange(r dit.Range, chunk uint64) []dit.Range {
	if chunk == 0 || r.Size <= chunk {
		return []dit.Range{r}
	}
	var out []dit.Range
	for off := uint64(0); off < r.Size; off += chunk {
		size := chunk + chunkOverlap
		if off+size > r.Size {
			size = r.Size - off
		}
		out = append(out, dit.Range{Base: r.Base.Add(int64(off)), Size: size, Protection: r.Protection})
	}
	return out
}

// scanRanges fans PatternScan out across ranges concurrently and merges
// the results, de-duplicating overlapping hits. Each chunk's PatternScan
// gets a few constant-backoff retries before being given up on, since a
// page can transiently fault (e.g. mid-protection-change) without the
// range being genuinely unreadable.
func (m *Manager) scanRanges(ctx context.Context, ranges []dit.Range, pattern string) ([]dit.Address, error) {
	var mu sync.Mutex
	var all []dit.Address

	// Chunk large ranges into units of 64 host pages so a scan over a few huge
	// ranges (e.g. one heap arena) still spreads across the errgroup's
	// concurrency rather than serializing inside a single goroutine.
	pageSize := hostPageSize()
	chunkSize := pageSize * 64
	// Each pattern byte takes at least two characters; a pattern that could
	// be longer than the overlap is swept over whole ranges instead.
	if len(pattern)/2 > chunkOverlap {
		chunkSize = 0
	}
	var chunks []dit.Range
	for _, r := range ranges {
		if !r.Protection.Read {
			continue
		}
		chunks = append(chunks, chunkRange(r, chunkSize)...)
	}

	g, ctx := errgroup.WithContext(ctx)
	for _, r := range chunks {
		r := r
		g.Go(func() error {
			var hits []dit.Address
			op := func() error {
				var err error
				hits, err = m.Mem.PatternScan(r.Base, r.Size, pattern)
				return err
			}
			bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Millisecond), chunkScanRetries), ctx)
			if err := backoff.Retry(op, bo); err != nil {
				return nil // still faulting after retries: skipped, not fatal
			}
			mu.Lock()
			all = append(all, hits...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	sort.Slice(all, func(i, j int) bool { return all[i] < all[j] })
	return filterexpr.Dedup(all), nil
}

// ScanPattern starts a session from a raw hex pattern (with optional "??"
// wildcard bytes) swept across ranges.
func (m *Manager) ScanPattern(ctx context.Context, ranges []dit.Range, pattern string) (*Session, error) {
	matches, err := m.scanRanges(ctx, ranges, pattern)
	if err != nil {
		return nil, err
	}
	return m.newSession("", 0, pattern, matches), nil
}

// ScanValue starts a session from a typed value, encoded to its exact
// little-endian byte pattern and swept across ranges.
func (m *Manager) ScanValue(ctx context.Context, ranges []dit.Range, valType ValueType, value float64) (*Session, error) {
	valType = Normalize(valType)
	width, err := valType.byteWidth()
	if err != nil {
		return nil, err
	}
	pattern, err := encodeHexPattern(m.materializeValue(valType, value, width))
	if err != nil {
		return nil, err
	}
	matches, err := m.scanRanges(ctx, ranges, pattern)
	if err != nil {
		return nil, err
	}
	return m.newSession(valType, width, pattern, matches), nil
}

// ScanString starts a session from a literal string match (UTF-8, no
// wildcard), optionally wide (UTF-16LE).
func (m *Manager) ScanString(ctx context.Context, ranges []dit.Range, s string, wide bool) (*Session, error) {
	var raw []byte
	valType := TypeString
	if wide {
		valType = TypeWString
		for _, r := range s {
			if r >= 0x10000 {
				// Runes outside the BMP encode as a surrogate pair.
				r -= 0x10000
				hi, lo := 0xD800+(r>>10), 0xDC00+(r&0x3FF)
				raw = append(raw, byte(hi), byte(hi>>8), byte(lo), byte(lo>>8))
				continue
			}
			raw = append(raw, byte(r), byte(r>>8))
		}
	} else {
		raw = []byte(s)
	}
	pattern, err := encodeHexPattern(raw)
	if err != nil {
		return nil, err
	}
	matches, err := m.scanRanges(ctx, ranges, pattern)
	if err != nil {
		return nil, err
	}
	return m.newSession(valType, len(raw), pattern, matches), nil
}

// materializeValue renders the byte pattern a typed value scans for by
// writing it through the toolkit's own typed writer into a scratch
// buffer and reading the bytes back, so the pattern's endianness is
// whatever the DIT actually produces. A toolkit without working scratch
// allocation falls back to the equivalent local little-endian encoding.
func (m *Manager) materializeValue(t ValueType, v float64, width int) []byte {
	scratch, err := m.Mem.AllocScratch(width)
	if err != nil {
		return encodeValue(t, v)
	}
	w := memio.NewWriter(m.Mem)
	switch t {
	case TypeS8:
		err = w.WriteS8(scratch, int8(int64(v)))
	case TypeU8:
		err = w.WriteU8(scratch, uint8(int64(v)))
	case TypeS16:
		err = w.WriteS16(scratch, int16(int64(v)))
	case TypeU16:
		err = w.WriteU16(scratch, uint16(int64(v)))
	case TypeS32:
		err = w.WriteS32(scratch, int32(int64(v)))
	case TypeU32:
		err = w.WriteU32(scratch, uint32(int64(v)))
	case TypeS64:
		err = w.WriteS64(scratch, int64(v))
	case TypeU64:
		err = w.WriteU64(scratch, uint64(int64(v)))
	case TypeFloat:
		err = w.WriteFloat(scratch, float32(v))
	case TypeDouble:
		err = w.WriteDouble(scratch, v)
	default:
		return encodeValue(t, v)
	}
	if err != nil {
		return encodeValue(t, v)
	}
	b, err := m.Mem.ReadBytes(scratch, width)
	if err != nil {
		return encodeValue(t, v)
	}
	return b
}

func encodeHexPattern(raw []byte) (string, error) {
	out := make([]byte, 0, len(raw)*3)
	for _, b := range raw {
		out = append(out, hexDigits[b>>4], hexDigits[b&0xf], ' ')
	}
	if len(out) == 0 {
		return "", fmt.Errorf("empty value encoding")
	}
	return string(out[:len(out)-1]), nil
}

const hexDigits = "0123456789abcdef"

func encodeValue(t ValueType, v float64) []byte {
	switch t {
	case TypeS8, TypeU8:
		return []byte{byte(int64(v))}
	case TypeS16, TypeU16:
		u := uint16(int64(v))
		return []byte{byte(u), byte(u >> 8)}
	case TypeS32, TypeU32:
		u := uint32(int64(v))
		return []byte{byte(u), byte(u >> 8), byte(u >> 16), byte(u >> 24)}
	case TypeS64, TypeU64:
		u := uint64(int64(v))
		b := make([]byte, 8)
		for i := 0; i < 8; i++ {
			b[i] = byte(u >> (8 * i))
		}
		return b
	case TypeFloat:
		u := math.Float32bits(float32(v))
		return []byte{byte(u), byte(u >> 8), byte(u >> 16), byte(u >> 24)}
	case TypeDouble:
		u := math.Float64bits(v)
		b := make([]byte, 8)
		for i := 0; i < 8; i++ {
			b[i] = byte(u >> (8 * i))
		}
		return b
	default:
		return nil
	}
}

func decodeValue(t ValueType, b []byte) float64 {
	switch t {
	case TypeS8:
		return float64(int8(b[0]))
	case TypeU8:
		return float64(b[0])
	case TypeS16:
		return float64(int16(uint16(b[0]) | uint16(b[1])<<8))
	case TypeU16:
		return float64(uint16(b[0]) | uint16(b[1])<<8)
	case TypeS32:
		return float64(int32(le32(b)))
	case TypeU32:
		return float64(le32(b))
	case TypeS64:
		return float64(int64(le64(b)))
	case TypeU64:
		return float64(le64(b))
	case TypeFloat:
		return float64(math.Float32frombits(le32(b)))
	case TypeDouble:
		return math.Float64frombits(le64(b))
	default:
		return 0
	}
}

func le32(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

func le64(b []byte) uint64 {
	var u uint64
	for i := 0; i < 8; i++ {
		u |= uint64(b[i]) << (8 * i)
	}
	return u
}

// Comparator is a scan_next refinement operator.
type Comparator string

const (
	CmpEq Comparator = "eq"
	CmpNe Comparator = "ne"
	CmpGt Comparator = "gt"
	CmpLt Comparator = "lt"
	CmpGe Comparator = "ge"
	CmpLe Comparator = "le"
)

// ScanNext refines a session's matches: each address is re-read as
// valType (falling back to the session's current type when valType is
// empty) and survives only if the current value compares true against
// value under cmp. Addresses that no longer resolve (unmapped/unreadable)
// are dropped.
func (m *Manager) ScanNext(id int64, valType ValueType, cmp Comparator, value float64) (*Session, error) {
	s, ok := m.Get(id)
	if !ok {
		return nil, fmt.Errorf("no scan session %d", id)
	}
	if err := s.retype(valType); err != nil {
		return nil, err
	}
	if _, err := s.ValType.byteWidth(); err != nil {
		return nil, fmt.Errorf("session %d holds %q matches; scan_next needs a fixed-width type", id, s.ValType)
	}
	var kept []dit.Address
	for _, addr := range s.Matches {
		b, err := m.Mem.ReadBytes(addr, s.Width)
		if err != nil {
			continue
		}
		cur := decodeValue(s.ValType, b)
		if compareValues(s.ValType, cur, value, cmp, m.epsilon()) {
			kept = append(kept, addr)
		}
	}
	s.Matches = kept
	return s, nil
}

func (m *Manager) epsilon() float64 {
	if m.Epsilon > 0 {
		return m.Epsilon
	}
	return FloatEpsilon
}

func compareValues(t ValueType, a, b float64, cmp Comparator, epsilon float64) bool {
	isFloat := t == TypeFloat || t == TypeDouble
	switch cmp {
	case CmpEq:
		if isFloat {
			return math.Abs(a-b) < epsilon
		}
		return a == b
	case CmpNe:
		if isFloat {
			return math.Abs(a-b) >= epsilon
		}
		return a != b
	case CmpGt:
		return a > b
	case CmpLt:
		return a < b
	case CmpGe:
		return a >= b
	case CmpLe:
		return a <= b
	default:
		return false
	}
}

// ScanSnapshot captures the current typed value at every match,
// replacing any prior snapshot generation — single-generation only, per
// spec.md §9. A non-empty valType retypes the session first.
func (m *Manager) ScanSnapshot(id int64, valType ValueType) error {
	s, ok := m.Get(id)
	if !ok {
		return fmt.Errorf("no scan session %d", id)
	}
	if err := s.retype(valType); err != nil {
		return err
	}
	width := s.Width
	if width == 0 {
		width = 1
	}
	snap := make(map[dit.Address][]byte, len(s.Matches))
	for _, addr := range s.Matches {
		b, err := m.Mem.ReadBytes(addr, width)
		if err != nil {
			continue
		}
		snap[addr] = b
	}
	s.snapshot = snap
	return nil
}

// ScanChanged and ScanUnchanged partition a session's matches against its
// snapshot: every match lies in exactly one of the two sets (or is
// dropped if it no longer resolves), so the partition never double-counts.
func (m *Manager) ScanChanged(id int64, valType ValueType) (*Session, error) {
	return m.scanBySnapshot(id, valType, true)
}

func (m *Manager) ScanUnchanged(id int64, valType ValueType) (*Session, error) {
	return m.scanBySnapshot(id, valType, false)
}

func (m *Manager) scanBySnapshot(id int64, valType ValueType, wantChanged bool) (*Session, error) {
	s, ok := m.Get(id)
	if !ok {
		return nil, fmt.Errorf("no scan session %d", id)
	}
	if s.snapshot == nil {
		return nil, fmt.Errorf("session %d has no snapshot; call scan_snapshot first", id)
	}
	if err := s.retype(valType); err != nil {
		return nil, err
	}
	width := s.Width
	if width == 0 {
		width = 1
	}
	var kept []dit.Address
	for _, addr := range s.Matches {
		before, had := s.snapshot[addr]
		if !had {
			continue
		}
		now, err := m.Mem.ReadBytes(addr, width)
		if err != nil {
			continue
		}
		changed := !bytesEqual(before, now)
		if changed == wantChanged {
			kept = append(kept, addr)
		}
	}
	s.Matches = kept
	return s, nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// ResultPage is one capped page of match addresses plus the true total
// count, per spec.md §4.6's "1000-entry response cap with true count
// reporting".
type ResultPage struct {
	Addresses []dit.Address
	Total     int
}

func (m *Manager) GetScanResults(id int64, offset, limit int) (ResultPage, error) {
	s, ok := m.Get(id)
	if !ok {
		return ResultPage{}, fmt.Errorf("no scan session %d", id)
	}
	return paginate(s.Matches, offset, limit, m.maxResults()), nil
}

// ResultValue pairs a match address with its current decoded value. A
// read failure is reported inline via Error rather than dropping the
// entry, so a page always covers its full address span.
type ResultValue struct {
	Address dit.Address `json:"address"`
	Value   float64     `json:"value"`
	Bytes   []byte      `json:"bytes,omitempty"`
	Error   string      `json:"error,omitempty"`
}

type ValuePage struct {
	Values []ResultValue
	Total  int
}

func (m *Manager) GetScanResultValues(id int64, valType ValueType, offset, limit int) (ValuePage, error) {
	s, ok := m.Get(id)
	if !ok {
		return ValuePage{}, fmt.Errorf("no scan session %d", id)
	}
	if err := s.retype(valType); err != nil {
		return ValuePage{}, err
	}
	page := paginate(s.Matches, offset, limit, m.maxResults())
	width := s.Width
	if width == 0 {
		width = 1
	}
	values := make([]ResultValue, 0, len(page.Addresses))
	for _, addr := range page.Addresses {
		b, err := m.Mem.ReadBytes(addr, width)
		if err != nil {
			values = append(values, ResultValue{Address: addr, Error: "(error)"})
			continue
		}
		values = append(values, ResultValue{Address: addr, Value: decodeValue(s.ValType, b), Bytes: b})
	}
	return ValuePage{Values: values, Total: page.Total}, nil
}

func paginate(addrs []dit.Address, offset, limit, maxResults int) ResultPage {
	total := len(addrs)
	if offset < 0 {
		offset = 0
	}
	if offset > total {
		offset = total
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}
	if end-offset > maxResults {
		end = offset + maxResults
	}
	return ResultPage{Addresses: append([]dit.Address(nil), addrs[offset:end]...), Total: total}
}
