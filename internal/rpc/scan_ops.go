package rpc

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/tracewire/agentcore/internal/dit"
	"github.com/tracewire/agentcore/internal/scanner"
)

// resolveScanRanges builds the set of ranges a scan sweeps: an explicit
// [address, size) window when given, otherwise every range matching the
// protection mask ("r--" when unspecified, per spec.md §4.6.1).
func (d *Dispatcher) resolveScanRanges(address *AddrArg, size uint64, protection string) ([]dit.Range, error) {
	if address != nil && size > 0 {
		return []dit.Range{{Base: address.Address(), Size: size, Protection: dit.Protection{Read: true}}}, nil
	}
	if protection == "" {
		protection = "r--"
	}
	return d.Toolkit.Process.ListRanges(protection)
}

// scanEnvelope is the common response shape every scan producer and
// refiner returns: the true match count plus the first capped slice of
// result records.
func (d *Dispatcher) scanEnvelope(s *scanner.Session) Response {
	page, err := d.scanMgr.GetScanResults(s.ID, 0, 0)
	if err != nil {
		return fail(err)
	}
	results := make([]map[string]any, 0, len(page.Addresses))
	for _, addr := range page.Addresses {
		results = append(results, map[string]any{
			"address": addr.Hex(),
			"size":    s.Width,
			"pattern": s.Pattern,
		})
	}
	return ok(map[string]any{
		"session_id": s.ID,
		"count":      page.Total,
		"results":    results,
	})
}

type scanPatternArgs struct {
	Address    *AddrArg `json:"address,omitempty"`
	Size       uint64   `json:"size,omitempty"`
	Protection string   `json:"protection,omitempty"`
	Pattern    string   `json:"pattern"`
}

func handleScanPattern(ctx context.Context, d *Dispatcher, raw []byte) Response {
	var a scanPatternArgs
	if err := decodeArgs(raw, &a); err != nil {
		return fail(err)
	}
	ranges, err := d.resolveScanRanges(a.Address, a.Size, a.Protection)
	if err != nil {
		return fail(err)
	}
	s, err := d.scanMgr.ScanPattern(ctx, ranges, a.Pattern)
	if err != nil {
		return fail(err)
	}
	return d.scanEnvelope(s)
}

type scanValueArgs struct {
	Address    *AddrArg        `json:"address,omitempty"`
	Size       uint64          `json:"size,omitempty"`
	Protection string          `json:"protection,omitempty"`
	Type       string          `json:"type"`
	Value      json.RawMessage `json:"value"`
}

func handleScanValue(ctx context.Context, d *Dispatcher, raw []byte) Response {
	var a scanValueArgs
	if err := decodeArgs(raw, &a); err != nil {
		return fail(err)
	}
	ranges, err := d.resolveScanRanges(a.Address, a.Size, a.Protection)
	if err != nil {
		return fail(err)
	}

	// string/wstring values scan as literal text; every other recognized
	// type is materialized from its numeric value.
	valType := scanner.Normalize(scanner.ValueType(a.Type))
	if valType == scanner.TypeString || valType == scanner.TypeWString {
		var text string
		if err := json.Unmarshal(a.Value, &text); err != nil {
			return failf("scan value for type %q must be a string", a.Type)
		}
		s, err := d.scanMgr.ScanString(ctx, ranges, text, valType == scanner.TypeWString)
		if err != nil {
			return fail(err)
		}
		return d.scanEnvelope(s)
	}

	var num NumArg
	if err := json.Unmarshal(a.Value, &num); err != nil {
		return fail(fmt.Errorf("scan value for type %q: %w", a.Type, err))
	}
	s, err := d.scanMgr.ScanValue(ctx, ranges, valType, float64(num))
	if err != nil {
		return fail(err)
	}
	return d.scanEnvelope(s)
}

type scanStringArgs struct {
	Address    *AddrArg `json:"address,omitempty"`
	Size       uint64   `json:"size,omitempty"`
	Protection string   `json:"protection,omitempty"`
	Value      string   `json:"value"`
	Wide       bool     `json:"wide,omitempty"`
}

func handleScanString(ctx context.Context, d *Dispatcher, raw []byte) Response {
	var a scanStringArgs
	if err := decodeArgs(raw, &a); err != nil {
		return fail(err)
	}
	ranges, err := d.resolveScanRanges(a.Address, a.Size, a.Protection)
	if err != nil {
		return fail(err)
	}
	s, err := d.scanMgr.ScanString(ctx, ranges, a.Value, a.Wide)
	if err != nil {
		return fail(err)
	}
	return d.scanEnvelope(s)
}

type scanNextArgs struct {
	SessionID  int64  `json:"session_id"`
	Type       string `json:"type,omitempty"`
	Comparison string `json:"comparison"`
	Value      NumArg `json:"value"`
}

func handleScanNext(ctx context.Context, d *Dispatcher, raw []byte) Response {
	var a scanNextArgs
	if err := decodeArgs(raw, &a); err != nil {
		return fail(err)
	}
	s, err := d.scanMgr.ScanNext(a.SessionID, scanner.ValueType(a.Type), scanner.Comparator(a.Comparison), float64(a.Value))
	if err != nil {
		return fail(err)
	}
	return d.scanEnvelope(s)
}

type sessionArgs struct {
	SessionID int64  `json:"session_id"`
	Type      string `json:"type,omitempty"`
}

func handleScanSnapshot(ctx context.Context, d *Dispatcher, raw []byte) Response {
	var a sessionArgs
	if err := decodeArgs(raw, &a); err != nil {
		return fail(err)
	}
	if err := d.scanMgr.ScanSnapshot(a.SessionID, scanner.ValueType(a.Type)); err != nil {
		return fail(err)
	}
	return ok(nil)
}

func handleScanChanged(ctx context.Context, d *Dispatcher, raw []byte) Response {
	var a sessionArgs
	if err := decodeArgs(raw, &a); err != nil {
		return fail(err)
	}
	s, err := d.scanMgr.ScanChanged(a.SessionID, scanner.ValueType(a.Type))
	if err != nil {
		return fail(err)
	}
	return d.scanEnvelope(s)
}

func handleScanUnchanged(ctx context.Context, d *Dispatcher, raw []byte) Response {
	var a sessionArgs
	if err := decodeArgs(raw, &a); err != nil {
		return fail(err)
	}
	s, err := d.scanMgr.ScanUnchanged(a.SessionID, scanner.ValueType(a.Type))
	if err != nil {
		return fail(err)
	}
	return d.scanEnvelope(s)
}

type pageArgs struct {
	SessionID int64  `json:"session_id"`
	Type      string `json:"type,omitempty"`
	Offset    int    `json:"offset,omitempty"`
	Limit     int    `json:"limit,omitempty"`
}

func handleGetScanResults(ctx context.Context, d *Dispatcher, raw []byte) Response {
	var a pageArgs
	if err := decodeArgs(raw, &a); err != nil {
		return fail(err)
	}
	page, err := d.scanMgr.GetScanResults(a.SessionID, a.Offset, a.Limit)
	if err != nil {
		return fail(err)
	}
	return ok(map[string]any{"results": page.Addresses, "count": page.Total})
}

func handleGetScanResultValues(ctx context.Context, d *Dispatcher, raw []byte) Response {
	var a pageArgs
	if err := decodeArgs(raw, &a); err != nil {
		return fail(err)
	}
	page, err := d.scanMgr.GetScanResultValues(a.SessionID, scanner.ValueType(a.Type), a.Offset, a.Limit)
	if err != nil {
		return fail(err)
	}
	return ok(map[string]any{"results": page.Values, "count": page.Total})
}

func handleClearScan(ctx context.Context, d *Dispatcher, raw []byte) Response {
	var a sessionArgs
	if err := decodeArgs(raw, &a); err != nil {
		return fail(err)
	}
	if err := d.scanMgr.ClearScan(a.SessionID); err != nil {
		return fail(err)
	}
	return ok(nil)
}
