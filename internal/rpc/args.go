package rpc

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/tracewire/agentcore/internal/dit"
)

// AddrArg decodes an address-typed RPC argument that may arrive as a
// decimal string, a 0x-prefixed hex string, or a bare JSON number — the
// three shapes spec.md §4.1 requires the dispatcher to accept.
type AddrArg dit.Address

func (a *AddrArg) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		addr, err := dit.ParseAddress(s)
		if err != nil {
			return err
		}
		*a = AddrArg(addr)
		return nil
	}
	var n float64
	if err := json.Unmarshal(b, &n); err == nil {
		*a = AddrArg(uint64(n))
		return nil
	}
	return fmt.Errorf("address argument must be a string or number, got %s", string(b))
}

func (a AddrArg) Address() dit.Address { return dit.Address(a) }

// NumArg decodes a numeric RPC argument that may arrive as a bare JSON
// number or as a decimal string — scan values travel both ways since
// 64-bit values do not survive JSON floats.
type NumArg float64

func (n *NumArg) UnmarshalJSON(b []byte) error {
	var f float64
	if err := json.Unmarshal(b, &f); err == nil {
		*n = NumArg(f)
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return fmt.Errorf("invalid numeric value %q", s)
		}
		*n = NumArg(f)
		return nil
	}
	return fmt.Errorf("value must be a number or numeric string, got %s", string(b))
}

func decodeArgs(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("decode arguments: %w", err)
	}
	return nil
}
