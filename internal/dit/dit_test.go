package dit

import (
	"encoding/json"
	"testing"
)

func TestParseAddress(t *testing.T) {
	cases := []struct {
		in      string
		want    Address
		wantErr bool
	}{
		{"0x1000", 0x1000, false},
		{"0X1000", 0x1000, false},
		{"4096", 4096, false},
		{"", 0, true},
		{"0xzz", 0, true},
	}
	for _, c := range cases {
		got, err := ParseAddress(c.in)
		if c.wantErr {
			if err == nil {
				t.Errorf("ParseAddress(%q): expected error", c.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseAddress(%q): unexpected error: %v", c.in, err)
			continue
		}
		if got != c.want {
			t.Errorf("ParseAddress(%q) = %v, want %v", c.in, got, c.want)
		}
	}
}

func TestAddressHex(t *testing.T) {
	if got := Address(0x1000).Hex(); got != "0x1000" {
		t.Errorf("Hex() = %q, want 0x1000", got)
	}
}

func TestAddressJSONRoundTrip(t *testing.T) {
	// Addresses travel as hex strings so values beyond 53-bit float
	// precision survive the wire.
	in := Address(0xdeadbeefcafe0001)
	b, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if string(b) != `"0xdeadbeefcafe0001"` {
		t.Errorf("Marshal = %s", b)
	}
	var out Address
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if out != in {
		t.Errorf("round trip = %v, want %v", out, in)
	}
	if err := json.Unmarshal([]byte("4096"), &out); err != nil || out != 0x1000 {
		t.Errorf("Unmarshal bare number = %v, %v", out, err)
	}
}

func TestRangeContains(t *testing.T) {
	r := Range{Base: 0x1000, Size: 0x100}
	if !r.Contains(0x1000) {
		t.Error("expected base address to be contained")
	}
	if r.Contains(0x1100) {
		t.Error("expected base+size to be excluded")
	}
	if !r.Contains(0x10ff) {
		t.Error("expected last byte to be contained")
	}
}

func TestProtectionRoundTrip(t *testing.T) {
	for _, s := range []string{"r-x", "rw-", "---", "rwx"} {
		p, err := ParseProtection(s)
		if err != nil {
			t.Fatalf("ParseProtection(%q): %v", s, err)
		}
		if got := p.String(); got != s {
			t.Errorf("round trip %q -> %q", s, got)
		}
	}
}

func TestInstructionIsReturn(t *testing.T) {
	cases := []struct {
		arch string
		insn Instruction
		want bool
	}{
		{"x64", Instruction{Mnemonic: "ret"}, true},
		{"x64", Instruction{Mnemonic: "nop"}, false},
		{"arm", Instruction{Mnemonic: "bx", OpStr: "lr"}, true},
		{"arm", Instruction{Mnemonic: "bx", OpStr: "r0"}, false},
		{"arm64", Instruction{Mnemonic: "ret"}, true},
	}
	for _, c := range cases {
		if got := c.insn.IsReturn(c.arch); got != c.want {
			t.Errorf("IsReturn(%s) on %+v = %v, want %v", c.arch, c.insn, got, c.want)
		}
	}
}
