package symbols

import (
	"testing"

	"github.com/tracewire/agentcore/internal/dit"
	"github.com/tracewire/agentcore/internal/dit/fakeproc"
)

func newTarget() *fakeproc.Target {
	target := fakeproc.New("x64")
	target.MapRange(0x1000, 0x1000, dit.Protection{Read: true, Execute: true}, "libdemo.so")
	target.AddModule("libdemo.so", 0x1000, 0x1000, "/opt/libdemo.so")
	target.AddExport("libdemo.so", dit.Export{Name: "fn_a", Address: 0x1010, Type: "function"})
	target.AddExport("libdemo.so", dit.Export{Name: "g_var", Address: 0x1020, Type: "variable"})
	target.AddSymbol("libdemo.so", dit.Symbol{Name: "fn_a", Address: 0x1010, ModuleName: "libdemo.so"})
	return target
}

func TestListModulesAndFilter(t *testing.T) {
	target := newTarget()
	s := New(target, target)

	mods, err := s.ListModules(nil)
	if err != nil || len(mods) != 1 {
		t.Fatalf("ListModules = %v, %v", mods, err)
	}

	filtered, err := s.ListModules([]any{[]any{"name", "=", "nope"}})
	if err != nil {
		t.Fatalf("ListModules filtered: %v", err)
	}
	if len(filtered) != 0 {
		t.Fatalf("expected filter to exclude all modules, got %d", len(filtered))
	}
}

func TestListFunctionsVsVariables(t *testing.T) {
	target := newTarget()
	s := New(target, target)

	fns, err := s.ListFunctions("libdemo.so", nil)
	if err != nil || len(fns) != 1 || fns[0].Name != "fn_a" {
		t.Fatalf("ListFunctions = %v, %v", fns, err)
	}
	vars, err := s.ListVariables("libdemo.so", nil)
	if err != nil || len(vars) != 1 || vars[0].Name != "g_var" {
		t.Fatalf("ListVariables = %v, %v", vars, err)
	}
}

func TestResolveExportAndFindSymbol(t *testing.T) {
	target := newTarget()
	s := New(target, target)

	addr, ok := s.ResolveExport("libdemo.so", "fn_a")
	if !ok || addr != 0x1010 {
		t.Fatalf("ResolveExport = %s, %v", addr, ok)
	}
	sym, ok := s.FindSymbol("fn_a")
	if !ok || sym.Address != 0x1010 {
		t.Fatalf("FindSymbol = %+v, %v", sym, ok)
	}
	sym, ok = s.FindSymbolByAddress(0x1010)
	if !ok || sym.Name != "fn_a" {
		t.Fatalf("FindSymbolByAddress = %+v, %v", sym, ok)
	}
}
