// Package symbols implements spec.md §4.3: module, memory-range, export,
// import, and debug-symbol enumeration, plus name/address resolution.
// Enumeration results accept an optional filter expression (see
// internal/filterexpr) applied against a record's field map.
package symbols

import (
	"strconv"

	"github.com/tracewire/agentcore/internal/dit"
	"github.com/tracewire/agentcore/internal/filterexpr"
)

// Service wraps a dit.Process and dit.SymbolService with filtered
// enumeration.
type Service struct {
	Proc    dit.Process
	Symbols dit.SymbolService
}

func New(proc dit.Process, syms dit.SymbolService) *Service {
	return &Service{Proc: proc, Symbols: syms}
}

func (s *Service) ListModules(filter []any) ([]dit.Module, error) {
	mods, err := s.Proc.ListModules()
	if err != nil {
		return nil, err
	}
	expr, err := filterexpr.Parse(filter)
	if err != nil {
		return nil, err
	}
	out := mods[:0]
	for _, m := range mods {
		if expr.Match(moduleFields(m)) {
			out = append(out, m)
		}
	}
	return out, nil
}

func (s *Service) ListRanges(protFilter string, filter []any) ([]dit.Range, error) {
	ranges, err := s.Proc.ListRanges(protFilter)
	if err != nil {
		return nil, err
	}
	expr, err := filterexpr.Parse(filter)
	if err != nil {
		return nil, err
	}
	out := ranges[:0]
	for _, r := range ranges {
		if expr.Match(rangeFields(r)) {
			out = append(out, r)
		}
	}
	return out, nil
}

// ListRangesByModule restricts ListRanges to ranges backed by the named
// module's file or starting inside the module's address span.
func (s *Service) ListRangesByModule(moduleName string, protFilter string, filter []any) ([]dit.Range, error) {
	mod, ok := findModuleByName(s, moduleName)
	if !ok {
		return nil, nil
	}
	ranges, err := s.ListRanges(protFilter, filter)
	if err != nil {
		return nil, err
	}
	var out []dit.Range
	for _, r := range ranges {
		if r.File == mod.Path || r.Base >= mod.Base && uint64(r.Base-mod.Base) < mod.Size {
			out = append(out, r)
		}
	}
	return out, nil
}

func findModuleByName(s *Service, name string) (dit.Module, bool) {
	mods, err := s.Proc.ListModules()
	if err != nil {
		return dit.Module{}, false
	}
	for _, m := range mods {
		if m.Name == name {
			return m, true
		}
	}
	return dit.Module{}, false
}

func (s *Service) ListExports(module string, filter []any) ([]dit.Export, error) {
	exports, err := s.Symbols.ListExports(module)
	if err != nil {
		return nil, err
	}
	expr, err := filterexpr.Parse(filter)
	if err != nil {
		return nil, err
	}
	out := exports[:0]
	for _, e := range exports {
		if expr.Match(exportFields(e)) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *Service) ListImports(module string, filter []any) ([]dit.Import, error) {
	imports, err := s.Symbols.ListImports(module)
	if err != nil {
		return nil, err
	}
	expr, err := filterexpr.Parse(filter)
	if err != nil {
		return nil, err
	}
	out := imports[:0]
	for _, im := range imports {
		if expr.Match(importFields(im)) {
			out = append(out, im)
		}
	}
	return out, nil
}

func (s *Service) ListSymbols(module string, filter []any) ([]dit.Symbol, error) {
	syms, err := s.Symbols.ListSymbols(module)
	if err != nil {
		return nil, err
	}
	expr, err := filterexpr.Parse(filter)
	if err != nil {
		return nil, err
	}
	out := syms[:0]
	for _, sym := range syms {
		if expr.Match(symbolFields(sym)) {
			out = append(out, sym)
		}
	}
	return out, nil
}

// ListFunctions and ListVariables narrow ListExports by Export.Type.
func (s *Service) ListFunctions(module string, filter []any) ([]dit.Export, error) {
	return s.listExportsByType(module, "function", filter)
}

func (s *Service) ListVariables(module string, filter []any) ([]dit.Export, error) {
	return s.listExportsByType(module, "variable", filter)
}

func (s *Service) listExportsByType(module, typ string, filter []any) ([]dit.Export, error) {
	exports, err := s.ListExports(module, filter)
	if err != nil {
		return nil, err
	}
	var out []dit.Export
	for _, e := range exports {
		if e.Type == typ {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *Service) FindSymbol(name string) (dit.Symbol, bool) {
	return s.Symbols.FindSymbol(name)
}

func (s *Service) FindSymbolByAddress(addr dit.Address) (dit.Symbol, bool) {
	return s.Symbols.FindSymbolByAddress(addr)
}

func (s *Service) ResolveExport(module, export string) (dit.Address, bool) {
	return s.Symbols.ResolveExport(module, export)
}

func moduleFields(m dit.Module) map[string]string {
	return map[string]string{
		"name": m.Name,
		"base": m.Base.Hex(),
		"size": strconv.FormatUint(m.Size, 10),
		"path": m.Path,
	}
}

func rangeFields(r dit.Range) map[string]string {
	return map[string]string{
		"base":       r.Base.Hex(),
		"size":       strconv.FormatUint(r.Size, 10),
		"protection": r.Protection.String(),
		"file":       r.File,
	}
}

func exportFields(e dit.Export) map[string]string {
	return map[string]string{
		"name":    e.Name,
		"address": e.Address.Hex(),
		"type":    e.Type,
	}
}

func importFields(i dit.Import) map[string]string {
	return map[string]string{
		"name":    i.Name,
		"module":  i.Module,
		"address": i.Address.Hex(),
	}
}

func symbolFields(sym dit.Symbol) map[string]string {
	return map[string]string{
		"name":        sym.Name,
		"address":     sym.Address.Hex(),
		"module_name": sym.ModuleName,
		"file_name":   sym.FileName,
		"line_number": strconv.Itoa(sym.LineNumber),
	}
}
