// Package index builds per-file symbol tables, export maps and import
// maps from the typed AST.
package index

import (
	"github.com/rand/topos/internal/ast"
	"github.com/rand/topos/internal/logging"
	"github.com/rand/topos/internal/source"
)

// SymbolKind classifies a definition.
type SymbolKind string

const (
	KindConcept     SymbolKind = "concept"
	KindBehavior    SymbolKind = "behavior"
	KindInvariant   SymbolKind = "invariant"
	KindAesthetic   SymbolKind = "aesthetic"
	KindRequirement SymbolKind = "requirement"
	KindTask        SymbolKind = "task"
	KindField       SymbolKind = "field"
	KindParam       SymbolKind = "param"
	KindVariant     SymbolKind = "variant"
)

// Symbol is one definition entry.
type Symbol struct {
	Name string
	Kind SymbolKind
	// Span is the definition's name span when available, else the node span.
	Span source.Span
	// Full is the span of the whole defining construct.
	Full    source.Span
	Private bool
	File    source.FileID
	// Parent names the owning concept or behavior for child symbols.
	Parent string
	// Doc is the definition's documentation prose, when present.
	Doc string
	// Detail is a short rendered signature (field type, behavior params).
	Detail string
}

// SymbolTable lists a file's definitions in source order. Lookup maps
// consider top-level symbols only; child symbols are reached through
// their parent.
type SymbolTable struct {
	File    source.FileID
	Symbols []*Symbol

	byName map[string]*Symbol
}

// Build constructs the symbol table for a lowered file.
func Build(file source.FileID, f *ast.File) *SymbolTable {
	timer := logging.StartTimer(logging.CategoryIndex, "Build")
	defer timer.Stop()

	t := &SymbolTable{File: file, byName: make(map[string]*Symbol)}

	add := func(s *Symbol) *Symbol {
		s.File = file
		t.Symbols = append(t.Symbols, s)
		if s.Parent == "" {
			if _, exists := t.byName[s.Name]; !exists {
				t.byName[s.Name] = s
			}
		}
		return s
	}

	for _, c := range f.Concepts() {
		add(&Symbol{Name: c.Name, Kind: KindConcept, Span: orSpan(c.NameSpan, c.Span), Full: c.Span, Private: c.Private, Doc: c.Doc})
		for _, field := range c.Fields {
			add(&Symbol{
				Name:   field.Name,
				Kind:   KindField,
				Span:   orSpan(field.NameSpan, field.Span),
				Full:   field.Span,
				Parent: c.Name,
				Detail: field.Type.String(),
			})
		}
		for _, v := range c.Variants {
			add(&Symbol{Name: v.Name, Kind: KindVariant, Span: v.Span, Full: v.Span, Parent: c.Name})
		}
	}
	for _, b := range f.Behaviors() {
		add(&Symbol{Name: b.Name, Kind: KindBehavior, Span: orSpan(b.NameSpan, b.Span), Full: b.Span, Private: b.Private, Doc: b.Doc, Detail: behaviorDetail(b)})
		for _, p := range b.Params {
			add(&Symbol{Name: p.Name, Kind: KindParam, Span: p.Span, Full: p.Span, Parent: b.Name, Detail: p.Type.String()})
		}
	}
	for _, inv := range f.Invariants() {
		add(&Symbol{Name: inv.Name, Kind: KindInvariant, Span: orSpan(inv.NameSpan, inv.Span), Full: inv.Span, Private: inv.Private, Doc: inv.Doc})
	}
	for _, a := range f.Aesthetics() {
		add(&Symbol{Name: a.Name, Kind: KindAesthetic, Span: orSpan(a.NameSpan, a.Span), Full: a.Span, Private: a.Private})
	}
	for _, r := range f.Requirements() {
		add(&Symbol{Name: r.ID, Kind: KindRequirement, Span: orSpan(r.IDSpan, r.Span), Full: r.Span, Doc: r.Title})
	}
	for _, task := range f.Tasks() {
		add(&Symbol{Name: task.ID, Kind: KindTask, Span: orSpan(task.IDSpan, task.Span), Full: task.Span, Doc: task.Title})
	}

	logging.Get(logging.CategoryIndex).Debug("indexed %d symbols", len(t.Symbols))
	return t
}

func orSpan(primary, fallback source.Span) source.Span {
	if primary.End > primary.Start || primary.Start > 0 {
		return primary
	}
	return fallback
}

func behaviorDetail(b *ast.Behavior) string {
	out := b.Name + "("
	for i, p := range b.Params {
		if i > 0 {
			out += ", "
		}
		out += p.Name
		if p.Type != nil {
			out += " " + p.Type.String()
		}
	}
	out += ")"
	if b.Returns != nil && b.Returns.Success != nil {
		out += " -> " + b.Returns.Success.String()
		if b.Returns.Error != nil {
			out += " or " + b.Returns.Error.String()
		}
	}
	return out
}

// Lookup returns the first top-level symbol with the given name.
func (t *SymbolTable) Lookup(name string) *Symbol {
	return t.byName[name]
}

// LookupKind returns the first top-level symbol with the name and kind.
func (t *SymbolTable) LookupKind(name string, kind SymbolKind) *Symbol {
	for _, s := range t.Symbols {
		if s.Parent == "" && s.Name == name && s.Kind == kind {
			return s
		}
	}
	return nil
}

// Children returns the child symbols of a parent definition.
func (t *SymbolTable) Children(parent string) []*Symbol {
	var out []*Symbol
	for _, s := range t.Symbols {
		if s.Parent == parent {
			out = append(out, s)
		}
	}
	return out
}

// ExportMap is the public subset of a file's symbol table.
type ExportMap struct {
	File    source.FileID
	Symbols map[string]*Symbol
}

// Exports derives the export map: every public top-level symbol.
func Exports(t *SymbolTable) *ExportMap {
	em := &ExportMap{File: t.File, Symbols: make(map[string]*Symbol)}
	for _, s := range t.Symbols {
		if s.Parent != "" || s.Private {
			continue
		}
		if _, exists := em.Symbols[s.Name]; !exists {
			em.Symbols[s.Name] = s
		}
	}
	return em
}

// ImportRecord describes one imported binding or import form.
type ImportRecord struct {
	Span source.Span
	// SourcePath is the import path exactly as written.
	SourcePath string
	// OriginalName is the name in the source file; empty for glob and
	// namespace imports.
	OriginalName string
	// Alias is the local rename, or the namespace alias.
	Alias string
	Glob  bool
	// Namespace is true for `import "p" as mod`.
	Namespace bool
}

// Local returns the name the record binds in the importing file.
func (r ImportRecord) Local() string {
	if r.Alias != "" {
		return r.Alias
	}
	return r.OriginalName
}

// ImportMap records a file's imports by local name, plus its glob and
// namespace imports.
type ImportMap struct {
	File source.FileID
	// ByName maps each explicitly imported local name to its first
	// binding; later duplicates land in Duplicates.
	ByName map[string]ImportRecord
	// Order preserves declaration order of explicit bindings.
	Order []ImportRecord
	// Globs lists `import from "p": *` records in order.
	Globs []ImportRecord
	// Namespaces maps module aliases to their records.
	Namespaces map[string]ImportRecord
	// Duplicates lists explicit bindings whose local name was already
	// taken; resolution uses the first, validation reports the rest.
	Duplicates []ImportRecord
}

// BuildImports constructs the import map for a lowered file.
func BuildImports(file source.FileID, f *ast.File) *ImportMap {
	m := &ImportMap{
		File:       file,
		ByName:     make(map[string]ImportRecord),
		Namespaces: make(map[string]ImportRecord),
	}
	for _, imp := range f.Imports {
		switch {
		case imp.Glob:
			m.Globs = append(m.Globs, ImportRecord{Span: imp.Span, SourcePath: imp.Path, Glob: true})
		case imp.Alias != "":
			m.Namespaces[imp.Alias] = ImportRecord{Span: imp.Span, SourcePath: imp.Path, Alias: imp.Alias, Namespace: true}
		default:
			for _, item := range imp.Items {
				rec := ImportRecord{
					Span:         item.Span,
					SourcePath:   imp.Path,
					OriginalName: item.Name,
					Alias:        item.Alias,
				}
				local := rec.Local()
				if _, exists := m.ByName[local]; exists {
					m.Duplicates = append(m.Duplicates, rec)
					continue
				}
				m.ByName[local] = rec
				m.Order = append(m.Order, rec)
			}
		}
	}
	return m
}
