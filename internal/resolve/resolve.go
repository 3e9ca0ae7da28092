// Package resolve implements reference resolution across scopes and
// imports. The resolver itself is pure; it reaches other files only
// through the Workspace interface, which the query database implements
// with dependency tracking.
package resolve

import (
	"regexp"
	"strings"

	"github.com/rand/topos/internal/ast"
	"github.com/rand/topos/internal/index"
	"github.com/rand/topos/internal/logging"
	"github.com/rand/topos/internal/source"
)

// Workspace is the resolver's view of the surrounding workspace.
type Workspace interface {
	// ImportTarget resolves an import path written in the given file to
	// the file it denotes. ok is false for unknown paths and for edges
	// that would close an import cycle.
	ImportTarget(from source.FileID, path string) (source.FileID, bool)

	// Symbols returns the symbol table of a file.
	Symbols(file source.FileID) (*index.SymbolTable, error)

	// Exports returns the export map of a file.
	Exports(file source.FileID) (*index.ExportMap, error)

	// Imports returns the import map of a file.
	Imports(file source.FileID) (*index.ImportMap, error)

	// Files lists every workspace file in canonical path order.
	Files() ([]source.FileID, error)

	// PathFile resolves an absolute workspace path to its file.
	PathFile(path string) (source.FileID, bool)
}

// Definition is a successful resolution target.
type Definition struct {
	// Name is the definition's own name (the alias is not applied).
	Name string
	// Symbol is the resolved symbol; nil for built-ins and contextual
	// bindings.
	Symbol *index.Symbol
	// File owns the definition; NoFile for built-ins.
	File source.FileID
	// Builtin marks the built-in pseudo-namespace.
	Builtin bool
	// Contextual marks parameters, pattern variables and pseudo-symbols.
	Contextual bool
}

// Builtins is the built-in type namespace.
var Builtins = map[string]bool{
	"String":     true,
	"Boolean":    true,
	"Natural":    true,
	"DateTime":   true,
	"List":       true,
	"Optional":   true,
	"Email":      true,
	"Identifier": true,
	"UUID":       true,
	"Money":      true,
	"Currency":   true,
	"DocString":  true,
	"Hash":       true,
	"JWT":        true,
}

var oldCallPattern = regexp.MustCompile(`^old\([A-Za-z_][A-Za-z0-9_]*\)$`)

// pseudoSymbol reports whether name is a contextual pseudo-symbol valid
// inside behavior and invariant bodies.
func pseudoSymbol(name string) bool {
	return name == "result" || name == "now" || oldCallPattern.MatchString(name)
}

// Resolver resolves references for one file's AST.
type Resolver struct {
	ws   Workspace
	file source.FileID
	f    *ast.File
}

// New creates a resolver for a file.
func New(ws Workspace, file source.FileID, f *ast.File) *Resolver {
	return &Resolver{ws: ws, file: file, f: f}
}

// Resolve resolves one reference use to at most one definition.
// The resolution order is: contextual bindings, local definitions,
// explicit imports, glob imports, namespace-qualified lookups, absolute
// path lookups, built-ins. Stable-ID references consult only their own
// namespace.
func (r *Resolver) Resolve(use ast.RefUse) (*Definition, error) {
	name := use.Ref.Name
	logging.ResolveDebug("resolving %q in file %d", name, r.file)

	switch use.Kind {
	case ast.RefRequirement:
		return r.resolveStableID(name, index.KindRequirement)
	case ast.RefTask:
		return r.resolveStableID(name, index.KindTask)
	}

	// 1. Contextual bindings.
	if def := r.contextual(use.Ref); def != nil {
		return def, nil
	}

	// 2.-6. share the lexical lookup path.
	return r.lexical(name)
}

// ResolveName resolves a plain symbol name at a position, used by
// hover and goto-definition hosts.
func (r *Resolver) ResolveName(name string, at source.Span) (*Definition, error) {
	return r.Resolve(ast.RefUse{Ref: &ast.Reference{Name: name, Span: at}, Kind: kindForName(name)})
}

var (
	reqShape  = regexp.MustCompile(`^REQ-([A-Z][A-Z0-9]*-)*\d+$`)
	taskShape = regexp.MustCompile(`^TASK-([A-Z][A-Z0-9]*-)*\d+$`)
)

func kindForName(name string) ast.RefKind {
	switch {
	case reqShape.MatchString(name):
		return ast.RefRequirement
	case taskShape.MatchString(name):
		return ast.RefTask
	}
	return ast.RefSymbol
}

// contextual resolves parameters, quantifier variables and pseudo-
// symbols visible at the reference's position.
func (r *Resolver) contextual(ref *ast.Reference) *Definition {
	name := ref.Name
	if pseudoSymbol(name) {
		// Pseudo-symbols are only meaningful inside a behavior or
		// invariant body.
		if r.f.BehaviorAt(ref.Span.Start) != nil || r.invariantAt(ref.Span.Start) != nil {
			return &Definition{Name: name, File: r.file, Contextual: true}
		}
		return nil
	}
	if b := r.f.BehaviorAt(ref.Span.Start); b != nil {
		for _, p := range b.Params {
			if p.Name == name {
				return &Definition{Name: name, File: r.file, Contextual: true}
			}
		}
	}
	if inv := r.invariantAt(ref.Span.Start); inv != nil && inv.Var == name {
		return &Definition{Name: name, File: r.file, Contextual: true}
	}
	return nil
}

func (r *Resolver) invariantAt(off int) *ast.Invariant {
	for _, inv := range r.f.Invariants() {
		if inv.Span.Contains(off) {
			return inv
		}
	}
	return nil
}

// lexical runs the scope chain for an unqualified or qualified symbol
// reference.
func (r *Resolver) lexical(name string) (*Definition, error) {
	// Absolute path lookup: /path/to/file.Name
	if path, symbol, ok := (&ast.Reference{Name: name}).AbsolutePath(); ok {
		return r.absolute(path, symbol)
	}

	// Namespace-qualified lookup: mod.name
	if i := strings.LastIndex(name, "."); i > 0 {
		return r.qualified(name[:i], name[i+1:])
	}

	// Local scope always shadows imports.
	symbols, err := r.ws.Symbols(r.file)
	if err != nil {
		return nil, err
	}
	if s := symbols.Lookup(name); s != nil {
		return &Definition{Name: s.Name, Symbol: s, File: s.File}, nil
	}

	imports, err := r.ws.Imports(r.file)
	if err != nil {
		return nil, err
	}

	// Explicit imports shadow glob imports; duplicates resolved to the
	// first binding (the map already holds it).
	if rec, ok := imports.ByName[name]; ok {
		if def, err := r.importedSymbol(rec); def != nil || err != nil {
			return def, err
		}
	}

	// Glob imports in declaration order.
	for _, rec := range imports.Globs {
		target, ok := r.ws.ImportTarget(r.file, rec.SourcePath)
		if !ok {
			continue
		}
		exports, err := r.ws.Exports(target)
		if err != nil {
			return nil, err
		}
		if s, ok := exports.Symbols[name]; ok {
			return &Definition{Name: s.Name, Symbol: s, File: s.File}, nil
		}
	}

	// Built-ins resolve last so user definitions may shadow them.
	if Builtins[name] {
		return &Definition{Name: name, Builtin: true}, nil
	}
	return nil, nil
}

// importedSymbol resolves one explicit import binding to its exported
// definition.
func (r *Resolver) importedSymbol(rec index.ImportRecord) (*Definition, error) {
	target, ok := r.ws.ImportTarget(r.file, rec.SourcePath)
	if !ok {
		return nil, nil
	}
	exports, err := r.ws.Exports(target)
	if err != nil {
		return nil, err
	}
	if s, ok := exports.Symbols[rec.OriginalName]; ok {
		return &Definition{Name: s.Name, Symbol: s, File: s.File}, nil
	}
	return nil, nil
}

// qualified resolves `mod.name` through a namespace-alias import.
func (r *Resolver) qualified(mod, name string) (*Definition, error) {
	imports, err := r.ws.Imports(r.file)
	if err != nil {
		return nil, err
	}
	rec, ok := imports.Namespaces[mod]
	if !ok {
		return nil, nil
	}
	target, ok := r.ws.ImportTarget(r.file, rec.SourcePath)
	if !ok {
		return nil, nil
	}
	exports, err := r.ws.Exports(target)
	if err != nil {
		return nil, err
	}
	if s, ok := exports.Symbols[name]; ok {
		return &Definition{Name: s.Name, Symbol: s, File: s.File}, nil
	}
	return nil, nil
}

// absolute resolves `/path/to/file.Name` through that file's exports.
func (r *Resolver) absolute(path, name string) (*Definition, error) {
	target, ok := r.ws.PathFile(path)
	if !ok {
		return nil, nil
	}
	exports, err := r.ws.Exports(target)
	if err != nil {
		return nil, err
	}
	if s, ok := exports.Symbols[name]; ok {
		return &Definition{Name: s.Name, Symbol: s, File: s.File}, nil
	}
	return nil, nil
}

// resolveStableID resolves a REQ-*/TASK-* reference within its own
// namespace: the local file first, then every workspace file in
// canonical path order.
func (r *Resolver) resolveStableID(id string, kind index.SymbolKind) (*Definition, error) {
	symbols, err := r.ws.Symbols(r.file)
	if err != nil {
		return nil, err
	}
	if s := symbols.LookupKind(id, kind); s != nil {
		return &Definition{Name: id, Symbol: s, File: s.File}, nil
	}
	files, err := r.ws.Files()
	if err != nil {
		return nil, err
	}
	for _, f := range files {
		if f == r.file {
			continue
		}
		other, err := r.ws.Symbols(f)
		if err != nil {
			return nil, err
		}
		if s := other.LookupKind(id, kind); s != nil {
			return &Definition{Name: id, Symbol: s, File: s.File}, nil
		}
	}
	return nil, nil
}

// KindMismatch reports whether a name that failed to resolve in its
// expected namespace is instead defined in the other stable-ID
// namespace; such uses are diagnosed as kind mismatches rather than
// plain unresolved references.
func (r *Resolver) KindMismatch(use ast.RefUse) (bool, error) {
	var wrong index.SymbolKind
	switch use.Kind {
	case ast.RefRequirement:
		wrong = index.KindTask
	case ast.RefTask:
		wrong = index.KindRequirement
	default:
		// A symbol reference shaped like a stable ID is itself a
		// cross-namespace misuse.
		if kindForName(use.Ref.Name) == ast.RefSymbol {
			return false, nil
		}
		def, err := r.Resolve(ast.RefUse{Ref: use.Ref, Kind: kindForName(use.Ref.Name)})
		return def != nil, err
	}
	def, err := r.resolveStableID(use.Ref.Name, wrong)
	return def != nil, err
}
