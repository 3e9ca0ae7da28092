package query

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/rand/topos/internal/ast"
	"github.com/rand/topos/internal/holes"
	"github.com/rand/topos/internal/index"
	"github.com/rand/topos/internal/logging"
	"github.com/rand/topos/internal/resolve"
	"github.com/rand/topos/internal/source"
	"github.com/rand/topos/internal/syntax"
	"github.com/rand/topos/internal/trace"
	"github.com/rand/topos/internal/validation"
)

// ParseResult is the value of the parse query.
type ParseResult struct {
	Tree   *syntax.Tree
	File   *ast.File
	Errors []ast.ParseError
}

// ResolveResult is the value of the resolve query. Def is nil for
// unresolved references; KindMismatch is then set when the name exists
// in the other stable-ID namespace.
type ResolveResult struct {
	Def          *resolve.Definition
	KindMismatch bool
}

// ImportAnalysis is the value of the per-file import analysis query.
type ImportAnalysis struct {
	Diagnostics []validation.Diagnostic
	// Cyclic marks import source paths that close an import cycle;
	// resolution refuses to follow them.
	Cyclic map[string]bool
}

// compute executes one derived query from scratch.
func (db *Database) compute(c *Ctx, key Key) (any, error) {
	logging.QueryDebug("computing %s", key)
	switch key.Kind {
	case QParse:
		return db.computeParse(c, key.File)
	case QSymbols:
		return db.computeSymbols(c, key.File)
	case QImports:
		return db.computeImports(c, key.File)
	case QExports:
		return db.computeExports(c, key.File)
	case QImportAnalysis:
		return db.computeImportAnalysis(c, key.File)
	case QResolve:
		return db.computeResolve(c, key)
	case QHoleContext:
		return db.computeHoleContext(c, key)
	case QFileDiagnostics:
		return db.computeFileDiagnostics(c, key.File)
	case QTraceability:
		return db.computeTraceability(c)
	case QWorkspaceDiagnostics:
		return db.computeWorkspaceDiagnostics(c)
	}
	return nil, fmt.Errorf("unknown query kind %v", key.Kind)
}

func (db *Database) computeParse(c *Ctx, file source.FileID) (any, error) {
	text, err := c.fileText(file)
	if err != nil {
		return nil, err
	}
	// Reuse the previous tree for incremental reparse; the result is
	// observationally identical to a from-scratch parse.
	var prior *syntax.Tree
	db.mu.RLock()
	if m, ok := db.memos[Key{Kind: QParse, File: file}]; ok {
		if pr, ok := m.value.(*ParseResult); ok {
			prior = pr.Tree
		}
	}
	db.mu.RUnlock()

	tree := syntax.Parse(text, prior)
	f, errs := ast.Lower(tree)
	return &ParseResult{Tree: tree, File: f, Errors: errs}, nil
}

func (db *Database) computeSymbols(c *Ctx, file source.FileID) (any, error) {
	v, err := c.get(Key{Kind: QParse, File: file})
	if err != nil {
		return nil, err
	}
	return index.Build(file, v.(*ParseResult).File), nil
}

func (db *Database) computeImports(c *Ctx, file source.FileID) (any, error) {
	v, err := c.get(Key{Kind: QParse, File: file})
	if err != nil {
		return nil, err
	}
	return index.BuildImports(file, v.(*ParseResult).File), nil
}

func (db *Database) computeExports(c *Ctx, file source.FileID) (any, error) {
	v, err := c.get(Key{Kind: QSymbols, File: file})
	if err != nil {
		return nil, err
	}
	return index.Exports(v.(*index.SymbolTable)), nil
}

// canonicalImportPath normalizes an import path written in fromPath's
// file against the workspace's canonical (slash-separated, root-
// relative) paths.
func canonicalImportPath(fromPath, importPath string) string {
	p := strings.TrimPrefix(importPath, "/")
	if strings.HasPrefix(importPath, "./") || strings.HasPrefix(importPath, "../") {
		p = path.Join(path.Dir(fromPath), importPath)
	}
	return path.Clean(p)
}

func (db *Database) computeImportAnalysis(c *Ctx, file source.FileID) (any, error) {
	v, err := c.get(Key{Kind: QImports, File: file})
	if err != nil {
		return nil, err
	}
	imports := v.(*index.ImportMap)
	fromPath, err := c.filePath(file)
	if err != nil {
		return nil, err
	}

	analysis := &ImportAnalysis{Cyclic: map[string]bool{}}

	// Explicit bindings, then glob imports, each in declaration order,
	// then namespace imports ordered by alias.
	records := make([]index.ImportRecord, 0, len(imports.Order)+len(imports.Globs)+len(imports.Namespaces))
	records = append(records, imports.Order...)
	records = append(records, imports.Globs...)
	nsAliases := make([]string, 0, len(imports.Namespaces))
	for alias := range imports.Namespaces {
		nsAliases = append(nsAliases, alias)
	}
	sort.Strings(nsAliases)
	for _, alias := range nsAliases {
		records = append(records, imports.Namespaces[alias])
	}

	seenPath := map[string]bool{}
	for _, rec := range records {
		canon := canonicalImportPath(fromPath, rec.SourcePath)
		target, ok, err := c.fileByPath(canon)
		if err != nil {
			return nil, err
		}
		if !ok {
			if !seenPath[rec.SourcePath] {
				seenPath[rec.SourcePath] = true
				analysis.Diagnostics = append(analysis.Diagnostics, validation.Diagnostic{
					Severity: validation.SeverityError,
					Code:     validation.CodeUnknownImport,
					Span:     rec.Span,
					Message:  fmt.Sprintf("unknown import path %q", rec.SourcePath),
				})
			}
			continue
		}

		// E106: explicit import of a private symbol.
		if rec.OriginalName != "" && !rec.Glob {
			sv, err := c.get(Key{Kind: QSymbols, File: target})
			if err != nil {
				return nil, err
			}
			if s := sv.(*index.SymbolTable).Lookup(rec.OriginalName); s != nil && s.Private {
				analysis.Diagnostics = append(analysis.Diagnostics, validation.Diagnostic{
					Severity: validation.SeverityError,
					Code:     validation.CodePrivateImport,
					Span:     rec.Span,
					Message:  fmt.Sprintf("cannot import private symbol `%s` from %q", rec.OriginalName, rec.SourcePath),
				})
			}
		}

		// E104: this edge closes a cycle back to the importing file.
		if !seenPath[rec.SourcePath] {
			cyclic, err := db.importReaches(c, target, file, map[source.FileID]bool{file: true})
			if err != nil {
				return nil, err
			}
			if cyclic || target == file {
				seenPath[rec.SourcePath] = true
				analysis.Cyclic[rec.SourcePath] = true
				analysis.Diagnostics = append(analysis.Diagnostics, validation.Diagnostic{
					Severity: validation.SeverityError,
					Code:     validation.CodeCircularImport,
					Span:     rec.Span,
					Message:  fmt.Sprintf("import of %q closes an import cycle", rec.SourcePath),
				})
			}
		}
	}

	// W209: duplicate explicit bindings; resolution uses the first.
	for _, rec := range imports.Duplicates {
		analysis.Diagnostics = append(analysis.Diagnostics, validation.Diagnostic{
			Severity: validation.SeverityWarning,
			Code:     validation.CodeDuplicateImport,
			Span:     rec.Span,
			Message:  fmt.Sprintf("duplicate import of `%s`; the first import wins", rec.Local()),
			Hints:    []string{"remove the duplicate or rename it with `as`"},
		})
	}

	validation.Sort(analysis.Diagnostics)
	return analysis, nil
}

// importReaches walks the import graph from a file looking for target.
func (db *Database) importReaches(c *Ctx, from, target source.FileID, visited map[source.FileID]bool) (bool, error) {
	if from == target {
		return true, nil
	}
	if visited[from] {
		return false, nil
	}
	visited[from] = true

	v, err := c.get(Key{Kind: QImports, File: from})
	if err != nil {
		return false, err
	}
	imports := v.(*index.ImportMap)
	fromPath, err := c.filePath(from)
	if err != nil {
		return false, err
	}

	var sourcePaths []string
	for _, rec := range imports.Order {
		sourcePaths = append(sourcePaths, rec.SourcePath)
	}
	for _, rec := range imports.Globs {
		sourcePaths = append(sourcePaths, rec.SourcePath)
	}
	for _, rec := range imports.Namespaces {
		sourcePaths = append(sourcePaths, rec.SourcePath)
	}
	sort.Strings(sourcePaths)

	for _, sp := range sourcePaths {
		next, ok, err := c.fileByPath(canonicalImportPath(fromPath, sp))
		if err != nil {
			return false, err
		}
		if !ok {
			continue
		}
		found, err := db.importReaches(c, next, target, visited)
		if err != nil {
			return false, err
		}
		if found {
			return true, nil
		}
	}
	return false, nil
}

// resolverView adapts a query context to the resolver's Workspace
// interface, recording every cross-file read as a dependency.
type resolverView struct {
	c    *Ctx
	file source.FileID
}

func (v resolverView) ImportTarget(from source.FileID, importPath string) (source.FileID, bool) {
	fromPath, err := v.c.filePath(from)
	if err != nil {
		return source.NoFile, false
	}
	id, ok, err := v.c.fileByPath(canonicalImportPath(fromPath, importPath))
	if err != nil || !ok {
		return source.NoFile, false
	}
	// Refuse edges that close an import cycle; downstream references
	// stay unresolved with the cycle diagnosed on the import statement.
	av, err := v.c.get(Key{Kind: QImportAnalysis, File: from})
	if err != nil {
		return source.NoFile, false
	}
	if av.(*ImportAnalysis).Cyclic[importPath] {
		return source.NoFile, false
	}
	return id, true
}

func (v resolverView) Symbols(file source.FileID) (*index.SymbolTable, error) {
	sv, err := v.c.get(Key{Kind: QSymbols, File: file})
	if err != nil {
		return nil, err
	}
	return sv.(*index.SymbolTable), nil
}

func (v resolverView) Exports(file source.FileID) (*index.ExportMap, error) {
	ev, err := v.c.get(Key{Kind: QExports, File: file})
	if err != nil {
		return nil, err
	}
	return ev.(*index.ExportMap), nil
}

func (v resolverView) Imports(file source.FileID) (*index.ImportMap, error) {
	iv, err := v.c.get(Key{Kind: QImports, File: file})
	if err != nil {
		return nil, err
	}
	return iv.(*index.ImportMap), nil
}

func (v resolverView) Files() ([]source.FileID, error) {
	return v.c.workspaceFiles()
}

func (v resolverView) PathFile(p string) (source.FileID, bool) {
	id, ok, err := v.c.fileByPath(strings.TrimPrefix(path.Clean(p), "/"))
	if err != nil {
		return source.NoFile, false
	}
	return id, ok
}

func resolveKey(file source.FileID, use ast.RefUse) Key {
	return Key{
		Kind:  QResolve,
		File:  file,
		Extra: fmt.Sprintf("%d:%d:%s", use.Kind, use.Ref.Span.Start, use.Ref.Name),
	}
}

func (db *Database) computeResolve(c *Ctx, key Key) (any, error) {
	v, err := c.get(Key{Kind: QParse, File: key.File})
	if err != nil {
		return nil, err
	}
	pr := v.(*ParseResult)

	parts := strings.SplitN(key.Extra, ":", 3)
	if len(parts) != 3 {
		return &ResolveResult{}, nil
	}
	kindNum, _ := strconv.Atoi(parts[0])
	start, _ := strconv.Atoi(parts[1])
	name := parts[2]

	use := ast.RefUse{
		Ref:  &ast.Reference{Name: name, Span: source.Span{Start: start, End: start + len(name)}},
		Kind: ast.RefKind(kindNum),
	}
	// Prefer the exact reference node so spans match the file.
	for _, candidate := range pr.File.Refs {
		if candidate.Ref.Span.Start == start && candidate.Ref.Name == name {
			use = candidate
			break
		}
	}

	r := resolve.New(resolverView{c: c, file: key.File}, key.File, pr.File)
	def, err := r.Resolve(use)
	if err != nil {
		return nil, err
	}
	result := &ResolveResult{Def: def}
	if def == nil {
		mismatch, err := r.KindMismatch(use)
		if err != nil {
			return nil, err
		}
		result.KindMismatch = mismatch
	}
	return result, nil
}

func (db *Database) computeHoleContext(c *Ctx, key Key) (any, error) {
	v, err := c.get(Key{Kind: QParse, File: key.File})
	if err != nil {
		return nil, err
	}
	holeID, _ := strconv.Atoi(key.Extra)
	return holes.Analyze(resolverView{c: c, file: key.File}, key.File, v.(*ParseResult).File, holeID)
}

func (db *Database) computeFileDiagnostics(c *Ctx, file source.FileID) (any, error) {
	v, err := c.get(Key{Kind: QParse, File: file})
	if err != nil {
		return nil, err
	}
	pr := v.(*ParseResult)
	filePath, err := c.filePath(file)
	if err != nil {
		return nil, err
	}

	av, err := c.get(Key{Kind: QImportAnalysis, File: file})
	if err != nil {
		return nil, err
	}
	tv, err := c.get(Key{Kind: QTraceability})
	if err != nil {
		return nil, err
	}
	report := tv.(*trace.Report)

	files, err := c.workspaceFiles()
	if err != nil {
		return nil, err
	}

	fctx := validation.FileContext{
		Path:              filePath,
		File:              pr.File,
		ParseErrors:       pr.Errors,
		ImportDiagnostics: av.(*ImportAnalysis).Diagnostics,
		Resolve: func(use ast.RefUse) (validation.ResolveOutcome, error) {
			rv, err := c.get(resolveKey(file, use))
			if err != nil {
				return validation.ResolveOutcome{}, err
			}
			rr := rv.(*ResolveResult)
			return validation.ResolveOutcome{Found: rr.Def != nil, KindMismatch: rr.KindMismatch}, nil
		},
		DefinedEarlier: func(id string) (bool, error) {
			for _, other := range files {
				if other == file {
					return false, nil
				}
				sv, err := c.get(Key{Kind: QSymbols, File: other})
				if err != nil {
					return false, err
				}
				table := sv.(*index.SymbolTable)
				if table.LookupKind(id, index.KindRequirement) != nil || table.LookupKind(id, index.KindTask) != nil {
					return true, nil
				}
			}
			return false, nil
		},
		ReqCoverage: func(id string) (bool, bool) {
			if entry := report.Entry(id); entry != nil {
				return entry.Coverage.HasBehavior, entry.Coverage.HasTask
			}
			return false, false
		},
	}
	return validation.FileDiagnostics(fctx)
}

func (db *Database) computeTraceability(c *Ctx) (any, error) {
	files, err := c.workspaceFiles()
	if err != nil {
		return nil, err
	}
	byPath := make(map[string]*ast.File, len(files))
	for _, file := range files {
		p, err := c.filePath(file)
		if err != nil {
			return nil, err
		}
		v, err := c.get(Key{Kind: QParse, File: file})
		if err != nil {
			return nil, err
		}
		byPath[p] = v.(*ParseResult).File
	}
	return trace.Build(byPath), nil
}

func (db *Database) computeWorkspaceDiagnostics(c *Ctx) (any, error) {
	files, err := c.workspaceFiles()
	if err != nil {
		return nil, err
	}

	var all []validation.Diagnostic
	byPath := make(map[string]*ast.File, len(files))
	var anchor source.Span
	anchorSet := false

	for _, file := range files {
		dv, err := c.get(Key{Kind: QFileDiagnostics, File: file})
		if err != nil {
			return nil, err
		}
		all = append(all, dv.([]validation.Diagnostic)...)

		p, err := c.filePath(file)
		if err != nil {
			return nil, err
		}
		pv, err := c.get(Key{Kind: QParse, File: file})
		if err != nil {
			return nil, err
		}
		f := pv.(*ParseResult).File
		byPath[p] = f
		if !anchorSet {
			for _, a := range f.Aesthetics() {
				for _, field := range a.Fields {
					if field.Soft {
						anchor = field.Span
						anchorSet = true
						break
					}
				}
				if anchorSet {
					break
				}
			}
		}
	}

	if d := validation.SoftRatioDiagnostic(byPath, db.cfg.Analysis.SoftRatioThreshold, anchor); d != nil {
		all = append(all, *d)
	}
	return all, nil
}

// ---- public query surface ----

// Parse runs the parse query for a file.
func (db *Database) Parse(ctx context.Context, file source.FileID) (*ParseResult, error) {
	v, _, err := db.fetch(db.rootCtx(ctx), Key{Kind: QParse, File: file})
	if err != nil {
		return nil, err
	}
	return v.(*ParseResult), nil
}

// FileSymbols returns the symbol table of a file.
func (db *Database) FileSymbols(ctx context.Context, file source.FileID) (*index.SymbolTable, error) {
	v, _, err := db.fetch(db.rootCtx(ctx), Key{Kind: QSymbols, File: file})
	if err != nil {
		return nil, err
	}
	return v.(*index.SymbolTable), nil
}

// FileImports returns the import map of a file.
func (db *Database) FileImports(ctx context.Context, file source.FileID) (*index.ImportMap, error) {
	v, _, err := db.fetch(db.rootCtx(ctx), Key{Kind: QImports, File: file})
	if err != nil {
		return nil, err
	}
	return v.(*index.ImportMap), nil
}

// FileExports returns the export map of a file.
func (db *Database) FileExports(ctx context.Context, file source.FileID) (*index.ExportMap, error) {
	v, _, err := db.fetch(db.rootCtx(ctx), Key{Kind: QExports, File: file})
	if err != nil {
		return nil, err
	}
	return v.(*index.ExportMap), nil
}

// Resolve resolves one reference use in a file; nil means unresolved.
func (db *Database) Resolve(ctx context.Context, file source.FileID, use ast.RefUse) (*resolve.Definition, error) {
	v, _, err := db.fetch(db.rootCtx(ctx), resolveKey(file, use))
	if err != nil {
		return nil, err
	}
	return v.(*ResolveResult).Def, nil
}

// FileHoles returns every typed hole of a file in source order.
func (db *Database) FileHoles(ctx context.Context, file source.FileID) ([]*ast.TypedHole, error) {
	pr, err := db.Parse(ctx, file)
	if err != nil {
		return nil, err
	}
	return pr.File.Holes, nil
}

// HoleContext analyzes the hole with the given per-file identifier.
func (db *Database) HoleContext(ctx context.Context, file source.FileID, holeID int) (*holes.Context, error) {
	v, _, err := db.fetch(db.rootCtx(ctx), Key{Kind: QHoleContext, File: file, Extra: strconv.Itoa(holeID)})
	if err != nil {
		return nil, err
	}
	if v == nil {
		return nil, nil
	}
	hc, _ := v.(*holes.Context)
	return hc, nil
}

// CheckHoleFill runs the on-demand compatibility check (I302) of a
// proposed type against a hole's context.
func (db *Database) CheckHoleFill(ctx context.Context, file source.FileID, holeID int, proposed *ast.TypeExpr) (*holes.Verdict, []validation.Diagnostic, error) {
	hc, err := db.HoleContext(ctx, file, holeID)
	if err != nil || hc == nil {
		return nil, nil, err
	}
	verdict := holes.CheckCompatibility(hc, proposed)
	var ds []validation.Diagnostic
	if !verdict.Compatible {
		for _, res := range verdict.Results {
			if res.OK {
				continue
			}
			ds = append(ds, validation.Diagnostic{
				Severity: validation.SeverityInfo,
				Code:     validation.CodeIncompatibleFill,
				Span:     hc.Hole.Span,
				Message:  res.Reason,
			})
		}
	}
	return &verdict, ds, nil
}

// FileDiagnostics returns a file's diagnostics in deterministic order.
func (db *Database) FileDiagnostics(ctx context.Context, file source.FileID) ([]validation.Diagnostic, error) {
	v, _, err := db.fetch(db.rootCtx(ctx), Key{Kind: QFileDiagnostics, File: file})
	if err != nil {
		return nil, err
	}
	return v.([]validation.Diagnostic), nil
}

// Traceability builds the workspace traceability report.
func (db *Database) Traceability(ctx context.Context) (*trace.Report, error) {
	v, _, err := db.fetch(db.rootCtx(ctx), Key{Kind: QTraceability})
	if err != nil {
		return nil, err
	}
	return v.(*trace.Report), nil
}

// WorkspaceDiagnostics aggregates every file's diagnostics plus the
// workspace-scoped rules, ordered by file path then span.
func (db *Database) WorkspaceDiagnostics(ctx context.Context) ([]validation.Diagnostic, error) {
	v, _, err := db.fetch(db.rootCtx(ctx), Key{Kind: QWorkspaceDiagnostics})
	if err != nil {
		return nil, err
	}
	return v.([]validation.Diagnostic), nil
}
