// Package workspace is the host-facing facade over the query database:
// it loads a directory of topos files, feeds edits into the database
// inputs, and exposes the position-based operations used by LSP, CLI
// and MCP hosts.
package workspace

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/rand/topos/internal/ast"
	"github.com/rand/topos/internal/config"
	"github.com/rand/topos/internal/differ"
	"github.com/rand/topos/internal/index"
	"github.com/rand/topos/internal/logging"
	"github.com/rand/topos/internal/query"
	"github.com/rand/topos/internal/resolve"
	"github.com/rand/topos/internal/source"
	"github.com/rand/topos/internal/validation"
)

// Extensions recognized as topos sources.
var Extensions = []string{".tps", ".topos"}

// Workspace wraps one query database rooted at a directory.
type Workspace struct {
	DB   *query.Database
	Cfg  *config.Config
	Root string
}

// Load builds a workspace from a directory, registering every topos
// file and pre-parsing them in parallel.
func Load(ctx context.Context, root string) (*Workspace, error) {
	timer := logging.StartTimer(logging.CategoryWorkspace, "Load")
	defer timer.Stop()

	cfg, err := config.Load(root)
	if err != nil {
		return nil, err
	}
	ws := &Workspace{DB: query.New(cfg), Cfg: cfg, Root: root}
	ws.DB.SetWorkspaceRoot(root)

	var files []source.FileID
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return nil
		}
		name := d.Name()
		if d.IsDir() {
			if path == root {
				return nil
			}
			if strings.HasPrefix(name, ".") || ignored(name, cfg.Workspace.IgnorePatterns) {
				return filepath.SkipDir
			}
			return nil
		}
		if !isToposFile(name) {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			logging.Get(logging.CategoryWorkspace).Warn("skipping unreadable file %s: %v", path, err)
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return nil
		}
		canon := filepath.ToSlash(rel)
		files = append(files, ws.DB.SetFile(canon, string(data), durabilityFor(canon, cfg)))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk workspace %s: %w", root, err)
	}

	// Warm the parse memos in parallel; the database serves concurrent
	// readers and deduplicates per-key computation.
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for _, file := range files {
		file := file
		g.Go(func() error {
			_, err := ws.DB.Parse(gctx, file)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	logging.Workspace("loaded %d files from %s", len(files), root)
	return ws, nil
}

func ignored(name string, patterns []string) bool {
	for _, p := range patterns {
		if name == p {
			return true
		}
	}
	return false
}

func isToposFile(name string) bool {
	for _, ext := range Extensions {
		if strings.HasSuffix(name, ext) {
			return true
		}
	}
	return false
}

func durabilityFor(canon string, cfg *config.Config) source.Durability {
	for _, dir := range cfg.Workspace.HighDurabilityDirs {
		if strings.HasPrefix(canon, dir+"/") {
			return source.DurabilityHigh
		}
	}
	return source.DurabilityLow
}

// SetFile registers or updates a file by workspace-relative path.
func (ws *Workspace) SetFile(relPath, text string) source.FileID {
	canon := filepath.ToSlash(relPath)
	return ws.DB.SetFile(canon, text, durabilityFor(canon, ws.Cfg))
}

// RemoveFile drops a file by workspace-relative path.
func (ws *Workspace) RemoveFile(relPath string) {
	if id, ok := ws.DB.FileByPath(filepath.ToSlash(relPath)); ok {
		ws.DB.RemoveFile(id)
	}
}

// refUseAt finds the reference use covering a byte offset.
func refUseAt(f *ast.File, off int) (ast.RefUse, bool) {
	for _, use := range f.Refs {
		if use.Ref.Span.Contains(off) {
			return use, true
		}
	}
	return ast.RefUse{}, false
}

// ResolveAt resolves the reference at a position for goto-definition.
func (ws *Workspace) ResolveAt(ctx context.Context, file source.FileID, pos source.Position) (*resolve.Definition, error) {
	pr, err := ws.DB.Parse(ctx, file)
	if err != nil {
		return nil, err
	}
	off := pr.Tree.Index.OffsetFor(pos)
	use, ok := refUseAt(pr.File, off)
	if !ok {
		return nil, nil
	}
	return ws.DB.Resolve(ctx, file, use)
}

// SymbolsIn returns a file's symbols for the outline view.
func (ws *Workspace) SymbolsIn(ctx context.Context, file source.FileID) ([]*index.Symbol, error) {
	table, err := ws.DB.FileSymbols(ctx, file)
	if err != nil {
		return nil, err
	}
	return table.Symbols, nil
}

// ReferencesTo finds every span in the workspace whose reference
// resolves to the given definition.
func (ws *Workspace) ReferencesTo(ctx context.Context, def *resolve.Definition) ([]Location, error) {
	if def == nil || def.Symbol == nil {
		return nil, nil
	}
	var out []Location
	for _, file := range ws.DB.AllFiles() {
		pr, err := ws.DB.Parse(ctx, file)
		if err != nil {
			return nil, err
		}
		for _, use := range pr.File.Refs {
			candidate, err := ws.DB.Resolve(ctx, file, use)
			if err != nil {
				return nil, err
			}
			if candidate == nil || candidate.Symbol == nil {
				continue
			}
			if candidate.File == def.File && candidate.Symbol.Name == def.Symbol.Name &&
				candidate.Symbol.Span == def.Symbol.Span {
				out = append(out, Location{File: file, Path: ws.DB.PathOf(file), Span: use.Ref.Span})
			}
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Path != out[j].Path {
			return out[i].Path < out[j].Path
		}
		return out[i].Span.Start < out[j].Span.Start
	})
	return out, nil
}

// Location is one workspace position.
type Location struct {
	File source.FileID `json:"-"`
	Path string        `json:"path"`
	Span source.Span   `json:"span"`
}

// HoverInfo is the hover payload for a position.
type HoverInfo struct {
	Kind            string   `json:"kind"`
	Name            string   `json:"name"`
	Signature       string   `json:"signature,omitempty"`
	Documentation   string   `json:"documentation,omitempty"`
	InvolvedSymbols []string `json:"involved_symbols,omitempty"`
}

// HoverAt describes the entity at a position: a resolved reference, or
// a typed hole with its analyzed context.
func (ws *Workspace) HoverAt(ctx context.Context, file source.FileID, pos source.Position) (*HoverInfo, error) {
	pr, err := ws.DB.Parse(ctx, file)
	if err != nil {
		return nil, err
	}
	off := pr.Tree.Index.OffsetFor(pos)

	if hole := pr.File.HoleAt(off); hole != nil {
		hc, err := ws.DB.HoleContext(ctx, file, hole.ID)
		if err != nil {
			return nil, err
		}
		info := &HoverInfo{Kind: "hole", Name: fmt.Sprintf("hole-%d", hole.ID)}
		if hole.Name != "" {
			info.Name = hole.Name
		}
		if hc != nil {
			for _, avail := range hc.Available {
				info.InvolvedSymbols = append(info.InvolvedSymbols, avail.Name)
			}
			if hc.EnclosingBehavior != "" {
				info.Signature = "in behavior " + hc.EnclosingBehavior
			}
		}
		return info, nil
	}

	use, ok := refUseAt(pr.File, off)
	if !ok {
		return nil, nil
	}
	def, err := ws.DB.Resolve(ctx, file, use)
	if err != nil {
		return nil, err
	}
	if def == nil {
		return nil, nil
	}
	info := &HoverInfo{Name: def.Name}
	switch {
	case def.Builtin:
		info.Kind = "builtin"
	case def.Contextual:
		info.Kind = "binding"
	default:
		info.Kind = string(def.Symbol.Kind)
		info.Signature = def.Symbol.Detail
		info.Documentation = def.Symbol.Doc
		if len(def.Symbol.Parent) > 0 {
			info.InvolvedSymbols = []string{def.Symbol.Parent}
		}
	}
	return info, nil
}

// Snapshot captures the current parsed state of every file for the
// differ.
func (ws *Workspace) Snapshot(ctx context.Context) (*differ.Snapshot, error) {
	snap := &differ.Snapshot{Files: make(map[string]*ast.File)}
	for _, file := range ws.DB.AllFiles() {
		pr, err := ws.DB.Parse(ctx, file)
		if err != nil {
			return nil, err
		}
		snap.Files[ws.DB.PathOf(file)] = pr.File
	}
	return snap, nil
}

// Diff compares this workspace against another in the given mode.
func (ws *Workspace) Diff(ctx context.Context, other *Workspace, mode differ.Mode, judge differ.ProseJudge) (*differ.DriftReport, error) {
	a, err := ws.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	b, err := other.Snapshot(ctx)
	if err != nil {
		return nil, err
	}
	opts := differ.DefaultOptions()
	opts.SimilarityThreshold = ws.Cfg.Diff.SimilarityThreshold
	opts.MinConfidence = ws.Cfg.Judge.MinConfidence
	if mode == differ.ModeHybrid {
		return differ.Hybrid(ctx, a, b, judge, opts)
	}
	return &differ.DriftReport{
		Structural:   differ.Structural(a, b, opts),
		Semantic:     []differ.SemanticFinding{},
		Inconclusive: []differ.SemanticFinding{},
	}, nil
}

// Check returns workspace diagnostics plus whether any error-severity
// finding exists; `topos check` exits nonzero on the latter.
func (ws *Workspace) Check(ctx context.Context) ([]validation.Diagnostic, bool, error) {
	diags, err := ws.DB.WorkspaceDiagnostics(ctx)
	if err != nil {
		return nil, false, err
	}
	hasErrors := false
	for _, d := range diags {
		if d.Severity == validation.SeverityError {
			hasErrors = true
			break
		}
	}
	return diags, hasErrors, nil
}
