// Package query implements the demand-driven, memoized query database
// at the heart of the analysis engine. Hosts mutate inputs (file text,
// paths, the workspace root and file set) and read derived queries;
// derived values are memoized per input generation, invalidated lazily
// through dependency tracking, and revalidated cheaply when only inputs
// of an untouched durability tier changed.
//
// Concurrency model: many readers, one logical writer. Input mutations
// take the write lock and bump the revision; derived queries run under
// read access and deduplicate concurrent computation per key. Every
// input read observes the caller's context, so long-running queries
// cancel promptly and leave no partial memo behind.
package query

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/rand/topos/internal/config"
	"github.com/rand/topos/internal/logging"
	"github.com/rand/topos/internal/source"
)

// ErrCancelled is returned by derived queries whose context was
// cancelled. A cancelled query retains no memoized value and is safe to
// retry.
var ErrCancelled = errors.New("query cancelled")

// Revision counts input generations.
type Revision uint64

// Kind enumerates derived queries.
type Kind uint8

const (
	QParse Kind = iota
	QSymbols
	QImports
	QExports
	QImportAnalysis
	QResolve
	QHoleContext
	QFileDiagnostics
	QTraceability
	QWorkspaceDiagnostics
)

func (k Kind) String() string {
	switch k {
	case QParse:
		return "parse"
	case QSymbols:
		return "file_symbols"
	case QImports:
		return "file_imports"
	case QExports:
		return "file_exports"
	case QImportAnalysis:
		return "import_analysis"
	case QResolve:
		return "resolve"
	case QHoleContext:
		return "hole_context"
	case QFileDiagnostics:
		return "file_diagnostics"
	case QTraceability:
		return "traceability"
	case QWorkspaceDiagnostics:
		return "workspace_diagnostics"
	}
	return "unknown"
}

// Key identifies one memoized query instance.
type Key struct {
	Kind  Kind
	File  source.FileID
	Extra string
}

func (k Key) String() string {
	return fmt.Sprintf("%s/%d/%s", k.Kind, k.File, k.Extra)
}

// inputKind enumerates the database inputs.
type inputKind uint8

const (
	inText inputKind = iota
	inPath
	inRoot
	inFiles
)

// dep is one recorded dependency, either an input slot or another
// derived query.
type dep struct {
	isInput bool
	input   inputKind
	file    source.FileID
	key     Key
}

// memo is one memoized derived value. Value and deps are immutable once
// published; changedAt/verifiedAt advance under the database lock.
type memo struct {
	value      any
	changedAt  Revision
	verifiedAt Revision
	deps       []dep
	durability source.Durability
}

// textInput is one file's text slot.
type textInput struct {
	text       string
	durability source.Durability
	changedAt  Revision
}

// Database is the query store. Construct with New; the zero value is
// not usable. There are deliberately no process-wide instances: tests
// and hosts build their own.
type Database struct {
	mu sync.RWMutex

	rev         Revision
	lastChanged []Revision

	nextFile source.FileID
	texts    map[source.FileID]*textInput
	paths    map[source.FileID]string
	byPath   map[string]source.FileID

	pathsChangedAt map[source.FileID]Revision
	filesChangedAt Revision
	root           string
	rootChangedAt  Revision

	memos map[Key]*memo
	group singleflight.Group

	cfg *config.Config

	// execCounts observes recomputation for the early-cutoff tests.
	countMu    sync.Mutex
	execCounts map[Key]int
}

// New creates an empty database with the given configuration; nil uses
// defaults.
func New(cfg *config.Config) *Database {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	return &Database{
		rev:            1,
		lastChanged:    make([]Revision, source.Tiers()),
		nextFile:       1,
		texts:          make(map[source.FileID]*textInput),
		paths:          make(map[source.FileID]string),
		byPath:         make(map[string]source.FileID),
		pathsChangedAt: make(map[source.FileID]Revision),
		memos:          make(map[Key]*memo),
		cfg:            cfg,
		execCounts:     make(map[Key]int),
	}
}

// Config returns the database's configuration.
func (db *Database) Config() *config.Config { return db.cfg }

// ---- input mutation (single logical writer) ----

// SetFile creates or updates the file at a canonical workspace path.
func (db *Database) SetFile(path, text string, durability source.Durability) source.FileID {
	db.mu.Lock()
	defer db.mu.Unlock()

	id, exists := db.byPath[path]
	if !exists {
		id = db.nextFile
		db.nextFile++
		db.byPath[path] = id
		db.paths[id] = path
		db.rev++
		db.filesChangedAt = db.rev
		db.pathsChangedAt[id] = db.rev
		db.texts[id] = &textInput{text: text, durability: durability, changedAt: db.rev}
		db.lastChanged[durability] = db.rev
		logging.QueryDebug("SetFile: new file %d at %s (rev %d)", id, path, db.rev)
		return id
	}

	in := db.texts[id]
	if in.text == text && in.durability == durability {
		return id
	}
	db.rev++
	in.text = text
	in.durability = durability
	in.changedAt = db.rev
	db.lastChanged[durability] = db.rev
	logging.QueryDebug("SetFile: updated file %d (rev %d)", id, db.rev)
	return id
}

// SetFileText updates an existing file's text.
func (db *Database) SetFileText(file source.FileID, text string) {
	db.mu.Lock()
	defer db.mu.Unlock()
	in, ok := db.texts[file]
	if !ok || in.text == text {
		return
	}
	db.rev++
	in.text = text
	in.changedAt = db.rev
	db.lastChanged[in.durability] = db.rev
}

// RemoveFile deletes a file input.
func (db *Database) RemoveFile(file source.FileID) {
	db.mu.Lock()
	defer db.mu.Unlock()
	path, ok := db.paths[file]
	if !ok {
		return
	}
	db.rev++
	delete(db.texts, file)
	delete(db.paths, file)
	delete(db.byPath, path)
	delete(db.pathsChangedAt, file)
	db.filesChangedAt = db.rev
	db.lastChanged[source.DurabilityLow] = db.rev
}

// SetWorkspaceRoot sets the workspace root path input.
func (db *Database) SetWorkspaceRoot(path string) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if db.root == path {
		return
	}
	db.rev++
	db.root = path
	db.rootChangedAt = db.rev
	db.lastChanged[source.DurabilityLow] = db.rev
}

// FileByPath returns the file registered at a canonical path, without
// dependency tracking; hosts use it for lookups outside queries.
func (db *Database) FileByPath(path string) (source.FileID, bool) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	id, ok := db.byPath[path]
	return id, ok
}

// PathOf returns a file's canonical path without dependency tracking.
func (db *Database) PathOf(file source.FileID) string {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.paths[file]
}

// AllFiles returns every file in canonical path order, without
// dependency tracking.
func (db *Database) AllFiles() []source.FileID {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return db.sortedFilesLocked()
}

func (db *Database) sortedFilesLocked() []source.FileID {
	paths := make([]string, 0, len(db.byPath))
	for p := range db.byPath {
		paths = append(paths, p)
	}
	sort.Strings(paths)
	out := make([]source.FileID, len(paths))
	for i, p := range paths {
		out[i] = db.byPath[p]
	}
	return out
}

// ---- tracked execution ----

// Ctx is the execution context of one derived query run. Input reads
// and nested query calls go through it so dependencies are recorded and
// cancellation is observed.
type Ctx struct {
	ctx   context.Context
	db    *Database
	frame *frame
}

type frame struct {
	deps       []dep
	durability source.Durability
}

func (f *frame) addDep(d dep, durability source.Durability) {
	f.deps = append(f.deps, d)
	if durability < f.durability {
		f.durability = durability
	}
}

func (db *Database) rootCtx(ctx context.Context) *Ctx {
	return &Ctx{ctx: ctx, db: db}
}

func (c *Ctx) child() *Ctx {
	return &Ctx{ctx: c.ctx, db: c.db, frame: &frame{durability: source.DurabilityHigh}}
}

// checkCancel observes the cancellation token; every input fetch is a
// suspension point.
func (c *Ctx) checkCancel() error {
	select {
	case <-c.ctx.Done():
		return fmt.Errorf("%w: %w", ErrCancelled, c.ctx.Err())
	default:
		return nil
	}
}

// fileText reads the file_text input.
func (c *Ctx) fileText(file source.FileID) (string, error) {
	if err := c.checkCancel(); err != nil {
		return "", err
	}
	c.db.mu.RLock()
	in, ok := c.db.texts[file]
	var text string
	var durability source.Durability
	if ok {
		text = in.text
		durability = in.durability
	}
	c.db.mu.RUnlock()
	if c.frame != nil {
		c.frame.addDep(dep{isInput: true, input: inText, file: file}, durability)
	}
	if !ok {
		return "", fmt.Errorf("unknown file %d", file)
	}
	return text, nil
}

// filePath reads the file_path input.
func (c *Ctx) filePath(file source.FileID) (string, error) {
	if err := c.checkCancel(); err != nil {
		return "", err
	}
	c.db.mu.RLock()
	path := c.db.paths[file]
	c.db.mu.RUnlock()
	if c.frame != nil {
		c.frame.addDep(dep{isInput: true, input: inPath, file: file}, source.DurabilityLow)
	}
	return path, nil
}

// workspaceRoot reads the workspace_root input.
func (c *Ctx) workspaceRoot() (string, error) {
	if err := c.checkCancel(); err != nil {
		return "", err
	}
	c.db.mu.RLock()
	root := c.db.root
	c.db.mu.RUnlock()
	if c.frame != nil {
		c.frame.addDep(dep{isInput: true, input: inRoot}, source.DurabilityLow)
	}
	return root, nil
}

// workspaceFiles reads the workspace_files input: the file set in
// canonical path order.
func (c *Ctx) workspaceFiles() ([]source.FileID, error) {
	if err := c.checkCancel(); err != nil {
		return nil, err
	}
	c.db.mu.RLock()
	files := c.db.sortedFilesLocked()
	c.db.mu.RUnlock()
	if c.frame != nil {
		c.frame.addDep(dep{isInput: true, input: inFiles}, source.DurabilityLow)
	}
	return files, nil
}

// fileByPath resolves a canonical path through the workspace_files
// input, with tracking.
func (c *Ctx) fileByPath(path string) (source.FileID, bool, error) {
	if err := c.checkCancel(); err != nil {
		return source.NoFile, false, err
	}
	c.db.mu.RLock()
	id, ok := c.db.byPath[path]
	c.db.mu.RUnlock()
	if c.frame != nil {
		c.frame.addDep(dep{isInput: true, input: inFiles}, source.DurabilityLow)
	}
	return id, ok, nil
}

// get fetches a derived query, recording it as a dependency of the
// calling frame.
func (c *Ctx) get(key Key) (any, error) {
	value, durability, err := c.db.fetch(c, key)
	if err != nil {
		return nil, err
	}
	if c.frame != nil {
		c.frame.addDep(dep{key: key}, durability)
	}
	return value, nil
}

// fetch returns an up-to-date memo value for key, recomputing when
// needed.
func (db *Database) fetch(c *Ctx, key Key) (any, source.Durability, error) {
	db.mu.RLock()
	m := db.memos[key]
	rev := db.rev
	var tierClean bool
	if m != nil {
		tierClean = db.lastChanged[m.durability] <= m.verifiedAt
	}
	db.mu.RUnlock()

	if m != nil {
		if m.verifiedAt == rev {
			return m.value, m.durability, nil
		}
		if tierClean {
			db.markVerified(key, rev)
			return m.value, m.durability, nil
		}
		unchanged, err := db.depsUnchanged(c, m)
		if err != nil {
			return nil, 0, err
		}
		if unchanged {
			db.markVerified(key, rev)
			return m.value, m.durability, nil
		}
	}

	// Recompute, deduplicating concurrent callers per key.
	type result struct {
		value      any
		durability source.Durability
	}
	v, err, _ := db.group.Do(key.String(), func() (any, error) {
		// Another flight may have stored a fresh memo while we queued.
		db.mu.RLock()
		cur := db.memos[key]
		startRev := db.rev
		db.mu.RUnlock()
		if cur != nil && cur.verifiedAt == startRev {
			return result{cur.value, cur.durability}, nil
		}

		child := c.child()
		value, err := db.compute(child, key)
		if err != nil {
			return nil, err
		}

		db.countMu.Lock()
		db.execCounts[key]++
		db.countMu.Unlock()

		// The memo is marked valid only for the revision observed before
		// computing; a write that lands mid-compute forces re-verification
		// on the next read.
		db.mu.Lock()
		old := db.memos[key]
		changedAt := startRev
		if old != nil && equalValue(old.value, value) {
			// Early cutoff: downstream consumers see no change.
			value = old.value
			changedAt = old.changedAt
		}
		nm := &memo{
			value:      value,
			changedAt:  changedAt,
			verifiedAt: startRev,
			deps:       child.frame.deps,
			durability: child.frame.durability,
		}
		db.memos[key] = nm
		db.mu.Unlock()
		return result{nm.value, nm.durability}, nil
	})
	if err != nil {
		return nil, 0, err
	}
	r := v.(result)
	return r.value, r.durability, nil
}

// depsUnchanged deep-verifies a memo against the current revision: all
// input deps unchanged since verification, and all query deps (brought
// up to date first) unchanged.
func (db *Database) depsUnchanged(c *Ctx, m *memo) (bool, error) {
	for _, d := range m.deps {
		if d.isInput {
			if db.inputChangedAfter(d, m.verifiedAt) {
				return false, nil
			}
			if err := c.checkCancel(); err != nil {
				return false, err
			}
			continue
		}
		if _, _, err := db.fetch(c, d.key); err != nil {
			return false, err
		}
		db.mu.RLock()
		dm := db.memos[d.key]
		db.mu.RUnlock()
		if dm == nil || dm.changedAt > m.verifiedAt {
			return false, nil
		}
	}
	return true, nil
}

func (db *Database) inputChangedAfter(d dep, rev Revision) bool {
	db.mu.RLock()
	defer db.mu.RUnlock()
	switch d.input {
	case inText:
		in, ok := db.texts[d.file]
		if !ok {
			return true
		}
		return in.changedAt > rev
	case inPath:
		return db.pathsChangedAt[d.file] > rev
	case inRoot:
		return db.rootChangedAt > rev
	case inFiles:
		return db.filesChangedAt > rev
	}
	return true
}

func (db *Database) markVerified(key Key, rev Revision) {
	db.mu.Lock()
	defer db.mu.Unlock()
	if m, ok := db.memos[key]; ok && m.verifiedAt < rev {
		nm := *m
		nm.verifiedAt = rev
		db.memos[key] = &nm
	}
}

// equalValue compares derived values for the early-cutoff check.
func equalValue(a, b any) bool {
	return reflect.DeepEqual(a, b)
}

// ExecutionCount reports how many times a query instance was computed;
// tests use it to observe early cutoff.
func (db *Database) ExecutionCount(kind Kind, file source.FileID, extra string) int {
	db.countMu.Lock()
	defer db.countMu.Unlock()
	return db.execCounts[Key{Kind: kind, File: file, Extra: extra}]
}

// TrimLowDurability drops memoized parse results of LOW-durability
// files beyond the retention cap, least-recently-verified first. Hosts
// call it periodically to bound memory.
func (db *Database) TrimLowDurability(maxFiles int) int {
	if maxFiles <= 0 {
		return 0
	}
	db.mu.Lock()
	defer db.mu.Unlock()

	type candidate struct {
		key Key
		at  Revision
	}
	var cands []candidate
	for key, m := range db.memos {
		if key.Kind != QParse {
			continue
		}
		in, ok := db.texts[key.File]
		if ok && in.durability != source.DurabilityLow {
			continue
		}
		cands = append(cands, candidate{key, m.verifiedAt})
	}
	if len(cands) <= maxFiles {
		return 0
	}
	sort.Slice(cands, func(i, j int) bool { return cands[i].at < cands[j].at })
	evicted := 0
	for _, cand := range cands[:len(cands)-maxFiles] {
		delete(db.memos, cand.key)
		evicted++
	}
	logging.QueryDebug("trimmed %d low-durability parse memos", evicted)
	return evicted
}
