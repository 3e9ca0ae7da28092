// Package store persists a workspace's symbol index and traceability
// coverage to SQLite (.topos/index.db). The store is a cache for hosts
// that want symbol search and coverage history without re-parsing the
// workspace; the query database remains the source of truth.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/rand/topos/internal/index"
	"github.com/rand/topos/internal/logging"
	"github.com/rand/topos/internal/trace"
)

// Store wraps the SQLite index database.
type Store struct {
	db   *sql.DB
	path string
}

// Open creates or opens the index database under the workspace root.
func Open(root string) (*Store, error) {
	dir := filepath.Join(root, ".topos")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("create index directory: %w", err)
	}
	path := filepath.Join(dir, "index.db")
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open index database: %w", err)
	}
	s := &Store{db: db, path: path}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	logging.Store("index database ready at %s", path)
	return s, nil
}

// Close releases the database handle.
func (s *Store) Close() error { return s.db.Close() }

func (s *Store) migrate() error {
	schema := []string{
		`CREATE TABLE IF NOT EXISTS snapshots (
			id TEXT PRIMARY KEY,
			created_at TEXT NOT NULL,
			root TEXT NOT NULL,
			files INTEGER NOT NULL,
			requirements INTEGER NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS symbols (
			snapshot_id TEXT NOT NULL REFERENCES snapshots(id) ON DELETE CASCADE,
			file TEXT NOT NULL,
			name TEXT NOT NULL,
			kind TEXT NOT NULL,
			parent TEXT NOT NULL DEFAULT '',
			private INTEGER NOT NULL DEFAULT 0,
			start_offset INTEGER NOT NULL,
			end_offset INTEGER NOT NULL,
			detail TEXT NOT NULL DEFAULT ''
		)`,
		`CREATE INDEX IF NOT EXISTS symbols_by_name ON symbols(snapshot_id, name)`,
		`CREATE TABLE IF NOT EXISTS coverage (
			snapshot_id TEXT NOT NULL REFERENCES snapshots(id) ON DELETE CASCADE,
			requirement_id TEXT NOT NULL,
			title TEXT NOT NULL,
			file TEXT NOT NULL,
			has_behavior INTEGER NOT NULL,
			has_task INTEGER NOT NULL,
			has_implementation INTEGER NOT NULL,
			has_tests INTEGER NOT NULL
		)`,
	}
	for _, stmt := range schema {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("migrate index database: %w", err)
		}
	}
	return nil
}

// SnapshotInput is everything one persisted snapshot needs.
type SnapshotInput struct {
	Root    string
	Tables  map[string]*index.SymbolTable // keyed by canonical path
	Report  *trace.Report
	AtBuilt time.Time
}

// SaveSnapshot writes one full snapshot and returns its identifier.
func (s *Store) SaveSnapshot(ctx context.Context, in SnapshotInput) (string, error) {
	timer := logging.StartTimer(logging.CategoryStore, "SaveSnapshot")
	defer timer.Stop()

	id := uuid.NewString()
	at := in.AtBuilt
	if at.IsZero() {
		at = time.Now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	symbolCount := 0
	for _, table := range in.Tables {
		symbolCount += len(table.Symbols)
	}
	reqCount := 0
	if in.Report != nil {
		reqCount = in.Report.Coverage.TotalRequirements
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO snapshots (id, created_at, root, files, requirements) VALUES (?, ?, ?, ?, ?)`,
		id, at.UTC().Format(time.RFC3339), in.Root, len(in.Tables), reqCount,
	); err != nil {
		return "", fmt.Errorf("insert snapshot: %w", err)
	}

	symStmt, err := tx.PrepareContext(ctx,
		`INSERT INTO symbols (snapshot_id, file, name, kind, parent, private, start_offset, end_offset, detail)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return "", err
	}
	defer symStmt.Close()
	for path, table := range in.Tables {
		for _, sym := range table.Symbols {
			if _, err := symStmt.ExecContext(ctx,
				id, path, sym.Name, string(sym.Kind), sym.Parent,
				boolInt(sym.Private), sym.Span.Start, sym.Span.End, sym.Detail,
			); err != nil {
				return "", fmt.Errorf("insert symbol %s: %w", sym.Name, err)
			}
		}
	}

	if in.Report != nil {
		covStmt, err := tx.PrepareContext(ctx,
			`INSERT INTO coverage (snapshot_id, requirement_id, title, file, has_behavior, has_task, has_implementation, has_tests)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return "", err
		}
		defer covStmt.Close()
		for _, entry := range in.Report.Requirements {
			if _, err := covStmt.ExecContext(ctx,
				id, entry.ID, entry.Title, entry.File,
				boolInt(entry.Coverage.HasBehavior), boolInt(entry.Coverage.HasTask),
				boolInt(entry.Coverage.HasImplementation), boolInt(entry.Coverage.HasTests),
			); err != nil {
				return "", fmt.Errorf("insert coverage %s: %w", entry.ID, err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return "", err
	}
	logging.Store("saved snapshot %s: %d symbols, %d requirements", id, symbolCount, reqCount)
	return id, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// StoredSymbol is one persisted symbol row.
type StoredSymbol struct {
	File   string
	Name   string
	Kind   string
	Parent string
	Detail string
}

// FindSymbols returns symbols matching a name prefix in the latest
// snapshot.
func (s *Store) FindSymbols(ctx context.Context, prefix string) ([]StoredSymbol, error) {
	snapshotID, err := s.latestSnapshot(ctx)
	if err != nil {
		return nil, err
	}
	if snapshotID == "" {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT file, name, kind, parent, detail FROM symbols
		 WHERE snapshot_id = ? AND name LIKE ? ORDER BY file, start_offset`,
		snapshotID, prefix+"%")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StoredSymbol
	for rows.Next() {
		var sym StoredSymbol
		if err := rows.Scan(&sym.File, &sym.Name, &sym.Kind, &sym.Parent, &sym.Detail); err != nil {
			return nil, err
		}
		out = append(out, sym)
	}
	return out, rows.Err()
}

func (s *Store) latestSnapshot(ctx context.Context) (string, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id FROM snapshots ORDER BY created_at DESC, rowid DESC LIMIT 1`)
	var id string
	if err := row.Scan(&id); err != nil {
		if err == sql.ErrNoRows {
			return "", nil
		}
		return "", err
	}
	return id, nil
}

// CoverageHistory returns the stored coverage flags for a requirement
// across snapshots, newest first.
func (s *Store) CoverageHistory(ctx context.Context, requirementID string, limit int) ([]trace.Coverage, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT c.has_behavior, c.has_task, c.has_implementation, c.has_tests
		 FROM coverage c JOIN snapshots s ON s.id = c.snapshot_id
		 WHERE c.requirement_id = ? ORDER BY s.created_at DESC, s.rowid DESC LIMIT ?`,
		requirementID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []trace.Coverage
	for rows.Next() {
		var hb, ht, hi, hts int
		if err := rows.Scan(&hb, &ht, &hi, &hts); err != nil {
			return nil, err
		}
		out = append(out, trace.Coverage{
			HasBehavior:       hb != 0,
			HasTask:           ht != 0,
			HasImplementation: hi != 0,
			HasTests:          hts != 0,
		})
	}
	return out, rows.Err()
}
