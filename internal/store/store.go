// Package store persists exported memory snapshots to sqlite. It is the
// persistence collaborator layered outside the memory core: the core
// defines the snapshot shape, the store owns the file.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	_ "modernc.org/sqlite"

	"github.com/stellarlinkco/hiermem/internal/memory"
	"github.com/stellarlinkco/hiermem/internal/scope"
)

type Store struct {
	db *sql.DB
}

func New(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	s := &Store{db: db}
	if err := s.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) configure() error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA foreign_keys=ON",
	}
	for _, p := range pragmas {
		if _, err := s.db.Exec(p); err != nil {
			return fmt.Errorf("sqlite pragma %q: %w", p, err)
		}
	}
	return nil
}

func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) initSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS scopes (
			position INTEGER PRIMARY KEY,
			id TEXT NOT NULL UNIQUE,
			parent_id TEXT NOT NULL DEFAULT '',
			goal TEXT NOT NULL,
			level TEXT NOT NULL,
			summary TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			closed_at TEXT NOT NULL DEFAULT '',
			complexity REAL NOT NULL DEFAULT 1,
			events_json TEXT NOT NULL DEFAULT '[]',
			artifacts_json TEXT NOT NULL DEFAULT '[]'
		)`,
		`CREATE INDEX IF NOT EXISTS idx_scopes_level ON scopes(level)`,
		`CREATE TABLE IF NOT EXISTS stack (
			position INTEGER PRIMARY KEY,
			scope_id TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("init schema: %w", err)
		}
	}
	return nil
}

// SaveSnapshot replaces any previously stored snapshot.
func (s *Store) SaveSnapshot(snap memory.Snapshot) error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin save: %w", err)
	}
	defer tx.Rollback()

	for _, table := range []string{"scopes", "stack", "meta"} {
		if _, err := tx.Exec("DELETE FROM " + table); err != nil {
			return fmt.Errorf("clear %s: %w", table, err)
		}
	}

	for i, sc := range snap.Scopes {
		events, err := json.Marshal(sc.Events)
		if err != nil {
			return fmt.Errorf("marshal events of scope %s: %w", sc.ID, err)
		}
		artifacts, err := json.Marshal(sc.Artifacts)
		if err != nil {
			return fmt.Errorf("marshal artifacts of scope %s: %w", sc.ID, err)
		}
		closedAt := ""
		if !sc.ClosedAt.IsZero() {
			closedAt = sc.ClosedAt.Format(time.RFC3339Nano)
		}
		complexity := snap.Complexity[sc.ID]
		if complexity <= 0 {
			complexity = 1
		}
		if _, err := tx.Exec(`
			INSERT INTO scopes (position, id, parent_id, goal, level, summary, created_at, closed_at, complexity, events_json, artifacts_json)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`, i, sc.ID, sc.ParentID, sc.Goal, string(sc.Level), sc.Summary,
			sc.CreatedAt.Format(time.RFC3339Nano), closedAt, complexity, string(events), string(artifacts)); err != nil {
			return fmt.Errorf("insert scope %s: %w", sc.ID, err)
		}
	}

	for i, id := range snap.StackIDs {
		if _, err := tx.Exec(`INSERT INTO stack (position, scope_id) VALUES (?, ?)`, i, id); err != nil {
			return fmt.Errorf("insert stack entry: %w", err)
		}
	}

	budgetState, err := json.Marshal(snap.Budget)
	if err != nil {
		return fmt.Errorf("marshal budget state: %w", err)
	}
	metaRows := map[string]string{
		"compression_count": fmt.Sprintf("%d", snap.CompressionCount),
		"budget_state":      string(budgetState),
		"exported_at":       snap.ExportedAt.Format(time.RFC3339Nano),
	}
	for key, value := range metaRows {
		if _, err := tx.Exec(`INSERT INTO meta (key, value) VALUES (?, ?)`, key, value); err != nil {
			return fmt.Errorf("insert meta %s: %w", key, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit save: %w", err)
	}
	return nil
}

// LoadSnapshot reads the stored snapshot. The second return value is
// false when the store is empty.
func (s *Store) LoadSnapshot() (memory.Snapshot, bool, error) {
	snap := memory.Snapshot{Complexity: make(map[string]float64)}

	rows, err := s.db.Query(`
		SELECT id, parent_id, goal, level, summary, created_at, closed_at, complexity, events_json, artifacts_json
		FROM scopes ORDER BY position ASC
	`)
	if err != nil {
		return snap, false, fmt.Errorf("query scopes: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var sc scope.Snapshot
		var level, createdAt, closedAt, eventsJSON, artifactsJSON string
		var complexity float64
		if err := rows.Scan(&sc.ID, &sc.ParentID, &sc.Goal, &level, &sc.Summary, &createdAt, &closedAt, &complexity, &eventsJSON, &artifactsJSON); err != nil {
			return snap, false, fmt.Errorf("scan scope: %w", err)
		}
		sc.Level = scope.Level(level)
		if sc.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return snap, false, fmt.Errorf("parse created_at of scope %s: %w", sc.ID, err)
		}
		if closedAt != "" {
			if sc.ClosedAt, err = time.Parse(time.RFC3339Nano, closedAt); err != nil {
				return snap, false, fmt.Errorf("parse closed_at of scope %s: %w", sc.ID, err)
			}
		}
		if err := json.Unmarshal([]byte(eventsJSON), &sc.Events); err != nil {
			return snap, false, fmt.Errorf("unmarshal events of scope %s: %w", sc.ID, err)
		}
		if err := json.Unmarshal([]byte(artifactsJSON), &sc.Artifacts); err != nil {
			return snap, false, fmt.Errorf("unmarshal artifacts of scope %s: %w", sc.ID, err)
		}
		snap.Complexity[sc.ID] = complexity
		snap.Scopes = append(snap.Scopes, sc)
	}
	if err := rows.Err(); err != nil {
		return snap, false, fmt.Errorf("iterate scopes: %w", err)
	}

	stackRows, err := s.db.Query(`SELECT scope_id FROM stack ORDER BY position ASC`)
	if err != nil {
		return snap, false, fmt.Errorf("query stack: %w", err)
	}
	defer stackRows.Close()
	for stackRows.Next() {
		var id string
		if err := stackRows.Scan(&id); err != nil {
			return snap, false, fmt.Errorf("scan stack entry: %w", err)
		}
		snap.StackIDs = append(snap.StackIDs, id)
	}
	if err := stackRows.Err(); err != nil {
		return snap, false, fmt.Errorf("iterate stack: %w", err)
	}

	exists := false
	metaRows, err := s.db.Query(`SELECT key, value FROM meta`)
	if err != nil {
		return snap, false, fmt.Errorf("query meta: %w", err)
	}
	defer metaRows.Close()
	for metaRows.Next() {
		exists = true
		var key, value string
		if err := metaRows.Scan(&key, &value); err != nil {
			return snap, false, fmt.Errorf("scan meta: %w", err)
		}
		switch key {
		case "compression_count":
			n, err := strconv.Atoi(value)
			if err != nil {
				return snap, false, fmt.Errorf("parse compression_count %q: %w", value, err)
			}
			snap.CompressionCount = n
		case "budget_state":
			if err := json.Unmarshal([]byte(value), &snap.Budget); err != nil {
				return snap, false, fmt.Errorf("unmarshal budget state: %w", err)
			}
		case "exported_at":
			if snap.ExportedAt, err = time.Parse(time.RFC3339Nano, value); err != nil {
				return snap, false, fmt.Errorf("parse exported_at %q: %w", value, err)
			}
		}
	}
	if err := metaRows.Err(); err != nil {
		return snap, false, fmt.Errorf("iterate meta: %w", err)
	}

	return snap, exists || len(snap.Scopes) > 0, nil
}

// CountScopes reports stored scopes per level without loading them.
func (s *Store) CountScopes() (map[scope.Level]int, error) {
	rows, err := s.db.Query(`SELECT level, COUNT(*) FROM scopes GROUP BY level`)
	if err != nil {
		return nil, fmt.Errorf("count scopes: %w", err)
	}
	defer rows.Close()

	counts := make(map[scope.Level]int)
	for rows.Next() {
		var level string
		var n int
		if err := rows.Scan(&level, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[scope.Level(level)] = n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate counts: %w", err)
	}
	return counts, nil
}
