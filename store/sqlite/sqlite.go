// Package sqlite implements conductor.MemoryStore on pure-Go SQLite.
// Zero CGO required. All goroutines serialize through a single connection
// (SetMaxOpenConns(1)), which both eliminates SQLITE_BUSY errors from
// concurrent writers and gives the per-stream write serialization the
// store contract requires.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/skanga/conductor"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// Option configures a SQLite Store.
type Option func(*Store)

// WithLogger sets a structured logger. When set, the store emits debug logs
// for every operation including timing and row counts. Default: no logs.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// Store implements conductor.MemoryStore backed by a local SQLite file.
// Seq assignment goes through a counters table inside the insert
// transaction, so streams stay gap-free even after retention sweeps.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
}

var _ conductor.MemoryStore = (*Store)(nil)

// nopLogger is a logger that discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New creates a Store using a local SQLite file at dbPath.
func New(dbPath string, opts ...Option) *Store {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		// sql.Open only fails when the driver is not registered; with the
		// blank import above that never happens.
		panic(fmt.Sprintf("sqlite: open driver: %v", err))
	}
	db.SetMaxOpenConns(1)
	s := &Store{db: db, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	s.logger.Debug("sqlite: store opened", "path", dbPath)
	return s
}

// DB exposes the underlying handle so callers can share the serialized
// connection.
func (s *Store) DB() *sql.DB { return s.db }

// Init creates all required tables. Idempotent.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	s.logger.Debug("sqlite: init started")
	tables := []string{
		`CREATE TABLE IF NOT EXISTS memory_entries (
			workflow_id TEXT NOT NULL,
			agent_name TEXT NOT NULL,
			seq INTEGER NOT NULL,
			kind TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			PRIMARY KEY (workflow_id, agent_name, seq)
		)`,
		`CREATE TABLE IF NOT EXISTS artifacts (
			workflow_id TEXT NOT NULL,
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (workflow_id, key)
		)`,
		`CREATE TABLE IF NOT EXISTS stream_seqs (
			workflow_id TEXT NOT NULL,
			agent_name TEXT NOT NULL,
			next_seq INTEGER NOT NULL,
			PRIMARY KEY (workflow_id, agent_name)
		)`,
	}
	for _, ddl := range tables {
		if _, err := s.db.ExecContext(ctx, ddl); err != nil {
			s.logger.Error("sqlite: init failed", "error", err, "duration", time.Since(start))
			return conductor.WrapError(conductor.CategoryInternal, "SQLITE_INIT", err)
		}
	}
	s.logger.Info("sqlite: init completed", "duration", time.Since(start))
	return nil
}

// Append assigns the next seq and inserts the entry in one transaction.
func (s *Store) Append(ctx context.Context, workflowID, agentName string, kind conductor.EntryKind, content string) (uint64, error) {
	return s.append(ctx, workflowID, agentName, kind, content, "", "")
}

// AppendWithArtifact appends an entry and upserts one artifact atomically.
func (s *Store) AppendWithArtifact(ctx context.Context, workflowID, agentName string, kind conductor.EntryKind, content, artifactKey, artifactValue string) (uint64, error) {
	return s.append(ctx, workflowID, agentName, kind, content, artifactKey, artifactValue)
}

func (s *Store) append(ctx context.Context, workflowID, agentName string, kind conductor.EntryKind, content, artifactKey, artifactValue string) (uint64, error) {
	start := time.Now()
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, conductor.WrapError(conductor.CategoryInternal, "SQLITE_APPEND", err)
	}
	defer tx.Rollback()

	var seq uint64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO stream_seqs (workflow_id, agent_name, next_seq) VALUES (?, ?, 1)
		ON CONFLICT (workflow_id, agent_name) DO UPDATE SET next_seq = next_seq + 1
		RETURNING next_seq`, workflowID, agentName).Scan(&seq)
	if err != nil {
		s.logger.Error("sqlite: seq assignment failed", "workflow", workflowID, "agent", agentName, "error", err)
		return 0, conductor.WrapError(conductor.CategoryInternal, "SQLITE_APPEND", err)
	}

	now := conductor.NowUnix()
	_, err = tx.ExecContext(ctx, `
		INSERT INTO memory_entries (workflow_id, agent_name, seq, kind, content, created_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		workflowID, agentName, seq, string(kind), content, now)
	if err != nil {
		return 0, conductor.WrapError(conductor.CategoryInternal, "SQLITE_APPEND", err)
	}

	if artifactKey != "" {
		_, err = tx.ExecContext(ctx, `
			INSERT INTO artifacts (workflow_id, key, value, updated_at) VALUES (?, ?, ?, ?)
			ON CONFLICT (workflow_id, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
			workflowID, artifactKey, artifactValue, now)
		if err != nil {
			return 0, conductor.WrapError(conductor.CategoryInternal, "SQLITE_APPEND", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, conductor.WrapError(conductor.CategoryInternal, "SQLITE_APPEND", err)
	}
	s.logger.Debug("sqlite: append",
		"workflow", workflowID, "agent", agentName, "seq", seq, "kind", kind,
		"with_artifact", artifactKey != "", "duration", time.Since(start))
	return seq, nil
}

// Read returns the last lastN entries of the stream in ascending seq;
// lastN <= 0 means all.
func (s *Store) Read(ctx context.Context, workflowID, agentName string, lastN int) ([]conductor.MemoryEntry, error) {
	start := time.Now()
	query := `SELECT workflow_id, agent_name, seq, kind, content, created_at
		FROM memory_entries WHERE workflow_id = ? AND agent_name = ? ORDER BY seq`
	args := []any{workflowID, agentName}
	if lastN > 0 {
		query = `SELECT workflow_id, agent_name, seq, kind, content, created_at FROM (
			SELECT workflow_id, agent_name, seq, kind, content, created_at
			FROM memory_entries WHERE workflow_id = ? AND agent_name = ?
			ORDER BY seq DESC LIMIT ?
		) ORDER BY seq`
		args = append(args, lastN)
	}
	entries, err := s.scanEntries(ctx, query, args...)
	if err != nil {
		s.logger.Error("sqlite: read failed", "workflow", workflowID, "agent", agentName, "error", err)
		return nil, err
	}
	s.logger.Debug("sqlite: read",
		"workflow", workflowID, "agent", agentName, "rows", len(entries), "duration", time.Since(start))
	return entries, nil
}

// Snapshot returns all entries of a workflow ordered by (agent_name, seq).
func (s *Store) Snapshot(ctx context.Context, workflowID string) ([]conductor.MemoryEntry, error) {
	return s.scanEntries(ctx, `SELECT workflow_id, agent_name, seq, kind, content, created_at
		FROM memory_entries WHERE workflow_id = ? ORDER BY agent_name, seq`, workflowID)
}

func (s *Store) scanEntries(ctx context.Context, query string, args ...any) ([]conductor.MemoryEntry, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, conductor.WrapError(conductor.CategoryInternal, "SQLITE_READ", err)
	}
	defer rows.Close()

	var entries []conductor.MemoryEntry
	for rows.Next() {
		var e conductor.MemoryEntry
		var kind string
		if err := rows.Scan(&e.WorkflowID, &e.AgentName, &e.Seq, &kind, &e.Content, &e.CreatedAt); err != nil {
			return nil, conductor.WrapError(conductor.CategoryInternal, "SQLITE_READ", err)
		}
		e.Kind = conductor.EntryKind(kind)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, conductor.WrapError(conductor.CategoryInternal, "SQLITE_READ", err)
	}
	return entries, nil
}

// PutArtifact stores a value under (workflowID, key), last writer wins.
func (s *Store) PutArtifact(ctx context.Context, workflowID, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO artifacts (workflow_id, key, value, updated_at) VALUES (?, ?, ?, ?)
		ON CONFLICT (workflow_id, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		workflowID, key, value, conductor.NowUnix())
	if err != nil {
		s.logger.Error("sqlite: put artifact failed", "workflow", workflowID, "key", key, "error", err)
		return conductor.WrapError(conductor.CategoryInternal, "SQLITE_WRITE", err)
	}
	return nil
}

// GetArtifact returns the value and whether the key exists.
func (s *Store) GetArtifact(ctx context.Context, workflowID, key string) (string, bool, error) {
	var value string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM artifacts WHERE workflow_id = ? AND key = ?`, workflowID, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, conductor.WrapError(conductor.CategoryInternal, "SQLITE_READ", err)
	}
	return value, true, nil
}

// ListArtifacts returns every artifact of a workflow.
func (s *Store) ListArtifacts(ctx context.Context, workflowID string) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT key, value FROM artifacts WHERE workflow_id = ?`, workflowID)
	if err != nil {
		return nil, conductor.WrapError(conductor.CategoryInternal, "SQLITE_READ", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, conductor.WrapError(conductor.CategoryInternal, "SQLITE_READ", err)
		}
		out[k] = v
	}
	if err := rows.Err(); err != nil {
		return nil, conductor.WrapError(conductor.CategoryInternal, "SQLITE_READ", err)
	}
	return out, nil
}

// Expire removes entries and artifacts older than the cutoff. Seq counters
// are kept so later appends stay gap-free.
func (s *Store) Expire(ctx context.Context, olderThan time.Time) (int64, error) {
	start := time.Now()
	cutoff := olderThan.Unix()
	var swept int64

	res, err := s.db.ExecContext(ctx, `DELETE FROM memory_entries WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, conductor.WrapError(conductor.CategoryInternal, "SQLITE_EXPIRE", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		swept += n
	}

	res, err = s.db.ExecContext(ctx, `DELETE FROM artifacts WHERE updated_at < ?`, cutoff)
	if err != nil {
		return swept, conductor.WrapError(conductor.CategoryInternal, "SQLITE_EXPIRE", err)
	}
	if n, err := res.RowsAffected(); err == nil {
		swept += n
	}

	s.logger.Info("sqlite: expire sweep", "swept", swept, "cutoff", cutoff, "duration", time.Since(start))
	return swept, nil
}

// Close closes the database handle.
func (s *Store) Close() error { return s.db.Close() }
