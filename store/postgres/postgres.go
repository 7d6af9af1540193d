// Package postgres implements conductor.MemoryStore on PostgreSQL.
//
// The Store accepts an externally-owned *pgxpool.Pool via constructor
// injection. The caller creates and closes the pool; Close here is a no-op
// on the pool itself.
package postgres

import (
	"context"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/skanga/conductor"
)

// Option configures a PostgreSQL Store.
type Option func(*Store)

// WithLogger sets a structured logger. Default: no logs.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// Store implements conductor.MemoryStore backed by PostgreSQL. Seq
// assignment goes through a counters upsert inside the insert transaction,
// keeping streams gap-free across retention sweeps and concurrent writers.
type Store struct {
	pool   *pgxpool.Pool
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

// New creates a Store using an existing pgxpool.Pool.
// The caller owns the pool and is responsible for closing it.
func New(pool *pgxpool.Pool, opts ...Option) *Store {
	s := &Store{pool: pool, logger: nopLogger}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Init creates all required tables. Idempotent.
func (s *Store) Init(ctx context.Context) error {
	start := time.Now()
	tables := []string{
		`CREATE TABLE IF NOT EXISTS memory_entries (
			workflow_id TEXT NOT NULL,
			agent_name TEXT NOT NULL,
			seq BIGINT NOT NULL,
			kind TEXT NOT NULL,
			content TEXT NOT NULL,
			created_at BIGINT NOT NULL,
			PRIMARY KEY (workflow_id, agent_name, seq)
		)`,
		`CREATE TABLE IF NOT EXISTS artifacts (
			workflow_id TEXT NOT NULL,
			key TEXT NOT NULL,
			value TEXT NOT NULL,
			updated_at BIGINT NOT NULL,
			PRIMARY KEY (workflow_id, key)
		)`,
		`CREATE TABLE IF NOT EXISTS stream_seqs (
			workflow_id TEXT NOT NULL,
			agent_name TEXT NOT NULL,
			next_seq BIGINT NOT NULL,
			PRIMARY KEY (workflow_id, agent_name)
		)`,
	}
	for _, ddl := range tables {
		if _, err := s.pool.Exec(ctx, ddl); err != nil {
			s.logger.Error("postgres: init failed", "error", err, "duration", time.Since(start))
			return conductor.WrapError(conductor.CategoryInternal, "PG_INIT", err)
		}
	}
	s.logger.Info("postgres: init completed", "duration", time.Since(start))
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
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, conductor.WrapError(conductor.CategoryInternal, "PG_APPEND", err)
	}
	defer tx.Rollback(ctx)

	// The upsert takes a row lock on the stream counter, serializing
	// concurrent writers of the same (workflow, agent) stream.
	var seq uint64
	err = tx.QueryRow(ctx, `
		INSERT INTO stream_seqs (workflow_id, agent_name, next_seq) VALUES ($1, $2, 1)
		ON CONFLICT (workflow_id, agent_name) DO UPDATE SET next_seq = stream_seqs.next_seq + 1
		RETURNING next_seq`, workflowID, agentName).Scan(&seq)
	if err != nil {
		s.logger.Error("postgres: seq assignment failed", "workflow", workflowID, "agent", agentName, "error", err)
		return 0, conductor.WrapError(conductor.CategoryInternal, "PG_APPEND", err)
	}

	now := conductor.NowUnix()
	_, err = tx.Exec(ctx, `
		INSERT INTO memory_entries (workflow_id, agent_name, seq, kind, content, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		workflowID, agentName, seq, string(kind), content, now)
	if err != nil {
		return 0, conductor.WrapError(conductor.CategoryInternal, "PG_APPEND", err)
	}

	if artifactKey != "" {
		_, err = tx.Exec(ctx, `
			INSERT INTO artifacts (workflow_id, key, value, updated_at) VALUES ($1, $2, $3, $4)
			ON CONFLICT (workflow_id, key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`,
			workflowID, artifactKey, artifactValue, now)
		if err != nil {
			return 0, conductor.WrapError(conductor.CategoryInternal, "PG_APPEND", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, conductor.WrapError(conductor.CategoryInternal, "PG_APPEND", err)
	}
	s.logger.Debug("postgres: append",
		"workflow", workflowID, "agent", agentName, "seq", seq, "duration", time.Since(start))
	return seq, nil
}

// Read returns the last lastN entries of the stream in ascending seq;
// lastN <= 0 means all.
func (s *Store) Read(ctx context.Context, workflowID, agentName string, lastN int) ([]conductor.MemoryEntry, error) {
	query := `SELECT workflow_id, agent_name, seq, kind, content, created_at
		FROM memory_entries WHERE workflow_id = $1 AND agent_name = $2 ORDER BY seq`
	args := []any{workflowID, agentName}
	if lastN > 0 {
		query = `SELECT workflow_id, agent_name, seq, kind, content, created_at FROM (
			SELECT workflow_id, agent_name, seq, kind, content, created_at
			FROM memory_entries WHERE workflow_id = $1 AND agent_name = $2
			ORDER BY seq DESC LIMIT $3
		) last ORDER BY seq`
		args = append(args, lastN)
	}
	return s.scanEntries(ctx, query, args...)
}

// Snapshot returns all entries of a workflow ordered by (agent_name, seq).
func (s *Store) Snapshot(ctx context.Context, workflowID string) ([]conductor.MemoryEntry, error) {
	return s.scanEntries(ctx, `SELECT workflow_id, agent_name, seq, kind, content, created_at
		FROM memory_entries WHERE workflow_id = $1 ORDER BY agent_name, seq`, workflowID)
}

func (s *Store) scanEntries(ctx context.Context, query string, args ...any) ([]conductor.MemoryEntry, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, conductor.WrapError(conductor.CategoryInternal, "PG_READ", err)
	}
	defer rows.Close()

	var entries []conductor.MemoryEntry
	for rows.Next() {
		var e conductor.MemoryEntry
		var kind string
		if err := rows.Scan(&e.WorkflowID, &e.AgentName, &e.Seq, &kind, &e.Content, &e.CreatedAt); err != nil {
			return nil, conductor.WrapError(conductor.CategoryInternal, "PG_READ", err)
		}
		e.Kind = conductor.EntryKind(kind)
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, conductor.WrapError(conductor.CategoryInternal, "PG_READ", err)
	}
	return entries, nil
}

// PutArtifact stores a value under (workflowID, key), last writer wins.
func (s *Store) PutArtifact(ctx context.Context, workflowID, key, value string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO artifacts (workflow_id, key, value, updated_at) VALUES ($1, $2, $3, $4)
		ON CONFLICT (workflow_id, key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`,
		workflowID, key, value, conductor.NowUnix())
	if err != nil {
		return conductor.WrapError(conductor.CategoryInternal, "PG_WRITE", err)
	}
	return nil
}

// GetArtifact returns the value and whether the key exists.
func (s *Store) GetArtifact(ctx context.Context, workflowID, key string) (string, bool, error) {
	var value string
	err := s.pool.QueryRow(ctx,
		`SELECT value FROM artifacts WHERE workflow_id = $1 AND key = $2`, workflowID, key).Scan(&value)
	if err == pgx.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, conductor.WrapError(conductor.CategoryInternal, "PG_READ", err)
	}
	return value, true, nil
}

// ListArtifacts returns every artifact of a workflow.
func (s *Store) ListArtifacts(ctx context.Context, workflowID string) (map[string]string, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT key, value FROM artifacts WHERE workflow_id = $1`, workflowID)
	if err != nil {
		return nil, conductor.WrapError(conductor.CategoryInternal, "PG_READ", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, conductor.WrapError(conductor.CategoryInternal, "PG_READ", err)
		}
		out[k] = v
	}
	if err := rows.Err(); err != nil {
		return nil, conductor.WrapError(conductor.CategoryInternal, "PG_READ", err)
	}
	return out, nil
}

// Expire removes entries and artifacts older than the cutoff. Seq counters
// are kept so later appends stay gap-free.
func (s *Store) Expire(ctx context.Context, olderThan time.Time) (int64, error) {
	cutoff := olderThan.Unix()
	var swept int64

	tag, err := s.pool.Exec(ctx, `DELETE FROM memory_entries WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, conductor.WrapError(conductor.CategoryInternal, "PG_EXPIRE", err)
	}
	swept += tag.RowsAffected()

	tag, err = s.pool.Exec(ctx, `DELETE FROM artifacts WHERE updated_at < $1`, cutoff)
	if err != nil {
		return swept, conductor.WrapError(conductor.CategoryInternal, "PG_EXPIRE", err)
	}
	swept += tag.RowsAffected()

	s.logger.Info("postgres: expire sweep", "swept", swept, "cutoff", cutoff)
	return swept, nil
}

// Close is a no-op; the injected pool is owned by the caller.
func (s *Store) Close() error { return nil }
