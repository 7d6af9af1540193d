package conductor

import (
	"context"
	"time"
)

// MemoryStore is the durable backend shared across workers: an append-only
// ordered log per (workflowID, agentName) plus a key/value side-store for
// stage artifacts keyed by (workflowID, key).
//
// Writes to one (workflow, agent) stream are serialized by the store; reads
// never block writers and observe a consistent prefix.
type MemoryStore interface {
	// Append atomically assigns the next seq for the stream and inserts the
	// entry. Storage faults surface as StructuredError{Internal}; callers may
	// retry because seq assignment is atomic with the insert.
	Append(ctx context.Context, workflowID, agentName string, kind EntryKind, content string) (uint64, error)

	// AppendWithArtifact appends a log entry and writes one artifact in a
	// single transaction, so a crash mid-stage leaves no partial record.
	AppendWithArtifact(ctx context.Context, workflowID, agentName string, kind EntryKind, content, artifactKey, artifactValue string) (uint64, error)

	// Read returns the last lastN entries of the stream in ascending seq.
	// lastN <= 0 means all entries.
	Read(ctx context.Context, workflowID, agentName string, lastN int) ([]MemoryEntry, error)

	// PutArtifact stores a value under (workflowID, key), last writer wins.
	PutArtifact(ctx context.Context, workflowID, key, value string) error

	// GetArtifact returns the value and whether the key exists.
	GetArtifact(ctx context.Context, workflowID, key string) (string, bool, error)

	// ListArtifacts returns every artifact of a workflow. The engine resolves
	// ${stage.output} prompt references from this map.
	ListArtifacts(ctx context.Context, workflowID string) (map[string]string, error)

	// Snapshot returns a stable ordered view of all entries of a workflow
	// across agents, ordered by (agentName, seq).
	Snapshot(ctx context.Context, workflowID string) ([]MemoryEntry, error)

	// Expire removes entries and artifacts older than the cutoff and reports
	// how many rows were swept.
	Expire(ctx context.Context, olderThan time.Time) (int64, error)

	// Init prepares the backend (schema creation, migrations). Idempotent.
	Init(ctx context.Context) error
	Close() error
}
