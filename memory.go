package conductor

import (
	"context"
	"sort"
	"sync"
	"time"
)

// streamKey identifies one append-only log.
type streamKey struct {
	workflowID string
	agentName  string
}

// artifactKey identifies one artifact slot.
type artifactKey struct {
	workflowID string
	key        string
}

type artifactValue struct {
	value     string
	updatedAt int64
}

// InMemoryStore is a MemoryStore backed by process memory. It is the
// zero-configuration default and the backend used by tests; durable
// deployments use store/sqlite or store/postgres.
type InMemoryStore struct {
	mu        sync.RWMutex
	streams   map[streamKey][]MemoryEntry
	seqs      map[streamKey]uint64
	artifacts map[artifactKey]artifactValue
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		streams:   make(map[streamKey][]MemoryEntry),
		seqs:      make(map[streamKey]uint64),
		artifacts: make(map[artifactKey]artifactValue),
	}
}

var _ MemoryStore = (*InMemoryStore)(nil)

func (s *InMemoryStore) Append(_ context.Context, workflowID, agentName string, kind EntryKind, content string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appendLocked(workflowID, agentName, kind, content), nil
}

func (s *InMemoryStore) AppendWithArtifact(_ context.Context, workflowID, agentName string, kind EntryKind, content, artifactKeyName, artifactVal string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	seq := s.appendLocked(workflowID, agentName, kind, content)
	s.artifacts[artifactKey{workflowID, artifactKeyName}] = artifactValue{value: artifactVal, updatedAt: NowUnix()}
	return seq, nil
}

// appendLocked assigns the next seq and inserts. Caller holds mu.
// Seq counters survive retention sweeps, so assignment stays gap-free
// even after old entries are expired.
func (s *InMemoryStore) appendLocked(workflowID, agentName string, kind EntryKind, content string) uint64 {
	k := streamKey{workflowID, agentName}
	s.seqs[k]++
	seq := s.seqs[k]
	s.streams[k] = append(s.streams[k], MemoryEntry{
		WorkflowID: workflowID,
		AgentName:  agentName,
		Seq:        seq,
		Kind:       kind,
		Content:    content,
		CreatedAt:  NowUnix(),
	})
	return seq
}

func (s *InMemoryStore) Read(_ context.Context, workflowID, agentName string, lastN int) ([]MemoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := s.streams[streamKey{workflowID, agentName}]
	if lastN > 0 && lastN < len(entries) {
		entries = entries[len(entries)-lastN:]
	}
	out := make([]MemoryEntry, len(entries))
	copy(out, entries)
	return out, nil
}

func (s *InMemoryStore) PutArtifact(_ context.Context, workflowID, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.artifacts[artifactKey{workflowID, key}] = artifactValue{value: value, updatedAt: NowUnix()}
	return nil
}

func (s *InMemoryStore) GetArtifact(_ context.Context, workflowID, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.artifacts[artifactKey{workflowID, key}]
	return v.value, ok, nil
}

func (s *InMemoryStore) ListArtifacts(_ context.Context, workflowID string) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string)
	for k, v := range s.artifacts {
		if k.workflowID == workflowID {
			out[k.key] = v.value
		}
	}
	return out, nil
}

func (s *InMemoryStore) Snapshot(_ context.Context, workflowID string) ([]MemoryEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []MemoryEntry
	for k, entries := range s.streams {
		if k.workflowID == workflowID {
			out = append(out, entries...)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].AgentName != out[j].AgentName {
			return out[i].AgentName < out[j].AgentName
		}
		return out[i].Seq < out[j].Seq
	})
	return out, nil
}

func (s *InMemoryStore) Expire(_ context.Context, olderThan time.Time) (int64, error) {
	cutoff := olderThan.Unix()
	s.mu.Lock()
	defer s.mu.Unlock()

	var swept int64
	for k, entries := range s.streams {
		kept := entries[:0]
		for _, e := range entries {
			if e.CreatedAt >= cutoff {
				kept = append(kept, e)
			} else {
				swept++
			}
		}
		if len(kept) == 0 {
			delete(s.streams, k)
		} else {
			s.streams[k] = kept
		}
	}
	for k, v := range s.artifacts {
		if v.updatedAt < cutoff {
			delete(s.artifacts, k)
			swept++
		}
	}
	return swept, nil
}

func (s *InMemoryStore) Init(context.Context) error { return nil }

func (s *InMemoryStore) Close() error { return nil }
