package recordstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

type stagingEntry struct {
	jobID string
	row   map[string]any
}

type fhirEntry struct {
	jobID    string
	resource map[string]any
}

// InMemoryStore is the in-process Store used in tests and dev setups
// without a document database.
type InMemoryStore struct {
	mu      sync.RWMutex
	staging []stagingEntry
	dlq     []*DLQRecord
	fhir    map[string]map[string]fhirEntry   // resourceType -> id -> entry
	omop    map[string][]map[string]any       // table -> rows
	omopKey map[string]map[string]int         // table -> key fingerprint -> row index
}

// NewInMemoryStore creates an empty in-memory store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		fhir:    make(map[string]map[string]fhirEntry),
		omop:    make(map[string][]map[string]any),
		omopKey: make(map[string]map[string]int),
	}
}

func (s *InMemoryStore) InsertStaging(_ context.Context, jobID string, row map[string]any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.staging = append(s.staging, stagingEntry{jobID: jobID, row: row})
	return nil
}

func (s *InMemoryStore) ListStaging(_ context.Context, jobID string, limit int) ([]map[string]any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	limit = clampLimit(limit)
	var out []map[string]any
	for _, e := range s.staging {
		if jobID != "" && e.jobID != jobID {
			continue
		}
		out = append(out, e.row)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *InMemoryStore) CountStaging(_ context.Context, jobID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, e := range s.staging {
		if jobID == "" || e.jobID == jobID {
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) InsertDLQ(_ context.Context, rec *DLQRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := *rec
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.FailedAt.IsZero() {
		r.FailedAt = time.Now().UTC()
	}
	s.dlq = append(s.dlq, &r)
	return nil
}

func (s *InMemoryStore) ListDLQ(_ context.Context, jobID string, limit int) ([]*DLQRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	limit = clampLimit(limit)
	var out []*DLQRecord
	for _, r := range s.dlq {
		if jobID != "" && r.JobID != jobID {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].FailedAt.After(out[j].FailedAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *InMemoryStore) CountDLQ(_ context.Context, jobID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, r := range s.dlq {
		if jobID == "" || r.JobID == jobID {
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) UpsertFHIR(_ context.Context, jobID, resourceType, id string, resource map[string]any) error {
	if resourceType == "" || id == "" {
		return fmt.Errorf("fhir upsert requires resourceType and id")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	byID, ok := s.fhir[resourceType]
	if !ok {
		byID = make(map[string]fhirEntry)
		s.fhir[resourceType] = byID
	}
	byID[id] = fhirEntry{jobID: jobID, resource: resource}
	return nil
}

func (s *InMemoryStore) GetFHIR(_ context.Context, resourceType, id string) (map[string]any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if e, ok := s.fhir[resourceType][id]; ok {
		return e.resource, nil
	}
	return nil, ErrNotFound
}

func (s *InMemoryStore) ListFHIR(_ context.Context, resourceType, jobID string, limit int) ([]map[string]any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	limit = clampLimit(limit)
	var out []map[string]any
	for _, e := range s.fhir[resourceType] {
		if jobID != "" && e.jobID != jobID {
			continue
		}
		out = append(out, e.resource)
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (s *InMemoryStore) CountFHIR(_ context.Context, resourceType, jobID string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int64
	for _, e := range s.fhir[resourceType] {
		if jobID == "" || e.jobID == jobID {
			n++
		}
	}
	return n, nil
}

func (s *InMemoryStore) ListFHIRTypes(_ context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	types := make([]string, 0, len(s.fhir))
	for t, byID := range s.fhir {
		if len(byID) > 0 {
			types = append(types, t)
		}
	}
	sort.Strings(types)
	return types, nil
}

func omopKeyFingerprint(key map[string]any) string {
	fields := make([]string, 0, len(key))
	for k := range key {
		fields = append(fields, k)
	}
	sort.Strings(fields)
	fp := ""
	for _, f := range fields {
		fp += fmt.Sprintf("%s=%v|", f, key[f])
	}
	return fp
}

func (s *InMemoryStore) UpsertOMOP(_ context.Context, table string, key map[string]any, row map[string]any) error {
	if table == "" || len(key) == 0 {
		return fmt.Errorf("omop upsert requires table and key")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	fp := omopKeyFingerprint(key)
	idx, ok := s.omopKey[table]
	if !ok {
		idx = make(map[string]int)
		s.omopKey[table] = idx
	}
	if i, exists := idx[fp]; exists {
		s.omop[table][i] = row
		return nil
	}
	s.omop[table] = append(s.omop[table], row)
	idx[fp] = len(s.omop[table]) - 1
	return nil
}

func (s *InMemoryStore) ListOMOP(_ context.Context, table string, limit int) ([]map[string]any, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	limit = clampLimit(limit)
	rows := s.omop[table]
	if len(rows) > limit {
		rows = rows[:limit]
	}
	out := make([]map[string]any, len(rows))
	copy(out, rows)
	return out, nil
}

func (s *InMemoryStore) CountOMOP(_ context.Context, table string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.omop[table])), nil
}

func (s *InMemoryStore) DeleteJob(_ context.Context, jobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	staging := s.staging[:0]
	for _, e := range s.staging {
		if e.jobID != jobID {
			staging = append(staging, e)
		}
	}
	s.staging = staging

	dlq := s.dlq[:0]
	for _, r := range s.dlq {
		if r.JobID != jobID {
			dlq = append(dlq, r)
		}
	}
	s.dlq = dlq
	return nil
}
