package repository

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/stemsi/exstem-assessment/internal/model"
)

// MemorySessionStore keeps session records in process memory. It backs
// STORE_DRIVER=memory and tests. Records are stored as JSON so callers never
// share slices with the store.
type MemorySessionStore struct {
	mu      sync.RWMutex
	records map[uuid.UUID][]byte
	version map[uuid.UUID]int64
}

// NewMemorySessionStore creates an empty store.
func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{
		records: make(map[uuid.UUID][]byte),
		version: make(map[uuid.UUID]int64),
	}
}

// Save stores rec unless a newer version is already present.
func (s *MemorySessionStore) Save(_ context.Context, rec *model.SessionRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if v, ok := s.version[rec.ID]; ok && v > rec.Version {
		return nil
	}
	s.records[rec.ID] = raw
	s.version[rec.ID] = rec.Version
	return nil
}

// SaveBatch saves each record in turn.
func (s *MemorySessionStore) SaveBatch(ctx context.Context, recs []*model.SessionRecord) error {
	for _, rec := range recs {
		if err := s.Save(ctx, rec); err != nil {
			return err
		}
	}
	return nil
}

// Enqueue saves synchronously, so the memory store can stand in for the
// persistence queue.
func (s *MemorySessionStore) Enqueue(ctx context.Context, rec model.SessionRecord) error {
	return s.Save(ctx, &rec)
}

// Load returns model.ErrSessionNotFound for unknown ids.
func (s *MemorySessionStore) Load(_ context.Context, id uuid.UUID) (*model.SessionRecord, error) {
	s.mu.RLock()
	raw, ok := s.records[id]
	s.mu.RUnlock()
	if !ok {
		return nil, model.ErrSessionNotFound
	}

	var rec model.SessionRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

// ListInProgress returns unfinished records ordered by deadline.
func (s *MemorySessionStore) ListInProgress(_ context.Context) ([]model.SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.SessionRecord
	for _, raw := range s.records {
		var rec model.SessionRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, err
		}
		if !rec.Status.Terminal() {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeadlineAt.Before(out[j].DeadlineAt) })
	return out, nil
}

// LastAttemptNumber returns the highest attempt number stored for the pair,
// or zero.
func (s *MemorySessionStore) LastAttemptNumber(_ context.Context, examineeID, assessmentID string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	last := 0
	for _, raw := range s.records {
		var rec model.SessionRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return 0, err
		}
		if rec.ExamineeID == examineeID && rec.AssessmentID == assessmentID && rec.AttemptNumber > last {
			last = rec.AttemptNumber
		}
	}
	return last, nil
}

// ListByAssessment returns every record of one assessment, newest first.
func (s *MemorySessionStore) ListByAssessment(_ context.Context, assessmentID string) ([]model.SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []model.SessionRecord
	for _, raw := range s.records {
		var rec model.SessionRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, err
		}
		if rec.AssessmentID == assessmentID {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out, nil
}
