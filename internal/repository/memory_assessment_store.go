package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/stemsi/exstem-assessment/internal/model"
)

// MemoryAssessmentStore holds definitions in memory. It backs
// STORE_DRIVER=memory, where definitions are loaded from JSON files.
type MemoryAssessmentStore struct {
	mu   sync.RWMutex
	defs map[string]*model.AssessmentDefinition
}

// NewMemoryAssessmentStore creates an empty store.
func NewMemoryAssessmentStore() *MemoryAssessmentStore {
	return &MemoryAssessmentStore{defs: make(map[string]*model.AssessmentDefinition)}
}

// LoadDir imports every *.json file in dir and returns how many were loaded.
// A missing directory is not an error.
func (s *MemoryAssessmentStore) LoadDir(dir string) (int, error) {
	files, err := filepath.Glob(filepath.Join(dir, "*.json"))
	if err != nil {
		return 0, err
	}
	for _, f := range files {
		raw, err := os.ReadFile(f)
		if err != nil {
			return 0, err
		}
		var def model.AssessmentDefinition
		if err := json.Unmarshal(raw, &def); err != nil {
			return 0, fmt.Errorf("%s: %w", f, err)
		}
		if err := s.Import(context.Background(), &def); err != nil {
			return 0, fmt.Errorf("%s: %w", f, err)
		}
	}
	return len(files), nil
}

// Import validates and stores def. Existing ids are rejected.
func (s *MemoryAssessmentStore) Import(_ context.Context, def *model.AssessmentDefinition) error {
	if err := def.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.defs[def.ID]; ok {
		return fmt.Errorf("assessment %s already exists; import it under a new id", def.ID)
	}
	s.defs[def.ID] = def
	return nil
}

// GetByID returns model.ErrAssessmentNotFound for unknown ids.
func (s *MemoryAssessmentStore) GetByID(_ context.Context, id string) (*model.AssessmentDefinition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	def, ok := s.defs[id]
	if !ok {
		return nil, model.ErrAssessmentNotFound
	}
	return def, nil
}

// IDs lists every stored definition id in sorted order.
func (s *MemoryAssessmentStore) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.defs))
	for id := range s.defs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
