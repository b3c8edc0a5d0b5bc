package records

import (
	"context"
	"maps"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps records in process memory. Used when no database is
// configured.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*Record
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: make(map[string]*Record)}
}

func (s *MemoryStore) Create(_ context.Context, req CreateRequest) (string, error) {
	id := uuid.New().String()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[id] = &Record{
		ID:               id,
		Status:           StatusInProgress,
		CreatedAt:        time.Now().UTC(),
		Prompt:           req.Prompt,
		Metadata:         maps.Clone(req.Metadata),
		InitialMetrics:   req.InitialMetrics,
		TechnicalDetails: req.TechnicalDetails,
	}
	return id, nil
}

func (s *MemoryStore) Patch(_ context.Context, id string, patch Patch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return ErrNotFound
	}
	r.apply(patch)
	return nil
}

// Get returns a copy of a record
func (s *MemoryStore) Get(id string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return Record{}, false
	}
	return *r, true
}
