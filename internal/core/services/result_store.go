package services

import (
	"fmt"
	"sort"
	"sync"

	"github.com/manthysbr/ocrkernel/internal/core/domain"
)

// ResultStore keeps snapshots of finished jobs until the collaborator purges them.
// Records are only ever added whole; there is no update path.
type ResultStore struct {
	mu      sync.RWMutex
	records map[domain.JobID]domain.JobRecord
}

func NewResultStore() *ResultStore {
	return &ResultStore{
		records: make(map[domain.JobID]domain.JobRecord),
	}
}

// Append stores a terminal record. Non-terminal and duplicate records are rejected.
func (s *ResultStore) Append(rec domain.JobRecord) error {
	if !rec.State.IsTerminal() {
		return fmt.Errorf("append %s in state %s: %w", rec.ID(), rec.State, domain.ErrJobNotTerminal)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[rec.ID()]; exists {
		return fmt.Errorf("result for job %s already recorded", rec.ID())
	}
	s.records[rec.ID()] = rec.Clone()
	return nil
}

func (s *ResultStore) Get(id domain.JobID) (domain.JobRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, ok := s.records[id]
	if !ok {
		return domain.JobRecord{}, fmt.Errorf("%w: %s", domain.ErrJobNotFound, id)
	}
	return rec.Clone(), nil
}

func (s *ResultStore) Has(id domain.JobID) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.records[id]
	return ok
}

// List returns all records in submission order.
func (s *ResultStore) List() []domain.JobRecord {
	s.mu.RLock()
	out := make([]domain.JobRecord, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec.Clone())
	}
	s.mu.RUnlock()

	SortBySubmission(out)
	return out
}

// Purge removes a finished record.
func (s *ResultStore) Purge(id domain.JobID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.records[id]
	if !ok {
		return fmt.Errorf("%w: %s", domain.ErrJobNotFound, id)
	}
	if !rec.State.IsTerminal() {
		return fmt.Errorf("purge %s: %w", id, domain.ErrJobNotTerminal)
	}
	delete(s.records, id)
	return nil
}

// SortBySubmission orders records by submission sequence. Creation times come
// from the wall clock and can step backwards, so they are not used.
func SortBySubmission(recs []domain.JobRecord) {
	sort.Slice(recs, func(i, j int) bool {
		return recs[i].Descriptor.Sequence < recs[j].Descriptor.Sequence
	})
}
