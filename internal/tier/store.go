package tier

import (
	"context"
	"sort"
	"sync"

	"github.com/mohammad-safakhou/agentdb/internal/data"
)

// RangeStore is the asynchronous get/put/list surface the warm and cold
// tiers are addressed through. The manager is agnostic to the backing
// technology; Redis and Postgres implementations live alongside it.
type RangeStore interface {
	List(ctx context.Context, instance, table string) ([]data.RevRange, error)
	Get(ctx context.Context, instance, table string, rng data.RevRange) ([]data.Record, error)
	Put(ctx context.Context, instance, table string, rng data.RevRange, rows []data.Record) error
	Delete(ctx context.Context, instance, table string, rng data.RevRange) error
}

// MemoryRangeStore keeps offloaded batches in process memory. It backs the
// warm and cold tiers when no Redis or Postgres is configured, and the
// package tests.
type MemoryRangeStore struct {
	mu      sync.Mutex
	batches map[string]map[data.RevRange][]data.Record
}

// NewMemoryRangeStore creates an empty in-memory range store.
func NewMemoryRangeStore() *MemoryRangeStore {
	return &MemoryRangeStore{batches: make(map[string]map[data.RevRange][]data.Record)}
}

func storeKey(instance, table string) string { return instance + "/" + table }

// List returns the ranges held for a table, ordered by ascending revision.
func (s *MemoryRangeStore) List(_ context.Context, instance, table string) ([]data.RevRange, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []data.RevRange
	for rng := range s.batches[storeKey(instance, table)] {
		out = append(out, rng)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Lo < out[j].Lo })
	return out, nil
}

// Get returns a copy of the rows in one batch.
func (s *MemoryRangeStore) Get(_ context.Context, instance, table string, rng data.RevRange) ([]data.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rows := s.batches[storeKey(instance, table)][rng]
	out := make([]data.Record, len(rows))
	for i, r := range rows {
		out[i] = r.Clone()
	}
	return out, nil
}

// Put stores one batch, replacing any batch already held for the range.
func (s *MemoryRangeStore) Put(_ context.Context, instance, table string, rng data.RevRange, rows []data.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := storeKey(instance, table)
	if s.batches[key] == nil {
		s.batches[key] = make(map[data.RevRange][]data.Record)
	}
	copied := make([]data.Record, len(rows))
	for i, r := range rows {
		copied[i] = r.Clone()
	}
	s.batches[key][rng] = copied
	return nil
}

// Delete drops one batch; deleting an absent batch is a no-op.
func (s *MemoryRangeStore) Delete(_ context.Context, instance, table string, rng data.RevRange) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.batches[storeKey(instance, table)], rng)
	return nil
}
