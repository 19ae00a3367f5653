package identity

import (
	"context"
	"fmt"
	"sync"
	"time"

	"gonum.org/v1/gonum/floats"
)

// MemoryStore keeps identities in process. Lost on restart.
type MemoryStore struct {
	mu     sync.RWMutex
	people []Person
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (m *MemoryStore) Nearest(_ context.Context, embedding []float64) (Person, float64, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	best, bestDist, found := Person{}, 0.0, false
	for _, p := range m.people {
		if len(p.Embedding) != len(embedding) {
			continue
		}
		d := floats.Distance(p.Embedding, embedding, 2)
		if !found || d < bestDist {
			best, bestDist, found = p, d, true
		}
	}
	return best, bestDist, found, nil
}

func (m *MemoryStore) Create(_ context.Context, p Person) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p.Embedding = append([]float64(nil), p.Embedding...)
	m.people = append(m.people, p)
	return nil
}

func (m *MemoryStore) RecordIncompliance(_ context.Context, id string, at time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.people {
		if m.people[i].ID == id {
			m.people[i].LastIncompliance = at
			m.people[i].IncomplianceCount++
			return m.people[i].IncomplianceCount, nil
		}
	}
	return 0, fmt.Errorf("person %s not found", id)
}

func (m *MemoryStore) DeleteInactiveBefore(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	kept := m.people[:0]
	for _, p := range m.people {
		if p.LastIncompliance.Before(cutoff) {
			continue
		}
		kept = append(kept, p)
	}
	removed := len(m.people) - len(kept)
	clear(m.people[len(kept):])
	m.people = kept
	return removed, nil
}

// Len returns the number of known identities.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.people)
}
