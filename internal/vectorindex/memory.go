package vectorindex

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/josephjohncox/vectorwing/pkg/connector"
)

type memoryEntry struct {
	vector  []float32
	token   connector.ResumeToken
	deleted bool
}

// MemoryIndex is an in-process VectorIndex with the same last-writer-wins
// semantics as the pgvector backend. Suited to tests and local runs.
type MemoryIndex struct {
	mu      sync.RWMutex
	entries map[string]map[string]memoryEntry
}

func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{entries: make(map[string]map[string]memoryEntry)}
}

func (m *MemoryIndex) Upsert(_ context.Context, record connector.VectorRecord) error {
	if record.Token.IsZero() {
		return errors.New("vector record token is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	index := m.entries[record.IndexName]
	if index == nil {
		index = make(map[string]memoryEntry)
		m.entries[record.IndexName] = index
	}
	if existing, ok := index[record.DocumentID]; ok && !record.Token.After(existing.token) {
		return nil
	}
	vector := make([]float32, len(record.Vector))
	copy(vector, record.Vector)
	index[record.DocumentID] = memoryEntry{vector: vector, token: record.Token}
	return nil
}

func (m *MemoryIndex) Remove(_ context.Context, indexName, documentID string, token connector.ResumeToken) error {
	if token.IsZero() {
		return errors.New("resume token is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	index := m.entries[indexName]
	if index == nil {
		index = make(map[string]memoryEntry)
		m.entries[indexName] = index
	}
	if existing, ok := index[documentID]; ok && !token.After(existing.token) {
		return nil
	}
	index[documentID] = memoryEntry{token: token, deleted: true}
	return nil
}

// Get returns the live vector for a document, if any.
func (m *MemoryIndex) Get(indexName, documentID string) ([]float32, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entry, ok := m.entries[indexName][documentID]
	if !ok || entry.deleted {
		return nil, false
	}
	vector := make([]float32, len(entry.vector))
	copy(vector, entry.vector)
	return vector, true
}

// Len counts live vectors in an index.
func (m *MemoryIndex) Len(indexName string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, entry := range m.entries[indexName] {
		if !entry.deleted {
			count++
		}
	}
	return count
}

// Search returns the k nearest live vectors by squared L2 distance.
func (m *MemoryIndex) Search(_ context.Context, indexName string, query []float32, k int) ([]SearchResult, error) {
	if k <= 0 {
		k = 10
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]SearchResult, 0, len(m.entries[indexName]))
	for id, entry := range m.entries[indexName] {
		if entry.deleted || len(entry.vector) != len(query) {
			continue
		}
		var dist float64
		for i := range query {
			d := float64(entry.vector[i] - query[i])
			dist += d * d
		}
		out = append(out, SearchResult{DocumentID: id, Distance: dist})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Distance < out[j].Distance })
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}
