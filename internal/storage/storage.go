// Package storage keeps transcript documents addressed by object path.
package storage

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"call-insights-go/internal/retry"
	"call-insights-go/internal/types"
)

// ErrNotFound is returned when no document exists at a path. It is not
// retryable.
var ErrNotFound = errors.New("storage: object not found")

// Store puts and gets JSON documents by path.
type Store interface {
	Put(ctx context.Context, path string, doc types.Document) error
	Get(ctx context.Context, path string) (types.Document, error)
}

// TranscriptPath is where the transcript of one channel of a job is kept.
func TranscriptPath(jobID, channel string) string {
	return fmt.Sprintf("transcripts/%s/%s_transcript.json", jobID, channel)
}

func notFound(path string) error {
	return retry.Permanent(fmt.Errorf("%w: %s", ErrNotFound, path))
}

// MemoryStore keeps documents in process memory. Used in tests and mock mode.
type MemoryStore struct {
	mu   sync.RWMutex
	docs map[string]types.Document
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{docs: make(map[string]types.Document)}
}

func (m *MemoryStore) Put(_ context.Context, path string, doc types.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[path] = doc
	return nil
}

func (m *MemoryStore) Get(_ context.Context, path string) (types.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	doc, ok := m.docs[path]
	if !ok {
		return nil, notFound(path)
	}
	return doc, nil
}

// Len returns the number of stored documents.
func (m *MemoryStore) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.docs)
}
