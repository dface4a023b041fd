// ABOUTME: Mock Store implementation for testing
// ABOUTME: Allows tests to run without SQLite

package store

import (
	"context"
	"sort"
	"sync"
)

// MockStore is an in-memory Store implementation for testing.
type MockStore struct {
	mu             sync.RWMutex
	batches        map[string]*BatchRecord // keyed by batch ID
	gatewayThreads map[string]string       // keyed by "channelID:threadTS"
	closed         bool
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		batches:        make(map[string]*BatchRecord),
		gatewayThreads: make(map[string]string),
	}
}

func threadKey(channelID, threadTS string) string {
	return channelID + ":" + threadTS
}

// RecordBatch stores a copy of rec.
func (m *MockStore) RecordBatch(ctx context.Context, rec *BatchRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	r := *rec
	m.batches[r.ID] = &r
	return nil
}

// ListBatches returns matching batches newest first.
func (m *MockStore) ListBatches(ctx context.Context, channelID, threadTS string, limit int) ([]*BatchRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 {
		limit = DefaultListLimit
	}

	var out []*BatchRecord
	for _, rec := range m.batches {
		if channelID != "" && rec.ChannelID != channelID {
			continue
		}
		if channelID != "" && threadTS != "" && rec.ThreadTS != threadTS {
			continue
		}
		r := *rec
		out = append(out, &r)
	}

	sort.Slice(out, func(i, j int) bool {
		if !out[i].DrainedAt.Equal(out[j].DrainedAt) {
			return out[i].DrainedAt.After(out[j].DrainedAt)
		}
		return out[i].ID > out[j].ID
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// GetGatewayThread returns the bound gateway thread or ErrNotFound.
func (m *MockStore) GetGatewayThread(ctx context.Context, channelID, threadTS string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.gatewayThreads[threadKey(channelID, threadTS)]
	if !ok {
		return "", ErrNotFound
	}
	return id, nil
}

// SetGatewayThread upserts the binding.
func (m *MockStore) SetGatewayThread(ctx context.Context, channelID, threadTS, gatewayThreadID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.gatewayThreads[threadKey(channelID, threadTS)] = gatewayThreadID
	return nil
}

// Ping always succeeds until Close.
func (m *MockStore) Ping(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return ErrClosed
	}
	return nil
}

// Close marks the store closed.
func (m *MockStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	return nil
}

var _ Store = (*MockStore)(nil)
