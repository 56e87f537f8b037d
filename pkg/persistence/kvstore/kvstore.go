package kvstore

import (
	"context"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// Well-known keys of the client session markers.
const (
	KeyActiveConversationID = "activeConversationId"
	KeyAutoLoadSuppressed   = "autoLoadSuppressed"
	KeySettings             = "spanish-tutor-settings"
)

// Backend is a string key-value store with one lifetime scope.
type Backend interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
	Delete(ctx context.Context, key string) error
	Close() error
}

// MemoryBackend lives as long as the process.
type MemoryBackend struct {
	mu      sync.Mutex
	entries map[string]string
}

var _ Backend = &MemoryBackend{}

func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{entries: map[string]string{}}
}

func (m *MemoryBackend) Get(_ context.Context, key string) (string, bool, error) {
	if m == nil {
		return "", false, errors.New("memory kvstore: nil store")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return "", false, errors.New("memory kvstore: empty key")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.entries[key]
	return v, ok, nil
}

func (m *MemoryBackend) Set(_ context.Context, key, value string) error {
	if m == nil {
		return errors.New("memory kvstore: nil store")
	}
	key = strings.TrimSpace(key)
	if key == "" {
		return errors.New("memory kvstore: empty key")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.entries == nil {
		m.entries = map[string]string{}
	}
	m.entries[key] = value
	return nil
}

func (m *MemoryBackend) Delete(_ context.Context, key string) error {
	if m == nil {
		return errors.New("memory kvstore: nil store")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, strings.TrimSpace(key))
	return nil
}

func (m *MemoryBackend) Close() error { return nil }
