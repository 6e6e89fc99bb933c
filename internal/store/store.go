// Package store persists relay health statistics between runs.
//
// Every backend stores the complete health map under a fixed namespace and
// rewrites it after each update; readers get an independent copy.
package store

import (
	"path/filepath"
	"sync"

	"github.com/pkg/errors"

	"bgg-roller/internal/models"
)

const (
	// Namespace is the bucket/key prefix shared by all backends.
	Namespace = "bgg-roller"
	healthKey = "proxyHealth"

	dirPermissions = 0o750
)

// HealthStore loads and saves the relay health map.
type HealthStore interface {
	LoadHealth() (map[string]models.EndpointHealth, error)
	SaveHealth(health map[string]models.EndpointHealth) error
	Close() error
}

// Open builds the backend named by kind ("bolt", "sqlite" or "memory").
// File backed stores live under dir.
func Open(kind, dir string) (HealthStore, error) {
	switch kind {
	case "bolt":
		return OpenBoltStore(filepath.Join(dir, "health.db"))
	case "sqlite":
		return OpenSQLStore(dir, "health.sqlite")
	case "memory":
		return NewMemoryStore(), nil
	default:
		return nil, errors.Errorf("unknown health store %q", kind)
	}
}

// MemoryStore keeps the map in process memory. It is used in tests and when
// persistence is disabled.
type MemoryStore struct {
	mu     sync.Mutex
	health map[string]models.EndpointHealth
	saves  int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{health: make(map[string]models.EndpointHealth)}
}

func (m *MemoryStore) LoadHealth() (map[string]models.EndpointHealth, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return copyHealth(m.health), nil
}

func (m *MemoryStore) SaveHealth(health map[string]models.EndpointHealth) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.health = copyHealth(health)
	m.saves++
	return nil
}

// Saves reports how many times SaveHealth was called.
func (m *MemoryStore) Saves() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saves
}

func (m *MemoryStore) Close() error { return nil }

func copyHealth(src map[string]models.EndpointHealth) map[string]models.EndpointHealth {
	dst := make(map[string]models.EndpointHealth, len(src))
	for k, v := range src {
		dst[k] = CloneHealth(v)
	}
	return dst
}

// CloneHealth returns h with its timestamps detached from the original.
func CloneHealth(h models.EndpointHealth) models.EndpointHealth {
	if h.LastCheck != nil {
		t := *h.LastCheck
		h.LastCheck = &t
	}
	if h.LastSuccess != nil {
		t := *h.LastSuccess
		h.LastSuccess = &t
	}
	return h
}
