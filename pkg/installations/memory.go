package installations

import (
	"context"
	"sync"

	"labelsync/pkg/labels"
)

// MemoryStore keeps installations and onboarded configurations in process
type MemoryStore struct {
	mu            sync.RWMutex
	installations map[int64]Installation
	onboarded     map[string]labels.Configuration
}

// NewMemoryStore creates a store holding the given installations
func NewMemoryStore(installations ...Installation) *MemoryStore {
	s := &MemoryStore{
		installations: make(map[int64]Installation),
		onboarded:     make(map[string]labels.Configuration),
	}
	for _, i := range installations {
		s.installations[i.ID] = i
	}
	return s
}

// Put adds or replaces an installation
func (s *MemoryStore) Put(installation Installation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.installations[installation.ID] = installation
}

// Get implements Store
func (s *MemoryStore) Get(_ context.Context, id int64) (Installation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	i, ok := s.installations[id]
	if !ok {
		return Installation{}, notFound(id)
	}
	return i, nil
}

// Onboard implements Onboarder
func (s *MemoryStore) Onboard(_ context.Context, _ int64, organization string, config labels.Configuration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onboarded[organization] = config
	return nil
}

// Onboarded returns the configuration recorded for organization
func (s *MemoryStore) Onboarded(organization string) (labels.Configuration, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.onboarded[organization]
	return c, ok
}
