package dataset

import (
	"fmt"
	"sync"

	"github.com/theblitlabs/parity-fedsim/internal/core/models"
	"github.com/theblitlabs/parity-fedsim/internal/core/ports"
	"github.com/theblitlabs/parity-fedsim/internal/tensor"
)

type MemoryDataset struct {
	samples []tensor.Sample
}

func NewMemoryDataset(samples []tensor.Sample) *MemoryDataset {
	return &MemoryDataset{samples: samples}
}

func (d *MemoryDataset) Len() int {
	return len(d.samples)
}

func (d *MemoryDataset) Sample(i int) (tensor.Sample, error) {
	if i < 0 || i >= len(d.samples) {
		return tensor.Sample{}, fmt.Errorf("sample index %d out of range [0, %d)", i, len(d.samples))
	}
	return d.samples[i], nil
}

// MemorySource keeps every partition in memory. Clients are reported in
// the order they were added.
type MemorySource struct {
	mu          sync.RWMutex
	numFeatures int
	order       []string
	clients     map[string]*MemoryDataset
	validation  *MemoryDataset
}

var _ ports.DataSource = (*MemorySource)(nil)

func NewMemorySource(numFeatures int) *MemorySource {
	return &MemorySource{
		numFeatures: numFeatures,
		clients:     make(map[string]*MemoryDataset),
	}
}

func (s *MemorySource) AddClient(key string, samples []tensor.Sample) error {
	if err := s.checkFeatures(samples); err != nil {
		return fmt.Errorf("client %s: %w", key, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.clients[key]; exists {
		return fmt.Errorf("client %s already registered", key)
	}
	s.order = append(s.order, key)
	s.clients[key] = NewMemoryDataset(samples)
	return nil
}

func (s *MemorySource) SetValidation(samples []tensor.Sample) error {
	if err := s.checkFeatures(samples); err != nil {
		return fmt.Errorf("validation set: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.validation = NewMemoryDataset(samples)
	return nil
}

func (s *MemorySource) checkFeatures(samples []tensor.Sample) error {
	for i, sample := range samples {
		if len(sample.Features) != s.numFeatures {
			return fmt.Errorf("sample %d has %d features, expected %d", i, len(sample.Features), s.numFeatures)
		}
	}
	return nil
}

func (s *MemorySource) Manifest() ([]models.ManifestEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entries := make([]models.ManifestEntry, 0, len(s.order))
	for _, key := range s.order {
		entries = append(entries, models.ManifestEntry{Key: key, NSamples: s.clients[key].Len()})
	}
	return entries, nil
}

func (s *MemorySource) Client(key string) (ports.Dataset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ds, ok := s.clients[key]
	if !ok {
		return nil, fmt.Errorf("unknown client %s", key)
	}
	return ds, nil
}

func (s *MemorySource) Validation() (ports.Dataset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.validation == nil {
		return nil, nil
	}
	return s.validation, nil
}

func (s *MemorySource) NumFeatures() (int, error) {
	return s.numFeatures, nil
}
