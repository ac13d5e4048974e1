package assistant

import (
	"errors"
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// ErrAssistantNotFound is returned when an assistant id is unknown.
var ErrAssistantNotFound = errors.New("assistant not found")

// Store exposes assistant retrieval for HTTP handlers and the orchestrator.
type Store interface {
	List() []Assistant
	FindByID(id string) (Assistant, bool)
}

// MemoryStore implements Store with an in-memory slice.
type MemoryStore struct {
	items []Assistant
}

// NewMemoryStore returns a MemoryStore preloaded with the supplied assistants.
func NewMemoryStore(items []Assistant) *MemoryStore {
	return &MemoryStore{items: append([]Assistant(nil), items...)}
}

// List returns the assistant catalog.
func (s *MemoryStore) List() []Assistant {
	return append([]Assistant(nil), s.items...)
}

// FindByID looks up an assistant by identifier.
func (s *MemoryStore) FindByID(id string) (Assistant, bool) {
	for _, item := range s.items {
		if item.ID == id {
			return item, true
		}
	}
	return Assistant{}, false
}

type catalogFile struct {
	Assistants []Assistant `yaml:"assistants"`
}

// LoadFile reads a YAML catalog of the form `assistants: [...]`.
func LoadFile(path string) ([]Assistant, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read assistants file: %w", err)
	}
	return Parse(raw)
}

// Parse decodes and validates a YAML catalog.
func Parse(raw []byte) ([]Assistant, error) {
	var file catalogFile
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("parse assistants yaml: %w", err)
	}
	seen := make(map[string]bool, len(file.Assistants))
	for i := range file.Assistants {
		a := &file.Assistants[i]
		if err := a.Validate(); err != nil {
			return nil, err
		}
		if seen[a.ID] {
			return nil, fmt.Errorf("duplicate assistant id %q", a.ID)
		}
		seen[a.ID] = true
	}
	return file.Assistants, nil
}
