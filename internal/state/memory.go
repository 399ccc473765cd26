package state

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// Memory is one stored note, taggable for retrieval.
type Memory struct {
	ID        string    `yaml:"id"`
	Content   string    `yaml:"content"`
	Tags      []string  `yaml:"tags,omitempty"`
	CreatedAt time.Time `yaml:"created_at"`
}

func (m *Memory) HasTag(tag string) bool {
	for _, t := range m.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// Memories is the store behind the memory capability.
type Memories interface {
	Add(content string, tags ...string) (*Memory, error)
	Search(query string) ([]*Memory, error)
	List() ([]*Memory, error)
	Delete(id string) error
}

// MemoryStore is the in-memory Memories implementation.
type MemoryStore struct {
	mu       sync.RWMutex
	memories []*Memory
	nextID   int
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{nextID: 1}
}

func (s *MemoryStore) Add(content string, tags ...string) (*Memory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	m := &Memory{
		ID:        fmt.Sprintf("mem_%d", s.nextID),
		Content:   content,
		Tags:      tags,
		CreatedAt: time.Now(),
	}
	s.nextID++
	s.memories = append(s.memories, m)
	return m, nil
}

func (s *MemoryStore) Search(query string) ([]*Memory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	lower := strings.ToLower(query)
	var results []*Memory
	for _, m := range s.memories {
		if strings.Contains(strings.ToLower(m.Content), lower) {
			results = append(results, m)
		}
	}
	return results, nil
}

func (s *MemoryStore) List() ([]*Memory, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Memory, len(s.memories))
	copy(out, s.memories)
	return out, nil
}

func (s *MemoryStore) Delete(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for i, m := range s.memories {
		if m.ID == id {
			s.memories = append(s.memories[:i], s.memories[i+1:]...)
			return nil
		}
	}
	return fmt.Errorf("memory %q not found", id)
}
