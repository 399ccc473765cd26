package state

import (
	"context"
	"regexp"
	"sync"
	"time"
)

// PlaceholderPattern matches {{identifier}} references, tolerant of
// inner whitespace. Unresolved placeholders are left verbatim so the
// raw template stays visible downstream.
var PlaceholderPattern = regexp.MustCompile(`\{\{\s*([A-Za-z_][A-Za-z0-9_]*)\s*\}\}`)

// Variable is one entry of the global variable store.
type Variable struct {
	Key       string    `yaml:"key"`
	Value     string    `yaml:"value"`
	Note      string    `yaml:"note,omitempty"`
	UpdatedAt time.Time `yaml:"updated_at"`
}

// Variables is the global key/value store chains read from and write
// to. Implementations are safe for concurrent use.
type Variables interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value, note string) error
	Substitute(ctx context.Context, text string) (string, error)
	List(ctx context.Context) ([]Variable, error)
}

// VarStore is the in-memory Variables implementation.
type VarStore struct {
	mu   sync.RWMutex
	vars map[string]Variable
}

func NewVarStore() *VarStore {
	return &VarStore{vars: make(map[string]Variable)}
}

func (s *VarStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.vars[key]
	return v.Value, ok, nil
}

func (s *VarStore) Set(_ context.Context, key, value, note string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.vars[key] = Variable{Key: key, Value: value, Note: note, UpdatedAt: time.Now()}
	return nil
}

func (s *VarStore) Substitute(ctx context.Context, text string) (string, error) {
	return PlaceholderPattern.ReplaceAllStringFunc(text, func(match string) string {
		key := PlaceholderPattern.FindStringSubmatch(match)[1]
		val, ok, _ := s.Get(ctx, key)
		if !ok {
			return match
		}
		return val
	}), nil
}

func (s *VarStore) List(_ context.Context) ([]Variable, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Variable, 0, len(s.vars))
	for _, v := range s.vars {
		out = append(out, v)
	}
	return out, nil
}
