package store

import (
	"fmt"
	"sync"

	"gonum.org/v1/gonum/mat"
)

// Memory is a Store held in memory, for tests and throwaway runs. Values
// are copied on the way in and out.
type Memory struct {
	mu     sync.RWMutex
	tables map[string]*Table
	metas  map[string]Meta
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		tables: map[string]*Table{},
		metas:  map[string]Meta{},
	}
}

func cloneTable(t *Table) *Table {
	c := &Table{Columns: append([]string(nil), t.Columns...)}
	if t.Data != nil {
		c.Data = mat.DenseCopyOf(t.Data)
	}
	return c
}

func (s *Memory) Read(path string) (*Table, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tables[path]
	if !ok {
		return nil, fmt.Errorf("%w: table %s", ErrNotFound, path)
	}
	return cloneTable(t), nil
}

func (s *Memory) Write(t *Table, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tables[path] = cloneTable(t)
	return nil
}

func (s *Memory) ReadMeta(path string) (Meta, error) {
	s.mu.RLock()
	m, ok := s.metas[path]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: meta %s", ErrNotFound, path)
	}
	// Round trip through JSON so readers see what a file store would give.
	var out Meta
	if err := m.Decode(&out); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Memory) WriteMeta(m Meta, path string) error {
	c, err := MetaOf(m)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metas[path] = c
	return nil
}

// Paths returns the stored table and meta paths.
func (s *Memory) Paths() (tables, metas []string) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for p := range s.tables {
		tables = append(tables, p)
	}
	for p := range s.metas {
		metas = append(metas, p)
	}
	return tables, metas
}
