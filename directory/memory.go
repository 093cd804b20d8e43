package directory

import (
	"context"
	"slices"
	"strings"
	"sync"

	"github.com/pkg/errors"
)

// Memory is a Directory local to one process.
type Memory struct {
	mu      sync.RWMutex
	records map[string]Record
}

var _ Directory = (*Memory)(nil)

func NewMemory() *Memory { return &Memory{records: make(map[string]Record)} }

func (m *Memory) Publish(_ context.Context, r Record) error {
	r, err := complete(r)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[r.Name]; ok {
		return errors.Wrapf(ErrExists, "%q", r.Name)
	}
	m.records[r.Name] = r
	return nil
}

func (m *Memory) Lookup(_ context.Context, name string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[name]
	if !ok {
		return Record{}, errors.Wrapf(ErrNotFound, "%q", name)
	}
	return r, nil
}

func (m *Memory) List(context.Context) ([]Record, error) {
	m.mu.RLock()
	out := make([]Record, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, r)
	}
	m.mu.RUnlock()
	slices.SortFunc(out, func(a, b Record) int { return strings.Compare(a.Name, b.Name) })
	return out, nil
}

func (m *Memory) Withdraw(_ context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[name]; !ok {
		return errors.Wrapf(ErrNotFound, "%q", name)
	}
	delete(m.records, name)
	return nil
}

func (m *Memory) Close() error { return nil }
