package kvstore

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// Memory is a process-local Store. Values are copied on the way in and out.
type Memory struct {
	mu     sync.Mutex
	values map[string][]byte
}

var _ Store = &Memory{}

func NewMemory() *Memory {
	return &Memory{values: map[string][]byte{}}
}

func (m *Memory) Get(_ context.Context, key string) ([]byte, bool, error) {
	if m == nil {
		return nil, false, errors.New("kvstore memory: nil store")
	}
	if err := validateKey(key); err != nil {
		return nil, false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	if !ok {
		return nil, false, nil
	}
	return append([]byte(nil), v...), true, nil
}

func (m *Memory) Set(_ context.Context, key string, value []byte) error {
	if m == nil {
		return errors.New("kvstore memory: nil store")
	}
	if err := validateKey(key); err != nil {
		return err
	}
	m.mu.Lock()
	m.values[key] = append([]byte(nil), value...)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Delete(_ context.Context, key string) error {
	if m == nil {
		return errors.New("kvstore memory: nil store")
	}
	if err := validateKey(key); err != nil {
		return err
	}
	m.mu.Lock()
	delete(m.values, key)
	m.mu.Unlock()
	return nil
}

func (m *Memory) Close() error { return nil }
