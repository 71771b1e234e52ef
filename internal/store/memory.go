package store

import (
	"context"
	"sync"

	"github.com/rotisserie/eris"
)

// Memory is a State that is lost when the process exits. Used for dry runs
// and tests.
type Memory struct {
	mu         sync.Mutex
	checkpoint int
	seen       seenSet
}

// NewMemory returns an empty Memory state.
func NewMemory() *Memory {
	return &Memory{seen: seenSet{}}
}

func (m *Memory) LoadCheckpoint(_ context.Context) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.checkpoint, nil
}

func (m *Memory) SaveCheckpoint(_ context.Context, n int) error {
	if n < 0 {
		return eris.Errorf("store: negative checkpoint %d", n)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkpoint = n
	return nil
}

func (m *Memory) Seen(id string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.seen.has(id)
}

func (m *Memory) Record(_ context.Context, id string) error {
	if id == "" {
		return nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seen.add(id)
	return nil
}

func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.seen)
}

func (m *Memory) Close() error { return nil }
