package journal

import (
	"context"
	"sort"
	"sync"
)

// Memory is a process-local journal. It does not survive restarts.
type Memory struct {
	mu      sync.Mutex
	seq     uint64
	entries map[string]Entry
}

func NewMemory() *Memory {
	return &Memory{entries: make(map[string]Entry)}
}

func (m *Memory) Append(ctx context.Context, e Entry) (Entry, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}
	if e.ID == "" {
		e.ID = ID(e.Payload)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.entries[e.ID]; ok {
		return existing, nil
	}
	m.seq++
	e.Sequence = m.seq
	m.entries[e.ID] = e
	return e, nil
}

func (m *Memory) Resolve(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, id)
	return nil
}

func (m *Memory) Pending(ctx context.Context) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]Entry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Sequence < out[j].Sequence })
	return out, nil
}
