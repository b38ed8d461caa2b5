package outbound

import (
	"context"
	"sync"

	"trade_gateway/internal/model"
)

// MemoryJournal keeps delivered events in memory. Used when no journal path is
// configured and in tests.
type MemoryJournal struct {
	mu     sync.RWMutex
	events []model.OutboundEvent
}

func NewMemoryJournal() *MemoryJournal {
	return &MemoryJournal{}
}

func (m *MemoryJournal) Name() string { return "memory" }

func (m *MemoryJournal) Deliver(_ context.Context, ev model.OutboundEvent) error {
	m.mu.Lock()
	m.events = append(m.events, ev)
	m.mu.Unlock()
	return nil
}

// Events returns a copy of everything delivered so far.
func (m *MemoryJournal) Events() []model.OutboundEvent {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]model.OutboundEvent(nil), m.events...)
}

func (m *MemoryJournal) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.events)
}
