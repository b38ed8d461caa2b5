// Package position owns the canonical position records of one gateway and the
// venue conventions that shape them.
package position

import (
	"sort"
	"sync"
	"time"

	"trade_gateway/internal/model"
)

// Table holds positions keyed by (account, ticker). Records are created lazily
// and never deleted, only zeroed by Reset.
type Table struct {
	class     model.InstrumentClass
	positions map[model.PositionKey]*model.Position
	mu        sync.RWMutex
}

func NewTable(class model.InstrumentClass) *Table {
	return &Table{
		class:     class,
		positions: make(map[model.PositionKey]*model.Position),
	}
}

func (t *Table) Class() model.InstrumentClass {
	return t.class
}

// Get returns the stored record for key.
func (t *Table) Get(key model.PositionKey) (*model.Position, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	p, ok := t.positions[key]
	return p, ok
}

// GetOrCreate returns the record for key, creating an empty one on first reference.
func (t *Table) GetOrCreate(key model.PositionKey, now time.Time) *model.Position {
	t.mu.Lock()
	defer t.mu.Unlock()
	if p, ok := t.positions[key]; ok {
		return p
	}
	p := model.NewPosition(key, t.class, now)
	t.positions[key] = p
	return p
}

// Put replaces the record for p.Key.
func (t *Table) Put(p *model.Position) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.positions[p.Key] = p
}

// Snapshot returns copies of every record ordered by account then ticker.
func (t *Table) Snapshot() []*model.Position {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*model.Position, 0, len(t.positions))
	for _, p := range t.positions {
		out = append(out, p.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Key.Account != out[j].Key.Account {
			return out[i].Key.Account < out[j].Key.Account
		}
		return out[i].Key.Ticker < out[j].Key.Ticker
	})
	return out
}

// Reset zeroes every record, e.g. at the start of a new trading day.
func (t *Table) Reset(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, p := range t.positions {
		p.Reset(now)
	}
}

func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.positions)
}
