package order

import (
	"sync"

	"trade_gateway/internal/model"

	"github.com/google/btree"
)

const (
	defaultFinishedCapacity = 100000
	refTreeDegree           = 16
)

// Table holds live orders keyed by OrderRef with secondary indices for the
// venue-local and venue-system identifiers. Refs of orders that reached a
// terminal status are remembered in a bounded set so late events for them are
// recognized rather than treated as unknown.
type Table struct {
	mu       sync.RWMutex
	live     map[model.OrderRef]*model.Order
	refs     *btree.BTreeG[model.OrderRef] // live refs in ascending order
	byLocal  map[string]model.OrderRef
	bySystem map[string]model.OrderRef

	finished     map[model.OrderRef]struct{}
	finishedRing []model.OrderRef
	finishedNext int

	trades     map[string]struct{}
	tradesRing []string
	tradesNext int

	capacity int
}

func NewTable(finishedCapacity int) *Table {
	if finishedCapacity <= 0 {
		finishedCapacity = defaultFinishedCapacity
	}
	return &Table{
		live:     make(map[model.OrderRef]*model.Order),
		refs:     btree.NewOrderedG[model.OrderRef](refTreeDegree),
		byLocal:  make(map[string]model.OrderRef),
		bySystem: make(map[string]model.OrderRef),
		finished: make(map[model.OrderRef]struct{}),
		trades:   make(map[string]struct{}),
		capacity: finishedCapacity,
	}
}

// Get returns the live order for ref.
func (t *Table) Get(ref model.OrderRef) (*model.Order, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	o, ok := t.live[ref]
	return o, ok
}

func (t *Table) ByLocalID(id string) (*model.Order, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ref, ok := t.byLocal[id]
	if !ok {
		return nil, false
	}
	o, ok := t.live[ref]
	return o, ok
}

func (t *Table) BySystemID(id string) (*model.Order, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ref, ok := t.bySystem[id]
	if !ok {
		return nil, false
	}
	o, ok := t.live[ref]
	return o, ok
}

// Put stores a live order, replacing any previous record for its ref, and
// refreshes its identifier indices.
func (t *Table) Put(o *model.Order) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if prev, ok := t.live[o.Ref]; ok {
		if prev.LocalID != o.LocalID {
			t.unindex(t.byLocal, prev.LocalID, o.Ref)
		}
		if prev.SystemID != o.SystemID {
			t.unindex(t.bySystem, prev.SystemID, o.Ref)
		}
	}
	t.live[o.Ref] = o
	t.refs.ReplaceOrInsert(o.Ref)
	if o.LocalID != "" {
		t.byLocal[o.LocalID] = o.Ref
	}
	if o.SystemID != "" {
		t.bySystem[o.SystemID] = o.Ref
	}
}

// unindex drops id only while it still points at ref; a venue may reuse an
// identifier for a later order.
func (t *Table) unindex(idx map[string]model.OrderRef, id string, ref model.OrderRef) {
	if id == "" {
		return
	}
	if idx[id] == ref {
		delete(idx, id)
	}
}

// Finish removes a live order and remembers its ref. It returns false if the
// ref was not live, so a caller can never remove an order twice.
func (t *Table) Finish(ref model.OrderRef) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	o, ok := t.live[ref]
	if !ok {
		return false
	}
	delete(t.live, ref)
	t.refs.Delete(ref)
	t.unindex(t.byLocal, o.LocalID, ref)
	t.unindex(t.bySystem, o.SystemID, ref)
	t.markFinished(ref)
	return true
}

// MarkFinished records a ref that never entered the live table, such as a
// risk-rejected order.
func (t *Table) MarkFinished(ref model.OrderRef) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.markFinished(ref)
}

func (t *Table) markFinished(ref model.OrderRef) {
	if _, ok := t.finished[ref]; ok {
		return
	}
	if len(t.finishedRing) < t.capacity {
		t.finishedRing = append(t.finishedRing, ref)
	} else {
		delete(t.finished, t.finishedRing[t.finishedNext])
		t.finishedRing[t.finishedNext] = ref
		t.finishedNext = (t.finishedNext + 1) % t.capacity
	}
	t.finished[ref] = struct{}{}
}

func (t *Table) IsFinished(ref model.OrderRef) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	_, ok := t.finished[ref]
	return ok
}

// Exists reports whether ref is live or finished.
func (t *Table) Exists(ref model.OrderRef) bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if _, ok := t.live[ref]; ok {
		return true
	}
	_, ok := t.finished[ref]
	return ok
}

// MarkTrade records a venue trade key and reports whether it was new.
func (t *Table) MarkTrade(key string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.trades[key]; ok {
		return false
	}
	if len(t.tradesRing) < t.capacity {
		t.tradesRing = append(t.tradesRing, key)
	} else {
		delete(t.trades, t.tradesRing[t.tradesNext])
		t.tradesRing[t.tradesNext] = key
		t.tradesNext = (t.tradesNext + 1) % t.capacity
	}
	t.trades[key] = struct{}{}
	return true
}

// Live returns copies of all live orders ordered by ref.
func (t *Table) Live() []*model.Order {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*model.Order, 0, len(t.live))
	t.refs.Ascend(func(ref model.OrderRef) bool {
		out = append(out, t.live[ref].Clone())
		return true
	})
	return out
}

func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.live)
}

// ResetFinished forgets finished refs and trade keys at a trading-day boundary.
func (t *Table) ResetFinished() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.finished = make(map[model.OrderRef]struct{})
	t.finishedRing = nil
	t.finishedNext = 0
	t.trades = make(map[string]struct{})
	t.tradesRing = nil
	t.tradesNext = 0
}
