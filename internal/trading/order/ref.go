package order

import (
	"errors"
	"sync"
	"time"

	"trade_gateway/internal/model"
)

// RefSlots is the number of refs that can be issued within one second before
// the counter wraps onto a value already used in that second.
const RefSlots = 10000

// ErrRefsExhausted is returned when every ref of the current second is taken.
var ErrRefsExhausted = errors.New("order refs exhausted for this second")

// Clock returns the current time. Tests inject a fixed clock.
type Clock func() time.Time

// RefAllocator issues OrderRefs of the form daySeconds*RefSlots + counter%RefSlots.
//
// Refs are unique for the trading day without a central allocator as long as
// fewer than RefSlots refs are issued within any single second. Refs from a
// previous process lifetime on the same day sort before refs issued later.
type RefAllocator struct {
	mu      sync.Mutex
	clock   Clock
	counter uint64
}

func NewRefAllocator(clock Clock) *RefAllocator {
	if clock == nil {
		clock = time.Now
	}
	return &RefAllocator{clock: clock}
}

// Next returns a fresh ref.
func (a *RefAllocator) Next() model.OrderRef {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.clock()
	sec := uint64(now.Hour()*3600 + now.Minute()*60 + now.Second())
	ref := sec*RefSlots + a.counter%RefSlots
	a.counter++
	return model.OrderRef(ref)
}

// DaySeconds extracts the issue second from a ref.
func DaySeconds(ref model.OrderRef) int {
	return int(uint64(ref) / RefSlots)
}
