package position

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"trade_gateway/internal/model"
)

func TestTable_LazyCreateAndReset(t *testing.T) {
	tbl := NewTable(model.ClassDerivative)
	key := model.PositionKey{Account: "acc", Ticker: "IF2412"}

	_, ok := tbl.Get(key)
	assert.False(t, ok)

	p := tbl.GetOrCreate(key, time.Now())
	p.Long.Today = d(3)
	assert.Same(t, p, tbl.GetOrCreate(key, time.Now()))
	assert.Equal(t, 1, tbl.Len())

	snap := tbl.Snapshot()
	snap[0].Long.Today = d(99)
	assert.True(t, p.Long.Today.Equal(d(3)))

	tbl.Reset(time.Now())
	got, ok := tbl.Get(key)
	assert.True(t, ok)
	assert.True(t, got.Long.Today.IsZero())
	assert.Equal(t, 1, tbl.Len())
}

func TestTable_SnapshotOrder(t *testing.T) {
	tbl := NewTable(model.ClassCash)
	now := time.Now()
	tbl.GetOrCreate(model.PositionKey{Account: "b", Ticker: "1"}, now)
	tbl.GetOrCreate(model.PositionKey{Account: "a", Ticker: "2"}, now)
	tbl.GetOrCreate(model.PositionKey{Account: "a", Ticker: "1"}, now)

	snap := tbl.Snapshot()
	assert.Equal(t, model.PositionKey{Account: "a", Ticker: "1"}, snap[0].Key)
	assert.Equal(t, model.PositionKey{Account: "a", Ticker: "2"}, snap[1].Key)
	assert.Equal(t, model.PositionKey{Account: "b", Ticker: "1"}, snap[2].Key)
	assert.Equal(t, model.ClassCash, snap[0].Class)
}
