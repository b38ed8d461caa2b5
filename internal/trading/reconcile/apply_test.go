package reconcile

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trade_gateway/internal/model"
	"trade_gateway/internal/trading/position"
)

var t0 = time.Date(2026, 10, 15, 9, 30, 0, 0, time.UTC)

func d(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

func newPos(class model.InstrumentClass) *model.Position {
	return model.NewPosition(model.PositionKey{Account: "acc", Ticker: "IF2412"}, class, t0)
}

func newOrder(ref model.OrderRef, side model.Side, kind model.OrderKind, qty float64) *model.Order {
	return &model.Order{
		Ref:      ref,
		Venue:    "CFFEX",
		Account:  "acc",
		Ticker:   "IF2412",
		Kind:     kind,
		Side:     side,
		Price:    d(100),
		Quantity: d(qty),
	}
}

// step applies ev and returns the stored records, failing the test on error.
func step(t *testing.T, ev model.Event, ord *model.Order, pos *model.Position) (*model.Order, *model.Position, Result) {
	t.Helper()
	if ev.Time.IsZero() {
		ev.Time = t0
	}
	res, err := Apply(ev, ord, pos, position.SplitNormalizer{})
	require.NoError(t, err)
	return res.Order, res.Position, res
}

func submit(t *testing.T, o *model.Order, pos *model.Position) (*model.Order, *model.Position) {
	t.Helper()
	ord, p, res := step(t, model.Event{Kind: model.EventSubmitted, Order: o}, nil, pos)
	require.Equal(t, model.StatusSent, ord.Status)
	require.True(t, res.PositionChanged)
	return ord, p
}

func TestTwoFillsCompleteOpen(t *testing.T) {
	ord, pos := submit(t, newOrder(1, model.SideOpenLong, model.KindLimit, 10), newPos(model.ClassDerivative))
	assert.True(t, pos.Long.PendingOpen.Equal(d(10)))

	ord, pos, _ = step(t, model.Event{Kind: model.EventBackendAccepted, LocalID: "L1"}, ord, pos)
	ord, pos, _ = step(t, model.Event{Kind: model.EventVenueAccepted, SystemID: "S1"}, ord, pos)
	assert.Equal(t, model.StatusVenueAcked, ord.Status)
	assert.True(t, pos.Long.PendingOpen.Equal(d(10)), "venue ack must not double count")

	ord, pos, _ = step(t, model.Event{Kind: model.EventTrade, TradeQty: d(4), TradePrice: d(100)}, ord, pos)
	assert.Equal(t, model.StatusPartiallyFilled, ord.Status)

	ord, pos, res := step(t, model.Event{Kind: model.EventTrade, TradeQty: d(6), TradePrice: d(101)}, ord, pos)
	assert.Equal(t, model.StatusFilled, ord.Status)
	assert.True(t, res.Terminal)
	assert.True(t, pos.Long.PendingOpen.IsZero())
	assert.True(t, pos.Long.Today.Equal(d(10)))
	assert.True(t, ord.AvgPrice.Equal(d(100.6)), "avg %s", ord.AvgPrice)
	assert.Equal(t, "L1", ord.LocalID)
	assert.Equal(t, "S1", ord.SystemID)
}

func TestFillAndKillCancelsRemainder(t *testing.T) {
	ord, pos := submit(t, newOrder(2, model.SideOpenLong, model.KindFAK, 10), newPos(model.ClassDerivative))

	ord, pos, res := step(t, model.Event{
		Kind: model.EventTrade, TradeQty: d(3), TradePrice: d(100), CancelRemainder: true,
	}, ord, pos)

	assert.True(t, res.Terminal)
	assert.Equal(t, model.StatusPartiallyFilledCancelled, ord.Status)
	assert.True(t, ord.CanceledQty.Equal(d(7)))
	assert.True(t, pos.Long.Today.Equal(d(3)))
	assert.True(t, pos.Long.PendingOpen.IsZero())
}

func TestCancelConfirmedBooksTradesItReports(t *testing.T) {
	ord, pos := submit(t, newOrder(2, model.SideOpenLong, model.KindFAK, 10), newPos(model.ClassDerivative))

	view := &model.Order{TradedQty: d(3), AvgPrice: d(100)}
	ord, pos, res := step(t, model.Event{Kind: model.EventCancelConfirmed, Order: view}, ord, pos)
	require.True(t, res.Terminal)
	assert.Equal(t, model.StatusPartiallyFilledCancelled, ord.Status)
	assert.True(t, ord.TradedQty.Equal(d(3)))
	assert.True(t, ord.CanceledQty.Equal(d(7)))
	assert.True(t, pos.Long.Today.Equal(d(3)))
	assert.True(t, pos.Long.PendingOpen.IsZero())

	// the trade push arriving afterwards changes nothing
	_, pos, res = step(t, model.Event{Kind: model.EventTrade, TradeQty: d(3), TradePrice: d(100)}, ord, pos)
	assert.True(t, res.NoOp)
	assert.True(t, pos.Long.Today.Equal(d(3)))
}

func TestCancelConfirmedAfterTradeDoesNotDoubleBook(t *testing.T) {
	ord, pos := submit(t, newOrder(2, model.SideOpenLong, model.KindFAK, 10), newPos(model.ClassDerivative))
	ord, pos, _ = step(t, model.Event{Kind: model.EventTrade, TradeQty: d(3), TradePrice: d(100)}, ord, pos)

	view := &model.Order{TradedQty: d(3), AvgPrice: d(100)}
	ord, pos, res := step(t, model.Event{Kind: model.EventCancelConfirmed, Order: view}, ord, pos)
	require.True(t, res.Terminal)
	assert.Equal(t, model.StatusPartiallyFilledCancelled, ord.Status)
	assert.True(t, pos.Long.Today.Equal(d(3)))
	assert.True(t, pos.Long.PendingOpen.IsZero())
}

func TestCancelConfirmedReportingFullFillCompletes(t *testing.T) {
	ord, pos := submit(t, newOrder(2, model.SideOpenLong, model.KindLimit, 10), newPos(model.ClassDerivative))

	view := &model.Order{TradedQty: d(10), AvgPrice: d(100)}
	ord, pos, res := step(t, model.Event{Kind: model.EventCancelConfirmed, Order: view}, ord, pos)
	require.True(t, res.Terminal)
	assert.Equal(t, model.StatusFilled, ord.Status)
	assert.True(t, ord.CanceledQty.IsZero())
	assert.True(t, pos.Long.Today.Equal(d(10)))
}

func TestCloseYesterdayLongFullyFilled(t *testing.T) {
	pos := newPos(model.ClassDerivative)
	pos.Long.Yesterday = d(5)

	ord, pos := submit(t, newOrder(3, model.SideCloseYesterdayLong, model.KindLimit, 5), pos)
	assert.True(t, pos.Long.PendingCloseYesterday.Equal(d(5)))

	ord, pos, _ = step(t, model.Event{Kind: model.EventTrade, TradeQty: d(5), TradePrice: d(99)}, ord, pos)
	assert.Equal(t, model.StatusFilled, ord.Status)
	assert.True(t, pos.Long.Yesterday.IsZero())
	assert.True(t, pos.Long.PendingCloseYesterday.IsZero())
}

func TestVenueRejectRollsBackPending(t *testing.T) {
	ord, pos := submit(t, newOrder(4, model.SideOpenShort, model.KindLimit, 8), newPos(model.ClassDerivative))
	ord, pos, _ = step(t, model.Event{Kind: model.EventBackendAccepted, LocalID: "L4"}, ord, pos)

	ord, pos, res := step(t, model.Event{
		Kind: model.EventVenueRejected, ErrorCode: "31", ErrorMsg: "insufficient margin",
	}, ord, pos)

	assert.True(t, res.Terminal)
	assert.Equal(t, model.StatusVenueRejected, ord.Status)
	assert.Equal(t, "31", ord.ErrorCode)
	assert.True(t, pos.Short.PendingOpen.IsZero())
	assert.False(t, ord.Accounted)
}

func TestResyncEstablishesPartiallyFilledOrder(t *testing.T) {
	view := newOrder(0, model.SideOpenLong, model.KindLimit, 10)
	view.TradedQty = d(4)
	view.AvgPrice = d(100)
	view.SystemID = "S9"

	ord, pos, _ := step(t, model.Event{Kind: model.EventResync, Ref: 77, Order: view}, nil, newPos(model.ClassDerivative))

	require.NotNil(t, ord)
	assert.Equal(t, model.OrderRef(77), ord.Ref)
	assert.Equal(t, model.StatusPartiallyFilled, ord.Status)
	assert.True(t, pos.Long.PendingOpen.Equal(d(6)))
	assert.True(t, pos.Long.Today.IsZero(), "fills before the restart are already in the position query")
	assert.True(t, ord.Accounted)
}

func TestResync_CatchesUpMissedFills(t *testing.T) {
	ord, pos := submit(t, newOrder(5, model.SideOpenLong, model.KindLimit, 10), newPos(model.ClassDerivative))
	ord, pos, _ = step(t, model.Event{Kind: model.EventTrade, TradeQty: d(2), TradePrice: d(100)}, ord, pos)

	view := ord.Clone()
	view.TradedQty = d(5)
	view.AvgPrice = d(100)
	ord, pos, _ = step(t, model.Event{Kind: model.EventResync, Order: view}, ord, pos)

	assert.True(t, ord.TradedQty.Equal(d(5)))
	assert.True(t, pos.Long.Today.Equal(d(5)))
	assert.True(t, pos.Long.PendingOpen.Equal(d(5)))
}

func TestResync_SkipsCompletedOrder(t *testing.T) {
	view := newOrder(0, model.SideOpenLong, model.KindLimit, 10)
	view.TradedQty = d(10)
	res, err := Apply(model.Event{Kind: model.EventResync, Ref: 8, Order: view, Time: t0}, nil, newPos(model.ClassDerivative), nil)
	require.NoError(t, err)
	assert.True(t, res.NoOp)
	assert.Nil(t, res.Order)
}

func TestTerminalEventsAreIdempotent(t *testing.T) {
	ord, pos := submit(t, newOrder(6, model.SideOpenLong, model.KindLimit, 10), newPos(model.ClassDerivative))
	ord, pos, _ = step(t, model.Event{Kind: model.EventCancelConfirmed}, ord, pos)
	require.Equal(t, model.StatusCancelled, ord.Status)
	require.True(t, ord.CanceledQty.Equal(d(10)))

	for _, kind := range []model.EventKind{model.EventCancelConfirmed, model.EventVenueRejected, model.EventCancelRejected} {
		res, err := Apply(model.Event{Kind: kind, Time: t0}, ord, pos, nil)
		require.NoError(t, err)
		assert.True(t, res.NoOp, kind.String())
		assert.Same(t, pos, res.Position)
		assert.Same(t, ord, res.Order)
	}
}

func TestOverfillRejected(t *testing.T) {
	ord, pos := submit(t, newOrder(7, model.SideOpenLong, model.KindLimit, 5), newPos(model.ClassDerivative))
	_, err := Apply(model.Event{Kind: model.EventTrade, TradeQty: d(6), TradePrice: d(1)}, ord, pos, nil)
	assert.ErrorIs(t, err, ErrOverfill)

	_, err = Apply(model.Event{Kind: model.EventTrade, TradeQty: d(0)}, ord, pos, nil)
	assert.ErrorIs(t, err, ErrInvalidQuantity)
}

func TestInputsNotMutated(t *testing.T) {
	ord, pos := submit(t, newOrder(8, model.SideOpenLong, model.KindLimit, 5), newPos(model.ClassDerivative))
	before := *pos
	_, _, _ = step(t, model.Event{Kind: model.EventTrade, TradeQty: d(5), TradePrice: d(1)}, ord, pos)
	assert.Equal(t, model.StatusSent, ord.Status)
	assert.True(t, pos.Long.PendingOpen.Equal(before.Long.PendingOpen))
	assert.True(t, pos.Long.Today.IsZero())
}

func TestUnknownOrder(t *testing.T) {
	_, err := Apply(model.Event{Kind: model.EventTrade, TradeQty: d(1)}, nil, newPos(model.ClassDerivative), nil)
	assert.ErrorIs(t, err, ErrUnknownOrder)

	_, err = Apply(model.Event{Kind: model.EventSubmitted}, nil, nil, nil)
	assert.ErrorIs(t, err, ErrNoPosition)
}

func TestRiskRejectedNeverTouchesPosition(t *testing.T) {
	pos := newPos(model.ClassDerivative)
	o := newOrder(9, model.SideUnknown, model.KindLimit, 3)
	res, err := Apply(model.Event{Kind: model.EventRiskRejected, Order: o, ErrorCode: "RISK"}, nil, pos, nil)
	require.NoError(t, err)
	assert.True(t, res.Terminal)
	assert.False(t, res.PositionChanged)
	assert.Same(t, pos, res.Position)
	assert.Equal(t, model.StatusRiskRejected, res.Order.Status)
	assert.False(t, res.Order.Accounted)

	res, err = Apply(model.Event{Kind: model.EventRiskCheckInit, Order: o}, nil, pos, nil)
	require.NoError(t, err)
	assert.Equal(t, model.StatusRiskCheckInit, res.Order.Status)
}

func TestRiskCancelRejectedIsAuditOnly(t *testing.T) {
	ord, pos := submit(t, newOrder(10, model.SideOpenLong, model.KindLimit, 3), newPos(model.ClassDerivative))
	res, err := Apply(model.Event{Kind: model.EventRiskCancelRejected, ErrorCode: "RISK"}, ord, pos, nil)
	require.NoError(t, err)
	require.NotNil(t, res.Audit)
	assert.Equal(t, model.StatusRiskCancelRejected, res.Audit.Status)
	assert.Same(t, ord, res.Order)
	assert.False(t, res.NoOp)
	assert.False(t, res.Terminal)
}

func TestCancelRejectedReleasesRemainder(t *testing.T) {
	ord, pos := submit(t, newOrder(11, model.SideOpenLong, model.KindLimit, 10), newPos(model.ClassDerivative))
	ord, pos, _ = step(t, model.Event{Kind: model.EventTrade, TradeQty: d(4), TradePrice: d(1)}, ord, pos)
	ord, pos, _ = step(t, model.Event{Kind: model.EventCancelling}, ord, pos)
	assert.Equal(t, model.StatusCancelling, ord.Status)

	ord, pos, res := step(t, model.Event{Kind: model.EventCancelRejected, ErrorCode: "26"}, ord, pos)
	assert.True(t, res.Terminal)
	assert.Equal(t, model.StatusCancelRejected, ord.Status)
	assert.True(t, pos.Long.PendingOpen.IsZero())
	assert.True(t, pos.Long.Today.Equal(d(4)))
}

func TestPartialFillWhileCancellingKeepsCancelling(t *testing.T) {
	ord, pos := submit(t, newOrder(12, model.SideOpenLong, model.KindLimit, 10), newPos(model.ClassDerivative))
	ord, pos, _ = step(t, model.Event{Kind: model.EventCancelling}, ord, pos)
	ord, pos, _ = step(t, model.Event{Kind: model.EventTrade, TradeQty: d(2), TradePrice: d(1)}, ord, pos)
	assert.Equal(t, model.StatusCancelling, ord.Status)

	ord, pos, _ = step(t, model.Event{Kind: model.EventCancelConfirmed}, ord, pos)
	assert.Equal(t, model.StatusPartiallyFilledCancelled, ord.Status)
	assert.True(t, ord.CanceledQty.Equal(d(8)))
	assert.True(t, pos.Long.PendingOpen.IsZero())
}

func TestUnsolicitedVenueAcceptEstablishes(t *testing.T) {
	o := newOrder(0, model.SideOpenShort, model.KindLimit, 4)
	ord, pos, _ := step(t, model.Event{Kind: model.EventVenueAccepted, Ref: 13, SystemID: "S13", Order: o}, nil, newPos(model.ClassDerivative))
	assert.Equal(t, model.StatusVenueAcked, ord.Status)
	assert.True(t, pos.Short.PendingOpen.Equal(d(4)))
	assert.Equal(t, "S13", ord.SystemID)
}

func TestClampReported(t *testing.T) {
	pos := newPos(model.ClassDerivative)
	ord, pos := submit(t, newOrder(14, model.SideCloseTodayLong, model.KindLimit, 3), pos)
	_, p, res := step(t, model.Event{Kind: model.EventTrade, TradeQty: d(3), TradePrice: d(1)}, ord, pos)
	assert.True(t, res.Clamped)
	assert.True(t, p.Long.Today.IsZero())
	assert.True(t, p.Long.Yesterday.IsZero())
}

func TestDerivedVenueFoldsOnOpenFill(t *testing.T) {
	pos := newPos(model.ClassDerivative)
	pos.Long.Yesterday = d(5)
	res, err := Apply(model.Event{Kind: model.EventSubmitted, Order: newOrder(15, model.SideOpenLong, model.KindLimit, 2)}, nil, pos, position.DerivedNormalizer{})
	require.NoError(t, err)
	res, err = Apply(model.Event{Kind: model.EventTrade, TradeQty: d(2), TradePrice: d(1)}, res.Order, res.Position, position.DerivedNormalizer{})
	require.NoError(t, err)
	assert.True(t, res.Position.Long.Today.Equal(d(7)))
	assert.True(t, res.Position.Long.Yesterday.IsZero())

	// a carried-over close after the fold draws from the promoted bucket
	res, err = Apply(model.Event{Kind: model.EventSubmitted, Order: newOrder(16, model.SideCloseYesterdayLong, model.KindLimit, 3)}, nil, res.Position, position.DerivedNormalizer{})
	require.NoError(t, err)
	res, err = Apply(model.Event{Kind: model.EventTrade, TradeQty: d(3), TradePrice: d(1)}, res.Order, res.Position, position.DerivedNormalizer{})
	require.NoError(t, err)
	assert.False(t, res.Clamped)
	assert.True(t, res.Position.Long.Today.Equal(d(4)))
}

func TestCashFills(t *testing.T) {
	pos := newPos(model.ClassCash)
	pos.Cash.YesterdayAvailable = d(500)
	pos.Cash.Total = d(500)

	buy, pos := submit(t, newOrder(20, model.SideOpenLong, model.KindLimit, 100), pos)
	assert.True(t, pos.Cash.PendingBuy.Equal(d(100)))
	_, pos, _ = step(t, model.Event{Kind: model.EventTrade, TradeQty: d(100), TradePrice: d(10)}, buy, pos)
	assert.True(t, pos.Cash.Total.Equal(d(600)))
	assert.True(t, pos.Cash.TodayBuy.Equal(d(100)))
	assert.True(t, pos.Cash.PendingBuy.IsZero())

	sell, pos := submit(t, newOrder(21, model.SideCloseYesterdayLong, model.KindLimit, 200), pos)
	assert.True(t, pos.Cash.PendingSell.Equal(d(200)))
	_, pos, _ = step(t, model.Event{Kind: model.EventTrade, TradeQty: d(200), TradePrice: d(10)}, sell, pos)
	assert.True(t, pos.Cash.YesterdayAvailable.Equal(d(300)))
	assert.True(t, pos.Cash.Total.Equal(d(400)))
	assert.True(t, pos.Cash.TodaySell.Equal(d(200)))

	short, pos := submit(t, newOrder(22, model.SideOpenShort, model.KindLimit, 50), pos)
	_, pos, _ = step(t, model.Event{Kind: model.EventTrade, TradeQty: d(50), TradePrice: d(10)}, short, pos)
	assert.True(t, pos.Cash.ShortLoan.Equal(d(50)))

	ret, pos := submit(t, newOrder(23, model.SideCloseYesterdayShort, model.KindLimit, 50), pos)
	_, pos, _ = step(t, model.Event{Kind: model.EventTrade, TradeQty: d(50), TradePrice: d(10)}, ret, pos)
	assert.True(t, pos.Cash.ShortLoanRepaid.Equal(d(50)))
	assert.True(t, pos.Cash.PendingBuy.IsZero())
	assert.True(t, pos.Cash.PendingSell.IsZero())
}
