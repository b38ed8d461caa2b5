package reconcile

import (
	"sort"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"trade_gateway/internal/model"
	"trade_gateway/internal/trading/position"
)

var sides = []model.Side{
	model.SideOpenLong, model.SideCloseTodayLong, model.SideCloseYesterdayLong,
	model.SideOpenShort, model.SideCloseTodayShort, model.SideCloseYesterdayShort,
}

func legPending(l model.Leg) decimal.Decimal {
	return l.PendingOpen.Add(l.PendingCloseToday).Add(l.PendingCloseYesterday)
}

func counters(p *model.Position) []decimal.Decimal {
	return []decimal.Decimal{
		p.Long.Yesterday, p.Long.Today, p.Long.PendingOpen, p.Long.PendingCloseToday, p.Long.PendingCloseYesterday,
		p.Short.Yesterday, p.Short.Today, p.Short.PendingOpen, p.Short.PendingCloseToday, p.Short.PendingCloseYesterday,
	}
}

type normalizer interface {
	ApplyReport(*model.Position, model.PositionReport)
	PromoteOnOpen(*model.Leg)
}

// Random event streams against one position must keep every counter
// non-negative and keep pending equal to the outstanding quantity of the
// accounted live orders.
func TestRandomStreamsKeepInvariants(t *testing.T) {
	for name, norm := range map[string]normalizer{
		"split":   position.SplitNormalizer{},
		"derived": position.DerivedNormalizer{},
	} {
		t.Run(name, func(t *testing.T) {
			rapid.Check(t, func(rt *rapid.T) {
				checkRandomStream(rt, norm)
			})
		})
	}
}

func checkRandomStream(rt *rapid.T, norm normalizer) {
	pos := newPos(model.ClassDerivative)
	pos.Long.Yesterday = d(float64(rapid.IntRange(0, 20).Draw(rt, "long_yesterday")))
	pos.Short.Yesterday = d(float64(rapid.IntRange(0, 20).Draw(rt, "short_yesterday")))
	live := map[model.OrderRef]*model.Order{}
	var next model.OrderRef

	steps := rapid.IntRange(1, 200).Draw(rt, "steps")
	for i := 0; i < steps; i++ {
		var ev model.Event
		var ord *model.Order

		if len(live) == 0 || rapid.IntRange(0, 3).Draw(rt, "new_order") == 0 {
			next++
			side := rapid.SampledFrom(sides).Draw(rt, "side")
			qty := rapid.IntRange(1, 10).Draw(rt, "qty")
			ev = model.Event{Kind: model.EventSubmitted, Order: newOrder(next, side, model.KindLimit, float64(qty))}
		} else {
			refs := make([]model.OrderRef, 0, len(live))
			for ref := range live {
				refs = append(refs, ref)
			}
			sort.Slice(refs, func(i, j int) bool { return refs[i] < refs[j] })
			ord = live[rapid.SampledFrom(refs).Draw(rt, "target")]

			switch rapid.IntRange(0, 5).Draw(rt, "event") {
			case 0, 1, 2:
				out := ord.Outstanding().IntPart()
				q := rapid.Int64Range(1, out).Draw(rt, "fill_qty")
				ev = model.Event{
					Kind:            model.EventTrade,
					TradeQty:        decimal.NewFromInt(q),
					TradePrice:      d(100),
					CancelRemainder: rapid.IntRange(0, 4).Draw(rt, "fak") == 0,
				}
			case 3:
				ev = model.Event{Kind: model.EventCancelConfirmed}
			case 4:
				ev = model.Event{Kind: model.EventVenueRejected}
			default:
				ev = model.Event{Kind: model.EventVenueAccepted}
			}
		}
		ev.Time = t0

		before := pos
		res, err := Apply(ev, ord, pos, norm)
		require.NoError(rt, err)
		pos = res.Position

		if res.Order != nil {
			if res.Terminal {
				delete(live, res.Order.Ref)
				// a repeated terminal event must be a no-op
				again, err := Apply(model.Event{Kind: model.EventCancelConfirmed, Time: t0}, res.Order, pos, norm)
				require.NoError(rt, err)
				require.True(rt, again.NoOp)
			} else {
				live[res.Order.Ref] = res.Order
			}
		}

		for _, c := range counters(pos) {
			require.False(rt, c.IsNegative(), "negative counter after %s", ev.Kind)
		}

		want := decimal.Zero
		for _, o := range live {
			require.True(rt, o.TradedQty.Add(o.CanceledQty).LessThanOrEqual(o.Quantity))
			if o.Accounted {
				want = want.Add(o.Outstanding())
			}
		}
		got := legPending(pos.Long).Add(legPending(pos.Short))
		require.True(rt, want.Equal(got), "pending %s want %s after %s", got, want, ev.Kind)

		if ev.Kind != model.EventTrade && !res.Clamped {
			require.True(rt, before.Long.Total().Equal(pos.Long.Total()))
			require.True(rt, before.Short.Total().Equal(pos.Short.Total()))
		}
	}
}
