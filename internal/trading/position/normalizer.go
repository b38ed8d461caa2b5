package position

import (
	"github.com/shopspring/decimal"

	"trade_gateway/internal/model"
)

func legOf(pos *model.Position, side model.PosSide) *model.Leg {
	if side == model.PosShort {
		return &pos.Short
	}
	return &pos.Long
}

// SplitNormalizer serves venues that report same-day and carried-over
// inventory as separate counters. No promotion is needed.
type SplitNormalizer struct{}

func (SplitNormalizer) ApplyReport(pos *model.Position, rep model.PositionReport) {
	leg := legOf(pos, rep.Side)
	leg.Yesterday = nonNegative(rep.Yesterday)
	leg.Today = nonNegative(rep.Today)
}

func (SplitNormalizer) PromoteOnOpen(*model.Leg) {}

// DerivedNormalizer serves venues that report a total and a same-day subset.
// Carried-over is total minus same-day, and whenever anything was opened today
// the whole holding is promoted into the same-day bucket.
type DerivedNormalizer struct{}

func (DerivedNormalizer) ApplyReport(pos *model.Position, rep model.PositionReport) {
	leg := legOf(pos, rep.Side)
	total := nonNegative(rep.Total)
	today := nonNegative(rep.Today)
	if today.GreaterThan(total) {
		today = total
	}
	yesterday := total.Sub(today)
	if rep.TodayOpened.IsPositive() {
		today = total
		yesterday = decimal.Zero
	}
	leg.Yesterday = yesterday
	leg.Today = today
}

func (DerivedNormalizer) PromoteOnOpen(leg *model.Leg) {
	if !leg.Today.IsPositive() || leg.Yesterday.IsZero() {
		return
	}
	leg.Today = leg.Today.Add(leg.Yesterday)
	leg.Yesterday = decimal.Zero
}

// CashNormalizer copies a cash holding report, keeping in-flight counters.
type CashNormalizer struct{}

func (CashNormalizer) ApplyReport(pos *model.Position, rep model.PositionReport) {
	if rep.Cash == nil {
		return
	}
	pendingBuy, pendingSell := pos.Cash.PendingBuy, pos.Cash.PendingSell
	pos.Cash = *rep.Cash
	pos.Cash.PendingBuy = pendingBuy
	pos.Cash.PendingSell = pendingSell
}

func (CashNormalizer) PromoteOnOpen(*model.Leg) {}

func nonNegative(d decimal.Decimal) decimal.Decimal {
	if d.IsNegative() {
		return decimal.Zero
	}
	return d
}
