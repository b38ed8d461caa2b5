package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// PositionKey identifies a position. A struct key keeps delimiter characters
// inside account or ticker identifiers from ever colliding.
type PositionKey struct {
	Account string
	Ticker  string
}

// Leg is one side (long or short) of a derivative position.
type Leg struct {
	Yesterday             decimal.Decimal
	Today                 decimal.Decimal
	PendingOpen           decimal.Decimal
	PendingCloseToday     decimal.Decimal
	PendingCloseYesterday decimal.Decimal
}

// Total is the settled quantity held on the leg.
func (l Leg) Total() decimal.Decimal {
	return l.Yesterday.Add(l.Today)
}

// CashHolding is the position shape of a cash instrument.
type CashHolding struct {
	YesterdayAvailable decimal.Decimal
	Total              decimal.Decimal
	TodayBuy           decimal.Decimal
	TodaySell          decimal.Decimal
	PendingBuy         decimal.Decimal
	PendingSell        decimal.Decimal

	// Credit account counters.
	MarginLoan       decimal.Decimal
	MarginLoanRepaid decimal.Decimal
	ShortLoan        decimal.Decimal
	ShortLoanRepaid  decimal.Decimal
	DirectReturnable decimal.Decimal
	SpecialAvailable decimal.Decimal
}

// Position is keyed by (account, ticker). Only Long/Short or Cash is used,
// depending on Class.
type Position struct {
	Key       PositionKey
	Class     InstrumentClass
	Long      Leg
	Short     Leg
	Cash      CashHolding
	UpdatedAt time.Time
}

func NewPosition(key PositionKey, class InstrumentClass, now time.Time) *Position {
	return &Position{Key: key, Class: class, UpdatedAt: now}
}

// LegFor returns the leg a side acts on.
func (p *Position) LegFor(side Side) *Leg {
	if side.IsLong() {
		return &p.Long
	}
	return &p.Short
}

// Reset zeroes every counter, keeping identity.
func (p *Position) Reset(now time.Time) {
	p.Long = Leg{}
	p.Short = Leg{}
	p.Cash = CashHolding{}
	p.UpdatedAt = now
}

func (p *Position) Clone() *Position {
	if p == nil {
		return nil
	}
	c := *p
	return &c
}

// PositionReport is one row of a venue position query, before normalization.
// Derivative venues fill Side plus either Yesterday/Today or Total/Today/TodayOpened;
// cash venues fill Cash.
type PositionReport struct {
	Account     string
	Ticker      string
	Side        PosSide
	Yesterday   decimal.Decimal
	Today       decimal.Decimal
	Total       decimal.Decimal
	TodayOpened decimal.Decimal
	Cash        *CashHolding
}

func (r PositionReport) Key() PositionKey {
	return PositionKey{Account: r.Account, Ticker: r.Ticker}
}

// AccountFund is a snapshot of an account's funds.
type AccountFund struct {
	Venue          string
	Account        string
	Balance        decimal.Decimal
	Available      decimal.Decimal
	Frozen         decimal.Decimal
	Margin         decimal.Decimal
	Commission     decimal.Decimal
	CloseProfit    decimal.Decimal
	PositionProfit decimal.Decimal
	UpdatedAt      time.Time
}

// SessionIdentity holds the identifiers a venue issues at login.
type SessionIdentity struct {
	FrontID   string
	SessionID string
	UserID    string
}
