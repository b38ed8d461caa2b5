package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Order is the canonical record of one order for its whole life.
type Order struct {
	Ref     OrderRef
	Venue   string
	Account string
	Ticker  string
	Kind    OrderKind

	Direction Direction
	Offset    Offset
	Side      Side

	Price       decimal.Decimal
	Quantity    decimal.Decimal
	TradedQty   decimal.Decimal
	AvgPrice    decimal.Decimal
	CanceledQty decimal.Decimal

	Status OrderStatus

	// LocalID is bound when the backend acknowledges, SystemID when the venue does.
	LocalID  string
	SystemID string

	SentAt         time.Time
	BackendAckedAt time.Time
	VenueAckedAt   time.Time
	UpdatedAt      time.Time

	ErrorCode string
	ErrorMsg  string

	// Accounted is true while the outstanding quantity sits in a pending counter.
	Accounted bool
}

// Outstanding is the quantity neither traded nor canceled.
func (o *Order) Outstanding() decimal.Decimal {
	return o.Quantity.Sub(o.TradedQty).Sub(o.CanceledQty)
}

func (o *Order) Key() PositionKey {
	return PositionKey{Account: o.Account, Ticker: o.Ticker}
}

// Clone returns an independent copy.
func (o *Order) Clone() *Order {
	if o == nil {
		return nil
	}
	c := *o
	return &c
}

// InsertRequest is a caller's request to place an order.
type InsertRequest struct {
	Account   string
	Ticker    string
	Venue     string
	Direction Direction
	Offset    Offset
	Kind      OrderKind
	Price     decimal.Decimal
	Quantity  decimal.Decimal
	Verdict   RiskVerdict
}

// CancelRequest asks to cancel a live order.
type CancelRequest struct {
	Ref     OrderRef
	Verdict RiskVerdict
}

// OrderReport is a venue's view of an order returned by an open-order query.
type OrderReport struct {
	Ref       OrderRef // zero when the venue does not echo the caller's reference
	LocalID   string
	SystemID  string
	Account   string
	Ticker    string
	Kind      OrderKind
	Direction Direction
	Offset    Offset
	Price     decimal.Decimal
	Quantity  decimal.Decimal
	TradedQty decimal.Decimal
	AvgPrice  decimal.Decimal
	InsertAt  time.Time
}
