package model

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// EventKind enumerates the canonical order events.
type EventKind int

const (
	EventSubmitted EventKind = iota + 1
	EventRiskRejected
	EventRiskCheckInit
	EventRiskCancelRejected
	EventBackendAccepted
	EventBackendRejected
	EventVenueAccepted
	EventVenueRejected
	EventTrade
	EventCancelling
	EventCancelConfirmed
	EventCancelRejected
	EventResync
)

var eventNames = map[EventKind]string{
	EventSubmitted:          "SUBMITTED",
	EventRiskRejected:       "RISK_REJECTED",
	EventRiskCheckInit:      "RISK_CHECK_INIT",
	EventRiskCancelRejected: "RISK_CANCEL_REJECTED",
	EventBackendAccepted:    "BACKEND_ACCEPTED",
	EventBackendRejected:    "BACKEND_REJECTED",
	EventVenueAccepted:      "VENUE_ACCEPTED",
	EventVenueRejected:      "VENUE_REJECTED",
	EventTrade:              "TRADE",
	EventCancelling:         "CANCELLING",
	EventCancelConfirmed:    "CANCEL_CONFIRMED",
	EventCancelRejected:     "CANCEL_REJECTED",
	EventResync:             "RESYNC",
}

func (k EventKind) String() string {
	if n, ok := eventNames[k]; ok {
		return n
	}
	return "UNKNOWN"
}

// Establishes reports whether the event may create an order that is not yet
// in the live table.
func (k EventKind) Establishes() bool {
	switch k {
	case EventSubmitted, EventRiskRejected, EventRiskCheckInit, EventVenueAccepted, EventResync:
		return true
	}
	return false
}

// Event is a venue-agnostic description of something that happened to an order.
// Adapters fill whichever identifiers the venue provides; the gateway resolves
// them to a live order.
type Event struct {
	Kind     EventKind
	Ref      OrderRef
	LocalID  string
	SystemID string
	Time     time.Time

	// Order seeds a new record for establishing events. For resync and cancel
	// confirmations it carries the venue's view: traded quantity and average
	// price, used to book fills the order has not seen yet.
	Order *Order

	TradeID    string
	TradeQty   decimal.Decimal
	TradePrice decimal.Decimal

	// CancelRemainder applies cancel accounting to whatever is left after the
	// fill, for venues that report fill-and-kill outcomes in one message.
	CancelRemainder bool

	ErrorCode string
	ErrorMsg  string
}

// OutboundKind classifies outbound snapshots.
type OutboundKind string

const (
	OutboundOrder    OutboundKind = "order"
	OutboundPosition OutboundKind = "position"
	OutboundFund     OutboundKind = "fund"
	OutboundInfo     OutboundKind = "info"
)

// Info is an informational event such as a transport failure.
type Info struct {
	Level   string
	Message string
	Code    string
}

// OutboundEvent is a self-contained snapshot pushed to external consumers.
type OutboundEvent struct {
	ID       string
	Kind     OutboundKind
	Venue    string
	Time     time.Time
	Order    *Order
	Position *Position
	Fund     *AccountFund
	Info     *Info
}

func newOutbound(kind OutboundKind, venue string, now time.Time) OutboundEvent {
	return OutboundEvent{ID: uuid.NewString(), Kind: kind, Venue: venue, Time: now}
}

func OrderSnapshot(venue string, o *Order, now time.Time) OutboundEvent {
	ev := newOutbound(OutboundOrder, venue, now)
	ev.Order = o.Clone()
	return ev
}

func PositionSnapshot(venue string, p *Position, now time.Time) OutboundEvent {
	ev := newOutbound(OutboundPosition, venue, now)
	ev.Position = p.Clone()
	return ev
}

func FundSnapshot(venue string, f AccountFund, now time.Time) OutboundEvent {
	ev := newOutbound(OutboundFund, venue, now)
	ev.Fund = &f
	return ev
}

func InfoEvent(venue, level, code, msg string, now time.Time) OutboundEvent {
	ev := newOutbound(OutboundInfo, venue, now)
	ev.Info = &Info{Level: level, Code: code, Message: msg}
	return ev
}
