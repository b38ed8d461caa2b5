// Package model defines the canonical, venue-independent trading vocabulary
// shared by every adapter: orders, positions, funds and the events that move them.
package model

import "strconv"

// OrderRef identifies an order for the trading day before any venue id exists.
type OrderRef uint64

func (r OrderRef) String() string {
	return strconv.FormatUint(uint64(r), 10)
}

// ParseOrderRef parses the decimal form produced by OrderRef.String.
func ParseOrderRef(s string) (OrderRef, error) {
	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, err
	}
	return OrderRef(v), nil
}

type OrderKind int

const (
	KindLimit OrderKind = iota + 1
	KindFAK             // fill-and-kill
	KindFOK             // fill-or-kill
)

func (k OrderKind) String() string {
	switch k {
	case KindLimit:
		return "LIMIT"
	case KindFAK:
		return "FAK"
	case KindFOK:
		return "FOK"
	default:
		return "UNKNOWN"
	}
}

type Direction int

const (
	DirectionBuy Direction = iota + 1
	DirectionSell
)

func (d Direction) String() string {
	switch d {
	case DirectionBuy:
		return "BUY"
	case DirectionSell:
		return "SELL"
	default:
		return "UNKNOWN"
	}
}

type Offset int

const (
	OffsetOpen Offset = iota + 1
	OffsetClose
	OffsetCloseToday
	OffsetCloseYesterday
)

func (o Offset) String() string {
	switch o {
	case OffsetOpen:
		return "OPEN"
	case OffsetClose:
		return "CLOSE"
	case OffsetCloseToday:
		return "CLOSE_TODAY"
	case OffsetCloseYesterday:
		return "CLOSE_YESTERDAY"
	default:
		return "UNKNOWN"
	}
}

// Side is the resolved canonical side of an order. Long sides act on the long
// leg of a position, short sides on the short leg.
type Side int

const (
	SideUnknown Side = iota
	SideOpenLong
	SideCloseTodayLong
	SideCloseYesterdayLong
	SideOpenShort
	SideCloseTodayShort
	SideCloseYesterdayShort
)

func (s Side) String() string {
	switch s {
	case SideOpenLong:
		return "OPEN_LONG"
	case SideCloseTodayLong:
		return "CLOSE_TODAY_LONG"
	case SideCloseYesterdayLong:
		return "CLOSE_YESTERDAY_LONG"
	case SideOpenShort:
		return "OPEN_SHORT"
	case SideCloseTodayShort:
		return "CLOSE_TODAY_SHORT"
	case SideCloseYesterdayShort:
		return "CLOSE_YESTERDAY_SHORT"
	default:
		return "UNKNOWN"
	}
}

func (s Side) IsOpen() bool {
	return s == SideOpenLong || s == SideOpenShort
}

func (s Side) IsCloseToday() bool {
	return s == SideCloseTodayLong || s == SideCloseTodayShort
}

func (s Side) IsCloseYesterday() bool {
	return s == SideCloseYesterdayLong || s == SideCloseYesterdayShort
}

// IsLong reports whether the side acts on the long leg.
func (s Side) IsLong() bool {
	return s == SideOpenLong || s == SideCloseTodayLong || s == SideCloseYesterdayLong
}

// Direction returns the trading direction implied by the side.
func (s Side) Direction() Direction {
	switch s {
	case SideOpenLong, SideCloseTodayShort, SideCloseYesterdayShort:
		return DirectionBuy
	case SideOpenShort, SideCloseTodayLong, SideCloseYesterdayLong:
		return DirectionSell
	default:
		return 0
	}
}

type OrderStatus int

const (
	StatusUnknown OrderStatus = iota
	StatusSent
	StatusBackendAcked
	StatusVenueAcked
	StatusPartiallyFilled
	StatusFilled
	StatusCancelling
	StatusCancelled
	StatusPartiallyFilledCancelled
	StatusBackendRejected
	StatusVenueRejected
	StatusCancelRejected
	StatusRiskRejected
	StatusRiskCancelRejected
	StatusRiskCheckInit
)

var statusNames = map[OrderStatus]string{
	StatusUnknown:                  "UNKNOWN",
	StatusSent:                     "SENT",
	StatusBackendAcked:             "BACKEND_ACKED",
	StatusVenueAcked:               "VENUE_ACKED",
	StatusPartiallyFilled:          "PARTIALLY_FILLED",
	StatusFilled:                   "FILLED",
	StatusCancelling:               "CANCELLING",
	StatusCancelled:                "CANCELLED",
	StatusPartiallyFilledCancelled: "PARTIALLY_FILLED_CANCELLED",
	StatusBackendRejected:          "BACKEND_REJECTED",
	StatusVenueRejected:            "VENUE_REJECTED",
	StatusCancelRejected:           "CANCEL_REJECTED",
	StatusRiskRejected:             "RISK_REJECTED",
	StatusRiskCancelRejected:       "RISK_CANCEL_REJECTED",
	StatusRiskCheckInit:            "RISK_CHECK_INIT",
}

func (s OrderStatus) String() string {
	if n, ok := statusNames[s]; ok {
		return n
	}
	return "UNKNOWN"
}

// IsTerminal reports whether an order in this status has left the live table.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case StatusFilled, StatusCancelled, StatusPartiallyFilledCancelled,
		StatusBackendRejected, StatusVenueRejected, StatusCancelRejected,
		StatusRiskRejected, StatusRiskCancelRejected, StatusRiskCheckInit:
		return true
	}
	return false
}

func (s OrderStatus) IsLive() bool {
	switch s {
	case StatusSent, StatusBackendAcked, StatusVenueAcked, StatusPartiallyFilled, StatusCancelling:
		return true
	}
	return false
}

// RiskVerdict is the pre-computed outcome of the caller's risk check.
// The zero value means no check ran at all.
type RiskVerdict int

const (
	RiskUnset RiskVerdict = iota
	RiskUnchecked
	RiskApproved
	RiskRejected
	RiskNeedsDefaultRouting
)

func (v RiskVerdict) String() string {
	switch v {
	case RiskUnchecked:
		return "UNCHECKED"
	case RiskApproved:
		return "APPROVED"
	case RiskRejected:
		return "REJECTED"
	case RiskNeedsDefaultRouting:
		return "NEEDS_DEFAULT_ROUTING"
	default:
		return "UNSET"
	}
}

type InstrumentClass int

const (
	ClassDerivative InstrumentClass = iota + 1
	ClassCash
)

func (c InstrumentClass) String() string {
	switch c {
	case ClassDerivative:
		return "DERIVATIVE"
	case ClassCash:
		return "CASH"
	default:
		return "UNKNOWN"
	}
}

// PosSide selects a leg of a derivative position.
type PosSide int

const (
	PosLong PosSide = iota + 1
	PosShort
)
