// Package reconcile is the reconciliation engine: a pure reducer that applies
// one canonical event to an order and its position.
//
// Apply never mutates its inputs. Callers store the returned records, which
// keeps venue quirks in the adapters and all position math here.
package reconcile

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"trade_gateway/internal/core"
	"trade_gateway/internal/model"
)

var (
	ErrUnknownOrder     = errors.New("event for unknown order")
	ErrDuplicateOrder   = errors.New("order already exists")
	ErrOverfill         = errors.New("fill exceeds outstanding quantity")
	ErrInvalidQuantity  = errors.New("quantity must be positive")
	ErrMissingOrderData = errors.New("event carries no order data")
	ErrUnresolvedSide   = errors.New("order side not resolved")
	ErrNoPosition       = errors.New("position record required")
	ErrUnsupportedEvent = errors.New("unsupported event kind")
)

// Result is the outcome of applying one event.
type Result struct {
	Order    *model.Order
	Position *model.Position

	OrderChanged    bool
	PositionChanged bool
	// Terminal is set when the order entered a terminal status with this event.
	Terminal bool
	// NoOp is set when the event was ignored, e.g. for an already terminal order.
	NoOp bool
	// Clamped is set when a counter decrement was floored at zero.
	Clamped bool
	// Audit is a snapshot to publish without replacing the live order.
	Audit *model.Order
}

type applier struct {
	ord  *model.Order
	pos  *model.Position
	norm core.IInventoryNormalizer
	now  time.Time

	orderChanged    bool
	positionChanged bool
	terminal        bool
	clamped         bool
	audit           *model.Order
}

// Apply applies ev to ord and pos. ord may be nil when the event establishes
// an order the engine has not seen before.
func Apply(ev model.Event, ord *model.Order, pos *model.Position, norm core.IInventoryNormalizer) (Result, error) {
	if pos == nil {
		return Result{}, ErrNoPosition
	}
	if norm == nil {
		norm = noPromotion{}
	}
	if ord != nil && ord.Status.IsTerminal() {
		return Result{Order: ord, Position: pos, NoOp: true}, nil
	}
	if ord == nil && !ev.Kind.Establishes() {
		return Result{}, ErrUnknownOrder
	}

	a := &applier{ord: ord.Clone(), pos: pos.Clone(), norm: norm, now: ev.Time}

	var err error
	switch ev.Kind {
	case model.EventSubmitted:
		err = a.submitted(ev)
	case model.EventRiskRejected:
		err = a.riskOutcome(ev, model.StatusRiskRejected)
	case model.EventRiskCheckInit:
		err = a.riskOutcome(ev, model.StatusRiskCheckInit)
	case model.EventRiskCancelRejected:
		a.riskCancelRejected(ev)
	case model.EventBackendAccepted:
		a.backendAccepted(ev)
	case model.EventBackendRejected:
		a.reject(ev, model.StatusBackendRejected)
	case model.EventVenueAccepted:
		err = a.venueAccepted(ev)
	case model.EventVenueRejected:
		a.reject(ev, model.StatusVenueRejected)
	case model.EventTrade:
		err = a.trade(ev)
	case model.EventCancelling:
		a.setStatus(model.StatusCancelling)
	case model.EventCancelConfirmed:
		a.cancelConfirmed(ev)
	case model.EventCancelRejected:
		a.reject(ev, model.StatusCancelRejected)
	case model.EventResync:
		err = a.resync(ev)
	default:
		err = ErrUnsupportedEvent
	}
	if err != nil {
		return Result{}, err
	}
	return a.result(ord, pos), nil
}

func (a *applier) result(origOrd *model.Order, origPos *model.Position) Result {
	res := Result{
		Order:           a.ord,
		Position:        a.pos,
		OrderChanged:    a.orderChanged,
		PositionChanged: a.positionChanged,
		Terminal:        a.terminal,
		Clamped:         a.clamped,
		Audit:           a.audit,
	}
	if a.orderChanged {
		a.ord.UpdatedAt = a.now
	} else {
		res.Order = origOrd
	}
	if a.positionChanged {
		a.pos.UpdatedAt = a.now
	} else {
		res.Position = origPos
	}
	res.NoOp = !a.orderChanged && !a.positionChanged && a.audit == nil
	return res
}

// establish seeds a new order record from an event template.
func (a *applier) establish(ev model.Event, status model.OrderStatus, requireSide bool) error {
	if a.ord != nil {
		return ErrDuplicateOrder
	}
	if ev.Order == nil {
		return ErrMissingOrderData
	}
	o := ev.Order.Clone()
	if requireSide && o.Side == model.SideUnknown {
		return ErrUnresolvedSide
	}
	if !o.Quantity.IsPositive() {
		return ErrInvalidQuantity
	}
	if o.TradedQty.Add(o.CanceledQty).GreaterThan(o.Quantity) {
		return ErrOverfill
	}
	if ev.Ref != 0 {
		o.Ref = ev.Ref
	}
	if ev.LocalID != "" {
		o.LocalID = ev.LocalID
	}
	if ev.SystemID != "" {
		o.SystemID = ev.SystemID
	}
	o.Status = status
	o.Accounted = false
	a.ord = o
	a.orderChanged = true
	return nil
}

func (a *applier) submitted(ev model.Event) error {
	if err := a.establish(ev, model.StatusSent, true); err != nil {
		return err
	}
	if a.ord.SentAt.IsZero() {
		a.ord.SentAt = a.now
	}
	a.addPending(a.ord.Outstanding())
	return nil
}

func (a *applier) riskOutcome(ev model.Event, status model.OrderStatus) error {
	if err := a.establish(ev, status, false); err != nil {
		return err
	}
	a.ord.ErrorCode = ev.ErrorCode
	a.ord.ErrorMsg = ev.ErrorMsg
	a.terminal = true
	return nil
}

func (a *applier) riskCancelRejected(ev model.Event) {
	audit := a.ord.Clone()
	audit.Status = model.StatusRiskCancelRejected
	audit.ErrorCode = ev.ErrorCode
	audit.ErrorMsg = ev.ErrorMsg
	audit.UpdatedAt = a.now
	a.audit = audit
}

func (a *applier) bindIDs(ev model.Event) {
	if ev.LocalID != "" && a.ord.LocalID != ev.LocalID {
		a.ord.LocalID = ev.LocalID
		a.orderChanged = true
	}
	if ev.SystemID != "" && a.ord.SystemID != ev.SystemID {
		a.ord.SystemID = ev.SystemID
		a.orderChanged = true
	}
}

func (a *applier) backendAccepted(ev model.Event) {
	a.bindIDs(ev)
	if a.ord.BackendAckedAt.IsZero() {
		a.ord.BackendAckedAt = a.now
		a.orderChanged = true
	}
	if a.ord.Status == model.StatusSent {
		a.setStatus(model.StatusBackendAcked)
	}
}

func (a *applier) venueAccepted(ev model.Event) error {
	if a.ord == nil {
		if err := a.establish(ev, model.StatusVenueAcked, true); err != nil {
			return err
		}
		a.ord.VenueAckedAt = a.now
		a.addPending(a.ord.Outstanding())
		return nil
	}
	a.bindIDs(ev)
	if a.ord.VenueAckedAt.IsZero() {
		a.ord.VenueAckedAt = a.now
		a.orderChanged = true
	}
	if a.ord.Status == model.StatusSent || a.ord.Status == model.StatusBackendAcked {
		a.setStatus(model.StatusVenueAcked)
	}
	if !a.ord.Accounted {
		a.addPending(a.ord.Outstanding())
	}
	return nil
}

func (a *applier) trade(ev model.Event) error {
	q := ev.TradeQty
	if !q.IsPositive() {
		return ErrInvalidQuantity
	}
	if q.GreaterThan(a.ord.Outstanding()) {
		return ErrOverfill
	}
	a.bindIDs(ev)
	a.fill(q, ev.TradePrice)
	a.afterFill()
	if ev.CancelRemainder && !a.terminal {
		a.cancelConfirmed(ev)
	}
	return nil
}

func (a *applier) resync(ev model.Event) error {
	view := ev.Order
	if view == nil {
		return ErrMissingOrderData
	}
	if a.ord == nil {
		if !view.Quantity.Sub(view.TradedQty).Sub(view.CanceledQty).IsPositive() {
			return nil
		}
		status := model.StatusVenueAcked
		if view.TradedQty.IsPositive() {
			status = model.StatusPartiallyFilled
		}
		if err := a.establish(ev, status, true); err != nil {
			return err
		}
		if a.ord.VenueAckedAt.IsZero() {
			a.ord.VenueAckedAt = a.now
		}
		a.addPending(a.ord.Outstanding())
		return nil
	}

	a.bindIDs(model.Event{LocalID: view.LocalID, SystemID: view.SystemID})
	a.bindIDs(ev)
	if a.ord.Status == model.StatusSent || a.ord.Status == model.StatusBackendAcked {
		a.setStatus(model.StatusVenueAcked)
	}
	if !a.ord.Accounted {
		a.addPending(a.ord.Outstanding())
	}
	a.catchUp(view)
	return nil
}

// catchUp books the traded quantity the venue reports beyond what the order
// has seen, as one fill at the venue's average price.
func (a *applier) catchUp(view *model.Order) {
	missed := view.TradedQty.Sub(a.ord.TradedQty)
	if out := a.ord.Outstanding(); missed.GreaterThan(out) {
		missed = out
	}
	if !missed.IsPositive() {
		return
	}
	price := view.AvgPrice
	if !price.IsPositive() {
		price = a.ord.Price
	}
	a.fill(missed, price)
	a.afterFill()
}

// cancelConfirmed closes the order. A venue view on the event says how much
// traded before the cancel; that quantity is booked first, so a trade report
// arriving after the cancel finds the order finished and is not counted twice.
func (a *applier) cancelConfirmed(ev model.Event) {
	a.bindIDs(ev)
	if ev.Order != nil {
		a.catchUp(ev.Order)
		if a.terminal {
			return
		}
	}
	a.cancelRemainder()
}

func (a *applier) afterFill() {
	if a.ord.Outstanding().IsZero() {
		a.ord.Accounted = false
		a.setStatus(model.StatusFilled)
		a.terminal = true
		return
	}
	if a.ord.Status != model.StatusCancelling {
		a.setStatus(model.StatusPartiallyFilled)
	}
}

func (a *applier) cancelRemainder() {
	rem := a.ord.Outstanding()
	a.ord.CanceledQty = a.ord.CanceledQty.Add(rem)
	if a.ord.Accounted {
		a.releasePending(rem)
		a.ord.Accounted = false
	}
	if a.ord.TradedQty.IsPositive() {
		a.setStatus(model.StatusPartiallyFilledCancelled)
	} else {
		a.setStatus(model.StatusCancelled)
	}
	a.terminal = true
}

// reject terminates the order and rolls back whatever was counted as pending.
func (a *applier) reject(ev model.Event, status model.OrderStatus) {
	if a.ord.Accounted {
		a.releasePending(a.ord.Outstanding())
		a.ord.Accounted = false
	}
	a.ord.ErrorCode = ev.ErrorCode
	a.ord.ErrorMsg = ev.ErrorMsg
	a.setStatus(status)
	a.terminal = true
}

func (a *applier) setStatus(s model.OrderStatus) {
	if a.ord.Status != s {
		a.ord.Status = s
	}
	a.orderChanged = true
}

// fill books a traded quantity against the order and the position.
func (a *applier) fill(q, price decimal.Decimal) {
	prevCum := a.ord.TradedQty
	newCum := prevCum.Add(q)
	a.ord.AvgPrice = a.ord.AvgPrice.Mul(prevCum).Add(price.Mul(q)).Div(newCum)
	a.ord.TradedQty = newCum
	a.orderChanged = true

	if a.ord.Accounted {
		a.releasePending(q)
	}
	if a.pos.Class == model.ClassCash {
		a.cashFill(q)
	} else {
		a.derivativeFill(q)
	}
	a.positionChanged = true
}

func (a *applier) derivativeFill(q decimal.Decimal) {
	side := a.ord.Side
	leg := a.pos.LegFor(side)
	switch {
	case side.IsOpen():
		leg.Today = leg.Today.Add(q)
		a.norm.PromoteOnOpen(leg)
	case side.IsCloseToday():
		a.drawDown(&leg.Today, &leg.Yesterday, q)
	case side.IsCloseYesterday():
		a.drawDown(&leg.Yesterday, &leg.Today, q)
	}
}

// drawDown takes q from primary and any shortfall from secondary. The
// secondary pool only matters on venues that fold carried-over inventory
// into the same-day bucket.
func (a *applier) drawDown(primary, secondary *decimal.Decimal, q decimal.Decimal) {
	take := decimal.Min(*primary, q)
	*primary = primary.Sub(take)
	rem := q.Sub(take)
	if !rem.IsPositive() {
		return
	}
	a.sub(secondary, rem)
}

func (a *applier) cashFill(q decimal.Decimal) {
	c := &a.pos.Cash
	switch a.ord.Side {
	case model.SideOpenLong:
		c.Total = c.Total.Add(q)
		c.TodayBuy = c.TodayBuy.Add(q)
	case model.SideCloseTodayLong, model.SideCloseYesterdayLong:
		a.sub(&c.YesterdayAvailable, q)
		a.sub(&c.Total, q)
		c.TodaySell = c.TodaySell.Add(q)
	case model.SideOpenShort:
		c.ShortLoan = c.ShortLoan.Add(q)
		c.TodaySell = c.TodaySell.Add(q)
	case model.SideCloseTodayShort, model.SideCloseYesterdayShort:
		c.ShortLoanRepaid = c.ShortLoanRepaid.Add(q)
		c.TodayBuy = c.TodayBuy.Add(q)
	}
}

func (a *applier) pendingCounter() *decimal.Decimal {
	side := a.ord.Side
	if a.pos.Class == model.ClassCash {
		if side.Direction() == model.DirectionBuy {
			return &a.pos.Cash.PendingBuy
		}
		return &a.pos.Cash.PendingSell
	}
	leg := a.pos.LegFor(side)
	switch {
	case side.IsOpen():
		return &leg.PendingOpen
	case side.IsCloseToday():
		return &leg.PendingCloseToday
	default:
		return &leg.PendingCloseYesterday
	}
}

func (a *applier) addPending(q decimal.Decimal) {
	a.ord.Accounted = true
	if !q.IsPositive() {
		return
	}
	c := a.pendingCounter()
	*c = c.Add(q)
	a.positionChanged = true
}

func (a *applier) releasePending(q decimal.Decimal) {
	if !q.IsPositive() {
		return
	}
	a.sub(a.pendingCounter(), q)
	a.positionChanged = true
}

func (a *applier) sub(x *decimal.Decimal, q decimal.Decimal) {
	if x.LessThan(q) {
		a.clamped = true
		*x = decimal.Zero
		return
	}
	*x = x.Sub(q)
}

type noPromotion struct{}

func (noPromotion) ApplyReport(*model.Position, model.PositionReport) {}
func (noPromotion) PromoteOnOpen(*model.Leg)                          {}
