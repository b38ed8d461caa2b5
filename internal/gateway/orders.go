package gateway

import (
	"context"
	"errors"
	"fmt"

	"trade_gateway/internal/alert"
	"trade_gateway/internal/model"
	"trade_gateway/internal/trading/order"
	"trade_gateway/internal/trading/position"
	"trade_gateway/internal/trading/reconcile"
	apperrors "trade_gateway/pkg/errors"

	"go.opentelemetry.io/otel/attribute"
)

const (
	localRejectCode = "LOCAL_REJECT"
	// abandonedCode marks an order whose caller gave up before it was sent.
	abandonedCode = "CALLER_ABANDONED"
)

// SubmitOrder places an order and returns its OrderRef.
//
// Only malformed requests, a session that is not Ready and an exhausted ref
// space are reported as errors. Every other outcome, including risk
// rejection, venue rejection and transport failure, is recorded against the
// returned ref and published. A caller that gives up on ctx leaves the
// session untouched.
func (g *Gateway) SubmitOrder(ctx context.Context, req model.InsertRequest) (model.OrderRef, error) {
	if err := validateInsert(req); err != nil {
		return 0, err
	}
	switch req.Verdict {
	case model.RiskRejected:
		return g.recordRiskOutcome(req, model.EventRiskRejected, "RISK_REJECTED", "rejected by pre-trade risk check")
	case model.RiskUnset:
		return g.recordRiskOutcome(req, model.EventRiskCheckInit, "RISK_CHECK_INIT", "pre-trade risk check did not run")
	}
	if st := g.session.State(); st != StateReady {
		return 0, fmt.Errorf("%w: %s is %s", apperrors.ErrNotReady, g.name, st)
	}

	g.mu.Lock()
	o, err := g.admit(req)
	g.mu.Unlock()
	if err != nil {
		return 0, err
	}

	g.send(ctx, o)
	return o.Ref, nil
}

// send dispatches an admitted order and applies the venue's answer.
func (g *Gateway) send(ctx context.Context, o *model.Order) {
	ev, err := g.exec.Submit(ctx, o.Clone())
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, order.ErrNotDispatched) {
			g.abandoned(o.Ref, err)
			return
		}
		if apperrors.IsTransient(err) {
			g.transportFailure(o.Ref, "submit", err)
			return
		}
		g.logger.Warn("Order refused before reaching the venue", "ref", o.Ref, "error", err)
		ev = &model.Event{Kind: model.EventBackendRejected, ErrorCode: localRejectCode, ErrorMsg: err.Error()}
	}
	if ev == nil {
		return
	}
	ev.Ref = o.Ref
	g.OnEvent(*ev)
}

func validateInsert(req model.InsertRequest) error {
	switch {
	case req.Account == "":
		return fmt.Errorf("%w: account is required", apperrors.ErrInvalidOrderParameter)
	case req.Ticker == "":
		return fmt.Errorf("%w: ticker is required", apperrors.ErrInvalidOrderParameter)
	case req.Direction != model.DirectionBuy && req.Direction != model.DirectionSell:
		return fmt.Errorf("%w: direction %d", apperrors.ErrInvalidOrderParameter, req.Direction)
	case !req.Quantity.IsPositive():
		return fmt.Errorf("%w: quantity %s", apperrors.ErrInvalidOrderParameter, req.Quantity)
	case req.Price.IsNegative():
		return fmt.Errorf("%w: price %s", apperrors.ErrInvalidOrderParameter, req.Price)
	}
	return nil
}

// newOrder builds the record for a request. Caller holds g.mu.
func (g *Gateway) newOrder(req model.InsertRequest, side model.Side) (*model.Order, error) {
	kind := req.Kind
	if kind == 0 {
		kind = model.KindLimit
	}
	off := req.Offset
	if g.venue.Class() == model.ClassDerivative && side != model.SideUnknown {
		off = position.OffsetOf(side)
	}
	ref, err := g.nextRef()
	if err != nil {
		return nil, err
	}
	return &model.Order{
		Ref:       ref,
		Venue:     g.name,
		Account:   req.Account,
		Ticker:    req.Ticker,
		Kind:      kind,
		Direction: req.Direction,
		Offset:    off,
		Side:      side,
		Price:     req.Price,
		Quantity:  req.Quantity,
	}, nil
}

// nextRef skips refs still known to the order table, which can happen when
// refs from an earlier process lifetime come back through resync. It gives up
// after one full lap of the second's slots.
func (g *Gateway) nextRef() (model.OrderRef, error) {
	for i := 0; i < order.RefSlots; i++ {
		ref := g.refs.Next()
		if !g.orders.Exists(ref) {
			return ref, nil
		}
	}
	return 0, fmt.Errorf("%w: %w", apperrors.ErrSystemOverload, order.ErrRefsExhausted)
}

// admit resolves the side, counts the order as pending and stores it as Sent.
// Caller holds g.mu.
func (g *Gateway) admit(req model.InsertRequest) (*model.Order, error) {
	now := g.clock()
	pos := g.positions.GetOrCreate(model.PositionKey{Account: req.Account, Ticker: req.Ticker}, now)
	side, err := position.ResolveSide(req.Direction, req.Offset, pos)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrInvalidOrderParameter, err)
	}
	o, err := g.newOrder(req, side)
	if err != nil {
		return nil, err
	}
	ev := model.Event{Kind: model.EventSubmitted, Ref: o.Ref, Time: now, Order: o}
	res, err := reconcile.Apply(ev, nil, pos, g.venue.Normalizer())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", apperrors.ErrInvalidOrderParameter, err)
	}
	g.store(ev, res)
	return res.Order.Clone(), nil
}

func (g *Gateway) recordRiskOutcome(req model.InsertRequest, kind model.EventKind, code, msg string) (model.OrderRef, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock()
	pos := g.positions.GetOrCreate(model.PositionKey{Account: req.Account, Ticker: req.Ticker}, now)
	// the side is informational here; an unresolvable one is kept as unknown
	side, _ := position.ResolveSide(req.Direction, req.Offset, pos)
	o, err := g.newOrder(req, side)
	if err != nil {
		return 0, err
	}
	ev := model.Event{Kind: kind, Ref: o.Ref, Time: now, Order: o, ErrorCode: code, ErrorMsg: msg}
	res, err := reconcile.Apply(ev, nil, pos, g.venue.Normalizer())
	if err != nil {
		return 0, fmt.Errorf("%w: %v", apperrors.ErrInvalidOrderParameter, err)
	}
	g.store(ev, res)
	g.logger.Info("Order stopped by risk verdict", "ref", o.Ref, "verdict", req.Verdict.String())
	return o.Ref, nil
}

// CancelOrder requests cancellation of a live order. The outcome arrives as
// order events; an error means the request was not accepted at all.
func (g *Gateway) CancelOrder(ctx context.Context, req model.CancelRequest) error {
	if req.Verdict == model.RiskRejected {
		g.mu.Lock()
		defer g.mu.Unlock()
		ord, ok := g.orders.Get(req.Ref)
		if !ok {
			return fmt.Errorf("%w: %s", apperrors.ErrOrderNotFound, req.Ref)
		}
		ev := model.Event{Kind: model.EventRiskCancelRejected, Ref: req.Ref, Time: g.clock(),
			ErrorCode: "RISK_CANCEL_REJECTED", ErrorMsg: "cancel rejected by pre-trade risk check"}
		return g.applyTo(ev, ord)
	}
	if st := g.session.State(); st != StateReady {
		return fmt.Errorf("%w: %s is %s", apperrors.ErrNotReady, g.name, st)
	}

	g.mu.Lock()
	ord, ok := g.orders.Get(req.Ref)
	if !ok {
		g.mu.Unlock()
		return fmt.Errorf("%w: %s", apperrors.ErrOrderNotFound, req.Ref)
	}
	if _, queued := g.unsent[req.Ref]; queued {
		g.unsentCancels[req.Ref] = struct{}{}
		g.mu.Unlock()
		return nil
	}
	o := ord.Clone()
	g.mu.Unlock()

	return g.sendCancel(ctx, o)
}

// sendCancel dispatches a cancel. A caller that gives up gets its context
// error back and the order stays as it is; the session is not affected.
func (g *Gateway) sendCancel(ctx context.Context, o *model.Order) error {
	ev, err := g.exec.Cancel(ctx, o)
	if err != nil {
		if ctx.Err() == nil && !errors.Is(err, order.ErrNotDispatched) && apperrors.IsTransient(err) {
			g.transportFailure(o.Ref, "cancel", err)
			return nil
		}
		return err
	}
	if ev != nil {
		ev.Ref = o.Ref
		g.OnEvent(*ev)
	}
	return nil
}

// abandoned handles a submit whose caller context ended. An order that never
// left the process is rejected locally. One that may have reached the venue
// stays Sent; its pushes or the next open-order resync settle it.
func (g *Gateway) abandoned(ref model.OrderRef, err error) {
	if errors.Is(err, order.ErrNotDispatched) {
		g.OnEvent(model.Event{Kind: model.EventBackendRejected, Ref: ref, ErrorCode: abandonedCode, ErrorMsg: err.Error()})
		return
	}
	g.mu.Lock()
	if o, ok := g.orders.Get(ref); ok && o.Status == model.StatusSent {
		g.unconfirmed[ref] = struct{}{}
	}
	g.mu.Unlock()
	g.logger.Warn("Submit abandoned by caller after dispatch", "ref", ref, "error", err)
	g.publish(model.InfoEvent(g.name, "WARN", "submit_unconfirmed", fmt.Sprintf("submit %s: %v", ref, err), g.clock()))
}

// transportFailure keeps the request queued for the next Ready session and
// starts a reconnect.
func (g *Gateway) transportFailure(ref model.OrderRef, op string, err error) {
	g.mu.Lock()
	if op == "submit" {
		g.unsent[ref] = struct{}{}
	} else {
		g.unsentCancels[ref] = struct{}{}
	}
	g.mu.Unlock()

	g.logger.Error("Venue request failed, queued for the next session", "op", op, "ref", ref, "error", err)
	g.publish(model.InfoEvent(g.name, "ERROR", "transport_error", fmt.Sprintf("%s %s: %v", op, ref, err), g.clock()))
	g.alert(alert.Error, "Venue transport error", err.Error(), map[string]string{"op": op, "ref": ref.String()})
	if g.session.Transition(StateFailed, g.clock(), err) == nil {
		g.scheduleReconnect()
	}
}

// OnEvent implements core.IVenueSink.
func (g *Gateway) OnEvent(ev model.Event) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.apply(ev); err != nil {
		g.logger.Warn("Venue event not applied",
			"kind", ev.Kind.String(), "ref", ev.Ref, "local_id", ev.LocalID, "system_id", ev.SystemID, "error", err)
	}
}

// lookup finds the live order an event refers to. Caller holds g.mu.
func (g *Gateway) lookup(ev model.Event) (*model.Order, bool) {
	if ev.Ref != 0 {
		if o, ok := g.orders.Get(ev.Ref); ok {
			return o, true
		}
	}
	if ev.LocalID != "" {
		if o, ok := g.orders.ByLocalID(ev.LocalID); ok {
			return o, true
		}
	}
	if ev.SystemID != "" {
		if o, ok := g.orders.BySystemID(ev.SystemID); ok {
			return o, true
		}
	}
	return nil, false
}

// apply routes one event through the reducer. Caller holds g.mu.
func (g *Gateway) apply(ev model.Event) error {
	if ev.Time.IsZero() {
		ev.Time = g.clock()
	}
	if ord, ok := g.lookup(ev); ok {
		return g.applyTo(ev, ord)
	}
	if ev.Ref != 0 && g.orders.IsFinished(ev.Ref) {
		g.logger.Debug("Event for finished order ignored", "kind", ev.Kind.String(), "ref", ev.Ref)
		return nil
	}
	if !ev.Kind.Establishes() {
		return reconcile.ErrUnknownOrder
	}
	if ev.Order == nil {
		return reconcile.ErrMissingOrderData
	}

	tmpl := ev.Order.Clone()
	tmpl.Venue = g.name
	pos := g.positions.GetOrCreate(tmpl.Key(), ev.Time)
	if tmpl.Side == model.SideUnknown {
		side, err := position.ResolveSide(tmpl.Direction, tmpl.Offset, pos)
		if err != nil {
			return fmt.Errorf("%w: %v", reconcile.ErrUnresolvedSide, err)
		}
		tmpl.Side = side
	}
	if ev.Ref == 0 {
		ref, err := g.nextRef()
		if err != nil {
			return err
		}
		ev.Ref = ref
	}
	tmpl.Ref = ev.Ref
	ev.Order = tmpl

	res, err := reconcile.Apply(ev, nil, pos, g.venue.Normalizer())
	if err != nil {
		return err
	}
	g.store(ev, res)
	if !res.NoOp {
		g.logger.Info("Order established from venue", "kind", ev.Kind.String(), "ref", ev.Ref, "local_id", res.Order.LocalID)
	}
	return nil
}

// applyTo applies ev to a known live order. Caller holds g.mu.
func (g *Gateway) applyTo(ev model.Event, ord *model.Order) error {
	if ev.Time.IsZero() {
		ev.Time = g.clock()
	}
	if ev.Kind == model.EventTrade && ev.TradeID != "" {
		if !g.orders.MarkTrade(ord.Ref.String() + "/" + ev.TradeID) {
			g.logger.Debug("Duplicate trade ignored", "ref", ord.Ref, "trade_id", ev.TradeID)
			return nil
		}
	}
	pos := g.positions.GetOrCreate(ord.Key(), ev.Time)
	res, err := reconcile.Apply(ev, ord, pos, g.venue.Normalizer())
	if err != nil {
		return err
	}
	g.store(ev, res)
	return nil
}

// store persists a reducer result and publishes what changed. Caller holds g.mu.
func (g *Gateway) store(ev model.Event, res reconcile.Result) {
	if res.NoOp {
		return
	}
	ctx := context.Background()
	now := g.clock()
	if res.Clamped {
		g.logger.Warn("Position counter clamped at zero", "kind", ev.Kind.String(), "ref", res.Order.Ref,
			"account", res.Position.Key.Account, "ticker", res.Position.Key.Ticker)
		g.metrics.AddCounter(ctx, g.metrics.ClampedTotal, g.name)
	}
	if res.PositionChanged {
		g.positions.Put(res.Position)
	}
	if res.OrderChanged {
		o := res.Order
		g.orders.Put(o)
		if res.Terminal {
			g.orders.Finish(o.Ref)
			delete(g.unsent, o.Ref)
			delete(g.unsentCancels, o.Ref)
			g.countTerminal(ctx, o)
		}
		if o.Status != model.StatusSent {
			delete(g.unsent, o.Ref)
			delete(g.unconfirmed, o.Ref)
		}
		g.publish(model.OrderSnapshot(g.name, o, now))
	}
	if res.Audit != nil {
		g.publish(model.OrderSnapshot(g.name, res.Audit, now))
	}
	if res.PositionChanged {
		g.publish(model.PositionSnapshot(g.name, res.Position, now))
	}
	if ev.Kind == model.EventTrade {
		g.metrics.AddVolume(ctx, g.name, res.Order.Ticker, ev.TradeQty.InexactFloat64())
	}
	g.metrics.SetLiveOrders(g.name, int64(g.orders.Len()))
}

func (g *Gateway) countTerminal(ctx context.Context, o *model.Order) {
	status := attribute.String("status", o.Status.String())
	switch o.Status {
	case model.StatusFilled:
		g.metrics.AddCounter(ctx, g.metrics.OrdersFilledTotal, g.name)
	case model.StatusCancelled, model.StatusPartiallyFilledCancelled:
		g.metrics.AddCounter(ctx, g.metrics.OrdersCancelledTotal, g.name, status)
	default:
		g.metrics.AddCounter(ctx, g.metrics.OrdersRejectedTotal, g.name, status)
		g.logger.Warn("Order rejected", "ref", o.Ref, "status", o.Status.String(),
			"code", o.ErrorCode, "message", o.ErrorMsg)
	}
}
