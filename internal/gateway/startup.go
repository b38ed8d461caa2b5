package gateway

import (
	"context"
	"fmt"
	"sort"
	"time"

	"trade_gateway/internal/alert"
	"trade_gateway/internal/model"
)

// onReady runs the startup queries for a freshly Ready session. Open orders
// are resynced after every Ready since pushes may have been lost while the
// session was down.
func (g *Gateway) onReady(ctx context.Context) {
	first := g.session.Info().ReadyCount == 1

	g.syncFunds(ctx)
	if first {
		// established orders resolve their side against the venue's positions
		g.syncPositions(ctx)
	}
	if err := g.resyncOrders(ctx); err != nil {
		g.logger.Error("Open order resync failed", "error", err)
		g.publish(model.InfoEvent(g.name, "ERROR", "resync_failed", err.Error(), g.clock()))
	} else {
		g.session.MarkCaughtUp()
	}
	if !first {
		// settled quantities from fills missed while down come from the venue
		g.syncPositions(ctx)
	}
	if !g.session.CaughtUp() {
		// resubmitting without the venue's view could duplicate orders
		return
	}
	g.flushUnsent(ctx)

	if first && g.cfg.CancelAllOnStartup {
		g.cancelAll(ctx, "startup")
	}
}

func (g *Gateway) syncFunds(ctx context.Context) {
	funds, err := g.venue.QueryFunds(ctx)
	if err != nil {
		g.logger.Warn("Fund query failed", "error", err)
		return
	}
	now := g.clock()
	for _, f := range funds {
		if f.Venue == "" {
			f.Venue = g.name
		}
		g.publish(model.FundSnapshot(g.name, f, now))
	}
	g.logger.Info("Funds synced", "accounts", len(funds))
}

// syncPositions overwrites settled quantities with the venue's view. Pending
// counters are left to the order resync.
func (g *Gateway) syncPositions(ctx context.Context) {
	reports, err := g.venue.QueryPositions(ctx)
	if err != nil {
		g.logger.Warn("Position query failed", "error", err)
		return
	}
	norm := g.venue.Normalizer()

	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.clock()
	touched := make(map[model.PositionKey]*model.Position)
	for _, rep := range reports {
		key := rep.Key()
		p, ok := touched[key]
		if !ok {
			p = g.positions.GetOrCreate(key, now).Clone()
			touched[key] = p
		}
		norm.ApplyReport(p, rep)
		p.UpdatedAt = now
	}
	for _, p := range touched {
		g.positions.Put(p)
	}
	for _, p := range g.positions.Snapshot() {
		if _, ok := touched[p.Key]; ok {
			g.publish(model.PositionSnapshot(g.name, p, now))
		}
	}
	g.logger.Info("Positions synced", "rows", len(reports), "positions", len(touched))
}

// resyncOrders folds the venue's open orders into the live table. Orders the
// engine has never seen are established and counted as pending. Live orders
// the venue no longer lists finished while their pushes were lost; they are
// closed so their pending counters are released.
func (g *Gateway) resyncOrders(ctx context.Context) error {
	asOf := g.clock()
	reports, err := g.venue.QueryOpenOrders(ctx)
	if err != nil {
		return err
	}
	sort.SliceStable(reports, func(i, j int) bool { return reports[i].InsertAt.Before(reports[j].InsertAt) })

	g.mu.Lock()
	now := g.clock()
	listed := make(map[model.OrderRef]struct{}, len(reports))
	for _, rep := range reports {
		ev := model.Event{
			Kind:     model.EventResync,
			Ref:      rep.Ref,
			LocalID:  rep.LocalID,
			SystemID: rep.SystemID,
			Time:     now,
			Order:    reportOrder(rep),
		}
		if err := g.apply(ev); err != nil {
			g.logger.Warn("Open order not resynced",
				"ref", rep.Ref, "local_id", rep.LocalID, "ticker", rep.Ticker, "error", err)
		}
		if o, ok := g.lookup(ev); ok {
			listed[o.Ref] = struct{}{}
		}
	}
	closed := g.closeUnlisted(listed, asOf, now)
	live := g.orders.Len()
	g.mu.Unlock()

	for _, o := range closed {
		g.alert(alert.Warning, "Order closed without final report",
			fmt.Sprintf("order %s no longer open at venue", o.Ref),
			map[string]string{"ref": o.Ref.String(), "ticker": o.Ticker, "status": o.Status.String()})
	}
	g.logger.Info("Open orders resynced", "orders", len(reports), "closed", len(closed), "live", live)
	return nil
}

// closeUnlisted confirms the cancellation of live orders the venue knows about
// but no longer lists as open. Orders with a queued request, orders that
// never reached the venue and orders touched after the query started are
// left alone. Caller holds g.mu.
func (g *Gateway) closeUnlisted(listed map[model.OrderRef]struct{}, asOf, now time.Time) []*model.Order {
	var closed []*model.Order
	for _, o := range g.orders.Live() {
		if _, ok := listed[o.Ref]; ok {
			continue
		}
		if _, ok := g.unsent[o.Ref]; ok {
			continue
		}
		if _, ok := g.unsentCancels[o.Ref]; ok {
			continue
		}
		if o.UpdatedAt.After(asOf) {
			continue
		}
		if _, ok := g.unconfirmed[o.Ref]; o.Status == model.StatusSent && !ok {
			continue
		}
		ev := model.Event{Kind: model.EventCancelConfirmed, Ref: o.Ref, Time: now}
		if err := g.applyTo(ev, o); err != nil {
			g.logger.Warn("Unlisted order not closed", "ref", o.Ref, "status", o.Status.String(), "error", err)
			continue
		}
		g.logger.Warn("Order missing from venue open orders closed",
			"ref", o.Ref, "status", o.Status.String(), "traded", o.TradedQty.String())
		g.publish(model.InfoEvent(g.name, "WARN", "order_closed_unreported",
			fmt.Sprintf("order %s closed after it left the venue's open orders", o.Ref), now))
		closed = append(closed, o)
	}
	return closed
}

func reportOrder(rep model.OrderReport) *model.Order {
	return &model.Order{
		Ref:       rep.Ref,
		Account:   rep.Account,
		Ticker:    rep.Ticker,
		Kind:      rep.Kind,
		Direction: rep.Direction,
		Offset:    rep.Offset,
		Price:     rep.Price,
		Quantity:  rep.Quantity,
		TradedQty: rep.TradedQty,
		AvgPrice:  rep.AvgPrice,
		LocalID:   rep.LocalID,
		SystemID:  rep.SystemID,
		SentAt:    rep.InsertAt,
	}
}

// flushUnsent resends requests that failed at the transport layer. An order
// the venue still does not know is resubmitted under its original ref, or
// cancelled locally when a cancel was queued for it as well.
func (g *Gateway) flushUnsent(ctx context.Context) {
	g.mu.Lock()
	var resubmit []*model.Order
	var cancels []*model.Order
	for ref := range g.unsent {
		o, ok := g.orders.Get(ref)
		if !ok || o.Status != model.StatusSent || o.LocalID != "" || o.SystemID != "" {
			delete(g.unsent, ref)
			continue
		}
		if _, cancel := g.unsentCancels[ref]; cancel {
			delete(g.unsent, ref)
			delete(g.unsentCancels, ref)
			ev := model.Event{Kind: model.EventCancelConfirmed, Ref: ref, Time: g.clock()}
			if err := g.applyTo(ev, o); err != nil {
				g.logger.Warn("Local cancel of unsent order failed", "ref", ref, "error", err)
			}
			continue
		}
		delete(g.unsent, ref)
		resubmit = append(resubmit, o.Clone())
	}
	for ref := range g.unsentCancels {
		delete(g.unsentCancels, ref)
		if o, ok := g.orders.Get(ref); ok {
			cancels = append(cancels, o.Clone())
		}
	}
	g.mu.Unlock()

	sort.Slice(resubmit, func(i, j int) bool { return resubmit[i].Ref < resubmit[j].Ref })
	sort.Slice(cancels, func(i, j int) bool { return cancels[i].Ref < cancels[j].Ref })
	if len(resubmit)+len(cancels) > 0 {
		g.logger.Info("Flushing queued requests", "orders", len(resubmit), "cancels", len(cancels))
	}
	for _, o := range resubmit {
		g.send(ctx, o)
	}
	for _, o := range cancels {
		if err := g.sendCancel(ctx, o); err != nil {
			g.logger.Warn("Queued cancel failed", "ref", o.Ref, "error", err)
		}
	}
}

// cancelAll requests cancellation of every live order.
func (g *Gateway) cancelAll(ctx context.Context, reason string) {
	live := g.orders.Live()
	g.logger.Info("Cancelling all live orders", "reason", reason, "orders", len(live))
	for _, o := range live {
		if o.Status == model.StatusCancelling {
			continue
		}
		if err := g.sendCancel(ctx, o); err != nil {
			g.logger.Warn("Cancel failed", "ref", o.Ref, "reason", reason, "error", err)
		}
	}
}
