// Package sim is an in-process venue used for local runs and integration tests.
// Orders are acknowledged and, by default, filled in full at their limit price.
package sim

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"trade_gateway/internal/config"
	"trade_gateway/internal/core"
	"trade_gateway/internal/model"
	"trade_gateway/internal/trading/position"
	apperrors "trade_gateway/pkg/errors"

	"github.com/shopspring/decimal"
)

// Mode selects what the simulated venue does with an accepted order.
type Mode int

const (
	ModeFill   Mode = iota // venue ack then full fill at the limit price
	ModeRest               // venue ack only
	ModeReject             // venue reject
)

const StepLogin = "login"

const pushBuffer = 256

type simOrder struct {
	ref     model.OrderRef
	localID string
	sysID   string
	order   *model.Order
	filled  decimal.Decimal
	done    bool
}

// Exchange implements core.IVenue without any network.
type Exchange struct {
	name   string
	cfg    config.VenueConfig
	logger core.ILogger
	clock  func() time.Time

	mu        sync.Mutex
	mode      Mode
	seq       int64
	orders    map[string]*simOrder
	byRef     map[model.OrderRef]string
	funds     []model.AccountFund
	positions []model.PositionReport
	open      []model.OrderReport
	failNext  int
	failErr   error
	sink      core.IVenueSink
	pushes    chan model.Event
	stop      chan struct{}
	wg        sync.WaitGroup
	identity  model.SessionIdentity
	submitted int
}

// NewExchange creates a simulated venue with a funded account per configured account id.
func NewExchange(name string, cfg config.VenueConfig, logger core.ILogger) *Exchange {
	e := &Exchange{
		name:   name,
		cfg:    cfg,
		logger: logger.WithField("venue", name),
		clock:  time.Now,
		orders: make(map[string]*simOrder),
		byRef:  make(map[model.OrderRef]string),
		seq:    1000,
	}
	for _, acct := range cfg.Accounts {
		e.funds = append(e.funds, model.AccountFund{
			Venue:     name,
			Account:   acct,
			Balance:   decimal.NewFromInt(1_000_000),
			Available: decimal.NewFromInt(1_000_000),
		})
	}
	return e
}

func (e *Exchange) Name() string                          { return e.name }
func (e *Exchange) Class() model.InstrumentClass          { return model.ClassDerivative }
func (e *Exchange) Normalizer() core.IInventoryNormalizer { return position.SplitNormalizer{} }
func (e *Exchange) HandshakeSteps() []string              { return []string{StepLogin} }

func (e *Exchange) DefaultRoute() string {
	if e.cfg.DefaultRoute != "" {
		return e.cfg.DefaultRoute
	}
	return e.name
}

// SetClock replaces the venue clock.
func (e *Exchange) SetClock(now func() time.Time) {
	e.mu.Lock()
	e.clock = now
	e.mu.Unlock()
}

// SetMode changes how subsequently submitted orders are handled.
func (e *Exchange) SetMode(m Mode) {
	e.mu.Lock()
	e.mode = m
	e.mu.Unlock()
}

// FailNext makes the next n submit or cancel requests fail with err as if the
// transport had broken.
func (e *Exchange) FailNext(n int, err error) {
	e.mu.Lock()
	e.failNext = n
	e.failErr = err
	e.mu.Unlock()
}

// SeedPositions sets the rows returned by QueryPositions.
func (e *Exchange) SeedPositions(rows ...model.PositionReport) {
	e.mu.Lock()
	e.positions = append([]model.PositionReport(nil), rows...)
	e.mu.Unlock()
}

// SeedOpenOrders sets the rows returned by QueryOpenOrders.
func (e *Exchange) SeedOpenOrders(rows ...model.OrderReport) {
	e.mu.Lock()
	e.open = append([]model.OrderReport(nil), rows...)
	e.mu.Unlock()
}

// Submitted reports how many insert requests reached the venue.
func (e *Exchange) Submitted() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.submitted
}

func (e *Exchange) Connect(ctx context.Context, sink core.IVenueSink) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.stop != nil {
		return fmt.Errorf("sim venue %s already connected", e.name)
	}
	e.sink = sink
	e.pushes = make(chan model.Event, pushBuffer)
	e.stop = make(chan struct{})
	e.wg.Add(1)
	go e.dispatch(e.pushes, e.stop, sink)
	return nil
}

// dispatch delivers pushes one at a time, like a venue stream reader.
func (e *Exchange) dispatch(pushes <-chan model.Event, stop <-chan struct{}, sink core.IVenueSink) {
	defer e.wg.Done()
	for {
		select {
		case <-stop:
			return
		case ev := <-pushes:
			sink.OnEvent(ev)
		}
	}
}

func (e *Exchange) RunHandshakeStep(ctx context.Context, step string) (model.SessionIdentity, error) {
	if step != StepLogin {
		return model.SessionIdentity{}, fmt.Errorf("%w: unknown step %q", apperrors.ErrHandshakeFailed, step)
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.identity = model.SessionIdentity{FrontID: "1", SessionID: strconv.FormatInt(e.clock().UnixNano(), 36), UserID: e.cfg.UserID}
	return e.identity, nil
}

func (e *Exchange) Disconnect() error {
	e.mu.Lock()
	stop := e.stop
	e.stop = nil
	e.sink = nil
	e.mu.Unlock()
	if stop != nil {
		close(stop)
		e.wg.Wait()
	}
	return nil
}

// Drop simulates the venue closing the stream.
func (e *Exchange) Drop(err error) {
	e.mu.Lock()
	sink := e.sink
	e.mu.Unlock()
	_ = e.Disconnect()
	if sink != nil {
		sink.OnDisconnected(err)
	}
}

// push must be called with mu held.
func (e *Exchange) push(ev model.Event) {
	if e.stop == nil {
		return
	}
	select {
	case e.pushes <- ev:
	default:
		e.logger.Warn("Simulated push dropped", "kind", ev.Kind.String(), "ref", ev.Ref.String())
	}
}

func (e *Exchange) transportFault() error {
	if e.failNext == 0 {
		return nil
	}
	e.failNext--
	if e.failErr != nil {
		return e.failErr
	}
	return apperrors.ErrNetwork
}

func (e *Exchange) SubmitOrder(ctx context.Context, o *model.Order) (*model.Event, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.transportFault(); err != nil {
		return nil, err
	}
	if e.stop == nil {
		return nil, apperrors.ErrNotConnected
	}
	now := e.clock()

	// Resubmitting a ref the venue already knows is idempotent.
	if id, ok := e.byRef[o.Ref]; ok {
		return &model.Event{Kind: model.EventBackendAccepted, Ref: o.Ref, LocalID: id, Time: now}, nil
	}

	e.seq++
	e.submitted++
	so := &simOrder{
		ref:     o.Ref,
		localID: strconv.FormatInt(e.seq, 10),
		sysID:   "SIM" + strconv.FormatInt(e.seq, 10),
		order:   o.Clone(),
	}
	e.orders[so.localID] = so
	e.byRef[o.Ref] = so.localID

	switch e.mode {
	case ModeReject:
		so.done = true
		e.push(model.Event{Kind: model.EventVenueRejected, Ref: so.ref, LocalID: so.localID, Time: now,
			ErrorCode: "SIM-REJ", ErrorMsg: "rejected by simulator"})
	case ModeRest:
		e.push(e.accepted(so, now))
	default:
		e.push(e.accepted(so, now))
		so.filled = so.order.Quantity
		so.done = true
		e.push(model.Event{
			Kind: model.EventTrade, Ref: so.ref, LocalID: so.localID, SystemID: so.sysID, Time: now,
			TradeID: "T" + so.localID, TradeQty: so.order.Quantity, TradePrice: so.order.Price,
		})
	}
	return &model.Event{Kind: model.EventBackendAccepted, Ref: o.Ref, LocalID: so.localID, Time: now}, nil
}

func (e *Exchange) accepted(so *simOrder, now time.Time) model.Event {
	tmpl := so.order.Clone()
	tmpl.LocalID, tmpl.SystemID = so.localID, so.sysID
	tmpl.TradedQty, tmpl.AvgPrice = decimal.Zero, decimal.Zero
	return model.Event{Kind: model.EventVenueAccepted, Ref: so.ref, LocalID: so.localID, SystemID: so.sysID, Time: now, Order: tmpl}
}

func (e *Exchange) CancelOrder(ctx context.Context, o *model.Order) (*model.Event, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.transportFault(); err != nil {
		return nil, err
	}
	if e.stop == nil {
		return nil, apperrors.ErrNotConnected
	}
	now := e.clock()
	id := o.LocalID
	if id == "" {
		id = e.byRef[o.Ref]
	}
	so, ok := e.orders[id]
	if !ok || so.done {
		return &model.Event{Kind: model.EventCancelRejected, Ref: o.Ref, LocalID: id, Time: now,
			ErrorCode: "SIM-CXL", ErrorMsg: "order not cancelable"}, nil
	}
	so.done = true
	e.push(model.Event{Kind: model.EventCancelConfirmed, Ref: so.ref, LocalID: so.localID, SystemID: so.sysID, Time: now})
	return &model.Event{Kind: model.EventCancelling, Ref: o.Ref, LocalID: so.localID, Time: now}, nil
}

func (e *Exchange) QueryFunds(ctx context.Context) ([]model.AccountFund, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]model.AccountFund, len(e.funds))
	for i, f := range e.funds {
		f.UpdatedAt = e.clock()
		out[i] = f
	}
	return out, nil
}

func (e *Exchange) QueryPositions(ctx context.Context) ([]model.PositionReport, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]model.PositionReport(nil), e.positions...), nil
}

// QueryOpenOrders returns the seeded rows plus every simulated order still resting.
func (e *Exchange) QueryOpenOrders(ctx context.Context) ([]model.OrderReport, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := append([]model.OrderReport(nil), e.open...)
	for _, so := range e.orders {
		if so.done {
			continue
		}
		o := so.order
		out = append(out, model.OrderReport{
			Ref: so.ref, LocalID: so.localID, SystemID: so.sysID,
			Account: o.Account, Ticker: o.Ticker, Kind: o.Kind,
			Direction: o.Direction, Offset: o.Offset,
			Price: o.Price, Quantity: o.Quantity, TradedQty: so.filled,
		})
	}
	return out, nil
}
