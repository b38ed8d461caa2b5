package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"trade_gateway/internal/alert"
	"trade_gateway/internal/core"
	"trade_gateway/internal/model"
	"trade_gateway/internal/trading/order"
	"trade_gateway/internal/trading/position"
	apperrors "trade_gateway/pkg/errors"
	"trade_gateway/pkg/retry"
	"trade_gateway/pkg/telemetry"

	"github.com/failsafe-go/failsafe-go"
	"github.com/failsafe-go/failsafe-go/retrypolicy"
)

// Alerter raises operational alerts. *alert.AlertManager satisfies it.
type Alerter interface {
	Alert(ctx context.Context, title, message string, level alert.AlertLevel, fields map[string]string)
}

// ReconnectPolicy bounds the automatic reconnect loop.
type ReconnectPolicy struct {
	MinDelay    time.Duration
	MaxDelay    time.Duration
	MaxAttempts int // -1 retries forever
}

// Config tunes one gateway.
type Config struct {
	FinishedCapacity   int
	CancelAllOnStartup bool
	CancelOnExit       bool
	RateLimit          float64
	RateBurst          int
	Retry              retry.RetryPolicy
	Reconnect          ReconnectPolicy
}

// Gateway owns one venue adapter and the canonical state derived from it.
// All table mutations happen under mu; the venue delivers callbacks on a
// single goroutine per connection.
type Gateway struct {
	name    string
	venue   core.IVenue
	cfg     Config
	out     core.IOutbound
	alerts  Alerter
	logger  core.ILogger
	clock   func() time.Time
	metrics *telemetry.MetricsHolder

	session   *Session
	refs      *order.RefAllocator
	orders    *order.Table
	positions *position.Table
	exec      *order.Executor

	mu            sync.Mutex
	unsent        map[model.OrderRef]struct{}
	unsentCancels map[model.OrderRef]struct{}
	// unconfirmed holds Sent orders whose submit was abandoned after dispatch.
	unconfirmed map[model.OrderRef]struct{}

	connMu       sync.Mutex
	running      atomic.Bool
	reconnecting atomic.Bool
	lifetime     context.Context
	stop         context.CancelFunc
	wg           sync.WaitGroup
}

// Option customizes a gateway.
type Option func(*Gateway)

// WithClock injects the clock used for refs, event stamps and snapshots.
func WithClock(now func() time.Time) Option {
	return func(g *Gateway) { g.clock = now }
}

func WithAlerter(a Alerter) Option {
	return func(g *Gateway) { g.alerts = a }
}

// New creates a gateway for venue publishing to out.
func New(venue core.IVenue, cfg Config, out core.IOutbound, logger core.ILogger, opts ...Option) *Gateway {
	if cfg.Reconnect.MinDelay <= 0 {
		cfg.Reconnect.MinDelay = 500 * time.Millisecond
	}
	if cfg.Reconnect.MaxDelay < cfg.Reconnect.MinDelay {
		cfg.Reconnect.MaxDelay = 30 * time.Second
	}
	if cfg.Reconnect.MaxAttempts == 0 {
		cfg.Reconnect.MaxAttempts = -1
	}
	g := &Gateway{
		name:          venue.Name(),
		venue:         venue,
		cfg:           cfg,
		out:           out,
		logger:        logger.WithField("component", "gateway").WithField("venue", venue.Name()),
		clock:         time.Now,
		metrics:       telemetry.GetGlobalMetrics(),
		unsent:        make(map[model.OrderRef]struct{}),
		unsentCancels: make(map[model.OrderRef]struct{}),
		unconfirmed:   make(map[model.OrderRef]struct{}),
	}
	for _, opt := range opts {
		opt(g)
	}
	g.session = NewSession(g.name, g.clock())
	g.session.onChange = func(s State) { g.metrics.SetSessionState(g.name, int64(s)) }
	g.refs = order.NewRefAllocator(g.clock)
	g.orders = order.NewTable(cfg.FinishedCapacity)
	g.positions = position.NewTable(venue.Class())
	g.exec = order.NewExecutor(venue, order.ExecutorConfig{
		RateLimit: cfg.RateLimit,
		Burst:     cfg.RateBurst,
		Retry:     cfg.Retry,
	}, g.logger)
	return g
}

func (g *Gateway) Name() string { return g.name }

func (g *Gateway) Venue() core.IVenue { return g.venue }

// Start connects and runs the handshake. A failed first attempt is returned
// and also handed to the reconnect loop.
func (g *Gateway) Start(ctx context.Context) error {
	if !g.running.CompareAndSwap(false, true) {
		return fmt.Errorf("gateway %s already started", g.name)
	}
	g.lifetime, g.stop = context.WithCancel(context.WithoutCancel(ctx))
	g.logger.Info("Starting gateway", "class", g.venue.Class().String())

	if err := g.connect(ctx); err != nil {
		g.scheduleReconnect()
		return err
	}
	return nil
}

// Stop tears the session down. Live orders are cancelled first when
// cancel-on-exit is configured.
func (g *Gateway) Stop() {
	if !g.running.CompareAndSwap(true, false) {
		return
	}
	g.logger.Info("Stopping gateway")
	if g.cfg.CancelOnExit && g.session.IsReady() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		g.cancelAll(ctx, "exit")
		cancel()
	}
	g.stop()
	g.connMu.Lock()
	if err := g.venue.Disconnect(); err != nil {
		g.logger.Warn("Venue disconnect failed", "error", err)
	}
	_ = g.session.Transition(StatePrepared, g.clock(), nil)
	g.connMu.Unlock()
	g.wg.Wait()
}

// Reconnect is a no-op while Ready. Otherwise it tears down the venue
// connection and replays the handshake.
func (g *Gateway) Reconnect(ctx context.Context) error {
	if g.session.IsReady() {
		return nil
	}
	return g.connect(ctx)
}

func (g *Gateway) connect(ctx context.Context) error {
	g.connMu.Lock()
	defer g.connMu.Unlock()
	if g.session.IsReady() {
		return nil
	}
	if !g.running.Load() {
		return fmt.Errorf("gateway %s is stopped", g.name)
	}

	if err := g.venue.Disconnect(); err != nil {
		g.logger.Debug("Disconnect before connect failed", "error", err)
	}
	_ = g.session.Transition(StatePrepared, g.clock(), nil)

	if err := g.venue.Connect(ctx, g); err != nil {
		return g.connectFailed("connect", err)
	}
	if err := g.session.Transition(StateConnected, g.clock(), nil); err != nil {
		return err
	}
	if err := g.session.Transition(StateHandshaking, g.clock(), nil); err != nil {
		return err
	}
	for _, step := range g.venue.HandshakeSteps() {
		g.session.SetStep(step)
		id, err := g.venue.RunHandshakeStep(ctx, step)
		if err != nil {
			_ = g.venue.Disconnect()
			return g.connectFailed(step, err)
		}
		g.session.BindIdentity(id)
		g.logger.Info("Handshake step complete", "step", step)
	}
	if err := g.session.Transition(StateReady, g.clock(), nil); err != nil {
		return err
	}
	info := g.session.Info()
	g.logger.Info("Session ready", "front_id", info.Identity.FrontID, "session_id", info.Identity.SessionID)
	g.publish(model.InfoEvent(g.name, "INFO", "session_ready", "session ready", g.clock()))

	g.onReady(ctx)
	return nil
}

func (g *Gateway) connectFailed(step string, err error) error {
	if g.session.State() == StatePrepared {
		g.session.RecordError(err)
	} else {
		_ = g.session.Transition(StateFailed, g.clock(), err)
	}
	g.logger.Error("Session setup failed", "step", step, "error", err)
	g.publish(model.InfoEvent(g.name, "ERROR", "session_failed", fmt.Sprintf("%s: %v", step, err), g.clock()))
	g.alert(alert.Error, "Session setup failed", err.Error(), map[string]string{"step": step})
	return fmt.Errorf("gateway %s %s: %w", g.name, step, err)
}

// OnDisconnected implements core.IVenueSink. It runs on the venue's stream
// goroutine, so reconnection happens elsewhere.
func (g *Gateway) OnDisconnected(err error) {
	if err == nil {
		err = apperrors.ErrNotConnected
	}
	if g.session.State() == StateFailed {
		return
	}
	if terr := g.session.Transition(StateFailed, g.clock(), err); terr != nil {
		return
	}
	g.logger.Warn("Venue connection lost", "error", err)
	g.publish(model.InfoEvent(g.name, "WARN", "disconnected", err.Error(), g.clock()))
	g.alert(alert.Warning, "Venue connection lost", err.Error(), nil)
	g.scheduleReconnect()
}

// scheduleReconnect starts the backoff loop unless one is already running.
func (g *Gateway) scheduleReconnect() {
	if !g.running.Load() || !g.reconnecting.CompareAndSwap(false, true) {
		return
	}
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		err := g.reconnectLoop()
		g.reconnecting.Store(false)
		if err != nil {
			if g.running.Load() {
				g.logger.Error("Reconnect attempts exhausted", "error", err)
				g.publish(model.InfoEvent(g.name, "ERROR", "reconnect_exhausted", err.Error(), g.clock()))
				g.alert(alert.Critical, "Reconnect attempts exhausted", err.Error(), nil)
			}
			return
		}
		// a drop while the loop was finishing would otherwise go unnoticed
		if g.session.State() == StateFailed {
			g.scheduleReconnect()
		}
	}()
}

func (g *Gateway) reconnectLoop() error {
	p := g.cfg.Reconnect
	attempt := 0
	policy := retrypolicy.NewBuilder[any]().
		HandleIf(func(_ any, err error) bool {
			return err != nil && g.running.Load() && g.lifetime.Err() == nil
		}).
		WithBackoff(p.MinDelay, p.MaxDelay).
		WithMaxRetries(p.MaxAttempts).
		Build()

	return failsafe.With[any](policy).WithContext(g.lifetime).Run(func() error {
		attempt++
		g.logger.Info("Reconnecting", "attempt", attempt)
		err := g.Reconnect(g.lifetime)
		if err != nil && errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
}

func (g *Gateway) publish(ev model.OutboundEvent) {
	if g.out != nil {
		g.out.Publish(ev)
	}
}

func (g *Gateway) alert(level alert.AlertLevel, title, msg string, fields map[string]string) {
	if g.alerts == nil {
		return
	}
	f := map[string]string{"venue": g.name}
	for k, v := range fields {
		f[k] = v
	}
	g.alerts.Alert(context.Background(), title, msg, level, f)
}

// Session returns a snapshot of the session.
func (g *Gateway) Session() SessionInfo {
	return g.session.Info()
}

// CheckHealth reports an error unless the session is Ready and the venue is
// not failing requests at a high rate.
func (g *Gateway) CheckHealth() error {
	if st := g.session.State(); st != StateReady {
		return fmt.Errorf("%w: %s", apperrors.ErrNotReady, st)
	}
	return g.exec.CheckHealth()
}

// Order returns a copy of a live order.
func (g *Gateway) Order(ref model.OrderRef) (*model.Order, bool) {
	o, ok := g.orders.Get(ref)
	if !ok {
		return nil, false
	}
	return o.Clone(), true
}

// LiveOrders returns copies of every live order ordered by ref.
func (g *Gateway) LiveOrders() []*model.Order {
	return g.orders.Live()
}

// Position returns a copy of a position record.
func (g *Gateway) Position(key model.PositionKey) (*model.Position, bool) {
	p, ok := g.positions.Get(key)
	if !ok {
		return nil, false
	}
	return p.Clone(), true
}

func (g *Gateway) Positions() []*model.Position {
	return g.positions.Snapshot()
}

// ResetTradingDay zeroes every position and forgets finished orders. Live
// orders are untouched.
func (g *Gateway) ResetTradingDay() {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.clock()
	g.positions.Reset(now)
	g.orders.ResetFinished()
	for _, p := range g.positions.Snapshot() {
		g.publish(model.PositionSnapshot(g.name, p, now))
	}
	g.logger.Info("Trading day reset", "positions", g.positions.Len())
}
