package gateway

import (
	"context"
	"strconv"
	"sync"
	"testing"
	"time"

	"trade_gateway/internal/alert"
	"trade_gateway/internal/core"
	"trade_gateway/internal/model"
	"trade_gateway/internal/trading/position"
	apperrors "trade_gateway/pkg/errors"
	"trade_gateway/pkg/logging"
	"trade_gateway/pkg/retry"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2024, 6, 3, 9, 30, 0, 0, time.UTC)

func testClock() time.Time { return testNow }

func testConfig() Config {
	return Config{
		Retry: retry.RetryPolicy{MaxAttempts: 1},
		Reconnect: ReconnectPolicy{
			MinDelay: 2 * time.Millisecond,
			MaxDelay: 10 * time.Millisecond,
		},
	}
}

// stubVenue answers synchronously: submits are acknowledged by the backend and
// cancels are confirmed in the response.
type stubVenue struct {
	mu           sync.Mutex
	name         string
	route        string
	handshakeErr error
	submitErr    error
	submitHook   func(ctx context.Context) error
	failSubmits  int
	failCancels  int
	open         []model.OrderReport
	positions    []model.PositionReport
	funds        []model.AccountFund
	submits      []*model.Order
	cancels      []*model.Order
	seq          int
	sink         core.IVenueSink
}

func newStubVenue(name string) *stubVenue {
	return &stubVenue{
		name:  name,
		funds: []model.AccountFund{{Account: "ACC1", Balance: decimal.NewFromInt(100000)}},
	}
}

func (s *stubVenue) Name() string                          { return s.name }
func (s *stubVenue) Class() model.InstrumentClass          { return model.ClassDerivative }
func (s *stubVenue) Normalizer() core.IInventoryNormalizer { return position.SplitNormalizer{} }
func (s *stubVenue) HandshakeSteps() []string              { return []string{"auth", "login"} }

func (s *stubVenue) DefaultRoute() string {
	if s.route != "" {
		return s.route
	}
	return s.name
}

func (s *stubVenue) Connect(ctx context.Context, sink core.IVenueSink) error {
	s.mu.Lock()
	s.sink = sink
	s.mu.Unlock()
	return nil
}

func (s *stubVenue) RunHandshakeStep(ctx context.Context, step string) (model.SessionIdentity, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.handshakeErr != nil {
		return model.SessionIdentity{}, s.handshakeErr
	}
	return model.SessionIdentity{FrontID: "1", SessionID: "42", UserID: "trader"}, nil
}

func (s *stubVenue) Disconnect() error { return nil }

func (s *stubVenue) SubmitOrder(ctx context.Context, o *model.Order) (*model.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.submitHook != nil {
		if err := s.submitHook(ctx); err != nil {
			return nil, err
		}
	}
	if s.failSubmits > 0 {
		s.failSubmits--
		return nil, apperrors.ErrNetwork
	}
	if s.submitErr != nil {
		return nil, s.submitErr
	}
	s.seq++
	s.submits = append(s.submits, o.Clone())
	return &model.Event{Kind: model.EventBackendAccepted, Ref: o.Ref, LocalID: "L" + strconv.Itoa(s.seq)}, nil
}

func (s *stubVenue) CancelOrder(ctx context.Context, o *model.Order) (*model.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancels = append(s.cancels, o.Clone())
	if s.failCancels > 0 {
		s.failCancels--
		return nil, apperrors.ErrNetwork
	}
	return &model.Event{Kind: model.EventCancelConfirmed, Ref: o.Ref, LocalID: o.LocalID}, nil
}

func (s *stubVenue) QueryFunds(ctx context.Context) ([]model.AccountFund, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.AccountFund(nil), s.funds...), nil
}

func (s *stubVenue) QueryPositions(ctx context.Context) ([]model.PositionReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.PositionReport(nil), s.positions...), nil
}

func (s *stubVenue) QueryOpenOrders(ctx context.Context) ([]model.OrderReport, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]model.OrderReport(nil), s.open...), nil
}

func (s *stubVenue) submitCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.submits)
}

func (s *stubVenue) cancelCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.cancels)
}

type recordingOutbound struct {
	mu     sync.Mutex
	events []model.OutboundEvent
}

func (r *recordingOutbound) Publish(ev model.OutboundEvent) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
}

func (r *recordingOutbound) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.events)
}

func (r *recordingOutbound) lastOrder(ref model.OrderRef) (*model.Order, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if o := r.events[i].Order; o != nil && o.Ref == ref {
			return o, true
		}
	}
	return nil, false
}

func (r *recordingOutbound) statuses(ref model.OrderRef) []model.OrderStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.OrderStatus
	for _, ev := range r.events {
		if ev.Order != nil && ev.Order.Ref == ref {
			out = append(out, ev.Order.Status)
		}
	}
	return out
}

func (r *recordingOutbound) count(kind model.OutboundKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

func (r *recordingOutbound) infos(code string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Info != nil && ev.Info.Code == code {
			n++
		}
	}
	return n
}

type recordingAlerter struct {
	mu     sync.Mutex
	levels []alert.AlertLevel
	titles []string
}

func (a *recordingAlerter) Alert(ctx context.Context, title, message string, level alert.AlertLevel, fields map[string]string) {
	a.mu.Lock()
	a.levels = append(a.levels, level)
	a.titles = append(a.titles, title)
	a.mu.Unlock()
}

func (a *recordingAlerter) has(level alert.AlertLevel) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, l := range a.levels {
		if l == level {
			return true
		}
	}
	return false
}

func (a *recordingAlerter) hasTitle(title string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, t := range a.titles {
		if t == title {
			return true
		}
	}
	return false
}

func (s *stubVenue) setOpen(open []model.OrderReport, positions []model.PositionReport) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.open = open
	s.positions = positions
}

func newTestGateway(t *testing.T, venue core.IVenue, cfg Config, opts ...Option) (*Gateway, *recordingOutbound) {
	t.Helper()
	out := &recordingOutbound{}
	opts = append([]Option{WithClock(testClock)}, opts...)
	g := New(venue, cfg, out, logging.NewNop(), opts...)
	t.Cleanup(g.Stop)
	return g, out
}

func startGateway(t *testing.T, venue core.IVenue, cfg Config, opts ...Option) (*Gateway, *recordingOutbound) {
	t.Helper()
	g, out := newTestGateway(t, venue, cfg, opts...)
	require.NoError(t, g.Start(context.Background()))
	return g, out
}

func insert(venue string, dir model.Direction, off model.Offset, qty int64) model.InsertRequest {
	return model.InsertRequest{
		Account:   "ACC1",
		Ticker:    "IF2406",
		Venue:     venue,
		Direction: dir,
		Offset:    off,
		Kind:      model.KindLimit,
		Price:     decimal.NewFromInt(3500),
		Quantity:  decimal.NewFromInt(qty),
		Verdict:   model.RiskApproved,
	}
}

var testKey = model.PositionKey{Account: "ACC1", Ticker: "IF2406"}

func waitStatus(t *testing.T, out *recordingOutbound, ref model.OrderRef, want model.OrderStatus) {
	t.Helper()
	assert.Eventually(t, func() bool {
		o, ok := out.lastOrder(ref)
		return ok && o.Status == want
	}, 2*time.Second, 5*time.Millisecond, "order %s never reached %s", ref, want)
}

func posOf(t *testing.T, g *Gateway) *model.Position {
	t.Helper()
	p, ok := g.Position(testKey)
	require.True(t, ok)
	return p
}
