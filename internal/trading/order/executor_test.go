package order

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trade_gateway/internal/core"
	"trade_gateway/internal/model"
	apperrors "trade_gateway/pkg/errors"
	"trade_gateway/pkg/retry"
)

type stubVenue struct {
	submitErrs []error
	submits    int
	cancels    int
}

func (s *stubVenue) Name() string                                   { return "stub" }
func (s *stubVenue) Class() model.InstrumentClass                   { return model.ClassDerivative }
func (s *stubVenue) Normalizer() core.IInventoryNormalizer          { return nil }
func (s *stubVenue) DefaultRoute() string                           { return "stub" }
func (s *stubVenue) Connect(context.Context, core.IVenueSink) error { return nil }
func (s *stubVenue) HandshakeSteps() []string                       { return nil }
func (s *stubVenue) RunHandshakeStep(context.Context, string) (model.SessionIdentity, error) {
	return model.SessionIdentity{}, nil
}
func (s *stubVenue) Disconnect() error { return nil }
func (s *stubVenue) SubmitOrder(_ context.Context, o *model.Order) (*model.Event, error) {
	s.submits++
	if len(s.submitErrs) > 0 {
		err := s.submitErrs[0]
		s.submitErrs = s.submitErrs[1:]
		if err != nil {
			return nil, err
		}
	}
	return &model.Event{Kind: model.EventBackendAccepted, Ref: o.Ref, LocalID: fmt.Sprintf("L%d", o.Ref)}, nil
}
func (s *stubVenue) CancelOrder(context.Context, *model.Order) (*model.Event, error) {
	s.cancels++
	return nil, nil
}
func (s *stubVenue) QueryFunds(context.Context) ([]model.AccountFund, error)        { return nil, nil }
func (s *stubVenue) QueryPositions(context.Context) ([]model.PositionReport, error) { return nil, nil }
func (s *stubVenue) QueryOpenOrders(context.Context) ([]model.OrderReport, error)   { return nil, nil }

type mockLogger struct{}

func (m *mockLogger) Debug(msg string, f ...interface{})               {}
func (m *mockLogger) Info(msg string, f ...interface{})                {}
func (m *mockLogger) Warn(msg string, f ...interface{})                {}
func (m *mockLogger) Error(msg string, f ...interface{})               {}
func (m *mockLogger) Fatal(msg string, f ...interface{})               {}
func (m *mockLogger) WithField(k string, v interface{}) core.ILogger   { return m }
func (m *mockLogger) WithFields(f map[string]interface{}) core.ILogger { return m }

func testOrder() *model.Order {
	return &model.Order{Ref: 42, Ticker: "IF2412", Quantity: decimal.NewFromInt(1)}
}

func fastRetry() ExecutorConfig {
	return ExecutorConfig{
		RateLimit: 1000,
		Burst:     1000,
		Retry:     retry.RetryPolicy{MaxAttempts: 3, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond},
	}
}

func TestExecutor_Submit(t *testing.T) {
	venue := &stubVenue{}
	ex := NewExecutor(venue, fastRetry(), &mockLogger{})

	ev, err := ex.Submit(context.Background(), testOrder())
	require.NoError(t, err)
	require.NotNil(t, ev)
	assert.Equal(t, model.EventBackendAccepted, ev.Kind)
	assert.Equal(t, "L42", ev.LocalID)
	assert.Equal(t, 1, venue.submits)
}

func TestExecutor_RetriesTransportErrors(t *testing.T) {
	venue := &stubVenue{submitErrs: []error{apperrors.ErrNetwork, apperrors.ErrRateLimitExceeded}}
	ex := NewExecutor(venue, fastRetry(), &mockLogger{})

	_, err := ex.Submit(context.Background(), testOrder())
	require.NoError(t, err)
	assert.Equal(t, 3, venue.submits)
}

func TestExecutor_GivesUpAfterPolicy(t *testing.T) {
	venue := &stubVenue{submitErrs: []error{apperrors.ErrNetwork, apperrors.ErrNetwork, apperrors.ErrNetwork}}
	ex := NewExecutor(venue, fastRetry(), &mockLogger{})

	_, err := ex.Submit(context.Background(), testOrder())
	assert.ErrorIs(t, err, apperrors.ErrNetwork)
	assert.Equal(t, 3, venue.submits)
	assert.NoError(t, ex.CheckHealth())
}

func TestExecutor_NoRetryOnPermanent(t *testing.T) {
	permanent := errors.New("malformed request")
	venue := &stubVenue{submitErrs: []error{permanent}}
	ex := NewExecutor(venue, fastRetry(), &mockLogger{})

	_, err := ex.Submit(context.Background(), testOrder())
	assert.ErrorIs(t, err, permanent)
	assert.Equal(t, 1, venue.submits)
}

func TestExecutor_Cancel(t *testing.T) {
	venue := &stubVenue{}
	ex := NewExecutor(venue, fastRetry(), &mockLogger{})
	ev, err := ex.Cancel(context.Background(), testOrder())
	require.NoError(t, err)
	assert.Nil(t, ev)
	assert.Equal(t, 1, venue.cancels)
}

func TestExecutor_RateLimitHonoursContext(t *testing.T) {
	ex := NewExecutor(&stubVenue{}, ExecutorConfig{RateLimit: 0.001, Burst: 1, Retry: retry.DefaultPolicy}, &mockLogger{})
	_, err := ex.Submit(context.Background(), testOrder())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = ex.Submit(ctx, testOrder())
	assert.ErrorIs(t, err, ErrNotDispatched)
	assert.Equal(t, 1, venueSubmits(ex))
}

func TestExecutor_CancelledContextNeverDispatches(t *testing.T) {
	venue := &stubVenue{}
	ex := NewExecutor(venue, fastRetry(), &mockLogger{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := ex.Submit(ctx, testOrder())
	assert.ErrorIs(t, err, ErrNotDispatched)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, venue.submits)
}

func venueSubmits(ex *Executor) int {
	return ex.venue.(*stubVenue).submits
}
