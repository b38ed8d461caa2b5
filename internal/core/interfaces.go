// Package core defines the core interfaces for the trading gateway
package core

import (
	"context"

	"trade_gateway/internal/model"
)

// IVenue is implemented by every backend adapter. Each instance owns exactly one
// venue connection.
type IVenue interface {
	// Identity
	Name() string
	Class() model.InstrumentClass
	Normalizer() IInventoryNormalizer
	// DefaultRoute is the venue used for requests flagged as needing default routing.
	DefaultRoute() string

	// Connection and handshake
	Connect(ctx context.Context, sink IVenueSink) error
	HandshakeSteps() []string
	RunHandshakeStep(ctx context.Context, step string) (model.SessionIdentity, error)
	Disconnect() error

	// Requests. A returned error is a transport failure; a trading decision is
	// reported as a canonical event instead.
	SubmitOrder(ctx context.Context, order *model.Order) (*model.Event, error)
	CancelOrder(ctx context.Context, order *model.Order) (*model.Event, error)

	// Startup queries
	QueryFunds(ctx context.Context) ([]model.AccountFund, error)
	QueryPositions(ctx context.Context) ([]model.PositionReport, error)
	QueryOpenOrders(ctx context.Context) ([]model.OrderReport, error)
}

// IVenueSink receives venue notifications already decoded into canonical events.
// Calls arrive in order from a single goroutine per connection.
type IVenueSink interface {
	OnEvent(ev model.Event)
	OnDisconnected(err error)
}

// IInventoryNormalizer applies a venue's same-day/carried-over conventions.
type IInventoryNormalizer interface {
	// ApplyReport overwrites the settled quantities of pos from a query row.
	ApplyReport(pos *model.Position, rep model.PositionReport)
	// PromoteOnOpen runs after an opening fill was added to leg.Today.
	PromoteOnOpen(leg *model.Leg)
}

// IOutbound accepts canonical snapshots from any number of gateways.
type IOutbound interface {
	Publish(ev model.OutboundEvent)
}

// IHealthMonitor defines the interface for health monitoring
type IHealthMonitor interface {
	Register(component string, check func() error)
	GetStatus() map[string]string
	IsHealthy() bool
}

// ILogger defines the interface for logging
type ILogger interface {
	Debug(msg string, fields ...interface{})
	Info(msg string, fields ...interface{})
	Warn(msg string, fields ...interface{})
	Error(msg string, fields ...interface{})
	Fatal(msg string, fields ...interface{})
	WithField(key string, value interface{}) ILogger
	WithFields(fields map[string]interface{}) ILogger
}
