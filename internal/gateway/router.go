package gateway

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"trade_gateway/internal/config"
	"trade_gateway/internal/model"
	apperrors "trade_gateway/pkg/errors"
	"trade_gateway/pkg/retry"
)

// ConfigFor derives a gateway configuration from the venue, system and timing
// sections of the process configuration.
func ConfigFor(vc config.VenueConfig, cfg *config.Config) Config {
	return Config{
		FinishedCapacity:   cfg.System.FinishedCapacity,
		CancelAllOnStartup: vc.CancelAllOnStartup,
		CancelOnExit:       cfg.System.CancelOnExit,
		RateLimit:          vc.RateLimit,
		RateBurst:          vc.RateBurst,
		Retry:              retry.DefaultPolicy,
		Reconnect: ReconnectPolicy{
			MinDelay:    time.Duration(cfg.Timing.ReconnectMinDelayMs) * time.Millisecond,
			MaxDelay:    time.Duration(cfg.Timing.ReconnectMaxDelay) * time.Second,
			MaxAttempts: cfg.Timing.ReconnectMaxAttempts,
		},
	}
}

// Router dispatches caller requests to the gateway of the requested venue.
// Gateways share nothing but the outbound channel.
type Router struct {
	mu       sync.RWMutex
	gateways map[string]*Gateway
}

func NewRouter() *Router {
	return &Router{gateways: make(map[string]*Gateway)}
}

func (r *Router) Add(g *Gateway) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.gateways[g.Name()]; ok {
		return fmt.Errorf("gateway %s already registered", g.Name())
	}
	r.gateways[g.Name()] = g
	return nil
}

func (r *Router) Gateway(venue string) (*Gateway, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.gateways[venue]
	return g, ok
}

// Gateways returns every registered gateway ordered by venue name.
func (r *Router) Gateways() []*Gateway {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Gateway, 0, len(r.gateways))
	for _, g := range r.gateways {
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name() < out[j].Name() })
	return out
}

// SubmitOrder sends req to its venue. A needs-default-routing verdict is
// redirected to the venue's default route and then treated as approved.
func (r *Router) SubmitOrder(ctx context.Context, req model.InsertRequest) (model.OrderRef, error) {
	g, ok := r.Gateway(req.Venue)
	if !ok {
		return 0, fmt.Errorf("%w: unknown venue %q", apperrors.ErrInvalidOrderParameter, req.Venue)
	}
	if req.Verdict == model.RiskNeedsDefaultRouting {
		route := g.Venue().DefaultRoute()
		target, ok := r.Gateway(route)
		if !ok {
			return 0, fmt.Errorf("%w: default route %q of %s is not registered",
				apperrors.ErrInvalidOrderParameter, route, req.Venue)
		}
		req.Venue = route
		req.Verdict = model.RiskApproved
		g = target
	}
	return g.SubmitOrder(ctx, req)
}

func (r *Router) CancelOrder(ctx context.Context, venue string, req model.CancelRequest) error {
	g, ok := r.Gateway(venue)
	if !ok {
		return fmt.Errorf("%w: unknown venue %q", apperrors.ErrInvalidOrderParameter, venue)
	}
	return g.CancelOrder(ctx, req)
}

// Start starts every gateway. A gateway that fails to connect keeps retrying
// in the background, so only the first error is returned.
func (r *Router) Start(ctx context.Context) error {
	var first error
	for _, g := range r.Gateways() {
		if err := g.Start(ctx); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (r *Router) Stop() {
	gws := r.Gateways()
	var wg sync.WaitGroup
	for _, g := range gws {
		wg.Add(1)
		go func(g *Gateway) {
			defer wg.Done()
			g.Stop()
		}(g)
	}
	wg.Wait()
}

// ResetTradingDay resets every gateway.
func (r *Router) ResetTradingDay() {
	for _, g := range r.Gateways() {
		g.ResetTradingDay()
	}
}
