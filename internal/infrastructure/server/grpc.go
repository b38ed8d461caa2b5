package server

import (
	"context"
	"net"
	"sync"
	"time"

	"trade_gateway/internal/core"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ComponentChecker is the part of the health manager the gRPC service reads.
type ComponentChecker interface {
	Components() []string
	Check(component string) error
	IsHealthy() bool
}

// GRPCHealth serves the standard gRPC health protocol. Each registered
// component is a service name; the empty name reflects overall health.
type GRPCHealth struct {
	addr     string
	checks   ComponentChecker
	interval time.Duration
	logger   core.ILogger

	hs  *health.Server
	srv *grpc.Server

	mu     sync.Mutex
	lis    net.Listener
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewGRPCHealth(addr string, checks ComponentChecker, interval time.Duration, logger core.ILogger) *GRPCHealth {
	if interval <= 0 {
		interval = time.Second
	}
	g := &GRPCHealth{
		addr:     addr,
		checks:   checks,
		interval: interval,
		logger:   logger.WithField("component", "grpc_health"),
		hs:       health.NewServer(),
		srv:      grpc.NewServer(),
	}
	healthpb.RegisterHealthServer(g.srv, g.hs)
	return g
}

// Start binds the listener, serves in the background and refreshes serving
// status until ctx is cancelled.
func (g *GRPCHealth) Start(ctx context.Context) error {
	lis, err := net.Listen("tcp", g.addr)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	g.mu.Lock()
	g.lis, g.cancel = lis, cancel
	g.mu.Unlock()

	g.Sync()
	g.wg.Add(2)
	go func() {
		defer g.wg.Done()
		g.logger.Info("Starting gRPC health service", "addr", lis.Addr().String())
		if err := g.srv.Serve(lis); err != nil {
			g.logger.Error("gRPC health service failed", "error", err)
		}
	}()
	go func() {
		defer g.wg.Done()
		ticker := time.NewTicker(g.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				g.Sync()
			}
		}
	}()
	return nil
}

// Sync copies the current component checks into the serving status table.
func (g *GRPCHealth) Sync() {
	for _, name := range g.checks.Components() {
		status := healthpb.HealthCheckResponse_SERVING
		if err := g.checks.Check(name); err != nil {
			status = healthpb.HealthCheckResponse_NOT_SERVING
		}
		g.hs.SetServingStatus(name, status)
	}
	overall := healthpb.HealthCheckResponse_SERVING
	if !g.checks.IsHealthy() {
		overall = healthpb.HealthCheckResponse_NOT_SERVING
	}
	g.hs.SetServingStatus("", overall)
}

func (g *GRPCHealth) Addr() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.lis == nil {
		return g.addr
	}
	return g.lis.Addr().String()
}

// Stop marks every service NOT_SERVING and drains in-flight calls.
func (g *GRPCHealth) Stop() {
	g.mu.Lock()
	cancel := g.cancel
	g.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	g.hs.Shutdown()
	g.srv.GracefulStop()
	g.wg.Wait()
}
