// Package exchange builds venue adapters from configuration
package exchange

import (
	"fmt"
	"strings"
	"time"

	"trade_gateway/internal/config"
	"trade_gateway/internal/core"
	"trade_gateway/internal/exchange/base"
	"trade_gateway/internal/exchange/futures"
	"trade_gateway/internal/exchange/options"
	"trade_gateway/internal/exchange/sim"
	"trade_gateway/internal/exchange/stock"
)

// NewVenue creates the adapter for one configured venue
func NewVenue(name string, cfg *config.Config, logger core.ILogger) (core.IVenue, error) {
	vc, exists := cfg.Venues[name]
	if !exists {
		return nil, fmt.Errorf("configuration not found for venue: %s", name)
	}

	opts := base.StreamOptions{
		PingInterval: time.Duration(cfg.Timing.WebsocketPingInterval) * time.Second,
		PongWait:     time.Duration(cfg.Timing.WebsocketPongWait) * time.Second,
	}

	switch strings.ToLower(vc.Protocol) {
	case config.ProtocolFutures:
		return futures.NewExchange(name, vc, opts, logger), nil
	case config.ProtocolOptions:
		return options.NewExchange(name, vc, opts, logger), nil
	case config.ProtocolStock:
		return stock.NewExchange(name, vc, opts, logger), nil
	case config.ProtocolSim:
		return sim.NewExchange(name, vc, logger), nil
	default:
		return nil, fmt.Errorf("unsupported protocol %q for venue %s", vc.Protocol, name)
	}
}
