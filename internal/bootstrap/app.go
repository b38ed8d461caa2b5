package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"trade_gateway/internal/alert"
	"trade_gateway/internal/core"
	"trade_gateway/internal/exchange"
	"trade_gateway/internal/gateway"
	"trade_gateway/internal/infrastructure/health"
	"trade_gateway/internal/infrastructure/server"
	"trade_gateway/internal/outbound"
	"trade_gateway/pkg/concurrency"
	"trade_gateway/pkg/logging"
	"trade_gateway/pkg/telemetry"

	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

// App holds the process-wide dependencies.
type App struct {
	Cfg       *Config
	Logger    *logging.ZapLogger
	Telemetry *telemetry.Telemetry
	Pool      *concurrency.WorkerPool
	Hub       *outbound.Hub
	Journal   *outbound.Journal
	Kafka     *outbound.KafkaSink
	Alerts    *alert.AlertManager
	Router    *gateway.Router
	Health    *health.HealthManager

	HTTP *server.HealthServer
	GRPC *server.GRPCHealth
}

// NewApp loads configuration from configPath and builds the application.
func NewApp(configPath string) (*App, error) {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return Build(cfg)
}

// Build wires every component from an already validated configuration.
// Nothing connects or listens until Run.
func Build(cfg *Config) (*App, error) {
	tel, err := telemetry.Setup(telemetry.Config{
		ServiceName:  cfg.App.Name,
		Venues:       cfg.App.ActiveVenues,
		SampleRatio:  cfg.Telemetry.TraceSampleRatio,
		StdoutTraces: cfg.Telemetry.StdoutTraces,
		StdoutLogs:   cfg.Telemetry.StdoutLogs,
	})
	if err != nil {
		return nil, fmt.Errorf("telemetry: %w", err)
	}

	logger, err := InitLogger(cfg)
	if err != nil {
		return nil, fmt.Errorf("logger: %w", err)
	}

	a := &App{Cfg: cfg, Logger: logger, Telemetry: tel}

	a.Pool = concurrency.NewWorkerPool(concurrency.PoolConfig{
		Name:        "OutboundSinks",
		MaxWorkers:  cfg.Outbound.Workers,
		MaxCapacity: cfg.Outbound.Buffer,
	}, logger)
	a.Hub = outbound.NewHub(cfg.Outbound.Buffer, a.Pool, logger)
	a.Health = health.NewHealthManager(logger)

	if cfg.Outbound.JournalPath != "" {
		j, err := outbound.NewJournal(cfg.Outbound.JournalPath)
		if err != nil {
			a.release()
			return nil, fmt.Errorf("journal: %w", err)
		}
		a.Journal = j
		a.Hub.AddSink(j)
		a.Health.RegisterOptional("journal", func() error {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_, err := j.Count(ctx)
			return err
		})
	}

	if len(cfg.Outbound.Kafka.Brokers) > 0 {
		a.Kafka = outbound.NewKafkaSink(cfg.Outbound.Kafka)
		a.Hub.AddSink(a.Kafka)
	}

	a.Alerts = newAlertManager(cfg, logger)

	a.Router = gateway.NewRouter()
	for _, name := range cfg.App.ActiveVenues {
		venue, err := exchange.NewVenue(name, cfg, logger)
		if err != nil {
			a.release()
			return nil, fmt.Errorf("venue %s: %w", name, err)
		}
		g := gateway.New(venue, gateway.ConfigFor(cfg.Venues[name], cfg), a.Hub, logger, gateway.WithAlerter(a.Alerts))
		if err := a.Router.Add(g); err != nil {
			a.release()
			return nil, err
		}
		a.Health.Register(name, g.CheckHealth)
	}

	if cfg.Telemetry.EnableMetrics {
		a.HTTP = server.NewHealthServer(fmt.Sprintf(":%d", cfg.Telemetry.MetricsPort), logger, a.Health, a.Router)
		if cfg.Outbound.Stream.Enabled {
			a.HTTP.SetStream(server.NewStream(a.Hub, cfg.Outbound.Stream, logger))
		}
	}
	if cfg.Telemetry.GRPCHealthPort > 0 {
		a.GRPC = server.NewGRPCHealth(fmt.Sprintf(":%d", cfg.Telemetry.GRPCHealthPort), a.Health, 5*time.Second, logger)
	}

	return a, nil
}

func newAlertManager(cfg *Config, logger core.ILogger) *alert.AlertManager {
	am := alert.NewAlertManager(logger,
		alert.WithMinLevel(alert.ParseLevel(cfg.Alerts.MinLevel)),
		alert.WithSuppression(time.Duration(cfg.Alerts.SuppressSeconds)*time.Second))
	if url := cfg.Alerts.SlackWebhook.Reveal(); url != "" {
		am.AddChannel(alert.NewSlackChannel(url))
	}
	if token := cfg.Alerts.TelegramToken.Reveal(); token != "" && cfg.Alerts.TelegramChatID != "" {
		am.AddChannel(alert.NewTelegramChannel(token, cfg.Alerts.TelegramChatID))
	}
	return am
}

// Runner is an interface for components that can be run and stopped gracefully.
type Runner interface {
	Run(ctx context.Context) error
}

// RunnerFunc adapts a function to Runner.
type RunnerFunc func(ctx context.Context) error

func (f RunnerFunc) Run(ctx context.Context) error { return f(ctx) }

// Run starts the application and blocks until ctx is cancelled, a
// termination signal arrives or a runner fails. Gateways stop before the
// outbound hub so their final events are still delivered.
func (a *App) Run(ctx context.Context, extra ...Runner) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	hubCtx, stopHub := context.WithCancel(context.Background())
	go a.Hub.Run(hubCtx)
	defer func() {
		stopHub()
		<-a.Hub.Done()
		a.release()
	}()

	runners := []Runner{RunnerFunc(a.runGateways), RunnerFunc(a.runTradingDayReset)}
	if a.HTTP != nil {
		runners = append(runners, RunnerFunc(a.runHTTP))
	}
	if a.GRPC != nil {
		runners = append(runners, RunnerFunc(a.runGRPC))
	}
	runners = append(runners, extra...)

	g, ctx := errgroup.WithContext(ctx)

	a.Logger.Info("starting application", "venues", a.Cfg.App.ActiveVenues)

	for _, r := range runners {
		g.Go(func() error {
			return r.Run(ctx)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error("application stopped with error", "error", err)
		return err
	}

	a.Logger.Info("application shut down gracefully")
	return nil
}

// runGateways starts every venue session. A venue whose first connect fails
// keeps retrying in the background, so that is logged rather than fatal.
func (a *App) runGateways(ctx context.Context) error {
	if err := a.Router.Start(ctx); err != nil {
		a.Logger.Warn("Venue failed to start, reconnecting in background", "error", err)
	}
	<-ctx.Done()
	a.Router.Stop()
	return nil
}

func (a *App) runHTTP(ctx context.Context) error {
	if err := a.HTTP.Start(); err != nil {
		return fmt.Errorf("health server: %w", err)
	}
	<-ctx.Done()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return a.HTTP.Stop(shutdownCtx)
}

func (a *App) runGRPC(ctx context.Context) error {
	if err := a.GRPC.Start(ctx); err != nil {
		return fmt.Errorf("grpc health: %w", err)
	}
	<-ctx.Done()
	a.GRPC.Stop()
	return nil
}

func (a *App) release() {
	if a.Alerts != nil {
		a.Alerts.Wait()
	}
	a.Pool.Stop()
	if a.Kafka != nil {
		if err := a.Kafka.Close(); err != nil {
			a.Logger.Warn("Failed to close Kafka writer", "error", err)
		}
	}
	if a.Journal != nil {
		if err := a.Journal.Close(); err != nil {
			a.Logger.Warn("Failed to close journal", "error", err)
		}
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.Telemetry.Shutdown(shutdownCtx); err != nil {
		a.Logger.Warn("Telemetry shutdown failed", "error", err)
	}
	_ = a.Logger.Sync()
}
