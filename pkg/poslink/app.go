package poslink

import (
	"context"
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/poslink/bridge/internal/auth"
	"github.com/poslink/bridge/internal/bridge"
	"github.com/poslink/bridge/internal/config"
	"github.com/poslink/bridge/internal/delivery"
	"github.com/poslink/bridge/internal/kitchen"
	"github.com/poslink/bridge/internal/lifecycle"
	"github.com/poslink/bridge/internal/logger"
	"github.com/poslink/bridge/internal/metrics"
	"github.com/poslink/bridge/internal/payment"
)

// App wires the pairing bridge components for standalone serving or
// embedding.
type App struct {
	Config   *config.Config
	Logger   zerolog.Logger
	Auth     *auth.Service
	Hub      *bridge.Hub
	Listener *bridge.Listener
	Kitchen  *kitchen.Syncer
	Metrics  *metrics.Metrics

	resources *lifecycle.Manager
}

// Option configures App construction.
type Option func(*options)

type options struct {
	terminal payment.Terminal
	registry *prometheus.Registry
}

// WithTerminal injects a payment terminal SDK adapter. Without one the
// bridge relies on cashier-reported payment outcomes.
func WithTerminal(t payment.Terminal) Option {
	return func(o *options) {
		o.terminal = t
	}
}

// WithRegistry sets a custom Prometheus registry, mainly for embedding and
// tests.
func WithRegistry(r *prometheus.Registry) Option {
	return func(o *options) {
		o.registry = r
	}
}

// NewApp assembles the bridge services. Call Start to bind the listener and
// Close to shut everything down.
func NewApp(cfg *config.Config, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, errors.New("poslink: config required")
	}

	optState := options{}
	for _, opt := range opts {
		opt(&optState)
	}

	appLogger := logger.New(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Service:     "poslink",
		Environment: cfg.Logging.Environment,
	})

	registry := optState.registry
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	collector := metrics.New(registry)

	app := &App{
		Config:    cfg,
		Logger:    appLogger,
		Metrics:   collector,
		resources: lifecycle.NewManager(appLogger),
	}

	app.Auth = auth.NewService(auth.Config{
		SharedSecret:    cfg.Auth.SharedSecret,
		ChallengeTTL:    cfg.Auth.ChallengeTTL.Duration,
		SessionTTL:      cfg.Auth.SessionTTL.Duration,
		CleanupInterval: cfg.Auth.CleanupInterval.Duration,
	}, auth.WithLogger(appLogger), auth.WithMetrics(collector))
	app.resources.RegisterFunc("auth-service", func() error {
		app.Auth.Stop()
		return nil
	})

	hubOpts := []bridge.Option{
		bridge.WithLogger(appLogger),
		bridge.WithMetrics(collector),
	}
	if optState.terminal != nil {
		hubOpts = append(hubOpts, bridge.WithTerminal(optState.terminal))
	}

	if cfg.Kitchen.SyncURL != "" {
		app.Kitchen = kitchen.NewSyncer(kitchen.Config{
			SyncURL:      cfg.Kitchen.SyncURL,
			SyncInterval: cfg.Kitchen.SyncInterval.Duration,
			Timeout:      cfg.Kitchen.Timeout.Duration,
			Headers:      cfg.Kitchen.Headers,
			Breaker: kitchen.BreakerConfig{
				MaxRequests:         cfg.Kitchen.Breaker.MaxRequests,
				Interval:            cfg.Kitchen.Breaker.Interval.Duration,
				Timeout:             cfg.Kitchen.Breaker.Timeout.Duration,
				ConsecutiveFailures: cfg.Kitchen.Breaker.ConsecutiveFailures,
			},
		}, kitchen.WithLogger(appLogger), kitchen.WithMetrics(collector))
		app.resources.RegisterFunc("kitchen-syncer", func() error {
			app.Kitchen.Stop()
			return nil
		})
		hubOpts = append(hubOpts, bridge.WithOrderSink(app.Kitchen))
	}

	app.Hub = bridge.NewHub(bridge.Config{
		AuthTimeout:       cfg.Auth.HandshakeTimeout.Duration,
		CheckInterval:     cfg.Health.CheckInterval.Duration,
		ConnectionTimeout: cfg.Health.ConnectionTimeout.Duration,
		SupportsNearPay:   cfg.Payment.SupportsNearPay,
	}, app.Auth,
		delivery.Config{
			RetryInterval:  cfg.Delivery.RetryInterval.Duration,
			MaxRetries:     cfg.Delivery.MaxRetries,
			ConfirmTimeout: cfg.Delivery.ConfirmTimeout.Duration,
			MessageTTL:     cfg.Delivery.MessageTTL.Duration,
			SweepInterval:  cfg.Delivery.SweepInterval.Duration,
		},
		payment.Config{
			LockTimeout:   cfg.Payment.LockTimeout.Duration,
			AmountCeiling: cfg.Payment.AmountCeiling,
		},
		hubOpts...)
	app.resources.RegisterFunc("hub", func() error {
		app.Hub.Stop()
		return nil
	})

	app.Listener = bridge.NewListener(cfg, app.Hub, appLogger, registry)

	return app, nil
}

// Start binds the listener on the first free port in the configured range.
// An exhausted range is a startup failure.
func (a *App) Start() error {
	return a.Listener.Start()
}

// Shutdown stops the HTTP surface, then the background services in reverse
// start order.
func (a *App) Shutdown(ctx context.Context) error {
	err := a.Listener.Shutdown(ctx)
	if closeErr := a.resources.Close(); err == nil {
		err = closeErr
	}
	return err
}
