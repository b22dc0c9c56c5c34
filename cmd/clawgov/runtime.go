package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/basket/clawgov/internal/audit"
	"github.com/basket/clawgov/internal/broker"
	"github.com/basket/clawgov/internal/bus"
	"github.com/basket/clawgov/internal/catalog"
	"github.com/basket/clawgov/internal/config"
	"github.com/basket/clawgov/internal/governance"
	"github.com/basket/clawgov/internal/ipc"
	otelPkg "github.com/basket/clawgov/internal/otel"
	"github.com/basket/clawgov/internal/persistence"
	"github.com/basket/clawgov/internal/policy"
	"github.com/basket/clawgov/internal/provider"
	"github.com/basket/clawgov/internal/telemetry"
)

// app is the wired kernel shared by serve and the one-shot commands.
type app struct {
	cfg      config.Config
	logger   *slog.Logger
	bus      *bus.Bus
	otel     *otelPkg.Provider
	metrics  *otelPkg.Metrics
	store    *persistence.Store
	policy   *policy.LivePolicy
	mock     *provider.Mock
	registry *provider.Registry
	kernel   *governance.Kernel
	broker   *broker.Broker
	handler  *ipc.Handler

	closers []func()
}

type appOptions struct {
	// quietLogs keeps logs in <home>/logs only.
	quietLogs bool
	telemetry bool
}

// startupError carries the reason code fatalStartup reports.
type startupError struct {
	code string
	err  error
}

func (e *startupError) Error() string { return e.code + ": " + e.err.Error() }
func (e *startupError) Unwrap() error { return e.err }

func fail(code string, err error) error { return &startupError{code: code, err: err} }

// loadConfig loads config.yaml, writing the starter files on first run.
func loadConfig() (config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return cfg, fail("E_CONFIG_LOAD", err)
	}
	if cfg.NeedsGenesis {
		if _, err := config.WriteStarter(cfg.HomeDir); err != nil {
			return cfg, fail("E_CONFIG_WRITE", err)
		}
		if cfg, err = config.LoadFrom(cfg.HomeDir); err != nil {
			return cfg, fail("E_CONFIG_RELOAD", err)
		}
	}
	return cfg, nil
}

func openApp(ctx context.Context, cfg config.Config, opts appOptions) (a *app, err error) {
	a = &app{cfg: cfg}
	defer func() {
		if err != nil {
			a.Close()
		}
	}()

	if err := audit.Init(cfg.HomeDir); err != nil {
		return a, fail("E_AUDIT_INIT", err)
	}
	a.closers = append(a.closers, func() { _ = audit.Close() })

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, opts.quietLogs)
	if err != nil {
		return a, fail("E_LOGGER_INIT", err)
	}
	a.closers = append(a.closers, func() { _ = closer.Close() })
	a.logger = logger

	a.otel = otelPkg.Noop()
	if opts.telemetry {
		a.otel, err = otelPkg.Init(ctx, otelPkg.Config{
			Enabled:     cfg.Telemetry.Enabled,
			Exporter:    cfg.Telemetry.Exporter,
			Endpoint:    cfg.Telemetry.Endpoint,
			ServiceName: cfg.Telemetry.ServiceName,
			SampleRate:  cfg.Telemetry.SampleRate,

			ServiceVersion: Version,
			Attributes:     map[string]string{"clawgov.main_group": cfg.MainGroup},
		})
		if err != nil {
			return a, fail("E_OTEL_INIT", err)
		}
	}
	prov := a.otel
	a.closers = append(a.closers, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = prov.Shutdown(shutdownCtx)
	})
	if a.metrics, err = otelPkg.NewMetrics(a.otel.Meter); err != nil {
		return a, fail("E_OTEL_INIT", err)
	}

	a.bus = bus.New()
	a.store, err = persistence.Open(cfg.ResolvedDBPath(), a.bus)
	if err != nil {
		return a, fail("E_STORE_OPEN", err)
	}
	store := a.store
	a.closers = append(a.closers, func() { _ = store.Close() })
	audit.SetDB(a.store.DB())

	polData, err := policy.Load(config.PolicyPath(cfg.HomeDir))
	if err != nil {
		return a, fail("E_POLICY_LOAD", err)
	}
	a.policy = policy.NewLivePolicy(polData, config.PolicyPath(cfg.HomeDir))

	if path := cfg.ResolvedProductsFile(); path != "" {
		if _, err := catalog.Import(ctx, a.store, path, logger); err != nil {
			return a, fail("E_CATALOG_IMPORT", err)
		}
	}

	providers := []*provider.Provider{provider.NewWebhook(provider.WebhookConfig{
		Policy:  a.policy,
		Timeout: time.Duration(cfg.Providers["webhook"].TimeoutSeconds) * time.Second,
	})}
	if cfg.MockProvider {
		a.mock = provider.NewMock()
		providers = append(providers, a.mock.Provider())
	}
	a.registry, err = provider.NewRegistry(cfg.ProviderSecrets, providers...)
	if err != nil {
		return a, fail("E_PROVIDER_REGISTRY", err)
	}

	a.kernel, err = governance.New(governance.Config{
		Store:     a.store,
		Logger:    logger,
		Metrics:   a.metrics,
		Tracer:    a.otel.Tracer,
		MainGroup: cfg.MainGroup,
	})
	if err != nil {
		return a, fail("E_KERNEL_INIT", err)
	}

	a.broker, err = broker.New(broker.Config{
		Store:       a.store,
		Kernel:      a.kernel,
		Registry:    a.registry,
		Policy:      a.policy,
		Logger:      logger,
		Metrics:     a.metrics,
		Tracer:      a.otel.Tracer,
		Settings:    brokerSettings(cfg),
		GrantExpiry: cfg.GrantExpiry(),
	})
	if err != nil {
		return a, fail("E_BROKER_INIT", err)
	}

	a.handler, err = ipc.NewHandler(ipc.HandlerConfig{
		Kernel: a.kernel,
		Broker: a.broker,
		Logger: logger,
		Tracer: a.otel.Tracer,
	})
	if err != nil {
		return a, fail("E_HANDLER_INIT", err)
	}
	return a, nil
}

func brokerSettings(cfg config.Config) broker.Settings {
	return broker.Settings{
		MaxInFlight:       cfg.Governance.MaxInFlight,
		RequireSignatures: cfg.Governance.RequireSignatures,
		CallerSecrets:     cfg.Governance.CallerSecrets,
	}
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// withApp loads config and opens a quiet app for a one-shot command.
func withApp(ctx context.Context, errOut io.Writer, fn func(a *app) int) int {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(errOut, "config: %v\n", err)
		return 1
	}
	a, err := openApp(ctx, cfg, appOptions{quietLogs: true})
	if err != nil {
		fmt.Fprintf(errOut, "startup: %v\n", err)
		return 1
	}
	defer a.Close()
	return fn(a)
}
