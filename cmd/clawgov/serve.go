package main

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/pflag"

	"github.com/basket/clawgov/internal/config"
	"github.com/basket/clawgov/internal/dispatch"
	"github.com/basket/clawgov/internal/ipc"
	"github.com/basket/clawgov/internal/policy"
)

func runServeCommand(ctx context.Context, args []string, out io.Writer) int {
	fs := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	quiet := fs.Bool("quiet", false, "log to <home>/logs only")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := loadConfig()
	if err != nil {
		se, _ := err.(*startupError)
		code := "E_CONFIG_LOAD"
		if se != nil {
			code = se.code
		}
		fatalStartup(nil, code, err)
	}
	a, err := openApp(ctx, cfg, appOptions{quietLogs: *quiet, telemetry: true})
	if err != nil {
		code := "E_STARTUP"
		if se, ok := err.(*startupError); ok {
			code = se.code
		}
		fatalStartup(a.logger, code, err)
	}
	defer a.Close()
	logger := a.logger
	logger.Info("startup phase", "phase", "kernel_ready", "home", cfg.HomeDir, "main_group", cfg.MainGroup, "config", cfg.Fingerprint())

	if n, err := a.store.RunRetention(ctx, cfg.RetentionAuditLogDays); err != nil {
		logger.Warn("retention failed", "error", err)
	} else if n > 0 {
		logger.Info("retention pruned audit rows", "rows", n)
	}

	if n, err := a.broker.RecoverAbandoned(ctx); err != nil {
		logger.Warn("abandoned call recovery failed", "error", err)
	} else if n > 0 {
		logger.Warn("abandoned ext_calls failed", "calls", n)
	}

	sched, err := dispatch.NewScheduler(dispatch.Config{
		Kernel:           a.kernel,
		Sweeper:          a.broker,
		Logger:           logger,
		Schedule:         cfg.Governance.DispatchSchedule,
		SweepSchedule:    cfg.Governance.SweepSchedule,
		WakeOnTransition: true,
	})
	if err != nil {
		fatalStartup(logger, "E_SCHEDULER_INIT", err)
	}
	sched.Start(ctx)
	defer sched.Stop()

	srv, err := ipc.NewServer(ipc.ServerConfig{
		Dir:               cfg.ResolvedIPCDir(),
		Handler:           a.handler,
		Logger:            logger,
		Metrics:           a.metrics,
		PollInterval:      cfg.PollInterval(),
		RequestsPerMinute: cfg.IPC.RequestsPerMinute,
		Burst:             cfg.IPC.Burst,
		// One slot over the in-flight limit, so an overflowing call is
		// answered BUSY instead of waiting on disk.
		WorkersPerGroup: cfg.Governance.MaxInFlight + 1,
	})
	if err != nil {
		fatalStartup(logger, "E_IPC_INIT", err)
	}
	if err := srv.Start(ctx); err != nil {
		fatalStartup(logger, "E_IPC_START", err)
	}
	defer srv.Stop()

	watcher := config.NewWatcher(cfg.HomeDir, a.bus, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher disabled", "error", err)
	} else {
		go reloadLoop(ctx, a, watcher)
	}

	logger.Info("startup phase", "phase", "serving", "ipc_dir", srv.Dir())
	fmt.Fprintf(out, "clawgov %s serving %s\n", Version, srv.Dir())
	<-ctx.Done()
	logger.Info("shutdown requested")
	return 0
}

// reloadLoop applies config.yaml and policy.yaml edits to the running broker.
// Settings that need a restart (database, IPC dir, schedules) are logged and
// ignored.
func reloadLoop(ctx context.Context, a *app, w *config.Watcher) {
	logger := a.logger.With("component", "config")
	current := a.cfg
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events():
			if !ok {
				return
			}
			if ev.IsPolicy() {
				if err := policy.ReloadFromFile(a.policy, ev.Path); err != nil {
					logger.Error("policy reload rejected", "error", err)
					continue
				}
				logger.Info("policy reloaded", "policy_version", a.policy.PolicyVersion())
				continue
			}
			next, err := config.LoadFrom(current.HomeDir)
			if err != nil {
				logger.Error("config reload rejected", "error", err)
				continue
			}
			if next.Fingerprint() == current.Fingerprint() && secretsEqual(next, current) {
				continue
			}
			a.broker.UpdateSettings(brokerSettings(next))
			if next.Governance.DispatchSchedule != current.Governance.DispatchSchedule ||
				next.ResolvedIPCDir() != current.ResolvedIPCDir() ||
				next.MainGroup != current.MainGroup {
				logger.Warn("some config changes take effect after restart")
			}
			logger.Info("config reloaded", "config", next.Fingerprint(),
				"max_in_flight", next.Governance.MaxInFlight,
				"require_signatures", next.Governance.RequireSignatures)
			current = next
		}
	}
}

func secretsEqual(a, b config.Config) bool {
	if len(a.Governance.CallerSecrets) != len(b.Governance.CallerSecrets) {
		return false
	}
	for k, v := range a.Governance.CallerSecrets {
		if b.Governance.CallerSecrets[k] != v {
			return false
		}
	}
	return true
}
