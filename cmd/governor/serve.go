package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/davetashner/serverless-message-wall-demo-sub001/pkg/actuator"
	"github.com/davetashner/serverless-message-wall-demo-sub001/pkg/api"
	"github.com/davetashner/serverless-message-wall-demo-sub001/pkg/audit"
	"github.com/davetashner/serverless-message-wall-demo-sub001/pkg/config"
	"github.com/davetashner/serverless-message-wall-demo-sub001/pkg/escalation"
	"github.com/davetashner/serverless-message-wall-demo-sub001/pkg/invariants"
	"github.com/davetashner/serverless-message-wall-demo-sub001/pkg/lifecycle"
	"github.com/davetashner/serverless-message-wall-demo-sub001/pkg/lock"
	"github.com/davetashner/serverless-message-wall-demo-sub001/pkg/observability"
	"github.com/davetashner/serverless-message-wall-demo-sub001/pkg/reaper"
	"github.com/davetashner/serverless-message-wall-demo-sub001/pkg/risk"
	"github.com/davetashner/serverless-message-wall-demo-sub001/pkg/store"
)

const shutdownTimeout = 15 * time.Second

func newServeCmd() *cobra.Command {
	var dryRun bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the governor HTTP API and background loops",
		Long: `Run the HTTP API together with the escalation scheduler, the actuator
outbox relay, the TTL reaper and the policy file watcher.

Configuration is read from GOVERNOR_* environment variables. Without
DATABASE_URL the governor runs in lite mode on a SQLite file.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			if dryRun {
				if cfg.PolicyFile != "" {
					if _, err := config.LoadPolicy(cfg.PolicyFile); err != nil {
						return err
					}
				}
				fmt.Fprintln(cmd.OutOrStdout(), "configuration valid")
				return nil
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return serve(ctx, cfg)
		},
	}
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "validate configuration and policy without starting")
	return cmd
}

// serve wires every component from cfg and blocks until ctx is cancelled or
// a component fails.
func serve(ctx context.Context, cfg *config.Config) error {
	logger := slog.Default().With("component", "serve")

	var policy *config.Policy
	var table *risk.FieldTable
	if cfg.PolicyFile != "" {
		p, err := config.LoadPolicy(cfg.PolicyFile)
		if err != nil {
			return err
		}
		if table, err = p.FieldTable(); err != nil {
			return err
		}
		policy = p
		logger.Info("policy loaded", "path", cfg.PolicyFile, "version", p.Version)
	}

	db, driver, err := store.Open(cfg.DatabaseURL, cfg.SQLitePath)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()
	sqlStore := store.NewSQL(db)
	if err := sqlStore.Init(ctx); err != nil {
		return err
	}
	logger.Info("store ready", "driver", driver, "lite_mode", cfg.LiteMode())

	var (
		locks    lock.Manager        = lock.NewTableManager(sqlStore.Locks)
		notifier escalation.Notifier = escalation.NewLogNotifier()
	)
	if cfg.Redis.Addr != "" {
		client := redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		defer func() { _ = client.Close() }()
		rm := lock.NewRedisManagerWithClient(client)
		if err := rm.Ping(ctx); err != nil {
			return fmt.Errorf("redis %s: %w", cfg.Redis.Addr, err)
		}
		locks = rm
		notifier = escalation.Fanout{notifier, escalation.NewRedisNotifier(client, cfg.Redis.ChannelPrefix)}
		logger.Info("redis locks and notifications enabled", "addr", cfg.Redis.Addr)
	}

	var evalOpts []invariants.Option
	var verifier *invariants.OverrideVerifier
	if cfg.OverrideSigningKey != "" {
		if verifier, err = invariants.NewOverrideVerifier([]byte(cfg.OverrideSigningKey)); err != nil {
			return err
		}
		evalOpts = append(evalOpts, invariants.WithOverrideVerifier(verifier))
	} else {
		logger.Warn("no override signing key, protected deletions and emergency overrides are closed")
	}
	if policy != nil && policy.Invariants != nil {
		evalOpts = append(evalOpts, invariants.WithRulePack(policy.Invariants))
	}
	evaluator, err := invariants.New(evalOpts...)
	if err != nil {
		return err
	}
	classifier := risk.NewClassifier(table)

	otelCfg := observability.DefaultConfig()
	otelCfg.ServiceVersion = Version
	otelCfg.Environment = cfg.Environment
	otelCfg.Enabled = cfg.Telemetry.Enabled
	otelCfg.OTLPEndpoint = cfg.Telemetry.Endpoint
	otelCfg.Insecure = cfg.Telemetry.Insecure
	otelCfg.SampleRate = cfg.Telemetry.SampleRate
	provider, err := observability.New(ctx, otelCfg)
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := provider.Shutdown(sctx); err != nil {
			logger.Error("telemetry shutdown failed", "error", err)
		}
	}()
	metrics := observability.NewMetrics().WithProvider(provider)

	rec := audit.NewRecorder(sqlStore.Audit)
	sched := escalation.NewScheduler().WithRetry(cfg.TimerRetryBase, cfg.TimerRetryMax)
	engine, err := lifecycle.New(lifecycle.Dependencies{
		Proposals:  sqlStore.Proposals,
		Units:      sqlStore.Units,
		Outbox:     sqlStore.Outbox,
		Locks:      locks,
		Audit:      rec,
		Evaluator:  evaluator,
		Classifier: classifier,
		Scheduler:  sched,
		Notifier:   notifier,
		Observer:   metrics,
	}, lifecycle.Config{
		Windows:           cfg.EscalationWindows(),
		HighRiskApprovers: cfg.HighRiskApprovers,
		OverrideVerifier:  verifier,
		RecoveryHorizon:   cfg.RecoveryHorizon,
		OrphanLockAge:     cfg.OrphanLockAge,
	})
	if err != nil {
		return err
	}
	sched.SetHandler(engine.Fire)

	summary, err := engine.Recover(ctx)
	if err != nil {
		return fmt.Errorf("recover: %w", err)
	}
	logger.Info("recovered", "rearmed", summary.Rearmed, "relocked", summary.Relocked,
		"handoffs", summary.Handoffs, "released", summary.Released, "reclaimed", summary.Reclaimed)

	var sink actuator.Sink = actuator.NewLogSink()
	if cfg.Actuator.URL != "" {
		sink = actuator.NewWebhookSink(cfg.Actuator.URL, cfg.Actuator.Token, cfg.Actuator.Timeout)
	}
	relay := actuator.NewRelay(sqlStore.Outbox, sink, cfg.Actuator.RelayInterval).OnDelivery(metrics.SignalDelivered)

	srv, err := api.NewServer(engine, api.Options{
		Exporter:  audit.NewExporter(sqlStore.Audit),
		Metrics:   metrics.Handler(),
		Observer:  metrics,
		RateLimit: cfg.RateLimit.PerSecond,
		RateBurst: cfg.RateLimit.Burst,
	})
	if err != nil {
		return err
	}
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	reap := reaper.New(sqlStore.Units, sqlStore.Outbox, locks, rec, notifier).WithObserver(metrics)
	if err := reap.Start(gctx, cfg.ReaperSchedule); err != nil {
		return err
	}
	defer reap.Stop()

	g.Go(func() error { return sched.Run(gctx) })
	g.Go(func() error { return relay.Run(gctx) })
	g.Go(func() error {
		srv.Run(gctx)
		return nil
	})
	if cfg.PolicyFile != "" {
		g.Go(func() error {
			return config.Watch(gctx, cfg.PolicyFile, config.DefaultDebounce, func(p *config.Policy) {
				reloadPolicy(logger, classifier, evaluator, p)
			})
		})
	}
	g.Go(func() error {
		logger.Info("listening", "addr", cfg.HTTPAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return httpServer.Shutdown(sctx)
	})

	err = g.Wait()
	logger.Info("governor stopped")
	return err
}

// reloadPolicy swaps in a reloaded risk table. Invariant rule packs stay
// fixed for the life of the process.
func reloadPolicy(logger *slog.Logger, classifier *risk.Classifier, evaluator *invariants.Evaluator, p *config.Policy) {
	table, err := p.FieldTable()
	if err != nil {
		logger.Error("policy reload rejected", "error", err)
		return
	}
	classifier.SetTable(table)
	if p.Invariants != nil && !strings.HasSuffix(evaluator.Version(), "+pack."+p.Invariants.Version) {
		logger.Warn("rule pack changes take effect on restart",
			"running", evaluator.Version(), "file", p.Invariants.Version)
	}
	logger.Info("risk table reloaded", "version", p.Version, "fields", len(table.Fields()))
}
