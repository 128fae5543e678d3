// Command calibrator runs the per-client conformal calibration service: it
// consumes new-session notifications, supervises one worker per session, and
// serves the operational HTTP endpoints.
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fairyhunter13/conformal-calibrator/internal/adapter/broker/rabbitmq"
	"github.com/fairyhunter13/conformal-calibrator/internal/adapter/connections"
	"github.com/fairyhunter13/conformal-calibrator/internal/adapter/observability"
	"github.com/fairyhunter13/conformal-calibrator/internal/adapter/repo/postgres"
	"github.com/fairyhunter13/conformal-calibrator/internal/adapter/report"
	"github.com/fairyhunter13/conformal-calibrator/internal/app"
	"github.com/fairyhunter13/conformal-calibrator/internal/config"
	"github.com/fairyhunter13/conformal-calibrator/internal/domain"
	"github.com/fairyhunter13/conformal-calibrator/internal/session"
)

func main() {
	if err := run(); err != nil {
		slog.Error("calibrator exited with error", slog.Any("error", err))
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := observability.SetupLogger(cfg)
	slog.SetDefault(log)
	observability.InitMetrics()

	shutdownTracing, err := observability.SetupTracing(cfg)
	if err != nil {
		return err
	}
	if shutdownTracing != nil {
		defer func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = shutdownTracing(ctx)
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool, err := postgres.NewPool(ctx, cfg.DatabaseURL())
	if err != nil {
		return err
	}
	defer pool.Close()
	if err := postgres.EnsureSchema(ctx, pool); err != nil {
		return err
	}

	broker, err := rabbitmq.Dial(ctx, cfg.AMQPURL(), log)
	if err != nil {
		return err
	}
	defer func() { _ = broker.Close() }()

	var claimer domain.Claimer
	if cfg.RedisAddr != "" {
		rc := session.NewRedisClaimer(cfg.RedisAddr, 2*cfg.ClientTimeout(), log)
		defer func() { _ = rc.Close() }()
		claimer = rc
	}

	mailer := report.NewMailer(cfg.SMTPAddr, cfg.EmailSender, cfg.EmailPassword, log)
	deps := session.WorkerDeps{
		Scores:   postgres.NewScoresRepo(pool, cfg.MaxRetries),
		Batches:  postgres.NewBatchRepo(pool),
		Status:   connections.New(cfg.ConnectionsServiceURL, log),
		Reporter: report.NewReporter(report.NewBuilder(cfg.ArtifactsPath, log), mailer),
	}
	listener := session.NewListener(cfg, broker, deps, claimer, log)

	ops := app.NewOpsServer(cfg.OpsPort, map[string]app.ReadinessProbe{
		"postgres": func(ctx context.Context) error { return pool.Ping(ctx) },
		"rabbitmq": func(context.Context) error {
			if !broker.IsReady() {
				return errors.New("broker connection not open")
			}
			return nil
		},
	}, log)
	go func() {
		if err := ops.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("ops server failed", slog.Any("error", err))
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = ops.Stop(shutdownCtx)
	}()

	log.Info("calibration service starting",
		slog.String("env", cfg.Environment),
		slog.Int("upper_bound_clients", cfg.UpperBoundClients),
		slog.Int("calibration_limit", cfg.CalibrationLimit),
		slog.Int("uncertainty_limit", cfg.UncertaintyLimit))

	if err := listener.Start(ctx); err != nil {
		return err
	}
	log.Info("calibration service stopped")
	return nil
}
