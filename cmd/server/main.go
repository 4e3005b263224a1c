/*
main.go - Application entry point

PURPOSE:
  Initializes and starts the dues billing server: HTTP API, Stripe webhook
  and the daily sweep scheduler. Handles configuration, dependency
  injection, and graceful shutdown.

STARTUP SEQUENCE:
  1. Load configuration (defaults, YAML file, .env, DUES_* environment)
  2. Build the zap logger
  3. Open and migrate the store (SQLite or Postgres)
  4. Choose the notifier (Resend when an API key is set, else log only)
  5. Choose the sweep lock (Redis when a URL is set, else in-process)
  6. Build engine, handler, router and scheduler
  7. Start server and scheduler; shut both down on SIGINT/SIGTERM

COMMAND-LINE FLAGS:
  -config  YAML config file (default: $DUES_CONFIG_FILE)

ENVIRONMENT (examples):
  DUES_PORT=8080
  DUES_DB_DRIVER=postgres DUES_DB_DSN=postgres://...
  DUES_REDIS_URL=redis://localhost:6379/0
  DUES_STRIPE_WEBHOOK_SECRET=whsec_...
  DUES_RESEND_API_KEY=re_... DUES_RESEND_FROM=dues@example.org
  DUES_SCHEDULER_ENABLED=false
  DUES_LOG_LEVEL=debug DUES_LOG_DEVELOPMENT=true

GRACEFUL SHUTDOWN:
  On SIGINT/SIGTERM:
  1. Stop the scheduler and wait for in-flight sweeps
  2. Stop accepting new connections
  3. Wait for active requests to complete (30s timeout)
  4. Close Redis and database connections

SEE ALSO:
  - config/config.go: Configuration keys and defaults
  - api/server.go: Router configuration
  - api/scheduler.go: Sweep scheduler
*/
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/warp/dues-engine/api"
	"github.com/warp/dues-engine/billing"
	"github.com/warp/dues-engine/config"
	"github.com/warp/dues-engine/gateway"
	"github.com/warp/dues-engine/lock"
	"github.com/warp/dues-engine/logger"
	"github.com/warp/dues-engine/metrics"
	"github.com/warp/dues-engine/notify"
	"github.com/warp/dues-engine/store/sqlstore"
)

func main() {
	configFile := flag.String("config", "", "YAML config file")
	flag.Parse()

	if err := run(*configFile); err != nil {
		fmt.Fprintf(os.Stderr, "dues-server: %+v\n", err)
		os.Exit(1)
	}
}

func run(configFile string) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return err
	}

	log, err := logger.New(logger.Options{Level: cfg.Log.Level, Development: cfg.Log.Development})
	if err != nil {
		return err
	}
	defer log.Sync()

	// Initialize store
	store, err := sqlstore.Open(cfg.DB.Driver, cfg.DB.DSN)
	if err != nil {
		return err
	}
	defer store.Close()
	log.Infow("store ready", "driver", cfg.DB.Driver)

	collector := metrics.New()

	ctx := context.Background()
	locker, closeLocker, err := newLocker(ctx, cfg, log)
	if err != nil {
		return err
	}
	defer closeLocker()

	engine := billing.NewEngine(store,
		billing.WithLogger(log.Named("billing")),
		billing.WithNotifier(newNotifier(cfg, log)),
		billing.WithRecorder(collector),
		billing.WithResolver(billing.NewConfigResolver(store, cfg.Billing.ConfigCacheTTL)),
		billing.WithNotifyTimeout(cfg.Notify.Timeout),
	)

	scheduler := api.NewSweepScheduler(engine, store, locker, log)
	scheduler.Observer = collector
	scheduler.Enabled = cfg.Scheduler.Enabled
	scheduler.CheckInterval = cfg.Scheduler.CheckInterval
	scheduler.DefaultRule = cfg.Scheduler.Rule
	scheduler.Concurrency = cfg.Scheduler.Concurrency

	var stripe *gateway.Stripe
	if cfg.Stripe.WebhookSecret != "" {
		stripe = gateway.NewStripe(cfg.Stripe.WebhookSecret)
	} else {
		log.Warn("no Stripe webhook secret, /api/webhooks/stripe is disabled")
	}

	handler := api.NewHandler(engine, store, scheduler, stripe, log)
	router := api.NewRouter(handler, api.RouterOptions{Metrics: collector})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Infow("server starting", "addr", server.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	scheduler.Start()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-quit:
		log.Infow("shutting down", "signal", sig.String())
	case err := <-errCh:
		scheduler.Stop()
		return err
	}

	scheduler.Stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return err
	}
	log.Info("server stopped")
	return nil
}

func newNotifier(cfg *config.Config, log *zap.SugaredLogger) billing.Notifier {
	if cfg.Resend.APIKey == "" {
		log.Warn("no Resend API key, reminders are logged instead of e-mailed")
		return notify.NewLog(log.Named("notify"))
	}
	return notify.NewResend(cfg.Resend.APIKey, cfg.Resend.From,
		notify.WithMaxRetries(cfg.Notify.MaxRetries),
		notify.WithLogger(log.Named("notify")),
	)
}

func newLocker(ctx context.Context, cfg *config.Config, log *zap.SugaredLogger) (lock.Locker, func(), error) {
	if cfg.Redis.URL == "" {
		return lock.NewLocal(), func() {}, nil
	}
	client, err := lock.Dial(ctx, cfg.Redis.URL)
	if err != nil {
		return nil, nil, err
	}
	log.Info("sweep lock uses redis")
	return lock.NewRedis(client, "dues:sweep:", cfg.Redis.LockTTL), func() { client.Close() }, nil
}
