// Command server runs the billing webhook service.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stripe/stripe-go/v82"

	"github.com/GoCodeAlone/linkbilling/alert"
	"github.com/GoCodeAlone/linkbilling/analytics"
	"github.com/GoCodeAlone/linkbilling/billing"
	"github.com/GoCodeAlone/linkbilling/cache"
	"github.com/GoCodeAlone/linkbilling/config"
	"github.com/GoCodeAlone/linkbilling/email"
	"github.com/GoCodeAlone/linkbilling/metrics"
	"github.com/GoCodeAlone/linkbilling/oauth"
	"github.com/GoCodeAlone/linkbilling/observability/tracing"
	"github.com/GoCodeAlone/linkbilling/queue"
	"github.com/GoCodeAlone/linkbilling/registrar"
	"github.com/GoCodeAlone/linkbilling/secrets"
	"github.com/GoCodeAlone/linkbilling/store"
	"github.com/GoCodeAlone/linkbilling/webhook"
)

var (
	configFile = flag.String("config", "", "Path to configuration YAML file")
	addr       = flag.String("addr", "", "HTTP listen address (overrides server.addr)")
	secretsDir = flag.String("secrets-dir", "", "Directory served by ${file:...} references")
)

func main() {
	flag.Parse()
	applyEnvOverrides()

	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "server: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *configFile == "" {
		return errors.New("-config (or LINKBILLING_CONFIG) is required")
	}
	cfg, err := loadConfig(ctx, *configFile)
	if err != nil {
		return err
	}
	if *addr != "" {
		cfg.Server.Addr = *addr
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := newLogger(cfg.Log, os.Stdout)
	slog.SetDefault(logger)

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.close(logger)
	for _, fn := range a.background {
		go fn(ctx)
	}

	server := &http.Server{
		Addr:         cfg.Server.Addr,
		Handler:      a.handler,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("Starting server", "addr", cfg.Server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server failed: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("HTTP server shutdown error", "error", err)
	}
	logger.Info("Shutdown complete")
	return nil
}

// loadConfig reads the config file, registering the file and Vault secret
// providers before the document is expanded.
func loadConfig(ctx context.Context, path string) (*config.Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	resolver := secrets.NewMultiResolver()
	if *secretsDir != "" {
		resolver.Register("file", secrets.NewFileProvider(*secretsDir))
	}
	vc, err := config.VaultSettings(ctx, data, resolver)
	if err != nil {
		return nil, err
	}
	if vc.Address != "" {
		vp, err := secrets.NewVaultProvider(vc)
		if err != nil {
			return nil, err
		}
		resolver.Register("vault", vp)
	}
	return config.Parse(ctx, data, resolver)
}

func newLogger(cfg config.LogConfig, w *os.File) *slog.Logger {
	var level slog.Level
	_ = level.UnmarshalText([]byte(cfg.Level))
	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// app is the wired service: its HTTP handler, the goroutines it needs and
// the resources to release on shutdown.
type app struct {
	handler    http.Handler
	background []func(ctx context.Context)
	closers    []func() error
}

func (a *app) close(logger *slog.Logger) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			logger.Warn("close failed", "error", err)
		}
	}
}

func buildApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (_ *app, err error) {
	a := &app{}
	defer func() {
		if err != nil {
			a.close(logger)
		}
	}()

	httpClient := &http.Client{Timeout: 15 * time.Second}
	if cfg.Tracing.Enabled() {
		tp, err := tracing.NewProvider(ctx, cfg.Tracing)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() error {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return tp.Shutdown(sctx)
		})
		httpClient = tracing.Client(httpClient)
	}
	collector := metrics.NewCollector(cfg.Metrics)

	st, err := openStore(ctx, cfg, logger, a)
	if err != nil {
		return nil, err
	}

	var rdb redis.UniversalClient
	if len(cfg.Redis.Addrs) > 0 {
		rdb, err = cache.NewRedisClient(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, rdb.Close)
	}

	mux := http.NewServeMux()

	signer := queue.NewSigner(cfg.Queue.SigningKey, cfg.Queue.SignatureTTL)
	verifier := queue.NewVerifier(cfg.Queue.SigningKey, cfg.Queue.NextSigningKey)
	var publisher queue.Publisher
	switch cfg.Queue.Driver {
	case "redis":
		deadLetters := webhook.NewDeadLetterStore(rdb, cfg.Queue.Redis.Prefix+"dead-letters")
		dispatcher := webhook.NewDispatcher(cfg.Queue.Retry, deadLetters, logger)
		dispatcher.SetClient(httpClient)
		dispatcher.SetSigner(signer.Headers)
		rq := queue.NewRedisQueue(rdb, dispatcher, cfg.Queue.Redis, logger)
		a.background = append(a.background, rq.Run)
		webhook.NewHandler(deadLetters, dispatcher, cfg.App.InternalToken).RegisterRoutes(mux)
		publisher = rq
	default:
		publisher = queue.NewQStashPublisher(cfg.Queue.QStash, httpClient)
	}

	mailer, err := newMailer(cfg, httpClient, logger, a)
	if err != nil {
		return nil, err
	}
	recorder, err := newRecorder(cfg, httpClient, a)
	if err != nil {
		return nil, err
	}

	catalog, err := billing.NewCatalog(cfg.Stripe.Prices)
	if err != nil {
		return nil, err
	}
	backend := stripe.GetBackendWithConfig(stripe.APIBackend, &stripe.BackendConfig{HTTPClient: httpClient})
	uploads := stripe.GetBackendWithConfig(stripe.UploadsBackend, &stripe.BackendConfig{HTTPClient: httpClient})
	deps := billing.Deps{
		Store:     st,
		Gateway:   billing.NewStripeGateway(cfg.Stripe.SecretKey, &stripe.Backends{API: backend, Connect: backend, Uploads: uploads}),
		Plans:     catalog,
		Recorder:  recorder,
		Queue:     publisher,
		QueueName: cfg.Queue.Driver,
		Mailer:    mailer,
		Metrics:   collector,
		Logger:    logger,
		Options: billing.Options{
			AppURL:               cfg.App.URL,
			FailureFeeCents:      cfg.App.FailureFeeCents,
			PremiumDefaultDomain: cfg.App.PremiumDefaultDomain,
		},
	}
	if rdb != nil {
		deps.Links = cache.NewLinkCache(rdb)
		deps.Tokens = cache.NewTokenCache(rdb)
	}
	if len(cfg.Alerts.Webhooks) > 0 {
		deps.Alerter = alert.NewSlackAlerter(cfg.Alerts, httpClient, logger)
	}
	if cfg.Registrar.APIKey != "" {
		deps.Registrar = registrar.NewDynadot(cfg.Registrar, httpClient)
	}

	billing.NewRouter(cfg.Stripe.WebhookSecret, deps).RegisterRoutes(mux)
	billing.NewRetryHandler(deps, verifier).RegisterRoutes(mux)

	var states cache.StateStore
	if rdb != nil {
		states = cache.NewRedisStateStore(rdb)
	} else {
		states = cache.NewCacheLayer(cache.DefaultCacheConfig())
	}
	var providers []*oauth.Provider[oauth.WorkspaceContext]
	for _, pc := range []oauth.Config{
		oauth.Bitly(cfg.OAuth.Bitly),
		oauth.HubSpot(cfg.OAuth.HubSpot),
		oauth.Slack(cfg.OAuth.Slack),
	} {
		if pc.ClientID == "" {
			continue
		}
		providers = append(providers, oauth.NewProvider[oauth.WorkspaceContext](pc, states, httpClient))
	}
	if len(providers) > 0 {
		oauth.NewCallbackHandler(oauth.NewStoreInstaller(st), cfg.OAuth.SuccessURL, cfg.App.InternalToken, logger, providers...).RegisterRoutes(mux)
	}

	mux.Handle("GET "+collector.Path(), collector.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	var handler http.Handler = collector.Middleware(mux)
	if cfg.Tracing.Enabled() {
		handler = tracing.Middleware(handler, cfg.Tracing.ServiceName)
	}
	a.handler = handler
	return a, nil
}

func openStore(ctx context.Context, cfg *config.Config, logger *slog.Logger, a *app) (store.Store, error) {
	if cfg.Postgres.URL == "" {
		logger.Warn("postgres.url not set, using the in-memory store")
		return store.NewMemoryStore(), nil
	}
	pg, err := store.NewPGStore(ctx, cfg.Postgres.PGConfig)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() error { pg.Close(); return nil })
	if cfg.Postgres.AutoMigrate {
		applied, err := store.NewMigrator(pg.Pool(), logger).Migrate(ctx)
		if err != nil {
			return nil, err
		}
		logger.Info("migrations applied", "count", len(applied))
	}
	return pg, nil
}

func newMailer(cfg *config.Config, client *http.Client, logger *slog.Logger, a *app) (email.Mailer, error) {
	switch cfg.Email.Driver {
	case "resend":
		return email.NewResendMailer(cfg.Email.Resend, client), nil
	case "nats":
		nc, err := email.ConnectNATS(cfg.Email.NATS.URL)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, func() error { return nc.Drain() })
		return email.NewNATSMailer(nc, cfg.Email.NATS.Subject), nil
	default:
		return email.NewLogMailer(logger), nil
	}
}

func newRecorder(cfg *config.Config, client *http.Client, a *app) (analytics.Recorder, error) {
	switch cfg.Analytics.Driver {
	case "tinybird":
		return analytics.NewTinybirdRecorder(cfg.Analytics.Tinybird, client), nil
	case "kafka":
		producer, err := analytics.NewKafkaProducer(cfg.Analytics.Kafka.Brokers)
		if err != nil {
			return nil, err
		}
		rec := analytics.NewKafkaRecorder(producer, cfg.Analytics.Kafka.Topic)
		a.closers = append(a.closers, rec.Close)
		return rec, nil
	default:
		return analytics.NopRecorder{}, nil
	}
}
