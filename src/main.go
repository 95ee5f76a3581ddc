package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/juju/clock"
	"github.com/juju/loggo"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"ledgerlink-server/src/api"
	"ledgerlink-server/src/config"
	"ledgerlink-server/src/db"
	ledger "ledgerlink-server/src/db/sql"
	"ledgerlink-server/src/events"
	"ledgerlink-server/src/metrics"
	"ledgerlink-server/src/plaid"
	"ledgerlink-server/src/services"
	"ledgerlink-server/src/util"
)

var logger = loggo.GetLogger("ledgerlink")

func main() {
	cfg, err := config.Load()
	if err != nil {
		logger.Criticalf("invalid configuration: %v", err)
		os.Exit(1)
	}
	if err := loggo.ConfigureLoggers(cfg.LogLevel); err != nil {
		logger.Warningf("invalid LOG_LEVEL %q: %v", cfg.LogLevel, err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Connect to database
	pool, err := db.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Criticalf("DB connection failed: %v", err)
		os.Exit(1)
	}
	defer pool.Close()

	if err := db.RunMigrations(cfg.DatabaseURL); err != nil {
		logger.Criticalf("migrations failed: %v", err)
		os.Exit(1)
	}

	plaidAPI, err := plaid.NewPlaidClient(cfg.PlaidClientID, cfg.PlaidSecret, cfg.PlaidEnv)
	if err != nil {
		logger.Criticalf("plaid client: %v", err)
		os.Exit(1)
	}
	plaidOpts := plaid.Options{
		ClientName: cfg.PlaidClientName,
		Language:   cfg.PlaidLanguage,
		Country:    cfg.PlaidCountry,
		WebhookURL: cfg.PlaidWebhookURL,
	}
	provider, err := plaid.NewClient(plaidAPI, plaidOpts)
	if err != nil {
		logger.Criticalf("plaid client: %v", err)
		os.Exit(1)
	}
	logger.Infof("plaid link sessions: %s", plaidOpts)

	cache, err := db.NewCache(cfg.CacheTTL)
	if err != nil {
		logger.Criticalf("cache: %v", err)
		os.Exit(1)
	}
	defer cache.Close()

	var publisher events.Publisher = events.NopPublisher{}
	if len(cfg.KafkaBrokers) > 0 {
		publisher = events.NewKafkaPublisher(cfg.KafkaBrokers, cfg.KafkaTopic)
		logger.Infof("publishing ledger events to %s on %v", cfg.KafkaTopic, cfg.KafkaBrokers)
	}
	defer publisher.Close()

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	store := ledger.NewLedgerStore(pool, cfg.ApplicationID)
	deps := services.Deps{
		Provider:  provider,
		Store:     store,
		Cache:     cache,
		Publisher: publisher,
		Metrics:   metrics.New(registry),
		Clock:     clock.WallClock,
		Locks:     services.NewItemLocks(),
	}
	syncService := services.NewSyncService(deps)

	router := api.NewRouter(api.Services{
		LinkSessions: services.NewLinkSessionService(deps),
		Exchange:     services.NewExchangeService(deps),
		Sync:         syncService,
		Disconnect:   services.NewDisconnectService(deps),
		Accounts:     services.NewAccountsService(deps),
		Webhooks:     services.NewWebhookService(store, syncService, !cfg.ReadOnly),
		Verifier:     util.NewWebhookVerifier(provider, clock.WallClock),
	}, api.Options{
		JWTSecret: cfg.JWTSecret,
		ReadOnly:  cfg.ReadOnly,
		Gatherer:  registry,
	})

	server := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Errorf("shutdown: %v", err)
		}
	}()

	logger.Infof("API server running on port %s (application %s, plaid %s, read-only %t)",
		cfg.Port, cfg.ApplicationID, cfg.PlaidEnv, cfg.ReadOnly)
	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Criticalf("server: %v", err)
		os.Exit(1)
	}
	logger.Infof("server stopped")
}
