// Package main runs the storefront service: the HTTP API, the purchase
// reconciler, and the periodic catalog refresh.
package main

import (
	"context"
	"database/sql"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/robfig/cron/v3"

	"github.com/jiggy606/amazon-clone/internal/backend"
	"github.com/jiggy606/amazon-clone/internal/chain"
	"github.com/jiggy606/amazon-clone/internal/config"
	"github.com/jiggy606/amazon-clone/internal/httpapi"
	"github.com/jiggy606/amazon-clone/internal/logging"
	"github.com/jiggy606/amazon-clone/internal/store"
	"github.com/jiggy606/amazon-clone/internal/store/backendrest"
	"github.com/jiggy606/amazon-clone/internal/store/postgres"
	"github.com/jiggy606/amazon-clone/internal/storefront"
)

func main() {
	configPath := flag.String("config", "config/storefront.yaml", "Path to config file")
	flag.Parse()

	// Local development convenience; a missing .env is fine.
	_ = godotenv.Load()

	log := logging.NewDefault("storefront")

	cfg := config.LoadOrDefault(*configPath)
	if err := cfg.Validate(); err != nil {
		log.WithError(err).Error("invalid configuration")
		os.Exit(1)
	}

	chainClient, err := chain.NewClient(chain.Config{
		RPCURL:  cfg.Chain.RPCURL,
		Timeout: time.Duration(cfg.Chain.TimeoutSeconds) * time.Second,
	})
	if err != nil {
		log.WithError(err).Error("chain client setup failed")
		os.Exit(1)
	}

	var backendClient *backend.Client
	if cfg.Backend.URL != "" {
		backendClient, err = backend.New(backend.Config{
			URL:    cfg.Backend.URL,
			APIKey: cfg.Backend.APIKey,
		})
		if err != nil {
			log.WithError(err).Error("backend client setup failed")
			os.Exit(1)
		}
	}

	purchases, err := buildStore(cfg, backendClient, log)
	if err != nil {
		log.WithError(err).Error("store setup failed")
		os.Exit(1)
	}

	wallet := os.Getenv("WALLET_ADDRESS")
	var session storefront.SessionService
	var profile httpapi.ProfileService
	var catalog storefront.Catalog
	var live storefront.LiveUpdates
	if backendClient != nil {
		sessionClient := backend.NewSessionClient(backendClient, wallet)
		session = sessionClient
		profile = sessionClient
		catalog = backendClient
		live = backend.NewLiveClient(cfg.Backend.URL, cfg.Backend.APIKey, log)
	} else {
		log.Warn("no backend configured; running without session, catalog or live updates")
		session = &noSession{}
	}

	metrics := storefront.NewMetrics(prometheus.DefaultRegisterer)
	svc, err := storefront.New(storefront.Config{
		CoinContract:        cfg.Chain.CoinContract,
		CollectionAddress:   cfg.Purchase.CollectionAddress,
		UnitPrice:           cfg.UnitPriceWei(),
		TokenConfirmations:  cfg.Purchase.TokenConfirmations,
		AssetConfirmations:  cfg.Purchase.AssetConfirmations,
		ExplorerURLTemplate: cfg.Purchase.ExplorerURLTemplate,
	}, chainClient, purchases, catalog, session, live,
		storefront.WithLogger(log), storefront.WithMetrics(metrics))
	if err != nil {
		log.WithError(err).Error("orchestrator setup failed")
		os.Exit(1)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	reconciler := storefront.NewReconciler(purchases, chainClient, nil, storefront.ReconcilerConfig{}, log)
	reconciler.Start(ctx)
	defer reconciler.Stop()

	scheduler := cron.New()
	if catalog != nil {
		if _, err := scheduler.AddFunc("@every 5m", func() {
			if err := svc.RefreshCatalog(context.Background()); err != nil {
				log.WithError(err).Warnf("scheduled catalog refresh failed")
			}
		}); err != nil {
			log.WithError(err).Error("scheduling catalog refresh failed")
			os.Exit(1)
		}
		scheduler.Start()
		defer scheduler.Stop()

		if err := svc.RefreshCatalog(ctx); err != nil {
			log.WithError(err).Warnf("initial catalog load failed")
		}
	}

	secret := os.Getenv("SESSION_SECRET")
	if secret == "" {
		log.Warn("SESSION_SECRET not set; using an insecure development secret")
		secret = "storefront-dev-secret"
	}

	api := httpapi.NewServer(svc, profile, []byte(secret), log)
	server := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      api.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 10 * time.Minute, // purchases block on confirmations
	}

	go func() {
		log.Infof("listening on %s", cfg.ListenAddr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Error("http server stopped")
			cancel()
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	select {
	case <-stop:
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warnf("http shutdown incomplete")
	}
}

// buildStore picks the purchase store: postgres when a DSN is configured,
// the hosted backend when available, in-memory otherwise.
func buildStore(cfg *config.Config, backendClient *backend.Client, log *logging.Logger) (store.PurchaseStore, error) {
	if cfg.Postgres.DSN != "" {
		if err := runMigrations(cfg); err != nil {
			return nil, err
		}
		db, err := sql.Open("postgres", cfg.Postgres.DSN)
		if err != nil {
			return nil, err
		}
		if err := db.Ping(); err != nil {
			return nil, err
		}
		log.Info("using postgres purchase store")
		return postgres.New(db), nil
	}
	if backendClient != nil {
		log.Info("using hosted-backend purchase store")
		return backendrest.New(backendClient), nil
	}
	log.Warn("using in-memory purchase store; records do not survive restarts")
	return store.NewMemory(), nil
}

func runMigrations(cfg *config.Config) error {
	dir := cfg.Postgres.MigrationsDir
	if dir == "" {
		dir = "migrations"
	}
	m, err := migrate.New("file://"+dir, cfg.Postgres.DSN)
	if err != nil {
		return err
	}
	defer m.Close()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}

// noSession is the always-unauthenticated session used when no backend is
// configured. Purchases then report auth as required.
type noSession struct{}

func (*noSession) Authenticate(context.Context) (*backend.Session, error) {
	return nil, errors.New("no backend configured")
}
func (*noSession) IsAuthenticated() bool     { return false }
func (*noSession) Current() *backend.Session { return nil }
func (*noSession) Nickname(context.Context) (string, error) {
	return "", errors.New("no backend configured")
}
