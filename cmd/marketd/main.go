// Package main runs the course marketplace service: purchase orchestration,
// reward reconciliation and content access decisions for connected wallets.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/R3E-Network/course_market/internal/access"
	"github.com/R3E-Network/course_market/internal/chain"
	"github.com/R3E-Network/course_market/internal/config"
	"github.com/R3E-Network/course_market/internal/domain/market"
	"github.com/R3E-Network/course_market/internal/httpapi"
	"github.com/R3E-Network/course_market/internal/kvstore"
	"github.com/R3E-Network/course_market/internal/logging"
	"github.com/R3E-Network/course_market/internal/middleware"
	"github.com/R3E-Network/course_market/internal/oracle"
	"github.com/R3E-Network/course_market/internal/rewards"
	"github.com/R3E-Network/course_market/internal/session"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.NewFromEnv("marketd").WithError(err).Fatal("load configuration")
	}
	format := cfg.LogFormat
	if cfg.IsProduction() && os.Getenv("LOG_FORMAT") == "" {
		format = "json"
	}
	log := logging.New("marketd", cfg.LogLevel, format)

	if err := run(cfg, log); err != nil {
		log.WithError(err).Fatal("marketd stopped")
	}
}

func run(cfg *config.Config, log *logging.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	contracts, err := chain.ParseContractAddresses(cfg.Contracts.Token, cfg.Contracts.Marketplace, cfg.Contracts.Rewards)
	if err != nil {
		return err
	}

	retry := chain.DefaultRetryConfig()
	retry.MaxRetries = cfg.Chain.MaxRetries
	client, err := chain.NewClient(chain.Config{
		RPCURL:            cfg.Chain.RPCURL,
		ChainID:           cfg.Chain.ChainID,
		Timeout:           cfg.Chain.Timeout,
		RequestsPerSecond: cfg.Chain.RequestsPerSecond,
		Burst:             cfg.Chain.Burst,
		Retry:             &retry,
	})
	if err != nil {
		return err
	}

	var subscriber chain.LogSubscriber
	if cfg.Chain.WSURL != "" {
		subscriber, err = chain.NewSubscriber(chain.SubscriberConfig{
			WSURL:    cfg.Chain.WSURL,
			Backfill: client,
		}, log)
		if err != nil {
			return err
		}
	} else {
		log.Info("CHAIN_WS_URL not set, polling for reward events")
		subscriber = chain.NewPoller(client, cfg.Chain.PollInterval, log)
	}

	store, closeStore, err := kvstore.Open(ctx, kvstore.Options{
		Driver:      cfg.Store.Driver,
		RedisURL:    cfg.Store.RedisURL,
		DatabaseURL: cfg.Store.DatabaseURL,
		KeyPrefix:   cfg.Store.KeyPrefix,
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := closeStore(); err != nil {
			log.WithError(err).Warn("close store")
		}
	}()

	catalog := market.NewCatalog(store)
	if err := seedCourses(ctx, catalog, cfg.Courses); err != nil {
		return err
	}
	log.WithField("courses", len(cfg.Courses)).WithField("store", cfg.Store.Driver).Info("catalog ready")

	sessions := session.NewManager(session.Deps{
		Ledger:        client,
		Subscriber:    subscriber,
		Catalog:       catalog,
		Contracts:     contracts,
		TxWaitTimeout: cfg.Purchase.TxWaitTimeout,
		ReceiptPoll:   cfg.Purchase.ReceiptPoll,
		OracleMaxAge:  oracle.DefaultMaxAge,
		Rewards: rewards.Config{
			LookbackBlocks: cfg.Rewards.LookbackBlocks,
			RecentCap:      cfg.Rewards.RecentCap,
			BlockTime:      cfg.Chain.BlockTime,
		},
		Log: log,
	})
	defer sessions.Close()

	if cfg.Rewards.RefreshSpec != "" {
		if err := sessions.StartScheduler(cfg.Rewards.RefreshSpec, time.Minute); err != nil {
			return err
		}
	}

	server := &http.Server{
		Addr: cfg.HTTPAddr,
		Handler: httpapi.NewHandler(httpapi.Options{
			Sessions:       sessions,
			Catalog:        catalog,
			Gate:           access.NewGate(catalog),
			Auth:           middleware.NewWalletAuth(cfg.HTTP.JWTSecret, cfg.HTTP.TokenTTL, log),
			Log:            log,
			AdminToken:     cfg.HTTP.AdminToken,
			AllowedOrigins: cfg.HTTP.Origins(),
			RateLimit:      cfg.HTTP.RateLimit,
			RateBurst:      cfg.HTTP.RateBurst,
		}),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.WithField("addr", cfg.HTTPAddr).WithField("chain_id", client.ChainID()).Info("marketd listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.HTTP.ShutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Warn("http shutdown")
	}
	return nil
}

func seedCourses(ctx context.Context, catalog *market.Catalog, seeds []config.CourseSeed) error {
	for _, seed := range seeds {
		c := market.Course{ID: seed.ID, Title: seed.Title, Price: seed.Price, Creator: seed.Creator}
		for _, l := range seed.Lessons {
			c.Lessons = append(c.Lessons, market.Lesson{ID: l.ID, Title: l.Title, Preview: l.Preview})
		}
		if err := catalog.PutCourse(ctx, c); err != nil {
			return err
		}
	}
	return nil
}
