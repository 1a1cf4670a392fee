// Package app wires the service graph shared by the API and worker binaries.
package app

import (
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	log "github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"reseller-service/internal/cache"
	"reseller-service/internal/config"
	"reseller-service/internal/database"
	"reseller-service/internal/events"
	"reseller-service/internal/ledger"
	"reseller-service/internal/pricing"
	"reseller-service/internal/providers"
	"reseller-service/internal/services"
	"reseller-service/internal/worker"
	"reseller-service/pkg/common"
)

// ShutdownTimeout bounds graceful shutdown of the servers.
const ShutdownTimeout = 10 * time.Second

type App struct {
	Config    *config.Config
	DB        *gorm.DB
	Ledger    *ledger.Ledger
	Providers *providers.Registry
	Cache     *cache.Cache
	Catalog   *services.CatalogService
	Rentals   *services.RentalService
	PocketFi  *services.PocketFiService
	Archive   *services.ArchiveService
	Events    events.Publisher
	Asynq     *asynq.Client
	Enqueuer  *worker.Enqueuer
}

// RedisOpt returns the asynq connection options for cfg.
func RedisOpt(cfg *config.Config) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{Addr: cfg.RedisURL}
}

// Build connects to the database and broker and assembles every service.
func Build(cfg *config.Config) (*App, error) {
	db, err := database.Connect(cfg.DB)
	if err != nil {
		return nil, err
	}

	c := cache.New()
	httpClient := common.NewHTTPClient(cfg.VendorTimeout)

	registry, err := buildRegistry(cfg, httpClient, c)
	if err != nil {
		return nil, err
	}

	var rates pricing.RateSource = pricing.StaticRate{Value: cfg.Pricing.USDRate}
	if cfg.Pricing.RateFeedURL != "" {
		rates = pricing.NewFeedRate(cfg.Pricing.RateFeedURL, httpClient, c, cfg.CatalogTTL, rates)
	}
	pricer := pricing.NewPricer(rates, cfg.Pricing.MarkupPercent, cfg.Pricing.Bucket)

	publisher := events.New(cfg.AMQPURL)
	asynqClient := asynq.NewClient(RedisOpt(cfg))
	enqueuer := worker.NewEnqueuer(asynqClient, cfg.PollInterval, maxPollAttempts(cfg))

	l := ledger.New(db)
	catalog := services.NewCatalogService(registry, pricer)

	return &App{
		Config:    cfg,
		DB:        db,
		Ledger:    l,
		Providers: registry,
		Cache:     c,
		Catalog:   catalog,
		Rentals:   services.NewRentalService(db, l, catalog, publisher, enqueuer, cfg.RentalTTL, cfg.OrphanDebitGrace),
		PocketFi:  services.NewPocketFiService(db, l, publisher, cfg.PocketFiWebhookSecret),
		Archive:   services.NewArchiveService(db, cfg.CallbackLogRetention),
		Events:    publisher,
		Asynq:     asynqClient,
		Enqueuer:  enqueuer,
	}, nil
}

// buildRegistry registers every vendor with credentials. The default vendor
// must be among them.
func buildRegistry(cfg *config.Config, httpClient *common.HTTPClient, c *cache.Cache) (*providers.Registry, error) {
	var list []providers.Provider

	if cfg.TextVerified.APIKey != "" {
		list = append(list, providers.Instrument(providers.NewTextVerifiedClient(
			cfg.TextVerified.BaseURL, cfg.TextVerified.APIKey, cfg.TextVerified.Username, httpClient, c, cfg.CatalogTTL,
		)))
	} else {
		log.Warn("TEXTVERIFIED_API_KEY not set, TextVerified disabled")
	}

	if cfg.SMSPool.APIKey != "" {
		list = append(list, providers.Instrument(providers.NewSMSPoolClient(
			cfg.SMSPool.BaseURL, cfg.SMSPool.APIKey, httpClient, c, cfg.CatalogTTL,
		)))
	} else {
		log.Warn("SMSPOOL_API_KEY not set, SMSPool disabled")
	}

	registry := providers.NewRegistry(cfg.DefaultProvider, list...)
	if _, err := registry.Get(""); err != nil {
		return nil, fmt.Errorf("default provider: %w", err)
	}
	log.WithFields(log.Fields{"providers": registry.Names(), "default": registry.Default()}).Info("Number providers registered")
	return registry, nil
}

// maxPollAttempts covers the rental lifetime plus one extra check.
func maxPollAttempts(cfg *config.Config) int {
	if cfg.PollInterval <= 0 {
		return 1
	}
	return int(cfg.RentalTTL/cfg.PollInterval) + 1
}

func (a *App) Close() {
	if a.Asynq != nil {
		if err := a.Asynq.Close(); err != nil {
			log.WithError(err).Warn("Failed to close asynq client")
		}
	}
	if a.Events != nil {
		a.Events.Close()
	}
	if sqlDB, err := a.DB.DB(); err == nil {
		sqlDB.Close()
	}
}
