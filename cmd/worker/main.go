package main

import (
	log "github.com/sirupsen/logrus"

	"reseller-service/internal/app"
	"reseller-service/internal/config"
	"reseller-service/internal/logger"
	"reseller-service/internal/services"
	"reseller-service/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("Invalid configuration")
	}
	logger.Setup(cfg.LogLevel)

	a, err := app.Build(cfg)
	if err != nil {
		log.WithError(err).Fatal("Failed to initialise services")
	}
	defer a.Close()

	// Sweeps run in the worker only.
	c, err := services.StartScheduler(a.Rentals, a.Archive, a.Cache)
	if err != nil {
		log.WithError(err).Fatal("Failed to start scheduler")
	}
	defer c.Stop()

	w := worker.NewWorker(a.Rentals, a.Enqueuer)
	if err := worker.StartWorker(app.RedisOpt(cfg), w); err != nil {
		log.WithError(err).Error("Worker stopped")
	}
}
