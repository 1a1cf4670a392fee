package main

import (
	log "github.com/sirupsen/logrus"

	"reseller-service/internal/config"
	"reseller-service/internal/database"
	"reseller-service/internal/logger"
)

func main() {
	logger.Setup("info")

	cfg, err := config.LoadDB()
	if err != nil {
		log.WithError(err).Fatal("Invalid configuration")
	}

	db, err := database.Connect(cfg)
	if err != nil {
		log.WithError(err).Fatal("Failed to connect to database")
	}

	log.Info("Running database migrations...")
	if err := database.Migrate(db); err != nil {
		log.WithError(err).Fatal("Migration failed")
	}
	log.Info("Migrations completed successfully!")
}
