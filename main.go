package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"reseller-service/internal/app"
	"reseller-service/internal/config"
	"reseller-service/internal/database"
	grpcServer "reseller-service/internal/grpc"
	"reseller-service/internal/handlers"
	"reseller-service/internal/logger"
	"reseller-service/internal/middleware"
	"reseller-service/internal/services"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("Invalid configuration")
	}
	logger.Setup(cfg.LogLevel)

	if cfg.GinMode != "" {
		gin.SetMode(cfg.GinMode)
	}

	a, err := app.Build(cfg)
	if err != nil {
		log.WithError(err).Fatal("Failed to initialise services")
	}
	defer a.Close()

	if err := database.Migrate(a.DB); err != nil {
		log.WithError(err).Fatal("Failed to migrate database")
	}

	purge, err := services.StartCachePurge(a.Cache)
	if err != nil {
		log.WithError(err).Fatal("Failed to start cache purge")
	}
	defer purge.Stop()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	r := gin.New()
	r.Use(gin.Recovery(), middleware.RequestLogger())

	r.GET("/ping", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"message": "Welcome To Reseller service",
		})
	})
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	handlers.RegisterRoutes(r, handlers.NewHandler(a.Catalog, a.Rentals, a.Ledger, a.PocketFi), cfg.JWTSecret)

	// Start gRPC health server
	health := grpcServer.NewServer(a.DB)
	go func() {
		if err := health.Serve(ctx, cfg.GRPCPort); err != nil {
			log.WithError(err).Error("gRPC server stopped")
		}
	}()

	srv := &http.Server{Addr: ":" + cfg.Port, Handler: r}
	go func() {
		log.WithField("port", cfg.Port).Info("HTTP Server starting")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("Failed to start server")
		}
	}()

	<-ctx.Done()
	log.Info("Shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), app.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("HTTP server shutdown failed")
	}
	health.Stop()
}
