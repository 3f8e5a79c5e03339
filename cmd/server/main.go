package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ponytojas/go-iot-hub/config"
	"github.com/ponytojas/go-iot-hub/internal/api"
	"github.com/ponytojas/go-iot-hub/internal/auth"
	"github.com/ponytojas/go-iot-hub/internal/cache"
	"github.com/ponytojas/go-iot-hub/internal/database"
	"github.com/ponytojas/go-iot-hub/internal/export"
	"github.com/ponytojas/go-iot-hub/internal/ingest"
	"github.com/ponytojas/go-iot-hub/internal/live"
	"github.com/ponytojas/go-iot-hub/internal/logging"
	"github.com/ponytojas/go-iot-hub/internal/mqtt"
	"github.com/ponytojas/go-iot-hub/internal/seed"
)

func main() {
	started := time.Now()

	// Load configuration
	cfg, err := config.LoadConfig(".")
	if err != nil {
		log.Error().Err(err).Msg("Error loading config, using default configuration")
		cfg = config.GetDefaultConfig()
	}
	logging.Setup(cfg.Log)
	log.Info().Msg("Starting IoT hub...")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Info().Str("driver", cfg.Database.Driver).Msg("Opening store...")
	store, err := database.Open(ctx, cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open store")
	}
	defer store.Close()

	if err := seed.Run(ctx, store, cfg.Seed); err != nil {
		log.Fatal().Err(err).Msg("Failed to seed initial data")
	}

	latest := cache.NewLatest(ctx, cfg)
	defer latest.Close()

	exporter, err := export.NewExporter(cfg, store)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to set up measurement export")
	}

	hub := live.NewHub(cfg.Live.SendBuffer, cfg.Server.AllowedOrigins)
	ingestor := ingest.NewIngestor(store, latest, hub)

	if cfg.MQTT.Enabled {
		log.Info().Msg("Setting up MQTT client...")
		mqttClient, err := mqtt.NewClient(cfg, ingestor)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to create MQTT client")
		}
		// Subscribes from the on-connect handler, also after reconnects.
		if err := mqttClient.Connect(); err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to MQTT broker")
		}
		defer mqttClient.Disconnect()
	}

	server := api.NewServer(api.Options{
		Store:          store,
		Issuer:         auth.NewIssuer(cfg.Auth.SecretKey, cfg.AccessTokenTTL()),
		Ingestor:       ingestor,
		Hub:            hub,
		Latest:         latest,
		Exporter:       exporter,
		AllowedOrigins: cfg.Server.AllowedOrigins,
	})
	srv := &http.Server{
		Addr:         cfg.Server.Address,
		Handler:      server.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("address", srv.Addr).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		log.Error().Err(err).Msg("HTTP server failed")
	}

	log.Info().Msg("Shutting down...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	log.Info().Dur("uptime", time.Since(started)).Msg("Server stopped")
}
