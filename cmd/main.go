package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"

	grpcapi "speech-stream-bridge/internal/api/grpc"
	"speech-stream-bridge/internal/app"
	"speech-stream-bridge/internal/config"
	httpapi "speech-stream-bridge/internal/http"
	"speech-stream-bridge/internal/observability"
	"speech-stream-bridge/internal/observability/logging"
	"speech-stream-bridge/internal/observability/metrics"
)

const shutdownTimeout = 30 * time.Second

func main() {
	// A missing .env is fine; the environment is authoritative.
	_ = godotenv.Load()

	cfg, err := loadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	logging.Init(logging.Config{
		Level:   cfg.Observability.LogLevel,
		Format:  cfg.Observability.LogFormat,
		Service: "speech-stream-bridge",
	})
	logger := logging.WithComponent("main")

	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("Invalid configuration")
	}

	// Never log the credential.
	logger.Info().
		Str("port", cfg.Service.HTTPPort).
		Str("sttProvider", cfg.STT.Provider).
		Str("model", cfg.STT.Model).
		Strs("languageHints", cfg.STT.LanguageHints).
		Bool("credentialSet", cfg.STT.Credential != "").
		Bool("kafkaEnabled", cfg.Kafka.Enabled).
		Msg("Configuration loaded")

	ctx := context.Background()
	application, err := app.New(ctx, cfg, metrics.DefaultMetrics)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create application")
	}
	if err := application.Start(); err != nil {
		logger.Fatal().Err(err).Msg("Failed to start application")
	}

	var obs *observability.Server
	if cfg.Observability.MetricsPort != "" {
		obs = observability.NewServer(":"+cfg.Observability.MetricsPort, nil, application.Ready)
		obs.Start()
	}

	var health *grpcapi.Server
	if cfg.Service.GRPCHealthPort != "" {
		lis, err := net.Listen("tcp", ":"+cfg.Service.GRPCHealthPort)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to listen for gRPC health")
		}
		health = grpcapi.New(metrics.DefaultMetrics)
		go func() {
			if err := health.Serve(lis); err != nil {
				logger.Error().Err(err).Msg("gRPC health server stopped")
			}
		}()
	}

	// No write timeout: a response lives as long as the audio upload.
	server := &http.Server{
		Addr:              ":" + cfg.Service.HTTPPort,
		Handler:           httpapi.NewRouter(application),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}
	go func() {
		logger.Info().Str("addr", server.Addr).Msg("Speech stream bridge listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	s := <-sig
	logger.Info().Str("signal", s.String()).Msg("Shutting down")

	application.Drain()
	if health != nil {
		health.Drain()
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		// Sessions still streaming are cut off; each one cleans up on its own.
		logger.Warn().Err(err).Msg("HTTP shutdown did not complete, closing remaining sessions")
		server.Close()
	}
	if health != nil {
		health.Stop()
	}
	if obs != nil {
		obs.Shutdown(shutdownCtx)
	}
	application.Shutdown()
}

// loadConfig reads BRIDGE_CONFIG_FILE when set, otherwise the environment alone.
func loadConfig() (*config.Configuration, error) {
	if path := os.Getenv("BRIDGE_CONFIG_FILE"); path != "" {
		return config.LoadFile(path)
	}
	return config.Load(), nil
}
