package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	config "skeenode/configs"
	"skeenode/conductor"
	"skeenode/pkg/api"
	"skeenode/pkg/api/middleware"
	"skeenode/pkg/auth"
	"skeenode/pkg/logger"
	tracing "skeenode/pkg/observability"
	"skeenode/pkg/storage"
	"skeenode/pkg/storage/fsbackend"
	redisbackend "skeenode/pkg/storage/redis"
	"skeenode/workflows"
)

func main() {
	cfg := config.Load()
	log.Println("[Substantial API] Starting up...")

	if _, err := logger.Init(logger.Config{
		Level:      cfg.LogLevel,
		Encoding:   cfg.LogEncoding,
		OutputPath: "stdout",
		Service:    "substantial-api",
	}); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if cfg.OTELEnabled {
		provider, err := tracing.Init(ctx, tracing.Config{
			ServiceName:  "substantial-api",
			Endpoint:     cfg.OTELEndpoint,
			Enabled:      true,
			SamplingRate: 1.0,
		})
		if err != nil {
			log.Printf("[Substantial API] tracing disabled, init failed: %v", err)
		} else {
			defer func() {
				shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer shutdownCancel()
				_ = provider.Shutdown(shutdownCtx)
			}()
		}
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	backend, err := openBackend(cfg)
	if err != nil {
		log.Fatalf("Failed to open backend: %v", err)
	}
	defer backend.Close()

	cond := conductor.New(backend, cfg.Queue)
	workflows.RegisterAll(cond)

	var authCfg *middleware.AuthConfig
	if cfg.AuthEnabled {
		jwtService, err := auth.NewJWTService(auth.JWTConfig{
			SecretKey: cfg.JWTSecret,
			Issuer:    cfg.JWTIssuer,
		})
		if err != nil {
			log.Fatalf("Failed to initialize JWT service: %v", err)
		}
		authCfg = &middleware.AuthConfig{
			JWTService: jwtService,
			SkipPaths:  []string{"/health", "/metrics"},
		}
	}

	server := api.NewServer(api.Config{
		Port:      cfg.APIPort,
		Conductor: cond,
		Backend:   backend,
		Auth:      authCfg,
	})

	go func() {
		if err := server.Start(); err != nil {
			log.Printf("[Substantial API] server error: %v", err)
		}
	}()
	log.Printf("[Substantial API] server listening on port %s", cfg.APIPort)

	sig := <-sigChan
	log.Printf("[Substantial API] received signal %v, shutting down...", sig)

	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, 10*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("[Substantial API] shutdown error: %v", err)
	}

	cancel()
	log.Println("[Substantial API] shutdown complete.")
}

func openBackend(cfg *config.Config) (storage.Backend, error) {
	switch cfg.Backend {
	case "redis":
		return redisbackend.New(cfg.RedisAddr)
	default:
		return fsbackend.New(cfg.StateDir)
	}
}
