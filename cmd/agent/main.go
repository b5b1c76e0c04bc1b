package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"skeenode/agent"
	config "skeenode/configs"
	"skeenode/conductor"
	"skeenode/pkg/coordination/etcd"
	"skeenode/pkg/logger"
	"skeenode/pkg/storage"
	"skeenode/pkg/storage/fsbackend"
	"skeenode/pkg/sweep"
	redisbackend "skeenode/pkg/storage/redis"
	"skeenode/workflows"
)

func main() {
	cfg := config.Load()
	log.Println("[Substantial Agent] Starting up...")

	if _, err := logger.Init(logger.Config{
		Level:      cfg.LogLevel,
		Encoding:   cfg.LogEncoding,
		OutputPath: "stdout",
		Service:    "substantial-agent",
	}); err != nil {
		log.Fatalf("Failed to initialize logger: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	backend, err := openBackend(cfg)
	if err != nil {
		log.Fatalf("Failed to open backend: %v", err)
	}
	defer backend.Close()
	log.Printf("[Substantial Agent] backend %q ready.", cfg.Backend)

	cond := conductor.New(backend, cfg.Queue)
	workflows.RegisterAll(cond)

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "agent-" + uuid.New().String()
	}
	nodeID := hostname + "-" + uuid.New().String()[:8]

	agentCfg := agent.Config{
		Queue:          cfg.Queue,
		LeaseSeconds:   cfg.LeaseSeconds,
		PollInterval:   cfg.PollInterval,
		HeartbeatEvery: cfg.HeartbeatEvery,
	}
	worker := cond.Agent(nodeID, agentCfg)

	go worker.Run(ctx)
	log.Printf("[Substantial Agent] %s polling queue %q.", nodeID, cfg.Queue)

	if cfg.ScheduleSweepEnable {
		etcdCoord, err := etcd.NewEtcdCoordinator(cfg.EtcdEndpoints, 10)
		if err != nil {
			log.Printf("[Substantial Agent] schedule sweep disabled, etcd connect failed: %v", err)
		} else {
			defer etcdCoord.Close()
			election := etcdCoord.NewElection("substantial-sweep")
			sweeper := sweep.NewSweeper(backend, cfg.Queue, election, nodeID, "@every "+cfg.ScheduleSweepEvery.String())
			go func() {
				if err := sweeper.Run(ctx); err != nil {
					log.Printf("[Substantial Agent] sweep stopped: %v", err)
				}
			}()
			log.Println("[Substantial Agent] schedule sweep enabled.")
		}
	}

	sig := <-sigChan
	log.Printf("[Substantial Agent] received signal %v, shutting down...", sig)
	cancel()
	log.Println("[Substantial Agent] shutdown complete.")
}

func openBackend(cfg *config.Config) (storage.Backend, error) {
	switch cfg.Backend {
	case "redis":
		return redisbackend.New(cfg.RedisAddr)
	default:
		return fsbackend.New(cfg.StateDir)
	}
}
