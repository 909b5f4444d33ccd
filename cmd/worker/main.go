package main

import (
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/forgeml/forge/config"
	"github.com/forgeml/forge/monitor"
	"github.com/forgeml/forge/queue"
	"github.com/forgeml/forge/reconcile"
	"github.com/forgeml/forge/repository"
	"github.com/forgeml/forge/storage"
	"github.com/forgeml/forge/training"
	"github.com/forgeml/forge/worker"
)

func main() {
	// Parse command line arguments
	configPath := flag.String("config", getEnvOrDefault("FORGE_CONFIG", "config.yaml"), "Path to config file")
	flag.Parse()

	log.Println("Starting Forge training worker")

	// Initialize configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	cfg.InitLogger()
	if err := cfg.Init(); err != nil {
		log.Fatalf("Failed to initialize configuration: %v", err)
	}
	defer cfg.Close()

	// Initialize object storage
	store, err := storage.NewClient(cfg.Storage)
	if err != nil {
		log.Fatalf("Failed to initialize object storage: %v", err)
	}

	// Wire up the worker pool
	repo := repository.NewRepository(cfg.Database)
	registry := training.NewBuiltinRegistry()
	broker := queue.NewRedisBroker(cfg.RedisClient)
	reconciler := reconcile.NewReconciler(repo)

	pool := worker.NewPool(repo, reconciler, registry, broker, store, store.Artifacts(), cfg.Worker)
	pool.Start()

	// Workers also watch for stuck jobs so alerts fire even when the API
	// server is down.
	watchdog := monitor.NewWatchdog(repo, broker, 15*time.Minute, cfg.Worker.MaxJobRuntime, time.Minute)
	watchdog.Start()

	log.Printf("Worker pool running: queues=%v concurrency=%d", cfg.Worker.Queues, cfg.Worker.Concurrency)

	// Wait for interrupt signal to gracefully shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down worker...")

	watchdog.Stop()
	pool.Stop()
	if err := broker.Close(); err != nil {
		log.Printf("Broker close failed: %v", err)
	}
	log.Println("Worker stopped gracefully")
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
