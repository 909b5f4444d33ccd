package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/forgeml/forge/config"
	"github.com/forgeml/forge/dispatch"
	"github.com/forgeml/forge/handlers"
	"github.com/forgeml/forge/middleware"
	"github.com/forgeml/forge/monitor"
	"github.com/forgeml/forge/queue"
	"github.com/forgeml/forge/repository"
	"github.com/forgeml/forge/storage"
	"github.com/forgeml/forge/training"
)

func main() {
	// Parse command line arguments
	configPath := flag.String("config", getEnvOrDefault("FORGE_CONFIG", "config.yaml"), "Path to config file")
	port := flag.Int("port", 0, "Server port (overrides config)")
	flag.Parse()

	log.Println("Starting Forge API server")

	// Initialize configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if *port != 0 {
		cfg.Server.Port = *port
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
	ctx := context.Background()
	if err := store.EnsureBucket(ctx, cfg.Storage.DatasetBucket); err != nil {
		log.Fatalf("Failed to prepare dataset bucket: %v", err)
	}
	if err := store.EnsureBucket(ctx, cfg.Storage.ArtifactBucket); err != nil {
		log.Fatalf("Failed to prepare artifact bucket: %v", err)
	}

	// Wire up the domain components
	repo := repository.NewRepository(cfg.Database)
	registry := training.NewBuiltinRegistry()
	dispatcher := dispatch.NewDispatcher(repo, registry)
	broker := queue.NewRedisBroker(cfg.RedisClient)

	// Drain the transactional outbox into the broker
	pump := dispatch.NewOutboxPump(repo, broker, 2*time.Second)
	pump.Start()
	defer pump.Stop()

	// Alert on jobs stuck in queued or running states
	watchdog := monitor.NewWatchdog(repo, broker, 15*time.Minute, cfg.Worker.MaxJobRuntime, time.Minute)
	watchdog.Start()
	defer watchdog.Stop()

	// Initialize handlers
	handler := handlers.NewHandler(repo, dispatcher, registry, store)

	// Setup Gin router
	router := gin.Default()

	// Enable CORS (must be first)
	router.Use(middleware.CORSMiddleware())

	// Resolve the owner from request headers
	router.Use(middleware.IdentityMiddleware())

	// Health check (no identity required)
	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{"status": "healthy"})
	})

	// API routes
	api := router.Group("/api/v1")
	{
		// Training job routes
		jobs := api.Group("/jobs")
		{
			jobs.POST("", handler.SubmitTrainingJob)
			jobs.GET("", handler.ListTrainingJobs)
			jobs.GET("/:id", handler.GetTrainingJob)
			jobs.GET("/:id/status", handler.GetTrainingJobStatus)
		}

		// Model kind discovery
		kinds := api.Group("/kinds")
		{
			kinds.GET("", handler.ListKinds)
			kinds.GET("/:id/schema", handler.GetKindSchema)
		}

		// Model routes
		modelGroup := api.Group("/models")
		{
			modelGroup.GET("", handler.ListModels)
			modelGroup.GET("/:id", handler.GetModel)
			modelGroup.GET("/:id/ancestors", handler.GetModelAncestors)
			modelGroup.GET("/:id/descendants", handler.GetModelDescendants)
			modelGroup.DELETE("/:id", handler.DeleteModel)
		}

		// Dataset routes
		datasets := api.Group("/datasets")
		{
			datasets.POST("", handler.CreateDataset)
			datasets.GET("", handler.ListDatasets)
			datasets.GET("/:id", handler.GetDataset)
			datasets.POST("/:id/upload", handler.UploadDataset)
			datasets.DELETE("/:id", handler.DeleteDataset)
		}

		// Project routes
		projects := api.Group("/projects")
		{
			projects.POST("", handler.CreateProject)
			projects.GET("", handler.ListProjects)
			projects.GET("/:id", handler.GetProject)
			projects.POST("/:id/dataset", handler.LinkProjectDataset)
			projects.POST("/:id/model", handler.LinkProjectModel)
		}
	}

	// Create HTTP server with proper configuration
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		log.Printf("Starting server on port %d", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start server: %v", err)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	log.Println("Shutting down server...")

	// Graceful shutdown with 10-second timeout
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Shutdown HTTP server
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("Server forced to shutdown: %v", err)
	}

	log.Println("Server stopped gracefully")
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
