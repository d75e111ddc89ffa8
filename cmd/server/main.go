package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rreusch2/parleyapp-sub005/internal/agent"
	"github.com/rreusch2/parleyapp-sub005/internal/config"
	"github.com/rreusch2/parleyapp-sub005/internal/database"
	"github.com/rreusch2/parleyapp-sub005/internal/handlers"
	"github.com/rreusch2/parleyapp-sub005/internal/jobs"
	"github.com/rreusch2/parleyapp-sub005/internal/logging"
	"github.com/rreusch2/parleyapp-sub005/internal/services"

	"github.com/ansrivas/fiberprometheus/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/joho/godotenv"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	// Initialize structured logging (JSON in production, text in dev)
	logging.Init()

	log.Println("🚀 Starting Professor Lock session orchestrator...")

	// Load .env file (ignore error if file doesn't exist)
	if err := godotenv.Load(); err != nil {
		log.Printf("⚠️  No .env file found or error loading it: %v", err)
	} else {
		log.Println("✅ .env file loaded successfully")
	}

	// Load configuration
	cfg := config.Load()
	log.Printf("📋 Configuration loaded (Port: %s, Web app: %s)", cfg.Port, cfg.WebAPIBaseURL)

	if cfg.SupabaseURL == "" || cfg.SupabaseServiceKey == "" {
		log.Println("⚠️  SUPABASE_URL / SUPABASE_SERVICE_KEY not set - artifact uploads will fail")
	}

	// Initialize MongoDB (optional - for turn analytics)
	var mongoDB *database.MongoDB
	var analyticsService *services.AnalyticsService

	if cfg.MongoURI != "" {
		log.Println("🔗 Connecting to MongoDB...")
		var err error
		mongoDB, err = database.NewMongoDB(cfg.MongoURI)
		if err != nil {
			log.Printf("⚠️  Failed to connect to MongoDB: %v (turn analytics disabled)", err)
		} else {
			defer mongoDB.Close(context.Background())
			analyticsService = services.NewAnalyticsService(mongoDB)
			if err := analyticsService.EnsureIndexes(context.Background()); err != nil {
				log.Printf("⚠️  Failed to ensure analytics indexes: %v", err)
			}
			log.Println("✅ Turn analytics initialized")
		}
	} else {
		log.Println("⚠️  MONGODB_URI not set - turn analytics disabled")
	}

	// appCtx outlives requests: session loops hang off it and wind down
	// when it is cancelled at shutdown.
	appCtx, cancelApp := context.WithCancel(context.Background())
	defer cancelApp()

	// Initialize services
	relayService := services.NewRelayService(cfg.WebAPIBaseURL)
	storageService := services.NewStorageService(cfg.SupabaseURL, cfg.SupabaseServiceKey, cfg.StorageBucket, cfg.UploadsPerSecond)
	agentFactory := agent.NewRuntimeFactory(cfg.AgentRuntimeURL)

	registry := services.NewSessionRegistry(services.SessionDeps{
		Factory:     agentFactory,
		Relay:       relayService,
		Uploader:    storageService,
		Analytics:   analyticsService,
		IdleTimeout: cfg.SessionIdleTimeout,
		RunTimeout:  cfg.AgentRunTimeout,
	})
	log.Printf("✅ Session registry initialized (idle timeout: %v, run ceiling: %v)", cfg.SessionIdleTimeout, cfg.AgentRunTimeout)

	// Initialize Prometheus metrics
	services.InitMetrics(registry)
	log.Println("✅ Prometheus metrics initialized")

	// Start the session sweep job
	sweepScheduler, err := jobs.StartSessionSweep(registry, cfg.SessionIdleTimeout)
	if err != nil {
		log.Printf("⚠️  Failed to start session sweep: %v", err)
	}

	// Initialize Fiber app
	app := fiber.New(fiber.Config{
		AppName:      "Professor Lock Orchestrator v1.0",
		ReadTimeout:  60 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
		BodyLimit:    1 * 1024 * 1024, // session bodies are small JSON
	})

	// Middleware
	app.Use(recover.New())
	app.Use(logger.New())

	// Prometheus metrics middleware
	prometheus := fiberprometheus.New("professor_lock")
	prometheus.RegisterAt(app, "/metrics")
	app.Use(prometheus.Middleware)
	log.Println("📊 Prometheus metrics endpoint enabled at /metrics")

	// CORS configuration with environment-based origins
	allowedOrigins := os.Getenv("ALLOWED_ORIGINS")
	if allowedOrigins == "" {
		allowedOrigins = "http://localhost:3000"
		log.Println("⚠️  ALLOWED_ORIGINS not set, using development default")
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins: allowedOrigins,
		AllowMethods: "GET,POST,OPTIONS",
		AllowHeaders: "Origin,Content-Type,Accept,Authorization",
	}))

	// Initialize handlers
	healthHandler := handlers.NewHealthHandler(registry)
	sessionHandler := handlers.NewSessionHandler(appCtx, registry)

	// Routes
	app.Get("/healthz", healthHandler.HandleHealthz)
	app.Get("/health", healthHandler.Handle)
	app.Post("/session/start", sessionHandler.HandleStart)
	app.Post("/session/message", sessionHandler.HandleMessage)

	// Handle graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Println("\n🛑 Shutting down server...")

		// Stop the sweep job
		if sweepScheduler != nil {
			if err := sweepScheduler.Shutdown(); err != nil {
				log.Printf("⚠️  Error stopping sweep scheduler: %v", err)
			}
		}

		// Wind down session loops; each relays its completed event on the
		// way out.
		cancelApp()
		time.Sleep(2 * time.Second)

		// Shutdown Fiber
		if err := app.Shutdown(); err != nil {
			log.Printf("⚠️  Error shutting down server: %v", err)
		}
	}()

	if err := app.Listen(":" + cfg.Port); err != nil {
		log.Fatalf("❌ Failed to start server: %v", err)
	}
}
