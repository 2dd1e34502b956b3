package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"tipstream/internal/config"
	"tipstream/internal/database"
	"tipstream/internal/handlers"
	"tipstream/internal/jobs"
	"tipstream/internal/logging"
	"tipstream/internal/models"
	"tipstream/internal/relay"
	"tipstream/internal/services"

	"github.com/ansrivas/fiberprometheus/v2"
	"github.com/fsnotify/fsnotify"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/limiter"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/joho/godotenv"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	// Initialize structured logging (JSON in production, text in dev)
	logging.Init()

	log.Println("🚀 Starting tipstream server...")

	// Load .env file (ignore error if file doesn't exist)
	if err := godotenv.Load(); err != nil {
		log.Printf("⚠️  No .env file found or error loading it: %v", err)
	} else {
		log.Println("✅ .env file loaded successfully")
	}

	// Load configuration
	cfg := config.Load()
	log.Printf("📋 Configuration loaded (Port: %s, fetch timeout: %s)", cfg.Port, cfg.FetchTimeout)

	// Relay roster (yaml file or environment)
	relayList, err := services.NewRelayListService(cfg)
	if err != nil {
		log.Fatalf("❌ Failed to load relay roster: %v", err)
	}

	// Relay HTTP client
	relayClient := relay.NewClient(relayList.PrimaryURL())

	// Core aggregation services
	fanoutService := services.NewFanoutService(relayClient)
	batchController := services.NewBatchController()
	recordCache := services.NewRecordCacheService()
	lookupService := services.NewLookupService(fanoutService, relayList)
	analyticsService := services.NewAnalyticsService(lookupService)
	exportService := services.NewExportService()
	paginationService := services.NewPaginationService(
		fanoutService,
		batchController,
		recordCache,
		relayList,
		cfg.FetchTimeout,
		cfg.BatchDelay,
		cfg.AutoLoadEnabled,
	)
	log.Println("✅ Aggregation services initialized")

	// Connection manager for the state stream; every pagination
	// transition is pushed to watchers of that subject
	connManager := services.NewConnectionManager()
	paginationService.SetNotifier(func(status models.LoadStatus) {
		connManager.BroadcastToSubject(status.Subject, status)
	})

	// Initialize MongoDB (optional - for scheduled publishing)
	var mongoDB *database.MongoDB

	mongoURI := os.Getenv("MONGODB_URI")
	if mongoURI != "" {
		log.Println("🔗 Connecting to MongoDB...")
		mongoDB, err = database.NewMongoDB(mongoURI)
		if err != nil {
			log.Printf("⚠️ Failed to connect to MongoDB: %v (scheduled publishing disabled)", err)
			mongoDB = nil
		} else {
			defer mongoDB.Close(context.Background())
			log.Println("✅ MongoDB connected successfully")

			if err := mongoDB.Initialize(context.Background()); err != nil {
				log.Printf("⚠️ Failed to initialize MongoDB indexes: %v", err)
			}
		}
	} else {
		log.Println("⚠️ MONGODB_URI not set - scheduled publishing disabled")
	}

	// Initialize Redis service (for sweep locking across instances)
	var redisService *services.RedisService
	if cfg.RedisURL != "" {
		log.Println("🔗 Connecting to Redis...")
		redisService, err = services.NewRedisService(cfg.RedisURL)
		if err != nil {
			log.Printf("⚠️ Failed to connect to Redis: %v (sweep lock disabled)", err)
			redisService = nil
		} else {
			log.Println("✅ Redis connected successfully")
		}
	} else {
		log.Println("⚠️ REDIS_URL not set - sweep lock disabled")
	}

	// Scheduled publish worker (requires MongoDB)
	var publishService *services.ScheduledPublishService
	if mongoDB != nil {
		publishService, err = services.NewScheduledPublishService(mongoDB, redisService, relayClient, relayList, cfg)
		if err != nil {
			log.Fatalf("❌ Failed to create scheduled publish service: %v", err)
		}
		if err := publishService.Start(); err != nil {
			log.Fatalf("❌ Failed to start scheduled publish service: %v", err)
		}
	}

	// Prometheus metrics
	services.InitMetrics(recordCache, connManager)

	// Background jobs
	jobScheduler := jobs.NewJobScheduler()
	if publishService != nil {
		purgeJob := jobs.NewPurgePublishesJob(publishService, cfg.PurgeRetentionDays)
		jobScheduler.Register("publish_purge", purgeJob)
	}
	if err := jobScheduler.Start(); err != nil {
		log.Printf("⚠️ Failed to start job scheduler: %v", err)
	}

	// Initialize Fiber app
	app := fiber.New(fiber.Config{
		AppName:      "tipstream v1.0",
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
		BodyLimit:    2 * 1024 * 1024, // pre-signed payloads stay small
	})

	// Middleware
	app.Use(recover.New())
	app.Use(logger.New())

	// Prometheus metrics middleware
	prometheus := fiberprometheus.New("tipstream")
	prometheus.RegisterAt(app, "/metrics")
	app.Use(prometheus.Middleware)
	log.Println("📊 Prometheus metrics endpoint enabled at /metrics")

	// CORS
	allowedOrigins := os.Getenv("ALLOWED_ORIGINS")
	if allowedOrigins == "" {
		// Default to localhost for development
		allowedOrigins = "http://localhost:5173,http://localhost:3000"
		log.Println("⚠️  ALLOWED_ORIGINS not set, using development defaults")
	}

	// Fiber's CORS middleware does not allow AllowCredentials with
	// wildcard origins.
	allowCredentials := allowedOrigins != "*"

	app.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOrigins,
		AllowMethods:     "GET,POST,PUT,DELETE,OPTIONS",
		AllowHeaders:     "Origin,Content-Type,Accept,Authorization",
		AllowCredentials: allowCredentials,
	}))

	// Per-IP rate limiter for the API surface
	app.Use("/api", limiter.New(limiter.Config{
		Max:        cfg.APIRateLimit,
		Expiration: 1 * time.Minute,
		KeyGenerator: func(c *fiber.Ctx) string {
			return c.IP()
		},
		LimitReached: func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error": "Rate limit exceeded. Please slow down.",
			})
		},
	}))
	log.Printf("🛡️  Rate limiter enabled: %d requests/min per IP", cfg.APIRateLimit)

	// Initialize handlers
	healthHandler := handlers.NewHealthHandler(recordCache, connManager)
	recordsHandler := handlers.NewRecordsHandler(paginationService, recordCache)
	analyticsHandler := handlers.NewAnalyticsHandler(paginationService, recordCache, analyticsService, exportService)
	publishHandler := handlers.NewPublishHandler(publishService)
	adminHandler := handlers.NewAdminHandler(recordCache, paginationService, lookupService, relayList, jobScheduler)
	stateWSHandler := handlers.NewStateWebSocketHandler(connManager, paginationService)

	// Routes

	// Health check (public)
	app.Get("/health", healthHandler.Handle)

	// Records
	app.Get("/api/records", recordsHandler.List)
	app.Post("/api/records/load-more", recordsHandler.LoadMore)
	app.Get("/api/records/state", recordsHandler.State)

	// Analytics
	app.Get("/api/analytics", analyticsHandler.Summary)
	app.Get("/api/analytics/export", analyticsHandler.Export)

	// Scheduled publishes
	app.Post("/api/publishes", publishHandler.Create)
	app.Get("/api/publishes/stats", publishHandler.Stats)
	app.Get("/api/publishes", publishHandler.List)
	app.Get("/api/publishes/:id", publishHandler.Get)
	app.Delete("/api/publishes/:id", publishHandler.Delete)

	// Cache, relays and jobs admin
	app.Post("/api/cache/clear", adminHandler.ClearCache)
	app.Get("/api/cache/stats", adminHandler.CacheStats)
	app.Get("/api/relays", adminHandler.Relays)
	app.Get("/api/jobs", adminHandler.Jobs)
	app.Post("/api/jobs/:name/run", adminHandler.RunJob)

	// WebSocket state stream
	app.Use("/ws", func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			c.Locals("allowed", true)
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	})

	wsConfig := websocket.Config{
		Origins: strings.Split(allowedOrigins, ","),
	}
	app.Get("/ws/state", websocket.New(stateWSHandler.Handle, wsConfig))

	// Watch the relay config for edits (hot-reload)
	if cfg.RelayConfigPath != "" {
		go startRelayConfigWatcher(cfg.RelayConfigPath, relayList, relayClient, recordCache, paginationService)
	}

	// Start server
	log.Printf("✅ Server ready on port %s", cfg.Port)
	log.Printf("🔗 State stream endpoint: ws://localhost:%s/ws/state", cfg.Port)
	log.Printf("📡 Health check: http://localhost:%s/health", cfg.Port)
	if publishService != nil {
		log.Printf("⏰ Scheduled publishing enabled (cron: %s)", cfg.PublishCron)
	}

	// Handle graceful shutdown
	go func() {
		sigChan := make(chan os.Signal, 1)
		signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
		<-sigChan

		log.Println("\n🛑 Shutting down server...")

		// Stop background jobs
		jobScheduler.Stop()

		// Stop the publish worker
		if publishService != nil {
			if err := publishService.Stop(); err != nil {
				log.Printf("⚠️ Error stopping publish service: %v", err)
			}
		}

		// Cancel in-flight fetch cycles
		paginationService.Stop()

		if redisService != nil {
			if err := redisService.Close(); err != nil {
				log.Printf("⚠️ Error closing Redis: %v", err)
			}
		}

		// Shutdown Fiber
		if err := app.Shutdown(); err != nil {
			log.Printf("⚠️ Error shutting down server: %v", err)
		}
	}()

	if err := app.Listen(":" + cfg.Port); err != nil {
		log.Fatalf("❌ Failed to start server: %v", err)
	}
}

// startRelayConfigWatcher watches the relay config file for changes
// and hot-reloads the roster. A primary change invalidates everything
// cached from the old primary: loop state is reset and the record
// cache cleared.
func startRelayConfigWatcher(
	filePath string,
	relayList *services.RelayListService,
	relayClient *relay.Client,
	recordCache *services.RecordCacheService,
	paginationService *services.PaginationService,
) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.Printf("⚠️  Failed to create file watcher: %v", err)
		return
	}

	absPath, err := filepath.Abs(filePath)
	if err != nil {
		log.Printf("⚠️  Failed to get absolute path for %s: %v", filePath, err)
		watcher.Close()
		return
	}

	// Watch the directory containing the file (more reliable than watching the file directly)
	dir := filepath.Dir(absPath)
	filename := filepath.Base(absPath)

	if err := watcher.Add(dir); err != nil {
		log.Printf("⚠️  Failed to watch directory %s: %v", dir, err)
		watcher.Close()
		return
	}

	log.Printf("👁️  Watching %s for changes (hot-reload enabled)", filePath)

	// Debounce timer to avoid multiple reloads for rapid file changes
	var debounceTimer *time.Timer
	debounceDuration := 500 * time.Millisecond

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return
			}

			// Only react to changes to our specific file
			if filepath.Base(event.Name) != filename {
				continue
			}

			if event.Op&fsnotify.Write == fsnotify.Write || event.Op&fsnotify.Create == fsnotify.Create {
				if debounceTimer != nil {
					debounceTimer.Stop()
				}

				debounceTimer = time.AfterFunc(debounceDuration, func() {
					log.Printf("🔄 Detected changes in %s, reloading relay roster...", filePath)

					primaryChanged, err := relayList.Reload()
					if err != nil {
						log.Printf("❌ Failed to reload relay roster: %v", err)
						return
					}

					if primaryChanged {
						relayClient.SetPrimaryURL(relayList.PrimaryURL())
						paginationService.ResetAll()
						recordCache.ClearAll()
						log.Println("🗑️  Primary relay changed: cleared record cache and loop state")
					} else {
						log.Printf("✅ Relay roster reloaded from %s", filePath)
					}
				})
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			log.Printf("⚠️  File watcher error: %v", err)
		}
	}
}
