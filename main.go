package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"chatrelay-backend/controllers"
	"chatrelay-backend/database"
	"chatrelay-backend/eventstore"
	"chatrelay-backend/jobqueue"
	"chatrelay-backend/middlewares"
	"chatrelay-backend/routes"
	"chatrelay-backend/utils"
	"chatrelay-backend/worker"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/cors"
	"github.com/gofiber/fiber/v2/middleware/limiter"
)

func main() {
	// ---- Database
	database.Connect()
	database.AutoMigrate()

	// ---- Stores
	events := eventstore.New(database.DB)
	events.BackoffBase = time.Duration(utils.EnvInt("EVENT_BACKOFF_BASE_MINUTES", 5)) * time.Minute
	jobs := jobqueue.New(database.DB)
	jobs.BackoffBase = time.Duration(utils.EnvInt("JOB_BACKOFF_BASE_SECONDS", 30)) * time.Second
	controllers.SetupStores(database.DB, events, jobs)

	// ---- Limits (configurable via env)
	// Fiber default BodyLimit is 4 * 1024 * 1024 bytes if unset (per docs).
	bodyLimitBytes := utils.EnvInt("BODY_LIMIT_BYTES", 0)
	if bodyLimitBytes <= 0 {
		bodyLimitBytes = utils.EnvInt("BODY_LIMIT_MB", 4) * 1024 * 1024
	}

	// ---- Fiber app with global error handler + body limit
	app := fiber.New(fiber.Config{
		ErrorHandler: middlewares.ErrorHandler,
		BodyLimit:    bodyLimitBytes,
	})

	// ---- CORS (operator API; webhooks are server-to-server)
	allowedOrigins := os.Getenv("ALLOWED_ORIGINS")
	if allowedOrigins == "" {
		allowedOrigins = "*"
	}
	app.Use(cors.New(cors.Config{
		AllowOrigins:     allowedOrigins,
		AllowCredentials: false, // using Bearer tokens, not cookies
		AllowHeaders:     "Origin, Content-Type, Accept, Authorization",
	}))

	// ---- Global rate limiter. The webhook admission path is exempt:
	// throttling provider callbacks with 429s would trigger exactly the
	// retry storms the always-200 contract exists to prevent.
	rlMax := utils.EnvInt("RATE_LIMIT_MAX", 60)
	rlWindow := time.Duration(utils.EnvInt("RATE_LIMIT_WINDOW_SECONDS", 60)) * time.Second
	app.Use(limiter.New(limiter.Config{
		Max:        rlMax,
		Expiration: rlWindow,
		Next: func(c *fiber.Ctx) bool {
			return strings.HasPrefix(c.Path(), "/webhooks/")
		},
	}))

	// ---- Routes
	routes.Register(app)

	// ---- Worker loop (in-process; more instances can run as separate
	// processes against the same database)
	cfg := worker.DefaultConfig()
	cfg.Interval = time.Duration(utils.EnvInt("WORKER_POLL_MS", 1000)) * time.Millisecond
	cfg.Batch = utils.EnvInt("WORKER_BATCH", 5)
	cfg.StuckEventTimeout = time.Duration(utils.EnvInt("STUCK_EVENT_TIMEOUT_MINUTES", 10)) * time.Minute
	cfg.RetentionDays = utils.EnvInt("RETENTION_DAYS", 30)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	w := worker.New(events, jobs, cfg, log.Default())
	worker.RegisterHandlers(w, events, jobs, worker.NoopResponder{}, worker.LogSender{})

	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		if utils.EnvStr("WORKER_DISABLED", "") == "" {
			w.Run(ctx)
		}
	}()

	// ---- Start
	port := utils.EnvStr("PORT", "8080")
	go func() {
		<-ctx.Done()
		<-workerDone // locks released before the listener goes away
		if err := app.Shutdown(); err != nil {
			log.Printf("shutdown: %v", err)
		}
	}()
	if err := app.Listen(":" + port); err != nil {
		log.Fatal(err)
	}
}
