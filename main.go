package main

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"outreach/config"
	controller "outreach/controllers"
	"outreach/middleware"
	"outreach/routes"
	"outreach/services"
	"outreach/utils"
	"outreach/worker"

	"github.com/getsentry/sentry-go"
	"github.com/go-redis/redis/v8"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

func main() {
	// Load configuration
	if err := config.LoadConfig(); err != nil {
		logrus.Fatalf("Failed to load configuration: %v", err)
	}
	cfg := config.AppConfig

	utils.InitLogger(cfg.LogFormat, cfg.Environment)
	if err := utils.InitSentry(cfg.SentryDSN, cfg.Environment); err != nil {
		logrus.WithError(err).Warn("Sentry disabled")
	}
	defer sentry.Flush(2 * time.Second)

	// Initialize database connection
	if err := config.ConnectDB(); err != nil {
		logrus.Fatalf("Failed to connect to database: %v", err)
	}

	utils.RegisterMetrics(prometheus.DefaultRegisterer)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var redisClient *redis.Client
	if cfg.Redis.Enabled {
		redisClient = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Address,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		if err := redisClient.Ping(ctx).Err(); err != nil {
			logrus.Fatalf("Failed to connect to redis: %v", err)
		}
		defer redisClient.Close()
		logrus.WithField("address", cfg.Redis.Address).Info("Using redis for quotas and locks")
	}

	contacts := services.NewLeadStore(config.DB)
	hooks := services.MultiHook{services.LogHook{}, services.HistoryHook{History: contacts}}
	if cfg.Automation.SQSQueueURL != "" {
		client, err := services.NewSQSClient(ctx, cfg.Automation.AWSRegion, cfg.Automation.LocalstackEndpoint)
		if err != nil {
			logrus.Fatalf("Failed to create SQS client: %v", err)
		}
		hooks = append(hooks, &services.SQSHook{SQS: client, QueueURL: cfg.Automation.SQSQueueURL})
		logrus.WithField("queue_url", cfg.Automation.SQSQueueURL).Info("Publishing automation events to SQS")
	}

	engine := services.NewEngine(config.DB, cfg, services.EngineOptions{
		Redis:    redisClient,
		Hook:     hooks,
		Contacts: contacts,
	})
	hub := controller.NewEngineHub(config.DB)
	engine.OnCycle = hub.Broadcast

	var engineWorker *worker.EngineWorker
	if !cfg.Scheduler.Disabled {
		engineWorker = worker.NewEngineWorker(engine, cfg.Scheduler)
		engineWorker.Start(ctx)
	}

	// Create Fiber app
	app := fiber.New(fiber.Config{
		AppName:      "outreach",
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 5 * time.Minute, // cron ticks can run long
		BodyLimit:    25 << 20,        // inbound webhooks carry full messages
		ErrorHandler: func(c *fiber.Ctx, err error) error {
			code := fiber.StatusInternalServerError
			var fe *fiber.Error
			if errors.As(err, &fe) {
				code = fe.Code
			} else {
				utils.LogError("unhandled_request_error", err, map[string]interface{}{"path": c.Path()})
			}
			return utils.ErrorResponse(c, code, errorMessage(code, fe), nil)
		},
	})

	app.Use(recover.New())
	app.Use(middleware.CORS(middleware.CORSConfig{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Origin", "Content-Type", "Accept", "Authorization"},
		AllowCredentials: true,
		MaxAge:           86400,
	}))

	routes.SetupRoutes(app, routes.Deps{
		DB:     config.DB,
		Engine: engine,
		Hub:    hub,
		Redis:  redisClient,
		Config: cfg,
	})

	go func() {
		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		<-sig
		logrus.Info("Shutting down...")

		if engineWorker != nil {
			engineWorker.Stop()
		}
		if err := app.ShutdownWithTimeout(30 * time.Second); err != nil {
			logrus.WithError(err).Error("Server shutdown failed")
		}
		engine.Shutdown()
		cancel()
	}()

	// Start server
	logrus.Infof("Server starting on port %s", cfg.ServerPort)
	if err := app.Listen(":" + cfg.ServerPort); err != nil {
		logrus.Fatalf("Failed to start server: %v", err)
	}
}

func errorMessage(code int, fe *fiber.Error) string {
	if fe != nil {
		return fe.Message
	}
	return "Internal server error"
}
