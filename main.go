package main

import (
	"context"

	"github.com/getsentry/sentry-go"
	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"nudgemail/config"
	controller "nudgemail/controllers"
	"nudgemail/engine"
	"nudgemail/middleware"
	"nudgemail/routes"
	"nudgemail/store"
	"nudgemail/utils"
	"nudgemail/worker"
)

func main() {
	logger := logrus.New()
	logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	// Load configuration
	if err := config.LoadConfig(); err != nil {
		logger.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize Sentry if configured
	if config.AppConfig.SentryDSN != "" {
		if err := sentry.Init(sentry.ClientOptions{
			Dsn:         config.AppConfig.SentryDSN,
			Environment: config.AppConfig.Environment,
		}); err != nil {
			logger.Warnf("Sentry initialization failed: %v", err)
		}
	}

	// Initialize database connection
	if err := config.ConnectDB(); err != nil {
		logger.Fatalf("Failed to connect to database: %v", err)
	}

	// Wire the scheduling engine
	repo := store.NewGormRepository(config.DB)
	mailer := utils.NewFollowUpMailer(config.DB, logger)
	inspector := utils.NewReplyInspector(config.DB, logger)
	scheduleEngine := engine.New(repo, mailer, inspector, nil, logger, engine.Options{
		PassBatchLimit: config.AppConfig.PassBatchLimit,
		SendTimeout:    config.AppConfig.SendTimeout,
		InspectTimeout: config.AppConfig.InspectTimeout,
		ResumeFromNow:  config.AppConfig.ResumeFromNow,
	})
	controller.SetEngine(scheduleEngine)

	// Start the background scheduler
	schedulerWorker := worker.NewSchedulerWorker(scheduleEngine, logger, config.AppConfig.SchedulerInterval)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go schedulerWorker.Start(ctx)

	// Create Fiber app
	app := fiber.New()

	// Add CORS middleware
	app.Use(middleware.CORS())

	// Setup routes
	routes.SetupRoutes(app, config.DB)

	// Health check endpoint
	app.Get("/", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{
			"status":  "running",
			"version": "1.0.0",
		})
	})

	// Start server
	logger.Infof("Server starting on port %s", config.AppConfig.ServerPort)
	if err := app.Listen(":" + config.AppConfig.ServerPort); err != nil {
		logger.Fatalf("Failed to start server: %v", err)
	}
}
