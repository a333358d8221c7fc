package routes

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/logger"
	"gorm.io/gorm"

	controller "nudgemail/controllers"
	"nudgemail/middleware"
)

func SetupRoutes(app *fiber.App, db *gorm.DB) {
	// Auth routes group with logging middleware
	auth := app.Group("/auth", logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))

	// Public auth endpoints (no authentication required)
	auth.Post("/register", controller.Register)
	auth.Post("/login", controller.Login)
	auth.Post("/refresh", controller.RefreshToken)

	// Protected auth endpoints (require valid JWT)
	protectedAuth := auth.Group("", middleware.Protected())
	protectedAuth.Get("/me", controller.GetCurrentUser)

	// API group with versioning and protection
	api := app.Group("/api/v1", middleware.Protected(), logger.New(logger.Config{
		Format: "[${time}] ${status} - ${latency} ${method} ${path}\n",
	}))

	// Sender routes
	sender := api.Group("/senders")
	sender.Post("/", controller.CreateSender)
	sender.Get("/", controller.GetSenders)
	sender.Get("/:id", controller.GetSender)
	sender.Put("/:id", controller.UpdateSender)
	sender.Delete("/:id", controller.DeleteSender)

	// Sequence routes
	sequence := api.Group("/sequences")
	sequence.Post("/", controller.CreateSequence)
	sequence.Get("/", controller.GetSequences)
	sequence.Get("/:id", controller.GetSequence)
	sequence.Put("/:id", controller.UpdateSequence)
	sequence.Delete("/:id", controller.DeleteSequence)

	// Enrollment routes
	enrollment := api.Group("/enrollments")
	enrollment.Post("/", controller.CreateEnrollment)
	enrollment.Get("/", controller.GetEnrollments)
	enrollment.Get("/:id", controller.GetEnrollment)
	enrollment.Post("/:id/pause", controller.PauseEnrollment)
	enrollment.Post("/:id/resume", controller.ResumeEnrollment)
	enrollment.Post("/:id/unenroll", controller.UnenrollEnrollment)

	// Manual trigger is rate limited to keep it from hammering SMTP
	enrollment.Post("/:id/trigger", middleware.TriggerRateLimiter(), controller.TriggerEnrollmentNow)

	// Scheduler operations
	scheduler := api.Group("/scheduler")
	scheduler.Post("/run-pass", controller.RunSchedulerPass)
}
