package controller

import (
	"errors"
	"time"

	"github.com/gofiber/fiber/v2"

	"nudgemail/config"
	"nudgemail/engine"
	"nudgemail/models"
	"nudgemail/utils"
)

// scheduleEngine is installed at startup and shared by all enrollment
// handlers.
var scheduleEngine *engine.Engine

func SetEngine(e *engine.Engine) {
	scheduleEngine = e
}

type EnrollRequest struct {
	SequenceID      uint     `json:"sequence_id" validate:"required"`
	SourceMessageID string   `json:"source_message_id" validate:"required"`
	ThreadID        string   `json:"thread_id"`
	ToEmail         string   `json:"to_email" validate:"required,email"`
	CCEmails        []string `json:"cc_emails" validate:"omitempty,dive,email"`
	ReplyMode       string   `json:"reply_mode" validate:"omitempty,oneof=primary reply_all"`
}

// engineErrorResponse maps engine error types onto HTTP statuses.
func engineErrorResponse(c *fiber.Ctx, err error) error {
	var (
		validationErr   *engine.ValidationError
		invalidStateErr *engine.InvalidStateError
		configErr       *engine.ConfigError
		authErr         *engine.AuthError
		transientErr    *engine.TransientError
	)
	switch {
	case errors.Is(err, engine.ErrNotFound):
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "Not found"})
	case errors.As(err, &validationErr):
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": err.Error()})
	case errors.As(err, &invalidStateErr):
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{"error": err.Error()})
	case errors.As(err, &configErr):
		return c.Status(fiber.StatusUnprocessableEntity).JSON(fiber.Map{"error": err.Error()})
	case errors.As(err, &authErr):
		return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": err.Error()})
	case errors.As(err, &transientErr):
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": err.Error()})
	default:
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
	}
}

func CreateEnrollment(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	var req EnrollRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid request body",
		})
	}

	if err := utils.ValidateStruct(req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	// Sequence must belong to the caller
	var sequence models.Sequence
	if err := config.DB.Where("id = ? AND user_id = ?", req.SequenceID, user.ID).First(&sequence).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Sequence not found",
		})
	}

	enrollment, err := scheduleEngine.Enroll(c.UserContext(), engine.EnrollRequest{
		UserID:          user.ID,
		SequenceID:      req.SequenceID,
		SenderID:        sequence.SenderID,
		SourceMessageID: req.SourceMessageID,
		ThreadID:        req.ThreadID,
		ToEmail:         req.ToEmail,
		CCEmails:        req.CCEmails,
		ReplyMode:       req.ReplyMode,
	})
	if err != nil {
		return engineErrorResponse(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(enrollment)
}

func GetEnrollments(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	query := config.DB.Where("user_id = ?", user.ID)
	if status := c.Query("status"); status != "" {
		query = query.Where("status = ?", status)
	}
	if sequenceID := c.Query("sequence_id"); sequenceID != "" {
		query = query.Where("sequence_id = ?", sequenceID)
	}

	var enrollments []models.Enrollment
	if err := query.Order("created_at DESC").Find(&enrollments).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to fetch enrollments",
		})
	}

	return c.JSON(enrollments)
}

func GetEnrollment(c *fiber.Ctx) error {
	enrollment, ok := loadOwnEnrollment(c)
	if !ok {
		return nil
	}

	var schedules []models.FollowUpSchedule
	if err := config.DB.Where("enrollment_id = ?", enrollment.ID).
		Order("created_at ASC").Find(&schedules).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to fetch schedules",
		})
	}
	enrollment.Schedules = schedules

	return c.JSON(enrollment)
}

func PauseEnrollment(c *fiber.Ctx) error {
	enrollment, ok := loadOwnEnrollment(c)
	if !ok {
		return nil
	}

	updated, err := scheduleEngine.Pause(c.UserContext(), enrollment.ID)
	if err != nil {
		return engineErrorResponse(c, err)
	}
	return c.JSON(updated)
}

func ResumeEnrollment(c *fiber.Ctx) error {
	enrollment, ok := loadOwnEnrollment(c)
	if !ok {
		return nil
	}

	updated, err := scheduleEngine.Resume(c.UserContext(), enrollment.ID)
	if err != nil {
		return engineErrorResponse(c, err)
	}
	return c.JSON(updated)
}

func UnenrollEnrollment(c *fiber.Ctx) error {
	enrollment, ok := loadOwnEnrollment(c)
	if !ok {
		return nil
	}

	updated, err := scheduleEngine.Unenroll(c.UserContext(), enrollment.ID)
	if err != nil {
		return engineErrorResponse(c, err)
	}
	return c.JSON(updated)
}

// TriggerEnrollmentNow fires the enrollment's pending follow-up immediately
// instead of waiting for its scheduled time. The reply gate, variant
// rotation and failure handling all still apply.
func TriggerEnrollmentNow(c *fiber.Ctx) error {
	enrollment, ok := loadOwnEnrollment(c)
	if !ok {
		return nil
	}

	report, err := scheduleEngine.TriggerNow(c.UserContext(), enrollment.ID)
	if err != nil {
		return engineErrorResponse(c, err)
	}
	return c.JSON(report)
}

// RunSchedulerPass runs one processing pass on demand. Useful for
// operations and debugging; the background worker runs the same pass on a
// timer.
func RunSchedulerPass(c *fiber.Ctx) error {
	report, err := scheduleEngine.RunPass(c.UserContext(), time.Now())
	if err != nil {
		return engineErrorResponse(c, err)
	}
	return c.JSON(report)
}

// loadOwnEnrollment resolves the :id param to an enrollment owned by the
// authenticated user. On failure it writes the error response itself and
// returns ok=false.
func loadOwnEnrollment(c *fiber.Ctx) (*models.Enrollment, bool) {
	user := c.Locals("user").(*models.User)

	enrollmentID, err := utils.ParseUint(c.Params("id"))
	if err != nil {
		_ = c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid enrollment ID",
		})
		return nil, false
	}

	var enrollment models.Enrollment
	if err := config.DB.Where("id = ? AND user_id = ?", enrollmentID, user.ID).First(&enrollment).Error; err != nil {
		_ = c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Enrollment not found",
		})
		return nil, false
	}
	return &enrollment, true
}
