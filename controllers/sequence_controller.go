package controller

import (
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"

	"nudgemail/config"
	"nudgemail/models"
	"nudgemail/utils"
)

const (
	maxSequenceSteps = 4
	maxStepVariants  = 3
)

type SequenceStepRequest struct {
	DelayValue int      `json:"delay_value" validate:"required,gt=0"`
	DelayUnit  string   `json:"delay_unit" validate:"required,oneof=hours business_days"`
	Subject    string   `json:"subject" validate:"required"`
	Variants   []string `json:"variants" validate:"required,min=1,max=3"`
}

type CreateSequenceRequest struct {
	Name            string                `json:"name" validate:"required"`
	Description     string                `json:"description"`
	SenderID        uint                  `json:"sender_id" validate:"required"`
	AllowedWeekdays []string              `json:"allowed_weekdays" validate:"required,min=1"`
	StartHour       int                   `json:"start_hour" validate:"min=0,max=23"`
	EndHour         int                   `json:"end_hour" validate:"min=0,max=23"`
	Timezone        string                `json:"timezone"`
	Steps           []SequenceStepRequest `json:"steps" validate:"required,min=1,max=4"`
}

// validateSequenceRequest covers the cross-field rules struct tags cannot
// express.
func validateSequenceRequest(req *CreateSequenceRequest) error {
	if req.StartHour >= req.EndHour {
		return fmt.Errorf("start_hour (%d) must be before end_hour (%d)", req.StartHour, req.EndHour)
	}
	for _, name := range req.AllowedWeekdays {
		if _, ok := models.WeekdayNames[name]; !ok {
			return fmt.Errorf("unknown weekday %q", name)
		}
	}
	if req.Timezone == "" {
		req.Timezone = "UTC"
	}
	if _, err := time.LoadLocation(req.Timezone); err != nil {
		return fmt.Errorf("unknown timezone %q", req.Timezone)
	}
	if len(req.Steps) > maxSequenceSteps {
		return fmt.Errorf("a sequence may have at most %d steps", maxSequenceSteps)
	}
	for i, step := range req.Steps {
		if step.DelayUnit != models.DelayUnitHours && step.DelayUnit != models.DelayUnitBusinessDays {
			return fmt.Errorf("step %d: unknown delay unit %q", i, step.DelayUnit)
		}
		if len(step.Variants) == 0 || len(step.Variants) > maxStepVariants {
			return fmt.Errorf("step %d: needs between 1 and %d variants", i, maxStepVariants)
		}
		for j, v := range step.Variants {
			if v == "" {
				return fmt.Errorf("step %d: variant %d is empty", i, j)
			}
		}
	}
	return nil
}

func CreateSequence(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	var req CreateSequenceRequest
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
	if err := validateSequenceRequest(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	// Sender must exist and belong to the user
	var sender models.Sender
	if err := config.DB.Where("id = ? AND user_id = ?", req.SenderID, user.ID).First(&sender).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Sender not found",
		})
	}

	sequence := models.Sequence{
		UserID:          user.ID,
		SenderID:        req.SenderID,
		Name:            req.Name,
		Description:     req.Description,
		AllowedWeekdays: req.AllowedWeekdays,
		StartHour:       req.StartHour,
		EndHour:         req.EndHour,
		Timezone:        req.Timezone,
	}
	for i, step := range req.Steps {
		sequence.Steps = append(sequence.Steps, models.SequenceStep{
			StepNumber: i,
			DelayValue: step.DelayValue,
			DelayUnit:  step.DelayUnit,
			Subject:    step.Subject,
			Variants:   step.Variants,
		})
	}

	if err := config.DB.Create(&sequence).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to create sequence",
		})
	}

	return c.Status(fiber.StatusCreated).JSON(sequence)
}

func GetSequences(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	var sequences []models.Sequence
	if err := config.DB.Where("user_id = ?", user.ID).
		Preload("Steps", func(db *gorm.DB) *gorm.DB {
			return db.Order("sequence_steps.step_number ASC")
		}).
		Find(&sequences).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to fetch sequences",
		})
	}

	return c.JSON(sequences)
}

func GetSequence(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	sequenceID, err := utils.ParseUint(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid sequence ID",
		})
	}

	var sequence models.Sequence
	if err := config.DB.Where("id = ? AND user_id = ?", sequenceID, user.ID).
		Preload("Steps", func(db *gorm.DB) *gorm.DB {
			return db.Order("sequence_steps.step_number ASC")
		}).
		First(&sequence).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Sequence not found",
		})
	}

	return c.JSON(sequence)
}

// UpdateSequence replaces the sequence definition wholesale. In-flight
// enrollments keep their current step index, so edits only affect steps
// that have not been sent yet.
func UpdateSequence(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	sequenceID, err := utils.ParseUint(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid sequence ID",
		})
	}

	var sequence models.Sequence
	if err := config.DB.Where("id = ? AND user_id = ?", sequenceID, user.ID).First(&sequence).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Sequence not found",
		})
	}

	var req CreateSequenceRequest
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
	if err := validateSequenceRequest(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	sequence.Name = req.Name
	sequence.Description = req.Description
	sequence.AllowedWeekdays = req.AllowedWeekdays
	sequence.StartHour = req.StartHour
	sequence.EndHour = req.EndHour
	sequence.Timezone = req.Timezone

	err = config.DB.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("sequence_id = ?", sequence.ID).Delete(&models.SequenceStep{}).Error; err != nil {
			return err
		}
		sequence.Steps = nil
		for i, step := range req.Steps {
			sequence.Steps = append(sequence.Steps, models.SequenceStep{
				SequenceID: sequence.ID,
				StepNumber: i,
				DelayValue: step.DelayValue,
				DelayUnit:  step.DelayUnit,
				Subject:    step.Subject,
				Variants:   step.Variants,
			})
		}
		return tx.Save(&sequence).Error
	})
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to update sequence",
		})
	}

	return c.JSON(sequence)
}

func DeleteSequence(c *fiber.Ctx) error {
	user := c.Locals("user").(*models.User)

	sequenceID, err := utils.ParseUint(c.Params("id"))
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "Invalid sequence ID",
		})
	}

	var sequence models.Sequence
	if err := config.DB.Where("id = ? AND user_id = ?", sequenceID, user.ID).First(&sequence).Error; err != nil {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "Sequence not found",
		})
	}

	// Refuse to delete while enrollments are still live
	var liveCount int64
	if err := config.DB.Model(&models.Enrollment{}).
		Where("sequence_id = ? AND status IN ?", sequence.ID,
			[]string{models.EnrollmentStatusPending, models.EnrollmentStatusActive}).
		Count(&liveCount).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to check enrollments",
		})
	}
	if liveCount > 0 {
		return c.Status(fiber.StatusConflict).JSON(fiber.Map{
			"error": "Sequence has active enrollments",
		})
	}

	if err := config.DB.Select("Steps").Delete(&sequence).Error; err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "Failed to delete sequence",
		})
	}

	return c.JSON(fiber.Map{
		"message": "Sequence deleted successfully",
	})
}
