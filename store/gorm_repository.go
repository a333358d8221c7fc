// Package store provides the GORM/Postgres implementation of
// engine.Repository.
package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"nudgemail/engine"
	"nudgemail/models"
)

type GormRepository struct {
	db *gorm.DB
}

func NewGormRepository(db *gorm.DB) *GormRepository {
	return &GormRepository{db: db}
}

func (r *GormRepository) GetSequence(ctx context.Context, id uint) (*models.Sequence, error) {
	var seq models.Sequence
	err := r.db.WithContext(ctx).
		Preload("Steps", func(db *gorm.DB) *gorm.DB {
			return db.Order("step_number ASC")
		}).
		First(&seq, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, engine.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &seq, nil
}

func (r *GormRepository) GetEnrollment(ctx context.Context, id uint) (*models.Enrollment, error) {
	var e models.Enrollment
	err := r.db.WithContext(ctx).Preload("Sender").First(&e, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, engine.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (r *GormRepository) SaveEnrollment(ctx context.Context, e *models.Enrollment) error {
	return r.db.WithContext(ctx).Save(e).Error
}

func (r *GormRepository) HasLiveEnrollment(ctx context.Context, sequenceID uint, sourceMessageID string) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).Model(&models.Enrollment{}).
		Where("sequence_id = ? AND source_message_id = ? AND status IN ?",
			sequenceID, sourceMessageID,
			[]string{models.EnrollmentStatusPending, models.EnrollmentStatusActive}).
		Count(&count).Error
	return count > 0, err
}

func (r *GormRepository) CreateEnrollment(ctx context.Context, e *models.Enrollment, first *models.FollowUpSchedule) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(e).Error; err != nil {
			return err
		}
		first.EnrollmentID = e.ID
		return tx.Create(first).Error
	})
}

func (r *GormRepository) FindDueSchedules(ctx context.Context, now time.Time, limit int) ([]models.FollowUpSchedule, error) {
	var due []models.FollowUpSchedule
	err := r.db.WithContext(ctx).
		Where("status = ? AND scheduled_for <= ?", models.ScheduleStatusPending, now).
		Order("scheduled_for ASC").
		Limit(limit).
		Find(&due).Error
	return due, err
}

func (r *GormRepository) GetPendingSchedule(ctx context.Context, enrollmentID uint) (*models.FollowUpSchedule, error) {
	var s models.FollowUpSchedule
	err := r.db.WithContext(ctx).
		Where("enrollment_id = ? AND status = ?", enrollmentID, models.ScheduleStatusPending).
		First(&s).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, engine.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &s, nil
}

// ClaimSchedule flips a pending schedule to processing. The WHERE on the
// old status makes the claim a compare-and-swap: only one of several
// concurrent callers sees RowsAffected == 1.
func (r *GormRepository) ClaimSchedule(ctx context.Context, scheduleID uint) (bool, error) {
	tx := r.db.WithContext(ctx).Model(&models.FollowUpSchedule{}).
		Where("id = ? AND status = ?", scheduleID, models.ScheduleStatusPending).
		Update("status", models.ScheduleStatusProcessing)
	if tx.Error != nil {
		return false, tx.Error
	}
	return tx.RowsAffected == 1, nil
}

func (r *GormRepository) ResolveSchedule(ctx context.Context, s *models.FollowUpSchedule) error {
	return r.db.WithContext(ctx).Save(s).Error
}

// ReplacePendingSchedule retires the enrollment's pending schedules and
// installs the successor (when any) atomically, so the at-most-one-pending
// invariant holds even against a concurrent manual trigger.
func (r *GormRepository) ReplacePendingSchedule(ctx context.Context, e *models.Enrollment, next *models.FollowUpSchedule, cancelReason string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Model(&models.FollowUpSchedule{}).
			Where("enrollment_id = ? AND status = ?", e.ID, models.ScheduleStatusPending).
			Updates(map[string]interface{}{
				"status":        models.ScheduleStatusCancelled,
				"error_message": cancelReason,
			}).Error
		if err != nil {
			return err
		}
		if next != nil {
			next.EnrollmentID = e.ID
			if err := tx.Create(next).Error; err != nil {
				return err
			}
		}
		return tx.Save(e).Error
	})
}

// NextVariantIndex advances the per-(sequence, step) round-robin cursor
// under a row lock so two concurrent sends can never pick the same index.
// The cursor is created lazily on first use.
func (r *GormRepository) NextVariantIndex(ctx context.Context, sequenceID uint, stepIndex, variantCount int) (int, error) {
	var next int
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var cursor models.VariantCursor
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("sequence_id = ? AND step_index = ?", sequenceID, stepIndex).
			First(&cursor).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			next = 1 % variantCount
			cursor = models.VariantCursor{
				SequenceID:    sequenceID,
				StepIndex:     stepIndex,
				LastUsedIndex: next,
			}
			return tx.Create(&cursor).Error
		case err != nil:
			return err
		}
		next = (cursor.LastUsedIndex + 1) % variantCount
		return tx.Model(&cursor).Update("last_used_index", next).Error
	})
	return next, err
}
