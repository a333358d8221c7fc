package engine

import (
	"context"
	"time"

	"nudgemail/models"
)

// Repository is the storage surface the engine depends on. The GORM-backed
// implementation lives in the store package; tests use in-memory fakes.
type Repository interface {
	GetSequence(ctx context.Context, id uint) (*models.Sequence, error)
	GetEnrollment(ctx context.Context, id uint) (*models.Enrollment, error)
	SaveEnrollment(ctx context.Context, e *models.Enrollment) error

	// HasLiveEnrollment reports whether an active or pending enrollment
	// already exists for the (sequence, source message) pair.
	HasLiveEnrollment(ctx context.Context, sequenceID uint, sourceMessageID string) (bool, error)

	// CreateEnrollment persists a new enrollment together with its first
	// pending schedule in one transaction.
	CreateEnrollment(ctx context.Context, e *models.Enrollment, first *models.FollowUpSchedule) error

	// FindDueSchedules returns pending schedules with scheduled_for <= now,
	// oldest first, capped at limit.
	FindDueSchedules(ctx context.Context, now time.Time, limit int) ([]models.FollowUpSchedule, error)

	GetPendingSchedule(ctx context.Context, enrollmentID uint) (*models.FollowUpSchedule, error)

	// ClaimSchedule atomically moves a pending schedule to processing and
	// reports whether this caller won the claim. A false result means a
	// concurrent pass or manual trigger got there first (or the schedule was
	// cancelled) and the caller must no-op.
	ClaimSchedule(ctx context.Context, scheduleID uint) (bool, error)

	// ResolveSchedule persists a terminal status (sent/failed/cancelled) on a
	// claimed schedule.
	ResolveSchedule(ctx context.Context, s *models.FollowUpSchedule) error

	// ReplacePendingSchedule cancels any pending schedules of the enrollment
	// (recording cancelReason), creates next when non-nil and saves the
	// enrollment, all in a single transaction. This is what upholds the
	// at-most-one-pending-schedule invariant.
	ReplacePendingSchedule(ctx context.Context, e *models.Enrollment, next *models.FollowUpSchedule, cancelReason string) error

	// NextVariantIndex advances the round-robin cursor for the
	// (sequence, step) key by one modulo variantCount and returns the new
	// index. The increment is atomic per key.
	NextVariantIndex(ctx context.Context, sequenceID uint, stepIndex, variantCount int) (int, error)
}

// OutgoingMessage is one follow-up email ready for delivery.
type OutgoingMessage struct {
	SenderID   uint
	ThreadID   string
	To         string
	CC         []string
	Subject    string
	Body       string
	InReplyTo  string
	References string
}

// SendResult carries transport-assigned metadata for a delivered message.
type SendResult struct {
	MessageID string
}

// EmailSender delivers a follow-up message. Implementations should return
// *TransientError or *AuthError so the processor can classify failures.
type EmailSender interface {
	Send(ctx context.Context, msg OutgoingMessage) (*SendResult, error)
}

// ThreadInspector answers whether the thread received a reply from someone
// other than the owner after the given instant. Failures propagate as typed
// errors, never as a silent false.
type ThreadInspector interface {
	HasExternalReplyAfter(ctx context.Context, senderID uint, threadID string, since time.Time, ownerEmail string) (bool, error)
}
