package models

import (
	"time"

	"gorm.io/gorm"
)

// Schedule statuses. "processing" is an internal claim marker: a pass (or a
// manual trigger) flips a pending row to processing before sending so a
// concurrent competitor detects the claim and no-ops instead of double
// sending. Rows never rest in that state.
const (
	ScheduleStatusPending    = "pending"
	ScheduleStatusProcessing = "processing"
	ScheduleStatusSent       = "sent"
	ScheduleStatusFailed     = "failed"
	ScheduleStatusCancelled  = "cancelled"
)

// FollowUpSchedule is one concrete pending-or-resolved send event for an
// enrollment's current step. At most one pending row exists per enrollment;
// the repository's replace-pending transaction enforces it.
type FollowUpSchedule struct {
	gorm.Model
	EnrollmentID uint `gorm:"not null;index" json:"enrollment_id"`

	StepIndex    int       `gorm:"not null" json:"step_index"`
	ScheduledFor time.Time `gorm:"not null;index" json:"scheduled_for"`

	Status       string     `gorm:"not null;default:'pending';index" json:"status"`
	SentAt       *time.Time `json:"sent_at"`
	MessageID    string     `json:"message_id"`
	ErrorMessage string     `json:"error_message"`

	// Relations
	Enrollment Enrollment `json:"-"`
}

// VariantCursor is the persisted round-robin counter for one
// (sequence, step) pair, created lazily on first use. The next selection is
// always (LastUsedIndex + 1) mod len(variants).
type VariantCursor struct {
	gorm.Model
	SequenceID    uint `gorm:"not null;uniqueIndex:idx_variant_cursor_key" json:"sequence_id"`
	StepIndex     int  `gorm:"not null;uniqueIndex:idx_variant_cursor_key" json:"step_index"`
	LastUsedIndex int  `gorm:"not null;default:0" json:"last_used_index"`
}
