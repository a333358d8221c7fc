package models

import (
	"time"

	"gorm.io/gorm"
)

// Enrollment statuses.
const (
	EnrollmentStatusPending   = "pending"
	EnrollmentStatusActive    = "active"
	EnrollmentStatusPaused    = "paused"
	EnrollmentStatusCompleted = "completed"
	EnrollmentStatusCancelled = "cancelled"
	EnrollmentStatusError     = "error"
)

// Status reasons explaining why an enrollment is paused or errored.
const (
	StatusReasonNone          = ""
	StatusReasonManual        = "manual"
	StatusReasonReplyDetected = "reply_detected"
	StatusReasonSendFailed    = "send_failed"
)

// Reply modes for follow-up messages.
const (
	ReplyModePrimary  = "primary"
	ReplyModeReplyAll = "reply_all"
)

// Enrollment binds one sent email to one sequence and tracks its progress
// through the follow-up steps. It is mutated only by the scheduling engine.
type Enrollment struct {
	gorm.Model
	UserID     uint `gorm:"not null;index" json:"user_id"`
	SequenceID uint `gorm:"not null;index" json:"sequence_id"`
	SenderID   uint `gorm:"not null;index" json:"sender_id"`

	// Identity of the original outgoing email this enrollment follows up on.
	SourceMessageID string   `gorm:"not null;index" json:"source_message_id"`
	ThreadID        string   `gorm:"index" json:"thread_id"`
	ToEmail         string   `gorm:"not null" json:"to_email"`
	CCEmails        []string `gorm:"type:jsonb;serializer:json" json:"cc_emails"`
	ReplyMode       string   `gorm:"not null;default:'primary'" json:"reply_mode"`

	Status       string `gorm:"not null;default:'active';index" json:"status"`
	StatusReason string `gorm:"default:''" json:"status_reason"`

	// CurrentStepIndex is 0-based and always <= len(sequence.Steps);
	// when it equals the step count the enrollment must be completed.
	CurrentStepIndex int        `gorm:"not null;default:0" json:"current_step_index"`
	NextSendAt       *time.Time `json:"next_send_at"`
	EnrolledAt       time.Time  `gorm:"not null" json:"enrolled_at"`
	LastSentAt       *time.Time `json:"last_sent_at"`
	CompletedAt      *time.Time `json:"completed_at"`

	LastError *string `json:"last_error"`

	// Relations
	Sequence  Sequence           `json:"-"`
	Sender    Sender             `json:"-"`
	Schedules []FollowUpSchedule `gorm:"foreignKey:EnrollmentID" json:"schedules,omitempty"`
}

// Resumable reports whether the enrollment may be resumed. Errored
// enrollments stay resumable because the underlying cause (a transient send
// failure) may be one-off.
func (e *Enrollment) Resumable() bool {
	return e.Status == EnrollmentStatusPaused || e.Status == EnrollmentStatusError
}
