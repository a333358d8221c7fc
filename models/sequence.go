package models

import (
	"time"

	"gorm.io/gorm"
)

// Delay units supported by sequence steps.
const (
	DelayUnitHours        = "hours"
	DelayUnitBusinessDays = "business_days"
)

// WeekdayNames maps the lowercase weekday names accepted in sequence
// configuration to time.Weekday values.
var WeekdayNames = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

// Sequence represents a named follow-up template: an ordered list of timed
// steps plus the send window during which follow-ups may actually go out.
type Sequence struct {
	gorm.Model
	UserID   uint `gorm:"not null;index" json:"user_id"`
	SenderID uint `gorm:"not null;index" json:"sender_id"`

	Name        string `gorm:"not null" json:"name"`
	Description string `json:"description"`

	// Send window. Weekday names are lowercase ("monday"). Hours are 0-23
	// and StartHour < EndHour is enforced at create/update time.
	AllowedWeekdays []string `gorm:"type:jsonb;serializer:json" json:"allowed_weekdays"`
	StartHour       int      `gorm:"not null;default:9" json:"start_hour"`
	EndHour         int      `gorm:"not null;default:17" json:"end_hour"`
	Timezone        string   `gorm:"not null;default:'UTC'" json:"timezone"` // IANA name, used for weekday math only

	// Relations
	Steps []SequenceStep `gorm:"foreignKey:SequenceID" json:"steps,omitempty"`
}

// AllowedWeekdaySet returns the allowed weekdays as a lookup set. Unknown
// names are skipped; validation rejects them before a sequence is persisted.
func (s *Sequence) AllowedWeekdaySet() map[time.Weekday]bool {
	set := make(map[time.Weekday]bool, len(s.AllowedWeekdays))
	for _, name := range s.AllowedWeekdays {
		if wd, ok := WeekdayNames[name]; ok {
			set[wd] = true
		}
	}
	return set
}

// SequenceStep is one follow-up occurrence within a sequence. Steps are
// treated as immutable once enrollments are in flight; editing a sequence
// writes a fresh set of step rows rather than mutating these in place.
type SequenceStep struct {
	gorm.Model
	SequenceID uint `gorm:"not null;index" json:"sequence_id"`

	StepNumber int    `gorm:"not null" json:"step_number"` // 0-based position
	DelayValue int    `gorm:"not null" json:"delay_value"` // positive
	DelayUnit  string `gorm:"not null;default:'hours'" json:"delay_unit"`

	Subject string `gorm:"not null" json:"subject"`

	// Variants holds 1-3 alternative body templates rotated round-robin.
	Variants []string `gorm:"type:jsonb;serializer:json" json:"variants"`
}
