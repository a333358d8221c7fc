package engine

import (
	"math/rand"
	"sync"
	"time"

	"nudgemail/models"
)

// maxDayWalk caps every day-by-day walk so a sequence with a broken window
// cannot loop forever. Ten years of calendar days is far beyond any sane
// follow-up delay.
const maxDayWalk = 3650

// SendWindowClock computes the next valid send timestamp for a step given
// the sequence's allowed-days/allowed-hours window. Out-of-window candidates
// are placed at a random hour and minute inside the window so sends don't
// land at bot-like fixed times; in-window candidates keep their original
// time-of-day.
type SendWindowClock struct {
	mu  sync.Mutex
	rng *rand.Rand
}

// NewSendWindowClock returns a clock using rng as its jitter source. Pass
// nil for a time-seeded source; tests supply a fixed seed.
func NewSendWindowClock(rng *rand.Rand) *SendWindowClock {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	return &SendWindowClock{rng: rng}
}

// NextSendTime computes when step should fire, counting from base.
//
// Hour delays add the delay directly. Business-day delays walk forward one
// calendar day at a time, counting only days whose weekday the window
// allows, and keep base's time-of-day. Either way, a candidate outside the
// window rolls forward to the next allowed weekday at a random in-window
// hour and minute.
func (c *SendWindowClock) NextSendTime(seq *models.Sequence, step *models.SequenceStep, base time.Time) (time.Time, error) {
	allowed := seq.AllowedWeekdaySet()
	if len(allowed) == 0 {
		return time.Time{}, configErrorf("sequence %d has no allowed weekdays", seq.ID)
	}
	if seq.StartHour < 0 || seq.EndHour > 23 || seq.StartHour >= seq.EndHour {
		return time.Time{}, configErrorf("sequence %d has invalid send window hours %d-%d", seq.ID, seq.StartHour, seq.EndHour)
	}
	if step.DelayValue <= 0 {
		return time.Time{}, configErrorf("step %d has non-positive delay %d", step.StepNumber, step.DelayValue)
	}

	loc, err := time.LoadLocation(seq.Timezone)
	if err != nil {
		return time.Time{}, configErrorf("sequence %d has invalid timezone %q", seq.ID, seq.Timezone)
	}
	base = base.In(loc)

	var candidate time.Time
	switch step.DelayUnit {
	case models.DelayUnitHours:
		candidate = base.Add(time.Duration(step.DelayValue) * time.Hour)
	case models.DelayUnitBusinessDays:
		candidate = base
		counted := 0
		for i := 0; counted < step.DelayValue; i++ {
			if i >= maxDayWalk {
				return time.Time{}, configErrorf("business-day walk exceeded %d days for step %d", maxDayWalk, step.StepNumber)
			}
			candidate = candidate.AddDate(0, 0, 1)
			if allowed[candidate.Weekday()] {
				counted++
			}
		}
	default:
		return time.Time{}, configErrorf("step %d has unknown delay unit %q", step.StepNumber, step.DelayUnit)
	}

	if allowed[candidate.Weekday()] && candidate.Hour() >= seq.StartHour && candidate.Hour() < seq.EndHour {
		return candidate, nil
	}

	// Roll forward to the next allowed weekday and jitter inside the window.
	day := candidate
	for i := 0; ; i++ {
		if i >= maxDayWalk {
			return time.Time{}, configErrorf("window roll-forward exceeded %d days for sequence %d", maxDayWalk, seq.ID)
		}
		day = day.AddDate(0, 0, 1)
		if allowed[day.Weekday()] {
			break
		}
	}

	c.mu.Lock()
	hour := seq.StartHour + c.rng.Intn(seq.EndHour-seq.StartHour)
	minute := c.rng.Intn(60)
	c.mu.Unlock()

	return time.Date(day.Year(), day.Month(), day.Day(), hour, minute, 0, 0, loc), nil
}
