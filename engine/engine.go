package engine

import (
	"time"

	"github.com/sirupsen/logrus"
)

// Options tunes engine behavior. Zero values fall back to sane defaults.
type Options struct {
	// PassBatchLimit caps how many due schedules one pass pulls.
	PassBatchLimit int

	// SendTimeout bounds each EmailSender.Send call.
	SendTimeout time.Duration

	// InspectTimeout bounds each ThreadInspector call.
	InspectTimeout time.Duration

	// ResumeFromNow controls the resume policy: when true (the default) a
	// resumed enrollment recomputes its next send time from "now"; when
	// false it preserves the original cadence by counting from the last
	// send (or from enrollment when nothing was sent yet).
	ResumeFromNow bool
}

func (o Options) withDefaults() Options {
	if o.PassBatchLimit <= 0 {
		o.PassBatchLimit = 100
	}
	if o.SendTimeout <= 0 {
		o.SendTimeout = 30 * time.Second
	}
	if o.InspectTimeout <= 0 {
		o.InspectTimeout = 20 * time.Second
	}
	return o
}

// Engine wires the scheduling core together. All mutation of enrollments
// and schedules goes through here.
type Engine struct {
	repo     Repository
	sender   EmailSender
	clock    *SendWindowClock
	variants *VariantSelector
	gate     *ReplyGate
	opts     Options
	logger   *logrus.Entry

	now func() time.Time // overridable in tests
}

func New(repo Repository, sender EmailSender, inspector ThreadInspector, clock *SendWindowClock, logger *logrus.Logger, opts Options) *Engine {
	if clock == nil {
		clock = NewSendWindowClock(nil)
	}
	if logger == nil {
		logger = logrus.New()
	}
	opts = opts.withDefaults()
	return &Engine{
		repo:     repo,
		sender:   sender,
		clock:    clock,
		variants: NewVariantSelector(repo),
		gate:     NewReplyGate(inspector, opts.InspectTimeout),
		opts:     opts,
		logger:   logger.WithField("component", "engine"),
		now:      time.Now,
	}
}

// PassReport summarizes one processing pass.
type PassReport struct {
	Processed int `json:"processed"`
	Sent      int `json:"sent"`
	Failed    int `json:"failed"`
	Gated     int `json:"gated"`
	Skipped   int `json:"skipped"`
}
