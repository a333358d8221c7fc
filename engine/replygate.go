package engine

import (
	"context"
	"time"

	"nudgemail/models"
)

// ReplyGate decides whether the next send must be gated because the thread
// already received an external reply. It never mutates state; the processor
// acts on its answer.
type ReplyGate struct {
	inspector ThreadInspector
	timeout   time.Duration
}

func NewReplyGate(inspector ThreadInspector, timeout time.Duration) *ReplyGate {
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &ReplyGate{inspector: inspector, timeout: timeout}
}

// ShouldGate reports whether a message from someone other than ownerEmail
// arrived in the enrollment's thread strictly after it was enrolled.
// Inspector failures are returned to the caller, never swallowed as false.
func (g *ReplyGate) ShouldGate(ctx context.Context, e *models.Enrollment, ownerEmail string) (bool, error) {
	if e.ThreadID == "" {
		// Nothing to inspect; enrollments without a thread cannot be gated.
		return false, nil
	}
	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()
	return g.inspector.HasExternalReplyAfter(ctx, e.SenderID, e.ThreadID, e.EnrolledAt, ownerEmail)
}
