package engine

import (
	"context"
	"fmt"
	"time"

	"nudgemail/models"
)

// EnrollRequest carries everything needed to bind a sent email to a
// sequence.
type EnrollRequest struct {
	UserID          uint
	SequenceID      uint
	SenderID        uint
	SourceMessageID string
	ThreadID        string
	ToEmail         string
	CCEmails        []string
	ReplyMode       string
}

// Enroll creates an active enrollment at step 0, computes its first send
// time and creates the first pending schedule, all in one transaction.
// A live (active or pending) enrollment for the same (sequence, source
// message) pair makes this a ValidationError.
func (en *Engine) Enroll(ctx context.Context, req EnrollRequest) (*models.Enrollment, error) {
	seq, err := en.repo.GetSequence(ctx, req.SequenceID)
	if err != nil {
		return nil, err
	}
	if len(seq.Steps) == 0 {
		return nil, configErrorf("sequence %d has no steps", seq.ID)
	}

	exists, err := en.repo.HasLiveEnrollment(ctx, req.SequenceID, req.SourceMessageID)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, validationErrorf("email %q is already enrolled in sequence %d", req.SourceMessageID, req.SequenceID)
	}

	replyMode := req.ReplyMode
	if replyMode == "" {
		replyMode = models.ReplyModePrimary
	}
	if replyMode != models.ReplyModePrimary && replyMode != models.ReplyModeReplyAll {
		return nil, validationErrorf("unknown reply mode %q", req.ReplyMode)
	}

	now := en.now()
	nextAt, err := en.clock.NextSendTime(seq, &seq.Steps[0], now)
	if err != nil {
		return nil, err
	}

	e := &models.Enrollment{
		UserID:           req.UserID,
		SequenceID:       req.SequenceID,
		SenderID:         req.SenderID,
		SourceMessageID:  req.SourceMessageID,
		ThreadID:         req.ThreadID,
		ToEmail:          req.ToEmail,
		CCEmails:         req.CCEmails,
		ReplyMode:        replyMode,
		Status:           models.EnrollmentStatusActive,
		CurrentStepIndex: 0,
		NextSendAt:       &nextAt,
		EnrolledAt:       now,
	}
	first := &models.FollowUpSchedule{
		StepIndex:    0,
		ScheduledFor: nextAt,
		Status:       models.ScheduleStatusPending,
	}
	if err := en.repo.CreateEnrollment(ctx, e, first); err != nil {
		return nil, err
	}
	en.logger.WithFields(map[string]interface{}{
		"enrollment_id": e.ID,
		"sequence_id":   seq.ID,
		"next_send_at":  nextAt,
	}).Info("Enrollment created")
	return e, nil
}

// advanceAfterSend moves the enrollment past the step that just went out.
// Reaching len(steps) completes the enrollment; otherwise the next pending
// schedule is created in the same transaction that retires the old one.
func (en *Engine) advanceAfterSend(ctx context.Context, e *models.Enrollment, seq *models.Sequence, sentStepIndex int, sentAt time.Time) error {
	e.CurrentStepIndex = sentStepIndex + 1
	e.LastSentAt = &sentAt

	if e.CurrentStepIndex >= len(seq.Steps) {
		e.Status = models.EnrollmentStatusCompleted
		e.StatusReason = models.StatusReasonNone
		e.CompletedAt = &sentAt
		e.NextSendAt = nil
		return en.repo.ReplacePendingSchedule(ctx, e, nil, "Sequence completed")
	}

	step := &seq.Steps[e.CurrentStepIndex]
	nextAt, err := en.clock.NextSendTime(seq, step, sentAt)
	if err != nil {
		return err
	}
	e.NextSendAt = &nextAt
	next := &models.FollowUpSchedule{
		EnrollmentID: e.ID,
		StepIndex:    e.CurrentStepIndex,
		ScheduledFor: nextAt,
		Status:       models.ScheduleStatusPending,
	}
	return en.repo.ReplacePendingSchedule(ctx, e, next, "Superseded by next step")
}

// gateOnReply pauses the enrollment because an external reply arrived.
// The claimed schedule (when the gate fired mid-processing) and any other
// pending schedule are cancelled.
func (en *Engine) gateOnReply(ctx context.Context, e *models.Enrollment, claimed *models.FollowUpSchedule) error {
	if claimed != nil {
		claimed.Status = models.ScheduleStatusCancelled
		claimed.ErrorMessage = "Reply received"
		if err := en.repo.ResolveSchedule(ctx, claimed); err != nil {
			return err
		}
	}
	e.Status = models.EnrollmentStatusPaused
	e.StatusReason = models.StatusReasonReplyDetected
	e.NextSendAt = nil
	return en.repo.ReplacePendingSchedule(ctx, e, nil, "Reply received")
}

// markSendFailed records a failed send: the schedule keeps the error, the
// enrollment stalls in error status and no successor schedule is created.
func (en *Engine) markSendFailed(ctx context.Context, e *models.Enrollment, s *models.FollowUpSchedule, cause error) error {
	s.Status = models.ScheduleStatusFailed
	s.ErrorMessage = cause.Error()
	if err := en.repo.ResolveSchedule(ctx, s); err != nil {
		return err
	}
	msg := cause.Error()
	e.Status = models.EnrollmentStatusError
	e.StatusReason = models.StatusReasonSendFailed
	e.NextSendAt = nil
	e.LastError = &msg
	if err := en.repo.SaveEnrollment(ctx, e); err != nil {
		return err
	}
	en.logger.WithFields(map[string]interface{}{
		"enrollment_id": e.ID,
		"schedule_id":   s.ID,
	}).WithError(cause).Warn("Send failed, enrollment stalled")
	return nil
}

// Pause manually pauses a pending or active enrollment and cancels its
// pending schedule.
func (en *Engine) Pause(ctx context.Context, enrollmentID uint) (*models.Enrollment, error) {
	e, err := en.repo.GetEnrollment(ctx, enrollmentID)
	if err != nil {
		return nil, err
	}
	if e.Status != models.EnrollmentStatusPending && e.Status != models.EnrollmentStatusActive {
		return nil, &InvalidStateError{Op: "pause", Status: e.Status}
	}
	e.Status = models.EnrollmentStatusPaused
	e.StatusReason = models.StatusReasonManual
	e.NextSendAt = nil
	if err := en.repo.ReplacePendingSchedule(ctx, e, nil, "Paused by user"); err != nil {
		return nil, err
	}
	return e, nil
}

// Resume reactivates a paused or errored enrollment. The next send time is
// recomputed for the current step — the one that was about to go out, not a
// new one — and exactly one fresh pending schedule is created.
func (en *Engine) Resume(ctx context.Context, enrollmentID uint) (*models.Enrollment, error) {
	e, err := en.repo.GetEnrollment(ctx, enrollmentID)
	if err != nil {
		return nil, err
	}
	if !e.Resumable() {
		return nil, &InvalidStateError{Op: "resume", Status: e.Status}
	}
	seq, err := en.repo.GetSequence(ctx, e.SequenceID)
	if err != nil {
		return nil, err
	}
	if e.CurrentStepIndex >= len(seq.Steps) {
		return nil, validationErrorf("enrollment %d has no remaining steps to resume", e.ID)
	}

	base := en.now()
	if !en.opts.ResumeFromNow {
		// Preserve the original cadence instead of restarting the window.
		if e.LastSentAt != nil {
			base = *e.LastSentAt
		} else {
			base = e.EnrolledAt
		}
	}
	step := &seq.Steps[e.CurrentStepIndex]
	nextAt, err := en.clock.NextSendTime(seq, step, base)
	if err != nil {
		return nil, err
	}

	e.Status = models.EnrollmentStatusActive
	e.StatusReason = models.StatusReasonNone
	e.LastError = nil
	e.NextSendAt = &nextAt
	next := &models.FollowUpSchedule{
		EnrollmentID: e.ID,
		StepIndex:    e.CurrentStepIndex,
		ScheduledFor: nextAt,
		Status:       models.ScheduleStatusPending,
	}
	if err := en.repo.ReplacePendingSchedule(ctx, e, next, "Superseded by resume"); err != nil {
		return nil, err
	}
	return e, nil
}

// Unenroll terminally cancels an enrollment regardless of its current
// status and cancels any pending schedule. It cannot be undone.
func (en *Engine) Unenroll(ctx context.Context, enrollmentID uint) (*models.Enrollment, error) {
	e, err := en.repo.GetEnrollment(ctx, enrollmentID)
	if err != nil {
		return nil, err
	}
	if e.Status == models.EnrollmentStatusCancelled {
		return nil, &InvalidStateError{Op: "unenroll", Status: e.Status}
	}
	e.Status = models.EnrollmentStatusCancelled
	e.StatusReason = models.StatusReasonManual
	e.NextSendAt = nil
	if err := en.repo.ReplacePendingSchedule(ctx, e, nil, "Unenrolled"); err != nil {
		return nil, err
	}
	return e, nil
}

// stepForSchedule validates that a claimed schedule still matches the
// enrollment's current position in the sequence.
func stepForSchedule(seq *models.Sequence, e *models.Enrollment, s *models.FollowUpSchedule) (*models.SequenceStep, error) {
	if s.StepIndex != e.CurrentStepIndex || s.StepIndex >= len(seq.Steps) {
		return nil, fmt.Errorf("schedule step %d does not match enrollment step %d of %d", s.StepIndex, e.CurrentStepIndex, len(seq.Steps))
	}
	return &seq.Steps[s.StepIndex], nil
}
