package engine

import (
	"context"
	"fmt"
	"time"

	"nudgemail/models"
)

// RunPass executes one processing pass over all due schedules, oldest
// first. A failure on one schedule never aborts the pass; it is logged and
// counted, and processing moves on to the next schedule.
func (en *Engine) RunPass(ctx context.Context, now time.Time) (*PassReport, error) {
	report := &PassReport{}
	due, err := en.repo.FindDueSchedules(ctx, now, en.opts.PassBatchLimit)
	if err != nil {
		return report, err
	}

	for i := range due {
		s := &due[i]
		if err := en.processSchedule(ctx, s, report); err != nil {
			en.logger.WithFields(map[string]interface{}{
				"schedule_id":   s.ID,
				"enrollment_id": s.EnrollmentID,
			}).WithError(err).Error("Schedule processing failed")
		}
	}
	return report, nil
}

// TriggerNow bypasses the schedule's due time and runs the normal
// processing path for one enrollment, which must be active and have a
// pending schedule.
func (en *Engine) TriggerNow(ctx context.Context, enrollmentID uint) (*PassReport, error) {
	e, err := en.repo.GetEnrollment(ctx, enrollmentID)
	if err != nil {
		return nil, err
	}
	if e.Status != models.EnrollmentStatusActive {
		return nil, &InvalidStateError{Op: "trigger", Status: e.Status}
	}
	s, err := en.repo.GetPendingSchedule(ctx, enrollmentID)
	if err != nil {
		if err == ErrNotFound {
			return nil, &InvalidStateError{Op: "trigger", Status: "no pending schedule"}
		}
		return nil, err
	}

	report := &PassReport{}
	if err := en.processSchedule(ctx, s, report); err != nil {
		return report, err
	}
	return report, nil
}

// processSchedule drives one schedule through claim, reply gate, variant
// selection, send and state advance. Panics are converted to errors so one
// poisoned schedule cannot take down a pass.
func (en *Engine) processSchedule(ctx context.Context, s *models.FollowUpSchedule, report *PassReport) (err error) {
	defer func() {
		if r := recover(); r != nil {
			report.Failed++
			err = fmt.Errorf("panic processing schedule %d: %v", s.ID, r)
		}
	}()

	report.Processed++

	// Optimistic claim: the loser of a concurrent pass/trigger race sees
	// the schedule already claimed (or cancelled) and no-ops.
	claimed, err := en.repo.ClaimSchedule(ctx, s.ID)
	if err != nil {
		return err
	}
	if !claimed {
		report.Skipped++
		return nil
	}
	s.Status = models.ScheduleStatusProcessing

	e, err := en.repo.GetEnrollment(ctx, s.EnrollmentID)
	if err != nil {
		if err == ErrNotFound {
			s.Status = models.ScheduleStatusCancelled
			s.ErrorMessage = "Enrollment no longer exists"
			report.Skipped++
			return en.repo.ResolveSchedule(ctx, s)
		}
		return err
	}

	// Stale schedule from a since-paused/cancelled enrollment.
	if e.Status != models.EnrollmentStatusActive {
		s.Status = models.ScheduleStatusCancelled
		s.ErrorMessage = "Enrollment is " + e.Status
		report.Skipped++
		return en.repo.ResolveSchedule(ctx, s)
	}

	seq, err := en.repo.GetSequence(ctx, e.SequenceID)
	if err != nil {
		return err
	}
	step, serr := stepForSchedule(seq, e, s)
	if serr != nil {
		s.Status = models.ScheduleStatusCancelled
		s.ErrorMessage = serr.Error()
		report.Skipped++
		return en.repo.ResolveSchedule(ctx, s)
	}

	// Reply gate comes before everything else: a detected reply pauses the
	// enrollment even when the step was otherwise due right now. An
	// inspector failure stalls this enrollment rather than guessing.
	gated, gerr := en.gate.ShouldGate(ctx, e, e.Sender.FromEmail)
	if gerr != nil {
		report.Failed++
		return en.markSendFailed(ctx, e, s, fmt.Errorf("reply check failed: %w", gerr))
	}
	if gated {
		report.Gated++
		if err := en.gateOnReply(ctx, e, s); err != nil {
			return err
		}
		en.logger.WithField("enrollment_id", e.ID).Info("Reply detected, enrollment paused")
		return nil
	}

	body, verr := en.variants.Select(ctx, seq.ID, s.StepIndex, step.Variants)
	if verr != nil {
		report.Failed++
		return en.markSendFailed(ctx, e, s, verr)
	}

	vars := messageVariables(e)
	msg := OutgoingMessage{
		SenderID:   e.SenderID,
		ThreadID:   e.ThreadID,
		To:         e.ToEmail,
		Subject:    renderVariables(step.Subject, vars),
		Body:       renderVariables(body, vars),
		InReplyTo:  e.SourceMessageID,
		References: e.SourceMessageID,
	}
	if e.ReplyMode == models.ReplyModeReplyAll {
		msg.CC = e.CCEmails
	}

	sendCtx, cancel := context.WithTimeout(ctx, en.opts.SendTimeout)
	res, sendErr := en.sender.Send(sendCtx, msg)
	cancel()
	if sendErr != nil {
		report.Failed++
		return en.markSendFailed(ctx, e, s, sendErr)
	}

	sentAt := en.now()
	s.Status = models.ScheduleStatusSent
	s.SentAt = &sentAt
	if res != nil {
		s.MessageID = res.MessageID
	}
	if err := en.repo.ResolveSchedule(ctx, s); err != nil {
		return err
	}
	report.Sent++

	return en.advanceAfterSend(ctx, e, seq, s.StepIndex, sentAt)
}
