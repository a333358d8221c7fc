package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nudgemail/models"
)

func TestRunPassSendsDueScheduleAndAdvances(t *testing.T) {
	repo := newFakeRepo()
	sender := &fakeSender{}
	en := newTestEngine(repo, sender, &fakeInspector{})
	seq := testSequence(repo, 2)
	e, err := en.Enroll(context.Background(), enrollRequest(seq, "msg-1"))
	require.NoError(t, err)

	report, err := en.RunPass(context.Background(), testNow.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, report.Processed)
	assert.Equal(t, 1, report.Sent)
	assert.Zero(t, report.Failed)

	require.Len(t, sender.sent, 1)
	assert.Equal(t, "jamie.doe@example.com", sender.sent[0].To)
	assert.Equal(t, "Follow-up 1", sender.sent[0].Subject)
	assert.Equal(t, e.SourceMessageID, sender.sent[0].InReplyTo)

	after := repo.enrollment(e.ID)
	assert.Equal(t, models.EnrollmentStatusActive, after.Status)
	assert.Equal(t, 1, after.CurrentStepIndex)
	require.NotNil(t, after.LastSentAt)

	pending := repo.pendingFor(e.ID)
	require.Len(t, pending, 1)
	assert.Equal(t, 1, pending[0].StepIndex)
}

func TestRunPassCompletesSequenceAtLastStep(t *testing.T) {
	repo := newFakeRepo()
	sender := &fakeSender{}
	en := newTestEngine(repo, sender, &fakeInspector{})
	seq := testSequence(repo, 2)
	e, err := en.Enroll(context.Background(), enrollRequest(seq, "msg-1"))
	require.NoError(t, err)

	// Two passes, each one far enough in the future to find the next
	// schedule due.
	for pass := 0; pass < 2; pass++ {
		report, err := en.RunPass(context.Background(), testNow.Add(48*time.Hour))
		require.NoError(t, err)
		assert.Equal(t, 1, report.Sent, "pass %d", pass)
	}

	after := repo.enrollment(e.ID)
	assert.Equal(t, models.EnrollmentStatusCompleted, after.Status)
	assert.Equal(t, len(seq.Steps), after.CurrentStepIndex)
	assert.NotNil(t, after.CompletedAt)
	assert.Nil(t, after.NextSendAt)
	assert.Empty(t, repo.pendingFor(e.ID), "completed enrollments keep no pending schedule")
	assert.Len(t, sender.sent, 2)

	// A further pass finds nothing to do.
	report, err := en.RunPass(context.Background(), testNow.Add(96*time.Hour))
	require.NoError(t, err)
	assert.Zero(t, report.Processed)
}

func TestRunPassIgnoresSchedulesNotYetDue(t *testing.T) {
	repo := newFakeRepo()
	sender := &fakeSender{}
	en := newTestEngine(repo, sender, &fakeInspector{})
	seq := testSequence(repo, 1)
	_, err := en.Enroll(context.Background(), enrollRequest(seq, "msg-1"))
	require.NoError(t, err)

	report, err := en.RunPass(context.Background(), testNow.Add(time.Minute))
	require.NoError(t, err)
	assert.Zero(t, report.Processed)
	assert.Empty(t, sender.sent)
}

func TestReplyGatePausesEnrollmentBeforeSending(t *testing.T) {
	repo := newFakeRepo()
	sender := &fakeSender{}
	en := newTestEngine(repo, sender, &fakeInspector{replied: true})
	seq := testSequence(repo, 2)
	e, err := en.Enroll(context.Background(), enrollRequest(seq, "msg-1"))
	require.NoError(t, err)

	report, err := en.RunPass(context.Background(), testNow.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, report.Gated)
	assert.Zero(t, report.Sent)
	assert.Empty(t, sender.sent, "the reply gate takes precedence over the due send")

	after := repo.enrollment(e.ID)
	assert.Equal(t, models.EnrollmentStatusPaused, after.Status)
	assert.Equal(t, models.StatusReasonReplyDetected, after.StatusReason)
	assert.Empty(t, repo.pendingFor(e.ID))
}

func TestGatedEnrollmentCanBeManuallyResumed(t *testing.T) {
	repo := newFakeRepo()
	inspector := &fakeInspector{replied: true}
	sender := &fakeSender{}
	en := newTestEngine(repo, sender, inspector)
	seq := testSequence(repo, 2)
	e, err := en.Enroll(context.Background(), enrollRequest(seq, "msg-1"))
	require.NoError(t, err)

	_, err = en.RunPass(context.Background(), testNow.Add(2*time.Hour))
	require.NoError(t, err)
	require.Equal(t, models.EnrollmentStatusPaused, repo.enrollment(e.ID).Status)

	// The user decides the reply didn't matter and resumes; the same step is
	// rescheduled.
	inspector.replied = false
	resumed, err := en.Resume(context.Background(), e.ID)
	require.NoError(t, err)
	assert.Equal(t, models.EnrollmentStatusActive, resumed.Status)
	assert.Equal(t, 0, resumed.CurrentStepIndex)
	assert.Len(t, repo.pendingFor(e.ID), 1)
}

func TestInspectorFailureStallsEnrollment(t *testing.T) {
	repo := newFakeRepo()
	sender := &fakeSender{}
	inspector := &fakeInspector{err: &TransientError{Op: "imap dial", Err: errors.New("connection refused")}}
	en := newTestEngine(repo, sender, inspector)
	seq := testSequence(repo, 1)
	e, err := en.Enroll(context.Background(), enrollRequest(seq, "msg-1"))
	require.NoError(t, err)

	report, err := en.RunPass(context.Background(), testNow.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)
	assert.Empty(t, sender.sent, "an unanswerable gate must not fall through to a send")

	after := repo.enrollment(e.ID)
	assert.Equal(t, models.EnrollmentStatusError, after.Status)
	assert.Equal(t, models.StatusReasonSendFailed, after.StatusReason)
}

func TestSendFailureStallsEnrollmentUntilResumed(t *testing.T) {
	repo := newFakeRepo()
	sender := &fakeSender{err: &TransientError{Op: "smtp send", Err: errors.New("451 try again later")}}
	en := newTestEngine(repo, sender, &fakeInspector{})
	seq := testSequence(repo, 2)
	e, err := en.Enroll(context.Background(), enrollRequest(seq, "msg-1"))
	require.NoError(t, err)
	scheduleID := repo.pendingFor(e.ID)[0].ID

	report, err := en.RunPass(context.Background(), testNow.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, report.Failed)

	failed := repo.schedule(scheduleID)
	assert.Equal(t, models.ScheduleStatusFailed, failed.Status)
	assert.Contains(t, failed.ErrorMessage, "451")

	after := repo.enrollment(e.ID)
	assert.Equal(t, models.EnrollmentStatusError, after.Status)
	assert.Equal(t, models.StatusReasonSendFailed, after.StatusReason)
	require.NotNil(t, after.LastError)
	assert.Equal(t, 0, after.CurrentStepIndex, "a failed send never advances the step")
	assert.Empty(t, repo.pendingFor(e.ID), "no successor schedule after a failure")

	// Resume retries the same step.
	sender.err = nil
	_, err = en.Resume(context.Background(), e.ID)
	require.NoError(t, err)
	report, err = en.RunPass(context.Background(), testNow.Add(4*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, report.Sent)
	assert.Equal(t, 1, repo.enrollment(e.ID).CurrentStepIndex)
}

func TestProcessScheduleSkipsLostClaim(t *testing.T) {
	repo := newFakeRepo()
	sender := &fakeSender{}
	en := newTestEngine(repo, sender, &fakeInspector{})
	seq := testSequence(repo, 1)
	e, err := en.Enroll(context.Background(), enrollRequest(seq, "msg-1"))
	require.NoError(t, err)

	// Another pass claimed the schedule between FindDueSchedules and here.
	stale := repo.pendingFor(e.ID)[0]
	claimed, err := repo.ClaimSchedule(context.Background(), stale.ID)
	require.NoError(t, err)
	require.True(t, claimed)

	report := &PassReport{}
	require.NoError(t, en.processSchedule(context.Background(), &stale, report))
	assert.Equal(t, 1, report.Skipped)
	assert.Zero(t, report.Sent)
	assert.Empty(t, sender.sent)
}

func TestProcessScheduleCancelsStaleStepIndex(t *testing.T) {
	repo := newFakeRepo()
	sender := &fakeSender{}
	en := newTestEngine(repo, sender, &fakeInspector{})
	seq := testSequence(repo, 2)
	e, err := en.Enroll(context.Background(), enrollRequest(seq, "msg-1"))
	require.NoError(t, err)

	// Corrupt the schedule so it no longer matches the enrollment position.
	stale := repo.pendingFor(e.ID)[0]
	repo.mu.Lock()
	repo.schedules[stale.ID].StepIndex = 1
	repo.mu.Unlock()
	stale.StepIndex = 1

	report := &PassReport{}
	require.NoError(t, en.processSchedule(context.Background(), &stale, report))
	assert.Equal(t, 1, report.Skipped)
	assert.Equal(t, models.ScheduleStatusCancelled, repo.schedule(stale.ID).Status)
	assert.Empty(t, sender.sent)
}

func TestRunPassCancelsScheduleOfInactiveEnrollment(t *testing.T) {
	repo := newFakeRepo()
	sender := &fakeSender{}
	en := newTestEngine(repo, sender, &fakeInspector{})
	seq := testSequence(repo, 1)
	e, err := en.Enroll(context.Background(), enrollRequest(seq, "msg-1"))
	require.NoError(t, err)

	// Pause without going through the engine, leaving the schedule behind.
	scheduleID := repo.pendingFor(e.ID)[0].ID
	repo.mu.Lock()
	repo.enrollments[e.ID].Status = models.EnrollmentStatusPaused
	repo.mu.Unlock()

	report, err := en.RunPass(context.Background(), testNow.Add(2*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, report.Skipped)
	assert.Equal(t, models.ScheduleStatusCancelled, repo.schedule(scheduleID).Status)
	assert.Empty(t, sender.sent)
}

func TestRunPassIsolatesPerScheduleFailures(t *testing.T) {
	repo := newFakeRepo()
	sender := &fakeSender{}
	en := newTestEngine(repo, sender, &fakeInspector{})

	brokenSeq := testSequence(repo, 1)
	_, err := en.Enroll(context.Background(), enrollRequest(brokenSeq, "msg-broken"))
	require.NoError(t, err)

	healthySeq := testSequence(repo, 1)
	healthy, err := en.Enroll(context.Background(), enrollRequest(healthySeq, "msg-healthy"))
	require.NoError(t, err)

	// Sequence vanishes underneath the first enrollment.
	repo.mu.Lock()
	delete(repo.sequences, brokenSeq.ID)
	repo.mu.Unlock()

	report, err := en.RunPass(context.Background(), testNow.Add(2*time.Hour))
	require.NoError(t, err, "a single broken schedule must not abort the pass")
	assert.Equal(t, 2, report.Processed)
	assert.Equal(t, 1, report.Sent)
	assert.Equal(t, 1, repo.enrollment(healthy.ID).CurrentStepIndex)
}

func TestTriggerNowSendsBeforeDueTime(t *testing.T) {
	repo := newFakeRepo()
	sender := &fakeSender{}
	en := newTestEngine(repo, sender, &fakeInspector{})
	seq := testSequence(repo, 2)
	e, err := en.Enroll(context.Background(), enrollRequest(seq, "msg-1"))
	require.NoError(t, err)

	// The schedule is an hour out; trigger fires it anyway.
	report, err := en.TriggerNow(context.Background(), e.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Sent)
	assert.Len(t, sender.sent, 1)
	assert.Equal(t, 1, repo.enrollment(e.ID).CurrentStepIndex)
}

func TestTriggerNowStillConsultsReplyGate(t *testing.T) {
	repo := newFakeRepo()
	sender := &fakeSender{}
	en := newTestEngine(repo, sender, &fakeInspector{replied: true})
	seq := testSequence(repo, 1)
	e, err := en.Enroll(context.Background(), enrollRequest(seq, "msg-1"))
	require.NoError(t, err)

	report, err := en.TriggerNow(context.Background(), e.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Gated)
	assert.Empty(t, sender.sent)
	assert.Equal(t, models.EnrollmentStatusPaused, repo.enrollment(e.ID).Status)
}

func TestTriggerNowRequiresActiveEnrollment(t *testing.T) {
	repo := newFakeRepo()
	en := newTestEngine(repo, &fakeSender{}, &fakeInspector{})
	seq := testSequence(repo, 1)
	e, err := en.Enroll(context.Background(), enrollRequest(seq, "msg-1"))
	require.NoError(t, err)
	_, err = en.Pause(context.Background(), e.ID)
	require.NoError(t, err)

	_, err = en.TriggerNow(context.Background(), e.ID)
	require.Error(t, err)
	var stateErr *InvalidStateError
	assert.True(t, errors.As(err, &stateErr))
}

func TestTriggerNowRequiresPendingSchedule(t *testing.T) {
	repo := newFakeRepo()
	en := newTestEngine(repo, &fakeSender{}, &fakeInspector{})
	seq := testSequence(repo, 1)
	e, err := en.Enroll(context.Background(), enrollRequest(seq, "msg-1"))
	require.NoError(t, err)

	// Orphan the enrollment: active but with its schedule gone.
	repo.mu.Lock()
	for id, s := range repo.schedules {
		if s.EnrollmentID == e.ID {
			delete(repo.schedules, id)
		}
	}
	repo.mu.Unlock()

	_, err = en.TriggerNow(context.Background(), e.ID)
	require.Error(t, err)
	var stateErr *InvalidStateError
	assert.True(t, errors.As(err, &stateErr))
}

func TestReplyAllModeCarriesCCRecipients(t *testing.T) {
	repo := newFakeRepo()
	sender := &fakeSender{}
	en := newTestEngine(repo, sender, &fakeInspector{})
	seq := testSequence(repo, 1)

	req := enrollRequest(seq, "msg-1")
	req.ReplyMode = models.ReplyModeReplyAll
	req.CCEmails = []string{"cc1@example.com", "cc2@example.com"}
	_, err := en.Enroll(context.Background(), req)
	require.NoError(t, err)

	_, err = en.RunPass(context.Background(), testNow.Add(2*time.Hour))
	require.NoError(t, err)
	require.Len(t, sender.sent, 1)
	assert.Equal(t, req.CCEmails, sender.sent[0].CC)
}

func TestPrimaryModeDropsCCRecipients(t *testing.T) {
	repo := newFakeRepo()
	sender := &fakeSender{}
	en := newTestEngine(repo, sender, &fakeInspector{})
	seq := testSequence(repo, 1)

	req := enrollRequest(seq, "msg-1")
	req.CCEmails = []string{"cc1@example.com"}
	_, err := en.Enroll(context.Background(), req)
	require.NoError(t, err)

	_, err = en.RunPass(context.Background(), testNow.Add(2*time.Hour))
	require.NoError(t, err)
	require.Len(t, sender.sent, 1)
	assert.Empty(t, sender.sent[0].CC)
}
