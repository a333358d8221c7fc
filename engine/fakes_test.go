package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"gorm.io/gorm"

	"nudgemail/models"
)

func gormModel(id uint) gorm.Model {
	return gorm.Model{ID: id}
}

// fakeRepo is an in-memory Repository with the same transactional semantics
// as the GORM implementation.
type fakeRepo struct {
	mu          sync.Mutex
	sequences   map[uint]*models.Sequence
	enrollments map[uint]*models.Enrollment
	schedules   map[uint]*models.FollowUpSchedule
	cursors     map[string]int
	nextID      uint
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		sequences:   make(map[uint]*models.Sequence),
		enrollments: make(map[uint]*models.Enrollment),
		schedules:   make(map[uint]*models.FollowUpSchedule),
		cursors:     make(map[string]int),
	}
}

func (r *fakeRepo) newID() uint {
	r.nextID++
	return r.nextID
}

func (r *fakeRepo) addSequence(seq *models.Sequence) *models.Sequence {
	r.mu.Lock()
	defer r.mu.Unlock()
	if seq.ID == 0 {
		seq.ID = r.newID()
	}
	r.sequences[seq.ID] = seq
	return seq
}

func (r *fakeRepo) GetSequence(_ context.Context, id uint) (*models.Sequence, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	seq, ok := r.sequences[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *seq
	return &cp, nil
}

func (r *fakeRepo) GetEnrollment(_ context.Context, id uint) (*models.Enrollment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.enrollments[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *e
	return &cp, nil
}

func (r *fakeRepo) SaveEnrollment(_ context.Context, e *models.Enrollment) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *e
	r.enrollments[e.ID] = &cp
	return nil
}

func (r *fakeRepo) HasLiveEnrollment(_ context.Context, sequenceID uint, sourceMessageID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.enrollments {
		if e.SequenceID == sequenceID && e.SourceMessageID == sourceMessageID &&
			(e.Status == models.EnrollmentStatusPending || e.Status == models.EnrollmentStatusActive) {
			return true, nil
		}
	}
	return false, nil
}

func (r *fakeRepo) CreateEnrollment(_ context.Context, e *models.Enrollment, first *models.FollowUpSchedule) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	e.ID = r.newID()
	cp := *e
	r.enrollments[e.ID] = &cp
	first.ID = r.newID()
	first.EnrollmentID = e.ID
	scp := *first
	r.schedules[first.ID] = &scp
	return nil
}

func (r *fakeRepo) FindDueSchedules(_ context.Context, now time.Time, limit int) ([]models.FollowUpSchedule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var due []models.FollowUpSchedule
	for _, s := range r.schedules {
		if s.Status == models.ScheduleStatusPending && !s.ScheduledFor.After(now) {
			due = append(due, *s)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ScheduledFor.Before(due[j].ScheduledFor) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (r *fakeRepo) GetPendingSchedule(_ context.Context, enrollmentID uint) (*models.FollowUpSchedule, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.schedules {
		if s.EnrollmentID == enrollmentID && s.Status == models.ScheduleStatusPending {
			cp := *s
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (r *fakeRepo) ClaimSchedule(_ context.Context, scheduleID uint) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.schedules[scheduleID]
	if !ok || s.Status != models.ScheduleStatusPending {
		return false, nil
	}
	s.Status = models.ScheduleStatusProcessing
	return true, nil
}

func (r *fakeRepo) ResolveSchedule(_ context.Context, s *models.FollowUpSchedule) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	cp := *s
	r.schedules[s.ID] = &cp
	return nil
}

func (r *fakeRepo) ReplacePendingSchedule(_ context.Context, e *models.Enrollment, next *models.FollowUpSchedule, cancelReason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.schedules {
		if s.EnrollmentID == e.ID && s.Status == models.ScheduleStatusPending {
			s.Status = models.ScheduleStatusCancelled
			s.ErrorMessage = cancelReason
		}
	}
	if next != nil {
		next.ID = r.newID()
		next.EnrollmentID = e.ID
		cp := *next
		r.schedules[next.ID] = &cp
	}
	ecp := *e
	r.enrollments[e.ID] = &ecp
	return nil
}

func (r *fakeRepo) NextVariantIndex(_ context.Context, sequenceID uint, stepIndex, variantCount int) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := fmt.Sprintf("%d/%d", sequenceID, stepIndex)
	last, ok := r.cursors[key]
	var next int
	if !ok {
		next = 1 % variantCount
	} else {
		next = (last + 1) % variantCount
	}
	r.cursors[key] = next
	return next, nil
}

// pendingFor returns the pending schedules of one enrollment.
func (r *fakeRepo) pendingFor(enrollmentID uint) []models.FollowUpSchedule {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.FollowUpSchedule
	for _, s := range r.schedules {
		if s.EnrollmentID == enrollmentID && s.Status == models.ScheduleStatusPending {
			out = append(out, *s)
		}
	}
	return out
}

func (r *fakeRepo) schedule(id uint) models.FollowUpSchedule {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.schedules[id]
}

func (r *fakeRepo) enrollment(id uint) models.Enrollment {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.enrollments[id]
}

type fakeSender struct {
	mu   sync.Mutex
	sent []OutgoingMessage
	err  error
}

func (f *fakeSender) Send(_ context.Context, msg OutgoingMessage) (*SendResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.sent = append(f.sent, msg)
	return &SendResult{MessageID: fmt.Sprintf("<msg-%d@test>", len(f.sent))}, nil
}

type fakeInspector struct {
	mu      sync.Mutex
	replied bool
	err     error
	calls   int
}

func (f *fakeInspector) HasExternalReplyAfter(_ context.Context, _ uint, _ string, _ time.Time, _ string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return false, f.err
	}
	return f.replied, nil
}
