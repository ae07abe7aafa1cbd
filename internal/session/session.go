// Package session implements the state machine for one examinee's attempt.
//
// Every state-mutating operation runs under the session's exclusive lock;
// read views take the shared lock and return copies.
package session

import (
	"encoding/binary"
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stemsi/exstem-assessment/internal/clock"
	"github.com/stemsi/exstem-assessment/internal/grading"
	"github.com/stemsi/exstem-assessment/internal/integrity"
	"github.com/stemsi/exstem-assessment/internal/ledger"
	"github.com/stemsi/exstem-assessment/internal/model"
)

// Deps are the collaborators shared by every session.
type Deps struct {
	Clock   clock.Clock
	Grader  grading.Grader
	Monitor *integrity.Monitor
}

// Params describe a new attempt.
type Params struct {
	ID            uuid.UUID
	Definition    *model.AssessmentDefinition
	ExamineeID    string
	AttemptNumber int
	Client        model.ClientInfo
}

// Session is one examinee's attempt at one assessment.
type Session struct {
	mu sync.RWMutex

	id         uuid.UUID
	def        *model.AssessmentDefinition
	questions  map[string]model.QuestionSpec
	examineeID string
	attempt    int
	client     model.ClientInfo

	// Set once at creation.
	startedAt  time.Time
	deadlineAt time.Time
	order      []string

	status        model.SessionStatus
	submittedAt   *time.Time
	score         *model.Score
	answers       *ledger.Ledger
	needsReview   bool
	reviewReason  string
	abandonReason string
	version       int64
	updatedAt     time.Time

	deps Deps
}

// New builds a session in CREATED. The deadline is fixed here and never
// moves; the question order is materialized here and never recomputed.
func New(p Params, deps Deps) *Session {
	now := deps.Clock.Now()
	order := p.Definition.QuestionIDs()
	if p.Definition.RandomizeOrder {
		order = shuffle(order, p.ID)
	}

	return &Session{
		id:         p.ID,
		def:        p.Definition,
		questions:  p.Definition.QuestionIndex(),
		examineeID: p.ExamineeID,
		attempt:    p.AttemptNumber,
		client:     p.Client,
		startedAt:  now,
		deadlineAt: now.Add(p.Definition.Duration()),
		order:      order,
		status:     model.SessionStatusCreated,
		answers:    ledger.New(order),
		version:    1,
		updatedAt:  now,
		deps:       deps,
	}
}

// Restore rebuilds a session from a persisted record.
func Restore(rec *model.SessionRecord, def *model.AssessmentDefinition, deps Deps) (*Session, error) {
	if rec.AssessmentID != def.ID {
		return nil, fmt.Errorf("record %s references assessment %s, got %s", rec.ID, rec.AssessmentID, def.ID)
	}

	s := &Session{
		id:            rec.ID,
		def:           def,
		questions:     def.QuestionIndex(),
		examineeID:    rec.ExamineeID,
		attempt:       rec.AttemptNumber,
		client:        rec.Client,
		startedAt:     rec.StartedAt,
		deadlineAt:    rec.DeadlineAt,
		order:         append([]string(nil), rec.QuestionOrder...),
		status:        rec.Status,
		submittedAt:   rec.SubmittedAt,
		score:         rec.Score.Clone(),
		needsReview:   rec.NeedsReview,
		reviewReason:  rec.ReviewReason,
		abandonReason: rec.AbandonReason,
		version:       rec.Version,
		updatedAt:     rec.UpdatedAt,
		deps:          deps,
	}
	for _, qid := range s.order {
		if _, ok := s.questions[qid]; !ok {
			return nil, fmt.Errorf("record %s: question %s missing from assessment %s", rec.ID, qid, def.ID)
		}
	}

	s.answers = ledger.New(s.order)
	s.answers.Restore(rec.Answers)
	terminal := rec.Status.Terminal()
	if terminal {
		s.answers.Freeze()
	}
	deps.Monitor.Restore(rec.ID, rec.IntegrityEvents, rec.IntegrityCounts, rec.IntegrityDropped, terminal)
	return s, nil
}

// ID returns the session id.
func (s *Session) ID() uuid.UUID { return s.id }

// AssessmentID returns the id of the assessment being taken.
func (s *Session) AssessmentID() string { return s.def.ID }

// ExamineeID returns the owner of the session.
func (s *Session) ExamineeID() string { return s.examineeID }

// AttemptNumber returns the attempt counter for (examinee, assessment).
func (s *Session) AttemptNumber() int { return s.attempt }

// DeadlineAt returns the fixed deadline.
func (s *Session) DeadlineAt() time.Time { return s.deadlineAt }

// Definition returns the assessment captured at creation.
func (s *Session) Definition() *model.AssessmentDefinition { return s.def }

// Activate moves CREATED to IN_PROGRESS. The scheduler calls it once the
// deadline is armed; client operations call it implicitly.
func (s *Session) Activate() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.activateLocked()
}

func (s *Session) activateLocked() error {
	switch s.status {
	case model.SessionStatusCreated:
		s.status = model.SessionStatusInProgress
		s.touchLocked()
		return nil
	case model.SessionStatusInProgress:
		return nil
	}
	return fmt.Errorf("activate from %s: %w", s.status, model.ErrInvalidState)
}

// acceptingLocked reports whether client input may still change the session.
func (s *Session) acceptingLocked(now time.Time) error {
	if s.status == model.SessionStatusCreated {
		if err := s.activateLocked(); err != nil {
			return err
		}
	}
	if s.status != model.SessionStatusInProgress {
		return fmt.Errorf("session is %s: %w", s.status, model.ErrInvalidState)
	}
	if !now.Before(s.deadlineAt) {
		return fmt.Errorf("deadline passed at %s: %w", s.deadlineAt.Format(time.RFC3339), model.ErrInvalidState)
	}
	return nil
}

// RecordAnswer stores a new revision and returns its number.
func (s *Session) RecordAnswer(questionID string, value model.AnswerValue) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.deps.Clock.Now()
	if err := s.acceptingLocked(now); err != nil {
		return 0, err
	}
	q, ok := s.questions[questionID]
	if !ok {
		return 0, fmt.Errorf("%w: %s", model.ErrUnknownQuestion, questionID)
	}
	if err := grading.ValidateShape(q, value); err != nil {
		return 0, err
	}

	rev, err := s.answers.Put(questionID, value, now)
	if err != nil {
		return 0, err
	}
	s.touchLocked()
	return rev, nil
}

// RecordIntegrityEvent appends a proctoring signal. It never changes the
// session's state; stored is false when the per-session cap was reached.
func (s *Session) RecordIntegrityEvent(kind model.IntegrityKind, detail string) (stored bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.deps.Clock.Now()
	if err := s.acceptingLocked(now); err != nil {
		return false, err
	}
	stored, err = s.deps.Monitor.Record(s.id, kind, detail, now)
	if err != nil {
		return false, err
	}
	s.touchLocked()
	return stored, nil
}

// CountIntegrityEvent records a signal in the counters only, without storing
// it. Used for reports over the rate limit.
func (s *Session) CountIntegrityEvent(kind model.IntegrityKind) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.acceptingLocked(s.deps.Clock.Now()); err != nil {
		return err
	}
	if err := s.deps.Monitor.Count(s.id, kind); err != nil {
		return err
	}
	s.touchLocked()
	return nil
}

// Submit finalizes the attempt and returns its score. Repeated calls return
// the stored score. A submit that arrives after the deadline but before the
// scheduler expired the session performs the expiry instead, so the examinee
// still gets a result. transitioned is true only for the call that finalized.
func (s *Session) Submit() (score model.Score, transitioned bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status == model.SessionStatusCreated {
		if err := s.activateLocked(); err != nil {
			return model.Score{}, false, err
		}
	}

	switch {
	case s.status.Graded():
		return *s.score.Clone(), false, nil
	case s.status == model.SessionStatusAbandoned:
		return model.Score{}, false, fmt.Errorf("session was abandoned: %w", model.ErrInvalidState)
	}

	now := s.deps.Clock.Now()
	if now.Before(s.deadlineAt) {
		s.finalizeLocked(model.SessionStatusSubmitted, now, true)
	} else {
		s.finalizeLocked(model.SessionStatusTimedOut, s.deadlineAt, true)
	}
	return *s.score.Clone(), true, nil
}

// Expire times the session out. Only the scheduler calls it. It is a no-op on
// a terminal session and fails when the deadline has not been reached.
func (s *Session) Expire() (transitioned bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status.Terminal() {
		return false, nil
	}
	if s.deps.Clock.Now().Before(s.deadlineAt) {
		return false, fmt.Errorf("deadline %s not reached: %w", s.deadlineAt.Format(time.RFC3339), model.ErrInvalidState)
	}
	s.finalizeLocked(model.SessionStatusTimedOut, s.deadlineAt, true)
	return true, nil
}

// Abandon ends the session administratively without a score.
func (s *Session) Abandon(reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status.Terminal() {
		return fmt.Errorf("session is %s: %w", s.status, model.ErrInvalidState)
	}
	s.abandonReason = reason
	s.finalizeLocked(model.SessionStatusAbandoned, s.deps.Clock.Now(), false)
	return nil
}

// FlagForReview marks the session for manual review. Allowed in any state.
func (s *Session) FlagForReview(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.needsReview = true
	if s.reviewReason == "" {
		s.reviewReason = reason
	} else {
		s.reviewReason += "; " + reason
	}
	s.touchLocked()
}

// finalizeLocked performs the single terminal transition. Grading reads the
// ledger under the same lock, so it sees exactly the answers accepted before
// the transition. The status only changes once a score exists.
func (s *Session) finalizeLocked(status model.SessionStatus, at time.Time, grade bool) {
	if grade {
		score := s.deps.Grader.Grade(s.def, s.answers.Snapshot())
		s.score = &score
		for _, q := range score.Breakdown {
			if q.NeedsReview {
				s.needsReview = true
				if s.reviewReason == "" {
					s.reviewReason = "answers awaiting manual grading"
				}
				break
			}
		}
	}
	s.status = status
	t := at
	s.submittedAt = &t
	s.answers.Freeze()
	s.deps.Monitor.Seal(s.id)
	s.touchLocked()
}

func (s *Session) touchLocked() {
	s.version++
	s.updatedAt = s.deps.Clock.Now()
}

// Status returns the progress view used for the client countdown.
func (s *Session) Status() model.StatusView {
	s.mu.RLock()
	defer s.mu.RUnlock()

	view := model.StatusView{
		SessionID:      s.id,
		Status:         s.status,
		AnsweredCount:  s.answers.AnsweredCount(),
		TotalQuestions: len(s.order),
		DeadlineAt:     s.deadlineAt,
	}
	if !s.status.Terminal() {
		view.RemainingSeconds = remainingSeconds(s.deadlineAt.Sub(s.deps.Clock.Now()))
	}
	return view
}

// Result returns the score of a graded session.
func (s *Session) Result() (model.Score, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	switch {
	case s.status.Graded():
		return *s.score.Clone(), nil
	case s.status == model.SessionStatusAbandoned:
		return model.Score{}, fmt.Errorf("session was abandoned: %w", model.ErrInvalidState)
	}
	return model.Score{}, model.ErrNotYetFinalized
}

// View returns the examinee-facing description.
func (s *Session) View() model.SessionView {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.viewLocked()
}

func (s *Session) viewLocked() model.SessionView {
	return model.SessionView{
		ID:            s.id,
		AssessmentID:  s.def.ID,
		ExamineeID:    s.examineeID,
		AttemptNumber: s.attempt,
		Status:        s.status,
		StartedAt:     s.startedAt,
		DeadlineAt:    s.deadlineAt,
		QuestionOrder: append([]string(nil), s.order...),
	}
}

// Terminal reports whether the session is finalized and when it last changed.
func (s *Session) Terminal() (bool, time.Time) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.status.Terminal(), s.updatedAt
}

// History returns every revision of one question.
func (s *Session) History(questionID string) ([]model.AnswerRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.questions[questionID]; !ok {
		return nil, fmt.Errorf("%w: %s", model.ErrUnknownQuestion, questionID)
	}
	return s.answers.History(questionID), nil
}

// Review returns the proctor's view.
func (s *Session) Review() model.SessionReview {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return model.SessionReview{
		Session:       s.viewLocked(),
		Answers:       s.answers.Snapshot(),
		Integrity:     s.deps.Monitor.Summary(s.id),
		Events:        s.deps.Monitor.Events(s.id),
		Score:         s.score.Clone(),
		SubmittedAt:   copyTime(s.submittedAt),
		NeedsReview:   s.needsReview,
		ReviewReason:  s.reviewReason,
		AbandonReason: s.abandonReason,
		Client:        s.client,
	}
}

// Snapshot returns the persistable record.
func (s *Session) Snapshot() model.SessionRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sum := s.deps.Monitor.Summary(s.id)
	return model.SessionRecord{
		ID:               s.id,
		AssessmentID:     s.def.ID,
		ExamineeID:       s.examineeID,
		AttemptNumber:    s.attempt,
		Status:           s.status,
		StartedAt:        s.startedAt,
		DeadlineAt:       s.deadlineAt,
		SubmittedAt:      copyTime(s.submittedAt),
		QuestionOrder:    append([]string(nil), s.order...),
		Answers:          s.answers.All(),
		IntegrityEvents:  s.deps.Monitor.Events(s.id),
		IntegrityCounts:  sum.Counts,
		IntegrityDropped: sum.DroppedCount,
		Score:            s.score.Clone(),
		NeedsReview:      s.needsReview,
		ReviewReason:     s.reviewReason,
		AbandonReason:    s.abandonReason,
		Client:           s.client,
		Version:          s.version,
		UpdatedAt:        s.updatedAt,
	}
}

// shuffle permutes ids with a generator seeded from the session id, so the
// order is reproducible for audit but differs between sessions.
func shuffle(ids []string, seed uuid.UUID) []string {
	out := append([]string(nil), ids...)
	r := rand.New(rand.NewPCG(binary.BigEndian.Uint64(seed[:8]), binary.BigEndian.Uint64(seed[8:])))
	r.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out
}

func remainingSeconds(d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	return int64(math.Ceil(d.Seconds()))
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
