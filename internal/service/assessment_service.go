package service

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-assessment/internal/grading"
	"github.com/stemsi/exstem-assessment/internal/model"
	"github.com/stemsi/exstem-assessment/internal/scheduler"
	"github.com/stemsi/exstem-assessment/internal/session"
)

// AssessmentService is the entry point used by the transports. Every call
// resolves the session through the scheduler, so sessions evicted from
// memory or owned by a previous process are transparently reloaded.
type AssessmentService struct {
	sched    *scheduler.Scheduler
	defs     scheduler.DefinitionSource
	registry *grading.Registry
	log      zerolog.Logger
}

// NewAssessmentService creates a new AssessmentService.
func NewAssessmentService(sched *scheduler.Scheduler, defs scheduler.DefinitionSource, registry *grading.Registry, log zerolog.Logger) *AssessmentService {
	return &AssessmentService{
		sched:    sched,
		defs:     defs,
		registry: registry,
		log:      log.With().Str("component", "assessment_service").Logger(),
	}
}

// CreateSession starts a new attempt for examineeID.
func (s *AssessmentService) CreateSession(ctx context.Context, assessmentID, examineeID string, client model.ClientInfo) (model.SessionView, error) {
	def, err := s.defs.Get(ctx, assessmentID)
	if err != nil {
		return model.SessionView{}, fmt.Errorf("create session: %w", err)
	}
	sess, err := s.sched.Create(ctx, def, examineeID, client)
	if err != nil {
		return model.SessionView{}, fmt.Errorf("create session: %w", err)
	}
	return sess.View(), nil
}

// ActiveSession returns the in-progress attempt of examineeID, if any. It
// lets a reconnecting client resume instead of hitting DuplicateAttempt.
func (s *AssessmentService) ActiveSession(assessmentID, examineeID string) (model.SessionView, bool) {
	sess, ok := s.sched.Active(examineeID, assessmentID)
	if !ok {
		return model.SessionView{}, false
	}
	return sess.View(), true
}

// Authorize checks that sessionID belongs to examineeID.
func (s *AssessmentService) Authorize(ctx context.Context, sessionID uuid.UUID, examineeID string) error {
	sess, err := s.sched.Lookup(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.ExamineeID() != examineeID {
		return model.ErrNotSessionOwner
	}
	return nil
}

// Describe returns the session's question order and ownership.
func (s *AssessmentService) Describe(ctx context.Context, sessionID uuid.UUID) (model.SessionView, error) {
	sess, err := s.sched.Lookup(ctx, sessionID)
	if err != nil {
		return model.SessionView{}, err
	}
	return sess.View(), nil
}

// RecordAnswer stores an answer and returns its revision.
func (s *AssessmentService) RecordAnswer(ctx context.Context, sessionID uuid.UUID, questionID string, value model.AnswerValue) (int, error) {
	sess, err := s.sched.Lookup(ctx, sessionID)
	if err != nil {
		return 0, err
	}
	return s.sched.RecordAnswer(ctx, sess, questionID, value)
}

// RecordIntegrityEvent logs a proctoring signal. stored is false when the
// per-session cap was reached; the event is still counted.
func (s *AssessmentService) RecordIntegrityEvent(ctx context.Context, sessionID uuid.UUID, kind model.IntegrityKind, detail string) (stored bool, err error) {
	sess, err := s.sched.Lookup(ctx, sessionID)
	if err != nil {
		return false, err
	}
	return s.sched.RecordIntegrityEvent(ctx, sess, kind, detail)
}

// CountIntegrityEvent counts a signal that arrived over the reporting rate
// limit. It appears in the integrity totals but is not stored.
func (s *AssessmentService) CountIntegrityEvent(ctx context.Context, sessionID uuid.UUID, kind model.IntegrityKind) error {
	sess, err := s.sched.Lookup(ctx, sessionID)
	if err != nil {
		return err
	}
	return s.sched.CountIntegrityEvent(ctx, sess, kind)
}

// Submit finalizes the session and returns the examinee-facing score.
// Repeated calls return the same score.
func (s *AssessmentService) Submit(ctx context.Context, sessionID uuid.UUID) (model.Score, error) {
	sess, err := s.sched.Lookup(ctx, sessionID)
	if err != nil {
		return model.Score{}, err
	}
	score, err := s.sched.Submit(ctx, sess)
	if err != nil {
		return model.Score{}, err
	}
	return visible(sess, score), nil
}

// GetStatus returns the countdown view.
func (s *AssessmentService) GetStatus(ctx context.Context, sessionID uuid.UUID) (model.StatusView, error) {
	sess, err := s.sched.Lookup(ctx, sessionID)
	if err != nil {
		return model.StatusView{}, err
	}
	return sess.Status(), nil
}

// GetResult returns the examinee-facing score of a finalized session.
func (s *AssessmentService) GetResult(ctx context.Context, sessionID uuid.UUID) (model.Score, error) {
	sess, err := s.sched.Lookup(ctx, sessionID)
	if err != nil {
		return model.Score{}, err
	}
	score, err := sess.Result()
	if err != nil {
		return model.Score{}, err
	}
	return visible(sess, score), nil
}

// Abandon ends a session administratively. No score is produced.
func (s *AssessmentService) Abandon(ctx context.Context, sessionID uuid.UUID, reason string) error {
	sess, err := s.sched.Lookup(ctx, sessionID)
	if err != nil {
		return err
	}
	return s.sched.Abandon(ctx, sess, reason)
}

// Flag marks a session for manual review.
func (s *AssessmentService) Flag(ctx context.Context, sessionID uuid.UUID, reason string) error {
	sess, err := s.sched.Lookup(ctx, sessionID)
	if err != nil {
		return err
	}
	s.sched.Flag(ctx, sess, reason)
	return nil
}

// Review returns the full record for a proctor, score breakdown included.
func (s *AssessmentService) Review(ctx context.Context, sessionID uuid.UUID) (model.SessionReview, error) {
	sess, err := s.sched.Lookup(ctx, sessionID)
	if err != nil {
		return model.SessionReview{}, err
	}
	return sess.Review(), nil
}

// AnswerHistory returns every revision of one question, oldest first.
func (s *AssessmentService) AnswerHistory(ctx context.Context, sessionID uuid.UUID, questionID string) ([]model.AnswerRecord, error) {
	sess, err := s.sched.Lookup(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return sess.History(questionID)
}

// Recover rebuilds unfinished sessions after a restart.
// pending, when not nil, is flushed to the store first.
func (s *AssessmentService) Recover(ctx context.Context, pending scheduler.Flusher) (scheduler.RecoveryReport, error) {
	return s.sched.Recover(ctx, pending)
}

// RegisterGrader replaces the grader for one question type. It affects
// sessions finalized after the call.
func (s *AssessmentService) RegisterGrader(t model.QuestionType, g grading.QuestionGrader) {
	s.registry.Register(t, g)
	s.log.Info().Str("question_type", string(t)).Msg("grader registered")
}

// visible applies the assessment's result visibility policy.
func visible(sess *session.Session, score model.Score) model.Score {
	if sess.Definition().ShowResultsImmediately {
		return score
	}
	return score.Redacted()
}
