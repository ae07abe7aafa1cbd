// Package scheduler owns every live session: it registers them, enforces the
// one-attempt-in-progress rule, fires deadlines without client contact,
// queues snapshots for persistence and rebuilds sessions after a restart.
//
// Lock order: the registry lock is never held while a session lock is held.
// All bookkeeping after a transition runs once the session lock is released.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-assessment/internal/metrics"
	"github.com/stemsi/exstem-assessment/internal/model"
	"github.com/stemsi/exstem-assessment/internal/session"
	"github.com/stemsi/exstem-assessment/internal/worker"
)

const (
	DefaultTick          = 250 * time.Millisecond
	DefaultRetention     = 30 * time.Minute
	DefaultEvictSchedule = "@every 5m"

	// MaxExpiryAttempts bounds automatic expiry of one session. After that
	// the session stays flagged until a proctor abandons it.
	MaxExpiryAttempts = 3
)

// Config tunes the scheduler.
type Config struct {
	// Tick is the deadline polling interval. It bounds expiry lag.
	Tick time.Duration
	// Retention is how long a finalized session stays in memory.
	Retention     time.Duration
	EvictSchedule string
}

// pendingSync tracks a session whose latest snapshot could not be queued.
type pendingSync struct {
	failures int
	next     time.Time
}

type attemptKey struct {
	examineeID   string
	assessmentID string
}

// Scheduler manages many concurrent sessions.
type Scheduler struct {
	// loadMu serializes loading sessions from the store so a session is
	// restored at most once.
	loadMu sync.Mutex

	mu       sync.Mutex
	sessions map[uuid.UUID]*session.Session
	active   map[attemptKey]uuid.UUID
	attempts map[attemptKey]int
	timers   *timers
	// unsynced holds sessions whose latest snapshot is not queued yet.
	unsynced map[uuid.UUID]*pendingSync
	// expiryFailures counts failed automatic expiries per session.
	expiryFailures map[uuid.UUID]int

	deps      session.Deps
	store     Store
	persister Persister
	publisher Publisher
	defs      DefinitionSource
	cfg       Config
	log       zerolog.Logger
}

// New creates a Scheduler. publisher may be nil.
func New(cfg Config, deps session.Deps, store Store, persister Persister, publisher Publisher, defs DefinitionSource, log zerolog.Logger) *Scheduler {
	if cfg.Tick <= 0 {
		cfg.Tick = DefaultTick
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.EvictSchedule == "" {
		cfg.EvictSchedule = DefaultEvictSchedule
	}
	if publisher == nil {
		publisher = nopPublisher{}
	}
	return &Scheduler{
		sessions:       make(map[uuid.UUID]*session.Session),
		active:         make(map[attemptKey]uuid.UUID),
		attempts:       make(map[attemptKey]int),
		timers:         newTimers(),
		unsynced:       make(map[uuid.UUID]*pendingSync),
		expiryFailures: make(map[uuid.UUID]int),
		deps:           deps,
		store:          store,
		persister:      persister,
		publisher:      publisher,
		defs:           defs,
		cfg:            cfg,
		log:            log.With().Str("component", "scheduler").Logger(),
	}
}

// ----------------------------------------------------------------
// Creation and lookup
// ----------------------------------------------------------------

// Create registers a new attempt and arms its deadline.
func (s *Scheduler) Create(ctx context.Context, def *model.AssessmentDefinition, examineeID string, client model.ClientInfo) (*session.Session, error) {
	key := attemptKey{examineeID: examineeID, assessmentID: def.ID}

	if err := s.seedAttempts(ctx, key); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if id, ok := s.active[key]; ok {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: session %s", model.ErrDuplicateAttempt, id)
	}
	attempt := s.attempts[key] + 1
	if def.MaxAttempts > 0 && attempt > def.MaxAttempts {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %d of %d used", model.ErrAttemptsExhausted, attempt-1, def.MaxAttempts)
	}

	sess := session.New(session.Params{
		ID:            uuid.New(),
		Definition:    def,
		ExamineeID:    examineeID,
		AttemptNumber: attempt,
		Client:        client,
	}, s.deps)
	s.attempts[key] = attempt
	s.active[key] = sess.ID()
	s.sessions[sess.ID()] = sess
	s.timers.arm(sess.ID(), sess.DeadlineAt())
	s.mu.Unlock()

	// The deadline is armed; only now is the session exposed.
	if err := sess.Activate(); err != nil {
		return nil, err
	}

	metrics.SessionsCreated.Inc()
	metrics.ActiveSessions.Inc()
	s.log.Info().
		Str("session_id", sess.ID().String()).
		Str("assessment_id", def.ID).
		Str("examinee_id", examineeID).
		Int("attempt", attempt).
		Time("deadline_at", sess.DeadlineAt()).
		Msg("session started")

	s.afterChange(ctx, sess, EventStarted)
	return sess, nil
}

// seedAttempts loads the attempt counter for key from the store the first
// time the pair is seen. The store is read outside the registry lock.
func (s *Scheduler) seedAttempts(ctx context.Context, key attemptKey) error {
	s.mu.Lock()
	_, known := s.attempts[key]
	s.mu.Unlock()
	if known {
		return nil
	}

	last, err := s.store.LastAttemptNumber(ctx, key.examineeID, key.assessmentID)
	if err != nil {
		return fmt.Errorf("load attempt count: %w", err)
	}

	s.mu.Lock()
	if last > s.attempts[key] {
		s.attempts[key] = last
	}
	s.mu.Unlock()
	return nil
}

// Lookup returns the live session, loading it from the store when it is not
// in memory. A loaded session whose deadline has passed is expired before it
// is returned.
func (s *Scheduler) Lookup(ctx context.Context, id uuid.UUID) (*session.Session, error) {
	s.mu.Lock()
	sess, ok := s.sessions[id]
	s.mu.Unlock()
	if ok {
		return sess, nil
	}

	rec, err := s.store.Load(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.adopt(ctx, rec)
}

// Active returns the in-progress session for (examinee, assessment), if any.
func (s *Scheduler) Active(examineeID, assessmentID string) (*session.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.active[attemptKey{examineeID: examineeID, assessmentID: assessmentID}]
	if !ok {
		return nil, false
	}
	sess, ok := s.sessions[id]
	return sess, ok
}

// Snapshots returns the in-memory records of one assessment.
func (s *Scheduler) Snapshots(assessmentID string) []model.SessionRecord {
	s.mu.Lock()
	matched := make([]*session.Session, 0, len(s.active))
	for _, sess := range s.sessions {
		if sess.AssessmentID() == assessmentID {
			matched = append(matched, sess)
		}
	}
	s.mu.Unlock()

	out := make([]model.SessionRecord, 0, len(matched))
	for _, sess := range matched {
		out = append(out, sess.Snapshot())
	}
	return out
}

// Len returns the number of sessions held in memory.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// ----------------------------------------------------------------
// Recovery
// ----------------------------------------------------------------

// RecoveryReport summarises a Recover run.
type RecoveryReport struct {
	Rearmed int
	Expired int
	Failed  int
}

// Recover rebuilds every unfinished session from the store. Overdue sessions
// are expired immediately; the rest have their deadlines re-armed.
//
// pending, when not nil, is drained first: a snapshot still queued by the
// previous process may already be terminal, and recovering from the older
// stored row would finalize the session a second time.
func (s *Scheduler) Recover(ctx context.Context, pending Flusher) (RecoveryReport, error) {
	var report RecoveryReport

	if pending != nil {
		n, err := pending.Drain(ctx)
		if err != nil {
			return report, fmt.Errorf("flush queued snapshots: %w", err)
		}
		if n > 0 {
			s.log.Info().Int("flushed", n).Msg("queued snapshots flushed before recovery")
		}
	}

	records, err := s.store.ListInProgress(ctx)
	if err != nil {
		return report, fmt.Errorf("list unfinished sessions: %w", err)
	}

	for i := range records {
		rec := &records[i]
		sess, err := s.adopt(ctx, rec)
		if err != nil {
			report.Failed++
			s.log.Error().Err(err).Str("session_id", rec.ID.String()).Msg("recover session failed")
			continue
		}
		if terminal, _ := sess.Terminal(); terminal {
			report.Expired++
		} else {
			report.Rearmed++
		}
	}

	s.log.Info().
		Int("rearmed", report.Rearmed).
		Int("expired", report.Expired).
		Int("failed", report.Failed).
		Msg("session recovery finished")
	return report, nil
}

// adopt registers a persisted session. Unfinished sessions get their deadline
// re-armed, or are expired on the spot when it already passed.
func (s *Scheduler) adopt(ctx context.Context, rec *model.SessionRecord) (*session.Session, error) {
	s.loadMu.Lock()
	defer s.loadMu.Unlock()

	s.mu.Lock()
	existing, ok := s.sessions[rec.ID]
	s.mu.Unlock()
	if ok {
		return existing, nil
	}

	def, err := s.defs.Get(ctx, rec.AssessmentID)
	if err != nil {
		return nil, fmt.Errorf("load assessment %s: %w", rec.AssessmentID, err)
	}
	restored, err := session.Restore(rec, def, s.deps)
	if err != nil {
		return nil, err
	}

	key := attemptKey{examineeID: rec.ExamineeID, assessmentID: rec.AssessmentID}
	unfinished := !rec.Status.Terminal()

	s.mu.Lock()
	s.sessions[rec.ID] = restored
	if rec.AttemptNumber > s.attempts[key] {
		s.attempts[key] = rec.AttemptNumber
	}
	if unfinished {
		if other, ok := s.active[key]; ok && other != rec.ID {
			s.log.Warn().
				Str("session_id", rec.ID.String()).
				Str("active_session_id", other.String()).
				Msg("second unfinished attempt found during recovery")
		} else {
			s.active[key] = rec.ID
		}
		s.timers.arm(rec.ID, rec.DeadlineAt)
	}
	s.mu.Unlock()

	if !unfinished {
		return restored, nil
	}
	metrics.ActiveSessions.Inc()

	if !s.deps.Clock.Now().Before(rec.DeadlineAt) {
		s.expire(ctx, restored)
	}
	return restored, nil
}

// ----------------------------------------------------------------
// Mutations
// ----------------------------------------------------------------

// RecordAnswer stores an answer revision.
func (s *Scheduler) RecordAnswer(ctx context.Context, sess *session.Session, questionID string, value model.AnswerValue) (int, error) {
	rev, err := sess.RecordAnswer(questionID, value)
	if err != nil {
		return 0, err
	}
	metrics.AnswersRecorded.Inc()
	s.afterChange(ctx, sess, EventAnswered)
	return rev, nil
}

// RecordIntegrityEvent appends a proctoring signal.
func (s *Scheduler) RecordIntegrityEvent(ctx context.Context, sess *session.Session, kind model.IntegrityKind, detail string) (bool, error) {
	stored, err := sess.RecordIntegrityEvent(kind, detail)
	if err != nil {
		return false, err
	}
	s.afterChange(ctx, sess, EventIntegrity)
	return stored, nil
}

// CountIntegrityEvent counts a proctoring signal that is not stored.
func (s *Scheduler) CountIntegrityEvent(ctx context.Context, sess *session.Session, kind model.IntegrityKind) error {
	if err := sess.CountIntegrityEvent(kind); err != nil {
		return err
	}
	s.afterChange(ctx, sess, EventIntegrity)
	return nil
}

// Submit finalizes the session on behalf of the examinee.
func (s *Scheduler) Submit(ctx context.Context, sess *session.Session) (model.Score, error) {
	score, transitioned, err := sess.Submit()
	if err != nil {
		return model.Score{}, err
	}
	if transitioned {
		event := EventSubmitted
		if sess.View().Status == model.SessionStatusTimedOut {
			event = EventTimedOut
		}
		s.finalized(ctx, sess, event)
	}
	return score, nil
}

// Abandon ends the session administratively.
func (s *Scheduler) Abandon(ctx context.Context, sess *session.Session, reason string) error {
	if err := sess.Abandon(reason); err != nil {
		return err
	}
	s.log.Warn().Str("session_id", sess.ID().String()).Str("reason", reason).Msg("session abandoned")
	s.finalized(ctx, sess, EventAbandoned)
	return nil
}

// Flag marks a session for manual review.
func (s *Scheduler) Flag(ctx context.Context, sess *session.Session, reason string) {
	sess.FlagForReview(reason)
	metrics.SessionsFlagged.Inc()
	s.afterChange(ctx, sess, EventFlagged)
}

// ----------------------------------------------------------------
// Deadlines
// ----------------------------------------------------------------

// Run polls deadlines every tick and evicts old sessions on the configured
// schedule until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	c := cron.New()
	if _, err := c.AddFunc(s.cfg.EvictSchedule, func() { s.Evict() }); err != nil {
		return fmt.Errorf("schedule eviction %q: %w", s.cfg.EvictSchedule, err)
	}
	c.Start()
	defer c.Stop()

	ticker := time.NewTicker(s.cfg.Tick)
	defer ticker.Stop()

	s.log.Info().Dur("tick", s.cfg.Tick).Str("evict_schedule", s.cfg.EvictSchedule).Msg("scheduler started")
	for {
		select {
		case <-ctx.Done():
			if left := s.resync(context.WithoutCancel(ctx), true); left > 0 {
				s.log.Error().Int("unsynced", left).Msg("scheduler stopped with unqueued snapshots")
			}
			s.log.Info().Msg("scheduler stopped")
			return nil
		case <-ticker.C:
			s.ExpireDue(ctx)
			s.ResyncDue(ctx)
		}
	}
}

// ExpireDue expires every session whose deadline has passed and returns how
// many transitioned.
func (s *Scheduler) ExpireDue(ctx context.Context) int {
	now := s.deps.Clock.Now()

	s.mu.Lock()
	due := s.timers.due(now)
	targets := make([]*session.Session, 0, len(due))
	for _, d := range due {
		if sess, ok := s.sessions[d.id]; ok {
			targets = append(targets, sess)
		}
	}
	s.mu.Unlock()

	expired := 0
	for _, sess := range targets {
		if s.expire(ctx, sess) {
			expired++
		}
	}
	return expired
}

// expire runs one expiry. Failures are contained to the session: they are
// logged, the session is flagged for manual review and the expiry is retried
// with backoff up to MaxExpiryAttempts times.
func (s *Scheduler) expire(ctx context.Context, sess *session.Session) (transitioned bool) {
	log := s.log.With().Str("session_id", sess.ID().String()).Logger()

	defer func() {
		if r := recover(); r != nil {
			transitioned = false
			log.Error().Interface("panic", r).Msg("expire panicked")
			s.expiryFailed(ctx, sess, fmt.Sprintf("%v", r))
		}
	}()

	transitioned, err := sess.Expire()
	if err != nil {
		if errors.Is(err, model.ErrInvalidState) {
			// Not due yet, e.g. the clock stepped back. Re-arm.
			s.mu.Lock()
			s.timers.arm(sess.ID(), sess.DeadlineAt())
			s.mu.Unlock()
			return false
		}
		log.Error().Err(err).Msg("expire failed")
		s.expiryFailed(ctx, sess, err.Error())
		return false
	}
	if !transitioned {
		return false
	}

	lag := s.deps.Clock.Now().Sub(sess.DeadlineAt())
	metrics.ExpireLag.Observe(lag.Seconds())
	log.Info().Dur("lag", lag).Msg("session timed out")

	s.finalized(ctx, sess, EventTimedOut)
	return true
}

// expiryFailed flags the session on its first failed expiry and re-arms the
// deadline until MaxExpiryAttempts is reached.
func (s *Scheduler) expiryFailed(ctx context.Context, sess *session.Session, cause string) {
	s.mu.Lock()
	s.expiryFailures[sess.ID()]++
	n := s.expiryFailures[sess.ID()]
	retry := n < MaxExpiryAttempts
	if retry {
		s.timers.arm(sess.ID(), s.deps.Clock.Now().Add(worker.Backoff(n)))
	}
	s.mu.Unlock()

	if n == 1 {
		s.Flag(ctx, sess, "automatic expiry failed: "+cause)
	}
	if !retry {
		s.log.Error().
			Str("session_id", sess.ID().String()).
			Int("attempts", n).
			Msg("automatic expiry given up, a proctor must abandon the session")
	}
}

// ----------------------------------------------------------------
// Bookkeeping
// ----------------------------------------------------------------

// finalized runs once per session, after the terminal transition.
func (s *Scheduler) finalized(ctx context.Context, sess *session.Session, event string) {
	key := attemptKey{examineeID: sess.ExamineeID(), assessmentID: sess.AssessmentID()}

	s.mu.Lock()
	if s.active[key] == sess.ID() {
		delete(s.active, key)
	}
	s.timers.cancel(sess.ID())
	delete(s.expiryFailures, sess.ID())
	s.mu.Unlock()

	status := sess.View().Status
	metrics.ActiveSessions.Dec()
	metrics.SessionsFinalized.WithLabelValues(string(status)).Inc()

	s.afterChange(ctx, sess, event)
}

// afterChange queues a snapshot and publishes the event. It must be called
// without the session lock held.
func (s *Scheduler) afterChange(ctx context.Context, sess *session.Session, event string) {
	rec := sess.Snapshot()

	if err := s.persister.Enqueue(ctx, rec); err != nil {
		metrics.PersistFailures.Inc()
		s.log.Error().Err(err).Str("session_id", rec.ID.String()).Int64("version", rec.Version).Msg("enqueue snapshot failed, will retry")
		s.markUnsynced(rec.ID)
	}

	ev := model.SessionEvent{
		Type:         event,
		SessionID:    rec.ID,
		AssessmentID: rec.AssessmentID,
		ExamineeID:   rec.ExamineeID,
		Status:       rec.Status,
		Answered:     len(rec.LatestAnswers()),
		At:           rec.UpdatedAt,
	}
	if rec.Score != nil {
		pct := rec.Score.Percentage
		ev.Percentage = &pct
	}
	s.publisher.Publish(ctx, ev)
}

// markUnsynced schedules a retry for the session's snapshot. A session
// already waiting keeps its backoff.
func (s *Scheduler) markUnsynced(id uuid.UUID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.unsynced[id]; ok {
		return
	}
	s.unsynced[id] = &pendingSync{failures: 1, next: s.deps.Clock.Now().Add(worker.Backoff(1))}
}

// ResyncDue re-queues the latest snapshot of every session whose backoff has
// elapsed and returns how many are still waiting.
func (s *Scheduler) ResyncDue(ctx context.Context) int {
	return s.resync(ctx, false)
}

// Unsynced returns the number of sessions whose latest snapshot is not queued.
func (s *Scheduler) Unsynced() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.unsynced)
}

func (s *Scheduler) resync(ctx context.Context, force bool) int {
	now := s.deps.Clock.Now()

	s.mu.Lock()
	targets := make([]*session.Session, 0, len(s.unsynced))
	for id, p := range s.unsynced {
		sess, ok := s.sessions[id]
		if !ok {
			delete(s.unsynced, id)
			continue
		}
		if force || !now.Before(p.next) {
			targets = append(targets, sess)
		}
	}
	s.mu.Unlock()

	for _, sess := range targets {
		rec := sess.Snapshot()
		err := s.persister.Enqueue(ctx, rec)

		s.mu.Lock()
		if err == nil {
			delete(s.unsynced, rec.ID)
		} else if p, ok := s.unsynced[rec.ID]; ok {
			p.failures++
			p.next = now.Add(worker.Backoff(p.failures))
		}
		s.mu.Unlock()

		if err != nil {
			metrics.PersistFailures.Inc()
			s.log.Warn().Err(err).Str("session_id", rec.ID.String()).Int64("version", rec.Version).Msg("snapshot retry failed")
			continue
		}
		s.log.Info().Str("session_id", rec.ID.String()).Int64("version", rec.Version).Msg("snapshot queued after retry")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.unsynced)
}

// Evict drops finalized sessions older than the retention window from
// memory. They remain loadable from the store. Sessions with an unqueued
// snapshot stay until the retry succeeds.
func (s *Scheduler) Evict() int {
	cutoff := s.deps.Clock.Now().Add(-s.cfg.Retention)

	s.mu.Lock()
	candidates := make([]*session.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		candidates = append(candidates, sess)
	}
	s.mu.Unlock()

	var stale []uuid.UUID
	for _, sess := range candidates {
		if terminal, since := sess.Terminal(); terminal && since.Before(cutoff) {
			stale = append(stale, sess.ID())
		}
	}

	s.mu.Lock()
	evicted := stale[:0]
	for _, id := range stale {
		if _, waiting := s.unsynced[id]; waiting {
			continue
		}
		delete(s.sessions, id)
		evicted = append(evicted, id)
	}
	stale = evicted
	s.mu.Unlock()

	for _, id := range stale {
		s.deps.Monitor.Forget(id)
	}
	if len(stale) > 0 {
		s.log.Debug().Int("evicted", len(stale)).Msg("evicted finalized sessions")
	}
	return len(stale)
}
