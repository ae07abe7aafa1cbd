package service

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stemsi/exstem-assessment/internal/clock"
	"github.com/stemsi/exstem-assessment/internal/config"
	"github.com/stemsi/exstem-assessment/internal/grading"
	"github.com/stemsi/exstem-assessment/internal/integrity"
	"github.com/stemsi/exstem-assessment/internal/model"
	"github.com/stemsi/exstem-assessment/internal/repository"
	"github.com/stemsi/exstem-assessment/internal/scheduler"
	"github.com/stemsi/exstem-assessment/internal/session"
)

var t0 = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

func setupTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("Failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return mr, client
}

func quiz(id string) *model.AssessmentDefinition {
	return &model.AssessmentDefinition{
		ID:              id,
		Title:           "Fisika Dasar",
		DurationSeconds: 600,
		PassThreshold:   50,
		Questions: []model.QuestionSpec{
			{ID: "q1", Type: model.QuestionTypeSingleChoice, Options: []string{"a", "b"}, CorrectAnswers: []string{"a"}, Points: 2, NegativePoints: 1},
			{ID: "q2", Type: model.QuestionTypeShortAnswer, CorrectAnswers: []string{"Newton"}, Points: 2},
		},
	}
}

// countingSource counts reads that reach the authoritative store.
type countingSource struct {
	inner *repository.MemoryAssessmentStore
	reads atomic.Int32
}

func (s *countingSource) GetByID(ctx context.Context, id string) (*model.AssessmentDefinition, error) {
	s.reads.Add(1)
	return s.inner.GetByID(ctx, id)
}

func newSource(t *testing.T, defs ...*model.AssessmentDefinition) *countingSource {
	t.Helper()
	store := repository.NewMemoryAssessmentStore()
	for _, d := range defs {
		require.NoError(t, store.Import(context.Background(), d))
	}
	return &countingSource{inner: store}
}

// ----------------------------------------------------------------
// DefinitionCache
// ----------------------------------------------------------------

func TestDefinitionCacheFillsRedis(t *testing.T) {
	mr, rdb := setupTestRedis(t)
	src := newSource(t, quiz("fis-1"))
	cache := NewDefinitionCache(src, rdb, time.Hour, zerolog.Nop())
	ctx := context.Background()

	def, err := cache.Get(ctx, "fis-1")
	require.NoError(t, err)
	assert.Equal(t, "Fisika Dasar", def.Title)

	raw, err := mr.Get(config.CacheKey.AssessmentDefinitionKey("fis-1"))
	require.NoError(t, err)
	var cached model.AssessmentDefinition
	require.NoError(t, json.Unmarshal([]byte(raw), &cached))
	assert.Len(t, cached.Questions, 2)
	assert.True(t, mr.TTL(config.CacheKey.AssessmentDefinitionKey("fis-1")) > 0)

	_, err = cache.Get(ctx, "fis-1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, src.reads.Load())
}

func TestDefinitionCacheReadsRedisBeforeSource(t *testing.T) {
	mr, rdb := setupTestRedis(t)
	raw, err := json.Marshal(quiz("fis-2"))
	require.NoError(t, err)
	require.NoError(t, mr.Set(config.CacheKey.AssessmentDefinitionKey("fis-2"), string(raw)))

	src := newSource(t)
	cache := NewDefinitionCache(src, rdb, time.Hour, zerolog.Nop())

	def, err := cache.Get(context.Background(), "fis-2")
	require.NoError(t, err)
	assert.Equal(t, "fis-2", def.ID)
	assert.EqualValues(t, 0, src.reads.Load())
}

func TestDefinitionCacheFallsBackWhenRedisIsDown(t *testing.T) {
	mr, rdb := setupTestRedis(t)
	mr.Close()

	src := newSource(t, quiz("fis-3"))
	cache := NewDefinitionCache(src, rdb, time.Hour, zerolog.Nop())

	def, err := cache.Get(context.Background(), "fis-3")
	require.NoError(t, err)
	assert.Equal(t, "fis-3", def.ID)
}

func TestDefinitionCacheUnknownAssessment(t *testing.T) {
	cache := NewDefinitionCache(newSource(t), nil, time.Hour, zerolog.Nop())
	_, err := cache.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, model.ErrAssessmentNotFound)
	assert.Equal(t, 0, cache.Prewarm(context.Background(), []string{"missing"}))
}

// ----------------------------------------------------------------
// RedisEventPublisher
// ----------------------------------------------------------------

func TestRedisEventPublisherUsesAssessmentChannel(t *testing.T) {
	_, rdb := setupTestRedis(t)
	ctx := context.Background()

	sub := rdb.Subscribe(ctx, config.CacheKey.AssessmentMonitorChannel("fis-1"))
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	pub := NewRedisEventPublisher(rdb, zerolog.Nop())
	ev := model.SessionEvent{Type: scheduler.EventSubmitted, SessionID: uuid.New(), AssessmentID: "fis-1", Status: model.SessionStatusSubmitted, At: t0}
	pub.Publish(ctx, ev)

	select {
	case msg := <-sub.Channel():
		var got model.SessionEvent
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &got))
		assert.Equal(t, ev.SessionID, got.SessionID)
		assert.Equal(t, scheduler.EventSubmitted, got.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("no event received")
	}
}

// ----------------------------------------------------------------
// AuthService
// ----------------------------------------------------------------

func TestAuthServiceRoundTrip(t *testing.T) {
	auth := NewAuthService(&config.Config{JWTSecret: "test-secret", JWTExpiry: time.Hour})

	token, err := auth.GenerateToken(TokenTypeExaminee, "siswa-42", "Budi", 0)
	require.NoError(t, err)

	claims, err := auth.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, TokenTypeExaminee, claims.TokenType)
	assert.Equal(t, "siswa-42", claims.Subject)
	assert.Equal(t, "Budi", claims.Name)
}

func TestAuthServiceRejectsForeignAndExpiredTokens(t *testing.T) {
	auth := NewAuthService(&config.Config{JWTSecret: "test-secret", JWTExpiry: time.Hour})
	other := NewAuthService(&config.Config{JWTSecret: "other-secret", JWTExpiry: time.Hour})

	foreign, err := other.GenerateToken(TokenTypeProctor, "p1", "", 0)
	require.NoError(t, err)
	_, err = auth.ValidateToken(foreign)
	assert.Error(t, err)

	expired, err := auth.GenerateToken(TokenTypeProctor, "p1", "", time.Nanosecond)
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)
	_, err = auth.ValidateToken(expired)
	assert.Error(t, err)

	_, err = auth.GenerateToken("admin", "p1", "", 0)
	assert.ErrorIs(t, err, ErrUnknownTokenType)
}

// ----------------------------------------------------------------
// AssessmentService and MonitorService
// ----------------------------------------------------------------

type fixture struct {
	clock *clock.Fake
	store *repository.MemorySessionStore
	sched *scheduler.Scheduler
	svc   *AssessmentService
}

func newFixture(t *testing.T, defs ...*model.AssessmentDefinition) *fixture {
	t.Helper()
	f := &fixture{clock: clock.NewFake(t0), store: repository.NewMemorySessionStore()}
	cache := NewDefinitionCache(newSource(t, defs...), nil, time.Hour, zerolog.Nop())
	registry := grading.NewRegistry()
	deps := session.Deps{Clock: f.clock, Grader: registry, Monitor: integrity.NewMonitor(0, zerolog.Nop())}
	f.sched = scheduler.New(scheduler.Config{}, deps, f.store, f.store, nil, cache, zerolog.Nop())
	f.svc = NewAssessmentService(f.sched, cache, registry, zerolog.Nop())
	return f
}

func TestAssessmentServiceFullAttempt(t *testing.T) {
	f := newFixture(t, quiz("fis-1"))
	ctx := context.Background()

	view, err := f.svc.CreateSession(ctx, "fis-1", "siswa-1", model.ClientInfo{IPAddress: "10.0.0.7"})
	require.NoError(t, err)
	assert.Equal(t, model.SessionStatusInProgress, view.Status)
	assert.Equal(t, t0.Add(10*time.Minute), view.DeadlineAt)

	require.NoError(t, f.svc.Authorize(ctx, view.ID, "siswa-1"))
	assert.ErrorIs(t, f.svc.Authorize(ctx, view.ID, "siswa-2"), model.ErrNotSessionOwner)

	_, err = f.svc.GetResult(ctx, view.ID)
	assert.ErrorIs(t, err, model.ErrNotYetFinalized)

	rev, err := f.svc.RecordAnswer(ctx, view.ID, "q1", model.AnswerValue{SelectedOptionIDs: []string{"b"}})
	require.NoError(t, err)
	assert.Equal(t, 1, rev)
	rev, err = f.svc.RecordAnswer(ctx, view.ID, "q1", model.AnswerValue{SelectedOptionIDs: []string{"a"}})
	require.NoError(t, err)
	assert.Equal(t, 2, rev)
	_, err = f.svc.RecordAnswer(ctx, view.ID, "q2", model.AnswerValue{Text: "  newton "})
	require.NoError(t, err)

	stored, err := f.svc.RecordIntegrityEvent(ctx, view.ID, model.IntegrityFocusLost, "alt-tab")
	require.NoError(t, err)
	assert.True(t, stored)

	f.clock.Advance(90 * time.Second)
	status, err := f.svc.GetStatus(ctx, view.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 510, status.RemainingSeconds)
	assert.Equal(t, 2, status.AnsweredCount)

	score, err := f.svc.Submit(ctx, view.ID)
	require.NoError(t, err)
	assert.Equal(t, 4.0, score.Earned)
	assert.Equal(t, 100.0, score.Percentage)
	assert.True(t, score.Passed)
	assert.Nil(t, score.Breakdown, "breakdown is withheld unless results are shown immediately")

	again, err := f.svc.GetResult(ctx, view.ID)
	require.NoError(t, err)
	assert.Equal(t, score, again)

	review, err := f.svc.Review(ctx, view.ID)
	require.NoError(t, err)
	require.NotNil(t, review.Score)
	assert.Len(t, review.Score.Breakdown, 2)
	assert.Equal(t, 1, review.Integrity.Counts[model.IntegrityFocusLost])
	assert.Equal(t, "10.0.0.7", review.Client.IPAddress)

	history, err := f.svc.AnswerHistory(ctx, view.ID, "q1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, []string{"b"}, history[0].Value.SelectedOptionIDs)

	persisted, err := f.store.Load(ctx, view.ID)
	require.NoError(t, err)
	assert.Equal(t, model.SessionStatusSubmitted, persisted.Status)
}

func TestAssessmentServiceShowsBreakdownWhenAllowed(t *testing.T) {
	def := quiz("fis-open")
	def.ShowResultsImmediately = true
	f := newFixture(t, def)
	ctx := context.Background()

	view, err := f.svc.CreateSession(ctx, "fis-open", "siswa-1", model.ClientInfo{})
	require.NoError(t, err)

	score, err := f.svc.Submit(ctx, view.ID)
	require.NoError(t, err)
	assert.Len(t, score.Breakdown, 2)
	assert.Equal(t, 0.0, score.Earned)
}

func TestAssessmentServiceResumeAndAbandon(t *testing.T) {
	f := newFixture(t, quiz("fis-1"))
	ctx := context.Background()

	view, err := f.svc.CreateSession(ctx, "fis-1", "siswa-1", model.ClientInfo{})
	require.NoError(t, err)

	_, err = f.svc.CreateSession(ctx, "fis-1", "siswa-1", model.ClientInfo{})
	assert.ErrorIs(t, err, model.ErrDuplicateAttempt)

	active, ok := f.svc.ActiveSession("fis-1", "siswa-1")
	require.True(t, ok)
	assert.Equal(t, view.ID, active.ID)

	require.NoError(t, f.svc.Abandon(ctx, view.ID, "perangkat rusak"))
	_, err = f.svc.GetResult(ctx, view.ID)
	assert.ErrorIs(t, err, model.ErrInvalidState)
	_, err = f.svc.Submit(ctx, view.ID)
	assert.ErrorIs(t, err, model.ErrInvalidState)

	second, err := f.svc.CreateSession(ctx, "fis-1", "siswa-1", model.ClientInfo{})
	require.NoError(t, err)
	assert.Equal(t, 2, second.AttemptNumber)
}

func TestAssessmentServiceErrors(t *testing.T) {
	f := newFixture(t, quiz("fis-1"))
	ctx := context.Background()

	_, err := f.svc.CreateSession(ctx, "missing", "siswa-1", model.ClientInfo{})
	assert.ErrorIs(t, err, model.ErrAssessmentNotFound)

	_, err = f.svc.GetStatus(ctx, uuid.New())
	assert.ErrorIs(t, err, model.ErrSessionNotFound)

	view, err := f.svc.CreateSession(ctx, "fis-1", "siswa-1", model.ClientInfo{})
	require.NoError(t, err)

	_, err = f.svc.RecordAnswer(ctx, view.ID, "q9", model.AnswerValue{Text: "x"})
	assert.ErrorIs(t, err, model.ErrUnknownQuestion)
	_, err = f.svc.RecordAnswer(ctx, view.ID, "q1", model.AnswerValue{SelectedOptionIDs: []string{"z"}})
	assert.ErrorIs(t, err, model.ErrMalformedAnswer)
	_, err = f.svc.RecordIntegrityEvent(ctx, view.ID, "SCREENSHOT", "")
	assert.ErrorIs(t, err, model.ErrUnknownEventKind)
	_, err = f.svc.AnswerHistory(ctx, view.ID, "q9")
	assert.ErrorIs(t, err, model.ErrUnknownQuestion)
}

func TestAssessmentServiceRegisterGrader(t *testing.T) {
	f := newFixture(t, quiz("fis-1"))
	ctx := context.Background()

	f.svc.RegisterGrader(model.QuestionTypeShortAnswer, grading.QuestionGraderFunc(
		func(q model.QuestionSpec, a *model.AnswerRecord) grading.Outcome {
			if a == nil {
				return grading.Outcome{}
			}
			return grading.Outcome{Correct: true, Earned: q.Points}
		}))

	view, err := f.svc.CreateSession(ctx, "fis-1", "siswa-1", model.ClientInfo{})
	require.NoError(t, err)
	_, err = f.svc.RecordAnswer(ctx, view.ID, "q2", model.AnswerValue{Text: "Galileo"})
	require.NoError(t, err)

	score, err := f.svc.Submit(ctx, view.ID)
	require.NoError(t, err)
	assert.Equal(t, 2.0, score.Earned)
}

func TestMonitorSnapshotMergesLiveAndStored(t *testing.T) {
	f := newFixture(t, quiz("fis-1"))
	ctx := context.Background()

	a, err := f.svc.CreateSession(ctx, "fis-1", "siswa-1", model.ClientInfo{})
	require.NoError(t, err)
	b, err := f.svc.CreateSession(ctx, "fis-1", "siswa-2", model.ClientInfo{})
	require.NoError(t, err)

	_, err = f.svc.RecordAnswer(ctx, a.ID, "q1", model.AnswerValue{SelectedOptionIDs: []string{"a"}})
	require.NoError(t, err)
	_, err = f.svc.RecordIntegrityEvent(ctx, b.ID, model.IntegrityFullscreenExit, "")
	require.NoError(t, err)
	_, err = f.svc.Submit(ctx, a.ID)
	require.NoError(t, err)

	// A finalized session evicted from memory is still listed from the store.
	f.clock.Advance(time.Hour)
	require.Equal(t, 1, f.sched.Evict())

	mon := NewMonitorService(f.store, f.sched, f.clock)
	snap, err := mon.Snapshot(ctx, quiz("fis-1"))
	require.NoError(t, err)

	assert.Equal(t, 2, snap.TotalQuestions)
	assert.Equal(t, MonitorStats{TotalJoined: 2, TotalInProgress: 1, TotalFinalized: 1, TotalIntegrity: 1}, snap.Stats)
	require.Len(t, snap.Sessions, 2)

	byID := map[uuid.UUID]MonitorEntry{}
	for _, e := range snap.Sessions {
		byID[e.SessionID] = e
	}
	require.NotNil(t, byID[a.ID].Percentage)
	assert.Equal(t, 50.0, *byID[a.ID].Percentage)
	assert.Equal(t, 1, byID[a.ID].AnsweredCount)
	assert.Equal(t, model.SessionStatusInProgress, byID[b.ID].Status)
	assert.Equal(t, 1, byID[b.ID].IntegrityCount)
}
