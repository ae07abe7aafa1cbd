package session

import (
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stemsi/exstem-assessment/internal/clock"
	"github.com/stemsi/exstem-assessment/internal/grading"
	"github.com/stemsi/exstem-assessment/internal/integrity"
	"github.com/stemsi/exstem-assessment/internal/model"
)

var t0 = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

func quiz() *model.AssessmentDefinition {
	return &model.AssessmentDefinition{
		ID:              "physics-101",
		DurationSeconds: 60,
		PassThreshold:   50,
		Questions: []model.QuestionSpec{
			{ID: "q1", Type: model.QuestionTypeSingleChoice, Options: []string{"opt-correct", "opt-wrong"}, CorrectAnswers: []string{"opt-correct"}, Points: 1},
			{ID: "q2", Type: model.QuestionTypeMultipleChoice, Options: []string{"a", "b", "c"}, CorrectAnswers: []string{"a", "b"}, Points: 2},
		},
	}
}

func newTestSession(t *testing.T, def *model.AssessmentDefinition) (*Session, *clock.Fake) {
	t.Helper()
	clk := clock.NewFake(t0)
	s := New(Params{
		ID:            uuid.New(),
		Definition:    def,
		ExamineeID:    "student-1",
		AttemptNumber: 1,
	}, Deps{
		Clock:   clk,
		Grader:  grading.NewRegistry(),
		Monitor: integrity.NewMonitor(3, zerolog.Nop()),
	})
	require.NoError(t, s.Activate())
	return s, clk
}

func pick(ids ...string) model.AnswerValue {
	return model.AnswerValue{SelectedOptionIDs: ids}
}

func TestNewFixesDeadlineAndOrder(t *testing.T) {
	s, _ := newTestSession(t, quiz())

	view := s.View()
	assert.Equal(t, model.SessionStatusInProgress, view.Status)
	assert.Equal(t, t0, view.StartedAt)
	assert.Equal(t, t0.Add(time.Minute), view.DeadlineAt)
	assert.Equal(t, []string{"q1", "q2"}, view.QuestionOrder)
}

func TestRandomizedOrderIsStable(t *testing.T) {
	def := quiz()
	def.RandomizeOrder = true
	for i := 3; i <= 12; i++ {
		def.Questions = append(def.Questions, model.QuestionSpec{
			ID: "q" + string(rune('a'+i)), Type: model.QuestionTypeTrueFalse, CorrectAnswers: []string{"true"}, Points: 1,
		})
	}
	s, _ := newTestSession(t, def)

	first := s.View().QuestionOrder
	assert.ElementsMatch(t, def.QuestionIDs(), first)
	for i := 0; i < 5; i++ {
		assert.Equal(t, first, s.View().QuestionOrder)
	}
	assert.Equal(t, first, shuffle(def.QuestionIDs(), s.ID()))
}

func TestCreatedSessionActivatesOnFirstContact(t *testing.T) {
	clk := clock.NewFake(t0)
	s := New(Params{ID: uuid.New(), Definition: quiz(), ExamineeID: "e"}, Deps{
		Clock: clk, Grader: grading.NewRegistry(), Monitor: integrity.NewMonitor(0, zerolog.Nop()),
	})
	assert.Equal(t, model.SessionStatusCreated, s.View().Status)

	_, err := s.RecordAnswer("q1", pick("opt-correct"))
	require.NoError(t, err)
	assert.Equal(t, model.SessionStatusInProgress, s.View().Status)
}

func TestRecordAnswerValidation(t *testing.T) {
	s, _ := newTestSession(t, quiz())

	_, err := s.RecordAnswer("q9", pick("a"))
	assert.ErrorIs(t, err, model.ErrUnknownQuestion)

	_, err = s.RecordAnswer("q1", pick("nope"))
	assert.ErrorIs(t, err, model.ErrMalformedAnswer)

	_, err = s.RecordAnswer("q1", pick("opt-correct", "opt-wrong"))
	assert.ErrorIs(t, err, model.ErrMalformedAnswer)
}

func TestRevisionsAreMonotonic(t *testing.T) {
	s, clk := newTestSession(t, quiz())

	last := 0
	for i := 0; i < 5; i++ {
		clk.Advance(time.Second)
		rev, err := s.RecordAnswer("q2", pick("a"))
		require.NoError(t, err)
		assert.Greater(t, rev, last)
		last = rev
	}

	rec := s.Snapshot()
	assert.Len(t, rec.Answers, 5)
	latest := rec.LatestAnswers()
	require.Len(t, latest, 1)
	assert.Equal(t, 5, latest[0].Revision)
}

func TestLatestRevisionIsGraded(t *testing.T) {
	s, clk := newTestSession(t, quiz())

	rev, err := s.RecordAnswer("q1", pick("opt-correct"))
	require.NoError(t, err)
	assert.Equal(t, 1, rev)
	clk.Advance(time.Second)
	rev, err = s.RecordAnswer("q1", pick("opt-wrong"))
	require.NoError(t, err)
	assert.Equal(t, 2, rev)

	score, transitioned, err := s.Submit()
	require.NoError(t, err)
	assert.True(t, transitioned)
	assert.Equal(t, 0.0, score.Earned)
	assert.Equal(t, 2, score.Breakdown[0].Revision)
}

func TestSubmitIsIdempotent(t *testing.T) {
	s, clk := newTestSession(t, quiz())
	_, err := s.RecordAnswer("q2", pick("a", "b"))
	require.NoError(t, err)

	first, transitioned, err := s.Submit()
	require.NoError(t, err)
	assert.True(t, transitioned)
	submittedAt := *s.Review().SubmittedAt

	clk.Advance(10 * time.Second)
	for i := 0; i < 3; i++ {
		again, transitioned, err := s.Submit()
		require.NoError(t, err)
		assert.False(t, transitioned)
		assert.Equal(t, first, again)
	}
	assert.Equal(t, submittedAt, *s.Review().SubmittedAt)
	assert.Equal(t, model.SessionStatusSubmitted, s.View().Status)
}

func TestConcurrentSubmitTransitionsOnce(t *testing.T) {
	s, _ := newTestSession(t, quiz())
	_, err := s.RecordAnswer("q1", pick("opt-correct"))
	require.NoError(t, err)

	const callers = 32
	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		wins   int
		prints = make(map[string]struct{})
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			score, transitioned, err := s.Submit()
			assert.NoError(t, err)
			mu.Lock()
			defer mu.Unlock()
			if transitioned {
				wins++
			}
			prints[score.Fingerprint()] = struct{}{}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, wins)
	assert.Len(t, prints, 1)
}

func TestDeadlineRejectsAnswers(t *testing.T) {
	s, clk := newTestSession(t, quiz())

	clk.Advance(time.Minute)
	_, err := s.RecordAnswer("q1", pick("opt-correct"))
	assert.ErrorIs(t, err, model.ErrInvalidState)

	_, err = s.RecordIntegrityEvent(model.IntegrityFocusLost, "")
	assert.ErrorIs(t, err, model.ErrInvalidState)
	assert.Equal(t, int64(0), s.Status().RemainingSeconds)
}

func TestExpireRequiresDeadline(t *testing.T) {
	s, clk := newTestSession(t, quiz())
	_, err := s.RecordAnswer("q2", pick("a", "b"))
	require.NoError(t, err)

	_, err = s.Expire()
	assert.ErrorIs(t, err, model.ErrInvalidState)

	clk.Advance(90 * time.Second)
	transitioned, err := s.Expire()
	require.NoError(t, err)
	assert.True(t, transitioned)

	review := s.Review()
	assert.Equal(t, model.SessionStatusTimedOut, review.Session.Status)
	assert.Equal(t, t0.Add(time.Minute), *review.SubmittedAt)
	require.NotNil(t, review.Score)
	assert.Equal(t, 2.0, review.Score.Earned)

	transitioned, err = s.Expire()
	require.NoError(t, err)
	assert.False(t, transitioned)
}

func TestSubmitAfterDeadlineTimesOut(t *testing.T) {
	s, clk := newTestSession(t, quiz())
	clk.Advance(61 * time.Second)

	score, transitioned, err := s.Submit()
	require.NoError(t, err)
	assert.True(t, transitioned)
	assert.Equal(t, 3.0, score.Possible)
	assert.Equal(t, model.SessionStatusTimedOut, s.View().Status)
}

func TestExpireThenSubmitReturnsStoredScore(t *testing.T) {
	s, clk := newTestSession(t, quiz())
	clk.Advance(time.Minute)

	_, err := s.Expire()
	require.NoError(t, err)
	expired, err := s.Result()
	require.NoError(t, err)

	score, transitioned, err := s.Submit()
	require.NoError(t, err)
	assert.False(t, transitioned)
	assert.Equal(t, expired, score)
}

func TestAbandonHasNoScore(t *testing.T) {
	s, _ := newTestSession(t, quiz())

	require.NoError(t, s.Abandon("enrollment revoked"))
	assert.ErrorIs(t, s.Abandon("again"), model.ErrInvalidState)

	_, err := s.Result()
	assert.ErrorIs(t, err, model.ErrInvalidState)
	_, _, err = s.Submit()
	assert.ErrorIs(t, err, model.ErrInvalidState)

	review := s.Review()
	assert.Nil(t, review.Score)
	assert.Equal(t, "enrollment revoked", review.AbandonReason)
}

func TestResultBeforeFinalize(t *testing.T) {
	s, _ := newTestSession(t, quiz())
	_, err := s.Result()
	assert.ErrorIs(t, err, model.ErrNotYetFinalized)
}

func TestIntegrityEventsDoNotAffectScore(t *testing.T) {
	quiet, _ := newTestSession(t, quiz())
	noisy, _ := newTestSession(t, quiz())

	for _, s := range []*Session{quiet, noisy} {
		_, err := s.RecordAnswer("q1", pick("opt-correct"))
		require.NoError(t, err)
	}
	for i := 0; i < 10; i++ {
		_, err := noisy.RecordIntegrityEvent(model.IntegrityFullscreenExit, "esc")
		require.NoError(t, err)
	}

	a, _, err := quiet.Submit()
	require.NoError(t, err)
	b, _, err := noisy.Submit()
	require.NoError(t, err)
	assert.Equal(t, a.Fingerprint(), b.Fingerprint())

	sum := noisy.Review().Integrity
	assert.Equal(t, 10, sum.Total)
	assert.Equal(t, 3, sum.Stored)
	assert.Equal(t, 7, sum.DroppedCount)
	assert.True(t, sum.Sealed)
}

func TestVersionIncreasesOnMutation(t *testing.T) {
	s, _ := newTestSession(t, quiz())
	v0 := s.Snapshot().Version

	_, err := s.RecordAnswer("q1", pick("opt-correct"))
	require.NoError(t, err)
	v1 := s.Snapshot().Version
	assert.Greater(t, v1, v0)

	s.FlagForReview("manual check")
	v2 := s.Snapshot().Version
	assert.Greater(t, v2, v1)
	assert.True(t, s.Review().NeedsReview)
}

func TestEssayFlagsForReview(t *testing.T) {
	def := quiz()
	def.Questions = append(def.Questions, model.QuestionSpec{ID: "q3", Type: model.QuestionTypeEssay, Points: 4})
	s, _ := newTestSession(t, def)

	_, err := s.RecordAnswer("q3", model.AnswerValue{Text: "momentum is conserved"})
	require.NoError(t, err)
	_, _, err = s.Submit()
	require.NoError(t, err)

	review := s.Review()
	assert.True(t, review.NeedsReview)
	assert.NotEmpty(t, review.ReviewReason)
}

func TestRestoreRoundTrip(t *testing.T) {
	s, clk := newTestSession(t, quiz())
	_, err := s.RecordAnswer("q1", pick("opt-wrong"))
	require.NoError(t, err)
	clk.Advance(time.Second)
	_, err = s.RecordAnswer("q1", pick("opt-correct"))
	require.NoError(t, err)
	_, err = s.RecordIntegrityEvent(model.IntegrityFocusLost, "alt-tab")
	require.NoError(t, err)

	rec := s.Snapshot()
	deps := Deps{Clock: clk, Grader: grading.NewRegistry(), Monitor: integrity.NewMonitor(3, zerolog.Nop())}
	restored, err := Restore(&rec, quiz(), deps)
	require.NoError(t, err)

	assert.Equal(t, rec.Version, restored.Snapshot().Version)
	rev, err := restored.RecordAnswer("q1", pick("opt-wrong"))
	require.NoError(t, err)
	assert.Equal(t, 3, rev)
	assert.Equal(t, 1, restored.Review().Integrity.Total)
}

func TestRestoreRejectsForeignDefinition(t *testing.T) {
	s, _ := newTestSession(t, quiz())
	rec := s.Snapshot()

	other := quiz()
	other.ID = "chemistry-101"
	_, err := Restore(&rec, other, Deps{Clock: clock.NewFake(t0), Grader: grading.NewRegistry(), Monitor: integrity.NewMonitor(0, zerolog.Nop())})
	assert.Error(t, err)
}
