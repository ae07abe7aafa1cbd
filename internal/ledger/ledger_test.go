package ledger

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stemsi/exstem-assessment/internal/model"
)

var t0 = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

func pick(ids ...string) model.AnswerValue {
	return model.AnswerValue{SelectedOptionIDs: ids}
}

func TestPutIncrementsRevisionPerQuestion(t *testing.T) {
	l := New([]string{"q1", "q2"})

	r1, err := l.Put("q1", pick("a"), t0)
	require.NoError(t, err)
	r2, err := l.Put("q1", pick("b"), t0.Add(time.Second))
	require.NoError(t, err)
	other, err := l.Put("q2", pick("c"), t0.Add(2*time.Second))
	require.NoError(t, err)

	assert.Equal(t, 1, r1)
	assert.Equal(t, 2, r2)
	assert.Equal(t, 1, other)

	latest, ok := l.Get("q1")
	require.True(t, ok)
	assert.Equal(t, []string{"b"}, latest.Value.SelectedOptionIDs)
	assert.Equal(t, 2, l.AnsweredCount())
}

func TestSnapshotKeepsOnlyLatestInQuestionOrder(t *testing.T) {
	l := New([]string{"q3", "q1", "q2"})
	_, _ = l.Put("q1", pick("a"), t0)
	_, _ = l.Put("q3", pick("x"), t0)
	_, _ = l.Put("q1", pick("b"), t0)

	snap := l.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "q3", snap[0].QuestionID)
	assert.Equal(t, "q1", snap[1].QuestionID)
	assert.Equal(t, 2, snap[1].Revision)

	hist := l.History("q1")
	require.Len(t, hist, 2)
	assert.Equal(t, []string{"a"}, hist[0].Value.SelectedOptionIDs)
}

func TestFreezeRejectsPuts(t *testing.T) {
	l := New([]string{"q1"})
	l.Freeze()

	_, err := l.Put("q1", pick("a"), t0)
	assert.ErrorIs(t, err, model.ErrInvalidState)
	assert.True(t, l.Frozen())
}

func TestPutCopiesSelection(t *testing.T) {
	l := New([]string{"q1"})
	sel := []string{"a"}
	_, _ = l.Put("q1", model.AnswerValue{SelectedOptionIDs: sel}, t0)
	sel[0] = "tampered"

	got, _ := l.Get("q1")
	assert.Equal(t, "a", got.Value.SelectedOptionIDs[0])
}

func TestRestoreDedupesAndContinuesNumbering(t *testing.T) {
	l := New([]string{"q1"})
	l.Restore([]model.AnswerRecord{
		{QuestionID: "q1", Value: pick("b"), Revision: 2},
		{QuestionID: "q1", Value: pick("a"), Revision: 1},
		{QuestionID: "q1", Value: pick("b"), Revision: 2},
	})

	assert.Len(t, l.History("q1"), 2)

	rev, err := l.Put("q1", pick("c"), t0)
	require.NoError(t, err)
	assert.Equal(t, 3, rev)
}
