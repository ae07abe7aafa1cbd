package integrity

import (
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stemsi/exstem-assessment/internal/model"
)

var at = time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)

func TestRecordStoresUntilCapThenCounts(t *testing.T) {
	m := NewMonitor(2, zerolog.Nop())
	id := uuid.New()

	for i := 0; i < 5; i++ {
		stored, err := m.Record(id, model.IntegrityFocusLost, "tab switch", at)
		require.NoError(t, err)
		assert.Equal(t, i < 2, stored)
	}

	sum := m.Summary(id)
	assert.Equal(t, 5, sum.Total)
	assert.Equal(t, 2, sum.Stored)
	assert.Equal(t, 3, sum.DroppedCount)
	assert.Equal(t, 5, sum.Counts[model.IntegrityFocusLost])

	events := m.Events(id)
	require.Len(t, events, 2)
	assert.Equal(t, 1, events[0].Seq)
	assert.Equal(t, 2, events[1].Seq)
}

func TestRecordRejectsUnknownKind(t *testing.T) {
	m := NewMonitor(10, zerolog.Nop())
	_, err := m.Record(uuid.New(), "MIND_READING", "", at)
	assert.ErrorIs(t, err, model.ErrUnknownEventKind)
}

func TestSealedLogRejectsEvents(t *testing.T) {
	m := NewMonitor(10, zerolog.Nop())
	id := uuid.New()
	_, _ = m.Record(id, model.IntegrityFullscreenExit, "", at)
	m.Seal(id)

	_, err := m.Record(id, model.IntegrityFullscreenExit, "", at)
	assert.ErrorIs(t, err, model.ErrInvalidState)
	assert.True(t, m.Summary(id).Sealed)
	assert.Len(t, m.Events(id), 1)
}

func TestDetailIsTruncated(t *testing.T) {
	m := NewMonitor(10, zerolog.Nop())
	id := uuid.New()
	_, err := m.Record(id, model.IntegrityCopyAttempted, strings.Repeat("é", MaxDetailBytes), at)
	require.NoError(t, err)

	got := m.Events(id)[0].Detail
	assert.LessOrEqual(t, len(got), MaxDetailBytes)
	assert.True(t, strings.HasPrefix(strings.Repeat("é", MaxDetailBytes), got))
}

func TestRestoreRebuildsCounters(t *testing.T) {
	m := NewMonitor(10, zerolog.Nop())
	id := uuid.New()
	m.Restore(id, []model.IntegrityEvent{
		{Seq: 1, Kind: model.IntegrityFocusLost, OccurredAt: at},
		{Seq: 2, Kind: model.IntegrityFullscreenExit, OccurredAt: at},
	}, nil, 4, true)

	sum := m.Summary(id)
	assert.Equal(t, 6, sum.Total)
	assert.Equal(t, 4, sum.DroppedCount)
	assert.Equal(t, 1, sum.Counts[model.IntegrityFullscreenExit])
	assert.True(t, sum.Sealed)

	m.Forget(id)
	assert.Empty(t, m.Events(id))
}

func TestCountTracesWithoutStoring(t *testing.T) {
	m := NewMonitor(10, zerolog.Nop())
	id := uuid.New()

	_, err := m.Record(id, model.IntegrityFocusLost, "", at)
	require.NoError(t, err)
	require.NoError(t, m.Count(id, model.IntegrityFocusLost))
	require.NoError(t, m.Count(id, model.IntegrityPasteAttempted))
	assert.ErrorIs(t, m.Count(id, "MIND_READING"), model.ErrUnknownEventKind)

	sum := m.Summary(id)
	assert.Equal(t, 3, sum.Total)
	assert.Equal(t, 1, sum.Stored)
	assert.Equal(t, 2, sum.DroppedCount)
	assert.Equal(t, 2, sum.Counts[model.IntegrityFocusLost])
	assert.Equal(t, 1, sum.Counts[model.IntegrityPasteAttempted])

	m.Seal(id)
	assert.ErrorIs(t, m.Count(id, model.IntegrityFocusLost), model.ErrInvalidState)
}
