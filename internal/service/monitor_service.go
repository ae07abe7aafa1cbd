package service

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/stemsi/exstem-assessment/internal/clock"
	"github.com/stemsi/exstem-assessment/internal/model"
)

// SessionLister lists persisted sessions of one assessment.
type SessionLister interface {
	ListByAssessment(ctx context.Context, assessmentID string) ([]model.SessionRecord, error)
}

// LiveSessions exposes in-memory session snapshots.
type LiveSessions interface {
	Snapshots(assessmentID string) []model.SessionRecord
}

// MonitorService builds the proctor's live view of an assessment.
type MonitorService struct {
	store SessionLister
	live  LiveSessions
	clk   clock.Clock
}

// NewMonitorService creates a new MonitorService.
func NewMonitorService(store SessionLister, live LiveSessions, clk clock.Clock) *MonitorService {
	return &MonitorService{store: store, live: live, clk: clk}
}

// MonitorEntry is one attempt as shown on the monitor.
type MonitorEntry struct {
	SessionID        uuid.UUID           `json:"session_id"`
	ExamineeID       string              `json:"examinee_id"`
	AttemptNumber    int                 `json:"attempt_number"`
	Status           model.SessionStatus `json:"status"`
	StartedAt        time.Time           `json:"started_at"`
	RemainingSeconds int64               `json:"remaining_seconds"`
	AnsweredCount    int                 `json:"answered_count"`
	IntegrityCount   int                 `json:"integrity_count"`
	NeedsReview      bool                `json:"needs_review"`
	Percentage       *float64            `json:"percentage,omitempty"`
}

// MonitorStats aggregates the entries.
type MonitorStats struct {
	TotalJoined     int `json:"total_joined"`
	TotalInProgress int `json:"total_in_progress"`
	TotalFinalized  int `json:"total_finalized"`
	TotalIntegrity  int `json:"total_integrity"`
	TotalFlagged    int `json:"total_flagged"`
}

// MonitorSnapshot is the full state sent when a proctor attaches and on
// every refresh.
type MonitorSnapshot struct {
	AssessmentID   string         `json:"assessment_id"`
	TotalQuestions int            `json:"total_questions"`
	Stats          MonitorStats   `json:"stats"`
	Sessions       []MonitorEntry `json:"sessions"`
}

// Snapshot merges persisted and in-memory records, preferring the newer
// version of each session. The store lags the live state by the
// persistence queue, and the live set misses evicted sessions.
func (s *MonitorService) Snapshot(ctx context.Context, def *model.AssessmentDefinition) (*MonitorSnapshot, error) {
	var (
		stored   []model.SessionRecord
		live     []model.SessionRecord
		storeErr error
		wg       sync.WaitGroup
	)

	wg.Add(2)
	go func() {
		defer wg.Done()
		stored, storeErr = s.store.ListByAssessment(ctx, def.ID)
	}()
	go func() {
		defer wg.Done()
		live = s.live.Snapshots(def.ID)
	}()
	wg.Wait()

	if storeErr != nil {
		return nil, storeErr
	}

	merged := make(map[uuid.UUID]model.SessionRecord, len(stored)+len(live))
	for _, rec := range stored {
		merged[rec.ID] = rec
	}
	for _, rec := range live {
		if cur, ok := merged[rec.ID]; !ok || rec.Version >= cur.Version {
			merged[rec.ID] = rec
		}
	}

	now := s.clk.Now()
	snap := &MonitorSnapshot{
		AssessmentID:   def.ID,
		TotalQuestions: len(def.Questions),
		Sessions:       make([]MonitorEntry, 0, len(merged)),
	}
	examinees := make(map[string]struct{}, len(merged))
	for _, rec := range merged {
		entry := entryFor(&rec, now)
		snap.Sessions = append(snap.Sessions, entry)

		examinees[rec.ExamineeID] = struct{}{}
		if rec.Status.Terminal() {
			snap.Stats.TotalFinalized++
		} else {
			snap.Stats.TotalInProgress++
		}
		snap.Stats.TotalIntegrity += entry.IntegrityCount
		if rec.NeedsReview {
			snap.Stats.TotalFlagged++
		}
	}
	snap.Stats.TotalJoined = len(examinees)

	sort.Slice(snap.Sessions, func(i, j int) bool {
		a, b := snap.Sessions[i], snap.Sessions[j]
		if !a.StartedAt.Equal(b.StartedAt) {
			return a.StartedAt.Before(b.StartedAt)
		}
		return a.SessionID.String() < b.SessionID.String()
	})
	return snap, nil
}

func entryFor(rec *model.SessionRecord, now time.Time) MonitorEntry {
	entry := MonitorEntry{
		SessionID:     rec.ID,
		ExamineeID:    rec.ExamineeID,
		AttemptNumber: rec.AttemptNumber,
		Status:        rec.Status,
		StartedAt:     rec.StartedAt,
		AnsweredCount: len(rec.LatestAnswers()),
		NeedsReview:   rec.NeedsReview,
	}
	for _, n := range rec.IntegrityCounts {
		entry.IntegrityCount += n
	}
	if !rec.Status.Terminal() {
		if left := rec.DeadlineAt.Sub(now); left > 0 {
			entry.RemainingSeconds = int64(math.Ceil(left.Seconds()))
		}
	}
	if rec.Score != nil {
		pct := rec.Score.Percentage
		entry.Percentage = &pct
	}
	return entry
}
