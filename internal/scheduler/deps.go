package scheduler

import (
	"context"

	"github.com/google/uuid"

	"github.com/stemsi/exstem-assessment/internal/model"
)

// Store is the durable side of the session registry.
type Store interface {
	// ListInProgress returns every record that has not reached a terminal state.
	ListInProgress(ctx context.Context) ([]model.SessionRecord, error)
	// Load returns model.ErrSessionNotFound when the id is unknown.
	Load(ctx context.Context, id uuid.UUID) (*model.SessionRecord, error)
	LastAttemptNumber(ctx context.Context, examineeID, assessmentID string) (int, error)
}

// Persister queues snapshots for durable storage. Enqueue is called after the
// session lock is released; delivery is at-least-once and consumers dedupe by
// record version.
type Persister interface {
	Enqueue(ctx context.Context, rec model.SessionRecord) error
}

// Flusher writes snapshots still waiting in the persistence queue to the
// store.
type Flusher interface {
	Drain(ctx context.Context) (int, error)
}

// Publisher fans session lifecycle events out to live monitors.
type Publisher interface {
	Publish(ctx context.Context, ev model.SessionEvent)
}

// DefinitionSource resolves assessment definitions by id.
type DefinitionSource interface {
	Get(ctx context.Context, assessmentID string) (*model.AssessmentDefinition, error)
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, model.SessionEvent) {}

// Event types published by the scheduler.
const (
	EventStarted   = "session.started"
	EventAnswered  = "session.answered"
	EventIntegrity = "session.integrity"
	EventSubmitted = "session.submitted"
	EventTimedOut  = "session.timed_out"
	EventAbandoned = "session.abandoned"
	EventFlagged   = "session.flagged"
)
