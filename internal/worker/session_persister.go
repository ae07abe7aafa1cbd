package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/stemsi/exstem-assessment/internal/config"
	"github.com/stemsi/exstem-assessment/internal/model"
)

// SessionPersister queues session snapshots on a Redis list for the
// SessionPersistWorker.
type SessionPersister struct {
	rdb *redis.Client
}

func NewSessionPersister(rdb *redis.Client) *SessionPersister {
	return &SessionPersister{rdb: rdb}
}

// Enqueue pushes one snapshot. It never touches the database.
func (p *SessionPersister) Enqueue(ctx context.Context, rec model.SessionRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	// The transition is already visible in memory; a cancelled request must
	// not lose the snapshot.
	return p.rdb.RPush(context.WithoutCancel(ctx), config.WorkerKey.PersistSessionsQueue, raw).Err()
}
