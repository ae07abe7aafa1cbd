package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-assessment/internal/config"
	"github.com/stemsi/exstem-assessment/internal/metrics"
	"github.com/stemsi/exstem-assessment/internal/model"
)

const (
	PersistBatchSize    = 50
	PersistBatchTimeout = 2 * time.Second
	PersistPollTimeout  = 1 * time.Second

	MinRetryBackoff = 1 * time.Second
	MaxRetryBackoff = 30 * time.Second
)

// SessionWriter is the durable store the worker drains into.
type SessionWriter interface {
	SaveBatch(ctx context.Context, recs []*model.SessionRecord) error
	Save(ctx context.Context, rec *model.SessionRecord) error
}

// SessionPersistWorker drains the snapshot queue into the session store.
// Delivery is at-least-once: the store ignores versions it already has.
type SessionPersistWorker struct {
	rdb          *redis.Client
	store        SessionWriter
	log          zerolog.Logger
	batchSize    int
	batchTimeout time.Duration

	failures int
	wait     func(ctx context.Context, d time.Duration)
}

func NewSessionPersistWorker(rdb *redis.Client, store SessionWriter, batchSize int, batchTimeout time.Duration, log zerolog.Logger) *SessionPersistWorker {
	if batchSize <= 0 {
		batchSize = PersistBatchSize
	}
	if batchTimeout <= 0 {
		batchTimeout = PersistBatchTimeout
	}
	return &SessionPersistWorker{
		rdb:          rdb,
		store:        store,
		log:          log.With().Str("component", "session_persist_worker").Logger(),
		batchSize:    batchSize,
		batchTimeout: batchTimeout,
		wait:         sleepCtx,
	}
}

// ----------------------------------------------------------------
// Worker loop with batching
// ----------------------------------------------------------------

func (w *SessionPersistWorker) Start(ctx context.Context) {
	w.log.Info().Msg("SessionPersistWorker started")

	batch := make([]*model.SessionRecord, 0, w.batchSize)
	lastFlush := time.Now()

	for {
		if len(batch) > 0 &&
			(len(batch) >= w.batchSize || time.Since(lastFlush) >= w.batchTimeout) {

			w.flushSafe(ctx, batch)
			batch = batch[:0]
			lastFlush = time.Now()
		}

		select {
		case <-ctx.Done():
			w.log.Info().Int("pending", len(batch)).Msg("Shutdown requested. Flushing remaining batch...")
			w.flushSafe(context.Background(), batch)
			return

		default:
			item, err := w.rdb.BLPop(ctx, PersistPollTimeout, config.WorkerKey.PersistSessionsQueue).Result()
			if err != nil {
				if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
					w.log.Error().Err(err).Msg("BLPop error")
					w.wait(ctx, MinRetryBackoff)
				}
				continue
			}
			if len(item) < 2 {
				continue
			}
			if rec := w.decode(ctx, item[1]); rec != nil {
				batch = append(batch, rec)
			}
		}
	}
}

// Drain persists everything currently queued and returns how many snapshots
// it read. Used before recovery on startup and on shutdown after the
// scheduler has stopped. It stops with an error as soon as a snapshot cannot
// be written, leaving it queued.
func (w *SessionPersistWorker) Drain(ctx context.Context) (int, error) {
	var (
		batch []*model.SessionRecord
		read  int
	)
	for {
		raw, err := w.rdb.LPop(ctx, config.WorkerKey.PersistSessionsQueue).Result()
		if errors.Is(err, redis.Nil) {
			break
		}
		if err != nil {
			return read, err
		}
		read++
		if rec := w.decode(ctx, raw); rec != nil {
			batch = append(batch, rec)
		}
		if len(batch) >= w.batchSize {
			if n := w.flush(ctx, batch); n > 0 {
				return read, fmt.Errorf("%d snapshot(s) could not be saved", n)
			}
			batch = batch[:0]
		}
	}
	if n := w.flush(ctx, batch); n > 0 {
		return read, fmt.Errorf("%d snapshot(s) could not be saved", n)
	}
	return read, nil
}

func (w *SessionPersistWorker) decode(ctx context.Context, raw string) *model.SessionRecord {
	var rec model.SessionRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		w.log.Error().Err(err).Msg("Invalid snapshot payload, moving to dead letter queue")
		w.rdb.RPush(ctx, config.WorkerKey.DeadLetterQueue, raw)
		return nil
	}
	return &rec
}

// ----------------------------------------------------------------
// Flush with fallback, requeue and backoff
// ----------------------------------------------------------------

// flushSafe writes the batch and, when anything had to be requeued, waits
// with exponential backoff before the loop reads again.
func (w *SessionPersistWorker) flushSafe(ctx context.Context, batch []*model.SessionRecord) {
	if len(batch) == 0 {
		return
	}
	if w.flush(ctx, batch) == 0 {
		w.failures = 0
		return
	}

	w.failures++
	delay := Backoff(w.failures)
	w.log.Warn().Int("consecutive_failures", w.failures).Dur("backoff", delay).Msg("Snapshots requeued, backing off")
	w.wait(ctx, delay)
}

// flush returns the number of snapshots that were requeued.
func (w *SessionPersistWorker) flush(ctx context.Context, batch []*model.SessionRecord) int {
	latest := Compact(batch)
	if len(latest) == 0 {
		return 0
	}

	err := w.store.SaveBatch(ctx, latest)
	if err == nil {
		return 0
	}
	w.log.Warn().Err(err).Int("size", len(latest)).Msg("batch save failed, using fallback")

	requeued := 0
	for _, rec := range latest {
		if err := w.store.Save(ctx, rec); err != nil {
			metrics.PersistFailures.Inc()
			w.log.Error().Err(err).
				Str("session_id", rec.ID.String()).
				Int64("version", rec.Version).
				Msg("save failed, requeueing")
			raw, _ := json.Marshal(rec)
			w.rdb.RPush(context.WithoutCancel(ctx), config.WorkerKey.PersistSessionsQueue, raw)
			requeued++
		}
	}
	return requeued
}

// Compact keeps the highest version per session and orders the result by
// update time, so an attempt's final snapshot is written before the next
// attempt's first.
func Compact(batch []*model.SessionRecord) []*model.SessionRecord {
	byID := make(map[string]*model.SessionRecord, len(batch))
	for _, rec := range batch {
		key := rec.ID.String()
		if cur, ok := byID[key]; !ok || rec.Version > cur.Version {
			byID[key] = rec
		}
	}

	out := make([]*model.SessionRecord, 0, len(byID))
	for _, rec := range byID {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].ID.String() < out[j].ID.String()
		}
		return out[i].UpdatedAt.Before(out[j].UpdatedAt)
	})
	return out
}

// Backoff returns the delay after n consecutive failures: 1s doubling up to
// 30s.
func Backoff(n int) time.Duration {
	if n <= 1 {
		return MinRetryBackoff
	}
	d := MinRetryBackoff
	for i := 1; i < n; i++ {
		d *= 2
		if d >= MaxRetryBackoff {
			return MaxRetryBackoff
		}
	}
	return d
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
