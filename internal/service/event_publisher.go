package service

import (
	"context"
	"encoding/json"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-assessment/internal/config"
	"github.com/stemsi/exstem-assessment/internal/model"
)

// RedisEventPublisher fans session events out to proctor monitors over
// Redis PubSub, one channel per assessment. Publishing is best effort.
type RedisEventPublisher struct {
	rdb *redis.Client
	log zerolog.Logger
}

// NewRedisEventPublisher creates a new RedisEventPublisher.
func NewRedisEventPublisher(rdb *redis.Client, log zerolog.Logger) *RedisEventPublisher {
	return &RedisEventPublisher{rdb: rdb, log: log.With().Str("component", "event_publisher").Logger()}
}

// Publish sends ev to the assessment's monitor channel.
func (p *RedisEventPublisher) Publish(ctx context.Context, ev model.SessionEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		p.log.Error().Err(err).Str("session_id", ev.SessionID.String()).Msg("marshal session event failed")
		return
	}
	// Detach from request cancellation; the transition already happened.
	ctx = context.WithoutCancel(ctx)
	if err := p.rdb.Publish(ctx, config.CacheKey.AssessmentMonitorChannel(ev.AssessmentID), payload).Err(); err != nil {
		p.log.Warn().Err(err).Str("session_id", ev.SessionID.String()).Str("type", ev.Type).Msg("publish session event failed")
	}
}
