package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-assessment/internal/config"
	"github.com/stemsi/exstem-assessment/internal/model"
)

// DefinitionSource is the authoritative definition store.
type DefinitionSource interface {
	GetByID(ctx context.Context, id string) (*model.AssessmentDefinition, error)
}

// DefinitionCache serves assessment definitions from an in-process memo,
// then Redis, then the source. Definitions are immutable once imported, so
// entries are never invalidated, only expired from Redis by TTL.
type DefinitionCache struct {
	source DefinitionSource
	rdb    *redis.Client // nil disables the Redis layer
	ttl    time.Duration
	log    zerolog.Logger

	mu   sync.RWMutex
	memo map[string]*model.AssessmentDefinition
}

// NewDefinitionCache creates a new DefinitionCache. rdb may be nil.
func NewDefinitionCache(source DefinitionSource, rdb *redis.Client, ttl time.Duration, log zerolog.Logger) *DefinitionCache {
	return &DefinitionCache{
		source: source,
		rdb:    rdb,
		ttl:    ttl,
		log:    log.With().Str("component", "definition_cache").Logger(),
		memo:   make(map[string]*model.AssessmentDefinition),
	}
}

// Get returns the definition for id or model.ErrAssessmentNotFound.
func (c *DefinitionCache) Get(ctx context.Context, id string) (*model.AssessmentDefinition, error) {
	c.mu.RLock()
	def, ok := c.memo[id]
	c.mu.RUnlock()
	if ok {
		return def, nil
	}

	def, err := c.fromRedis(ctx, id)
	if err != nil {
		// A broken cache must not block sessions.
		c.log.Warn().Err(err).Str("assessment_id", id).Msg("definition cache read failed")
	}
	if def == nil {
		def, err = c.source.GetByID(ctx, id)
		if err != nil {
			return nil, err
		}
		c.toRedis(ctx, def)
	}

	c.mu.Lock()
	if existing, ok := c.memo[id]; ok {
		def = existing
	} else {
		c.memo[id] = def
	}
	c.mu.Unlock()
	return def, nil
}

// Prewarm loads ids into both cache layers, skipping failures.
func (c *DefinitionCache) Prewarm(ctx context.Context, ids []string) int {
	warmed := 0
	for _, id := range ids {
		if _, err := c.Get(ctx, id); err != nil {
			c.log.Warn().Err(err).Str("assessment_id", id).Msg("failed to warm definition, skipping")
			continue
		}
		warmed++
	}
	return warmed
}

func (c *DefinitionCache) fromRedis(ctx context.Context, id string) (*model.AssessmentDefinition, error) {
	if c.rdb == nil {
		return nil, nil
	}
	data, err := c.rdb.Get(ctx, config.CacheKey.AssessmentDefinitionKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("get definition: %w", err)
	}

	var def model.AssessmentDefinition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("unmarshal definition: %w", err)
	}
	return &def, nil
}

func (c *DefinitionCache) toRedis(ctx context.Context, def *model.AssessmentDefinition) {
	if c.rdb == nil {
		return
	}
	data, err := json.Marshal(def)
	if err != nil {
		c.log.Warn().Err(err).Str("assessment_id", def.ID).Msg("marshal definition failed")
		return
	}
	if err := c.rdb.Set(ctx, config.CacheKey.AssessmentDefinitionKey(def.ID), data, c.ttl).Err(); err != nil {
		c.log.Warn().Err(err).Str("assessment_id", def.ID).Msg("cache definition failed")
	}
}
