package handler

import (
	"context"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-assessment/internal/config"
	"github.com/stemsi/exstem-assessment/internal/middleware"
	"github.com/stemsi/exstem-assessment/internal/model"
	"github.com/stemsi/exstem-assessment/internal/scheduler"
	"github.com/stemsi/exstem-assessment/internal/service"
)

const (
	refreshInterval   = 15 * time.Second
	keepAliveInterval = 30 * time.Second
	refreshTimeout    = 5 * time.Second // prevent slow queries from blocking the SSE loop
)

type MonitorHandler struct {
	rdb            *redis.Client // nil: periodic snapshots only
	defs           scheduler.DefinitionSource
	monitorService *service.MonitorService
	log            zerolog.Logger
}

func NewMonitorHandler(
	rdb *redis.Client,
	defs scheduler.DefinitionSource,
	monitorService *service.MonitorService,
	log zerolog.Logger,
) *MonitorHandler {
	return &MonitorHandler{
		rdb:            rdb,
		defs:           defs,
		monitorService: monitorService,
		log:            log.With().Str("component", "monitor_handler").Logger(),
	}
}

// MonitorAssessmentSSE godoc
// GET /api/v1/proctor/assessments/:assessment_id/monitor
// Streams a snapshot on attach, every session event as it happens, and a
// fresh snapshot every refreshInterval while sessions exist.
func (h *MonitorHandler) MonitorAssessmentSSE(c *gin.Context) {
	reqCtx := c.Request.Context()
	assessmentID := c.Param("assessment_id")

	def, err := h.defs.Get(reqCtx, assessmentID)
	if err != nil {
		fail(c, err)
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	hasSessions := h.sendSnapshot(c, reqCtx, def)

	var events <-chan *redis.Message
	if h.rdb != nil {
		pubsub := h.rdb.Subscribe(reqCtx, config.CacheKey.AssessmentMonitorChannel(assessmentID))
		defer pubsub.Close()
		events = pubsub.Channel()
	}

	keepAliveTicker := time.NewTicker(keepAliveInterval)
	defer keepAliveTicker.Stop()

	refreshTicker := time.NewTicker(refreshInterval)
	defer refreshTicker.Stop()

	log := h.log.With().
		Str("assessment_id", assessmentID).
		Str("proctor_id", middleware.GetClaims(c).Subject).
		Logger()
	log.Info().Msg("Proctor attached to live monitor SSE")

	for {
		select {
		case <-reqCtx.Done():
			log.Info().Msg("Proctor disconnected from live monitor SSE")
			return

		case msg, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			// Forward raw JSON directly, no deserialization needed
			writeSSE(c, []byte(msg.Payload))
			hasSessions = true

		case <-refreshTicker.C:
			if !hasSessions {
				continue
			}
			h.sendSnapshot(c, reqCtx, def)

		case <-keepAliveTicker.C:
			writeSSE(c, []byte(`{"type":"ping"}`))
		}
	}
}

// sendSnapshot writes one snapshot event and reports whether any session
// exists.
func (h *MonitorHandler) sendSnapshot(c *gin.Context, parentCtx context.Context, def *model.AssessmentDefinition) bool {
	ctx, cancel := context.WithTimeout(parentCtx, refreshTimeout)
	defer cancel()

	snap, err := h.monitorService.Snapshot(ctx, def)
	if err != nil {
		h.log.Warn().Err(err).Str("assessment_id", def.ID).Msg("Failed to build monitor snapshot")
		return false
	}

	c.SSEvent("message", gin.H{"type": "snapshot", "data": snap})
	c.Writer.Flush()
	return len(snap.Sessions) > 0
}

func writeSSE(c *gin.Context, payload []byte) {
	c.Writer.Write([]byte("data: "))
	c.Writer.Write(payload)
	c.Writer.Write([]byte("\n\n"))
	c.Writer.Flush()
}
