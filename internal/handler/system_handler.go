package handler

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"runtime"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-assessment/internal/config"
	"github.com/stemsi/exstem-assessment/internal/response"
)

const (
	metricsInterval = 7 * time.Second
	healthTimeout   = 2 * time.Second
)

// Pinger checks a backing service.
type Pinger interface {
	Ping(ctx context.Context) error
}

// SessionCounter reports the number of sessions held in memory and how many
// of them have a snapshot waiting to be queued again.
type SessionCounter interface {
	Len() int
	Unsynced() int
}

// SystemHandler serves liveness checks and streams engine runtime stats.
type SystemHandler struct {
	rdb       *redis.Client // optional
	db        Pinger        // optional
	sessions  SessionCounter
	startTime time.Time
	log       zerolog.Logger
}

func NewSystemHandler(rdb *redis.Client, db Pinger, sessions SessionCounter, log zerolog.Logger) *SystemHandler {
	return &SystemHandler{
		rdb:       rdb,
		db:        db,
		sessions:  sessions,
		startTime: time.Now(),
		log:       log.With().Str("component", "system_handler").Logger(),
	}
}

// Health godoc
// GET /health
// Reports 503 when a configured backing service is unreachable.
func (h *SystemHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), healthTimeout)
	defer cancel()

	checks := gin.H{}
	healthy := true
	if h.db != nil {
		checks["database"] = checkResult(h.db.Ping(ctx), &healthy)
	}
	if h.rdb != nil {
		checks["redis"] = checkResult(h.rdb.Ping(ctx).Err(), &healthy)
	}

	status := http.StatusOK
	state := "ok"
	if !healthy {
		status = http.StatusServiceUnavailable
		state = "degraded"
	}
	response.Success(c, status, gin.H{
		"status":   state,
		"uptime":   formatDuration(time.Since(h.startTime)),
		"sessions": h.sessions.Len(),
		"unsynced": h.sessions.Unsynced(),
		"checks":   checks,
	})
}

func checkResult(err error, healthy *bool) string {
	if err != nil {
		*healthy = false
		return err.Error()
	}
	return "ok"
}

// ---------- SSE Endpoint ----------

type systemMetrics struct {
	Timestamp int64  `json:"timestamp"`
	Uptime    string `json:"uptime"`

	// Engine
	SessionsInMemory int `json:"sessions_in_memory"`
	UnsyncedSessions int `json:"unsynced_sessions"`

	// Go Application
	Goroutines int    `json:"goroutines"`
	HeapAlloc  uint64 `json:"heap_alloc"`
	HeapSys    uint64 `json:"heap_sys"`
	NumGC      uint32 `json:"num_gc"`
	GoVersion  string `json:"go_version"`
	NumCPU     int    `json:"num_cpu"`

	// Persistence queue
	QueuePending    int64 `json:"queue_pending"`
	QueueDeadLetter int64 `json:"queue_dead_letter"`
}

// SystemMetricsSSE godoc
// GET /api/v1/proctor/system/metrics
func (h *SystemHandler) SystemMetricsSSE(c *gin.Context) {
	reqCtx := c.Request.Context()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	h.log.Info().Msg("Proctor connected to system metrics SSE")

	ticker := time.NewTicker(metricsInterval)
	defer ticker.Stop()

	// Send immediately on connect, then every tick
	h.writeMetrics(c)

	for {
		select {
		case <-reqCtx.Done():
			h.log.Info().Msg("Proctor disconnected from system metrics SSE")
			return
		case <-ticker.C:
			h.writeMetrics(c)
		}
	}
}

func (h *SystemHandler) writeMetrics(c *gin.Context) {
	data, err := json.Marshal(h.collect(c.Request.Context()))
	if err != nil {
		return
	}
	writeSSE(c, data)
}

func (h *SystemHandler) collect(ctx context.Context) systemMetrics {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	m := systemMetrics{
		Timestamp:        time.Now().Unix(),
		Uptime:           formatDuration(time.Since(h.startTime)),
		SessionsInMemory: h.sessions.Len(),
		UnsyncedSessions: h.sessions.Unsynced(),
		Goroutines:       runtime.NumGoroutine(),
		HeapAlloc:        ms.HeapAlloc,
		HeapSys:          ms.Sys,
		NumGC:            ms.NumGC,
		GoVersion:        runtime.Version(),
		NumCPU:           runtime.NumCPU(),
	}

	if h.rdb != nil {
		pipe := h.rdb.Pipeline()
		pendingCmd := pipe.LLen(ctx, config.WorkerKey.PersistSessionsQueue)
		deadCmd := pipe.LLen(ctx, config.WorkerKey.DeadLetterQueue)
		if _, err := pipe.Exec(ctx); err == nil {
			m.QueuePending, _ = pendingCmd.Result()
			m.QueueDeadLetter, _ = deadCmd.Result()
		}
	}
	return m
}

func formatDuration(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm %ds", days, hours, minutes, seconds)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	}
	return fmt.Sprintf("%dm %ds", minutes, seconds)
}
