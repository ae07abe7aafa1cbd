package integrity

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-assessment/internal/metrics"
	"github.com/stemsi/exstem-assessment/internal/model"
)

const (
	DefaultMaxEvents = 500
	MaxDetailBytes   = 1024
)

// Monitor is the append-only sink for proctoring signals, keyed by session.
// It only annotates sessions; nothing it stores feeds into grading.
//
// Its lock is a leaf: sessions call in while holding their own lock and the
// monitor never calls back out.
type Monitor struct {
	mu        sync.Mutex
	logs      map[uuid.UUID]*eventLog
	maxEvents int
	log       zerolog.Logger
}

type eventLog struct {
	events  []model.IntegrityEvent
	counts  map[model.IntegrityKind]int
	total   int
	dropped int
	sealed  bool
}

// NewMonitor creates a Monitor storing at most maxEvents events per session.
func NewMonitor(maxEvents int, log zerolog.Logger) *Monitor {
	if maxEvents <= 0 {
		maxEvents = DefaultMaxEvents
	}
	return &Monitor{
		logs:      make(map[uuid.UUID]*eventLog),
		maxEvents: maxEvents,
		log:       log.With().Str("component", "integrity_monitor").Logger(),
	}
}

// Record appends an event. Past the cap the event is counted but not stored;
// stored reports which happened.
func (m *Monitor) Record(sessionID uuid.UUID, kind model.IntegrityKind, detail string, at time.Time) (stored bool, err error) {
	if !kind.Valid() {
		return false, fmt.Errorf("%w: %q", model.ErrUnknownEventKind, kind)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	l := m.logFor(sessionID)
	if l.sealed {
		return false, fmt.Errorf("integrity log sealed: %w", model.ErrInvalidState)
	}

	l.total++
	l.counts[kind]++

	if len(l.events) >= m.maxEvents {
		l.dropped++
		if l.dropped == 1 {
			m.log.Warn().
				Str("session_id", sessionID.String()).
				Int("cap", m.maxEvents).
				Msg("Integrity event cap reached, further events are counted only")
		}
		metrics.IntegrityEvents.WithLabelValues(string(kind), "false").Inc()
		return false, nil
	}

	l.events = append(l.events, model.IntegrityEvent{
		Seq:        l.total,
		Kind:       kind,
		OccurredAt: at,
		Detail:     truncate(detail, MaxDetailBytes),
	})
	metrics.IntegrityEvents.WithLabelValues(string(kind), "true").Inc()
	return true, nil
}

// Count records an event that is counted but never stored, e.g. one that
// arrived over the reporting rate limit. It shows up in the totals and in
// DroppedCount.
func (m *Monitor) Count(sessionID uuid.UUID, kind model.IntegrityKind) error {
	if !kind.Valid() {
		return fmt.Errorf("%w: %q", model.ErrUnknownEventKind, kind)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	l := m.logFor(sessionID)
	if l.sealed {
		return fmt.Errorf("integrity log sealed: %w", model.ErrInvalidState)
	}
	l.total++
	l.counts[kind]++
	l.dropped++
	metrics.IntegrityEvents.WithLabelValues(string(kind), "false").Inc()
	return nil
}

// Seal makes the session's log immutable.
func (m *Monitor) Seal(sessionID uuid.UUID) {
	m.mu.Lock()
	m.logFor(sessionID).sealed = true
	m.mu.Unlock()
}

// Events returns a copy of the stored events.
func (m *Monitor) Events(sessionID uuid.UUID) []model.IntegrityEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	l, ok := m.logs[sessionID]
	if !ok {
		return []model.IntegrityEvent{}
	}
	return append([]model.IntegrityEvent{}, l.events...)
}

// Summary returns counters for reviewers.
func (m *Monitor) Summary(sessionID uuid.UUID) model.IntegritySummary {
	m.mu.Lock()
	defer m.mu.Unlock()

	sum := model.IntegritySummary{Counts: map[model.IntegrityKind]int{}}
	l, ok := m.logs[sessionID]
	if !ok {
		return sum
	}
	sum.Total = l.total
	sum.Stored = len(l.events)
	sum.DroppedCount = l.dropped
	sum.Sealed = l.sealed
	for k, v := range l.counts {
		sum.Counts[k] = v
	}
	return sum
}

// Restore reloads a persisted log, replacing anything held for the session.
func (m *Monitor) Restore(sessionID uuid.UUID, events []model.IntegrityEvent, counts map[model.IntegrityKind]int, dropped int, sealed bool) {
	l := &eventLog{
		events:  append([]model.IntegrityEvent(nil), events...),
		counts:  make(map[model.IntegrityKind]int, len(counts)),
		dropped: dropped,
		sealed:  sealed,
	}
	for k, v := range counts {
		l.counts[k] = v
		l.total += v
	}
	// Older records carry no counts; rebuild them from the stored events.
	if len(counts) == 0 {
		for _, e := range events {
			l.counts[e.Kind]++
		}
		l.total = len(events) + dropped
	}

	m.mu.Lock()
	m.logs[sessionID] = l
	m.mu.Unlock()
}

// Forget drops the session's log from memory.
func (m *Monitor) Forget(sessionID uuid.UUID) {
	m.mu.Lock()
	delete(m.logs, sessionID)
	m.mu.Unlock()
}

func (m *Monitor) logFor(id uuid.UUID) *eventLog {
	l, ok := m.logs[id]
	if !ok {
		l = &eventLog{counts: make(map[model.IntegrityKind]int)}
		m.logs[id] = l
	}
	return l
}

// truncate cuts s to at most n bytes without splitting a UTF-8 sequence.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && n < len(s) && s[n]&0xC0 == 0x80 {
		n--
	}
	return s[:n]
}
