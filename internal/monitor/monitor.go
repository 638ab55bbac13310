// Package monitor is the self-learning loop. It watches finished turns off
// the event bus, detects recurring trouble (slow turns, repeated module
// failures, low-confidence routing streaks), and feeds the lessons back
// into the experience store as learning records. It observes and records;
// it never changes running behavior itself.
package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/normanking/conductor/internal/bus"
	"github.com/normanking/conductor/internal/logging"
	"github.com/normanking/conductor/internal/retrieval"
	"github.com/normanking/conductor/internal/store"
	"github.com/normanking/conductor/internal/turn"
)

// Ingestor sends learning records to the experience store.
type Ingestor interface {
	Ingest(ctx context.Context, rec retrieval.Record) error
}

// Config holds detection thresholds.
type Config struct {
	// LatencyBudget is the turn latency above which a lesson is recorded.
	LatencyBudget time.Duration
	// FailureThreshold is how many consecutive failures of the same module
	// trigger a lesson. The counter resets on success.
	FailureThreshold int
	// LowConfidenceStreak is how many consecutive clarify fallbacks
	// trigger a lesson.
	LowConfidenceStreak int
	// SampleRate is the fraction of lessons carrying the full turn trace.
	SampleRate float64
}

// Monitor runs off the turn critical path. All work happens on bus handler
// goroutines with its own timeouts.
type Monitor struct {
	cfg      Config
	ingestor Ingestor
	db       *store.Store
	events   *bus.Bus
	log      zerolog.Logger

	mu             sync.Mutex
	moduleFailures map[string]int
	clarifyStreak  int
	lessonCount    int
}

// New creates a monitor. db may be nil in tests; the local ledger write is
// then skipped.
func New(cfg Config, ingestor Ingestor, db *store.Store, events *bus.Bus) *Monitor {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 3
	}
	if cfg.LowConfidenceStreak <= 0 {
		cfg.LowConfidenceStreak = 3
	}
	return &Monitor{
		cfg:            cfg,
		ingestor:       ingestor,
		db:             db,
		events:         events,
		log:            logging.ForComponent("monitor"),
		moduleFailures: make(map[string]int),
	}
}

// Start subscribes the monitor to turn events. Returns the subscription ids
// for teardown.
func (m *Monitor) Start() []bus.SubscriptionID {
	handler := func(e bus.Event) {
		t, ok := e.Payload["turn"].(*turn.Turn)
		if !ok {
			return
		}
		m.Observe(t)
	}
	return []bus.SubscriptionID{
		m.events.Subscribe(bus.TurnCompleted, handler),
		m.events.Subscribe(bus.TurnFailed, handler),
	}
}

// Observe inspects one finished turn and records lessons for every detector
// that fires. Safe for concurrent use.
func (m *Monitor) Observe(t *turn.Turn) {
	if t == nil {
		return
	}

	if m.cfg.LatencyBudget > 0 && t.Latency > m.cfg.LatencyBudget {
		m.record(t, "slow_turn",
			fmt.Sprintf("turn latency %s exceeded budget %s", t.Latency, m.cfg.LatencyBudget),
			"inspect the slowest stage in the trace and tighten its deadline or add caching")
	}

	m.observeModuleFailures(t)
	m.observeRoutingConfidence(t)
}

func (m *Monitor) observeModuleFailures(t *turn.Turn) {
	if t.Execution == nil {
		return
	}

	type firing struct{ module, errKind string }
	var fired []firing

	m.mu.Lock()
	for _, call := range t.Execution.Calls {
		if call.OK() {
			m.moduleFailures[call.Module] = 0
			continue
		}
		m.moduleFailures[call.Module]++
		if m.moduleFailures[call.Module] >= m.cfg.FailureThreshold {
			m.moduleFailures[call.Module] = 0
			fired = append(fired, firing{call.Module, call.ErrKind})
		}
	}
	m.mu.Unlock()

	for _, f := range fired {
		m.record(t, "module_failures:"+f.module,
			fmt.Sprintf("module %s failed %d consecutive turns (last: %s)", f.module, m.cfg.FailureThreshold, f.errKind),
			fmt.Sprintf("check module %s health and its timeout/retry settings", f.module))
	}
}

func (m *Monitor) observeRoutingConfidence(t *turn.Turn) {
	if t.Decision == nil {
		return
	}

	m.mu.Lock()
	if t.Decision.Fallback {
		m.clarifyStreak++
	} else {
		m.clarifyStreak = 0
	}
	hit := m.clarifyStreak >= m.cfg.LowConfidenceStreak
	if hit {
		m.clarifyStreak = 0
	}
	m.mu.Unlock()

	if hit {
		m.record(t, "low_confidence_routing",
			fmt.Sprintf("%d consecutive turns routed to clarify", m.cfg.LowConfidenceStreak),
			"extend the expert pattern tables for the phrasing these turns used")
	}
}

// record builds a learning record, writes it to the local ledger, and
// ingests it into the experience store.
func (m *Monitor) record(t *turn.Turn, signature, hypothesis, fix string) {
	rec := retrieval.Record{
		ID:               uuid.NewString(),
		TurnID:           t.ID,
		ProblemSignature: signature,
		Hypothesis:       hypothesis,
		SuggestedFix:     fix,
		Applied:          false,
		CreatedAt:        time.Now().UTC(),
	}

	if m.sampleTrace() {
		if b, err := json.Marshal(t.Trace); err == nil {
			rec.Trace = string(b)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if m.db != nil {
		_, err := m.db.DB().ExecContext(ctx,
			`INSERT INTO learning_records (id, turn_id, problem_signature, hypothesis, suggested_fix, applied, trace, created_at)
			 VALUES (?, ?, ?, ?, ?, 0, ?, ?)`,
			rec.ID, rec.TurnID, rec.ProblemSignature, rec.Hypothesis, rec.SuggestedFix, rec.Trace, rec.CreatedAt)
		if err != nil {
			m.log.Error().Err(err).Msg("failed to write learning record to ledger")
		}
	}

	if err := m.ingestor.Ingest(ctx, rec); err != nil {
		m.log.Warn().Err(err).Str("signature", signature).Msg("learning record ingest failed")
	} else {
		m.log.Info().Str("signature", signature).Str("turn_id", t.ID).Msg("lesson recorded")
	}

	if m.events != nil {
		_ = m.events.Publish(bus.NewEvent(bus.LessonRecorded, t.ID, map[string]any{
			"record_id": rec.ID,
			"signature": signature,
		}))
	}
}

// sampleTrace decides whether this lesson carries the full trace. Counter
// based so the decision is deterministic, not random.
func (m *Monitor) sampleTrace() bool {
	if m.cfg.SampleRate >= 1 {
		return true
	}
	if m.cfg.SampleRate <= 0 {
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.lessonCount++
	every := int(1 / m.cfg.SampleRate)
	return m.lessonCount%every == 0
}
