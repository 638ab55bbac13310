// Package resource watches host CPU, memory, and disk usage and proposes
// corrective actions. Proposals are inert until applied with a valid
// authorization grant; the monitor itself never mutates the host.
package resource

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/normanking/conductor/internal/bus"
	"github.com/normanking/conductor/internal/logging"
)

// ringSize bounds the retained sample history.
const ringSize = 64

// maxActions bounds the proposed-action registry; oldest proposals are
// dropped first.
const maxActions = 128

// Severity of a detected issue.
const (
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// MountUsage is disk usage for one mounted filesystem.
type MountUsage struct {
	Path        string  `json:"path"`
	Device      string  `json:"device"`
	FSType      string  `json:"fs_type"`
	TotalBytes  uint64  `json:"total_bytes"`
	FreeBytes   uint64  `json:"free_bytes"`
	UsedPercent float64 `json:"used_percent"`
	Removable   bool    `json:"removable"`
}

// Sample is one host usage snapshot.
type Sample struct {
	At         time.Time    `json:"at"`
	CPUPercent float64      `json:"cpu_percent"`
	MemPercent float64      `json:"mem_percent"`
	Mounts     []MountUsage `json:"mounts"`
}

// Issue is one threshold crossing in a sample.
type Issue struct {
	Severity    string  `json:"severity"`
	Resource    string  `json:"resource"` // cpu, memory, disk
	Mount       string  `json:"mount,omitempty"`
	UsedPercent float64 `json:"used_percent"`
}

// Sampler takes host usage snapshots. Faked in tests.
type Sampler interface {
	Sample(ctx context.Context) (*Sample, error)
}

// Config holds monitor thresholds.
type Config struct {
	PollInterval    time.Duration
	WarnPercent     float64
	CriticalPercent float64
}

// Monitor polls the sampler and raises issues. Safe for concurrent use.
type Monitor struct {
	cfg     Config
	sampler Sampler
	events  *bus.Bus
	log     zerolog.Logger

	mu      sync.Mutex
	ring    []*Sample
	actions map[string]*AdjustmentAction
	order   []string // action ids, oldest first
}

// NewMonitor creates a resource monitor.
func NewMonitor(cfg Config, sampler Sampler, events *bus.Bus) *Monitor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 30 * time.Second
	}
	return &Monitor{
		cfg:     cfg,
		sampler: sampler,
		events:  events,
		log:     logging.ForComponent("resource"),
		actions: make(map[string]*AdjustmentAction),
	}
}

// Run polls until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.Poll(ctx); err != nil {
				m.log.Warn().Err(err).Msg("resource sample failed")
			}
		}
	}
}

// Poll takes one sample, classifies it, and publishes events for any
// threshold crossings. Critical issues also get a proposed action.
func (m *Monitor) Poll(ctx context.Context) ([]Issue, error) {
	smp, err := m.sampler.Sample(ctx)
	if err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.ring = append(m.ring, smp)
	if len(m.ring) > ringSize {
		m.ring = m.ring[len(m.ring)-ringSize:]
	}
	m.mu.Unlock()

	issues := m.Classify(smp)
	for _, issue := range issues {
		m.publishIssue(issue)
		if issue.Severity == SeverityCritical {
			m.propose(issue)
		}
	}
	return issues, nil
}

// Classify maps a sample to issues against the configured thresholds.
func (m *Monitor) Classify(smp *Sample) []Issue {
	var issues []Issue

	add := func(resource, mount string, used float64) {
		switch {
		case used >= m.cfg.CriticalPercent:
			issues = append(issues, Issue{Severity: SeverityCritical, Resource: resource, Mount: mount, UsedPercent: used})
		case used >= m.cfg.WarnPercent:
			issues = append(issues, Issue{Severity: SeverityWarning, Resource: resource, Mount: mount, UsedPercent: used})
		}
	}

	add("cpu", "", smp.CPUPercent)
	add("memory", "", smp.MemPercent)
	for _, mnt := range smp.Mounts {
		add("disk", mnt.Path, mnt.UsedPercent)
	}
	return issues
}

func (m *Monitor) publishIssue(issue Issue) {
	if m.events == nil {
		return
	}
	evType := bus.ResourceWarning
	if issue.Severity == SeverityCritical {
		evType = bus.ResourceCritical
	}
	_ = m.events.Publish(bus.NewEvent(evType, "", map[string]any{
		"resource":     issue.Resource,
		"mount":        issue.Mount,
		"used_percent": issue.UsedPercent,
	}))
}

// propose registers an adjustment action for a critical issue. Disk
// pressure proposes a temp-file prune; cpu and memory pressure propose a
// usage report, the only safe generic remedy.
func (m *Monitor) propose(issue Issue) *AdjustmentAction {
	kind := ActionReport
	if issue.Resource == "disk" {
		kind = ActionPruneTemp
	}

	a := &AdjustmentAction{
		ID:         uuid.NewString(),
		Kind:       kind,
		Target:     issue.Mount,
		Reason:     fmt.Sprintf("%s at %.1f%% (critical threshold %.1f%%)", issue.Resource, issue.UsedPercent, m.cfg.CriticalPercent),
		ProposedAt: time.Now().UTC(),
	}

	m.mu.Lock()
	m.actions[a.ID] = a
	m.order = append(m.order, a.ID)
	for len(m.order) > maxActions {
		delete(m.actions, m.order[0])
		m.order = m.order[1:]
	}
	m.mu.Unlock()

	m.log.Warn().Str("action_id", a.ID).Str("kind", a.Kind).Str("reason", a.Reason).Msg("adjustment proposed")
	return a
}

// Actions returns copies of the proposed actions, oldest first. Copies keep
// readers (JSON encoding included) off the registry's shared state; the
// executed flag only changes through markExecuted under the lock.
func (m *Monitor) Actions() []AdjustmentAction {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]AdjustmentAction, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, *m.actions[id])
	}
	return out
}

// Action returns a copy of one proposed action by id.
func (m *Monitor) Action(id string) (AdjustmentAction, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.actions[id]
	if !ok {
		return AdjustmentAction{}, false
	}
	return *a, true
}

// markExecuted flips an action to executed. Exactly one caller wins; a
// second attempt reports the action as already executed.
func (m *Monitor) markExecuted(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.actions[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrActionNotFound, id)
	}
	if a.Executed {
		return fmt.Errorf("action %s already executed", id)
	}
	a.Executed = true
	a.ExecutedAt = time.Now().UTC()
	return nil
}

// Status reports the latest sample and pending actions for the API.
func (m *Monitor) Status() (latest *Sample, pending int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.ring) > 0 {
		latest = m.ring[len(m.ring)-1]
	}
	for _, a := range m.actions {
		if !a.Executed {
			pending++
		}
	}
	return latest, pending
}
