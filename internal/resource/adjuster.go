package resource

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"

	"github.com/normanking/conductor/internal/grant"
	"github.com/normanking/conductor/internal/logging"
	"github.com/normanking/conductor/internal/turn"
)

// Action kinds.
const (
	// ActionReport logs a detailed usage report. Read-only.
	ActionReport = "report"

	// ActionPruneTemp deletes stale files from the engine's temp
	// directory. The only side-effecting action, hence grant-gated.
	ActionPruneTemp = "prune-temp"
)

// pruneAge is how old a temp file must be before pruning touches it.
const pruneAge = 24 * time.Hour

// AdjustmentAction is one proposed remedy. Executed stays false until a
// grant-verified Apply succeeds.
type AdjustmentAction struct {
	ID         string    `json:"id"`
	Kind       string    `json:"kind"`
	Target     string    `json:"target,omitempty"`
	Reason     string    `json:"reason"`
	ProposedAt time.Time `json:"proposed_at"`
	Executed   bool      `json:"executed"`
	ExecutedAt time.Time `json:"executed_at,omitempty"`
}

// ErrActionNotFound is returned for unknown action ids.
var ErrActionNotFound = errors.New("adjustment action not found")

// Adjuster applies proposed actions. Every side-effecting application
// requires a verified resource:adjust grant.
type Adjuster struct {
	monitor  *Monitor
	verifier Verifier
	tempDir  string
	log      zerolog.Logger
}

// Verifier checks authorization grants.
type Verifier interface {
	Verify(ctx context.Context, grantID, secret, scope string) error
}

// NewAdjuster creates an adjuster over the monitor's action registry.
// tempDir is the directory prune-temp operates on.
func NewAdjuster(monitor *Monitor, verifier Verifier, tempDir string) *Adjuster {
	if tempDir == "" {
		tempDir = os.TempDir()
	}
	return &Adjuster{
		monitor:  monitor,
		verifier: verifier,
		tempDir:  tempDir,
		log:      logging.ForComponent("adjuster"),
	}
}

// Apply executes a proposed action under a grant. Without a valid grant the
// action is recorded as not executed and ErrAdjustmentUnauthorized is
// returned; nothing on the host changes.
func (a *Adjuster) Apply(ctx context.Context, actionID, grantID, secret string) error {
	action, ok := a.monitor.Action(actionID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrActionNotFound, actionID)
	}
	if action.Executed {
		return fmt.Errorf("action %s already executed", actionID)
	}

	if err := a.verifier.Verify(ctx, grantID, secret, grant.ScopeResourceAdjust); err != nil {
		a.log.Warn().Str("action_id", actionID).Msg("adjustment refused: no valid grant")
		return fmt.Errorf("action %s: %w", actionID, turn.ErrAdjustmentUnauthorized)
	}

	switch action.Kind {
	case ActionReport:
		a.report()
	case ActionPruneTemp:
		if err := a.pruneTemp(); err != nil {
			return fmt.Errorf("prune temp: %w", err)
		}
	default:
		return fmt.Errorf("unknown action kind %q", action.Kind)
	}

	if err := a.monitor.markExecuted(actionID); err != nil {
		return err
	}
	a.log.Info().Str("action_id", actionID).Str("kind", action.Kind).Msg("adjustment applied")
	return nil
}

func (a *Adjuster) report() {
	latest, pending := a.monitor.Status()
	ev := a.log.Info().Int("pending_actions", pending)
	if latest != nil {
		ev = ev.Float64("cpu_percent", latest.CPUPercent).Float64("mem_percent", latest.MemPercent)
		for _, mnt := range latest.Mounts {
			ev = ev.Float64("disk:"+mnt.Path, mnt.UsedPercent)
		}
	}
	ev.Msg("resource usage report")
}

// pruneTemp removes files older than pruneAge from the temp directory.
// Subdirectories are left alone.
func (a *Adjuster) pruneTemp() error {
	entries, err := os.ReadDir(a.tempDir)
	if err != nil {
		return err
	}

	cutoff := time.Now().Add(-pruneAge)
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(a.tempDir, entry.Name())); err == nil {
			removed++
		}
	}

	a.log.Info().Int("removed", removed).Str("dir", a.tempDir).Msg("temp files pruned")
	return nil
}
