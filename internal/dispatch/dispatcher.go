// Package dispatch routes expert-selected calls to functional modules over
// HTTP. The module registry is an immutable snapshot swapped atomically so
// in-flight calls always see a consistent view during reloads.
package dispatch

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/normanking/conductor/internal/config"
	"github.com/normanking/conductor/internal/logging"
	"github.com/normanking/conductor/internal/turn"
)

// maxErrorBodySize limits how much error response body we read.
const maxErrorBodySize = 1 * 1024 * 1024

// moduleEntry is one registry slot. Entries are never mutated after the
// snapshot holding them is published.
type moduleEntry struct {
	name    string
	baseURL string
	timeout time.Duration
	retries int
}

type registry struct {
	modules map[string]moduleEntry
}

// Dispatcher sends requests to registered functional modules. Safe for
// concurrent use; Reload may run concurrently with Call.
type Dispatcher struct {
	reg    atomic.Pointer[registry]
	client *http.Client
	log    zerolog.Logger
}

// New creates a dispatcher from the module configuration map.
func New(modules map[string]config.ModuleConfig) *Dispatcher {
	d := &Dispatcher{
		// Per-call deadlines come from the registry entry via context;
		// the client itself carries no timeout.
		client: &http.Client{},
		log:    logging.ForComponent("dispatch"),
	}
	d.reg.Store(buildRegistry(modules))
	return d
}

func buildRegistry(modules map[string]config.ModuleConfig) *registry {
	r := &registry{modules: make(map[string]moduleEntry, len(modules))}
	for name, m := range modules {
		retries := m.Retries
		if retries > 1 {
			retries = 1
		}
		if retries < 0 {
			retries = 0
		}
		r.modules[name] = moduleEntry{
			name:    name,
			baseURL: m.BaseURL,
			timeout: m.Timeout,
			retries: retries,
		}
	}
	return r
}

// Reload replaces the registry with a fresh immutable snapshot. Calls
// already in flight finish against the snapshot they started with.
func (d *Dispatcher) Reload(modules map[string]config.ModuleConfig) {
	d.reg.Store(buildRegistry(modules))
	d.log.Info().Int("modules", len(modules)).Msg("module registry reloaded")
}

// Modules returns the registered module names from the current snapshot.
func (d *Dispatcher) Modules() []string {
	r := d.reg.Load()
	names := make([]string, 0, len(r.modules))
	for name := range r.modules {
		names = append(names, name)
	}
	return names
}

// moduleError is the well-formed error body a module returns on rejection.
type moduleError struct {
	ErrorKind string `json:"errorKind"`
	Message   string `json:"message"`
}

// Call invokes path on the named module with a JSON payload. Connection-level
// failures get exactly one retry; a well-formed rejection body is final and
// never retried. The returned ModuleCall is always populated, including on
// failure, so the orchestrator can record partial results.
func (d *Dispatcher) Call(ctx context.Context, module, path string, payload json.RawMessage) (*turn.ModuleCall, error) {
	call := &turn.ModuleCall{Module: module, Path: path, Request: payload}
	start := time.Now()

	r := d.reg.Load()
	entry, ok := r.modules[module]
	if !ok {
		err := fmt.Errorf("%w: %s", turn.ErrModuleUnknown, module)
		call.ErrKind = turn.ErrKind(err)
		call.ErrDetail = err.Error()
		call.Latency = time.Since(start)
		return call, err
	}

	var lastErr error
	for attempt := 0; attempt <= entry.retries; attempt++ {
		call.Attempts = attempt + 1
		resp, err := d.doOnce(ctx, entry, path, payload)
		if err == nil {
			call.Response = resp
			call.Latency = time.Since(start)
			return call, nil
		}

		lastErr = err
		// Rejections are module decisions: retrying cannot change them.
		if errors.Is(err, turn.ErrModuleRejected) {
			break
		}
		// The caller gave up; do not burn the retry against a dead context.
		if ctx.Err() != nil {
			break
		}
		if attempt < entry.retries {
			d.log.Debug().Str("module", module).Str("path", path).Err(err).Msg("transport failure, retrying once")
		}
	}

	call.ErrKind = turn.ErrKind(lastErr)
	call.ErrDetail = lastErr.Error()
	call.Latency = time.Since(start)
	d.log.Warn().
		Str("module", module).
		Str("path", path).
		Int("attempts", call.Attempts).
		Str("err_kind", call.ErrKind).
		Msg("module call failed")
	return call, lastErr
}

func (d *Dispatcher) doOnce(ctx context.Context, entry moduleEntry, path string, payload json.RawMessage) (json.RawMessage, error) {
	callCtx, cancel := context.WithTimeout(ctx, entry.timeout)
	defer cancel()

	url := entry.baseURL + "/" + entry.name + "/" + path
	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", turn.ErrModuleUnavailable, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || callCtx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("%w: %s after %s", turn.ErrModuleTimeout, entry.name, entry.timeout)
		}
		return nil, fmt.Errorf("%w: %v", turn.ErrModuleUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		var me moduleError
		if jsonErr := json.Unmarshal(body, &me); jsonErr == nil && me.ErrorKind != "" {
			return nil, fmt.Errorf("%w: %s: %s", turn.ErrModuleRejected, me.ErrorKind, me.Message)
		}
		return nil, fmt.Errorf("%w: status %d: %s", turn.ErrModuleRejected, resp.StatusCode, string(body))
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %v", turn.ErrModuleUnavailable, err)
	}
	return json.RawMessage(body), nil
}
