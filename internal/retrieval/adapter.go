// Package retrieval adapts the external retrieval service to the turn
// workflow. Searches never fail the caller: every endpoint for a kind is
// tried in order, and total failure degrades to an explicit empty result.
package retrieval

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/normanking/conductor/internal/logging"
	"github.com/normanking/conductor/internal/turn"
)

// Retrieval kinds. Each names a store variant on the retrieval service.
const (
	KindKnowledge     = "knowledge"
	KindIntent        = "intent"
	KindExperience    = "experience"
	KindSimilarCases  = "similar-cases"
	KindBestPractices = "best-practices"
)

// maxErrorBodySize limits how much error response body we read.
const maxErrorBodySize = 1 * 1024 * 1024

// maxSeenSignatures bounds the ingest dedupe set.
const maxSeenSignatures = 4096

// Config holds adapter settings resolved from the application config.
type Config struct {
	// Endpoints is the default ordered endpoint list.
	Endpoints []string
	// KindEndpoints overrides the list per retrieval kind.
	KindEndpoints map[string][]string
	// Timeout applies to each endpoint attempt.
	Timeout time.Duration
	// TopK is the default passage count when the caller passes 0.
	TopK int
}

// Adapter is the retrieval client used by the orchestrator and the
// self-learning monitor. Safe for concurrent use.
type Adapter struct {
	cfg    Config
	client *http.Client
	log    zerolog.Logger

	mu   sync.Mutex
	seen map[string]struct{}
}

// New creates a retrieval adapter.
func New(cfg Config) *Adapter {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 400 * time.Millisecond
	}
	if cfg.TopK <= 0 {
		cfg.TopK = 5
	}
	return &Adapter{
		cfg:    cfg,
		client: &http.Client{Timeout: cfg.Timeout},
		log:    logging.ForComponent("retrieval"),
		seen:   make(map[string]struct{}),
	}
}

type searchRequest struct {
	Query string `json:"query"`
	TopK  int    `json:"topK"`
	Kind  string `json:"kind"`
}

type searchResponse struct {
	Results []struct {
		Content  string  `json:"content"`
		Score    float64 `json:"score"`
		SourceID string  `json:"sourceId"`
	} `json:"results"`
	TookMs int64 `json:"tookMs"`
}

// Search queries the retrieval service for the given kind. Endpoints are
// tried in configured order and the first success wins. When every endpoint
// fails the result is explicitly empty, never an error: retrieval
// unavailability degrades a turn, it does not abort one.
func (a *Adapter) Search(ctx context.Context, query string, topK int, kind string) *turn.RetrievalResult {
	if topK <= 0 {
		topK = a.cfg.TopK
	}

	endpoints := a.endpointsFor(kind)
	var lastErr error
	for _, ep := range endpoints {
		res, err := a.searchOne(ctx, ep, query, topK, kind)
		if err == nil {
			return res
		}
		lastErr = err
		a.log.Debug().Str("endpoint", ep).Str("kind", kind).Err(err).Msg("retrieval endpoint failed, trying next")
	}

	a.log.Warn().
		Str("kind", kind).
		Int("endpoints", len(endpoints)).
		Err(fmt.Errorf("%w: %v", turn.ErrRetrievalUnavailable, lastErr)).
		Msg("all retrieval endpoints failed, degrading to empty result")

	return Empty(kind)
}

// Empty returns the explicit empty result for a kind.
func Empty(kind string) *turn.RetrievalResult {
	return &turn.RetrievalResult{Kind: kind, Passages: []turn.Passage{}}
}

func (a *Adapter) searchOne(ctx context.Context, endpoint, query string, topK int, kind string) (*turn.RetrievalResult, error) {
	body, err := json.Marshal(searchRequest{Query: query, TopK: topK, Kind: kind})
	if err != nil {
		return nil, fmt.Errorf("failed to encode search request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+"/search", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build search request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		return nil, fmt.Errorf("search returned %d: %s", resp.StatusCode, string(b))
	}

	var sr searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil {
		return nil, fmt.Errorf("failed to decode search response: %w", err)
	}

	out := &turn.RetrievalResult{
		Kind:     kind,
		Endpoint: endpoint,
		TookMs:   sr.TookMs,
		Passages: make([]turn.Passage, 0, len(sr.Results)),
	}
	for _, r := range sr.Results {
		out.Passages = append(out.Passages, turn.Passage{
			Content:  r.Content,
			Score:    r.Score,
			SourceID: r.SourceID,
		})
	}
	return out, nil
}

// endpointsFor resolves the ordered endpoint list for a kind, falling back
// to the default list when the kind has no override.
func (a *Adapter) endpointsFor(kind string) []string {
	if eps, ok := a.cfg.KindEndpoints[kind]; ok && len(eps) > 0 {
		return eps
	}
	return a.cfg.Endpoints
}

// Record is a self-learning lesson produced by the monitor and fed back
// into the experience store.
type Record struct {
	ID               string    `json:"id"`
	TurnID           string    `json:"turn_id"`
	ProblemSignature string    `json:"problem_signature"`
	Hypothesis       string    `json:"hypothesis"`
	SuggestedFix     string    `json:"suggested_fix"`
	Applied          bool      `json:"applied"`
	Trace            string    `json:"trace,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// Signature returns the content signature used for ingest deduplication.
// Intentionally excludes ID and timestamps so retried ingests of the same
// lesson collapse to one.
func (r Record) Signature() string {
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%s", r.TurnID, r.ProblemSignature, r.Hypothesis, r.SuggestedFix)
	return hex.EncodeToString(h.Sum(nil))
}

type ingestRequest struct {
	Record Record `json:"record"`
}

type ingestResponse struct {
	Accepted bool `json:"accepted"`
}

// Ingest posts a learning record to the experience store. Ingest is
// idempotent: repeated calls with the same content signature are no-op
// successes and never duplicate.
func (a *Adapter) Ingest(ctx context.Context, rec Record) error {
	sig := rec.Signature()

	// Reserve the signature before posting so concurrent ingests of the
	// same lesson collapse to a single request.
	a.mu.Lock()
	if _, dup := a.seen[sig]; dup {
		a.mu.Unlock()
		a.log.Debug().Str("turn_id", rec.TurnID).Msg("duplicate learning record, skipping ingest")
		return nil
	}
	// Reset rather than evict: the set exists for idempotence within a
	// process lifetime, not as a cache.
	if len(a.seen) >= maxSeenSignatures {
		a.seen = make(map[string]struct{})
	}
	a.seen[sig] = struct{}{}
	a.mu.Unlock()

	endpoints := a.endpointsFor(KindExperience)
	var lastErr error
	for _, ep := range endpoints {
		if err := a.ingestOne(ctx, ep, rec); err != nil {
			lastErr = err
			continue
		}
		return nil
	}

	// Release the reservation so a later retry can still post the lesson.
	a.mu.Lock()
	delete(a.seen, sig)
	a.mu.Unlock()
	return fmt.Errorf("%w: ingest failed on all endpoints: %v", turn.ErrRetrievalUnavailable, lastErr)
}

func (a *Adapter) ingestOne(ctx context.Context, endpoint string, rec Record) error {
	body, err := json.Marshal(ingestRequest{Record: rec})
	if err != nil {
		return fmt.Errorf("failed to encode ingest request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+"/ingest", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to build ingest request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodySize))
		return fmt.Errorf("ingest returned %d: %s", resp.StatusCode, string(b))
	}

	var ir ingestResponse
	if err := json.NewDecoder(resp.Body).Decode(&ir); err != nil {
		return fmt.Errorf("failed to decode ingest response: %w", err)
	}
	if !ir.Accepted {
		return fmt.Errorf("ingest not accepted by %s", endpoint)
	}
	return nil
}
