package retrieval

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func searchServer(t *testing.T, hits int64, content string) *httptest.Server {
	t.Helper()
	var calls atomic.Int64
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/search" {
			http.NotFound(w, r)
			return
		}
		calls.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"results": []map[string]any{
				{"content": content, "score": 0.9, "sourceId": "doc-1"},
			},
			"tookMs": hits,
		})
	}))
}

func TestSearchFallsBackToSecondEndpoint(t *testing.T) {
	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer dead.Close()

	alive := searchServer(t, 7, "fallback hit")
	defer alive.Close()

	a := New(Config{Endpoints: []string{dead.URL, alive.URL}, Timeout: time.Second, TopK: 3})

	res := a.Search(context.Background(), "invoice status", 0, KindKnowledge)
	require.NotNil(t, res)
	require.Len(t, res.Passages, 1)
	assert.Equal(t, "fallback hit", res.Passages[0].Content)
	assert.Equal(t, alive.URL, res.Endpoint)
	assert.Equal(t, KindKnowledge, res.Kind)
}

func TestSearchAllEndpointsDownReturnsEmpty(t *testing.T) {
	dead := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}))
	dead.Close() // closed server: connection refused

	a := New(Config{Endpoints: []string{dead.URL}, Timeout: 200 * time.Millisecond})

	res := a.Search(context.Background(), "anything", 5, KindIntent)
	require.NotNil(t, res)
	assert.True(t, res.IsEmpty())
	assert.Empty(t, res.Endpoint)
	assert.Equal(t, KindIntent, res.Kind)
}

func TestSearchKindEndpointOverride(t *testing.T) {
	def := searchServer(t, 1, "default store")
	defer def.Close()
	exp := searchServer(t, 1, "experience store")
	defer exp.Close()

	a := New(Config{
		Endpoints:     []string{def.URL},
		KindEndpoints: map[string][]string{KindExperience: {exp.URL}},
		Timeout:       time.Second,
	})

	res := a.Search(context.Background(), "past incidents", 0, KindExperience)
	require.Len(t, res.Passages, 1)
	assert.Equal(t, "experience store", res.Passages[0].Content)

	res = a.Search(context.Background(), "past incidents", 0, KindKnowledge)
	require.Len(t, res.Passages, 1)
	assert.Equal(t, "default store", res.Passages[0].Content)
}

func TestIngestIsIdempotent(t *testing.T) {
	var accepted atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/ingest", r.URL.Path)
		accepted.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]any{"accepted": true})
	}))
	defer srv.Close()

	a := New(Config{Endpoints: []string{srv.URL}, Timeout: time.Second})

	rec := Record{
		ID:               "lr-1",
		TurnID:           "turn-1",
		ProblemSignature: "slow_turn:erp",
		Hypothesis:       "erp module latency dominates",
		SuggestedFix:     "raise erp timeout or cache order lookups",
		CreatedAt:        time.Now(),
	}

	require.NoError(t, a.Ingest(context.Background(), rec))
	require.NoError(t, a.Ingest(context.Background(), rec))
	require.NoError(t, a.Ingest(context.Background(), rec))

	assert.Equal(t, int64(1), accepted.Load(), "identical records must reach the store once")
}

func TestIngestDistinctRecordsBothSent(t *testing.T) {
	var accepted atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		accepted.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]any{"accepted": true})
	}))
	defer srv.Close()

	a := New(Config{Endpoints: []string{srv.URL}, Timeout: time.Second})

	r1 := Record{TurnID: "turn-1", ProblemSignature: "slow_turn"}
	r2 := Record{TurnID: "turn-2", ProblemSignature: "slow_turn"}

	require.NoError(t, a.Ingest(context.Background(), r1))
	require.NoError(t, a.Ingest(context.Background(), r2))

	assert.Equal(t, int64(2), accepted.Load())
}

func TestIngestConcurrentDuplicatesPostOnce(t *testing.T) {
	var accepted atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Slow the store down so concurrent callers overlap the post.
		time.Sleep(20 * time.Millisecond)
		accepted.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]any{"accepted": true})
	}))
	defer srv.Close()

	a := New(Config{Endpoints: []string{srv.URL}, Timeout: time.Second})
	rec := Record{TurnID: "turn-3", ProblemSignature: "slow_turn", Hypothesis: "retrieval latency"}

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(t, a.Ingest(context.Background(), rec))
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(1), accepted.Load(), "the signature is reserved before posting, so one request wins")
}

func TestIngestFailureDoesNotMarkSeen(t *testing.T) {
	var mode atomic.Value
	mode.Store("fail")
	var accepted atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if mode.Load() == "fail" {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		accepted.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]any{"accepted": true})
	}))
	defer srv.Close()

	a := New(Config{Endpoints: []string{srv.URL}, Timeout: time.Second})
	rec := Record{TurnID: "turn-9", ProblemSignature: "module_failures:stock"}

	require.Error(t, a.Ingest(context.Background(), rec))

	mode.Store("ok")
	require.NoError(t, a.Ingest(context.Background(), rec))
	assert.Equal(t, int64(1), accepted.Load())
}
