package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/normanking/conductor/internal/bus"
	"github.com/normanking/conductor/internal/grant"
	"github.com/normanking/conductor/internal/notes"
	"github.com/normanking/conductor/internal/orchestrator"
	"github.com/normanking/conductor/internal/resource"
	"github.com/normanking/conductor/internal/retrieval"
	"github.com/normanking/conductor/internal/store"
	"github.com/normanking/conductor/internal/turn"
)

type stubRetriever struct{}

func (stubRetriever) Search(ctx context.Context, query string, topK int, kind string) *turn.RetrievalResult {
	return retrieval.Empty(kind)
}

type stubCaller struct{}

func (stubCaller) Call(ctx context.Context, module, path string, payload json.RawMessage) (*turn.ModuleCall, error) {
	return &turn.ModuleCall{Module: module, Path: path, Attempts: 1,
		Response: json.RawMessage(`{"ok":true}`)}, nil
}

type stubRouter struct{}

func (stubRouter) Route(input string, first []turn.RetrievalResult) *turn.ExpertDecision {
	return &turn.ExpertDecision{Expert: "general", Confidence: 0.7}
}

type stubComposer struct{}

func (stubComposer) Compose(ctx context.Context, dec *turn.ExpertDecision, input string, exec *turn.ExecutionResult, second []turn.RetrievalResult) (string, error) {
	return "stub answer", nil
}

type stubSampler struct{ sample *resource.Sample }

func (s stubSampler) Sample(ctx context.Context) (*resource.Sample, error) {
	return s.sample, nil
}

func newTestServer(t *testing.T) (*Server, *notes.Manager, *bus.Bus) {
	t.Helper()

	db, err := store.Open(t.TempDir() + "/conductor.db")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	events := bus.New()
	t.Cleanup(func() { events.Close() })

	grants := grant.NewService(db)
	manager := notes.NewManager(db)
	planner := notes.NewPlanner(db, manager, stubCaller{}, grants, events)

	resmon := resource.NewMonitor(resource.Config{
		PollInterval: time.Minute, WarnPercent: 80, CriticalPercent: 92,
	}, stubSampler{sample: &resource.Sample{CPUPercent: 10}}, events)
	adjuster := resource.NewAdjuster(resmon, grants, t.TempDir())

	engine := orchestrator.New(orchestrator.Config{}, stubRetriever{}, stubCaller{},
		stubRouter{}, stubComposer{}, nil, events)

	s := New("127.0.0.1:0", Deps{
		Engine:   engine,
		Notes:    manager,
		Planner:  planner,
		Resource: resmon,
		Adjuster: adjuster,
		Grants:   grants,
		Store:    db,
		Events:   events,
	})
	return s, manager, events
}

func postJSON(t *testing.T, ts *httptest.Server, path string, body any) *http.Response {
	t.Helper()
	data, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := http.Post(ts.URL+path, "application/json", bytes.NewReader(data))
	require.NoError(t, err)
	return resp
}

func decode(t *testing.T, resp *http.Response) map[string]any {
	t.Helper()
	defer resp.Body.Close()
	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return out
}

func TestRunTurnEndpoint(t *testing.T) {
	s, _, _ := newTestServer(t)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	resp := postJSON(t, ts, "/v1/turns", map[string]string{"text": "hello there"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	body := decode(t, resp)
	tn := body["turn"].(map[string]any)
	assert.Equal(t, "stub answer", tn["response"])
}

func TestRunTurnEmptyInput(t *testing.T) {
	s, _, _ := newTestServer(t)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	resp := postJSON(t, ts, "/v1/turns", map[string]string{"text": "   "})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)

	body := decode(t, resp)
	errObj := body["error"].(map[string]any)
	assert.Equal(t, "empty_input", errObj["kind"])
}

func TestNoteListAndDone(t *testing.T) {
	s, manager, _ := newTestServer(t)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	n := &notes.Note{TurnID: "t1", Content: "call the supplier", Type: notes.TypeTask}
	require.NoError(t, manager.Create(context.Background(), n))

	resp, err := http.Get(ts.URL + "/v1/notes?pending=true")
	require.NoError(t, err)
	body := decode(t, resp)
	require.Len(t, body["notes"], 1)

	resp = postJSON(t, ts, "/v1/notes/"+n.ID+"/done", map[string]any{})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp, err = http.Get(ts.URL + "/v1/notes?pending=true")
	require.NoError(t, err)
	body = decode(t, resp)
	assert.Empty(t, body["notes"])
}

func TestNoteDoneUnknown(t *testing.T) {
	s, _, _ := newTestServer(t)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	resp := postJSON(t, ts, "/v1/notes/nope/done", map[string]any{})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestPlanLifecycleOverHTTP(t *testing.T) {
	s, manager, _ := newTestServer(t)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	n := &notes.Note{TurnID: "t1", Content: "order more filament", Type: notes.TypeTask}
	require.NoError(t, manager.Create(context.Background(), n))

	// Propose.
	resp := postJSON(t, ts, "/v1/plans", map[string]any{"note_ids": []string{n.ID}})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	plan := decode(t, resp)["plan"].(map[string]any)
	planID := plan["id"].(string)
	assert.Equal(t, notes.StatusProposed, plan["status"])

	// Executing a proposed plan is refused.
	resp = postJSON(t, ts, "/v1/plans/"+planID+"/execute", map[string]string{})
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()

	// Confirm.
	resp = postJSON(t, ts, "/v1/plans/"+planID+"/confirm", map[string]any{})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	plan = decode(t, resp)["plan"].(map[string]any)
	assert.Equal(t, notes.StatusConfirmed, plan["status"])

	// Executing without a valid grant is forbidden.
	resp = postJSON(t, ts, "/v1/plans/"+planID+"/execute",
		map[string]string{"grant_id": "bad", "secret": "bad"})
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	resp.Body.Close()

	// Issue a grant and execute.
	resp = postJSON(t, ts, "/v1/grants",
		map[string]any{"scope": grant.ScopePlanExecute, "ttl_seconds": 60})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	issued := decode(t, resp)
	grantID := issued["grant"].(map[string]any)["id"].(string)
	secret := issued["secret"].(string)

	resp = postJSON(t, ts, "/v1/plans/"+planID+"/execute",
		map[string]string{"grant_id": grantID, "secret": secret})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	resp.Body.Close()

	resp, err := http.Get(ts.URL + "/v1/plans/" + planID)
	require.NoError(t, err)
	plan = decode(t, resp)["plan"].(map[string]any)
	assert.Equal(t, notes.StatusDone, plan["status"])
}

func TestIssueGrantRejectsUnknownScope(t *testing.T) {
	s, _, _ := newTestServer(t)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	resp := postJSON(t, ts, "/v1/grants", map[string]any{"scope": "root:everything"})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	resp.Body.Close()
}

func TestResourceStatusEndpoint(t *testing.T) {
	s, _, _ := newTestServer(t)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/v1/resource/status")
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode(t, resp)
	assert.Contains(t, body, "pending_actions")
}

func TestHealthEndpoint(t *testing.T) {
	s, _, _ := newTestServer(t)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	body := decode(t, resp)
	assert.Equal(t, "ok", body["status"])
}

func TestEventStreamRelaysBusEvents(t *testing.T) {
	s, _, events := newTestServer(t)
	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/v1/events/stream"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		resp.Body.Close()
	}
	defer conn.Close()

	// Give the subscription a moment to register before publishing.
	time.Sleep(50 * time.Millisecond)
	require.NoError(t, events.Publish(bus.NewEvent(bus.TurnCompleted, "t-42", nil)))

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev bus.Event
	require.NoError(t, conn.ReadJSON(&ev))
	assert.Equal(t, bus.TurnCompleted, ev.Type)
	assert.Equal(t, "t-42", ev.TurnID)
}
