// Package orchestrator runs the per-turn workflow: validate, capture notes
// on the side, retrieve, route, dispatch, retrieve again, compose, finalize.
// The turn budget is soft: overruns degrade a turn, they never abort it.
package orchestrator

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/normanking/conductor/internal/bus"
	"github.com/normanking/conductor/internal/expert"
	"github.com/normanking/conductor/internal/logging"
	"github.com/normanking/conductor/internal/notes"
	"github.com/normanking/conductor/internal/retrieval"
	"github.com/normanking/conductor/internal/turn"
)

// Retriever is the slice of the retrieval adapter the engine needs.
type Retriever interface {
	Search(ctx context.Context, query string, topK int, kind string) *turn.RetrievalResult
}

// ModuleCaller dispatches one functional-module call.
type ModuleCaller interface {
	Call(ctx context.Context, module, path string, payload json.RawMessage) (*turn.ModuleCall, error)
}

// Router selects the expert for a turn.
type Router interface {
	Route(input string, first []turn.RetrievalResult) *turn.ExpertDecision
}

// Composer builds the final response text.
type Composer interface {
	Compose(ctx context.Context, dec *turn.ExpertDecision, input string, exec *turn.ExecutionResult, second []turn.RetrievalResult) (string, error)
}

// NoteExtractor captures side-channel notes from turn input.
type NoteExtractor interface {
	Extract(ctx context.Context, turnID, input string) (*notes.Note, error)
}

// Config holds the engine's per-turn timing knobs.
type Config struct {
	// TurnBudget is the soft end-to-end budget. Exceeding it sets
	// Turn.Degraded; it never cancels work.
	TurnBudget time.Duration

	// FirstRetrievalTimeout bounds the knowledge+intent fan-out.
	FirstRetrievalTimeout time.Duration

	// SecondRetrievalTimeout bounds the experience fan-out.
	SecondRetrievalTimeout time.Duration

	// NoteExtractTimeout bounds the detached note-extraction goroutine.
	NoteExtractTimeout time.Duration

	// NoteJoinGrace is how long finalization waits for a pending note.
	NoteJoinGrace time.Duration
}

// Input is one user request.
type Input struct {
	Text      string
	Modality  turn.Modality
	SessionID string
}

// Engine orchestrates turns. Safe for concurrent use.
type Engine struct {
	cfg       Config
	retriever Retriever
	caller    ModuleCaller
	router    Router
	composer  Composer
	extractor NoteExtractor
	events    *bus.Bus
	log       zerolog.Logger
}

// New creates an engine. events and extractor may be nil; the engine then
// skips event publication or note capture respectively.
func New(cfg Config, retriever Retriever, caller ModuleCaller, router Router, composer Composer, extractor NoteExtractor, events *bus.Bus) *Engine {
	if cfg.TurnBudget <= 0 {
		cfg.TurnBudget = 2 * time.Second
	}
	if cfg.FirstRetrievalTimeout <= 0 {
		cfg.FirstRetrievalTimeout = 600 * time.Millisecond
	}
	if cfg.SecondRetrievalTimeout <= 0 {
		cfg.SecondRetrievalTimeout = 600 * time.Millisecond
	}
	if cfg.NoteExtractTimeout <= 0 {
		cfg.NoteExtractTimeout = 1500 * time.Millisecond
	}
	if cfg.NoteJoinGrace <= 0 {
		cfg.NoteJoinGrace = 150 * time.Millisecond
	}
	return &Engine{
		cfg:       cfg,
		retriever: retriever,
		caller:    caller,
		router:    router,
		composer:  composer,
		extractor: extractor,
		events:    events,
		log:       logging.ForComponent("orchestrator"),
	}
}

// RunTurn executes one complete turn. The returned Turn is always non-nil
// once input validates; on a typed failure it carries the partial trace and
// a deterministic fallback response.
func (e *Engine) RunTurn(ctx context.Context, in Input) (*turn.Turn, error) {
	t := &turn.Turn{
		ID:        uuid.NewString(),
		SessionID: in.SessionID,
		Modality:  in.Modality,
		Input:     strings.TrimSpace(in.Text),
		StartedAt: time.Now(),
	}
	if t.Modality == "" {
		t.Modality = turn.ModalityText
	}

	// Step 1: validation.
	if t.Input == "" {
		t.AddTrace("validate", "", turn.ErrEmptyInput.Error())
		return t, turn.NewError("validate", turn.ErrEmptyInput, t)
	}
	t.AddTrace("validate", "input accepted", "")

	// Step 2: detached note extraction. The goroutine gets its own context
	// and deadline; cancelling or failing the turn never cancels it, so a
	// captured note survives anything that happens after this point.
	noteCh := e.startNoteExtraction(t.ID, t.Input)

	// Step 3: first retrieval fan-out (knowledge, intent). Sub-tasks
	// degrade to empty results individually; the join order is fixed.
	t.FirstRetrieval = e.fanOut(ctx, t.Input, e.cfg.FirstRetrievalTimeout,
		retrieval.KindKnowledge, retrieval.KindIntent)
	t.AddTrace("retrieve.first", traceRetrieval(t.FirstRetrieval), "")

	// Step 4: expert routing. Low confidence routes to clarify, it does
	// not fail the turn.
	t.Decision = e.router.Route(t.Input, t.FirstRetrieval)
	t.AddTrace("route", t.Decision.Expert, "")
	if t.Decision.Fallback {
		e.log.Debug().Str("turn_id", t.ID).Float64("confidence", t.Decision.Confidence).
			Msg("low-confidence routing, clarify fallback")
	}

	// Steps 5-6: sequential module dispatch with partial tagging. A failed
	// call is recorded and later calls still run; nothing is dropped.
	t.Execution = e.dispatch(ctx, t)

	// Step 7: second retrieval fan-out for composition grounding. The
	// query is conditioned on the execution result: experience lookups
	// match what the modules actually returned, not just what was asked.
	t.SecondRetrieval = e.fanOut(ctx, conditionQuery(t.Input, t.Execution), e.cfg.SecondRetrievalTimeout,
		retrieval.KindExperience, retrieval.KindSimilarCases, retrieval.KindBestPractices)
	t.AddTrace("retrieve.second", traceRetrieval(t.SecondRetrieval), "")

	// Step 8: composition. A compose failure is the one typed failure a
	// turn can end with; the turn still returns with a fallback response.
	var composeErr error
	text, err := e.composer.Compose(ctx, t.Decision, t.Input, t.Execution, t.SecondRetrieval)
	if err != nil {
		composeErr = err
		t.Response = expert.FallbackText(t.Execution)
		t.Partial = true
		t.AddTrace("compose", "", err.Error())
	} else {
		t.Response = text
		t.AddTrace("compose", "response composed", "")
	}
	if t.Execution != nil && t.Execution.Partial {
		t.Partial = true
	}

	// Step 9: finalize. Join the note if it arrived; otherwise detach it
	// and let it persist on its own.
	e.joinNote(t, noteCh)

	t.Latency = time.Since(t.StartedAt)
	t.Degraded = t.Latency > e.cfg.TurnBudget
	if t.Degraded {
		t.AddTrace("finalize", "turn budget exceeded", "")
	}

	e.publish(t, composeErr)

	if composeErr != nil {
		return t, turn.NewError("compose", composeErr, t)
	}
	return t, nil
}

// startNoteExtraction launches the detached extraction goroutine. The
// result channel is buffered so the goroutine never blocks on a caller
// that already moved on.
func (e *Engine) startNoteExtraction(turnID, input string) <-chan *notes.Note {
	ch := make(chan *notes.Note, 1)
	if e.extractor == nil {
		close(ch)
		return ch
	}

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), e.cfg.NoteExtractTimeout)
		defer cancel()

		n, err := e.extractor.Extract(ctx, turnID, input)
		if err != nil {
			e.log.Warn().Str("turn_id", turnID).Err(err).Msg("note extraction failed")
			ch <- nil
			return
		}
		ch <- n
	}()
	return ch
}

// fanOut runs one retrieval per kind concurrently and joins them in the
// order the kinds were passed, so the result layout is stable regardless of
// completion order. Individual failures already degraded to empty results
// inside the adapter, so the group never errors.
func (e *Engine) fanOut(ctx context.Context, query string, timeout time.Duration, kinds ...string) []turn.RetrievalResult {
	fanCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	results := make([]*turn.RetrievalResult, len(kinds))
	g, gctx := errgroup.WithContext(fanCtx)
	for i, kind := range kinds {
		i, kind := i, kind
		g.Go(func() error {
			results[i] = e.retriever.Search(gctx, query, 0, kind)
			return nil
		})
	}
	_ = g.Wait()

	out := make([]turn.RetrievalResult, len(kinds))
	for i, r := range results {
		if r == nil {
			r = retrieval.Empty(kinds[i])
		}
		out[i] = *r
	}
	return out
}

// dispatch runs the decision's module targets in order. Failures are
// tagged partial and later targets still run.
func (e *Engine) dispatch(ctx context.Context, t *turn.Turn) *turn.ExecutionResult {
	exec := &turn.ExecutionResult{}
	if len(t.Decision.Targets) == 0 {
		t.AddTrace("dispatch", "no module targets", "")
		return exec
	}

	payload, _ := json.Marshal(map[string]string{
		"query":   t.Input,
		"turn_id": t.ID,
	})

	for _, target := range t.Decision.Targets {
		call, err := e.caller.Call(ctx, target.Module, target.Path, payload)
		if call != nil {
			exec.Calls = append(exec.Calls, *call)
		}
		if err != nil {
			exec.Partial = true
			t.AddTrace("dispatch", target.Module+"/"+target.Path, err.Error())
			continue
		}
		t.AddTrace("dispatch", target.Module+"/"+target.Path, "")
	}
	return exec
}

// joinNote waits briefly for the detached extraction. A note that misses
// the grace window is detached: it still persists, the turn just does not
// reference it.
func (e *Engine) joinNote(t *turn.Turn, ch <-chan *notes.Note) {
	select {
	case n, ok := <-ch:
		if ok && n != nil {
			t.Note = &turn.NoteRef{ID: n.ID, Type: n.Type}
			t.AddTrace("note", "note captured", "")
		}
	case <-time.After(e.cfg.NoteJoinGrace):
		t.AddTrace("note", "extraction still pending, detached", "")
	}
}

func (e *Engine) publish(t *turn.Turn, composeErr error) {
	if e.events == nil {
		return
	}
	evType := bus.TurnCompleted
	if composeErr != nil {
		evType = bus.TurnFailed
	}
	_ = e.events.Publish(bus.NewEvent(evType, t.ID, map[string]any{
		"turn":     t,
		"latency":  t.Latency,
		"partial":  t.Partial,
		"degraded": t.Degraded,
	}))
}

// conditionQuery folds the step-6 outcome into the retrieval query:
// succeeded calls contribute their module and response, failed calls their
// module and error kind. With no calls the query is the raw input.
func conditionQuery(input string, exec *turn.ExecutionResult) string {
	if exec == nil || len(exec.Calls) == 0 {
		return input
	}

	var b strings.Builder
	b.WriteString(input)
	for _, c := range exec.Calls {
		b.WriteString(" | ")
		b.WriteString(c.Module)
		if c.OK() {
			b.WriteString(" returned ")
			b.WriteString(compactResponse(c.Response))
		} else {
			b.WriteString(" failed with ")
			b.WriteString(c.ErrKind)
		}
	}
	return b.String()
}

// compactResponse flattens a module response for query use, bounded so a
// verbose module cannot blow up the search request.
func compactResponse(raw json.RawMessage) string {
	const maxQueryResponseRunes = 160
	s := strings.Join(strings.Fields(string(raw)), " ")
	if r := []rune(s); len(r) > maxQueryResponseRunes {
		s = string(r[:maxQueryResponseRunes])
	}
	return s
}

func traceRetrieval(results []turn.RetrievalResult) string {
	var parts []string
	for _, r := range results {
		state := "hit"
		if r.IsEmpty() {
			state = "empty"
		}
		parts = append(parts, r.Kind+"="+state)
	}
	return strings.Join(parts, " ")
}
