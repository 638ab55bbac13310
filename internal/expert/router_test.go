package expert

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/normanking/conductor/internal/turn"
)

func TestRouteSelectsExpectedExpert(t *testing.T) {
	r := NewRouter(0.35)

	tests := []struct {
		name       string
		input      string
		wantExpert string
	}{
		{
			name:       "erp order lookup",
			input:      "What is the status of purchase order PO-1042 from our supplier?",
			wantExpert: ExpertERP,
		},
		{
			name:       "content drafting",
			input:      "Draft a blog post headline about the new warehouse opening, editorial tone",
			wantExpert: ExpertContent,
		},
		{
			name:       "stock levels",
			input:      "Which SKUs are low on stock in the main warehouse? We may need to restock.",
			wantExpert: ExpertStock,
		},
		{
			name:       "general explanation",
			input:      "Explain how the fulfillment process works end to end",
			wantExpert: ExpertGeneral,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dec := r.Route(tt.input, nil)
			if dec.Expert != tt.wantExpert {
				t.Errorf("Route() expert = %s, want %s (confidence %.2f, rationale %s)",
					dec.Expert, tt.wantExpert, dec.Confidence, dec.Rationale)
			}
			if dec.Confidence < 0 || dec.Confidence > 1 {
				t.Errorf("confidence %.2f out of [0,1]", dec.Confidence)
			}
			if dec.Fallback {
				t.Errorf("unexpected clarify fallback for %q", tt.input)
			}
		})
	}
}

func TestRouteIsDeterministic(t *testing.T) {
	r := NewRouter(0.35)
	input := "Check stock levels and create a purchase order for low inventory SKUs"

	first := r.Route(input, nil)
	for i := 0; i < 50; i++ {
		dec := r.Route(input, nil)
		if dec.Expert != first.Expert {
			t.Fatalf("run %d: expert %s, want %s", i, dec.Expert, first.Expert)
		}
		if dec.Confidence != first.Confidence {
			t.Fatalf("run %d: confidence %.6f, want %.6f", i, dec.Confidence, first.Confidence)
		}
	}
}

func TestRouteLowConfidenceFallsBackToClarify(t *testing.T) {
	// Threshold high enough that an unmatched input cannot clear it.
	r := NewRouter(0.95)

	dec := r.Route("hmm ok then", nil)
	if dec.Expert != ExpertClarify {
		t.Fatalf("expert = %s, want %s", dec.Expert, ExpertClarify)
	}
	if !dec.Fallback {
		t.Error("Fallback flag not set on clarify decision")
	}
	if len(dec.Targets) != 0 {
		t.Errorf("clarify decision must not carry module targets, got %v", dec.Targets)
	}
}

func TestRouteIntentHintNudgesScore(t *testing.T) {
	r := NewRouter(0.2)
	// Ambiguous between erp and stock without hints.
	input := "check the count of items for order handling"

	hint := []turn.RetrievalResult{{
		Kind: "intent",
		Passages: []turn.Passage{
			{Content: "inventory workflows", Score: 1.0, SourceID: "stock:replenishment"},
			{Content: "inventory workflows", Score: 0.8, SourceID: "stock:counting"},
		},
	}}

	dec := r.Route(input, hint)
	if dec.Expert != ExpertStock {
		t.Errorf("with stock intent hints, expert = %s, want %s", dec.Expert, ExpertStock)
	}
}

func TestRouteTieBreakPrefersNarrowerDomain(t *testing.T) {
	r := NewRouter(0.1)
	// pickBest must not depend on map order when scores tie.
	scores := map[string]float64{ExpertERP: 1.0, ExpertStock: 1.0}
	for i := 0; i < 20; i++ {
		best, _, _ := r.pickBest(scores)
		if best != ExpertERP {
			t.Fatalf("tie-break picked %s, want %s (narrower breadth)", best, ExpertERP)
		}
	}
}

type fakeGenerator struct {
	text  string
	err   error
	sleep time.Duration
}

func (f *fakeGenerator) Generate(ctx context.Context, prompt string, blocks []string, maxTokens int) (string, error) {
	if f.sleep > 0 {
		select {
		case <-time.After(f.sleep):
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	return f.text, f.err
}

func TestComposeClarifySkipsGeneration(t *testing.T) {
	gen := &fakeGenerator{err: errors.New("generator must not be called")}
	c := NewComposer(gen, time.Second, 256)

	dec := &turn.ExpertDecision{Expert: ExpertClarify, Fallback: true}
	text, err := c.Compose(context.Background(), dec, "do the thing", nil, nil)
	if err != nil {
		t.Fatalf("Compose() error = %v", err)
	}
	if !strings.Contains(text, "?") {
		t.Errorf("clarify response should ask a question, got %q", text)
	}
}

func TestComposeClarifyTruncatesOnRuneBoundary(t *testing.T) {
	gen := &fakeGenerator{err: errors.New("generator must not be called")}
	c := NewComposer(gen, time.Second, 256)

	long := strings.Repeat("数", 200)
	dec := &turn.ExpertDecision{Expert: ExpertClarify, Fallback: true}
	text, err := c.Compose(context.Background(), dec, long, nil, nil)
	if err != nil {
		t.Fatalf("Compose() error = %v", err)
	}
	if !utf8.ValidString(text) {
		t.Errorf("clarify question contains a split rune: %q", text)
	}
	if !strings.Contains(text, "数") {
		t.Errorf("clarify question lost the quoted input, got %q", text)
	}
	if !strings.Contains(text, "...") {
		t.Errorf("long input should be truncated with an ellipsis, got %q", text)
	}
}

func TestComposeTimeoutIsTyped(t *testing.T) {
	gen := &fakeGenerator{text: "late", sleep: 500 * time.Millisecond}
	c := NewComposer(gen, 50*time.Millisecond, 256)

	dec := &turn.ExpertDecision{Expert: ExpertERP}
	_, err := c.Compose(context.Background(), dec, "order status", &turn.ExecutionResult{}, nil)
	if !errors.Is(err, turn.ErrGenerationTimeout) {
		t.Fatalf("Compose() error = %v, want ErrGenerationTimeout", err)
	}
}

func TestComposePromptCarriesFailedCalls(t *testing.T) {
	var captured string
	gen := &promptCapturingGenerator{capture: &captured}
	c := NewComposer(gen, time.Second, 256)

	exec := &turn.ExecutionResult{
		Partial: true,
		Calls: []turn.ModuleCall{
			{Module: "stock", Path: "levels", Response: []byte(`{"sku":"X","qty":3}`)},
			{Module: "erp", Path: "query", ErrKind: "module_timeout", ErrDetail: "deadline"},
		},
	}

	dec := &turn.ExpertDecision{Expert: ExpertStock}
	if _, err := c.Compose(context.Background(), dec, "stock check", exec, nil); err != nil {
		t.Fatalf("Compose() error = %v", err)
	}
	if !strings.Contains(captured, "module_timeout") {
		t.Errorf("prompt must mention the failed call, got:\n%s", captured)
	}
	if !strings.Contains(captured, `"qty":3`) {
		t.Errorf("prompt must carry successful results, got:\n%s", captured)
	}
}

type promptCapturingGenerator struct {
	capture *string
}

func (g *promptCapturingGenerator) Generate(ctx context.Context, prompt string, blocks []string, maxTokens int) (string, error) {
	*g.capture = prompt
	return "composed", nil
}
