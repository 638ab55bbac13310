package notes

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/normanking/conductor/internal/logging"
)

// Generator is the slice of the generation client the LLM classifier needs.
type Generator interface {
	Generate(ctx context.Context, prompt string, contextBlocks []string, maxTokens int) (string, error)
}

// LLMClassifier asks the generation service to classify ambiguous input,
// falling back to the heuristic classifier when the service fails or
// returns something unparseable. It upgrades recall, never availability.
type LLMClassifier struct {
	gen      Generator
	fallback *HeuristicClassifier
	timeout  time.Duration
	log      zerolog.Logger
}

// NewLLMClassifier wraps the heuristic classifier with LLM assistance.
func NewLLMClassifier(gen Generator, timeout time.Duration) *LLMClassifier {
	return &LLMClassifier{
		gen:      gen,
		fallback: NewHeuristicClassifier(),
		timeout:  timeout,
		log:      logging.ForComponent("extractor"),
	}
}

type llmVerdict struct {
	HasNote  bool   `json:"has_note"`
	Type     string `json:"type"`
	Priority int    `json:"priority"`
}

// Classify tries the heuristic first; when it finds nothing, the LLM gets
// one bounded attempt to spot a note the patterns missed.
func (c *LLMClassifier) Classify(input string) (*Classification, bool) {
	if cls, ok := c.fallback.Classify(input); ok {
		return cls, true
	}

	ctx, cancel := context.WithTimeout(context.Background(), c.timeout)
	defer cancel()

	prompt := "Does the following message contain a task, reminder, idea, or important fact the user wants kept? " +
		`Answer as JSON: {"has_note":bool,"type":"task|reminder|idea|important|plain","priority":0-3}` + "\nMessage: " + input
	out, err := c.gen.Generate(ctx, prompt, nil, 64)
	if err != nil {
		c.log.Debug().Err(err).Msg("llm classification unavailable")
		return nil, false
	}

	var v llmVerdict
	if err := json.Unmarshal([]byte(strings.TrimSpace(out)), &v); err != nil || !v.HasNote {
		return nil, false
	}

	switch v.Type {
	case TypeTask, TypeReminder, TypeIdea, TypeImportant, TypePlain:
	default:
		v.Type = TypePlain
	}
	if v.Priority < 0 {
		v.Priority = 0
	}
	if v.Priority > 3 {
		v.Priority = 3
	}

	return &Classification{Type: v.Type, Priority: v.Priority}, true
}
