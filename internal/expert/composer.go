package expert

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/normanking/conductor/internal/logging"
	"github.com/normanking/conductor/internal/turn"
)

// Generator produces text from a prompt plus grounding context.
// Implemented by the generation client; faked in tests.
type Generator interface {
	Generate(ctx context.Context, prompt string, contextBlocks []string, maxTokens int) (string, error)
}

// Composer builds the final natural-language response for a turn.
type Composer struct {
	gen       Generator
	timeout   time.Duration
	maxTokens int
	log       zerolog.Logger
}

// NewComposer creates a composer over the given generator.
func NewComposer(gen Generator, timeout time.Duration, maxTokens int) *Composer {
	return &Composer{
		gen:       gen,
		timeout:   timeout,
		maxTokens: maxTokens,
		log:       logging.ForComponent("composer"),
	}
}

// Compose turns the execution results and second-pass retrieval into the
// final response. The clarify expert composes without generation: a
// low-confidence turn asks its question even when the generator is down.
// Generation overruns map to ErrGenerationTimeout, which is terminal for
// the composed text.
func (c *Composer) Compose(ctx context.Context, dec *turn.ExpertDecision, input string, exec *turn.ExecutionResult, second []turn.RetrievalResult) (string, error) {
	if dec.Expert == ExpertClarify {
		return clarifyQuestion(input), nil
	}

	prompt := c.buildPrompt(dec, input, exec)
	blocks := contextBlocks(second)

	genCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	text, err := c.gen.Generate(genCtx, prompt, blocks, c.maxTokens)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || genCtx.Err() == context.DeadlineExceeded {
			return "", fmt.Errorf("%w: after %s", turn.ErrGenerationTimeout, c.timeout)
		}
		return "", fmt.Errorf("generation failed: %w", err)
	}
	return strings.TrimSpace(text), nil
}

// FallbackText summarizes whatever the turn gathered when composition
// itself failed. Deterministic on purpose.
func FallbackText(exec *turn.ExecutionResult) string {
	if exec == nil || len(exec.Calls) == 0 {
		return "I could not compose a full answer in time. Please try again."
	}
	ok := len(exec.Succeeded())
	return fmt.Sprintf(
		"I could not compose a full answer in time, but %d of %d module calls completed; their results were recorded.",
		ok, len(exec.Calls))
}

func clarifyQuestion(input string) string {
	trimmed := strings.TrimSpace(input)
	// Truncate on rune boundaries; a byte slice could cut a multi-byte
	// character in half.
	if r := []rune(trimmed); len(r) > 120 {
		trimmed = string(r[:120]) + "..."
	}
	return fmt.Sprintf(
		"I want to make sure I route this correctly. Could you tell me a bit more about what you need regarding %q — is it about orders, content, or inventory?",
		trimmed)
}

func (c *Composer) buildPrompt(dec *turn.ExpertDecision, input string, exec *turn.ExecutionResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are the %s expert. Style: %s.\n", dec.Expert, c.promptStyle(dec.Expert))
	fmt.Fprintf(&b, "User request: %s\n", input)

	if exec != nil {
		for _, call := range exec.Calls {
			if call.OK() {
				fmt.Fprintf(&b, "Module %s/%s returned: %s\n", call.Module, call.Path, string(call.Response))
			} else {
				fmt.Fprintf(&b, "Module %s/%s failed (%s); acknowledge the gap, do not invent its data.\n",
					call.Module, call.Path, call.ErrKind)
			}
		}
		if exec.Partial {
			b.WriteString("Some results are missing. Answer with what is available and say so.\n")
		}
	}

	b.WriteString("Answer the request using the module results and the context passages.")
	return b.String()
}

func (c *Composer) promptStyle(expertID string) string {
	for _, e := range builtinExperts() {
		if e.ID == expertID {
			return e.PromptStyle
		}
	}
	return "conversational"
}

func contextBlocks(results []turn.RetrievalResult) []string {
	var blocks []string
	for _, res := range results {
		for _, p := range res.Passages {
			blocks = append(blocks, fmt.Sprintf("[%s %s] %s", res.Kind, p.SourceID, p.Content))
		}
	}
	return blocks
}
