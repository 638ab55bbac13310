// Package turn defines the data model for one user-input-to-response cycle.
// A Turn is created when input is received, mutated by each workflow stage
// appending its partial result, and immutable once returned to the caller.
package turn

import (
	"encoding/json"
	"time"
)

// Modality identifies how the input reached the orchestrator.
// Voice and file inputs are transcribed to text upstream.
type Modality string

const (
	ModalityText  Modality = "text"
	ModalityVoice Modality = "voice"
	ModalityFile  Modality = "file"
)

// Passage is one ranked result from a retrieval call.
type Passage struct {
	Content  string  `json:"content"`
	Score    float64 `json:"score"`
	SourceID string  `json:"source_id"`
}

// RetrievalResult is the output of one retrieval call. It is owned by the
// Turn that requested it and discarded after use, except for the trace copy.
type RetrievalResult struct {
	// Kind names the retrieval variant that produced this result
	// (knowledge, intent, experience, similar-cases, best-practices).
	Kind string `json:"kind"`

	// Passages are ranked best-first.
	Passages []Passage `json:"passages"`

	// Endpoint is the upstream address that served the result.
	// Empty when every endpoint failed and the result degraded to empty.
	Endpoint string `json:"endpoint,omitempty"`

	// TookMs is the upstream-reported latency in milliseconds.
	TookMs int64 `json:"took_ms"`
}

// IsEmpty reports whether the result carries no passages.
func (r *RetrievalResult) IsEmpty() bool {
	return r == nil || len(r.Passages) == 0
}

// ModuleTarget names one functional-module invocation an expert wants.
type ModuleTarget struct {
	Module string `json:"module"`
	Path   string `json:"path"`
}

// ExpertDecision is the routing outcome for a turn. Read-only after creation.
type ExpertDecision struct {
	// Expert is the selected domain handler id.
	Expert string `json:"expert"`

	// Confidence is the routing confidence in [0,1].
	Confidence float64 `json:"confidence"`

	// Targets are the module calls the expert wants, in order.
	Targets []ModuleTarget `json:"targets,omitempty"`

	// Rationale is a short explanation of why this expert was chosen.
	Rationale string `json:"rationale,omitempty"`

	// Fallback is true when confidence fell below the routing threshold
	// and the clarify expert was substituted.
	Fallback bool `json:"fallback,omitempty"`
}

// ModuleCall records one dispatch to a functional module. Retries produce a
// new attempt count on the same record, not a new record.
type ModuleCall struct {
	Module   string          `json:"module"`
	Path     string          `json:"path"`
	Request  json.RawMessage `json:"request,omitempty"`
	Response json.RawMessage `json:"response,omitempty"`

	// ErrKind is the closed-taxonomy error name when the call failed
	// (module_timeout, module_rejected, module_unavailable), empty on success.
	ErrKind string `json:"err_kind,omitempty"`

	// ErrDetail is the module-supplied or transport error message.
	ErrDetail string `json:"err_detail,omitempty"`

	Attempts int           `json:"attempts"`
	Latency  time.Duration `json:"latency"`
}

// OK reports whether the call completed without error.
func (c *ModuleCall) OK() bool {
	return c.ErrKind == ""
}

// ExecutionResult is the normalized outcome of step 6: every module call a
// turn made, with partial failures tagged explicitly, never dropped.
type ExecutionResult struct {
	Calls   []ModuleCall `json:"calls"`
	Partial bool         `json:"partial"`
}

// Succeeded returns the successful calls in dispatch order.
func (e *ExecutionResult) Succeeded() []ModuleCall {
	var out []ModuleCall
	for _, c := range e.Calls {
		if c.OK() {
			out = append(out, c)
		}
	}
	return out
}

// Failed returns the failed calls in dispatch order.
func (e *ExecutionResult) Failed() []ModuleCall {
	var out []ModuleCall
	for _, c := range e.Calls {
		if !c.OK() {
			out = append(out, c)
		}
	}
	return out
}

// NoteRef points at a note captured asynchronously from this turn.
// The note itself is owned by the note store.
type NoteRef struct {
	ID   string `json:"id"`
	Type string `json:"type"`
}

// TraceEvent is one stage marker in a turn trace.
type TraceEvent struct {
	Stage   string        `json:"stage"`
	Message string        `json:"message,omitempty"`
	Err     string        `json:"err,omitempty"`
	Elapsed time.Duration `json:"elapsed"`
	At      time.Time     `json:"at"`
}

// Turn is one complete user interaction end-to-end.
type Turn struct {
	ID        string    `json:"id"`
	SessionID string    `json:"session_id,omitempty"`
	Modality  Modality  `json:"modality"`
	Input     string    `json:"input"`
	StartedAt time.Time `json:"started_at"`

	// Response is the final natural-language output.
	Response string `json:"response"`

	// Partial is true when the response was composed around a failed or
	// degraded stage rather than a full result.
	Partial bool `json:"partial"`

	// Degraded is true when the turn exceeded its soft end-to-end budget.
	Degraded bool `json:"degraded"`

	Latency time.Duration `json:"latency"`

	FirstRetrieval  []RetrievalResult `json:"first_retrieval,omitempty"`
	SecondRetrieval []RetrievalResult `json:"second_retrieval,omitempty"`
	Decision        *ExpertDecision   `json:"decision,omitempty"`
	Execution       *ExecutionResult  `json:"execution,omitempty"`
	Note            *NoteRef          `json:"note,omitempty"`

	Trace []TraceEvent `json:"trace,omitempty"`
}

// AddTrace appends a stage marker to the turn trace.
func (t *Turn) AddTrace(stage, message, errMsg string) {
	t.Trace = append(t.Trace, TraceEvent{
		Stage:   stage,
		Message: message,
		Err:     errMsg,
		Elapsed: time.Since(t.StartedAt),
		At:      time.Now(),
	})
}
