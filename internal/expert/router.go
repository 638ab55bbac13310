package expert

import (
	"fmt"
	"sort"
	"strings"

	"github.com/rs/zerolog"

	"github.com/normanking/conductor/internal/logging"
	"github.com/normanking/conductor/internal/turn"
)

// Router scores turn input against the fixed expert table. Routing is
// deterministic and side-effect free; it never blocks on the network.
type Router struct {
	experts       []Expert
	minConfidence float64
	log           zerolog.Logger
}

// NewRouter creates a router with the built-in expert table.
// minConfidence is the threshold below which routing falls back to clarify.
func NewRouter(minConfidence float64) *Router {
	return &Router{
		experts:       builtinExperts(),
		minConfidence: minConfidence,
		log:           logging.ForComponent("expert"),
	}
}

// Route selects the expert for the given input and first-pass retrieval
// results. Confidence is in [0,1]. Below-threshold confidence is not fatal:
// the decision falls back to the clarify expert with Fallback set, and the
// low-confidence condition is recorded for the monitor.
func (r *Router) Route(input string, first []turn.RetrievalResult) *turn.ExpertDecision {
	lower := strings.ToLower(input)

	scores := make(map[string]float64)
	matchCounts := make(map[string]int)

	for _, e := range r.experts {
		for _, p := range e.Patterns {
			if p.regex.MatchString(lower) {
				scores[e.ID] += p.weight
				matchCounts[e.ID]++
			}
		}
	}

	// Intent retrieval nudges the score: a passage whose source names an
	// expert counts as a weak extra signal.
	for _, res := range first {
		if res.Kind != "intent" {
			continue
		}
		for _, p := range res.Passages {
			hint := strings.ToLower(p.SourceID)
			for _, e := range r.experts {
				if strings.HasPrefix(hint, e.ID+":") || hint == e.ID {
					scores[e.ID] += 0.3 * p.Score
				}
			}
		}
	}

	best, bestScore, totalScore := r.pickBest(scores)

	if totalScore == 0 {
		// Nothing matched at all: general expert, low confidence. Whether
		// the turn proceeds or clarifies is decided by the threshold below.
		best = ExpertGeneral
		bestScore = 0
	}

	confidence := 0.4
	if totalScore > 0 {
		confidence = bestScore / totalScore

		if len(scores) == 1 {
			// Only one expert matched
			confidence = min(confidence+0.25, 1.0)
		}
		if matchCounts[best] >= 2 {
			// Multiple signals for the same expert
			confidence = min(confidence+0.1, 1.0)
		}
		if len(scores) > 1 {
			second := secondBest(scores, best)
			if second > 0 && (bestScore-second)/bestScore < 0.3 {
				// Close competition
				confidence *= 0.8
			}
		}
	}

	if confidence < r.minConfidence {
		r.log.Info().
			Str("candidate", best).
			Float64("confidence", confidence).
			Float64("threshold", r.minConfidence).
			Msg("routing confidence below threshold, falling back to clarify")
		ce := clarifyExpert()
		return &turn.ExpertDecision{
			Expert:     ce.ID,
			Confidence: confidence,
			Fallback:   true,
			Rationale:  fmt.Sprintf("best candidate %s scored %.2f, below %.2f", best, confidence, r.minConfidence),
		}
	}

	chosen := r.expertByID(best)
	return &turn.ExpertDecision{
		Expert:     chosen.ID,
		Confidence: confidence,
		Targets:    chosen.Targets,
		Rationale:  fmt.Sprintf("%d pattern signals", matchCounts[best]),
	}
}

// pickBest returns the highest-scoring expert. Equal scores resolve by
// narrowest breadth, then lexical id, so the result never depends on map
// iteration order.
func (r *Router) pickBest(scores map[string]float64) (best string, bestScore, total float64) {
	ids := make([]string, 0, len(scores))
	for id, s := range scores {
		total += s
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool {
		si, sj := scores[ids[i]], scores[ids[j]]
		if si != sj {
			return si > sj
		}
		bi, bj := r.expertByID(ids[i]).Breadth, r.expertByID(ids[j]).Breadth
		if bi != bj {
			return bi < bj
		}
		return ids[i] < ids[j]
	})
	if len(ids) > 0 {
		best = ids[0]
		bestScore = scores[best]
	}
	return best, bestScore, total
}

func (r *Router) expertByID(id string) Expert {
	for _, e := range r.experts {
		if e.ID == id {
			return e
		}
	}
	return clarifyExpert()
}

func secondBest(scores map[string]float64, best string) float64 {
	var second float64
	for id, s := range scores {
		if id != best && s > second {
			second = s
		}
	}
	return second
}
