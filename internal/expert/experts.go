// Package expert routes turns to domain experts and composes the final
// response. Routing is pure pattern scoring for determinism: the same input
// and retrieval hints always produce the same decision.
package expert

import (
	"regexp"

	"github.com/normanking/conductor/internal/turn"
)

// Expert ids. Clarify is the fallback when no expert scores above the
// routing threshold.
const (
	ExpertERP     = "erp"
	ExpertContent = "content"
	ExpertStock   = "stock"
	ExpertGeneral = "general"
	ExpertClarify = "clarify"
)

// pattern is a pre-compiled regex with its weight.
// Higher weight = stronger signal.
type pattern struct {
	regex  *regexp.Regexp
	weight float64
}

// Expert describes one domain handler in the routing table.
type Expert struct {
	// ID is the expert identifier.
	ID string

	// Patterns are the weighted signals this expert matches on.
	Patterns []pattern

	// Targets are the module calls the expert wants, in dispatch order.
	Targets []turn.ModuleTarget

	// Breadth ranks domain width; ties between equal scores resolve to
	// the narrowest (lowest) breadth for determinism.
	Breadth int

	// PromptStyle tunes the composition prompt for the domain.
	PromptStyle string
}

// builtinExperts returns the fixed expert table. The table is built once at
// router construction and never mutated afterwards.
func builtinExperts() []Expert {
	return []Expert{
		{
			ID: ExpertERP,
			Patterns: []pattern{
				{regexp.MustCompile(`\b(order|invoice|purchase|procurement|supplier|vendor)\b`), 1.1},
				{regexp.MustCompile(`\b(erp|ledger|accounts?\s+(payable|receivable))\b`), 1.2},
				{regexp.MustCompile(`\b(shipment|delivery|fulfillment)\s+(status|date|update)\b`), 1.0},
				{regexp.MustCompile(`\b(customer|client)\s+(record|account|balance)\b`), 0.9},
				{regexp.MustCompile(`\bapprove\s+(the\s+)?(po|purchase\s+order)\b`), 1.2},
			},
			Targets: []turn.ModuleTarget{
				{Module: "erp", Path: "query"},
			},
			Breadth:     1,
			PromptStyle: "precise, cite record ids",
		},
		{
			ID: ExpertContent,
			Patterns: []pattern{
				{regexp.MustCompile(`\b(article|post|blog|copy|headline|caption)\b`), 1.1},
				{regexp.MustCompile(`\b(draft|write|rewrite|summari[sz]e)\s+(a|an|the|this)\b`), 0.9},
				{regexp.MustCompile(`\b(publish|schedule)\s+(the\s+)?(article|post|content)\b`), 1.2},
				{regexp.MustCompile(`\b(tone|style|wording|phrasing)\b`), 0.8},
				{regexp.MustCompile(`\bcontent\s+(calendar|plan|strategy)\b`), 1.0},
			},
			Targets: []turn.ModuleTarget{
				{Module: "content", Path: "compose"},
			},
			Breadth:     1,
			PromptStyle: "editorial, offer alternatives",
		},
		{
			ID: ExpertStock,
			Patterns: []pattern{
				{regexp.MustCompile(`\b(stock|inventory|warehouse)\b`), 1.1},
				{regexp.MustCompile(`\b(sku|barcode|bin|shelf)\b`), 1.0},
				{regexp.MustCompile(`\b(restock|replenish|reorder)\b`), 1.2},
				{regexp.MustCompile(`\b(low|out\s+of)\s+stock\b`), 1.2},
				{regexp.MustCompile(`\b(count|level|quantity)\s+(of|for|in)\b`), 0.7},
			},
			Targets: []turn.ModuleTarget{
				{Module: "stock", Path: "levels"},
				{Module: "erp", Path: "query"},
			},
			Breadth:     2,
			PromptStyle: "numeric, flag shortages first",
		},
		{
			ID: ExpertGeneral,
			Patterns: []pattern{
				{regexp.MustCompile(`\b(explain|what\s+is|what\s+does|how\s+does)\b`), 0.9},
				{regexp.MustCompile(`\b(tell\s+me\s+about|describe|walk\s+me\s+through)\b`), 0.8},
				{regexp.MustCompile(`\b(help|assist|advice|recommend)\b`), 0.7},
				{regexp.MustCompile(`\b(compare|difference\s+between)\b`), 0.8},
			},
			Targets:     nil, // answers from retrieval context alone
			Breadth:     3,
			PromptStyle: "conversational",
		},
	}
}

// clarifyExpert is the fixed fallback for low-confidence routing.
// It never calls modules; it asks a follow-up question instead.
func clarifyExpert() Expert {
	return Expert{
		ID:          ExpertClarify,
		Targets:     nil,
		Breadth:     4,
		PromptStyle: "single clarifying question",
	}
}
