package notes

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/normanking/conductor/internal/logging"
)

// Classification is a classifier's verdict on one input.
type Classification struct {
	Type     string
	Priority int
	DueAt    *time.Time
}

// Classifier decides whether input contains a note worth keeping.
// Implementations must be safe for concurrent use.
type Classifier interface {
	Classify(input string) (*Classification, bool)
}

// Extractor captures notes from turn input. It runs detached from the turn
// and persists the note itself, so a failed or abandoned turn never loses
// a captured note.
type Extractor struct {
	classifier Classifier
	manager    *Manager
	log        zerolog.Logger
}

// NewExtractor creates an extractor with the given classification strategy.
func NewExtractor(classifier Classifier, manager *Manager) *Extractor {
	return &Extractor{
		classifier: classifier,
		manager:    manager,
		log:        logging.ForComponent("extractor"),
	}
}

// Extract classifies the input and persists a note when one is found.
// Returns nil without error when the input carries nothing note-worthy.
func (e *Extractor) Extract(ctx context.Context, turnID, input string) (*Note, error) {
	cls, ok := e.classifier.Classify(input)
	if !ok {
		return nil, nil
	}

	n := &Note{
		TurnID:   turnID,
		Content:  strings.TrimSpace(input),
		Type:     cls.Type,
		Priority: cls.Priority,
		DueAt:    cls.DueAt,
	}
	if err := e.manager.Create(ctx, n); err != nil {
		return nil, fmt.Errorf("persist extracted note: %w", err)
	}

	e.log.Info().Str("note_id", n.ID).Str("type", n.Type).Str("turn_id", turnID).Msg("note extracted")
	return n, nil
}

// notePattern is a weighted extraction signal for one note type.
type notePattern struct {
	regex    *regexp.Regexp
	noteType string
	weight   float64
	priority int
}

// HeuristicClassifier classifies with weighted patterns, no network.
// A second, LLM-assisted strategy can sit behind the same interface; the
// heuristic one is always available.
type HeuristicClassifier struct {
	patterns []notePattern
	now      func() time.Time
}

// NewHeuristicClassifier creates the default pattern-based classifier.
func NewHeuristicClassifier() *HeuristicClassifier {
	return &HeuristicClassifier{
		now: time.Now,
		patterns: []notePattern{
			{regexp.MustCompile(`\b(remind\s+me|reminder)\b`), TypeReminder, 1.2, 2},
			{regexp.MustCompile(`\b(don'?t\s+forget|remember\s+to)\b`), TypeReminder, 1.1, 2},
			{regexp.MustCompile(`\b(todo|to-do|need\s+to|have\s+to|must)\b`), TypeTask, 1.0, 1},
			{regexp.MustCompile(`\b(task|action\s+item|follow\s+up)\b`), TypeTask, 1.0, 1},
			{regexp.MustCompile(`\b(idea|what\s+if|we\s+could|maybe\s+we)\b`), TypeIdea, 0.9, 0},
			{regexp.MustCompile(`\b(important|critical|urgent|asap)\b`), TypeImportant, 1.2, 3},
			{regexp.MustCompile(`\b(note\s+(this|that|down)|take\s+a\s+note)\b`), TypePlain, 1.1, 0},
		},
	}
}

// Classify scores the input against the note patterns. The highest-weighted
// match wins; importance signals raise the priority of whatever type won.
func (c *HeuristicClassifier) Classify(input string) (*Classification, bool) {
	lower := strings.ToLower(input)

	scores := make(map[string]float64)
	priorities := make(map[string]int)
	for _, p := range c.patterns {
		if p.regex.MatchString(lower) {
			scores[p.noteType] += p.weight
			if p.priority > priorities[p.noteType] {
				priorities[p.noteType] = p.priority
			}
		}
	}

	if len(scores) == 0 {
		return nil, false
	}

	best := ""
	var bestScore float64
	for _, p := range c.patterns {
		// Iterate patterns, not the map, to keep ties deterministic.
		if s, ok := scores[p.noteType]; ok && s > bestScore {
			best = p.noteType
			bestScore = s
		}
	}

	priority := priorities[best]
	if best != TypeImportant && scores[TypeImportant] > 0 {
		priority = priorities[TypeImportant]
	}

	return &Classification{
		Type:     best,
		Priority: priority,
		DueAt:    c.parseDue(lower),
	}, true
}

var (
	dueTomorrowRe = regexp.MustCompile(`\btomorrow(\s+at\s+(\d{1,2})(:(\d{2}))?\s*(am|pm)?)?\b`)
	dueTodayRe    = regexp.MustCompile(`\btoday\s+at\s+(\d{1,2})(:(\d{2}))?\s*(am|pm)?\b`)
	dueInRe       = regexp.MustCompile(`\bin\s+(\d+)\s+(minute|hour|day|week)s?\b`)
)

// parseDue recognizes common due-time phrases: "tomorrow at 9am",
// "today at 17:30", "in 2 hours". Returns nil when no phrase matches.
func (c *HeuristicClassifier) parseDue(lower string) *time.Time {
	now := c.now()

	if m := dueInRe.FindStringSubmatch(lower); m != nil {
		n, _ := strconv.Atoi(m[1])
		var d time.Duration
		switch m[2] {
		case "minute":
			d = time.Duration(n) * time.Minute
		case "hour":
			d = time.Duration(n) * time.Hour
		case "day":
			d = time.Duration(n) * 24 * time.Hour
		case "week":
			d = time.Duration(n) * 7 * 24 * time.Hour
		}
		due := now.Add(d)
		return &due
	}

	if m := dueTomorrowRe.FindStringSubmatch(lower); m != nil {
		day := now.AddDate(0, 0, 1)
		hour, minute := 9, 0 // default morning slot
		if m[2] != "" {
			hour = clockHour(m[2], m[5])
			if m[4] != "" {
				minute, _ = strconv.Atoi(m[4])
			}
		}
		due := time.Date(day.Year(), day.Month(), day.Day(), hour, minute, 0, 0, now.Location())
		return &due
	}

	if m := dueTodayRe.FindStringSubmatch(lower); m != nil {
		hour := clockHour(m[1], m[4])
		minute := 0
		if m[3] != "" {
			minute, _ = strconv.Atoi(m[3])
		}
		due := time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location())
		return &due
	}

	return nil
}

func clockHour(digits, meridiem string) int {
	h, _ := strconv.Atoi(digits)
	if meridiem == "pm" && h < 12 {
		h += 12
	}
	if meridiem == "am" && h == 12 {
		h = 0
	}
	return h
}
