// Package recurrence interprets recurrence rule strings (RRULE grammar)
// into concrete occurrence start times.
package recurrence

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/teambition/rrule-go"
)

// ErrInvalidRule is returned for rule strings the RRULE grammar cannot
// parse. Callers are expected to degrade to rendering the master event as a
// single plain event rather than failing a whole expansion batch.
var ErrInvalidRule = errors.New("invalid recurrence rule")

// DefaultOccurrenceCap bounds expansion of unbounded rules so an arbitrarily
// long window cannot blow up memory or CPU.
const DefaultOccurrenceCap = 100

// RuleEngine abstracts the recurrence-rule library so its exact error types
// and parsing quirks stay contained in this package.
type RuleEngine interface {
	// OccurrencesBetween returns the occurrence start times of rule,
	// anchored at anchor, that fall within [windowStart, windowEnd]. The
	// result is non-decreasing, free of duplicates and truncated to at
	// most cap entries (DefaultOccurrenceCap when cap <= 0).
	OccurrencesBetween(rule string, anchor, windowStart, windowEnd time.Time, cap int) ([]time.Time, error)
	// Validate reports whether rule parses.
	Validate(rule string) error
	// Describe renders a human-readable summary of rule. It never fails;
	// unparseable rules get a generic fallback.
	Describe(rule string) string
}

// Engine implements RuleEngine on top of teambition/rrule-go.
type Engine struct{}

// NewEngine creates a new rule engine.
func NewEngine() *Engine {
	return &Engine{}
}

var _ RuleEngine = (*Engine)(nil)

// normalizeRule strips an optional leading "RRULE:" prefix and surrounding
// whitespace. Rule strings arrive both bare ("FREQ=DAILY") and prefixed
// ("RRULE:FREQ=DAILY") depending on the source.
func normalizeRule(rule string) string {
	rule = strings.TrimSpace(rule)
	if len(rule) >= 6 && strings.EqualFold(rule[:6], "RRULE:") {
		rule = rule[6:]
	}
	return strings.TrimSpace(rule)
}

// OccurrencesBetween implements RuleEngine.
func (e *Engine) OccurrencesBetween(rule string, anchor, windowStart, windowEnd time.Time, cap int) ([]time.Time, error) {
	rule = normalizeRule(rule)
	if rule == "" {
		return nil, fmt.Errorf("%w: empty rule string", ErrInvalidRule)
	}
	if cap <= 0 {
		cap = DefaultOccurrenceCap
	}

	set, err := parseRuleSet(rule, anchor)
	if err != nil {
		return nil, err
	}

	// rrule-go's Between is inclusive at both ends when inc is true.
	occurrences := set.Between(windowStart, windowEnd, true)

	out := make([]time.Time, 0, len(occurrences))
	for _, t := range occurrences {
		if len(out) > 0 && t.Equal(out[len(out)-1]) {
			continue
		}
		out = append(out, t)
		if len(out) >= cap {
			break
		}
	}
	return out, nil
}

// Validate implements RuleEngine.
func (e *Engine) Validate(rule string) error {
	rule = normalizeRule(rule)
	if rule == "" {
		return fmt.Errorf("%w: empty rule string", ErrInvalidRule)
	}
	if _, err := rrule.StrToROption(rule); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}
	return nil
}

// parseRuleSet builds an rrule set anchored at the given start time.
func parseRuleSet(rule string, anchor time.Time) (*rrule.Set, error) {
	dtstart := anchor.UTC().Format("20060102T150405Z")
	set, err := rrule.StrToRRuleSet(fmt.Sprintf("DTSTART:%s\nRRULE:%s", dtstart, rule))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRule, err)
	}
	return set, nil
}
