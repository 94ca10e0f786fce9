// Package expand turns stored recurring-event masters into concrete
// occurrences for a display window.
package expand

import (
	"errors"
	"io"
	"log/slog"
	"time"

	"github.com/example/calsync/model"
	"github.com/example/calsync/recurrence"
)

// MaxOccurrencesPerMaster caps how many occurrences a single master may
// contribute to one expansion call.
const MaxOccurrencesPerMaster = recurrence.DefaultOccurrenceCap

// Expander expands recurring masters into occurrences. Results are derived
// on every call and never persisted; the cache only short-circuits the
// interpreter for repeated identical queries.
type Expander struct {
	rules  recurrence.RuleEngine
	cache  Cache
	logger *slog.Logger
}

// New creates an Expander. A nil cache disables caching and a nil logger
// discards output.
func New(rules recurrence.RuleEngine, cache Cache, logger *slog.Logger) *Expander {
	if rules == nil {
		rules = recurrence.NewEngine()
	}
	if cache == nil {
		cache = NopCache{}
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Expander{rules: rules, cache: cache, logger: logger}
}

// Expand produces the event instances visible in [windowStart, windowEnd).
// Non-recurring events pass through unchanged when they intersect the
// window. Recurring masters are replaced by their occurrences; a master with
// a malformed rule degrades to a single plain event instead of failing the
// batch.
func (x *Expander) Expand(masters []model.Event, windowStart, windowEnd time.Time) []model.EventInstance {
	out := make([]model.EventInstance, 0, len(masters))

	for _, master := range masters {
		if !master.IsRecurring() {
			if master.Overlaps(windowStart, windowEnd) {
				out = append(out, model.Instance(master))
			}
			continue
		}
		out = append(out, x.expandMaster(master, windowStart, windowEnd)...)
	}

	return out
}

func (x *Expander) expandMaster(master model.Event, windowStart, windowEnd time.Time) []model.EventInstance {
	duration := master.OccurrenceDuration()
	anchor := master.Anchor()

	// Shift the lower bound back by the occurrence duration so an
	// occurrence that starts before the window but extends into it is
	// still produced.
	effectiveStart := windowStart.Add(-duration)

	starts, ok := x.cache.Get(cacheKey(master, windowStart, windowEnd))
	if !ok {
		var err error
		starts, err = x.rules.OccurrencesBetween(master.RRule, anchor, effectiveStart, windowEnd, MaxOccurrencesPerMaster)
		if err != nil {
			if !errors.Is(err, recurrence.ErrInvalidRule) {
				x.logger.Error("recurrence expansion failed", "event_id", master.ID, "err", err)
			} else {
				x.logger.Warn("malformed recurrence rule, rendering master as plain event",
					"event_id", master.ID, "rrule", master.RRule)
			}
			// Degrade to the master's own bounds as a single plain event.
			if master.Overlaps(windowStart, windowEnd) {
				return []model.EventInstance{model.Instance(master)}
			}
			return nil
		}
		x.cache.Set(cacheKey(master, windowStart, windowEnd), starts)
	}

	out := make([]model.EventInstance, 0, len(starts))
	for _, start := range starts {
		if isExcluded(start, master.ExDates) {
			continue
		}
		end := start.Add(duration)
		// The interpreter window was widened below windowStart; drop
		// occurrences that still do not reach into the window.
		if !end.After(windowStart) || !start.Before(windowEnd) {
			continue
		}
		out = append(out, makeOccurrence(master, start, end, len(out)))
	}

	return out
}

// makeOccurrence derives one instance from a master at a resolved start
// time. Recurrence fields are stripped so the instance cannot be mistaken
// for a master.
func makeOccurrence(master model.Event, start, end time.Time, index int) model.EventInstance {
	occ := master
	occ.Start = start
	occ.End = end
	occ.RRule = ""
	occ.DTStart = nil
	occ.Duration = 0
	occ.ExDates = nil

	return model.EventInstance{
		Event:               occ,
		IsRecurringInstance: true,
		OriginalEventID:     master.ID,
		RecurrenceIndex:     index,
	}
}

// isExcluded checks whether an occurrence start is in the exclusion set.
// Date-only exclusions (midnight UTC) match any occurrence on that date.
func isExcluded(t time.Time, exdates []time.Time) bool {
	for _, ex := range exdates {
		if t.Equal(ex) {
			return true
		}
		if ex.Hour() == 0 && ex.Minute() == 0 && ex.Second() == 0 && ex.Location() == time.UTC {
			dateOnly := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
			if dateOnly.Equal(ex) {
				return true
			}
		}
	}
	return false
}
