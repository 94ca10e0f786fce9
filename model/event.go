package model

import (
	"time"
)

// Event is the persisted master record for a calendar entry. For
// non-recurring events Start/End are the event's own bounds; for recurring
// masters they describe the first occurrence and RRule defines the series.
//
// Invariant: RRule is set iff the event is a recurring master. A master is
// never rendered directly; only its expanded instances are.
type Event struct {
	ID          string
	OwnerID     string
	Title       string
	Color       string
	Description string
	Location    string
	Start       time.Time
	End         time.Time
	AllDay      bool

	// Recurrence fields, only meaningful when RRule != "".
	RRule    string
	DTStart  *time.Time    // recurrence anchor; falls back to Start when nil
	Duration time.Duration // occurrence duration; falls back to End-Start when zero
	ExDates  []time.Time   // excluded occurrence start times

	// Provenance, set when the event was sourced from an external feed.
	// (SourceSubscriptionID, SourceUID) is the identity key used by
	// reconciliation; the local ID is storage-internal and not stable
	// across reimports.
	SourceSubscriptionID string
	SourceUID            string
}

// IsRecurring reports whether the event is a recurring master.
func (e Event) IsRecurring() bool {
	return e.RRule != ""
}

// Anchor returns the recurrence anchor start time.
func (e Event) Anchor() time.Time {
	if e.DTStart != nil {
		return *e.DTStart
	}
	return e.Start
}

// OccurrenceDuration returns the duration of a single occurrence.
func (e Event) OccurrenceDuration() time.Duration {
	if e.Duration > 0 {
		return e.Duration
	}
	return e.End.Sub(e.Start)
}

// Overlaps reports whether [e.Start, e.End) intersects [windowStart, windowEnd).
func (e Event) Overlaps(windowStart, windowEnd time.Time) bool {
	return e.Start.Before(windowEnd) && e.End.After(windowStart)
}

// EventInstance is what calendar reads return: either a plain event passed
// through unchanged, or one concrete occurrence of a recurring master.
// Instances are derived on every expansion request and never persisted.
type EventInstance struct {
	Event

	IsRecurringInstance bool
	OriginalEventID     string // the master's ID, set on recurring instances
	RecurrenceIndex     int    // zero-based position among emitted occurrences
}

// Instance wraps a plain event for return from expansion.
func Instance(e Event) EventInstance {
	return EventInstance{Event: e}
}
