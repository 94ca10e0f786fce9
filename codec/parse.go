// Package codec converts between iCalendar documents and the engine's
// normalized event types. It is a pure transformation layer with no network
// or storage access.
package codec

import (
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/emersion/go-ical"
)

// ErrInvalidFeedFormat is returned when a document is not a valid iCalendar
// container. Malformed individual events are skipped, not fatal.
var ErrInvalidFeedFormat = errors.New("invalid feed format")

// CandidateEvent is one normalized event parsed from an external feed,
// before any reconciliation against the local store.
type CandidateEvent struct {
	UID         string
	Title       string
	Start       time.Time
	End         time.Time
	Description string
	Location    string
	RRule       string
	ExDates     []time.Time
	AllDay      bool
}

// Parser parses iCalendar documents into candidate events.
type Parser struct {
	logger *slog.Logger
}

// NewParser creates a Parser. A nil logger discards output.
func NewParser(logger *slog.Logger) *Parser {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Parser{logger: logger}
}

// Parse decodes an iCalendar document into candidate events. The whole call
// fails only when the document is not a valid calendar container; events
// missing a start time are dropped with a warning and otherwise malformed
// events are skipped.
func (p *Parser) Parse(document string) ([]CandidateEvent, error) {
	cal, err := ical.NewDecoder(strings.NewReader(document)).Decode()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFeedFormat, err)
	}

	var candidates []CandidateEvent
	index := 0
	for _, comp := range cal.Children {
		if comp.Name != ical.CompEvent {
			continue
		}

		candidate, ok := p.parseEvent(comp, index)
		if !ok {
			continue
		}
		candidates = append(candidates, candidate)
		index++
	}

	return candidates, nil
}

// Parse is a convenience wrapper using a discard logger.
func Parse(document string) ([]CandidateEvent, error) {
	return NewParser(nil).Parse(document)
}

func (p *Parser) parseEvent(comp *ical.Component, index int) (CandidateEvent, bool) {
	var c CandidateEvent

	startProp := comp.Props.Get(ical.PropDateTimeStart)
	if startProp == nil {
		p.logger.Warn("dropping event without start time",
			"uid", propValue(comp, ical.PropUID))
		return c, false
	}

	start, err := comp.Props.DateTime(ical.PropDateTimeStart, nil)
	if err != nil {
		p.logger.Warn("dropping event with unparseable start time",
			"uid", propValue(comp, ical.PropUID), "err", err)
		return c, false
	}
	c.Start = start
	c.AllDay = isDateOnly(startProp)

	if endProp := comp.Props.Get(ical.PropDateTimeEnd); endProp != nil {
		if end, err := comp.Props.DateTime(ical.PropDateTimeEnd, nil); err == nil {
			c.End = end
		}
	}
	if c.End.IsZero() {
		// Synthesize a missing end: a day for all-day events, an hour
		// for timed ones.
		if c.AllDay {
			c.End = c.Start.Add(24 * time.Hour)
		} else {
			c.End = c.Start.Add(time.Hour)
		}
	}

	c.Title = propValue(comp, ical.PropSummary)
	c.Description = propValue(comp, ical.PropDescription)
	c.Location = propValue(comp, ical.PropLocation)
	c.RRule = propValue(comp, ical.PropRecurrenceRule)
	c.ExDates = parseExceptionDates(comp)

	c.UID = propValue(comp, ical.PropUID)
	if c.UID == "" {
		// No external identity to reconcile against; synthesize a uid
		// that is stable across repeated parses of the same document.
		c.UID = synthesizeUID(c, index)
	}

	return c, true
}

// synthesizeUID derives a uid from the event's own content plus its
// position, so re-parsing the same document yields the same uid.
func synthesizeUID(c CandidateEvent, index int) string {
	hash := sha1.Sum([]byte(fmt.Sprintf("%s|%s|%s|%d",
		c.Title, c.Start.UTC().Format(time.RFC3339), c.End.UTC().Format(time.RFC3339), index)))
	return hex.EncodeToString(hash[:]) + "@calsync"
}

func propValue(comp *ical.Component, name string) string {
	if prop := comp.Props.Get(name); prop != nil {
		return prop.Value
	}
	return ""
}

// isDateOnly reports whether a DTSTART property carries a date-only value,
// either via VALUE=DATE or by the absence of a time component.
func isDateOnly(prop *ical.Prop) bool {
	if v := prop.Params.Get(ical.ParamValue); strings.EqualFold(v, "DATE") {
		return true
	}
	return !strings.Contains(prop.Value, "T")
}

// parseExceptionDates collects EXDATE values across all EXDATE properties.
func parseExceptionDates(comp *ical.Component) []time.Time {
	var exdates []time.Time
	for _, prop := range comp.Props[ical.PropExceptionDates] {
		for _, raw := range strings.Split(prop.Value, ",") {
			raw = strings.TrimSpace(raw)
			if raw == "" {
				continue
			}
			if t, err := parseICalTime(raw); err == nil {
				exdates = append(exdates, t)
			}
		}
	}
	return exdates
}

// parseICalTime parses the basic iCalendar DATE-TIME and DATE forms.
func parseICalTime(v string) (time.Time, error) {
	if strings.HasSuffix(v, "Z") {
		return time.Parse("20060102T150405Z", v)
	}
	if strings.Contains(v, "T") {
		return time.ParseInLocation("20060102T150405", v, time.UTC)
	}
	return time.ParseInLocation("20060102", v, time.UTC)
}
