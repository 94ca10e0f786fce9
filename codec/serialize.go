package codec

import (
	"fmt"
	"strings"
	"time"

	"github.com/emersion/go-ical"

	"github.com/example/calsync/model"
)

const productID = "-//calsync//calendar feed engine//EN"

const (
	dateTimeLayout = "20060102T150405Z"
	dateLayout     = "20060102"
)

// EventUID returns the stable uid an event is exported under: its external
// identity when it has one, otherwise a uid derived from the local id.
func EventUID(e model.Event) string {
	if e.SourceUID != "" {
		return e.SourceUID
	}
	return e.ID + "@calsync"
}

// Serialize produces a single iCalendar document with one VEVENT per input
// event. Round-trip law: Parse(Serialize(events)) reproduces uid, title,
// start, end and rrule for every event.
func Serialize(events []model.Event) (string, error) {
	cal := ical.NewCalendar()
	cal.Props.SetText(ical.PropVersion, "2.0")
	cal.Props.SetText(ical.PropProductID, productID)

	for _, e := range events {
		cal.Children = append(cal.Children, eventComponent(e))
	}

	var buf strings.Builder
	if err := ical.NewEncoder(&buf).Encode(cal); err != nil {
		return "", fmt.Errorf("encode calendar: %w", err)
	}
	return buf.String(), nil
}

func eventComponent(e model.Event) *ical.Component {
	ev := ical.NewEvent()
	ev.Props.SetText(ical.PropUID, EventUID(e))
	ev.Props.SetDateTime(ical.PropDateTimeStamp, time.Now().UTC())

	ev.Props.Set(timeProp(ical.PropDateTimeStart, e.Start, e.AllDay))
	ev.Props.Set(timeProp(ical.PropDateTimeEnd, e.End, e.AllDay))

	ev.Props.SetText(ical.PropSummary, e.Title)
	if e.Description != "" {
		ev.Props.SetText(ical.PropDescription, e.Description)
	}
	if e.Location != "" {
		ev.Props.SetText(ical.PropLocation, e.Location)
	}

	if e.RRule != "" {
		// The rule string is carried verbatim; consumers parse it with
		// their own recurrence machinery.
		rule := ical.NewProp(ical.PropRecurrenceRule)
		rule.Value = strings.TrimPrefix(e.RRule, "RRULE:")
		ev.Props.Set(rule)
	}
	if len(e.ExDates) > 0 {
		values := make([]string, 0, len(e.ExDates))
		for _, ex := range e.ExDates {
			values = append(values, ex.UTC().Format(dateTimeLayout))
		}
		exdate := ical.NewProp(ical.PropExceptionDates)
		exdate.Value = strings.Join(values, ",")
		ev.Props.Set(exdate)
	}

	return ev.Component
}

// timeProp builds a DTSTART/DTEND property, using a DATE value for all-day
// events and a UTC DATE-TIME otherwise.
func timeProp(name string, t time.Time, allDay bool) *ical.Prop {
	prop := ical.NewProp(name)
	if allDay {
		prop.SetValueType(ical.ValueDate)
		prop.Value = t.UTC().Format(dateLayout)
	} else {
		prop.Value = t.UTC().Format(dateTimeLayout)
	}
	return prop
}
