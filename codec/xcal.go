package codec

import (
	"time"

	"github.com/beevik/etree"

	"github.com/example/calsync/model"
)

// xCalNamespace is the XML namespace of RFC 6321 (xCal).
const xCalNamespace = "urn:ietf:params:xml:ns:icalendar-2.0"

// SerializeXCal renders events as an xCal (RFC 6321) XML document, the XML
// twin of the iCalendar text format. It carries the same properties the
// text serialization does.
func SerializeXCal(events []model.Event) (string, error) {
	doc := etree.NewDocument()
	doc.CreateProcInst("xml", `version="1.0" encoding="UTF-8"`)

	icalendar := doc.CreateElement("icalendar")
	icalendar.CreateAttr("xmlns", xCalNamespace)

	vcalendar := icalendar.CreateElement("vcalendar")

	props := vcalendar.CreateElement("properties")
	addTextProp(props, "version", "2.0")
	addTextProp(props, "prodid", productID)

	components := vcalendar.CreateElement("components")
	for _, e := range events {
		vevent := components.CreateElement("vevent")
		eventProps := vevent.CreateElement("properties")

		addTextProp(eventProps, "uid", EventUID(e))
		addTextProp(eventProps, "summary", e.Title)
		if e.Description != "" {
			addTextProp(eventProps, "description", e.Description)
		}
		if e.Location != "" {
			addTextProp(eventProps, "location", e.Location)
		}

		addTimeProp(eventProps, "dtstart", e.Start, e.AllDay)
		addTimeProp(eventProps, "dtend", e.End, e.AllDay)

		if e.RRule != "" {
			rrule := eventProps.CreateElement("rrule")
			rrule.CreateElement("text").SetText(e.RRule)
		}
		for _, ex := range e.ExDates {
			exdate := eventProps.CreateElement("exdate")
			exdate.CreateElement("date-time").SetText(ex.UTC().Format(time.RFC3339))
		}
	}

	doc.Indent(2)
	return doc.WriteToString()
}

func addTextProp(parent *etree.Element, name, value string) {
	prop := parent.CreateElement(name)
	prop.CreateElement("text").SetText(value)
}

func addTimeProp(parent *etree.Element, name string, t time.Time, allDay bool) {
	prop := parent.CreateElement(name)
	if allDay {
		prop.CreateElement("date").SetText(t.UTC().Format("2006-01-02"))
	} else {
		prop.CreateElement("date-time").SetText(t.UTC().Format(time.RFC3339))
	}
}
