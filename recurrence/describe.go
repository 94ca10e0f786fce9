package recurrence

import (
	"fmt"
	"strings"

	"github.com/teambition/rrule-go"
)

// describeFallback is returned when a rule cannot be parsed; the UI shows it
// instead of an error.
const describeFallback = "custom recurrence"

var frequencyUnits = map[rrule.Frequency]string{
	rrule.YEARLY:   "year",
	rrule.MONTHLY:  "month",
	rrule.WEEKLY:   "week",
	rrule.DAILY:    "day",
	rrule.HOURLY:   "hour",
	rrule.MINUTELY: "minute",
	rrule.SECONDLY: "second",
}

var weekdayNames = map[string]string{
	"MO": "Monday",
	"TU": "Tuesday",
	"WE": "Wednesday",
	"TH": "Thursday",
	"FR": "Friday",
	"SA": "Saturday",
	"SU": "Sunday",
}

// Describe implements RuleEngine.
func (e *Engine) Describe(rule string) string {
	opt, err := rrule.StrToROption(normalizeRule(rule))
	if err != nil {
		return describeFallback
	}

	unit, ok := frequencyUnits[opt.Freq]
	if !ok {
		return describeFallback
	}

	var b strings.Builder
	if opt.Interval > 1 {
		fmt.Fprintf(&b, "every %d %ss", opt.Interval, unit)
	} else {
		fmt.Fprintf(&b, "every %s", unit)
	}

	if len(opt.Byweekday) > 0 {
		names := make([]string, 0, len(opt.Byweekday))
		for _, wd := range opt.Byweekday {
			if name, ok := weekdayNames[wd.String()]; ok {
				names = append(names, name)
			}
		}
		if len(names) > 0 {
			b.WriteString(" on " + strings.Join(names, ", "))
		}
	}

	if len(opt.Bymonthday) > 0 {
		days := make([]string, 0, len(opt.Bymonthday))
		for _, d := range opt.Bymonthday {
			days = append(days, fmt.Sprintf("%d", d))
		}
		b.WriteString(" on day " + strings.Join(days, ", "))
	}

	if opt.Count > 0 {
		fmt.Fprintf(&b, ", %d times", opt.Count)
	} else if !opt.Until.IsZero() {
		fmt.Fprintf(&b, ", until %s", opt.Until.Format("Jan 2, 2006"))
	}

	return b.String()
}
