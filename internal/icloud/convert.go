package icloud

import (
	"cmp"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"calembed/internal/models"

	"github.com/emersion/go-ical"
	"github.com/teambition/rrule-go"
)

const (
	instanceLayout       = "20060102T150405Z"
	allDayInstanceLayout = "20060102"
)

// instance is one concrete occurrence of a VEVENT.
type instance struct {
	id           string
	title        string
	description  string
	location     string
	participants []string
	start        time.Time
	end          time.Time
	allDay       bool
}

func (i instance) toEvent(calendarName string) *models.Event {
	return &models.Event{
		ID:           i.id,
		Title:        i.title,
		Description:  i.description,
		Location:     i.location,
		Participants: i.participants,
		Calendar:     ProviderName,
		CalendarType: calendarName,
		StartTS:      formatTS(i.start, i.allDay),
		EndTS:        formatTS(i.end, i.allDay),
	}
}

// formatTS keeps a timed value in its own zone and pins a date to midnight UTC.
func formatTS(t time.Time, allDay bool) string {
	if t.IsZero() {
		return ""
	}
	if allDay {
		return t.Format(time.DateOnly) + "T00:00:00Z"
	}
	return t.Format(time.RFC3339)
}

// expandCalendar turns the VEVENTs of one calendar object into instances that overlap
// window. Recurring masters are expanded; RECURRENCE-ID overrides replace the occurrence
// they name, even when the override itself moved out of the window.
func expandCalendar(cal *ical.Calendar, window models.FetchOptions) ([]instance, error) {
	var masters []ical.Event
	var out []instance
	overridden := make(map[string]bool)

	for _, ev := range cal.Events() {
		if ev.Props.Get(ical.PropRecurrenceID) == nil {
			masters = append(masters, ev)
			continue
		}
		base, err := baseInstance(ev)
		if err != nil {
			return nil, err
		}
		recurrenceID, err := ev.Props.DateTime(ical.PropRecurrenceID, time.UTC)
		if err != nil {
			return nil, fmt.Errorf("invalid RECURRENCE-ID: %w", err)
		}
		key := instanceID(base.id, recurrenceID, base.allDay)
		overridden[key] = true
		base.id = key
		if overlaps(base.start, base.end, window) {
			out = append(out, base)
		}
	}

	for _, ev := range masters {
		base, err := baseInstance(ev)
		if err != nil {
			return nil, err
		}
		set, err := ev.RecurrenceSet(time.UTC)
		if err != nil {
			return nil, fmt.Errorf("invalid recurrence for %s: %w", base.id, err)
		}
		if set == nil {
			if overlaps(base.start, base.end, window) {
				out = append(out, base)
			}
			continue
		}

		duration := base.end.Sub(base.start)
		for _, start := range occurrences(set, window.TimeMin.Add(-duration), window.TimeMax) {
			id := instanceID(base.id, start, base.allDay)
			if overridden[id] || !overlaps(start, start.Add(duration), window) {
				continue
			}
			inst := base
			inst.id = id
			inst.start = start
			inst.end = start.Add(duration)
			out = append(out, inst)
		}
	}

	return out, nil
}

// occurrences lists the starts of set that fall inside [from, to].
func occurrences(set *rrule.Set, from, to time.Time) []time.Time {
	return set.Between(from, to, true)
}

// overlaps reports whether [start, end) intersects [TimeMin, TimeMax). An instance
// without duration counts when its start lies in the window.
func overlaps(start, end time.Time, window models.FetchOptions) bool {
	if !start.Before(window.TimeMax) {
		return false
	}
	if !end.After(start) {
		return !start.Before(window.TimeMin)
	}
	return end.After(window.TimeMin)
}

// baseInstance maps the non-recurring fields of a VEVENT.
func baseInstance(ev ical.Event) (instance, error) {
	uid, _ := ev.Props.Text(ical.PropUID)
	if uid == "" {
		return instance{}, errors.New("VEVENT without UID")
	}

	inst := instance{
		id:           uid,
		title:        textProp(ev, ical.PropSummary),
		description:  textProp(ev, ical.PropDescription),
		location:     textProp(ev, ical.PropLocation),
		participants: attendees(ev),
	}

	if prop := ev.Props.Get(ical.PropDateTimeStart); prop != nil {
		inst.allDay = prop.ValueType() == ical.ValueDate
	}
	if start, err := ev.DateTimeStart(time.UTC); err == nil {
		inst.start = start
	}
	if end, err := ev.DateTimeEnd(time.UTC); err == nil {
		inst.end = end
	}
	return inst, nil
}

func textProp(ev ical.Event, name string) string {
	s, err := ev.Props.Text(name)
	if err != nil {
		return ""
	}
	return s
}

// attendees resolves each ATTENDEE to its address, else its CN; empties are dropped.
func attendees(ev ical.Event) []string {
	props := ev.Props.Values(ical.PropAttendee)
	out := make([]string, 0, len(props))
	for _, p := range props {
		name := p.Value
		if len(name) >= len("mailto:") && strings.EqualFold(name[:len("mailto:")], "mailto:") {
			name = name[len("mailto:"):]
		}
		if name == "" {
			name = p.Params.Get(ical.ParamCommonName)
		}
		if name != "" {
			out = append(out, name)
		}
	}
	return out
}

func instanceID(uid string, start time.Time, allDay bool) string {
	if allDay {
		return uid + "_" + start.Format(allDayInstanceLayout)
	}
	return uid + "_" + start.UTC().Format(instanceLayout)
}

func sortInstances(instances []instance) {
	slices.SortStableFunc(instances, func(a, b instance) int {
		if c := a.start.Compare(b.start); c != 0 {
			return c
		}
		return cmp.Compare(a.id, b.id)
	})
}
