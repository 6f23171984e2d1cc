package models

import (
	"fmt"
	"strings"
)

// Event represents a standard calendar event.
// This is an internal representation, independent of any specific calendar provider.
type Event struct {
	ID           string   // Stable identifier from the source calendar, used as the upsert key
	Title        string   // Summary or title of the event
	Description  string   // Detailed description of the event
	Location     string   // Location of the event
	Participants []string // Attendee emails or display names, in provider order
	Calendar     string   // The provider the event came from (e.g., "google")
	CalendarType string   // The logical calendar within the provider (e.g., "primary")
	StartTS      string   // ISO-8601 start; all-day events end in T00:00:00Z
	EndTS        string   // ISO-8601 end; all-day events end in T00:00:00Z
}

const segmentSeparator = " | "

// Canonicalize renders the event as the text that gets embedded.
// Non-empty segments are joined in a fixed order: title, description,
// location, participants, time. Empty segments are left out.
func Canonicalize(e Event) string {
	parts := make([]string, 0, 5)
	if e.Title != "" {
		parts = append(parts, e.Title)
	}
	if e.Description != "" {
		parts = append(parts, e.Description)
	}
	if e.Location != "" {
		parts = append(parts, "Location: "+e.Location)
	}
	if len(e.Participants) > 0 {
		parts = append(parts, "Participants: "+strings.Join(e.Participants, ", "))
	}
	if e.StartTS != "" && e.EndTS != "" {
		parts = append(parts, fmt.Sprintf("Time: %s – %s", e.StartTS, e.EndTS))
	}
	return strings.Join(parts, segmentSeparator)
}

// String returns the canonical text of the event.
func (e Event) String() string {
	return Canonicalize(e)
}

// FromRow rebuilds an Event from a stored embedding row.
// Columns that are missing or of an unexpected type are left empty.
func FromRow(row map[string]any) Event {
	return Event{
		ID:           stringValue(row["id"]),
		Title:        stringValue(row["title"]),
		Description:  stringValue(row["description"]),
		Location:     stringValue(row["location"]),
		Participants: stringsValue(row["participants"]),
		Calendar:     stringValue(row["source"]),
		CalendarType: stringValue(row["calendar_name"]),
		StartTS:      stringValue(row["start_ts"]),
		EndTS:        stringValue(row["end_ts"]),
	}
}

func stringValue(v any) string {
	s, _ := v.(string)
	return s
}

func stringsValue(v any) []string {
	switch t := v.(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return []string{}
	}
}
