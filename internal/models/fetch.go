package models

import "time"

const (
	DefaultLookback   = 7 * 24 * time.Hour
	DefaultHorizon    = 180 * 24 * time.Hour
	DefaultMaxResults = 2500
)

// FetchOptions bounds a single provider fetch.
// Zero values are replaced by the defaults in WithDefaults.
type FetchOptions struct {
	TimeMin    time.Time
	TimeMax    time.Time
	MaxResults int // upper bound on events yielded by one fetch
}

// WithDefaults fills unset fields relative to now: the window runs from
// now minus seven days to now plus 180 days, capped at 2500 events.
func (o FetchOptions) WithDefaults(now time.Time) FetchOptions {
	if o.TimeMin.IsZero() {
		o.TimeMin = now.Add(-DefaultLookback)
	}
	if o.TimeMax.IsZero() {
		o.TimeMax = now.Add(DefaultHorizon)
	}
	if o.MaxResults <= 0 {
		o.MaxResults = DefaultMaxResults
	}
	return o
}
