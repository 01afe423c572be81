package antfetch

import (
	"time"

	"github.com/apex/log"
)

// FetchKind describes why a fetch was made.
type FetchKind string

// All fetch kinds.
const (
	FetchRobots   FetchKind = "ROBOTS"
	FetchStandard FetchKind = "URL"
	FetchLogin    FetchKind = "LOGIN"
)

// Activity represents a finished fetch.
type Activity struct {
	Start    time.Time
	Duration time.Duration
	Kind     FetchKind
	Bytes    int64
	URL      string

	// Status is the response status code,
	// or 0 when no response was received.
	Status int

	// Err is the fetch error, if any.
	Err error
}

// ActivityLogger records fetch activity.
type ActivityLogger interface {
	// RecordActivity records a fetch.
	//
	// The method is called once per fetch, from DoneFetch.
	RecordActivity(a Activity)
}

// ActivityFunc adapts a function to an activity logger.
type ActivityFunc func(a Activity)

// RecordActivity implementation.
func (f ActivityFunc) RecordActivity(a Activity) {
	f(a)
}

// LogActivity returns an activity logger that writes
// every fetch to l at info level.
func LogActivity(l log.Interface) ActivityLogger {
	return ActivityFunc(func(a Activity) {
		fields(l, a).Info("activity")
	})
}

// Fields returns a log entry with the activity's fields.
func fields(l log.Interface, a Activity) *log.Entry {
	var entry = l.WithFields(log.Fields{
		"kind":     a.Kind,
		"url":      a.URL,
		"start":    a.Start,
		"duration": a.Duration,
		"status":   a.Status,
		"bytes":    a.Bytes,
	})

	if a.Err != nil {
		entry = entry.WithError(a.Err)
	}

	return entry
}
