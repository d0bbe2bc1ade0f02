// Package plans drives the date-windowed plan stream: select the manifest
// entries whose covered days intersect the requested window, fetch each
// entry's data file once, and load plan parents plus their attachment
// details with pending-fetch bookkeeping.
package plans

import (
	"encoding/json"
	"regexp"
	"strings"
	"time"

	"torgi/internal/flatten"
)

// Detail bookkeeping column names and fetch_status values. The document
// classifier drains rows the controller marked pending.
const (
	StatusColumn    = "fetch_status"
	FetchedAtColumn = "fetched_at"

	StatusPending = "pending"
	StatusFetched = "fetched"
	StatusRetry   = "retry"
)

// Window is an inclusive UTC day range.
type Window struct {
	From time.Time
	To   time.Time
}

// NewWindow computes the lookback window ending on now's UTC day: days=1
// covers just today, days=7 covers today and the six days before it.
func NewWindow(now time.Time, days int) Window {
	if days < 1 {
		days = 1
	}
	day := now.UTC().Truncate(24 * time.Hour)
	return Window{From: day.AddDate(0, 0, -(days - 1)), To: day}
}

// Intersects reports whether the inclusive day range [from, to] overlaps
// the window.
func (w Window) Intersects(from, to time.Time) bool {
	return !to.Before(w.From) && !from.After(w.To)
}

// sourceRangeRE matches the covered range the portal encodes in data file
// names, e.g. data-20240501T0000-20240502T0000.
var sourceRangeRE = regexp.MustCompile(`data-(\d{8})T\d{4}-(\d{8})T\d{4}`)

const dayLayout = "20060102"

var createdLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// EntryRange derives the inclusive day range a manifest entry covers,
// preferring the range encoded in its source URL and falling back to the
// entry's created date. ok is false when neither yields a date.
func EntryRange(rec flatten.Record) (from, to time.Time, ok bool) {
	if m := sourceRangeRE.FindStringSubmatch(stringField(rec, "source")); m != nil {
		f, errF := time.ParseInLocation(dayLayout, m[1], time.UTC)
		u, errU := time.ParseInLocation(dayLayout, m[2], time.UTC)
		if errF == nil && errU == nil {
			// The file name's upper bound is the midnight after the last
			// covered day.
			last := u.AddDate(0, 0, -1)
			if last.Before(f) {
				last = f
			}
			return f, last, true
		}
	}
	if c := stringField(rec, "created"); c != "" {
		for _, layout := range createdLayouts {
			if t, err := time.Parse(layout, c); err == nil {
				day := t.UTC().Truncate(24 * time.Hour)
				return day, day, true
			}
		}
	}
	return time.Time{}, time.Time{}, false
}

func stringField(rec flatten.Record, key string) string {
	switch t := rec[key].(type) {
	case string:
		return strings.TrimSpace(t)
	case json.Number:
		return t.String()
	}
	return ""
}
