// Package calendar models debt-collection campaigns and loads them from the
// campaign calendar dimension kept current by its own full-refresh extraction.
package calendar

import (
	"strings"
	"time"
)

// Campaign is one row of the campaign calendar: an assignment file (archivo)
// with its operating window.
type Campaign struct {
	// Archivo is the campaign's assignment file name and natural key,
	// e.g. "ASIG_20250601_TEMPRANA".
	Archivo string
	// OpenDate is the day the campaign began, at UTC midnight.
	OpenDate time.Time
	// CloseDate is the day the campaign ended, or nil while it runs.
	CloseDate *time.Time
	// PortfolioType labels the portfolio (temprana, castigada, ...).
	PortfolioType string
	// State is the calendar's own status label, informational only.
	State string
}

// Basename is the archivo prefix up to the first underscore. Debt files are
// keyed by this stem rather than the full campaign name.
func (c *Campaign) Basename() string {
	if i := strings.Index(c.Archivo, "_"); i > 0 {
		return c.Archivo[:i]
	}
	return c.Archivo
}

// Key is the watermark key under which campaign-level state is stored.
func (c *Campaign) Key() string {
	return "campaign:" + c.Archivo
}

// AgeDays is the number of whole days since the campaign opened.
func (c *Campaign) AgeDays(now time.Time) int {
	return int(Day(now).Sub(Day(c.OpenDate)).Hours() / 24)
}

// IsOpen reports whether the campaign is still operating: it has no close
// date, or its close date has not yet passed.
func (c *Campaign) IsOpen(now time.Time) bool {
	return c.CloseDate == nil || !c.CloseDate.Before(Day(now))
}

// WatermarkValue is the timestamp a successful calendar-strategy extraction
// records: the close date when the campaign has one, else the open date, at
// UTC midnight.
func (c *Campaign) WatermarkValue() time.Time {
	if c.CloseDate != nil {
		return Day(*c.CloseDate)
	}
	return Day(c.OpenDate)
}

// Day truncates a timestamp to its UTC calendar day.
func Day(t time.Time) time.Time {
	var y, m, d = t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}
