package catalog

import (
	"time"

	"github.com/reyer3/Pulso-Back-sub000/go/calendar"
)

// DateRange is an inclusive range of UTC calendar days.
type DateRange struct {
	Start time.Time
	End   time.Time
}

// An ArchiveFilter is an additional predicate OR-ed onto a calendar window,
// matching rows by their source file rather than by date.
type ArchiveFilter struct {
	// Column holding the file name in the source table.
	Column string
	// Like matches by prefix (value + "%") instead of equality.
	Like bool
	// Value is the file name, or the prefix when Like is set.
	Value string
}

// A WindowRule computes the extraction date window a campaign implies for
// one family of tables. Each family encodes its own margins, so adding a
// table never grows a central switch.
type WindowRule interface {
	// Range is the extended extraction window: the campaign's operating
	// period widened by the family's pre/post margins.
	Range(c *calendar.Campaign, today time.Time) DateRange
	// Exact is the campaign's operating period with no margins, used when a
	// watermark-strategy table has no watermark yet.
	Exact(c *calendar.Campaign, today time.Time) DateRange
	// ArchiveFilter is an extra OR-predicate over the source file column, or
	// nil when the family has none.
	ArchiveFilter(c *calendar.Campaign) *ArchiveFilter
}

// closeOr returns the campaign close date, or fallback while it is open.
func closeOr(c *calendar.Campaign, fallback time.Time) time.Time {
	if c.CloseDate != nil {
		return calendar.Day(*c.CloseDate)
	}
	return calendar.Day(fallback)
}

func exactRange(c *calendar.Campaign, today time.Time) DateRange {
	return DateRange{
		Start: calendar.Day(c.OpenDate),
		End:   closeOr(c, today),
	}
}

func marginRange(c *calendar.Campaign, today time.Time, preDays, postDays int) DateRange {
	return DateRange{
		Start: calendar.Day(c.OpenDate).AddDate(0, 0, -preDays),
		End:   closeOr(c, today).AddDate(0, 0, postDays),
	}
}

// AssignmentWindow covers assignment tables: rows may be created up to 30
// days before the campaign opens and trickle in up to 15 days past close,
// and the campaign's own file is always included whatever its dates.
type AssignmentWindow struct{}

func (AssignmentWindow) Range(c *calendar.Campaign, today time.Time) DateRange {
	return marginRange(c, today, 30, 15)
}

func (AssignmentWindow) Exact(c *calendar.Campaign, today time.Time) DateRange {
	return exactRange(c, today)
}

func (AssignmentWindow) ArchiveFilter(c *calendar.Campaign) *ArchiveFilter {
	return &ArchiveFilter{Column: "archivo", Value: c.Archivo}
}

// DebtWindow covers debt snapshots, which carry the campaign's file stem
// rather than its full name: a narrow 7-day pre-window, 30 days of
// post-close refreshes, and a prefix match on the archivo stem.
type DebtWindow struct{}

func (DebtWindow) Range(c *calendar.Campaign, today time.Time) DateRange {
	return marginRange(c, today, 7, 30)
}

func (DebtWindow) Exact(c *calendar.Campaign, today time.Time) DateRange {
	return exactRange(c, today)
}

func (DebtWindow) ArchiveFilter(c *calendar.Campaign) *ArchiveFilter {
	return &ArchiveFilter{Column: "archivo", Like: true, Value: c.Basename()}
}

// PaymentWindow covers payments, which reconcile up to 45 days after the
// campaign closes.
type PaymentWindow struct{}

func (PaymentWindow) Range(c *calendar.Campaign, today time.Time) DateRange {
	return marginRange(c, today, 7, 45)
}

func (PaymentWindow) Exact(c *calendar.Campaign, today time.Time) DateRange {
	return exactRange(c, today)
}

func (PaymentWindow) ArchiveFilter(*calendar.Campaign) *ArchiveFilter { return nil }

// InteractionWindow covers bot and agent interactions, which only exist
// while a campaign operates; open campaigns are bounded at 90 days.
type InteractionWindow struct{}

func (InteractionWindow) Range(c *calendar.Campaign, today time.Time) DateRange {
	var end time.Time
	if c.CloseDate != nil {
		end = calendar.Day(*c.CloseDate)
	} else {
		end = calendar.Day(c.OpenDate).AddDate(0, 0, 90)
	}
	return DateRange{Start: calendar.Day(c.OpenDate), End: end}
}

func (w InteractionWindow) Exact(c *calendar.Campaign, today time.Time) DateRange {
	return w.Range(c, today)
}

func (InteractionWindow) ArchiveFilter(*calendar.Campaign) *ArchiveFilter { return nil }

// DefaultWindow is the fallback for tables without a family of their own:
// a symmetric 15-day margin around the campaign window.
type DefaultWindow struct{}

func (DefaultWindow) Range(c *calendar.Campaign, today time.Time) DateRange {
	return marginRange(c, today, 15, 15)
}

func (DefaultWindow) Exact(c *calendar.Campaign, today time.Time) DateRange {
	return exactRange(c, today)
}

func (DefaultWindow) ArchiveFilter(*calendar.Campaign) *ArchiveFilter { return nil }
