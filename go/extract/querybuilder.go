package extract

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/reyer3/Pulso-Back-sub000/go/calendar"
	"github.com/reyer3/Pulso-Back-sub000/go/catalog"
)

// FilterPlaceholder marks where a template receives its time predicate.
// Templates of incremental tables must contain it exactly once.
const FilterPlaceholder = "{incremental_filter}"

// fullFilter is the predicate of a full refresh.
const fullFilter = "1=1"

const dateLayout = "2006-01-02"

// A Builder renders extraction queries from catalog templates. Every value
// it interpolates originates in the catalog or the campaign calendar, never
// from user input; if that ever changes the predicate must move to
// driver-level parameters.
type Builder struct {
	loader    *Loader
	projectID string
	datasetID string
}

// NewBuilder returns a Builder reading templates through loader and
// targeting the given warehouse project and dataset.
func NewBuilder(loader *Loader, projectID, datasetID string) *Builder {
	return &Builder{loader: loader, projectID: projectID, datasetID: datasetID}
}

// BuildInput carries the resolved extraction context for one table run.
type BuildInput struct {
	// Strategy already resolved by the selector; never StrategyAuto here.
	Strategy Strategy
	// Campaign bounding the extraction, or nil.
	Campaign *calendar.Campaign
	// Watermark of the last successful extraction, or nil.
	Watermark *time.Time
	// ForceFull ignores strategy and window and extracts everything.
	ForceFull bool
	// Today anchors open-ended windows; zero means the current UTC day.
	Today time.Time
}

// Query is a rendered extraction query.
type Query struct {
	// SQL ready to submit to the warehouse.
	SQL string
	// Filter substituted for the placeholder, kept for logging.
	Filter string
	// Window is the date range the filter spans, nil on full refresh.
	Window *catalog.DateRange
}

// Build renders the extraction query for a table.
func (b *Builder) Build(ctx context.Context, tbl catalog.Table, in BuildInput) (Query, error) {
	var tmpl, err = b.loader.Load(ctx, tbl.Template)
	if err != nil {
		return Query{}, fmt.Errorf("loading template for %s: %w", tbl.Name, err)
	}
	if tbl.Mode == catalog.ModeIncremental && !strings.Contains(tmpl, FilterPlaceholder) {
		return Query{}, fmt.Errorf("template %s of incremental table %s lacks the %s placeholder",
			tbl.Template, tbl.Name, FilterPlaceholder)
	}

	var filter, window = buildFilter(tbl, in)
	var archivo string
	if in.Campaign != nil {
		archivo = in.Campaign.Archivo
	}

	var sql = strings.NewReplacer(
		FilterPlaceholder, filter,
		"{project_id}", b.projectID,
		"{dataset_id}", b.datasetID,
		"{source_table}", tbl.Source,
		"{campaign_archivo}", archivo,
	).Replace(tmpl)

	return Query{SQL: sql, Filter: filter, Window: window}, nil
}

// buildFilter produces the time predicate for a table under the resolved
// strategy, and the date window it spans.
func buildFilter(tbl catalog.Table, in BuildInput) (string, *catalog.DateRange) {
	var today = in.Today
	if today.IsZero() {
		today = time.Now().UTC()
	}

	if in.ForceFull || tbl.Mode == catalog.ModeFull {
		return fullFilter, nil
	}

	switch {
	case in.Strategy == StrategyWatermark && in.Watermark != nil:
		var start = calendar.Day(*in.Watermark).AddDate(0, 0, -tbl.LookbackDays)
		var window = catalog.DateRange{Start: start, End: calendar.Day(today)}
		// The lookback re-reads rows behind the watermark to absorb
		// late-arriving updates.
		var filter = fmt.Sprintf("DATE(%s) BETWEEN DATE_SUB(DATE '%s', INTERVAL %d DAY) AND CURRENT_DATE()",
			tbl.IncrementalColumn,
			calendar.Day(*in.Watermark).Format(dateLayout),
			tbl.LookbackDays)
		return filter, &window

	case in.Strategy == StrategyWatermark && in.Campaign != nil:
		// No watermark yet: bound by the campaign's exact operating window.
		var window = tbl.Window.Exact(in.Campaign, today)
		return windowFilter(tbl, in.Campaign, window), &window

	case in.Strategy == StrategyCalendar && in.Campaign != nil:
		var window = tbl.Window.Range(in.Campaign, today)
		return windowFilter(tbl, in.Campaign, window), &window

	default:
		// Nothing to bound by: bootstrap with a full read.
		return fullFilter, nil
	}
}

// windowFilter renders a date-window predicate, OR-ing in the family's
// archive clause when it has one so late-bound rows of the campaign's own
// file are never missed.
func windowFilter(tbl catalog.Table, c *calendar.Campaign, window catalog.DateRange) string {
	var base = fmt.Sprintf("DATE(%s) BETWEEN DATE '%s' AND DATE '%s'",
		tbl.CalendarColumn(),
		window.Start.Format(dateLayout),
		window.End.Format(dateLayout))

	var af = tbl.Window.ArchiveFilter(c)
	if af == nil {
		return base
	}
	if af.Like {
		return fmt.Sprintf("(%s OR %s LIKE %s)", base, af.Column, quoteLiteral(af.Value+"%"))
	}
	return fmt.Sprintf("(%s OR %s = %s)", base, af.Column, quoteLiteral(af.Value))
}

// quoteLiteral renders a warehouse string literal. The source dialect
// escapes with backslashes, not doubled quotes.
func quoteLiteral(s string) string {
	var b strings.Builder
	b.WriteByte('\'')
	for _, r := range s {
		switch r {
		case '\\', '\'':
			b.WriteByte('\\')
			b.WriteRune(r)
		case '\n':
			b.WriteString(`\n`)
		default:
			b.WriteRune(r)
		}
	}
	b.WriteByte('\'')
	return b.String()
}
