package watermarks

import (
	"time"

	"github.com/reyer3/Pulso-Back-sub000/go/sink"
)

// Status enumerates the lifecycle states of a watermark row.
type Status string

const (
	StatusSuccess Status = "success"
	StatusRunning Status = "running"
	StatusFailed  Status = "failed"
	StatusReset   Status = "reset"
)

// Terminal is true for states a finished extraction may record.
func (s Status) Terminal() bool {
	return s == StatusSuccess || s == StatusFailed
}

// Record is one watermark row: the durable extraction state of a single
// table (or campaign, which shares the same table under a prefixed key).
type Record struct {
	TableName        string
	LastExtractedAt  *time.Time
	Status           Status
	RecordsExtracted int64
	DurationSeconds  *float64
	ExtractionID     string
	ErrorMessage     string
	Metadata         map[string]interface{}
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// HasWatermark is true when the record carries a usable incremental
// watermark: only successful or explicitly reset rows do.
func (r *Record) HasWatermark() bool {
	return r != nil && r.LastExtractedAt != nil &&
		(r.Status == StatusSuccess || r.Status == StatusReset)
}

// Totals condenses a set of watermark records for status displays.
type Totals struct {
	ByStatus           map[Status]int
	Records            int64
	AvgDurationSeconds float64
	LastActivity       *time.Time
}

// Aggregate folds records into Totals. The average only counts rows that
// recorded a duration; last activity is the newest update across all rows.
func Aggregate(records []Record) Totals {
	var t = Totals{ByStatus: make(map[Status]int, 4)}
	var timed int
	var sum float64
	for i := range records {
		var r = &records[i]
		t.ByStatus[r.Status]++
		t.Records += r.RecordsExtracted
		if r.DurationSeconds != nil {
			timed++
			sum += *r.DurationSeconds
		}
		if t.LastActivity == nil || r.UpdatedAt.After(*t.LastActivity) {
			var u = r.UpdatedAt
			t.LastActivity = &u
		}
	}
	if timed > 0 {
		t.AvgDurationSeconds = sum / float64(timed)
	}
	return t
}

// DefaultSchema is where the watermark table lives on dialects with schemas.
const DefaultSchema = "public"

// TableName is the single table backing the store.
const TableName = "etl_watermarks"

// WatermarksTable describes the backing table for DDL generation.
func WatermarksTable(schema string) *sink.Table {
	return &sink.Table{
		Schema:  schema,
		Name:    TableName,
		Comment: "Extraction state, one row per source table or campaign.",
		Columns: []sink.Column{
			{Name: "table_name", PrimaryKey: true, Type: sink.STRING, NotNull: true},
			{Name: "last_extracted_at", Type: sink.TIMESTAMP},
			{Name: "last_extraction_status", Type: sink.STRING, NotNull: true, Default: "'running'"},
			{Name: "records_extracted", Type: sink.INTEGER, NotNull: true, Default: "0"},
			{Name: "duration_seconds", Type: sink.NUMBER},
			{Name: "extraction_id", Type: sink.STRING},
			{Name: "error_message", Type: sink.STRING},
			{Name: "metadata", Type: sink.JSON, NotNull: true, Default: "'{}'"},
			{Name: "created_at", Type: sink.TIMESTAMP, NotNull: true, DefaultNow: true},
			{Name: "updated_at", Type: sink.TIMESTAMP, NotNull: true, DefaultNow: true},
		},
	}
}

// Indexes returns the secondary indexes the store relies on: status scans for
// the reaper, recency scans for status listings.
func Indexes() []sink.Index {
	return []sink.Index{
		{Name: "idx_etl_watermarks_status", Columns: []string{"last_extraction_status"}},
		{Name: "idx_etl_watermarks_extracted_at", Columns: []string{"last_extracted_at"}, Descending: true},
		{Name: "idx_etl_watermarks_updated_at", Columns: []string{"updated_at"}, Descending: true},
	}
}
