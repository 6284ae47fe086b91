package runtime

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/reyer3/Pulso-Back-sub000/go/sink"
)

// ExecLogTableName is the append-only audit trail of engine activity.
const ExecLogTableName = "etl_execution_log"

// An Entry is one audit row: a table run, a campaign run, or a whole sweep.
type Entry struct {
	Time            time.Time              `json:"ts"`
	Scope           string                 `json:"scope"`
	Name            string                 `json:"name"`
	Status          string                 `json:"status"`
	Records         int64                  `json:"records"`
	DurationSeconds float64                `json:"duration_seconds"`
	Error           string                 `json:"error,omitempty"`
	ExtractionID    string                 `json:"extraction_id,omitempty"`
	Details         map[string]interface{} `json:"details,omitempty"`
}

// ExecLog appends engine activity to the execution-log table. A nil ExecLog
// is valid and records nothing, so callers never guard their Record calls.
type ExecLog struct {
	ep        *sink.Endpoint
	table     *sink.Table
	insertSQL string
	tailSQL   string

	now func() time.Time
}

// ExecLogTable describes the backing table for DDL generation. The log has
// no key: it is append-only and rows are never updated.
func ExecLogTable(schema string) *sink.Table {
	return &sink.Table{
		Schema:  schema,
		Name:    ExecLogTableName,
		Comment: "Append-only audit trail of table runs, campaign runs and sweeps.",
		Columns: []sink.Column{
			{Name: "ts", Type: sink.TIMESTAMP, NotNull: true, DefaultNow: true},
			{Name: "scope", Type: sink.STRING, NotNull: true},
			{Name: "name", Type: sink.STRING, NotNull: true},
			{Name: "status", Type: sink.STRING, NotNull: true},
			{Name: "records", Type: sink.INTEGER, NotNull: true, Default: "0"},
			{Name: "duration_seconds", Type: sink.NUMBER},
			{Name: "error_message", Type: sink.STRING},
			{Name: "extraction_id", Type: sink.STRING},
			{Name: "details", Type: sink.JSON, NotNull: true, Default: "'{}'"},
		},
	}
}

// NewExecLog builds an ExecLog over the sink endpoint. The backing table
// lives in the public schema on dialects that have schemas.
func NewExecLog(ep *sink.Endpoint) *ExecLog {
	var schema string
	if ep.Generator.SchemasSupported {
		schema = "public"
	}
	var l = &ExecLog{
		ep:    ep,
		table: ExecLogTable(schema),
		now:   time.Now,
	}

	var t = ep.Generator.QualifiedIdentifier(l.table)
	var p = ep.Generator.Placeholder
	var columns = `"ts", "scope", "name", "status", "records", "duration_seconds", "error_message", "extraction_id", "details"`

	l.insertSQL = fmt.Sprintf(`INSERT INTO %s (%s) VALUES (%s, %s, %s, %s, %s, %s, %s, %s, %s);`,
		t, columns, p(0), p(1), p(2), p(3), p(4), p(5), p(6), p(7), p(8))
	l.tailSQL = fmt.Sprintf(`SELECT %s FROM %s ORDER BY "ts" DESC LIMIT %s;`, columns, t, p(0))

	return l
}

// EnsureTable creates the execution-log table and its recency index if absent.
func (l *ExecLog) EnsureTable(ctx context.Context) error {
	return l.ep.EnsureTable(ctx, l.table, sink.Index{
		Name:       "idx_etl_execution_log_ts",
		Columns:    []string{"ts"},
		Descending: true,
	})
}

// Record appends one entry. Logging failures are warned and swallowed: the
// audit trail must never fail the work it describes.
func (l *ExecLog) Record(ctx context.Context, e Entry) {
	if l == nil {
		return
	}
	if e.Time.IsZero() {
		e.Time = l.now().UTC()
	}

	var details = "{}"
	if len(e.Details) > 0 {
		if raw, err := json.Marshal(e.Details); err == nil {
			details = string(raw)
		} else {
			log.WithFields(log.Fields{
				"scope": e.Scope,
				"name":  e.Name,
				"error": err,
			}).Warn("failed to encode execution-log details")
		}
	}

	var _, err = l.ep.DB.ExecContext(ctx, l.insertSQL,
		e.Time.UTC(),
		e.Scope,
		e.Name,
		e.Status,
		e.Records,
		e.DurationSeconds,
		nullIfEmpty(e.Error),
		nullIfEmpty(e.ExtractionID),
		details,
	)
	if err != nil {
		log.WithFields(log.Fields{
			"scope": e.Scope,
			"name":  e.Name,
			"error": err,
		}).Warn("failed to append to the execution log")
	}
}

// Tail returns the most recent entries, newest first.
func (l *ExecLog) Tail(ctx context.Context, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = 20
	}
	var rows, err = l.ep.DB.QueryContext(ctx, l.tailSQL, limit)
	if err != nil {
		return nil, fmt.Errorf("reading execution log: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var duration sql.NullFloat64
		var errorMessage, extractionID sql.NullString
		var details string

		if err = rows.Scan(&e.Time, &e.Scope, &e.Name, &e.Status, &e.Records,
			&duration, &errorMessage, &extractionID, &details); err != nil {
			return nil, fmt.Errorf("scanning execution log row: %w", err)
		}
		e.Time = e.Time.UTC()
		e.DurationSeconds = duration.Float64
		e.Error = errorMessage.String
		e.ExtractionID = extractionID.String
		if details != "" && details != "{}" {
			if err = json.Unmarshal([]byte(details), &e.Details); err != nil {
				return nil, fmt.Errorf("decoding execution log details: %w", err)
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
