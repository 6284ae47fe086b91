package watermarks

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	jsonpatch "github.com/evanphx/json-patch/v5"
	log "github.com/sirupsen/logrus"

	"github.com/reyer3/Pulso-Back-sub000/go/sink"
)

// Store reads and writes watermark rows. Every write is a single keyed
// statement, so concurrent extractions of distinct tables never interfere.
type Store struct {
	ep    *sink.Endpoint
	table *sink.Table

	startSQL    string
	completeSQL string
	getSQL      string
	metaSQL     string
	resetSQL    string
	reapSQL     string
	summarySQL  string

	now func() time.Time
}

// Completion carries the terminal state of one extraction. A nil Watermark
// leaves the stored watermark untouched, which is how failed runs complete.
type Completion struct {
	Watermark       *time.Time
	Status          Status
	Records         int64
	DurationSeconds float64
	ExtractionID    string
	Error           string
	Metadata        map[string]interface{}
}

// NewStore builds a Store over the sink endpoint. The backing table lives in
// the public schema on dialects that have schemas.
func NewStore(ep *sink.Endpoint) *Store {
	var schema string
	if ep.Generator.SchemasSupported {
		schema = DefaultSchema
	}
	var s = &Store{
		ep:    ep,
		table: WatermarksTable(schema),
		now:   time.Now,
	}
	s.buildStatements()
	return s
}

// EnsureTable creates the watermark table and its indexes if absent.
func (s *Store) EnsureTable(ctx context.Context) error {
	return s.ep.EnsureTable(ctx, s.table, Indexes()...)
}

// Start marks the table as having an extraction in flight. The watermark
// itself is not touched, so a crash before Complete never loses progress.
func (s *Store) Start(ctx context.Context, table, extractionID string) error {
	var now = s.now().UTC()
	var _, err = s.ep.DB.ExecContext(ctx, s.startSQL, table, extractionID, now, now)
	if err != nil {
		return fmt.Errorf("starting watermark for %q: %w", table, err)
	}
	log.WithFields(log.Fields{
		"table":        table,
		"extractionId": extractionID,
	}).Debug("watermark set to running")
	return nil
}

// Complete records the terminal state of an extraction. The watermark only
// advances when c.Watermark is non-nil; metadata merges into the stored
// document as an RFC 7386 merge patch rather than replacing it.
func (s *Store) Complete(ctx context.Context, table string, c Completion) error {
	if !c.Status.Terminal() {
		return fmt.Errorf("cannot complete watermark for %q with status %q", table, c.Status)
	}

	txn, err := s.ep.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning watermark transaction: %w", err)
	}
	defer func() {
		if txn != nil {
			_ = txn.Rollback()
		}
	}()

	metadata, err := s.mergeMetadata(ctx, txn, table, c.Metadata)
	if err != nil {
		return err
	}

	var wm interface{}
	if c.Watermark != nil {
		wm = c.Watermark.UTC()
	}
	var now = s.now().UTC()
	_, err = txn.ExecContext(ctx, s.completeSQL,
		table,
		wm,
		string(c.Status),
		c.Records,
		c.DurationSeconds,
		nullIfEmpty(c.ExtractionID),
		nullIfEmpty(c.Error),
		metadata,
		now,
		now,
	)
	if err != nil {
		return fmt.Errorf("completing watermark for %q: %w", table, err)
	}
	if err = txn.Commit(); err != nil {
		return fmt.Errorf("committing watermark for %q: %w", table, err)
	}
	txn = nil // disable deferred rollback

	log.WithFields(log.Fields{
		"table":   table,
		"status":  c.Status,
		"records": c.Records,
	}).Debug("watermark completed")
	return nil
}

// Get returns the watermark record for a table, or nil when none exists.
func (s *Store) Get(ctx context.Context, table string) (*Record, error) {
	var rec, err = scanRecord(s.ep.DB.QueryRowContext(ctx, s.getSQL, table))
	if err == sql.ErrNoRows {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("reading watermark for %q: %w", table, err)
	}
	return rec, nil
}

// LastExtractionTime returns the usable incremental watermark for a table:
// the stored timestamp when the last run succeeded (or was reset), and nil
// otherwise. Running and failed rows never yield a watermark.
func (s *Store) LastExtractionTime(ctx context.Context, table string) (*time.Time, error) {
	var rec, err = s.Get(ctx, table)
	if err != nil || rec == nil {
		return nil, err
	}
	if rec.Status == StatusSuccess || rec.Status == StatusReset {
		return rec.LastExtractedAt, nil
	}
	return nil, nil
}

// Reset clears the watermark, or rewinds it to a chosen floor when to is
// non-nil. Either way the next extraction treats the row as a usable floor
// (reset status counts like success). Returns false when the table had no
// watermark row.
func (s *Store) Reset(ctx context.Context, table string, to *time.Time) (bool, error) {
	var wm interface{}
	if to != nil {
		wm = to.UTC()
	}
	var res, err = s.ep.DB.ExecContext(ctx, s.resetSQL, wm, s.now().UTC(), table)
	if err != nil {
		return false, fmt.Errorf("resetting watermark for %q: %w", table, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if n > 0 {
		var fields = log.Fields{"table": table}
		if to != nil {
			fields["to"] = to.UTC().Format(time.RFC3339)
		}
		log.WithFields(fields).Info("watermark reset")
	}
	return n > 0, nil
}

// ReapStale marks rows stuck in running for longer than olderThan as failed,
// releasing tables abandoned by a crashed run. Returns how many were reaped.
func (s *Store) ReapStale(ctx context.Context, olderThan time.Duration) (int64, error) {
	var cutoff = s.now().UTC().Add(-olderThan)
	var message = fmt.Sprintf("marked failed by the stale-run reaper after %s without progress", olderThan)

	var res, err = s.ep.DB.ExecContext(ctx, s.reapSQL, message, s.now().UTC(), cutoff)
	if err != nil {
		return 0, fmt.Errorf("reaping stale watermarks: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, err
	}
	if n > 0 {
		log.WithFields(log.Fields{
			"reaped": n,
			"cutoff": cutoff,
		}).Warn("reaped stale extractions")
	}
	return n, nil
}

// Summary lists every watermark row ordered by table name.
func (s *Store) Summary(ctx context.Context) ([]Record, error) {
	var rows, err = s.ep.DB.QueryContext(ctx, s.summarySQL)
	if err != nil {
		return nil, fmt.Errorf("listing watermarks: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

// mergeMetadata folds the completion metadata into the stored document with
// an RFC 7386 merge patch, preserving keys earlier runs recorded.
func (s *Store) mergeMetadata(ctx context.Context, txn *sql.Tx, table string, meta map[string]interface{}) (string, error) {
	var existing = "{}"
	var err = txn.QueryRowContext(ctx, s.metaSQL, table).Scan(&existing)
	if err != nil && err != sql.ErrNoRows {
		return "", fmt.Errorf("reading watermark metadata for %q: %w", table, err)
	}
	if len(meta) == 0 {
		return existing, nil
	}

	patch, err := json.Marshal(meta)
	if err != nil {
		return "", fmt.Errorf("encoding watermark metadata: %w", err)
	}
	merged, err := jsonpatch.MergePatch([]byte(existing), patch)
	if err != nil {
		return "", fmt.Errorf("merging watermark metadata for %q: %w", table, err)
	}
	return string(merged), nil
}

func (s *Store) buildStatements() {
	var t = s.ep.Generator.QualifiedIdentifier(s.table)
	var p = s.ep.Generator.Placeholder

	s.startSQL = fmt.Sprintf(`INSERT INTO %s ("table_name", "last_extraction_status", "records_extracted", "metadata", "extraction_id", "created_at", "updated_at") VALUES (%s, 'running', 0, '{}', %s, %s, %s) ON CONFLICT ("table_name") DO UPDATE SET "last_extraction_status" = 'running', "extraction_id" = EXCLUDED."extraction_id", "error_message" = NULL, "updated_at" = EXCLUDED."updated_at";`,
		t, p(0), p(1), p(2), p(3))

	s.completeSQL = fmt.Sprintf(`INSERT INTO %s ("table_name", "last_extracted_at", "last_extraction_status", "records_extracted", "duration_seconds", "extraction_id", "error_message", "metadata", "created_at", "updated_at") VALUES (%s, %s, %s, %s, %s, %s, %s, %s, %s, %s) ON CONFLICT ("table_name") DO UPDATE SET "last_extracted_at" = COALESCE(EXCLUDED."last_extracted_at", "last_extracted_at"), "last_extraction_status" = EXCLUDED."last_extraction_status", "records_extracted" = EXCLUDED."records_extracted", "duration_seconds" = EXCLUDED."duration_seconds", "extraction_id" = EXCLUDED."extraction_id", "error_message" = EXCLUDED."error_message", "metadata" = EXCLUDED."metadata", "updated_at" = EXCLUDED."updated_at";`,
		t, p(0), p(1), p(2), p(3), p(4), p(5), p(6), p(7), p(8), p(9))

	var columns = `"table_name", "last_extracted_at", "last_extraction_status", "records_extracted", "duration_seconds", "extraction_id", "error_message", "metadata", "created_at", "updated_at"`

	s.getSQL = fmt.Sprintf(`SELECT %s FROM %s WHERE "table_name" = %s;`, columns, t, p(0))

	s.metaSQL = fmt.Sprintf(`SELECT "metadata" FROM %s WHERE "table_name" = %s;`, t, p(0))

	s.resetSQL = fmt.Sprintf(`UPDATE %s SET "last_extracted_at" = %s, "last_extraction_status" = 'reset', "records_extracted" = 0, "duration_seconds" = NULL, "extraction_id" = NULL, "error_message" = NULL, "updated_at" = %s WHERE "table_name" = %s;`,
		t, p(0), p(1), p(2))

	s.reapSQL = fmt.Sprintf(`UPDATE %s SET "last_extraction_status" = 'failed', "error_message" = %s, "updated_at" = %s WHERE "last_extraction_status" = 'running' AND "updated_at" < %s;`,
		t, p(0), p(1), p(2))

	s.summarySQL = fmt.Sprintf(`SELECT %s FROM %s ORDER BY "table_name" ASC;`, columns, t)
}

// scanner is satisfied by *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...interface{}) error
}

func scanRecord(row scanner) (*Record, error) {
	var rec Record
	var lastExtracted sql.NullTime
	var duration sql.NullFloat64
	var extractionID, errorMessage sql.NullString
	var status, metadata string

	var err = row.Scan(
		&rec.TableName,
		&lastExtracted,
		&status,
		&rec.RecordsExtracted,
		&duration,
		&extractionID,
		&errorMessage,
		&metadata,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	rec.Status = Status(status)
	if lastExtracted.Valid {
		var ts = lastExtracted.Time.UTC()
		rec.LastExtractedAt = &ts
	}
	if duration.Valid {
		rec.DurationSeconds = &duration.Float64
	}
	rec.ExtractionID = extractionID.String
	rec.ErrorMessage = errorMessage.String
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.UpdatedAt = rec.UpdatedAt.UTC()

	if metadata != "" {
		if err = json.Unmarshal([]byte(metadata), &rec.Metadata); err != nil {
			return nil, fmt.Errorf("decoding watermark metadata for %q: %w", rec.TableName, err)
		}
	}
	return &rec, nil
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
