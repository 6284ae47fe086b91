package sink

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// Status summarizes the outcome of a load operation.
type Status string

const (
	StatusSuccess Status = "success"
	StatusPartial Status = "partial"
	StatusFailed  Status = "failed"
)

// LoadResult reports what happened to the rows offered to a load operation.
// TotalReceived counts rows in; Inserted and Updated count rows the database
// accepted; Skipped counts rows dropped before reaching the database (null
// primary keys, intra-batch duplicates).
type LoadResult struct {
	Table           string  `json:"table"`
	TotalReceived   int64   `json:"total_received"`
	Inserted        int64   `json:"inserted"`
	Updated         int64   `json:"updated"`
	Skipped         int64   `json:"skipped"`
	DurationSeconds float64 `json:"duration_seconds"`
	Status          Status  `json:"status"`
	Error           string  `json:"error,omitempty"`
}

// Loaded is the number of rows the database accepted.
func (r *LoadResult) Loaded() int64 {
	return r.Inserted + r.Updated
}

func (r *LoadResult) fold(other LoadResult) {
	r.TotalReceived += other.TotalReceived
	r.Inserted += other.Inserted
	r.Updated += other.Updated
	r.Skipped += other.Skipped
	if r.Error == "" {
		r.Error = other.Error
	}
}

// querier is the subset of *sql.DB and *sql.Tx the writer relies on.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
}

// A Writer loads batches of rows into sink tables using single multi-row
// upsert statements. It is safe for concurrent use across distinct tables.
type Writer struct {
	ep *Endpoint
	// maxRows caps the number of rows bound into one upsert statement.
	maxRows int
}

// DefaultMaxRows is the per-statement row cap applied when none is configured.
const DefaultMaxRows = 500

func NewWriter(ep *Endpoint, maxRows int) *Writer {
	if maxRows <= 0 {
		maxRows = DefaultMaxRows
	}
	return &Writer{ep: ep, maxRows: maxRows}
}

// LoadBatch upserts one batch of rows into the table. Rows with a null
// primary-key column are dropped and counted as skipped, as are earlier
// duplicates of a key that repeats within the batch (last write wins).
// An empty batch succeeds immediately without touching the database.
func (w *Writer) LoadBatch(ctx context.Context, table *Table, rows []Row) LoadResult {
	var result = w.loadBatch(ctx, w.ep.DB, table, rows)
	batchesTotal.WithLabelValues(table.Identifier(), string(result.Status)).Inc()
	return result
}

func (w *Writer) loadBatch(ctx context.Context, q querier, table *Table, rows []Row) LoadResult {
	var started = time.Now()
	var result = LoadResult{
		Table:         table.Identifier(),
		TotalReceived: int64(len(rows)),
		Status:        StatusSuccess,
	}
	defer func() { result.DurationSeconds = time.Since(started).Seconds() }()

	var valid, skipped = validateRows(table, rows)
	result.Skipped = skipped
	if skipped > 0 {
		rowsTotal.WithLabelValues(table.Identifier(), "skipped").Add(float64(skipped))
	}
	if len(valid) == 0 {
		return result
	}

	var failedChunks, totalChunks int
	for len(valid) > 0 {
		var n = len(valid)
		if n > w.maxRows {
			n = w.maxRows
		}
		var chunk = valid[:n]
		valid = valid[n:]
		totalChunks++

		var inserted, updated, err = w.upsertChunk(ctx, q, table, chunk)
		if err != nil {
			failedChunks++
			log.WithFields(describeError(log.Fields{
				"table": table.Identifier(),
				"rows":  len(chunk),
			}, err)).Error("sink upsert failed")
			if result.Error == "" {
				result.Error = err.Error()
			}
			continue
		}
		result.Inserted += inserted
		result.Updated += updated
		rowsTotal.WithLabelValues(table.Identifier(), "inserted").Add(float64(inserted))
		rowsTotal.WithLabelValues(table.Identifier(), "updated").Add(float64(updated))
	}

	switch {
	case failedChunks == 0:
		result.Status = StatusSuccess
	case failedChunks == totalChunks:
		result.Status = StatusFailed
	default:
		result.Status = StatusPartial
	}
	return result
}

// LoadStream consumes batches from the channel until it closes, upserting
// each. A failed batch is recorded and the stream continues; the final status
// is partial when some but not all batches failed.
func (w *Writer) LoadStream(ctx context.Context, table *Table, batches <-chan []Row) LoadResult {
	var started = time.Now()
	var result = LoadResult{Table: table.Identifier(), Status: StatusSuccess}
	var batchCount, failCount int

	for {
		select {
		case batch, ok := <-batches:
			if !ok {
				result.Status = streamStatus(batchCount, failCount)
				result.DurationSeconds = time.Since(started).Seconds()
				return result
			}
			batchCount++
			var br = w.LoadBatch(ctx, table, batch)
			if br.Status == StatusFailed || br.Status == StatusPartial {
				failCount++
			}
			result.fold(br)

		case <-ctx.Done():
			result.Status = StatusFailed
			if result.Error == "" {
				result.Error = ctx.Err().Error()
			}
			result.DurationSeconds = time.Since(started).Seconds()
			return result
		}
	}
}

// TruncateAndLoad empties the table and loads every offered batch within a
// single transaction. Any failure rolls the whole load back so the table is
// never left partially replaced.
func (w *Writer) TruncateAndLoad(ctx context.Context, table *Table, batches <-chan []Row) LoadResult {
	var started = time.Now()
	var result = LoadResult{Table: table.Identifier(), Status: StatusSuccess}
	defer func() {
		result.DurationSeconds = time.Since(started).Seconds()
		truncatesTotal.WithLabelValues(table.Identifier(), string(result.Status)).Inc()
	}()

	var fail = func(err error) LoadResult {
		result.Status = StatusFailed
		result.Error = err.Error()
		// The transaction rolls back, so nothing was actually loaded.
		result.Inserted = 0
		result.Updated = 0
		log.WithFields(describeError(log.Fields{
			"table": table.Identifier(),
		}, err)).Error("truncate-and-load failed; rolled back")
		return result
	}

	txn, err := w.ep.DB.BeginTx(ctx, nil)
	if err != nil {
		return fail(fmt.Errorf("beginning transaction: %w", err))
	}
	defer func() {
		if txn != nil {
			_ = txn.Rollback()
		}
	}()

	if _, err = txn.ExecContext(ctx, w.ep.Generator.Truncate(table)); err != nil {
		return fail(fmt.Errorf("truncating %s: %w", table.Identifier(), err))
	}

loop:
	for {
		select {
		case batch, ok := <-batches:
			if !ok {
				break loop
			}
			var br = w.loadBatch(ctx, txn, table, batch)
			result.fold(br)
			if br.Status != StatusSuccess {
				return fail(fmt.Errorf("loading batch into %s: %s", table.Identifier(), br.Error))
			}
		case <-ctx.Done():
			return fail(ctx.Err())
		}
	}

	if err = txn.Commit(); err != nil {
		return fail(fmt.Errorf("committing load of %s: %w", table.Identifier(), err))
	}
	txn = nil // disable deferred rollback
	return result
}

// upsertChunk issues one multi-row upsert statement and reports how many rows
// were freshly inserted vs updated in place. Dialects without an insert flag
// report every accepted row as inserted.
func (w *Writer) upsertChunk(ctx context.Context, q querier, table *Table, chunk []Row) (inserted, updated int64, err error) {
	var gen = w.ep.Generator
	statement, converter, err := gen.Upsert(table, len(chunk))
	if err != nil {
		return 0, 0, err
	}

	var args = make([]interface{}, 0, len(chunk)*len(table.Columns))
	for _, row := range chunk {
		if len(row) != len(table.Columns) {
			return 0, 0, fmt.Errorf("row has %d values but table %s has %d columns",
				len(row), table.Identifier(), len(table.Columns))
		}
		converted, err := converter.Convert(row...)
		if err != nil {
			return 0, 0, err
		}
		args = append(args, converted...)
	}

	var timer = time.Now()
	defer func() {
		upsertDurationSeconds.WithLabelValues(table.Identifier()).Observe(time.Since(timer).Seconds())
	}()

	if gen.InsertFlagExpr == "" {
		res, err := q.ExecContext(ctx, statement, args...)
		if err != nil {
			return 0, 0, err
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return 0, 0, err
		}
		return affected, 0, nil
	}

	rows, err := q.QueryContext(ctx, statement, args...)
	if err != nil {
		return 0, 0, err
	}
	defer rows.Close()

	for rows.Next() {
		var flag bool
		if err = rows.Scan(&flag); err != nil {
			return 0, 0, err
		}
		if flag {
			inserted++
		} else {
			updated++
		}
	}
	return inserted, updated, rows.Err()
}

// validateRows drops rows that cannot be upserted: rows with a null value in
// any primary-key column, and earlier occurrences of a key repeated within
// the batch (a multi-row upsert may touch each key at most once).
func validateRows(table *Table, rows []Row) (valid []Row, skipped int64) {
	var keyIdxs = table.KeyIndexes()
	var byKey = make(map[string]int, len(rows))

rowLoop:
	for _, row := range rows {
		if len(row) != len(table.Columns) {
			skipped++
			continue
		}
		for _, i := range keyIdxs {
			if row[i] == nil {
				skipped++
				continue rowLoop
			}
		}
		var key = keyFingerprint(row, keyIdxs)
		if at, ok := byKey[key]; ok {
			valid[at] = row // last write wins
			skipped++
			continue
		}
		byKey[key] = len(valid)
		valid = append(valid, row)
	}
	return valid, skipped
}

func keyFingerprint(row Row, keyIdxs []int) string {
	var b strings.Builder
	for _, i := range keyIdxs {
		fmt.Fprintf(&b, "%v\x00", row[i])
	}
	return b.String()
}

func streamStatus(batches, failures int) Status {
	switch {
	case failures == 0:
		return StatusSuccess
	case failures >= batches:
		return StatusFailed
	default:
		return StatusPartial
	}
}
