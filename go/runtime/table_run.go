package runtime

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/minio/highwayhash"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/reyer3/Pulso-Back-sub000/go/calendar"
	"github.com/reyer3/Pulso-Back-sub000/go/catalog"
	"github.com/reyer3/Pulso-Back-sub000/go/extract"
	"github.com/reyer3/Pulso-Back-sub000/go/sink"
	"github.com/reyer3/Pulso-Back-sub000/go/transform"
	"github.com/reyer3/Pulso-Back-sub000/go/warehouse"
	"github.com/reyer3/Pulso-Back-sub000/go/watermarks"
)

// ErrExtractionInFlight reports that this process is already extracting the
// same table.
var ErrExtractionInFlight = errors.New("an extraction of this table is already in flight")

// errSinkFailed signals the producer that the writer gave up. The cause
// travels in the LoadResult, not in this sentinel.
var errSinkFailed = errors.New("sink load failed")

// slotKey keys the HighwayHash fingerprints of in-flight table names.
var slotKey, _ = hex.DecodeString("8e2b54fc71a09d3e65c8b027f41d9a6c03e7b528d196f4ac0b3d87e52a1c96f4")

func tableSlot(fqn string) uint64 {
	return highwayhash.Sum64([]byte(fqn), slotKey)
}

// TableRun describes a single table extraction.
type TableRun struct {
	// Table is the logical catalog name, e.g. "pagos".
	Table string
	// Campaign scopes the extraction window; nil for campaign-less runs.
	Campaign *calendar.Campaign
	// Strategy forces calendar or watermark mode; StrategyAuto lets the
	// selector decide.
	Strategy extract.Strategy
	// ForceFull rebuilds the table from scratch regardless of strategy.
	ForceFull bool
	// UpdateWatermark records the run in the state store. Ad-hoc runs
	// (tests, backfills against a scratch schema) leave it false.
	UpdateWatermark bool
}

// RunTable extracts one table into the sink. It never returns an error:
// failures are reported through the LoadResult status.
func (e *Engine) RunTable(ctx context.Context, run TableRun) sink.LoadResult {
	var tbl, ok = catalog.Lookup(run.Table)
	if !ok {
		return failedResult(run.Table, fmt.Errorf("unknown table %q", run.Table))
	}
	var fqn = tbl.FQN(e.cfg.ProjectUID)

	// One extraction per table per process. A second entrant bounces
	// instead of queueing behind a load of unknown duration.
	var slot = tableSlot(fqn)
	if _, held := e.inflight.LoadOrStore(slot, fqn); held {
		return failedResult(fqn, ErrExtractionInFlight)
	}
	defer e.inflight.Delete(slot)

	activeExtractions.Inc()
	defer activeExtractions.Dec()

	var started = e.now()
	var result = e.extractTable(ctx, tbl, fqn, run)

	tableRunsTotal.WithLabelValues(tbl.Name, string(result.Status)).Inc()
	tableRunDuration.WithLabelValues(tbl.Name).Observe(result.DurationSeconds)

	log.WithFields(log.Fields{
		"table":    fqn,
		"status":   result.Status,
		"received": result.TotalReceived,
		"inserted": result.Inserted,
		"updated":  result.Updated,
		"skipped":  result.Skipped,
		"took":     e.now().Sub(started).String(),
	}).Info("table extraction finished")

	return result
}

func (e *Engine) extractTable(ctx context.Context, tbl catalog.Table, fqn string, run TableRun) sink.LoadResult {
	var started = e.now()

	var transformer, err = transform.NewTransformer(tbl.Name)
	if err != nil {
		return failedResult(fqn, err)
	}

	var watermark *time.Time
	if watermark, err = e.store.LastExtractionTime(ctx, fqn); err != nil {
		return failedResult(fqn, fmt.Errorf("reading watermark: %w", err))
	}

	var decision = extract.SelectStrategy(tbl, run.Campaign, watermark, run.Strategy, e.now())

	var query extract.Query
	if query, err = e.builder.Build(ctx, tbl, extract.BuildInput{
		Strategy:  decision.Strategy,
		Campaign:  run.Campaign,
		Watermark: watermark,
		ForceFull: run.ForceFull,
		Today:     e.now(),
	}); err != nil {
		return failedResult(fqn, fmt.Errorf("building query: %w", err))
	}

	var extractionID = e.newID()
	if run.UpdateWatermark {
		if err = e.store.Start(ctx, fqn, extractionID); err != nil {
			return failedResult(fqn, fmt.Errorf("marking extraction started: %w", err))
		}
	}

	var pageSize = tbl.BatchSize
	if pageSize <= 0 {
		pageSize = e.cfg.PageSize
	}
	var target = transformer.Spec().SinkTable(tbl.Schema(e.cfg.ProjectUID))

	// Producer pages the warehouse and transforms; consumer writes.
	// The channel holds one batch so an unavailable sink stalls the
	// query stream instead of buffering it in memory.
	var stats warehouse.QueryStats
	var result sink.LoadResult
	var batches = make(chan []sink.Row, 1)
	var grp, gctx = errgroup.WithContext(ctx)

	grp.Go(func() error {
		defer close(batches)
		var err error
		stats, err = e.reader.QueryPages(gctx, query.SQL, pageSize, func(p warehouse.Page) error {
			for _, chunk := range splitRows(transformer.Transform(p.Rows), e.cfg.MaxBatchSize) {
				select {
				case batches <- chunk:
				case <-gctx.Done():
					return gctx.Err()
				}
			}
			return nil
		})
		if err != nil {
			return fmt.Errorf("extracting %s: %w", fqn, err)
		}
		return nil
	})

	grp.Go(func() error {
		if tbl.Mode == catalog.ModeFull {
			result = e.writer.TruncateAndLoad(gctx, target, batches)
		} else {
			result = e.writer.LoadStream(gctx, target, batches)
		}
		if result.Status == sink.StatusFailed {
			// TruncateAndLoad stops consuming on failure; cancel the
			// group so the producer's send unblocks.
			return errSinkFailed
		}
		return nil
	})

	err = grp.Wait()

	var ts = transformer.Stats()
	result.Table = fqn
	result.TotalReceived = ts.Processed
	result.Skipped += ts.Skipped + ts.Errors
	result.DurationSeconds = e.now().Sub(started).Seconds()

	if err != nil && !errors.Is(err, errSinkFailed) && result.Status != sink.StatusFailed {
		result.Status = sink.StatusFailed
		result.Error = err.Error()
	}

	if run.UpdateWatermark {
		e.completeTable(ctx, fqn, run, decision, result, extractionID, stats, ts)
	}
	return result
}

// completeTable records the outcome. The watermark only advances on full
// success; a failed Complete never fails the run.
func (e *Engine) completeTable(ctx context.Context, fqn string, run TableRun,
	decision extract.Decision, result sink.LoadResult, extractionID string,
	stats warehouse.QueryStats, ts transform.Stats) {

	var metadata = map[string]interface{}{
		"strategy":     string(decision.Strategy),
		"reason":       decision.Reason,
		"job_id":       stats.JobID,
		"bytes_billed": stats.BytesBilled,
		"rows_skipped": ts.Skipped,
		"rows_errored": ts.Errors,
	}
	if run.Campaign != nil {
		metadata["campaign"] = run.Campaign.Archivo
	}

	var completion = watermarks.Completion{
		Status:          watermarks.StatusFailed,
		Records:         result.Loaded(),
		DurationSeconds: result.DurationSeconds,
		ExtractionID:    extractionID,
		Error:           result.Error,
		Metadata:        metadata,
	}
	if result.Status == sink.StatusSuccess {
		completion.Status = watermarks.StatusSuccess
		var wm time.Time
		if decision.Strategy == extract.StrategyCalendar && run.Campaign != nil {
			// Re-runs inside the campaign window must see the same
			// lower bound, so the watermark pins to the campaign
			// rather than to the wall clock.
			wm = run.Campaign.WatermarkValue()
		} else {
			wm = e.now()
		}
		completion.Watermark = &wm
	}

	if err := e.store.Complete(ctx, fqn, completion); err != nil {
		log.WithFields(log.Fields{
			"table": fqn,
			"error": err,
		}).Warn("failed to record extraction completion")
	}

	e.execLog.Record(ctx, Entry{
		Scope:           "table",
		Name:            fqn,
		Status:          string(result.Status),
		Records:         result.Loaded(),
		DurationSeconds: result.DurationSeconds,
		Error:           result.Error,
		ExtractionID:    extractionID,
		Details:         metadata,
	})
}

func failedResult(table string, err error) sink.LoadResult {
	return sink.LoadResult{Table: table, Status: sink.StatusFailed, Error: err.Error()}
}

// splitRows chunks rows so no single batch exceeds max.
func splitRows(rows []sink.Row, max int) [][]sink.Row {
	if len(rows) == 0 {
		return nil
	}
	if max <= 0 || len(rows) <= max {
		return [][]sink.Row{rows}
	}
	var out = make([][]sink.Row, 0, (len(rows)+max-1)/max)
	for len(rows) > max {
		out = append(out, rows[:max])
		rows = rows[max:]
	}
	return append(out, rows)
}
