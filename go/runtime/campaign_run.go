package runtime

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/reyer3/Pulso-Back-sub000/go/calendar"
	"github.com/reyer3/Pulso-Back-sub000/go/catalog"
	"github.com/reyer3/Pulso-Back-sub000/go/extract"
	"github.com/reyer3/Pulso-Back-sub000/go/sink"
	"github.com/reyer3/Pulso-Back-sub000/go/watermarks"
)

// MartSkipped is the mart status when raw loads failed and marts were not
// attempted.
const MartSkipped = "skipped_due_to_raw_errors"

// CampaignResult reports one end-to-end campaign refresh.
type CampaignResult struct {
	Archivo         string                     `json:"archivo"`
	Status          sink.Status                `json:"status"`
	Cancelled       bool                       `json:"cancelled,omitempty"`
	Tables          map[string]sink.LoadResult `json:"tables"`
	RawRecords      int64                      `json:"raw_records"`
	MartStatus      string                     `json:"mart_status"`
	MartRecords     int64                      `json:"mart_records"`
	Error           string                     `json:"error,omitempty"`
	DurationSeconds float64                    `json:"duration_seconds"`
}

// RunCampaign refreshes every raw table for one campaign and, when all of
// them land, rebuilds the marts. Like RunTable it never returns an error.
func (e *Engine) RunCampaign(ctx context.Context, c *calendar.Campaign) CampaignResult {
	var started = e.now()
	var runID = fmt.Sprintf("e2e_run_%d", started.Unix())
	var result = CampaignResult{
		Archivo: c.Archivo,
		Tables:  make(map[string]sink.LoadResult),
	}

	log.WithFields(log.Fields{
		"campaign": c.Archivo,
		"run":      runID,
	}).Info("campaign refresh starting")

	if err := e.store.Start(ctx, c.Key(), runID); err != nil {
		result.Status = sink.StatusFailed
		result.Error = fmt.Sprintf("marking campaign started: %s", err)
		return result
	}

	// Raw tables load concurrently, a few at a time. A cancellation
	// lands between tables: loads already started run to completion.
	var sem = make(chan struct{}, e.cfg.TableParallelism)
	var mu sync.Mutex
	var grp = errgroup.Group{}

	for _, tbl := range catalog.RawTables() {
		var tbl = tbl
		grp.Go(func() error {
			sem <- struct{}{}
			defer func() { <-sem }()
			if e.cancelRequested() {
				mu.Lock()
				result.Cancelled = true
				result.Tables[tbl.Name] = failedResult(
					tbl.FQN(e.cfg.ProjectUID), context.Canceled)
				mu.Unlock()
				return nil
			}

			var res = e.RunTable(ctx, TableRun{
				Table:           tbl.Name,
				Campaign:        c,
				Strategy:        extract.StrategyAuto,
				UpdateWatermark: true,
			})
			mu.Lock()
			result.Tables[tbl.Name] = res
			mu.Unlock()
			return nil
		})
	}
	_ = grp.Wait()

	var loaded, failures int
	for _, res := range result.Tables {
		result.RawRecords += res.Loaded()
		if res.Status == sink.StatusFailed {
			failures++
		} else {
			loaded++
		}
	}

	// Marts only rebuild over a complete set of raw tables; anything
	// else would publish numbers computed from half a campaign.
	if failures == 0 {
		if mres, err := e.marts.Build(ctx, c); err != nil {
			result.MartStatus = string(sink.StatusFailed)
			result.Error = fmt.Sprintf("building marts: %s", err)
		} else {
			result.MartStatus = string(sink.StatusSuccess)
			result.MartRecords = mres.Records
		}
	} else {
		result.MartStatus = MartSkipped
	}

	switch {
	case failures == 0 && result.MartStatus == string(sink.StatusSuccess):
		result.Status = sink.StatusSuccess
	case loaded > 0:
		result.Status = sink.StatusPartial
	default:
		result.Status = sink.StatusFailed
	}
	result.DurationSeconds = e.now().Sub(started).Seconds()

	var errSummary = summarizeErrors(result)
	if result.Status != sink.StatusSuccess && result.Error == "" {
		result.Error = errSummary
	}

	e.completeCampaign(ctx, c, runID, result, errSummary)

	campaignRunsTotal.WithLabelValues(string(result.Status)).Inc()
	log.WithFields(log.Fields{
		"campaign":    c.Archivo,
		"status":      result.Status,
		"rawRecords":  result.RawRecords,
		"martStatus":  result.MartStatus,
		"martRecords": result.MartRecords,
		"took":        e.now().Sub(started).String(),
	}).Info("campaign refresh finished")

	return result
}

func (e *Engine) completeCampaign(ctx context.Context, c *calendar.Campaign,
	runID string, result CampaignResult, errSummary string) {

	var completion = watermarks.Completion{
		Status:          watermarks.StatusFailed,
		Records:         result.RawRecords,
		DurationSeconds: result.DurationSeconds,
		ExtractionID:    runID,
		Error:           errSummary,
		Metadata: map[string]interface{}{
			"mart_status":  result.MartStatus,
			"mart_records": result.MartRecords,
			"tables":       tableStatuses(result.Tables),
		},
	}
	// A partial refresh leaves the campaign watermark failed so the
	// next sweep picks the campaign up again.
	if result.Status == sink.StatusSuccess {
		completion.Status = watermarks.StatusSuccess
		var wm = e.now()
		completion.Watermark = &wm
	}

	if err := e.store.Complete(ctx, c.Key(), completion); err != nil {
		log.WithFields(log.Fields{
			"campaign": c.Archivo,
			"error":    err,
		}).Warn("failed to record campaign completion")
	}

	e.execLog.Record(ctx, Entry{
		Scope:           "campaign",
		Name:            c.Archivo,
		Status:          string(result.Status),
		Records:         result.RawRecords,
		DurationSeconds: result.DurationSeconds,
		Error:           errSummary,
		ExtractionID:    runID,
		Details:         completion.Metadata,
	})
}

func summarizeErrors(result CampaignResult) string {
	var parts []string
	for name, res := range result.Tables {
		if res.Status == sink.StatusFailed {
			parts = append(parts, fmt.Sprintf("%s: %s", name, res.Error))
		}
	}
	sort.Strings(parts)
	if result.Error != "" {
		parts = append(parts, result.Error)
	}
	return strings.Join(parts, "; ")
}

func tableStatuses(tables map[string]sink.LoadResult) map[string]string {
	var out = make(map[string]string, len(tables))
	for name, res := range tables {
		out[name] = string(res.Status)
	}
	return out
}
