package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/reyer3/Pulso-Back-sub000/go/calendar"
	"github.com/reyer3/Pulso-Back-sub000/go/sink"
	"github.com/reyer3/Pulso-Back-sub000/go/watermarks"
)

// ErrRunInProgress reports that another sweep already owns this engine.
var ErrRunInProgress = errors.New("a campaign sweep is already running")

// Sweep outcome statuses.
const (
	SweepSuccess        = "success"
	SweepPartial        = "partial"
	SweepFailed         = "failed"
	SweepCancelled      = "cancelled"
	SweepAlreadyRunning = "already_running"
)

// Sweep tunes one RunAllPendingCampaigns invocation.
type Sweep struct {
	// BatchSize caps campaigns processed concurrently; zero uses the
	// engine default.
	BatchSize int
	// MaxCampaigns truncates the campaign list before eligibility is
	// checked. Nil falls back to the engine default; an explicit zero
	// runs nothing; negative lifts the cap.
	MaxCampaigns *int
	// ForceAll processes every campaign regardless of watermark state.
	ForceAll bool
}

// FailedCampaign names a campaign whose refresh failed outright.
type FailedCampaign struct {
	Archivo string `json:"archivo"`
	Error   string `json:"error"`
}

// Summary reports one sweep over all pending campaigns.
type Summary struct {
	Status          string           `json:"status"`
	TotalCampaigns  int              `json:"total_campaigns"`
	Eligible        int              `json:"eligible"`
	Processed       int              `json:"processed"`
	Successful      int              `json:"successful"`
	Partial         int              `json:"partial"`
	Failed          int              `json:"failed"`
	RawRecords      int64            `json:"raw_records"`
	MartRecords     int64            `json:"mart_records"`
	FailedCampaigns []FailedCampaign `json:"failed_campaigns,omitempty"`
	Error           string           `json:"error,omitempty"`
	Cancelled       bool             `json:"cancelled,omitempty"`
	DurationSeconds float64          `json:"duration_seconds"`
}

// Cancel asks a running sweep to stop. Work already in flight finishes;
// campaigns and tables not yet started are skipped.
func (e *Engine) Cancel() {
	atomic.StoreUint32(&e.cancelled, 1)
	log.Info("cancellation requested")
}

func (e *Engine) cancelRequested() bool {
	return atomic.LoadUint32(&e.cancelled) == 1
}

// RunAllPendingCampaigns sweeps the calendar: reaps stale extractions,
// selects campaigns that still need work and refreshes them in bounded
// concurrent chunks. Only one sweep runs per process; a second caller gets
// an already_running summary immediately. It never returns an error.
func (e *Engine) RunAllPendingCampaigns(ctx context.Context, sweep Sweep) Summary {
	if !atomic.CompareAndSwapUint32(&e.running, 0, 1) {
		log.Warn("a campaign sweep is already running")
		sweepsTotal.WithLabelValues(SweepAlreadyRunning).Inc()
		return Summary{Status: SweepAlreadyRunning, Error: ErrRunInProgress.Error()}
	}
	defer atomic.StoreUint32(&e.running, 0)
	atomic.StoreUint32(&e.cancelled, 0)

	if e.campaigns == nil {
		sweepsTotal.WithLabelValues(SweepFailed).Inc()
		return Summary{Status: SweepFailed, Error: "no campaign source configured"}
	}

	if sweep.BatchSize <= 0 {
		sweep.BatchSize = e.cfg.CampaignBatchSize
	}
	var limit = -1
	if sweep.MaxCampaigns != nil {
		limit = *sweep.MaxCampaigns
	} else if e.cfg.MaxCampaigns > 0 {
		limit = e.cfg.MaxCampaigns
	}

	var started = e.now()
	var summary Summary

	if reaped, err := e.store.ReapStale(ctx, e.cfg.StaleAfter); err != nil {
		log.WithField("error", err).Warn("failed to reap stale extractions")
	} else if reaped > 0 {
		log.WithField("reaped", reaped).Info("reset stale running extractions")
	}

	var campaigns, err = e.campaigns.LoadCampaigns(ctx)
	if err != nil {
		summary.Status = SweepFailed
		summary.Error = fmt.Sprintf("loading campaigns: %s", err)
		return e.finishSweep(ctx, summary, started)
	}
	summary.TotalCampaigns = len(campaigns)

	if limit >= 0 && len(campaigns) > limit {
		campaigns = campaigns[:limit]
	}

	var eligible []calendar.Campaign
	for i := range campaigns {
		var c = &campaigns[i]
		if ok, reason := e.eligibleCampaign(ctx, c, sweep.ForceAll); ok {
			eligible = append(eligible, *c)
			log.WithFields(log.Fields{
				"campaign": c.Archivo,
				"reason":   reason,
			}).Debug("campaign selected for refresh")
		}
	}
	summary.Eligible = len(eligible)

	log.WithFields(log.Fields{
		"total":    summary.TotalCampaigns,
		"eligible": summary.Eligible,
		"batch":    sweep.BatchSize,
	}).Info("campaign sweep starting")

	for start := 0; start < len(eligible); start += sweep.BatchSize {
		if e.cancelRequested() {
			summary.Cancelled = true
			break
		}
		var end = start + sweep.BatchSize
		if end > len(eligible) {
			end = len(eligible)
		}
		var chunk = eligible[start:end]

		var mu sync.Mutex
		var grp = errgroup.Group{}
		for i := range chunk {
			var c = &chunk[i]
			grp.Go(func() error {
				var result = e.runCampaignGuarded(ctx, c)
				mu.Lock()
				summary.absorb(result)
				mu.Unlock()
				return nil
			})
		}
		_ = grp.Wait()
	}
	if e.cancelRequested() {
		summary.Cancelled = true
	}

	summary.Status = summary.overall()
	return e.finishSweep(ctx, summary, started)
}

// runCampaignGuarded converts a panicking campaign into a failed result so
// one bad campaign cannot take the sweep down.
func (e *Engine) runCampaignGuarded(ctx context.Context, c *calendar.Campaign) (result CampaignResult) {
	defer func() {
		if r := recover(); r != nil {
			log.WithFields(log.Fields{
				"campaign": c.Archivo,
				"panic":    r,
			}).Error("campaign refresh panicked")
			result = CampaignResult{
				Archivo: c.Archivo,
				Status:  sink.StatusFailed,
				Error:   fmt.Sprintf("panic: %v", r),
			}
		}
	}()
	return e.RunCampaign(ctx, c)
}

// eligibleCampaign decides whether a sweep should touch the campaign.
// Campaigns with a failed or missing last run always qualify; successful
// ones only while their window is still open. Watermark trouble counts as
// eligible rather than silently dropping the campaign.
func (e *Engine) eligibleCampaign(ctx context.Context, c *calendar.Campaign, forceAll bool) (bool, string) {
	if forceAll {
		return true, "forced"
	}
	var rec, err = e.store.Get(ctx, c.Key())
	if err != nil {
		log.WithFields(log.Fields{
			"campaign": c.Archivo,
			"error":    err,
		}).Warn("failed to read campaign watermark")
		return true, "watermark unavailable"
	}
	if rec == nil {
		return true, "never processed"
	}
	if rec.Status != watermarks.StatusSuccess {
		return true, fmt.Sprintf("last refresh ended %s", rec.Status)
	}
	if c.IsOpen(e.now()) {
		return true, "campaign window still open"
	}
	return false, ""
}

func (e *Engine) finishSweep(ctx context.Context, summary Summary, started time.Time) Summary {
	summary.DurationSeconds = e.now().Sub(started).Seconds()
	sweepsTotal.WithLabelValues(summary.Status).Inc()

	e.execLog.Record(ctx, Entry{
		Scope:           "orchestrator",
		Name:            "campaign_sweep",
		Status:          summary.Status,
		Records:         summary.RawRecords,
		DurationSeconds: summary.DurationSeconds,
		Error:           summary.Error,
		Details: map[string]interface{}{
			"total_campaigns": summary.TotalCampaigns,
			"eligible":        summary.Eligible,
			"processed":       summary.Processed,
			"successful":      summary.Successful,
			"partial":         summary.Partial,
			"failed":          summary.Failed,
			"cancelled":       summary.Cancelled,
		},
	})

	log.WithFields(log.Fields{
		"status":     summary.Status,
		"processed":  summary.Processed,
		"successful": summary.Successful,
		"partial":    summary.Partial,
		"failed":     summary.Failed,
		"records":    summary.RawRecords,
		"took":       e.now().Sub(started).String(),
	}).Info("campaign sweep finished")

	return summary
}

func (s *Summary) absorb(r CampaignResult) {
	s.Processed++
	s.RawRecords += r.RawRecords
	s.MartRecords += r.MartRecords
	if r.Cancelled {
		s.Cancelled = true
	}
	switch r.Status {
	case sink.StatusSuccess:
		s.Successful++
	case sink.StatusPartial:
		s.Partial++
	default:
		s.Failed++
		s.FailedCampaigns = append(s.FailedCampaigns, FailedCampaign{
			Archivo: r.Archivo,
			Error:   r.Error,
		})
	}
}

func (s *Summary) overall() string {
	switch {
	case s.Cancelled:
		return SweepCancelled
	case s.Failed == 0 && s.Partial == 0:
		return SweepSuccess
	case s.Successful > 0 || s.Partial > 0:
		return SweepPartial
	default:
		return SweepFailed
	}
}
