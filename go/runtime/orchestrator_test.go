package runtime

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/reyer3/Pulso-Back-sub000/go/calendar"
	"github.com/reyer3/Pulso-Back-sub000/go/marts"
	"github.com/reyer3/Pulso-Back-sub000/go/sink"
	"github.com/reyer3/Pulso-Back-sub000/go/watermarks"
)

// openCampaign started in July 2025 and has no close date yet.
func openCampaign() calendar.Campaign {
	return calendar.Campaign{
		Archivo:       "ASIG_20250701_ALTAS",
		OpenDate:      time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC),
		PortfolioType: "altas",
		State:         "abierta",
	}
}

func TestSweepProcessesPendingCampaigns(t *testing.T) {
	var ctx = context.Background()
	var h = newHarness(t)
	h.reader.pages = [][]map[string]interface{}{sourcePage(1, 2)}
	h.marts.result = marts.Result{Records: 7}
	h.campaigns.campaigns = []calendar.Campaign{*closedCampaign(), openCampaign()}

	var summary = h.engine.RunAllPendingCampaigns(ctx, Sweep{BatchSize: 1})

	require.Equal(t, SweepSuccess, summary.Status)
	require.Equal(t, 2, summary.TotalCampaigns)
	require.Equal(t, 2, summary.Eligible)
	require.Equal(t, 2, summary.Processed)
	require.Equal(t, 2, summary.Successful)
	require.Zero(t, summary.Failed)
	require.False(t, summary.Cancelled)
	require.Equal(t, int64(20), summary.RawRecords)
	require.Equal(t, int64(14), summary.MartRecords)
	require.Equal(t, 2, h.marts.buildCount())

	for _, c := range h.campaigns.campaigns {
		var rec, err = h.store.Get(ctx, c.Key())
		require.NoError(t, err)
		require.NotNil(t, rec, c.Archivo)
		require.Equal(t, watermarks.StatusSuccess, rec.Status, c.Archivo)
	}

	var sweepLog = logEntries(t, h, "orchestrator")
	require.Len(t, sweepLog, 1)
	require.Equal(t, "campaign_sweep", sweepLog[0].Name)
	require.Equal(t, SweepSuccess, sweepLog[0].Status)
}

func TestSweepSkipsClosedSuccessfulCampaigns(t *testing.T) {
	var ctx = context.Background()
	var h = newHarness(t)
	h.reader.pages = [][]map[string]interface{}{sourcePage(1, 2)}
	h.campaigns.campaigns = []calendar.Campaign{*closedCampaign()}

	var first = h.engine.RunAllPendingCampaigns(ctx, Sweep{BatchSize: 1})
	require.Equal(t, 1, first.Processed)
	var queries = h.reader.queryCount()
	var builds = h.marts.buildCount()

	// Closed and successfully refreshed: nothing left to do, and the
	// warehouse must not be queried again.
	var second = h.engine.RunAllPendingCampaigns(ctx, Sweep{BatchSize: 1})
	require.Equal(t, SweepSuccess, second.Status)
	require.Equal(t, 1, second.TotalCampaigns)
	require.Zero(t, second.Eligible)
	require.Zero(t, second.Processed)
	require.Equal(t, queries, h.reader.queryCount())
	require.Equal(t, builds, h.marts.buildCount())

	// ForceAll overrides the filter.
	var forced = h.engine.RunAllPendingCampaigns(ctx, Sweep{BatchSize: 1, ForceAll: true})
	require.Equal(t, 1, forced.Eligible)
	require.Equal(t, 1, forced.Processed)
}

func TestSweepRetriesOpenCampaigns(t *testing.T) {
	var ctx = context.Background()
	var h = newHarness(t)
	h.reader.pages = [][]map[string]interface{}{sourcePage(1, 2)}
	h.campaigns.campaigns = []calendar.Campaign{openCampaign()}

	var first = h.engine.RunAllPendingCampaigns(ctx, Sweep{BatchSize: 1})
	require.Equal(t, 1, first.Successful)

	// Still open, so a later sweep refreshes it again despite the
	// successful watermark.
	var second = h.engine.RunAllPendingCampaigns(ctx, Sweep{BatchSize: 1})
	require.Equal(t, 1, second.Eligible)
	require.Equal(t, 1, second.Processed)
}

func TestSweepRejectsConcurrentRuns(t *testing.T) {
	var ctx = context.Background()
	var h = newHarness(t)
	h.reader.pages = [][]map[string]interface{}{sourcePage(1, 1)}
	h.campaigns.campaigns = []calendar.Campaign{*closedCampaign()}

	var once sync.Once
	var entered = make(chan struct{})
	var release = make(chan struct{})
	h.reader.onQuery = func(string) {
		once.Do(func() { close(entered) })
		<-release
	}

	var done = make(chan Summary, 1)
	go func() {
		done <- h.engine.RunAllPendingCampaigns(ctx, Sweep{BatchSize: 1})
	}()
	<-entered

	var second = h.engine.RunAllPendingCampaigns(ctx, Sweep{BatchSize: 1})
	require.Equal(t, SweepAlreadyRunning, second.Status)
	require.Zero(t, second.Processed)

	close(release)
	var first = <-done
	require.Equal(t, 1, first.Processed)

	// With the first sweep finished the guard is released again.
	h.reader.onQuery = nil
	var third = h.engine.RunAllPendingCampaigns(ctx, Sweep{BatchSize: 1, ForceAll: true})
	require.NotEqual(t, SweepAlreadyRunning, third.Status)
}

func TestSweepStopsBetweenChunksOnCancel(t *testing.T) {
	var ctx = context.Background()
	var h = newHarness(t)
	h.reader.pages = [][]map[string]interface{}{sourcePage(1, 1)}

	var campaigns []calendar.Campaign
	for _, archivo := range []string{
		"ASIG_20250301_A", "ASIG_20250301_B", "ASIG_20250301_C", "ASIG_20250301_D",
	} {
		var c = *closedCampaign()
		c.Archivo = archivo
		campaigns = append(campaigns, c)
	}
	h.campaigns.campaigns = campaigns

	// Cancel as soon as the first chunk touches the warehouse: its two
	// campaigns run to an end state, later chunks never start.
	h.reader.onQuery = func(string) { h.engine.Cancel() }

	var summary = h.engine.RunAllPendingCampaigns(ctx, Sweep{BatchSize: 2})
	require.Equal(t, SweepCancelled, summary.Status)
	require.True(t, summary.Cancelled)
	require.Equal(t, 4, summary.Eligible)
	require.Equal(t, 2, summary.Processed)

	// The next sweep starts from a clean flag and picks up the rest.
	h.reader.onQuery = nil
	var next = h.engine.RunAllPendingCampaigns(ctx, Sweep{BatchSize: 1})
	require.NotEqual(t, SweepAlreadyRunning, next.Status)
	require.False(t, next.Cancelled)
	require.Equal(t, 4, next.Eligible)
	require.Equal(t, 4, next.Processed)
}

func TestSweepHonorsMaxCampaigns(t *testing.T) {
	var ctx = context.Background()
	var h = newHarness(t)
	h.reader.pages = [][]map[string]interface{}{sourcePage(1, 1)}

	var campaigns []calendar.Campaign
	for _, archivo := range []string{"ASIG_A", "ASIG_B", "ASIG_C", "ASIG_D"} {
		var c = *closedCampaign()
		c.Archivo = archivo
		campaigns = append(campaigns, c)
	}
	h.campaigns.campaigns = campaigns

	var two = 2
	var summary = h.engine.RunAllPendingCampaigns(ctx, Sweep{BatchSize: 1, MaxCampaigns: &two})
	require.Equal(t, 4, summary.TotalCampaigns)
	require.Equal(t, 2, summary.Eligible)
	require.Equal(t, 2, summary.Processed)

	// An explicit zero runs nothing and still counts as a successful pass.
	var zero = 0
	summary = h.engine.RunAllPendingCampaigns(ctx, Sweep{BatchSize: 1, MaxCampaigns: &zero})
	require.Equal(t, SweepSuccess, summary.Status)
	require.Equal(t, 4, summary.TotalCampaigns)
	require.Zero(t, summary.Eligible)
	require.Zero(t, summary.Processed)
}

func TestSweepFailsWhenCalendarUnavailable(t *testing.T) {
	var h = newHarness(t)
	h.campaigns.err = errors.New("relation calendario_campanas does not exist")

	var summary = h.engine.RunAllPendingCampaigns(context.Background(), Sweep{})
	require.Equal(t, SweepFailed, summary.Status)
	require.Contains(t, summary.Error, "loading campaigns")
	require.Zero(t, summary.Processed)
}

func TestSweepSurvivesPanickingCampaign(t *testing.T) {
	var ctx = context.Background()
	var h = newHarness(t)
	h.reader.pages = [][]map[string]interface{}{sourcePage(1, 1)}
	h.campaigns.campaigns = []calendar.Campaign{*closedCampaign(), openCampaign()}

	h.marts.onBuild = func(c *calendar.Campaign) {
		if c.Archivo == "ASIG_20250601_TEMPRANA" {
			panic("mart builder exploded")
		}
	}

	var summary = h.engine.RunAllPendingCampaigns(ctx, Sweep{BatchSize: 1})
	require.Equal(t, SweepPartial, summary.Status)
	require.Equal(t, 2, summary.Processed)
	require.Equal(t, 1, summary.Successful)
	require.Equal(t, 1, summary.Failed)
	require.Len(t, summary.FailedCampaigns, 1)
	require.Equal(t, "ASIG_20250601_TEMPRANA", summary.FailedCampaigns[0].Archivo)
	require.Contains(t, summary.FailedCampaigns[0].Error, "panic")
}

func TestSweepReapsStaleExtractions(t *testing.T) {
	var ctx = context.Background()
	var h = newHarness(t)

	// A running marker abandoned an hour ago.
	require.NoError(t, h.store.Start(ctx, "raw_p01.pagos", "ghost"))
	var _, err = h.ep.DB.ExecContext(ctx,
		`UPDATE "etl_watermarks" SET "updated_at" = ? WHERE "table_name" = ?`,
		time.Now().UTC().Add(-time.Hour), "raw_p01.pagos")
	require.NoError(t, err)

	var summary = h.engine.RunAllPendingCampaigns(ctx, Sweep{})
	require.Equal(t, SweepSuccess, summary.Status)
	require.Zero(t, summary.Processed)

	var rec *watermarks.Record
	rec, err = h.store.Get(ctx, "raw_p01.pagos")
	require.NoError(t, err)
	require.Equal(t, watermarks.StatusFailed, rec.Status)
	require.Contains(t, rec.ErrorMessage, "stale-run reaper")

	// The table is free again: a fresh run overwrites the reaped row.
	h.reader.pages = [][]map[string]interface{}{sourcePage(1, 2)}
	var result = h.engine.RunTable(ctx, TableRun{
		Table:           "pagos",
		Campaign:        closedCampaign(),
		UpdateWatermark: true,
	})
	require.Equal(t, sink.StatusSuccess, result.Status)
	rec, err = h.store.Get(ctx, "raw_p01.pagos")
	require.NoError(t, err)
	require.Equal(t, watermarks.StatusSuccess, rec.Status)
	require.Equal(t, "extraction-1", rec.ExtractionID)
}
