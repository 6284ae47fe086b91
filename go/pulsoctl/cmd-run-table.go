package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	log "github.com/sirupsen/logrus"
	mbp "go.gazette.dev/core/mainboilerplate"

	"github.com/reyer3/Pulso-Back-sub000/go/calendar"
	"github.com/reyer3/Pulso-Back-sub000/go/catalog"
	"github.com/reyer3/Pulso-Back-sub000/go/extract"
	"github.com/reyer3/Pulso-Back-sub000/go/runtime"
	"github.com/reyer3/Pulso-Back-sub000/go/sink"
)

type cmdRunTable struct {
	Campaign    string `long:"campaign" description:"Campaign archivo scoping the extraction window, e.g. ASIG_20250601_TEMPRANA"`
	Strategy    string `long:"strategy" default:"auto" choice:"auto" choice:"calendar" choice:"watermark" description:"Extraction strategy override"`
	ForceFull   bool   `long:"force-full" description:"Rebuild the table from scratch"`
	NoWatermark bool   `long:"no-watermark" description:"Leave the watermark untouched (ad-hoc backfills)"`
	DryRun      bool   `long:"dry-run" description:"Print the query and a few sample rows instead of loading"`

	Args struct {
		Table string `positional-arg-name:"table" description:"Catalog table name, e.g. pagos"`
	} `positional-args:"yes" required:"yes"`

	Sink        SinkConfig            `group:"Sink" namespace:"sink" env-namespace:"SINK"`
	Warehouse   WarehouseConfig       `group:"Warehouse" namespace:"warehouse" env-namespace:"WAREHOUSE"`
	ETL         ETLConfig             `group:"ETL" namespace:"etl" env-namespace:"ETL"`
	Log         LogConfig             `group:"Logging" namespace:"log" env-namespace:"LOG"`
	Diagnostics mbp.DiagnosticsConfig `group:"Debug" namespace:"debug" env-namespace:"DEBUG"`
}

func (cmd cmdRunTable) Execute(_ []string) error {
	defer mbp.InitDiagnosticsAndRecover(cmd.Diagnostics)()
	initLog(cmd.Log)

	log.WithFields(log.Fields{
		"config":    cmd,
		"version":   mbp.Version,
		"buildDate": mbp.BuildDate,
	}).Info("pulsoctl configuration")

	var ctx = context.Background()
	var stack, err = standUp(ctx, cmd.Sink, cmd.Warehouse, cmd.ETL)
	if err != nil {
		return err
	}
	defer stack.Close()

	var campaign *calendar.Campaign
	if cmd.Campaign != "" {
		if campaign, err = findCampaign(ctx, stack.Campaigns, cmd.Campaign); err != nil {
			return err
		}
	}

	if cmd.DryRun {
		return cmd.dryRun(ctx, stack, campaign)
	}

	var result = stack.Engine.RunTable(ctx, runtime.TableRun{
		Table:           cmd.Args.Table,
		Campaign:        campaign,
		Strategy:        extract.Strategy(cmd.Strategy),
		ForceFull:       cmd.ForceFull,
		UpdateWatermark: !cmd.NoWatermark,
	})

	var enc = json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err = enc.Encode(result); err != nil {
		return fmt.Errorf("encoding result: %w", err)
	}

	if result.Status == sink.StatusFailed {
		return fmt.Errorf("extraction failed: %s", result.Error)
	}
	return nil
}

// dryRun renders the extraction query exactly as a real run would, then
// fetches a capped sample instead of loading the sink.
func (cmd cmdRunTable) dryRun(ctx context.Context, stack *stack, campaign *calendar.Campaign) error {
	var tbl, ok = catalog.Lookup(cmd.Args.Table)
	if !ok {
		return fmt.Errorf("unknown table %q", cmd.Args.Table)
	}

	var watermark, err = stack.Store.LastExtractionTime(ctx, tbl.FQN(cmd.ETL.ProjectUID))
	if err != nil {
		return fmt.Errorf("reading watermark: %w", err)
	}

	var now = time.Now().UTC()
	var decision = extract.SelectStrategy(tbl, campaign, watermark, extract.Strategy(cmd.Strategy), now)

	var builder = extract.NewBuilder(stack.Loader, cmd.Warehouse.Project, cmd.Warehouse.Dataset)
	query, err := builder.Build(ctx, tbl, extract.BuildInput{
		Strategy:  decision.Strategy,
		Campaign:  campaign,
		Watermark: watermark,
		ForceFull: cmd.ForceFull,
		Today:     now,
	})
	if err != nil {
		return fmt.Errorf("building query: %w", err)
	}

	fmt.Println(query.SQL)
	fmt.Println()

	rows, stats, err := stack.Reader.TestExtraction(ctx, query.SQL)
	if err != nil {
		return fmt.Errorf("test extraction: %w", err)
	}

	var enc = json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	for _, row := range rows {
		if err = enc.Encode(row); err != nil {
			return fmt.Errorf("encoding row: %w", err)
		}
	}
	fmt.Printf("\n%d sample rows (job %s, %d bytes processed)\n",
		len(rows), stats.JobID, stats.BytesProcessed)
	return nil
}

// findCampaign resolves an archivo against the campaign calendar.
func findCampaign(ctx context.Context, store *calendar.Store, archivo string) (*calendar.Campaign, error) {
	var campaigns, err = store.LoadCampaigns(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading campaigns: %w", err)
	}
	for i := range campaigns {
		if campaigns[i].Archivo == archivo {
			return &campaigns[i], nil
		}
	}
	return nil, fmt.Errorf("campaign %q is not in the calendar", archivo)
}
