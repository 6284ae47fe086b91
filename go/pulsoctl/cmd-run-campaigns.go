package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	mbp "go.gazette.dev/core/mainboilerplate"

	"github.com/reyer3/Pulso-Back-sub000/go/runtime"
)

type cmdRunCampaigns struct {
	BatchSize    int  `long:"batch-size" description:"Campaigns refreshed concurrently (0 = configured default)"`
	MaxCampaigns *int `long:"max-campaigns" description:"Cap on campaigns this pass (0 = none, negative = no cap, unset = configured default)"`
	ForceAll     bool `long:"force-all" description:"Refresh every campaign regardless of watermark state"`

	Sink        SinkConfig            `group:"Sink" namespace:"sink" env-namespace:"SINK"`
	Warehouse   WarehouseConfig       `group:"Warehouse" namespace:"warehouse" env-namespace:"WAREHOUSE"`
	ETL         ETLConfig             `group:"ETL" namespace:"etl" env-namespace:"ETL"`
	Log         LogConfig             `group:"Logging" namespace:"log" env-namespace:"LOG"`
	Diagnostics mbp.DiagnosticsConfig `group:"Debug" namespace:"debug" env-namespace:"DEBUG"`
}

func (cmd cmdRunCampaigns) Execute(_ []string) error {
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

	var summary = stack.Engine.RunAllPendingCampaigns(ctx, runtime.Sweep{
		BatchSize:    cmd.BatchSize,
		MaxCampaigns: cmd.MaxCampaigns,
		ForceAll:     cmd.ForceAll,
	})

	var enc = json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err = enc.Encode(summary); err != nil {
		return fmt.Errorf("encoding summary: %w", err)
	}

	if summary.Status == runtime.SweepFailed {
		return fmt.Errorf("sweep failed: %s", summary.Error)
	}
	return nil
}
