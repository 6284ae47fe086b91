package main

import (
	"context"
	"fmt"
	"time"

	mbp "go.gazette.dev/core/mainboilerplate"

	"github.com/reyer3/Pulso-Back-sub000/go/catalog"
	"github.com/reyer3/Pulso-Back-sub000/go/extract"
	"github.com/reyer3/Pulso-Back-sub000/go/sink"
	"github.com/reyer3/Pulso-Back-sub000/go/warehouse"
)

type cmdCheck struct {
	Table string `long:"table" default:"calendario_campanas" description:"Catalog table whose template the warehouse probe dry-runs"`

	Sink        SinkConfig            `group:"Sink" namespace:"sink" env-namespace:"SINK"`
	Warehouse   WarehouseConfig       `group:"Warehouse" namespace:"warehouse" env-namespace:"WAREHOUSE"`
	ETL         ETLConfig             `group:"ETL" namespace:"etl" env-namespace:"ETL"`
	Log         LogConfig             `group:"Logging" namespace:"log" env-namespace:"LOG"`
	Diagnostics mbp.DiagnosticsConfig `group:"Debug" namespace:"debug" env-namespace:"DEBUG"`
}

// Execute probes each end separately so a broken warehouse still reports the
// sink result, and vice versa. Nothing is written anywhere.
func (cmd cmdCheck) Execute(_ []string) error {
	defer mbp.InitDiagnosticsAndRecover(cmd.Diagnostics)()
	initLog(cmd.Log)

	var ctx = context.Background()
	var failures int

	if err := cmd.checkSink(ctx); err != nil {
		fmt.Println("sink:     ", red("failed"), "", err)
		failures++
	}
	if err := cmd.checkWarehouse(ctx); err != nil {
		fmt.Println("warehouse:", red("failed"), "", err)
		failures++
	}

	if failures > 0 {
		return fmt.Errorf("%d probe(s) failed", failures)
	}
	return nil
}

func (cmd cmdCheck) checkSink(ctx context.Context) error {
	var started = time.Now()
	var ep, err = sink.NewEndpoint(ctx, cmd.Sink.endpoint())
	if err != nil {
		return err
	}
	defer ep.Close()

	if err = ep.Ping(ctx); err != nil {
		return err
	}
	fmt.Printf("sink:      %s (%s)\n", green("ok"), time.Since(started).Round(time.Millisecond))
	return nil
}

func (cmd cmdCheck) checkWarehouse(ctx context.Context) error {
	var tbl, ok = catalog.Lookup(cmd.Table)
	if !ok {
		return fmt.Errorf("unknown table %q", cmd.Table)
	}

	var loader, err = extract.NewLoader(cmd.ETL.TemplatesRoot)
	if err != nil {
		return err
	}
	defer loader.Close()

	reader, err := warehouse.NewReader(warehouse.Config{
		ProjectID:       cmd.Warehouse.Project,
		DatasetID:       cmd.Warehouse.Dataset,
		CredentialsFile: cmd.Warehouse.CredentialsFile,
		Location:        cmd.Warehouse.Location,
		MaxBytesBilled:  cmd.Warehouse.MaxBytesBilled,
		QueryTimeout:    cmd.Warehouse.QueryTimeout,
	})
	if err != nil {
		return err
	}
	defer reader.Close()

	// An unscoped build reads the whole table, which is exactly what the
	// cost probe should price.
	var builder = extract.NewBuilder(loader, cmd.Warehouse.Project, cmd.Warehouse.Dataset)
	query, err := builder.Build(ctx, tbl, extract.BuildInput{Strategy: extract.StrategyAuto})
	if err != nil {
		return err
	}

	var started = time.Now()
	estimate, err := reader.EstimateBytes(ctx, query.SQL)
	if err != nil {
		return err
	}

	fmt.Printf("warehouse: %s (%s prices a full read of %s at %s, %s)\n",
		green("ok"), tbl.Template, cmd.Table,
		fmtBytes(estimate), time.Since(started).Round(time.Millisecond))
	if estimate > reader.MaxBytesBilled() {
		fmt.Printf("           %s full reads of %s exceed the %s billing ceiling; windowed runs are narrower\n",
			yellow("note:"), cmd.Table, fmtBytes(reader.MaxBytesBilled()))
	}
	return nil
}

func fmtBytes(n int64) string {
	switch {
	case n >= 1<<30:
		return fmt.Sprintf("%.1f GiB", float64(n)/(1<<30))
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MiB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KiB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%d B", n)
	}
}
