package main

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"
	mbp "go.gazette.dev/core/mainboilerplate"

	"github.com/reyer3/Pulso-Back-sub000/go/calendar"
	"github.com/reyer3/Pulso-Back-sub000/go/catalog"
	"github.com/reyer3/Pulso-Back-sub000/go/runtime"
	"github.com/reyer3/Pulso-Back-sub000/go/sink"
	"github.com/reyer3/Pulso-Back-sub000/go/transform"
	"github.com/reyer3/Pulso-Back-sub000/go/watermarks"
)

type cmdApply struct {
	ProjectUID string `long:"project-uid" env:"PROJECT_UID" required:"true" description:"Project UID suffixing sink schemas (raw_<uid>, mart_<uid>, ...)"`
	DryRun     bool   `long:"dry-run" description:"Print the DDL without executing it"`

	Sink        SinkConfig            `group:"Sink" namespace:"sink" env-namespace:"SINK"`
	Log         LogConfig             `group:"Logging" namespace:"log" env-namespace:"LOG"`
	Diagnostics mbp.DiagnosticsConfig `group:"Debug" namespace:"debug" env-namespace:"DEBUG"`
}

// applyTable pairs a table with the indexes ensured alongside it.
type applyTable struct {
	table   *sink.Table
	indexes []sink.Index
}

func (cmd cmdApply) Execute(_ []string) error {
	defer mbp.InitDiagnosticsAndRecover(cmd.Diagnostics)()
	initLog(cmd.Log)

	var schemas, tables, err = applyObjects(cmd.ProjectUID)
	if err != nil {
		return err
	}

	if cmd.DryRun {
		return printDDL(schemas, tables)
	}

	var ctx = context.Background()
	ep, err := sink.NewEndpoint(ctx, cmd.Sink.endpoint())
	if err != nil {
		return err
	}
	defer ep.Close()

	for _, schema := range schemas {
		if err = ep.EnsureSchema(ctx, schema); err != nil {
			return err
		}
	}
	for _, t := range tables {
		if err = ep.EnsureTable(ctx, t.table, t.indexes...); err != nil {
			return err
		}
	}

	log.WithFields(log.Fields{
		"schemas": len(schemas),
		"tables":  len(tables),
	}).Info("sink objects ensured")
	fmt.Println("Applied.")
	return nil
}

// applyObjects enumerates everything apply stands up: the four layer schemas,
// the engine's state tables, the campaign calendar, and the raw tables of the
// catalog (marts are created by their own scripts).
func applyObjects(projectUID string) ([]string, []applyTable, error) {
	var schemas []string
	for _, layer := range []catalog.Layer{catalog.LayerRaw, catalog.LayerDim, catalog.LayerAux, catalog.LayerMart} {
		schemas = append(schemas, fmt.Sprintf("%s_%s", layer, projectUID))
	}

	var tables = []applyTable{
		{watermarks.WatermarksTable(watermarks.DefaultSchema), watermarks.Indexes()},
		{runtime.ExecLogTable(watermarks.DefaultSchema), []sink.Index{
			{Name: "idx_etl_execution_log_ts", Columns: []string{"ts"}, Descending: true},
		}},
		{calendar.CalendarTable("dim_" + projectUID), nil},
	}
	for _, t := range catalog.RawTables() {
		var spec, ok = transform.ForTable(t.Name)
		if !ok {
			return nil, nil, fmt.Errorf("table %q has no transform spec", t.Name)
		}
		tables = append(tables, applyTable{spec.SinkTable(t.Schema(projectUID)), nil})
	}
	return schemas, tables, nil
}

func printDDL(schemas []string, tables []applyTable) error {
	var gen = sink.PostgresGenerator()

	for _, schema := range schemas {
		var statement, err = gen.CreateSchema(schema)
		if err != nil {
			return err
		}
		fmt.Print(statement)
	}
	for _, t := range tables {
		var create = *t.table
		create.IfNotExists = true
		statement, err := gen.CreateTable(&create)
		if err != nil {
			return err
		}
		fmt.Print(statement)

		for _, idx := range t.indexes {
			if statement, err = gen.CreateIndex(t.table, idx.Name, idx.Columns, idx.Descending); err != nil {
				return err
			}
			fmt.Print(statement)
		}
	}
	fmt.Println("Not applied (dry run).")
	return nil
}
