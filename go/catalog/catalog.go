// Package catalog is the immutable registry of tables the engine knows how
// to extract: which layer they land in, how they are filtered, and which SQL
// template produces them.
package catalog

import (
	"fmt"
)

// Layer places a table within the sink's schema layout.
type Layer string

const (
	LayerRaw  Layer = "raw"
	LayerDim  Layer = "dim"
	LayerAux  Layer = "aux"
	LayerMart Layer = "mart"
)

// Mode selects how a table is loaded.
type Mode string

const (
	// ModeIncremental upserts a filtered window of rows.
	ModeIncremental Mode = "incremental"
	// ModeFull replaces the whole table on every run.
	ModeFull Mode = "full"
)

// Table is one catalog entry. Entries are registered at init and only ever
// handed out by value, so callers cannot mutate the registry.
type Table struct {
	// Name of the table in the sink.
	Name string
	// Source is the warehouse-side table the extraction template reads,
	// substituted for its {source_table} placeholder.
	Source string
	// Layer the table lands in.
	Layer Layer
	// Mode of loading.
	Mode Mode
	// Template is the SQL template file, relative to the templates root.
	Template string
	// IncrementalColumn drives watermark-strategy filters. Required for
	// incremental tables.
	IncrementalColumn string
	// DateColumn drives calendar-strategy windows. Defaults to
	// IncrementalColumn when empty.
	DateColumn string
	// BatchSize overrides the engine's page size for this table when > 0.
	BatchSize int
	// LookbackDays is re-read behind the watermark to absorb late updates.
	LookbackDays int
	// Window computes campaign date windows for this table's family.
	Window WindowRule
}

// FQN is the table's fully qualified sink name for a project:
// <layer>_<projectUID>.<name>.
func (t Table) FQN(projectUID string) string {
	return t.Schema(projectUID) + "." + t.Name
}

// Schema is the sink schema holding the table for a project.
func (t Table) Schema(projectUID string) string {
	return fmt.Sprintf("%s_%s", t.Layer, projectUID)
}

// CalendarColumn is the column calendar windows filter on.
func (t Table) CalendarColumn() string {
	if t.DateColumn != "" {
		return t.DateColumn
	}
	return t.IncrementalColumn
}

var registry = []Table{
	{
		Name:              "asignacion",
		Source:            "batch_asignacion",
		Layer:             LayerRaw,
		Mode:              ModeIncremental,
		Template:          "asignacion.sql",
		IncrementalColumn: "creado_el",
		DateColumn:        "fecha_asignacion",
		BatchSize:         1000,
		LookbackDays:      3,
		Window:            AssignmentWindow{},
	},
	{
		Name:              "trandeuda",
		Source:            "batch_trandeuda",
		Layer:             LayerRaw,
		Mode:              ModeIncremental,
		Template:          "trandeuda.sql",
		IncrementalColumn: "creado_el",
		DateColumn:        "fecha_trandeuda",
		BatchSize:         1000,
		LookbackDays:      3,
		Window:            DebtWindow{},
	},
	{
		Name:              "pagos",
		Source:            "batch_pagos",
		Layer:             LayerRaw,
		Mode:              ModeIncremental,
		Template:          "pagos.sql",
		IncrementalColumn: "fecha_pago",
		BatchSize:         500,
		LookbackDays:      7,
		Window:            PaymentWindow{},
	},
	{
		Name:              "gestiones_bot",
		Source:            "voicebot_gestiones",
		Layer:             LayerRaw,
		Mode:              ModeIncremental,
		Template:          "gestiones_bot.sql",
		IncrementalColumn: "fecha_gestion",
		BatchSize:         500,
		LookbackDays:      1,
		Window:            InteractionWindow{},
	},
	{
		Name:              "gestiones_humano",
		Source:            "mibotair_gestiones",
		Layer:             LayerRaw,
		Mode:              ModeIncremental,
		Template:          "gestiones_humano.sql",
		IncrementalColumn: "fecha_gestion",
		BatchSize:         500,
		LookbackDays:      1,
		Window:            InteractionWindow{},
	},
	{
		Name:     "calendario_campanas",
		Source:   "calendario_campanas",
		Layer:    LayerDim,
		Mode:     ModeFull,
		Template: "calendario_campanas.sql",
		Window:   DefaultWindow{},
	},
}

func init() {
	var seen = make(map[string]bool, len(registry))
	for _, t := range registry {
		if seen[t.Name] {
			panic(fmt.Sprintf("catalog: table %q registered twice", t.Name))
		}
		seen[t.Name] = true
		if t.Mode == ModeIncremental && t.IncrementalColumn == "" {
			panic(fmt.Sprintf("catalog: incremental table %q has no incremental column", t.Name))
		}
		if t.Source == "" {
			panic(fmt.Sprintf("catalog: table %q has no source table", t.Name))
		}
		if t.Template == "" {
			panic(fmt.Sprintf("catalog: table %q has no extraction template", t.Name))
		}
		if t.Window == nil {
			panic(fmt.Sprintf("catalog: table %q has no window rule", t.Name))
		}
	}
}

// Lookup returns the catalog entry for a table name.
func Lookup(name string) (Table, bool) {
	for _, t := range registry {
		if t.Name == name {
			return t, true
		}
	}
	return Table{}, false
}

// RawTables returns the raw-layer tables, in registration order. These are
// the tables a campaign run extracts.
func RawTables() []Table {
	var tables []Table
	for _, t := range registry {
		if t.Layer == LayerRaw {
			tables = append(tables, t)
		}
	}
	return tables
}

// All returns a copy of the whole registry.
func All() []Table {
	return append([]Table(nil), registry...)
}
