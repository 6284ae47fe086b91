package transform

import (
	"fmt"
	"time"

	"github.com/reyer3/Pulso-Back-sub000/go/sink"
)

// Type is the declared type a column is coerced to.
type Type int

const (
	String Type = iota
	Integer
	Number
	Boolean
	Date
	DateTime
	Enum
)

// Column is one typed column of a logical table.
type Column struct {
	// Name in both the warehouse result and the sink table.
	Name string
	// Type the raw value is coerced to.
	Type Type
	// PrimaryKey columns must be non-null; rows missing one are dropped.
	PrimaryKey bool
	// MaxLength truncates string values and constrains the sink column.
	MaxLength uint32
	// Enum is the canonical value set for Enum columns.
	Enum []string
	// EnumDefault replaces null or unrecognized Enum values.
	EnumDefault string
}

// A Check drops rows that fail a table-specific requirement. Dropped rows
// count as skipped, not as errors.
type Check struct {
	// Name appears in logs when the check rejects a row.
	Name string
	// Accept inspects the coerced values by column name.
	Accept func(vals map[string]interface{}) bool
}

// TableSpec declares the typed shape of one logical table.
type TableSpec struct {
	Table   string
	Columns []Column
	Checks  []Check
}

// requirePositiveMonto drops rows whose monto is absent or not positive.
var requirePositiveMonto = Check{
	Name: "monto_positivo",
	Accept: func(vals map[string]interface{}) bool {
		var monto, ok = vals["monto"].(float64)
		return ok && monto > 0
	},
}

// requireOpenDate drops calendar rows without an opening date; every window
// computation starts from it.
var requireOpenDate = Check{
	Name: "fecha_apertura_presente",
	Accept: func(vals map[string]interface{}) bool {
		var _, ok = vals["fecha_apertura"].(time.Time)
		return ok
	},
}

var channelValues = []string{"BOT", "HUMANO"}

var specs = []TableSpec{
	{
		Table: "asignacion",
		Columns: []Column{
			{Name: "cod_luna", Type: Integer, PrimaryKey: true},
			{Name: "archivo", Type: String, PrimaryKey: true, MaxLength: 120},
			{Name: "servicio", Type: String, MaxLength: 64},
			{Name: "cartera", Type: String, MaxLength: 64},
			{Name: "fraccionamiento", Type: Boolean},
			{Name: "fecha_asignacion", Type: Date},
			{Name: "creado_el", Type: DateTime},
		},
	},
	{
		Table: "trandeuda",
		Columns: []Column{
			{Name: "cod_luna", Type: Integer, PrimaryKey: true},
			{Name: "nro_documento", Type: String, PrimaryKey: true, MaxLength: 24},
			{Name: "archivo", Type: String, MaxLength: 120},
			{Name: "monto", Type: Number},
			{Name: "fecha_trandeuda", Type: Date},
			{Name: "creado_el", Type: DateTime},
		},
		Checks: []Check{requirePositiveMonto},
	},
	{
		Table: "pagos",
		Columns: []Column{
			{Name: "cod_luna", Type: Integer, PrimaryKey: true},
			{Name: "nro_documento", Type: String, PrimaryKey: true, MaxLength: 24},
			{Name: "fecha_pago", Type: Date, PrimaryKey: true},
			{Name: "monto", Type: Number},
			{Name: "creado_el", Type: DateTime},
		},
		Checks: []Check{requirePositiveMonto},
	},
	{
		Table: "gestiones_bot",
		Columns: []Column{
			{Name: "cod_luna", Type: Integer, PrimaryKey: true},
			{Name: "fecha_gestion", Type: DateTime, PrimaryKey: true},
			{Name: "canal", Type: Enum, Enum: channelValues, EnumDefault: "BOT"},
			{Name: "gestion", Type: String, MaxLength: 128},
			{Name: "compromiso", Type: Boolean},
			{Name: "monto_compromiso", Type: Number},
			{Name: "fecha_compromiso", Type: Date},
		},
	},
	{
		Table: "gestiones_humano",
		Columns: []Column{
			{Name: "cod_luna", Type: Integer, PrimaryKey: true},
			{Name: "fecha_gestion", Type: DateTime, PrimaryKey: true},
			{Name: "canal", Type: Enum, Enum: channelValues, EnumDefault: "HUMANO"},
			{Name: "gestion", Type: String, MaxLength: 128},
			{Name: "ejecutivo", Type: String, MaxLength: 128},
			{Name: "compromiso", Type: Boolean},
			{Name: "monto_compromiso", Type: Number},
			{Name: "fecha_compromiso", Type: Date},
		},
	},
	{
		Table: "calendario_campanas",
		Columns: []Column{
			{Name: "archivo", Type: String, PrimaryKey: true, MaxLength: 120},
			{Name: "fecha_apertura", Type: Date},
			{Name: "fecha_cierre", Type: Date},
			{Name: "tipo_cartera", Type: String, MaxLength: 64},
			{Name: "estado", Type: String, MaxLength: 32},
		},
		Checks: []Check{requireOpenDate},
	},
}

// ForTable returns the spec of a logical table.
func ForTable(name string) (*TableSpec, bool) {
	for i := range specs {
		if specs[i].Table == name {
			return &specs[i], true
		}
	}
	return nil, false
}

// SinkTable projects the spec into the sink DDL shape for a schema.
func (s *TableSpec) SinkTable(schema string) *sink.Table {
	var out = &sink.Table{Schema: schema, Name: s.Table, IfNotExists: true}
	for _, c := range s.Columns {
		out.Columns = append(out.Columns, sink.Column{
			Name:       c.Name,
			PrimaryKey: c.PrimaryKey,
			Type:       c.sinkKind(),
			MaxLength:  c.MaxLength,
			NotNull:    c.PrimaryKey,
		})
	}
	return out
}

func (c *Column) sinkKind() sink.Kind {
	switch c.Type {
	case Integer:
		return sink.INTEGER
	case Number:
		return sink.NUMBER
	case Boolean:
		return sink.BOOLEAN
	case Date:
		return sink.DATE
	case DateTime:
		return sink.TIMESTAMP
	default:
		return sink.STRING
	}
}

func init() {
	var seen = make(map[string]bool, len(specs))
	for i := range specs {
		var s = &specs[i]
		if seen[s.Table] {
			panic(fmt.Sprintf("transform: table %q declared twice", s.Table))
		}
		seen[s.Table] = true

		var keys int
		for _, c := range s.Columns {
			if c.PrimaryKey {
				keys++
			}
			if c.Type == Enum && c.EnumDefault == "" {
				panic(fmt.Sprintf("transform: enum column %s.%s has no default", s.Table, c.Name))
			}
		}
		if keys == 0 {
			panic(fmt.Sprintf("transform: table %q has no primary key", s.Table))
		}
	}
}
