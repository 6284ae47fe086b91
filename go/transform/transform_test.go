package transform

import (
	"encoding/json"
	"math/big"
	"testing"
	"time"

	"cloud.google.com/go/civil"
	"github.com/nsf/jsondiff"
	"github.com/stretchr/testify/require"

	"github.com/reyer3/Pulso-Back-sub000/go/sink"
)

func TestTransformTrandeuda(t *testing.T) {
	var tr, err = NewTransformer("trandeuda")
	require.NoError(t, err)

	var rows = tr.Transform([]map[string]interface{}{
		{
			"cod_luna":        "  12345 ",
			"nro_documento":   "DOC-001",
			"archivo":         " ASIG_20250601_TEMPRANA ",
			"monto":           "S/. 1,250.50",
			"fecha_trandeuda": civil.Date{Year: 2025, Month: 6, Day: 2},
			"creado_el":       "2025-06-02T08:30:00",
		},
		{
			// Null key column: dropped as skipped.
			"cod_luna":      nil,
			"nro_documento": "DOC-002",
			"monto":         100.0,
		},
		{
			// Fails the monto check: dropped as skipped.
			"cod_luna":      int64(222),
			"nro_documento": "DOC-003",
			"monto":         int64(0),
		},
	})

	require.Len(t, rows, 1)
	require.Equal(t, sink.Row{
		int64(12345),
		"DOC-001",
		"ASIG_20250601_TEMPRANA",
		1250.50,
		time.Date(2025, 6, 2, 0, 0, 0, 0, time.UTC),
		time.Date(2025, 6, 2, 8, 30, 0, 0, time.UTC),
	}, rows[0])

	require.Equal(t, Stats{Processed: 3, Transformed: 1, Skipped: 2}, tr.Stats())
}

func TestTransformAsignacionDocument(t *testing.T) {
	var tr, err = NewTransformer("asignacion")
	require.NoError(t, err)

	var rows = tr.Transform([]map[string]interface{}{{
		"cod_luna":         " 88001 ",
		"archivo":          " ASIG_20250601_TEMPRANA ",
		"servicio":         "movil",
		"cartera":          "Temprana",
		"fraccionamiento":  "si",
		"fecha_asignacion": civil.Date{Year: 2025, Month: 6, Day: 1},
		"creado_el":        "2025-06-01T07:15:00",
	}})
	require.Len(t, rows, 1)

	var doc = make(map[string]interface{}, len(tr.Spec().Columns))
	for i, col := range tr.Spec().Columns {
		doc[col.Name] = rows[0][i]
	}
	actual, err := json.Marshal(doc)
	require.NoError(t, err)

	var expected = `{
		"cod_luna": 88001,
		"archivo": "ASIG_20250601_TEMPRANA",
		"servicio": "movil",
		"cartera": "Temprana",
		"fraccionamiento": true,
		"fecha_asignacion": "2025-06-01T00:00:00Z",
		"creado_el": "2025-06-01T07:15:00Z"
	}`
	var opts = jsondiff.DefaultConsoleOptions()
	var mode, diff = jsondiff.Compare(actual, []byte(expected), &opts)
	require.Equal(t, jsondiff.FullMatch, mode, diff)
}

func TestTransformCountsCoercionErrors(t *testing.T) {
	var tr, err = NewTransformer("pagos")
	require.NoError(t, err)

	var rows = tr.Transform([]map[string]interface{}{
		{
			"cod_luna":      struct{}{}, // no integer coercion exists
			"nro_documento": "DOC-001",
			"fecha_pago":    "2025-06-10",
			"monto":         50.0,
		},
		{
			"cod_luna":      int64(1),
			"nro_documento": "DOC-002",
			"fecha_pago":    "2025-06-10",
			"monto":         50.0,
		},
	})

	require.Len(t, rows, 1)
	require.Equal(t, Stats{Processed: 2, Transformed: 1, Errors: 1}, tr.Stats())
}

func TestTransformChannelEnum(t *testing.T) {
	var tr, err = NewTransformer("gestiones_bot")
	require.NoError(t, err)

	var when = time.Date(2025, 6, 10, 14, 0, 0, 0, time.UTC)
	var rows = tr.Transform([]map[string]interface{}{
		{"cod_luna": int64(1), "fecha_gestion": when, "canal": "bot"},
		{"cod_luna": int64(2), "fecha_gestion": when, "canal": "HUMANO"},
		{"cod_luna": int64(3), "fecha_gestion": when, "canal": "whatsapp"},
		{"cod_luna": int64(4), "fecha_gestion": when, "canal": nil},
	})

	require.Len(t, rows, 4)
	require.Equal(t, "BOT", rows[0][2])
	require.Equal(t, "HUMANO", rows[1][2])
	require.Equal(t, "BOT", rows[2][2])
	require.Equal(t, "BOT", rows[3][2])
}

func TestCoerceInteger(t *testing.T) {
	for raw, want := range map[string]int64{
		"S/. 1,250": 1250,
		"1250":      1250,
		"-42":       -42,
		" 7 ":       7,
	} {
		var got, err = coerceInteger(raw)
		require.NoError(t, err)
		require.Equal(t, want, got, "raw %q", raw)
	}

	got, err := coerceInteger("S/. ")
	require.NoError(t, err)
	require.Nil(t, got)

	got, err = coerceInteger(big.NewRat(2500, 2))
	require.NoError(t, err)
	require.Equal(t, int64(1250), got)

	_, err = coerceInteger(struct{}{})
	require.Error(t, err)
}

func TestCoerceNumber(t *testing.T) {
	got, err := coerceNumber("S/. 1,250.50")
	require.NoError(t, err)
	require.Equal(t, 1250.50, got)

	got, err = coerceNumber(big.NewRat(1, 4))
	require.NoError(t, err)
	require.Equal(t, 0.25, got)

	got, err = coerceNumber(nil)
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestCoerceBoolean(t *testing.T) {
	var cases = []struct {
		raw  interface{}
		want bool
	}{
		{true, true},
		{"1", true},
		{"yes", true},
		{"si", true},
		{"sí", true},
		{"Sí", true},
		{"no", false},
		{"0", false},
		{int64(1), true},
		{int64(2), false},
		{"", false},
		{nil, false},
	}
	for _, tc := range cases {
		var got, err = coerceBoolean(tc.raw)
		require.NoError(t, err)
		require.Equal(t, tc.want, got, "raw %v", tc.raw)
	}
}

func TestCoerceDateTime(t *testing.T) {
	var lima = time.FixedZone("America/Lima", -5*60*60)

	got, err := coerceDateTime(time.Date(2025, 6, 10, 10, 0, 0, 0, lima))
	require.NoError(t, err)
	require.Equal(t, time.Date(2025, 6, 10, 15, 0, 0, 0, time.UTC), got)

	// Naive datetimes are read as UTC.
	got, err = coerceDateTime("2025-06-10 10:00:00")
	require.NoError(t, err)
	require.Equal(t, time.Date(2025, 6, 10, 10, 0, 0, 0, time.UTC), got)

	got, err = coerceDateTime(civil.DateTime{
		Date: civil.Date{Year: 2025, Month: 6, Day: 10},
		Time: civil.Time{Hour: 10},
	})
	require.NoError(t, err)
	require.Equal(t, time.Date(2025, 6, 10, 10, 0, 0, 0, time.UTC), got)

	got, err = coerceDateTime("")
	require.NoError(t, err)
	require.Nil(t, got)

	_, err = coerceDateTime("not a date")
	require.Error(t, err)
}

func TestCoerceString(t *testing.T) {
	got, err := coerceString("  hola  ", 0)
	require.NoError(t, err)
	require.Equal(t, "hola", got)

	got, err = coerceString("   ", 0)
	require.NoError(t, err)
	require.Nil(t, got)

	// Truncation counts runes, not bytes.
	got, err = coerceString("ñandú", 3)
	require.NoError(t, err)
	require.Equal(t, "ñan", got)
}

func TestSinkTableProjection(t *testing.T) {
	var spec, ok = ForTable("gestiones_humano")
	require.True(t, ok)

	var tbl = spec.SinkTable("raw_p01")
	require.Equal(t, "raw_p01", tbl.Schema)
	require.Equal(t, "gestiones_humano", tbl.Name)
	require.True(t, tbl.IfNotExists)
	require.Equal(t, []string{"cod_luna", "fecha_gestion"}, tbl.KeyColumns())

	var canal = tbl.GetColumn("canal")
	require.NotNil(t, canal)
	require.Equal(t, sink.STRING, canal.Type)

	var fecha = tbl.GetColumn("fecha_gestion")
	require.Equal(t, sink.TIMESTAMP, fecha.Type)
	require.True(t, fecha.NotNull)
}
