// Package transform coerces warehouse rows into the typed shape the sink
// expects, dropping rows that cannot be keyed and counting everything it
// touches.
package transform

import (
	"fmt"

	log "github.com/sirupsen/logrus"

	"github.com/reyer3/Pulso-Back-sub000/go/sink"
)

// Stats counts what a Transformer did to the rows it saw.
type Stats struct {
	// Processed rows read from the warehouse.
	Processed int64 `json:"processed"`
	// Transformed rows handed to the sink.
	Transformed int64 `json:"transformed"`
	// Skipped rows dropped by key or table checks.
	Skipped int64 `json:"skipped"`
	// Errors counts rows whose coercion failed.
	Errors int64 `json:"errors"`
}

// A Transformer applies one table's spec to row batches. It keeps running
// counters and is not safe for concurrent use; each table run owns one.
type Transformer struct {
	spec  *TableSpec
	stats Stats
}

// NewTransformer returns a Transformer for a logical table.
func NewTransformer(table string) (*Transformer, error) {
	var spec, ok = ForTable(table)
	if !ok {
		return nil, fmt.Errorf("no transform spec for table %q", table)
	}
	return &Transformer{spec: spec}, nil
}

// Spec returns the table spec driving this Transformer.
func (t *Transformer) Spec() *TableSpec { return t.spec }

// Stats returns the counters accumulated so far.
func (t *Transformer) Stats() Stats { return t.stats }

// Transform coerces a batch of named rows into positional sink rows. A row
// that fails coercion is logged and dropped without aborting the batch.
func (t *Transformer) Transform(batch []map[string]interface{}) []sink.Row {
	var out = make([]sink.Row, 0, len(batch))

rowLoop:
	for _, raw := range batch {
		t.stats.Processed++

		var vals = make(map[string]interface{}, len(t.spec.Columns))
		for i := range t.spec.Columns {
			var col = &t.spec.Columns[i]
			var coerced, err = coerceValue(col, raw[col.Name])
			if err != nil {
				t.stats.Errors++
				log.WithFields(log.Fields{
					"table":  t.spec.Table,
					"column": col.Name,
					"key":    t.keyFields(raw),
					"error":  err,
				}).Warn("dropping row that failed coercion")
				continue rowLoop
			}
			if coerced == nil && col.PrimaryKey {
				t.stats.Skipped++
				log.WithFields(log.Fields{
					"table":  t.spec.Table,
					"column": col.Name,
				}).Debug("dropping row with null key column")
				continue rowLoop
			}
			vals[col.Name] = coerced
		}

		for _, check := range t.spec.Checks {
			if !check.Accept(vals) {
				t.stats.Skipped++
				log.WithFields(log.Fields{
					"table": t.spec.Table,
					"check": check.Name,
					"key":   t.keyFields(vals),
				}).Debug("dropping row rejected by table check")
				continue rowLoop
			}
		}

		var row = make(sink.Row, len(t.spec.Columns))
		for i := range t.spec.Columns {
			row[i] = vals[t.spec.Columns[i].Name]
		}
		out = append(out, row)
		t.stats.Transformed++
	}

	return out
}

func coerceValue(col *Column, v interface{}) (interface{}, error) {
	switch col.Type {
	case String:
		return coerceString(v, col.MaxLength)
	case Integer:
		return coerceInteger(v)
	case Number:
		return coerceNumber(v)
	case Boolean:
		return coerceBoolean(v)
	case Date:
		return coerceDate(v)
	case DateTime:
		return coerceDateTime(v)
	case Enum:
		return coerceEnum(v, col.Enum, col.EnumDefault)
	default:
		return nil, fmt.Errorf("unknown column type %d", col.Type)
	}
}

// keyFields extracts the row's key values for log context.
func (t *Transformer) keyFields(row map[string]interface{}) map[string]interface{} {
	var key = make(map[string]interface{})
	for _, c := range t.spec.Columns {
		if c.PrimaryKey {
			if v, ok := row[c.Name]; ok {
				key[c.Name] = v
			}
		}
	}
	return key
}
