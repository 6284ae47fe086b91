package sink

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"
)

// Index names an index to ensure over a table's columns.
type Index struct {
	Name       string
	Columns    []string
	Descending bool
}

// EnsureSchema creates the schema when the dialect has schemas; otherwise it
// is a no-op (the sqlite test dialect keeps everything in one namespace).
func (ep *Endpoint) EnsureSchema(ctx context.Context, schema string) error {
	if !ep.Generator.SchemasSupported || schema == "" {
		return nil
	}
	var statement, err = ep.Generator.CreateSchema(schema)
	if err != nil {
		return err
	}
	if _, err = ep.DB.ExecContext(ctx, statement); err != nil {
		return fmt.Errorf("creating schema %q: %w", schema, err)
	}
	log.WithField("schema", schema).Debug("ensured schema")
	return nil
}

// EnsureTable creates the table (and any of the given indexes) if absent.
func (ep *Endpoint) EnsureTable(ctx context.Context, table *Table, indexes ...Index) error {
	if err := ep.EnsureSchema(ctx, table.Schema); err != nil {
		return err
	}

	var create = *table
	create.IfNotExists = true
	statement, err := ep.Generator.CreateTable(&create)
	if err != nil {
		return err
	}
	if _, err = ep.DB.ExecContext(ctx, statement); err != nil {
		return fmt.Errorf("creating table %s: %w", table.Identifier(), err)
	}

	for _, idx := range indexes {
		statement, err = ep.Generator.CreateIndex(table, idx.Name, idx.Columns, idx.Descending)
		if err != nil {
			return err
		}
		if _, err = ep.DB.ExecContext(ctx, statement); err != nil {
			return fmt.Errorf("creating index %s on %s: %w", idx.Name, table.Identifier(), err)
		}
	}

	log.WithFields(log.Fields{
		"table":   table.Identifier(),
		"indexes": len(indexes),
	}).Debug("ensured table")
	return nil
}
