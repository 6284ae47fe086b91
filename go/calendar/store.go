package calendar

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/reyer3/Pulso-Back-sub000/go/sink"
)

// TableName is the campaign calendar dimension, maintained by its own
// full-refresh extraction and read here.
const TableName = "calendario_campanas"

// CalendarTable describes the dimension table for DDL generation. Kept in
// lockstep with the calendario_campanas transform spec, which also drops any
// row that would violate the open-date constraint.
func CalendarTable(schema string) *sink.Table {
	return &sink.Table{
		Schema: schema,
		Name:   TableName,
		Columns: []sink.Column{
			{Name: "archivo", PrimaryKey: true, Type: sink.STRING, NotNull: true, MaxLength: 120},
			{Name: "fecha_apertura", Type: sink.DATE, NotNull: true},
			{Name: "fecha_cierre", Type: sink.DATE},
			{Name: "tipo_cartera", Type: sink.STRING, MaxLength: 64},
			{Name: "estado", Type: sink.STRING, MaxLength: 32},
		},
	}
}

// Store reads campaigns from the calendar dimension.
type Store struct {
	ep      *sink.Endpoint
	table   *sink.Table
	loadSQL string
}

// NewStore builds a Store over the calendar dimension of the given schema
// (dim_<projectUID> in production).
func NewStore(ep *sink.Endpoint, schema string) *Store {
	var table = CalendarTable(schema)
	var s = &Store{ep: ep, table: table}
	s.loadSQL = fmt.Sprintf(
		`SELECT "archivo", "fecha_apertura", "fecha_cierre", "tipo_cartera", "estado" FROM %s ORDER BY "fecha_apertura" ASC, "archivo" ASC;`,
		ep.Generator.QualifiedIdentifier(table))
	return s
}

// EnsureTable creates the dimension if absent.
func (s *Store) EnsureTable(ctx context.Context) error {
	return s.ep.EnsureTable(ctx, s.table)
}

// LoadCampaigns returns every campaign ordered by opening date.
func (s *Store) LoadCampaigns(ctx context.Context) ([]Campaign, error) {
	var rows, err = s.ep.DB.QueryContext(ctx, s.loadSQL)
	if err != nil {
		return nil, fmt.Errorf("loading campaign calendar: %w", err)
	}
	defer rows.Close()

	var campaigns []Campaign
	for rows.Next() {
		var c Campaign
		var closeDate sql.NullTime
		var portfolio, state sql.NullString
		if err = rows.Scan(&c.Archivo, &c.OpenDate, &closeDate, &portfolio, &state); err != nil {
			return nil, fmt.Errorf("scanning campaign row: %w", err)
		}
		c.OpenDate = Day(c.OpenDate)
		if closeDate.Valid {
			var d = Day(closeDate.Time)
			c.CloseDate = &d
		}
		c.PortfolioType = portfolio.String
		c.State = state.String
		campaigns = append(campaigns, c)
	}
	return campaigns, rows.Err()
}

// Seed inserts campaigns into the dimension. Tests and backfills use it; the
// production dimension is refreshed from the warehouse.
func (s *Store) Seed(ctx context.Context, campaigns []Campaign) error {
	var writer = sink.NewWriter(s.ep, 0)
	var rows = make([]sink.Row, 0, len(campaigns))
	for _, c := range campaigns {
		var closeDate interface{}
		if c.CloseDate != nil {
			closeDate = *c.CloseDate
		}
		rows = append(rows, sink.Row{c.Archivo, c.OpenDate, closeDate, c.PortfolioType, c.State})
	}
	var result = writer.LoadBatch(ctx, s.table, rows)
	if result.Status != sink.StatusSuccess {
		return fmt.Errorf("seeding campaign calendar: %s", result.Error)
	}
	return nil
}
