package calendar

import (
	"context"
	"database/sql"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/reyer3/Pulso-Back-sub000/go/sink"
)

func TestSeedAndLoadCampaigns(t *testing.T) {
	var ctx = context.Background()
	var store = sqliteCalendar(t)

	var closeDate = time.Date(2025, 6, 30, 0, 0, 0, 0, time.UTC)
	require.NoError(t, store.Seed(ctx, []Campaign{
		{
			Archivo:       "CD25_20250701_CASTIGADA",
			OpenDate:      time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC),
			PortfolioType: "castigada",
			State:         "abierta",
		},
		{
			Archivo:       "ASIG_20250601_TEMPRANA",
			OpenDate:      time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
			CloseDate:     &closeDate,
			PortfolioType: "temprana",
			State:         "cerrada",
		},
	}))

	var campaigns, err = store.LoadCampaigns(ctx)
	require.NoError(t, err)
	require.Len(t, campaigns, 2)

	// Ordered by opening date, not by insertion or name.
	require.Equal(t, "ASIG_20250601_TEMPRANA", campaigns[0].Archivo)
	require.Equal(t, "CD25_20250701_CASTIGADA", campaigns[1].Archivo)

	var closed = campaigns[0]
	require.True(t, closed.OpenDate.Equal(time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)))
	require.NotNil(t, closed.CloseDate)
	require.True(t, closed.CloseDate.Equal(closeDate))
	require.Equal(t, "temprana", closed.PortfolioType)
	require.Equal(t, "cerrada", closed.State)

	require.Nil(t, campaigns[1].CloseDate)
}

func TestLoadCampaignsEmpty(t *testing.T) {
	var store = sqliteCalendar(t)

	var campaigns, err = store.LoadCampaigns(context.Background())
	require.NoError(t, err)
	require.Empty(t, campaigns)
}

func sqliteCalendar(t *testing.T) *Store {
	var db, err = sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })

	var store = NewStore(&sink.Endpoint{DB: db, Generator: sink.SQLiteGenerator()}, "dim_p01")
	require.NoError(t, store.EnsureTable(context.Background()))
	return store
}
