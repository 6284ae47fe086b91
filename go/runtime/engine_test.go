package runtime

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"

	"github.com/reyer3/Pulso-Back-sub000/go/calendar"
	"github.com/reyer3/Pulso-Back-sub000/go/catalog"
	"github.com/reyer3/Pulso-Back-sub000/go/extract"
	"github.com/reyer3/Pulso-Back-sub000/go/marts"
	"github.com/reyer3/Pulso-Back-sub000/go/sink"
	"github.com/reyer3/Pulso-Back-sub000/go/transform"
	"github.com/reyer3/Pulso-Back-sub000/go/warehouse"
	"github.com/reyer3/Pulso-Back-sub000/go/watermarks"
)

// testNow anchors every engine test clock: a Tuesday well past the close of
// the fixture campaign.
var testNow = time.Date(2025, 7, 15, 12, 0, 0, 0, time.UTC)

func TestNewEngineValidates(t *testing.T) {
	var _, err = NewEngine(Options{})
	require.Error(t, err)

	_, err = NewEngine(Options{Config: Config{ProjectUID: "p01"}})
	require.Error(t, err)
}

func TestNewEngineAppliesDefaults(t *testing.T) {
	var h = newHarness(t)
	var e, err = NewEngine(Options{
		Config:  Config{ProjectUID: "p01"},
		Reader:  h.reader,
		Writer:  h.engine.writer,
		Store:   h.store,
		Builder: h.engine.builder,
	})
	require.NoError(t, err)
	require.Equal(t, DefaultPageSize, e.cfg.PageSize)
	require.Equal(t, DefaultMaxBatchSize, e.cfg.MaxBatchSize)
	require.Equal(t, DefaultTableParallelism, e.cfg.TableParallelism)
	require.Equal(t, DefaultCampaignBatchSize, e.cfg.CampaignBatchSize)
	require.Equal(t, DefaultStaleAfter, e.cfg.StaleAfter)
	// Optional collaborators fall back to inert implementations.
	require.NotNil(t, e.marts)
}

// stubReader serves canned pages per query and records every SQL it saw.
type stubReader struct {
	mu      sync.Mutex
	queries []string
	// pages returned for every query, in order.
	pages [][]map[string]interface{}
	// err, when set, fails the query after any pages were served.
	err error
	// failContaining, when set, fails any query containing the substring
	// before a single page is served.
	failContaining string
	// onQuery, when set, runs before a query is served. Tests use it to
	// gate or count concurrent extractions.
	onQuery func(sql string)
}

func (r *stubReader) QueryPages(ctx context.Context, sql string, pageSize int, fn func(warehouse.Page) error) (warehouse.QueryStats, error) {
	if r.onQuery != nil {
		r.onQuery(sql)
	}
	r.mu.Lock()
	r.queries = append(r.queries, sql)
	var pages = r.pages
	var err = r.err
	var failFor = r.failContaining
	r.mu.Unlock()

	var stats = warehouse.QueryStats{JobID: "job-test", Attempts: 1}
	if failFor != "" && strings.Contains(sql, failFor) {
		return stats, fmt.Errorf("permission denied on %s", failFor)
	}
	for i, page := range pages {
		if ctx.Err() != nil {
			return stats, ctx.Err()
		}
		if err := fn(warehouse.Page{Number: i + 1, Rows: page}); err != nil {
			return stats, err
		}
		stats.TotalRows += uint64(len(page))
	}
	return stats, err
}

func (r *stubReader) queryCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.queries)
}

func (r *stubReader) lastQuery() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.queries) == 0 {
		return ""
	}
	return r.queries[len(r.queries)-1]
}

// stubMarts counts builds and can fail or run a hook.
type stubMarts struct {
	mu      sync.Mutex
	builds  []string
	result  marts.Result
	err     error
	onBuild func(c *calendar.Campaign)
}

func (m *stubMarts) Build(ctx context.Context, c *calendar.Campaign) (marts.Result, error) {
	if m.onBuild != nil {
		m.onBuild(c)
	}
	m.mu.Lock()
	m.builds = append(m.builds, c.Archivo)
	m.mu.Unlock()
	return m.result, m.err
}

func (m *stubMarts) buildCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.builds)
}

// stubCampaigns is a fixed campaign calendar.
type stubCampaigns struct {
	campaigns []calendar.Campaign
	err       error
}

func (s *stubCampaigns) LoadCampaigns(context.Context) ([]calendar.Campaign, error) {
	return s.campaigns, s.err
}

// harness wires an Engine from a stub reader, a real sqlite-backed sink and
// watermark store, the real transformer, and the real query builder over
// templates written to a temp dir.
type harness struct {
	engine    *Engine
	ep        *sink.Endpoint
	store     *watermarks.Store
	reader    *stubReader
	marts     *stubMarts
	campaigns *stubCampaigns
}

func newHarness(t *testing.T) *harness {
	var ctx = context.Background()

	var db, err = sql.Open("sqlite3", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = db.Close() })
	var ep = &sink.Endpoint{DB: db, Generator: sink.SQLiteGenerator()}

	// Every sink table the engine may touch.
	for _, tbl := range catalog.All() {
		var spec, ok = transform.ForTable(tbl.Name)
		require.True(t, ok, "table %s has no transform spec", tbl.Name)
		require.NoError(t, ep.EnsureTable(ctx, spec.SinkTable(tbl.Schema("p01"))))
	}

	var store = watermarks.NewStore(ep)
	require.NoError(t, store.EnsureTable(ctx))

	var execLog = NewExecLog(ep)
	require.NoError(t, execLog.EnsureTable(ctx))

	var dir = t.TempDir()
	for _, tbl := range catalog.All() {
		var body = fmt.Sprintf(
			"SELECT * FROM `{project_id}.{dataset_id}.batch_%s` WHERE {incremental_filter}", tbl.Name)
		require.NoError(t, os.WriteFile(filepath.Join(dir, tbl.Template), []byte(body), 0644))
	}
	loader, err := extract.NewLoader(dir)
	require.NoError(t, err)
	t.Cleanup(func() { _ = loader.Close() })

	var h = &harness{
		ep:        ep,
		store:     store,
		reader:    &stubReader{},
		marts:     &stubMarts{},
		campaigns: &stubCampaigns{},
	}

	h.engine, err = NewEngine(Options{
		Config: Config{
			ProjectUID:        "p01",
			MaxBatchSize:      DefaultMaxBatchSize,
			TableParallelism:  2,
			CampaignBatchSize: 2,
		},
		Reader:    h.reader,
		Writer:    sink.NewWriter(ep, 0),
		Store:     store,
		Builder:   extract.NewBuilder(loader, "proj", "dataset"),
		Campaigns: h.campaigns,
		Marts:     h.marts,
		ExecLog:   execLog,
	})
	require.NoError(t, err)

	h.engine.now = func() time.Time { return testNow }
	var n int
	h.engine.newID = func() string {
		n++
		return fmt.Sprintf("extraction-%d", n)
	}
	return h
}

// closedCampaign ran through June 2025 and has closed.
func closedCampaign() *calendar.Campaign {
	var closeDate = time.Date(2025, 6, 30, 0, 0, 0, 0, time.UTC)
	return &calendar.Campaign{
		Archivo:       "ASIG_20250601_TEMPRANA",
		OpenDate:      time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC),
		CloseDate:     &closeDate,
		PortfolioType: "temprana",
		State:         "cerrada",
	}
}

// sourceRow is a warehouse row that satisfies the key and check rules of
// every raw table, so one fixture serves all five.
func sourceRow(n int64) map[string]interface{} {
	var day = time.Date(2025, 6, 10, 9, 30, 0, 0, time.UTC).Add(time.Duration(n) * time.Hour)
	return map[string]interface{}{
		"cod_luna":         n,
		"archivo":          "ASIG_20250601_TEMPRANA",
		"servicio":         "movil",
		"cartera":          "temprana",
		"fraccionamiento":  false,
		"fecha_asignacion": day,
		"creado_el":        day,
		"nro_documento":    fmt.Sprintf("DOC-%03d", n),
		"monto":            100.0 + float64(n),
		"fecha_trandeuda":  day,
		"fecha_pago":       day,
		"fecha_gestion":    day,
		"canal":            "BOT",
		"gestion":          "contacto efectivo",
		"ejecutivo":        "bot",
		"compromiso":       true,
		"monto_compromiso": 50.0,
		"fecha_compromiso": day,
	}
}

func sourcePage(from, count int64) []map[string]interface{} {
	var rows = make([]map[string]interface{}, 0, count)
	for n := from; n < from+count; n++ {
		rows = append(rows, sourceRow(n))
	}
	return rows
}

func countSinkRows(t *testing.T, ep *sink.Endpoint, table string) int64 {
	var n int64
	require.NoError(t, ep.DB.QueryRow(`SELECT COUNT(*) FROM "`+table+`"`).Scan(&n))
	return n
}
