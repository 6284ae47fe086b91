package warehouse

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
)

// fakeJob replays scripted rows and fails at a given row index when set.
type fakeJob struct {
	rows    []map[string]interface{}
	at      int
	failAt  int // 1-based row index to fail at; 0 disables
	failErr error
	st      QueryStats
}

func (f *fakeJob) next() (map[string]interface{}, error) {
	if f.failAt > 0 && f.at == f.failAt-1 {
		return nil, f.failErr
	}
	if f.at >= len(f.rows) {
		return nil, iterator.Done
	}
	var row = f.rows[f.at]
	f.at++
	return row, nil
}

func (f *fakeJob) stats() QueryStats { return f.st }

// fakeRunner hands out one scripted attempt per runQuery call.
type fakeRunner struct {
	attempts []attempt
	calls    int
	sqls     []string
	dryBytes int64
	dryErr   error
}

type attempt struct {
	job queryJob
	err error
}

func (f *fakeRunner) runQuery(_ context.Context, sql string, _ int) (queryJob, error) {
	f.sqls = append(f.sqls, sql)
	var a = f.attempts[f.calls]
	f.calls++
	return a.job, a.err
}

func (f *fakeRunner) dryRun(context.Context, string) (int64, error) {
	return f.dryBytes, f.dryErr
}

func (f *fakeRunner) close() error { return nil }

func fakeReader(t *testing.T, runner *fakeRunner) *Reader {
	var r, err = NewReader(Config{
		ProjectID: "my-project",
		DatasetID: "my_dataset",
		RetryBase: time.Millisecond,
	})
	require.NoError(t, err)
	r.runner = runner
	return r
}

func scriptedRows(n int) []map[string]interface{} {
	var rows = make([]map[string]interface{}, n)
	for i := range rows {
		rows[i] = map[string]interface{}{"cod_luna": int64(i + 1)}
	}
	return rows
}

func TestQueryPagesChunksInOrder(t *testing.T) {
	var runner = &fakeRunner{attempts: []attempt{
		{job: &fakeJob{rows: scriptedRows(5), st: QueryStats{JobID: "job-1", BytesBilled: 2048}}},
	}}
	var r = fakeReader(t, runner)

	var pages []Page
	var stats, err = r.QueryPages(context.Background(), "SELECT 1", 2, func(p Page) error {
		pages = append(pages, p)
		return nil
	})
	require.NoError(t, err)

	require.Len(t, pages, 3)
	require.Equal(t, []int{1, 2, 3}, []int{pages[0].Number, pages[1].Number, pages[2].Number})
	require.Len(t, pages[0].Rows, 2)
	require.Len(t, pages[2].Rows, 1)
	require.Equal(t, int64(1), pages[0].Rows[0]["cod_luna"])
	require.Equal(t, int64(5), pages[2].Rows[0]["cod_luna"])

	require.Equal(t, uint64(5), stats.TotalRows)
	require.Equal(t, "job-1", stats.JobID)
	require.Equal(t, int64(2048), stats.BytesBilled)
	require.Equal(t, 1, stats.Attempts)
}

func TestQueryPagesRetriesTransientErrors(t *testing.T) {
	var runner = &fakeRunner{attempts: []attempt{
		{err: &googleapi.Error{Code: 503, Message: "backendError"}},
		{job: &fakeJob{rows: scriptedRows(1)}},
	}}
	var r = fakeReader(t, runner)

	var stats, err = r.QueryPages(context.Background(), "SELECT 1", 10, func(Page) error { return nil })
	require.NoError(t, err)
	require.Equal(t, 2, runner.calls)
	require.Equal(t, 2, stats.Attempts)
}

func TestQueryPagesDoesNotRetryPermanentErrors(t *testing.T) {
	var runner = &fakeRunner{attempts: []attempt{
		{err: &googleapi.Error{Code: 404, Message: "notFound"}},
	}}
	var r = fakeReader(t, runner)

	var _, err = r.QueryPages(context.Background(), "SELECT 1", 10, func(Page) error { return nil })
	require.Error(t, err)
	require.Equal(t, 1, runner.calls)
}

func TestQueryPagesDoesNotRetryAfterDelivery(t *testing.T) {
	// The failure lands after a full page went out; re-running would hand
	// the caller duplicate rows, so the error must surface instead.
	var runner = &fakeRunner{attempts: []attempt{
		{job: &fakeJob{
			rows:    scriptedRows(4),
			failAt:  3,
			failErr: &googleapi.Error{Code: 503, Message: "backendError"},
		}},
		{job: &fakeJob{rows: scriptedRows(4)}},
	}}
	var r = fakeReader(t, runner)

	var delivered int
	var _, err = r.QueryPages(context.Background(), "SELECT 1", 2, func(p Page) error {
		delivered += len(p.Rows)
		return nil
	})
	require.Error(t, err)
	require.Equal(t, 1, runner.calls)
	require.Equal(t, 2, delivered)
}

func TestQueryPagesStopsWhenSinkFails(t *testing.T) {
	var runner = &fakeRunner{attempts: []attempt{
		{job: &fakeJob{rows: scriptedRows(4)}},
	}}
	var r = fakeReader(t, runner)

	var sinkErr = errors.New("sink full")
	var _, err = r.QueryPages(context.Background(), "SELECT 1", 2, func(Page) error { return sinkErr })
	require.ErrorIs(t, err, sinkErr)
	require.Equal(t, 1, runner.calls)
}

func TestTestExtractionCapsRows(t *testing.T) {
	var runner = &fakeRunner{attempts: []attempt{
		{job: &fakeJob{rows: scriptedRows(3)}},
	}}
	var r = fakeReader(t, runner)

	var rows, _, err = r.TestExtraction(context.Background(), "SELECT * FROM pagos WHERE 1=1;")
	require.NoError(t, err)
	require.Len(t, rows, 3)
	require.Equal(t, "SELECT * FROM pagos WHERE 1=1 LIMIT 10", runner.sqls[0])

	runner.attempts = append(runner.attempts, attempt{job: &fakeJob{}})
	_, _, err = r.TestExtraction(context.Background(), "SELECT * FROM pagos LIMIT 5;")
	require.NoError(t, err)
	require.Equal(t, "SELECT * FROM pagos LIMIT 5", runner.sqls[1])
}

func TestEstimateBytes(t *testing.T) {
	var runner = &fakeRunner{dryBytes: 123456}
	var r = fakeReader(t, runner)

	var n, err = r.EstimateBytes(context.Background(), "SELECT 1")
	require.NoError(t, err)
	require.Equal(t, int64(123456), n)
}

func TestClassify(t *testing.T) {
	var cases = []struct {
		err  error
		want Kind
	}{
		{&googleapi.Error{Code: 503}, KindTransient},
		{&googleapi.Error{Code: 429}, KindTransient},
		{&googleapi.Error{Code: 401}, KindAuth},
		{&googleapi.Error{Code: 403}, KindAuth},
		{&googleapi.Error{Code: 400, Message: "query exceeded limit: bytesBilledLimitExceeded"}, KindBudget},
		{&googleapi.Error{Code: 400, Errors: []googleapi.ErrorItem{{Reason: "rateLimitExceeded"}}}, KindTransient},
		{&googleapi.Error{Code: 400, Message: "syntax error"}, KindPermanent},
		{fmt.Errorf("wrapping: %w", context.DeadlineExceeded), KindTimeout},
		{errors.New("anything else"), KindPermanent},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, Classify(tc.err), "error %v", tc.err)
	}
}

func TestConfigValidate(t *testing.T) {
	require.Error(t, Config{DatasetID: "d"}.Validate())
	require.Error(t, Config{ProjectID: "p"}.Validate())
	require.NoError(t, Config{ProjectID: "p", DatasetID: "d"}.Validate())
}
