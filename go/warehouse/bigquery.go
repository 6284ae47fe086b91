package warehouse

import (
	"context"
	"fmt"
	"sync"
	"time"

	"cloud.google.com/go/bigquery"
	"google.golang.org/api/option"
)

// bigqueryRunner is the production queryRunner. The client dials on first
// use; building it fails if no credentials can be located.
type bigqueryRunner struct {
	cfg Config

	mu     sync.Mutex
	client *bigquery.Client
}

func (b *bigqueryRunner) clientHandle(ctx context.Context) (*bigquery.Client, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.client == nil {
		var opts []option.ClientOption
		if b.cfg.CredentialsFile != "" {
			opts = append(opts, option.WithCredentialsFile(b.cfg.CredentialsFile))
		}
		var client, err = bigquery.NewClient(ctx, b.cfg.ProjectID, opts...)
		if err != nil {
			return nil, fmt.Errorf("building warehouse client: %w", err)
		}
		b.client = client
	}
	return b.client, nil
}

func (b *bigqueryRunner) query(ctx context.Context, sql string) (*bigquery.Query, error) {
	var client, err = b.clientHandle(ctx)
	if err != nil {
		return nil, err
	}
	var q = client.Query(sql)
	q.DefaultProjectID = b.cfg.ProjectID
	q.DefaultDatasetID = b.cfg.DatasetID
	q.Location = b.cfg.Location
	q.MaxBytesBilled = b.cfg.MaxBytesBilled
	return q, nil
}

func (b *bigqueryRunner) runQuery(ctx context.Context, sql string, pageSize int) (queryJob, error) {
	var q, err = b.query(ctx, sql)
	if err != nil {
		return nil, err
	}

	job, err := q.Run(ctx)
	if err != nil {
		return nil, err
	}
	it, err := job.Read(ctx)
	if err != nil {
		return nil, err
	}
	it.PageInfo().MaxSize = pageSize

	return &bigqueryJob{job: job, it: it}, nil
}

func (b *bigqueryRunner) dryRun(ctx context.Context, sql string) (int64, error) {
	var q, err = b.query(ctx, sql)
	if err != nil {
		return 0, err
	}
	q.DryRun = true

	job, err := q.Run(ctx)
	if err != nil {
		return 0, err
	}
	// Dry runs complete synchronously; the stats are already final.
	var status = job.LastStatus()
	if err = status.Err(); err != nil {
		return 0, err
	}
	return status.Statistics.TotalBytesProcessed, nil
}

func (b *bigqueryRunner) close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.client != nil {
		return b.client.Close()
	}
	return nil
}

type bigqueryJob struct {
	job *bigquery.Job
	it  *bigquery.RowIterator
}

func (j *bigqueryJob) next() (map[string]interface{}, error) {
	var vals map[string]bigquery.Value
	if err := j.it.Next(&vals); err != nil {
		return nil, err
	}
	var row = make(map[string]interface{}, len(vals))
	for k, v := range vals {
		// Timestamps leave this package in UTC, whatever zone the driver
		// attached.
		if t, ok := v.(time.Time); ok {
			v = t.UTC()
		}
		row[k] = v
	}
	return row, nil
}

func (j *bigqueryJob) stats() QueryStats {
	var out = QueryStats{TotalRows: j.it.TotalRows}
	if j.job == nil {
		return out
	}
	out.JobID = j.job.ID()
	if status := j.job.LastStatus(); status != nil && status.Statistics != nil {
		out.BytesProcessed = status.Statistics.TotalBytesProcessed
		if q, ok := status.Statistics.Details.(*bigquery.QueryStatistics); ok {
			out.BytesBilled = q.TotalBytesBilled
			out.CacheHit = q.CacheHit
		}
	}
	return out
}
