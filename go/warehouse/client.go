// Package warehouse reads pages of rows out of the source warehouse with
// bounded cost: every query carries a billed-bytes ceiling, a wall-clock
// timeout, and bounded retries on transient failures.
package warehouse

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	"google.golang.org/api/iterator"
)

// Defaults applied by NewReader when the config leaves a field zero.
const (
	DefaultPageSize       = 500
	DefaultMaxBytesBilled = 10 << 30 // 10 GiB
	DefaultQueryTimeout   = 5 * time.Minute
	DefaultRetryAttempts  = 3
	DefaultRetryBase      = 30 * time.Second
)

// testExtractionLimit rows are enough to validate a template end to end,
// and a readiness probe should answer well before a real query would.
const (
	testExtractionLimit   = 10
	testExtractionTimeout = 30 * time.Second
)

// Config is the warehouse connection configuration.
type Config struct {
	// ProjectID of the warehouse.
	ProjectID string
	// DatasetID queries resolve bare table names against.
	DatasetID string
	// CredentialsFile is an optional service-account key path; empty uses
	// application default credentials.
	CredentialsFile string
	// Location pins where query jobs run; empty lets the warehouse decide.
	Location string
	// MaxBytesBilled caps what a single query may cost.
	MaxBytesBilled int64
	// QueryTimeout bounds one query attempt, paging included.
	QueryTimeout time.Duration
	// PageSize is the default rows-per-page when a caller passes none.
	PageSize int
	// RetryAttempts bounds attempts per query, the first included.
	RetryAttempts int
	// RetryBase is the first retry delay; it doubles per attempt.
	RetryBase time.Duration
}

// Validate returns an error if the Config is malformed.
func (c Config) Validate() error {
	if c.ProjectID == "" {
		return fmt.Errorf("missing warehouse project id")
	}
	if c.DatasetID == "" {
		return fmt.Errorf("missing warehouse dataset id")
	}
	return nil
}

// A Page is one ordered chunk of query results.
type Page struct {
	// Number of the page, starting at 1.
	Number int
	// Rows in warehouse result order.
	Rows []map[string]interface{}
}

// QueryStats describes one completed query.
type QueryStats struct {
	JobID          string        `json:"job_id,omitempty"`
	TotalRows      uint64        `json:"total_rows"`
	BytesProcessed int64         `json:"bytes_processed"`
	BytesBilled    int64         `json:"bytes_billed"`
	CacheHit       bool          `json:"cache_hit"`
	Duration       time.Duration `json:"-"`
	Attempts       int           `json:"attempts"`
}

// queryRunner is the seam between the Reader and the warehouse client.
type queryRunner interface {
	runQuery(ctx context.Context, sql string, pageSize int) (queryJob, error)
	dryRun(ctx context.Context, sql string) (int64, error)
	close() error
}

// queryJob iterates one query's rows and reports its statistics.
type queryJob interface {
	// next returns the next row, or iterator.Done past the last one.
	next() (map[string]interface{}, error)
	stats() QueryStats
}

// A Reader runs extraction queries and streams their pages.
type Reader struct {
	cfg    Config
	runner queryRunner
}

// NewReader builds a Reader. The underlying client dials lazily, so this
// never touches the network.
func NewReader(cfg Config) (*Reader, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.MaxBytesBilled <= 0 {
		cfg.MaxBytesBilled = DefaultMaxBytesBilled
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = DefaultQueryTimeout
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = DefaultRetryAttempts
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = DefaultRetryBase
	}
	return &Reader{cfg: cfg, runner: &bigqueryRunner{cfg: cfg}}, nil
}

// Close releases the underlying client, if one was dialed.
func (r *Reader) Close() error { return r.runner.close() }

// QueryPages runs sql and hands result pages to fn in order. It never reads
// ahead of fn: the next page is fetched only after fn returns, which is what
// holds back the warehouse while the sink drains. Transient failures are
// retried with exponential backoff, but only until the first page has been
// delivered; after that the error surfaces to the caller, whose re-run is
// idempotent anyway.
func (r *Reader) QueryPages(ctx context.Context, sql string, pageSize int, fn func(Page) error) (QueryStats, error) {
	if pageSize <= 0 {
		pageSize = r.cfg.PageSize
	}

	var bo = backoff{
		initialMillis: float64(r.cfg.RetryBase.Milliseconds()),
		maxMillis:     float64(r.cfg.RetryBase.Milliseconds()) * 8,
		multiplier:    2.0,
	}

	for attempt := 1; ; attempt++ {
		var stats, delivered, err = r.runOnce(ctx, sql, pageSize, fn)
		stats.Attempts = attempt
		if err == nil {
			queriesTotal.WithLabelValues("success").Inc()
			return stats, nil
		}

		var kind = Classify(err)
		if delivered || attempt >= r.cfg.RetryAttempts || !retryable(err) {
			queriesTotal.WithLabelValues(kind.String()).Inc()
			return stats, err
		}

		retriesTotal.Inc()
		log.WithFields(log.Fields{
			"attempt": attempt,
			"kind":    kind.String(),
			"error":   err,
		}).Warn("warehouse query failed (will retry)")

		select {
		case <-bo.nextBackoff():
		case <-ctx.Done():
			return stats, ctx.Err()
		}
	}
}

func (r *Reader) runOnce(ctx context.Context, sql string, pageSize int, fn func(Page) error) (QueryStats, bool, error) {
	if r.cfg.QueryTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.cfg.QueryTimeout)
		defer cancel()
	}

	var started = time.Now()
	var job, err = r.runner.runQuery(ctx, sql, pageSize)
	if err != nil {
		return QueryStats{Duration: time.Since(started)}, false, fmt.Errorf("starting warehouse query: %w", err)
	}

	var delivered bool
	var rows uint64
	var page = Page{Number: 1, Rows: make([]map[string]interface{}, 0, pageSize)}

	var flush = func() error {
		if err := fn(page); err != nil {
			return fmt.Errorf("delivering page %d: %w", page.Number, err)
		}
		delivered = true
		page = Page{Number: page.Number + 1, Rows: make([]map[string]interface{}, 0, pageSize)}
		return nil
	}

	for {
		var row, err = job.next()
		if err == iterator.Done {
			break
		} else if err != nil {
			return QueryStats{Duration: time.Since(started)}, delivered, fmt.Errorf("reading warehouse rows: %w", err)
		}
		rows++
		page.Rows = append(page.Rows, row)
		if len(page.Rows) == pageSize {
			if err = flush(); err != nil {
				return QueryStats{Duration: time.Since(started)}, true, err
			}
		}
	}
	if len(page.Rows) > 0 {
		if err = flush(); err != nil {
			return QueryStats{Duration: time.Since(started)}, true, err
		}
	}

	var stats = job.stats()
	stats.TotalRows = rows
	stats.Duration = time.Since(started)

	rowsTotal.Add(float64(rows))
	bytesBilledTotal.Add(float64(stats.BytesBilled))
	queryDuration.Observe(stats.Duration.Seconds())

	return stats, delivered, nil
}

// EstimateBytes dry-runs sql and returns the bytes it would process.
func (r *Reader) EstimateBytes(ctx context.Context, sql string) (int64, error) {
	return r.runner.dryRun(ctx, sql)
}

// MaxBytesBilled returns the configured per-query cost ceiling.
func (r *Reader) MaxBytesBilled() int64 { return r.cfg.MaxBytesBilled }

// TestExtraction runs sql capped to a handful of rows, for template and
// connectivity checks.
func (r *Reader) TestExtraction(ctx context.Context, sql string) ([]map[string]interface{}, QueryStats, error) {
	ctx, cancel := context.WithTimeout(ctx, testExtractionTimeout)
	defer cancel()

	var out []map[string]interface{}
	var stats, err = r.QueryPages(ctx, withTestLimit(sql), testExtractionLimit, func(p Page) error {
		out = append(out, p.Rows...)
		return nil
	})
	return out, stats, err
}

var trailingLimit = regexp.MustCompile(`(?i)\blimit\s+\d+\s*;?\s*$`)

func withTestLimit(sql string) string {
	var trimmed = strings.TrimRight(strings.TrimSpace(sql), "; \t\n")
	if trailingLimit.MatchString(sql) {
		return trimmed
	}
	return trimmed + fmt.Sprintf(" LIMIT %d", testExtractionLimit)
}
