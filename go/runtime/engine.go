// Package runtime drives extractions end to end: one table at a time, every
// raw table of a campaign, and sweeps over all campaigns that still need
// attention. Nothing here raises past its boundary; callers always get a
// structured result.
package runtime

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/reyer3/Pulso-Back-sub000/go/calendar"
	"github.com/reyer3/Pulso-Back-sub000/go/catalog"
	"github.com/reyer3/Pulso-Back-sub000/go/extract"
	"github.com/reyer3/Pulso-Back-sub000/go/marts"
	"github.com/reyer3/Pulso-Back-sub000/go/sink"
	"github.com/reyer3/Pulso-Back-sub000/go/warehouse"
	"github.com/reyer3/Pulso-Back-sub000/go/watermarks"
)

// Defaults applied by NewEngine when Config leaves a field zero.
const (
	DefaultPageSize          = 500
	DefaultMaxBatchSize      = 1000
	DefaultTableParallelism  = 3
	DefaultCampaignBatchSize = 5
	DefaultStaleAfter        = 30 * time.Minute
)

// PageReader streams ordered pages of warehouse rows.
type PageReader interface {
	QueryPages(ctx context.Context, sql string, pageSize int, fn func(warehouse.Page) error) (warehouse.QueryStats, error)
}

// BatchWriter loads row batches into the sink.
type BatchWriter interface {
	LoadStream(ctx context.Context, table *sink.Table, batches <-chan []sink.Row) sink.LoadResult
	TruncateAndLoad(ctx context.Context, table *sink.Table, batches <-chan []sink.Row) sink.LoadResult
}

// StateStore persists per-table extraction state.
type StateStore interface {
	Start(ctx context.Context, table, extractionID string) error
	Complete(ctx context.Context, table string, c watermarks.Completion) error
	Get(ctx context.Context, table string) (*watermarks.Record, error)
	LastExtractionTime(ctx context.Context, table string) (*time.Time, error)
	ReapStale(ctx context.Context, olderThan time.Duration) (int64, error)
	Summary(ctx context.Context) ([]watermarks.Record, error)
}

// QueryBuilder renders extraction SQL for a table.
type QueryBuilder interface {
	Build(ctx context.Context, tbl catalog.Table, in extract.BuildInput) (extract.Query, error)
}

// CampaignSource lists the campaigns a sweep considers.
type CampaignSource interface {
	LoadCampaigns(ctx context.Context) ([]calendar.Campaign, error)
}

// Config tunes the engine.
type Config struct {
	// ProjectUID suffixes sink schemas (raw_<uid>, mart_<uid>, ...).
	ProjectUID string
	// PageSize for tables that declare none in the catalog.
	PageSize int
	// MaxBatchSize is the hard cap on rows per sink batch; larger
	// transformed pages are split.
	MaxBatchSize int
	// TableParallelism caps concurrent raw-table loads within a campaign.
	TableParallelism int
	// CampaignBatchSize caps concurrently processed campaigns in a sweep.
	CampaignBatchSize int
	// MaxCampaigns bounds a sweep when the sweep itself carries no
	// limit; zero or negative leaves sweeps uncapped.
	MaxCampaigns int
	// StaleAfter is how long a running watermark may sit before the
	// reaper declares the run dead.
	StaleAfter time.Duration
}

// Validate returns an error if the Config is malformed.
func (c Config) Validate() error {
	if c.ProjectUID == "" {
		return fmt.Errorf("missing project uid")
	}
	return nil
}

// Options assembles an Engine.
type Options struct {
	Config    Config
	Reader    PageReader
	Writer    BatchWriter
	Store     StateStore
	Builder   QueryBuilder
	Campaigns CampaignSource
	// Marts may be nil to skip mart construction.
	Marts marts.Builder
	// ExecLog may be nil to disable the audit trail.
	ExecLog *ExecLog
}

// Engine coordinates reader, transformer, writer and state store.
type Engine struct {
	cfg       Config
	reader    PageReader
	writer    BatchWriter
	store     StateStore
	builder   QueryBuilder
	campaigns CampaignSource
	marts     marts.Builder
	execLog   *ExecLog

	running   uint32
	cancelled uint32
	inflight  sync.Map

	now   func() time.Time
	newID func() string
}

// NewEngine validates options and returns an Engine.
func NewEngine(opts Options) (*Engine, error) {
	if err := opts.Config.Validate(); err != nil {
		return nil, err
	}
	if opts.Reader == nil || opts.Writer == nil || opts.Store == nil || opts.Builder == nil {
		return nil, fmt.Errorf("reader, writer, store and builder are all required")
	}

	var cfg = opts.Config
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.MaxBatchSize <= 0 {
		cfg.MaxBatchSize = DefaultMaxBatchSize
	}
	if cfg.TableParallelism <= 0 {
		cfg.TableParallelism = DefaultTableParallelism
	}
	if cfg.CampaignBatchSize <= 0 {
		cfg.CampaignBatchSize = DefaultCampaignBatchSize
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}

	var builder = opts.Marts
	if builder == nil {
		builder = marts.NopBuilder{}
	}

	return &Engine{
		cfg:       cfg,
		reader:    opts.Reader,
		writer:    opts.Writer,
		store:     opts.Store,
		builder:   opts.Builder,
		campaigns: opts.Campaigns,
		marts:     builder,
		execLog:   opts.ExecLog,
		now:       func() time.Time { return time.Now().UTC() },
		newID:     uuid.NewString,
	}, nil
}

// Status returns the current per-table extraction state.
func (e *Engine) Status(ctx context.Context) ([]watermarks.Record, error) {
	return e.store.Summary(ctx)
}
