package main

import (
	"context"
	"fmt"
	"time"

	"github.com/reyer3/Pulso-Back-sub000/go/calendar"
	"github.com/reyer3/Pulso-Back-sub000/go/extract"
	"github.com/reyer3/Pulso-Back-sub000/go/marts"
	"github.com/reyer3/Pulso-Back-sub000/go/runtime"
	"github.com/reyer3/Pulso-Back-sub000/go/sink"
	"github.com/reyer3/Pulso-Back-sub000/go/warehouse"
	"github.com/reyer3/Pulso-Back-sub000/go/watermarks"
)

// SinkConfig configures the operational sink database.
type SinkConfig struct {
	URL              string        `long:"url" env:"URL" required:"true" description:"Postgres URL of the operational sink"`
	MaxConns         int           `long:"max-conns" env:"MAX_CONNS" default:"10" description:"Maximum open sink connections"`
	MinConns         int           `long:"min-conns" env:"MIN_CONNS" default:"2" description:"Idle sink connections kept warm"`
	ConnIdle         time.Duration `long:"conn-idle" env:"CONN_IDLE" default:"5m" description:"How long an idle sink connection is kept"`
	StatementTimeout time.Duration `long:"statement-timeout" env:"STATEMENT_TIMEOUT" default:"5m" description:"Server-side timeout of a single sink statement"`
}

func (c SinkConfig) endpoint() sink.Config {
	return sink.Config{
		URL:              c.URL,
		MaxConns:         c.MaxConns,
		MinConns:         c.MinConns,
		ConnIdleTime:     c.ConnIdle,
		StatementTimeout: c.StatementTimeout,
	}
}

// WarehouseConfig configures the source warehouse.
type WarehouseConfig struct {
	Project         string        `long:"project" env:"PROJECT" required:"true" description:"Warehouse project ID"`
	Dataset         string        `long:"dataset" env:"DATASET" required:"true" description:"Warehouse dataset the extraction templates read from"`
	CredentialsFile string        `long:"credentials-file" env:"CREDENTIALS_FILE" description:"Service-account key file (empty uses application default credentials)"`
	Location        string        `long:"location" env:"LOCATION" description:"Location query jobs run in (empty lets the warehouse decide)"`
	MaxBytesBilled  int64         `long:"max-bytes-billed" env:"MAX_BYTES_BILLED" default:"10737418240" description:"Billed-bytes ceiling of a single query"`
	QueryTimeout    time.Duration `long:"query-timeout" env:"QUERY_TIMEOUT" default:"5m" description:"Wall-clock bound of one query attempt, paging included"`
	PageSize        int           `long:"page-size" env:"PAGE_SIZE" default:"500" description:"Rows per warehouse result page"`
}

// ETLConfig tunes the engine.
type ETLConfig struct {
	ProjectUID        string        `long:"project-uid" env:"PROJECT_UID" required:"true" description:"Project UID suffixing sink schemas (raw_<uid>, mart_<uid>, ...)"`
	BatchSize         int           `long:"batch-size" env:"BATCH_SIZE" default:"500" description:"Page size for tables that declare none in the catalog"`
	MaxBatchSize      int           `long:"max-batch-size" env:"MAX_BATCH_SIZE" default:"1000" description:"Hard cap on rows per sink batch"`
	TableParallelism  int           `long:"table-parallelism" env:"TABLE_PARALLELISM" default:"3" description:"Concurrent raw-table loads within a campaign"`
	CampaignBatchSize int           `long:"campaign-batch-size" env:"CAMPAIGN_BATCH_SIZE" default:"5" description:"Concurrently refreshed campaigns in a sweep"`
	MaxCampaigns      int           `long:"max-campaigns" env:"MAX_CAMPAIGNS" default:"0" description:"Campaigns considered per sweep (0 = no cap)"`
	StaleAfter        time.Duration `long:"stale-after" env:"STALE_AFTER" default:"30m" description:"Age after which a running extraction is declared dead"`
	RetryAttempts     int           `long:"retry-attempts" env:"RETRY_ATTEMPTS" default:"3" description:"Warehouse query attempts, the first included"`
	RetryBase         time.Duration `long:"retry-base" env:"RETRY_BASE" default:"30s" description:"First warehouse retry delay; doubles per attempt"`
	TemplatesRoot     string        `long:"templates-root" env:"TEMPLATES_ROOT" default:"sql/templates" description:"Extraction template directory or gs:// prefix"`
	MartsRoot         string        `long:"marts-root" env:"MARTS_ROOT" default:"sql/marts" description:"Mart script directory"`
	RefreshFrequency  time.Duration `long:"refresh-frequency" env:"REFRESH_FREQUENCY" default:"4h" description:"How often serve sweeps the campaign calendar"`
}

// A stack is the assembled engine together with the resources behind it,
// so commands can close what they opened.
type stack struct {
	Endpoint  *sink.Endpoint
	Reader    *warehouse.Reader
	Store     *watermarks.Store
	Loader    *extract.Loader
	Campaigns *calendar.Store
	ExecLog   *runtime.ExecLog
	Engine    *runtime.Engine
}

// standUp opens both ends, ensures the engine's own state tables exist, and
// assembles the engine. Layer schemas and data tables are apply's job.
func standUp(ctx context.Context, sinkCfg SinkConfig, whCfg WarehouseConfig, etl ETLConfig) (*stack, error) {
	var ep, err = sink.NewEndpoint(ctx, sinkCfg.endpoint())
	if err != nil {
		return nil, err
	}
	var s = &stack{Endpoint: ep}

	if s.Reader, err = warehouse.NewReader(warehouse.Config{
		ProjectID:       whCfg.Project,
		DatasetID:       whCfg.Dataset,
		CredentialsFile: whCfg.CredentialsFile,
		Location:        whCfg.Location,
		MaxBytesBilled:  whCfg.MaxBytesBilled,
		QueryTimeout:    whCfg.QueryTimeout,
		PageSize:        whCfg.PageSize,
		RetryAttempts:   etl.RetryAttempts,
		RetryBase:       etl.RetryBase,
	}); err != nil {
		s.Close()
		return nil, fmt.Errorf("building warehouse reader: %w", err)
	}

	if s.Loader, err = extract.NewLoader(etl.TemplatesRoot); err != nil {
		s.Close()
		return nil, fmt.Errorf("building template loader: %w", err)
	}

	s.Store = watermarks.NewStore(ep)
	s.ExecLog = runtime.NewExecLog(ep)
	s.Campaigns = calendar.NewStore(ep, "dim_"+etl.ProjectUID)

	if err = s.Store.EnsureTable(ctx); err != nil {
		s.Close()
		return nil, err
	}
	if err = s.ExecLog.EnsureTable(ctx); err != nil {
		s.Close()
		return nil, err
	}

	if s.Engine, err = runtime.NewEngine(runtime.Options{
		Config: runtime.Config{
			ProjectUID:        etl.ProjectUID,
			PageSize:          etl.BatchSize,
			MaxBatchSize:      etl.MaxBatchSize,
			TableParallelism:  etl.TableParallelism,
			CampaignBatchSize: etl.CampaignBatchSize,
			MaxCampaigns:      etl.MaxCampaigns,
			StaleAfter:        etl.StaleAfter,
		},
		Reader:    s.Reader,
		Writer:    sink.NewWriter(ep, etl.MaxBatchSize),
		Store:     s.Store,
		Builder:   extract.NewBuilder(s.Loader, whCfg.Project, whCfg.Dataset),
		Campaigns: s.Campaigns,
		Marts:     marts.NewScriptBuilder(ep, etl.MartsRoot, etl.ProjectUID),
		ExecLog:   s.ExecLog,
	}); err != nil {
		s.Close()
		return nil, fmt.Errorf("assembling engine: %w", err)
	}
	return s, nil
}

// Close releases whatever standUp managed to open, in reverse order.
func (s *stack) Close() {
	if s.Loader != nil {
		_ = s.Loader.Close()
	}
	if s.Reader != nil {
		_ = s.Reader.Close()
	}
	if s.Endpoint != nil {
		_ = s.Endpoint.Close()
	}
}
