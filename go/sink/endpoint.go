package sink

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v4"
	"github.com/jackc/pgx/v4/stdlib"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Config is the connection configuration of the operational sink database.
type Config struct {
	// URL is the postgres connection string.
	URL string
	// MaxConns caps the pool size.
	MaxConns int
	// MinConns is the number of idle connections the pool keeps warm.
	MinConns int
	// ConnIdleTime is how long an idle connection may live before it is closed.
	ConnIdleTime time.Duration
	// StatementTimeout bounds the server-side execution of any single
	// statement. Zero disables the session setting.
	StatementTimeout time.Duration
}

// Validate the configuration.
func (c *Config) Validate() error {
	if c.URL == "" {
		return fmt.Errorf("missing 'url'")
	}
	if !strings.HasPrefix(c.URL, "postgres://") && !strings.HasPrefix(c.URL, "postgresql://") {
		return fmt.Errorf("url %q is not a postgres:// connection string", c.URL)
	}
	return nil
}

// An Endpoint is an established connection to the sink database, along with
// the Generator of its SQL dialect. All sink statements flow through it.
type Endpoint struct {
	DB        *sql.DB
	Generator *Generator
}

const (
	standupAttempts = 5
	standupDelay    = time.Second
)

// NewEndpoint opens the sink database and verifies it is reachable, retrying
// the initial ping a bounded number of times so the engine tolerates a sink
// that is still starting up.
func NewEndpoint(ctx context.Context, cfg Config) (*Endpoint, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid sink configuration: %w", err)
	}
	if cfg.MaxConns <= 0 {
		cfg.MaxConns = 10
	}
	if cfg.MinConns <= 0 {
		cfg.MinConns = 2
	}
	if cfg.ConnIdleTime <= 0 {
		cfg.ConnIdleTime = 5 * time.Minute
	}

	var cc, err = pgx.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing sink url: %w", err)
	}
	cc.RuntimeParams["application_name"] = "pulso-etl"
	// Mart scripts run several statements per Exec, which the extended
	// protocol refuses.
	cc.PreferSimpleProtocol = true
	if cfg.StatementTimeout > 0 {
		cc.RuntimeParams["statement_timeout"] = strconv.FormatInt(cfg.StatementTimeout.Milliseconds(), 10)
	}

	log.WithFields(log.Fields{
		"database": cc.Database,
		"host":     cc.Host,
		"port":     cc.Port,
		"user":     cc.User,
	}).Info("opening sink database")

	var db = stdlib.OpenDB(*cc)
	db.SetMaxOpenConns(cfg.MaxConns)
	db.SetMaxIdleConns(cfg.MinConns)
	db.SetConnMaxIdleTime(cfg.ConnIdleTime)

	for attempt := 1; ; attempt++ {
		err = db.PingContext(ctx)
		if err == nil {
			break
		}
		if ctx.Err() != nil || attempt >= standupAttempts {
			_ = db.Close()
			return nil, errors.Wrap(err, "sink database did not become ready")
		}
		log.WithFields(log.Fields{
			"attempt": attempt,
			"error":   err,
		}).Warn("sink ping failed; retrying")

		select {
		case <-ctx.Done():
			_ = db.Close()
			return nil, ctx.Err()
		case <-time.After(standupDelay):
		}
	}

	return &Endpoint{
		DB:        db,
		Generator: PostgresGenerator(),
	}, nil
}

// Close releases the underlying connection pool.
func (ep *Endpoint) Close() error {
	return ep.DB.Close()
}

// Ping verifies the sink is reachable. Used by connectivity checks.
func (ep *Endpoint) Ping(ctx context.Context) error {
	return ep.DB.PingContext(ctx)
}
