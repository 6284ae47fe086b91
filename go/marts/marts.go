// Package marts rebuilds the derived mart tables of a campaign after its raw
// tables are refreshed. Mart logic lives in ordered SQL scripts maintained
// alongside the engine, not in Go.
package marts

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/reyer3/Pulso-Back-sub000/go/calendar"
	"github.com/reyer3/Pulso-Back-sub000/go/sink"
)

// Result summarizes one mart build.
type Result struct {
	// Scripts executed.
	Scripts int `json:"scripts"`
	// Records touched across all scripts, as reported by the sink.
	Records int64 `json:"records"`
	// DurationSeconds of the whole build.
	DurationSeconds float64 `json:"duration_seconds"`
}

// A Builder constructs the marts for one campaign.
type Builder interface {
	Build(ctx context.Context, campaign *calendar.Campaign) (Result, error)
}

// NopBuilder skips mart construction entirely.
type NopBuilder struct{}

// Build implements Builder by doing nothing.
func (NopBuilder) Build(context.Context, *calendar.Campaign) (Result, error) {
	return Result{}, nil
}

// ScriptBuilder executes the numbered *.sql scripts of a directory, in
// lexical order, against the sink. Script names therefore carry a numeric
// prefix (01_clientes.sql, 02_recupero.sql, ...).
type ScriptBuilder struct {
	ep         *sink.Endpoint
	dir        string
	projectUID string
}

// NewScriptBuilder returns a Builder over the scripts in dir.
func NewScriptBuilder(ep *sink.Endpoint, dir, projectUID string) *ScriptBuilder {
	return &ScriptBuilder{ep: ep, dir: dir, projectUID: projectUID}
}

// Build runs every script with the campaign's substitutions applied.
func (b *ScriptBuilder) Build(ctx context.Context, campaign *calendar.Campaign) (Result, error) {
	var started = time.Now()
	var result Result

	var scripts, err = b.listScripts()
	if err != nil {
		return result, err
	}

	var replacer = strings.NewReplacer(
		"{project_uid}", b.projectUID,
		"{raw_schema}", "raw_"+b.projectUID,
		"{dim_schema}", "dim_"+b.projectUID,
		"{aux_schema}", "aux_"+b.projectUID,
		"{mart_schema}", "mart_"+b.projectUID,
		"{campaign_archivo}", campaign.Archivo,
	)

	for _, script := range scripts {
		var raw []byte
		if raw, err = os.ReadFile(script); err != nil {
			return result, fmt.Errorf("reading mart script: %w", err)
		}

		var res, err = b.ep.DB.ExecContext(ctx, replacer.Replace(string(raw)))
		if err != nil {
			return result, fmt.Errorf("mart script %s: %w", filepath.Base(script), err)
		}
		if n, err := res.RowsAffected(); err == nil {
			result.Records += n
		}
		result.Scripts++

		log.WithFields(log.Fields{
			"script":   filepath.Base(script),
			"campaign": campaign.Archivo,
		}).Debug("mart script applied")
	}

	result.DurationSeconds = time.Since(started).Seconds()
	return result, nil
}

func (b *ScriptBuilder) listScripts() ([]string, error) {
	var scripts, err = filepath.Glob(filepath.Join(b.dir, "*.sql"))
	if err != nil {
		return nil, fmt.Errorf("listing mart scripts: %w", err)
	}
	sort.Strings(scripts)
	return scripts, nil
}
