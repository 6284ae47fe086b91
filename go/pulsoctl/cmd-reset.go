package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
	mbp "go.gazette.dev/core/mainboilerplate"

	"github.com/reyer3/Pulso-Back-sub000/go/catalog"
	"github.com/reyer3/Pulso-Back-sub000/go/sink"
	"github.com/reyer3/Pulso-Back-sub000/go/watermarks"
)

type cmdResetWatermark struct {
	ProjectUID string `long:"project-uid" env:"PROJECT_UID" description:"Project UID used to qualify bare catalog names"`
	To         string `long:"to" description:"Rewind to this floor (YYYY-MM-DD) instead of clearing; the next run continues from it"`
	Yes        bool   `long:"yes" description:"Confirm: clear the named watermarks"`

	Args struct {
		Tables []string `positional-arg-name:"table" required:"1" description:"Watermark keys: raw_<uid>.pagos, campaign:ASIG_..., or bare catalog names with --project-uid"`
	} `positional-args:"yes"`

	Sink        SinkConfig            `group:"Sink" namespace:"sink" env-namespace:"SINK"`
	Log         LogConfig             `group:"Logging" namespace:"log" env-namespace:"LOG"`
	Diagnostics mbp.DiagnosticsConfig `group:"Debug" namespace:"debug" env-namespace:"DEBUG"`
}

func (cmd cmdResetWatermark) Execute(_ []string) error {
	defer mbp.InitDiagnosticsAndRecover(cmd.Diagnostics)()
	initLog(cmd.Log)

	var keys, err = cmd.resolveKeys()
	if err != nil {
		return err
	}
	var to *time.Time
	if cmd.To != "" {
		floor, err := time.ParseInLocation("2006-01-02", cmd.To, time.UTC)
		if err != nil {
			return fmt.Errorf("parsing --to: %w", err)
		}
		to = &floor
	}
	if !cmd.Yes {
		return fmt.Errorf("refusing to reset %d watermark(s) without --yes: %s",
			len(keys), strings.Join(keys, ", "))
	}

	var ctx = context.Background()
	ep, err := sink.NewEndpoint(ctx, cmd.Sink.endpoint())
	if err != nil {
		return err
	}
	defer ep.Close()

	var store = watermarks.NewStore(ep)
	for _, key := range keys {
		var cleared, err = store.Reset(ctx, key, to)
		if err != nil {
			return fmt.Errorf("resetting %s: %w", key, err)
		}
		switch {
		case cleared && to != nil:
			log.WithField("table", key).Info("watermark rewound")
			fmt.Println(key, "rewound to", cmd.To)
		case cleared:
			log.WithField("table", key).Info("watermark cleared")
			fmt.Println(key, "cleared")
		default:
			fmt.Println(key, "has no watermark row")
		}
	}
	return nil
}

// resolveKeys expands bare catalog names to their sink FQN. Keys that are
// already qualified (schema.table or campaign:archivo) pass through.
func (cmd cmdResetWatermark) resolveKeys() ([]string, error) {
	var keys = make([]string, 0, len(cmd.Args.Tables))
	for _, name := range cmd.Args.Tables {
		if strings.Contains(name, ".") || strings.HasPrefix(name, "campaign:") {
			keys = append(keys, name)
			continue
		}
		var tbl, ok = catalog.Lookup(name)
		if !ok {
			return nil, fmt.Errorf("unknown table %q", name)
		}
		if cmd.ProjectUID == "" {
			return nil, fmt.Errorf("bare table name %q needs --project-uid to qualify it", name)
		}
		keys = append(keys, tbl.FQN(cmd.ProjectUID))
	}
	return keys, nil
}
