package main

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	mbp "go.gazette.dev/core/mainboilerplate"

	"github.com/reyer3/Pulso-Back-sub000/go/sink"
	"github.com/reyer3/Pulso-Back-sub000/go/watermarks"
)

type cmdReap struct {
	OlderThan time.Duration `long:"older-than" default:"30m" description:"Age beyond which a running extraction is declared dead"`

	Sink        SinkConfig            `group:"Sink" namespace:"sink" env-namespace:"SINK"`
	Log         LogConfig             `group:"Logging" namespace:"log" env-namespace:"LOG"`
	Diagnostics mbp.DiagnosticsConfig `group:"Debug" namespace:"debug" env-namespace:"DEBUG"`
}

func (cmd cmdReap) Execute(_ []string) error {
	defer mbp.InitDiagnosticsAndRecover(cmd.Diagnostics)()
	initLog(cmd.Log)

	var ctx = context.Background()
	var ep, err = sink.NewEndpoint(ctx, cmd.Sink.endpoint())
	if err != nil {
		return err
	}
	defer ep.Close()

	reaped, err := watermarks.NewStore(ep).ReapStale(ctx, cmd.OlderThan)
	if err != nil {
		return fmt.Errorf("reaping stale extractions: %w", err)
	}

	log.WithFields(log.Fields{
		"olderThan": cmd.OlderThan.String(),
		"reaped":    reaped,
	}).Info("reap finished")
	fmt.Printf("Failed %d stale extraction(s) older than %s.\n", reaped, cmd.OlderThan)
	return nil
}
