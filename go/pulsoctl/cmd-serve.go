package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	_ "net/http/pprof"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
	mbp "go.gazette.dev/core/mainboilerplate"
	"go.gazette.dev/core/task"

	"github.com/reyer3/Pulso-Back-sub000/go/runtime"
)

type cmdServe struct {
	Port         uint16 `long:"port" env:"PORT" default:"8090" description:"Port of the metrics and diagnostics listener"`
	SweepOnStart bool   `long:"sweep-on-start" description:"Sweep immediately instead of waiting one refresh period"`

	Sink        SinkConfig            `group:"Sink" namespace:"sink" env-namespace:"SINK"`
	Warehouse   WarehouseConfig       `group:"Warehouse" namespace:"warehouse" env-namespace:"WAREHOUSE"`
	ETL         ETLConfig             `group:"ETL" namespace:"etl" env-namespace:"ETL"`
	Log         LogConfig             `group:"Logging" namespace:"log" env-namespace:"LOG"`
	Diagnostics mbp.DiagnosticsConfig `group:"Debug" namespace:"debug" env-namespace:"DEBUG"`
}

func (cmd cmdServe) Execute(_ []string) error {
	defer mbp.InitDiagnosticsAndRecover(cmd.Diagnostics)()
	initLog(cmd.Log)

	log.WithFields(log.Fields{
		"config":    cmd,
		"version":   mbp.Version,
		"buildDate": mbp.BuildDate,
	}).Info("pulsoctl configuration")

	var stack, err = standUp(context.Background(), cmd.Sink, cmd.Warehouse, cmd.ETL)
	if err != nil {
		return err
	}
	defer stack.Close()

	// Bind the metrics listener up front so a taken port fails fast.
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", cmd.Port))
	if err != nil {
		return fmt.Errorf("binding metrics listener: %w", err)
	}
	http.Handle("/metrics", promhttp.Handler())
	http.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("ok\n"))
	})
	var server = &http.Server{}

	var tasks = task.NewGroup(context.Background())

	tasks.Queue("metrics server", func() error {
		if err := server.Serve(listener); err != http.ErrServerClosed {
			return err
		}
		return nil
	})

	tasks.Queue("campaign scheduler", func() error {
		var ticker = time.NewTicker(cmd.ETL.RefreshFrequency)
		defer ticker.Stop()

		log.WithFields(log.Fields{
			"frequency": cmd.ETL.RefreshFrequency.String(),
			"port":      cmd.Port,
		}).Info("starting campaign scheduler")

		if cmd.SweepOnStart {
			sweepOnce(stack.Engine)
		}
		for {
			select {
			case <-ticker.C:
				sweepOnce(stack.Engine)
			case <-tasks.Context().Done():
				return nil
			}
		}
	})

	// Install signal handler & start tasks. The engine's cancel flag stops
	// the in-flight sweep between chunks; tables already extracting finish
	// and record their watermarks before the scheduler task returns.
	var signalCh = make(chan os.Signal, 1)
	signal.Notify(signalCh, syscall.SIGTERM, syscall.SIGINT)

	tasks.Queue("watch signalCh", func() error {
		select {
		case sig := <-signalCh:
			log.WithField("signal", sig).Info("caught signal")

			stack.Engine.Cancel()
			tasks.Cancel()
			_ = server.Close()
			return nil

		case <-tasks.Context().Done():
			return nil
		}
	})
	tasks.GoRun()

	// Block until all tasks complete.
	if err = tasks.Wait(); err != nil {
		return fmt.Errorf("task failed: %w", err)
	}

	log.Info("goodbye")
	return nil
}

// sweepOnce runs one sweep on the background context: shutdown rides the
// engine's cancel flag rather than a context, so in-flight tables drain
// instead of aborting mid-batch.
func sweepOnce(engine *runtime.Engine) {
	var summary = engine.RunAllPendingCampaigns(context.Background(), runtime.Sweep{})

	var fields = log.Fields{
		"status":      summary.Status,
		"eligible":    summary.Eligible,
		"processed":   summary.Processed,
		"successful":  summary.Successful,
		"failed":      summary.Failed,
		"rawRecords":  summary.RawRecords,
		"martRecords": summary.MartRecords,
		"took":        fmt.Sprintf("%.1fs", summary.DurationSeconds),
	}
	switch summary.Status {
	case runtime.SweepSuccess:
		log.WithFields(fields).Info("campaign sweep finished")
	case runtime.SweepAlreadyRunning:
		log.Warn("previous sweep still running; skipping this tick")
	default:
		fields["error"] = summary.Error
		log.WithFields(fields).Warn("campaign sweep finished with failures")
	}
}
