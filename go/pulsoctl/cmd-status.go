package main

import (
	"context"
	"fmt"
	"time"

	"github.com/fatih/color"
	mbp "go.gazette.dev/core/mainboilerplate"

	"github.com/reyer3/Pulso-Back-sub000/go/runtime"
	"github.com/reyer3/Pulso-Back-sub000/go/sink"
	"github.com/reyer3/Pulso-Back-sub000/go/watermarks"
)

type cmdStatus struct {
	Tail int `long:"tail" default:"15" description:"Execution-log entries to print (0 = none)"`

	Sink        SinkConfig            `group:"Sink" namespace:"sink" env-namespace:"SINK"`
	Log         LogConfig             `group:"Logging" namespace:"log" env-namespace:"LOG"`
	Diagnostics mbp.DiagnosticsConfig `group:"Debug" namespace:"debug" env-namespace:"DEBUG"`
}

var green = color.New(color.FgGreen).SprintFunc()
var yellow = color.New(color.FgYellow).SprintFunc()
var red = color.New(color.FgRed).SprintFunc()

// colorStatus pads first so ANSI codes don't skew column alignment.
func colorStatus(s string, width int) string {
	var padded = fmt.Sprintf("%-*s", width, s)
	switch s {
	case "success":
		return green(padded)
	case "failed":
		return red(padded)
	default:
		return yellow(padded)
	}
}

func (cmd cmdStatus) Execute(_ []string) error {
	defer mbp.InitDiagnosticsAndRecover(cmd.Diagnostics)()
	initLog(cmd.Log)

	var ctx = context.Background()
	var ep, err = sink.NewEndpoint(ctx, cmd.Sink.endpoint())
	if err != nil {
		return err
	}
	defer ep.Close()

	records, err := watermarks.NewStore(ep).Summary(ctx)
	if err != nil {
		return fmt.Errorf("reading watermarks: %w", err)
	}
	printWatermarks(records)

	if cmd.Tail > 0 {
		entries, err := runtime.NewExecLog(ep).Tail(ctx, cmd.Tail)
		if err != nil {
			return err
		}
		printActivity(entries)
	}
	return nil
}

func printWatermarks(records []watermarks.Record) {
	if len(records) == 0 {
		fmt.Println("No watermarks recorded yet. Run `pulsoctl apply`, then extract something.")
		return
	}

	var width = len("TABLE")
	for _, r := range records {
		if len(r.TableName) > width {
			width = len(r.TableName)
		}
	}

	fmt.Printf("%-*s  %-8s  %-20s  %10s  %-20s\n", width, "TABLE", "STATUS", "WATERMARK", "RECORDS", "UPDATED")
	for _, r := range records {
		var wm = "-"
		if r.LastExtractedAt != nil {
			wm = r.LastExtractedAt.UTC().Format(time.RFC3339)
		}
		fmt.Printf("%-*s  %s  %-20s  %10d  %-20s",
			width, r.TableName,
			colorStatus(string(r.Status), 8),
			wm,
			r.RecordsExtracted,
			r.UpdatedAt.UTC().Format(time.RFC3339))
		if r.Status == watermarks.StatusFailed && r.ErrorMessage != "" {
			fmt.Printf("  %s", red(truncate(r.ErrorMessage, 60)))
		}
		fmt.Println()
	}

	var totals = watermarks.Aggregate(records)
	fmt.Printf("\n%d watermarks: %d success, %d running, %d failed, %d reset\n",
		len(records),
		totals.ByStatus[watermarks.StatusSuccess],
		totals.ByStatus[watermarks.StatusRunning],
		totals.ByStatus[watermarks.StatusFailed],
		totals.ByStatus[watermarks.StatusReset])
	fmt.Printf("%d records extracted, %.1fs average run", totals.Records, totals.AvgDurationSeconds)
	if totals.LastActivity != nil {
		fmt.Printf(", last activity %s", totals.LastActivity.UTC().Format(time.RFC3339))
	}
	fmt.Println()
}

func printActivity(entries []runtime.Entry) {
	if len(entries) == 0 {
		return
	}
	fmt.Println("\nRecent activity:")

	var width = 0
	for _, e := range entries {
		if len(e.Name) > width {
			width = len(e.Name)
		}
	}
	for _, e := range entries {
		fmt.Printf("  %s  %-9s  %-*s  %s  %7d records in %.1fs",
			e.Time.UTC().Format(time.RFC3339),
			e.Scope,
			width, e.Name,
			colorStatus(e.Status, 8),
			e.Records,
			e.DurationSeconds)
		if e.Error != "" {
			fmt.Printf("  %s", red(truncate(e.Error, 60)))
		}
		fmt.Println()
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-3] + "..."
}
