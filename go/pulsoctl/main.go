package main

import (
	"github.com/jessevdk/go-flags"
	mbp "go.gazette.dev/core/mainboilerplate"
)

const iniFilename = "pulso.ini"

func main() {
	var parser = flags.NewParser(nil, flags.HelpFlag|flags.PassDoubleDash)

	run, err := parser.Command.AddCommand("run", "Run extractions", "", &struct{}{})
	mbp.Must(err, "failed to add command")

	_, _ = run.AddCommand("campaigns", "Refresh all pending campaigns", `
Sweep the campaign calendar once: reap stale extractions, select the
campaigns whose data may still move, and refresh each one's raw tables
and marts. Prints the sweep summary as JSON and exits non-zero when the
sweep fails outright.
`, &cmdRunCampaigns{})

	_, _ = run.AddCommand("table", "Extract a single table", `
Extract one catalog table into the sink, optionally scoped to a campaign
window. Useful for backfills and for verifying a template change without
sweeping the whole calendar.
`, &cmdRunTable{})

	_, _ = parser.AddCommand("status", "Show extraction state", `
Print the watermark of every known table and campaign, along with the
tail of the execution log.
`, &cmdStatus{})

	_, _ = parser.AddCommand("reset-watermark", "Clear or rewind table watermarks", `
Clear the watermark of the named tables so their next extraction reads
the full window again, or rewind it to a chosen floor with --to. The sink
data itself is left alone; incremental loads are idempotent upserts, so a
re-read converges on the same rows.
`, &cmdResetWatermark{})

	_, _ = parser.AddCommand("reap", "Fail stale running extractions", `
Mark running extractions that have reported no progress as failed,
releasing their tables for the next sweep. Sweeps do this on their own;
the command exists for operators cleaning up after a crashed process.
`, &cmdReap{})

	_, _ = parser.AddCommand("apply", "Create sink schemas and tables", `
Create the project's layer schemas (raw, dim, aux, mart) and the engine's
own tables: watermarks, the execution log, the campaign calendar, and
every raw table of the catalog. All DDL is IF NOT EXISTS, so apply is
safe to re-run.
`, &cmdApply{})

	_, _ = parser.AddCommand("check", "Probe sink and warehouse connectivity", `
Verify the engine can reach both ends: ping the sink database, then
dry-run one extraction template against the warehouse and report the
bytes it would process.
`, &cmdCheck{})

	_, _ = parser.AddCommand("serve", "Run the refresh scheduler", `
Run the engine as a long-lived scheduler: sweep all pending campaigns on
a fixed frequency and expose Prometheus metrics, until signaled to exit
(via SIGTERM). On a signal the in-flight sweep finishes its current
chunk of campaigns before the process exits.
`, &cmdServe{})

	mbp.AddPrintConfigCmd(parser, iniFilename)
	mbp.MustParseConfig(parser, iniFilename)
}
