package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/viper"
	"golang.org/x/term"

	"github.com/jingkaihe/fsguard/pkg/api"
	"github.com/jingkaihe/fsguard/pkg/driver"
)

// wantJSON is true when stdout is not a terminal or --json was given.
func wantJSON() bool {
	return viper.GetBool("output.json") || !term.IsTerminal(int(os.Stdout.Fd()))
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printStatus(w io.Writer, r *api.StatusReport) error {
	if wantJSON() {
		return printJSON(w, r)
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "State:\t%s\n", r.State)
	fmt.Fprintf(tw, "Policy:\tv%d %s (%d rules)\n", r.PolicyVersion, shortDigest(r.PolicyDigest), r.RuleCount)
	c := r.Counters
	fmt.Fprintf(tw, "Seen:\t%d\n", c.Seen)
	fmt.Fprintf(tw, "Allowed:\t%d\n", c.Allowed)
	fmt.Fprintf(tw, "Blocked:\t%d\n", c.Blocked)
	fmt.Fprintf(tw, "Delayed:\t%d\n", c.Delayed)
	fmt.Fprintf(tw, "Timeouts:\t%d\n", c.Timeouts)
	fmt.Fprintf(tw, "Faults:\t%d\n", c.Faults)
	fmt.Fprintf(tw, "Bypassed:\t%d\n", c.Bypassed)
	fmt.Fprintf(tw, "Events:\t%d published, %d dropped\n", c.EventsPublished, c.EventsDropped)
	return tw.Flush()
}

func printRules(w io.Writer, rules []api.PolicyRule) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "PRIORITY\tNAME\tACTION\tOPS\tPATTERN\tQUALIFIERS")
	for _, r := range rules {
		ops := "*"
		if len(r.Ops) > 0 {
			ops = strings.Join(r.Ops, ",")
		}
		var quals []string
		if r.DelayMS > 0 {
			quals = append(quals, fmt.Sprintf("delay=%dms", r.DelayMS))
		}
		if r.MinOps > 0 {
			quals = append(quals, fmt.Sprintf("min_ops=%d", r.MinOps))
		}
		if r.MinBytes > 0 {
			quals = append(quals, fmt.Sprintf("min_bytes=%d", r.MinBytes))
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n", r.Priority, r.Name, r.Action, ops, r.Pattern, strings.Join(quals, " "))
	}
	return tw.Flush()
}

func printTransitions(w io.Writer, ts []driver.Transition) error {
	if wantJSON() {
		return printJSON(w, ts)
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SEQ\tAT\tFROM\tTO\tREGISTRAR\tERROR")
	for _, t := range ts {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\n",
			t.Seq, t.At.Local().Format(time.DateTime), t.From, t.To, t.Registrar, t.Error)
	}
	return tw.Flush()
}

// printRecord writes one event per line.
func printRecord(w io.Writer, rec *api.EventRecord) error {
	if wantJSON() {
		return json.NewEncoder(w).Encode(rec)
	}
	d := rec.Descriptor
	target := d.Path
	if d.NewPath != "" {
		target += " -> " + d.NewPath
	}
	line := fmt.Sprintf("%s #%d %-16s %-5s %-6s %s pid=%d(%s) uid=%d",
		rec.Timestamp.Local().Format("15:04:05.000"), rec.Seq, rec.Kind,
		rec.Verdict.Action, d.Kind, target, d.Process.PID, d.Process.Name, d.Process.UID)
	if rec.Verdict.Rule != "" {
		line += " rule=" + rec.Verdict.Rule
	}
	if rec.Error != "" {
		line += " error=" + rec.Error
	}
	_, err := fmt.Fprintln(w, line)
	return err
}

func shortDigest(d string) string {
	if len(d) > 12 {
		return d[:12]
	}
	return d
}
