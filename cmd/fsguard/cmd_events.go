package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/jingkaihe/fsguard/internal/errx"
	"github.com/jingkaihe/fsguard/pkg/api"
	"github.com/jingkaihe/fsguard/pkg/events"
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Follow verdict events",
	Long: `Follow the daemon's event stream until interrupted.

With --audit the records persisted in the state database are listed instead,
newest first. The daemon must have been run with events.audit enabled.`,
	Example: `  fsguard events
  fsguard events --audit --action block --limit 20`,
	Args: cobra.NoArgs,
	RunE: runEvents,
}

func init() {
	eventsCmd.Flags().Bool("audit", false, "Query the audit table instead of following the stream")
	eventsCmd.Flags().String("action", "", "Only show records with this verdict action")
	eventsCmd.Flags().String("kind", "", "Only show records of this kind")
	eventsCmd.Flags().Int("limit", 50, "Maximum records to list with --audit")

	rootCmd.AddCommand(eventsCmd)
}

func runEvents(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	actionName, _ := cmd.Flags().GetString("action")
	var action api.Action
	if actionName != "" {
		a, ok := api.ParseAction(actionName)
		if !ok {
			return errx.With(ErrInvalidArgs, ": unknown action %q", actionName)
		}
		action = a
	}
	kindName, _ := cmd.Flags().GetString("kind")
	kind := api.EventKind(kindName)

	if audit, _ := cmd.Flags().GetBool("audit"); audit {
		limit, _ := cmd.Flags().GetInt("limit")
		sink, err := events.OpenAuditSink(cfg.StateDB, nil)
		if err != nil {
			return err
		}
		defer sink.Close()

		recs, err := sink.Recent(cmd.Context(), events.AuditFilter{Action: action, Kind: kind, Limit: limit})
		if err != nil {
			return err
		}
		for i := range recs {
			if err := printRecord(os.Stdout, &recs[i]); err != nil {
				return err
			}
		}
		return nil
	}

	err = events.Subscribe(cmd.Context(), cfg.Events.SocketPath, func(rec *api.EventRecord) error {
		if action != "" && rec.Verdict.Action != action {
			return nil
		}
		if kind != "" && rec.Kind != kind {
			return nil
		}
		return printRecord(os.Stdout, rec)
	})
	if err != nil && cmd.Context().Err() != nil {
		return nil
	}
	return err
}
