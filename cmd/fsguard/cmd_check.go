package main

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/jingkaihe/fsguard/internal/errx"
	"github.com/jingkaihe/fsguard/pkg/api"
	"github.com/jingkaihe/fsguard/pkg/decision"
	"github.com/jingkaihe/fsguard/pkg/policy"
)

var checkCmd = &cobra.Command{
	Use:   "check <path> [new-path]",
	Short: "Evaluate an operation against a policy file offline",
	Long: `Evaluate one operation against a policy file without a running daemon
and print the verdict.

The exit status is 0 for allow, 2 for block and 3 for delay.`,
	Example: `  fsguard check --policy policy.yaml --op create /home/alice/report.lockme
  fsguard check --policy policy.yaml --op rename /data/a.docx /data/a.docx.enc
  fsguard check --policy policy.yaml --op write --proc-name encryptor --ops 80 /data/x`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runCheck,
}

func init() {
	checkCmd.Flags().String("policy", "", "Policy file (YAML or JSON)")
	checkCmd.Flags().String("op", string(api.OpWrite), "Operation kind (create, write, rename, delete)")
	checkCmd.Flags().Int32("pid", int32(os.Getpid()), "Requesting process id")
	checkCmd.Flags().Uint32("uid", uint32(os.Geteuid()), "Requesting user id")
	checkCmd.Flags().String("proc-name", "", "Requesting process name")
	checkCmd.Flags().Int64("length", 0, "Write length in bytes")
	checkCmd.Flags().Int("ops", 1, "Operations by the process inside the rate window, this one included")
	checkCmd.Flags().Int64("bytes", 0, "Bytes written by the process inside the rate window")
	checkCmd.MarkFlagRequired("policy")

	rootCmd.AddCommand(checkCmd)
}

func runCheck(cmd *cobra.Command, args []string) error {
	path, _ := cmd.Flags().GetString("policy")
	rules, err := policy.LoadFile(path)
	if err != nil {
		return err
	}
	snap, err := policy.Build(1, rules, true)
	if err != nil {
		return err
	}

	opName, _ := cmd.Flags().GetString("op")
	kind, ok := api.ParseOperationKind(opName)
	if !ok {
		return errx.With(ErrInvalidArgs, ": unknown operation %q", opName)
	}
	if kind == api.OpRename && len(args) != 2 {
		return errx.With(ErrInvalidArgs, ": rename needs a source and a target path")
	}

	pid, _ := cmd.Flags().GetInt32("pid")
	uid, _ := cmd.Flags().GetUint32("uid")
	name, _ := cmd.Flags().GetString("proc-name")
	length, _ := cmd.Flags().GetInt64("length")
	ops, _ := cmd.Flags().GetInt("ops")
	bytes, _ := cmd.Flags().GetInt64("bytes")

	desc := api.OperationDescriptor{
		ID:         uuid.NewString(),
		Kind:       kind,
		Path:       args[0],
		Process:    api.Process{PID: pid, UID: uid, Name: name},
		Timestamp:  time.Now(),
		DataLength: length,
		Activity:   api.Activity{Ops: ops, Bytes: bytes},
	}
	if len(args) == 2 {
		desc.NewPath = args[1]
	}

	v := decision.New(api.ActionAllow).Evaluate(&desc, snap)
	if wantJSON() {
		if err := printJSON(os.Stdout, v); err != nil {
			return err
		}
	} else {
		fmt.Printf("%s", v.Action)
		if v.Rule != "" {
			fmt.Printf(" (rule %s, priority %d)", v.Rule, v.Priority)
		}
		if v.Action == api.ActionDelay {
			fmt.Printf(" for %s", v.Delay)
		}
		fmt.Printf(": %s\n", v.Reason)
	}

	return verdictExit(v.Action)
}
