package main

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/jingkaihe/fsguard/pkg/policy"
)

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Show the active policy",
	Long: `Show the snapshot the daemon is currently deciding with.

With --history the snapshots recorded in the state database are listed
instead; the daemon does not need to be running for that.`,
	Args: cobra.NoArgs,
	RunE: runPolicy,
}

func init() {
	policyCmd.Flags().Bool("yaml", false, "Print the rules as a policy file")
	policyCmd.Flags().Int("history", 0, "List the last N published snapshots")

	rootCmd.AddCommand(policyCmd)
}

func runPolicy(cmd *cobra.Command, args []string) error {
	if n, _ := cmd.Flags().GetInt("history"); n > 0 {
		return runPolicyHistory(cmd, n)
	}

	client, err := dial(cmd)
	if err != nil {
		return err
	}
	defer client.Close()

	info, err := client.GetPolicy(cmd.Context())
	if err != nil {
		return err
	}

	if asYAML, _ := cmd.Flags().GetBool("yaml"); asYAML {
		data, err := policy.Marshal(info.Rules)
		if err != nil {
			return err
		}
		_, err = os.Stdout.Write(data)
		return err
	}
	if wantJSON() {
		return printJSON(os.Stdout, info)
	}
	fmt.Printf("Version %d, digest %s, published %s\n\n", info.Version, shortDigest(info.Digest), info.CreatedAt.Local().Format("2006-01-02 15:04:05"))
	return printRules(os.Stdout, info.Rules)
}

func runPolicyHistory(cmd *cobra.Command, n int) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	history, err := policy.OpenHistory(cfg.StateDB, nil)
	if err != nil {
		return err
	}
	defer history.Close()

	entries, err := history.Latest(n)
	if err != nil {
		return err
	}
	if wantJSON() {
		return printJSON(os.Stdout, entries)
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "VERSION\tDIGEST\tCREATED\tRULES")
	for _, e := range entries {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\n", e.Version, shortDigest(e.Digest), e.CreatedAt, len(e.Rules))
	}
	return tw.Flush()
}
