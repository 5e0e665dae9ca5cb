package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jingkaihe/fsguard/internal/errx"
	"github.com/jingkaihe/fsguard/pkg/control"
	"github.com/jingkaihe/fsguard/pkg/driver"
	"github.com/jingkaihe/fsguard/pkg/policy"
)

const dialTimeout = 5 * time.Second

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Register the filter and begin intercepting",
	Args:  cobra.NoArgs,
	RunE:  runStart,
}

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Drain in-flight decisions and unregister the filter",
	Args:  cobra.NoArgs,
	RunE:  runStop,
}

var reloadCmd = &cobra.Command{
	Use:   "reload <policy-file>",
	Short: "Validate a policy file and publish it atomically",
	Long: `Validate every rule of a policy file and publish it as the next snapshot.

A malformed rule set is rejected as a whole and the active snapshot stays in
effect.`,
	Args: cobra.ExactArgs(1),
	RunE: runReload,
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show driver state, policy version and counters",
	Args:  cobra.NoArgs,
	RunE:  runStatus,
}

func init() {
	stopCmd.Flags().Duration("timeout", 0, "Drain timeout (default: the daemon's drain_timeout)")
	statusCmd.Flags().Int("transitions", 0, "Also list the last N driver transitions from the state database")

	viper.BindPFlag("stop.timeout", stopCmd.Flags().Lookup("timeout"))

	rootCmd.AddCommand(startCmd)
	rootCmd.AddCommand(stopCmd)
	rootCmd.AddCommand(reloadCmd)
	rootCmd.AddCommand(statusCmd)
}

// dial connects to the daemon named by the loaded config.
func dial(cmd *cobra.Command) (*control.Client, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), dialTimeout)
	defer cancel()
	client, err := control.Dial(ctx, cfg.Control.SocketPath)
	if err != nil {
		return nil, errx.With(ErrConnect, " at %s: %w", cfg.Control.SocketPath, err)
	}
	return client, nil
}

func runStart(cmd *cobra.Command, args []string) error {
	client, err := dial(cmd)
	if err != nil {
		return err
	}
	defer client.Close()

	report, err := client.Start(cmd.Context())
	if err != nil {
		return err
	}
	return printStatus(os.Stdout, report)
}

func runStop(cmd *cobra.Command, args []string) error {
	client, err := dial(cmd)
	if err != nil {
		return err
	}
	defer client.Close()

	report, err := client.Stop(cmd.Context(), viper.GetDuration("stop.timeout"))
	if err != nil {
		return err
	}
	return printStatus(os.Stdout, report)
}

func runReload(cmd *cobra.Command, args []string) error {
	rules, err := policy.LoadFile(args[0])
	if err != nil {
		return err
	}
	client, err := dial(cmd)
	if err != nil {
		return err
	}
	defer client.Close()

	info, err := client.ReloadPolicy(cmd.Context(), rules)
	if err != nil {
		return err
	}
	if wantJSON() {
		return printJSON(os.Stdout, info)
	}
	fmt.Printf("Published policy v%d %s (%d rules)\n", info.Version, shortDigest(info.Digest), len(info.Rules))
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	client, err := dial(cmd)
	if err != nil {
		return err
	}
	defer client.Close()

	report, err := client.QueryStatus(cmd.Context())
	if err != nil {
		return err
	}
	if err := printStatus(os.Stdout, report); err != nil {
		return err
	}

	n, _ := cmd.Flags().GetInt("transitions")
	if n <= 0 {
		return nil
	}
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	journal, err := driver.OpenJournal(cfg.StateDB)
	if err != nil {
		return err
	}
	defer journal.Close()
	ts, err := journal.History(n)
	if err != nil {
		return err
	}
	fmt.Println()
	return printTransitions(os.Stdout, ts)
}
