package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/jingkaihe/fsguard/internal/errx"
	"github.com/jingkaihe/fsguard/pkg/api"
)

var rootCmd = &cobra.Command{
	Use:   "fsguard",
	Short: "File operation filter with hot-reloadable policy",
	Long: `fsguard intercepts file create, write, rename and delete operations and
allows, blocks or delays each one according to a policy.

Run "fsguard serve" to start the daemon; the other commands talk to it over
the control socket or read its state database.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// configKeys lists every key that can come from FSGUARD_* variables.
var configKeys = []string{
	"filter.decision_budget",
	"filter.timeout_action",
	"filter.fault_action",
	"filter.max_delay",
	"filter.max_reevaluations",
	"filter.delay_exhausted_action",
	"filter.rate_window",
	"events.capacity",
	"events.subscriber_capacity",
	"events.socket",
	"events.audit",
	"events.audit_retention",
	"events.log",
	"control.socket",
	"control.allowed_uids",
	"policy.path",
	"policy.watch",
	"policy.allow_empty",
	"intercept.mode",
	"intercept.mountpoint",
	"intercept.backing",
	"intercept.paths",
	"state_db",
	"drain_timeout",
	"log_level",
}

func init() {
	defaults := api.DefaultConfig()
	rootCmd.PersistentFlags().String("config", "", "Config file (default: <runtime dir>/fsguard.yaml)")
	rootCmd.PersistentFlags().String("log-level", defaults.LogLevel, "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("control-socket", defaults.Control.SocketPath, "Control socket path")
	rootCmd.PersistentFlags().String("state-db", defaults.StateDB, "State database path")
	rootCmd.PersistentFlags().Bool("json", false, "Print JSON even on a terminal")

	viper.BindPFlag("log_level", rootCmd.PersistentFlags().Lookup("log-level"))
	viper.BindPFlag("control.socket", rootCmd.PersistentFlags().Lookup("control-socket"))
	viper.BindPFlag("state_db", rootCmd.PersistentFlags().Lookup("state-db"))
	viper.BindPFlag("output.json", rootCmd.PersistentFlags().Lookup("json"))
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	cancel()
	if err == nil {
		return
	}
	var exitErr interface{ ExitCode() int }
	if errors.As(err, &exitErr) {
		os.Exit(exitErr.ExitCode())
	}
	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}

// loadConfig layers the config file, FSGUARD_* variables and bound flags
// over the defaults, then validates the result.
func loadConfig(cmd *cobra.Command) (*api.Config, error) {
	path, _ := cmd.Flags().GetString("config")
	return loadConfigFrom(viper.GetViper(), path)
}

func loadConfigFrom(v *viper.Viper, path string) (*api.Config, error) {
	v.SetEnvPrefix("FSGUARD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	for _, key := range configKeys {
		if err := v.BindEnv(key); err != nil {
			return nil, errx.Wrap(ErrLoadConfig, err)
		}
	}

	explicit := path != ""
	if !explicit {
		path = filepath.Join(api.DefaultRuntimeDir(), "fsguard.yaml")
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if explicit || !(errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist)) {
			return nil, errx.With(ErrLoadConfig, " %s: %w", path, err)
		}
	}

	cfg := api.DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, errx.Wrap(ErrLoadConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
