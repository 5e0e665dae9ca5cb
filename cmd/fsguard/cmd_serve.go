package main

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/jingkaihe/fsguard/internal/errx"
	"github.com/jingkaihe/fsguard/pkg/api"
	"github.com/jingkaihe/fsguard/pkg/control"
	"github.com/jingkaihe/fsguard/pkg/decision"
	"github.com/jingkaihe/fsguard/pkg/driver"
	"github.com/jingkaihe/fsguard/pkg/events"
	"github.com/jingkaihe/fsguard/pkg/fanotify"
	"github.com/jingkaihe/fsguard/pkg/filter"
	"github.com/jingkaihe/fsguard/pkg/policy"
	"github.com/jingkaihe/fsguard/pkg/vfs"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the filter daemon",
	Long: `Run the filter daemon in the foreground.

The daemon loads the policy, opens the control and event sockets and, unless
--start=false is given, registers with the configured intercept mode and
begins intercepting immediately.`,
	Example: `  fsguard serve --mode fuse --mountpoint /srv/guarded --backing /srv/data --policy policy.yaml
  fsguard serve --mode fanotify --path /home --policy policy.yaml --watch`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().String("mode", "", "Intercept mode (vfs, fuse, fanotify)")
	serveCmd.Flags().String("mountpoint", "", "FUSE mountpoint")
	serveCmd.Flags().String("backing", "", "Directory served through the FUSE mountpoint")
	serveCmd.Flags().StringSlice("path", nil, "Directory watched through fanotify (can be repeated)")
	serveCmd.Flags().String("policy", "", "Policy file (YAML or JSON)")
	serveCmd.Flags().Bool("watch", false, "Reload the policy file when it changes")
	serveCmd.Flags().Bool("audit", false, "Persist every event in the state database")
	serveCmd.Flags().Bool("start", true, "Start intercepting right away")

	viper.BindPFlag("policy.path", serveCmd.Flags().Lookup("policy"))
	viper.BindPFlag("policy.watch", serveCmd.Flags().Lookup("watch"))
	viper.BindPFlag("events.audit", serveCmd.Flags().Lookup("audit"))

	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	if cmd.Flags().Changed("mode") {
		mode, _ := cmd.Flags().GetString("mode")
		mountpoint, _ := cmd.Flags().GetString("mountpoint")
		backing, _ := cmd.Flags().GetString("backing")
		paths, _ := cmd.Flags().GetStringSlice("path")
		cfg = cfg.Merge(&api.Config{Intercept: api.InterceptConfig{
			Mode:       mode,
			Mountpoint: mountpoint,
			Backing:    backing,
			Paths:      paths,
		}})
		if err := cfg.Validate(); err != nil {
			return err
		}
	}
	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	for _, p := range []string{cfg.StateDB, cfg.Control.SocketPath, cfg.Events.SocketPath} {
		if p == "" {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(p), 0o700); err != nil {
			return errx.Wrap(ErrCreateRuntimeDir, err)
		}
	}

	d, err := newDaemon(cfg, logger)
	if err != nil {
		return err
	}
	defer d.close()

	start, _ := cmd.Flags().GetBool("start")
	return d.run(cmd.Context(), start)
}

// daemon holds everything serve wires together.
type daemon struct {
	cfg     *api.Config
	logger  *slog.Logger
	history *policy.History
	store   *policy.Store
	watcher *policy.Watcher
	sinks   []events.Sink
	channel *events.Channel
	filter  *filter.Filter
	journal *driver.Journal
	driver  *driver.Driver
	control *control.Server
}

func newDaemon(cfg *api.Config, logger *slog.Logger) (_ *daemon, err error) {
	d := &daemon{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			d.close()
		}
	}()

	if d.history, err = policy.OpenHistory(cfg.StateDB, logger); err != nil {
		return nil, errx.Wrap(ErrOpenState, err)
	}
	d.store = policy.NewStore(
		policy.WithAllowEmpty(cfg.Policy.AllowEmpty),
		policy.WithPublishHook(d.history.PublishHook()),
	)
	if err = d.loadPolicy(); err != nil {
		return nil, err
	}
	if cfg.Policy.Path != "" && cfg.Policy.Watch {
		if d.watcher, err = policy.NewWatcher(d.store, cfg.Policy.Path, logger); err != nil {
			return nil, err
		}
	}

	if cfg.Events.Log {
		d.sinks = append(d.sinks, events.NewLogSink(logger))
	}
	if cfg.Events.Audit {
		audit, err := events.OpenAuditSink(cfg.StateDB, logger,
			events.WithRetention(cfg.Events.AuditRetention))
		if err != nil {
			return nil, err
		}
		d.sinks = append(d.sinks, audit)
	}
	if cfg.Events.SocketPath != "" {
		stream, err := events.Listen(cfg.Events.SocketPath, cfg.Events.SubscriberCapacity, logger)
		if err != nil {
			return nil, err
		}
		d.sinks = append(d.sinks, stream)
	}
	d.channel = events.NewChannel(cfg.Events.Capacity, logger, d.sinks...)

	d.filter = filter.New(cfg.Filter, d.store,
		filter.WithEvaluator(decision.New(api.ResolveAction(cfg.Filter.FaultAction))),
		filter.WithPublisher(d.channel),
		filter.WithLogger(logger),
	)

	reg, err := newRegistrar(cfg.Intercept, logger)
	if err != nil {
		return nil, err
	}
	if d.journal, err = driver.OpenJournal(cfg.StateDB); err != nil {
		return nil, errx.Wrap(ErrOpenState, err)
	}
	d.driver = driver.New(reg, d.filter, d.store,
		driver.WithEventStats(d.channel),
		driver.WithJournal(d.journal),
		driver.WithDrainTimeout(cfg.DrainTimeout),
		driver.WithLogger(logger),
	)

	if d.control, err = control.Listen(cfg.Control.SocketPath, d.driver, cfg.Control.AllowedUIDs, logger); err != nil {
		return nil, err
	}
	return d, nil
}

// loadPolicy publishes the configured policy file, or the last snapshot
// recorded in the state database when no file is configured.
func (d *daemon) loadPolicy() error {
	if d.cfg.Policy.Path != "" {
		rules, err := policy.LoadFile(d.cfg.Policy.Path)
		if err != nil {
			return errx.Wrap(ErrLoadPolicy, err)
		}
		if _, err := d.store.Reload(rules); err != nil {
			return errx.Wrap(ErrLoadPolicy, err)
		}
		return nil
	}

	latest, err := d.history.Latest(1)
	if err != nil {
		return errx.Wrap(ErrLoadPolicy, err)
	}
	if len(latest) == 0 || (len(latest[0].Rules) == 0 && !d.cfg.Policy.AllowEmpty) {
		d.logger.Warn("no policy loaded, every operation is allowed until one is published")
		return nil
	}
	if _, err := d.store.Reload(latest[0].Rules); err != nil {
		return errx.Wrap(ErrLoadPolicy, err)
	}
	d.logger.Info("restored policy", "digest", latest[0].Digest)
	return nil
}

func newRegistrar(cfg api.InterceptConfig, logger *slog.Logger) (filter.Registrar, error) {
	switch cfg.Mode {
	case api.InterceptVFS:
		logger.Info("in-process registrar has no operation source in the daemon")
		return vfs.NewRegistrar(), nil
	case api.InterceptFUSE:
		return vfs.NewMount(cfg.Mountpoint, cfg.Backing, logger), nil
	case api.InterceptFanotify:
		return fanotify.New(cfg.Paths, logger), nil
	default:
		return nil, errx.With(ErrUnknownMode, ": %q", cfg.Mode)
	}
}

func (d *daemon) run(ctx context.Context, start bool) error {
	g, gctx := errgroup.WithContext(ctx)
	channelCtx, stopChannel := context.WithCancel(context.Background())
	defer stopChannel()

	channelDone := make(chan struct{})
	go func() {
		defer close(channelDone)
		_ = d.channel.Run(channelCtx)
	}()

	g.Go(func() error { return d.control.Serve(gctx) })
	if d.watcher != nil {
		g.Go(func() error { return d.watcher.Run(gctx) })
	}

	if start {
		if err := d.driver.Start(gctx); err != nil {
			d.logger.Error("start failed, waiting for a start request", "error", err)
		}
	}
	d.logger.Info("serving",
		"control", d.cfg.Control.SocketPath,
		"events", d.cfg.Events.SocketPath,
		"mode", d.cfg.Intercept.Mode,
		"policy_version", d.store.Current().Version(),
	)

	<-gctx.Done()
	d.logger.Info("shutting down")
	if d.driver.State() != api.StateUnregistered {
		stopCtx, cancel := context.WithTimeout(context.Background(), 2*d.cfg.DrainTimeout)
		if err := d.driver.Stop(stopCtx, d.cfg.DrainTimeout); err != nil {
			d.logger.Error("stop failed", "error", err)
		}
		cancel()
	}
	err := g.Wait()

	// Sinks flush the records published during the drain before closing.
	stopChannel()
	<-channelDone
	return err
}

func (d *daemon) close() {
	if d.control != nil {
		d.control.Close()
	}
	for _, s := range d.sinks {
		s.Close()
	}
	if d.journal != nil {
		d.journal.Close()
	}
	if d.history != nil {
		d.history.Close()
	}
}
