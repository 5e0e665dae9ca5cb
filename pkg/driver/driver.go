// Package driver owns the filter's lifecycle: registration with the OS
// interface, interception, drain and deregistration.
package driver

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/jingkaihe/fsguard/internal/errx"
	"github.com/jingkaihe/fsguard/pkg/api"
	"github.com/jingkaihe/fsguard/pkg/filter"
	"github.com/jingkaihe/fsguard/pkg/policy"
)

// EventStats exposes the event channel's counters.
type EventStats interface {
	Published() uint64
	Dropped() uint64
}

type Driver struct {
	registrar    filter.Registrar
	filter       *filter.Filter
	store        *policy.Store
	events       EventStats
	journal      *Journal
	drainTimeout time.Duration
	logger       *slog.Logger

	opMu    sync.Mutex // serializes Start and Stop
	stateMu sync.RWMutex
	state   api.DriverState
}

type Option func(*Driver)

func WithEventStats(s EventStats) Option {
	return func(d *Driver) { d.events = s }
}

// WithJournal records every transition in j.
func WithJournal(j *Journal) Option {
	return func(d *Driver) { d.journal = j }
}

func WithDrainTimeout(timeout time.Duration) Option {
	return func(d *Driver) {
		if timeout > 0 {
			d.drainTimeout = timeout
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(d *Driver) {
		if l != nil {
			d.logger = l
		}
	}
}

func New(reg filter.Registrar, f *filter.Filter, store *policy.Store, opts ...Option) *Driver {
	d := &Driver{
		registrar:    reg,
		filter:       f,
		store:        store,
		drainTimeout: api.DefaultDrainTimeout,
		logger:       slog.Default(),
		state:        api.StateUnregistered,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.logger = d.logger.With("component", "driver", "registrar", reg.Name())
	return d
}

func (d *Driver) State() api.DriverState {
	d.stateMu.RLock()
	defer d.stateMu.RUnlock()
	return d.state
}

// Start registers the filter callback and begins intercepting. When the
// registrar refuses, the driver stays unregistered and the error wraps
// ErrRegistrationFailure.
func (d *Driver) Start(ctx context.Context) error {
	d.opMu.Lock()
	defer d.opMu.Unlock()

	from := d.State()
	if err := validateTransition(from, api.StateRegistered); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := d.registrar.Register(d.filter); err != nil {
		err = errx.Wrap(ErrRegistrationFailure, err)
		d.record(from, from, err)
		d.logger.Error("registration failed", "error", err)
		return err
	}
	if err := d.transition(api.StateRegistered); err != nil {
		return err
	}

	d.filter.Open()
	if err := d.transition(api.StateIntercepting); err != nil {
		return err
	}
	d.logger.Info("intercepting", "policy_version", d.store.Current().Version())
	return nil
}

// Stop drains in-flight decisions for at most timeout (the configured drain
// timeout when zero) and then deregisters the callback. A Stop that failed
// to deregister can be retried from the draining state.
func (d *Driver) Stop(ctx context.Context, timeout time.Duration) error {
	d.opMu.Lock()
	defer d.opMu.Unlock()

	if timeout <= 0 {
		timeout = d.drainTimeout
	}

	switch from := d.State(); from {
	case api.StateIntercepting:
		if err := d.transition(api.StateDraining); err != nil {
			return err
		}
		d.drain(ctx, timeout)
	case api.StateDraining:
	case api.StateRegistered:
	default:
		return errx.With(ErrInvalidTransition, " %q -> %q", from, api.StateUnregistered)
	}

	if err := d.registrar.Unregister(); err != nil {
		err = errx.Wrap(ErrUnregisterFailure, err)
		d.record(d.State(), d.State(), err)
		d.logger.Error("unregister failed", "error", err)
		return err
	}
	if err := d.transition(api.StateUnregistered); err != nil {
		return err
	}
	d.logger.Info("unregistered")
	return nil
}

func (d *Driver) drain(ctx context.Context, timeout time.Duration) {
	drainCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	err := d.filter.Close(drainCtx)
	switch {
	case err == nil:
		d.logger.Info("drained", "elapsed", time.Since(start))
	case errors.Is(err, filter.ErrDrainTimeout):
		d.logger.Warn("drain deadline reached, pending delays released", "timeout", timeout)
	case errors.Is(err, filter.ErrNotOpen):
	default:
		d.logger.Warn("drain", "error", err)
	}
}

// ReloadPolicy publishes rules as the next snapshot. It is valid in every
// state.
func (d *Driver) ReloadPolicy(rules []api.PolicyRule) (*policy.Snapshot, error) {
	snap, err := d.store.Reload(rules)
	if err != nil {
		d.logger.Warn("policy reload rejected", "error", err)
		return nil, err
	}
	d.logger.Info("policy reloaded", "version", snap.Version(), "rules", snap.Len(), "digest", snap.Digest())
	return snap, nil
}

func (d *Driver) Policy() *policy.Snapshot {
	return d.store.Current()
}

func (d *Driver) Status() api.StatusReport {
	snap := d.store.Current()
	counters := d.filter.Counters()
	if d.events != nil {
		counters.EventsPublished = d.events.Published()
		counters.EventsDropped = d.events.Dropped()
	}
	return api.StatusReport{
		State:         d.State(),
		PolicyVersion: snap.Version(),
		PolicyDigest:  snap.Digest(),
		RuleCount:     snap.Len(),
		Counters:      counters,
	}
}

func (d *Driver) transition(to api.DriverState) error {
	d.stateMu.Lock()
	from := d.state
	if err := validateTransition(from, to); err != nil {
		d.stateMu.Unlock()
		return err
	}
	d.state = to
	d.stateMu.Unlock()

	d.record(from, to, nil)
	d.logger.Debug("state transition", "from", from, "to", to)
	return nil
}

func (d *Driver) record(from, to api.DriverState, cause error) {
	if d.journal == nil {
		return
	}
	t := Transition{From: from, To: to, Registrar: d.registrar.Name()}
	if cause != nil {
		t.Error = cause.Error()
	}
	if err := d.journal.Append(t); err != nil {
		d.logger.Warn("journal transition", "from", from, "to", to, "error", err)
	}
}
