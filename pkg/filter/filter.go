// Package filter is the interception layer: it turns raw operations handed
// over by a Registrar into descriptors, asks the decision engine for a
// verdict inside a time budget and maps the verdict to a status code.
package filter

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/jingkaihe/fsguard/internal/errx"
	"github.com/jingkaihe/fsguard/pkg/api"
	"github.com/jingkaihe/fsguard/pkg/decision"
	"github.com/jingkaihe/fsguard/pkg/policy"
)

// SnapshotSource supplies the policy snapshot for each decision.
type SnapshotSource interface {
	Current() *policy.Snapshot
}

// Publisher receives event records. Publish must not block.
type Publisher interface {
	Publish(rec api.EventRecord)
}

type discard struct{}

func (discard) Publish(api.EventRecord) {}

type counters struct {
	seen     atomic.Uint64
	allowed  atomic.Uint64
	blocked  atomic.Uint64
	delayed  atomic.Uint64
	timeouts atomic.Uint64
	faults   atomic.Uint64
	bypassed atomic.Uint64
}

// generation tracks the decisions admitted between one Open and the
// matching Close.
type generation struct {
	inflight sync.WaitGroup
	ctx      context.Context // cancelled to release Delay waits
	cancel   context.CancelFunc
}

type Filter struct {
	cfg             api.FilterConfig
	source          SnapshotSource
	eval            decision.Evaluator
	events          Publisher
	rate            *RateTracker
	logger          *slog.Logger
	timeoutAction   api.Action
	faultAction     api.Action
	exhaustedAction api.Action

	mu  sync.Mutex
	gen *generation // nil while closed

	stats counters
}

type Option func(*Filter)

// WithEvaluator replaces the default decision engine.
func WithEvaluator(ev decision.Evaluator) Option {
	return func(f *Filter) { f.eval = ev }
}

func WithPublisher(p Publisher) Option {
	return func(f *Filter) {
		if p != nil {
			f.events = p
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(f *Filter) {
		if l != nil {
			f.logger = l
		}
	}
}

// New returns a closed filter. Operations bypass it until Open is called.
func New(cfg api.FilterConfig, source SnapshotSource, opts ...Option) *Filter {
	if cfg.DecisionBudget <= 0 {
		cfg.DecisionBudget = api.DefaultDecisionBudget
	}
	if cfg.RateWindow <= 0 {
		cfg.RateWindow = api.DefaultRateWindow
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = api.DefaultMaxDelay
	}
	if cfg.MaxReevaluations <= 0 {
		cfg.MaxReevaluations = api.DefaultMaxReevaluations
	}
	f := &Filter{
		cfg:             cfg,
		source:          source,
		events:          discard{},
		rate:            NewRateTracker(cfg.RateWindow),
		logger:          slog.Default(),
		timeoutAction:   api.ResolveAction(cfg.TimeoutAction),
		faultAction:     api.ResolveAction(cfg.FaultAction),
		exhaustedAction: api.ResolveAction(cfg.DelayExhaustedAction),
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.eval == nil {
		f.eval = decision.New(f.faultAction)
	}
	return f
}

// Open starts admitting operations for evaluation.
func (f *Filter) Open() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.gen != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	f.gen = &generation{ctx: ctx, cancel: cancel}
}

func (f *Filter) IsOpen() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.gen != nil
}

// Close drains the filter. New operations bypass evaluation from the moment
// Close is called. In-flight decisions are waited for until ctx is done;
// Delay waits still pending then resolve to Allow with an audit event.
// Evaluations themselves are never interrupted. ErrDrainTimeout is returned
// when the deadline had to be enforced.
func (f *Filter) Close(ctx context.Context) error {
	f.mu.Lock()
	g := f.gen
	f.gen = nil
	f.mu.Unlock()
	if g == nil {
		return ErrNotOpen
	}

	done := make(chan struct{})
	go func() {
		g.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		g.cancel()
		return nil
	case <-ctx.Done():
	}

	g.cancel()
	<-done
	return errx.Wrap(ErrDrainTimeout, ctx.Err())
}

func (f *Filter) enter() *generation {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.gen == nil {
		return nil
	}
	f.gen.inflight.Add(1)
	return f.gen
}

// Counters returns the filter's share of the status counters.
func (f *Filter) Counters() api.Counters {
	return api.Counters{
		Seen:     f.stats.seen.Load(),
		Allowed:  f.stats.allowed.Load(),
		Blocked:  f.stats.blocked.Load(),
		Delayed:  f.stats.delayed.Load(),
		Timeouts: f.stats.timeouts.Load(),
		Faults:   f.stats.faults.Load(),
		Bypassed: f.stats.bypassed.Load(),
	}
}

// PreOperation decides op synchronously, waiting out Delay verdicts.
func (f *Filter) PreOperation(ctx context.Context, op api.Operation) (status api.Status) {
	defer f.contain(&status)

	g := f.enter()
	if g == nil {
		return f.bypass(op)
	}
	defer g.inflight.Done()

	start := time.Now()
	desc := f.describe(op, start)
	st, v, final := f.step(desc, start)
	if final {
		return st
	}
	return f.resolveDelay(ctx, g, desc, v, start)
}

// Submit decides op without waiting on Delay verdicts. When the first
// verdict is Delay it returns StatusPend and a channel that delivers the
// final status.
func (f *Filter) Submit(ctx context.Context, op api.Operation) (status api.Status, pending <-chan api.Status) {
	defer f.contain(&status)

	g := f.enter()
	if g == nil {
		return f.bypass(op), nil
	}
	handedOff := false
	defer func() {
		if !handedOff {
			g.inflight.Done()
		}
	}()

	start := time.Now()
	desc := f.describe(op, start)
	st, v, final := f.step(desc, start)
	if final {
		return st, nil
	}

	handedOff = true
	ch := make(chan api.Status, 1)
	go func() {
		defer g.inflight.Done()
		var st api.Status
		defer func() { ch <- st }()
		defer f.contain(&st)
		st = f.resolveDelay(ctx, g, desc, v, start)
	}()
	return api.StatusPend, ch
}

// contain keeps panics from reaching the caller's I/O thread.
func (f *Filter) contain(status *api.Status) {
	if r := recover(); r != nil {
		f.stats.faults.Add(1)
		f.logger.Error("filter fault", "panic", r)
		*status = toStatus(f.faultAction)
	}
}

func (f *Filter) bypass(op api.Operation) api.Status {
	f.stats.bypassed.Add(1)
	f.events.Publish(api.EventRecord{
		Kind: api.EventBypass,
		Descriptor: api.OperationDescriptor{
			Kind:    op.Kind,
			Path:    op.Path,
			NewPath: op.NewPath,
			Process: op.Process,
		},
		Verdict:   api.Verdict{Action: api.ActionAllow, Reason: "filter not intercepting"},
		Timestamp: time.Now(),
	})
	return api.StatusAllow
}

func (f *Filter) describe(op api.Operation, now time.Time) api.OperationDescriptor {
	f.stats.seen.Add(1)
	return api.OperationDescriptor{
		ID:         uuid.NewString(),
		Kind:       op.Kind,
		Path:       op.Path,
		NewPath:    op.NewPath,
		Process:    op.Process,
		Timestamp:  now,
		DataLength: op.DataLength,
		Activity:   f.rate.Record(op.Process.PID, op.DataLength, now),
	}
}

func toStatus(a api.Action) api.Status {
	if a == api.ActionBlock {
		return api.StatusDeny
	}
	return api.StatusAllow
}
