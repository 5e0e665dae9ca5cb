package driver

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jingkaihe/fsguard/pkg/api"
	"github.com/jingkaihe/fsguard/pkg/filter"
	"github.com/jingkaihe/fsguard/pkg/policy"
)

type fakeRegistrar struct {
	mu          sync.Mutex
	handler     filter.Handler
	registerErr error
	unregErr    error
}

func (r *fakeRegistrar) Name() string { return "fake" }

func (r *fakeRegistrar) Register(h filter.Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.registerErr != nil {
		return r.registerErr
	}
	r.handler = h
	return nil
}

func (r *fakeRegistrar) Unregister() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.unregErr != nil {
		return r.unregErr
	}
	r.handler = nil
	return nil
}

// op simulates the OS: without a registered handler the operation never
// reaches the filter.
func (r *fakeRegistrar) op(ctx context.Context, path string) (api.Status, bool) {
	r.mu.Lock()
	h := r.handler
	r.mu.Unlock()
	if h == nil {
		return api.StatusAllow, false
	}
	return h.PreOperation(ctx, api.Operation{Kind: api.OpWrite, Path: path, Process: api.Process{PID: 1, Name: "t"}}), true
}

func newDriver(t *testing.T, reg *fakeRegistrar, rules ...api.PolicyRule) (*Driver, *Journal) {
	t.Helper()
	store := policy.NewStore(policy.WithAllowEmpty(true))
	if len(rules) > 0 {
		_, err := store.Reload(rules)
		require.NoError(t, err)
	}
	cfg := api.DefaultConfig().Filter
	cfg.DecisionBudget = time.Second
	cfg.MaxDelay = 10 * time.Second

	j, err := OpenJournal(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })

	return New(reg, filter.New(cfg, store), store, WithJournal(j), WithDrainTimeout(50*time.Millisecond)), j
}

func TestValidateTransition(t *testing.T) {
	require.NoError(t, validateTransition(api.StateUnregistered, api.StateRegistered))
	require.NoError(t, validateTransition(api.StateRegistered, api.StateIntercepting))
	require.NoError(t, validateTransition(api.StateIntercepting, api.StateDraining))
	require.NoError(t, validateTransition(api.StateDraining, api.StateUnregistered))
	require.NoError(t, validateTransition("", api.StateRegistered))
	require.ErrorIs(t, validateTransition(api.StateUnregistered, api.StateIntercepting), ErrInvalidTransition)
	require.ErrorIs(t, validateTransition(api.StateIntercepting, api.StateUnregistered), ErrInvalidTransition)
	require.ErrorIs(t, validateTransition(api.StateDraining, api.StateIntercepting), ErrInvalidTransition)
	require.ErrorIs(t, validateTransition(api.StateRegistered, ""), ErrInvalidTransition)
}

func TestDriver_StartStop(t *testing.T) {
	reg := &fakeRegistrar{}
	d, j := newDriver(t, reg, api.PolicyRule{Pattern: "*.lockme", Action: "block", Priority: 10})
	ctx := context.Background()

	st, reached := reg.op(ctx, "a.lockme")
	assert.False(t, reached)
	assert.Equal(t, api.StatusAllow, st)

	require.NoError(t, d.Start(ctx))
	assert.Equal(t, api.StateIntercepting, d.State())

	st, reached = reg.op(ctx, "a.lockme")
	assert.True(t, reached)
	assert.Equal(t, api.StatusDeny, st)

	require.ErrorIs(t, d.Start(ctx), ErrInvalidTransition)

	require.NoError(t, d.Stop(ctx, 0))
	assert.Equal(t, api.StateUnregistered, d.State())
	_, reached = reg.op(ctx, "a.lockme")
	assert.False(t, reached)

	status := d.Status()
	assert.Equal(t, uint64(1), status.Counters.Seen)
	assert.Equal(t, uint64(1), status.Counters.Blocked)
	assert.Equal(t, uint64(1), status.PolicyVersion)
	assert.Equal(t, 1, status.RuleCount)

	history, err := j.History(0)
	require.NoError(t, err)
	var path []api.DriverState
	for _, tr := range history {
		path = append(path, tr.To)
		assert.Equal(t, "fake", tr.Registrar)
	}
	assert.Equal(t, []api.DriverState{
		api.StateRegistered, api.StateIntercepting, api.StateDraining, api.StateUnregistered,
	}, path)

	require.NoError(t, d.Start(ctx), "driver restarts after a clean stop")
	require.NoError(t, d.Stop(ctx, 0))
}

func TestDriver_RegistrationFailureStaysUnregistered(t *testing.T) {
	reg := &fakeRegistrar{registerErr: errors.New("fanotify_init: operation not permitted")}
	d, j := newDriver(t, reg)

	err := d.Start(context.Background())
	require.ErrorIs(t, err, ErrRegistrationFailure)
	assert.Contains(t, err.Error(), "operation not permitted")
	assert.Equal(t, api.StateUnregistered, d.State())

	history, err := j.History(10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, api.StateUnregistered, history[0].To)
	assert.Contains(t, history[0].Error, "operation not permitted")

	reg.registerErr = nil
	require.NoError(t, d.Start(context.Background()))
}

func TestDriver_StopWhenUnregistered(t *testing.T) {
	d, _ := newDriver(t, &fakeRegistrar{})
	require.ErrorIs(t, d.Stop(context.Background(), 0), ErrInvalidTransition)
}

func TestDriver_StopDrainsPendingDelays(t *testing.T) {
	reg := &fakeRegistrar{}
	d, _ := newDriver(t, reg, api.PolicyRule{Pattern: "*", Action: "delay", DelayMS: 10000})
	ctx := context.Background()
	require.NoError(t, d.Start(ctx))

	results := make(chan api.Status, 1)
	go func() {
		st, _ := reg.op(ctx, "/slow")
		results <- st
	}()
	require.Eventually(t, func() bool { return d.Status().Counters.Delayed == 1 }, 5*time.Second, 5*time.Millisecond)

	start := time.Now()
	require.NoError(t, d.Stop(ctx, 30*time.Millisecond))
	assert.Less(t, time.Since(start), 2*time.Second)

	select {
	case st := <-results:
		assert.Equal(t, api.StatusAllow, st)
	case <-time.After(5 * time.Second):
		t.Fatal("delayed operation was not released by drain")
	}
	assert.Equal(t, api.StateUnregistered, d.State())
}

func TestDriver_UnregisterFailureCanBeRetried(t *testing.T) {
	reg := &fakeRegistrar{}
	d, _ := newDriver(t, reg)
	ctx := context.Background()
	require.NoError(t, d.Start(ctx))

	reg.unregErr = errors.New("device busy")
	require.ErrorIs(t, d.Stop(ctx, 0), ErrUnregisterFailure)
	assert.Equal(t, api.StateDraining, d.State())

	st, reached := reg.op(ctx, "/x")
	assert.True(t, reached)
	assert.Equal(t, api.StatusAllow, st)
	assert.Equal(t, uint64(1), d.Status().Counters.Bypassed, "a draining filter lets operations through")

	reg.unregErr = nil
	require.NoError(t, d.Stop(ctx, 0))
	assert.Equal(t, api.StateUnregistered, d.State())
}

func TestDriver_ReloadPolicy(t *testing.T) {
	d, _ := newDriver(t, &fakeRegistrar{})
	before := d.Policy()

	_, err := d.ReloadPolicy([]api.PolicyRule{{Pattern: "[", Action: "block"}})
	require.ErrorIs(t, err, policy.ErrMalformedPattern)
	assert.Same(t, before, d.Policy())

	snap, err := d.ReloadPolicy([]api.PolicyRule{{Pattern: "*.lockme", Action: "block", Priority: 10}})
	require.NoError(t, err)
	assert.Same(t, snap, d.Policy())
	assert.Equal(t, snap.Digest(), d.Status().PolicyDigest)
}

type stats struct{ published, dropped uint64 }

func (s stats) Published() uint64 { return s.published }
func (s stats) Dropped() uint64   { return s.dropped }

func TestDriver_StatusIncludesEventCounters(t *testing.T) {
	store := policy.NewStore()
	d := New(&fakeRegistrar{}, filter.New(api.DefaultConfig().Filter, store), store, WithEventStats(stats{10, 2}))
	c := d.Status().Counters
	assert.Equal(t, uint64(10), c.EventsPublished)
	assert.Equal(t, uint64(2), c.EventsDropped)
	assert.Equal(t, api.StateUnregistered, d.Status().State)
}
