package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jingkaihe/fsguard/pkg/api"
	"github.com/jingkaihe/fsguard/pkg/control"
	"github.com/jingkaihe/fsguard/pkg/policy"
)

func testConfig(t *testing.T) *api.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := api.DefaultConfig()
	cfg.StateDB = filepath.Join(dir, "state.db")
	cfg.Control.SocketPath = filepath.Join(dir, "control.sock")
	cfg.Events.SocketPath = filepath.Join(dir, "events.sock")
	cfg.Events.Audit = true
	cfg.Events.Log = false
	cfg.DrainTimeout = 100 * time.Millisecond
	return cfg
}

func startDaemon(t *testing.T, cfg *api.Config) (*control.Client, func()) {
	t.Helper()
	d, err := newDaemon(cfg, newLogger("error"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.run(ctx, true) }()

	var client *control.Client
	require.Eventually(t, func() bool {
		client, err = control.Dial(ctx, cfg.Control.SocketPath)
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	return client, func() {
		client.Close()
		cancel()
		select {
		case err := <-done:
			assert.NoError(t, err)
		case <-time.After(5 * time.Second):
			t.Fatal("daemon did not stop")
		}
		d.close()
	}
}

func TestDaemonLifecycle(t *testing.T) {
	cfg := testConfig(t)
	policyPath := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(policyPath, []byte(checkPolicy), 0o644))
	cfg.Policy.Path = policyPath

	client, stop := startDaemon(t, cfg)
	ctx := context.Background()

	var report *api.StatusReport
	require.Eventually(t, func() bool {
		var err error
		report, err = client.QueryStatus(ctx)
		return err == nil && report.State == api.StateIntercepting
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, uint64(1), report.PolicyVersion)
	assert.Equal(t, 2, report.RuleCount)

	info, err := client.GetPolicy(ctx)
	require.NoError(t, err)
	assert.Equal(t, report.PolicyDigest, info.Digest)

	_, err = client.ReloadPolicy(ctx, []api.PolicyRule{{Pattern: "[", Action: "block", Priority: 1}})
	var perr *policy.Error
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, policy.KindMalformedPattern, perr.Kind)

	report, err = client.Stop(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, api.StateUnregistered, report.State)

	report, err = client.Start(ctx)
	require.NoError(t, err)
	assert.Equal(t, api.StateIntercepting, report.State)

	stop()
}

func TestDaemonRestoresPolicyFromHistory(t *testing.T) {
	cfg := testConfig(t)
	policyPath := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(policyPath, []byte(checkPolicy), 0o644))
	cfg.Policy.Path = policyPath

	client, stop := startDaemon(t, cfg)
	first, err := client.GetPolicy(context.Background())
	require.NoError(t, err)
	stop()

	cfg.Policy.Path = ""
	client, stop = startDaemon(t, cfg)
	defer stop()
	restored, err := client.GetPolicy(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first.Digest, restored.Digest)
}

func TestDaemonRejectsBadPolicyFile(t *testing.T) {
	cfg := testConfig(t)
	policyPath := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(policyPath, []byte("rules:\n  - pattern: \"[\"\n    action: block\n"), 0o644))
	cfg.Policy.Path = policyPath

	_, err := newDaemon(cfg, newLogger("error"))
	assert.ErrorIs(t, err, ErrLoadPolicy)
}

func TestDaemonClosesPartialStateOnListenFailure(t *testing.T) {
	cfg := testConfig(t)
	blocker := filepath.Join(t.TempDir(), "not-a-dir")
	require.NoError(t, os.WriteFile(blocker, nil, 0o600))
	good := cfg.Control.SocketPath
	cfg.Control.SocketPath = filepath.Join(blocker, "control.sock")

	_, err := newDaemon(cfg, newLogger("error"))
	require.ErrorIs(t, err, control.ErrListen)

	cfg.Control.SocketPath = good
	d, err := newDaemon(cfg, newLogger("error"))
	require.NoError(t, err)
	d.close()
}
