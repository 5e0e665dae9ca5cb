package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jingkaihe/fsguard/pkg/api"
)

func TestParse(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want []api.PolicyRule
	}{
		{
			name: "yaml document",
			in: `
rules:
  - name: lockme
    pattern: "*.lockme"
    action: block
    priority: 10
  - pattern: /srv/**
    action: delay
    priority: 5
    ops: [write, rename]
    delay_ms: 50
    min_ops: 20
`,
			want: []api.PolicyRule{
				{Name: "lockme", Pattern: "*.lockme", Action: "block", Priority: 10},
				{Pattern: "/srv/**", Action: "delay", Priority: 5, Ops: []string{"write", "rename"}, DelayMS: 50, MinOps: 20},
			},
		},
		{
			name: "yaml list",
			in:   "- {pattern: 'proc:curl', action: block, priority: 1}\n",
			want: []api.PolicyRule{{Pattern: "proc:curl", Action: "block", Priority: 1}},
		},
		{
			name: "json document",
			in:   `{"rules":[{"pattern":"uid:0","action":"allow","priority":100,"min_bytes":4096}]}`,
			want: []api.PolicyRule{{Pattern: "uid:0", Action: "allow", Priority: 100, MinBytes: 4096}},
		},
		{
			name: "empty",
			in:   "  \n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse([]byte(tt.in))
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParse_Invalid(t *testing.T) {
	_, err := Parse([]byte("rules: [pattern: {"))
	require.ErrorIs(t, err, ErrParsePolicy)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorIs(t, err, ErrReadPolicy)
}

func TestMarshal_RoundTripsThroughParse(t *testing.T) {
	rules := []api.PolicyRule{{Name: "a", Pattern: "*.lockme", Action: "block", Priority: 10, Ops: []string{"write"}}}
	data, err := Marshal(rules)
	require.NoError(t, err)

	got, err := Parse(data)
	require.NoError(t, err)
	assert.Equal(t, rules, got)
}

func TestWatcher_ReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte("rules: [{pattern: '*.a', action: allow, priority: 1}]\n"), 0o600))

	store := NewStore()
	w, err := NewWatcher(store, path, nil)
	require.NoError(t, err)
	w.debounce = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = w.Run(ctx)
	}()
	defer func() {
		cancel()
		<-done
	}()

	require.NoError(t, os.WriteFile(path, []byte("rules: [{pattern: '*.lockme', action: block, priority: 10}]\n"), 0o600))
	require.Eventually(t, func() bool {
		return store.Current().Version() == 1
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, "*.lockme", store.Current().Rules()[0].Pattern)

	require.NoError(t, os.WriteFile(path, []byte("rules: [{pattern: '[bad', action: block, priority: 10}]\n"), 0o600))
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, uint64(1), store.Current().Version(), "invalid file keeps the previous snapshot")
}
