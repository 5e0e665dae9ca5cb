package policy

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jingkaihe/fsguard/pkg/api"
)

func desc(kind api.OperationKind, p string) *api.OperationDescriptor {
	return &api.OperationDescriptor{ID: "op-1", Kind: kind, Path: p, Process: api.Process{PID: 42, UID: 1000, Name: "bash"}}
}

func TestBuild_SortsByDescendingPriority(t *testing.T) {
	rules := []api.PolicyRule{
		{Name: "low", Pattern: "*.txt", Action: "allow", Priority: 1},
		{Name: "high", Pattern: "*.txt", Action: "block", Priority: 50},
		{Name: "mid-a", Pattern: "/tmp/**", Action: "delay", Priority: 10},
		{Name: "mid-b", Pattern: "/var/**", Action: "allow", Priority: 10},
	}
	snap, err := Build(1, rules, false)
	require.NoError(t, err)
	require.Equal(t, 4, snap.Len())

	var names []string
	for i := 0; i < snap.Len(); i++ {
		names = append(names, snap.Rule(i).Name())
	}
	assert.Equal(t, []string{"high", "mid-a", "mid-b", "low"}, names)
	assert.Equal(t, api.DefaultDelay, snap.Rule(1).Delay())
}

func TestBuild_DigestIgnoresCosmeticDifferences(t *testing.T) {
	a, err := Build(1, []api.PolicyRule{{Pattern: " *.lockme ", Action: "BLOCK", Priority: 10, Ops: []string{"write", "create"}}}, false)
	require.NoError(t, err)
	b, err := Build(2, []api.PolicyRule{{Pattern: "*.lockme", Action: "block", Priority: 10, Ops: []string{"create", "write", "write"}}}, false)
	require.NoError(t, err)
	assert.Equal(t, a.Digest(), b.Digest())

	c, err := Build(3, []api.PolicyRule{{Pattern: "*.lockme", Action: "allow", Priority: 10}}, false)
	require.NoError(t, err)
	assert.NotEqual(t, a.Digest(), c.Digest())
}

func TestBuild_Errors(t *testing.T) {
	tests := []struct {
		name     string
		rules    []api.PolicyRule
		kind     ErrorKind
		sentinel error
		index    int
	}{
		{
			name:     "empty set",
			rules:    nil,
			kind:     KindEmptyRuleSet,
			sentinel: ErrEmptyRuleSet,
			index:    -1,
		},
		{
			name: "bad glob",
			rules: []api.PolicyRule{
				{Pattern: "*.ok", Action: "allow"},
				{Pattern: "/data/[abc", Action: "block"},
			},
			kind:     KindMalformedPattern,
			sentinel: ErrMalformedPattern,
			index:    1,
		},
		{
			name:     "empty pattern",
			rules:    []api.PolicyRule{{Pattern: "  ", Action: "block"}},
			kind:     KindMalformedPattern,
			sentinel: ErrMalformedPattern,
		},
		{
			name:     "embedded double star",
			rules:    []api.PolicyRule{{Pattern: "/data/a**b/x", Action: "block"}},
			kind:     KindMalformedPattern,
			sentinel: ErrMalformedPattern,
		},
		{
			name:     "bad uid",
			rules:    []api.PolicyRule{{Pattern: "uid:root", Action: "block"}},
			kind:     KindMalformedPattern,
			sentinel: ErrMalformedPattern,
		},
		{
			name:     "unknown op",
			rules:    []api.PolicyRule{{Pattern: "*", Action: "block", Ops: []string{"chmod"}}},
			kind:     KindMalformedPattern,
			sentinel: ErrMalformedPattern,
		},
		{
			name:     "unknown action",
			rules:    []api.PolicyRule{{Pattern: "*", Action: "quarantine"}},
			kind:     KindInvalidAction,
			sentinel: ErrInvalidAction,
		},
		{
			name:     "negative delay",
			rules:    []api.PolicyRule{{Pattern: "*", Action: "delay", DelayMS: -5}},
			kind:     KindInvalidAction,
			sentinel: ErrInvalidAction,
		},
		{
			name: "conflicting priority",
			rules: []api.PolicyRule{
				{Pattern: "*.db", Action: "allow", Priority: 5},
				{Pattern: "*.db", Action: "block", Priority: 5},
			},
			kind:     KindConflictingPriority,
			sentinel: ErrConflictingPriority,
			index:    1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			snap, err := Build(1, tt.rules, false)
			require.Error(t, err)
			assert.Nil(t, snap)
			assert.ErrorIs(t, err, tt.sentinel)

			var perr *Error
			require.ErrorAs(t, err, &perr)
			assert.Equal(t, tt.kind, perr.Kind)
			assert.Equal(t, tt.index, perr.Index)
		})
	}
}

func TestBuild_SamePriorityDifferentSelectorIsNotAConflict(t *testing.T) {
	_, err := Build(1, []api.PolicyRule{
		{Pattern: "*.db", Action: "allow", Priority: 5},
		{Pattern: "*.db", Action: "block", Priority: 5, Ops: []string{"delete"}},
		{Pattern: "*.log", Action: "block", Priority: 5},
		{Pattern: "*.db", Action: "allow", Priority: 5},
	}, false)
	require.NoError(t, err)
}

func TestBuild_AllowEmpty(t *testing.T) {
	snap, err := Build(7, nil, true)
	require.NoError(t, err)
	assert.Equal(t, 0, snap.Len())
	assert.Equal(t, uint64(7), snap.Version())
	assert.NotEmpty(t, snap.Digest())
}

func TestSnapshotRules_ReturnsCopy(t *testing.T) {
	snap, err := Build(1, []api.PolicyRule{{Pattern: "*.tmp", Action: "allow", Ops: []string{"write"}}}, false)
	require.NoError(t, err)

	rules := snap.Rules()
	rules[0].Pattern = "*"
	rules[0].Ops[0] = "delete"

	again := snap.Rules()
	assert.Equal(t, "*.tmp", again[0].Pattern)
	assert.Equal(t, []string{"write"}, again[0].Ops)
}

func TestRuleMatches(t *testing.T) {
	tests := []struct {
		name    string
		rule    api.PolicyRule
		desc    *api.OperationDescriptor
		matches bool
	}{
		{"base name glob", api.PolicyRule{Pattern: "*.lockme"}, desc(api.OpWrite, "doc.lockme"), true},
		{"base name glob nested", api.PolicyRule{Pattern: "*.lockme"}, desc(api.OpWrite, "/home/a/doc.lockme"), true},
		{"base name miss", api.PolicyRule{Pattern: "*.lockme"}, desc(api.OpWrite, "doc.txt"), false},
		{"absolute double star", api.PolicyRule{Pattern: "/home/**/secret/*"}, desc(api.OpCreate, "/home/a/b/secret/k"), true},
		{"double star zero segments", api.PolicyRule{Pattern: "/home/**/secret/*"}, desc(api.OpCreate, "/home/secret/k"), true},
		{"absolute miss", api.PolicyRule{Pattern: "/home/**/secret/*"}, desc(api.OpCreate, "/var/secret/k"), false},
		{"relative with slash", api.PolicyRule{Pattern: "docs/*.md"}, desc(api.OpWrite, "/srv/repo/docs/a.md"), true},
		{"trailing double star", api.PolicyRule{Pattern: "/etc/**"}, desc(api.OpDelete, "/etc/ssh/sshd_config"), true},
		{"ops filter excludes", api.PolicyRule{Pattern: "*", Ops: []string{"delete"}}, desc(api.OpWrite, "/a"), false},
		{"ops filter includes", api.PolicyRule{Pattern: "*", Ops: []string{"remove"}}, desc(api.OpDelete, "/a"), true},
		{"rename target", api.PolicyRule{Pattern: "*.enc"}, &api.OperationDescriptor{Kind: api.OpRename, Path: "/d/a.doc", NewPath: "/d/a.doc.enc"}, true},
		{"proc glob", api.PolicyRule{Pattern: "proc:ba*"}, desc(api.OpWrite, "/a"), true},
		{"proc miss", api.PolicyRule{Pattern: "proc:vim"}, desc(api.OpWrite, "/a"), false},
		{"uid", api.PolicyRule{Pattern: "uid:1000"}, desc(api.OpWrite, "/a"), true},
		{"uid miss", api.PolicyRule{Pattern: "uid:0"}, desc(api.OpWrite, "/a"), false},
		{"min ops not reached", api.PolicyRule{Pattern: "*", MinOps: 50}, desc(api.OpWrite, "/a"), false},
		{"min ops reached", api.PolicyRule{Pattern: "*", MinOps: 50}, &api.OperationDescriptor{Kind: api.OpWrite, Path: "/a", Activity: api.Activity{Ops: 50}}, true},
		{"min bytes reached", api.PolicyRule{Pattern: "*", MinBytes: 1 << 20}, &api.OperationDescriptor{Kind: api.OpWrite, Path: "/a", Activity: api.Activity{Bytes: 2 << 20}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := tt.rule
			in.Action = "block"
			r, perr := compileRule(0, normalizeRule(in))
			require.Nil(t, perr)
			assert.Equal(t, tt.matches, r.Matches(tt.desc))
		})
	}
}

func TestProcPatternMatches(t *testing.T) {
	tests := []struct {
		pattern string
		name    string
		matches bool
	}{
		{"res*ic", "restic", true},
		{"res*ic", "resticx", false},
		{"*sync", "rsync", true},
		{"?at", "cat", true},
		{"[rc]sync", "csync", true},
		{"[rc]sync", "async", false},
		{"kworker*", "kworker/0:1", false},
		{"*", "anything", true},
	}

	for _, tt := range tests {
		t.Run(tt.pattern+"_"+tt.name, func(t *testing.T) {
			m, err := compilePattern("proc:" + tt.pattern)
			require.NoError(t, err)
			d := &api.OperationDescriptor{Kind: api.OpWrite, Path: "/a", Process: api.Process{Name: tt.name}}
			assert.Equal(t, tt.matches, m.match(d))
		})
	}

	_, err := compilePattern("proc:[")
	assert.Error(t, err)
}
