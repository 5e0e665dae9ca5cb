package policy

import (
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/jingkaihe/fsguard/pkg/api"
)

var errEmptyPattern = errors.New("empty pattern")

// Rule is a validated, compiled PolicyRule. Values are only produced by a
// Snapshot and carry no exported mutable state.
type Rule struct {
	name     string
	pattern  string
	action   api.Action
	priority int
	delay    time.Duration
	ops      []api.OperationKind
	minOps   int
	minBytes int64
	m        matcher
}

func (r Rule) Name() string           { return r.name }
func (r Rule) Pattern() string        { return r.pattern }
func (r Rule) Action() api.Action     { return r.action }
func (r Rule) Priority() int          { return r.priority }
func (r Rule) Delay() time.Duration   { return r.delay }
func (r Rule) RateQualified() bool    { return r.minOps > 0 || r.minBytes > 0 }
func (r Rule) AppliesTo(k api.OperationKind) bool {
	return len(r.ops) == 0 || slices.Contains(r.ops, k)
}

// Matches reports whether desc satisfies the rule's operation filter,
// pattern and activity thresholds.
func (r Rule) Matches(desc *api.OperationDescriptor) bool {
	if desc == nil || !r.AppliesTo(desc.Kind) {
		return false
	}
	if r.minOps > 0 && desc.Activity.Ops < r.minOps {
		return false
	}
	if r.minBytes > 0 && desc.Activity.Bytes < r.minBytes {
		return false
	}
	return r.m.match(desc)
}

// normalizeRule returns the canonical form of in that is stored in the
// snapshot and hashed into its digest.
func normalizeRule(in api.PolicyRule) api.PolicyRule {
	out := in
	out.Name = strings.TrimSpace(in.Name)
	out.Pattern = strings.TrimSpace(in.Pattern)
	if a, ok := api.ParseAction(in.Action); ok {
		out.Action = string(a)
	}
	out.Ops = nil
	for _, op := range in.Ops {
		if k, ok := api.ParseOperationKind(op); ok {
			out.Ops = append(out.Ops, string(k))
		} else {
			out.Ops = append(out.Ops, op)
		}
	}
	slices.Sort(out.Ops)
	out.Ops = slices.Compact(out.Ops)
	return out
}

func compileRule(index int, in api.PolicyRule) (Rule, *Error) {
	action, ok := api.ParseAction(in.Action)
	if !ok {
		return Rule{}, newError(KindInvalidAction, index, in.Name, ErrInvalidAction, "unknown action %q", in.Action)
	}
	if in.DelayMS < 0 || in.MinOps < 0 || in.MinBytes < 0 {
		return Rule{}, newError(KindInvalidAction, index, in.Name, ErrInvalidAction, "negative delay or threshold")
	}

	m, err := compilePattern(in.Pattern)
	if err != nil {
		return Rule{}, newError(KindMalformedPattern, index, in.Name, ErrMalformedPattern, "%q: %v", in.Pattern, err)
	}

	ops := make([]api.OperationKind, 0, len(in.Ops))
	for _, op := range in.Ops {
		k, ok := api.ParseOperationKind(op)
		if !ok {
			return Rule{}, newError(KindMalformedPattern, index, in.Name, ErrMalformedPattern, "unknown operation %q", op)
		}
		ops = append(ops, k)
	}

	r := Rule{
		name:     in.Name,
		pattern:  in.Pattern,
		action:   action,
		priority: in.Priority,
		ops:      ops,
		minOps:   in.MinOps,
		minBytes: in.MinBytes,
		m:        m,
	}
	if action == api.ActionDelay {
		r.delay = time.Duration(in.DelayMS) * time.Millisecond
		if r.delay == 0 {
			r.delay = api.DefaultDelay
		}
	}
	if r.name == "" {
		r.name = string(action) + ":" + in.Pattern
	}
	return r, nil
}
