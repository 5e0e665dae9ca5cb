// Package decision turns an operation descriptor and a policy snapshot into
// a verdict. Evaluation is a pure function: it reads nothing but its
// arguments and never blocks.
package decision

import (
	"fmt"
	"strconv"

	"github.com/google/uuid"

	"github.com/jingkaihe/fsguard/internal/errx"
	"github.com/jingkaihe/fsguard/pkg/api"
	"github.com/jingkaihe/fsguard/pkg/policy"
)

// ReasonNoMatch is the verdict reason when no rule applies.
const ReasonNoMatch = "no rule matched"

// tokenNamespace seeds the name-based UUIDs used as re-evaluation tokens.
var tokenNamespace = uuid.MustParse("5b0c7a2e-3f4d-4d1e-9a36-2f5b8c9e1d07")

// Engine evaluates descriptors. The zero value is ready to use and allows
// operations when evaluation faults.
type Engine struct {
	faultAction api.Action
}

func New(faultAction api.Action) *Engine {
	return &Engine{faultAction: faultAction}
}

// Evaluate walks the snapshot's rules in descending priority and returns
// the verdict of the first match. With no match the operation is allowed.
func (e *Engine) Evaluate(desc *api.OperationDescriptor, snap *policy.Snapshot) api.Verdict {
	for i := 0; i < snap.Len(); i++ {
		rule := snap.Rule(i)
		if !rule.Matches(desc) {
			continue
		}
		v := api.Verdict{
			Action:          rule.Action(),
			Rule:            rule.Name(),
			Priority:        rule.Priority(),
			SnapshotVersion: snap.Version(),
			Reason:          fmt.Sprintf("matched %s", rule.Pattern()),
		}
		if v.Action == api.ActionDelay {
			v.Delay = rule.Delay()
			v.Token = Token(desc, snap.Version(), rule.Name())
		}
		return v
	}
	return api.Verdict{
		Action:          api.ActionAllow,
		SnapshotVersion: snap.Version(),
		Reason:          ReasonNoMatch,
	}
}

// Evaluator is anything that can produce a verdict for a descriptor.
type Evaluator interface {
	Evaluate(desc *api.OperationDescriptor, snap *policy.Snapshot) api.Verdict
}

// SafeEvaluate is Evaluate with faults contained. A panic, or a missing
// snapshot, yields the configured fault verdict and an error.
func (e *Engine) SafeEvaluate(desc *api.OperationDescriptor, snap *policy.Snapshot) (api.Verdict, error) {
	return Safe(e, e.faultAction, desc, snap)
}

// Safe runs ev and converts a panic into the fault verdict for
// faultAction, which is Block or otherwise Allow.
func Safe(ev Evaluator, faultAction api.Action, desc *api.OperationDescriptor, snap *policy.Snapshot) (v api.Verdict, err error) {
	defer func() {
		if r := recover(); r != nil {
			v = faultVerdict(faultAction, snap)
			err = errx.With(ErrEvaluationPanic, ": %v", r)
		}
	}()
	if desc == nil || snap == nil {
		return faultVerdict(faultAction, snap), ErrNoSnapshot
	}
	return ev.Evaluate(desc, snap), nil
}

func faultVerdict(action api.Action, snap *policy.Snapshot) api.Verdict {
	if action != api.ActionBlock {
		action = api.ActionAllow
	}
	v := api.Verdict{Action: action, Reason: "evaluation fault"}
	if snap != nil {
		v.SnapshotVersion = snap.Version()
	}
	return v
}

// Token derives the re-evaluation token of a Delay verdict. It depends only
// on its inputs, so repeated evaluation yields the same token.
func Token(desc *api.OperationDescriptor, version uint64, rule string) string {
	name := desc.ID + "|" + strconv.FormatUint(version, 10) + "|" + rule + "|" + strconv.Itoa(desc.Attempt)
	return uuid.NewSHA1(tokenNamespace, []byte(name)).String()
}
