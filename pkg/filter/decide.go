package filter

import (
	"context"
	"time"

	"github.com/jingkaihe/fsguard/pkg/api"
	"github.com/jingkaihe/fsguard/pkg/decision"
	"github.com/jingkaihe/fsguard/pkg/policy"
)

type outcome int

const (
	outcomeOK outcome = iota
	outcomeTimeout
	outcomeFault
)

type result struct {
	verdict api.Verdict
	err     error
}

// evaluate runs the engine on a helper goroutine and stops waiting for it
// once the decision budget is spent. A late evaluation finishes on its own
// and its verdict is discarded.
func (f *Filter) evaluate(desc *api.OperationDescriptor, snap *policy.Snapshot) (api.Verdict, outcome, error) {
	ch := make(chan result, 1)
	go func() {
		v, err := decision.Safe(f.eval, f.faultAction, desc, snap)
		ch <- result{v, err}
	}()

	timer := time.NewTimer(f.cfg.DecisionBudget)
	defer timer.Stop()

	select {
	case r := <-ch:
		if r.err != nil {
			return r.verdict, outcomeFault, r.err
		}
		return r.verdict, outcomeOK, nil
	case <-timer.C:
		v := api.Verdict{Action: f.timeoutAction, Reason: "decision budget exceeded"}
		if snap != nil {
			v.SnapshotVersion = snap.Version()
		}
		return v, outcomeTimeout, nil
	}
}

// step performs one evaluation round. It returns final=true with the
// status to hand back, or final=false with the Delay verdict to wait on.
func (f *Filter) step(desc api.OperationDescriptor, start time.Time) (api.Status, api.Verdict, bool) {
	snap := f.source.Current()
	v, out, err := f.evaluate(&desc, snap)

	switch out {
	case outcomeTimeout:
		f.stats.timeouts.Add(1)
		f.logger.Warn("decision budget exceeded",
			"id", desc.ID, "path", desc.Path, "budget", f.cfg.DecisionBudget, "action", v.Action)
		f.publish(api.EventTimeout, desc, v, nil)
		return f.settle(v.Action), v, true
	case outcomeFault:
		f.stats.faults.Add(1)
		f.logger.Error("decision fault", "id", desc.ID, "path", desc.Path, "error", err)
		f.publish(api.EventFault, desc, v, err)
		return f.settle(v.Action), v, true
	}

	if v.Action != api.ActionDelay {
		f.publish(api.EventDecision, desc, v, nil)
		return f.settle(v.Action), v, true
	}

	if desc.Attempt == 0 {
		f.stats.delayed.Add(1)
	}
	f.publish(api.EventDecision, desc, v, nil)

	if desc.Attempt >= f.cfg.MaxReevaluations || time.Since(start) >= f.cfg.MaxDelay {
		final := v
		final.Action = f.exhaustedAction
		final.Reason = "delay exhausted"
		f.logger.Warn("delay exhausted",
			"id", desc.ID, "path", desc.Path, "attempts", desc.Attempt+1, "action", final.Action)
		f.publish(api.EventDelayExhausted, desc, final, nil)
		return f.settle(final.Action), final, true
	}
	return api.StatusPend, v, false
}

// resolveDelay waits out Delay verdicts and re-evaluates until a final
// status is reached. Total waiting never exceeds MaxDelay.
func (f *Filter) resolveDelay(ctx context.Context, g *generation, desc api.OperationDescriptor, v api.Verdict, start time.Time) api.Status {
	for {
		wait := min(v.Delay, f.cfg.MaxDelay-time.Since(start))
		if wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-timer.C:
			case <-g.ctx.Done():
			case <-ctx.Done():
			}
			timer.Stop()
		}
		// Checked after the wait too: the timer can win the select even
		// when the drain deadline has already passed.
		if g.ctx.Err() != nil {
			return f.release(desc, v, "delay cancelled by drain")
		}
		if ctx.Err() != nil {
			return f.release(desc, v, "delay cancelled by caller")
		}

		desc = f.reattempt(desc)
		st, next, final := f.step(desc, start)
		if final {
			return st
		}
		v = next
	}
}

// reattempt builds the descriptor for the next round with fresh activity.
func (f *Filter) reattempt(prev api.OperationDescriptor) api.OperationDescriptor {
	next := prev
	next.Attempt = prev.Attempt + 1
	next.Activity = f.rate.Peek(prev.Process.PID, time.Now())
	return next
}

// release resolves a pending Delay to Allow with an audit record.
func (f *Filter) release(desc api.OperationDescriptor, v api.Verdict, reason string) api.Status {
	audit := v
	audit.Action = api.ActionAllow
	audit.Reason = reason
	f.logger.Info("delay released", "id", desc.ID, "path", desc.Path, "reason", reason)
	f.publish(api.EventAudit, desc, audit, nil)
	return f.settle(api.ActionAllow)
}

func (f *Filter) settle(a api.Action) api.Status {
	st := toStatus(a)
	if st == api.StatusDeny {
		f.stats.blocked.Add(1)
	} else {
		f.stats.allowed.Add(1)
	}
	return st
}

func (f *Filter) publish(kind api.EventKind, desc api.OperationDescriptor, v api.Verdict, err error) {
	rec := api.EventRecord{
		Kind:       kind,
		Descriptor: desc,
		Verdict:    v,
		Timestamp:  time.Now(),
	}
	if err != nil {
		rec.Error = err.Error()
	}
	f.events.Publish(rec)
}
