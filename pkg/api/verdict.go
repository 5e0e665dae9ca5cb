package api

import (
	"strings"
	"time"
)

// Action is what a rule, and therefore a verdict, asks for.
type Action string

const (
	ActionAllow Action = "allow"
	ActionBlock Action = "block"
	ActionDelay Action = "delay"
)

// ParseAction normalizes an action name. The second result is false for
// unknown names.
func ParseAction(s string) (Action, bool) {
	switch Action(strings.ToLower(strings.TrimSpace(s))) {
	case ActionAllow:
		return ActionAllow, true
	case ActionBlock, "deny":
		return ActionBlock, true
	case ActionDelay:
		return ActionDelay, true
	default:
		return "", false
	}
}

// Verdict is the outcome of evaluating one descriptor against one snapshot.
type Verdict struct {
	Action          Action        `json:"action" cbor:"action"`
	Delay           time.Duration `json:"delay,omitempty" cbor:"delay,omitempty"`
	Rule            string        `json:"rule,omitempty" cbor:"rule,omitempty"`
	Priority        int           `json:"priority,omitempty" cbor:"priority,omitempty"`
	SnapshotVersion uint64        `json:"snapshot_version" cbor:"snapshot"`
	Token           string        `json:"token,omitempty" cbor:"token,omitempty"`
	Reason          string        `json:"reason,omitempty" cbor:"reason,omitempty"`
}

// Status is the code returned to the registering OS interface.
type Status int

const (
	StatusAllow Status = iota
	StatusDeny
	StatusPend
)

func (s Status) String() string {
	switch s {
	case StatusAllow:
		return "allow"
	case StatusDeny:
		return "deny"
	case StatusPend:
		return "pend"
	default:
		return "unknown"
	}
}
