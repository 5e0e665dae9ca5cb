package api

import "time"

// EventKind classifies Event Channel records.
type EventKind string

const (
	EventDecision       EventKind = "decision"
	EventTimeout        EventKind = "decision_timeout"
	EventFault          EventKind = "decision_fault"
	EventDelayExhausted EventKind = "delay_exhausted"
	EventAudit          EventKind = "audit"
	EventBypass         EventKind = "bypass"
)

// EventRecord is what the Event Channel delivers to consumers.
type EventRecord struct {
	Seq        uint64              `json:"seq" cbor:"seq"`
	Kind       EventKind           `json:"kind" cbor:"kind"`
	Descriptor OperationDescriptor `json:"descriptor" cbor:"desc"`
	Verdict    Verdict             `json:"verdict" cbor:"verdict"`
	Timestamp  time.Time           `json:"timestamp" cbor:"ts"`
	Error      string              `json:"error,omitempty" cbor:"err,omitempty"`
}
