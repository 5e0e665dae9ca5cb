package api

import (
	"strings"
	"time"
)

// OperationKind is the class of file operation being intercepted.
type OperationKind string

const (
	OpCreate OperationKind = "create"
	OpWrite  OperationKind = "write"
	OpRename OperationKind = "rename"
	OpDelete OperationKind = "delete"
)

// OperationKinds lists every kind the filter intercepts.
var OperationKinds = []OperationKind{OpCreate, OpWrite, OpRename, OpDelete}

// ParseOperationKind normalizes a kind name. The second result is false for
// unknown names.
func ParseOperationKind(s string) (OperationKind, bool) {
	switch OperationKind(strings.ToLower(strings.TrimSpace(s))) {
	case OpCreate:
		return OpCreate, true
	case OpWrite:
		return OpWrite, true
	case OpRename:
		return OpRename, true
	case OpDelete, "remove", "unlink":
		return OpDelete, true
	default:
		return "", false
	}
}

// Process identifies the process that issued an operation.
type Process struct {
	PID  int32  `json:"pid" cbor:"pid"`
	UID  uint32 `json:"uid" cbor:"uid"`
	GID  uint32 `json:"gid" cbor:"gid"`
	Name string `json:"name,omitempty" cbor:"name,omitempty"`
}

// Activity is what a process did inside the filter's rate window, including
// the operation being decided.
type Activity struct {
	Ops   int   `json:"ops" cbor:"ops"`
	Bytes int64 `json:"bytes" cbor:"bytes"`
}

// Operation is the raw request a registrar hands to the filter callback.
type Operation struct {
	Kind       OperationKind
	Path       string
	NewPath    string
	Process    Process
	DataLength int64
}

// OperationDescriptor is the immutable snapshot of one intercepted request.
// It is passed by value and never modified once built.
type OperationDescriptor struct {
	ID         string        `json:"id" cbor:"id"`
	Kind       OperationKind `json:"kind" cbor:"kind"`
	Path       string        `json:"path" cbor:"path"`
	NewPath    string        `json:"new_path,omitempty" cbor:"new_path,omitempty"`
	Process    Process       `json:"process" cbor:"process"`
	Timestamp  time.Time     `json:"timestamp" cbor:"ts"`
	DataLength int64         `json:"data_length,omitempty" cbor:"len,omitempty"`
	Attempt    int           `json:"attempt,omitempty" cbor:"attempt,omitempty"`
	Activity   Activity      `json:"activity" cbor:"activity"`
}
