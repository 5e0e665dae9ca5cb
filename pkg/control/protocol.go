package control

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/jingkaihe/fsguard/pkg/api"
)

type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
	ID      *uint64         `json:"id,omitempty"`
}

type Response struct {
	JSONRPC string  `json:"jsonrpc"`
	Result  any     `json:"result,omitempty"`
	Error   *Error  `json:"error,omitempty"`
	ID      *uint64 `json:"id,omitempty"`
}

type Error struct {
	Code    int        `json:"code"`
	Message string     `json:"message"`
	Data    *ErrorData `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

// ErrorData carries the structured part of policy errors.
type ErrorData struct {
	Kind  string `json:"kind,omitempty"`
	Index int    `json:"index"`
	Rule  string `json:"rule,omitempty"`
}

const (
	ErrCodeParse          = -32700
	ErrCodeInvalidRequest = -32600
	ErrCodeMethodNotFound = -32601
	ErrCodeInvalidParams  = -32602
	ErrCodeInternal       = -32603
	ErrCodeLifecycle      = -32001
	ErrCodeUnauthorized   = -32002
	ErrCodePolicy         = -32010
)

const (
	MethodStart        = "start"
	MethodStop         = "stop"
	MethodReloadPolicy = "reload_policy"
	MethodQueryStatus  = "query_status"
	MethodGetPolicy    = "get_policy"
)

type StopParams struct {
	TimeoutMS int64 `json:"timeout_ms,omitempty"`
}

func (p StopParams) Timeout() time.Duration {
	return time.Duration(p.TimeoutMS) * time.Millisecond
}

type ReloadParams struct {
	Rules []api.PolicyRule `json:"rules"`
}

// PolicyInfo describes a published snapshot.
type PolicyInfo struct {
	Version   uint64           `json:"version"`
	Digest    string           `json:"digest"`
	CreatedAt time.Time        `json:"created_at"`
	Rules     []api.PolicyRule `json:"rules"`
}
