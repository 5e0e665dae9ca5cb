// Package control serves the management interface of the daemon:
// newline-delimited JSON-RPC 2.0 over an authenticated unix socket.
package control

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/jingkaihe/fsguard/pkg/api"
	"github.com/jingkaihe/fsguard/pkg/policy"
)

// Controller is the daemon side of the control channel.
type Controller interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context, timeout time.Duration) error
	ReloadPolicy(rules []api.PolicyRule) (*policy.Snapshot, error)
	Status() api.StatusReport
	Policy() *policy.Snapshot
}

// Handler serves one connection.
type Handler struct {
	ctrl   Controller
	in     io.Reader
	out    io.Writer
	mu     sync.Mutex // protects out
	wg     sync.WaitGroup
	lifeMu sync.Mutex // serializes start, stop and reload_policy
}

func NewHandler(ctrl Controller, in io.Reader, out io.Writer) *Handler {
	return &Handler{ctrl: ctrl, in: in, out: out}
}

// Run reads requests until the input ends or ctx is cancelled. Queries are
// answered concurrently; lifecycle and reload requests run one at a time.
func (h *Handler) Run(ctx context.Context) error {
	scanner := bufio.NewScanner(h.in)
	scanner.Buffer(make([]byte, 64*1024), 8*1024*1024)

	for scanner.Scan() {
		if ctx.Err() != nil {
			break
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			h.sendError(nil, ErrCodeParse, "Parse error")
			continue
		}
		if req.JSONRPC != "2.0" || req.Method == "" {
			h.sendError(req.ID, ErrCodeInvalidRequest, "Invalid request")
			continue
		}

		h.wg.Add(1)
		go func(r Request) {
			defer h.wg.Done()
			if resp := h.handleRequest(ctx, &r); resp != nil && r.ID != nil {
				h.sendResponse(resp)
			}
		}(req)
	}

	h.wg.Wait()
	return scanner.Err()
}

func (h *Handler) handleRequest(ctx context.Context, req *Request) *Response {
	switch req.Method {
	case MethodStart:
		return h.handleStart(ctx, req)
	case MethodStop:
		return h.handleStop(ctx, req)
	case MethodReloadPolicy:
		return h.handleReload(req)
	case MethodQueryStatus:
		return result(req, h.ctrl.Status())
	case MethodGetPolicy:
		return result(req, policyInfo(h.ctrl.Policy()))
	default:
		return failure(req, &Error{Code: ErrCodeMethodNotFound, Message: "Method not found"})
	}
}

func (h *Handler) handleStart(ctx context.Context, req *Request) *Response {
	h.lifeMu.Lock()
	defer h.lifeMu.Unlock()

	if err := h.ctrl.Start(ctx); err != nil {
		return failure(req, &Error{Code: ErrCodeLifecycle, Message: err.Error()})
	}
	return result(req, h.ctrl.Status())
}

func (h *Handler) handleStop(ctx context.Context, req *Request) *Response {
	var params StopParams
	if len(req.Params) > 0 {
		if err := json.Unmarshal(req.Params, &params); err != nil {
			return failure(req, &Error{Code: ErrCodeInvalidParams, Message: err.Error()})
		}
	}
	if params.TimeoutMS < 0 {
		return failure(req, &Error{Code: ErrCodeInvalidParams, Message: "timeout_ms must not be negative"})
	}

	h.lifeMu.Lock()
	defer h.lifeMu.Unlock()

	if err := h.ctrl.Stop(ctx, params.Timeout()); err != nil {
		return failure(req, &Error{Code: ErrCodeLifecycle, Message: err.Error()})
	}
	return result(req, h.ctrl.Status())
}

func (h *Handler) handleReload(req *Request) *Response {
	var params ReloadParams
	if len(req.Params) == 0 {
		return failure(req, &Error{Code: ErrCodeInvalidParams, Message: "rules are required"})
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return failure(req, &Error{Code: ErrCodeInvalidParams, Message: err.Error()})
	}

	h.lifeMu.Lock()
	defer h.lifeMu.Unlock()

	snap, err := h.ctrl.ReloadPolicy(params.Rules)
	if err != nil {
		return failure(req, errorFor(err))
	}
	return result(req, policyInfo(snap))
}

// errorFor maps policy rejections to ErrCodePolicy with their kind.
func errorFor(err error) *Error {
	var perr *policy.Error
	if errors.As(err, &perr) {
		return &Error{
			Code:    ErrCodePolicy,
			Message: perr.Err.Error(),
			Data:    &ErrorData{Kind: string(perr.Kind), Index: perr.Index, Rule: perr.Rule},
		}
	}
	return &Error{Code: ErrCodeInternal, Message: err.Error()}
}

func policyInfo(snap *policy.Snapshot) *PolicyInfo {
	if snap == nil {
		return &PolicyInfo{Rules: []api.PolicyRule{}}
	}
	return &PolicyInfo{
		Version:   snap.Version(),
		Digest:    snap.Digest(),
		CreatedAt: snap.CreatedAt(),
		Rules:     snap.Rules(),
	}
}

func result(req *Request, v any) *Response {
	return &Response{JSONRPC: "2.0", Result: v, ID: req.ID}
}

func failure(req *Request, e *Error) *Response {
	return &Response{JSONRPC: "2.0", Error: e, ID: req.ID}
}

func (h *Handler) sendResponse(resp *Response) {
	h.mu.Lock()
	defer h.mu.Unlock()

	data, _ := json.Marshal(resp)
	fmt.Fprintln(h.out, string(data))
}

func (h *Handler) sendError(id *uint64, code int, message string) {
	h.sendResponse(&Response{
		JSONRPC: "2.0",
		Error:   &Error{Code: code, Message: message},
		ID:      id,
	})
}
