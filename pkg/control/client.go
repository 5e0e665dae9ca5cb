package control

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"sync"
	"time"

	"github.com/jingkaihe/fsguard/internal/errx"
	"github.com/jingkaihe/fsguard/pkg/api"
	"github.com/jingkaihe/fsguard/pkg/policy"
)

// Client issues typed control calls over one connection. Calls are
// serialized.
type Client struct {
	conn   net.Conn
	reader *bufio.Reader
	mu     sync.Mutex
	nextID uint64
}

type rawResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
	ID      *uint64         `json:"id,omitempty"`
}

func Dial(ctx context.Context, path string) (*Client, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, errx.Wrap(ErrDial, err)
	}
	return &Client{conn: conn, reader: bufio.NewReader(conn)}, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) Start(ctx context.Context) (*api.StatusReport, error) {
	var out api.StatusReport
	if err := c.call(ctx, MethodStart, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Stop drains and deregisters the filter. A zero timeout uses the daemon's
// configured drain timeout.
func (c *Client) Stop(ctx context.Context, timeout time.Duration) (*api.StatusReport, error) {
	var out api.StatusReport
	if err := c.call(ctx, MethodStop, StopParams{TimeoutMS: timeout.Milliseconds()}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ReloadPolicy publishes rules. A rejected rule list comes back as a
// *policy.Error.
func (c *Client) ReloadPolicy(ctx context.Context, rules []api.PolicyRule) (*PolicyInfo, error) {
	if rules == nil {
		rules = []api.PolicyRule{}
	}
	var out PolicyInfo
	if err := c.call(ctx, MethodReloadPolicy, ReloadParams{Rules: rules}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) QueryStatus(ctx context.Context) (*api.StatusReport, error) {
	var out api.StatusReport
	if err := c.call(ctx, MethodQueryStatus, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetPolicy(ctx context.Context) (*PolicyInfo, error) {
	var out PolicyInfo
	if err := c.call(ctx, MethodGetPolicy, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) call(ctx context.Context, method string, params, out any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextID++
	id := c.nextID
	req := Request{JSONRPC: "2.0", Method: method, ID: &id}
	if params != nil {
		p, err := json.Marshal(params)
		if err != nil {
			return errx.Wrap(ErrEncode, err)
		}
		req.Params = p
	}
	data, err := json.Marshal(req)
	if err != nil {
		return errx.Wrap(ErrEncode, err)
	}

	stop := context.AfterFunc(ctx, func() { c.conn.SetDeadline(time.Now()) })
	defer stop()

	if _, err := c.conn.Write(append(data, '\n')); err != nil {
		return c.transportErr(ctx, err)
	}

	for {
		line, err := c.reader.ReadBytes('\n')
		if err != nil {
			return c.transportErr(ctx, err)
		}
		var resp rawResponse
		if err := json.Unmarshal(line, &resp); err != nil {
			return errx.Wrap(ErrDecode, err)
		}
		if resp.ID != nil && *resp.ID != id {
			continue
		}
		if resp.Error != nil {
			return remoteError(resp.Error)
		}
		if out == nil || len(resp.Result) == 0 {
			return nil
		}
		if err := json.Unmarshal(resp.Result, out); err != nil {
			return errx.Wrap(ErrDecode, err)
		}
		return nil
	}
}

func (c *Client) transportErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return errx.Wrap(ErrConnClosed, err)
}

func remoteError(e *Error) error {
	switch e.Code {
	case ErrCodePolicy:
		if e.Data != nil {
			perr := policy.RemoteError(policy.ErrorKind(e.Data.Kind), e.Data.Index, e.Message)
			perr.Rule = e.Data.Rule
			return perr
		}
	case ErrCodeUnauthorized:
		return errx.With(ErrUnauthorized, ": %s", e.Message)
	}
	return e
}
