package control

import "errors"

var (
	ErrListen       = errors.New("listen on control socket")
	ErrDial         = errors.New("dial control socket")
	ErrPeerCred     = errors.New("read peer credentials")
	ErrUnauthorized = errors.New("peer not authorized")
	ErrEncode       = errors.New("encode request")
	ErrDecode       = errors.New("decode response")
	ErrConnClosed   = errors.New("control connection closed")
)
