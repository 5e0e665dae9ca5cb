package events

import "errors"

var (
	ErrFrameTooLarge = errors.New("event frame too large")
	ErrEncodeFrame   = errors.New("encode event frame")
	ErrDecodeFrame   = errors.New("decode event frame")
	ErrWriteFrame    = errors.New("write event frame")
	ErrReadFrame     = errors.New("read event frame")

	ErrListen    = errors.New("listen on event socket")
	ErrSubscribe = errors.New("subscribe to event stream")

	ErrOpenAudit  = errors.New("open audit log")
	ErrWriteAudit = errors.New("write audit record")
	ErrReadAudit  = errors.New("read audit records")
)
