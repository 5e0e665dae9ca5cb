package events

import (
	"encoding/binary"
	"io"

	"github.com/fxamacker/cbor/v2"

	"github.com/jingkaihe/fsguard/internal/errx"
	"github.com/jingkaihe/fsguard/pkg/api"
)

// MaxFrameSize bounds a single encoded record on the stream.
const MaxFrameSize = 1 << 20

var frameEnc = mustEncMode()

func mustEncMode() cbor.EncMode {
	em, err := cbor.EncOptions{Time: cbor.TimeRFC3339Nano}.EncMode()
	if err != nil {
		panic(err)
	}
	return em
}

// WriteFrame writes rec as a 4-byte big-endian length followed by its CBOR
// encoding.
func WriteFrame(w io.Writer, rec *api.EventRecord) error {
	data, err := frameEnc.Marshal(rec)
	if err != nil {
		return errx.Wrap(ErrEncodeFrame, err)
	}
	if len(data) > MaxFrameSize {
		return errx.With(ErrFrameTooLarge, ": %d bytes", len(data))
	}

	buf := make([]byte, 4+len(data))
	binary.BigEndian.PutUint32(buf[:4], uint32(len(data)))
	copy(buf[4:], data)
	if _, err := w.Write(buf); err != nil {
		return errx.Wrap(ErrWriteFrame, err)
	}
	return nil
}

// ReadFrame reads one record written by WriteFrame. It returns io.EOF
// unwrapped when the stream ends cleanly between frames.
func ReadFrame(r io.Reader) (*api.EventRecord, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, errx.Wrap(ErrReadFrame, err)
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > MaxFrameSize {
		return nil, errx.With(ErrFrameTooLarge, ": %d bytes", n)
	}

	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, errx.Wrap(ErrReadFrame, err)
	}

	var rec api.EventRecord
	if err := cbor.Unmarshal(data, &rec); err != nil {
		return nil, errx.Wrap(ErrDecodeFrame, err)
	}
	return &rec, nil
}
