package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

const (
	// HeaderSize is the length prefix size in bytes.
	HeaderSize = 4
	// DefaultMaxFrameSize bounds a single frame payload.
	DefaultMaxFrameSize = 256 << 10
)

var (
	// ErrEmptyFrame reports a zero-length frame. Nothing beyond the header
	// was consumed.
	ErrEmptyFrame = errors.New("wire: empty frame")
	// ErrFrameTooLarge reports a frame above the size limit. Its payload was
	// consumed and discarded, so the stream is still aligned on a frame
	// boundary.
	ErrFrameTooLarge = errors.New("wire: frame too large")
)

// Skippable reports whether err only invalidates the current frame and the
// stream can keep being read.
func Skippable(err error) bool {
	return errors.Is(err, ErrEmptyFrame) || errors.Is(err, ErrFrameTooLarge)
}

// AppendFrame appends payload with its length prefix to dst.
func AppendFrame(dst, payload []byte) ([]byte, error) {
	if uint64(len(payload)) > uint64(^uint32(0)) {
		return dst, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(payload)))
	return append(dst, payload...), nil
}

// WriteFrame writes payload with its length prefix in a single Write call.
func WriteFrame(w io.Writer, payload []byte) error {
	buf, err := AppendFrame(make([]byte, 0, HeaderSize+len(payload)), payload)
	if err != nil {
		return err
	}
	_, err = w.Write(buf)
	return err
}

// ReadFrame reads one frame. Frames larger than max are drained and reported
// as ErrFrameTooLarge; a max <= 0 selects DefaultMaxFrameSize.
func ReadFrame(r io.Reader, max int) ([]byte, error) {
	if max <= 0 {
		max = DefaultMaxFrameSize
	}
	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(header[:])
	if length == 0 {
		return nil, ErrEmptyFrame
	}
	if uint64(length) > uint64(max) {
		if _, err := io.CopyN(io.Discard, r, int64(length)); err != nil {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrFrameTooLarge, length, max)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return payload, nil
}
