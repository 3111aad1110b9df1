// Package protocol implements the peer-facing wire format: a stream of raw
// Ethernet frames, each preceded by its length.
//
//	frame := length(u32 BE) || payload(length bytes)
//
// There is no handshake, versioning or control channel.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
)

// HeaderLen is the size of the length prefix.
const HeaderLen = 4

// MaxFrameSize bounds the payload of a single frame and sizes the per-peer
// read buffer.
const MaxFrameSize = 64 * 1024

var (
	// ErrProtocol is the base error for malformed peer streams. Callers close
	// the offending connection and nothing else.
	ErrProtocol = errors.New("protocol violation")

	// ErrFrameTooLarge is returned when a length header exceeds the limit.
	ErrFrameTooLarge = fmt.Errorf("%w: frame too large", ErrProtocol)

	// ErrTruncated is returned when the stream ends inside a frame.
	ErrTruncated = fmt.Errorf("%w: truncated frame", ErrProtocol)
)

// ReadFrame reads a single frame from r, rejecting payloads above limit.
// A limit of zero or less means MaxFrameSize.
//
// It returns io.EOF only when the stream ends cleanly before the first header
// byte. A stream that ends anywhere else yields ErrTruncated. Zero-length
// frames are valid and return an empty, non-nil slice.
func ReadFrame(r io.Reader, limit int) ([]byte, error) {
	if limit <= 0 {
		limit = MaxFrameSize
	}

	var header [HeaderLen]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		switch {
		case err == io.EOF:
			return nil, io.EOF
		case errors.Is(err, io.ErrUnexpectedEOF):
			return nil, fmt.Errorf("%w: short header", ErrTruncated)
		default:
			return nil, fmt.Errorf("reading frame header: %w", err)
		}
	}

	length := binary.BigEndian.Uint32(header[:])
	if uint64(length) > uint64(limit) {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrFrameTooLarge, length, limit)
	}

	payload := make([]byte, length)
	if length > 0 {
		if _, err := io.ReadFull(r, payload); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				return nil, fmt.Errorf("%w: want %d payload bytes", ErrTruncated, length)
			}
			return nil, fmt.Errorf("reading frame payload: %w", err)
		}
	}
	return payload, nil
}

// WriteFrame writes payload to w as one frame. Header and payload go out in
// a single vectored write where w supports it (net.Conn on unix does).
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxFrameSize {
		return fmt.Errorf("%w: %d bytes (max %d)", ErrFrameTooLarge, len(payload), MaxFrameSize)
	}

	var header [HeaderLen]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))

	bufs := net.Buffers{header[:]}
	if len(payload) > 0 {
		bufs = append(bufs, payload)
	}
	if _, err := bufs.WriteTo(w); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}
	return nil
}

// AppendFrame appends the wire encoding of payload to dst.
func AppendFrame(dst, payload []byte) []byte {
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(payload)))
	return append(dst, payload...)
}
