// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package message

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"

	"github.com/absmach/liner/internal/bufpool"
)

const (
	lenSize = 4
	u64Size = 8

	// minBodySize is the body of a frame whose strings and payload are empty.
	minBodySize = 5*lenSize + 2*u64Size

	// DefaultMaxFrameSize bounds the declared length accepted by Parse.
	DefaultMaxFrameSize = 64 << 20

	defaultReadChunk = 64 << 10
)

var (
	// ErrNeedMoreData is returned while a frame is incomplete.
	ErrNeedMoreData = errors.New("incomplete frame")

	// ErrProtocol is returned for frames whose length arithmetic is invalid.
	ErrProtocol = errors.New("malformed frame")

	// ErrFrameTooLarge is returned when a frame declares more than the allowed size.
	ErrFrameTooLarge = fmt.Errorf("%w: frame exceeds maximum size", ErrProtocol)
)

// BodySize returns the number of bytes following the length prefix.
func (m *Message) BodySize() int {
	return 4*lenSize + len(m.To) + len(m.From) + len(m.SenderName) + len(m.UUID) +
		2*u64Size + lenSize + len(m.Payload)
}

// FrameSize returns the encoded size including the length prefix.
func (m *Message) FrameSize() int {
	return lenSize + m.BodySize()
}

// Encode returns the message as a self-delimited frame.
func (m *Message) Encode() []byte {
	return AppendFrame(make([]byte, 0, m.FrameSize()), m)
}

// AppendFrame appends the frame of m to dst.
func AppendFrame(dst []byte, m *Message) []byte {
	dst = binary.BigEndian.AppendUint32(dst, uint32(m.BodySize()))
	dst = appendString(dst, m.To)
	dst = appendString(dst, m.From)
	dst = appendString(dst, m.SenderName)
	dst = appendString(dst, m.UUID)
	dst = binary.BigEndian.AppendUint64(dst, m.Sequence)
	dst = binary.BigEndian.AppendUint64(dst, m.Timestamp)
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(m.Payload)))
	return append(dst, m.Payload...)
}

func appendString(dst []byte, s string) []byte {
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(s)))
	return append(dst, s...)
}

// Parse decodes the first frame in buf. It returns the message and the number
// of bytes consumed, ErrNeedMoreData if buf holds only part of a frame, or an
// error wrapping ErrProtocol. maxSize <= 0 selects DefaultMaxFrameSize.
func Parse(buf []byte, maxSize int) (*Message, int, error) {
	if len(buf) < lenSize {
		return nil, 0, ErrNeedMoreData
	}
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}
	declared := int32(binary.BigEndian.Uint32(buf))
	if declared <= 0 {
		return nil, 0, fmt.Errorf("%w: declared length %d", ErrProtocol, declared)
	}
	if int(declared) > maxSize {
		return nil, 0, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, declared, maxSize)
	}
	if int(declared) < minBodySize {
		return nil, 0, fmt.Errorf("%w: declared length %d below minimum %d", ErrProtocol, declared, minBodySize)
	}
	total := lenSize + int(declared)
	if len(buf) < total {
		return nil, 0, ErrNeedMoreData
	}
	m, err := decodeBody(buf[lenSize:total])
	if err != nil {
		return nil, 0, err
	}
	return m, total, nil
}

// Decode decodes exactly one complete frame.
func Decode(frame []byte) (*Message, error) {
	m, n, err := Parse(frame, 0)
	switch {
	case errors.Is(err, ErrNeedMoreData):
		return nil, fmt.Errorf("%w: truncated frame", ErrProtocol)
	case err != nil:
		return nil, err
	case n != len(frame):
		return nil, fmt.Errorf("%w: %d trailing bytes", ErrProtocol, len(frame)-n)
	}
	return m, nil
}

type bodyReader struct {
	b   []byte
	err error
}

func (r *bodyReader) next(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || n > len(r.b) {
		r.err = fmt.Errorf("%w: field of %d bytes overruns frame", ErrProtocol, n)
		return nil
	}
	out := r.b[:n]
	r.b = r.b[n:]
	return out
}

func (r *bodyReader) uint32() uint32 {
	b := r.next(lenSize)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint32(b)
}

func (r *bodyReader) uint64() uint64 {
	b := r.next(u64Size)
	if b == nil {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}

func (r *bodyReader) bytes() []byte {
	n := r.uint32()
	if r.err != nil {
		return nil
	}
	return r.next(int(n))
}

func (r *bodyReader) string() string {
	return string(r.bytes())
}

func decodeBody(body []byte) (*Message, error) {
	r := &bodyReader{b: body}
	m := &Message{}
	m.To = r.string()
	m.From = r.string()
	m.SenderName = r.string()
	m.UUID = r.string()
	m.Sequence = r.uint64()
	m.Timestamp = r.uint64()
	payload := r.bytes()
	if r.err != nil {
		return nil, r.err
	}
	if len(r.b) != 0 {
		return nil, fmt.Errorf("%w: %d unread body bytes", ErrProtocol, len(r.b))
	}
	m.Payload = make([]byte, len(payload))
	copy(m.Payload, payload)
	return m, nil
}

// Decoder reads consecutive frames from a byte stream that may deliver them
// in arbitrary pieces.
type Decoder struct {
	r       io.Reader
	buf     []byte
	chunk   []byte
	maxSize int
}

// NewDecoder returns a decoder reading from r in chunks of chunkSize bytes.
// Non-positive arguments select defaults.
func NewDecoder(r io.Reader, chunkSize, maxFrameSize int) *Decoder {
	if chunkSize <= 0 {
		chunkSize = defaultReadChunk
	}
	if maxFrameSize <= 0 {
		maxFrameSize = DefaultMaxFrameSize
	}
	return &Decoder{
		r:       r,
		chunk:   make([]byte, chunkSize),
		maxSize: maxFrameSize,
	}
}

// Buffered returns the number of bytes read but not yet decoded.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Next returns the next complete message.
//
// It returns io.EOF when the peer closes the stream, including a close in the
// middle of a frame, ErrNeedMoreData when the reader would block before a full
// frame arrived, and an error wrapping ErrProtocol for malformed frames.
func (d *Decoder) Next() (*Message, error) {
	for {
		m, n, err := Parse(d.buf, d.maxSize)
		if err == nil {
			d.consume(n)
			return m, nil
		}
		if !errors.Is(err, ErrNeedMoreData) {
			return nil, err
		}
		if err := d.fill(); err != nil {
			return nil, err
		}
	}
}

func (d *Decoder) fill() error {
	for {
		n, err := d.r.Read(d.chunk)
		d.buf = append(d.buf, d.chunk[:n]...)
		switch {
		case err == nil && n == 0:
			return ErrNeedMoreData
		case err == nil:
			return nil
		case errors.Is(err, io.EOF):
			if n > 0 {
				// Let the caller drain what arrived with the EOF first.
				return nil
			}
			return io.EOF
		case errors.Is(err, syscall.EINTR):
			continue
		case isWouldBlock(err):
			if n > 0 {
				return nil
			}
			return ErrNeedMoreData
		default:
			return err
		}
	}
}

func (d *Decoder) consume(n int) {
	if n == len(d.buf) {
		d.buf = d.buf[:0]
		return
	}
	d.buf = append(d.buf[:0], d.buf[n:]...)
}

func isWouldBlock(err error) bool {
	if errors.Is(err, os.ErrDeadlineExceeded) || errors.Is(err, syscall.EAGAIN) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

// WriteFrame encodes m into a single buffer and writes it in full, retrying
// interrupted writes. A failed write is reported and the writer must be
// considered unusable.
func WriteFrame(w io.Writer, m *Message) error {
	buf := bufpool.Get(m.FrameSize())
	defer bufpool.Put(buf)

	*buf = AppendFrame((*buf)[:0], m)
	return writeAll(w, *buf)
}

func writeAll(w io.Writer, p []byte) error {
	for len(p) > 0 {
		n, err := w.Write(p)
		p = p[n:]
		if err != nil {
			if errors.Is(err, syscall.EINTR) {
				continue
			}
			return err
		}
		if n == 0 {
			return io.ErrShortWrite
		}
	}
	return nil
}
