// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package message

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"math/rand"
	"syscall"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleMessages() []*Message {
	return []*Message{
		New("ty", "tx", "client-x", "8d3f", 1, []byte("hello")),
		New("", "", "", "", 0, []byte{}),
		New("тема", "话题", "名前", "ü-ü", 1<<63, bytes.Repeat([]byte{0xff, 0x00}, 4096)),
		{To: "a", From: "b", SenderName: "c", UUID: "d", Sequence: 42, Timestamp: 1700000000000, Payload: []byte{0}},
	}
}

func TestEncodeDecodeRoundTrip(t *testing.T) {
	for _, m := range sampleMessages() {
		t.Run(m.String(), func(t *testing.T) {
			frame := m.Encode()
			require.Len(t, frame, m.FrameSize())

			got, err := Decode(frame)
			require.NoError(t, err)
			assert.True(t, m.Equal(got), "want %v, got %v", m, got)
		})
	}
}

func TestFrameLayout(t *testing.T) {
	m := &Message{To: "t", From: "f", SenderName: "s", UUID: "u", Sequence: 7, Timestamp: 9, Payload: []byte("xy")}
	frame := m.Encode()

	assert.Equal(t, uint32(len(frame)-4), binary.BigEndian.Uint32(frame[0:4]))
	assert.Equal(t, uint32(1), binary.BigEndian.Uint32(frame[4:8]))
	assert.Equal(t, byte('t'), frame[8])
	// to, from, sender, uuid: 4 * (4+1) bytes after the prefix.
	off := 4 + 4*5
	assert.Equal(t, uint64(7), binary.BigEndian.Uint64(frame[off:off+8]))
	assert.Equal(t, uint64(9), binary.BigEndian.Uint64(frame[off+8:off+16]))
	assert.Equal(t, uint32(2), binary.BigEndian.Uint32(frame[off+16:off+20]))
	assert.Equal(t, []byte("xy"), frame[off+20:])
}

func TestParseNeedsMoreData(t *testing.T) {
	frame := sampleMessages()[0].Encode()
	for i := 0; i < len(frame); i++ {
		_, _, err := Parse(frame[:i], 0)
		require.ErrorIs(t, err, ErrNeedMoreData, "prefix of %d bytes", i)
	}
	m, n, err := Parse(frame, 0)
	require.NoError(t, err)
	assert.Equal(t, len(frame), n)
	assert.Equal(t, "hello", string(m.Payload))
}

func TestParseRejectsBadLengths(t *testing.T) {
	tooShort := make([]byte, 4+minBodySize-1)
	binary.BigEndian.PutUint32(tooShort, uint32(minBodySize-1))

	overrun := sampleMessages()[0].Encode()
	// Inflate the "to" field length past the body.
	binary.BigEndian.PutUint32(overrun[4:8], 1<<20)

	cases := []struct {
		name string
		buf  []byte
		max  int
		want error
	}{
		{"zero length", []byte{0, 0, 0, 0}, 0, ErrProtocol},
		{"negative length", []byte{0xff, 0xff, 0xff, 0xfe}, 0, ErrProtocol},
		{"below minimum", tooShort, 0, ErrProtocol},
		{"field overrun", overrun, 0, ErrProtocol},
		{"too large", []byte{0, 0, 1, 0}, 128, ErrFrameTooLarge},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := Parse(tc.buf, tc.max)
			require.Error(t, err)
			assert.ErrorIs(t, err, tc.want)
			assert.ErrorIs(t, err, ErrProtocol)
		})
	}
}

func TestDecodeRejectsTrailingBytes(t *testing.T) {
	frame := append(sampleMessages()[0].Encode(), 0x01)
	_, err := Decode(frame)
	assert.ErrorIs(t, err, ErrProtocol)
}

func TestDecoderOneByteAtATime(t *testing.T) {
	for _, m := range sampleMessages() {
		dec := NewDecoder(iotest.OneByteReader(bytes.NewReader(m.Encode())), 0, 0)

		got, err := dec.Next()
		require.NoError(t, err)
		assert.True(t, m.Equal(got))

		_, err = dec.Next()
		assert.ErrorIs(t, err, io.EOF)
	}
}

// chunkReader hands out the underlying bytes in preset piece sizes.
type chunkReader struct {
	data   []byte
	chunks []int
}

func (r *chunkReader) Read(p []byte) (int, error) {
	if len(r.data) == 0 {
		return 0, io.EOF
	}
	n := len(r.data)
	if len(r.chunks) > 0 {
		n = min(r.chunks[0], n)
		r.chunks = r.chunks[1:]
	}
	n = copy(p, r.data[:n])
	r.data = r.data[n:]
	return n, nil
}

func TestDecoderArbitrarySplits(t *testing.T) {
	rng := rand.New(rand.NewSource(1))
	msgs := sampleMessages()
	var stream []byte
	for _, m := range msgs {
		stream = append(stream, m.Encode()...)
	}

	for iter := 0; iter < 50; iter++ {
		var chunks []int
		for left := len(stream); left > 0; {
			c := 1 + rng.Intn(64)
			chunks = append(chunks, c)
			left -= c
		}
		dec := NewDecoder(&chunkReader{data: stream, chunks: chunks}, 16, 0)

		for _, want := range msgs {
			got, err := dec.Next()
			require.NoError(t, err)
			require.True(t, want.Equal(got))
		}
		_, err := dec.Next()
		require.ErrorIs(t, err, io.EOF)
	}
}

func TestDecoderEOFMidFrameIsGraceful(t *testing.T) {
	frame := sampleMessages()[0].Encode()
	dec := NewDecoder(bytes.NewReader(frame[:len(frame)/2]), 0, 0)

	_, err := dec.Next()
	assert.ErrorIs(t, err, io.EOF)
	assert.Positive(t, dec.Buffered())
}

func TestDecoderDataWithEOF(t *testing.T) {
	frame := sampleMessages()[0].Encode()
	dec := NewDecoder(iotest.DataErrReader(bytes.NewReader(frame)), 0, 0)

	got, err := dec.Next()
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got.Payload))
}

func TestDecoderWouldBlock(t *testing.T) {
	frame := sampleMessages()[0].Encode()
	r := &blockingReader{data: frame, blockAfter: 5}
	dec := NewDecoder(r, 0, 0)

	_, err := dec.Next()
	require.ErrorIs(t, err, ErrNeedMoreData)

	r.blockAfter = -1
	got, err := dec.Next()
	require.NoError(t, err)
	assert.Equal(t, "hello", string(got.Payload))
}

type blockingReader struct {
	data       []byte
	blockAfter int
}

func (r *blockingReader) Read(p []byte) (int, error) {
	if r.blockAfter == 0 {
		return 0, syscall.EAGAIN
	}
	n := len(p)
	if r.blockAfter > 0 {
		n = min(n, r.blockAfter)
		r.blockAfter -= n
	}
	n = copy(p, r.data[:min(n, len(r.data))])
	r.data = r.data[n:]
	if n == 0 {
		return 0, io.EOF
	}
	return n, nil
}

func TestDecoderProtocolError(t *testing.T) {
	dec := NewDecoder(bytes.NewReader([]byte{0, 0, 0, 0, 1, 2, 3}), 0, 0)
	_, err := dec.Next()
	assert.ErrorIs(t, err, ErrProtocol)
}

type flakyWriter struct {
	bytes.Buffer
	interrupts int
	maxChunk   int
}

func (w *flakyWriter) Write(p []byte) (int, error) {
	if w.interrupts > 0 {
		w.interrupts--
		return 0, syscall.EINTR
	}
	if w.maxChunk > 0 && len(p) > w.maxChunk {
		n, _ := w.Buffer.Write(p[:w.maxChunk])
		return n, syscall.EINTR
	}
	return w.Buffer.Write(p)
}

func TestWriteFrameRetriesInterrupts(t *testing.T) {
	m := sampleMessages()[2]
	w := &flakyWriter{interrupts: 3, maxChunk: 1000}

	require.NoError(t, WriteFrame(w, m))
	assert.Equal(t, m.Encode(), w.Bytes())
}

type brokenWriter struct{}

func (brokenWriter) Write(p []byte) (int, error) { return 0, errors.New("broken pipe") }

func TestWriteFrameReportsFailure(t *testing.T) {
	err := WriteFrame(brokenWriter{}, sampleMessages()[0])
	assert.EqualError(t, err, "broken pipe")
}

func TestSource(t *testing.T) {
	m := New("to", "from", "name", "id", 3, nil)
	assert.Equal(t, Source{Name: "name", Topic: "from"}, m.Source())
	assert.NotZero(t, m.Timestamp)
}
