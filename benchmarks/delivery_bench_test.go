// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package benchmarks

import (
	"bytes"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/absmach/liner/client"
	"github.com/absmach/liner/message"
	"github.com/absmach/liner/store/memory"
)

func startPair(b *testing.B, onReceive client.Handler) (*client.Client, *client.Client) {
	b.Helper()
	backend := memory.New()

	rx, err := client.New(backend, client.NewOptions().SetName("bench-rx").SetTopic("rx"))
	if err != nil {
		b.Fatalf("Failed to create receiver: %v", err)
	}
	tx, err := client.New(backend, client.NewOptions().SetName("bench-tx").SetTopic("tx"))
	if err != nil {
		b.Fatalf("Failed to create sender: %v", err)
	}
	if err := rx.Run(onReceive); err != nil {
		b.Fatalf("Failed to run receiver: %v", err)
	}
	if err := tx.Run(nil); err != nil {
		b.Fatalf("Failed to run sender: %v", err)
	}
	b.Cleanup(func() {
		tx.Close()
		rx.Close()
	})
	return tx, rx
}

// BenchmarkDelivery measures end-to-end throughput over loopback.
func BenchmarkDelivery(b *testing.B) {
	for _, size := range []int{16, 1024, 64 << 10} {
		b.Run(fmt.Sprintf("payload=%d", size), func(b *testing.B) {
			var received atomic.Int64
			tx, _ := startPair(b, func(string, string, []byte) {
				received.Add(1)
			})
			payload := bytes.Repeat([]byte{'x'}, size)

			b.SetBytes(int64(size))
			b.ReportAllocs()
			b.ResetTimer()

			for i := 0; i < b.N; i++ {
				if err := tx.SendTo("rx", payload); err != nil {
					b.Fatalf("Send failed: %v", err)
				}
			}
			deadline := time.Now().Add(30 * time.Second)
			for received.Load() < int64(b.N) {
				if time.Now().After(deadline) {
					b.Fatalf("Received %d of %d", received.Load(), b.N)
				}
				time.Sleep(time.Millisecond)
			}
		})
	}
}

// BenchmarkEncode measures frame encoding.
func BenchmarkEncode(b *testing.B) {
	m := message.New("rx", "tx", "bench-tx", "id", 1, bytes.Repeat([]byte{'x'}, 1024))
	var buf []byte

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		buf = message.AppendFrame(buf[:0], m)
	}
}

// BenchmarkDecoder measures stream decoding of back-to-back frames.
func BenchmarkDecoder(b *testing.B) {
	m := message.New("rx", "tx", "bench-tx", "id", 1, bytes.Repeat([]byte{'x'}, 1024))
	frame := m.Encode()
	stream := bytes.Repeat(frame, 1000)

	b.SetBytes(int64(len(stream)))
	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		dec := message.NewDecoder(bytes.NewReader(stream), 0, 0)
		for range 1000 {
			if _, err := dec.Next(); err != nil {
				b.Fatal(err)
			}
		}
	}
}
