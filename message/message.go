// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package message defines the frame exchanged between liner clients and its
// binary encoding.
//
// A frame is a 4-byte big-endian length followed by the body:
//
//	to, from, sender, uuid   u32 length + UTF-8 bytes each
//	sequence                 u64
//	timestamp                u64 (ms since epoch)
//	payload                  u32 length + raw bytes
//
// The length prefix counts every byte after itself.
package message

import (
	"bytes"
	"fmt"
	"time"
)

// Message is a single delivery unit. It is immutable once constructed.
type Message struct {
	To         string // destination topic
	From       string // sender's home topic
	SenderName string // sender's unique name
	UUID       string // caller correlation id
	Sequence   uint64 // per (SenderName, From) monotonic number
	Timestamp  uint64 // ms since epoch, set at construction
	Payload    []byte
}

// New builds a message stamped with the current time.
func New(to, from, senderName, uuid string, seq uint64, payload []byte) *Message {
	return &Message{
		To:         to,
		From:       from,
		SenderName: senderName,
		UUID:       uuid,
		Sequence:   seq,
		Timestamp:  uint64(time.Now().UnixMilli()),
		Payload:    payload,
	}
}

// Source identifies the (sender, topic) pair whose sequence numbers are
// compared for deduplication.
type Source struct {
	Name  string
	Topic string
}

// Source returns the sequence source of the message.
func (m *Message) Source() Source {
	return Source{Name: m.SenderName, Topic: m.From}
}

// Equal reports whether two messages carry identical fields.
func (m *Message) Equal(o *Message) bool {
	if m == nil || o == nil {
		return m == o
	}
	return m.To == o.To &&
		m.From == o.From &&
		m.SenderName == o.SenderName &&
		m.UUID == o.UUID &&
		m.Sequence == o.Sequence &&
		m.Timestamp == o.Timestamp &&
		bytes.Equal(m.Payload, o.Payload)
}

func (m *Message) String() string {
	return fmt.Sprintf("message{to=%s from=%s sender=%s seq=%d payload=%dB}",
		m.To, m.From, m.SenderName, m.Sequence, len(m.Payload))
}
