// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import "errors"

// Client errors.
var (
	// ErrConstruction is returned by New when the coordination store is unreachable.
	ErrConstruction = errors.New("failed to construct client")

	// ErrBind is returned by Run when the local address cannot be bound.
	ErrBind = errors.New("failed to bind local address")

	// ErrRegistration is returned when a topic cannot be registered or unregistered.
	ErrRegistration = errors.New("topic registration failed")

	// ErrResolution is returned when no address is known for a destination topic.
	ErrResolution = errors.New("no address for topic")

	ErrRunning    = errors.New("client is running")
	ErrNotRunning = errors.New("client is not running")
	ErrClosed     = errors.New("client closed")
	ErrSendToSelf = errors.New("cannot send to own home topic")

	ErrEmptyName  = errors.New("unique name is empty")
	ErrEmptyTopic = errors.New("topic is empty")
	ErrEmptyAddr  = errors.New("bind address is empty")
)
