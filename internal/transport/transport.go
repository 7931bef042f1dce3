// SPDX-License-Identifier: MIT

// Package transport carries bridge messages out of the process.
package transport

import "errors"

// Transport sends messages to zero or more listeners. Implementations are
// safe for concurrent use and Send never blocks.
type Transport interface {
	Send(msg any) error
	Close() error
}

var (
	// ErrQueueFull is returned when a message is dropped because the
	// outbound queue has no room.
	ErrQueueFull = errors.New("transport: send queue full")
	// ErrClosed is returned by Send after Close.
	ErrClosed = errors.New("transport: closed")
)
