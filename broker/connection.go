// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package broker defines the capability the gateway holds against the
// external message broker: one authenticated connection that can send to and
// receive from named destinations.
package broker

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrNoMessage is the broker's poll-timeout signal. It is a normal, frequent
// condition, not a fault: a receive call that waited out its timeout without
// a message returns it.
var ErrNoMessage = errors.New("no message available")

// Completion codes.
const (
	CompletionOK      = 0
	CompletionWarning = 1
	CompletionFailed  = 2
)

// Reason codes.
const (
	ReasonConnectionBroken = 2009
	ReasonNotAuthorized    = 2035
	ReasonHostNotAvailable = 2059
	ReasonPutFailed        = 2030
)

// Error is a broker-level fault carrying the broker's diagnostic codes.
type Error struct {
	Op             string
	CompletionCode int
	ReasonCode     int
	Err            error
}

func (e *Error) Error() string {
	return fmt.Sprintf("broker %s failed, completion_code: %d, reason_code: %d: %v",
		e.Op, e.CompletionCode, e.ReasonCode, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Message is a message in transit between the external broker and the
// gateway. It is not persisted by the connector; it exists only between a
// receive call and the forwarding call into the internal store.
type Message struct {
	MessageID  string
	CorrelID   string
	Priority   int
	Expiration int64 // relative, milliseconds; 0 means never
	Payload    []byte
}

// Connection is one authenticated link to the external broker.
//
// Send and Receive may be invoked concurrently; implementations must
// tolerate or serialize concurrent use themselves. The gateway does not add
// its own lock around them.
type Connection interface {
	// Connect establishes the link. It must be called before Send or
	// Receive.
	Connect(ctx context.Context) error

	// Send delivers a message to a destination and returns a receipt id.
	Send(ctx context.Context, msg *Message, destination string) (string, error)

	// Receive waits up to timeout for a message on a destination. It
	// returns ErrNoMessage when the timeout elapses without one.
	Receive(ctx context.Context, destination string, timeout time.Duration) (*Message, error)

	// Info returns a human-readable description of the link.
	Info() string

	// Close tears the link down.
	Close() error
}
