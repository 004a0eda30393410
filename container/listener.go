// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package container

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/absmach/mqgate/broker"
)

// ListenerTask continuously drains one destination on one connection and
// hands every received message to its dispatcher. It is a supervised handle:
// Stop cancels the loop and waits for it to exit, bounded by the in-flight
// receive timeout.
type ListenerTask struct {
	name        string
	conn        broker.Connection
	destination string
	timeout     time.Duration
	dispatcher  *Dispatcher
	onFault     func(err error)
	logger      *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewListenerTask creates a listener for (conn, destination). onFault is
// invoked once if the loop exits on a broker fault.
func NewListenerTask(name string, conn broker.Connection, destination string, timeout time.Duration, dispatcher *Dispatcher, onFault func(err error), logger *slog.Logger) *ListenerTask {
	if logger == nil {
		logger = slog.Default()
	}
	if timeout <= 0 {
		timeout = time.Second
	}

	return &ListenerTask{
		name:        name,
		conn:        conn,
		destination: destination,
		timeout:     timeout,
		dispatcher:  dispatcher,
		onFault:     onFault,
		logger:      logger,
		done:        make(chan struct{}),
	}
}

// Start launches the receive loop.
func (t *ListenerTask) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	t.cancel = cancel
	go t.run(ctx)
}

func (t *ListenerTask) run(ctx context.Context) {
	defer close(t.done)

	t.logger.Info("listener_started",
		slog.String("channel", t.name),
		slog.String("destination", t.destination),
		slog.String("connection", t.conn.Info()))

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		msg, err := t.conn.Receive(ctx, t.destination, t.timeout)
		switch {
		case err == nil:
			if err := t.dispatcher.Submit(t.destination, msg); err != nil {
				// Intake closed, the listener is being torn down.
				return
			}

		case errors.Is(err, broker.ErrNoMessage):
			t.logger.Debug("no_message",
				slog.String("destination", t.destination),
				slog.String("connection", t.conn.Info()))

		case errors.Is(err, context.Canceled):
			return

		default:
			var brokerErr *broker.Error
			if errors.As(err, &brokerErr) {
				t.logger.Error("listener_broker_fault",
					slog.String("channel", t.name),
					slog.String("destination", t.destination),
					slog.Int("completion_code", brokerErr.CompletionCode),
					slog.Int("reason_code", brokerErr.ReasonCode),
					slog.String("error", brokerErr.Error()))
			} else {
				t.logger.Error("listener_receive_failed",
					slog.String("channel", t.name),
					slog.String("destination", t.destination),
					slog.String("error", err.Error()))
			}
			if t.onFault != nil {
				t.onFault(err)
			}
			return
		}
	}
}

// Stop cancels the loop and waits for it to exit. Callers must not assume an
// instantaneous stop: the in-flight receive returns within its timeout.
func (t *ListenerTask) Stop() {
	if t.cancel != nil {
		t.cancel()
	}
	<-t.done

	t.logger.Info("listener_stopped",
		slog.String("channel", t.name),
		slog.String("destination", t.destination))
}
