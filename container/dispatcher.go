// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package container

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/absmach/mqgate/broker"
)

// ErrDispatcherStopped is returned by Submit after Stop.
var ErrDispatcherStopped = errors.New("dispatcher is stopped")

// Handler processes one received message.
type Handler func(ctx context.Context, destination string, msg *broker.Message) error

type job struct {
	destination string
	msg         *broker.Message
}

// Dispatcher fans received messages out to a bounded pool of handler
// workers. The job queue is bounded and Submit blocks while it is full, so a
// saturated pool applies backpressure to the receive loop instead of growing
// memory without bound. Workers complete jobs in no particular order relative
// to each other.
type Dispatcher struct {
	jobs    chan job
	handler Handler
	logger  *slog.Logger

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.RWMutex
	stopped bool
}

// NewDispatcher creates a dispatcher with the given pool size and queue
// bound and starts its workers.
func NewDispatcher(workers, queueSize int, handler Handler, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	if workers <= 0 {
		workers = 5
	}
	if queueSize <= 0 {
		queueSize = 100
	}

	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		jobs:    make(chan job, queueSize),
		handler: handler,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
	}

	d.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go d.worker()
	}
	return d
}

func (d *Dispatcher) worker() {
	defer d.wg.Done()

	for j := range d.jobs {
		if err := d.handler(d.ctx, j.destination, j.msg); err != nil {
			d.logger.Error("message_handler_failed",
				slog.String("destination", j.destination),
				slog.String("message_id", j.msg.MessageID),
				slog.String("error", err.Error()))
		}
	}
}

// Submit queues a message for handling, blocking while the queue is full.
// The read lock is held across the send so Stop cannot close the queue
// under a blocked submission.
func (d *Dispatcher) Submit(destination string, msg *broker.Message) error {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if d.stopped {
		return ErrDispatcherStopped
	}

	select {
	case d.jobs <- job{destination: destination, msg: msg}:
		return nil
	case <-d.ctx.Done():
		return ErrDispatcherStopped
	}
}

// Stop closes the intake and waits for queued jobs to drain.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	close(d.jobs)
	d.mu.Unlock()

	d.wg.Wait()
	d.cancel()
}
