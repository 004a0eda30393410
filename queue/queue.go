// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package queue implements the consumer-facing delivery protocol on top of
// the message store: batched fetch with per-fetch delivery counting, and
// idempotent acknowledgment that finalizes delivery.
package queue

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/absmach/mqgate/storage"
)

// DefaultBatchSize is used when a caller does not supply a batch size.
const DefaultBatchSize = 100

// ErrSubKeyRequired is returned when a request carries no subscriber key.
var ErrSubKeyRequired = errors.New("sub_key is required")

// DeliveryQueue gives subscribers at-least-once delivery over the shared
// durable store. It adds no locking of its own: the store's visibility rules
// are the only concurrency control.
type DeliveryQueue struct {
	store  storage.MessageStore
	logger *slog.Logger
	now    func() time.Time
}

// New creates a delivery queue over store.
func New(store storage.MessageStore, logger *slog.Logger) *DeliveryQueue {
	if logger == nil {
		logger = slog.Default()
	}

	return &DeliveryQueue{
		store:  store,
		logger: logger,
		now:    time.Now,
	}
}

// GetMessages returns up to batchSize deliverable messages for subKey.
// A batchSize of zero or less falls back to DefaultBatchSize. Every returned
// message has had its delivery count incremented by this call: fetch, not
// acknowledgment, is what counts a delivery attempt, so an elevated count on
// re-fetch signals a possible redelivery.
func (q *DeliveryQueue) GetMessages(ctx context.Context, subKey string, batchSize int) ([]*storage.Message, error) {
	if subKey == "" {
		return nil, ErrSubKeyRequired
	}
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}

	msgs, err := q.store.FetchBatch(ctx, subKey, batchSize, q.now())
	if err != nil {
		return nil, err
	}

	q.logger.Debug("messages_fetched",
		slog.String("sub_key", subKey),
		slog.Int("batch_size", batchSize),
		slog.Int("count", len(msgs)))
	return msgs, nil
}

// AcknowledgeDelivery confirms that delivery of the listed messages
// succeeded. An empty list is a no-op and issues no write. Acknowledging an
// already-acknowledged or unknown id is not an error.
func (q *DeliveryQueue) AcknowledgeDelivery(ctx context.Context, subKey string, msgIDs []string) error {
	if subKey == "" {
		return ErrSubKeyRequired
	}
	if len(msgIDs) == 0 {
		return nil
	}

	if err := q.store.Acknowledge(ctx, subKey, msgIDs, q.now()); err != nil {
		return err
	}

	q.logger.Debug("delivery_acknowledged",
		slog.String("sub_key", subKey),
		slog.Int("count", len(msgIDs)))
	return nil
}

// Subscribe registers subKey as a subscriber of topic.
func (q *DeliveryQueue) Subscribe(ctx context.Context, subKey, topic string) error {
	if subKey == "" {
		return ErrSubKeyRequired
	}
	return q.store.Subscribe(ctx, subKey, topic)
}

// Unsubscribe removes the subscription.
func (q *DeliveryQueue) Unsubscribe(ctx context.Context, subKey, topic string) error {
	if subKey == "" {
		return ErrSubKeyRequired
	}
	return q.store.Unsubscribe(ctx, subKey, topic)
}
