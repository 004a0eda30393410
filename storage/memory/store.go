// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/absmach/mqgate/storage"
	"github.com/google/uuid"
)

var _ storage.MessageStore = (*Store)(nil)

// Config holds in-memory store settings.
type Config struct {
	// LeaseTimeout is how long a fetched record stays invisible to further
	// fetches. Zero disables leasing, making unacknowledged records
	// re-fetchable immediately.
	LeaseTimeout time.Duration
}

// record wraps a message with delivery state that is not part of the
// consumer-facing schema.
type record struct {
	msg          *storage.Message
	acknowledged bool
	leaseExpiry  time.Time
}

// Store is an in-memory implementation of storage.MessageStore.
// Delivery state uses timed visibility: a fetched record carries a lease and
// is excluded from fetches until the lease expires or it is acknowledged.
type Store struct {
	mu     sync.Mutex
	cfg    Config
	subs   map[string]map[string]struct{} // topic -> sub keys
	queues map[string][]*record           // sub key -> records in arrival order
	closed bool
}

// New creates a new in-memory message store.
func New(cfg Config) *Store {
	return &Store{
		cfg:    cfg,
		subs:   make(map[string]map[string]struct{}),
		queues: make(map[string][]*record),
	}
}

// Publish fans the message out to every subscriber of its topic.
func (s *Store) Publish(ctx context.Context, msg *storage.Message) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, storage.ErrClosed
	}

	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	msg.Size = len(msg.Data)

	var n int
	for subKey := range s.subs[msg.TopicName] {
		cp := storage.CopyMessage(msg)
		cp.SubKey = subKey
		s.queues[subKey] = append(s.queues[subKey], &record{msg: cp})
		n++
	}
	return n, nil
}

// FetchBatch returns up to batchSize deliverable records for subKey and
// increments their delivery count.
func (s *Store) FetchBatch(ctx context.Context, subKey string, batchSize int, now time.Time) ([]*storage.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil, storage.ErrClosed
	}
	if batchSize <= 0 {
		return nil, nil
	}

	candidates := make([]*record, 0, len(s.queues[subKey]))
	for _, rec := range s.queues[subKey] {
		if rec.acknowledged || rec.msg.Expired(now) || rec.leaseExpiry.After(now) {
			continue
		}
		candidates = append(candidates, rec)
	}

	sort.Slice(candidates, func(i, j int) bool {
		if !candidates[i].msg.RecvTime.Equal(candidates[j].msg.RecvTime) {
			return candidates[i].msg.RecvTime.Before(candidates[j].msg.RecvTime)
		}
		return candidates[i].msg.ID < candidates[j].msg.ID
	})

	if len(candidates) > batchSize {
		candidates = candidates[:batchSize]
	}

	result := make([]*storage.Message, 0, len(candidates))
	for _, rec := range candidates {
		rec.msg.DeliveryCount++
		if s.cfg.LeaseTimeout > 0 {
			rec.leaseExpiry = now.Add(s.cfg.LeaseTimeout)
		}
		result = append(result, storage.CopyMessage(rec.msg))
	}
	return result, nil
}

// Acknowledge marks the listed records as delivered for subKey. Unknown ids
// are ignored.
func (s *Store) Acknowledge(ctx context.Context, subKey string, msgIDs []string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return storage.ErrClosed
	}
	if len(msgIDs) == 0 {
		return nil
	}

	ids := make(map[string]struct{}, len(msgIDs))
	for _, id := range msgIDs {
		ids[id] = struct{}{}
	}

	for _, rec := range s.queues[subKey] {
		if _, ok := ids[rec.msg.ID]; ok {
			rec.acknowledged = true
		}
	}
	return nil
}

// Subscribe registers subKey as a subscriber of topic.
func (s *Store) Subscribe(ctx context.Context, subKey, topic string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return storage.ErrClosed
	}

	if s.subs[topic] == nil {
		s.subs[topic] = make(map[string]struct{})
	}
	s.subs[topic][subKey] = struct{}{}
	return nil
}

// Unsubscribe removes the subscription. Queued records are kept.
func (s *Store) Unsubscribe(ctx context.Context, subKey, topic string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return storage.ErrClosed
	}

	delete(s.subs[topic], subKey)
	return nil
}

// Close closes the store.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.closed = true
	return nil
}
