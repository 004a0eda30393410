// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package badger

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/absmach/mqgate/storage"
	"github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
)

var _ storage.MessageStore = (*Store)(nil)

// Config holds BadgerDB store settings.
type Config struct {
	Dir        string
	SyncWrites bool

	// LeaseTimeout is how long a fetched record stays invisible to further
	// fetches. Zero disables leasing.
	LeaseTimeout time.Duration
}

// record is the persisted envelope around a message: the consumer-facing
// schema plus delivery state.
type record struct {
	Message      *storage.Message `json:"message"`
	Acknowledged bool             `json:"acknowledged"`
	LeaseExpiry  time.Time        `json:"lease_expiry,omitzero"`
}

// Store implements storage.MessageStore using BadgerDB.
//
// Key format:
//   - Subscription: sub/{topic}/{subKey}
//   - Queue record: msg/{subKey}/{recvTimeNanos:020d}/{msgID}
//
// The queue key encodes arrival time first and message id second, so a plain
// prefix iteration yields records in fetch order.
type Store struct {
	db  *badger.DB
	cfg Config

	mu    sync.Mutex
	locks map[string]*sync.Mutex // per sub key, serializes fetch/ack
}

// New opens a BadgerDB-backed message store.
func New(cfg Config) (*Store, error) {
	opts := badger.DefaultOptions(cfg.Dir).
		WithSyncWrites(cfg.SyncWrites).
		WithLogger(nil)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger db: %w", err)
	}

	return &Store{
		db:    db,
		cfg:   cfg,
		locks: make(map[string]*sync.Mutex),
	}, nil
}

func subscriptionKey(topic, subKey string) string {
	return "sub/" + topic + "/" + subKey
}

func queuePrefix(subKey string) string {
	return "msg/" + subKey + "/"
}

func queueKey(subKey string, recvTime time.Time, msgID string) string {
	return fmt.Sprintf("%s%020d/%s", queuePrefix(subKey), recvTime.UnixNano(), msgID)
}

// lockFor returns the fetch/ack mutex for a sub key. Serializing per sub key
// avoids Badger transaction conflicts on the hot path without serializing
// unrelated subscribers.
func (s *Store) lockFor(subKey string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.locks[subKey]
	if !ok {
		l = &sync.Mutex{}
		s.locks[subKey] = l
	}
	return l
}

// Publish fans the message out to every subscriber of its topic.
func (s *Store) Publish(ctx context.Context, msg *storage.Message) (int, error) {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	msg.Size = len(msg.Data)

	var n int
	err := s.db.Update(func(txn *badger.Txn) error {
		n = 0

		var subKeys []string
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte("sub/" + msg.TopicName + "/")
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		for it.Rewind(); it.Valid(); it.Next() {
			key := string(it.Item().Key())
			subKeys = append(subKeys, key[strings.LastIndexByte(key, '/')+1:])
		}
		it.Close()

		for _, subKey := range subKeys {
			cp := storage.CopyMessage(msg)
			cp.SubKey = subKey
			data, err := json.Marshal(&record{Message: cp})
			if err != nil {
				return fmt.Errorf("failed to marshal record: %w", err)
			}

			entry := badger.NewEntry([]byte(queueKey(subKey, msg.RecvTime, msg.ID)), data)
			if !msg.ExpirationTime.IsZero() {
				if ttl := time.Until(msg.ExpirationTime); ttl > 0 {
					entry = entry.WithTTL(ttl)
				}
			}
			if err := txn.SetEntry(entry); err != nil {
				return err
			}
			n++
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return n, nil
}

// FetchBatch returns up to batchSize deliverable records for subKey and
// increments their delivery count.
func (s *Store) FetchBatch(ctx context.Context, subKey string, batchSize int, now time.Time) ([]*storage.Message, error) {
	if batchSize <= 0 {
		return nil, nil
	}

	l := s.lockFor(subKey)
	l.Lock()
	defer l.Unlock()

	var result []*storage.Message
	err := s.db.Update(func(txn *badger.Txn) error {
		result = result[:0]

		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(queuePrefix(subKey))
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid() && len(result) < batchSize; it.Next() {
			item := it.Item()

			var rec record
			err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			})
			if err != nil {
				return fmt.Errorf("failed to unmarshal record: %w", err)
			}

			if rec.Acknowledged || rec.Message.Expired(now) || rec.LeaseExpiry.After(now) {
				continue
			}

			rec.Message.SubKey = subKey
			rec.Message.DeliveryCount++
			if s.cfg.LeaseTimeout > 0 {
				rec.LeaseExpiry = now.Add(s.cfg.LeaseTimeout)
			}

			data, err := json.Marshal(&rec)
			if err != nil {
				return fmt.Errorf("failed to marshal record: %w", err)
			}
			if err := txn.Set(item.KeyCopy(nil), data); err != nil {
				return err
			}

			result = append(result, rec.Message)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return result, nil
}

// Acknowledge marks the listed records as delivered for subKey. Unknown ids
// are ignored.
func (s *Store) Acknowledge(ctx context.Context, subKey string, msgIDs []string, now time.Time) error {
	if len(msgIDs) == 0 {
		return nil
	}

	ids := make(map[string]struct{}, len(msgIDs))
	for _, id := range msgIDs {
		ids[id] = struct{}{}
	}

	l := s.lockFor(subKey)
	l.Lock()
	defer l.Unlock()

	return s.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(queuePrefix(subKey))
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			key := string(item.Key())

			msgID := key[strings.LastIndexByte(key, '/')+1:]
			if _, ok := ids[msgID]; !ok {
				continue
			}

			var rec record
			err := item.Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			})
			if err != nil {
				return fmt.Errorf("failed to unmarshal record: %w", err)
			}
			if rec.Acknowledged {
				continue
			}

			rec.Acknowledged = true
			data, err := json.Marshal(&rec)
			if err != nil {
				return fmt.Errorf("failed to marshal record: %w", err)
			}
			if err := txn.Set(item.KeyCopy(nil), data); err != nil {
				return err
			}
		}
		return nil
	})
}

// Subscribe registers subKey as a subscriber of topic.
func (s *Store) Subscribe(ctx context.Context, subKey, topic string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(subscriptionKey(topic, subKey)), nil)
	})
}

// Unsubscribe removes the subscription. Queued records are kept.
func (s *Store) Unsubscribe(ctx context.Context, subKey, topic string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		err := txn.Delete([]byte(subscriptionKey(topic, subKey)))
		if err == badger.ErrKeyNotFound {
			return nil
		}
		return err
	})
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
