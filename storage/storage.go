// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"context"
	"errors"
	"time"
)

// Common errors.
var (
	ErrNotFound = errors.New("not found")
	ErrClosed   = errors.New("store is closed")
)

// Message is a durable pub/sub record. One copy exists per (sub_key, msg_id)
// pair: publishing a message to a topic materializes one record for every
// subscriber of that topic.
//
// Acknowledgment is terminal. Once a record is acknowledged for its sub_key it
// is excluded from every future fetch. Expiration is absolute: a record whose
// ExpirationTime is at or before the fetch time is never returned.
type Message struct {
	ID             string     `json:"msg_id"`
	SubKey         string     `json:"-"`
	TopicName      string     `json:"topic_name"`
	CorrelID       string     `json:"correl_id,omitempty"`
	InReplyTo      string     `json:"in_reply_to,omitempty"`
	Priority       int        `json:"priority"`
	Data           []byte     `json:"data"`
	Size           int        `json:"size"`
	DataFormat     string     `json:"data_format,omitempty"`
	MimeType       string     `json:"mime_type,omitempty"`
	Expiration     int64      `json:"expiration"` // relative, milliseconds; 0 means never
	ExpirationTime time.Time  `json:"expiration_time,omitzero"`
	RecvTime       time.Time  `json:"recv_time"`
	ExtClientID    string     `json:"ext_client_id,omitempty"`
	ExtPubTime     *time.Time `json:"ext_pub_time,omitempty"`
	DeliveryCount  int        `json:"delivery_count"`
}

// Expired reports whether the message is expired as of now.
func (m *Message) Expired(now time.Time) bool {
	return !m.ExpirationTime.IsZero() && !m.ExpirationTime.After(now)
}

// CopyMessage creates a deep copy of a message.
func CopyMessage(msg *Message) *Message {
	if msg == nil {
		return nil
	}

	cp := *msg
	if msg.Data != nil {
		cp.Data = make([]byte, len(msg.Data))
		copy(cp.Data, msg.Data)
	}
	if msg.ExtPubTime != nil {
		t := *msg.ExtPubTime
		cp.ExtPubTime = &t
	}
	return &cp
}

// MessageStore is the persistent pub/sub backing store behind the delivery
// protocol. Implementations must guarantee:
//
//   - FetchBatch never returns acknowledged records, expired records, or
//     records visible to another in-flight fetch for the same sub_key.
//   - FetchBatch increments DeliveryCount of every returned record by
//     exactly 1 as part of the call. Fetch, not acknowledgment, counts a
//     delivery attempt.
//   - Acknowledge is idempotent and scoped to sub_key; unknown or foreign
//     ids never affect other subscribers' records.
type MessageStore interface {
	// Publish fans a message out to every subscriber of msg.TopicName,
	// creating one record per sub_key. A missing msg.ID is assigned by the
	// store. Returns the number of records created.
	Publish(ctx context.Context, msg *Message) (int, error)

	// FetchBatch returns up to batchSize deliverable records for subKey,
	// ordered by recv_time with msg_id as the tie-break.
	FetchBatch(ctx context.Context, subKey string, batchSize int, now time.Time) ([]*Message, error)

	// Acknowledge marks the listed records as delivered for subKey.
	Acknowledge(ctx context.Context, subKey string, msgIDs []string, now time.Time) error

	// Subscribe registers subKey as a subscriber of topic.
	Subscribe(ctx context.Context, subKey, topic string) error

	// Unsubscribe removes the subscription. Existing records are kept.
	Unsubscribe(ctx context.Context, subKey, topic string) error

	// Close closes the store.
	Close() error
}
