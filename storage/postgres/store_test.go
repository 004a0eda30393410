// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package postgres

import (
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/absmach/mqgate/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Tests run against a live database named by MQGATE_TEST_POSTGRES_DSN and are
// skipped when it is unset.
func newTestStore(t *testing.T) *Store {
	t.Helper()

	dsn := os.Getenv("MQGATE_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("MQGATE_TEST_POSTGRES_DSN not set")
	}

	ctx := context.Background()
	s, err := New(ctx, Config{DSN: dsn})
	require.NoError(t, err)
	t.Cleanup(func() {
		_, _ = s.pool.Exec(ctx, `TRUNCATE queue_messages, queue_subscriptions`)
		require.NoError(t, s.Close())
	})

	_, err = s.pool.Exec(ctx, `TRUNCATE queue_messages, queue_subscriptions`)
	require.NoError(t, err)
	return s
}

func TestNewRequiresDSN(t *testing.T) {
	_, err := New(context.Background(), Config{})
	assert.Error(t, err)
}

func TestPublishFetchAcknowledge(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Truncate(time.Millisecond).Add(-time.Minute)

	require.NoError(t, s.Subscribe(ctx, "sub-1", "orders"))
	require.NoError(t, s.Subscribe(ctx, "sub-2", "orders"))

	for i, id := range []string{"m1", "m2", "m3"} {
		n, err := s.Publish(ctx, &storage.Message{
			ID:        id,
			TopicName: "orders",
			Data:      []byte("payload-" + id),
			RecvTime:  base.Add(time.Duration(i) * time.Second),
		})
		require.NoError(t, err)
		assert.Equal(t, 2, n)
	}

	msgs, err := s.FetchBatch(ctx, "sub-1", 2, time.Now())
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "m1", msgs[0].ID)
	assert.Equal(t, "m2", msgs[1].ID)
	assert.Equal(t, 1, msgs[0].DeliveryCount)

	require.NoError(t, s.Acknowledge(ctx, "sub-1", []string{"m1", "m2"}, time.Now()))

	msgs, err = s.FetchBatch(ctx, "sub-1", 10, time.Now())
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, "m3", msgs[0].ID)

	// The other subscriber's rows are untouched.
	msgs, err = s.FetchBatch(ctx, "sub-2", 10, time.Now())
	require.NoError(t, err)
	assert.Len(t, msgs, 3)
}

func TestFetchBatchExcludesExpired(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, s.Subscribe(ctx, "sub-1", "orders"))

	_, err := s.Publish(ctx, &storage.Message{
		ID:             "m1",
		TopicName:      "orders",
		RecvTime:       now.Add(-time.Minute),
		Expiration:     1000,
		ExpirationTime: now.Add(-time.Second),
	})
	require.NoError(t, err)

	msgs, err := s.FetchBatch(ctx, "sub-1", 10, now)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}

func TestConcurrentFetchesDisjoint(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Minute)

	require.NoError(t, s.Subscribe(ctx, "sub-1", "orders"))
	for i := 0; i < 6; i++ {
		_, err := s.Publish(ctx, &storage.Message{
			ID:        fmt.Sprintf("m%d", i),
			TopicName: "orders",
			RecvTime:  base.Add(time.Duration(i) * time.Second),
		})
		require.NoError(t, err)
	}

	var mu sync.Mutex
	seen := make(map[string]int)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			msgs, err := s.FetchBatch(ctx, "sub-1", 3, time.Now())
			assert.NoError(t, err)
			mu.Lock()
			for _, m := range msgs {
				seen[m.ID]++
			}
			mu.Unlock()
		}()
	}
	wg.Wait()

	// Locked rows are skipped, never handed to both fetches.
	for id, n := range seen {
		assert.Equal(t, 1, n, "message %s fetched more than once", id)
	}
}

func TestAcknowledgeEmptyListIsNoop(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.Acknowledge(context.Background(), "sub-1", nil, time.Now()))
}
