// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package storage

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestExpired(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	msg := &Message{}
	assert.False(t, msg.Expired(now), "zero expiration never expires")

	msg.ExpirationTime = now.Add(time.Second)
	assert.False(t, msg.Expired(now))

	msg.ExpirationTime = now
	assert.True(t, msg.Expired(now))

	msg.ExpirationTime = now.Add(-time.Second)
	assert.True(t, msg.Expired(now))
}

func TestCopyMessage(t *testing.T) {
	pubTime := time.Date(2026, 3, 1, 11, 0, 0, 0, time.UTC)
	msg := &Message{
		ID:         "m1",
		SubKey:     "sub-1",
		Data:       []byte("hello"),
		ExtPubTime: &pubTime,
	}

	cp := CopyMessage(msg)
	cp.Data[0] = 'X'
	*cp.ExtPubTime = pubTime.Add(time.Hour)

	assert.Equal(t, []byte("hello"), msg.Data)
	assert.Equal(t, pubTime, *msg.ExtPubTime)
	assert.Equal(t, "m1", cp.ID)
	assert.Equal(t, "sub-1", cp.SubKey)

	assert.Nil(t, CopyMessage(nil))
}
