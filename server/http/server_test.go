// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package http

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/absmach/mqgate/broker"
	"github.com/absmach/mqgate/container"
	"github.com/absmach/mqgate/queue"
	"github.com/absmach/mqgate/storage"
	"github.com/absmach/mqgate/storage/memory"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeConn struct{}

var _ broker.Connection = (*fakeConn)(nil)

func (f *fakeConn) Connect(ctx context.Context) error { return nil }

func (f *fakeConn) Send(ctx context.Context, msg *broker.Message, destination string) (string, error) {
	return "receipt-1", nil
}

func (f *fakeConn) Receive(ctx context.Context, destination string, timeout time.Duration) (*broker.Message, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil, broker.ErrNoMessage
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (f *fakeConn) Info() string { return "fake broker" }
func (f *fakeConn) Close() error { return nil }

func newTestServer(t *testing.T, cfg Config) (*Server, *memory.Store) {
	t.Helper()

	store := memory.New(memory.Config{})
	c := container.New(store, func(def container.ConnectionDefinition) broker.Connection {
		return &fakeConn{}
	}, container.Config{ReceiveTimeout: 20 * time.Millisecond}, nil)
	t.Cleanup(func() {
		require.NoError(t, c.Close())
	})

	return New(cfg, c, queue.New(store, nil), nil), store
}

func basicCfg() Config {
	return Config{Address: ":0", Username: "gateway", Password: "secret"}
}

// do issues an authenticated JSON POST against the server's handler and
// decodes the body into out when it is non-nil.
func do(t *testing.T, s *Server, path string, body any, out any) *httptest.ResponseRecorder {
	t.Helper()

	data, err := json.Marshal(body)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(data))
	req.SetBasicAuth("gateway", "secret")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)

	if out != nil {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), out))
	}
	return w
}

func TestAuthRequired(t *testing.T) {
	s, _ := newTestServer(t, basicCfg())

	body, err := json.Marshal(command{Action: ActionConnectionCreate, Name: "conn-1", Host: "h", Port: 1414})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/command", bytes.NewReader(body))
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)

	req = httptest.NewRequest(http.MethodPost, "/api/command", bytes.NewReader(body))
	req.SetBasicAuth("gateway", "wrong")
	w = httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)

	// The rejected command must not have mutated the registry.
	var st struct {
		container.Status
	}
	w = do(t, s, "/api/command", command{Action: ActionStatus}, &st)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, st.Connections)
}

func TestBearerAuth(t *testing.T) {
	s, _ := newTestServer(t, Config{Address: ":0", Token: "tok-123"})

	body, err := json.Marshal(command{Action: ActionStatus})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/api/command", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer tok-123")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)

	req = httptest.NewRequest(http.MethodPost, "/api/command", bytes.NewReader(body))
	req.Header.Set("Authorization", "Bearer wrong")
	w = httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusForbidden, w.Code)
}

func TestHealthSkipsAuth(t *testing.T) {
	s, _ := newTestServer(t, basicCfg())

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestUnknownAction(t *testing.T) {
	s, _ := newTestServer(t, basicCfg())

	w := do(t, s, "/api/command", command{Action: "bogus"}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCommandMethodNotAllowed(t *testing.T) {
	s, _ := newTestServer(t, basicCfg())

	req := httptest.NewRequest(http.MethodGet, "/api/command", nil)
	req.SetBasicAuth("gateway", "secret")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestConnectionLifecycle(t *testing.T) {
	s, _ := newTestServer(t, basicCfg())

	create := command{Action: ActionConnectionCreate, Name: "conn-1", Host: "broker.local", Port: 1414, QueueManager: "QM1"}
	w := do(t, s, "/api/command", create, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = do(t, s, "/api/command", create, nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = do(t, s, "/api/command", command{
		Action: ActionChannelCreate, Name: "ch-1", ConnectionName: "conn-1", Destination: "ORDERS",
	}, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	// The connection is bound to a channel.
	w = do(t, s, "/api/command", command{Action: ActionConnectionDelete, Name: "conn-1"}, nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	var st struct {
		container.Status
	}
	w = do(t, s, "/api/command", command{Action: ActionStatus}, &st)
	assert.Equal(t, http.StatusOK, w.Code)
	require.Len(t, st.Connections, 1)
	assert.Equal(t, "conn-1", st.Connections[0].Name)
	assert.Equal(t, container.StateConnected, st.Connections[0].State)
	require.Len(t, st.Channels, 1)
	assert.Equal(t, "ORDERS", st.Channels[0].Destination)

	w = do(t, s, "/api/command", command{Action: ActionChannelDelete, Name: "ch-1"}, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w = do(t, s, "/api/command", command{Action: ActionConnectionDelete, Name: "conn-1"}, nil)
	assert.Equal(t, http.StatusOK, w.Code)
	w = do(t, s, "/api/command", command{Action: ActionConnectionDelete, Name: "conn-1"}, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestMessageSend(t *testing.T) {
	s, _ := newTestServer(t, basicCfg())

	do(t, s, "/api/command", command{Action: ActionConnectionCreate, Name: "conn-1", Host: "h", Port: 1414}, nil)

	var resp struct {
		Status  string `json:"status"`
		Receipt string `json:"receipt"`
	}
	w := do(t, s, "/api/command", command{
		Action: ActionMessageSend, Name: "conn-1", Destination: "ORDERS", Payload: []byte("out"),
	}, &resp)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "receipt-1", resp.Receipt)

	w = do(t, s, "/api/command", command{
		Action: ActionMessageSend, Name: "missing", Destination: "ORDERS", Payload: []byte("out"),
	}, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDeliveryFlow(t *testing.T) {
	s, store := newTestServer(t, basicCfg())
	ctx := context.Background()

	w := do(t, s, "/api/messages/subscribe", subscriptionRequest{SubKey: "sub-1", Topic: "orders"}, nil)
	require.Equal(t, http.StatusOK, w.Code)

	recv := time.Now().Add(-time.Minute)
	for i, id := range []string{"m1", "m2", "m3"} {
		_, err := store.Publish(ctx, &storage.Message{
			ID:        id,
			TopicName: "orders",
			Data:      []byte("payload-" + id),
			RecvTime:  recv.Add(time.Duration(i) * time.Second),
		})
		require.NoError(t, err)
	}

	var got struct {
		Status   string             `json:"status"`
		Messages []*storage.Message `json:"messages"`
	}
	w = do(t, s, "/api/messages/get", getMessagesRequest{SubKey: "sub-1"}, &got)
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, got.Messages, 3)
	assert.Equal(t, "m1", got.Messages[0].ID)
	assert.Equal(t, "orders", got.Messages[0].TopicName)
	assert.Equal(t, 1, got.Messages[0].DeliveryCount)

	w = do(t, s, "/api/messages/ack", acknowledgeRequest{SubKey: "sub-1", MsgIDList: []string{"m1", "m2"}}, nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = do(t, s, "/api/messages/get", getMessagesRequest{SubKey: "sub-1"}, &got)
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, got.Messages, 1)
	assert.Equal(t, "m3", got.Messages[0].ID)
	assert.Equal(t, 2, got.Messages[0].DeliveryCount)

	// Empty acknowledgment list is accepted and changes nothing.
	w = do(t, s, "/api/messages/ack", acknowledgeRequest{SubKey: "sub-1"}, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestGetMessagesRequiresSubKey(t *testing.T) {
	s, _ := newTestServer(t, basicCfg())

	w := do(t, s, "/api/messages/get", getMessagesRequest{}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestSubscribeRequiresTopic(t *testing.T) {
	s, _ := newTestServer(t, basicCfg())

	w := do(t, s, "/api/messages/subscribe", subscriptionRequest{SubKey: "sub-1"}, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetMessagesEmptyQueue(t *testing.T) {
	s, _ := newTestServer(t, basicCfg())

	do(t, s, "/api/messages/subscribe", subscriptionRequest{SubKey: "sub-1", Topic: "orders"}, nil)

	var got struct {
		Messages []*storage.Message `json:"messages"`
	}
	w := do(t, s, "/api/messages/get", getMessagesRequest{SubKey: "sub-1"}, &got)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.NotNil(t, got.Messages)
	assert.Empty(t, got.Messages)
}

func TestInvalidBody(t *testing.T) {
	s, _ := newTestServer(t, basicCfg())

	req := httptest.NewRequest(http.MethodPost, "/api/command", bytes.NewReader([]byte("{not json")))
	req.SetBasicAuth("gateway", "secret")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
