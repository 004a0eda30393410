// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package mqtt implements the broker.Connection capability over an MQTT
// broker using the Eclipse Paho client.
package mqtt

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/absmach/mqgate/broker"
	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/eclipse/paho.mqtt.golang/packets"
	"github.com/google/uuid"
)

var _ broker.Connection = (*Connection)(nil)

// Config holds the connection parameters of one broker link.
type Config struct {
	Host     string
	Port     int
	ClientID string
	Username string
	Password string

	QoS            byte
	ConnectTimeout time.Duration
	SendTimeout    time.Duration
	InboxSize      int
}

// Connection is a broker.Connection backed by a Paho MQTT client. Received
// messages are routed per destination into buffered inbox channels, which
// Receive drains with a poll timeout.
type Connection struct {
	cfg    Config
	client mqtt.Client

	mu      sync.Mutex
	inboxes map[string]chan *broker.Message
}

// New creates an unconnected broker link.
func New(cfg Config) *Connection {
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.SendTimeout <= 0 {
		cfg.SendTimeout = 10 * time.Second
	}
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = 128
	}
	if cfg.QoS > 2 {
		cfg.QoS = 1
	}

	return &Connection{
		cfg:     cfg,
		inboxes: make(map[string]chan *broker.Message),
	}
}

// Connect dials the broker.
func (c *Connection) Connect(ctx context.Context) error {
	opts := mqtt.NewClientOptions().
		AddBroker(fmt.Sprintf("tcp://%s:%d", c.cfg.Host, c.cfg.Port)).
		SetClientID(c.cfg.ClientID).
		SetUsername(c.cfg.Username).
		SetPassword(c.cfg.Password).
		SetConnectTimeout(c.cfg.ConnectTimeout).
		SetAutoReconnect(false).
		SetCleanSession(true).
		SetOrderMatters(true)

	client := mqtt.NewClient(opts)
	token := client.Connect()
	if !token.WaitTimeout(c.cfg.ConnectTimeout) {
		return &broker.Error{
			Op:             "connect",
			CompletionCode: broker.CompletionFailed,
			ReasonCode:     broker.ReasonHostNotAvailable,
			Err:            errors.New("connect timed out"),
		}
	}
	if err := token.Error(); err != nil {
		reason := broker.ReasonHostNotAvailable
		if errors.Is(err, packets.ErrorRefusedBadUsernameOrPassword) ||
			errors.Is(err, packets.ErrorRefusedNotAuthorised) {
			reason = broker.ReasonNotAuthorized
		}
		return &broker.Error{
			Op:             "connect",
			CompletionCode: broker.CompletionFailed,
			ReasonCode:     reason,
			Err:            err,
		}
	}

	c.client = client
	return nil
}

// Send publishes a message to a destination and returns a receipt id.
func (c *Connection) Send(ctx context.Context, msg *broker.Message, destination string) (string, error) {
	if c.client == nil || !c.client.IsConnected() {
		return "", &broker.Error{
			Op:             "send",
			CompletionCode: broker.CompletionFailed,
			ReasonCode:     broker.ReasonConnectionBroken,
			Err:            errors.New("not connected"),
		}
	}

	token := c.client.Publish(destination, c.cfg.QoS, false, msg.Payload)
	if !token.WaitTimeout(c.cfg.SendTimeout) {
		return "", &broker.Error{
			Op:             "send",
			CompletionCode: broker.CompletionFailed,
			ReasonCode:     broker.ReasonPutFailed,
			Err:            errors.New("publish timed out"),
		}
	}
	if err := token.Error(); err != nil {
		return "", &broker.Error{
			Op:             "send",
			CompletionCode: broker.CompletionFailed,
			ReasonCode:     broker.ReasonPutFailed,
			Err:            err,
		}
	}
	return uuid.NewString(), nil
}

// Receive waits up to timeout for a message on a destination. The first call
// for a destination subscribes to it; the Paho router then feeds the inbox
// channel that subsequent calls drain.
func (c *Connection) Receive(ctx context.Context, destination string, timeout time.Duration) (*broker.Message, error) {
	inbox, err := c.inboxFor(destination)
	if err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case msg := <-inbox:
		return msg, nil
	case <-timer.C:
		return nil, broker.ErrNoMessage
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Connection) inboxFor(destination string) (chan *broker.Message, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if inbox, ok := c.inboxes[destination]; ok {
		return inbox, nil
	}

	if c.client == nil || !c.client.IsConnected() {
		return nil, &broker.Error{
			Op:             "receive",
			CompletionCode: broker.CompletionFailed,
			ReasonCode:     broker.ReasonConnectionBroken,
			Err:            errors.New("not connected"),
		}
	}

	inbox := make(chan *broker.Message, c.cfg.InboxSize)
	token := c.client.Subscribe(destination, c.cfg.QoS, func(_ mqtt.Client, m mqtt.Message) {
		// Blocking here applies backpressure to the Paho router once
		// the inbox fills up.
		inbox <- &broker.Message{
			MessageID: uuid.NewString(),
			Priority:  int(m.Qos()),
			Payload:   m.Payload(),
		}
	})
	if !token.WaitTimeout(c.cfg.ConnectTimeout) {
		return nil, &broker.Error{
			Op:             "subscribe",
			CompletionCode: broker.CompletionFailed,
			ReasonCode:     broker.ReasonConnectionBroken,
			Err:            errors.New("subscribe timed out"),
		}
	}
	if err := token.Error(); err != nil {
		return nil, &broker.Error{
			Op:             "subscribe",
			CompletionCode: broker.CompletionFailed,
			ReasonCode:     broker.ReasonConnectionBroken,
			Err:            err,
		}
	}

	c.inboxes[destination] = inbox
	return inbox, nil
}

// Info returns a human-readable description of the link.
func (c *Connection) Info() string {
	return fmt.Sprintf("broker tcp://%s:%d, client %s", c.cfg.Host, c.cfg.Port, c.cfg.ClientID)
}

// Close disconnects from the broker.
func (c *Connection) Close() error {
	if c.client != nil && c.client.IsConnected() {
		c.client.Disconnect(250)
	}
	return nil
}
