// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package container owns the gateway's live links to the external broker:
// which connections exist, which destinations have listeners, and how
// received messages are forwarded into the internal message store.
package container

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/absmach/mqgate/broker"
	"github.com/absmach/mqgate/storage"
	"github.com/sony/gobreaker"
)

// Connection lifecycle states.
type State string

const (
	StateUnconnected State = "unconnected"
	StateConnected   State = "connected"
	StateFailed      State = "failed"
)

// Channel directions.
const (
	DirectionInbound  = "inbound"
	DirectionOutbound = "outbound"
)

// ConnectionDefinition identifies one link to the external broker and its
// connection parameters.
type ConnectionDefinition struct {
	Name         string
	Host         string
	Port         int
	Username     string
	Password     string
	QueueManager string
	Channel      string
}

// ChannelConfig binds a connection definition to a destination. An inbound
// channel owns exactly one listener; an outbound channel is a named send
// target. Topic is the internal topic received messages are published to and
// defaults to the destination name.
type ChannelConfig struct {
	Name           string
	ConnectionName string
	Destination    string
	Topic          string
	Direction      string
}

// Dialer constructs an unconnected broker link from a definition.
type Dialer func(def ConnectionDefinition) broker.Connection

// Config holds container settings.
type Config struct {
	ReceiveTimeout      time.Duration
	DispatcherWorkers   int
	DispatcherQueueSize int
}

type connEntry struct {
	def   ConnectionDefinition
	conn  broker.Connection
	state State
}

type boundChannel struct {
	cfg        ChannelConfig
	task       *ListenerTask
	dispatcher *Dispatcher
}

// ConnectionStatus describes one registered definition.
type ConnectionStatus struct {
	Name  string `json:"name"`
	State State  `json:"state"`
	Info  string `json:"info"`
}

// ChannelStatus describes one registered channel.
type ChannelStatus struct {
	Name           string `json:"name"`
	ConnectionName string `json:"connection_name"`
	Destination    string `json:"destination"`
	Topic          string `json:"topic"`
	Direction      string `json:"direction"`
}

// Status is a point-in-time snapshot of the registry.
type Status struct {
	Connections []ConnectionStatus `json:"connections"`
	Channels    []ChannelStatus    `json:"channels"`
}

// Container is the single authority over which broker connections and
// listeners are alive. All registry access, read or write, serializes
// through one lock: mutations are provisioning-rate, so coarse locking does
// not touch the receive/dispatch hot path.
type Container struct {
	mu       sync.Mutex
	conns    map[string]*connEntry
	channels map[string]*boundChannel
	closed   bool

	store   storage.MessageStore
	dial    Dialer
	breaker *gobreaker.CircuitBreaker
	cfg     Config
	logger  *slog.Logger
}

// New creates a container that forwards received messages into store,
// creating broker links through dial.
func New(store storage.MessageStore, dial Dialer, cfg Config, logger *slog.Logger) *Container {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ReceiveTimeout <= 0 {
		cfg.ReceiveTimeout = time.Second
	}
	if cfg.DispatcherWorkers <= 0 {
		cfg.DispatcherWorkers = 5
	}
	if cfg.DispatcherQueueSize <= 0 {
		cfg.DispatcherQueueSize = 100
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "store-forward",
		MaxRequests: 1,
		Timeout:     5 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("forward_breaker_state_changed",
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})

	return &Container{
		conns:    make(map[string]*connEntry),
		channels: make(map[string]*boundChannel),
		store:    store,
		dial:     dial,
		breaker:  breaker,
		cfg:      cfg,
		logger:   logger,
	}
}

// AddConnection registers a definition and connects it. Either the link is
// fully registered after a successful connect, or nothing is registered at
// all. Connecting happens under the registry lock: control commands are
// serialized by design, and the dial is bounded by its own timeout.
func (c *Container) AddConnection(ctx context.Context, def ConnectionDefinition) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if _, ok := c.conns[def.Name]; ok {
		return fmt.Errorf("connection %q: %w", def.Name, ErrDuplicateName)
	}

	conn := c.dial(def)
	if err := conn.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect %q: %w", def.Name, err)
	}

	c.conns[def.Name] = &connEntry{def: def, conn: conn, state: StateConnected}
	c.logger.Info("connection_added",
		slog.String("name", def.Name),
		slog.String("info", conn.Info()))
	return nil
}

// EditConnection replaces a definition's parameters and re-dials it. The
// edit is rejected while channels are bound to the definition; on connect
// failure the previous link is kept untouched.
func (c *Container) EditConnection(ctx context.Context, name string, def ConnectionDefinition) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	entry, ok := c.conns[name]
	if !ok {
		return fmt.Errorf("connection %q: %w", name, ErrNotFound)
	}
	if c.boundToLocked(name) {
		return fmt.Errorf("connection %q: %w", name, ErrInUse)
	}

	def.Name = name
	conn := c.dial(def)
	if err := conn.Connect(ctx); err != nil {
		return fmt.Errorf("failed to connect %q: %w", name, err)
	}

	_ = entry.conn.Close()
	c.conns[name] = &connEntry{def: def, conn: conn, state: StateConnected}
	c.logger.Info("connection_edited", slog.String("name", name))
	return nil
}

// DeleteConnection removes a definition and closes its link. Deletion is
// rejected while any channel is bound to the definition, so a channel can
// never reference a deleted connection.
func (c *Container) DeleteConnection(name string) error {
	c.mu.Lock()
	entry, ok := c.conns[name]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("connection %q: %w", name, ErrNotFound)
	}
	if c.boundToLocked(name) {
		c.mu.Unlock()
		return fmt.Errorf("connection %q: %w", name, ErrInUse)
	}
	delete(c.conns, name)
	c.mu.Unlock()

	_ = entry.conn.Close()
	c.logger.Info("connection_deleted", slog.String("name", name))
	return nil
}

// RetryConnection re-dials a failed definition. It is the reconnect hook for
// supervisory logic; the container itself never reconnects on its own.
func (c *Container) RetryConnection(ctx context.Context, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	entry, ok := c.conns[name]
	if !ok {
		return fmt.Errorf("connection %q: %w", name, ErrNotFound)
	}
	if entry.state == StateConnected {
		return nil
	}

	_ = entry.conn.Close()
	conn := c.dial(entry.def)
	if err := conn.Connect(ctx); err != nil {
		entry.conn = conn
		entry.state = StateFailed
		return fmt.Errorf("failed to reconnect %q: %w", name, err)
	}

	entry.conn = conn
	entry.state = StateConnected
	c.logger.Info("connection_reconnected", slog.String("name", name))
	return nil
}

// AddChannel binds a connection to a destination. An inbound channel starts
// a listener; at most one listener may exist per (connection, destination)
// pair.
func (c *Container) AddChannel(cfg ChannelConfig) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if _, ok := c.channels[cfg.Name]; ok {
		return fmt.Errorf("channel %q: %w", cfg.Name, ErrDuplicateName)
	}
	entry, ok := c.conns[cfg.ConnectionName]
	if !ok {
		return fmt.Errorf("connection %q: %w", cfg.ConnectionName, ErrNotFound)
	}
	if entry.state != StateConnected {
		return fmt.Errorf("connection %q: %w", cfg.ConnectionName, ErrNotConnected)
	}
	if cfg.Direction == "" {
		cfg.Direction = DirectionInbound
	}
	if cfg.Topic == "" {
		cfg.Topic = cfg.Destination
	}

	ch := &boundChannel{cfg: cfg}
	if cfg.Direction == DirectionInbound {
		for _, other := range c.channels {
			if other.task != nil &&
				other.cfg.ConnectionName == cfg.ConnectionName &&
				other.cfg.Destination == cfg.Destination {
				return fmt.Errorf("destination %q on %q: %w", cfg.Destination, cfg.ConnectionName, ErrDestinationBound)
			}
		}

		topic := cfg.Topic
		ch.dispatcher = NewDispatcher(c.cfg.DispatcherWorkers, c.cfg.DispatcherQueueSize,
			func(ctx context.Context, destination string, msg *broker.Message) error {
				return c.handleInbound(ctx, topic, destination, msg)
			}, c.logger)
		ch.task = NewListenerTask(cfg.Name, entry.conn, cfg.Destination, c.cfg.ReceiveTimeout,
			ch.dispatcher,
			func(err error) { c.markFailed(cfg.ConnectionName) },
			c.logger)
		ch.task.Start()
	}

	c.channels[cfg.Name] = ch
	c.logger.Info("channel_added",
		slog.String("name", cfg.Name),
		slog.String("connection", cfg.ConnectionName),
		slog.String("destination", cfg.Destination),
		slog.String("direction", cfg.Direction))
	return nil
}

// DeleteChannel stops a channel's listener and removes it. The stop waits
// for the receive loop to exit, bounded by the receive timeout.
func (c *Container) DeleteChannel(name string) error {
	c.mu.Lock()
	ch, ok := c.channels[name]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("channel %q: %w", name, ErrNotFound)
	}
	delete(c.channels, name)
	c.mu.Unlock()

	c.stopChannel(ch)
	c.logger.Info("channel_deleted", slog.String("name", name))
	return nil
}

// Send delivers a payload synchronously through a connection or an outbound
// channel; name resolves to a channel first, then to a connection. It does
// not go through a dispatcher and takes no lock around the underlying send.
func (c *Container) Send(ctx context.Context, name, destination string, msg *broker.Message) (string, error) {
	c.mu.Lock()
	connName := name
	if ch, ok := c.channels[name]; ok {
		connName = ch.cfg.ConnectionName
		if destination == "" {
			destination = ch.cfg.Destination
		}
	}
	entry, ok := c.conns[connName]
	if !ok {
		c.mu.Unlock()
		return "", fmt.Errorf("connection %q: %w", connName, ErrNotFound)
	}
	if entry.state != StateConnected {
		c.mu.Unlock()
		return "", fmt.Errorf("connection %q: %w", connName, ErrNotConnected)
	}
	conn := entry.conn
	c.mu.Unlock()

	receipt, err := conn.Send(ctx, msg, destination)
	if err != nil {
		c.markFailed(connName)
		return "", fmt.Errorf("failed to send to %q via %q: %w", destination, connName, err)
	}
	return receipt, nil
}

// Status returns a snapshot of the registry.
func (c *Container) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := Status{
		Connections: make([]ConnectionStatus, 0, len(c.conns)),
		Channels:    make([]ChannelStatus, 0, len(c.channels)),
	}
	for name, entry := range c.conns {
		st.Connections = append(st.Connections, ConnectionStatus{
			Name:  name,
			State: entry.state,
			Info:  entry.conn.Info(),
		})
	}
	for name, ch := range c.channels {
		st.Channels = append(st.Channels, ChannelStatus{
			Name:           name,
			ConnectionName: ch.cfg.ConnectionName,
			Destination:    ch.cfg.Destination,
			Topic:          ch.cfg.Topic,
			Direction:      ch.cfg.Direction,
		})
	}

	sort.Slice(st.Connections, func(i, j int) bool { return st.Connections[i].Name < st.Connections[j].Name })
	sort.Slice(st.Channels, func(i, j int) bool { return st.Channels[i].Name < st.Channels[j].Name })
	return st
}

// Close stops every listener and closes every connection. Listeners are
// stopped before connections so no receive loop observes a closed link as a
// fault.
func (c *Container) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	channels := make([]*boundChannel, 0, len(c.channels))
	for _, ch := range c.channels {
		channels = append(channels, ch)
	}
	conns := make([]*connEntry, 0, len(c.conns))
	for _, entry := range c.conns {
		conns = append(conns, entry)
	}
	c.channels = make(map[string]*boundChannel)
	c.conns = make(map[string]*connEntry)
	c.mu.Unlock()

	for _, ch := range channels {
		c.stopChannel(ch)
	}
	for _, entry := range conns {
		_ = entry.conn.Close()
	}

	c.logger.Info("container_closed")
	return nil
}

// handleInbound is the callback every listener's dispatcher invokes: it
// publishes the received message into the internal store. Forwarding goes
// through a circuit breaker so a broken store does not get hammered from
// every worker at once; failures surface to the dispatcher, which records
// the message id and destination.
func (c *Container) handleInbound(ctx context.Context, topic, destination string, msg *broker.Message) error {
	now := time.Now()
	stored := &storage.Message{
		ID:         msg.MessageID,
		TopicName:  topic,
		CorrelID:   msg.CorrelID,
		Priority:   msg.Priority,
		Data:       msg.Payload,
		Expiration: msg.Expiration,
		RecvTime:   now,
	}
	if msg.Expiration > 0 {
		stored.ExpirationTime = now.Add(time.Duration(msg.Expiration) * time.Millisecond)
	}

	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.store.Publish(ctx, stored)
	})
	if err != nil {
		return fmt.Errorf("failed to forward message %s from %q: %w", stored.ID, destination, err)
	}

	c.logger.Info("mq_message_received",
		slog.String("message_id", stored.ID),
		slog.String("destination", destination),
		slog.String("topic", topic),
		slog.Int("subscribers", result.(int)),
		slog.Int("size", len(msg.Payload)))
	return nil
}

func (c *Container) markFailed(name string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if entry, ok := c.conns[name]; ok {
		entry.state = StateFailed
	}
}

// boundToLocked reports whether any channel references the definition.
// Callers hold c.mu.
func (c *Container) boundToLocked(name string) bool {
	for _, ch := range c.channels {
		if ch.cfg.ConnectionName == name {
			return true
		}
	}
	return false
}

func (c *Container) stopChannel(ch *boundChannel) {
	if ch.task != nil {
		ch.task.Stop()
	}
	if ch.dispatcher != nil {
		ch.dispatcher.Stop()
	}
}
