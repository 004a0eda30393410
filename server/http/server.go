// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package http exposes the gateway's control plane and delivery API. Every
// request is authenticated against a shared secret before it reaches a
// handler, and a recovery middleware turns any panic into a 500 so one bad
// request never stops the server.
package http

import (
	"context"
	"crypto/subtle"
	"crypto/tls"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/absmach/mqgate/broker"
	"github.com/absmach/mqgate/container"
	"github.com/absmach/mqgate/queue"
	"github.com/absmach/mqgate/storage"
)

// Control command actions. The command set is a closed enum dispatched with
// an explicit switch; unknown actions are rejected up front.
const (
	ActionConnectionCreate = "connection.create"
	ActionConnectionEdit   = "connection.edit"
	ActionConnectionDelete = "connection.delete"
	ActionConnectionRetry  = "connection.retry"
	ActionChannelCreate    = "channel.create"
	ActionChannelDelete    = "channel.delete"
	ActionMessageSend      = "message.send"
	ActionStatus           = "status"
)

// Config holds HTTP server settings.
type Config struct {
	Address         string
	ShutdownTimeout time.Duration
	TLSConfig       *tls.Config

	// Shared-secret credentials. Basic auth checks Username/Password;
	// bearer auth checks Token. At least one pair must be configured.
	Username string
	Password string
	Token    string
}

// Server serves the control and delivery APIs.
type Server struct {
	config    Config
	container *container.Container
	queue     *queue.DeliveryQueue
	logger    *slog.Logger
	server    *http.Server
}

// New creates the API server.
func New(cfg Config, c *container.Container, q *queue.DeliveryQueue, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	s := &Server{
		config:    cfg,
		container: c,
		queue:     q,
		logger:    logger,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	mux.HandleFunc("/api/command", s.handleCommand)
	mux.HandleFunc("/api/messages/get", s.handleGetMessages)
	mux.HandleFunc("/api/messages/ack", s.handleAcknowledge)
	mux.HandleFunc("/api/messages/subscribe", s.handleSubscribe)
	mux.HandleFunc("/api/messages/unsubscribe", s.handleUnsubscribe)

	s.server = &http.Server{
		Addr:      cfg.Address,
		Handler:   s.recoverMiddleware(s.authMiddleware(mux)),
		TLSConfig: cfg.TLSConfig,
	}

	return s
}

// Listen serves until ctx is canceled, then drains within the shutdown
// timeout.
func (s *Server) Listen(ctx context.Context) error {
	s.logger.Info("api_server_starting", slog.String("addr", s.config.Address))

	errCh := make(chan error, 1)
	go func() {
		if s.config.TLSConfig != nil {
			if err := s.server.ListenAndServeTLS("", ""); err != nil && err != http.ErrServerClosed {
				errCh <- err
			}
			return
		}
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		s.logger.Info("api_server_shutdown_initiated")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()

		if err := s.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("api_server_shutdown_error", slog.String("error", err.Error()))
			return err
		}

		s.logger.Info("api_server_stopped")
		return nil
	}
}

// Handler returns the server's HTTP handler, for tests.
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("request_panic",
					slog.String("path", r.URL.Path),
					slog.Any("panic", rec),
					slog.String("stack", string(debug.Stack())))
				writeJSON(w, http.StatusInternalServerError, response{Status: "error", Detail: "internal server error"})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		if !s.authenticated(r) {
			s.logger.Warn("auth_failed",
				slog.String("path", r.URL.Path),
				slog.String("remote", r.RemoteAddr))
			writeJSON(w, http.StatusForbidden, response{Status: "error", Detail: "you are not allowed to access this resource"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) authenticated(r *http.Request) bool {
	if s.config.Token != "" {
		auth := r.Header.Get("Authorization")
		if token, ok := strings.CutPrefix(auth, "Bearer "); ok {
			return subtle.ConstantTimeCompare([]byte(token), []byte(s.config.Token)) == 1
		}
	}

	if s.config.Username != "" {
		username, password, ok := r.BasicAuth()
		if !ok {
			return false
		}
		userOK := subtle.ConstantTimeCompare([]byte(username), []byte(s.config.Username)) == 1
		passOK := subtle.ConstantTimeCompare([]byte(password), []byte(s.config.Password)) == 1
		return userOK && passOK
	}

	return false
}

type response struct {
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// command is the structured control request. Which fields matter depends on
// the action.
type command struct {
	Action string `json:"action"`

	// Connection fields.
	Name         string `json:"name,omitempty"`
	Host         string `json:"host,omitempty"`
	Port         int    `json:"port,omitempty"`
	Username     string `json:"username,omitempty"`
	Password     string `json:"password,omitempty"`
	QueueManager string `json:"queue_manager,omitempty"`
	Channel      string `json:"channel,omitempty"`

	// Channel fields.
	ConnectionName string `json:"connection_name,omitempty"`
	Destination    string `json:"destination,omitempty"`
	Topic          string `json:"topic,omitempty"`
	Direction      string `json:"direction,omitempty"`

	// Send fields.
	Payload  []byte `json:"payload,omitempty"`
	CorrelID string `json:"correl_id,omitempty"`
	Priority int    `json:"priority,omitempty"`
}

func (s *Server) handleCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, response{Status: "error", Detail: "method not allowed"})
		return
	}

	var cmd command
	if err := json.NewDecoder(r.Body).Decode(&cmd); err != nil {
		writeJSON(w, http.StatusBadRequest, response{Status: "error", Detail: "invalid request body: " + err.Error()})
		return
	}

	switch cmd.Action {
	case ActionConnectionCreate:
		s.writeResult(w, s.container.AddConnection(r.Context(), definitionFrom(cmd)))

	case ActionConnectionEdit:
		s.writeResult(w, s.container.EditConnection(r.Context(), cmd.Name, definitionFrom(cmd)))

	case ActionConnectionDelete:
		s.writeResult(w, s.container.DeleteConnection(cmd.Name))

	case ActionConnectionRetry:
		s.writeResult(w, s.container.RetryConnection(r.Context(), cmd.Name))

	case ActionChannelCreate:
		s.writeResult(w, s.container.AddChannel(container.ChannelConfig{
			Name:           cmd.Name,
			ConnectionName: cmd.ConnectionName,
			Destination:    cmd.Destination,
			Topic:          cmd.Topic,
			Direction:      cmd.Direction,
		}))

	case ActionChannelDelete:
		s.writeResult(w, s.container.DeleteChannel(cmd.Name))

	case ActionMessageSend:
		receipt, err := s.container.Send(r.Context(), cmd.Name, cmd.Destination, &broker.Message{
			CorrelID: cmd.CorrelID,
			Priority: cmd.Priority,
			Payload:  cmd.Payload,
		})
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, struct {
			response
			Receipt string `json:"receipt"`
		}{response{Status: "ok"}, receipt})

	case ActionStatus:
		writeJSON(w, http.StatusOK, struct {
			response
			container.Status
		}{response{Status: "ok"}, s.container.Status()})

	default:
		writeJSON(w, http.StatusBadRequest, response{Status: "error", Detail: "unknown action: " + cmd.Action})
	}
}

func definitionFrom(cmd command) container.ConnectionDefinition {
	return container.ConnectionDefinition{
		Name:         cmd.Name,
		Host:         cmd.Host,
		Port:         cmd.Port,
		Username:     cmd.Username,
		Password:     cmd.Password,
		QueueManager: cmd.QueueManager,
		Channel:      cmd.Channel,
	}
}

type getMessagesRequest struct {
	SubKey    string `json:"sub_key"`
	BatchSize int    `json:"batch_size,omitempty"`
}

func (s *Server) handleGetMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, response{Status: "error", Detail: "method not allowed"})
		return
	}

	var req getMessagesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, response{Status: "error", Detail: "invalid request body: " + err.Error()})
		return
	}

	msgs, err := s.queue.GetMessages(r.Context(), req.SubKey, req.BatchSize)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if msgs == nil {
		msgs = []*storage.Message{}
	}

	writeJSON(w, http.StatusOK, struct {
		response
		Messages []*storage.Message `json:"messages"`
	}{response{Status: "ok"}, msgs})
}

type acknowledgeRequest struct {
	SubKey    string   `json:"sub_key"`
	MsgIDList []string `json:"msg_id_list"`
}

func (s *Server) handleAcknowledge(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, response{Status: "error", Detail: "method not allowed"})
		return
	}

	var req acknowledgeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, response{Status: "error", Detail: "invalid request body: " + err.Error()})
		return
	}

	s.writeResult(w, s.queue.AcknowledgeDelivery(r.Context(), req.SubKey, req.MsgIDList))
}

type subscriptionRequest struct {
	SubKey string `json:"sub_key"`
	Topic  string `json:"topic"`
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request) {
	s.handleSubscription(w, r, s.queue.Subscribe)
}

func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request) {
	s.handleSubscription(w, r, s.queue.Unsubscribe)
}

func (s *Server) handleSubscription(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, subKey, topic string) error) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, response{Status: "error", Detail: "method not allowed"})
		return
	}

	var req subscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, response{Status: "error", Detail: "invalid request body: " + err.Error()})
		return
	}
	if req.Topic == "" {
		writeJSON(w, http.StatusBadRequest, response{Status: "error", Detail: "topic is required"})
		return
	}

	s.writeResult(w, op(r.Context(), req.SubKey, req.Topic))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) writeResult(w http.ResponseWriter, err error) {
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, response{Status: "ok"})
}

// writeError maps registry and broker errors onto HTTP status classes:
// lookup failures are 404, registry conflicts are 409, broker faults are
// 502, anything unexpected is 500.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	var brokerErr *broker.Error

	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, container.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, container.ErrDuplicateName),
		errors.Is(err, container.ErrInUse),
		errors.Is(err, container.ErrDestinationBound),
		errors.Is(err, container.ErrNotConnected):
		status = http.StatusConflict
	case errors.Is(err, queue.ErrSubKeyRequired):
		status = http.StatusBadRequest
	case errors.As(err, &brokerErr):
		status = http.StatusBadGateway
	default:
		s.logger.Error("request_failed", slog.String("error", err.Error()))
	}

	writeJSON(w, status, response{Status: "error", Detail: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
