// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/absmach/mqgate/broker"
	brokermqtt "github.com/absmach/mqgate/broker/mqtt"
	"github.com/absmach/mqgate/config"
	"github.com/absmach/mqgate/container"
	"github.com/absmach/mqgate/queue"
	apihttp "github.com/absmach/mqgate/server/http"
	"github.com/absmach/mqgate/storage"
	badgerstore "github.com/absmach/mqgate/storage/badger"
	memorystore "github.com/absmach/mqgate/storage/memory"
	postgresstore "github.com/absmach/mqgate/storage/postgres"
)

func main() {
	configFile := flag.String("config", "", "Path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	logLevel := slog.LevelInfo
	switch cfg.Log.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Log.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)

	slog.Info("Starting message gateway",
		"api_listener", cfg.Server.Addr,
		"storage_type", cfg.Storage.Type,
		"log_level", cfg.Log.Level)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var store storage.MessageStore
	switch cfg.Storage.Type {
	case "memory":
		store = memorystore.New(memorystore.Config{LeaseTimeout: cfg.Storage.LeaseTimeout})
		slog.Info("Using in-memory storage")
	case "badger":
		badgerStore, err := badgerstore.New(badgerstore.Config{
			Dir:          cfg.Storage.BadgerDir,
			SyncWrites:   cfg.Storage.SyncWrites,
			LeaseTimeout: cfg.Storage.LeaseTimeout,
		})
		if err != nil {
			slog.Error("Failed to initialize BadgerDB storage", "error", err)
			os.Exit(1)
		}
		store = badgerStore
		slog.Info("Using BadgerDB persistent storage", "dir", cfg.Storage.BadgerDir)
	case "postgres":
		pgStore, err := postgresstore.New(ctx, postgresstore.Config{DSN: cfg.Storage.PostgresDSN})
		if err != nil {
			slog.Error("Failed to initialize PostgreSQL storage", "error", err)
			os.Exit(1)
		}
		store = pgStore
		slog.Info("Using PostgreSQL persistent storage")
	default:
		slog.Error("Unknown storage type", "type", cfg.Storage.Type)
		os.Exit(1)
	}
	defer store.Close()

	dial := func(def container.ConnectionDefinition) broker.Connection {
		return brokermqtt.New(brokermqtt.Config{
			Host:     def.Host,
			Port:     def.Port,
			ClientID: def.QueueManager,
			Username: def.Username,
			Password: def.Password,
		})
	}

	c := container.New(store, dial, container.Config{
		ReceiveTimeout:      cfg.Container.ReceiveTimeout,
		DispatcherWorkers:   cfg.Container.DispatcherWorkers,
		DispatcherQueueSize: cfg.Container.DispatcherQueueSize,
	}, logger)
	defer c.Close()

	// Provision startup state. The broker may legitimately be down at boot,
	// so connection failures are logged, not fatal; the retry command brings
	// definitions up later.
	for _, sub := range cfg.Subscriptions {
		if err := store.Subscribe(ctx, sub.SubKey, sub.Topic); err != nil {
			slog.Error("Failed to provision subscription",
				"sub_key", sub.SubKey, "topic", sub.Topic, "error", err)
			os.Exit(1)
		}
	}
	for _, conn := range cfg.Connections {
		err := c.AddConnection(ctx, container.ConnectionDefinition{
			Name:         conn.Name,
			Host:         conn.Host,
			Port:         conn.Port,
			Username:     conn.Username,
			Password:     conn.Password,
			QueueManager: conn.QueueManager,
			Channel:      conn.Channel,
		})
		if err != nil {
			slog.Error("Failed to provision connection", "name", conn.Name, "error", err)
		}
	}
	for _, ch := range cfg.Channels {
		err := c.AddChannel(container.ChannelConfig{
			Name:           ch.Name,
			ConnectionName: ch.ConnectionName,
			Destination:    ch.Destination,
			Topic:          ch.Topic,
			Direction:      ch.Direction,
		})
		if err != nil {
			slog.Error("Failed to provision channel", "name", ch.Name, "error", err)
		}
	}

	q := queue.New(store, logger)

	apiServer := apihttp.New(apihttp.Config{
		Address:         cfg.Server.Addr,
		ShutdownTimeout: cfg.Server.ShutdownTimeout,
		Username:        cfg.Server.Auth.Username,
		Password:        cfg.Server.Auth.Password,
		Token:           cfg.Server.Auth.Token,
	}, c, q, logger)

	var wg sync.WaitGroup
	serverErr := make(chan error, 1)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := apiServer.Listen(ctx); err != nil {
			serverErr <- err
		}
	}()

	slog.Info("Message gateway started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		slog.Info("Received shutdown signal", "signal", sig)
	case err := <-serverErr:
		slog.Error("Server error", "error", err)
	}

	cancel()
	wg.Wait()

	if err := c.Close(); err != nil {
		slog.Error("Error closing container", "error", err)
	}

	slog.Info("Message gateway stopped")
}
