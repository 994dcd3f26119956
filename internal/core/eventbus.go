// Package core provides the in-process messaging backbone. Movement
// lifecycle events travel over an embedded NATS server from the control
// plane to the HTTP fan-outs.
package core

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

// EventBus provides pub/sub messaging using an embedded NATS server.
type EventBus struct {
	server *server.Server
	conn   *nats.Conn
	logger *slog.Logger

	subsMu sync.Mutex
	subs   map[string][]*nats.Subscription
}

// NewEventBus starts an embedded NATS server on a random loopback port
// and connects to it.
func NewEventBus(logger *slog.Logger) (*EventBus, error) {
	opts := &server.Options{
		Host:   "127.0.0.1",
		Port:   server.RANDOM_PORT,
		NoSigs: true,
		NoLog:  true,
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create NATS server: %w", err)
	}

	go ns.Start()

	if !ns.ReadyForConnections(2 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("NATS server not ready after 2 seconds")
	}

	nc, err := nats.Connect(ns.ClientURL())
	if err != nil {
		ns.Shutdown()
		return nil, fmt.Errorf("failed to connect to embedded NATS: %w", err)
	}

	eb := &EventBus{
		server: ns,
		conn:   nc,
		logger: logger.With("component", "eventbus"),
		subs:   make(map[string][]*nats.Subscription),
	}

	eb.logger.Info("Event bus started", "url", ns.ClientURL())

	return eb, nil
}

// Publish marshals data to JSON and publishes it to a subject.
func (eb *EventBus) Publish(subject string, data interface{}) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal data: %w", err)
	}
	return eb.conn.Publish(subject, payload)
}

// Subscribe registers a handler for a subject. The handler receives
// the raw JSON payload; delivery order follows publish order per
// subject.
func (eb *EventBus) Subscribe(subject string, handler func(data []byte)) error {
	sub, err := eb.conn.Subscribe(subject, func(msg *nats.Msg) {
		handler(msg.Data)
	})
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}

	eb.subsMu.Lock()
	eb.subs[subject] = append(eb.subs[subject], sub)
	eb.subsMu.Unlock()

	return nil
}

// Unsubscribe removes all subscriptions for a subject.
func (eb *EventBus) Unsubscribe(subject string) error {
	eb.subsMu.Lock()
	defer eb.subsMu.Unlock()

	var firstErr error
	for _, sub := range eb.subs[subject] {
		if err := sub.Unsubscribe(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	delete(eb.subs, subject)
	return firstErr
}

// HealthCheck verifies the connection is live.
func (eb *EventBus) HealthCheck(ctx context.Context) error {
	if !eb.conn.IsConnected() {
		return fmt.Errorf("NATS connection not active")
	}
	return nil
}

// Stop drains the connection and shuts the server down.
func (eb *EventBus) Stop() {
	_ = eb.conn.Drain()
	eb.server.Shutdown()
	eb.logger.Info("Event bus stopped")
}
