// Copyright (c) 2025 Open Swarm Contributors
//
// This software is released under the MIT License.
// See LICENSE file in the repository for details.

// Package eventbus implements best-effort publish/subscribe fan-out
// of task and attempt events over NATS core subjects. Two topic
// families are used: project:{project_id} and attempt:{attempt_id}.
// Delivery is non-persistent and non-replayed; events for a subscriber
// that falls behind are dropped without affecting the rest, and the
// subscription itself stays open.
package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

// EventKind discriminates the payload carried by an Envelope.
type EventKind string

const (
	KindTaskUpdate   EventKind = "task_update"
	KindAttemptEvent EventKind = "attempt_event"
	KindChatMessage  EventKind = "chat_message"
)

// Envelope is the typed message delivered to every subscriber of a
// topic.
type Envelope struct {
	Topic   string          `json:"topic"`
	Kind    EventKind       `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// ProjectTopic returns the topic name for a project's broadcast group.
func ProjectTopic(projectID string) string { return fmt.Sprintf("project:%s", projectID) }

// AttemptTopic returns the topic name for one attempt's event stream.
func AttemptTopic(attemptID string) string { return fmt.Sprintf("attempt:%s", attemptID) }

// Authorizer binds a principal to a topic subscription request. The
// HTTP/WS layer authenticates the connection and supplies the
// resulting principal; Subscribe calls back into this seam before
// honoring the subscription (e.g. "does principal own project X").
// Callers inject their own implementation.
type Authorizer func(ctx context.Context, principal, topic string) error

// Bus is a NATS-core-backed event fan-out. It owns either an embedded
// nats-server (single-process deployments) or a connection to an
// external one.
type Bus struct {
	conn     *nats.Conn
	embedded *server.Server
	logger   *slog.Logger
	authz    Authorizer

	subBuffer int
}

// Option configures a Bus at construction time.
type Option func(*Bus)

// WithLogger overrides the default logger (slog.Default()).
func WithLogger(l *slog.Logger) Option {
	return func(b *Bus) { b.logger = l }
}

// WithAuthorizer installs the subscription authorization callback.
func WithAuthorizer(a Authorizer) Option {
	return func(b *Bus) { b.authz = a }
}

// WithSubscriberBuffer overrides the per-subscriber channel depth
// (default 64). A slow subscriber's channel filling up causes further
// deliveries to that subscriber to be dropped, never the publisher to
// block.
func WithSubscriberBuffer(n int) Option {
	return func(b *Bus) { b.subBuffer = n }
}

// Connect dials an external NATS server at url.
func Connect(url string, opts ...Option) (*Bus, error) {
	conn, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return newBus(conn, nil, opts...), nil
}

// ConnectEmbedded starts an in-process NATS server with JetStream
// enabled (so the Attempt Store can share the connection, see Conn)
// and connects to it. Use this for single-process deployments that do
// not want an external broker.
func ConnectEmbedded(opts ...Option) (*Bus, error) {
	ns, err := server.NewServer(&server.Options{
		Port:      -1,
		NoLog:     true,
		NoSigs:    true,
		JetStream: true,
	})
	if err != nil {
		return nil, fmt.Errorf("create embedded NATS server: %w", err)
	}

	go ns.Start()
	if !ns.ReadyForConnections(5 * time.Second) {
		ns.Shutdown()
		return nil, fmt.Errorf("embedded NATS server failed to start")
	}

	conn, err := nats.Connect(ns.ClientURL())
	if err != nil {
		ns.Shutdown()
		return nil, fmt.Errorf("connect to embedded NATS: %w", err)
	}

	return newBus(conn, ns, opts...), nil
}

func newBus(conn *nats.Conn, embedded *server.Server, opts ...Option) *Bus {
	b := &Bus{
		conn:      conn,
		embedded:  embedded,
		logger:    slog.Default(),
		subBuffer: 64,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Conn exposes the underlying NATS connection so callers can layer
// JetStream (the Attempt Store) onto the same connection the Bus uses
// for core pub/sub.
func (b *Bus) Conn() *nats.Conn { return b.conn }

// Close drains and closes the NATS connection and, if this Bus owns
// an embedded server, shuts it down.
func (b *Bus) Close() {
	if b.conn != nil {
		_ = b.conn.Drain()
		b.conn.Close()
	}
	if b.embedded != nil {
		b.embedded.Shutdown()
		b.embedded.WaitForShutdown()
	}
}

// Publish fans out an envelope to every current subscriber of its
// topic. Publish itself never blocks on subscriber I/O: it only
// suspends for NATS's own publish-queue admission.
func (b *Bus) Publish(kind EventKind, topic string, payload interface{}) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event payload: %w", err)
	}
	env := Envelope{Topic: topic, Kind: kind, Payload: raw}
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}
	return b.conn.Publish(topic, data)
}

// PublishTaskUpdate is a convenience wrapper for the most common
// publish call the Coordinator and Runner make.
func (b *Bus) PublishTaskUpdate(projectID string, payload interface{}) error {
	return b.Publish(KindTaskUpdate, ProjectTopic(projectID), payload)
}

// PublishAttemptEvent is a convenience wrapper used by the Runner to
// stream log/status/progress/error events for one attempt.
func (b *Bus) PublishAttemptEvent(attemptID string, payload interface{}) error {
	return b.Publish(KindAttemptEvent, AttemptTopic(attemptID), payload)
}

// Subscription is a live subscriber handle. Envelopes arrive on C;
// callers must drain it or call Unsubscribe to release resources. If
// the channel fills up (a slow consumer), further envelopes for this
// subscriber are dropped; other subscribers are unaffected.
type Subscription struct {
	C chan Envelope

	natsSub *nats.Subscription
	logger  *slog.Logger
	topic   string
}

// Unsubscribe tears down the underlying NATS subscription. C is left
// open (a delivery may still be in flight when this returns); it is
// simply never sent to again. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	if s.natsSub != nil {
		_ = s.natsSub.Unsubscribe()
	}
}

// Subscribe authenticates principal against topic (if an Authorizer
// was configured) and, on success, returns a Subscription delivering
// every Envelope published to topic from this point forward.
func (b *Bus) Subscribe(ctx context.Context, topic, principal string) (*Subscription, error) {
	if b.authz != nil {
		if err := b.authz(ctx, principal, topic); err != nil {
			return nil, fmt.Errorf("subscribe to %s: %w", topic, err)
		}
	}

	sub := &Subscription{
		C:      make(chan Envelope, b.subBuffer),
		logger: b.logger,
		topic:  topic,
	}

	natsSub, err := b.conn.Subscribe(topic, func(msg *nats.Msg) {
		var env Envelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			sub.logger.Warn("eventbus: dropping malformed envelope", "topic", topic, "error", err)
			return
		}
		select {
		case sub.C <- env:
		default:
			sub.logger.Warn("eventbus: subscriber buffer full, dropping event", "topic", topic)
		}
	})
	if err != nil {
		close(sub.C)
		return nil, fmt.Errorf("nats subscribe to %s: %w", topic, err)
	}
	sub.natsSub = natsSub

	return sub, nil
}
