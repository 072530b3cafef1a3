// Package broker defines the pub/sub fan-out substrate between server
// instances and a Redis-backed implementation of it. The broker is
// optional: if unavailable at startup the server runs in single-instance
// mode and local delivery still works.
package broker

import (
	"context"
	"encoding/json"
)

// MessageClass tags what kind of routing a broker message needs.
type MessageClass string

const (
	ClassPrivate      MessageClass = "private"
	ClassGroup        MessageClass = "group"
	ClassSystem       MessageClass = "system"
	ClassNotification MessageClass = "notification"
)

// Envelope is the structured value published on the broker and parsed
// back into a push-channel frame shape on receipt.
type Envelope struct {
	Class     MessageClass `json:"class"`
	Target    string       `json:"target"` // recipient user id, group id, or empty for system/notification
	ChatType  string       `json:"chat_type"`
	FromUser  string       `json:"from_user"`
	ToUser    string       `json:"to_user,omitempty"`
	GroupId   string       `json:"group_id,omitempty"`
	Content   string       `json:"content"`
	Timestamp int64        `json:"timestamp"`
	// Origin identifies the publishing instance. A consumer that
	// subscribes to the same channels it publishes on (Redis PSUBSCRIBE
	// receives its own PUBLISHes) uses this to drop envelopes it
	// originated itself, so a recipient already reached by direct local
	// delivery isn't delivered to twice.
	Origin string `json:"origin,omitempty"`
}

// Handler is the contract a pluggable broker backend implements: init
// against a connection string, a readiness probe, a channel to publish
// on, and an inbound stream of envelopes received from other instances.
// Shaped after a register-then-push lifecycle so the server's App can
// treat a missing or down broker as a no-op rather than a startup failure.
type Handler interface {
	// Init connects to the broker backend. url is backend-specific
	// (e.g. a Redis connection string).
	Init(ctx context.Context, url string) error
	// IsReady reports whether Init succeeded and the connection is
	// believed live.
	IsReady() bool
	// Publish sends env on the channel implied by its Class and Target.
	Publish(ctx context.Context, env Envelope) error
	// Subscribe begins consuming the fixed set of channel patterns for
	// private, group, system, and notification classes; received
	// envelopes are delivered on the returned channel until ctx is
	// cancelled or Stop is called.
	Subscribe(ctx context.Context) (<-chan Envelope, error)
	// Stop releases the connection.
	Stop() error
}

// channelName computes the pub/sub channel an Envelope is published on.
func channelName(env Envelope) string {
	switch env.Class {
	case ClassPrivate:
		return "private:" + env.Target
	case ClassGroup:
		return "group:" + env.Target
	case ClassNotification:
		return "notifications"
	default:
		return "system"
	}
}

// marshal/unmarshal are shared by every backend implementation so the
// wire format stays identical across them.
func marshal(env Envelope) ([]byte, error) { return json.Marshal(env) }
func unmarshal(data []byte) (Envelope, error) {
	var env Envelope
	err := json.Unmarshal(data, &env)
	return env, err
}
