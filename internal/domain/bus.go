package domain

import (
	"context"
)

// EventBus carries post-commit decision and alert signals out of the
// scoring core. Publish never waits for consumers: a slow or absent alert
// worker must not hold up a scoring call.
type EventBus interface {
	// Publish sends a message to a topic. It must not block on slow consumers.
	Publish(ctx context.Context, tenantID string, topic string, payload []byte) error

	// Subscribe registers a handler for a topic.
	Subscribe(ctx context.Context, tenantID string, topic string, handler MessageHandler) (Subscription, error)

	Ping(ctx context.Context) error
	Close() error
}

// MessageHandler processes one delivered message. ctx carries the trace
// context of the publisher.
type MessageHandler func(ctx context.Context, msg *Message) error

// Message is the envelope carried on the bus. Metadata holds the W3C trace
// context of the publishing request.
type Message struct {
	ID        string            `json:"id"`
	TenantID  string            `json:"tenantId"`
	Topic     string            `json:"topic"`
	Payload   []byte            `json:"payload"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	Timestamp int64             `json:"timestamp"`
}

// Subscription represents an active subscription.
type Subscription interface {
	Unsubscribe() error
	Topic() string
}

// EventBusConfig holds configuration for event bus initialization.
type EventBusConfig struct {
	// Type is the bus type: "channel" or "nats"
	Type string `mapstructure:"type"`

	// Channel settings
	ChannelBufferSize int `mapstructure:"channel_buffer_size"`

	// NATS settings
	NATSUrl           string `mapstructure:"nats_url"`
	NATSToken         string `mapstructure:"nats_token"`
	NATSMaxReconnects int    `mapstructure:"nats_max_reconnects"`
	NATSReconnectWait int    `mapstructure:"nats_reconnect_wait"` // seconds

	// NATSQueueGroup is shared by every instance; each signal reaches one of them
	NATSQueueGroup string `mapstructure:"nats_queue_group"`
}

// Topic names.
const (
	TopicDecision = "kestrel.decision"
	TopicAlert    = "kestrel.alert"
)
