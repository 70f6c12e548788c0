package repository

import "context"

// TopicInvalidate carries cache invalidation key lists.
const TopicInvalidate = "cache.invalidate"

// MessageBus delivers messages to other processes. key names the entity a
// message belongs to (the event id); transports that partition use it to keep
// related messages together, others ignore it.
type MessageBus interface {
	Publish(ctx context.Context, topic, key string, data []byte) error
}

// InvalidationMessage is the wire format on TopicInvalidate.
type InvalidationMessage struct {
	EventID string   `json:"event_id"`
	Keys    []string `json:"keys"`
}

// NopBus drops every message. Used when no bus provider is configured.
type NopBus struct{}

func (NopBus) Publish(context.Context, string, string, []byte) error { return nil }
