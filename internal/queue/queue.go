package queue

import (
	"context"
	"fmt"
	"strings"
)

// Publisher exports inbound chat events to the broker.
type Publisher interface {
	Publish(ctx context.Context, msg EventMessage) error
	Close() error
}

// AnnouncementHandler handles a consumed announcement.
type AnnouncementHandler func(ctx context.Context, msg Announcement) error

// Consumer consumes announcements that the bot posts to chat.
type Consumer interface {
	Consume(ctx context.Context, queue string, handler AnnouncementHandler) error
	Close() error
}

const (
	// EventsExchange is the durable topic exchange inbound events are exported to.
	EventsExchange = "chat.events"
	// AnnouncementsQueue holds messages the bot should post.
	AnnouncementsQueue = "chat.announcements"

	routingKeyPrefix = "chat."
)

// RoutingKey returns the events routing key for an event type, e.g. chat.message.
func RoutingKey(eventType string) string {
	normalized := strings.ToLower(strings.TrimSpace(eventType))
	if normalized == "" {
		normalized = "unknown"
	}
	return routingKeyPrefix + normalized
}

// DLQName returns the dead-letter queue name for a queue, e.g. dlq.chat.announcements.
func DLQName(queue string) string {
	return fmt.Sprintf("dlq.%s", queue)
}
