// Package protocol encodes chat events as JSON text frames.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/kursadbilgin/dispatch-bot/internal/domain"
	"github.com/kursadbilgin/dispatch-bot/internal/transport"
)

// Event types carried by the envelope. Other types are accepted and ignored by the bot.
const (
	TypeMessage = "message"
	TypeJoin    = "join"
	TypePart    = "part"
)

// Event is one frame on the chat connection.
type Event struct {
	Type    string `json:"type"`
	ID      string `json:"id,omitempty"`
	Channel string `json:"channel,omitempty"`
	User    string `json:"user,omitempty"`
	Text    string `json:"text,omitempty"`
}

// NewMessage builds an outbound chat line for channel.
func NewMessage(channel, text string) Event {
	return Event{Type: TypeMessage, Channel: channel, Text: text}
}

func (e Event) IsMessage() bool {
	return e.Type == TypeMessage
}

func Decode(msg transport.Message) (Event, error) {
	if msg.Type != transport.TextMessage {
		return Event{}, fmt.Errorf("%w: unsupported frame type %s", domain.ErrValidation, msg.Type)
	}

	var event Event
	if err := json.Unmarshal(msg.Data, &event); err != nil {
		return Event{}, fmt.Errorf("%w: invalid event json: %v", domain.ErrValidation, err)
	}

	event.Type = strings.ToLower(strings.TrimSpace(event.Type))
	if event.Type == "" {
		return Event{}, fmt.Errorf("%w: event type is required", domain.ErrValidation)
	}
	if event.IsMessage() && strings.TrimSpace(event.Channel) == "" {
		return Event{}, fmt.Errorf("%w: message channel is required", domain.ErrValidation)
	}

	return event, nil
}

func Encode(event Event) (transport.Message, error) {
	if strings.TrimSpace(event.Type) == "" {
		return transport.Message{}, fmt.Errorf("%w: event type is required", domain.ErrValidation)
	}

	data, err := json.Marshal(event)
	if err != nil {
		return transport.Message{}, fmt.Errorf("failed to marshal event: %w", err)
	}

	return transport.Message{Type: transport.TextMessage, Data: data}, nil
}
