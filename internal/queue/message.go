package queue

import (
	"fmt"
	"strings"
	"time"
)

const maxAnnouncementText = 2000

// EventMessage is the broker payload for one exported inbound chat event.
type EventMessage struct {
	EventID       string    `json:"eventId,omitempty"`
	CorrelationID string    `json:"correlationId,omitempty"`
	Type          string    `json:"type"`
	Channel       string    `json:"channel,omitempty"`
	User          string    `json:"user,omitempty"`
	Text          string    `json:"text,omitempty"`
	ReceivedAt    time.Time `json:"receivedAt"`
}

func (m EventMessage) Validate() error {
	if strings.TrimSpace(m.Type) == "" {
		return fmt.Errorf("type is required")
	}
	if m.ReceivedAt.IsZero() {
		return fmt.Errorf("receivedAt is required")
	}
	return nil
}

// Announcement is a message an external system asks the bot to post.
type Announcement struct {
	ID      string `json:"id,omitempty"`
	Channel string `json:"channel"`
	Text    string `json:"text"`
}

func (a Announcement) Validate() error {
	if strings.TrimSpace(a.Channel) == "" {
		return fmt.Errorf("channel is required")
	}
	if strings.TrimSpace(a.Text) == "" {
		return fmt.Errorf("text is required")
	}
	if n := len([]rune(a.Text)); n > maxAnnouncementText {
		return fmt.Errorf("text exceeds %d characters (got %d)", maxAnnouncementText, n)
	}
	return nil
}
