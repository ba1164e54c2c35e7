package plugin

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/kursadbilgin/dispatch-bot/internal/domain"
)

// Error classifies plugin failures that come from an upstream service.
type Error struct {
	StatusCode int
	Message    string
	Transient  bool
	Cause      error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}

	parts := make([]string, 0, 4)
	parts = append(parts, "plugin error")

	if e.StatusCode > 0 {
		parts = append(parts, fmt.Sprintf("status=%d", e.StatusCode))
	}
	if msg := strings.TrimSpace(e.Message); msg != "" {
		parts = append(parts, msg)
	}
	if e.Cause != nil {
		parts = append(parts, e.Cause.Error())
	}

	return strings.Join(parts, ": ")
}

func (e *Error) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Cause
}

// IsTransient reports whether trying the command again later may succeed.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var pluginErr *Error
	if errors.As(err, &pluginErr) {
		return pluginErr.Transient
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}

	return false
}

// UsageError reports bad command input. Its message is shown to the user as is.
func UsageError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", domain.ErrValidation, fmt.Sprintf(format, args...))
}

// UserMessage renders err for a chat reply without leaking internals.
func UserMessage(err error) string {
	if err == nil {
		return ""
	}

	if errors.Is(err, domain.ErrValidation) {
		return strings.TrimPrefix(err.Error(), domain.ErrValidation.Error()+": ")
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return "timed out, try again later"
	}

	var pluginErr *Error
	if errors.As(err, &pluginErr) && strings.TrimSpace(pluginErr.Message) != "" {
		if pluginErr.Transient {
			return pluginErr.Message + ", try again later"
		}
		return pluginErr.Message
	}

	if IsTransient(err) {
		return "temporarily unavailable, try again later"
	}
	return "something went wrong"
}
