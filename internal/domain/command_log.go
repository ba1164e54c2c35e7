package domain

import (
	"fmt"
	"strings"
	"time"
)

// Outcome is how a dispatched command ended.
type Outcome string

const (
	OutcomeOK        Outcome = "OK"
	OutcomeError     Outcome = "ERROR"
	OutcomeTimeout   Outcome = "TIMEOUT"
	OutcomeThrottled Outcome = "THROTTLED"
)

func (o Outcome) String() string { return string(o) }

func (o Outcome) IsValid() bool {
	switch o {
	case OutcomeOK, OutcomeError, OutcomeTimeout, OutcomeThrottled:
		return true
	}
	return false
}

func ParseOutcomeFromString(s string) (Outcome, error) {
	o := Outcome(strings.ToUpper(strings.TrimSpace(s)))
	if !o.IsValid() {
		return "", fmt.Errorf("%w: invalid outcome %q", ErrValidation, s)
	}
	return o, nil
}

const (
	MaxCommandLength = 32
	MaxChannelLength = 128
	MaxUserLength    = 128
)

// CommandLog is one handled chat command.
type CommandLog struct {
	ID            string
	CorrelationID string
	Channel       string
	User          string
	Command       string
	Outcome       Outcome
	DurationMs    int64
	CreatedAt     time.Time
}

func (c *CommandLog) Validate() error {
	if c.Command == "" {
		return fmt.Errorf("%w: command is required", ErrValidation)
	}
	if c.Channel == "" {
		return fmt.Errorf("%w: channel is required", ErrValidation)
	}
	if !c.Outcome.IsValid() {
		return fmt.Errorf("%w: invalid outcome %q", ErrValidation, c.Outcome)
	}
	if c.DurationMs < 0 {
		return fmt.Errorf("%w: duration must not be negative (got %d)", ErrValidation, c.DurationMs)
	}

	if n := len([]rune(c.Command)); n > MaxCommandLength {
		return fmt.Errorf("%w: command exceeds %d characters (got %d)", ErrValidation, MaxCommandLength, n)
	}
	if n := len([]rune(c.Channel)); n > MaxChannelLength {
		return fmt.Errorf("%w: channel exceeds %d characters (got %d)", ErrValidation, MaxChannelLength, n)
	}
	if n := len([]rune(c.User)); n > MaxUserLength {
		return fmt.Errorf("%w: user exceeds %d characters (got %d)", ErrValidation, MaxUserLength, n)
	}

	return nil
}

// CommandCount is the number of logged invocations of one command.
type CommandCount struct {
	Command string
	Count   int64
}
