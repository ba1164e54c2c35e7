// Package stream wraps a duplex transport with an outbound sliding-window rate limit.
package stream

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/kursadbilgin/dispatch-bot/internal/transport"
	"go.uber.org/zap"
)

// Limit caps outbound traffic to MaxMessages within any trailing TimeSlot.
type Limit struct {
	MaxMessages int
	TimeSlot    time.Duration
}

// State is the write-side state of a RateLimitedStream.
type State int32

const (
	StateIdle State = iota
	StateWaitingForCapacity
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateWaitingForCapacity:
		return "waiting_for_capacity"
	default:
		return "unknown"
	}
}

// Recorder receives write-side accounting events.
type Recorder interface {
	IncOutboundMessages()
	IncOutboundFlushes()
	IncThrottleWaits()
	ObserveThrottleWait(d time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) IncOutboundMessages()              {}
func (nopRecorder) IncOutboundFlushes()               {}
func (nopRecorder) IncThrottleWaits()                 {}
func (nopRecorder) ObserveThrottleWait(time.Duration) {}

// Option configures a RateLimitedStream.
type Option func(*RateLimitedStream)

func WithClock(clock Clock) Option {
	return func(s *RateLimitedStream) {
		if clock != nil {
			s.clock = clock
		}
	}
}

func WithLogger(logger *zap.Logger) Option {
	return func(s *RateLimitedStream) {
		if logger != nil {
			s.logger = logger
		}
	}
}

func WithRecorder(recorder Recorder) Option {
	return func(s *RateLimitedStream) {
		if recorder != nil {
			s.recorder = recorder
		}
	}
}

var _ transport.Transport = (*RateLimitedStream)(nil)

// RateLimitedStream forwards reads untouched and throttles writes.
//
// Ready, Send and Flush share window state and must be driven by a single goroutine.
// Recv, Close and State may be called concurrently with them.
type RateLimitedStream struct {
	inner    transport.Transport
	limit    *Limit
	clock    Clock
	logger   *zap.Logger
	recorder Recorder

	sent        []time.Time
	pending     Timer
	wakeAt      time.Time
	waitStarted time.Time
	state       atomic.Int32
}

// New wraps inner. A nil limit disables throttling. An invalid limit panics: it is a
// configuration error that must be caught before a connection is wrapped.
func New(inner transport.Transport, limit *Limit, opts ...Option) *RateLimitedStream {
	if inner == nil {
		panic("stream: inner transport is required")
	}

	s := &RateLimitedStream{
		inner:    inner,
		clock:    realClock{},
		logger:   zap.NewNop(),
		recorder: nopRecorder{},
	}

	if limit != nil {
		if limit.MaxMessages < 1 {
			panic(fmt.Sprintf("stream: max messages must be at least 1, got %d", limit.MaxMessages))
		}
		if limit.TimeSlot < 0 {
			panic(fmt.Sprintf("stream: time slot must not be negative, got %s", limit.TimeSlot))
		}
		copied := *limit
		s.limit = &copied
		s.sent = make([]time.Time, 0, limit.MaxMessages+1)
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// Recv is a pure pass-through.
func (s *RateLimitedStream) Recv(ctx context.Context) (transport.Message, error) {
	return s.inner.Recv(ctx)
}

// Ready blocks while the window is full, then defers to the inner transport.
//
// If ctx ends while waiting, the suspension timer is kept and the next call resumes
// waiting on it instead of recomputing the window.
func (s *RateLimitedStream) Ready(ctx context.Context) error {
	for {
		if s.pending != nil {
			if err := s.awaitPending(ctx); err != nil {
				return err
			}
		}
		if s.limit == nil || !s.suspendIfFull() {
			break
		}
	}

	return s.inner.Ready(ctx)
}

// Send accounts one slot and forwards the message.
func (s *RateLimitedStream) Send(msg transport.Message) error {
	s.account()
	if err := s.inner.Send(msg); err != nil {
		return err
	}
	s.recorder.IncOutboundMessages()
	return nil
}

// Flush accounts one slot even when nothing was sent since the previous flush.
func (s *RateLimitedStream) Flush(ctx context.Context) error {
	s.account()
	if err := s.inner.Flush(ctx); err != nil {
		return err
	}
	s.recorder.IncOutboundFlushes()
	return nil
}

// Close is never throttled.
func (s *RateLimitedStream) Close() error {
	return s.inner.Close()
}

func (s *RateLimitedStream) State() State {
	return State(s.state.Load())
}

func (s *RateLimitedStream) account() {
	if s.limit == nil {
		return
	}
	s.sent = append(s.sent, s.clock.Now())
}

func (s *RateLimitedStream) awaitPending(ctx context.Context) error {
	select {
	case <-s.pending.C():
		s.recorder.ObserveThrottleWait(s.clock.Now().Sub(s.waitStarted))
		s.logger.Debug("outbound capacity freed", zap.Time("wakeAt", s.wakeAt))
		s.pending = nil
		s.state.Store(int32(StateIdle))
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// suspendIfFull prunes the window and, when it is at capacity, stores a timer for the
// instant the oldest entry leaves it. It reports whether the caller must wait.
func (s *RateLimitedStream) suspendIfFull() bool {
	now := s.clock.Now()
	s.prune(now)

	if len(s.sent) < s.limit.MaxMessages {
		return false
	}

	wakeAt := s.sent[0].Add(s.limit.TimeSlot)
	wait := wakeAt.Sub(now)
	if wait <= 0 {
		panic(fmt.Sprintf("stream: wake time %s is not after now %s", wakeAt, now))
	}

	timer := s.clock.NewTimer(wait)
	select {
	case <-timer.C():
		return false
	default:
	}

	s.pending = timer
	s.wakeAt = wakeAt
	s.waitStarted = now
	s.state.Store(int32(StateWaitingForCapacity))
	s.recorder.IncThrottleWaits()
	s.logger.Debug("outbound window full, suspending writer",
		zap.Int("inWindow", len(s.sent)),
		zap.Duration("wait", wait),
	)
	return true
}

// prune drops entries at or before now-TimeSlot. An entry exactly one slot old is
// already outside the window, so a wait never computes to zero.
func (s *RateLimitedStream) prune(now time.Time) {
	cutoff := now.Add(-s.limit.TimeSlot)
	kept := s.sent[:0]
	for _, ts := range s.sent {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	s.sent = kept
}
