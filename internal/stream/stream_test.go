package stream

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kursadbilgin/dispatch-bot/internal/transport"
)

func TestNewPanicsOnInvalidLimit(t *testing.T) {
	t.Parallel()

	testCases := []struct {
		name  string
		limit Limit
	}{
		{name: "zero max messages", limit: Limit{MaxMessages: 0, TimeSlot: time.Second}},
		{name: "negative max messages", limit: Limit{MaxMessages: -1, TimeSlot: time.Second}},
		{name: "negative time slot", limit: Limit{MaxMessages: 1, TimeSlot: -time.Millisecond}},
	}

	for _, tc := range testCases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			defer func() {
				if recover() == nil {
					t.Fatal("expected panic")
				}
			}()
			New(&fakeTransport{}, &tc.limit)
		})
	}
}

func TestReadyUnconfiguredDefersToTransport(t *testing.T) {
	t.Parallel()

	errBusy := errors.New("busy")
	var readyCalls atomic.Int32
	inner := &fakeTransport{
		readyFn: func(ctx context.Context) error {
			if readyCalls.Add(1) == 3 {
				return errBusy
			}
			return nil
		},
	}
	clock := newManualClock()
	s := New(inner, nil, WithClock(clock))

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		if err := s.Ready(ctx); err != nil {
			t.Fatalf("Ready() error = %v", err)
		}
		if err := s.Send(textMessage("m")); err != nil {
			t.Fatalf("Send() error = %v", err)
		}
	}
	if err := s.Ready(ctx); err != errBusy {
		t.Fatalf("Ready() error = %v, want transport error verbatim", err)
	}

	for i := 0; i < 100; i++ {
		if err := s.Send(textMessage("m")); err != nil {
			t.Fatalf("Send() error = %v", err)
		}
	}
	if err := s.Ready(ctx); err != nil {
		t.Fatalf("Ready() error = %v", err)
	}

	if got := clock.timerCount(); got != 0 {
		t.Fatalf("timers created = %d, want 0", got)
	}
	if len(s.sent) != 0 {
		t.Fatalf("window = %d entries, want 0 when unconfigured", len(s.sent))
	}
}

func TestReadySlidingWindowScenario(t *testing.T) {
	t.Parallel()

	clock := newManualClock()
	start := clock.Now()
	inner := &fakeTransport{}
	s := New(inner, &Limit{MaxMessages: 2, TimeSlot: time.Second}, WithClock(clock))
	ctx := context.Background()

	mustReadySend(t, s, "t=0")
	clock.Advance(100 * time.Millisecond)
	mustReadySend(t, s, "t=100")
	clock.Advance(50 * time.Millisecond)

	done := readyAsync(s, ctx)

	wait := clock.awaitTimer(t)
	if wait != 850*time.Millisecond {
		t.Fatalf("suspension = %v, want 850ms (wake at oldest+slot)", wait)
	}
	if s.State() != StateWaitingForCapacity {
		t.Fatalf("state = %v, want waiting_for_capacity", s.State())
	}
	assertPending(t, done)

	clock.Advance(849 * time.Millisecond)
	assertPending(t, done)

	clock.Advance(time.Millisecond)
	if err := awaitResult(t, done); err != nil {
		t.Fatalf("Ready() error = %v", err)
	}
	if got := clock.Now().Sub(start); got != time.Second {
		t.Fatalf("ready at t=%v, want t=1s", got)
	}
	if s.State() != StateIdle {
		t.Fatalf("state = %v, want idle", s.State())
	}

	if err := s.Send(textMessage("t=1000")); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if len(s.sent) != 2 {
		t.Fatalf("window = %d entries, want 2", len(s.sent))
	}
	if got := inner.sentTexts(); len(got) != 3 || got[2] != "t=1000" {
		t.Fatalf("sent = %v, want three messages in order", got)
	}
}

func TestReadyNeverExceedsWindowCap(t *testing.T) {
	t.Parallel()

	const (
		maxMessages = 3
		slot        = 500 * time.Millisecond
	)

	clock := newManualClock()
	s := New(&fakeTransport{}, &Limit{MaxMessages: maxMessages, TimeSlot: slot}, WithClock(clock))
	ctx := context.Background()

	gaps := []time.Duration{0, 10, 10, 40, 0, 300, 120, 0, 0, 700, 5, 5, 5, 499, 1}
	var accepted []time.Time

	for i, gap := range gaps {
		clock.Advance(gap * time.Millisecond)

		done := readyAsync(s, ctx)
		select {
		case err := <-done:
			if err != nil {
				t.Fatalf("write %d: Ready() error = %v", i, err)
			}
		case wait := <-clock.created:
			clock.Advance(wait)
			if err := awaitResult(t, done); err != nil {
				t.Fatalf("write %d: Ready() error = %v", i, err)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("write %d: Ready() neither returned nor suspended", i)
		}

		now := clock.Now()
		if err := s.Send(textMessage("m")); err != nil {
			t.Fatalf("write %d: Send() error = %v", i, err)
		}
		accepted = append(accepted, now)

		inWindow := 0
		for _, ts := range accepted {
			if ts.After(now.Add(-slot)) {
				inWindow++
			}
		}
		if inWindow > maxMessages {
			t.Fatalf("write %d: %d sends within trailing %v, want <= %d", i, inWindow, slot, maxMessages)
		}
	}
}

func TestReadyResumesStoredTimerAfterCancel(t *testing.T) {
	t.Parallel()

	clock := newManualClock()
	s := New(&fakeTransport{}, &Limit{MaxMessages: 1, TimeSlot: time.Second}, WithClock(clock))

	mustReadySend(t, s, "first")

	ctx, cancel := context.WithCancel(context.Background())
	done := readyAsync(s, ctx)
	if wait := clock.awaitTimer(t); wait != time.Second {
		t.Fatalf("suspension = %v, want 1s", wait)
	}
	cancel()
	if err := awaitResult(t, done); !errors.Is(err, context.Canceled) {
		t.Fatalf("Ready() error = %v, want context.Canceled", err)
	}
	if s.State() != StateWaitingForCapacity {
		t.Fatalf("state = %v, want waiting_for_capacity after cancel", s.State())
	}

	done = readyAsync(s, context.Background())
	assertPending(t, done)
	clock.Advance(time.Second)
	if err := awaitResult(t, done); err != nil {
		t.Fatalf("Ready() error = %v", err)
	}
	if got := clock.timerCount(); got != 1 {
		t.Fatalf("timers created = %d, want the stored timer reused", got)
	}
}

func TestCloseWhileWaitingForCapacity(t *testing.T) {
	t.Parallel()

	var closeCalls atomic.Int32
	errClose := errors.New("close failed")
	inner := &fakeTransport{
		closeFn: func() error {
			closeCalls.Add(1)
			return errClose
		},
	}
	clock := newManualClock()
	s := New(inner, &Limit{MaxMessages: 1, TimeSlot: time.Minute}, WithClock(clock))

	mustReadySend(t, s, "first")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := readyAsync(s, ctx)
	clock.awaitTimer(t)

	if err := s.Close(); err != errClose {
		t.Fatalf("Close() error = %v, want transport error verbatim", err)
	}
	if got := closeCalls.Load(); got != 1 {
		t.Fatalf("close calls = %d, want 1", got)
	}
	assertPending(t, done)

	cancel()
	if err := awaitResult(t, done); !errors.Is(err, context.Canceled) {
		t.Fatalf("Ready() error = %v, want context.Canceled", err)
	}
}

func TestRecvPassThroughWhileWindowFull(t *testing.T) {
	t.Parallel()

	errRead := errors.New("connection reset")
	inbound := []transport.Message{textMessage("a"), textMessage("b")}
	var reads int
	inner := &fakeTransport{
		recvFn: func(ctx context.Context) (transport.Message, error) {
			defer func() { reads++ }()
			switch {
			case reads < len(inbound):
				return inbound[reads], nil
			case reads == len(inbound):
				return transport.Message{}, errRead
			default:
				return transport.Message{}, io.EOF
			}
		},
	}
	clock := newManualClock()
	s := New(inner, &Limit{MaxMessages: 1, TimeSlot: time.Minute}, WithClock(clock))

	mustReadySend(t, s, "fill")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := readyAsync(s, ctx)
	clock.awaitTimer(t)

	for _, want := range []string{"a", "b"} {
		msg, err := s.Recv(context.Background())
		if err != nil {
			t.Fatalf("Recv() error = %v", err)
		}
		if string(msg.Data) != want {
			t.Fatalf("Recv() = %q, want %q", msg.Data, want)
		}
	}
	if _, err := s.Recv(context.Background()); err != errRead {
		t.Fatalf("Recv() error = %v, want transport error verbatim", err)
	}
	if _, err := s.Recv(context.Background()); err != io.EOF {
		t.Fatalf("Recv() error = %v, want io.EOF", err)
	}

	cancel()
	<-done
}

func TestFlushConsumesWindowSlot(t *testing.T) {
	t.Parallel()

	var flushes atomic.Int32
	inner := &fakeTransport{
		flushFn: func(ctx context.Context) error {
			flushes.Add(1)
			return nil
		},
	}
	clock := newManualClock()
	s := New(inner, &Limit{MaxMessages: 2, TimeSlot: time.Second}, WithClock(clock))
	ctx := context.Background()

	if err := s.Flush(ctx); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	if err := s.Flush(ctx); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	if len(s.sent) != 2 {
		t.Fatalf("window = %d entries, want 2 after two flushes", len(s.sent))
	}
	if got := flushes.Load(); got != 2 {
		t.Fatalf("inner flushes = %d, want 2", got)
	}

	done := readyAsync(s, ctx)
	if wait := clock.awaitTimer(t); wait != time.Second {
		t.Fatalf("suspension = %v, want 1s", wait)
	}
	clock.Advance(time.Second)
	if err := awaitResult(t, done); err != nil {
		t.Fatalf("Ready() error = %v", err)
	}
}

func TestFlushUnconfiguredDoesNotAccount(t *testing.T) {
	t.Parallel()

	s := New(&fakeTransport{}, nil, WithClock(newManualClock()))
	if err := s.Flush(context.Background()); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	if len(s.sent) != 0 {
		t.Fatalf("window = %d entries, want 0", len(s.sent))
	}
}

func TestSendAndFlushErrorsPropagateVerbatim(t *testing.T) {
	t.Parallel()

	errSend := errors.New("write: broken pipe")
	errFlush := errors.New("flush: broken pipe")
	inner := &fakeTransport{
		sendFn:  func(msg transport.Message) error { return errSend },
		flushFn: func(ctx context.Context) error { return errFlush },
	}
	recorder := &countingRecorder{}
	s := New(inner, &Limit{MaxMessages: 5, TimeSlot: time.Second},
		WithClock(newManualClock()),
		WithRecorder(recorder),
	)

	if err := s.Send(textMessage("x")); err != errSend {
		t.Fatalf("Send() error = %v, want %v", err, errSend)
	}
	if err := s.Flush(context.Background()); err != errFlush {
		t.Fatalf("Flush() error = %v, want %v", err, errFlush)
	}
	if recorder.messages.Load() != 0 || recorder.flushes.Load() != 0 {
		t.Fatal("failed writes should not be recorded as outbound traffic")
	}
	if len(s.sent) != 2 {
		t.Fatalf("window = %d entries, want 2 (accounted at submission)", len(s.sent))
	}
}

func TestRecorderObservesThrottle(t *testing.T) {
	t.Parallel()

	clock := newManualClock()
	recorder := &countingRecorder{}
	s := New(&fakeTransport{}, &Limit{MaxMessages: 1, TimeSlot: 200 * time.Millisecond},
		WithClock(clock),
		WithRecorder(recorder),
	)

	mustReadySend(t, s, "one")
	done := readyAsync(s, context.Background())
	clock.awaitTimer(t)
	clock.Advance(200 * time.Millisecond)
	if err := awaitResult(t, done); err != nil {
		t.Fatalf("Ready() error = %v", err)
	}

	if got := recorder.messages.Load(); got != 1 {
		t.Fatalf("messages = %d, want 1", got)
	}
	if got := recorder.waits.Load(); got != 1 {
		t.Fatalf("throttle waits = %d, want 1", got)
	}
	if got := time.Duration(recorder.waited.Load()); got != 200*time.Millisecond {
		t.Fatalf("observed wait = %v, want 200ms", got)
	}
}

func TestZeroTimeSlotNeverThrottles(t *testing.T) {
	t.Parallel()

	clock := newManualClock()
	s := New(&fakeTransport{}, &Limit{MaxMessages: 1, TimeSlot: 0}, WithClock(clock))

	for i := 0; i < 10; i++ {
		mustReadySend(t, s, "m")
	}
	if got := clock.timerCount(); got != 0 {
		t.Fatalf("timers created = %d, want 0", got)
	}
}

func TestReadyFallsThroughWhenFreshTimerAlreadyElapsed(t *testing.T) {
	t.Parallel()

	errInner := errors.New("inner not ready")
	var readyCalls atomic.Int32
	inner := &fakeTransport{
		readyFn: func(ctx context.Context) error {
			if readyCalls.Add(1) == 2 {
				return errInner
			}
			return nil
		},
	}
	clock := &elapsedClock{manualClock: newManualClock()}
	recorder := &countingRecorder{}
	s := New(inner, &Limit{MaxMessages: 1, TimeSlot: time.Second}, WithClock(clock), WithRecorder(recorder))

	mustReadySend(t, s, "first")

	if err := s.Ready(context.Background()); err != errInner {
		t.Fatalf("Ready() error = %v, want inner result verbatim", err)
	}
	if s.pending != nil {
		t.Fatal("expected elapsed timer to be discarded")
	}
	if s.State() != StateIdle {
		t.Fatalf("state = %v, want idle", s.State())
	}
	if got := recorder.waits.Load(); got != 0 {
		t.Fatalf("throttle waits = %d, want 0", got)
	}
}

func mustReadySend(t *testing.T, s *RateLimitedStream, text string) {
	t.Helper()

	done := readyAsync(s, context.Background())
	if err := awaitResult(t, done); err != nil {
		t.Fatalf("Ready() error = %v", err)
	}
	if err := s.Send(textMessage(text)); err != nil {
		t.Fatalf("Send() error = %v", err)
	}
}

func readyAsync(s *RateLimitedStream, ctx context.Context) <-chan error {
	done := make(chan error, 1)
	go func() { done <- s.Ready(ctx) }()
	return done
}

func awaitResult(t *testing.T, done <-chan error) error {
	t.Helper()

	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("Ready() did not return")
		return nil
	}
}

func assertPending(t *testing.T, done <-chan error) {
	t.Helper()

	select {
	case err := <-done:
		t.Fatalf("Ready() returned early with %v", err)
	case <-time.After(20 * time.Millisecond):
	}
}

func textMessage(text string) transport.Message {
	return transport.Message{Type: transport.TextMessage, Data: []byte(text)}
}

type manualClock struct {
	mu      sync.Mutex
	now     time.Time
	timers  []*manualTimer
	created chan time.Duration
}

func newManualClock() *manualClock {
	return &manualClock{
		now:     time.Unix(1_700_000_000, 0),
		created: make(chan time.Duration, 64),
	}
}

func (c *manualClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *manualClock) NewTimer(d time.Duration) Timer {
	c.mu.Lock()
	timer := &manualTimer{at: c.now.Add(d), ch: make(chan time.Time, 1)}
	if d <= 0 {
		timer.fire(c.now)
	}
	c.timers = append(c.timers, timer)
	c.mu.Unlock()

	c.created <- d
	return timer
}

func (c *manualClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.now = c.now.Add(d)
	for _, timer := range c.timers {
		if !c.now.Before(timer.at) {
			timer.fire(c.now)
		}
	}
}

func (c *manualClock) timerCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.timers)
}

func (c *manualClock) awaitTimer(t *testing.T) time.Duration {
	t.Helper()

	select {
	case d := <-c.created:
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("no suspension timer created")
		return 0
	}
}

// elapsedClock hands out timers that have already fired, as when the scheduler runs late.
type elapsedClock struct {
	*manualClock
}

func (c *elapsedClock) NewTimer(d time.Duration) Timer {
	timer := &manualTimer{at: c.Now(), ch: make(chan time.Time, 1)}
	timer.fire(c.Now())
	return timer
}

type manualTimer struct {
	mu      sync.Mutex
	at      time.Time
	ch      chan time.Time
	fired   bool
	stopped bool
}

func (t *manualTimer) C() <-chan time.Time { return t.ch }

func (t *manualTimer) Stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	wasActive := !t.fired && !t.stopped
	t.stopped = true
	return wasActive
}

func (t *manualTimer) fire(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.fired || t.stopped {
		return
	}
	t.fired = true
	t.ch <- now
}

type fakeTransport struct {
	mu      sync.Mutex
	sent    []transport.Message
	recvFn  func(ctx context.Context) (transport.Message, error)
	readyFn func(ctx context.Context) error
	sendFn  func(msg transport.Message) error
	flushFn func(ctx context.Context) error
	closeFn func() error
}

func (f *fakeTransport) Recv(ctx context.Context) (transport.Message, error) {
	if f.recvFn != nil {
		return f.recvFn(ctx)
	}
	<-ctx.Done()
	return transport.Message{}, ctx.Err()
}

func (f *fakeTransport) Ready(ctx context.Context) error {
	if f.readyFn != nil {
		return f.readyFn(ctx)
	}
	return nil
}

func (f *fakeTransport) Send(msg transport.Message) error {
	if f.sendFn != nil {
		return f.sendFn(msg)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeTransport) Flush(ctx context.Context) error {
	if f.flushFn != nil {
		return f.flushFn(ctx)
	}
	return nil
}

func (f *fakeTransport) Close() error {
	if f.closeFn != nil {
		return f.closeFn()
	}
	return nil
}

func (f *fakeTransport) sentTexts() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	texts := make([]string, 0, len(f.sent))
	for _, msg := range f.sent {
		texts = append(texts, string(msg.Data))
	}
	return texts
}

type countingRecorder struct {
	messages atomic.Int32
	flushes  atomic.Int32
	waits    atomic.Int32
	waited   atomic.Int64
}

func (r *countingRecorder) IncOutboundMessages() { r.messages.Add(1) }
func (r *countingRecorder) IncOutboundFlushes()  { r.flushes.Add(1) }
func (r *countingRecorder) IncThrottleWaits()    { r.waits.Add(1) }
func (r *countingRecorder) ObserveThrottleWait(d time.Duration) {
	r.waited.Add(int64(d))
}
