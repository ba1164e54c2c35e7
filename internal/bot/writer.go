package bot

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/kursadbilgin/dispatch-bot/internal/observability"
	"github.com/kursadbilgin/dispatch-bot/internal/protocol"
	"github.com/kursadbilgin/dispatch-bot/internal/transport"
	"go.uber.org/zap"
)

const (
	defaultOutboxSize = 256
	defaultDrainWait  = 5 * time.Second
)

var (
	// ErrWriterStopped is returned by Enqueue and Deliver once the writer stopped taking events.
	ErrWriterStopped = errors.New("writer stopped")
	// ErrUndelivered is reported to Deliver callers for accepted events that were never sent.
	ErrUndelivered = errors.New("event not delivered")
)

type outbound struct {
	event protocol.Event
	done  chan error
}

func (o outbound) finish(err error) {
	if o.done != nil {
		o.done <- err
	}
}

// Writer is the only goroutine that drives Ready, Send and Flush on the outbound transport.
//
// Every accepted event ends in exactly one outcome: sent, or given up and counted as
// undelivered. Once intake stops, no further event is accepted.
type Writer struct {
	out       transport.Transport
	queue     chan outbound
	drainWait time.Duration
	metrics   *observability.Metrics
	logger    *zap.Logger

	mu       sync.Mutex
	closing  bool
	stopping chan struct{}
	inflight sync.WaitGroup
}

func NewWriter(out transport.Transport, size int, logger *zap.Logger) *Writer {
	if size < 1 {
		size = defaultOutboxSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Writer{
		out:       out,
		queue:     make(chan outbound, size),
		stopping:  make(chan struct{}),
		drainWait: defaultDrainWait,
		logger:    logger,
	}
}

func (w *Writer) SetMetrics(metrics *observability.Metrics) {
	if w == nil {
		return
	}
	w.metrics = metrics
}

// Enqueue blocks until event is queued. The outcome of the send is only logged and counted.
func (w *Writer) Enqueue(ctx context.Context, event protocol.Event) error {
	return w.enqueue(ctx, outbound{event: event})
}

// Deliver queues event and waits for its outcome: nil once sent, an ErrUndelivered error
// when the writer gave up on it, or ctx.Err() if ctx ends first.
func (w *Writer) Deliver(ctx context.Context, event protocol.Event) error {
	item := outbound{event: event, done: make(chan error, 1)}
	if err := w.enqueue(ctx, item); err != nil {
		return err
	}

	select {
	case err := <-item.done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (w *Writer) enqueue(ctx context.Context, item outbound) error {
	w.mu.Lock()
	if w.closing {
		w.mu.Unlock()
		return ErrWriterStopped
	}
	w.inflight.Add(1)
	w.mu.Unlock()
	defer w.inflight.Done()

	select {
	case w.queue <- item:
		return nil
	case <-w.stopping:
		return ErrWriterStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending reports how many events are queued but not yet written.
func (w *Writer) Pending() int {
	return len(w.queue)
}

// Run writes queued events until ctx is done or the transport fails. On cancellation it
// writes what is already queued within drainWait and flushes once.
func (w *Writer) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return w.shutdown(nil)
		case item := <-w.queue:
			if err := w.write(ctx, item); err != nil {
				if ctx.Err() != nil {
					return w.shutdown(&item)
				}
				w.stopIntake()
				w.abandon(item, err)
				return err
			}
		}
	}
}

// write sends one event. Unencodable events are dropped and reported to their caller.
func (w *Writer) write(ctx context.Context, item outbound) error {
	msg, err := protocol.Encode(item.event)
	if err != nil {
		w.logger.Warn("dropping unencodable event", zap.String("type", item.event.Type), zap.Error(err))
		item.finish(fmt.Errorf("%w: %v", ErrUndelivered, err))
		return nil
	}

	if err := w.out.Ready(ctx); err != nil {
		return err
	}
	if err := w.out.Send(msg); err != nil {
		return fmt.Errorf("failed to send event: %w", err)
	}
	item.finish(nil)
	return nil
}

// stopIntake closes the queue to new events and waits out Enqueue calls already past the
// gate, so the queue content is final afterwards.
func (w *Writer) stopIntake() {
	w.mu.Lock()
	if !w.closing {
		w.closing = true
		close(w.stopping)
	}
	w.mu.Unlock()
	w.inflight.Wait()
}

// shutdown writes interrupted first, then whatever is queued, under a fresh deadline.
// Events left when the deadline or the transport gives out are reported undelivered.
func (w *Writer) shutdown(interrupted *outbound) error {
	w.stopIntake()

	ctx, cancel := context.WithTimeout(context.Background(), w.drainWait)
	defer cancel()

	written := 0
	if interrupted != nil {
		if err := w.write(ctx, *interrupted); err != nil {
			w.abandon(*interrupted, err)
			w.flush(ctx)
			return nil
		}
		written++
	}

drain:
	for {
		select {
		case item := <-w.queue:
			if err := w.write(ctx, item); err != nil {
				w.abandon(item, err)
				break drain
			}
			written++
		default:
			break drain
		}
	}

	w.flush(ctx)
	if written > 0 {
		w.logger.Info("outbox drained", zap.Int("written", written))
	}
	return nil
}

func (w *Writer) flush(ctx context.Context) {
	if err := w.out.Flush(ctx); err != nil && !errors.Is(err, transport.ErrClosed) {
		w.logger.Warn("final flush failed", zap.Error(err))
	}
}

// abandon reports failed and everything still queued as undelivered. Intake must be stopped.
func (w *Writer) abandon(failed outbound, cause error) {
	undelivered := fmt.Errorf("%w: %v", ErrUndelivered, cause)
	failed.finish(undelivered)
	count := 1

	for {
		select {
		case item := <-w.queue:
			item.finish(undelivered)
			count++
		default:
			w.metrics.AddUndelivered(count)
			w.logger.Warn("outbound events not delivered",
				zap.Int("count", count),
				zap.Error(cause),
			)
			return
		}
	}
}
