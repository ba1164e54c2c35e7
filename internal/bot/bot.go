// Package bot runs the chat connection: one read loop, bounded command handlers and one writer.
package bot

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync/atomic"
	"time"

	"github.com/kursadbilgin/dispatch-bot/internal/observability"
	"github.com/kursadbilgin/dispatch-bot/internal/protocol"
	"github.com/kursadbilgin/dispatch-bot/internal/queue"
	"github.com/kursadbilgin/dispatch-bot/internal/transport"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultHandlerConcurrency = 16
	exportBuffer              = 256
	publishTimeout            = 2 * time.Second
)

// ErrNotRunning is reported by Check outside of Run.
var ErrNotRunning = errors.New("bot is not running")

// Dispatcher turns one inbound event into replies.
type Dispatcher interface {
	Dispatch(ctx context.Context, event protocol.Event) []protocol.Event
}

// EventPublisher exports inbound events.
type EventPublisher interface {
	Publish(ctx context.Context, msg queue.EventMessage) error
}

type Config struct {
	Name               string
	HandlerConcurrency int
}

type Bot struct {
	conn        transport.Transport
	writer      *Writer
	dispatcher  Dispatcher
	publisher   EventPublisher
	name        string
	concurrency int
	metrics     *observability.Metrics
	logger      *zap.Logger
	now         func() time.Time
	running     atomic.Bool
}

func New(conn transport.Transport, writer *Writer, dispatcher Dispatcher, cfg Config, logger *zap.Logger) *Bot {
	if logger == nil {
		logger = zap.NewNop()
	}
	concurrency := cfg.HandlerConcurrency
	if concurrency < 1 {
		concurrency = defaultHandlerConcurrency
	}

	return &Bot{
		conn:        conn,
		writer:      writer,
		dispatcher:  dispatcher,
		name:        strings.TrimSpace(cfg.Name),
		concurrency: concurrency,
		logger:      logger,
		now:         time.Now,
	}
}

// SetPublisher enables export of inbound events.
func (b *Bot) SetPublisher(publisher EventPublisher) {
	if b == nil {
		return
	}
	b.publisher = publisher
}

func (b *Bot) SetMetrics(metrics *observability.Metrics) {
	if b == nil {
		return
	}
	b.metrics = metrics
	b.writer.SetMetrics(metrics)
}

// Announce sends an announcement through the writer and returns once it was written or
// given up, so a failed announcement is reported to the broker instead of being acked.
// It matches queue.AnnouncementHandler. Shutdown does not cut the wait short: the writer
// reports every accepted event within its drain deadline.
func (b *Bot) Announce(ctx context.Context, msg queue.Announcement) error {
	return b.writer.Deliver(context.WithoutCancel(ctx), protocol.NewMessage(msg.Channel, msg.Text))
}

// Check reports whether the connection is being served. It fits handler.Check.
func (b *Bot) Check(ctx context.Context) error {
	if !b.running.Load() {
		return ErrNotRunning
	}
	return nil
}

// Run serves the connection until it ends or ctx is done, then closes it.
// A server-side close ends Run with a nil error.
func (b *Bot) Run(ctx context.Context) error {
	b.running.Store(true)
	defer b.running.Store(false)
	defer func() {
		if err := b.conn.Close(); err != nil && !errors.Is(err, transport.ErrClosed) {
			b.logger.Warn("failed to close connection", zap.Error(err))
		}
	}()

	g, groupCtx := errgroup.WithContext(ctx)
	writerCtx, stopWriter := context.WithCancel(groupCtx)
	defer stopWriter()

	handlers := &errgroup.Group{}
	handlers.SetLimit(b.concurrency)

	exports := make(chan queue.EventMessage, exportBuffer)

	g.Go(func() error {
		err := b.writer.Run(writerCtx)
		if errors.Is(err, transport.ErrClosed) {
			// The peer closed the connection; the read loop sees the end of stream.
			b.logger.Info("connection closed with replies pending", zap.Error(err))
			return nil
		}
		return err
	})
	g.Go(func() error {
		return b.export(exports)
	})
	g.Go(func() error {
		defer stopWriter()
		defer close(exports)

		err := b.readLoop(groupCtx, handlers, exports)
		_ = handlers.Wait()
		return err
	})

	err := g.Wait()
	if err != nil {
		b.logger.Error("bot stopped with error", zap.Error(err))
		return err
	}
	b.logger.Info("bot stopped")
	return nil
}

func (b *Bot) readLoop(ctx context.Context, handlers *errgroup.Group, exports chan<- queue.EventMessage) error {
	for {
		msg, err := b.conn.Recv(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, io.EOF) {
				b.logger.Info("connection closed by server")
				return nil
			}
			return err
		}

		event, err := protocol.Decode(msg)
		if err != nil {
			b.metrics.IncInboundMessage("invalid")
			b.logger.Debug("ignoring undecodable frame", zap.Error(err))
			continue
		}
		b.metrics.IncInboundMessage(event.Type)

		b.queueExport(event, exports)

		if !event.IsMessage() || b.isOwn(event) {
			continue
		}

		if ok := handlers.TryGo(func() error {
			b.handle(ctx, event)
			return nil
		}); !ok {
			b.logger.Warn("handlers saturated, dropping message",
				zap.String("channel", event.Channel),
				zap.String("user", event.User),
				zap.Int("concurrency", b.concurrency),
			)
		}
	}
}

func (b *Bot) handle(ctx context.Context, event protocol.Event) {
	for _, reply := range b.dispatcher.Dispatch(ctx, event) {
		if err := b.writer.Enqueue(ctx, reply); err != nil {
			b.logger.Debug("reply not queued", zap.String("channel", reply.Channel), zap.Error(err))
			return
		}
	}
}

func (b *Bot) isOwn(event protocol.Event) bool {
	return b.name != "" && strings.EqualFold(strings.TrimSpace(event.User), b.name)
}

func (b *Bot) queueExport(event protocol.Event, exports chan<- queue.EventMessage) {
	if b.publisher == nil {
		return
	}

	msg := queue.EventMessage{
		EventID:       event.ID,
		CorrelationID: event.ID,
		Type:          event.Type,
		Channel:       event.Channel,
		User:          event.User,
		Text:          event.Text,
		ReceivedAt:    b.now().UTC(),
	}
	select {
	case exports <- msg:
	default:
		b.metrics.IncEventPublished("dropped")
		b.logger.Debug("export buffer full, dropping event", zap.String("type", event.Type))
	}
}

// export publishes until exports is closed. Publish failures are logged and counted only.
func (b *Bot) export(exports <-chan queue.EventMessage) error {
	for msg := range exports {
		if b.publisher == nil {
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		err := b.publisher.Publish(ctx, msg)
		cancel()

		if err != nil {
			b.metrics.IncEventPublished("error")
			b.logger.Warn("failed to export event", zap.String("type", msg.Type), zap.Error(err))
			continue
		}
		b.metrics.IncEventPublished("ok")
	}
	return nil
}
