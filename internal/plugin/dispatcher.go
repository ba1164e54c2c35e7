package plugin

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/kursadbilgin/dispatch-bot/internal/domain"
	"github.com/kursadbilgin/dispatch-bot/internal/observability"
	"github.com/kursadbilgin/dispatch-bot/internal/protocol"
	"github.com/kursadbilgin/dispatch-bot/internal/ratelimit"
	"github.com/kursadbilgin/dispatch-bot/internal/repository"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	defaultPluginTimeout = 5 * time.Second
	commandLogTimeout    = 2 * time.Second
	maxReplyLines        = 10
	maxTrackedUsers      = 4096
	userIdleTTL          = 10 * time.Minute
)

// DispatcherConfig holds command parsing and flood guard settings.
type DispatcherConfig struct {
	Prefix        string
	PluginTimeout time.Duration
	UserRate      rate.Limit
	UserBurst     int
}

// Dispatcher turns inbound chat messages into plugin invocations and reply events.
type Dispatcher struct {
	registry   *Registry
	prefix     string
	timeout    time.Duration
	users      *userLimiter
	channels   ratelimit.Limiter
	commandLog repository.CommandLogRepository
	metrics    *observability.Metrics
	logger     *zap.Logger
	now        func() time.Time
}

func NewDispatcher(registry *Registry, cfg DispatcherConfig, logger *zap.Logger) *Dispatcher {
	if registry == nil {
		registry = NewRegistry()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	prefix := strings.TrimSpace(cfg.Prefix)
	if prefix == "" {
		prefix = "!"
	}
	timeout := cfg.PluginTimeout
	if timeout <= 0 {
		timeout = defaultPluginTimeout
	}

	return &Dispatcher{
		registry: registry,
		prefix:   prefix,
		timeout:  timeout,
		users:    newUserLimiter(cfg.UserRate, cfg.UserBurst),
		logger:   logger,
		now:      time.Now,
	}
}

// SetChannelLimiter enables the shared per-channel cooldown.
func (d *Dispatcher) SetChannelLimiter(limiter ratelimit.Limiter) {
	if d == nil {
		return
	}
	d.channels = limiter
}

// SetCommandLog enables persistence of handled commands.
func (d *Dispatcher) SetCommandLog(repo repository.CommandLogRepository) {
	if d == nil {
		return
	}
	d.commandLog = repo
}

func (d *Dispatcher) SetMetrics(metrics *observability.Metrics) {
	if d == nil {
		return
	}
	d.metrics = metrics
}

func (d *Dispatcher) Prefix() string {
	return d.prefix
}

// Dispatch handles one inbound event and returns the replies to send, if any.
// Non-commands, unknown commands and throttled commands produce no replies.
func (d *Dispatcher) Dispatch(ctx context.Context, event protocol.Event) []protocol.Event {
	req, ok := d.parse(event)
	if !ok {
		return nil
	}

	p, ok := d.registry.Lookup(req.Command)
	if !ok {
		d.logger.Debug("ignoring unknown command",
			zap.String("command", req.Command),
			zap.String("channel", req.Channel),
		)
		return nil
	}

	req.CorrelationID = observability.NewCorrelationID(event.ID)
	ctx = observability.WithCorrelationID(ctx, req.CorrelationID)
	logger := observability.CommandLogger(d.logger, ctx, req.Channel, req.User, req.Command)

	if !d.users.allow(req.User, d.now()) {
		logger.Debug("command throttled by user flood guard")
		d.metrics.ObserveCommand(req.Command, outcomeLabel(domain.OutcomeThrottled), 0)
		return nil
	}

	if d.channels != nil {
		allowed, err := d.channels.Allow(ctx, req.Channel)
		if err != nil {
			// The cooldown store is advisory; commands still run when it is down.
			logger.Warn("channel cooldown check failed", zap.Error(err))
		} else if !allowed {
			logger.Debug("command throttled by channel cooldown")
			d.metrics.ObserveCommand(req.Command, outcomeLabel(domain.OutcomeThrottled), 0)
			return nil
		}
	}

	start := d.now()
	lines, err := d.invoke(ctx, p, req)
	duration := d.now().Sub(start)

	outcome := domain.OutcomeOK
	switch {
	case err == nil:
	case errors.Is(err, context.DeadlineExceeded):
		outcome = domain.OutcomeTimeout
	default:
		outcome = domain.OutcomeError
	}

	d.metrics.ObserveCommand(req.Command, outcomeLabel(outcome), duration)
	d.record(ctx, logger, req, outcome, duration)

	if err != nil {
		logger.Warn("command failed",
			zap.String("plugin", p.Name()),
			zap.String("outcome", outcome.String()),
			zap.Bool("transient", IsTransient(err)),
			zap.Error(err),
		)
		return []protocol.Event{protocol.NewMessage(req.Channel, req.Command+": "+UserMessage(err))}
	}

	logger.Debug("command handled",
		zap.String("plugin", p.Name()),
		zap.Int("replies", len(lines)),
		zap.Duration("duration", duration),
	)
	return d.replies(req.Channel, lines)
}

func (d *Dispatcher) parse(event protocol.Event) (Request, bool) {
	if !event.IsMessage() {
		return Request{}, false
	}

	text := strings.TrimSpace(event.Text)
	if !strings.HasPrefix(text, d.prefix) {
		return Request{}, false
	}

	fields := strings.Fields(strings.TrimPrefix(text, d.prefix))
	if len(fields) == 0 {
		return Request{}, false
	}

	return Request{
		Command: normalizeCommand(fields[0]),
		Args:    fields[1:],
		Channel: event.Channel,
		User:    event.User,
	}, true
}

func (d *Dispatcher) invoke(ctx context.Context, p Plugin, req Request) (lines []string, err error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("plugin panicked",
				zap.String("plugin", p.Name()),
				zap.String("command", req.Command),
				zap.Any("panic", r),
			)
			lines, err = nil, errors.New("plugin panicked")
		}
	}()

	lines, err = p.Handle(ctx, req)
	if err == nil && ctx.Err() != nil {
		err = ctx.Err()
	}
	return lines, err
}

func (d *Dispatcher) replies(channel string, lines []string) []protocol.Event {
	events := make([]protocol.Event, 0, len(lines))
	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		if len(events) == maxReplyLines {
			d.logger.Debug("reply truncated", zap.Int("lines", len(lines)))
			break
		}
		events = append(events, protocol.NewMessage(channel, line))
	}
	return events
}

func (d *Dispatcher) record(ctx context.Context, logger *zap.Logger, req Request, outcome domain.Outcome, duration time.Duration) {
	if d.commandLog == nil {
		return
	}

	// The request context may already be done on timeout.
	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), commandLogTimeout)
	defer cancel()

	entry := &domain.CommandLog{
		CorrelationID: req.CorrelationID,
		Channel:       req.Channel,
		User:          req.User,
		Command:       req.Command,
		Outcome:       outcome,
		DurationMs:    duration.Milliseconds(),
		CreatedAt:     d.now().UTC(),
	}
	if err := d.commandLog.Create(recordCtx, entry); err != nil {
		logger.Warn("failed to record command log", zap.Error(err))
	}
}

func outcomeLabel(outcome domain.Outcome) string {
	return strings.ToLower(outcome.String())
}

// userLimiter keeps one token bucket per user and forgets users idle past userIdleTTL.
type userLimiter struct {
	mu      sync.Mutex
	limit   rate.Limit
	burst   int
	entries map[string]*userEntry
}

type userEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

func newUserLimiter(limit rate.Limit, burst int) *userLimiter {
	if limit <= 0 {
		limit = rate.Inf
	}
	if burst < 1 {
		burst = 1
	}
	return &userLimiter{
		limit:   limit,
		burst:   burst,
		entries: make(map[string]*userEntry),
	}
}

func (u *userLimiter) allow(user string, now time.Time) bool {
	key := strings.ToLower(strings.TrimSpace(user))

	u.mu.Lock()
	defer u.mu.Unlock()

	if len(u.entries) >= maxTrackedUsers {
		u.evictIdle(now)
	}

	entry, ok := u.entries[key]
	if !ok {
		entry = &userEntry{limiter: rate.NewLimiter(u.limit, u.burst)}
		u.entries[key] = entry
	}
	entry.lastSeen = now
	return entry.limiter.AllowN(now, 1)
}

func (u *userLimiter) evictIdle(now time.Time) {
	for key, entry := range u.entries {
		if now.Sub(entry.lastSeen) > userIdleTTL {
			delete(u.entries, key)
		}
	}
}
