package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kursadbilgin/dispatch-bot/internal/bot"
	"github.com/kursadbilgin/dispatch-bot/internal/config"
	"github.com/kursadbilgin/dispatch-bot/internal/handler"
	"github.com/kursadbilgin/dispatch-bot/internal/infra/postgresql"
	"github.com/kursadbilgin/dispatch-bot/internal/infra/postgresql/migrations"
	infraredis "github.com/kursadbilgin/dispatch-bot/internal/infra/redis"
	"github.com/kursadbilgin/dispatch-bot/internal/observability"
	"github.com/kursadbilgin/dispatch-bot/internal/plugin"
	"github.com/kursadbilgin/dispatch-bot/internal/plugin/builtin"
	"github.com/kursadbilgin/dispatch-bot/internal/plugin/fact"
	"github.com/kursadbilgin/dispatch-bot/internal/queue"
	"github.com/kursadbilgin/dispatch-bot/internal/repository"
	"github.com/kursadbilgin/dispatch-bot/internal/stream"
	"github.com/kursadbilgin/dispatch-bot/internal/transport"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

const (
	shutdownTimeout      = 5 * time.Second
	announcementPrefetch = 4
)

var _ stream.Recorder = (*observability.Metrics)(nil)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("failed to load config: ", err)
	}

	logger, err := observability.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatal("failed to initialize logger: ", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Error("dispatch-bot exited with error", zap.Error(err))
		_ = logger.Sync()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	metrics := observability.NewMetrics()
	registry := plugin.NewRegistry()
	dispatcher := plugin.NewDispatcher(registry, plugin.DispatcherConfig{
		Prefix:        cfg.CommandPrefix,
		PluginTimeout: cfg.PluginTimeout(),
		UserRate:      rate.Limit(cfg.UserCommandsPerSec),
		UserBurst:     cfg.UserCommandBurst,
	}, logger)
	dispatcher.SetMetrics(metrics)

	var checks []handler.Check

	if cfg.DatabaseDSN != "" {
		db, err := postgresql.NewPostgres(ctx, cfg.DatabaseDSN)
		if err != nil {
			return fmt.Errorf("postgres initialization failed: %w", err)
		}
		if err := migrations.Migrate(db); err != nil {
			return fmt.Errorf("database migrations failed: %w", err)
		}
		sqlDB, err := db.DB()
		if err != nil {
			return fmt.Errorf("postgres underlying db init failed: %w", err)
		}
		defer sqlDB.Close()

		repo := repository.NewGormCommandLogRepo(db)
		dispatcher.SetCommandLog(repo)
		if err := registry.Register(builtin.NewStats(repo, dispatcher.Prefix())); err != nil {
			return err
		}
		checks = append(checks, handler.SQLCheck("postgres", sqlDB))
	}

	if cfg.RedisURL != "" {
		rdb, err := infraredis.NewRedis(ctx, cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis initialization failed: %w", err)
		}
		defer rdb.Close()

		limiter, err := infraredis.NewSlidingWindowLimiter(rdb, cfg.ChannelCommandLimit, cfg.ChannelCommandWindow())
		if err != nil {
			return fmt.Errorf("channel cooldown initialization failed: %w", err)
		}
		dispatcher.SetChannelLimiter(limiter)
		checks = append(checks, handler.RedisCheck("redis", rdb))
	}

	var rabbit *queue.RabbitMQ
	if cfg.RabbitMQURL != "" {
		var err error
		rabbit, err = queue.NewRabbitMQ(ctx, cfg.RabbitMQURL)
		if err != nil {
			return fmt.Errorf("rabbitmq initialization failed: %w", err)
		}
		defer rabbit.Close()

		checks = append(checks, handler.Check{Name: "rabbitmq", Fn: func(context.Context) error {
			return rabbit.Ping()
		}})
	}

	if cfg.FactURL != "" {
		factPlugin, err := fact.New(cfg.FactURL)
		if err != nil {
			return fmt.Errorf("fact plugin initialization failed: %w", err)
		}
		if err := registry.Register(factPlugin); err != nil {
			return err
		}
	}

	for _, p := range []plugin.Plugin{
		builtin.Ping{},
		builtin.NewHelp(registry, dispatcher.Prefix()),
		builtin.NewRoll(),
		builtin.NewChoose(),
	} {
		if err := registry.Register(p); err != nil {
			return err
		}
	}

	ws, err := transport.Dial(ctx, cfg.ServerURL, nil, logger)
	if err != nil {
		return fmt.Errorf("chat connection failed: %w", err)
	}

	var limit *stream.Limit
	if maxMessages, slot, enabled := cfg.RateLimit(); enabled {
		limit = &stream.Limit{MaxMessages: maxMessages, TimeSlot: slot}
	}
	conn := stream.New(ws, limit, stream.WithLogger(logger), stream.WithRecorder(metrics))

	writer := bot.NewWriter(conn, cfg.OutboxSize, logger)
	throttled := func() bool { return conn.State() == stream.StateWaitingForCapacity }
	if err := metrics.RegisterOutboundState(throttled, writer.Pending); err != nil {
		return err
	}
	b := bot.New(conn, writer, dispatcher, bot.Config{
		Name:               cfg.BotName,
		HandlerConcurrency: cfg.HandlerConcurrency,
	}, logger)
	b.SetMetrics(metrics)
	if rabbit != nil {
		b.SetPublisher(queue.NewRabbitMQPublisher(rabbit))
	}

	checks = append([]handler.Check{{Name: "connection", Fn: b.Check}}, checks...)
	app := handler.NewServer(logger, metrics, checks...)

	g, gctx := errgroup.WithContext(ctx)
	runCtx, cancel := context.WithCancel(gctx)
	defer cancel()

	g.Go(func() error {
		// The process lives as long as the chat connection.
		defer cancel()
		return b.Run(runCtx)
	})

	if rabbit != nil {
		consumer := queue.NewRabbitMQConsumer(rabbit, announcementPrefetch, logger)
		g.Go(func() error {
			return consumer.Consume(runCtx, queue.AnnouncementsQueue, b.Announce)
		})
	}

	g.Go(func() error {
		addr := fmt.Sprintf(":%d", cfg.HTTPPort)
		logger.Info("http server listening", zap.String("addr", addr))
		if err := app.Listen(addr); err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-runCtx.Done()
		return app.ShutdownWithTimeout(shutdownTimeout)
	})

	rateLimit := "disabled"
	if limit != nil {
		rateLimit = fmt.Sprintf("%d/%s", limit.MaxMessages, limit.TimeSlot)
	}
	logger.Info("dispatch-bot started",
		zap.String("server", cfg.ServerURL),
		zap.String("bot", cfg.BotName),
		zap.String("rateLimit", rateLimit),
		zap.Int("commands", len(registry.Commands())),
	)

	return g.Wait()
}
