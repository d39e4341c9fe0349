package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/jackc/pgx/v5/pgxpool"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/redis/go-redis/v9"

	"github.com/congo-pay/transferd/internal/auth"
	"github.com/congo-pay/transferd/internal/clock"
	"github.com/congo-pay/transferd/internal/config"
	"github.com/congo-pay/transferd/internal/funding"
	"github.com/congo-pay/transferd/internal/kvstore"
	"github.com/congo-pay/transferd/internal/ledger"
	"github.com/congo-pay/transferd/internal/notification"
	"github.com/congo-pay/transferd/internal/otp"
	"github.com/congo-pay/transferd/internal/payments"
	"github.com/congo-pay/transferd/internal/pending"
	"github.com/congo-pay/transferd/internal/queue"
	"github.com/congo-pay/transferd/internal/routes"
	"github.com/congo-pay/transferd/internal/scheduling"
	"github.com/congo-pay/transferd/internal/twophase"
	"github.com/congo-pay/transferd/internal/wallet"
)

const (
	kvPrefix      = "transferd:"
	devSecret     = "dev-only-secret"
	channelBuffer = 1024
)

// Backends are the external connections. Nil members select in-memory
// implementations, which is only allowed in development.
type Backends struct {
	DB     *pgxpool.Pool
	Cache  *redis.Client
	Rabbit *amqp.Connection
	// Notifier, when set, receives every notification in addition to the log
	// and broker sinks.
	Notifier notification.Notifier
}

// hintQueue is the transport between publisher and executors.
type hintQueue interface {
	queue.Publisher
	queue.Consumer
	Close() error
}

// Server wraps the Fiber application and the background workers.
type Server struct {
	app       *fiber.App
	cfg       config.Config
	logger    *slog.Logger
	queue     hintQueue
	publisher *scheduling.Publisher
	executor  *scheduling.Executor
	otp       *otp.Gateway
	closers   []func() error
	wg        sync.WaitGroup
}

// New wires every component and registers the HTTP routes.
func New(cfg config.Config, b Backends, logger *slog.Logger) (*Server, error) {
	if !cfg.IsDev() && (b.DB == nil || b.Cache == nil) {
		return nil, fmt.Errorf("postgres and redis are required when APP_ENV=%s", cfg.Env)
	}
	secret := cfg.JWTSecret
	if secret == "" {
		logger.Warn("JWT_SECRET not set, using the development secret")
		secret = devSecret
	}

	clk := clock.Real()
	s := &Server{cfg: cfg, logger: logger}

	var kv kvstore.Store = kvstore.NewMemoryStore(clk)
	if b.Cache != nil {
		kv = kvstore.NewRedisStore(b.Cache, kvPrefix)
	}

	notifiers := notification.Multi{notification.NewLoggerNotifier(logger)}
	if b.Rabbit != nil {
		amqpNotifier, err := notification.NewAMQPNotifier(b.Rabbit, cfg.RabbitMQ.NotifyExchange)
		if err != nil {
			return nil, fmt.Errorf("notification exchange: %w", err)
		}
		notifiers = append(notifiers, amqpNotifier)
		s.closers = append(s.closers, amqpNotifier.Close)
	}
	if b.Notifier != nil {
		notifiers = append(notifiers, b.Notifier)
	}
	notifier := notification.WithClock(notifiers, clk)

	s.otp = otp.NewGateway(kv, otp.NewNotifierDeliverer(notifier), clk, otp.Config{
		TTL:            cfg.OTP.TTL,
		ResendCooldown: cfg.OTP.ResendCooldown,
		Retention:      cfg.OTP.Retention,
		HashCost:       cfg.OTP.HashCost,
	}, logger)
	coordinator := twophase.NewCoordinator(pending.NewStore(kv, clk, cfg.OTP.PendingTTL), s.otp, cfg.OTP.MaxVerifyAttempts, logger)

	var walletRepo wallet.Repository
	var scheduleRepo scheduling.Repository
	if b.DB != nil {
		walletRepo = wallet.NewPostgresRepository(b.DB)
		scheduleRepo = scheduling.NewPostgresRepository(b.DB)
	} else {
		walletRepo = wallet.NewMemoryRepository()
		scheduleRepo = scheduling.NewMemoryRepository()
	}
	walletSvc := wallet.NewService(walletRepo, clk)
	l := ledger.New(walletRepo, clk)
	policy := ledger.RetryPolicy{MaxRetries: cfg.Ledger.ConflictRetries, InitialInterval: cfg.Ledger.ConflictBackoff}

	backend := payments.NewLedgerBackend(l, walletRepo, policy, clk)
	paymentSvc := payments.NewService(coordinator, backend, walletRepo, notifier, cfg.TransferLimit, logger)

	cardSecret := cfg.CardSealSecret
	if cardSecret == "" {
		cardSecret = secret
	}
	fundingSvc, err := funding.NewService(funding.Options{
		Ledger:      l,
		Wallets:     walletRepo,
		Coordinator: coordinator,
		Notifier:    notifier,
		RetryPolicy: policy,
		Limit:       cfg.TransferLimit,
		CardSecret:  cardSecret,
		Clock:       clk,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}

	if b.Rabbit != nil {
		rq, err := queue.NewRabbitQueue(b.Rabbit, queue.RabbitConfig{
			Exchange:   cfg.RabbitMQ.Exchange,
			Queue:      cfg.RabbitMQ.Queue,
			RoutingKey: cfg.RabbitMQ.RoutingKey,
			Workers:    cfg.Schedule.Workers,
		}, logger)
		if err != nil {
			return nil, fmt.Errorf("hint queue: %w", err)
		}
		s.queue = rq
	} else {
		s.queue = queue.NewChannelQueue(channelBuffer, cfg.Schedule.Workers, logger)
	}

	var cache scheduling.Cache = scheduling.NopCache{}
	if b.Cache != nil {
		cache = scheduling.NewRedisCache(b.Cache, cfg.Schedule.CacheTTL, logger)
	}
	scheduleSvc, err := scheduling.NewService(scheduling.Options{
		Repository:  scheduleRepo,
		Cache:       cache,
		Coordinator: coordinator,
		Validator:   paymentSvc,
		Hints:       s.queue,
		Notifier:    notifier,
		Clock:       clk,
		Lookahead:   cfg.Schedule.DueLookahead,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}
	s.publisher = scheduling.NewPublisher(scheduleRepo, s.queue, clk, scheduling.PublisherConfig{
		DueInterval:   cfg.Schedule.DueInterval,
		DueLookahead:  cfg.Schedule.DueLookahead,
		RetryInterval: cfg.Schedule.RetryInterval,
		RetryBackoff:  cfg.Schedule.RetryBackoff,
		MaxRetry:      cfg.Schedule.MaxRetry,
		RecoveryBatch: cfg.Schedule.RecoveryBatch,
	}, logger)
	s.executor = scheduling.NewExecutor(scheduleRepo, backend, s.queue, cache, notifier, clk, scheduling.ExecutorConfig{
		MaxRetry:     cfg.Schedule.MaxRetry,
		RetryBackoff: cfg.Schedule.RetryBackoff,
		Lookahead:    cfg.Schedule.DueLookahead,
	}, logger)

	s.app = fiber.New(fiber.Config{
		AppName:      cfg.AppName,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
	})
	routes.Setup(s.app, routes.Deps{
		Cfg:        cfg,
		DB:         b.DB,
		Cache:      b.Cache,
		Rabbit:     b.Rabbit,
		Logger:     logger,
		Issuer:     auth.NewIssuer(secret, cfg.AccessTokenTTL, clk),
		Wallets:    wallet.NewHandler(walletSvc),
		Payments:   payments.NewHandler(paymentSvc),
		Funding:    funding.NewHandler(fundingSvc),
		Scheduling: scheduling.NewHandler(scheduleSvc),
		OTP:        twophase.NewHandler(coordinator),
	})
	return s, nil
}

// App exposes the Fiber application, mainly for tests.
func (s *Server) App() *fiber.App { return s.app }

// Start launches the executor consumers, the publisher scans and the OTP
// sweeper. They stop when ctx is cancelled.
func (s *Server) Start(ctx context.Context) {
	// A hint already being executed finishes even if shutdown begins.
	handler := queue.HandlerFunc(func(hctx context.Context, h queue.Hint) error {
		return s.executor.Handle(context.WithoutCancel(hctx), h)
	})
	s.spawn("executor", func() error { return s.queue.Consume(ctx, handler) })
	s.spawn("publisher", func() error { return s.publisher.Run(ctx) })
	s.spawn("otp sweeper", func() error { return s.otp.Run(ctx, s.cfg.OTP.SweepInterval) })
}

func (s *Server) spawn(name string, run func() error) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := run(); err != nil && !errors.Is(err, context.Canceled) {
			s.logger.Error("background worker stopped", slog.String("worker", name), slog.Any("error", err))
		}
	}()
}

// Listen starts the HTTP server.
func (s *Server) Listen() error {
	return s.app.Listen(s.cfg.Address())
}

// Shutdown stops the HTTP server, waits for the background workers started
// with a now-cancelled context, then releases the hint queue.
func (s *Server) Shutdown(ctx context.Context) error {
	err := s.app.ShutdownWithContext(ctx)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		err = errors.Join(err, fmt.Errorf("waiting for workers: %w", ctx.Err()))
	}

	if qerr := s.queue.Close(); qerr != nil {
		err = errors.Join(err, qerr)
	}
	for _, closeFn := range s.closers {
		if cerr := closeFn(); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}
	return err
}
