package infrastructure

import (
	"context"
	"fmt"
	"log/slog"

	"paysync/internal/cache"
	"paysync/internal/config"
	"paysync/internal/repository"
	"paysync/internal/service"
	transportAMQP "paysync/internal/transport/amqp"
	transportHTTP "paysync/internal/transport/http"
	transportKafka "paysync/internal/transport/kafka"
	transportNATS "paysync/internal/transport/nats"
	"paysync/internal/verifier"
	"paysync/internal/worker"
)

// Bootstrap initialises all dependencies from config and wires up the application.
// Returns the App, a cleanup function, or an error.
func Bootstrap(ctx context.Context) (*App, func(), error) {
	cfg, err := config.New()
	if err != nil {
		return nil, nil, err
	}
	logger := SetupLogger(cfg)

	var cleanupFns []func()
	fail := func(err error) (*App, func(), error) {
		runCleanup(cleanupFns)()
		return nil, nil, err
	}

	// ── Policy ────────────────────────────────────────────────────────────────
	policy, err := config.NewPolicyLoader(cfg.PolicyFile)
	if err != nil {
		return fail(err)
	}
	stopWatch, err := policy.Watch()
	if err != nil {
		return fail(err)
	}
	cleanupFns = append(cleanupFns, stopWatch)
	policy.OnChange(func(p *config.Policy) {
		logger.Info("policy reloaded",
			"allocation_pct", p.Allocation.Percentage,
			"max_attempts", p.Retry.MaxAttempts,
		)
	})

	// ── Store ─────────────────────────────────────────────────────────────────
	var store repository.Store
	switch cfg.StoreProvider {
	case "postgres":
		db, err := connectPostgres(cfg.DSN())
		if err != nil {
			return fail(err)
		}
		cleanupFns = append(cleanupFns, db.Close)
		store = repository.NewLedgerRepo(db)
	case "memory":
		logger.Warn("using in-memory store; ledger is lost on restart")
		store = repository.NewMemoryStore()
	}

	// ── Cache ─────────────────────────────────────────────────────────────────
	rdb, err := connectRedis(cfg.RedisAddr(), cfg.RedisPassword)
	if err != nil {
		return fail(err)
	}
	var readCache service.Cache
	var evictor *cache.Evictor
	if rdb != nil {
		cleanupFns = append(cleanupFns, func() { _ = rdb.Close() })
		redisCache := cache.New(rdb, logger)
		readCache = redisCache
		evictor = cache.NewEvictor(redisCache, logger)
	}

	// ── Bus ───────────────────────────────────────────────────────────────────
	var bus repository.MessageBus
	var servers []Server

	switch cfg.BusProvider {
	case "nats":
		nc, err := connectNats(cfg.NatsAddr())
		if err != nil {
			return fail(err)
		}
		cleanupFns = append(cleanupFns, nc.Close)
		bus = transportNATS.NewBus(nc)
		if evictor != nil {
			servers = append(servers, transportNATS.NewHandler(evictor, nc, logger))
		}

	case "kafka":
		kafkaBus, err := transportKafka.NewBus(cfg.KafkaBrokers, logger)
		if err != nil {
			return fail(err)
		}
		cleanupFns = append(cleanupFns, func() { _ = kafkaBus.Close() })
		bus = kafkaBus
		if evictor != nil {
			servers = append(servers, transportKafka.NewSubscriber(cfg.KafkaBrokers, evictor, logger))
		}

	case "none":
		if evictor != nil {
			bus = cache.NewLocalBus(evictor)
		}
	}

	// ── Dead-letter notifications ─────────────────────────────────────────────
	var notifier service.DeadLetterNotifier
	if cfg.AMQPURL != "" {
		n, err := transportAMQP.NewNotifier(cfg.AMQPURL, transportAMQP.DeadLetterQueue, logger)
		if err != nil {
			return fail(err)
		}
		cleanupFns = append(cleanupFns, func() { _ = n.Close() })
		notifier = n
	}

	// ── Services ──────────────────────────────────────────────────────────────
	v, err := verifier.New(cfg.WebhookSecret, cfg.WebhookTolerance)
	if err != nil {
		return fail(fmt.Errorf("verifier: %w", err))
	}

	queue := service.NewRetryQueue(store, policy, notifier, logger)
	router := service.NewRouter(store, bus, queue, policy, logger)
	svc := service.NewService(v, router, queue, store, readCache, logger)

	servers = append(servers,
		transportHTTP.NewServer(cfg.ApiAddr(), svc, logger),
		worker.NewRetryWorker(queue, router, cfg.RetryInterval, cfg.RetryBatch, cfg.RetryLease, logger),
	)

	logger.Info("paysync wired",
		slog.String("store", cfg.StoreProvider),
		slog.String("bus", cfg.BusProvider),
		slog.Bool("cache", rdb != nil),
		slog.Bool("dead_letter_notifications", notifier != nil),
	)

	return NewApp(servers), runCleanup(cleanupFns), nil
}

// runCleanup returns a single function that calls all cleanup functions in reverse order.
func runCleanup(fns []func()) func() {
	return func() {
		for i := len(fns) - 1; i >= 0; i-- {
			fns[i]()
		}
	}
}
