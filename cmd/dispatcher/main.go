// Command dispatcher runs the Dispatcher API (C5) alongside the outbox
// publisher (C4) and the reaper (C6) in a single process, sharing one
// control-plane connection pool, per §4.2-§4.6.
package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sts"

	"github.com/tracehq/orchestrator/internal/adapters/pgqueue"
	"github.com/tracehq/orchestrator/internal/adapters/postgres"
	"github.com/tracehq/orchestrator/internal/adapters/rabbitmq"
	appconfig "github.com/tracehq/orchestrator/internal/config"
	"github.com/tracehq/orchestrator/internal/dispatcher"
	"github.com/tracehq/orchestrator/internal/outboxpublisher"
	"github.com/tracehq/orchestrator/internal/queue"
	"github.com/tracehq/orchestrator/internal/reaper"
	"github.com/tracehq/orchestrator/internal/router"
	"github.com/tracehq/orchestrator/pkg/captoken"
	"github.com/tracehq/orchestrator/pkg/mcircuitbreaker"
	"github.com/tracehq/orchestrator/pkg/mlock"
	"github.com/tracehq/orchestrator/pkg/mlog"
	"github.com/tracehq/orchestrator/pkg/mpostgres"
	"github.com/tracehq/orchestrator/pkg/mrabbitmq"
	"github.com/tracehq/orchestrator/pkg/mredis"
	"github.com/tracehq/orchestrator/pkg/mretry"
	"github.com/tracehq/orchestrator/pkg/mruntime"
	"github.com/tracehq/orchestrator/pkg/objectstore"
)

type logStateListener struct{ logger mlog.Logger }

func (l logStateListener) OnCircuitBreakerStateChange(event mcircuitbreaker.StateChangeEvent) {
	l.logger.Warnf("circuit breaker %s: %s -> %s", event.ServiceName, event.FromState, event.ToState)
}

func main() {
	logger := mlog.NewZapLogger()
	defer func() { _ = logger.Sync() }()

	var cfg appconfig.DispatcherConfig
	if err := appconfig.LoadFromEnv(&cfg); err != nil {
		logger.Fatalf("dispatcher: load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pgConn := &mpostgres.Connection{
		ConnectionStringPrimary: fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=disable",
			cfg.PrimaryDBHost, cfg.PrimaryDBUser, cfg.PrimaryDBPassword, cfg.PrimaryDBName, cfg.PrimaryDBPort),
		ConnectionStringReplica: fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=disable",
			cfg.ReplicaDBHost, cfg.ReplicaDBUser, cfg.ReplicaDBPassword, cfg.ReplicaDBName, cfg.ReplicaDBPort),
		PrimaryDBName:  cfg.PrimaryDBName,
		MigrationsPath: cfg.MigrationsPath,
		Logger:         logger,
	}

	if err := pgConn.Connect(ctx); err != nil {
		logger.Fatalf("dispatcher: connect postgres: %v", err)
	}

	store := postgres.New(pgConn)

	var queueDriver queue.Driver

	switch cfg.QueueDriver {
	case "pgqueue":
		queueDriver = pgqueue.New(pgConn, queue.MaxReceiveCount)
	default:
		rabbitConn := &mrabbitmq.Connection{ConnectionStringSource: cfg.RabbitURI, Logger: logger}
		if err := rabbitConn.Connect(ctx); err != nil {
			logger.Fatalf("dispatcher: connect rabbitmq: %v", err)
		}

		queueDriver = rabbitmq.New(rabbitConn, logger, logStateListener{logger: logger})
	}

	keyID := cfg.CapabilityTokenKeyID
	signer := captoken.NewSigner(keyID, []byte(cfg.CapabilityTokenKey), time.Duration(cfg.CapabilityTokenMarginSeconds)*time.Second)
	verifier := captoken.NewVerifier(captoken.StaticKeySet{keyID: []byte(cfg.CapabilityTokenKey)})

	var credMinter dispatcher.CredentialMinter

	if cfg.StsRoleArn != "" {
		awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
		if err != nil {
			logger.Fatalf("dispatcher: load aws config: %v", err)
		}

		credMinter = objectstore.NewMinter(sts.NewFromConfig(awsCfg), cfg.StsRoleArn)
	}

	leaseDuration := time.Duration(cfg.LeaseDurationSeconds) * time.Second

	var locker mlock.Locker = mlock.Noop{}

	if cfg.RedisURI != "" {
		redisConn := &mredis.Connection{ConnectionStringSource: cfg.RedisURI, Logger: logger}

		redisClient, err := redisConn.Client(ctx)
		if err != nil {
			logger.Fatalf("dispatcher: connect redis: %v", err)
		}

		locker = mlock.NewRedsyncLocker(redisClient, logger)
	}

	eventRouter := router.New(store, logger)

	server := dispatcher.New(dispatcher.Config{
		Store:           store,
		Jobs:            store,
		Grants:          dispatcher.NewDatasetGrantResolver(store),
		Router:          eventRouter,
		BufferPublisher: store,
		Signer:          signer,
		Verifier:        verifier,
		Credentials:     credMinter,
		Logger:          logger,
		LeaseDuration:   leaseDuration,
	})

	publisher := outboxpublisher.New(
		store,
		queueDriver,
		logger,
		outboxpublisher.NopAlerter{},
		mretry.DefaultMetadataOutboxConfig(),
		100,
		time.Duration(cfg.OutboxPollIntervalMilli)*time.Millisecond,
	).WithLocker(locker)

	reaperSvc := reaper.New(reaper.Config{
		Store:       store,
		Restarter:   reaper.NopSourceRestarter{},
		Alerter:     reaper.NopAlerter{},
		Logger:      logger,
		Locker:      locker,
		MaxAttempts: 5,
		Backoff:     mretry.DefaultDLQConfig(),
	})

	mruntime.SafeGoWithContext(ctx, mlog.AsRuntimeLogger(logger), "outbox-publisher", mruntime.CrashProcess, func(ctx context.Context) {
		publisher.Run(ctx)
	})

	mruntime.SafeGoWithContext(ctx, mlog.AsRuntimeLogger(logger), "reaper", mruntime.CrashProcess, func(ctx context.Context) {
		reaperSvc.Run(ctx)
	})

	go func() {
		<-ctx.Done()
		if err := server.Shutdown(); err != nil {
			logger.Errorf("dispatcher: shutdown: %v", err)
		}
	}()

	addr := cfg.HTTPPort
	if addr == "" {
		addr = "8080"
	}

	if err := server.Listen(":" + addr); err != nil {
		logger.Errorf("dispatcher: server stopped: %v", err)
	}
}
