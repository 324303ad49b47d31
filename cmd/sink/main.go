// Command sink runs the buffered-dataset sink consumer (C8, §4.8): it
// drains the Buffer Queue, fetches each batch artifact from object
// storage, and idempotently upserts its records into MongoDB.
package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/tracehq/orchestrator/internal/adapters/mongosink"
	"github.com/tracehq/orchestrator/internal/adapters/pgqueue"
	"github.com/tracehq/orchestrator/internal/adapters/rabbitmq"
	"github.com/tracehq/orchestrator/internal/adapters/s3batch"
	appconfig "github.com/tracehq/orchestrator/internal/config"
	"github.com/tracehq/orchestrator/internal/queue"
	"github.com/tracehq/orchestrator/internal/router"
	"github.com/tracehq/orchestrator/internal/sink"

	"github.com/tracehq/orchestrator/internal/adapters/postgres"
	"github.com/tracehq/orchestrator/pkg/mcircuitbreaker"
	"github.com/tracehq/orchestrator/pkg/mlog"
	"github.com/tracehq/orchestrator/pkg/mmongo"
	"github.com/tracehq/orchestrator/pkg/mpostgres"
	"github.com/tracehq/orchestrator/pkg/mrabbitmq"
)

type logStateListener struct{ logger mlog.Logger }

func (l logStateListener) OnCircuitBreakerStateChange(event mcircuitbreaker.StateChangeEvent) {
	l.logger.Warnf("circuit breaker %s: %s -> %s", event.ServiceName, event.FromState, event.ToState)
}

func main() {
	logger := mlog.NewZapLogger()
	defer func() { _ = logger.Sync() }()

	var cfg appconfig.SinkConfig
	if err := appconfig.LoadFromEnv(&cfg); err != nil {
		logger.Fatalf("sink: load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pgConn := &mpostgres.Connection{
		ConnectionStringPrimary: fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=disable",
			cfg.PrimaryDBHost, cfg.PrimaryDBUser, cfg.PrimaryDBPassword, cfg.PrimaryDBName, cfg.PrimaryDBPort),
		PrimaryDBName: cfg.PrimaryDBName,
		Logger:        logger,
	}

	if err := pgConn.Connect(ctx); err != nil {
		logger.Fatalf("sink: connect postgres: %v", err)
	}

	store := postgres.New(pgConn)

	mongoConn := &mmongo.Connection{
		ConnectionStringSource: cfg.MongoURI,
		Database:               cfg.MongoDBName,
		Logger:                 logger,
	}

	if err := mongoConn.Connect(ctx); err != nil {
		logger.Fatalf("sink: connect mongo: %v", err)
	}

	dataStore := mongosink.New(mongoConn)

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		logger.Fatalf("sink: load aws config: %v", err)
	}

	fetcher := s3batch.New(s3.NewFromConfig(awsCfg))

	var queueDriver queue.Driver

	switch cfg.QueueDriver {
	case "pgqueue":
		queueDriver = pgqueue.New(pgConn, cfg.MaxReceiveCount)
	default:
		rabbitConn := &mrabbitmq.Connection{ConnectionStringSource: cfg.RabbitURI, Logger: logger}
		if err := rabbitConn.Connect(ctx); err != nil {
			logger.Fatalf("sink: connect rabbitmq: %v", err)
		}

		queueDriver = rabbitmq.New(rabbitConn, logger, logStateListener{logger: logger})
	}

	eventRouter := router.New(store, logger)

	consumer := sink.New(sink.Config{
		Queue:           queueDriver,
		Fetcher:         fetcher,
		DataStore:       dataStore,
		Store:           store,
		Router:          eventRouter,
		Logger:          logger,
		QueueName:       cfg.BufferQueue,
		PoisonThreshold: cfg.MaxReceiveCount,
	})

	for i := 0; i < max(cfg.NumWorkers, 1); i++ {
		go consumer.Run(ctx)
	}

	<-ctx.Done()

	// Give in-flight batches a moment to ack before the process exits.
	time.Sleep(time.Second)
}
