// Command worker runs the pull-worker wrapper (C7, §4.7): it drains the
// task-wakeup queue, claims and executes each task through an Operator,
// and completes or fails it in lockstep with the queue delivery.
//
// Operators are business logic this core never interprets; a concrete
// deployment registers its own before calling worker.New. This binary
// ships an empty worker.Registry as the extension point.
package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	appconfig "github.com/tracehq/orchestrator/internal/config"
	"github.com/tracehq/orchestrator/internal/dispatchclient"
	"github.com/tracehq/orchestrator/internal/queue"
	"github.com/tracehq/orchestrator/internal/worker"

	"github.com/tracehq/orchestrator/internal/adapters/pgqueue"
	"github.com/tracehq/orchestrator/internal/adapters/rabbitmq"
	"github.com/tracehq/orchestrator/pkg/mcircuitbreaker"
	"github.com/tracehq/orchestrator/pkg/mlog"
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

	var cfg appconfig.WorkerConfig
	if err := appconfig.LoadFromEnv(&cfg); err != nil {
		logger.Fatalf("worker: load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var queueDriver queue.Driver

	switch cfg.QueueDriver {
	case "pgqueue":
		pgConn := &mpostgres.Connection{
			ConnectionStringPrimary: fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=disable",
				cfg.PrimaryDBHost, cfg.PrimaryDBUser, cfg.PrimaryDBPassword, cfg.PrimaryDBName, cfg.PrimaryDBPort),
			PrimaryDBName: cfg.PrimaryDBName,
			Logger:        logger,
		}

		if err := pgConn.Connect(ctx); err != nil {
			logger.Fatalf("worker: connect postgres: %v", err)
		}

		queueDriver = pgqueue.New(pgConn, queue.MaxReceiveCount)
	default:
		rabbitConn := &mrabbitmq.Connection{ConnectionStringSource: cfg.RabbitURI, Logger: logger}
		if err := rabbitConn.Connect(ctx); err != nil {
			logger.Fatalf("worker: connect rabbitmq: %v", err)
		}

		queueDriver = rabbitmq.New(rabbitConn, logger, logStateListener{logger: logger})
	}

	client, err := dispatchclient.New(dispatchclient.Config{
		BaseURL:       cfg.DispatcherBaseURL,
		BreakerName:   "dispatcher-client",
		StateListener: logStateListener{logger: logger},
	})
	if err != nil {
		logger.Fatalf("worker: build dispatch client: %v", err)
	}

	heartbeat := time.Duration(cfg.HeartbeatIntervalSeconds) * time.Second

	w := worker.New(worker.Config{
		Dispatcher:     client,
		Queue:          queueDriver,
		Operators:      worker.Registry{},
		Logger:         logger,
		QueueName:      cfg.TaskWakeupQueue,
		HeartbeatEvery: heartbeat,
	})

	w.Run(ctx)
}
