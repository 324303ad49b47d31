// Command invokedrunner executes exactly one task attempt for a
// lambda/ecs_task runtime (§4.7 "invoked_call" transport): the platform
// invokes this binary with a task id and capability token out-of-band.
// It runs the attempt once and does not retry it.
package main

import (
	"context"
	"os"

	"github.com/google/uuid"

	appconfig "github.com/tracehq/orchestrator/internal/config"
	"github.com/tracehq/orchestrator/internal/dispatchclient"
	"github.com/tracehq/orchestrator/internal/worker"
	"github.com/tracehq/orchestrator/pkg/mlog"
)

func main() {
	logger := mlog.NewZapLogger()
	defer func() { _ = logger.Sync() }()

	var cfg appconfig.InvokedRunnerConfig
	if err := appconfig.LoadFromEnv(&cfg); err != nil {
		logger.Fatalf("invokedrunner: load config: %v", err)
	}

	taskID, err := uuid.Parse(cfg.TaskID)
	if err != nil {
		logger.Fatalf("invokedrunner: malformed TRACE_TASK_ID: %v", err)
	}

	client, err := dispatchclient.New(dispatchclient.Config{BaseURL: cfg.DispatcherBaseURL})
	if err != nil {
		logger.Fatalf("invokedrunner: build dispatch client: %v", err)
	}

	runner := worker.NewInvokedRunner(client, worker.Registry{}, logger, 0)

	if err := runner.Run(context.Background(), taskID, cfg.CapabilityToken); err != nil {
		logger.Errorf("invokedrunner: task %s failed: %v", taskID, err)
		os.Exit(1)
	}
}
