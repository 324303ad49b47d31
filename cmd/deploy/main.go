// Command deploy drives the DAG deploy/cutover controller (C9, §4.9)
// from the command line: parse and ingest a DAG description, then
// optionally cut the active DAG pointer over to the version it created.
//
// Usage:
//
//	deploy <dag.yaml>              create or reuse a DAG version
//	deploy -cutover <dag_version_id> <dag_name>   activate an existing version
//	deploy -rollback <dag_version_id> <dag_name>  restore a prior version
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"github.com/tracehq/orchestrator/internal/adapters/postgres"
	appconfig "github.com/tracehq/orchestrator/internal/config"
	"github.com/tracehq/orchestrator/internal/deploy"
	"github.com/tracehq/orchestrator/pkg/mlog"
	"github.com/tracehq/orchestrator/pkg/mpostgres"
)

func main() {
	cutover := flag.Bool("cutover", false, "activate an already-deployed dag_version_id")
	rollback := flag.Bool("rollback", false, "restore a prior dag_version_id as active")
	flag.Parse()

	logger := mlog.NewZapLogger()
	defer func() { _ = logger.Sync() }()

	var cfg appconfig.DeployConfig
	if err := appconfig.LoadFromEnv(&cfg); err != nil {
		logger.Fatalf("deploy: load config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pgConn := &mpostgres.Connection{
		ConnectionStringPrimary: fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%s sslmode=disable",
			cfg.PrimaryDBHost, cfg.PrimaryDBUser, cfg.PrimaryDBPassword, cfg.PrimaryDBName, cfg.PrimaryDBPort),
		PrimaryDBName:  cfg.PrimaryDBName,
		MigrationsPath: cfg.MigrationsPath,
		Logger:         logger,
	}

	if err := pgConn.Connect(ctx); err != nil {
		logger.Fatalf("deploy: connect postgres: %v", err)
	}

	store := postgres.New(pgConn)
	controller := deploy.New(store, logger)

	switch {
	case *cutover:
		dagVersionID, dagName := requireTwoArgs()

		if err := controller.Cutover(ctx, dagName, dagVersionID); err != nil {
			logger.Fatalf("deploy: cutover: %v", err)
		}

		fmt.Printf("activated dag_version %s for %s\n", dagVersionID, dagName)
	case *rollback:
		dagVersionID, dagName := requireTwoArgs()

		canceled, err := controller.Rollback(ctx, dagName, dagVersionID)
		if err != nil {
			logger.Fatalf("deploy: rollback: %v", err)
		}

		fmt.Printf("restored dag_version %s for %s, canceled %d in-flight tasks\n", dagVersionID, dagName, canceled)
	default:
		path := flag.Arg(0)
		if path == "" {
			logger.Fatalf("deploy: usage: deploy <dag.yaml>")
		}

		orgID, err := uuid.Parse(cfg.OrgID)
		if err != nil {
			logger.Fatalf("deploy: malformed TRACE_DEPLOY_ORG_ID: %v", err)
		}

		f, err := os.Open(path)
		if err != nil {
			logger.Fatalf("deploy: open %s: %v", path, err)
		}
		defer func() { _ = f.Close() }()

		result, err := controller.Deploy(ctx, orgID, f)
		if err != nil {
			logger.Fatalf("deploy: %v", err)
		}

		if result.Reused {
			fmt.Printf("dag_version %s already exists for this description\n", result.DagVersionID)
			return
		}

		fmt.Printf("created dag_version %s, rematerializing %d job(s): %v\n",
			result.DagVersionID, len(result.RematerializedJobs), result.RematerializedJobs)
	}
}

func requireTwoArgs() (uuid.UUID, string) {
	if flag.NArg() < 2 {
		fmt.Fprintln(os.Stderr, "deploy: expected <dag_version_id> <dag_name>")
		os.Exit(2)
	}

	id, err := uuid.Parse(flag.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "deploy: malformed dag_version_id: %v\n", err)
		os.Exit(2)
	}

	return id, flag.Arg(1)
}
