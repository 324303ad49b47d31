// Package dispatcher is the Dispatcher API (C5, §4.5-§4.6): the
// fiber-based HTTP surface workers and invoked runners call to claim
// tasks, fetch payloads, heartbeat, publish buffered output, and commit
// completion or failure. Every task-scoped mutation is fenced by
// (task_id, attempt), verified against the capability token, and by the
// lease_token read from the task's current row.
package dispatcher

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/tracehq/orchestrator/internal/router"
	"github.com/tracehq/orchestrator/pkg/captoken"
	"github.com/tracehq/orchestrator/pkg/mhttp"
	"github.com/tracehq/orchestrator/pkg/mlog"
	"github.com/tracehq/orchestrator/pkg/mmodel"
)

// Store is the control-plane surface the Dispatcher API depends on.
type Store interface {
	CreateTask(ctx context.Context, t *mmodel.Task, uniqueKey string) error
	GetTask(ctx context.Context, taskID uuid.UUID) (*mmodel.Task, error)
	ClaimTask(ctx context.Context, taskID uuid.UUID, leaseDuration time.Duration) (*mmodel.ClaimResult, error)
	Heartbeat(ctx context.Context, taskID uuid.UUID, attempt int, leaseToken uuid.UUID, extension time.Duration) (time.Time, error)
	CompleteTask(ctx context.Context, taskID uuid.UUID, attempt int, leaseToken uuid.UUID, outputs []mmodel.Handle) error
	FailTask(ctx context.Context, taskID uuid.UUID, attempt int, leaseToken uuid.UUID, kind mmodel.ErrorKind, message string, nextRetryAt *time.Time) error
	AdvanceCursor(ctx context.Context, datasetUUID uuid.UUID, version int64, cursor int64) error
	InsertOutbox(ctx context.Context, row *mmodel.OutboxRow) error
	WithTransaction(ctx context.Context, fn func(ctx context.Context) error) error
}

// JobCatalog resolves a job's static definition, used to rebuild a
// TaskPayload and to mint a correctly-scoped capability token on claim.
type JobCatalog interface {
	JobByID(ctx context.Context, jobID uuid.UUID) (*mmodel.Job, error)
}

// EventRouter advances dataset ledgers and dedupe-creates downstream
// reactive tasks after a completion or events() call (§4.5).
type EventRouter interface {
	Route(ctx context.Context, producer *mmodel.Task, events []router.Event) error
}

// noopEventRouter drops every event, used when a deployment wires no
// reactive DAG edges at all.
type noopEventRouter struct{}

func (noopEventRouter) Route(context.Context, *mmodel.Task, []router.Event) error { return nil }

// BufferPublisher records the idempotency ledger entry behind
// buffer-publish (§4.5).
type BufferPublisher interface {
	ClaimBufferedPublish(ctx context.Context, rec mmodel.BufferedPublishRecord) (bool, error)
}

// Server wires the Dispatcher API's routes onto a fiber app.
type Server struct {
	app             *fiber.App
	store           Store
	jobs            JobCatalog
	grants          GrantResolver
	router          EventRouter
	bufferPublisher BufferPublisher
	signer          *captoken.Signer
	verifier        *captoken.Verifier
	credentials     CredentialMinter
	logger          mlog.Logger

	leaseDuration time.Duration
}

// Config holds Server construction parameters.
type Config struct {
	Store           Store
	Jobs            JobCatalog
	Grants          GrantResolver
	Router          EventRouter
	BufferPublisher BufferPublisher
	Signer          *captoken.Signer
	Verifier        *captoken.Verifier
	Credentials     CredentialMinter
	Logger          mlog.Logger
	LeaseDuration   time.Duration
}

// New builds a Server with every route registered.
func New(cfg Config) *Server {
	grants := cfg.Grants
	if grants == nil {
		grants = NoopGrantResolver{}
	}

	evRouter := cfg.Router
	if evRouter == nil {
		evRouter = noopEventRouter{}
	}

	bufferPublisher := cfg.BufferPublisher
	if bufferPublisher == nil {
		if bp, ok := cfg.Store.(BufferPublisher); ok {
			bufferPublisher = bp
		}
	}

	s := &Server{
		store:           cfg.Store,
		jobs:            cfg.Jobs,
		grants:          grants,
		router:          evRouter,
		bufferPublisher: bufferPublisher,
		signer:          cfg.Signer,
		verifier:        cfg.Verifier,
		credentials:     cfg.Credentials,
		logger:          cfg.Logger,
		leaseDuration:   cfg.LeaseDuration,
	}

	app := fiber.New(fiber.Config{DisableStartupMessage: true})

	app.Use(mhttp.WithLogger(s.logger))
	app.Use(mhttp.WithCorrelationID())
	app.Use(mhttp.WithHTTPLogging())

	app.Get("/health", func(c *fiber.Ctx) error { return c.SendStatus(fiber.StatusOK) })

	v1 := app.Group("/v1/tasks")
	v1.Post("/:taskID/claim", s.handleClaim)

	scoped := v1.Group("", withCapabilityToken(s.verifier))
	scoped.Get("/:taskID", s.handleFetch)
	scoped.Post("/:taskID/heartbeat", s.handleHeartbeat)
	scoped.Post("/:taskID/buffer-publish", s.handleBufferPublish)
	scoped.Post("/:taskID/events", s.handleEvents)
	scoped.Post("/:taskID/complete", s.handleComplete)
	scoped.Post("/:taskID/fail", s.handleFail)
	scoped.Post("/:taskID/credentials", s.handleCredentials)

	s.app = app

	return s
}

// Listen starts serving on addr, blocking until the server is shut down.
func (s *Server) Listen(addr string) error {
	return s.app.Listen(addr)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown() error {
	return s.app.Shutdown()
}

func parseTaskID(c *fiber.Ctx) (uuid.UUID, error) {
	return uuid.Parse(c.Params("taskID"))
}
