package dispatcher

import (
	"context"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/tracehq/orchestrator/internal/router"
	"github.com/tracehq/orchestrator/pkg/captoken"
	"github.com/tracehq/orchestrator/pkg/mhttp"
	"github.com/tracehq/orchestrator/pkg/mmodel"
	"github.com/tracehq/orchestrator/pkg/orcherrors"
)

// fencedRequest is satisfied by every task-scoped request body so
// bindFencedRequest can check it against the path and the capability
// token without each handler repeating the boilerplate.
type fencedRequest interface {
	fenceKey() (uuid.UUID, int)
}

// bindFencedRequest parses the request body into T, then checks the
// three things every task-scoped mutation requires (§4.3 rules 3-4):
// the path task id matches the body, and the body's (task_id, attempt)
// matches the verified capability token's claims.
func bindFencedRequest[T fencedRequest](c *fiber.Ctx) (uuid.UUID, T, *captoken.Verified, error) {
	var req T

	taskID, err := parseTaskID(c)
	if err != nil {
		return uuid.Nil, req, nil, orcherrors.ValidationError{Field: "taskID", Message: "malformed task id"}
	}

	verified, err := capabilityFromContext(c)
	if err != nil {
		return uuid.Nil, req, nil, err
	}

	if err := c.BodyParser(&req); err != nil {
		return uuid.Nil, req, nil, orcherrors.ValidationError{Field: "body", Message: "malformed request body", Err: err}
	}

	bodyTaskID, bodyAttempt := req.fenceKey()
	if bodyTaskID != uuid.Nil && bodyTaskID != taskID {
		return uuid.Nil, req, nil, orcherrors.ValidationError{Field: "task_id", Message: "request body does not match path"}
	}

	if !verified.MatchesRequest(taskID, bodyAttempt) {
		return uuid.Nil, req, nil, orcherrors.FencingError{TaskID: taskID.String(), Attempt: bodyAttempt, Message: "capability token does not match request"}
	}

	return taskID, req, verified, nil
}

func marshalEnvelope[T any](envelope T) ([]byte, error) {
	b, err := msgpack.Marshal(envelope)
	if err != nil {
		return nil, fmt.Errorf("dispatcher: marshal envelope: %w", err)
	}

	return b, nil
}

// claimResponse is the JSON rendering of mmodel.ClaimResult.
type claimResponse struct {
	Status          mmodel.ClaimStatus      `json:"status"`
	Attempt         int                     `json:"attempt,omitempty"`
	LeaseToken      *uuid.UUID              `json:"lease_token,omitempty"`
	LeaseExpiresAt  *time.Time              `json:"lease_expires_at,omitempty"`
	CapabilityToken string                  `json:"capability_token,omitempty"`
	Payload         *mmodel.TaskPayload     `json:"payload,omitempty"`
	Reason          mmodel.NotClaimedReason `json:"reason,omitempty"`
}

// handleClaim implements task-claim (§4.5): atomically transitions a
// Queued task to Running and mints a capability token scoped to this
// attempt. NotClaimed responses are 200s carrying a reason, not errors -
// losing a claim race is an expected outcome, not a failure.
func (s *Server) handleClaim(c *fiber.Ctx) error {
	taskID, err := parseTaskID(c)
	if err != nil {
		return mhttp.WithError(c, orcherrors.ValidationError{Field: "taskID", Message: "malformed task id"})
	}

	result, err := s.store.ClaimTask(c.UserContext(), taskID, s.leaseDuration)
	if err != nil {
		return mhttp.WithError(c, err)
	}

	if result.Status == mmodel.ClaimStatusNotClaimed {
		return c.Status(fiber.StatusOK).JSON(claimResponse{Status: result.Status, Reason: result.Reason})
	}

	task, err := s.store.GetTask(c.UserContext(), taskID)
	if err != nil {
		return mhttp.WithError(c, err)
	}

	job, err := s.jobs.JobByID(c.UserContext(), task.JobID)
	if err != nil {
		return mhttp.WithError(c, err)
	}

	datasets, objectStore, err := s.grants.Resolve(c.UserContext(), task, job)
	if err != nil {
		return mhttp.WithError(c, err)
	}

	token, err := s.signer.Issue(task.OrgID, task.TaskID, task.Attempt, job.TimeoutSeconds, datasets, objectStore)
	if err != nil {
		return mhttp.WithError(c, orcherrors.InternalError{Message: "mint capability token", Err: err})
	}

	payload := &mmodel.TaskPayload{
		TaskID:      task.TaskID,
		OrgID:       task.OrgID,
		JobName:     job.Name,
		Operator:    job.Operator,
		Config:      job.Config,
		Attempt:     task.Attempt,
		Status:      task.Status,
		TimeoutSecs: job.TimeoutSeconds,
	}

	return c.Status(fiber.StatusOK).JSON(claimResponse{
		Status:          result.Status,
		Attempt:         result.Attempt,
		LeaseToken:      result.LeaseToken,
		LeaseExpiresAt:  result.LeaseExpiresAt,
		CapabilityToken: token,
		Payload:         payload,
	})
}

// handleFetch implements task-fetch (§4.5): returns the same payload
// shape as claim, for a runner that already holds a capability token
// (e.g. an invoked runner restarted mid-attempt) and needs to re-read it.
func (s *Server) handleFetch(c *fiber.Ctx) error {
	taskID, err := parseTaskID(c)
	if err != nil {
		return mhttp.WithError(c, orcherrors.ValidationError{Field: "taskID", Message: "malformed task id"})
	}

	cap, err := capabilityFromContext(c)
	if err != nil {
		return mhttp.WithError(c, err)
	}

	if !cap.MatchesRequest(taskID, cap.Attempt) {
		return mhttp.WithError(c, orcherrors.ForbiddenError{Message: "capability token does not match requested task"})
	}

	task, err := s.store.GetTask(c.UserContext(), taskID)
	if err != nil {
		return mhttp.WithError(c, err)
	}

	if task.Attempt != cap.Attempt {
		return mhttp.WithError(c, orcherrors.FencingError{TaskID: taskID.String(), Attempt: cap.Attempt})
	}

	job, err := s.jobs.JobByID(c.UserContext(), task.JobID)
	if err != nil {
		return mhttp.WithError(c, err)
	}

	return c.JSON(mmodel.TaskPayload{
		TaskID:      task.TaskID,
		OrgID:       task.OrgID,
		JobName:     job.Name,
		Operator:    job.Operator,
		Config:      job.Config,
		Attempt:     task.Attempt,
		Status:      task.Status,
		TimeoutSecs: job.TimeoutSeconds,
	})
}

type heartbeatRequest struct {
	TaskID  uuid.UUID `json:"task_id"`
	Attempt int       `json:"attempt"`
}

func (r heartbeatRequest) fenceKey() (uuid.UUID, int) { return r.TaskID, r.Attempt }

type heartbeatResponse struct {
	LeaseExpiresAt time.Time `json:"lease_expires_at"`
}

// handleHeartbeat implements heartbeat (§4.6): extends the lease, fenced
// by (task_id, attempt, lease_token). The heartbeat request carries no
// lease_token and the capability token has none either: task_id and
// attempt are checked against the capability token, and the lease_token
// passed to the store is the one currently on the task's row.
func (s *Server) handleHeartbeat(c *fiber.Ctx) error {
	taskID, req, cap, err := bindFencedRequest[heartbeatRequest](c)
	if err != nil {
		return mhttp.WithError(c, err)
	}

	task, err := s.store.GetTask(c.UserContext(), taskID)
	if err != nil {
		return mhttp.WithError(c, err)
	}

	if task.LeaseToken == nil {
		return mhttp.WithError(c, orcherrors.FencingError{TaskID: taskID.String(), Attempt: req.Attempt})
	}

	expiry, err := s.store.Heartbeat(c.UserContext(), taskID, cap.Attempt, *task.LeaseToken, s.leaseDuration)
	if err != nil {
		return mhttp.WithError(c, err)
	}

	return c.JSON(heartbeatResponse{LeaseExpiresAt: expiry})
}

// completionEvent is one declared output reported at completion (or via
// the events endpoint): a cursor advance for a linear stream, or a
// partition materialization, never both (§4.5 step 1).
type completionEvent struct {
	DatasetUUID    uuid.UUID           `json:"dataset_uuid"`
	DatasetVersion int64               `json:"dataset_version"`
	Cursor         *int64              `json:"cursor,omitempty"`
	Partition      mmodel.PartitionKey `json:"partition,omitempty"`
}

func (e completionEvent) toRouterEvent() router.Event {
	return router.Event{
		DatasetUUID:    e.DatasetUUID,
		DatasetVersion: e.DatasetVersion,
		Cursor:         e.Cursor,
		Partition:      e.Partition,
	}
}

// validateEvents rejects any event whose partition key does not fit the
// canonical half-open [start, end) convention (§9), before it ever
// reaches the router or the partition ledger.
func validateEvents(events []completionEvent) error {
	for i, e := range events {
		if err := e.Partition.Validate(); err != nil {
			return orcherrors.ValidationError{Field: fmt.Sprintf("events[%d].partition", i), Message: err.Error()}
		}
	}

	return nil
}

type completeRequest struct {
	TaskID  uuid.UUID        `json:"task_id"`
	Attempt int              `json:"attempt"`
	Outputs []mmodel.Handle  `json:"outputs"`
	Events  []completionEvent `json:"events,omitempty"`
}

func (r completeRequest) fenceKey() (uuid.UUID, int) { return r.TaskID, r.Attempt }

// handleComplete implements the commit-on-completion transaction (§4.2,
// §4.5): verifies fencing, writes outputs, advances every declared
// output's cursor or partition ledger, and routes reactive downstream
// tasks, all in one transaction so a crash midway leaves no partial
// commit (invariant F2).
func (s *Server) handleComplete(c *fiber.Ctx) error {
	taskID, req, cap, err := bindFencedRequest[completeRequest](c)
	if err != nil {
		return mhttp.WithError(c, err)
	}

	if err := validateEvents(req.Events); err != nil {
		return mhttp.WithError(c, err)
	}

	task, err := s.store.GetTask(c.UserContext(), taskID)
	if err != nil {
		return mhttp.WithError(c, err)
	}

	if task.LeaseToken == nil {
		return mhttp.WithError(c, orcherrors.FencingError{TaskID: taskID.String(), Attempt: req.Attempt})
	}

	if commitErr := s.commitCompletion(c.UserContext(), taskID, cap.Attempt, *task.LeaseToken, req); commitErr != nil {
		return mhttp.WithError(c, commitErr)
	}

	return mhttp.NoContent(c)
}

// commitCompletion runs the completion write and event routing inside a
// single transaction. Routing only happens once CompleteTask itself has
// succeeded within the same transaction, so a fencing rejection on the
// task never has a side effect of creating downstream work.
func (s *Server) commitCompletion(ctx context.Context, taskID uuid.UUID, attempt int, leaseToken uuid.UUID, req completeRequest) error {
	return s.store.WithTransaction(ctx, func(ctx context.Context) error {
		if err := s.store.CompleteTask(ctx, taskID, attempt, leaseToken, req.Outputs); err != nil {
			return err
		}

		if len(req.Events) == 0 {
			return nil
		}

		task, err := s.store.GetTask(ctx, taskID)
		if err != nil {
			return err
		}

		events := make([]router.Event, 0, len(req.Events))
		for _, e := range req.Events {
			events = append(events, e.toRouterEvent())
		}

		return s.router.Route(ctx, task, events)
	})
}

type failRequest struct {
	TaskID    uuid.UUID        `json:"task_id"`
	Attempt   int              `json:"attempt"`
	ErrorKind mmodel.ErrorKind `json:"error_kind"`
	Message   string           `json:"message"`
}

func (r failRequest) fenceKey() (uuid.UUID, int) { return r.TaskID, r.Attempt }

// handleFail implements the fenced failure path (§4.6): a worker or
// runner reporting its own failure, as opposed to the reaper reclaiming
// an expired lease.
func (s *Server) handleFail(c *fiber.Ctx) error {
	taskID, req, cap, err := bindFencedRequest[failRequest](c)
	if err != nil {
		return mhttp.WithError(c, err)
	}

	task, err := s.store.GetTask(c.UserContext(), taskID)
	if err != nil {
		return mhttp.WithError(c, err)
	}

	if task.LeaseToken == nil {
		return mhttp.WithError(c, orcherrors.FencingError{TaskID: taskID.String(), Attempt: req.Attempt})
	}

	if err := s.store.FailTask(c.UserContext(), taskID, cap.Attempt, *task.LeaseToken, req.ErrorKind, req.Message, nil); err != nil {
		return mhttp.WithError(c, err)
	}

	return mhttp.NoContent(c)
}

type eventsRequest struct {
	TaskID  uuid.UUID          `json:"task_id"`
	Attempt int                `json:"attempt"`
	Events  []completionEvent  `json:"events"`
}

func (r eventsRequest) fenceKey() (uuid.UUID, int) { return r.TaskID, r.Attempt }

// handleEvents implements events() (§4.5, §6): lets a still-running task
// report progress incrementally, without completing, so a long-lived
// streaming producer doesn't have to hold every downstream wake-up until
// its own attempt finishes. Idempotent per event via ClaimEvent: at-least
// -once redelivery of the same batch routes nothing twice.
func (s *Server) handleEvents(c *fiber.Ctx) error {
	taskID, req, cap, err := bindFencedRequest[eventsRequest](c)
	if err != nil {
		return mhttp.WithError(c, err)
	}

	if len(req.Events) == 0 {
		return mhttp.NoContent(c)
	}

	if err := validateEvents(req.Events); err != nil {
		return mhttp.WithError(c, err)
	}

	task, err := s.store.GetTask(c.UserContext(), taskID)
	if err != nil {
		return mhttp.WithError(c, err)
	}

	if task.LeaseToken == nil || task.Attempt != cap.Attempt {
		return mhttp.WithError(c, orcherrors.FencingError{TaskID: taskID.String(), Attempt: req.Attempt})
	}

	events := make([]router.Event, 0, len(req.Events))
	for _, e := range req.Events {
		events = append(events, e.toRouterEvent())
	}

	err = s.store.WithTransaction(c.UserContext(), func(ctx context.Context) error {
		return s.router.Route(ctx, task, events)
	})
	if err != nil {
		return mhttp.WithError(c, err)
	}

	return mhttp.NoContent(c)
}

type bufferPublishRequest struct {
	TaskID      uuid.UUID `json:"task_id"`
	Attempt     int       `json:"attempt"`
	DatasetUUID uuid.UUID `json:"dataset_uuid"`
	BatchURI    string    `json:"batch_uri"`
	ContentType string    `json:"content_type"`
	Size        int64     `json:"size"`
	DedupeScope string    `json:"dedupe_scope"`
}

func (r bufferPublishRequest) fenceKey() (uuid.UUID, int) { return r.TaskID, r.Attempt }

// handleBufferPublish implements buffer-publish (§4.5): records a
// pointer to an already-uploaded batch artifact and writes a
// BufferPointerEnvelope to the outbox in the same transaction, so the
// sink consumer is woken only after the publish record durably exists
// (invariant: tenant attribution comes from this trusted record, never
// from the batch payload itself).
func (s *Server) handleBufferPublish(c *fiber.Ctx) error {
	taskID, req, cap, err := bindFencedRequest[bufferPublishRequest](c)
	if err != nil {
		return mhttp.WithError(c, err)
	}

	if len(cap.Datasets) > 0 {
		granted := false

		for _, g := range cap.Datasets {
			if g.DatasetUUID == req.DatasetUUID {
				granted = true
				break
			}
		}

		if !granted {
			return mhttp.WithError(c, orcherrors.ForbiddenError{Message: "capability token has no grant for this dataset"})
		}
	}

	rec := mmodel.BufferedPublishRecord{
		TaskID:      taskID,
		Attempt:     cap.Attempt,
		BatchURI:    req.BatchURI,
		ContentType: req.ContentType,
		Size:        req.Size,
		DedupeScope: req.DedupeScope,
	}

	err = s.store.WithTransaction(c.UserContext(), func(ctx context.Context) error {
		first, claimErr := s.bufferPublisher.ClaimBufferedPublish(ctx, rec)
		if claimErr != nil {
			return claimErr
		}

		if !first {
			return nil
		}

		envelope := mmodel.BufferPointerEnvelope{
			Kind:        mmodel.EnvelopeBufferPointer,
			DatasetUUID: req.DatasetUUID,
			TaskID:      taskID,
			Attempt:     cap.Attempt,
			BatchURI:    req.BatchURI,
			ContentType: req.ContentType,
			Size:        req.Size,
			DedupeScope: req.DedupeScope,
		}

		payload, encErr := marshalEnvelope(envelope)
		if encErr != nil {
			return orcherrors.InternalError{Message: "encode buffer pointer envelope", Err: encErr}
		}

		return s.store.InsertOutbox(ctx, &mmodel.OutboxRow{Topic: "buffer-pointer", Payload: payload})
	})
	if err != nil {
		return mhttp.WithError(c, err)
	}

	return mhttp.NoContent(c)
}
