package mhttp

import (
	"github.com/gofiber/fiber/v2"
	"github.com/tracehq/orchestrator/pkg/orcherrors"
)

// WithError maps a typed orcherrors value to its HTTP rendering. Anything
// not recognized here falls through to a sanitized 500 — no internal
// error detail leaks to the caller (§7 "sanitized, no secrets").
func WithError(c *fiber.Ctx, err error) error {
	switch e := err.(type) {
	case orcherrors.EntityNotFoundError:
		return NotFound(c, "", e.EntityType, e.Error())
	case *orcherrors.EntityNotFoundError:
		return NotFound(c, "", e.EntityType, e.Error())
	case orcherrors.EntityConflictError:
		return Conflict(c, "", e.EntityType, e.Error())
	case *orcherrors.EntityConflictError:
		return Conflict(c, "", e.EntityType, e.Error())
	case orcherrors.ValidationError:
		return BadRequest(c, ResponseError{Title: e.Field, Message: e.Error()})
	case *orcherrors.ValidationError:
		return BadRequest(c, ResponseError{Title: e.Field, Message: e.Error()})
	case orcherrors.UnauthorizedError:
		return Unauthorized(c, "", "", e.Message)
	case *orcherrors.UnauthorizedError:
		return Unauthorized(c, "", "", e.Message)
	case orcherrors.ForbiddenError:
		return Forbidden(c, "", "", e.Message)
	case *orcherrors.ForbiddenError:
		return Forbidden(c, "", "", e.Message)
	case orcherrors.FencingError:
		return Conflict(c, string(e.ErrorKind()), "stale attempt", e.Error())
	case *orcherrors.FencingError:
		return Conflict(c, string(e.ErrorKind()), "stale attempt", e.Error())
	case orcherrors.BackpressureError:
		return UnprocessableEntity(c, string(e.ErrorKind()), e.JobName, e.Message)
	case *orcherrors.BackpressureError:
		return UnprocessableEntity(c, string(e.ErrorKind()), e.JobName, e.Message)
	case orcherrors.DeployRejectedError:
		return BadRequest(c, ResponseError{Code: string(e.ErrorKind()), Message: e.Error()})
	case *orcherrors.DeployRejectedError:
		return BadRequest(c, ResponseError{Code: string(e.ErrorKind()), Message: e.Error()})
	case ResponseError:
		return InternalServerError(c, e.Code, e.Title, e.Message)
	default:
		return InternalServerError(c, "", "internal error", "an internal error occurred")
	}
}
