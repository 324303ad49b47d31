// Package mhttp provides the fiber-based HTTP plumbing shared by the
// Dispatcher API and the credential-minting endpoint: response helpers,
// an error-to-status mapper, and the middleware chain (correlation id,
// structured logging). Capability-token auth lives in
// internal/dispatcher.
package mhttp

import "github.com/gofiber/fiber/v2"

// ResponseError is the JSON body returned for any non-2xx response.
type ResponseError struct {
	Code    string `json:"code,omitempty"`
	Title   string `json:"title,omitempty"`
	Message string `json:"message,omitempty"`
}

func (r ResponseError) Error() string { return r.Message }

// NotFound renders a 404.
func NotFound(c *fiber.Ctx, code, title, message string) error {
	return c.Status(fiber.StatusNotFound).JSON(ResponseError{Code: code, Title: title, Message: message})
}

// Conflict renders a 409, the canonical signal for a stale-attempt or
// stale-lease rejection (§7 propagation policy).
func Conflict(c *fiber.Ctx, code, title, message string) error {
	return c.Status(fiber.StatusConflict).JSON(ResponseError{Code: code, Title: title, Message: message})
}

// BadRequest renders a 400.
func BadRequest(c *fiber.Ctx, body any) error {
	return c.Status(fiber.StatusBadRequest).JSON(body)
}

// Unauthorized renders a 401.
func Unauthorized(c *fiber.Ctx, code, title, message string) error {
	return c.Status(fiber.StatusUnauthorized).JSON(ResponseError{Code: code, Title: title, Message: message})
}

// Forbidden renders a 403.
func Forbidden(c *fiber.Ctx, code, title, message string) error {
	return c.Status(fiber.StatusForbidden).JSON(ResponseError{Code: code, Title: title, Message: message})
}

// UnprocessableEntity renders a 422, used for backpressure rejections.
func UnprocessableEntity(c *fiber.Ctx, code, title, message string) error {
	return c.Status(fiber.StatusUnprocessableEntity).JSON(ResponseError{Code: code, Title: title, Message: message})
}

// InternalServerError renders a 500. Per §7, 5xx codes are the signal
// that a retry is safe and idempotent.
func InternalServerError(c *fiber.Ctx, code, title, message string) error {
	return c.Status(fiber.StatusInternalServerError).JSON(ResponseError{Code: code, Title: title, Message: message})
}

// NoContent renders the 204 returned by every successful task-scoped
// mutation (§6).
func NoContent(c *fiber.Ctx) error {
	return c.SendStatus(fiber.StatusNoContent)
}
