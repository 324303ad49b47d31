package mhttp

import (
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/tracehq/orchestrator/pkg/mlog"
)

const headerCorrelationID = "X-Correlation-Id"

// WithCorrelationID stamps every request and response with a correlation
// id, generating one if the caller didn't supply one.
func WithCorrelationID() fiber.Handler {
	return func(c *fiber.Ctx) error {
		cid := c.Get(headerCorrelationID)
		if cid == "" {
			cid = uuid.New().String()
		}

		c.Set(headerCorrelationID, cid)
		c.Request().Header.Set(headerCorrelationID, cid)

		return c.Next()
	}
}

// requestInfo captures the fields logged for every request, Apache
// Common-Log-Format-like.
type requestInfo struct {
	method        string
	uri           string
	remoteAddress string
	correlationID string
	date          time.Time
	duration      time.Duration
	status        int
}

func newRequestInfo(c *fiber.Ctx) *requestInfo {
	return &requestInfo{
		method:        c.Method(),
		uri:           c.OriginalURL(),
		remoteAddress: c.IP(),
		correlationID: c.Get(headerCorrelationID),
		date:          time.Now().UTC(),
	}
}

func (r *requestInfo) clfString() string {
	return strings.Join([]string{
		r.remoteAddress,
		`"` + r.method,
		r.uri,
		`"`,
		strconv.Itoa(r.status),
	}, " ")
}

// WithHTTPLogging logs access to the Dispatcher API using the request's
// context logger (see mlog.FromContext), skipping the health endpoint.
func WithHTTPLogging() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if c.Path() == "/health" {
			return c.Next()
		}

		info := newRequestInfo(c)
		logger := mlog.FromContext(c.UserContext()).WithFields(
			"correlation_id", info.correlationID,
			"method", info.method,
			"uri", info.uri,
		)

		err := c.Next()

		info.status = c.Response().StatusCode()
		info.duration = time.Since(info.date)

		logger.WithFields("status", info.status, "duration_ms", info.duration.Milliseconds()).
			Infof("%s", info.clfString())

		return err
	}
}

// WithLogger injects logger into the fiber user context so downstream
// handlers and WithHTTPLogging can retrieve it via mlog.FromContext.
func WithLogger(logger mlog.Logger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		c.SetUserContext(mlog.ContextWithLogger(c.UserContext(), logger))
		return c.Next()
	}
}
