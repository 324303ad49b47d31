package dispatcher

import (
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/tracehq/orchestrator/pkg/captoken"
	"github.com/tracehq/orchestrator/pkg/orcherrors"
)

const capabilityContextKey = "trace.capability"

// withCapabilityToken verifies the bearer token on every task-scoped
// endpoint (§4.3 rules 1-2) and stashes the parsed claims on the fiber
// context for handlers to check rules 3-5 against the request body and
// current lease row.
func withCapabilityToken(verifier *captoken.Verifier) fiber.Handler {
	return func(c *fiber.Ctx) error {
		header := c.Get("Authorization")

		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || token == "" {
			return orcherrors.UnauthorizedError{Message: "missing bearer capability token"}
		}

		verified, err := verifier.Verify(token)
		if err != nil {
			return orcherrors.UnauthorizedError{Message: err.Error()}
		}

		c.Locals(capabilityContextKey, verified)

		return c.Next()
	}
}

func capabilityFromContext(c *fiber.Ctx) (*captoken.Verified, error) {
	v, ok := c.Locals(capabilityContextKey).(*captoken.Verified)
	if !ok {
		return nil, orcherrors.UnauthorizedError{Message: "no capability token on request"}
	}

	return v, nil
}
