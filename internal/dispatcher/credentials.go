package dispatcher

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/tracehq/orchestrator/pkg/mhttp"
	"github.com/tracehq/orchestrator/pkg/objectstore"
	"github.com/tracehq/orchestrator/pkg/orcherrors"
)

// CredentialMinter exchanges a capability token's object-store grants for
// temporary, scope-limited object-store credentials (§4.3 "A session
// policy derived for credential minting must grant only the minimum
// read/write object actions within normalized prefixes"). Implemented by
// *pkg/objectstore.Minter in production; left nil disables the endpoint.
type CredentialMinter interface {
	Mint(ctx context.Context, sessionName string, grants []objectstore.Grant, ttl time.Duration) (*objectstore.TemporaryCredentials, error)
}

type credentialsResponse struct {
	AccessKeyID     string    `json:"access_key_id"`
	SecretAccessKey string    `json:"secret_access_key"`
	SessionToken    string    `json:"session_token"`
	Expiration      time.Time `json:"expiration"`
}

// handleCredentials mints temporary object-store credentials scoped to
// exactly the prefixes the caller's verified capability token grants,
// nothing broader (§4.3 rule 5, §4.7 "untrusted runners exchange their
// capability token for temporary object-store credentials").
func (s *Server) handleCredentials(c *fiber.Ctx) error {
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

	if s.credentials == nil {
		return mhttp.WithError(c, orcherrors.InternalError{Message: "credential minting is not configured"})
	}

	grants := make([]objectstore.Grant, 0, len(cap.ObjectStore))

	for _, g := range cap.ObjectStore {
		prefix, err := objectstore.Canonicalize(g.Prefix)
		if err != nil {
			return mhttp.WithError(c, orcherrors.ForbiddenError{Message: err.Error()})
		}

		grants = append(grants, objectstore.Grant{Prefix: prefix, Read: g.Read, Write: g.Write})
	}

	creds, err := s.credentials.Mint(c.UserContext(), "task:"+taskID.String(), grants, s.leaseDuration)
	if err != nil {
		return mhttp.WithError(c, orcherrors.InternalError{Message: "credential minting failed", Err: err})
	}

	return c.JSON(credentialsResponse{
		AccessKeyID:     creds.AccessKeyID,
		SecretAccessKey: creds.SecretAccessKey,
		SessionToken:    creds.SessionToken,
		Expiration:      creds.Expiration,
	})
}
