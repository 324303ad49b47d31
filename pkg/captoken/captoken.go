// Package captoken issues and verifies the short-lived capability tokens
// described in §4.3: signed JWTs binding (task_id, attempt) to dataset
// and object-store grants. Verification is deny-by-default.
package captoken

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/tracehq/orchestrator/pkg/mmodel"
)

const (
	issuer   = mmodel.TokenIssuer
	audience = mmodel.TokenAudience
)

// claims is the on-wire JWT representation. Custom claims mirror
// mmodel.Claims plus the registered claims jwt.RegisteredClaims supplies.
type claims struct {
	jwt.RegisteredClaims
	OrgID       uuid.UUID                `json:"org_id"`
	TaskID      uuid.UUID                `json:"task_id"`
	Attempt     int                      `json:"attempt"`
	Datasets    []mmodel.DatasetGrant     `json:"datasets,omitempty"`
	ObjectStore []mmodel.ObjectStoreGrant `json:"object_store,omitempty"`
}

// Signer mints capability tokens. KeyID identifies the signing key so
// Verifier can select the matching key during a rotation window (§4.3).
type Signer struct {
	keyID  string
	key    []byte
	margin time.Duration
}

// NewSigner returns a Signer using HS256 with the given key id and
// secret. margin is added on top of each task's job timeout_seconds to
// derive that token's TTL, so capability_token_ttl >= timeout_seconds
// holds by construction for every task it covers (P8): Issue never lets
// a caller supply the TTL directly.
func NewSigner(keyID string, key []byte, margin time.Duration) *Signer {
	return &Signer{keyID: keyID, key: key, margin: margin}
}

// Issue mints a token for the given task attempt and grants, valid for
// timeoutSeconds (the claiming job's timeout_seconds) plus the Signer's
// margin.
func (s *Signer) Issue(orgID, taskID uuid.UUID, attempt, timeoutSeconds int, datasets []mmodel.DatasetGrant, objectStore []mmodel.ObjectStoreGrant) (string, error) {
	now := time.Now().UTC()
	ttl := time.Duration(timeoutSeconds)*time.Second + s.margin

	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Audience:  jwt.ClaimStrings{audience},
			Subject:   fmt.Sprintf("task:%s", taskID),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
		OrgID:       orgID,
		TaskID:      taskID,
		Attempt:     attempt,
		Datasets:    datasets,
		ObjectStore: objectStore,
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	tok.Header["kid"] = s.keyID

	return tok.SignedString(s.key)
}

// KeySet resolves a key id to its signing/verification secret, allowing
// multiple keys to be valid simultaneously during a rotation window.
type KeySet interface {
	Key(kid string) ([]byte, bool)
}

// StaticKeySet is a KeySet backed by an in-memory map, the common case
// for a single Dispatcher deployment.
type StaticKeySet map[string][]byte

func (s StaticKeySet) Key(kid string) ([]byte, bool) {
	k, ok := s[kid]
	return k, ok
}

// Verifier checks capability tokens against the rules in §4.3.
type Verifier struct {
	keys KeySet
}

// NewVerifier returns a Verifier resolving signing keys from keys.
func NewVerifier(keys KeySet) *Verifier {
	return &Verifier{keys: keys}
}

// VerifyError is returned for every rejected token, always deny-by-default.
type VerifyError struct {
	Reason string
}

func (e VerifyError) Error() string { return "capability token rejected: " + e.Reason }

// Verified is the parsed, trusted content of a token that passed all
// checks.
type Verified struct {
	OrgID       uuid.UUID
	TaskID      uuid.UUID
	Attempt     int
	Datasets    []mmodel.DatasetGrant
	ObjectStore []mmodel.ObjectStoreGrant
	ExpiresAt   time.Time
}

// Verify checks signature, expiry, and required claims (rules 1-2 of
// §4.3). It does not check the request body or lease match (rules 3-4):
// callers compare Verified.TaskID/Attempt against the request and the
// current lease row themselves, since only the caller has the lease.
func (v *Verifier) Verify(tokenString string) (*Verified, error) {
	var c claims

	tok, err := jwt.ParseWithClaims(tokenString, &c, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)

		key, ok := v.keys.Key(kid)
		if !ok {
			return nil, VerifyError{Reason: "unknown key id"}
		}

		return key, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithAudience(audience), jwt.WithIssuer(issuer))
	if err != nil {
		return nil, VerifyError{Reason: err.Error()}
	}

	if !tok.Valid {
		return nil, VerifyError{Reason: "invalid token"}
	}

	if c.TaskID == uuid.Nil {
		return nil, VerifyError{Reason: "missing task_id claim"}
	}

	if c.OrgID == uuid.Nil {
		return nil, VerifyError{Reason: "missing org_id claim"}
	}

	var expiresAt time.Time
	if c.ExpiresAt != nil {
		expiresAt = c.ExpiresAt.Time
	}

	return &Verified{
		OrgID:       c.OrgID,
		TaskID:      c.TaskID,
		Attempt:     c.Attempt,
		Datasets:    c.Datasets,
		ObjectStore: c.ObjectStore,
		ExpiresAt:   expiresAt,
	}, nil
}

// MatchesRequest checks rule 3 of §4.3: the request body's (task_id,
// attempt) must equal the token's claims.
func (v *Verified) MatchesRequest(taskID uuid.UUID, attempt int) bool {
	return v.TaskID == taskID && v.Attempt == attempt
}

// DatasetGrantFor returns the grant matching (datasetUUID, version) by
// exact match, per rule 5.
func (v *Verified) DatasetGrantFor(datasetUUID uuid.UUID, version int64) (mmodel.DatasetGrant, bool) {
	for _, g := range v.Datasets {
		if g.DatasetUUID == datasetUUID && g.DatasetVersion == version {
			return g, true
		}
	}

	return mmodel.DatasetGrant{}, false
}
