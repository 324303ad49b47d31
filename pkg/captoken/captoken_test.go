package captoken

import (
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tracehq/orchestrator/pkg/mmodel"
)

func TestSignerVerifier_RoundTrip(t *testing.T) {
	signer := NewSigner("k1", []byte("secret"), time.Minute)
	verifier := NewVerifier(StaticKeySet{"k1": []byte("secret")})

	orgID, taskID := uuid.New(), uuid.New()
	grants := []mmodel.DatasetGrant{{DatasetUUID: uuid.New(), DatasetVersion: 3, StorageRef: "s3://b/k/"}}

	tok, err := signer.Issue(orgID, taskID, 2, 300, grants, nil)
	require.NoError(t, err)

	verified, err := verifier.Verify(tok)
	require.NoError(t, err)

	assert.Equal(t, orgID, verified.OrgID)
	assert.Equal(t, taskID, verified.TaskID)
	assert.Equal(t, 2, verified.Attempt)
	assert.True(t, verified.MatchesRequest(taskID, 2))
	assert.False(t, verified.MatchesRequest(taskID, 3))

	grant, ok := verified.DatasetGrantFor(grants[0].DatasetUUID, 3)
	assert.True(t, ok)
	assert.Equal(t, grants[0].StorageRef, grant.StorageRef)

	_, ok = verified.DatasetGrantFor(grants[0].DatasetUUID, 4)
	assert.False(t, ok, "exact-match version check must not match a different dataset_version")
}

func TestVerify_RejectsExpiredToken(t *testing.T) {
	signer := NewSigner("k1", []byte("secret"), -time.Second)
	verifier := NewVerifier(StaticKeySet{"k1": []byte("secret")})

	tok, err := signer.Issue(uuid.New(), uuid.New(), 1, 0, nil, nil)
	require.NoError(t, err)

	_, err = verifier.Verify(tok)
	assert.Error(t, err)
}

func TestVerify_RejectsUnknownKeyID(t *testing.T) {
	signer := NewSigner("k1", []byte("secret"), time.Minute)
	verifier := NewVerifier(StaticKeySet{"k2": []byte("other")})

	tok, err := signer.Issue(uuid.New(), uuid.New(), 1, 0, nil, nil)
	require.NoError(t, err)

	_, err = verifier.Verify(tok)
	assert.Error(t, err)
}

func TestVerify_AcceptsOverlappingKeysDuringRotation(t *testing.T) {
	signer := NewSigner("old", []byte("secret-old"), time.Minute)
	verifier := NewVerifier(StaticKeySet{
		"old": []byte("secret-old"),
		"new": []byte("secret-new"),
	})

	tok, err := signer.Issue(uuid.New(), uuid.New(), 1, 0, nil, nil)
	require.NoError(t, err)

	_, err = verifier.Verify(tok)
	assert.NoError(t, err, "a token signed with a rotated-out key id must still verify during the overlap window")
}

func TestIssue_TTLAtLeastJobTimeout(t *testing.T) {
	signer := NewSigner("k1", []byte("secret"), 30*time.Second)
	verifier := NewVerifier(StaticKeySet{"k1": []byte("secret")})

	taskID := uuid.New()

	before := time.Now().UTC()

	tok, err := signer.Issue(uuid.New(), taskID, 1, 3600, nil, nil)
	require.NoError(t, err)

	verified, err := verifier.Verify(tok)
	require.NoError(t, err)

	assert.True(t, verified.ExpiresAt.Sub(before) >= 3600*time.Second,
		"capability_token_ttl must be at least the job's timeout_seconds (P8)")
}

func TestVerify_RejectsMalformedToken(t *testing.T) {
	verifier := NewVerifier(StaticKeySet{"k1": []byte("secret")})

	// A malformed/foreign token never parses as our claims type, which is
	// the deny-by-default behavior rule 1 of §4.3 requires.
	_, err := verifier.Verify("not-a-jwt")
	assert.Error(t, err)
}
