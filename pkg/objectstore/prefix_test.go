package objectstore

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalize_Accepts(t *testing.T) {
	p, err := Canonicalize("s3://bucket/dataset/abc/version/1")
	require.NoError(t, err)
	assert.Equal(t, "s3", p.Scheme)
	assert.Equal(t, "bucket", p.Bucket)
	assert.Equal(t, "dataset/abc/version/1/", p.Key, "a bare prefix must be treated as a directory boundary")
}

func TestCanonicalize_RejectsMissingScheme(t *testing.T) {
	_, err := Canonicalize("bucket/key")
	assert.Error(t, err)
}

func TestCanonicalize_RejectsEmptyBucket(t *testing.T) {
	_, err := Canonicalize("s3:///key")
	assert.Error(t, err)
}

func TestCanonicalize_RejectsEmptyPrefix(t *testing.T) {
	_, err := Canonicalize("s3://bucket")
	assert.Error(t, err)

	_, err = Canonicalize("s3://bucket/")
	assert.Error(t, err)
}

func TestCanonicalize_RejectsPathTraversal(t *testing.T) {
	_, err := Canonicalize("s3://bucket/dataset/../secret")
	assert.Error(t, err)
}

func TestCanonicalize_RejectsWildcards(t *testing.T) {
	_, err := Canonicalize("s3://bucket/dataset/*")
	assert.Error(t, err)

	_, err = Canonicalize("s3://bucket/dataset/a?b")
	assert.Error(t, err)
}

func TestPrefix_Contains(t *testing.T) {
	parent, err := Canonicalize("s3://bucket/dataset/abc")
	require.NoError(t, err)

	inside, err := Canonicalize("s3://bucket/dataset/abc/version/1/batch.jsonl")
	require.NoError(t, err)

	outside, err := Canonicalize("s3://bucket/dataset/xyz")
	require.NoError(t, err)

	otherBucket, err := Canonicalize("s3://other/dataset/abc")
	require.NoError(t, err)

	assert.True(t, parent.Contains(inside))
	assert.False(t, parent.Contains(outside))
	assert.False(t, parent.Contains(otherBucket))
}

func TestPrefix_String_RoundTrips(t *testing.T) {
	p, err := Canonicalize("s3://bucket/dataset/abc")
	require.NoError(t, err)
	assert.Equal(t, "s3://bucket/dataset/abc/", p.String())
}

func TestSessionPolicy_GrantsOnlyRequestedActions(t *testing.T) {
	read, err := Canonicalize("s3://bucket/read-only")
	require.NoError(t, err)

	write, err := Canonicalize("s3://bucket/write-only")
	require.NoError(t, err)

	policyJSON, err := SessionPolicy([]Grant{
		{Prefix: read, Read: true},
		{Prefix: write, Write: true},
	})
	require.NoError(t, err)

	assert.Contains(t, policyJSON, "s3:GetObject")
	assert.Contains(t, policyJSON, "s3:PutObject")
	assert.Contains(t, policyJSON, "read-only")
	assert.Contains(t, policyJSON, "write-only")
}

func TestSessionPolicy_SkipsGrantWithNoActions(t *testing.T) {
	p, err := Canonicalize("s3://bucket/neither")
	require.NoError(t, err)

	policyJSON, err := SessionPolicy([]Grant{{Prefix: p}})
	require.NoError(t, err)

	assert.NotContains(t, policyJSON, "neither")
}
