package objectstore

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sts"
)

// iamStatement is the minimal shape of an IAM policy statement needed to
// express read and/or write access to a single canonicalized prefix.
type iamStatement struct {
	Effect   string   `json:"Effect"`
	Action   []string `json:"Action"`
	Resource []string `json:"Resource"`
}

type iamPolicy struct {
	Version   string         `json:"Version"`
	Statement []iamStatement `json:"Statement"`
}

const iamPolicyVersion = "2012-10-17"

// SessionPolicy derives the least-privilege IAM session policy JSON for a
// set of (prefix, read, write) grants, per §4.3: "A session policy
// derived for credential minting must grant only the minimum read/write
// object actions within normalized prefixes."
func SessionPolicy(grants []Grant) (string, error) {
	policy := iamPolicy{Version: iamPolicyVersion}

	for _, g := range grants {
		resource := fmt.Sprintf("arn:aws:s3:::%s/%s*", g.Prefix.Bucket, g.Prefix.Key)

		actions := make([]string, 0, 2)
		if g.Read {
			actions = append(actions, "s3:GetObject")
		}

		if g.Write {
			actions = append(actions, "s3:PutObject")
		}

		if len(actions) == 0 {
			continue
		}

		policy.Statement = append(policy.Statement, iamStatement{
			Effect:   "Allow",
			Action:   actions,
			Resource: []string{resource},
		})
	}

	b, err := json.Marshal(policy)
	if err != nil {
		return "", fmt.Errorf("objectstore: marshal session policy: %w", err)
	}

	return string(b), nil
}

// Grant is one canonicalized prefix plus the actions permitted within it.
type Grant struct {
	Prefix Prefix
	Read   bool
	Write  bool
}

// STSClient is the subset of sts.Client this package depends on, so
// callers can substitute a fake in tests.
type STSClient interface {
	AssumeRole(ctx context.Context, params *sts.AssumeRoleInput, optFns ...func(*sts.Options)) (*sts.AssumeRoleOutput, error)
}

// Minter mints temporary object-store credentials scoped to a session
// policy derived from a capability token's grants.
type Minter struct {
	client  STSClient
	roleArn string
}

// NewMinter returns a Minter that assumes roleArn for every mint.
func NewMinter(client STSClient, roleArn string) *Minter {
	return &Minter{client: client, roleArn: roleArn}
}

// TemporaryCredentials are handed to an untrusted runner in exchange for
// its capability token (§4.7).
type TemporaryCredentials struct {
	AccessKeyID     string
	SecretAccessKey string
	SessionToken    string
	Expiration      time.Time
}

// Mint assumes the minter's role with an inline session policy scoped to
// grants, valid for ttl.
func (m *Minter) Mint(ctx context.Context, sessionName string, grants []Grant, ttl time.Duration) (*TemporaryCredentials, error) {
	policy, err := SessionPolicy(grants)
	if err != nil {
		return nil, err
	}

	durationSeconds := int32(ttl.Seconds())

	out, err := m.client.AssumeRole(ctx, &sts.AssumeRoleInput{
		RoleArn:         aws.String(m.roleArn),
		RoleSessionName: aws.String(sessionName),
		Policy:          aws.String(policy),
		DurationSeconds: aws.Int32(durationSeconds),
	})
	if err != nil {
		return nil, fmt.Errorf("objectstore: assume role: %w", err)
	}

	creds := out.Credentials
	if creds == nil {
		return nil, fmt.Errorf("objectstore: assume role returned no credentials")
	}

	return &TemporaryCredentials{
		AccessKeyID:     aws.ToString(creds.AccessKeyId),
		SecretAccessKey: aws.ToString(creds.SecretAccessKey),
		SessionToken:    aws.ToString(creds.SessionToken),
		Expiration:      aws.ToTime(creds.Expiration),
	}, nil
}
