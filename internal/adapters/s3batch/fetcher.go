// Package s3batch reads buffered-sink batch artifacts from S3-compatible
// object storage (§4.8): the sink's only read path into the outputs a
// worker staged at buffer-publish time.
package s3batch

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// GetObjectAPI is the subset of s3.Client this package depends on.
type GetObjectAPI interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
}

// Fetcher implements sink.BatchFetcher over an S3-compatible client.
type Fetcher struct {
	client GetObjectAPI
}

// New returns a Fetcher backed by client.
func New(client GetObjectAPI) *Fetcher {
	return &Fetcher{client: client}
}

// Fetch opens batchURI ("s3://bucket/key...") for reading. The caller
// owns closing the returned reader.
func (f *Fetcher) Fetch(ctx context.Context, batchURI string) (io.ReadCloser, error) {
	bucket, key, err := parseURI(batchURI)
	if err != nil {
		return nil, err
	}

	out, err := f.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, fmt.Errorf("s3batch: get object %s: %w", batchURI, err)
	}

	return out.Body, nil
}

func parseURI(raw string) (bucket, key string, err error) {
	const scheme = "s3://"

	if !strings.HasPrefix(raw, scheme) {
		return "", "", fmt.Errorf("s3batch: batch_uri %q must start with %q", raw, scheme)
	}

	rest := strings.TrimPrefix(raw, scheme)

	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("s3batch: batch_uri %q must be s3://bucket/key", raw)
	}

	return parts[0], parts[1], nil
}
