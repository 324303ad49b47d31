// Package objectstore canonicalizes object-store prefixes and mints
// temporary, scope-limited credentials for them via STS AssumeRole
// (§4.3 "Storage-prefix canonicalization (security-critical)").
package objectstore

import (
	"fmt"
	"strings"
)

// Prefix is a canonicalized object-store location: scheme, bucket, and a
// slash-terminated key prefix treated as a directory boundary.
type Prefix struct {
	Scheme string
	Bucket string
	Key    string
}

// CanonicalizationError reports why a raw prefix was rejected.
type CanonicalizationError struct {
	Raw    string
	Reason string
}

func (e CanonicalizationError) Error() string {
	return fmt.Sprintf("objectstore: rejecting prefix %q: %s", e.Raw, e.Reason)
}

// Canonicalize normalizes raw into a Prefix, rejecting anything that
// could escape its directory boundary. Accepted forms are
// "scheme://bucket/key/prefix/". A bare trailing slash is added if
// missing so every grant is treated as a directory, never a single
// object key.
func Canonicalize(raw string) (Prefix, error) {
	idx := strings.Index(raw, "://")
	if idx < 0 {
		return Prefix{}, CanonicalizationError{Raw: raw, Reason: "missing scheme"}
	}

	scheme := raw[:idx]
	rest := raw[idx+3:]

	if scheme == "" {
		return Prefix{}, CanonicalizationError{Raw: raw, Reason: "empty scheme"}
	}

	parts := strings.SplitN(rest, "/", 2)
	bucket := parts[0]

	if bucket == "" {
		return Prefix{}, CanonicalizationError{Raw: raw, Reason: "empty bucket"}
	}

	key := ""
	if len(parts) == 2 {
		key = parts[1]
	}

	if key == "" {
		return Prefix{}, CanonicalizationError{Raw: raw, Reason: "empty prefix"}
	}

	for _, seg := range strings.Split(key, "/") {
		if seg == ".." {
			return Prefix{}, CanonicalizationError{Raw: raw, Reason: "path traversal segment \"..\" not allowed"}
		}

		if strings.ContainsAny(seg, "*?") {
			return Prefix{}, CanonicalizationError{Raw: raw, Reason: "wildcard segments are not allowed"}
		}
	}

	if !strings.HasSuffix(key, "/") {
		key += "/"
	}

	return Prefix{Scheme: scheme, Bucket: bucket, Key: key}, nil
}

// String renders p back to its canonical textual form.
func (p Prefix) String() string {
	return fmt.Sprintf("%s://%s/%s", p.Scheme, p.Bucket, p.Key)
}

// Contains reports whether other falls within p's directory boundary:
// same scheme and bucket, and other's key starts with p's key.
func (p Prefix) Contains(other Prefix) bool {
	return p.Scheme == other.Scheme && p.Bucket == other.Bucket && strings.HasPrefix(other.Key, p.Key)
}
