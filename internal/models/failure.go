package models

import (
	"errors"
	"fmt"
)

// FailureKind classifies a remote failure so the executor can decide
// between retry, provider fallback, and failing the stage outright.
// Classification is by kind, not by the remote's own error type.
type FailureKind string

const (
	KindChainUnavailable       FailureKind = "chain_unavailable"
	KindProviderRateLimited    FailureKind = "provider_rate_limited"
	KindProviderTransient      FailureKind = "provider_transient"
	KindProviderInvalidRequest FailureKind = "provider_invalid_request"
	KindProviderUnavailable    FailureKind = "provider_unavailable"
	KindIPFSTransient          FailureKind = "ipfs_transient"
	KindIPFSQuota              FailureKind = "ipfs_quota"
)

// Failure wraps a remote error with its classification and the operation
// that produced it. The underlying error text never reaches API clients;
// they only see the derived status and a user-safe message.
type Failure struct {
	Kind FailureKind
	Op   string
	Err  error
}

func (f *Failure) Error() string {
	if f.Err != nil {
		return fmt.Sprintf("%s: %s: %v", f.Op, f.Kind, f.Err)
	}
	return fmt.Sprintf("%s: %s", f.Op, f.Kind)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// NewFailure creates a classified Failure.
func NewFailure(kind FailureKind, op string, err error) *Failure {
	return &Failure{Kind: kind, Op: op, Err: err}
}

// KindOf extracts the classification from an error chain. It returns an
// empty kind for unclassified errors.
func KindOf(err error) FailureKind {
	var f *Failure
	if errors.As(err, &f) {
		return f.Kind
	}
	return ""
}

// Retryable reports whether the error should be retried within the same
// stage with backoff.
func Retryable(err error) bool {
	switch KindOf(err) {
	case KindChainUnavailable, KindProviderRateLimited, KindProviderTransient, KindIPFSTransient:
		return true
	}
	return false
}

// FallbackEligible reports whether an art-stage error should promote to
// the next provider in the fallback order instead of being retried.
func FallbackEligible(err error) bool {
	switch KindOf(err) {
	case KindProviderInvalidRequest, KindProviderUnavailable:
		return true
	}
	return false
}
