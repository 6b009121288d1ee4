/*
Copyright 2024 OneClick Labs, Inc.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package types

import (
	"context"
	"errors"
	"time"

	"github.com/gravitational/trace"
)

// ErrorKind classifies an AccessError for retry and presentation
// decisions.
type ErrorKind string

const (
	// KindNetwork is a connectivity failure, retryable.
	KindNetwork ErrorKind = "network"
	// KindAuth means credentials must be re-established upstream,
	// terminal.
	KindAuth ErrorKind = "auth"
	// KindPermission means administrator intervention is required,
	// terminal.
	KindPermission ErrorKind = "permission"
	// KindTimeout is an abandoned slow operation, retryable.
	KindTimeout ErrorKind = "timeout"
	// KindUnknown is the conservative default, retryable.
	KindUnknown ErrorKind = "unknown"
)

// AccessError is the consumer-facing failure produced while resolving
// workspaces or permissions.
type AccessError struct {
	// Kind classifies the failure.
	Kind ErrorKind `json:"kind"`
	// Message is a human readable description.
	Message string `json:"message"`
	// Retryable reports whether a retry can possibly succeed.
	Retryable bool `json:"retryable"`
	// OccurredAt is the time of the failure.
	OccurredAt time.Time `json:"occurred_at"`
	// RetryCount is the number of retries already spent on this
	// failure.
	RetryCount int `json:"retry_count"`
}

// Error implements the error interface.
func (e *AccessError) Error() string {
	return string(e.Kind) + ": " + e.Message
}

// retryable maps each kind to its retry policy. Auth and permission
// failures cannot be fixed by retrying.
func (k ErrorKind) retryable() bool {
	switch k {
	case KindAuth, KindPermission:
		return false
	default:
		return true
	}
}

// NewAccessError builds an AccessError of the given kind with the retry
// policy implied by the kind.
func NewAccessError(kind ErrorKind, message string, now time.Time) *AccessError {
	return &AccessError{
		Kind:       kind,
		Message:    message,
		Retryable:  kind.retryable(),
		OccurredAt: now,
	}
}

// ClassifyError converts an arbitrary failure into an AccessError.
// Context deadlines and rate limits map to timeouts, connection problems
// to network failures and access denials to permission failures.
// Everything else is unknown and treated as retryable.
func ClassifyError(err error, now time.Time) *AccessError {
	var accessErr *AccessError
	if errors.As(err, &accessErr) {
		return accessErr
	}
	kind := KindUnknown
	switch {
	case errors.Is(err, context.DeadlineExceeded) || trace.IsLimitExceeded(err):
		kind = KindTimeout
	case trace.IsConnectionProblem(err):
		kind = KindNetwork
	case trace.IsAccessDenied(err):
		kind = KindPermission
	}
	return NewAccessError(kind, err.Error(), now)
}

// ClassifyAuthError is ClassifyError for failures of the identity
// collaborator, where a denial means the credentials themselves are
// invalid rather than a resource being off limits.
func ClassifyAuthError(err error, now time.Time) *AccessError {
	if trace.IsAccessDenied(err) {
		return NewAccessError(KindAuth, err.Error(), now)
	}
	return ClassifyError(err, now)
}
