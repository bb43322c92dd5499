package domain

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Error kinds recorded on remediation tasks and action log entries.
const (
	KindTransientNetwork = "transient_network"
	KindRateLimit        = "rate_limit"
	KindAuthentication   = "authentication"
	KindValidation       = "validation"
	KindApprovalRequired = "approval_required"
	KindStateTransition  = "state_transition"
	KindDiskSpace        = "disk_space"
	KindUnknown          = "unknown"
)

// TransientNetworkError covers timeouts and 5xx responses.
type TransientNetworkError struct {
	Op     string
	Status int
	Err    error
}

func (e TransientNetworkError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("%s: transient failure (status %d)", e.Op, e.Status)
	}
	return fmt.Sprintf("%s: transient failure: %v", e.Op, e.Err)
}

func (e TransientNetworkError) Unwrap() error { return e.Err }

// RateLimitError is a 429-equivalent response.
type RateLimitError struct {
	Op         string
	RetryAfter time.Duration
}

func (e RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s: rate limited (retry after %s)", e.Op, e.RetryAfter)
	}
	return fmt.Sprintf("%s: rate limited", e.Op)
}

type AuthenticationError struct {
	Server string
	Status int
}

func (e AuthenticationError) Error() string {
	return fmt.Sprintf("%s: authentication failed (status %d)", e.Server, e.Status)
}

// ValidationError rejects malformed intake or plan data at the boundary.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Reason
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Reason)
}

// ApprovalRequiredError is returned when a plan is dispatched before approval.
type ApprovalRequiredError struct {
	PlanID string
	Status string
}

func (e ApprovalRequiredError) Error() string {
	return fmt.Sprintf("plan %s is %s; approval required before dispatch", e.PlanID, e.Status)
}

type StateTransitionError struct {
	Entity string
	ID     string
	From   string
	To     string
}

func (e StateTransitionError) Error() string {
	return fmt.Sprintf("invalid %s status transition %s -> %s (%s)", e.Entity, e.From, e.To, e.ID)
}

type DiskSpaceError struct {
	Path     string
	Free     uint64
	Required uint64
}

func (e DiskSpaceError) Error() string {
	return fmt.Sprintf("insufficient disk space at %s: %d bytes free, %d required", e.Path, e.Free, e.Required)
}

// ErrorKind classifies err into one of the taxonomy kinds.
func ErrorKind(err error) string {
	var (
		tn TransientNetworkError
		rl RateLimitError
		ae AuthenticationError
		ve ValidationError
		ar ApprovalRequiredError
		st StateTransitionError
		ds DiskSpaceError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &rl):
		return KindRateLimit
	case errors.As(err, &tn), errors.Is(err, context.DeadlineExceeded):
		return KindTransientNetwork
	case errors.As(err, &ae):
		return KindAuthentication
	case errors.As(err, &ve):
		return KindValidation
	case errors.As(err, &ar):
		return KindApprovalRequired
	case errors.As(err, &st):
		return KindStateTransition
	case errors.As(err, &ds):
		return KindDiskSpace
	default:
		return KindUnknown
	}
}

// Retryable reports whether err qualifies for backoff retry.
func Retryable(err error) bool {
	switch ErrorKind(err) {
	case KindTransientNetwork, KindRateLimit:
		return true
	}
	return false
}
