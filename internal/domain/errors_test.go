package domain

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorKind(t *testing.T) {
	cases := []struct {
		err  error
		kind string
	}{
		{TransientNetworkError{Op: "send", Status: 503}, KindTransientNetwork},
		{fmt.Errorf("wrapped: %w", RateLimitError{Op: "send"}), KindRateLimit},
		{context.DeadlineExceeded, KindTransientNetwork},
		{AuthenticationError{Server: "gmail", Status: 401}, KindAuthentication},
		{ValidationError{Field: "excerpt", Reason: "empty"}, KindValidation},
		{ApprovalRequiredError{PlanID: "p", Status: PlanDraft}, KindApprovalRequired},
		{StateTransitionError{Entity: "plan"}, KindStateTransition},
		{DiskSpaceError{Path: "/tmp"}, KindDiskSpace},
		{errors.New("boom"), KindUnknown},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.kind, ErrorKind(tc.err), tc.err.Error())
	}
	assert.True(t, Retryable(RateLimitError{}))
	assert.False(t, Retryable(AuthenticationError{}))
}

func TestRiskOrdering(t *testing.T) {
	assert.Equal(t, RiskHigh, MaxRisk(RiskMedium, RiskHigh))
	assert.Equal(t, RiskCritical, MaxRisk(RiskCritical, RiskLow))
	assert.True(t, RiskAtLeast(RiskHigh, RiskMedium))
	assert.False(t, RiskAtLeast(RiskLow, RiskMedium))
	_, err := ParseRisk("extreme")
	assert.Error(t, err)
	l, err := ParseRisk(" High ")
	assert.NoError(t, err)
	assert.Equal(t, RiskHigh, l)
}
