package auth

import (
	"errors"
	"testing"
)

func TestRequireAnyRole(t *testing.T) {
	if err := RequireAnyRole("decide", []string{"viewer", "owner"}, []string{"owner"}); err != nil {
		t.Fatalf("owner should pass: %v", err)
	}
	err := RequireAnyRole("decide", []string{"approver"}, []string{"owner"})
	var fe ForbiddenError
	if !errors.As(err, &fe) || fe.Action != "decide" {
		t.Fatalf("expected ForbiddenError, got %v", err)
	}
	if RequireAnyRole("decide", nil, []string{"owner"}) == nil {
		t.Fatalf("no roles must fail")
	}
	if !ValidRole("approver") || ValidRole("admin") {
		t.Fatalf("unexpected role validation")
	}
}
