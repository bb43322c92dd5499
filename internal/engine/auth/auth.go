// Package auth holds approver role checks shared by the gate and the API.
package auth

import (
	"fmt"
	"strings"
)

const (
	RoleViewer   = "viewer"
	RoleApprover = "approver"
	RoleOwner    = "owner"
)

var knownRoles = map[string]bool{RoleViewer: true, RoleApprover: true, RoleOwner: true}

// ForbiddenError indicates the actor holds none of the allowed roles.
type ForbiddenError struct {
	Action  string
	Allowed []string
}

func (e ForbiddenError) Error() string {
	return fmt.Sprintf("%s requires one of roles %s", e.Action, strings.Join(e.Allowed, ","))
}

// ValidRole reports whether role is one signoff knows about.
func ValidRole(role string) bool {
	return knownRoles[role]
}

func HasAnyRole(have, allowed []string) bool {
	for _, h := range have {
		for _, a := range allowed {
			if h == a {
				return true
			}
		}
	}
	return false
}

// RequireAnyRole returns ForbiddenError unless have and allowed intersect.
func RequireAnyRole(action string, have, allowed []string) error {
	if HasAnyRole(have, allowed) {
		return nil
	}
	return ForbiddenError{Action: action, Allowed: append([]string(nil), allowed...)}
}
