package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/danielgtaylor/huma/v2"

	"signoff/internal/decision"
	"signoff/internal/domain"
	"signoff/internal/engine/auth"
	"signoff/internal/repo"
)

type apiErrorBody struct {
	Code    string         `json:"code" example:"approval_required"`
	Message string         `json:"message" example:"plan is not approved"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError is the {"error": {...}} envelope every failure is rendered as.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = codeFor(status)
	}
	return &apiError{status: status, Body: apiErrorBody{Code: code, Message: message, Details: details}}
}

// installErrorEnvelope routes huma's own errors (bad params, schema
// failures) through apiError.
func installErrorEnvelope() {
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, errorDetails(errs))
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, errorDetails(errs))
	}
}

func errorDetails(errs []error) map[string]any {
	if len(errs) == 0 {
		return nil
	}
	msgs := make([]string, 0, len(errs))
	for _, err := range errs {
		if err != nil {
			msgs = append(msgs, err.Error())
		}
	}
	return map[string]any{"errors": msgs}
}

// sentinels maps channel errors to a status and code.
var sentinels = []struct {
	err    error
	status int
	code   string
}{
	{repo.ErrNotFound, http.StatusNotFound, "not_found"},
	{decision.ErrNoRequest, http.StatusConflict, "no_pending_request"},
	{decision.ErrAlreadyDecided, http.StatusConflict, "already_decided"},
	{decision.ErrInvalidVerdict, http.StatusBadRequest, "bad_request"},
	{decision.ErrMissingApprover, http.StatusBadRequest, "bad_request"},
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var (
		fe  auth.ForbiddenError
		ve  domain.ValidationError
		ste domain.StateTransitionError
		are domain.ApprovalRequiredError
	)
	switch {
	case errors.As(err, &fe):
		return newAPIError(http.StatusForbidden, "forbidden", err.Error(), map[string]any{"allowed_roles": fe.Allowed})
	case errors.As(err, &ve):
		return newAPIError(http.StatusUnprocessableEntity, "validation_failed", err.Error(), map[string]any{"field": ve.Field})
	case errors.As(err, &ste):
		return newAPIError(http.StatusConflict, "invalid_transition", err.Error(), map[string]any{"from": ste.From, "to": ste.To})
	case errors.As(err, &are):
		return newAPIError(http.StatusConflict, "approval_required", err.Error(), map[string]any{"status": are.Status})
	}
	for _, s := range sentinels {
		if errors.Is(err, s.err) {
			return newAPIError(s.status, s.code, err.Error(), nil)
		}
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"kind": domain.ErrorKind(err)})
}

func codeFor(status int) string {
	switch status {
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}
