package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"signoff/internal/decision"
	"signoff/internal/domain"
	"signoff/internal/engine"
	"signoff/internal/engine/auth"
	"signoff/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

// New returns an HTTP handler exposing plans, intake and the audit log to
// human approvers. Decisions are handed to the decision channel; no route
// changes a plan's status directly.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	if cfg.Engine.Channel == nil {
		return nil, errors.New("decision channel not configured")
	}
	installErrorEnvelope()

	router := chi.NewRouter()
	router.Use(newAuthenticator(basePath, cfg.Auth, cfg.Engine.Repo).middleware)
	hcfg := huma.DefaultConfig("Signoff API", "0.1.0")
	hcfg.OpenAPIPath = path.Join(basePath, "openapi")
	hcfg.DocsPath = path.Join(basePath, "docs")
	hcfg.SchemasPath = path.Join(basePath, "schemas")
	hcfg.Components.SecuritySchemes = map[string]*huma.SecurityScheme{
		"bearerAuth": {Type: "http", Scheme: "bearer", BearerFormat: "JWT"},
		"apiKeyAuth": {Type: "apiKey", In: "header", Name: "X-Api-Key"},
	}
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)
	group.UseSimpleModifier(func(op *huma.Operation) {
		if op.Metadata["public"] != true {
			op.Security = []map[string][]string{{"bearerAuth": {}}, {"apiKeyAuth": {}}}
		}
	})

	registerHealth(group)
	registerStatus(group, cfg.Engine)
	registerPlans(group, cfg.Engine)
	registerIntake(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerMe(group)
	if cfg.Auth.DevLogin {
		registerDevAuth(group, cfg.Auth)
	}

	return router, nil
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
		Metadata:    map[string]any{"public": true},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerStatus(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "status",
		Method:      http.MethodGet,
		Path:        "/status",
		Summary:     "Plan and intake counts by status",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body StatusResponse `json:"body"`
	}, error) {
		if _, err := requireRole(ctx, "read status", readRoles...); err != nil {
			return nil, handleError(err)
		}
		plans, err := e.Repo.CountPlansByStatus(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		intake, err := e.Repo.CountIntakeByStatus(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body StatusResponse `json:"body"`
		}{Body: StatusResponse{Plans: plans, Intake: intake, PendingApproval: plans[domain.PlanPendingApproval]}}, nil
	})
}

func registerPlans(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-plans",
		Method:      http.MethodGet,
		Path:        "/plans",
		Summary:     "List plans",
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" enum:"draft,pending_approval,approved,rejected,executed,failed"`
		Limit  int    `query:"limit" default:"50"`
	}) (*struct {
		Body paginatedPlans `json:"body"`
	}, error) {
		if _, err := requireRole(ctx, "list plans", readRoles...); err != nil {
			return nil, handleError(err)
		}
		items, err := e.ListPlans(ctx, repo.PlanFilter{Status: input.Status, Limit: normalizeLimit(input.Limit)})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedPlans{Items: []PlanResponse{}}
		for _, p := range items {
			resp.Items = append(resp.Items, planResponse(p, e.Redactor))
		}
		return &struct {
			Body paginatedPlans `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-plan",
		Method:      http.MethodGet,
		Path:        "/plans/{plan_id}",
		Summary:     "Get a plan",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		PlanID string `path:"plan_id"`
	}) (*struct {
		Body PlanResponse `json:"body"`
	}, error) {
		if _, err := requireRole(ctx, "read plan", readRoles...); err != nil {
			return nil, handleError(err)
		}
		p, err := e.GetPlan(ctx, input.PlanID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body PlanResponse `json:"body"`
		}{Body: planResponse(p, e.Redactor)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "submit-decision",
		Method:        http.MethodPost,
		Path:          "/plans/{plan_id}/decision",
		Summary:       "Submit a human decision for a pending plan",
		Description:   "The decision is queued on the decision channel and applied by the approval gate.",
		DefaultStatus: http.StatusAccepted,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		PlanID string          `path:"plan_id"`
		Body   DecisionRequest `json:"body"`
	}) (*struct {
		Body DecisionResponse `json:"body"`
	}, error) {
		principal, err := requireRole(ctx, "decide plans", auth.RoleApprover, auth.RoleOwner)
		if err != nil {
			return nil, handleError(err)
		}
		p, err := e.GetPlan(ctx, input.PlanID)
		if err != nil {
			return nil, handleError(err)
		}
		if p.Status != domain.PlanPendingApproval {
			return nil, newAPIError(http.StatusConflict, "not_pending", "plan is "+p.Status, map[string]any{"status": p.Status})
		}
		if err := auth.RequireAnyRole("decide "+p.RiskLevel+" plan", principal.Roles, e.Config.ApproverRoles(p.RiskLevel)); err != nil {
			return nil, handleError(err)
		}
		verdict, ok := map[string]decision.Verdict{"approve": decision.Granted, "reject": decision.Denied}[input.Body.Verdict]
		if !ok {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "verdict must be approve or reject", nil)
		}
		if err := e.Channel.Submit(ctx, decision.Decision{
			PlanID:  p.ID,
			Verdict: verdict,
			ActorID: principal.ActorID,
			Roles:   principal.Roles,
			Note:    strings.TrimSpace(input.Body.Note),
		}); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DecisionResponse `json:"body"`
		}{Body: DecisionResponse{PlanID: p.ID, Verdict: string(verdict), ActorID: principal.ActorID, Status: "submitted"}}, nil
	})
}

func registerIntake(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-intake",
		Method:      http.MethodGet,
		Path:        "/intake",
		Summary:     "List intake records",
	}, func(ctx context.Context, input *struct {
		Source   string `query:"source"`
		Status   string `query:"status" enum:"needs_action,planned,approved,executed,failed"`
		Archived bool   `query:"archived"`
		Limit    int    `query:"limit" default:"50"`
	}) (*struct {
		Body paginatedIntake `json:"body"`
	}, error) {
		if _, err := requireRole(ctx, "list intake", readRoles...); err != nil {
			return nil, handleError(err)
		}
		items, err := e.Repo.ListIntake(ctx, repo.IntakeFilter{
			Source: input.Source, Status: input.Status, IncludeArchived: input.Archived, Limit: normalizeLimit(input.Limit),
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body paginatedIntake `json:"body"`
		}{Body: paginatedIntake{Items: nonNilSlice(items)}}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List recent audit events",
		Errors:      []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Type       string `query:"type"`
		EntityKind string `query:"entity_kind" enum:"plan,intake,loop"`
		EntityID   string `query:"entity_id"`
		Limit      int    `query:"limit" default:"50"`
		Cursor     string `query:"cursor"`
	}) (*struct {
		Body paginatedEvents `json:"body"`
	}, error) {
		if _, err := requireRole(ctx, "read events", readRoles...); err != nil {
			return nil, handleError(err)
		}
		limit := normalizeLimit(input.Limit)
		var cursorID int64
		if input.Cursor != "" {
			parsed, err := strconv.ParseInt(input.Cursor, 10, 64)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "invalid cursor", map[string]any{"cursor": input.Cursor})
			}
			cursorID = parsed
		}
		items, err := e.Repo.LatestEvents(ctx, repo.EventFilter{
			Type: input.Type, EntityKind: input.EntityKind, EntityID: input.EntityID, Before: cursorID, Limit: limit + 1,
		})
		if err != nil {
			return nil, handleError(err)
		}
		resp := paginatedEvents{Items: []EventResponse{}}
		if len(items) > limit {
			resp.NextCursor = fmt.Sprintf("%d", items[limit-1].ID)
			items = items[:limit]
		}
		for _, evt := range items {
			resp.Items = append(resp.Items, eventResponse(evt))
		}
		return &struct {
			Body paginatedEvents `json:"body"`
		}{Body: resp}, nil
	})
}

func registerMe(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "me",
		Method:      http.MethodGet,
		Path:        "/me",
		Summary:     "Current principal",
		Errors:      []int{http.StatusUnauthorized},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body WhoAmIResponse `json:"body"`
	}, error) {
		principal, authErr := principalFromRequest(ctx)
		if authErr != nil {
			return nil, authErr
		}
		return &struct {
			Body WhoAmIResponse `json:"body"`
		}{Body: WhoAmIResponse{ActorID: principal.ActorID, Roles: nonNilSlice(principal.Roles), Source: principal.Source}}, nil
	})
}

func registerDevAuth(api huma.API, authCfg AuthConfig) {
	huma.Register(api, huma.Operation{
		OperationID: "dev-login",
		Method:      http.MethodPost,
		Path:        "/auth/dev/login",
		Summary:     "DEV ONLY: mint a JWT for local testing",
		Metadata:    map[string]any{"public": true},
		Errors:      []int{http.StatusBadRequest, http.StatusInternalServerError},
	}, func(ctx context.Context, input *struct {
		Body DevLoginRequest `json:"body"`
	}) (*struct {
		Body DevLoginResponse `json:"body"`
	}, error) {
		actor := strings.TrimSpace(input.Body.ActorID)
		if actor == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		token, err := signDevToken(authCfg.JWTSecret, actor, knownRoles(input.Body.Roles))
		if err != nil {
			return nil, newAPIError(http.StatusInternalServerError, "internal_error", err.Error(), nil)
		}
		return &struct {
			Body DevLoginResponse `json:"body"`
		}{Body: DevLoginResponse{Token: token}}, nil
	})
}

func normalizeLimit(in int) int {
	if in <= 0 {
		return 50
	}
	if in > 200 {
		return 200
	}
	return in
}
