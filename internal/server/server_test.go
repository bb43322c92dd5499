package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"signoff/internal/config"
	"signoff/internal/db"
	"signoff/internal/domain"
	"signoff/internal/engine"
	"signoff/internal/migrate"
	"signoff/internal/repo"
)

const testSecret = "test-secret"

type testEnv struct {
	srv    *httptest.Server
	engine engine.Engine
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	workspace := t.TempDir()
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e, err := engine.New(conn, config.Default())
	if err != nil {
		t.Fatalf("engine: %v", err)
	}
	handler, err := New(Config{Engine: e, BasePath: "/v0", Auth: AuthConfig{JWTSecret: testSecret, DevLogin: true}})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	srv := httptest.NewServer(handler)
	t.Cleanup(func() {
		srv.Close()
		conn.Close()
	})
	env := &testEnv{srv: srv, engine: e}
	env.addKey(t, "viewer-key", "vera", "viewer")
	env.addKey(t, "approver-key", "alice", "approver")
	env.addKey(t, "owner-key", "olga", "owner")
	return env
}

func (env *testEnv) addKey(t *testing.T, key, actor string, roles ...string) {
	t.Helper()
	err := env.engine.Repo.InsertApproverKey(context.Background(), nil, domain.ApproverKey{
		ID: "key-" + actor, ActorID: actor, Roles: roles, KeyHash: repo.HashKey(key), CreatedAt: "2024-01-01T00:00:00Z",
	})
	if err != nil {
		t.Fatalf("insert key: %v", err)
	}
}

func (env *testEnv) pendingPlan(t *testing.T, op domain.Operation) domain.Plan {
	t.Helper()
	ctx := context.Background()
	p, err := env.engine.CreatePlan(ctx, engine.PlanCreateOptions{Objective: "Reply", Operation: op})
	if err != nil {
		t.Fatalf("create plan: %v", err)
	}
	if _, err := env.engine.RequestApproval(ctx, p.ID, "tester"); err != nil {
		t.Fatalf("request approval: %v", err)
	}
	return p
}

func replyOp() domain.Operation {
	return domain.Operation{Server: "whatsapp", Name: "send_message", Params: map[string]any{"chat_id": "c1", "text": "call +1-555-123-4567"}}
}

func doJSON(t *testing.T, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader io.Reader = http.NoBody
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func key(k string) map[string]string { return map[string]string{"X-Api-Key": k} }

func TestHealthIsPublic(t *testing.T) {
	env := newTestEnv(t)
	res, body := doJSON(t, http.MethodGet, env.srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, body)
	}
}

func TestAuthenticationRequired(t *testing.T) {
	env := newTestEnv(t)
	res, body := doJSON(t, http.MethodGet, env.srv.URL+"/v0/plans", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", res.StatusCode, body)
	}
	res, body = doJSON(t, http.MethodGet, env.srv.URL+"/v0/plans", nil, key("nope"))
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for unknown key, got %d: %s", res.StatusCode, body)
	}
	var envelope struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if envelope.Error.Code != "invalid_credentials" {
		t.Fatalf("unexpected code %q", envelope.Error.Code)
	}
}

func TestListAndGetPlansRedactParams(t *testing.T) {
	env := newTestEnv(t)
	p := env.pendingPlan(t, replyOp())

	res, body := doJSON(t, http.MethodGet, env.srv.URL+"/v0/plans?status=pending_approval", nil, key("viewer-key"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("list status %d: %s", res.StatusCode, body)
	}
	var list paginatedPlans
	if err := json.Unmarshal(body, &list); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(list.Items) != 1 || list.Items[0].ID != p.ID {
		t.Fatalf("unexpected plans %+v", list.Items)
	}

	res, body = doJSON(t, http.MethodGet, env.srv.URL+"/v0/plans/"+p.ID, nil, key("viewer-key"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("get status %d: %s", res.StatusCode, body)
	}
	if bytes.Contains(body, []byte("555-123-4567")) {
		t.Fatalf("plan params not redacted: %s", body)
	}

	res, _ = doJSON(t, http.MethodGet, env.srv.URL+"/v0/plans/PLAN_missing", nil, key("viewer-key"))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", res.StatusCode)
	}
}

func TestDecisionIsQueuedForGate(t *testing.T) {
	env := newTestEnv(t)
	p := env.pendingPlan(t, replyOp())
	url := env.srv.URL + "/v0/plans/" + p.ID + "/decision"

	res, body := doJSON(t, http.MethodPost, url, DecisionRequest{Verdict: "approve"}, key("viewer-key"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("viewer decision: expected 403, got %d: %s", res.StatusCode, body)
	}

	res, body = doJSON(t, http.MethodPost, url, DecisionRequest{Verdict: "approve", Note: "looks fine"}, key("approver-key"))
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("decision status %d: %s", res.StatusCode, body)
	}
	got, err := env.engine.GetPlan(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("get plan: %v", err)
	}
	if got.Status != domain.PlanPendingApproval {
		t.Fatalf("api changed plan status to %s", got.Status)
	}

	res, body = doJSON(t, http.MethodPost, url, DecisionRequest{Verdict: "reject"}, key("owner-key"))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("second decision: expected 409, got %d: %s", res.StatusCode, body)
	}

	stats, err := engine.NewGate(env.engine, "").RunOnce(context.Background())
	if err != nil {
		t.Fatalf("gate: %v", err)
	}
	if stats.Approved != 1 {
		t.Fatalf("unexpected gate stats %+v", stats)
	}
	got, _ = env.engine.GetPlan(context.Background(), p.ID)
	if got.Status != domain.PlanApproved || got.DecidedBy == nil || *got.DecidedBy != "alice" {
		t.Fatalf("unexpected plan after gate: %+v", got)
	}
}

func TestCriticalPlanNeedsOwner(t *testing.T) {
	env := newTestEnv(t)
	p := env.pendingPlan(t, domain.Operation{Server: "odoo", Name: "create_invoice", Params: map[string]any{"partner": "ACME", "amount": 25000}})
	url := env.srv.URL + "/v0/plans/" + p.ID + "/decision"

	res, body := doJSON(t, http.MethodPost, url, DecisionRequest{Verdict: "approve"}, key("approver-key"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", res.StatusCode, body)
	}
	res, body = doJSON(t, http.MethodPost, url, DecisionRequest{Verdict: "approve"}, key("owner-key"))
	if res.StatusCode != http.StatusAccepted {
		t.Fatalf("owner decision status %d: %s", res.StatusCode, body)
	}
}

func TestDecisionOnDraftConflicts(t *testing.T) {
	env := newTestEnv(t)
	p, err := env.engine.CreatePlan(context.Background(), engine.PlanCreateOptions{Objective: "Reply", Operation: replyOp()})
	if err != nil {
		t.Fatalf("create plan: %v", err)
	}
	res, body := doJSON(t, http.MethodPost, env.srv.URL+"/v0/plans/"+p.ID+"/decision", DecisionRequest{Verdict: "approve"}, key("owner-key"))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409, got %d: %s", res.StatusCode, body)
	}
}

func TestDevLoginTokenAuthenticates(t *testing.T) {
	env := newTestEnv(t)
	res, body := doJSON(t, http.MethodPost, env.srv.URL+"/v0/auth/dev/login", DevLoginRequest{ActorID: "dana", Roles: []string{"owner", "root"}}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login status %d: %s", res.StatusCode, body)
	}
	var login DevLoginResponse
	if err := json.Unmarshal(body, &login); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	res, body = doJSON(t, http.MethodGet, env.srv.URL+"/v0/me", nil, map[string]string{"Authorization": "Bearer " + login.Token})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("me status %d: %s", res.StatusCode, body)
	}
	var who WhoAmIResponse
	if err := json.Unmarshal(body, &who); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if who.ActorID != "dana" || len(who.Roles) != 1 || who.Roles[0] != "owner" || who.Source != "jwt" {
		t.Fatalf("unexpected principal %+v", who)
	}
}

func TestEventsPaginate(t *testing.T) {
	env := newTestEnv(t)
	for i := 0; i < 3; i++ {
		env.pendingPlan(t, replyOp())
	}
	res, body := doJSON(t, http.MethodGet, env.srv.URL+"/v0/events?entity_kind=plan&limit=4", nil, key("viewer-key"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events status %d: %s", res.StatusCode, body)
	}
	var page paginatedEvents
	if err := json.Unmarshal(body, &page); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(page.Items) != 4 || page.NextCursor == "" {
		t.Fatalf("unexpected first page: %d items, cursor %q", len(page.Items), page.NextCursor)
	}
	res, body = doJSON(t, http.MethodGet, env.srv.URL+"/v0/events?entity_kind=plan&limit=4&cursor="+page.NextCursor, nil, key("viewer-key"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events page 2 status %d: %s", res.StatusCode, body)
	}
	var next paginatedEvents
	if err := json.Unmarshal(body, &next); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(next.Items) != 2 || next.NextCursor != "" {
		t.Fatalf("unexpected second page: %d items, cursor %q", len(next.Items), next.NextCursor)
	}
}

func TestStatusCounts(t *testing.T) {
	env := newTestEnv(t)
	env.pendingPlan(t, replyOp())
	res, body := doJSON(t, http.MethodGet, env.srv.URL+"/v0/status", nil, key("viewer-key"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("status %d: %s", res.StatusCode, body)
	}
	var st StatusResponse
	if err := json.Unmarshal(body, &st); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if st.PendingApproval != 1 {
		t.Fatalf("unexpected status %+v", st)
	}
}

func TestOpenAPIIsPublicAndDeclaresAuth(t *testing.T) {
	env := newTestEnv(t)
	res, body := doJSON(t, http.MethodGet, env.srv.URL+"/v0/openapi.json", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("openapi status %d: %s", res.StatusCode, body)
	}
	var doc struct {
		Components struct {
			SecuritySchemes map[string]any `json:"securitySchemes"`
		} `json:"components"`
		Paths map[string]map[string]struct {
			Security []map[string][]string `json:"security"`
		} `json:"paths"`
	}
	if err := json.Unmarshal(body, &doc); err != nil {
		t.Fatalf("unmarshal openapi: %v", err)
	}
	if _, ok := doc.Components.SecuritySchemes["apiKeyAuth"]; !ok {
		t.Fatalf("apiKeyAuth scheme missing")
	}
	if got := doc.Paths["/v0/plans"]["get"].Security; len(got) != 2 {
		t.Fatalf("list-plans security = %v", got)
	}
	if got := doc.Paths["/v0/health"]["get"].Security; len(got) != 0 {
		t.Fatalf("health should be public, got %v", got)
	}
}
