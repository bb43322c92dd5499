package signoffsdk

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubmitDecisionSendsKeyAndVerdict(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v0/plans/PLAN_1/decision", r.URL.Path)
		assert.Equal(t, "k1", r.Header.Get("X-Api-Key"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"plan_id":"PLAN_1","verdict":"approve","actor_id":"alice","status":"submitted"}`))
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.APIKey = "k1"
	d, err := c.Approve(context.Background(), "PLAN_1", "looks right")
	require.NoError(t, err)
	assert.Equal(t, "alice", d.ActorID)
	assert.Equal(t, "approve", got["verdict"])
	assert.Equal(t, "looks right", got["note"])
}

func TestListPlansEncodesQueryAndBearer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v0/plans", r.URL.Path)
		assert.Equal(t, "pending_approval", r.URL.Query().Get("status"))
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"items":[{"plan_id":"PLAN_1","status":"pending_approval","risk_level":"high"}]}`))
	}))
	defer srv.Close()

	c := New(srv.URL)
	c.BearerToken = "tok"
	plans, err := c.PendingPlans(context.Background())
	require.NoError(t, err)
	require.Len(t, plans, 1)
	assert.Equal(t, "high", plans[0].RiskLevel)
}

func TestEventsPagePassesCursor(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "7", r.URL.Query().Get("cursor"))
		assert.Equal(t, "2", r.URL.Query().Get("limit"))
		_, _ = w.Write([]byte(`{"items":[{"id":6},{"id":5}],"next_cursor":"5"}`))
	}))
	defer srv.Close()

	page, err := New(srv.URL).EventsPage(context.Background(), 2, "7")
	require.NoError(t, err)
	assert.Len(t, page.Items, 2)
	assert.Equal(t, "5", page.NextCursor)
}

func TestErrorEnvelopeIsDecoded(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		_, _ = w.Write([]byte(`{"error":{"code":"not_pending","message":"plan is draft"}}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL).Reject(context.Background(), "PLAN_1", "")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
	assert.Equal(t, "not_pending", apiErr.Code)
	assert.Equal(t, "plan is draft", apiErr.Message)
}

func TestBasePathCanBeEmpty(t *testing.T) {
	c := &Client{BaseURL: "http://x/", BasePath: ""}
	assert.Equal(t, "http://x/status", c.url("status"))
	c.BasePath = "/api/"
	assert.Equal(t, "http://x/api/status", c.url("/status"))
}
