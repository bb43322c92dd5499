package httpconn

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signoff/internal/domain"
)

func TestActSendsDryRunAndDecodes(t *testing.T) {
	var gotPath, gotDry, gotAuth string
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotDry = r.URL.Query().Get("dry_run")
		gotAuth = r.Header.Get("Authorization")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		_, _ = w.Write([]byte(`{"summary":"preview ok","data":{"id":"m1"}}`))
	}))
	defer srv.Close()

	c, err := New("gmail", Options{BaseURL: srv.URL, Token: "tok"})
	require.NoError(t, err)
	res, err := c.Act(context.Background(), "send_email", map[string]any{"to": "x"}, true)
	require.NoError(t, err)
	assert.Equal(t, "/act/send_email", gotPath)
	assert.Equal(t, "true", gotDry)
	assert.Equal(t, "Bearer tok", gotAuth)
	assert.Equal(t, "x", gotBody["to"])
	assert.Equal(t, 200, res.Status)
	assert.Equal(t, "preview ok", res.Summary)
	assert.Equal(t, "m1", res.Data["id"])
}

func TestStatusClassification(t *testing.T) {
	cases := []struct {
		status int
		header string
		kind   string
	}{
		{http.StatusTooManyRequests, "3", domain.KindRateLimit},
		{http.StatusServiceUnavailable, "", domain.KindTransientNetwork},
		{http.StatusUnauthorized, "", domain.KindAuthentication},
		{http.StatusForbidden, "", domain.KindAuthentication},
		{http.StatusBadRequest, "", domain.KindValidation},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if tc.header != "" {
				w.Header().Set("Retry-After", tc.header)
			}
			w.WriteHeader(tc.status)
		}))
		c, err := New("odoo", Options{BaseURL: srv.URL})
		require.NoError(t, err)
		_, err = c.Query(context.Background(), "list_events", nil)
		assert.Equal(t, tc.kind, domain.ErrorKind(err), "status %d", tc.status)
		if tc.kind == domain.KindRateLimit {
			var rl domain.RateLimitError
			require.ErrorAs(t, err, &rl)
			assert.Equal(t, 3*time.Second, rl.RetryAfter)
		}
		srv.Close()
	}
}

func TestTransportFailureIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	url := srv.URL
	srv.Close()
	c, err := New("odoo", Options{BaseURL: url, Timeout: time.Second})
	require.NoError(t, err)
	_, err = c.Act(context.Background(), "post_invoice", nil, false)
	assert.True(t, domain.Retryable(err))
}

func TestNewRequiresBaseURL(t *testing.T) {
	_, err := New("x", Options{})
	assert.Error(t, err)
}
