package fixture

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signoff/internal/domain"
)

const feed = `servers:
  whatsapp:
    events:
      - id: "1001"
        sender: "+1 555 123 4567"
        body: "Can you send the invoice?"
      - id: "1002"
        sender: "bob"
        body: "thanks"
    fail:
      send_message: [transient_network]
`

func TestLoadQueryAct(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fixture.yml")
	require.NoError(t, os.WriteFile(path, []byte(feed), 0o600))
	servers, err := Load(path)
	require.NoError(t, err)
	wa := servers["whatsapp"]
	require.NotNil(t, wa)
	ctx := context.Background()

	res, err := wa.Query(ctx, "list_events", map[string]any{"limit": 1})
	require.NoError(t, err)
	require.Len(t, res.Items, 1)
	assert.Equal(t, "1001", res.Items[0]["id"])

	_, err = wa.Act(ctx, "send_message", map[string]any{"text": "hi"}, true)
	require.NoError(t, err)
	_, err = wa.Act(ctx, "send_message", map[string]any{"text": "hi"}, false)
	assert.Equal(t, domain.KindTransientNetwork, domain.ErrorKind(err))
	_, err = wa.Act(ctx, "send_message", map[string]any{"text": "hi"}, false)
	require.NoError(t, err)

	assert.Len(t, wa.Calls(), 3)
	assert.Len(t, wa.RealCalls(), 2)
}

func TestLoadRejectsUnknownFailureKind(t *testing.T) {
	path := filepath.Join(t.TempDir(), "fixture.yml")
	require.NoError(t, os.WriteFile(path, []byte("servers:\n  x:\n    fail:\n      op: [boom]\n"), 0o600))
	_, err := Load(path)
	assert.Error(t, err)
}
