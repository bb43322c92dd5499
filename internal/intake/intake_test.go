package intake_test

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signoff/internal/checkpoint"
	"signoff/internal/config"
	"signoff/internal/connector"
	"signoff/internal/connector/fixture"
	"signoff/internal/db"
	"signoff/internal/domain"
	"signoff/internal/events"
	"signoff/internal/intake"
	"signoff/internal/migrate"
	"signoff/internal/redact"
	"signoff/internal/repo"
)

var fixedNow = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

type recordingRemediator struct {
	failures []domain.Failure
}

func (r *recordingRemediator) HandleFailure(_ context.Context, f domain.Failure) (domain.IntakeRecord, bool, error) {
	r.failures = append(r.failures, f)
	return domain.IntakeRecord{}, true, nil
}

func newRepo(t testing.TB) repo.Repo {
	t.Helper()
	dir, err := os.MkdirTemp("", "signoff-intake-")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(dir) })
	conn, err := db.Open(db.Config{Workspace: dir})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	return repo.Repo{DB: conn}
}

func newNormalizer(t testing.TB, r repo.Repo, source string, feed []map[string]any) (*intake.Normalizer, *recordingRemediator) {
	t.Helper()
	cfg := config.Default()
	rem := &recordingRemediator{}
	rd := redact.Default()
	inbox, err := os.MkdirTemp("", "signoff-inbox-")
	require.NoError(t, err)
	t.Cleanup(func() { os.RemoveAll(inbox) })
	n := &intake.Normalizer{
		Source:      source,
		Config:      cfg.Sources[source],
		Intake:      cfg.Intake,
		Querier:     fixture.New(source, feed),
		Checkpoints: checkpoint.Load(context.Background(), r, source, 0, nil),
		Repo:        r,
		Events:      events.Writer{DB: r.DB, Now: func() time.Time { return fixedNow }, Redactor: rd},
		Redactor:    rd,
		Remediator:  rem,
		Now:         func() time.Time { return fixedNow },
		InboxDir:    inbox,
		FreeBytes:   func(string) (uint64, error) { return 1 << 40, nil },
	}
	return n, rem
}

func whatsappFeed() []map[string]any {
	return []map[string]any{
		{"id": "1001", "sender": "+1-555-123-4567", "chat_id": "chat-1", "text": "Hi, please send the invoice ASAP", "timestamp": "2024-01-01T10:00:00Z"},
		{"id": "1002", "sender": "bob@example.com", "text": "Thanks!", "timestamp": "2024-01-01T10:05:00+02:00"},
		{"id": "1003", "chat_id": "chat-3"},
	}
}

func TestRunCreatesRedactedRecords(t *testing.T) {
	r := newRepo(t)
	n, _ := newNormalizer(t, r, "whatsapp", whatsappFeed())
	ctx := context.Background()

	stats, err := n.Run(ctx, 10, false)
	require.NoError(t, err)
	assert.Equal(t, intake.Stats{Scanned: 3, Created: 2, Errors: 1}, stats)

	rec, err := r.GetIntake(ctx, nil, "whatsapp:1001")
	require.NoError(t, err)
	assert.Equal(t, domain.IntakeNeedsAction, rec.Status)
	assert.True(t, rec.PIIRedacted)
	assert.True(t, rec.PlanRequired)
	assert.Equal(t, domain.PriorityCritical, rec.Priority)
	assert.Equal(t, redact.PhonePlaceholder, rec.Sender)
	assert.Equal(t, "2024-01-01T10:00:00Z", rec.ReceivedAt)
	assert.FileExists(t, filepath.Join(n.InboxDir, "whatsapp", "whatsapp_1001.md"))

	second, err := r.GetIntake(ctx, nil, "whatsapp:1002")
	require.NoError(t, err)
	assert.NotContains(t, second.Sender, "@")
	assert.Equal(t, "2024-01-01T08:05:00Z", second.ReceivedAt)
	assert.Equal(t, domain.PriorityHigh, second.Priority)

	evts, err := r.LatestEvents(ctx, repo.EventFilter{Type: "intake.created"})
	require.NoError(t, err)
	assert.Len(t, evts, 2)
}

func TestRunTwiceIsIdempotent(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	n, _ := newNormalizer(t, r, "whatsapp", whatsappFeed())
	_, err := n.Run(ctx, 10, false)
	require.NoError(t, err)

	again, _ := newNormalizer(t, r, "whatsapp", whatsappFeed())
	stats, err := again.Run(ctx, 10, false)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Created)
	assert.Equal(t, 2, stats.Skipped)

	all, err := r.ListIntake(ctx, repo.IntakeFilter{Source: "whatsapp"})
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestDuplicateRowAfterLostCheckpoint(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	n, _ := newNormalizer(t, r, "whatsapp", whatsappFeed())
	_, err := n.Run(ctx, 10, false)
	require.NoError(t, err)
	require.NoError(t, r.ResetCheckpoints(ctx, nil, "whatsapp"))

	again, _ := newNormalizer(t, r, "whatsapp", whatsappFeed())
	stats, err := again.Run(ctx, 10, false)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Created)
	assert.Equal(t, 2, stats.Skipped)
	entries, err := r.LoadCheckpoints(ctx, "whatsapp")
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestDryRunPersistsNothing(t *testing.T) {
	r := newRepo(t)
	ctx := context.Background()
	n, _ := newNormalizer(t, r, "whatsapp", whatsappFeed())

	stats, err := n.Run(ctx, 10, true)
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Created)
	all, err := r.ListIntake(ctx, repo.IntakeFilter{})
	require.NoError(t, err)
	assert.Empty(t, all)
	entries, err := r.LoadCheckpoints(ctx, "whatsapp")
	require.NoError(t, err)
	assert.Empty(t, entries)
	assert.NoDirExists(t, filepath.Join(n.InboxDir, "whatsapp"))
}

func TestMaxItemsBoundsBatch(t *testing.T) {
	r := newRepo(t)
	n, _ := newNormalizer(t, r, "whatsapp", whatsappFeed())
	stats, err := n.Run(context.Background(), 1, false)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Scanned)
	assert.Equal(t, 1, stats.Created)
}

func TestLowDiskSkipsAndRemediatesOnce(t *testing.T) {
	r := newRepo(t)
	n, rem := newNormalizer(t, r, "whatsapp", whatsappFeed())
	n.FreeBytes = func(string) (uint64, error) { return 1024, nil }

	stats, err := n.Run(context.Background(), 10, false)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Created)
	assert.Equal(t, 3, stats.Errors)
	require.Len(t, rem.failures, 1)
	assert.Equal(t, domain.KindDiskSpace, rem.failures[0].ErrorKind)

	all, err := r.ListIntake(context.Background(), repo.IntakeFilter{})
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestQueryFailureIsRemediated(t *testing.T) {
	r := newRepo(t)
	n, rem := newNormalizer(t, r, "gmail", nil)
	n.Querier = failingQuerier{err: domain.AuthenticationError{Server: "gmail", Status: 401}}

	_, err := n.Run(context.Background(), 10, false)
	require.Error(t, err)
	require.Len(t, rem.failures, 1)
	assert.Equal(t, domain.KindAuthentication, rem.failures[0].ErrorKind)
	assert.Equal(t, "list_events", rem.failures[0].Operation)
}

func TestExcerptIsCappedPerSource(t *testing.T) {
	r := newRepo(t)
	long := strings.Repeat("a", 500)
	n, _ := newNormalizer(t, r, "whatsapp", []map[string]any{{"id": "x1", "sender": "amy", "text": long}})
	_, err := n.Run(context.Background(), 10, false)
	require.NoError(t, err)
	rec, err := r.GetIntake(context.Background(), nil, "whatsapp:x1")
	require.NoError(t, err)
	assert.Equal(t, 200, len([]rune(rec.Excerpt)))
	assert.True(t, strings.HasSuffix(rec.Excerpt, "…"))
}

func TestExternalIDFallsBackToContentHash(t *testing.T) {
	a, err := intake.ExternalID(map[string]any{"sender": "amy", "text": "hello"})
	require.NoError(t, err)
	b, err := intake.ExternalID(map[string]any{"text": "hello", "sender": "amy"})
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.True(t, strings.HasPrefix(a, "h-"))

	c, err := intake.ExternalID(map[string]any{"message_id": 42, "text": "hello"})
	require.NoError(t, err)
	assert.Equal(t, "42", c)
}

func TestDedupProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 15
	properties := gopter.NewProperties(parameters)

	properties.Property("two runs over one feed leave one record per event id", prop.ForAll(
		func(ids []int) bool {
			r := newRepo(t)
			ctx := context.Background()
			var feed []map[string]any
			distinct := map[int]bool{}
			for _, id := range ids {
				feed = append(feed, map[string]any{"id": fmt.Sprintf("m%d", id), "sender": "amy", "text": "hello"})
				distinct[id] = true
			}
			for i := 0; i < 2; i++ {
				n, _ := newNormalizer(t, r, "gmail", feed)
				if _, err := n.Run(ctx, len(feed)+1, false); err != nil {
					return false
				}
			}
			all, err := r.ListIntake(ctx, repo.IntakeFilter{Source: "gmail"})
			return err == nil && len(all) == len(distinct)
		},
		gen.SliceOfN(12, gen.IntRange(0, 6)),
	))

	properties.TestingRun(t)
}

type failingQuerier struct {
	err error
}

func (f failingQuerier) Query(context.Context, string, map[string]any) (connector.Result, error) {
	return connector.Result{}, f.err
}
