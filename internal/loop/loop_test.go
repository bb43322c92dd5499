package loop_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"signoff/internal/config"
	"signoff/internal/db"
	"signoff/internal/domain"
	"signoff/internal/engine"
	"signoff/internal/intake"
	"signoff/internal/loop"
	"signoff/internal/migrate"
	"signoff/internal/repo"
)

type fakePlanner struct {
	pending    int
	candidates []domain.IntakeRecord
	created    []engine.PlanCreateOptions
	requested  []string
	iterations []string
	createErr  error
	block      bool
}

func (f *fakePlanner) CountPending(context.Context) (int, error) { return f.pending, nil }

func (f *fakePlanner) ListCandidates(context.Context) ([]domain.IntakeRecord, error) {
	out := make([]domain.IntakeRecord, len(f.candidates))
	copy(out, f.candidates)
	return out, nil
}

func (f *fakePlanner) CreatePlan(ctx context.Context, opts engine.PlanCreateOptions) (domain.Plan, error) {
	if f.block {
		<-ctx.Done()
		return domain.Plan{}, ctx.Err()
	}
	if f.createErr != nil {
		return domain.Plan{}, f.createErr
	}
	f.created = append(f.created, opts)
	return domain.Plan{ID: fmt.Sprintf("PLAN_%d", len(f.created)), Status: domain.PlanDraft}, nil
}

func (f *fakePlanner) RequestApproval(_ context.Context, planID, _ string) (engine.ApprovalRequest, error) {
	f.requested = append(f.requested, planID)
	f.pending++
	return engine.ApprovalRequest{PlanID: planID, Status: domain.PlanPendingApproval}, nil
}

func (f *fakePlanner) LogLoopIteration(_ context.Context, _ string, _ int, outcome string, _ map[string]any) error {
	f.iterations = append(f.iterations, outcome)
	return nil
}

func candidate(id, source, priority, received string) domain.IntakeRecord {
	return domain.IntakeRecord{
		ID: id, Source: source, ReceivedAt: received, Sender: "amy", ThreadID: "t-" + id,
		Excerpt: "hello", Status: domain.IntakeNeedsAction, PlanRequired: true, Priority: priority,
	}
}

func TestHaltsWhenApprovalPending(t *testing.T) {
	p := &fakePlanner{pending: 1, candidates: []domain.IntakeRecord{candidate("whatsapp:1", "whatsapp", domain.PriorityNormal, "2024-01-01T00:00:00Z")}}
	rep := loop.New(p, config.Default(), loop.Options{}).Run(context.Background())
	assert.Equal(t, loop.StateHaltedApprovalPending, rep.State)
	assert.Equal(t, 1, rep.Iterations)
	assert.Empty(t, p.created)
	assert.Equal(t, []string{string(loop.StateHaltedApprovalPending)}, p.iterations)
}

func TestHaltProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	properties.Property("no plan is drafted while any approval is pending", prop.ForAll(
		func(pending, candidates, maxIter, perIter int) bool {
			p := &fakePlanner{pending: pending}
			for i := 0; i < candidates; i++ {
				p.candidates = append(p.candidates, candidate(fmt.Sprintf("gmail:%d", i), "gmail", domain.PriorityNormal, "2024-01-01T00:00:00Z"))
			}
			rep := loop.New(p, config.Default(), loop.Options{MaxIterations: maxIter, MaxPlansPerIteration: perIter}).Run(context.Background())
			return len(p.created) == 0 && rep.State == loop.StateHaltedApprovalPending && rep.Iterations == 1
		},
		gen.IntRange(1, 20),
		gen.IntRange(0, 20),
		gen.IntRange(1, 60),
		gen.IntRange(1, 10),
	))

	properties.TestingRun(t)
}

func TestRequestingApprovalHaltsNextIteration(t *testing.T) {
	p := &fakePlanner{}
	for i := 0; i < 3; i++ {
		p.candidates = append(p.candidates, candidate(fmt.Sprintf("gmail:%d", i), "gmail", domain.PriorityNormal, "2024-01-01T00:00:00Z"))
	}
	rep := loop.New(p, config.Default(), loop.Options{MaxIterations: 5, MaxPlansPerIteration: 2, RequestApproval: true}).Run(context.Background())
	assert.Equal(t, loop.StateHaltedApprovalPending, rep.State)
	assert.Equal(t, 2, rep.Iterations)
	assert.Equal(t, 2, rep.PlansCreated)
	assert.Equal(t, []string{"PLAN_1", "PLAN_2"}, p.requested)
	assert.Equal(t, []string{"planned", string(loop.StateHaltedApprovalPending)}, p.iterations)
}

func TestMaxIterationsIsClamped(t *testing.T) {
	p := &fakePlanner{candidates: []domain.IntakeRecord{candidate("gmail:1", "gmail", domain.PriorityNormal, "2024-01-01T00:00:00Z")}}
	rep := loop.New(p, config.Default(), loop.Options{MaxIterations: 500, MaxPlansPerIteration: 1}).Run(context.Background())
	assert.Equal(t, loop.StateMaxIterationsReached, rep.State)
	assert.Equal(t, config.MaxIterationsCeiling, rep.Iterations)
}

func TestCompletesWithoutCandidates(t *testing.T) {
	p := &fakePlanner{}
	rep := loop.New(p, config.Default(), loop.Options{}).Run(context.Background())
	assert.Equal(t, loop.StateCompleted, rep.State)
	assert.Equal(t, 1, rep.Iterations)
}

func TestCompletionSignalStopsRun(t *testing.T) {
	signal := filepath.Join(t.TempDir(), "LOOP_COMPLETE")
	require.NoError(t, os.WriteFile(signal, nil, 0o600))
	p := &fakePlanner{candidates: []domain.IntakeRecord{candidate("gmail:1", "gmail", domain.PriorityNormal, "2024-01-01T00:00:00Z")}}
	rep := loop.New(p, config.Default(), loop.Options{CompletionFile: signal}).Run(context.Background())
	assert.Equal(t, loop.StateCompleted, rep.State)
	assert.Empty(t, p.created)
}

func TestCreateFailureFailsRun(t *testing.T) {
	p := &fakePlanner{
		candidates: []domain.IntakeRecord{candidate("gmail:1", "gmail", domain.PriorityNormal, "2024-01-01T00:00:00Z")},
		createErr:  errors.New("database is locked"),
	}
	rep := loop.New(p, config.Default(), loop.Options{}).Run(context.Background())
	assert.Equal(t, loop.StateFailed, rep.State)
	require.Error(t, rep.Err)
	assert.Equal(t, []string{string(loop.StateFailed)}, p.iterations)
}

func TestValidationFailureSkipsCandidate(t *testing.T) {
	p := &fakePlanner{
		candidates: []domain.IntakeRecord{candidate("gmail:1", "gmail", domain.PriorityNormal, "2024-01-01T00:00:00Z")},
		createErr:  domain.ValidationError{Field: "params", Reason: "missing to"},
	}
	rep := loop.New(p, config.Default(), loop.Options{MaxIterations: 2}).Run(context.Background())
	assert.Equal(t, loop.StateMaxIterationsReached, rep.State)
	assert.Zero(t, rep.PlansCreated)
}

func TestIterationTimeoutFailsRun(t *testing.T) {
	p := &fakePlanner{
		candidates: []domain.IntakeRecord{candidate("gmail:1", "gmail", domain.PriorityNormal, "2024-01-01T00:00:00Z")},
		block:      true,
	}
	rep := loop.New(p, config.Default(), loop.Options{IterationTimeout: 20 * time.Millisecond}).Run(context.Background())
	assert.Equal(t, loop.StateFailed, rep.State)
	assert.ErrorIs(t, rep.Err, context.DeadlineExceeded)
	assert.Contains(t, rep.Error, "exceeded")
}

func TestDryRunDraftsNothing(t *testing.T) {
	p := &fakePlanner{candidates: []domain.IntakeRecord{candidate("gmail:1", "gmail", domain.PriorityNormal, "2024-01-01T00:00:00Z")}}
	rep := loop.New(p, config.Default(), loop.Options{DryRun: true}).Run(context.Background())
	assert.Equal(t, loop.StateCompleted, rep.State)
	assert.Equal(t, []string{"gmail:1"}, rep.Previewed)
	assert.Empty(t, p.created)
	assert.Empty(t, p.iterations)
}

func TestRankOrdersByTierThenAge(t *testing.T) {
	recs := []domain.IntakeRecord{
		candidate("gmail:old", "gmail", domain.PriorityNormal, "2024-01-01T00:00:00Z"),
		candidate("gmail:urgent", "gmail", domain.PriorityHigh, "2024-01-03T00:00:00Z"),
		candidate("remediation:x", domain.RemediationSource, domain.PriorityHigh, "2024-01-04T00:00:00Z"),
		candidate("gmail:urgent-old", "gmail", domain.PriorityCritical, "2024-01-02T00:00:00Z"),
	}
	loop.Rank(recs)
	var ids []string
	for _, r := range recs {
		ids = append(ids, r.ID)
	}
	assert.Equal(t, []string{"remediation:x", "gmail:urgent-old", "gmail:urgent", "gmail:old"}, ids)
}

func TestDraftFillsTemplate(t *testing.T) {
	p := &fakePlanner{candidates: []domain.IntakeRecord{
		candidate("gmail:1", "gmail", domain.PriorityNormal, "2024-01-01T00:00:00Z"),
		candidate("remediation:odoo.post_invoice:1", domain.RemediationSource, domain.PriorityHigh, "2024-01-01T00:00:00Z"),
		candidate("odoo:9", "odoo", domain.PriorityNormal, "2024-01-01T00:00:00Z"),
	}}
	rep := loop.New(p, config.Default(), loop.Options{MaxIterations: 1}).Run(context.Background())
	assert.Equal(t, 2, rep.PlansCreated)
	require.Len(t, p.created, 2)

	rem := p.created[0]
	assert.Equal(t, "operator.notify", rem.Operation.Key())
	assert.Equal(t, "hello", rem.Operation.Params["message"])
	assert.Equal(t, "remediate", rem.Slug)

	reply := p.created[1]
	assert.Equal(t, "gmail.send_email", reply.Operation.Key())
	assert.NotContains(t, reply.Operation.Params, "to")
	assert.Equal(t, "t-gmail:1", reply.Operation.Params["thread_id"])
	assert.Equal(t, "Reply to email gmail:1", reply.Objective)
	assert.Equal(t, "gmail:1", reply.SourceIntakeID)
	assert.Equal(t, "orchestrator", reply.ActorID)
}

func TestBoundedRunAgainstEngine(t *testing.T) {
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	require.NoError(t, migrate.Migrate(conn))
	cfg := config.Default()
	eng, err := engine.New(conn, cfg)
	require.NoError(t, err)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		require.NoError(t, eng.Repo.InsertIntake(ctx, nil, domain.IntakeRecord{
			ID: fmt.Sprintf("whatsapp:%d", 2000+i), Source: "whatsapp", ExternalID: fmt.Sprint(2000 + i),
			ReceivedAt: fmt.Sprintf("2024-01-01T00:%02d:00Z", i), Sender: "[REDACTED_PHONE]", ThreadID: fmt.Sprintf("chat-%d", i),
			Excerpt: "hello", Status: domain.IntakeNeedsAction, PlanRequired: true, PIIRedacted: true,
			Priority: domain.PriorityNormal, CreatedAt: "2024-01-01T00:00:00Z", UpdatedAt: "2024-01-01T00:00:00Z",
		}))
	}

	rep := loop.New(eng, cfg, loop.Options{MaxIterations: 2, MaxPlansPerIteration: 2}).Run(ctx)
	require.NoError(t, rep.Err)
	assert.Equal(t, loop.StateMaxIterationsReached, rep.State)
	assert.Equal(t, 4, rep.PlansCreated)

	plans, err := eng.ListPlans(ctx, repo.PlanFilter{})
	require.NoError(t, err)
	assert.Len(t, plans, 4)
	for _, p := range plans {
		assert.Equal(t, domain.PlanDraft, p.Status)
		assert.Equal(t, domain.RiskMedium, p.RiskLevel)
	}
	left, err := eng.ListCandidates(ctx)
	require.NoError(t, err)
	assert.Len(t, left, 6)

	evts, err := eng.Repo.LatestEvents(ctx, repo.EventFilter{Type: "loop.iteration"})
	require.NoError(t, err)
	assert.Len(t, evts, 2)
}

func TestDraftRoutesRepliesByThread(t *testing.T) {
	cfg := config.Default()
	var recs []domain.IntakeRecord
	for source, raw := range map[string]map[string]any{
		"gmail":    {"id": "m-1", "from": "amy@example.com", "thread_id": "18c2f0a9d41b7e55", "text": "Can you resend the invoice?"},
		"whatsapp": {"id": "w-1", "sender": "+44 7911 123456", "chat_id": "447911123456@c.us", "text": "hello"},
	} {
		n := &intake.Normalizer{Source: source, Config: cfg.Sources[source], Intake: cfg.Intake}
		rec, err := n.Normalize(raw)
		require.NoError(t, err)
		assert.NotContains(t, rec.Sender, "@")
		recs = append(recs, rec)
	}

	p := &fakePlanner{candidates: recs}
	rep := loop.New(p, cfg, loop.Options{MaxIterations: 1}).Run(context.Background())
	require.NoError(t, rep.Err)
	require.Len(t, p.created, 2)
	byOp := map[string]engine.PlanCreateOptions{}
	for _, c := range p.created {
		byOp[c.Operation.Key()] = c
		assert.NotContains(t, c.Objective, "REDACTED")
		for k, v := range c.Operation.Params {
			assert.NotContains(t, fmt.Sprint(v), "REDACTED", k)
		}
	}
	assert.Equal(t, "18c2f0a9d41b7e55", byOp["gmail.send_email"].Operation.Params["thread_id"])
	assert.Equal(t, "447911123456@c.us", byOp["whatsapp.send_message"].Operation.Params["chat_id"])

	caps, err := engine.NewCapabilityTable(cfg.Capabilities)
	require.NoError(t, err)
	for _, c := range p.created {
		_, _, err := caps.Resolve(c.Operation)
		assert.NoError(t, err, c.Operation.Key())
	}
}
