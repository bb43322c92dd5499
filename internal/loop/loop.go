// Package loop drives bounded, plan-only orchestration runs. A run drafts
// plans for open intake records and stops as soon as any plan is waiting
// for a human.
package loop

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"signoff/internal/config"
	"signoff/internal/domain"
	"signoff/internal/engine"
	"signoff/internal/metrics"
)

type State string

const (
	StateRunning               State = "running"
	StateHaltedApprovalPending State = "halted_approval_pending"
	StateCompleted             State = "completed"
	StateMaxIterationsReached  State = "max_iterations_reached"
	StateFailed                State = "failed"
)

const actorID = "orchestrator"

// Planner is the plan-creation surface the loop may use. It has no route to
// decisions or dispatch.
type Planner interface {
	CountPending(ctx context.Context) (int, error)
	ListCandidates(ctx context.Context) ([]domain.IntakeRecord, error)
	CreatePlan(ctx context.Context, opts engine.PlanCreateOptions) (domain.Plan, error)
	RequestApproval(ctx context.Context, planID, actorID string) (engine.ApprovalRequest, error)
	LogLoopIteration(ctx context.Context, runID string, iteration int, outcome string, payload map[string]any) error
}

type Options struct {
	MaxIterations        int
	MaxPlansPerIteration int
	IterationTimeout     time.Duration
	// RequestApproval submits every draft for approval, which halts the next
	// iteration.
	RequestApproval bool
	// DryRun previews one iteration without creating anything.
	DryRun bool
	// CompletionFile ends the run when it exists.
	CompletionFile string
}

// Report is the outcome of one run.
type Report struct {
	RunID        string   `json:"run_id"`
	State        State    `json:"state"`
	Iterations   int      `json:"iterations"`
	PlansCreated int      `json:"plans_created"`
	Plans        []string `json:"plans,omitempty"`
	Previewed    []string `json:"previewed,omitempty"`
	Error        string   `json:"error,omitempty"`
	Err          error    `json:"-"`
}

type Loop struct {
	Planner Planner
	Config  *config.Config
	Options Options
	Logger  *slog.Logger
	Metrics *metrics.Recorder
	RunID   string
}

// New applies config defaults to opts and clamps the iteration count.
func New(p Planner, cfg *config.Config, opts Options) *Loop {
	if cfg == nil {
		cfg = config.Default()
	}
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = cfg.Orchestrator.MaxIterations
	}
	if opts.MaxPlansPerIteration <= 0 {
		opts.MaxPlansPerIteration = cfg.Orchestrator.MaxPlansPerIteration
	}
	if opts.IterationTimeout <= 0 {
		opts.IterationTimeout = cfg.Orchestrator.IterationTimeout
	}
	return &Loop{Planner: p, Config: cfg, Options: opts}
}

func (l *Loop) Run(ctx context.Context) Report {
	runID := l.RunID
	if runID == "" {
		runID = "run-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	}
	rep := Report{RunID: runID, State: StateRunning}
	maxIter := l.Options.MaxIterations
	if maxIter <= 0 {
		maxIter = 1
	}
	if maxIter > config.MaxIterationsCeiling {
		l.logger().Warn("max iterations clamped", "requested", maxIter, "ceiling", config.MaxIterationsCeiling)
		maxIter = config.MaxIterationsCeiling
	}
	l.logger().Info("loop started", "run_id", runID, "max_iterations", maxIter,
		"max_plans_per_iteration", l.Options.MaxPlansPerIteration, "dry_run", l.Options.DryRun)

	for i := 1; i <= maxIter; i++ {
		rep.Iterations = i
		res, err := l.iteration(ctx, runID, i)
		rep.Plans = append(rep.Plans, res.plans...)
		rep.Previewed = append(rep.Previewed, res.previewed...)
		rep.PlansCreated = len(rep.Plans)
		if err != nil {
			rep.State = StateFailed
			rep.Err = err
			rep.Error = err.Error()
			l.logger().Error("loop iteration failed", "run_id", runID, "iteration", i, "err", err)
			l.record(ctx, runID, i, string(StateFailed), map[string]any{"error": err.Error()})
			return rep
		}
		if res.state != StateRunning {
			rep.State = res.state
			l.logger().Info("loop stopped", "run_id", runID, "iteration", i, "state", rep.State, "plans_created", rep.PlansCreated)
			return rep
		}
	}
	rep.State = StateMaxIterationsReached
	l.logger().Info("loop stopped", "run_id", runID, "state", rep.State, "plans_created", rep.PlansCreated)
	return rep
}

type iterationResult struct {
	state     State
	plans     []string
	previewed []string
}

func (l *Loop) iteration(parent context.Context, runID string, i int) (iterationResult, error) {
	ctx := parent
	if l.Options.IterationTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(parent, l.Options.IterationTimeout)
		defer cancel()
	}
	res, err := l.step(ctx, runID, i)
	if err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) && parent.Err() == nil {
		err = fmt.Errorf("iteration %d exceeded %s: %w", i, l.Options.IterationTimeout, err)
	}
	return res, err
}

func (l *Loop) step(ctx context.Context, runID string, i int) (iterationResult, error) {
	res := iterationResult{state: StateRunning}
	pending, err := l.Planner.CountPending(ctx)
	if err != nil {
		return res, fmt.Errorf("count pending plans: %w", err)
	}
	if pending > 0 {
		res.state = StateHaltedApprovalPending
		l.record(ctx, runID, i, string(res.state), map[string]any{"pending": pending})
		return res, nil
	}
	if l.completionSignaled() {
		res.state = StateCompleted
		l.record(ctx, runID, i, string(res.state), map[string]any{"reason": "completion signal"})
		return res, nil
	}
	candidates, err := l.Planner.ListCandidates(ctx)
	if err != nil {
		return res, fmt.Errorf("list candidates: %w", err)
	}
	if len(candidates) == 0 {
		res.state = StateCompleted
		l.record(ctx, runID, i, string(res.state), map[string]any{"reason": "no candidates"})
		return res, nil
	}
	Rank(candidates)

	for _, rec := range candidates {
		if len(res.plans)+len(res.previewed) >= l.Options.MaxPlansPerIteration {
			break
		}
		opts, ok := l.draftFor(rec)
		if !ok {
			l.logger().Info("no plan template for record", "intake_id", rec.ID, "source", rec.Source)
			continue
		}
		if l.Options.DryRun {
			l.logger().Info("would draft plan", "intake_id", rec.ID, "operation", opts.Operation.Key(), "objective", opts.Objective)
			res.previewed = append(res.previewed, rec.ID)
			continue
		}
		p, err := l.Planner.CreatePlan(ctx, opts)
		var ve domain.ValidationError
		if errors.As(err, &ve) {
			l.logger().Warn("draft rejected", "intake_id", rec.ID, "err", err)
			continue
		}
		if err != nil {
			return res, fmt.Errorf("draft plan for %s: %w", rec.ID, err)
		}
		res.plans = append(res.plans, p.ID)
		if l.Options.RequestApproval {
			if _, err := l.Planner.RequestApproval(ctx, p.ID, actorID); err != nil {
				return res, fmt.Errorf("request approval for %s: %w", p.ID, err)
			}
		}
	}
	if l.Options.DryRun {
		res.state = StateCompleted
		return res, nil
	}
	l.record(ctx, runID, i, "planned", map[string]any{"plans": res.plans, "candidates": len(candidates)})
	return res, nil
}

func (l *Loop) record(ctx context.Context, runID string, i int, outcome string, payload map[string]any) {
	l.Metrics.Iteration(ctx, outcome)
	if l.Options.DryRun {
		return
	}
	// The iteration context may already be done; the audit entry is still written.
	if err := l.Planner.LogLoopIteration(context.WithoutCancel(ctx), runID, i, outcome, payload); err != nil {
		l.logger().Error("audit loop iteration", "run_id", runID, "iteration", i, "err", err)
	}
}

func (l *Loop) completionSignaled() bool {
	if l.Options.CompletionFile == "" {
		return false
	}
	_, err := os.Stat(l.Options.CompletionFile)
	return err == nil
}

// Rank orders candidates: remediation records first, then urgent or
// time-sensitive ones, then the rest; oldest first within a tier.
func Rank(recs []domain.IntakeRecord) {
	sort.SliceStable(recs, func(i, j int) bool {
		ti, tj := tier(recs[i]), tier(recs[j])
		if ti != tj {
			return ti < tj
		}
		if recs[i].ReceivedAt != recs[j].ReceivedAt {
			return recs[i].ReceivedAt < recs[j].ReceivedAt
		}
		return recs[i].ID < recs[j].ID
	})
}

func tier(rec domain.IntakeRecord) int {
	switch {
	case rec.Source == domain.RemediationSource:
		return 0
	case rec.TimeSensitive || rec.Priority == domain.PriorityHigh || rec.Priority == domain.PriorityCritical:
		return 1
	default:
		return 2
	}
}

func (l *Loop) draftFor(rec domain.IntakeRecord) (engine.PlanCreateOptions, bool) {
	var (
		tmpl *config.PlanTemplate
		slug string
	)
	if rec.Source == domain.RemediationSource {
		tmpl, slug = l.Config.Remediation.Notify, "remediate"
	} else if src, ok := l.Config.Sources[rec.Source]; ok {
		tmpl, slug = src.Reply, "reply"
	}
	if tmpl == nil {
		return engine.PlanCreateOptions{}, false
	}
	r := strings.NewReplacer(
		"{sender}", rec.Sender,
		"{thread_id}", rec.ThreadID,
		"{excerpt}", rec.Excerpt,
		"{source}", rec.Source,
		"{id}", rec.ID,
	)
	return engine.PlanCreateOptions{
		Objective: r.Replace(tmpl.Objective),
		Operation: domain.Operation{
			Server: tmpl.Server,
			Name:   tmpl.Operation,
			Params: fill(r, tmpl.Params).(map[string]any),
		},
		RiskLevel:      tmpl.Risk,
		SourceIntakeID: rec.ID,
		Slug:           slug,
		ActorID:        actorID,
	}, true
}

func fill(r *strings.Replacer, v any) any {
	switch t := v.(type) {
	case string:
		return r.Replace(t)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = fill(r, val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = fill(r, val)
		}
		return out
	default:
		return t
	}
}

func (l *Loop) logger() *slog.Logger {
	if l.Logger != nil {
		return l.Logger
	}
	return slog.Default()
}
