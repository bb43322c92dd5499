package engine

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"

	"signoff/internal/decision"
	"signoff/internal/doc"
	"signoff/internal/domain"
	"signoff/internal/events"
	"signoff/internal/repo"
)

// PlanCreateOptions are parameters for drafting a plan.
type PlanCreateOptions struct {
	Objective      string
	Operation      domain.Operation
	RiskLevel      string
	SourceIntakeID string
	Slug           string
	ActorID        string
}

// ApprovalRequest is what RequestApproval published.
type ApprovalRequest struct {
	PlanID   string            `json:"plan_id"`
	Status   string            `json:"status"`
	Artifact decision.Artifact `json:"artifact"`
}

// CreatePlan validates the operation against the capability table, assesses
// risk and stores the plan as draft.
func (e Engine) CreatePlan(ctx context.Context, opts PlanCreateOptions) (domain.Plan, error) {
	if err := e.requireConfig(); err != nil {
		return domain.Plan{}, err
	}
	objective := strings.TrimSpace(opts.Objective)
	if objective == "" {
		return domain.Plan{}, domain.ValidationError{Field: "objective", Reason: "required"}
	}
	if opts.RiskLevel != "" {
		if _, err := domain.ParseRisk(opts.RiskLevel); err != nil {
			return domain.Plan{}, domain.ValidationError{Field: "risk_level", Reason: err.Error()}
		}
	}
	capability, params, err := e.Capabilities.Resolve(opts.Operation)
	if err != nil {
		return domain.Plan{}, err
	}
	op := domain.Operation{Server: opts.Operation.Server, Name: opts.Operation.Name, Params: params}
	level, matched := e.Risk.Assess(opts.RiskLevel, capability, params, e.logger())
	hash, err := OperationHash(op)
	if err != nil {
		return domain.Plan{}, err
	}
	now := e.now().UTC()
	ts := e.ts()
	actor := opts.ActorID
	if actor == "" {
		actor = "system"
	}
	slug := opts.Slug
	if slug == "" {
		slug = op.Name
	}
	p := domain.Plan{
		ID:             fmt.Sprintf("PLAN_%s_%s__%s", now.Format("20060102T150405Z"), strings.ReplaceAll(uuid.NewString(), "-", "")[:6], slugify(slug)),
		SourceIntakeID: optionalString(opts.SourceIntakeID),
		Objective:      objective,
		RiskLevel:      level,
		Category:       capability.Category,
		Operation:      op,
		OperationHash:  hash,
		Status:         domain.PlanDraft,
		CreatedBy:      actor,
		CreatedAt:      ts,
		UpdatedAt:      ts,
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Plan{}, err
	}
	defer tx.Rollback()
	if opts.SourceIntakeID != "" {
		rec, err := e.Repo.GetIntake(ctx, tx, opts.SourceIntakeID)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return domain.Plan{}, fmt.Errorf("intake record %s: %w", opts.SourceIntakeID, err)
			}
			return domain.Plan{}, err
		}
		if err := ensureIntakeTransition(rec.ID, rec.Status, domain.IntakePlanned); err != nil {
			return domain.Plan{}, err
		}
		if err := e.Repo.UpdateIntakeStatus(ctx, tx, rec.ID, domain.IntakePlanned, ts); err != nil {
			return domain.Plan{}, err
		}
	}
	if err := e.Repo.InsertPlan(ctx, tx, p); err != nil {
		return domain.Plan{}, err
	}
	if err := e.Events.Append(ctx, tx, "plan.created", "plan", p.ID, actor, events.EventPayload{
		"objective":        p.Objective,
		"risk_level":       p.RiskLevel,
		"category":         p.Category,
		"server":           op.Server,
		"operation":        op.Name,
		"operation_hash":   p.OperationHash,
		"source_intake_id": opts.SourceIntakeID,
		"risk_rules":       matched,
	}); err != nil {
		return domain.Plan{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Plan{}, err
	}
	e.Metrics.PlanCreated(ctx, p.RiskLevel)
	e.writePlanDoc(p)
	return p, nil
}

// RequestApproval publishes the approval artifact and moves a draft plan to
// pending_approval.
func (e Engine) RequestApproval(ctx context.Context, planID, actorID string) (ApprovalRequest, error) {
	p, err := e.Repo.GetPlan(ctx, nil, planID)
	if err != nil {
		return ApprovalRequest{}, err
	}
	if err := ensurePlanTransition(p.ID, p.Status, domain.PlanPendingApproval); err != nil {
		return ApprovalRequest{}, err
	}
	if actorID == "" {
		actorID = "system"
	}
	art := decision.Artifact{
		PlanID:        p.ID,
		Objective:     e.Redactor.Redact(p.Objective),
		RiskLevel:     p.RiskLevel,
		Category:      p.Category,
		Server:        p.Operation.Server,
		Operation:     p.Operation.Name,
		Params:        e.Redactor.Map(p.Operation.Params),
		OperationHash: p.OperationHash,
		RequestedAt:   e.ts(),
		RequestedBy:   actorID,
	}
	if err := e.Channel.Publish(ctx, art); err != nil {
		return ApprovalRequest{}, fmt.Errorf("publish approval artifact: %w", err)
	}
	p, from, err := e.markPending(ctx, planID, actorID, art.RequestedAt)
	if err != nil {
		e.withdrawUnlessPending(context.WithoutCancel(ctx), planID)
		return ApprovalRequest{}, err
	}
	e.Metrics.Transition(ctx, from, p.Status)
	e.writePlanDoc(p)
	return ApprovalRequest{PlanID: p.ID, Status: p.Status, Artifact: art}, nil
}

// withdrawUnlessPending removes the artifact of a request that did not take
// effect. A plan that is pending by now belongs to a concurrent request.
func (e Engine) withdrawUnlessPending(ctx context.Context, planID string) {
	cur, err := e.Repo.GetPlan(ctx, nil, planID)
	if err == nil && cur.Status == domain.PlanPendingApproval {
		return
	}
	if err := e.Channel.Withdraw(ctx, planID); err != nil {
		e.logger().Error("withdraw approval artifact", "plan_id", planID, "err", err)
	}
}

// markPending moves the plan to pending_approval and audits it in one
// transaction. It returns the plan and its previous status.
func (e Engine) markPending(ctx context.Context, planID, actorID, ts string) (domain.Plan, string, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Plan{}, "", err
	}
	defer tx.Rollback()
	p, err := e.Repo.GetPlan(ctx, tx, planID)
	if err != nil {
		return domain.Plan{}, "", err
	}
	if err := ensurePlanTransition(p.ID, p.Status, domain.PlanPendingApproval); err != nil {
		return domain.Plan{}, "", err
	}
	from := p.Status
	p.Status = domain.PlanPendingApproval
	p.UpdatedAt = ts
	if err := e.Repo.UpdatePlanState(ctx, tx, p); err != nil {
		return domain.Plan{}, "", err
	}
	if err := e.Events.Append(ctx, tx, "plan.approval_requested", "plan", p.ID, actorID, events.EventPayload{
		"risk_level":     p.RiskLevel,
		"operation_hash": p.OperationHash,
	}); err != nil {
		return domain.Plan{}, "", err
	}
	if err := tx.Commit(); err != nil {
		return domain.Plan{}, "", err
	}
	return p, from, nil
}

// recordDecision applies a verdict to a pending plan. Only the Gate calls it.
func (e Engine) recordDecision(ctx context.Context, planID string, d decision.Decision) (domain.Plan, error) {
	to := domain.PlanRejected
	if d.Verdict == decision.Granted {
		to = domain.PlanApproved
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Plan{}, err
	}
	defer tx.Rollback()
	p, err := e.Repo.GetPlan(ctx, tx, planID)
	if err != nil {
		return domain.Plan{}, err
	}
	if err := ensurePlanTransition(p.ID, p.Status, to); err != nil {
		return domain.Plan{}, err
	}
	from := p.Status
	ts := e.ts()
	p.Status = to
	p.UpdatedAt = ts
	p.DecidedAt = &ts
	p.DecidedBy = optionalString(d.ActorID)
	if to == domain.PlanApproved {
		p.ApprovedAt = &ts
	}
	if err := e.Repo.UpdatePlanState(ctx, tx, p); err != nil {
		return domain.Plan{}, err
	}
	if to == domain.PlanApproved && p.SourceIntakeID != nil {
		if err := e.advanceIntake(ctx, tx, *p.SourceIntakeID, domain.IntakeApproved, ts); err != nil {
			return domain.Plan{}, err
		}
	}
	evt := "plan.rejected"
	if to == domain.PlanApproved {
		evt = "plan.approved"
	}
	if err := e.Events.Append(ctx, tx, evt, "plan", p.ID, d.ActorID, events.EventPayload{
		"verdict": string(d.Verdict),
		"roles":   d.Roles,
		"note":    d.Note,
	}); err != nil {
		return domain.Plan{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Plan{}, err
	}
	e.Metrics.Transition(ctx, from, to)
	e.writePlanDoc(p)
	return p, nil
}

func (e Engine) GetPlan(ctx context.Context, planID string) (domain.Plan, error) {
	return e.Repo.GetPlan(ctx, nil, planID)
}

func (e Engine) ListPlans(ctx context.Context, f repo.PlanFilter) ([]domain.Plan, error) {
	return e.Repo.ListPlans(ctx, f)
}

// CountPending returns how many plans await a human decision.
func (e Engine) CountPending(ctx context.Context) (int, error) {
	return e.Repo.CountPlans(ctx, domain.PlanPendingApproval)
}

// ListCandidates returns intake records that still need a plan.
func (e Engine) ListCandidates(ctx context.Context) ([]domain.IntakeRecord, error) {
	return e.Repo.ListIntake(ctx, repo.IntakeFilter{Status: domain.IntakeNeedsAction, OnlyPlanable: true})
}

// LogLoopIteration records one orchestrator iteration in the audit log.
func (e Engine) LogLoopIteration(ctx context.Context, runID string, iteration int, outcome string, payload map[string]any) error {
	p := events.EventPayload{"iteration": iteration, "outcome": outcome}
	for k, v := range payload {
		p[k] = v
	}
	return e.Events.AppendOne(ctx, "loop.iteration", "loop", runID, "orchestrator", p)
}

func (e Engine) advanceIntake(ctx context.Context, tx *sql.Tx, id, to, ts string) error {
	rec, err := e.Repo.GetIntake(ctx, tx, id)
	if errors.Is(err, repo.ErrNotFound) {
		e.logger().Warn("plan references missing intake record", "intake_id", id)
		return nil
	}
	if err != nil {
		return err
	}
	if err := ensureIntakeTransition(rec.ID, rec.Status, to); err != nil {
		e.logger().Warn("intake record not advanced", "intake_id", id, "err", err)
		return nil
	}
	return e.Repo.UpdateIntakeStatus(ctx, tx, id, to, ts)
}

func (e Engine) writePlanDoc(p domain.Plan) {
	if e.PlansDir == "" {
		return
	}
	if err := doc.WritePlan(e.PlansDir, p, e.Redactor.Map(p.Operation.Params)); err != nil {
		e.logger().Error("write plan document", "plan_id", p.ID, "err", err)
	}
}

// OperationHash is the sha256 of the operation's canonical JSON.
func OperationHash(op domain.Operation) (string, error) {
	raw, err := json.Marshal(op)
	if err != nil {
		return "", err
	}
	canonical, err := jcs.Transform(raw)
	if err != nil {
		return "", fmt.Errorf("canonicalize operation: %w", err)
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

func ensurePlanTransition(id, from, to string) error {
	switch from {
	case domain.PlanDraft:
		if to == domain.PlanPendingApproval {
			return nil
		}
	case domain.PlanPendingApproval:
		if to == domain.PlanApproved || to == domain.PlanRejected {
			return nil
		}
	case domain.PlanApproved:
		if to == domain.PlanExecuted || to == domain.PlanFailed {
			return nil
		}
	}
	return domain.StateTransitionError{Entity: "plan", ID: id, From: from, To: to}
}

func ensureIntakeTransition(id, from, to string) error {
	switch from {
	case domain.IntakeNeedsAction, domain.IntakeFailed:
		if to == domain.IntakePlanned {
			return nil
		}
	case domain.IntakePlanned:
		if to == domain.IntakePlanned || to == domain.IntakeApproved {
			return nil
		}
	case domain.IntakeApproved:
		if to == domain.IntakeExecuted || to == domain.IntakeFailed {
			return nil
		}
	}
	return domain.StateTransitionError{Entity: "intake", ID: id, From: from, To: to}
}

var slugUnsafe = regexp.MustCompile(`[^a-z0-9]+`)

func slugify(s string) string {
	s = strings.Trim(slugUnsafe.ReplaceAllString(strings.ToLower(s), "-"), "-")
	if len(s) > 40 {
		s = strings.TrimRight(s[:40], "-")
	}
	if s == "" {
		return "plan"
	}
	return s
}
