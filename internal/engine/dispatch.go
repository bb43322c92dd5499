package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"signoff/internal/connector"
	"signoff/internal/domain"
	"signoff/internal/events"
)

// Execute dispatches an approved plan. The dry-run preview always runs
// first; the real call happens only when execute is set.
func (e Engine) Execute(ctx context.Context, planID string, execute bool) (domain.ActionLogEntry, error) {
	if e.Actions == nil {
		return domain.ActionLogEntry{}, errors.New("action log not configured")
	}
	p, err := e.Repo.GetPlan(ctx, nil, planID)
	if err != nil {
		return domain.ActionLogEntry{}, err
	}
	if p.Status != domain.PlanApproved {
		e.refuse(ctx, p, "plan not approved")
		return domain.ActionLogEntry{}, domain.ApprovalRequiredError{PlanID: p.ID, Status: p.Status}
	}
	hash, err := OperationHash(p.Operation)
	if err != nil {
		return domain.ActionLogEntry{}, err
	}
	if hash != p.OperationHash {
		e.refuse(ctx, p, "operation hash mismatch")
		return domain.ActionLogEntry{}, fmt.Errorf("plan %s operation changed after approval: %w",
			p.ID, domain.StateTransitionError{Entity: "plan", ID: p.ID, From: p.Status, To: domain.PlanExecuted})
	}
	collab, err := e.Connectors.Lookup(p.Operation.Server)
	if err != nil {
		e.refuse(ctx, p, err.Error())
		return domain.ActionLogEntry{}, err
	}

	preview, err := e.call(ctx, collab, p, true, 1)
	if err != nil {
		if _, _, rerr := e.HandleFailure(ctx, failureFor(p, err)); rerr != nil {
			e.logger().Error("remediation failed", "plan_id", p.ID, "err", rerr)
		}
		return preview, fmt.Errorf("dry-run %s: %w", p.Operation.Key(), err)
	}
	if !execute {
		return preview, nil
	}

	entry, callErr := e.call(ctx, collab, p, false, e.Config.Dispatcher.MaxAttempts)
	if callErr == nil {
		if err := e.finish(ctx, p, domain.PlanExecuted, domain.IntakeExecuted, entry); err != nil {
			return entry, err
		}
		return entry, nil
	}
	if err := e.finish(ctx, p, domain.PlanFailed, domain.IntakeFailed, entry); err != nil {
		return entry, err
	}
	if _, _, err := e.HandleFailure(ctx, failureFor(p, callErr)); err != nil {
		e.logger().Error("remediation failed", "plan_id", p.ID, "err", err)
	}
	return entry, fmt.Errorf("execute %s: %w", p.Operation.Key(), callErr)
}

// call runs one act invocation with retries for transient failures and
// appends the outcome to the action log.
func (e Engine) call(ctx context.Context, collab connector.Actor, p domain.Plan, dryRun bool, maxAttempts int) (domain.ActionLogEntry, error) {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	mode := domain.ModeExecute
	if dryRun {
		mode = domain.ModeDryRun
	}
	start := e.now()
	var (
		res      connector.Result
		err      error
		attempts int
	)
	for attempts = 1; ; attempts++ {
		res, err = e.actOnce(ctx, collab, p, dryRun)
		if err == nil || !domain.Retryable(err) || attempts >= maxAttempts || ctx.Err() != nil {
			break
		}
		delay := e.backoff(attempts, err)
		e.logger().Warn("retrying dispatch", "plan_id", p.ID, "operation", p.Operation.Key(), "mode", mode,
			"attempt", attempts, "delay", delay, "kind", domain.ErrorKind(err))
		if serr := e.sleep(ctx, delay); serr != nil {
			err = serr
			break
		}
	}
	elapsed := e.now().Sub(start)
	entry := domain.ActionLogEntry{
		Timestamp:       e.ts(),
		PlanID:          p.ID,
		Tool:            p.Operation.Server,
		Operation:       p.Operation.Name,
		Parameters:      p.Operation.Params,
		Mode:            mode,
		Success:         err == nil,
		DurationMS:      elapsed.Milliseconds(),
		Attempts:        attempts,
		ResponseSummary: res.Summary,
	}
	if err != nil {
		entry.Error = err.Error()
		if entry.ResponseSummary == "" {
			entry.ResponseSummary = domain.ErrorKind(err)
		}
	}
	e.Metrics.Dispatch(ctx, p.Operation.Server, mode, entry.Success, elapsed)
	if lerr := e.Actions.Append(entry); lerr != nil {
		return entry, errors.Join(err, fmt.Errorf("append action log: %w", lerr))
	}
	// The stored entry is redacted; return the same view.
	entry.Parameters = e.Redactor.Map(entry.Parameters)
	entry.ResponseSummary = e.Redactor.Redact(entry.ResponseSummary)
	entry.Error = e.Redactor.Redact(entry.Error)
	return entry, err
}

func (e Engine) actOnce(ctx context.Context, collab connector.Actor, p domain.Plan, dryRun bool) (connector.Result, error) {
	timeout := e.Config.Dispatcher.CallTimeout
	callCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	res, err := collab.Act(callCtx, p.Operation.Name, p.Operation.Params, dryRun)
	if err != nil && errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
		err = domain.TransientNetworkError{Op: p.Operation.Key(), Err: err}
	}
	return res, err
}

// backoff doubles from BaseDelay per attempt, capped at MaxDelay. A longer
// Retry-After hint from a rate limit wins up to the cap.
func (e Engine) backoff(attempt int, err error) time.Duration {
	cfg := e.Config.Dispatcher
	d := cfg.BaseDelay << (attempt - 1)
	var rl domain.RateLimitError
	if errors.As(err, &rl) && rl.RetryAfter > d {
		d = rl.RetryAfter
	}
	if cfg.MaxDelay > 0 && d > cfg.MaxDelay {
		d = cfg.MaxDelay
	}
	return d
}

func (e Engine) finish(ctx context.Context, p domain.Plan, planStatus, intakeStatus string, entry domain.ActionLogEntry) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	cur, err := e.Repo.GetPlan(ctx, tx, p.ID)
	if err != nil {
		return err
	}
	if err := ensurePlanTransition(cur.ID, cur.Status, planStatus); err != nil {
		return err
	}
	ts := e.ts()
	from := cur.Status
	cur.Status = planStatus
	cur.UpdatedAt = ts
	if planStatus == domain.PlanExecuted {
		cur.ExecutedAt = &ts
	}
	if err := e.Repo.UpdatePlanState(ctx, tx, cur); err != nil {
		return err
	}
	if cur.SourceIntakeID != nil {
		if err := e.advanceIntake(ctx, tx, *cur.SourceIntakeID, intakeStatus, ts); err != nil {
			return err
		}
	}
	if err := e.Events.Append(ctx, tx, "plan."+planStatus, "plan", cur.ID, "dispatcher", events.EventPayload{
		"mode":             entry.Mode,
		"success":          entry.Success,
		"attempts":         entry.Attempts,
		"duration_ms":      entry.DurationMS,
		"response_summary": entry.ResponseSummary,
		"error":            entry.Error,
	}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	e.Metrics.Transition(ctx, from, planStatus)
	e.writePlanDoc(cur)
	return nil
}

func (e Engine) refuse(ctx context.Context, p domain.Plan, reason string) {
	e.logger().Error("dispatch refused", "plan_id", p.ID, "status", p.Status, "reason", reason)
	if err := e.Events.AppendOne(ctx, "dispatch.refused", "plan", p.ID, "dispatcher", events.EventPayload{
		"status": p.Status,
		"reason": reason,
	}); err != nil {
		e.logger().Error("audit dispatch refusal", "plan_id", p.ID, "err", err)
	}
}

func failureFor(p domain.Plan, err error) domain.Failure {
	return domain.Failure{
		ErrorKind:  domain.ErrorKind(err),
		ServerName: p.Operation.Server,
		Operation:  p.Operation.Name,
		PlanID:     p.ID,
		Detail:     err.Error(),
	}
}
