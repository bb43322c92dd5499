package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"signoff/internal/doc"
	"signoff/internal/domain"
	"signoff/internal/events"
	"signoff/internal/repo"
)

// RemediationExcerptMax caps remediation record excerpts.
const RemediationExcerptMax = 280

// HandleFailure records a failure as a remediation intake record. There is
// at most one open record per server.operation; repeated failures raise its
// retry count until it escalates. Once escalated, further failures for the
// key are not remediated and created is false.
func (e Engine) HandleFailure(ctx context.Context, f domain.Failure) (domain.IntakeRecord, bool, error) {
	if f.ErrorKind == "" {
		f.ErrorKind = domain.KindUnknown
	}
	key := f.ServerName + "." + f.Operation
	maxRetries := e.Config.Remediation.MaxRetries
	ts := e.ts()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.IntakeRecord{}, false, err
	}
	defer tx.Rollback()

	rec, err := e.Repo.OpenRemediation(ctx, tx, key)
	var evt string
	switch {
	case err == nil:
		rem := rec.Remediation
		if rem.Escalated {
			if err := e.Events.Append(ctx, tx, "remediation.suppressed", "intake", rec.ID, "remediation", events.EventPayload{
				"error_kind": f.ErrorKind,
				"plan_id":    f.PlanID,
				"detail":     f.Detail,
			}); err != nil {
				return domain.IntakeRecord{}, false, err
			}
			if err := tx.Commit(); err != nil {
				return domain.IntakeRecord{}, false, err
			}
			e.Metrics.Remediation(ctx, f.ErrorKind, "suppressed")
			e.logger().Warn("remediation escalated; no further automatic handling", "key", key, "intake_id", rec.ID)
			return rec, false, nil
		}
		rem.RetryCount++
		rem.ErrorKind = f.ErrorKind
		rem.PlanID = f.PlanID
		evt = "remediation.updated"
		e.escalateIfDue(&rec, maxRetries, f.ErrorKind)
		rec.Excerpt = e.remediationExcerpt(f, rem.RetryCount, maxRetries, rem.Escalated)
		rec.UpdatedAt = ts
		if err := e.Repo.UpdateRemediation(ctx, tx, rec); err != nil {
			return domain.IntakeRecord{}, false, err
		}
	case errors.Is(err, repo.ErrNotFound):
		ext := fmt.Sprintf("%s:%s-%s", key, e.now().UTC().Format("20060102T150405Z"), strings.ReplaceAll(uuid.NewString(), "-", "")[:6])
		rec = domain.IntakeRecord{
			ID:           domain.RemediationSource + ":" + ext,
			Source:       domain.RemediationSource,
			ExternalID:   ext,
			ReceivedAt:   ts,
			Sender:       "signoff",
			Channel:      domain.RemediationSource,
			ThreadID:     f.PlanID,
			Status:       domain.IntakeNeedsAction,
			PlanRequired: true,
			PIIRedacted:  true,
			Priority:     domain.PriorityHigh,
			Remediation: &domain.Remediation{
				Key: key, ErrorKind: f.ErrorKind, ServerName: f.ServerName, Operation: f.Operation,
				PlanID: f.PlanID, RetryCount: 1,
			},
			CreatedAt: ts,
			UpdatedAt: ts,
		}
		evt = "remediation.created"
		e.escalateIfDue(&rec, maxRetries, f.ErrorKind)
		rec.Excerpt = e.remediationExcerpt(f, 1, maxRetries, rec.Remediation.Escalated)
		if err := e.Repo.InsertIntake(ctx, tx, rec); err != nil {
			return domain.IntakeRecord{}, false, err
		}
	default:
		return domain.IntakeRecord{}, false, err
	}
	if rec.Remediation.Escalated {
		evt = "remediation.escalated"
	}
	if err := e.Events.Append(ctx, tx, evt, "intake", rec.ID, "remediation", events.EventPayload{
		"key":         key,
		"error_kind":  f.ErrorKind,
		"retry_count": rec.Remediation.RetryCount,
		"plan_id":     f.PlanID,
		"detail":      f.Detail,
	}); err != nil {
		return domain.IntakeRecord{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return domain.IntakeRecord{}, false, err
	}
	e.Metrics.Remediation(ctx, f.ErrorKind, strings.TrimPrefix(evt, "remediation."))
	e.logger().Error("failure recorded for remediation", "key", key, "kind", f.ErrorKind,
		"retry_count", rec.Remediation.RetryCount, "escalated", rec.Remediation.Escalated, "intake_id", rec.ID)
	e.writeInboxDoc(rec)
	return rec, true, nil
}

// escalateIfDue marks rec for mandatory human attention once retries are
// exhausted, or at once for authentication failures.
func (e Engine) escalateIfDue(rec *domain.IntakeRecord, maxRetries int, kind string) {
	rem := rec.Remediation
	if rem.RetryCount >= maxRetries || kind == domain.KindAuthentication {
		rem.Escalated = true
		rec.Priority = domain.PriorityCritical
		rec.PlanRequired = false
	}
}

func (e Engine) remediationExcerpt(f domain.Failure, retry, maxRetries int, escalated bool) string {
	target := f.ServerName + "." + f.Operation
	var step string
	switch f.ErrorKind {
	case domain.KindTransientNetwork:
		step = fmt.Sprintf("%s timed out or returned a server error. Check the service status, then re-plan.", target)
	case domain.KindRateLimit:
		step = fmt.Sprintf("%s is rate limited. Wait for the quota to reset or lower the connector rate.", target)
	case domain.KindAuthentication:
		step = fmt.Sprintf("%s rejected the credentials. Refresh the %s token before retrying.", target, f.ServerName)
	case domain.KindValidation:
		step = fmt.Sprintf("%s rejected the parameters. Review the plan and draft a corrected one.", target)
	case domain.KindDiskSpace:
		step = "Workspace disk is nearly full. Free space so intake can resume."
	default:
		step = fmt.Sprintf("%s failed. Inspect the action log.", target)
	}
	msg := fmt.Sprintf("%s Attempt %d/%d.", step, retry, maxRetries)
	if escalated {
		msg += " Escalated: human attention required."
	}
	if f.PlanID != "" {
		msg += " Plan " + f.PlanID + "."
	}
	if f.Detail != "" {
		msg += " " + f.Detail
	}
	return e.Redactor.Excerpt(msg, RemediationExcerptMax)
}

func (e Engine) writeInboxDoc(rec domain.IntakeRecord) {
	if e.InboxDir == "" {
		return
	}
	if err := doc.WriteIntake(e.InboxDir, rec); err != nil {
		e.logger().Error("write remediation document", "intake_id", rec.ID, "err", err)
	}
}
