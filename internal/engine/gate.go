package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"signoff/internal/decision"
	"signoff/internal/domain"
	"signoff/internal/engine/auth"
	"signoff/internal/events"
	"signoff/internal/repo"
)

// GateStats summarizes one gate pass.
type GateStats struct {
	Seen      int `json:"seen"`
	Approved  int `json:"approved"`
	Rejected  int `json:"rejected"`
	Ignored   int `json:"ignored"`
	Contended int `json:"contended"`
}

// Gate turns claimed human decisions into plan transitions. It is the only
// caller of recordDecision.
type Gate struct {
	engine Engine
	id     string
}

func NewGate(e Engine, id string) *Gate {
	if id == "" {
		id = "gate-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	}
	return &Gate{engine: e, id: id}
}

func (g *Gate) ID() string { return g.id }

// RunOnce polls the channel and applies every decision it can claim.
func (g *Gate) RunOnce(ctx context.Context) (GateStats, error) {
	var stats GateStats
	ch := g.engine.Channel
	ds, err := ch.Poll(ctx)
	if err != nil {
		return stats, fmt.Errorf("poll decisions: %w", err)
	}
	for _, d := range ds {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		stats.Seen++
		ok, err := ch.Claim(ctx, d, g.id)
		if err != nil {
			return stats, fmt.Errorf("claim decision for %s: %w", d.PlanID, err)
		}
		if !ok {
			stats.Contended++
			g.engine.logger().Info("decision claimed elsewhere", "plan_id", d.PlanID, "gate", g.id)
			continue
		}
		plan, reason, err := g.apply(ctx, d)
		if err != nil {
			return stats, err
		}
		switch {
		case reason != "":
			stats.Ignored++
			g.engine.logger().Warn("decision ignored", "plan_id", d.PlanID, "reason", reason, "actor", d.ActorID)
			if err := g.engine.Events.AppendOne(ctx, "gate.ignored", "plan", d.PlanID, d.ActorID, events.EventPayload{
				"reason":  reason,
				"verdict": string(d.Verdict),
				"gate":    g.id,
			}); err != nil {
				return stats, err
			}
		case plan.Status == domain.PlanApproved:
			stats.Approved++
		default:
			stats.Rejected++
		}
		if err := ch.Ack(ctx, d); err != nil {
			return stats, fmt.Errorf("ack decision for %s: %w", d.PlanID, err)
		}
	}
	return stats, nil
}

// apply returns a non-empty reason when the decision cannot be honored.
func (g *Gate) apply(ctx context.Context, d decision.Decision) (domain.Plan, string, error) {
	e := g.engine
	p, err := e.Repo.GetPlan(ctx, nil, d.PlanID)
	if errors.Is(err, repo.ErrNotFound) {
		return p, "unknown plan", nil
	}
	if err != nil {
		return p, "", err
	}
	if p.Status != domain.PlanPendingApproval {
		return p, "plan is " + p.Status, nil
	}
	if d.OperationHash != p.OperationHash {
		return p, "operation hash mismatch", nil
	}
	if err := auth.RequireAnyRole("decide "+p.RiskLevel+" plan", d.Roles, e.Config.ApproverRoles(p.RiskLevel)); err != nil {
		return p, err.Error(), nil
	}
	p, err = e.recordDecision(ctx, d.PlanID, d)
	var ste domain.StateTransitionError
	if errors.As(err, &ste) {
		return p, "plan changed concurrently", nil
	}
	if err != nil {
		return p, "", err
	}
	return p, "", nil
}
