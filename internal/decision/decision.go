// Package decision carries out-of-band human verdicts on pending plans to
// the approval gate.
//
// A human publishes a verdict by relocating an artifact (DirChannel) or by
// submitting through the authenticated API (SQLChannel). Either way the gate
// must Claim a decision before applying it; a claim succeeds for exactly one
// caller.
package decision

import (
	"context"
	"errors"
)

type Verdict string

const (
	Granted Verdict = "granted"
	Denied  Verdict = "denied"
)

func (v Verdict) Valid() bool { return v == Granted || v == Denied }

var (
	ErrNoRequest       = errors.New("no pending approval request")
	ErrAlreadyDecided  = errors.New("decision already submitted")
	ErrInvalidVerdict  = errors.New("verdict must be granted or denied")
	ErrMissingApprover = errors.New("decision requires an approver id")
)

// Artifact is the externally visible approval request.
type Artifact struct {
	PlanID        string         `json:"plan_id" yaml:"plan_id"`
	Objective     string         `json:"objective" yaml:"objective"`
	RiskLevel     string         `json:"risk_level" yaml:"risk_level"`
	Category      string         `json:"category" yaml:"category"`
	Server        string         `json:"server" yaml:"server"`
	Operation     string         `json:"operation" yaml:"operation"`
	Params        map[string]any `json:"params,omitempty" yaml:"params,omitempty"`
	OperationHash string         `json:"operation_hash" yaml:"operation_hash"`
	RequestedAt   string         `json:"requested_at" yaml:"requested_at"`
	RequestedBy   string         `json:"requested_by" yaml:"requested_by"`
}

// Decision is a human verdict on one artifact.
type Decision struct {
	PlanID        string   `json:"plan_id"`
	Verdict       Verdict  `json:"verdict"`
	ActorID       string   `json:"actor_id"`
	Roles         []string `json:"roles"`
	Note          string   `json:"note,omitempty"`
	OperationHash string   `json:"operation_hash"`
	SubmittedAt   string   `json:"submitted_at"`
	// Source is where the channel read the decision from, when it has a
	// location of its own.
	Source string `json:"-"`
}

// Channel is the durable path between approvers and the gate.
type Channel interface {
	// Publish makes the artifact visible to approvers.
	Publish(ctx context.Context, a Artifact) error
	// Withdraw removes an undecided artifact, e.g. when the plan could not be
	// moved to pending_approval.
	Withdraw(ctx context.Context, planID string) error
	// Submit records a verdict for a published artifact.
	Submit(ctx context.Context, d Decision) error
	// Poll lists unclaimed decisions.
	Poll(ctx context.Context) ([]Decision, error)
	// Claim takes exclusive ownership of d. False means another caller won.
	Claim(ctx context.Context, d Decision, claimant string) (bool, error)
	// Ack marks a claimed decision as applied.
	Ack(ctx context.Context, d Decision) error
}

func validate(d Decision) error {
	if !d.Verdict.Valid() {
		return ErrInvalidVerdict
	}
	if d.ActorID == "" {
		return ErrMissingApprover
	}
	return nil
}
