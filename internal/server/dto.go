package server

import (
	"encoding/json"

	"signoff/internal/domain"
	"signoff/internal/redact"
)

// Request payloads

type DecisionRequest struct {
	Verdict string `json:"verdict" enum:"approve,reject" doc:"approve or reject the pending plan"`
	Note    string `json:"note,omitempty" maxLength:"2000"`
}

type DevLoginRequest struct {
	ActorID string   `json:"actor_id"`
	Roles   []string `json:"roles,omitempty"`
}

// Response payloads

type PlanResponse struct {
	ID             string         `json:"plan_id"`
	SourceIntakeID string         `json:"source_intake_id,omitempty"`
	Objective      string         `json:"objective"`
	RiskLevel      string         `json:"risk_level" enum:"low,medium,high,critical"`
	Category       string         `json:"category"`
	Server         string         `json:"server"`
	Operation      string         `json:"operation"`
	Params         map[string]any `json:"params,omitempty"`
	OperationHash  string         `json:"operation_hash"`
	Status         string         `json:"status" enum:"draft,pending_approval,approved,rejected,executed,failed"`
	CreatedBy      string         `json:"created_by"`
	CreatedAt      string         `json:"created_at" format:"date-time"`
	UpdatedAt      string         `json:"updated_at" format:"date-time"`
	ApprovedAt     string         `json:"approved_at,omitempty" format:"date-time"`
	DecidedAt      string         `json:"decided_at,omitempty" format:"date-time"`
	DecidedBy      string         `json:"decided_by,omitempty"`
	ExecutedAt     string         `json:"executed_at,omitempty" format:"date-time"`
}

type DecisionResponse struct {
	PlanID  string `json:"plan_id"`
	Verdict string `json:"verdict"`
	ActorID string `json:"actor_id"`
	Status  string `json:"status" doc:"submitted decisions are applied by the approval gate"`
}

type EventResponse struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts" format:"date-time"`
	Type       string         `json:"type"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id,omitempty"`
	ActorID    string         `json:"actor_id"`
	Payload    map[string]any `json:"payload,omitempty"`
}

type StatusResponse struct {
	Plans           map[string]int `json:"plans"`
	Intake          map[string]int `json:"intake"`
	PendingApproval int            `json:"pending_approval"`
}

type WhoAmIResponse struct {
	ActorID string   `json:"actor_id"`
	Roles   []string `json:"roles"`
	Source  string   `json:"source"`
}

type DevLoginResponse struct {
	Token string `json:"token"`
}

type paginatedPlans struct {
	Items []PlanResponse `json:"items"`
}

type paginatedIntake struct {
	Items []domain.IntakeRecord `json:"items"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

// Mapping helpers

func planResponse(p domain.Plan, rd *redact.Redactor) PlanResponse {
	params := p.Operation.Params
	if rd != nil {
		params = rd.Map(params)
	}
	return PlanResponse{
		ID:             p.ID,
		SourceIntakeID: stringOrEmpty(p.SourceIntakeID),
		Objective:      p.Objective,
		RiskLevel:      p.RiskLevel,
		Category:       p.Category,
		Server:         p.Operation.Server,
		Operation:      p.Operation.Name,
		Params:         params,
		OperationHash:  p.OperationHash,
		Status:         p.Status,
		CreatedBy:      p.CreatedBy,
		CreatedAt:      p.CreatedAt,
		UpdatedAt:      p.UpdatedAt,
		ApprovedAt:     stringOrEmpty(p.ApprovedAt),
		DecidedAt:      stringOrEmpty(p.DecidedAt),
		DecidedBy:      stringOrEmpty(p.DecidedBy),
		ExecutedAt:     stringOrEmpty(p.ExecutedAt),
	}
}

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:         e.ID,
		TS:         e.TS,
		Type:       e.Type,
		EntityKind: e.EntityKind,
		EntityID:   e.EntityID,
		ActorID:    e.ActorID,
		Payload:    decodeJSONMap(e.Payload),
	}
}

// JSON helpers

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return nil
	}
	return obj
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}

func stringOrEmpty(ptr *string) string {
	if ptr == nil {
		return ""
	}
	return *ptr
}
