package doc

import (
	"fmt"
	"path/filepath"
	"strings"

	"signoff/internal/domain"
	"signoff/internal/fsutil"
)

// FileName maps a record id onto a portable file name.
func FileName(id string) string {
	r := strings.NewReplacer(":", "_", "/", "_", "\\", "_")
	return r.Replace(id) + ".md"
}

// IntakePath is where rec's document lives under inboxDir.
func IntakePath(inboxDir string, rec domain.IntakeRecord) string {
	return filepath.Join(inboxDir, rec.Source, FileName(rec.ID))
}

type intakeHeader struct {
	ID           string `yaml:"id"`
	Source       string `yaml:"source"`
	ReceivedAt   string `yaml:"received_at"`
	Sender       string `yaml:"sender,omitempty"`
	Channel      string `yaml:"channel,omitempty"`
	ThreadID     string `yaml:"thread_id,omitempty"`
	Excerpt      string `yaml:"excerpt"`
	Status       string `yaml:"status"`
	Priority     string `yaml:"priority"`
	PlanRequired bool   `yaml:"plan_required"`
	PIIRedacted  bool   `yaml:"pii_redacted"`
	ErrorKind    string `yaml:"error_kind,omitempty"`
	ServerName   string `yaml:"server_name,omitempty"`
	Operation    string `yaml:"operation,omitempty"`
	RetryCount   int    `yaml:"retry_count,omitempty"`
	Escalated    bool   `yaml:"escalated,omitempty"`
}

// WriteIntake renders rec into inboxDir/<source>/<id>.md. The record must
// already be redacted.
func WriteIntake(inboxDir string, rec domain.IntakeRecord) error {
	h := intakeHeader{
		ID: rec.ID, Source: rec.Source, ReceivedAt: rec.ReceivedAt, Sender: rec.Sender, Channel: rec.Channel,
		ThreadID: rec.ThreadID, Excerpt: rec.Excerpt, Status: rec.Status, Priority: rec.Priority,
		PlanRequired: rec.PlanRequired, PIIRedacted: rec.PIIRedacted,
	}
	if rem := rec.Remediation; rem != nil {
		h.ErrorKind, h.ServerName, h.Operation = rem.ErrorKind, rem.ServerName, rem.Operation
		h.RetryCount, h.Escalated = rem.RetryCount, rem.Escalated
	}
	title := "Intake"
	if rec.Remediation != nil {
		title = "Remediation"
	}
	body := fmt.Sprintf("# %s %s\n\n%s\n", title, rec.ID, rec.Excerpt)
	data, err := Render(h, body)
	if err != nil {
		return err
	}
	return fsutil.AtomicWrite(IntakePath(inboxDir, rec), data)
}

type planOperation struct {
	Server    string         `yaml:"server"`
	Operation string         `yaml:"operation"`
	Params    map[string]any `yaml:"params,omitempty"`
}

type planHeader struct {
	PlanID         string          `yaml:"plan_id"`
	SourceIntakeID string          `yaml:"source_intake_id,omitempty"`
	Objective      string          `yaml:"objective"`
	RiskLevel      string          `yaml:"risk_level"`
	Category       string          `yaml:"category"`
	Status         string          `yaml:"status"`
	CreatedAt      string          `yaml:"created_at"`
	ApprovedAt     string          `yaml:"approved_at,omitempty"`
	ExecutedAt     string          `yaml:"executed_at,omitempty"`
	OperationHash  string          `yaml:"operation_hash"`
	Operations     []planOperation `yaml:"operations"`
}

// WritePlan renders p into plansDir/<plan_id>.md with params already
// redacted by the caller.
func WritePlan(plansDir string, p domain.Plan, params map[string]any) error {
	h := planHeader{
		PlanID: p.ID, Objective: p.Objective, RiskLevel: p.RiskLevel, Category: p.Category, Status: p.Status,
		CreatedAt: p.CreatedAt, OperationHash: p.OperationHash,
		Operations: []planOperation{{Server: p.Operation.Server, Operation: p.Operation.Name, Params: params}},
	}
	if p.SourceIntakeID != nil {
		h.SourceIntakeID = *p.SourceIntakeID
	}
	if p.ApprovedAt != nil {
		h.ApprovedAt = *p.ApprovedAt
	}
	if p.ExecutedAt != nil {
		h.ExecutedAt = *p.ExecutedAt
	}
	body := fmt.Sprintf("# %s\n\n%s\n\nStatus: %s\n", p.ID, p.Objective, p.Status)
	data, err := Render(h, body)
	if err != nil {
		return err
	}
	return fsutil.AtomicWrite(filepath.Join(plansDir, FileName(p.ID)), data)
}
