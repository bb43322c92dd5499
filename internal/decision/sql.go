package decision

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// SQLChannel keeps requests and decisions in the record store. Claim is a
// conditional update, so only one gate applies each decision.
type SQLChannel struct {
	DB  *sql.DB
	Now func() time.Time
}

func NewSQLChannel(db *sql.DB) *SQLChannel {
	return &SQLChannel{DB: db, Now: time.Now}
}

func (c *SQLChannel) ts() string {
	now := time.Now
	if c.Now != nil {
		now = c.Now
	}
	return now().UTC().Format(time.RFC3339)
}

func (c *SQLChannel) Publish(ctx context.Context, a Artifact) error {
	data, err := json.Marshal(a)
	if err != nil {
		return err
	}
	_, err = c.DB.ExecContext(ctx, `INSERT INTO approval_requests(plan_id, artifact_json, published_at) VALUES (?,?,?)
ON CONFLICT(plan_id) DO UPDATE SET artifact_json=excluded.artifact_json, published_at=excluded.published_at`,
		a.PlanID, string(data), c.ts())
	if err != nil {
		return fmt.Errorf("publish approval request: %w", err)
	}
	return nil
}

// Withdraw drops the request for planID unless a decision already exists.
func (c *SQLChannel) Withdraw(ctx context.Context, planID string) error {
	_, err := c.DB.ExecContext(ctx, `DELETE FROM approval_requests WHERE plan_id=?
AND NOT EXISTS (SELECT 1 FROM decisions WHERE decisions.plan_id=approval_requests.plan_id)`, planID)
	if err != nil {
		return fmt.Errorf("withdraw approval request: %w", err)
	}
	return nil
}

// Request returns the published artifact for planID.
func (c *SQLChannel) Request(ctx context.Context, planID string) (Artifact, error) {
	var raw string
	err := c.DB.QueryRowContext(ctx, `SELECT artifact_json FROM approval_requests WHERE plan_id=?`, planID).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return Artifact{}, ErrNoRequest
	}
	if err != nil {
		return Artifact{}, err
	}
	var a Artifact
	if err := json.Unmarshal([]byte(raw), &a); err != nil {
		return Artifact{}, fmt.Errorf("approval request %s: %w", planID, err)
	}
	return a, nil
}

func (c *SQLChannel) Submit(ctx context.Context, d Decision) error {
	if err := validate(d); err != nil {
		return err
	}
	a, err := c.Request(ctx, d.PlanID)
	if err != nil {
		return err
	}
	if d.OperationHash == "" {
		d.OperationHash = a.OperationHash
	}
	roles, err := json.Marshal(d.Roles)
	if err != nil {
		return err
	}
	res, err := c.DB.ExecContext(ctx, `INSERT INTO decisions(plan_id, verdict, actor_id, roles_json, note, operation_hash, submitted_at)
VALUES (?,?,?,?,?,?,?) ON CONFLICT(plan_id) DO NOTHING`,
		d.PlanID, string(d.Verdict), d.ActorID, string(roles), nullable(d.Note), d.OperationHash, c.ts())
	if err != nil {
		return fmt.Errorf("submit decision: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrAlreadyDecided
	}
	return nil
}

func (c *SQLChannel) Poll(ctx context.Context) ([]Decision, error) {
	rows, err := c.DB.QueryContext(ctx, `SELECT plan_id, verdict, actor_id, roles_json, COALESCE(note,''), operation_hash, submitted_at
FROM decisions WHERE claimed_by IS NULL ORDER BY submitted_at ASC, plan_id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []Decision
	for rows.Next() {
		var (
			d       Decision
			verdict string
			roles   string
		)
		if err := rows.Scan(&d.PlanID, &verdict, &d.ActorID, &roles, &d.Note, &d.OperationHash, &d.SubmittedAt); err != nil {
			return nil, err
		}
		d.Verdict = Verdict(verdict)
		if err := json.Unmarshal([]byte(roles), &d.Roles); err != nil {
			return nil, fmt.Errorf("decision %s roles: %w", d.PlanID, err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (c *SQLChannel) Claim(ctx context.Context, d Decision, claimant string) (bool, error) {
	res, err := c.DB.ExecContext(ctx, `UPDATE decisions SET claimed_by=?, claimed_at=? WHERE plan_id=? AND claimed_by IS NULL`,
		claimant, c.ts(), d.PlanID)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (c *SQLChannel) Ack(ctx context.Context, d Decision) error {
	_, err := c.DB.ExecContext(ctx, `UPDATE decisions SET applied_at=? WHERE plan_id=?`, c.ts(), d.PlanID)
	return err
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}
