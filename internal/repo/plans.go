package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"signoff/internal/domain"
)

const planColumns = `id,source_intake_id,objective,risk_level,category,server,operation,params_json,operation_hash,status,created_by,
created_at,updated_at,approved_at,decided_at,decided_by,executed_at`

func scanPlan(row rowScanner) (domain.Plan, error) {
	var (
		p                                                      domain.Plan
		params                                                 string
		intakeID, approvedAt, decidedAt, decidedBy, executedAt sql.NullString
	)
	err := row.Scan(&p.ID, &intakeID, &p.Objective, &p.RiskLevel, &p.Category, &p.Operation.Server, &p.Operation.Name, &params,
		&p.OperationHash, &p.Status, &p.CreatedBy, &p.CreatedAt, &p.UpdatedAt, &approvedAt, &decidedAt, &decidedBy, &executedAt)
	if err == sql.ErrNoRows {
		return p, ErrNotFound
	}
	if err != nil {
		return p, err
	}
	if err := json.Unmarshal([]byte(params), &p.Operation.Params); err != nil {
		return p, fmt.Errorf("plan %s params: %w", p.ID, err)
	}
	p.SourceIntakeID = stringPtr(intakeID)
	p.ApprovedAt = stringPtr(approvedAt)
	p.DecidedAt = stringPtr(decidedAt)
	p.DecidedBy = stringPtr(decidedBy)
	p.ExecutedAt = stringPtr(executedAt)
	return p, nil
}

func (r Repo) InsertPlan(ctx context.Context, tx *sql.Tx, p domain.Plan) error {
	params, err := json.Marshal(p.Operation.Params)
	if err != nil {
		return err
	}
	_, err = r.conn(tx).ExecContext(ctx, `INSERT INTO plans(`+planColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		p.ID, nullableStringPtr(p.SourceIntakeID), p.Objective, p.RiskLevel, p.Category, p.Operation.Server, p.Operation.Name, string(params),
		p.OperationHash, p.Status, p.CreatedBy, p.CreatedAt, p.UpdatedAt, nullableStringPtr(p.ApprovedAt), nullableStringPtr(p.DecidedAt),
		nullableStringPtr(p.DecidedBy), nullableStringPtr(p.ExecutedAt))
	if err != nil {
		return fmt.Errorf("insert plan: %w", err)
	}
	return nil
}

func (r Repo) GetPlan(ctx context.Context, tx *sql.Tx, id string) (domain.Plan, error) {
	return scanPlan(r.conn(tx).QueryRowContext(ctx, `SELECT `+planColumns+` FROM plans WHERE id=?`, id))
}

// UpdatePlanState writes the lifecycle columns. The operation itself is immutable.
func (r Repo) UpdatePlanState(ctx context.Context, tx *sql.Tx, p domain.Plan) error {
	res, err := r.conn(tx).ExecContext(ctx, `UPDATE plans SET status=?, updated_at=?, approved_at=?, decided_at=?, decided_by=?, executed_at=? WHERE id=?`,
		p.Status, p.UpdatedAt, nullableStringPtr(p.ApprovedAt), nullableStringPtr(p.DecidedAt), nullableStringPtr(p.DecidedBy),
		nullableStringPtr(p.ExecutedAt), p.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

type PlanFilter struct {
	Status         string
	SourceIntakeID string
	Limit          int
}

func (r Repo) ListPlans(ctx context.Context, f PlanFilter) ([]domain.Plan, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.SourceIntakeID != "" {
		clauses = append(clauses, "source_intake_id=?")
		args = append(args, f.SourceIntakeID)
	}
	query := `SELECT ` + planColumns + ` FROM plans WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Plan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, p)
	}
	return res, rows.Err()
}

func (r Repo) CountPlans(ctx context.Context, status string) (int, error) {
	var n int
	err := r.DB.QueryRowContext(ctx, `SELECT count(*) FROM plans WHERE status=?`, status).Scan(&n)
	return n, err
}

func (r Repo) CountPlansByStatus(ctx context.Context) (map[string]int, error) {
	return r.countBy(ctx, `SELECT status, count(*) FROM plans GROUP BY status`)
}

func stringPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}
