package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"signoff/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var (
	ErrNotFound  = errors.New("not found")
	ErrDuplicate = errors.New("already exists")
)

type dbtx interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// conn returns tx when set so reads inside a transaction see its writes.
func (r Repo) conn(tx *sql.Tx) dbtx {
	if tx != nil {
		return tx
	}
	return r.DB
}

const intakeColumns = `id,source,external_id,received_at,COALESCE(sender,''),COALESCE(channel,''),COALESCE(thread_id,''),excerpt,status,
plan_required,pii_redacted,priority,time_sensitive,archived,COALESCE(remediation_key,''),COALESCE(error_kind,''),COALESCE(server_name,''),
COALESCE(operation,''),COALESCE(failed_plan_id,''),retry_count,escalated,created_at,updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanIntake(row rowScanner) (domain.IntakeRecord, error) {
	var (
		rec domain.IntakeRecord
		rem domain.Remediation
	)
	err := row.Scan(&rec.ID, &rec.Source, &rec.ExternalID, &rec.ReceivedAt, &rec.Sender, &rec.Channel, &rec.ThreadID, &rec.Excerpt, &rec.Status,
		&rec.PlanRequired, &rec.PIIRedacted, &rec.Priority, &rec.TimeSensitive, &rec.Archived, &rem.Key, &rem.ErrorKind, &rem.ServerName,
		&rem.Operation, &rem.PlanID, &rem.RetryCount, &rem.Escalated, &rec.CreatedAt, &rec.UpdatedAt)
	if err == sql.ErrNoRows {
		return rec, ErrNotFound
	}
	if err != nil {
		return rec, err
	}
	if rem.Key != "" {
		rec.Remediation = &rem
	}
	return rec, nil
}

// InsertIntake stores a new record. A record whose id or source/external id
// already exists yields ErrDuplicate.
func (r Repo) InsertIntake(ctx context.Context, tx *sql.Tx, rec domain.IntakeRecord) error {
	var rem domain.Remediation
	if rec.Remediation != nil {
		rem = *rec.Remediation
	}
	res, err := r.conn(tx).ExecContext(ctx, `INSERT INTO intake_records(id,source,external_id,received_at,sender,channel,thread_id,excerpt,status,
plan_required,pii_redacted,priority,time_sensitive,archived,remediation_key,error_kind,server_name,operation,failed_plan_id,retry_count,escalated,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?) ON CONFLICT DO NOTHING`,
		rec.ID, rec.Source, rec.ExternalID, rec.ReceivedAt, nullable(rec.Sender), nullable(rec.Channel), nullable(rec.ThreadID), rec.Excerpt, rec.Status,
		rec.PlanRequired, rec.PIIRedacted, rec.Priority, rec.TimeSensitive, rec.Archived, nullable(rem.Key), nullable(rem.ErrorKind), nullable(rem.ServerName),
		nullable(rem.Operation), nullable(rem.PlanID), rem.RetryCount, rem.Escalated, rec.CreatedAt, rec.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert intake record: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrDuplicate
	}
	return nil
}

func (r Repo) GetIntake(ctx context.Context, tx *sql.Tx, id string) (domain.IntakeRecord, error) {
	return scanIntake(r.conn(tx).QueryRowContext(ctx, `SELECT `+intakeColumns+` FROM intake_records WHERE id=?`, id))
}

// IntakeFilter narrows ListIntake.
type IntakeFilter struct {
	Source          string
	Status          string
	OnlyPlanable    bool
	IncludeArchived bool
	Limit           int
}

func (r Repo) ListIntake(ctx context.Context, f IntakeFilter) ([]domain.IntakeRecord, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.Source != "" {
		clauses = append(clauses, "source=?")
		args = append(args, f.Source)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.OnlyPlanable {
		clauses = append(clauses, "plan_required=1", "escalated=0")
	}
	if !f.IncludeArchived {
		clauses = append(clauses, "archived=0")
	}
	query := `SELECT ` + intakeColumns + ` FROM intake_records WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY received_at ASC, id ASC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.IntakeRecord
	for rows.Next() {
		rec, err := scanIntake(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rec)
	}
	return res, rows.Err()
}

func (r Repo) UpdateIntakeStatus(ctx context.Context, tx *sql.Tx, id, status, now string) error {
	res, err := r.conn(tx).ExecContext(ctx, `UPDATE intake_records SET status=?, updated_at=? WHERE id=?`, status, now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ArchiveIntake hides a record from candidate scans. Records are never deleted.
func (r Repo) ArchiveIntake(ctx context.Context, tx *sql.Tx, id, now string) error {
	res, err := r.conn(tx).ExecContext(ctx, `UPDATE intake_records SET archived=1, updated_at=? WHERE id=?`, now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// OpenRemediation returns the newest unresolved remediation record for key.
func (r Repo) OpenRemediation(ctx context.Context, tx *sql.Tx, key string) (domain.IntakeRecord, error) {
	return scanIntake(r.conn(tx).QueryRowContext(ctx, `SELECT `+intakeColumns+` FROM intake_records
WHERE remediation_key=? AND archived=0 AND status<>'executed' ORDER BY created_at DESC, id DESC LIMIT 1`, key))
}

// UpdateRemediation persists retry progress on a remediation record.
func (r Repo) UpdateRemediation(ctx context.Context, tx *sql.Tx, rec domain.IntakeRecord) error {
	if rec.Remediation == nil {
		return errors.New("record has no remediation details")
	}
	rem := rec.Remediation
	_, err := r.conn(tx).ExecContext(ctx, `UPDATE intake_records SET excerpt=?, priority=?, plan_required=?, error_kind=?, failed_plan_id=?,
retry_count=?, escalated=?, updated_at=? WHERE id=?`,
		rec.Excerpt, rec.Priority, rec.PlanRequired, rem.ErrorKind, nullable(rem.PlanID), rem.RetryCount, rem.Escalated, rec.UpdatedAt, rec.ID)
	return err
}

func (r Repo) CountIntakeByStatus(ctx context.Context) (map[string]int, error) {
	return r.countBy(ctx, `SELECT status, count(*) FROM intake_records WHERE archived=0 GROUP BY status`)
}

func (r Repo) countBy(ctx context.Context, query string, args ...any) (map[string]int, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]int{}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		res[status] = count
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}
