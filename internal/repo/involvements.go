package repo

import (
	"context"
	"database/sql"
	"strings"

	"casematch/internal/domain"
)

const involvementColumns = `id,case_variable_id,requester_id,owner_id,status,expected_completion_at,actual_completion_at,created_table_name,created_table_concept,reminder_count,last_reminder_at,created_at,updated_at`

func scanInvolvement(row interface{ Scan(...any) error }) (domain.Involvement, error) {
	var iv domain.Involvement
	var expected, actual, tableName, tableConcept, lastReminder sql.NullString
	err := row.Scan(&iv.ID, &iv.CaseVariableID, &iv.RequesterID, &iv.OwnerID, &iv.Status,
		&expected, &actual, &tableName, &tableConcept, &iv.ReminderCount, &lastReminder, &iv.CreatedAt, &iv.UpdatedAt)
	if err == sql.ErrNoRows {
		return iv, ErrNotFound
	}
	if err != nil {
		return iv, err
	}
	iv.ExpectedCompletionAt = strPtr(expected)
	iv.ActualCompletionAt = strPtr(actual)
	iv.CreatedTableName = strPtr(tableName)
	iv.CreatedTableConcept = strPtr(tableConcept)
	iv.LastReminderAt = strPtr(lastReminder)
	return iv, nil
}

func (r Repo) InsertInvolvementTx(ctx context.Context, tx *sql.Tx, iv domain.Involvement) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO involvements(id,case_variable_id,requester_id,owner_id,status,expected_completion_at,actual_completion_at,created_table_name,created_table_concept,reminder_count,last_reminder_at,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		iv.ID, iv.CaseVariableID, iv.RequesterID, iv.OwnerID, iv.Status,
		nullableStringPtr(iv.ExpectedCompletionAt), nullableStringPtr(iv.ActualCompletionAt),
		nullableStringPtr(iv.CreatedTableName), nullableStringPtr(iv.CreatedTableConcept),
		iv.ReminderCount, nullableStringPtr(iv.LastReminderAt), iv.CreatedAt, iv.UpdatedAt)
	return err
}

func (r Repo) GetInvolvement(ctx context.Context, id string) (domain.Involvement, error) {
	return scanInvolvement(r.DB.QueryRowContext(ctx, `SELECT `+involvementColumns+` FROM involvements WHERE id=?`, id))
}

func (r Repo) GetInvolvementTx(ctx context.Context, tx *sql.Tx, id string) (domain.Involvement, error) {
	return scanInvolvement(tx.QueryRowContext(ctx, `SELECT `+involvementColumns+` FROM involvements WHERE id=?`, id))
}

type InvolvementFilters struct {
	OwnerID string
	Status  string
}

func (r Repo) ListInvolvements(ctx context.Context, f InvolvementFilters) ([]domain.Involvement, error) {
	var clauses []string
	var args []any
	if f.OwnerID != "" {
		clauses = append(clauses, "owner_id=?")
		args = append(args, f.OwnerID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT `+involvementColumns+` FROM involvements `+where+` ORDER BY created_at ASC, id ASC`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Involvement
	for rows.Next() {
		iv, err := scanInvolvement(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, iv)
	}
	return res, rows.Err()
}

func (r Repo) UpdateInvolvementTx(ctx context.Context, tx *sql.Tx, iv domain.Involvement) error {
	res, err := tx.ExecContext(ctx, `UPDATE involvements SET status=?, expected_completion_at=?, actual_completion_at=?, created_table_name=?, created_table_concept=?, reminder_count=?, last_reminder_at=?, updated_at=? WHERE id=?`,
		iv.Status, nullableStringPtr(iv.ExpectedCompletionAt), nullableStringPtr(iv.ActualCompletionAt),
		nullableStringPtr(iv.CreatedTableName), nullableStringPtr(iv.CreatedTableConcept),
		iv.ReminderCount, nullableStringPtr(iv.LastReminderAt), iv.UpdatedAt, iv.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// ListOverdueTx returns incomplete involvements whose expected date has
// passed and whose last reminder is older than the cutoff (or never sent).
// The cutoff keeps overlapping sweeps from double-reminding.
func (r Repo) ListOverdueTx(ctx context.Context, tx *sql.Tx, now, reminderCutoff string) ([]domain.Involvement, error) {
	rows, err := tx.QueryContext(ctx, `SELECT `+involvementColumns+` FROM involvements
WHERE status != ? AND expected_completion_at IS NOT NULL AND expected_completion_at < ?
AND (last_reminder_at IS NULL OR last_reminder_at < ?)
ORDER BY expected_completion_at ASC, id ASC`, domain.InvolvementCompleted, now, reminderCutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Involvement
	for rows.Next() {
		iv, err := scanInvolvement(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, iv)
	}
	return res, rows.Err()
}
