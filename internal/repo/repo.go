package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"casematch/internal/domain"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = errors.New("not found")

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
	if *v == "" {
		return nil
	}
	return *v
}

func nullableFloatPtr(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func strPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	s := ns.String
	return &s
}

// --- cases ---

func (r Repo) InsertCaseTx(ctx context.Context, tx *sql.Tx, c domain.Case) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO cases(id,title,status,requester_id,macro_case,budget,starts_at,ends_at,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		c.ID, c.Title, c.Status, c.RequesterID, nullable(c.MacroCase), nullableFloatPtr(c.Budget),
		nullableStringPtr(c.StartsAt), nullableStringPtr(c.EndsAt), c.CreatedAt, c.UpdatedAt)
	return err
}

const caseColumns = `id,title,status,requester_id,macro_case,budget,starts_at,ends_at,created_at,updated_at`

func scanCase(row interface{ Scan(...any) error }) (domain.Case, error) {
	var c domain.Case
	var macro sql.NullString
	var budget sql.NullFloat64
	var startsAt, endsAt sql.NullString
	err := row.Scan(&c.ID, &c.Title, &c.Status, &c.RequesterID, &macro, &budget, &startsAt, &endsAt, &c.CreatedAt, &c.UpdatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	if macro.Valid {
		c.MacroCase = macro.String
	}
	if budget.Valid {
		b := budget.Float64
		c.Budget = &b
	}
	c.StartsAt = strPtr(startsAt)
	c.EndsAt = strPtr(endsAt)
	return c, nil
}

func (r Repo) GetCase(ctx context.Context, id string) (domain.Case, error) {
	return scanCase(r.DB.QueryRowContext(ctx, `SELECT `+caseColumns+` FROM cases WHERE id=?`, id))
}

func (r Repo) GetCaseTx(ctx context.Context, tx *sql.Tx, id string) (domain.Case, error) {
	return scanCase(tx.QueryRowContext(ctx, `SELECT `+caseColumns+` FROM cases WHERE id=?`, id))
}

type CaseFilters struct {
	Status          string
	RequesterID     string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListCases(ctx context.Context, f CaseFilters) ([]domain.Case, error) {
	var clauses []string
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.RequesterID != "" {
		clauses = append(clauses, "requester_id=?")
		args = append(args, f.RequesterID)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + caseColumns + ` FROM cases ` + where + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Case
	for rows.Next() {
		c, err := scanCase(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

func (r Repo) UpdateCaseStatusTx(ctx context.Context, tx *sql.Tx, id, status, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE cases SET status=?, updated_at=? WHERE id=?`, status, updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteCase removes a case and cascades to its variables. Admin action only.
func (r Repo) DeleteCase(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM cases WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- case variables ---

const variableColumns = `id,case_id,name,var_type,concept,search_status,search_started_at,search_completed_at,is_cancelled,cancelled_at,cancelled_by,created_at,updated_at`

func scanVariable(row interface{ Scan(...any) error }) (domain.CaseVariable, error) {
	var v domain.CaseVariable
	var concept, startedAt, completedAt, cancelledAt, cancelledBy sql.NullString
	err := row.Scan(&v.ID, &v.CaseID, &v.Name, &v.VarType, &concept, &v.SearchStatus,
		&startedAt, &completedAt, &v.IsCancelled, &cancelledAt, &cancelledBy, &v.CreatedAt, &v.UpdatedAt)
	if err == sql.ErrNoRows {
		return v, ErrNotFound
	}
	if err != nil {
		return v, err
	}
	if concept.Valid {
		v.Concept = concept.String
	}
	v.SearchStartedAt = strPtr(startedAt)
	v.SearchCompletedAt = strPtr(completedAt)
	v.CancelledAt = strPtr(cancelledAt)
	v.CancelledBy = strPtr(cancelledBy)
	return v, nil
}

func (r Repo) InsertVariableTx(ctx context.Context, tx *sql.Tx, v domain.CaseVariable) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO case_variables(id,case_id,name,var_type,concept,search_status,search_started_at,search_completed_at,is_cancelled,cancelled_at,cancelled_by,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		v.ID, v.CaseID, v.Name, v.VarType, nullable(v.Concept), v.SearchStatus,
		nullableStringPtr(v.SearchStartedAt), nullableStringPtr(v.SearchCompletedAt),
		v.IsCancelled, nullableStringPtr(v.CancelledAt), nullableStringPtr(v.CancelledBy),
		v.CreatedAt, v.UpdatedAt)
	return err
}

func (r Repo) GetVariable(ctx context.Context, id string) (domain.CaseVariable, error) {
	return scanVariable(r.DB.QueryRowContext(ctx, `SELECT `+variableColumns+` FROM case_variables WHERE id=?`, id))
}

func (r Repo) GetVariableTx(ctx context.Context, tx *sql.Tx, id string) (domain.CaseVariable, error) {
	return scanVariable(tx.QueryRowContext(ctx, `SELECT `+variableColumns+` FROM case_variables WHERE id=?`, id))
}

func (r Repo) ListCaseVariables(ctx context.Context, caseID string) ([]domain.CaseVariable, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+variableColumns+` FROM case_variables WHERE case_id=? ORDER BY created_at ASC, id ASC`, caseID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.CaseVariable
	for rows.Next() {
		v, err := scanVariable(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, v)
	}
	return res, rows.Err()
}

func (r Repo) UpdateVariableTx(ctx context.Context, tx *sql.Tx, v domain.CaseVariable) error {
	res, err := tx.ExecContext(ctx, `UPDATE case_variables SET search_status=?, search_started_at=?, search_completed_at=?, is_cancelled=?, cancelled_at=?, cancelled_by=?, updated_at=? WHERE id=?`,
		v.SearchStatus, nullableStringPtr(v.SearchStartedAt), nullableStringPtr(v.SearchCompletedAt),
		v.IsCancelled, nullableStringPtr(v.CancelledAt), nullableStringPtr(v.CancelledBy), v.UpdatedAt, v.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// --- data tables ---

const tableColumns = `id,name,display_name,description,domain,keywords,owner_id,active,synced_at,created_at`

func scanTable(row interface{ Scan(...any) error }) (domain.DataTable, error) {
	var t domain.DataTable
	var display, desc, dom, keywords, owner, syncedAt sql.NullString
	err := row.Scan(&t.ID, &t.Name, &display, &desc, &dom, &keywords, &owner, &t.Active, &syncedAt, &t.CreatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	if display.Valid {
		t.DisplayName = display.String
	}
	if desc.Valid {
		t.Description = desc.String
	}
	if dom.Valid {
		t.Domain = dom.String
	}
	if keywords.Valid && keywords.String != "" {
		t.Keywords = strings.Split(keywords.String, ",")
	}
	if owner.Valid {
		t.OwnerID = owner.String
	}
	t.SyncedAt = strPtr(syncedAt)
	return t, nil
}

func (r Repo) GetTable(ctx context.Context, id string) (domain.DataTable, error) {
	return scanTable(r.DB.QueryRowContext(ctx, `SELECT `+tableColumns+` FROM data_tables WHERE id=?`, id))
}

func (r Repo) ListActiveTables(ctx context.Context) ([]domain.DataTable, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+tableColumns+` FROM data_tables WHERE active=1 ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.DataTable
	for rows.Next() {
		t, err := scanTable(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func (r Repo) ListTables(ctx context.Context) ([]domain.DataTable, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+tableColumns+` FROM data_tables ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.DataTable
	for rows.Next() {
		t, err := scanTable(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// UpsertTableTx writes one catalog row from a sync snapshot.
func (r Repo) UpsertTableTx(ctx context.Context, tx *sql.Tx, t domain.DataTable) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO data_tables(id,name,display_name,description,domain,keywords,owner_id,active,synced_at,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?)
ON CONFLICT(id) DO UPDATE SET name=excluded.name, display_name=excluded.display_name, description=excluded.description,
domain=excluded.domain, keywords=excluded.keywords, owner_id=excluded.owner_id, active=excluded.active, synced_at=excluded.synced_at`,
		t.ID, t.Name, nullable(t.DisplayName), nullable(t.Description), nullable(t.Domain),
		nullable(strings.Join(t.Keywords, ",")), nullable(t.OwnerID), t.Active, nullableStringPtr(t.SyncedAt), t.CreatedAt)
	return err
}

// DeactivateTablesNotInTx marks catalog rows absent from the latest snapshot
// inactive instead of deleting them, so past matches keep their reference.
func (r Repo) DeactivateTablesNotInTx(ctx context.Context, tx *sql.Tx, keepIDs []string) (int, error) {
	if len(keepIDs) == 0 {
		res, err := tx.ExecContext(ctx, `UPDATE data_tables SET active=0 WHERE active=1`)
		if err != nil {
			return 0, err
		}
		n, _ := res.RowsAffected()
		return int(n), nil
	}
	placeholders := strings.TrimRight(strings.Repeat("?,", len(keepIDs)), ",")
	args := make([]any, 0, len(keepIDs))
	for _, id := range keepIDs {
		args = append(args, id)
	}
	res, err := tx.ExecContext(ctx, fmt.Sprintf(`UPDATE data_tables SET active=0 WHERE active=1 AND id NOT IN (%s)`, placeholders), args...)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// --- events ---

func (r Repo) EventsAfter(ctx context.Context, limit int, cursor int64) ([]domain.Event, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := r.DB.QueryContext(ctx, `SELECT id,ts,type,COALESCE(case_id,''),entity_kind,COALESCE(entity_id,''),actor_id,COALESCE(recipient_role,''),payload_json
FROM events WHERE id>? ORDER BY id ASC LIMIT ?`, cursor, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Event
	for rows.Next() {
		var e domain.Event
		if err := rows.Scan(&e.ID, &e.TS, &e.Type, &e.CaseID, &e.EntityKind, &e.EntityID, &e.ActorID, &e.RecipientRole, &e.Payload); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func (r Repo) LatestEventID(ctx context.Context) (int64, error) {
	var id int64
	err := r.DB.QueryRowContext(ctx, `SELECT COALESCE(MAX(id),0) FROM events`).Scan(&id)
	return id, err
}
