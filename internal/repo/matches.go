package repo

import (
	"context"
	"database/sql"

	"casematch/internal/domain"
)

const matchColumns = `id,case_variable_id,data_table_id,score,justification,status,created_at,updated_at`

func scanMatch(row interface{ Scan(...any) error }) (domain.VariableMatch, error) {
	var m domain.VariableMatch
	var justification sql.NullString
	err := row.Scan(&m.ID, &m.CaseVariableID, &m.DataTableID, &m.Score, &justification, &m.Status, &m.CreatedAt, &m.UpdatedAt)
	if err == sql.ErrNoRows {
		return m, ErrNotFound
	}
	if err != nil {
		return m, err
	}
	if justification.Valid {
		m.Justification = justification.String
	}
	return m, nil
}

func (r Repo) InsertMatchTx(ctx context.Context, tx *sql.Tx, m domain.VariableMatch) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO variable_matches(id,case_variable_id,data_table_id,score,justification,status,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?)`,
		m.ID, m.CaseVariableID, m.DataTableID, m.Score, nullable(m.Justification), m.Status, m.CreatedAt, m.UpdatedAt)
	return err
}

func (r Repo) GetMatch(ctx context.Context, id string) (domain.VariableMatch, error) {
	return scanMatch(r.DB.QueryRowContext(ctx, `SELECT `+matchColumns+` FROM variable_matches WHERE id=?`, id))
}

func (r Repo) GetMatchTx(ctx context.Context, tx *sql.Tx, id string) (domain.VariableMatch, error) {
	return scanMatch(tx.QueryRowContext(ctx, `SELECT `+matchColumns+` FROM variable_matches WHERE id=?`, id))
}

// ListMatches returns a variable's matches ordered by score descending.
func (r Repo) ListMatches(ctx context.Context, variableID string) ([]domain.VariableMatch, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+matchColumns+` FROM variable_matches WHERE case_variable_id=? ORDER BY score DESC, data_table_id ASC`, variableID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.VariableMatch
	for rows.Next() {
		m, err := scanMatch(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, m)
	}
	return res, rows.Err()
}

// MatchedTableIDsTx returns the table ids already matched against a variable,
// so re-runs of the search skip existing pairs.
func (r Repo) MatchedTableIDsTx(ctx context.Context, tx *sql.Tx, variableID string) (map[string]bool, error) {
	rows, err := tx.QueryContext(ctx, `SELECT data_table_id FROM variable_matches WHERE case_variable_id=?`, variableID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	res := map[string]bool{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		res[id] = true
	}
	return res, rows.Err()
}

func (r Repo) UpdateMatchStatusTx(ctx context.Context, tx *sql.Tx, id, status, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE variable_matches SET status=?, updated_at=? WHERE id=?`, status, updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// CountOpenMatchesTx counts a variable's matches still awaiting a decision.
func (r Repo) CountOpenMatchesTx(ctx context.Context, tx *sql.Tx, variableID string) (int, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT count(*) FROM variable_matches WHERE case_variable_id=? AND status IN (?,?)`,
		variableID, domain.MatchSuggested, domain.MatchPendingRequester).Scan(&n)
	return n, err
}

// --- responses (append-only) ---

func (r Repo) InsertOwnerResponseTx(ctx context.Context, tx *sql.Tx, o domain.OwnerResponse) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO owner_responses(id,match_id,owner_id,outcome,corrected_table_id,delegate_owner_id,comment,created_at)
VALUES (?,?,?,?,?,?,?,?)`,
		o.ID, o.MatchID, o.OwnerID, o.Outcome, nullableStringPtr(o.CorrectedTableID), nullableStringPtr(o.DelegateOwnerID), nullable(o.Comment), o.CreatedAt)
	return err
}

func (r Repo) InsertRequesterResponseTx(ctx context.Context, tx *sql.Tx, q domain.RequesterResponse) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO requester_responses(id,match_id,requester_id,outcome,comment,created_at)
VALUES (?,?,?,?,?,?)`,
		q.ID, q.MatchID, q.RequesterID, q.Outcome, nullable(q.Comment), q.CreatedAt)
	return err
}

func (r Repo) ListOwnerResponses(ctx context.Context, matchID string) ([]domain.OwnerResponse, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,match_id,owner_id,outcome,corrected_table_id,delegate_owner_id,COALESCE(comment,''),created_at
FROM owner_responses WHERE match_id=? ORDER BY created_at ASC, id ASC`, matchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.OwnerResponse
	for rows.Next() {
		var o domain.OwnerResponse
		var corrected, delegate sql.NullString
		if err := rows.Scan(&o.ID, &o.MatchID, &o.OwnerID, &o.Outcome, &corrected, &delegate, &o.Comment, &o.CreatedAt); err != nil {
			return nil, err
		}
		o.CorrectedTableID = strPtr(corrected)
		o.DelegateOwnerID = strPtr(delegate)
		res = append(res, o)
	}
	return res, rows.Err()
}

func (r Repo) ListRequesterResponses(ctx context.Context, matchID string) ([]domain.RequesterResponse, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,match_id,requester_id,outcome,COALESCE(comment,''),created_at
FROM requester_responses WHERE match_id=? ORDER BY created_at ASC, id ASC`, matchID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.RequesterResponse
	for rows.Next() {
		var q domain.RequesterResponse
		if err := rows.Scan(&q.ID, &q.MatchID, &q.RequesterID, &q.Outcome, &q.Comment, &q.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, q)
	}
	return res, rows.Err()
}
