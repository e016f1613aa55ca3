package repo

import (
	"context"
	"database/sql"
	"strings"

	"casematch/internal/domain"
)

func (r Repo) InsertHistoryTx(ctx context.Context, tx *sql.Tx, h domain.DecisionHistory) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO decision_history(decision_point,outcome,case_id,variable_id,match_id,actor_id,variable_snapshot,table_snapshot,match_snapshot,created_at)
VALUES (?,?,?,?,?,?,?,?,?,?)`,
		h.DecisionPoint, h.Outcome, nullable(h.CaseID), nullable(h.VariableID), nullable(h.MatchID),
		nullable(h.ActorID), nullable(h.VariableSnapshot), nullable(h.TableSnapshot), nullable(h.MatchSnapshot), h.CreatedAt)
	return err
}

type HistoryFilters struct {
	DecisionPoint string
	Outcome       string
	CaseID        string
	Limit         int
	Offset        int
}

func (r Repo) ListHistory(ctx context.Context, f HistoryFilters) ([]domain.DecisionHistory, error) {
	var clauses []string
	var args []any
	if f.DecisionPoint != "" {
		clauses = append(clauses, "decision_point=?")
		args = append(args, f.DecisionPoint)
	}
	if f.Outcome != "" {
		clauses = append(clauses, "outcome=?")
		args = append(args, f.Outcome)
	}
	if f.CaseID != "" {
		clauses = append(clauses, "case_id=?")
		args = append(args, f.CaseID)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT id,decision_point,outcome,COALESCE(case_id,''),COALESCE(variable_id,''),COALESCE(match_id,''),COALESCE(actor_id,''),COALESCE(variable_snapshot,''),COALESCE(table_snapshot,''),COALESCE(match_snapshot,''),created_at
FROM decision_history ` + where + ` ORDER BY id ASC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
		if f.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, f.Offset)
		}
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.DecisionHistory
	for rows.Next() {
		var h domain.DecisionHistory
		if err := rows.Scan(&h.ID, &h.DecisionPoint, &h.Outcome, &h.CaseID, &h.VariableID, &h.MatchID,
			&h.ActorID, &h.VariableSnapshot, &h.TableSnapshot, &h.MatchSnapshot, &h.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, h)
	}
	return res, rows.Err()
}
