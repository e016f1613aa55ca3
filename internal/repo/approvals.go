package repo

import (
	"context"
	"database/sql"

	"casematch/internal/domain"
)

// GetApprovalHistory returns the counter row for a concept×table pair.
// Missing rows come back as ErrNotFound; callers treat that as neutral 0.5.
func (r Repo) GetApprovalHistory(ctx context.Context, conceptHash, tableID string) (domain.ApprovalHistory, error) {
	var h domain.ApprovalHistory
	var lastUsed sql.NullString
	err := r.DB.QueryRowContext(ctx, `SELECT concept_hash,table_id,approved_count,rejected_count,last_used_at
FROM approval_history WHERE concept_hash=? AND table_id=?`, conceptHash, tableID).
		Scan(&h.ConceptHash, &h.TableID, &h.ApprovedCount, &h.RejectedCount, &lastUsed)
	if err == sql.ErrNoRows {
		return h, ErrNotFound
	}
	if err != nil {
		return h, err
	}
	h.LastUsedAt = strPtr(lastUsed)
	return h, nil
}

// RecordApprovalTx upserts the counter row, incrementing exactly one counter.
// Counts only ever grow; there is no decrement path.
func (r Repo) RecordApprovalTx(ctx context.Context, tx *sql.Tx, conceptHash, tableID string, approved bool, now string) error {
	approvedDelta, rejectedDelta := 0, 1
	if approved {
		approvedDelta, rejectedDelta = 1, 0
	}
	_, err := tx.ExecContext(ctx, `INSERT INTO approval_history(concept_hash,table_id,approved_count,rejected_count,last_used_at)
VALUES (?,?,?,?,?)
ON CONFLICT(concept_hash,table_id) DO UPDATE SET
approved_count=approved_count+excluded.approved_count,
rejected_count=rejected_count+excluded.rejected_count,
last_used_at=excluded.last_used_at`,
		conceptHash, tableID, approvedDelta, rejectedDelta, now)
	return err
}
