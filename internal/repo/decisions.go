package repo

import (
	"context"
	"database/sql"
	"strings"

	"casematch/internal/domain"
)

const decisionColumns = `id,agent_id,decision_type,context_id,value_json,confidence,status,is_reused,reuse_count,source_decision_id,created_at,updated_at`

func scanDecision(row interface{ Scan(...any) error }) (domain.AgentDecision, error) {
	var d domain.AgentDecision
	var contextID, sourceID sql.NullString
	err := row.Scan(&d.ID, &d.AgentID, &d.DecisionType, &contextID, &d.ValueJSON, &d.Confidence,
		&d.Status, &d.IsReused, &d.ReuseCount, &sourceID, &d.CreatedAt, &d.UpdatedAt)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	if err != nil {
		return d, err
	}
	d.ContextID = strPtr(contextID)
	d.SourceDecisionID = strPtr(sourceID)
	return d, nil
}

func (r Repo) InsertDecisionTx(ctx context.Context, tx *sql.Tx, d domain.AgentDecision) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO agent_decisions(id,agent_id,decision_type,context_id,value_json,confidence,status,is_reused,reuse_count,source_decision_id,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		d.ID, d.AgentID, d.DecisionType, nullableStringPtr(d.ContextID), d.ValueJSON, d.Confidence,
		d.Status, d.IsReused, d.ReuseCount, nullableStringPtr(d.SourceDecisionID), d.CreatedAt, d.UpdatedAt)
	return err
}

func (r Repo) GetDecision(ctx context.Context, id string) (domain.AgentDecision, error) {
	return scanDecision(r.DB.QueryRowContext(ctx, `SELECT `+decisionColumns+` FROM agent_decisions WHERE id=?`, id))
}

func (r Repo) GetDecisionTx(ctx context.Context, tx *sql.Tx, id string) (domain.AgentDecision, error) {
	return scanDecision(tx.QueryRowContext(ctx, `SELECT `+decisionColumns+` FROM agent_decisions WHERE id=?`, id))
}

func (r Repo) UpdateDecisionStatusTx(ctx context.Context, tx *sql.Tx, id, status, updatedAt string) error {
	res, err := tx.ExecContext(ctx, `UPDATE agent_decisions SET status=?, updated_at=? WHERE id=?`, status, updatedAt, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) IncrementReuseCountTx(ctx context.Context, tx *sql.Tx, id, updatedAt string) error {
	_, err := tx.ExecContext(ctx, `UPDATE agent_decisions SET reuse_count=reuse_count+1, updated_at=? WHERE id=?`, updatedAt, id)
	return err
}

// LatestReusableDecisionTx finds the newest approved decision for a context
// hash at or above the confidence floor.
func (r Repo) LatestReusableDecisionTx(ctx context.Context, tx *sql.Tx, contextHash string, minConfidence float64) (domain.AgentDecision, error) {
	return scanDecision(tx.QueryRowContext(ctx, `SELECT d.`+strings.ReplaceAll(decisionColumns, ",", ",d.")+`
FROM agent_decisions d
JOIN decision_contexts c ON c.id=d.context_id
WHERE c.context_hash=? AND d.status=? AND d.confidence>=? AND d.is_reused=0
ORDER BY d.created_at DESC, d.id DESC LIMIT 1`, contextHash, domain.DecisionApproved, minConfidence))
}

// --- decision contexts ---

func (r Repo) GetContextByHashTx(ctx context.Context, tx *sql.Tx, hash string) (domain.DecisionContext, error) {
	var c domain.DecisionContext
	err := tx.QueryRowContext(ctx, `SELECT id,context_type,context_hash,context_json,approved_count,rejected_count,created_at
FROM decision_contexts WHERE context_hash=?`, hash).
		Scan(&c.ID, &c.ContextType, &c.ContextHash, &c.ContextJSON, &c.ApprovedCount, &c.RejectedCount, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	return c, err
}

func (r Repo) InsertContextTx(ctx context.Context, tx *sql.Tx, c domain.DecisionContext) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO decision_contexts(id,context_type,context_hash,context_json,approved_count,rejected_count,created_at)
VALUES (?,?,?,?,?,?,?)`,
		c.ID, c.ContextType, c.ContextHash, c.ContextJSON, c.ApprovedCount, c.RejectedCount, c.CreatedAt)
	return err
}

// BumpContextStatsTx adds one resolved outcome to the context's running stats.
func (r Repo) BumpContextStatsTx(ctx context.Context, tx *sql.Tx, contextID string, approved bool) error {
	col := "rejected_count"
	if approved {
		col = "approved_count"
	}
	_, err := tx.ExecContext(ctx, `UPDATE decision_contexts SET `+col+`=`+col+`+1 WHERE id=?`, contextID)
	return err
}

// --- consensus ---

const consensusColumns = `id,decision_id,required_approvals,approval_votes,rejection_votes,deadline,resolved_at,created_at`

func scanConsensus(row interface{ Scan(...any) error }) (domain.DecisionConsensus, error) {
	var c domain.DecisionConsensus
	var resolvedAt sql.NullString
	err := row.Scan(&c.ID, &c.DecisionID, &c.RequiredApprovals, &c.ApprovalVotes, &c.RejectionVotes, &c.Deadline, &resolvedAt, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return c, ErrNotFound
	}
	if err != nil {
		return c, err
	}
	c.ResolvedAt = strPtr(resolvedAt)
	return c, nil
}

func (r Repo) InsertConsensusTx(ctx context.Context, tx *sql.Tx, c domain.DecisionConsensus) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO decision_consensus(id,decision_id,required_approvals,approval_votes,rejection_votes,deadline,resolved_at,created_at)
VALUES (?,?,?,?,?,?,?,?)`,
		c.ID, c.DecisionID, c.RequiredApprovals, c.ApprovalVotes, c.RejectionVotes, c.Deadline, nullableStringPtr(c.ResolvedAt), c.CreatedAt)
	return err
}

func (r Repo) GetConsensus(ctx context.Context, id string) (domain.DecisionConsensus, error) {
	return scanConsensus(r.DB.QueryRowContext(ctx, `SELECT `+consensusColumns+` FROM decision_consensus WHERE id=?`, id))
}

func (r Repo) GetConsensusTx(ctx context.Context, tx *sql.Tx, id string) (domain.DecisionConsensus, error) {
	return scanConsensus(tx.QueryRowContext(ctx, `SELECT `+consensusColumns+` FROM decision_consensus WHERE id=?`, id))
}

func (r Repo) GetConsensusByDecision(ctx context.Context, decisionID string) (domain.DecisionConsensus, error) {
	return scanConsensus(r.DB.QueryRowContext(ctx, `SELECT `+consensusColumns+` FROM decision_consensus WHERE decision_id=?`, decisionID))
}

func (r Repo) GetConsensusByDecisionTx(ctx context.Context, tx *sql.Tx, decisionID string) (domain.DecisionConsensus, error) {
	return scanConsensus(tx.QueryRowContext(ctx, `SELECT `+consensusColumns+` FROM decision_consensus WHERE decision_id=?`, decisionID))
}

func (r Repo) UpdateConsensusTalliesTx(ctx context.Context, tx *sql.Tx, c domain.DecisionConsensus) error {
	_, err := tx.ExecContext(ctx, `UPDATE decision_consensus SET approval_votes=?, rejection_votes=?, resolved_at=? WHERE id=?`,
		c.ApprovalVotes, c.RejectionVotes, nullableStringPtr(c.ResolvedAt), c.ID)
	return err
}

func (r Repo) InsertVoteTx(ctx context.Context, tx *sql.Tx, v domain.ConsensusVote) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO consensus_votes(id,consensus_id,voter_id,approve,comment,created_at)
VALUES (?,?,?,?,?,?)`,
		v.ID, v.ConsensusID, v.VoterID, v.Approve, nullable(v.Comment), v.CreatedAt)
	return err
}

func (r Repo) HasVoteTx(ctx context.Context, tx *sql.Tx, consensusID, voterID string) (bool, error) {
	var n int
	err := tx.QueryRowContext(ctx, `SELECT 1 FROM consensus_votes WHERE consensus_id=? AND voter_id=? LIMIT 1`, consensusID, voterID).Scan(&n)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, err
}

func (r Repo) ListVotes(ctx context.Context, consensusID string) ([]domain.ConsensusVote, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,consensus_id,voter_id,approve,COALESCE(comment,''),created_at
FROM consensus_votes WHERE consensus_id=? ORDER BY created_at ASC, id ASC`, consensusID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ConsensusVote
	for rows.Next() {
		var v domain.ConsensusVote
		if err := rows.Scan(&v.ID, &v.ConsensusID, &v.VoterID, &v.Approve, &v.Comment, &v.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, v)
	}
	return res, rows.Err()
}

// DecisionTypeStats is one aggregate row of the statistics export.
type DecisionTypeStats struct {
	DecisionType string `json:"decision_type"`
	Status       string `json:"status"`
	Count        int    `json:"count"`
}

func (r Repo) CountDecisionsByTypeStatus(ctx context.Context) ([]DecisionTypeStats, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT decision_type, status, count(*) FROM agent_decisions GROUP BY decision_type, status ORDER BY decision_type, status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []DecisionTypeStats
	for rows.Next() {
		var s DecisionTypeStats
		if err := rows.Scan(&s.DecisionType, &s.Status, &s.Count); err != nil {
			return nil, err
		}
		res = append(res, s)
	}
	return res, rows.Err()
}

func (r Repo) DecisionConfidences(ctx context.Context) ([]float64, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT confidence FROM agent_decisions`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []float64
	for rows.Next() {
		var c float64
		if err := rows.Scan(&c); err != nil {
			return nil, err
		}
		res = append(res, c)
	}
	return res, rows.Err()
}

func (r Repo) CountReusedDecisions(ctx context.Context) (reused, total int, err error) {
	err = r.DB.QueryRowContext(ctx, `SELECT COALESCE(SUM(is_reused),0), count(*) FROM agent_decisions`).Scan(&reused, &total)
	return reused, total, err
}
