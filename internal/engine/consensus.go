package engine

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"casematch/internal/domain"
	"casematch/internal/events"
	"casematch/internal/repo"
)

// NormalizeContext renders context data as canonical JSON. Map keys are
// emitted sorted, so equal contexts hash equal regardless of input order.
func NormalizeContext(data map[string]any) (string, error) {
	if data == nil {
		data = map[string]any{}
	}
	out, err := json.Marshal(data)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// ContextHash content-addresses a (type, normalized context) pair.
func ContextHash(contextType, normalized string) string {
	sum := sha256.Sum256([]byte(contextType + ":" + normalized))
	return hex.EncodeToString(sum[:])[:32]
}

func (e Engine) isCriticalType(decisionType string) bool {
	for _, t := range e.Config.Consensus.CriticalTypes {
		if t == decisionType {
			return true
		}
	}
	return false
}

// DecisionOptions are parameters for recording an automated decision.
type DecisionOptions struct {
	AgentID      string
	DecisionType string
	ContextType  string
	ContextData  map[string]any
	ValueJSON    string
	Confidence   float64
}

// DecisionResult is the outcome of recording a decision. Consensus is set
// only when the decision escalated to quorum voting.
type DecisionResult struct {
	Decision  domain.AgentDecision
	Consensus *domain.DecisionConsensus
}

// RecordAgentDecision applies the consensus policy to an agent's decision.
// An approved prior decision on the same context at or above the reuse
// threshold is reused directly; otherwise confidence decides between
// auto-approval, auto-rejection and quorum escalation. Low-confidence
// decisions of a critical type always escalate instead of auto-rejecting.
func (e Engine) RecordAgentDecision(ctx context.Context, opts DecisionOptions) (DecisionResult, error) {
	if opts.AgentID == "" {
		return DecisionResult{}, validationf("agent_id is required")
	}
	if opts.DecisionType == "" {
		return DecisionResult{}, validationf("decision_type is required")
	}
	if opts.Confidence < 0 || opts.Confidence > 1 {
		return DecisionResult{}, validationf("confidence must be within [0,1], got %v", opts.Confidence)
	}
	if opts.ValueJSON == "" {
		opts.ValueJSON = "{}"
	}
	if !json.Valid([]byte(opts.ValueJSON)) {
		return DecisionResult{}, validationf("value must be valid JSON")
	}
	normalized, err := NormalizeContext(opts.ContextData)
	if err != nil {
		return DecisionResult{}, validationf("context data not serializable: %v", err)
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return DecisionResult{}, err
	}
	defer tx.Rollback()

	now := e.now().UTC()
	nowStr := now.Format(time.RFC3339)
	hash := ContextHash(opts.ContextType, normalized)

	dctx, err := e.Repo.GetContextByHashTx(ctx, tx, hash)
	if errors.Is(err, repo.ErrNotFound) {
		dctx = domain.DecisionContext{
			ID:          uuid.NewString(),
			ContextType: opts.ContextType,
			ContextHash: hash,
			ContextJSON: normalized,
			CreatedAt:   nowStr,
		}
		if err := e.Repo.InsertContextTx(ctx, tx, dctx); err != nil {
			return DecisionResult{}, fmt.Errorf("insert decision context: %w", err)
		}
	} else if err != nil {
		return DecisionResult{}, err
	}

	d := domain.AgentDecision{
		ID:           uuid.NewString(),
		AgentID:      opts.AgentID,
		DecisionType: opts.DecisionType,
		ContextID:    &dctx.ID,
		ValueJSON:    opts.ValueJSON,
		Confidence:   opts.Confidence,
		CreatedAt:    nowStr,
		UpdatedAt:    nowStr,
	}

	// Reuse beats re-deciding: an approved high-confidence answer for the
	// same context carries over as-is.
	source, err := e.Repo.LatestReusableDecisionTx(ctx, tx, hash, e.Config.Consensus.ReuseThreshold)
	if err == nil {
		d.Status = domain.DecisionApproved
		d.IsReused = true
		d.SourceDecisionID = &source.ID
		d.ValueJSON = source.ValueJSON
		d.Confidence = source.Confidence
		if err := e.Repo.InsertDecisionTx(ctx, tx, d); err != nil {
			return DecisionResult{}, fmt.Errorf("insert decision: %w", err)
		}
		if err := e.Repo.IncrementReuseCountTx(ctx, tx, source.ID, nowStr); err != nil {
			return DecisionResult{}, err
		}
		if err := e.Events.Append(ctx, tx, "decision.reused", "", "decision", d.ID, opts.AgentID, "", events.EventPayload{
			"source_decision_id": source.ID, "decision_type": d.DecisionType,
		}); err != nil {
			return DecisionResult{}, err
		}
		if err := tx.Commit(); err != nil {
			return DecisionResult{}, err
		}
		return DecisionResult{Decision: d}, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return DecisionResult{}, err
	}

	cc := e.Config.Consensus
	var cons *domain.DecisionConsensus
	switch {
	case opts.Confidence >= cc.AutoApproveThreshold:
		d.Status = domain.DecisionApproved
	case opts.Confidence < cc.AutoRejectThreshold && !e.isCriticalType(opts.DecisionType):
		d.Status = domain.DecisionRejected
	default:
		d.Status = domain.DecisionConsensusRequired
	}

	if err := e.Repo.InsertDecisionTx(ctx, tx, d); err != nil {
		return DecisionResult{}, fmt.Errorf("insert decision: %w", err)
	}

	switch d.Status {
	case domain.DecisionApproved, domain.DecisionRejected:
		if err := e.Repo.BumpContextStatsTx(ctx, tx, dctx.ID, d.Status == domain.DecisionApproved); err != nil {
			return DecisionResult{}, err
		}
		if err := e.Events.Append(ctx, tx, "decision.resolved", "", "decision", d.ID, opts.AgentID, "", events.EventPayload{
			"status": d.Status, "confidence": d.Confidence, "auto": true,
		}); err != nil {
			return DecisionResult{}, err
		}
	case domain.DecisionConsensusRequired:
		c := domain.DecisionConsensus{
			ID:                uuid.NewString(),
			DecisionID:        d.ID,
			RequiredApprovals: cc.RequiredApprovals,
			Deadline:          now.Add(time.Duration(cc.VotingWindowHours) * time.Hour).Format(time.RFC3339),
			CreatedAt:         nowStr,
		}
		if err := e.Repo.InsertConsensusTx(ctx, tx, c); err != nil {
			return DecisionResult{}, fmt.Errorf("insert consensus: %w", err)
		}
		if err := e.Events.Append(ctx, tx, "consensus.requested", "", "consensus", c.ID, opts.AgentID, "manager", events.EventPayload{
			"decision_id": d.ID, "deadline": c.Deadline, "required_approvals": c.RequiredApprovals,
		}); err != nil {
			return DecisionResult{}, err
		}
		cons = &c
	}

	if err := tx.Commit(); err != nil {
		return DecisionResult{}, err
	}
	return DecisionResult{Decision: d, Consensus: cons}, nil
}

// expireIfDueTx resolves a consensus whose deadline passed without quorum.
// Expiry is evaluated lazily on every read and vote, never by a background
// job, so it must run before any other consensus logic.
func (e Engine) expireIfDueTx(ctx context.Context, tx *sql.Tx, c *domain.DecisionConsensus) (bool, error) {
	if c.ResolvedAt != nil {
		return false, nil
	}
	deadline, err := time.Parse(time.RFC3339, c.Deadline)
	if err != nil || !e.now().UTC().After(deadline) {
		return false, err
	}
	nowStr := e.nowRFC()
	c.ResolvedAt = &nowStr
	if err := e.Repo.UpdateConsensusTalliesTx(ctx, tx, *c); err != nil {
		return false, err
	}
	if err := e.Repo.UpdateDecisionStatusTx(ctx, tx, c.DecisionID, domain.DecisionExpired, nowStr); err != nil {
		return false, err
	}
	d, err := e.Repo.GetDecisionTx(ctx, tx, c.DecisionID)
	if err != nil {
		return false, err
	}
	if d.ContextID != nil {
		if err := e.Repo.BumpContextStatsTx(ctx, tx, *d.ContextID, false); err != nil {
			return false, err
		}
	}
	if err := e.Events.Append(ctx, tx, "decision.expired", "", "decision", c.DecisionID, "system", "", events.EventPayload{
		"consensus_id": c.ID,
	}); err != nil {
		return false, err
	}
	return true, nil
}

// Vote records one voter's ballot and resolves the decision once quorum is
// reached. Approval wins only with strictly more approvals than rejections;
// a tie at quorum rejects.
func (e Engine) Vote(ctx context.Context, consensusID, voterID string, approve bool, comment string) (domain.DecisionConsensus, error) {
	if voterID == "" {
		return domain.DecisionConsensus{}, validationf("voter_id is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.DecisionConsensus{}, err
	}
	defer tx.Rollback()

	c, err := e.Repo.GetConsensusTx(ctx, tx, consensusID)
	if err != nil {
		return domain.DecisionConsensus{}, err
	}
	expired, err := e.expireIfDueTx(ctx, tx, &c)
	if err != nil {
		return domain.DecisionConsensus{}, err
	}
	if expired {
		if err := tx.Commit(); err != nil {
			return domain.DecisionConsensus{}, err
		}
		return c, rulef("voting_closed", "voting window for consensus %s has expired", consensusID)
	}
	if c.ResolvedAt != nil {
		return domain.DecisionConsensus{}, rulef("consensus_resolved", "consensus %s is already resolved", consensusID)
	}
	dup, err := e.Repo.HasVoteTx(ctx, tx, consensusID, voterID)
	if err != nil {
		return domain.DecisionConsensus{}, err
	}
	if dup {
		return domain.DecisionConsensus{}, conflictf("voter %s already voted on consensus %s", voterID, consensusID)
	}

	now := e.nowRFC()
	vote := domain.ConsensusVote{
		ID:          uuid.NewString(),
		ConsensusID: consensusID,
		VoterID:     voterID,
		Approve:     approve,
		Comment:     comment,
		CreatedAt:   now,
	}
	if err := e.Repo.InsertVoteTx(ctx, tx, vote); err != nil {
		return domain.DecisionConsensus{}, fmt.Errorf("insert vote: %w", err)
	}
	if approve {
		c.ApprovalVotes++
	} else {
		c.RejectionVotes++
	}

	if c.HasQuorum() {
		status := domain.DecisionRejected
		if c.ApprovalVotes > c.RejectionVotes {
			status = domain.DecisionApproved
		}
		c.ResolvedAt = &now
		if err := e.Repo.UpdateDecisionStatusTx(ctx, tx, c.DecisionID, status, now); err != nil {
			return domain.DecisionConsensus{}, err
		}
		d, err := e.Repo.GetDecisionTx(ctx, tx, c.DecisionID)
		if err != nil {
			return domain.DecisionConsensus{}, err
		}
		if d.ContextID != nil {
			if err := e.Repo.BumpContextStatsTx(ctx, tx, *d.ContextID, status == domain.DecisionApproved); err != nil {
				return domain.DecisionConsensus{}, err
			}
		}
		if err := e.Events.Append(ctx, tx, "decision.resolved", "", "decision", c.DecisionID, voterID, "", events.EventPayload{
			"status": status, "approvals": c.ApprovalVotes, "rejections": c.RejectionVotes,
		}); err != nil {
			return domain.DecisionConsensus{}, err
		}
	}
	if err := e.Repo.UpdateConsensusTalliesTx(ctx, tx, c); err != nil {
		return domain.DecisionConsensus{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.DecisionConsensus{}, err
	}
	return c, nil
}

// GetDecision loads a decision and its consensus, applying lazy expiry so
// callers never observe a stale open consensus past its deadline.
func (e Engine) GetDecision(ctx context.Context, decisionID string) (domain.AgentDecision, *domain.DecisionConsensus, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.AgentDecision{}, nil, err
	}
	defer tx.Rollback()

	d, err := e.Repo.GetDecisionTx(ctx, tx, decisionID)
	if err != nil {
		return domain.AgentDecision{}, nil, err
	}
	var cons *domain.DecisionConsensus
	c, err := e.Repo.GetConsensusByDecisionTx(ctx, tx, decisionID)
	if err == nil {
		cons = &c
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.AgentDecision{}, nil, err
	}
	if cons != nil {
		expired, err := e.expireIfDueTx(ctx, tx, cons)
		if err != nil {
			return domain.AgentDecision{}, nil, err
		}
		if expired {
			d.Status = domain.DecisionExpired
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.AgentDecision{}, nil, err
	}
	return d, cons, nil
}
