package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"casematch/internal/domain"
	"casematch/internal/events"
	"casematch/internal/repo"
)

func snapshotJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	return string(data)
}

func (e Engine) appendHistoryTx(ctx context.Context, tx *sql.Tx, point, outcome, actorID string,
	v domain.CaseVariable, t domain.DataTable, m domain.VariableMatch) error {
	return e.Repo.InsertHistoryTx(ctx, tx, domain.DecisionHistory{
		DecisionPoint:    point,
		Outcome:          outcome,
		CaseID:           v.CaseID,
		VariableID:       v.ID,
		MatchID:          m.ID,
		ActorID:          actorID,
		VariableSnapshot: snapshotJSON(v),
		TableSnapshot:    snapshotJSON(t),
		MatchSnapshot:    snapshotJSON(m),
		CreatedAt:        e.nowRFC(),
	})
}

// OwnerResponseOptions are parameters for an owner's review of a match.
type OwnerResponseOptions struct {
	MatchID          string
	ActorID          string
	Outcome          string
	CorrectedTableID string
	DelegateOwnerID  string
	Comment          string
}

// RespondOwner records the table owner's review of a suggested match and
// advances the match accordingly. Responses are append-only; the match moves
// out of SUGGESTED exactly once (DELEGATE_OWNER keeps it open for the
// delegate).
func (e Engine) RespondOwner(ctx context.Context, opts OwnerResponseOptions) (domain.OwnerResponse, error) {
	switch opts.Outcome {
	case domain.OutcomeConfirmMatch, domain.OutcomeDataNotExist:
	case domain.OutcomeCorrectTable:
		if opts.CorrectedTableID == "" {
			return domain.OwnerResponse{}, validationf("corrected_table_id is required for CORRECT_TABLE")
		}
	case domain.OutcomeDelegateOwner:
		if opts.DelegateOwnerID == "" {
			return domain.OwnerResponse{}, validationf("delegate_owner_id is required for DELEGATE_OWNER")
		}
	default:
		return domain.OwnerResponse{}, validationf("unknown owner outcome %q", opts.Outcome)
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.OwnerResponse{}, err
	}
	defer tx.Rollback()

	m, err := e.Repo.GetMatchTx(ctx, tx, opts.MatchID)
	if err != nil {
		return domain.OwnerResponse{}, err
	}
	if m.Status != domain.MatchSuggested {
		return domain.OwnerResponse{}, rulef("match_not_open", "match %s already reviewed, status %s", m.ID, m.Status)
	}
	v, err := e.Repo.GetVariableTx(ctx, tx, m.CaseVariableID)
	if err != nil {
		return domain.OwnerResponse{}, err
	}
	if v.IsCancelled {
		return domain.OwnerResponse{}, rulef("variable_cancelled", "variable %s is cancelled", v.ID)
	}
	c, err := e.Repo.GetCaseTx(ctx, tx, v.CaseID)
	if err != nil {
		return domain.OwnerResponse{}, err
	}
	t, err := e.Repo.GetTable(ctx, m.DataTableID)
	if err != nil {
		return domain.OwnerResponse{}, err
	}
	// Delegated reviewers answer on the original owner's behalf.
	if t.OwnerID != opts.ActorID && !e.isDelegate(ctx, opts.MatchID, opts.ActorID) {
		return domain.OwnerResponse{}, rulef("not_owner", "only the table owner can respond to this match")
	}

	now := e.nowRFC()
	resp := domain.OwnerResponse{
		ID:        uuid.NewString(),
		MatchID:   m.ID,
		OwnerID:   opts.ActorID,
		Outcome:   opts.Outcome,
		Comment:   opts.Comment,
		CreatedAt: now,
	}

	switch opts.Outcome {
	case domain.OutcomeConfirmMatch:
		if err := e.ownerConfirm(ctx, tx, &m, &v, opts.ActorID, now); err != nil {
			return domain.OwnerResponse{}, err
		}
		if err := e.appendHistoryTx(ctx, tx, "owner_response", domain.OutcomePositive, opts.ActorID, v, t, m); err != nil {
			return domain.OwnerResponse{}, err
		}

	case domain.OutcomeCorrectTable:
		resp.CorrectedTableID = &opts.CorrectedTableID
		if err := e.ownerCorrect(ctx, tx, &m, &v, opts.CorrectedTableID, opts.ActorID, now); err != nil {
			return domain.OwnerResponse{}, err
		}
		if err := e.appendHistoryTx(ctx, tx, "owner_response", domain.OutcomeNeutral, opts.ActorID, v, t, m); err != nil {
			return domain.OwnerResponse{}, err
		}

	case domain.OutcomeDataNotExist:
		if err := e.ownerDataNotExist(ctx, tx, &m, &v, c, opts.ActorID, now); err != nil {
			return domain.OwnerResponse{}, err
		}
		if err := e.appendHistoryTx(ctx, tx, "owner_response", domain.OutcomeNegative, opts.ActorID, v, t, m); err != nil {
			return domain.OwnerResponse{}, err
		}

	case domain.OutcomeDelegateOwner:
		resp.DelegateOwnerID = &opts.DelegateOwnerID
		if err := e.Events.Append(ctx, tx, "review.needed", v.CaseID, "match", m.ID, opts.ActorID, "owner", events.EventPayload{
			"delegate_owner_id": opts.DelegateOwnerID, "variable": v.Name,
		}); err != nil {
			return domain.OwnerResponse{}, err
		}
		if err := e.appendHistoryTx(ctx, tx, "owner_response", domain.OutcomeNeutral, opts.ActorID, v, t, m); err != nil {
			return domain.OwnerResponse{}, err
		}
	}

	if err := e.Repo.InsertOwnerResponseTx(ctx, tx, resp); err != nil {
		return domain.OwnerResponse{}, fmt.Errorf("insert owner response: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.OwnerResponse{}, err
	}
	return resp, nil
}

// isDelegate reports whether a prior DELEGATE_OWNER response named the actor.
func (e Engine) isDelegate(ctx context.Context, matchID, actorID string) bool {
	responses, err := e.Repo.ListOwnerResponses(ctx, matchID)
	if err != nil {
		return false
	}
	for _, r := range responses {
		if r.Outcome == domain.OutcomeDelegateOwner && r.DelegateOwnerID != nil && *r.DelegateOwnerID == actorID {
			return true
		}
	}
	return false
}

func (e Engine) ownerConfirm(ctx context.Context, tx *sql.Tx, m *domain.VariableMatch, v *domain.CaseVariable, actorID, now string) error {
	m.Status = domain.MatchPendingRequester
	m.UpdatedAt = now
	if err := e.Repo.UpdateMatchStatusTx(ctx, tx, m.ID, m.Status, now); err != nil {
		return err
	}
	v.SearchStatus = domain.SearchRequesterReview
	v.UpdatedAt = now
	if err := e.Repo.UpdateVariableTx(ctx, tx, *v); err != nil {
		return err
	}
	return e.Events.Append(ctx, tx, "review.needed", v.CaseID, "match", m.ID, actorID, "requester", events.EventPayload{
		"variable": v.Name, "table_id": m.DataTableID,
	})
}

func (e Engine) ownerCorrect(ctx context.Context, tx *sql.Tx, m *domain.VariableMatch, v *domain.CaseVariable, correctedTableID, actorID, now string) error {
	corrected, err := e.Repo.GetTable(ctx, correctedTableID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return validationf("corrected table %s not found", correctedTableID)
		}
		return err
	}
	if !corrected.Active {
		return rulef("table_inactive", "corrected table %s is inactive", correctedTableID)
	}
	existing, err := e.Repo.MatchedTableIDsTx(ctx, tx, v.ID)
	if err != nil {
		return err
	}
	if existing[correctedTableID] {
		return conflictf("variable %s already has a match against table %s", v.ID, correctedTableID)
	}

	m.Status = domain.MatchOwnerRedirected
	m.UpdatedAt = now
	if err := e.Repo.UpdateMatchStatusTx(ctx, tx, m.ID, m.Status, now); err != nil {
		return err
	}
	redirect := domain.VariableMatch{
		ID:             uuid.NewString(),
		CaseVariableID: v.ID,
		DataTableID:    correctedTableID,
		Score:          1.0,
		Justification:  fmt.Sprintf("owner redirected from table %q", m.DataTableID),
		Status:         domain.MatchPendingRequester,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := e.Repo.InsertMatchTx(ctx, tx, redirect); err != nil {
		return fmt.Errorf("insert redirected match: %w", err)
	}
	v.SearchStatus = domain.SearchRequesterReview
	v.UpdatedAt = now
	if err := e.Repo.UpdateVariableTx(ctx, tx, *v); err != nil {
		return err
	}
	return e.Events.Append(ctx, tx, "review.needed", v.CaseID, "match", redirect.ID, actorID, "requester", events.EventPayload{
		"variable": v.Name, "table_id": correctedTableID, "redirected_from": m.DataTableID,
	})
}

func (e Engine) ownerDataNotExist(ctx context.Context, tx *sql.Tx, m *domain.VariableMatch, v *domain.CaseVariable, c domain.Case, actorID, now string) error {
	m.Status = domain.MatchOwnerRejected
	m.UpdatedAt = now
	if err := e.Repo.UpdateMatchStatusTx(ctx, tx, m.ID, m.Status, now); err != nil {
		return err
	}
	open, err := e.Repo.CountOpenMatchesTx(ctx, tx, v.ID)
	if err != nil {
		return err
	}
	if open == 0 {
		v.SearchStatus = domain.SearchNoMatch
		v.UpdatedAt = now
		if err := e.Repo.UpdateVariableTx(ctx, tx, *v); err != nil {
			return err
		}
	}
	iv := domain.Involvement{
		ID:             uuid.NewString(),
		CaseVariableID: v.ID,
		RequesterID:    c.RequesterID,
		OwnerID:        actorID,
		Status:         domain.InvolvementPending,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := e.Repo.InsertInvolvementTx(ctx, tx, iv); err != nil {
		return fmt.Errorf("insert involvement: %w", err)
	}
	return e.Events.Append(ctx, tx, "involvement.created", v.CaseID, "involvement", iv.ID, actorID, "owner", events.EventPayload{
		"variable": v.Name, "owner_id": actorID,
	})
}

// RequesterResponseOptions are parameters for the requester's final decision.
type RequesterResponseOptions struct {
	MatchID string
	ActorID string
	Outcome string
	Comment string
}

// RespondRequester records the requester's decision on an owner-confirmed
// match. APPROVE locks the variable to this table and feeds the approval
// back into scoring history; REJECT_MATCH feeds a rejection back.
func (e Engine) RespondRequester(ctx context.Context, opts RequesterResponseOptions) (domain.RequesterResponse, error) {
	if opts.Outcome != domain.OutcomeApprove && opts.Outcome != domain.OutcomeRejectMatch {
		return domain.RequesterResponse{}, validationf("unknown requester outcome %q", opts.Outcome)
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.RequesterResponse{}, err
	}
	defer tx.Rollback()

	m, err := e.Repo.GetMatchTx(ctx, tx, opts.MatchID)
	if err != nil {
		return domain.RequesterResponse{}, err
	}
	if m.Status != domain.MatchPendingRequester {
		return domain.RequesterResponse{}, rulef("match_not_pending", "match %s is not awaiting requester review, status %s", m.ID, m.Status)
	}
	v, err := e.Repo.GetVariableTx(ctx, tx, m.CaseVariableID)
	if err != nil {
		return domain.RequesterResponse{}, err
	}
	c, err := e.Repo.GetCaseTx(ctx, tx, v.CaseID)
	if err != nil {
		return domain.RequesterResponse{}, err
	}
	if c.RequesterID != opts.ActorID {
		return domain.RequesterResponse{}, rulef("not_requester", "only the case requester can respond to this match")
	}
	if v.SearchStatus == domain.SearchInUse {
		return domain.RequesterResponse{}, conflictf("variable %s already has an accepted match", v.ID)
	}
	t, err := e.Repo.GetTable(ctx, m.DataTableID)
	if err != nil {
		return domain.RequesterResponse{}, err
	}

	now := e.nowRFC()
	resp := domain.RequesterResponse{
		ID:          uuid.NewString(),
		MatchID:     m.ID,
		RequesterID: opts.ActorID,
		Outcome:     opts.Outcome,
		Comment:     opts.Comment,
		CreatedAt:   now,
	}

	conceptHash := ConceptHash(v.Name, v.VarType)
	if opts.Outcome == domain.OutcomeApprove {
		m.Status = domain.MatchRequesterApproved
		m.UpdatedAt = now
		if err := e.Repo.UpdateMatchStatusTx(ctx, tx, m.ID, m.Status, now); err != nil {
			return domain.RequesterResponse{}, err
		}
		v.SearchStatus = domain.SearchInUse
		v.UpdatedAt = now
		if err := e.Repo.UpdateVariableTx(ctx, tx, v); err != nil {
			return domain.RequesterResponse{}, err
		}
		if err := e.Repo.RecordApprovalTx(ctx, tx, conceptHash, m.DataTableID, true, now); err != nil {
			return domain.RequesterResponse{}, fmt.Errorf("record approval: %w", err)
		}
		if err := e.appendHistoryTx(ctx, tx, "requester_response", domain.OutcomePositive, opts.ActorID, v, t, m); err != nil {
			return domain.RequesterResponse{}, err
		}
		if err := e.Events.Append(ctx, tx, "match.approved", v.CaseID, "match", m.ID, opts.ActorID, "owner", events.EventPayload{
			"variable": v.Name, "table_id": m.DataTableID,
		}); err != nil {
			return domain.RequesterResponse{}, err
		}
	} else {
		m.Status = domain.MatchRequesterRejected
		m.UpdatedAt = now
		if err := e.Repo.UpdateMatchStatusTx(ctx, tx, m.ID, m.Status, now); err != nil {
			return domain.RequesterResponse{}, err
		}
		open, err := e.Repo.CountOpenMatchesTx(ctx, tx, v.ID)
		if err != nil {
			return domain.RequesterResponse{}, err
		}
		v.SearchStatus = domain.SearchRequesterReview
		if open == 0 {
			v.SearchStatus = domain.SearchNoMatch
		}
		v.UpdatedAt = now
		if err := e.Repo.UpdateVariableTx(ctx, tx, v); err != nil {
			return domain.RequesterResponse{}, err
		}
		if err := e.Repo.RecordApprovalTx(ctx, tx, conceptHash, m.DataTableID, false, now); err != nil {
			return domain.RequesterResponse{}, fmt.Errorf("record rejection: %w", err)
		}
		if err := e.appendHistoryTx(ctx, tx, "requester_response", domain.OutcomeNegative, opts.ActorID, v, t, m); err != nil {
			return domain.RequesterResponse{}, err
		}
		if err := e.Events.Append(ctx, tx, "match.rejected", v.CaseID, "match", m.ID, opts.ActorID, "owner", events.EventPayload{
			"variable": v.Name, "table_id": m.DataTableID,
		}); err != nil {
			return domain.RequesterResponse{}, err
		}
	}

	if err := e.Repo.InsertRequesterResponseTx(ctx, tx, resp); err != nil {
		return domain.RequesterResponse{}, fmt.Errorf("insert requester response: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return domain.RequesterResponse{}, err
	}
	return resp, nil
}
