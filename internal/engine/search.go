package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/google/uuid"

	"casematch/internal/domain"
	"casematch/internal/events"
	"casematch/internal/repo"
)

type scoredTable struct {
	table         domain.DataTable
	score         float64
	justification string
}

// SearchVariable scores a variable against every active catalog table and
// materializes the top suggestions. It is idempotent: pairs that already
// have a match record are skipped, so a re-run never duplicates rows.
//
// The variable is moved to SEARCHING first in its own transaction; a failure
// after that point lands it in FAILED so operators can re-trigger instead of
// finding it stuck mid-search.
func (e Engine) SearchVariable(ctx context.Context, variableID, actorID string) ([]domain.VariableMatch, error) {
	v, c, err := e.beginSearch(ctx, variableID, actorID)
	if err != nil {
		return nil, err
	}
	matches, err := e.runSearch(ctx, v, c, actorID)
	if err != nil {
		e.failSearch(ctx, variableID, actorID, err)
		return nil, err
	}
	return matches, nil
}

func (e Engine) beginSearch(ctx context.Context, variableID, actorID string) (domain.CaseVariable, domain.Case, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.CaseVariable{}, domain.Case{}, err
	}
	defer tx.Rollback()

	v, err := e.Repo.GetVariableTx(ctx, tx, variableID)
	if err != nil {
		return domain.CaseVariable{}, domain.Case{}, err
	}
	if v.IsCancelled {
		return domain.CaseVariable{}, domain.Case{}, rulef("variable_cancelled", "variable %s is cancelled", variableID)
	}
	switch v.SearchStatus {
	case domain.SearchInUse:
		return domain.CaseVariable{}, domain.Case{}, rulef("variable_in_use", "variable %s already has an accepted match", variableID)
	case domain.SearchSearching:
		return domain.CaseVariable{}, domain.Case{}, conflictf("search already running for variable %s", variableID)
	}
	c, err := e.Repo.GetCaseTx(ctx, tx, v.CaseID)
	if err != nil {
		return domain.CaseVariable{}, domain.Case{}, err
	}

	now := e.nowRFC()
	v.SearchStatus = domain.SearchSearching
	v.SearchStartedAt = &now
	v.SearchCompletedAt = nil
	v.UpdatedAt = now
	if err := e.Repo.UpdateVariableTx(ctx, tx, v); err != nil {
		return domain.CaseVariable{}, domain.Case{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.CaseVariable{}, domain.Case{}, err
	}
	return v, c, nil
}

func (e Engine) runSearch(ctx context.Context, v domain.CaseVariable, c domain.Case, actorID string) ([]domain.VariableMatch, error) {
	tables, err := e.Repo.ListActiveTables(ctx)
	if err != nil {
		return nil, fmt.Errorf("list catalog: %w", err)
	}

	scorer := Scorer{Weights: e.Config.Scoring}
	conceptHash := ConceptHash(v.Name, v.VarType)
	var candidates []scoredTable
	for _, t := range tables {
		rate := 0.5
		h, err := e.Repo.GetApprovalHistory(ctx, conceptHash, t.ID)
		if err == nil {
			rate = h.Rate()
		} else if !errors.Is(err, repo.ErrNotFound) {
			return nil, fmt.Errorf("approval history for table %s: %w", t.ID, err)
		}
		score, justification := scorer.Score(v, t, c.MacroCase, rate)
		if score >= e.Config.Scoring.MinMatchScore {
			candidates = append(candidates, scoredTable{table: t, score: score, justification: justification})
		}
	}

	// Catalog scan order is by table id; a stable sort keeps id order on ties.
	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].score > candidates[j].score
	})
	if max := e.Config.Scoring.MaxSuggestions; len(candidates) > max {
		candidates = candidates[:max]
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	existing, err := e.Repo.MatchedTableIDsTx(ctx, tx, v.ID)
	if err != nil {
		return nil, err
	}

	now := e.nowRFC()
	var created []domain.VariableMatch
	for _, cand := range candidates {
		if existing[cand.table.ID] {
			continue
		}
		m := domain.VariableMatch{
			ID:             uuid.NewString(),
			CaseVariableID: v.ID,
			DataTableID:    cand.table.ID,
			Score:          cand.score,
			Justification:  cand.justification,
			Status:         domain.MatchSuggested,
			CreatedAt:      now,
			UpdatedAt:      now,
		}
		if err := e.Repo.InsertMatchTx(ctx, tx, m); err != nil {
			return nil, fmt.Errorf("insert match for table %s: %w", cand.table.ID, err)
		}
		if err := e.Events.Append(ctx, tx, "match.suggested", v.CaseID, "match", m.ID, actorID, "owner", events.EventPayload{
			"variable": v.Name, "table_id": cand.table.ID, "owner_id": cand.table.OwnerID, "score": cand.score,
		}); err != nil {
			return nil, err
		}
		created = append(created, m)
	}

	status := domain.SearchNoMatch
	if len(candidates) > 0 {
		status = domain.SearchMatched
	}
	v.SearchStatus = status
	v.SearchCompletedAt = &now
	v.UpdatedAt = now
	if err := e.Repo.UpdateVariableTx(ctx, tx, v); err != nil {
		return nil, err
	}
	if err := e.Events.Append(ctx, tx, "search.completed", v.CaseID, "variable", v.ID, actorID, "", events.EventPayload{
		"status": status, "suggestions": len(created),
	}); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return created, nil
}

// failSearch is best effort; the original error matters more than this one.
func (e Engine) failSearch(ctx context.Context, variableID, actorID string, cause error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return
	}
	defer tx.Rollback()

	v, err := e.Repo.GetVariableTx(ctx, tx, variableID)
	if err != nil || v.SearchStatus != domain.SearchSearching {
		return
	}
	now := e.nowRFC()
	v.SearchStatus = domain.SearchFailed
	v.SearchCompletedAt = &now
	v.UpdatedAt = now
	if err := e.Repo.UpdateVariableTx(ctx, tx, v); err != nil {
		return
	}
	if err := e.Events.Append(ctx, tx, "search.failed", v.CaseID, "variable", v.ID, actorID, "", events.EventPayload{
		"error": cause.Error(),
	}); err != nil {
		return
	}
	tx.Commit()
}
