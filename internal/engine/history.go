package engine

import (
	"context"

	"github.com/montanaflynn/stats"

	"casematch/internal/domain"
	"casematch/internal/repo"
)

// ExportHistory returns decision-history records for offline training,
// oldest first, filtered and paged by the caller.
func (e Engine) ExportHistory(ctx context.Context, f repo.HistoryFilters) ([]domain.DecisionHistory, error) {
	return e.Repo.ListHistory(ctx, f)
}

// ImportHistory re-ingests exported records, preserving their decision
// points, outcomes and snapshots. Row ids are reassigned on insert.
func (e Engine) ImportHistory(ctx context.Context, records []domain.DecisionHistory) (int, error) {
	for i, h := range records {
		if h.DecisionPoint == "" {
			return 0, validationf("records[%d]: decision_point is required", i)
		}
		switch h.Outcome {
		case domain.OutcomePositive, domain.OutcomeNegative, domain.OutcomeNeutral:
		default:
			return 0, validationf("records[%d]: unknown outcome %q", i, h.Outcome)
		}
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	now := e.nowRFC()
	for _, h := range records {
		if h.CreatedAt == "" {
			h.CreatedAt = now
		}
		if err := e.Repo.InsertHistoryTx(ctx, tx, h); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return len(records), nil
}

// DecisionStatistics aggregates the agent-decision ledger.
type DecisionStatistics struct {
	ByTypeStatus  []repo.DecisionTypeStats `json:"by_type_status"`
	AvgConfidence float64                  `json:"avg_confidence"`
	ReuseRate     float64                  `json:"reuse_rate"`
	Total         int                      `json:"total"`
}

// Statistics computes counts per decision type and status, the mean
// confidence across all decisions, and the share of reused decisions.
func (e Engine) Statistics(ctx context.Context) (DecisionStatistics, error) {
	byType, err := e.Repo.CountDecisionsByTypeStatus(ctx)
	if err != nil {
		return DecisionStatistics{}, err
	}
	confidences, err := e.Repo.DecisionConfidences(ctx)
	if err != nil {
		return DecisionStatistics{}, err
	}
	reused, total, err := e.Repo.CountReusedDecisions(ctx)
	if err != nil {
		return DecisionStatistics{}, err
	}
	out := DecisionStatistics{ByTypeStatus: byType, Total: total}
	if len(confidences) > 0 {
		mean, err := stats.Mean(confidences)
		if err != nil {
			return DecisionStatistics{}, err
		}
		out.AvgConfidence = mean
	}
	if total > 0 {
		out.ReuseRate = float64(reused) / float64(total)
	}
	return out, nil
}
