package engine

import (
	"context"
	"time"

	"casematch/internal/domain"
	"casematch/internal/events"
)

// EffectiveInvolvementStatus derives OVERDUE at read time. The stored status
// never holds OVERDUE.
func EffectiveInvolvementStatus(iv domain.Involvement, now time.Time) string {
	if iv.Status == domain.InvolvementCompleted {
		return iv.Status
	}
	if iv.ExpectedCompletionAt != nil {
		if expected, err := time.Parse(time.RFC3339, *iv.ExpectedCompletionAt); err == nil && expected.Before(now) {
			return domain.InvolvementOverdue
		}
	}
	return iv.Status
}

// SetInvolvementExpectedDate records the owner's commitment date and moves
// the involvement to IN_PROGRESS. Owner only.
func (e Engine) SetInvolvementExpectedDate(ctx context.Context, involvementID, actorID, expectedAt string) (domain.Involvement, error) {
	if _, err := time.Parse(time.RFC3339, expectedAt); err != nil {
		return domain.Involvement{}, validationf("expected_completion_at must be RFC3339: %v", err)
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Involvement{}, err
	}
	defer tx.Rollback()

	iv, err := e.Repo.GetInvolvementTx(ctx, tx, involvementID)
	if err != nil {
		return domain.Involvement{}, err
	}
	if iv.OwnerID != actorID {
		return domain.Involvement{}, rulef("not_owner", "only the involvement owner can set the expected date")
	}
	if iv.Status == domain.InvolvementCompleted {
		return domain.Involvement{}, rulef("already_completed", "involvement %s is completed", involvementID)
	}

	now := e.nowRFC()
	iv.ExpectedCompletionAt = &expectedAt
	iv.Status = domain.InvolvementInProgress
	iv.UpdatedAt = now
	if err := e.Repo.UpdateInvolvementTx(ctx, tx, iv); err != nil {
		return domain.Involvement{}, err
	}
	v, err := e.Repo.GetVariableTx(ctx, tx, iv.CaseVariableID)
	if err != nil {
		return domain.Involvement{}, err
	}
	if err := e.Events.Append(ctx, tx, "involvement.scheduled", v.CaseID, "involvement", iv.ID, actorID, "requester", events.EventPayload{
		"expected_completion_at": expectedAt,
	}); err != nil {
		return domain.Involvement{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Involvement{}, err
	}
	return iv, nil
}

// CompleteInvolvement closes the commitment with the created table's name and
// concept. Owner only; requires an expected date to have been set first.
func (e Engine) CompleteInvolvement(ctx context.Context, involvementID, actorID, tableName, tableConcept string) (domain.Involvement, error) {
	if tableName == "" {
		return domain.Involvement{}, validationf("created_table_name is required")
	}
	if tableConcept == "" {
		return domain.Involvement{}, validationf("created_table_concept is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Involvement{}, err
	}
	defer tx.Rollback()

	iv, err := e.Repo.GetInvolvementTx(ctx, tx, involvementID)
	if err != nil {
		return domain.Involvement{}, err
	}
	if iv.OwnerID != actorID {
		return domain.Involvement{}, rulef("not_owner", "only the involvement owner can complete it")
	}
	if iv.Status == domain.InvolvementCompleted {
		return domain.Involvement{}, rulef("already_completed", "involvement %s is completed", involvementID)
	}
	if iv.ExpectedCompletionAt == nil {
		return domain.Involvement{}, rulef("date_not_set", "set an expected completion date before completing")
	}

	now := e.nowRFC()
	iv.Status = domain.InvolvementCompleted
	iv.ActualCompletionAt = &now
	iv.CreatedTableName = &tableName
	iv.CreatedTableConcept = &tableConcept
	iv.UpdatedAt = now
	if err := e.Repo.UpdateInvolvementTx(ctx, tx, iv); err != nil {
		return domain.Involvement{}, err
	}
	v, err := e.Repo.GetVariableTx(ctx, tx, iv.CaseVariableID)
	if err != nil {
		return domain.Involvement{}, err
	}
	if err := e.Events.Append(ctx, tx, "involvement.completed", v.CaseID, "involvement", iv.ID, actorID, "requester", events.EventPayload{
		"created_table_name": tableName,
	}); err != nil {
		return domain.Involvement{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Involvement{}, err
	}
	return iv, nil
}

// SweepOverdueInvolvements bumps reminder counters on overdue involvements.
// The reminder-interval cutoff makes overlapping sweeps idempotent: an
// involvement reminded within the interval is skipped.
func (e Engine) SweepOverdueInvolvements(ctx context.Context) (int, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	now := e.now().UTC()
	cutoff := now.Add(-time.Duration(e.Config.Involvement.ReminderIntervalHours) * time.Hour)
	overdue, err := e.Repo.ListOverdueTx(ctx, tx, now.Format(time.RFC3339), cutoff.Format(time.RFC3339))
	if err != nil {
		return 0, err
	}

	nowStr := now.Format(time.RFC3339)
	for _, iv := range overdue {
		iv.ReminderCount++
		iv.LastReminderAt = &nowStr
		iv.UpdatedAt = nowStr
		if err := e.Repo.UpdateInvolvementTx(ctx, tx, iv); err != nil {
			return 0, err
		}
		v, err := e.Repo.GetVariableTx(ctx, tx, iv.CaseVariableID)
		if err != nil {
			return 0, err
		}
		if err := e.Events.Append(ctx, tx, "involvement.reminder", v.CaseID, "involvement", iv.ID, "system", "owner", events.EventPayload{
			"owner_id": iv.OwnerID, "reminder_count": iv.ReminderCount,
		}); err != nil {
			return 0, err
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	return len(overdue), nil
}
