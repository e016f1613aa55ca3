package engine_test

import (
	"errors"
	"testing"
	"time"

	"casematch/internal/domain"
	"casematch/internal/engine"
	"casematch/internal/repo"
)

// openInvolvement drives the owner "data does not exist" path to produce a
// PENDING involvement owned by owner-1.
func openInvolvement(t *testing.T, env *testEnv) domain.Involvement {
	t.Helper()
	env.seedCatalog(t, revenueTable())
	_, vars := env.createCase(t, "missing data", engine.VariableInput{Name: "receita total", VarType: "currency"})
	matches, err := env.Engine.SearchVariable(env.Ctx, vars[0].ID, "requester-1")
	if err != nil || len(matches) != 1 {
		t.Fatalf("search: %v", err)
	}
	if _, err := env.Engine.RespondOwner(env.Ctx, engine.OwnerResponseOptions{
		MatchID: matches[0].ID, ActorID: "owner-1", Outcome: domain.OutcomeDataNotExist,
	}); err != nil {
		t.Fatalf("respond: %v", err)
	}
	ivs, err := env.Engine.Repo.ListInvolvements(env.Ctx, repo.InvolvementFilters{OwnerID: "owner-1"})
	if err != nil || len(ivs) != 1 {
		t.Fatalf("involvements: %v (%d)", err, len(ivs))
	}
	return ivs[0]
}

func TestInvolvementLifecycle(t *testing.T) {
	env := newTestEnv(t)
	iv := openInvolvement(t, env)

	// completing before a date is set fails
	_, err := env.Engine.CompleteInvolvement(env.Ctx, iv.ID, "owner-1", "tbl_receita_nova", "receita por contrato")
	var ruleErr engine.RuleError
	if !errors.As(err, &ruleErr) || ruleErr.Code != "date_not_set" {
		t.Fatalf("expected date_not_set, got %v", err)
	}

	// non-owner cannot schedule
	expected := env.now.Add(72 * time.Hour).Format(time.RFC3339)
	_, err = env.Engine.SetInvolvementExpectedDate(env.Ctx, iv.ID, "requester-1", expected)
	if !errors.As(err, &ruleErr) || ruleErr.Code != "not_owner" {
		t.Fatalf("expected not_owner, got %v", err)
	}

	iv, err = env.Engine.SetInvolvementExpectedDate(env.Ctx, iv.ID, "owner-1", expected)
	if err != nil {
		t.Fatalf("set expected date: %v", err)
	}
	if iv.Status != domain.InvolvementInProgress {
		t.Fatalf("expected IN_PROGRESS, got %s", iv.Status)
	}

	iv, err = env.Engine.CompleteInvolvement(env.Ctx, iv.ID, "owner-1", "tbl_receita_nova", "receita por contrato")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if iv.Status != domain.InvolvementCompleted || iv.ActualCompletionAt == nil {
		t.Fatalf("expected COMPLETED with actual date, got %+v", iv)
	}
}

func TestOverdueIsDerivedNotStored(t *testing.T) {
	env := newTestEnv(t)
	iv := openInvolvement(t, env)
	expected := env.now.Add(24 * time.Hour).Format(time.RFC3339)
	iv, err := env.Engine.SetInvolvementExpectedDate(env.Ctx, iv.ID, "owner-1", expected)
	if err != nil {
		t.Fatal(err)
	}

	if got := engine.EffectiveInvolvementStatus(iv, *env.now); got != domain.InvolvementInProgress {
		t.Fatalf("before deadline: %s", got)
	}
	env.advance(25 * time.Hour)
	if got := engine.EffectiveInvolvementStatus(iv, *env.now); got != domain.InvolvementOverdue {
		t.Fatalf("past deadline: %s", got)
	}
	// stored status is untouched
	stored, err := env.Engine.Repo.GetInvolvement(env.Ctx, iv.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.Status != domain.InvolvementInProgress {
		t.Fatalf("stored status mutated to %s", stored.Status)
	}
}

func TestSweepRemindsOncePerInterval(t *testing.T) {
	env := newTestEnv(t)
	iv := openInvolvement(t, env)
	expected := env.now.Add(24 * time.Hour).Format(time.RFC3339)
	if _, err := env.Engine.SetInvolvementExpectedDate(env.Ctx, iv.ID, "owner-1", expected); err != nil {
		t.Fatal(err)
	}

	// not yet overdue
	n, err := env.Engine.SweepOverdueInvolvements(env.Ctx)
	if err != nil || n != 0 {
		t.Fatalf("premature sweep hit %d (%v)", n, err)
	}

	env.advance(25 * time.Hour)
	n, err = env.Engine.SweepOverdueInvolvements(env.Ctx)
	if err != nil || n != 1 {
		t.Fatalf("first sweep = %d (%v), want 1", n, err)
	}
	// immediate re-run inside the reminder interval is a no-op
	n, err = env.Engine.SweepOverdueInvolvements(env.Ctx)
	if err != nil || n != 0 {
		t.Fatalf("overlapping sweep = %d (%v), want 0", n, err)
	}
	// after the interval the reminder fires again
	env.advance(25 * time.Hour)
	n, err = env.Engine.SweepOverdueInvolvements(env.Ctx)
	if err != nil || n != 1 {
		t.Fatalf("second interval sweep = %d (%v), want 1", n, err)
	}
	stored, _ := env.Engine.Repo.GetInvolvement(env.Ctx, iv.ID)
	if stored.ReminderCount != 2 {
		t.Fatalf("reminder_count = %d, want 2", stored.ReminderCount)
	}
}
