package engine_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"casematch/internal/config"
	"casematch/internal/db"
	"casematch/internal/domain"
	"casematch/internal/engine"
	"casematch/internal/migrate"
	"casematch/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
	now    *time.Time
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if _, err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	env := &testEnv{Ctx: context.Background(), now: &start}
	eng := engine.New(conn, config.Default())
	eng.Now = func() time.Time { return *env.now }
	env.Engine = eng
	return env
}

func (env *testEnv) advance(d time.Duration) {
	*env.now = env.now.Add(d)
}

func (env *testEnv) seedCatalog(t *testing.T, tables ...domain.DataTable) {
	t.Helper()
	res, err := env.Engine.SyncTables(env.Ctx, tables, "admin")
	if err != nil {
		t.Fatalf("sync tables: %v", err)
	}
	if res.Failed != 0 {
		t.Fatalf("sync failures: %v", res.Errors)
	}
}

func (env *testEnv) createCase(t *testing.T, title string, vars ...engine.VariableInput) (domain.Case, []domain.CaseVariable) {
	t.Helper()
	c, variables, err := env.Engine.CreateCase(env.Ctx, engine.CaseCreateOptions{
		Title:     title,
		MacroCase: "receita operacional",
		Variables: vars,
		ActorID:   "requester-1",
	})
	if err != nil {
		t.Fatalf("create case: %v", err)
	}
	return c, variables
}

func revenueTable() domain.DataTable {
	return domain.DataTable{
		ID:          "tbl-revenue",
		Name:        "receita total",
		Description: "receita consolidada mensal",
		Domain:      "receita",
		Keywords:    []string{"receita"},
		OwnerID:     "owner-1",
	}
}

func unrelatedTable() domain.DataTable {
	return domain.DataTable{
		ID:      "tbl-hr",
		Name:    "quadro funcionarios",
		Domain:  "rh",
		OwnerID: "owner-2",
	}
}

func TestSearchCreatesRankedMatches(t *testing.T) {
	env := newTestEnv(t)
	env.seedCatalog(t, revenueTable(), unrelatedTable())
	_, vars := env.createCase(t, "budget review", engine.VariableInput{Name: "receita total", VarType: "currency"})

	matches, err := env.Engine.SearchVariable(env.Ctx, vars[0].ID, "requester-1")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(matches) != 1 {
		t.Fatalf("expected 1 match, got %d", len(matches))
	}
	if matches[0].DataTableID != "tbl-revenue" {
		t.Fatalf("expected tbl-revenue, got %s", matches[0].DataTableID)
	}
	if matches[0].Status != domain.MatchSuggested {
		t.Fatalf("expected SUGGESTED, got %s", matches[0].Status)
	}
	v, err := env.Engine.Repo.GetVariable(env.Ctx, vars[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	if v.SearchStatus != domain.SearchMatched {
		t.Fatalf("expected MATCHED, got %s", v.SearchStatus)
	}
	if v.SearchStartedAt == nil || v.SearchCompletedAt == nil {
		t.Fatalf("expected search timestamps to be stamped")
	}
}

func TestSearchIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	env.seedCatalog(t, revenueTable())
	_, vars := env.createCase(t, "budget review", engine.VariableInput{Name: "receita total", VarType: "currency"})

	if _, err := env.Engine.SearchVariable(env.Ctx, vars[0].ID, "requester-1"); err != nil {
		t.Fatalf("first search: %v", err)
	}
	created, err := env.Engine.SearchVariable(env.Ctx, vars[0].ID, "requester-1")
	if err != nil {
		t.Fatalf("second search: %v", err)
	}
	if len(created) != 0 {
		t.Fatalf("re-run created %d duplicate matches", len(created))
	}
	all, err := env.Engine.Repo.ListMatches(env.Ctx, vars[0].ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(all) != 1 {
		t.Fatalf("expected 1 match after re-run, got %d", len(all))
	}
}

func TestSearchNoCatalogShortCircuits(t *testing.T) {
	env := newTestEnv(t)
	_, vars := env.createCase(t, "empty catalog", engine.VariableInput{Name: "receita", VarType: "currency"})

	matches, err := env.Engine.SearchVariable(env.Ctx, vars[0].ID, "requester-1")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(matches) != 0 {
		t.Fatalf("expected no matches")
	}
	v, _ := env.Engine.Repo.GetVariable(env.Ctx, vars[0].ID)
	if v.SearchStatus != domain.SearchNoMatch {
		t.Fatalf("expected NO_MATCH, got %s", v.SearchStatus)
	}
}

func TestOwnerConfirmThenRequesterApprove(t *testing.T) {
	env := newTestEnv(t)
	env.seedCatalog(t, revenueTable())
	_, vars := env.createCase(t, "budget review", engine.VariableInput{Name: "receita total", VarType: "currency"})
	matches, err := env.Engine.SearchVariable(env.Ctx, vars[0].ID, "requester-1")
	if err != nil || len(matches) != 1 {
		t.Fatalf("search: %v (%d matches)", err, len(matches))
	}

	// wrong actor first
	_, err = env.Engine.RespondOwner(env.Ctx, engine.OwnerResponseOptions{
		MatchID: matches[0].ID, ActorID: "someone-else", Outcome: domain.OutcomeConfirmMatch,
	})
	var ruleErr engine.RuleError
	if !errors.As(err, &ruleErr) || ruleErr.Code != "not_owner" {
		t.Fatalf("expected not_owner rule error, got %v", err)
	}

	if _, err := env.Engine.RespondOwner(env.Ctx, engine.OwnerResponseOptions{
		MatchID: matches[0].ID, ActorID: "owner-1", Outcome: domain.OutcomeConfirmMatch,
	}); err != nil {
		t.Fatalf("owner confirm: %v", err)
	}
	m, _ := env.Engine.Repo.GetMatch(env.Ctx, matches[0].ID)
	if m.Status != domain.MatchPendingRequester {
		t.Fatalf("expected PENDING_REQUESTER, got %s", m.Status)
	}
	v, _ := env.Engine.Repo.GetVariable(env.Ctx, vars[0].ID)
	if v.SearchStatus != domain.SearchRequesterReview {
		t.Fatalf("expected REQUESTER_REVIEW, got %s", v.SearchStatus)
	}

	if _, err := env.Engine.RespondRequester(env.Ctx, engine.RequesterResponseOptions{
		MatchID: matches[0].ID, ActorID: "requester-1", Outcome: domain.OutcomeApprove,
	}); err != nil {
		t.Fatalf("requester approve: %v", err)
	}
	v, _ = env.Engine.Repo.GetVariable(env.Ctx, vars[0].ID)
	if v.SearchStatus != domain.SearchInUse {
		t.Fatalf("expected IN_USE, got %s", v.SearchStatus)
	}

	// approval must have fed the history counters
	h, err := env.Engine.Repo.GetApprovalHistory(env.Ctx, engine.ConceptHash("receita total", "currency"), "tbl-revenue")
	if err != nil {
		t.Fatalf("approval history: %v", err)
	}
	if h.ApprovedCount != 1 || h.RejectedCount != 0 {
		t.Fatalf("expected 1/0 counters, got %d/%d", h.ApprovedCount, h.RejectedCount)
	}
}

func TestRequesterRejectFallsBack(t *testing.T) {
	env := newTestEnv(t)
	env.seedCatalog(t, revenueTable())
	_, vars := env.createCase(t, "budget review", engine.VariableInput{Name: "receita total", VarType: "currency"})
	matches, _ := env.Engine.SearchVariable(env.Ctx, vars[0].ID, "requester-1")
	if _, err := env.Engine.RespondOwner(env.Ctx, engine.OwnerResponseOptions{
		MatchID: matches[0].ID, ActorID: "owner-1", Outcome: domain.OutcomeConfirmMatch,
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.RespondRequester(env.Ctx, engine.RequesterResponseOptions{
		MatchID: matches[0].ID, ActorID: "requester-1", Outcome: domain.OutcomeRejectMatch,
	}); err != nil {
		t.Fatalf("requester reject: %v", err)
	}
	v, _ := env.Engine.Repo.GetVariable(env.Ctx, vars[0].ID)
	if v.SearchStatus != domain.SearchNoMatch {
		t.Fatalf("expected NO_MATCH after last candidate rejected, got %s", v.SearchStatus)
	}
	h, err := env.Engine.Repo.GetApprovalHistory(env.Ctx, engine.ConceptHash("receita total", "currency"), "tbl-revenue")
	if err != nil {
		t.Fatal(err)
	}
	if h.RejectedCount != 1 {
		t.Fatalf("expected 1 rejection recorded, got %d", h.RejectedCount)
	}
}

func TestOwnerDataNotExistOpensInvolvement(t *testing.T) {
	env := newTestEnv(t)
	env.seedCatalog(t, revenueTable())
	_, vars := env.createCase(t, "budget review", engine.VariableInput{Name: "receita total", VarType: "currency"})
	matches, _ := env.Engine.SearchVariable(env.Ctx, vars[0].ID, "requester-1")

	if _, err := env.Engine.RespondOwner(env.Ctx, engine.OwnerResponseOptions{
		MatchID: matches[0].ID, ActorID: "owner-1", Outcome: domain.OutcomeDataNotExist,
	}); err != nil {
		t.Fatalf("data not exist: %v", err)
	}
	ivs, err := env.Engine.Repo.ListInvolvements(env.Ctx, repo.InvolvementFilters{OwnerID: "owner-1"})
	if err != nil {
		t.Fatal(err)
	}
	if len(ivs) != 1 {
		t.Fatalf("expected 1 involvement, got %d", len(ivs))
	}
	if ivs[0].Status != domain.InvolvementPending {
		t.Fatalf("expected PENDING, got %s", ivs[0].Status)
	}
	m, _ := env.Engine.Repo.GetMatch(env.Ctx, matches[0].ID)
	if m.Status != domain.MatchOwnerRejected {
		t.Fatalf("expected OWNER_REJECTED, got %s", m.Status)
	}
	v, _ := env.Engine.Repo.GetVariable(env.Ctx, vars[0].ID)
	if v.SearchStatus != domain.SearchNoMatch {
		t.Fatalf("expected NO_MATCH, got %s", v.SearchStatus)
	}
}

func TestCaseStatusWorkflow(t *testing.T) {
	env := newTestEnv(t)
	env.seedCatalog(t, revenueTable())
	c, vars := env.createCase(t, "budget review", engine.VariableInput{Name: "receita total", VarType: "currency"})

	if _, err := env.Engine.SetCaseStatus(env.Ctx, c.ID, domain.CaseSubmitted, "requester-1", engine.RoleUser); err != nil {
		t.Fatalf("submit: %v", err)
	}
	// USER cannot move to review
	_, err := env.Engine.SetCaseStatus(env.Ctx, c.ID, domain.CaseReview, "requester-1", engine.RoleUser)
	var ruleErr engine.RuleError
	if !errors.As(err, &ruleErr) || ruleErr.Code != "role_required" {
		t.Fatalf("expected role_required, got %v", err)
	}
	if _, err := env.Engine.SetCaseStatus(env.Ctx, c.ID, domain.CaseReview, "manager-1", engine.RoleManager); err != nil {
		t.Fatalf("review: %v", err)
	}
	if _, err := env.Engine.SetCaseStatus(env.Ctx, c.ID, domain.CaseApproved, "manager-1", engine.RoleManager); err != nil {
		t.Fatalf("approve: %v", err)
	}

	// closing is blocked while the variable is unsettled
	_, err = env.Engine.SetCaseStatus(env.Ctx, c.ID, domain.CaseClosed, "manager-1", engine.RoleManager)
	if !errors.As(err, &ruleErr) || ruleErr.Code != "case_not_closable" {
		t.Fatalf("expected case_not_closable, got %v", err)
	}

	if _, err := env.Engine.CancelVariable(env.Ctx, vars[0].ID, "requester-1", engine.RoleUser); err != nil {
		t.Fatalf("cancel variable: %v", err)
	}
	if _, err := env.Engine.SetCaseStatus(env.Ctx, c.ID, domain.CaseClosed, "manager-1", engine.RoleManager); err != nil {
		t.Fatalf("close: %v", err)
	}
}

func TestRequesterMayCancelOwnCase(t *testing.T) {
	env := newTestEnv(t)
	c, _ := env.createCase(t, "abandoned", engine.VariableInput{Name: "receita", VarType: "currency"})
	if _, err := env.Engine.SetCaseStatus(env.Ctx, c.ID, domain.CaseSubmitted, "requester-1", engine.RoleUser); err != nil {
		t.Fatal(err)
	}
	got, err := env.Engine.SetCaseStatus(env.Ctx, c.ID, domain.CaseCancelled, "requester-1", engine.RoleUser)
	if err != nil {
		t.Fatalf("requester cancel: %v", err)
	}
	if got.Status != domain.CaseCancelled {
		t.Fatalf("expected CANCELLED, got %s", got.Status)
	}
	// terminal: nothing moves out of CANCELLED
	if _, err := env.Engine.SetCaseStatus(env.Ctx, c.ID, domain.CaseSubmitted, "admin-1", engine.RoleAdmin); err == nil {
		t.Fatalf("expected terminal status error")
	}
}
