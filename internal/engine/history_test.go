package engine_test

import (
	"math"
	"testing"

	"casematch/internal/domain"
	"casematch/internal/engine"
	"casematch/internal/repo"
)

func approveOneMatch(t *testing.T, env *testEnv) {
	t.Helper()
	env.seedCatalog(t, revenueTable())
	_, vars := env.createCase(t, "budget review", engine.VariableInput{Name: "receita total", VarType: "currency"})
	matches, err := env.Engine.SearchVariable(env.Ctx, vars[0].ID, "requester-1")
	if err != nil || len(matches) != 1 {
		t.Fatalf("search: %v", err)
	}
	if _, err := env.Engine.RespondOwner(env.Ctx, engine.OwnerResponseOptions{
		MatchID: matches[0].ID, ActorID: "owner-1", Outcome: domain.OutcomeConfirmMatch,
	}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.RespondRequester(env.Ctx, engine.RequesterResponseOptions{
		MatchID: matches[0].ID, ActorID: "requester-1", Outcome: domain.OutcomeApprove,
	}); err != nil {
		t.Fatal(err)
	}
}

func TestHistoryRecordsDecisions(t *testing.T) {
	env := newTestEnv(t)
	approveOneMatch(t, env)

	records, err := env.Engine.ExportHistory(env.Ctx, repo.HistoryFilters{})
	if err != nil {
		t.Fatal(err)
	}
	if len(records) != 2 {
		t.Fatalf("expected owner + requester records, got %d", len(records))
	}
	if records[0].DecisionPoint != "owner_response" || records[0].Outcome != domain.OutcomePositive {
		t.Fatalf("unexpected first record: %+v", records[0])
	}
	if records[1].DecisionPoint != "requester_response" || records[1].Outcome != domain.OutcomePositive {
		t.Fatalf("unexpected second record: %+v", records[1])
	}
	if records[1].VariableSnapshot == "" || records[1].MatchSnapshot == "" {
		t.Fatalf("snapshots missing on %+v", records[1])
	}

	filtered, err := env.Engine.ExportHistory(env.Ctx, repo.HistoryFilters{DecisionPoint: "owner_response"})
	if err != nil || len(filtered) != 1 {
		t.Fatalf("filter by decision point: %v (%d)", err, len(filtered))
	}
}

func TestHistoryExportImportRoundTrip(t *testing.T) {
	src := newTestEnv(t)
	approveOneMatch(t, src)
	exported, err := src.Engine.ExportHistory(src.Ctx, repo.HistoryFilters{})
	if err != nil {
		t.Fatal(err)
	}

	dst := newTestEnv(t)
	n, err := dst.Engine.ImportHistory(dst.Ctx, exported)
	if err != nil {
		t.Fatalf("import: %v", err)
	}
	if n != len(exported) {
		t.Fatalf("imported %d of %d", n, len(exported))
	}
	reimported, err := dst.Engine.ExportHistory(dst.Ctx, repo.HistoryFilters{})
	if err != nil {
		t.Fatal(err)
	}
	if len(reimported) != len(exported) {
		t.Fatalf("round trip lost rows: %d vs %d", len(reimported), len(exported))
	}
	for i := range exported {
		if reimported[i].DecisionPoint != exported[i].DecisionPoint || reimported[i].Outcome != exported[i].Outcome {
			t.Fatalf("row %d mismatch: %+v vs %+v", i, reimported[i], exported[i])
		}
		if reimported[i].VariableSnapshot != exported[i].VariableSnapshot {
			t.Fatalf("row %d snapshot mismatch", i)
		}
	}
}

func TestImportRejectsUnknownOutcome(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.ImportHistory(env.Ctx, []domain.DecisionHistory{
		{DecisionPoint: "owner_response", Outcome: "MAYBE"},
	})
	if err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestStatistics(t *testing.T) {
	env := newTestEnv(t)
	ctx := map[string]any{"var": "receita"}
	recordDecision(t, env, 0.95, "enrichment", ctx)
	recordDecision(t, env, 0.50, "enrichment", ctx) // reused at source confidence

	got, err := env.Engine.Statistics(env.Ctx)
	if err != nil {
		t.Fatal(err)
	}
	if got.Total != 2 {
		t.Fatalf("total = %d, want 2", got.Total)
	}
	if math.Abs(got.ReuseRate-0.5) > 1e-9 {
		t.Fatalf("reuse rate = %v, want 0.5", got.ReuseRate)
	}
	if math.Abs(got.AvgConfidence-0.95) > 1e-9 {
		t.Fatalf("avg confidence = %v, want 0.95", got.AvgConfidence)
	}
	if len(got.ByTypeStatus) == 0 || got.ByTypeStatus[0].Count != 2 {
		t.Fatalf("unexpected by-type stats: %+v", got.ByTypeStatus)
	}
}
