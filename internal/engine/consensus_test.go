package engine_test

import (
	"errors"
	"testing"
	"time"

	"casematch/internal/domain"
	"casematch/internal/engine"
)

func recordDecision(t *testing.T, env *testEnv, confidence float64, decisionType string, ctx map[string]any) engine.DecisionResult {
	t.Helper()
	res, err := env.Engine.RecordAgentDecision(env.Ctx, engine.DecisionOptions{
		AgentID:      "agent-1",
		DecisionType: decisionType,
		ContextType:  "variable",
		ContextData:  ctx,
		ValueJSON:    `{"table_id":"tbl-revenue"}`,
		Confidence:   confidence,
	})
	if err != nil {
		t.Fatalf("record decision: %v", err)
	}
	return res
}

func TestHighConfidenceAutoApproves(t *testing.T) {
	env := newTestEnv(t)
	res := recordDecision(t, env, 0.95, "enrichment", map[string]any{"var": "receita"})
	if res.Decision.Status != domain.DecisionApproved {
		t.Fatalf("expected APPROVED, got %s", res.Decision.Status)
	}
	if res.Consensus != nil {
		t.Fatalf("auto-approval should not open a consensus")
	}
}

func TestLowConfidenceAutoRejectsNonCritical(t *testing.T) {
	env := newTestEnv(t)
	res := recordDecision(t, env, 0.10, "enrichment", map[string]any{"var": "receita"})
	if res.Decision.Status != domain.DecisionRejected {
		t.Fatalf("expected REJECTED, got %s", res.Decision.Status)
	}
}

func TestLowConfidenceCriticalEscalates(t *testing.T) {
	env := newTestEnv(t)
	res := recordDecision(t, env, 0.10, "variable_match_selection", map[string]any{"var": "receita"})
	if res.Decision.Status != domain.DecisionConsensusRequired {
		t.Fatalf("critical type should escalate, got %s", res.Decision.Status)
	}
	if res.Consensus == nil {
		t.Fatalf("expected a consensus row")
	}
}

func TestMidConfidenceRequiresConsensus(t *testing.T) {
	env := newTestEnv(t)
	res := recordDecision(t, env, 0.45, "enrichment", map[string]any{"var": "receita"})
	if res.Decision.Status != domain.DecisionConsensusRequired {
		t.Fatalf("expected CONSENSUS_REQUIRED, got %s", res.Decision.Status)
	}
	if res.Consensus == nil || res.Consensus.RequiredApprovals != 2 {
		t.Fatalf("expected consensus with 2 required approvals, got %+v", res.Consensus)
	}
}

func TestInvalidConfidenceRejectedUpFront(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.RecordAgentDecision(env.Ctx, engine.DecisionOptions{
		AgentID: "agent-1", DecisionType: "enrichment", Confidence: 1.3,
	})
	var vErr engine.ValidationError
	if !errors.As(err, &vErr) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestDuplicateVoteConflicts(t *testing.T) {
	env := newTestEnv(t)
	res := recordDecision(t, env, 0.45, "enrichment", map[string]any{"var": "receita"})
	if _, err := env.Engine.Vote(env.Ctx, res.Consensus.ID, "voter-1", true, ""); err != nil {
		t.Fatalf("first vote: %v", err)
	}
	_, err := env.Engine.Vote(env.Ctx, res.Consensus.ID, "voter-1", false, "changed my mind")
	var conflict engine.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("expected conflict, got %v", err)
	}
}

func TestQuorumApproves(t *testing.T) {
	env := newTestEnv(t)
	res := recordDecision(t, env, 0.45, "enrichment", map[string]any{"var": "receita"})
	if _, err := env.Engine.Vote(env.Ctx, res.Consensus.ID, "voter-1", true, ""); err != nil {
		t.Fatal(err)
	}
	c, err := env.Engine.Vote(env.Ctx, res.Consensus.ID, "voter-2", true, "")
	if err != nil {
		t.Fatal(err)
	}
	if c.ResolvedAt == nil {
		t.Fatalf("quorum reached but consensus unresolved")
	}
	d, _, err := env.Engine.GetDecision(env.Ctx, res.Decision.ID)
	if err != nil {
		t.Fatal(err)
	}
	if d.Status != domain.DecisionApproved {
		t.Fatalf("expected APPROVED, got %s", d.Status)
	}
}

func TestQuorumTieRejects(t *testing.T) {
	env := newTestEnv(t)
	res := recordDecision(t, env, 0.45, "enrichment", map[string]any{"var": "receita"})
	if _, err := env.Engine.Vote(env.Ctx, res.Consensus.ID, "voter-1", true, ""); err != nil {
		t.Fatal(err)
	}
	if _, err := env.Engine.Vote(env.Ctx, res.Consensus.ID, "voter-2", false, ""); err != nil {
		t.Fatal(err)
	}
	d, _, err := env.Engine.GetDecision(env.Ctx, res.Decision.ID)
	if err != nil {
		t.Fatal(err)
	}
	if d.Status != domain.DecisionRejected {
		t.Fatalf("tie at quorum should reject, got %s", d.Status)
	}
}

func TestConsensusExpiresLazily(t *testing.T) {
	env := newTestEnv(t)
	res := recordDecision(t, env, 0.45, "enrichment", map[string]any{"var": "receita"})

	env.advance(49 * time.Hour) // default voting window is 48h

	d, cons, err := env.Engine.GetDecision(env.Ctx, res.Decision.ID)
	if err != nil {
		t.Fatal(err)
	}
	if d.Status != domain.DecisionExpired {
		t.Fatalf("expected EXPIRED, got %s", d.Status)
	}
	if cons.ResolvedAt == nil {
		t.Fatalf("expired consensus must be resolved")
	}
	// late votes are refused
	_, err = env.Engine.Vote(env.Ctx, res.Consensus.ID, "voter-1", true, "")
	var ruleErr engine.RuleError
	if !errors.As(err, &ruleErr) || ruleErr.Code != "voting_closed" {
		t.Fatalf("expected voting_closed, got %v", err)
	}
}

func TestApprovedDecisionIsReused(t *testing.T) {
	env := newTestEnv(t)
	ctx := map[string]any{"var": "receita", "case": "c-1"}
	first := recordDecision(t, env, 0.95, "enrichment", ctx)

	second := recordDecision(t, env, 0.50, "enrichment", ctx)
	if !second.Decision.IsReused {
		t.Fatalf("expected reuse of the approved decision")
	}
	if second.Decision.Status != domain.DecisionApproved {
		t.Fatalf("reused decision should be APPROVED, got %s", second.Decision.Status)
	}
	if second.Decision.SourceDecisionID == nil || *second.Decision.SourceDecisionID != first.Decision.ID {
		t.Fatalf("source back-reference missing")
	}
	src, _, err := env.Engine.GetDecision(env.Ctx, first.Decision.ID)
	if err != nil {
		t.Fatal(err)
	}
	if src.ReuseCount != 1 {
		t.Fatalf("source reuse_count = %d, want 1", src.ReuseCount)
	}

	// a different context must not reuse
	other := recordDecision(t, env, 0.95, "enrichment", map[string]any{"var": "custo"})
	if other.Decision.IsReused {
		t.Fatalf("different context must not reuse")
	}
}

func TestContextHashIgnoresKeyOrder(t *testing.T) {
	a, err := engine.NormalizeContext(map[string]any{"b": 2, "a": 1})
	if err != nil {
		t.Fatal(err)
	}
	b, err := engine.NormalizeContext(map[string]any{"a": 1, "b": 2})
	if err != nil {
		t.Fatal(err)
	}
	if engine.ContextHash("variable", a) != engine.ContextHash("variable", b) {
		t.Fatalf("hash must not depend on key order")
	}
	if engine.ContextHash("variable", a) == engine.ContextHash("case", a) {
		t.Fatalf("context type must discriminate")
	}
}
