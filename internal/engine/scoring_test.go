package engine_test

import (
	"math"
	"strings"
	"testing"

	"casematch/internal/config"
	"casematch/internal/domain"
	"casematch/internal/engine"
)

func TestConceptHashDeterministicAndCaseInsensitive(t *testing.T) {
	a := engine.ConceptHash("Revenue", "Currency")
	b := engine.ConceptHash("revenue", "currency")
	if a != b {
		t.Fatalf("hash should ignore casing: %s != %s", a, b)
	}
	if len(a) != 32 {
		t.Fatalf("expected 32 hex chars, got %d", len(a))
	}
	if a == engine.ConceptHash("revenue", "text") {
		t.Fatalf("different types must hash differently")
	}
}

func TestApprovalRate(t *testing.T) {
	if got := (domain.ApprovalHistory{}).Rate(); got != 0.5 {
		t.Fatalf("empty history rate = %v, want 0.5", got)
	}
	h := domain.ApprovalHistory{ApprovedCount: 7, RejectedCount: 3}
	if got := h.Rate(); math.Abs(got-0.7) > 1e-9 {
		t.Fatalf("7/3 rate = %v, want 0.7", got)
	}
}

func TestSemanticSimilarity(t *testing.T) {
	if got := engine.SemanticSimilarity("revenue total", "", "revenue total", "", ""); got != 1.0 {
		t.Fatalf("identical token sets = %v, want 1.0", got)
	}
	if got := engine.SemanticSimilarity("revenue", "", "payroll", "", ""); got != 0.0 {
		t.Fatalf("disjoint token sets = %v, want 0.0", got)
	}
	if got := engine.SemanticSimilarity("", "", "revenue", "", ""); got != 0.0 {
		t.Fatalf("empty side = %v, want 0.0", got)
	}
	// stopwords must not count as shared tokens
	if got := engine.SemanticSimilarity("receita de vendas", "", "custo de pessoal", "", ""); got != 0.0 {
		t.Fatalf("stopword-only overlap = %v, want 0.0", got)
	}
}

func TestKeywordScore(t *testing.T) {
	if got := engine.KeywordScore("receita total", []string{"receita", "custo"}); got != 0.5 {
		t.Fatalf("one of two keywords = %v, want 0.5", got)
	}
	// matches in either direction
	if got := engine.KeywordScore("receita", []string{"receita total consolidada"}); got != 1.0 {
		t.Fatalf("reverse substring = %v, want 1.0", got)
	}
	if got := engine.KeywordScore("receita", nil); got != 0 {
		t.Fatalf("no keywords = %v, want 0", got)
	}
}

func TestDomainScore(t *testing.T) {
	if got := engine.DomainScore("receita", "Receita Operacional"); got != 1.0 {
		t.Fatalf("domain in hint = %v, want 1.0", got)
	}
	if got := engine.DomainScore("rh", "receita operacional"); got != 0.5 {
		t.Fatalf("unrelated domain = %v, want 0.5", got)
	}
	if got := engine.DomainScore("receita", ""); got != 0.5 {
		t.Fatalf("missing hint = %v, want 0.5", got)
	}
}

func TestDefaultWeightsSumToOne(t *testing.T) {
	s := config.Default().Scoring
	sum := s.SemanticWeight + s.HistoryWeight + s.KeywordWeight + s.DomainWeight
	if math.Abs(sum-1.0) > 1e-3 {
		t.Fatalf("weights sum to %v", sum)
	}
}

func TestScoreWeightedSumAndReasons(t *testing.T) {
	scorer := engine.Scorer{Weights: config.Default().Scoring}
	v := domain.CaseVariable{Name: "receita total", VarType: "currency"}
	tbl := domain.DataTable{
		ID: "t1", Name: "receita total", Domain: "receita", Keywords: []string{"receita"},
	}
	score, justification := scorer.Score(v, tbl, "receita operacional", 0.9)
	// semantic 1.0*0.4 + history 0.9*0.3 + keyword 1.0*0.2 + domain 1.0*0.1
	want := 0.4 + 0.27 + 0.2 + 0.1
	if math.Abs(score-want) > 1e-9 {
		t.Fatalf("score = %v, want %v", score, want)
	}
	for _, fragment := range []string{"name closely matches", "previously approved", "keywords overlap", "fits the case"} {
		if !strings.Contains(justification, fragment) {
			t.Fatalf("justification missing %q: %s", fragment, justification)
		}
	}

	// no signal above 0.5 falls back to the generic message
	_, weak := scorer.Score(domain.CaseVariable{Name: "abc", VarType: "text"}, domain.DataTable{ID: "t2", Name: "xyz"}, "", 0.5)
	if !strings.Contains(weak, "weak overall signal") {
		t.Fatalf("expected generic justification, got %s", weak)
	}
}
