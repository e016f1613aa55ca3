package engine_test

import (
	"errors"
	"strings"
	"testing"

	"casematch/internal/domain"
	"casematch/internal/engine"
)

func TestValidateCaseTransition(t *testing.T) {
	cases := []struct {
		name        string
		from, to    string
		role        string
		isRequester bool
		wantCode    string
	}{
		{"draft submit by user", domain.CaseDraft, domain.CaseSubmitted, engine.RoleUser, true, ""},
		{"skip to approved", domain.CaseDraft, domain.CaseApproved, engine.RoleAdmin, false, "invalid_transition"},
		{"review needs manager", domain.CaseSubmitted, domain.CaseReview, engine.RoleUser, false, "role_required"},
		{"review by manager", domain.CaseSubmitted, domain.CaseReview, engine.RoleManager, false, ""},
		{"resubmit after reject", domain.CaseRejected, domain.CaseSubmitted, engine.RoleUser, true, ""},
		{"requester cancels anywhere", domain.CaseReview, domain.CaseCancelled, engine.RoleUser, true, ""},
		{"stranger cannot cancel review", domain.CaseReview, domain.CaseCancelled, engine.RoleUser, false, "role_required"},
		{"closed is terminal", domain.CaseClosed, domain.CaseSubmitted, engine.RoleAdmin, false, "terminal_status"},
		{"no-op status", domain.CaseDraft, domain.CaseDraft, engine.RoleAdmin, false, "same_status"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := engine.ValidateCaseTransition(tc.from, tc.to, tc.role, tc.isRequester)
			if tc.wantCode == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			var ruleErr engine.RuleError
			if !errors.As(err, &ruleErr) {
				t.Fatalf("expected rule error, got %v", err)
			}
			if ruleErr.Code != tc.wantCode {
				t.Fatalf("code = %s, want %s", ruleErr.Code, tc.wantCode)
			}
		})
	}
}

func TestRoleLevelOrdering(t *testing.T) {
	if !(engine.RoleLevel(engine.RoleUser) < engine.RoleLevel(engine.RoleManager) &&
		engine.RoleLevel(engine.RoleManager) < engine.RoleLevel(engine.RoleAdmin)) {
		t.Fatalf("role levels out of order")
	}
	if engine.RoleLevel("intern") != 0 {
		t.Fatalf("unknown role should rank 0")
	}
	if engine.RoleLevel("admin") != engine.RoleLevel(engine.RoleAdmin) {
		t.Fatalf("role lookup should ignore casing")
	}
}

func TestCanCloseCase(t *testing.T) {
	if ok, _ := engine.CanCloseCase(nil); !ok {
		t.Fatalf("empty variable list must be closable")
	}
	pending := domain.CaseVariable{Name: "receita_liquida", SearchStatus: domain.SearchPending}
	ok, reason := engine.CanCloseCase([]domain.CaseVariable{pending})
	if ok {
		t.Fatalf("pending variable must block closing")
	}
	if !strings.Contains(reason, "receita_liquida") {
		t.Fatalf("reason should name the variable: %s", reason)
	}

	settled := []domain.CaseVariable{
		{Name: "a", SearchStatus: domain.SearchInUse},
		{Name: "b", SearchStatus: domain.SearchPending, IsCancelled: true},
		{Name: "c", SearchStatus: domain.SearchCancelled},
	}
	if ok, _ := engine.CanCloseCase(settled); !ok {
		t.Fatalf("settled variables must be closable")
	}

	noMatch := domain.CaseVariable{Name: "receita", SearchStatus: domain.SearchNoMatch}
	ok, reason = engine.CanCloseCase([]domain.CaseVariable{noMatch})
	if ok {
		t.Fatalf("non-cancelled NO_MATCH variable must block closing")
	}
	if !strings.Contains(reason, "receita") {
		t.Fatalf("reason should name the variable: %s", reason)
	}
	noMatch.IsCancelled = true
	if ok, _ := engine.CanCloseCase([]domain.CaseVariable{noMatch}); !ok {
		t.Fatalf("cancelled NO_MATCH variable must not block closing")
	}

	var many []domain.CaseVariable
	for _, name := range []string{"v1", "v2", "v3", "v4", "v5"} {
		many = append(many, domain.CaseVariable{Name: name, SearchStatus: domain.SearchSearching})
	}
	_, reason = engine.CanCloseCase(many)
	if !strings.Contains(reason, "+2 more") {
		t.Fatalf("long lists should be summarized: %s", reason)
	}
	if strings.Contains(reason, "v4") {
		t.Fatalf("only the first three names should appear: %s", reason)
	}
}
