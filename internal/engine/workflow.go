package engine

import (
	"fmt"
	"strings"

	"casematch/internal/domain"
)

// Role levels. Higher levels inherit the permissions of lower ones.
const (
	RoleUser    = "USER"
	RoleManager = "MANAGER"
	RoleAdmin   = "ADMIN"
)

var roleLevels = map[string]int{
	RoleUser:    1,
	RoleManager: 2,
	RoleAdmin:   3,
}

// RoleLevel returns the numeric rank of a role, 0 for unknown roles.
func RoleLevel(role string) int {
	return roleLevels[strings.ToUpper(role)]
}

type transition struct {
	from, target string
}

// caseTransitions maps each legal status change to the minimum role that may
// perform it. Absent pairs are invalid regardless of role.
var caseTransitions = map[transition]string{
	{domain.CaseDraft, domain.CaseSubmitted}:     RoleUser,
	{domain.CaseDraft, domain.CaseCancelled}:     RoleUser,
	{domain.CaseSubmitted, domain.CaseReview}:    RoleManager,
	{domain.CaseSubmitted, domain.CaseCancelled}: RoleUser,
	{domain.CaseReview, domain.CaseApproved}:     RoleManager,
	{domain.CaseReview, domain.CaseRejected}:     RoleManager,
	{domain.CaseReview, domain.CaseCancelled}:    RoleManager,
	{domain.CaseApproved, domain.CaseClosed}:     RoleManager,
	{domain.CaseApproved, domain.CaseCancelled}:  RoleManager,
	{domain.CaseRejected, domain.CaseSubmitted}:  RoleUser,
	{domain.CaseRejected, domain.CaseCancelled}:  RoleUser,
}

// ValidateCaseTransition checks the status change against the transition
// table and the actor's role. The requester may always cancel their own case
// from any non-terminal status, whatever their role.
func ValidateCaseTransition(current, target, actorRole string, isRequester bool) error {
	if current == target {
		return rulef("same_status", "case already has status %s", current)
	}
	if isTerminalCaseStatus(current) {
		return rulef("terminal_status", "case in terminal status %s cannot change", current)
	}
	if target == domain.CaseCancelled && isRequester {
		return nil
	}
	minRole, ok := caseTransitions[transition{current, target}]
	if !ok {
		return rulef("invalid_transition", "cannot move case from %s to %s", current, target)
	}
	if RoleLevel(actorRole) < RoleLevel(minRole) {
		return rulef("role_required", "transition %s to %s requires role %s or above", current, target, minRole)
	}
	return nil
}

func isTerminalCaseStatus(status string) bool {
	switch status {
	case domain.CaseClosed, domain.CaseCancelled:
		return true
	}
	return false
}

// variableSettled reports whether a variable no longer blocks case closure.
// Only IN_USE and CANCELLED settle a variable; NO_MATCH still needs a
// resolution (cancel it, or re-search once the catalog grows).
func variableSettled(v domain.CaseVariable) bool {
	if v.IsCancelled {
		return true
	}
	switch v.SearchStatus {
	case domain.SearchInUse, domain.SearchCancelled:
		return true
	}
	return false
}

// CanCloseCase reports whether all variables are settled. When not, the
// reason names up to three offending variables and summarizes the rest.
func CanCloseCase(variables []domain.CaseVariable) (bool, string) {
	var open []string
	for _, v := range variables {
		if !variableSettled(v) {
			open = append(open, v.Name)
		}
	}
	if len(open) == 0 {
		return true, ""
	}
	names := open
	if len(names) > 3 {
		names = append(names[:3:3], fmt.Sprintf("+%d more", len(open)-3))
	}
	return false, fmt.Sprintf("unresolved variables: %s", strings.Join(names, ", "))
}
