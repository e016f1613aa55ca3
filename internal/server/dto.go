package server

import (
	"time"

	"casematch/internal/domain"
	"casematch/internal/engine"
)

type VariableRequest struct {
	Name    string `json:"name" example:"receita total"`
	VarType string `json:"var_type" example:"currency"`
	Concept string `json:"concept,omitempty" example:"receita consolidada do contrato"`
}

type CreateCaseRequest struct {
	Title     string            `json:"title" example:"Painel de receita Q3"`
	MacroCase string            `json:"macro_case,omitempty" example:"receita operacional"`
	Budget    *float64          `json:"budget,omitempty"`
	StartsAt  *string           `json:"starts_at,omitempty" format:"date-time"`
	EndsAt    *string           `json:"ends_at,omitempty" format:"date-time"`
	Variables []VariableRequest `json:"variables,omitempty"`
}

type CaseWithVariables struct {
	Case      domain.Case           `json:"case"`
	Variables []domain.CaseVariable `json:"variables,omitempty"`
}

type SetStatusRequest struct {
	Status string `json:"status" enum:"DRAFT,SUBMITTED,REVIEW,APPROVED,REJECTED,CLOSED,CANCELLED"`
}

type ClosableResponse struct {
	Closable bool   `json:"closable"`
	Reason   string `json:"reason,omitempty"`
}

type OwnerResponseRequest struct {
	Outcome          string `json:"outcome" enum:"CONFIRM_MATCH,CORRECT_TABLE,DATA_NOT_EXIST,DELEGATE_OWNER"`
	CorrectedTableID string `json:"corrected_table_id,omitempty"`
	DelegateOwnerID  string `json:"delegate_owner_id,omitempty"`
	Comment          string `json:"comment,omitempty"`
}

type RequesterResponseRequest struct {
	Outcome string `json:"outcome" enum:"APPROVE,REJECT_MATCH"`
	Comment string `json:"comment,omitempty"`
}

type ExpectedDateRequest struct {
	ExpectedCompletionAt string `json:"expected_completion_at" format:"date-time"`
}

type CompleteInvolvementRequest struct {
	CreatedTableName    string `json:"created_table_name"`
	CreatedTableConcept string `json:"created_table_concept"`
}

// InvolvementResponse adds the derived effective status on top of the stored
// row; OVERDUE only ever appears here.
type InvolvementResponse struct {
	domain.Involvement
	EffectiveStatus string `json:"effective_status" enum:"PENDING,IN_PROGRESS,COMPLETED,OVERDUE"`
}

type SyncTablesRequest struct {
	Tables []domain.DataTable `json:"tables"`
}

type RecordDecisionRequest struct {
	AgentID      string         `json:"agent_id"`
	DecisionType string         `json:"decision_type" example:"variable_match_selection"`
	ContextType  string         `json:"context_type,omitempty" example:"variable"`
	ContextData  map[string]any `json:"context_data,omitempty"`
	Value        map[string]any `json:"value,omitempty"`
	Confidence   float64        `json:"confidence" minimum:"0" maximum:"1"`
}

type DecisionResponse struct {
	Decision          domain.AgentDecision      `json:"decision"`
	Consensus         *domain.DecisionConsensus `json:"consensus,omitempty"`
	ConsensusRequired bool                      `json:"consensus_required"`
}

type VoteRequest struct {
	Approve bool   `json:"approve"`
	Comment string `json:"comment,omitempty"`
}

type ImportHistoryRequest struct {
	Records []domain.DecisionHistory `json:"records"`
}

type UpsertRoleRequest struct {
	ActorID string `json:"actor_id"`
	Role    string `json:"role" enum:"USER,MANAGER,ADMIN"`
}

type CreateAPIKeyRequest struct {
	ActorID string `json:"actor_id"`
	Name    string `json:"name,omitempty"`
	Key     string `json:"key"`
}

func engineNow(e engine.Engine) time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func involvementResponse(iv domain.Involvement, e engine.Engine) InvolvementResponse {
	return InvolvementResponse{
		Involvement:     iv,
		EffectiveStatus: engine.EffectiveInvolvementStatus(iv, engineNow(e).UTC()),
	}
}

func variableInputs(reqs []VariableRequest) []engine.VariableInput {
	out := make([]engine.VariableInput, 0, len(reqs))
	for _, r := range reqs {
		out = append(out, engine.VariableInput{Name: r.Name, VarType: r.VarType, Concept: r.Concept})
	}
	return out
}
