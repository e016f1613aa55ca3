package domain

// Case statuses.
const (
	CaseDraft     = "DRAFT"
	CaseSubmitted = "SUBMITTED"
	CaseReview    = "REVIEW"
	CaseApproved  = "APPROVED"
	CaseRejected  = "REJECTED"
	CaseClosed    = "CLOSED"
	CaseCancelled = "CANCELLED"
)

// Variable search statuses.
const (
	SearchPending         = "PENDING"
	SearchSearching       = "SEARCHING"
	SearchMatched         = "MATCHED"
	SearchNoMatch         = "NO_MATCH"
	SearchRequesterReview = "REQUESTER_REVIEW"
	SearchInUse           = "IN_USE"
	SearchCancelled       = "CANCELLED"
	SearchFailed          = "FAILED"
)

// Match statuses.
const (
	MatchSuggested         = "SUGGESTED"
	MatchOwnerConfirmed    = "OWNER_CONFIRMED"
	MatchOwnerRejected     = "OWNER_REJECTED"
	MatchOwnerRedirected   = "OWNER_REDIRECTED"
	MatchPendingRequester  = "PENDING_REQUESTER"
	MatchRequesterApproved = "REQUESTER_APPROVED"
	MatchRequesterRejected = "REQUESTER_REJECTED"
)

// Owner response outcomes.
const (
	OutcomeConfirmMatch  = "CONFIRM_MATCH"
	OutcomeCorrectTable  = "CORRECT_TABLE"
	OutcomeDataNotExist  = "DATA_NOT_EXIST"
	OutcomeDelegateOwner = "DELEGATE_OWNER"
)

// Requester response outcomes.
const (
	OutcomeApprove     = "APPROVE"
	OutcomeRejectMatch = "REJECT_MATCH"
)

// Involvement statuses. OVERDUE is derived at read time, never stored.
const (
	InvolvementPending    = "PENDING"
	InvolvementInProgress = "IN_PROGRESS"
	InvolvementCompleted  = "COMPLETED"
	InvolvementOverdue    = "OVERDUE"
)

// Agent decision statuses. EXPIRED is applied lazily once the consensus
// deadline passes without quorum.
const (
	DecisionPending           = "PENDING"
	DecisionConsensusRequired = "CONSENSUS_REQUIRED"
	DecisionApproved          = "APPROVED"
	DecisionRejected          = "REJECTED"
	DecisionExpired           = "EXPIRED"
)

// Decision history outcome classes.
const (
	OutcomePositive = "POSITIVE"
	OutcomeNegative = "NEGATIVE"
	OutcomeNeutral  = "NEUTRAL"
)

type Case struct {
	ID          string   `json:"id"`
	Title       string   `json:"title"`
	Status      string   `json:"status" enum:"DRAFT,SUBMITTED,REVIEW,APPROVED,REJECTED,CLOSED,CANCELLED"`
	RequesterID string   `json:"requester_id"`
	MacroCase   string   `json:"macro_case,omitempty"`
	Budget      *float64 `json:"budget,omitempty"`
	StartsAt    *string  `json:"starts_at,omitempty" format:"date-time"`
	EndsAt      *string  `json:"ends_at,omitempty" format:"date-time"`
	CreatedAt   string   `json:"created_at" format:"date-time"`
	UpdatedAt   string   `json:"updated_at" format:"date-time"`
}

type CaseVariable struct {
	ID                string  `json:"id"`
	CaseID            string  `json:"case_id"`
	Name              string  `json:"name"`
	VarType           string  `json:"var_type"`
	Concept           string  `json:"concept,omitempty"`
	SearchStatus      string  `json:"search_status" enum:"PENDING,SEARCHING,MATCHED,NO_MATCH,REQUESTER_REVIEW,IN_USE,CANCELLED,FAILED"`
	SearchStartedAt   *string `json:"search_started_at,omitempty" format:"date-time"`
	SearchCompletedAt *string `json:"search_completed_at,omitempty" format:"date-time"`
	IsCancelled       bool    `json:"is_cancelled"`
	CancelledAt       *string `json:"cancelled_at,omitempty" format:"date-time"`
	CancelledBy       *string `json:"cancelled_by,omitempty"`
	CreatedAt         string  `json:"created_at" format:"date-time"`
	UpdatedAt         string  `json:"updated_at" format:"date-time"`
}

// DataTable is a catalog entry synced from the external dictionary. The
// matching core treats it as read-only outside of SyncTables.
type DataTable struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	DisplayName string   `json:"display_name,omitempty"`
	Description string   `json:"description,omitempty"`
	Domain      string   `json:"domain,omitempty"`
	Keywords    []string `json:"keywords,omitempty"`
	OwnerID     string   `json:"owner_id,omitempty"`
	Active      bool     `json:"active"`
	SyncedAt    *string  `json:"synced_at,omitempty" format:"date-time"`
	CreatedAt   string   `json:"created_at" format:"date-time"`
}

type VariableMatch struct {
	ID             string  `json:"id"`
	CaseVariableID string  `json:"case_variable_id"`
	DataTableID    string  `json:"data_table_id"`
	Score          float64 `json:"score"`
	Justification  string  `json:"justification,omitempty"`
	Status         string  `json:"status" enum:"SUGGESTED,OWNER_CONFIRMED,OWNER_REJECTED,OWNER_REDIRECTED,PENDING_REQUESTER,REQUESTER_APPROVED,REQUESTER_REJECTED"`
	CreatedAt      string  `json:"created_at" format:"date-time"`
	UpdatedAt      string  `json:"updated_at" format:"date-time"`
}

type ApprovalHistory struct {
	ConceptHash   string  `json:"concept_hash"`
	TableID       string  `json:"table_id"`
	ApprovedCount int     `json:"approved_count"`
	RejectedCount int     `json:"rejected_count"`
	LastUsedAt    *string `json:"last_used_at,omitempty" format:"date-time"`
}

// Rate returns the approval rate, 0.5 (neutral) when no history exists.
func (h ApprovalHistory) Rate() float64 {
	total := h.ApprovedCount + h.RejectedCount
	if total == 0 {
		return 0.5
	}
	return float64(h.ApprovedCount) / float64(total)
}

type OwnerResponse struct {
	ID               string  `json:"id"`
	MatchID          string  `json:"match_id"`
	OwnerID          string  `json:"owner_id"`
	Outcome          string  `json:"outcome" enum:"CONFIRM_MATCH,CORRECT_TABLE,DATA_NOT_EXIST,DELEGATE_OWNER"`
	CorrectedTableID *string `json:"corrected_table_id,omitempty"`
	DelegateOwnerID  *string `json:"delegate_owner_id,omitempty"`
	Comment          string  `json:"comment,omitempty"`
	CreatedAt        string  `json:"created_at" format:"date-time"`
}

type RequesterResponse struct {
	ID          string `json:"id"`
	MatchID     string `json:"match_id"`
	RequesterID string `json:"requester_id"`
	Outcome     string `json:"outcome" enum:"APPROVE,REJECT_MATCH"`
	Comment     string `json:"comment,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

type Involvement struct {
	ID                   string  `json:"id"`
	CaseVariableID       string  `json:"case_variable_id"`
	RequesterID          string  `json:"requester_id"`
	OwnerID              string  `json:"owner_id"`
	Status               string  `json:"status" enum:"PENDING,IN_PROGRESS,COMPLETED"`
	ExpectedCompletionAt *string `json:"expected_completion_at,omitempty" format:"date-time"`
	ActualCompletionAt   *string `json:"actual_completion_at,omitempty" format:"date-time"`
	CreatedTableName     *string `json:"created_table_name,omitempty"`
	CreatedTableConcept  *string `json:"created_table_concept,omitempty"`
	ReminderCount        int     `json:"reminder_count"`
	LastReminderAt       *string `json:"last_reminder_at,omitempty" format:"date-time"`
	CreatedAt            string  `json:"created_at" format:"date-time"`
	UpdatedAt            string  `json:"updated_at" format:"date-time"`
}

type DecisionContext struct {
	ID            string `json:"id"`
	ContextType   string `json:"context_type"`
	ContextHash   string `json:"context_hash"`
	ContextJSON   string `json:"context_json"`
	ApprovedCount int    `json:"approved_count"`
	RejectedCount int    `json:"rejected_count"`
	CreatedAt     string `json:"created_at" format:"date-time"`
}

type AgentDecision struct {
	ID               string  `json:"id"`
	AgentID          string  `json:"agent_id"`
	DecisionType     string  `json:"decision_type"`
	ContextID        *string `json:"context_id,omitempty"`
	ValueJSON        string  `json:"value_json"`
	Confidence       float64 `json:"confidence"`
	Status           string  `json:"status" enum:"PENDING,CONSENSUS_REQUIRED,APPROVED,REJECTED,EXPIRED"`
	IsReused         bool    `json:"is_reused"`
	ReuseCount       int     `json:"reuse_count"`
	SourceDecisionID *string `json:"source_decision_id,omitempty"`
	CreatedAt        string  `json:"created_at" format:"date-time"`
	UpdatedAt        string  `json:"updated_at" format:"date-time"`
}

type DecisionConsensus struct {
	ID                string  `json:"id"`
	DecisionID        string  `json:"decision_id"`
	RequiredApprovals int     `json:"required_approvals"`
	ApprovalVotes     int     `json:"approval_votes"`
	RejectionVotes    int     `json:"rejection_votes"`
	Deadline          string  `json:"deadline" format:"date-time"`
	ResolvedAt        *string `json:"resolved_at,omitempty" format:"date-time"`
	CreatedAt         string  `json:"created_at" format:"date-time"`
}

// HasQuorum reports whether enough votes arrived to resolve.
func (c DecisionConsensus) HasQuorum() bool {
	return c.ApprovalVotes+c.RejectionVotes >= c.RequiredApprovals
}

type ConsensusVote struct {
	ID          string `json:"id"`
	ConsensusID string `json:"consensus_id"`
	VoterID     string `json:"voter_id"`
	Approve     bool   `json:"approve"`
	Comment     string `json:"comment,omitempty"`
	CreatedAt   string `json:"created_at" format:"date-time"`
}

// DecisionHistory is one append-only workflow decision record with
// point-in-time snapshots, used for training-data export.
type DecisionHistory struct {
	ID               int64  `json:"id"`
	DecisionPoint    string `json:"decision_point"`
	Outcome          string `json:"outcome" enum:"POSITIVE,NEGATIVE,NEUTRAL"`
	CaseID           string `json:"case_id,omitempty"`
	VariableID       string `json:"variable_id,omitempty"`
	MatchID          string `json:"match_id,omitempty"`
	ActorID          string `json:"actor_id,omitempty"`
	VariableSnapshot string `json:"variable_snapshot,omitempty"`
	TableSnapshot    string `json:"table_snapshot,omitempty"`
	MatchSnapshot    string `json:"match_snapshot,omitempty"`
	CreatedAt        string `json:"created_at" format:"date-time"`
}

type Event struct {
	ID            int64  `json:"id"`
	TS            string `json:"ts" format:"date-time"`
	Type          string `json:"type"`
	CaseID        string `json:"case_id,omitempty"`
	EntityKind    string `json:"entity_kind"`
	EntityID      string `json:"entity_id,omitempty"`
	ActorID       string `json:"actor_id"`
	RecipientRole string `json:"recipient_role,omitempty"`
	Payload       string `json:"payload_json"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}
