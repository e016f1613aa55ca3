package engine

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"casematch/internal/config"
	"casematch/internal/domain"
	"casematch/internal/events"
	"casematch/internal/repo"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowRFC() string {
	return e.now().UTC().Format(time.RFC3339)
}

// VariableInput is one requested variable on case creation.
type VariableInput struct {
	Name    string
	VarType string
	Concept string
}

// CaseCreateOptions are parameters for creating a case.
type CaseCreateOptions struct {
	Title     string
	MacroCase string
	Budget    *float64
	StartsAt  *string
	EndsAt    *string
	Variables []VariableInput
	ActorID   string
}

// CreateCase inserts a case in DRAFT with its variables in PENDING. Matching
// runs afterwards per variable; callers trigger SearchVariable themselves.
func (e Engine) CreateCase(ctx context.Context, opts CaseCreateOptions) (domain.Case, []domain.CaseVariable, error) {
	if opts.Title == "" {
		return domain.Case{}, nil, validationf("title is required")
	}
	if opts.ActorID == "" {
		return domain.Case{}, nil, validationf("actor is required")
	}
	for i, v := range opts.Variables {
		if v.Name == "" {
			return domain.Case{}, nil, validationf("variables[%d]: name is required", i)
		}
		if v.VarType == "" {
			return domain.Case{}, nil, validationf("variables[%d]: var_type is required", i)
		}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Case{}, nil, err
	}
	defer tx.Rollback()

	now := e.nowRFC()
	c := domain.Case{
		ID:          uuid.NewString(),
		Title:       opts.Title,
		Status:      domain.CaseDraft,
		RequesterID: opts.ActorID,
		MacroCase:   opts.MacroCase,
		Budget:      opts.Budget,
		StartsAt:    opts.StartsAt,
		EndsAt:      opts.EndsAt,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := e.Repo.InsertCaseTx(ctx, tx, c); err != nil {
		return domain.Case{}, nil, fmt.Errorf("insert case: %w", err)
	}

	var variables []domain.CaseVariable
	for _, in := range opts.Variables {
		v := domain.CaseVariable{
			ID:           uuid.NewString(),
			CaseID:       c.ID,
			Name:         in.Name,
			VarType:      in.VarType,
			Concept:      in.Concept,
			SearchStatus: domain.SearchPending,
			CreatedAt:    now,
			UpdatedAt:    now,
		}
		if err := e.Repo.InsertVariableTx(ctx, tx, v); err != nil {
			return domain.Case{}, nil, fmt.Errorf("insert variable %s: %w", in.Name, err)
		}
		variables = append(variables, v)
	}

	if err := e.Events.Append(ctx, tx, "case.created", c.ID, "case", c.ID, opts.ActorID, "", events.EventPayload{
		"title": c.Title, "variables": len(variables),
	}); err != nil {
		return domain.Case{}, nil, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Case{}, nil, err
	}
	return c, variables, nil
}

// AddVariable appends a variable to a case still in DRAFT.
func (e Engine) AddVariable(ctx context.Context, caseID string, in VariableInput, actorID string) (domain.CaseVariable, error) {
	if in.Name == "" {
		return domain.CaseVariable{}, validationf("name is required")
	}
	if in.VarType == "" {
		return domain.CaseVariable{}, validationf("var_type is required")
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.CaseVariable{}, err
	}
	defer tx.Rollback()

	c, err := e.Repo.GetCaseTx(ctx, tx, caseID)
	if err != nil {
		return domain.CaseVariable{}, err
	}
	if c.Status != domain.CaseDraft {
		return domain.CaseVariable{}, rulef("case_not_draft", "variables can only be added while the case is in DRAFT, current status %s", c.Status)
	}

	now := e.nowRFC()
	v := domain.CaseVariable{
		ID:           uuid.NewString(),
		CaseID:       c.ID,
		Name:         in.Name,
		VarType:      in.VarType,
		Concept:      in.Concept,
		SearchStatus: domain.SearchPending,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := e.Repo.InsertVariableTx(ctx, tx, v); err != nil {
		return domain.CaseVariable{}, fmt.Errorf("insert variable: %w", err)
	}
	if err := e.Events.Append(ctx, tx, "variable.added", c.ID, "variable", v.ID, actorID, "", events.EventPayload{
		"name": v.Name, "var_type": v.VarType,
	}); err != nil {
		return domain.CaseVariable{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.CaseVariable{}, err
	}
	return v, nil
}

// SetCaseStatus applies a role-gated status transition. Closing additionally
// requires every variable to be settled.
func (e Engine) SetCaseStatus(ctx context.Context, caseID, target, actorID, actorRole string) (domain.Case, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Case{}, err
	}
	defer tx.Rollback()

	c, err := e.Repo.GetCaseTx(ctx, tx, caseID)
	if err != nil {
		return domain.Case{}, err
	}
	if err := ValidateCaseTransition(c.Status, target, actorRole, c.RequesterID == actorID); err != nil {
		return domain.Case{}, err
	}
	if target == domain.CaseClosed {
		variables, err := e.Repo.ListCaseVariables(ctx, caseID)
		if err != nil {
			return domain.Case{}, err
		}
		if ok, reason := CanCloseCase(variables); !ok {
			return domain.Case{}, rulef("case_not_closable", "%s", reason)
		}
	}

	now := e.nowRFC()
	if err := e.Repo.UpdateCaseStatusTx(ctx, tx, caseID, target, now); err != nil {
		return domain.Case{}, err
	}
	if err := e.Events.Append(ctx, tx, "case.status_changed", caseID, "case", caseID, actorID, "", events.EventPayload{
		"from": c.Status, "to": target,
	}); err != nil {
		return domain.Case{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Case{}, err
	}
	c.Status = target
	c.UpdatedAt = now
	return c, nil
}

// CancelVariable takes a variable out of the workflow. Only the case
// requester or a manager may cancel. Cancelling is terminal.
func (e Engine) CancelVariable(ctx context.Context, variableID, actorID, actorRole string) (domain.CaseVariable, error) {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.CaseVariable{}, err
	}
	defer tx.Rollback()

	v, err := e.Repo.GetVariableTx(ctx, tx, variableID)
	if err != nil {
		return domain.CaseVariable{}, err
	}
	if v.IsCancelled {
		return domain.CaseVariable{}, rulef("already_cancelled", "variable %s is already cancelled", variableID)
	}
	if v.SearchStatus == domain.SearchInUse {
		return domain.CaseVariable{}, rulef("variable_in_use", "variable %s is in use and cannot be cancelled", variableID)
	}
	c, err := e.Repo.GetCaseTx(ctx, tx, v.CaseID)
	if err != nil {
		return domain.CaseVariable{}, err
	}
	if c.RequesterID != actorID && RoleLevel(actorRole) < RoleLevel(RoleManager) {
		return domain.CaseVariable{}, rulef("not_requester", "only the case requester or a manager can cancel a variable")
	}

	now := e.nowRFC()
	v.IsCancelled = true
	v.SearchStatus = domain.SearchCancelled
	v.CancelledAt = &now
	v.CancelledBy = &actorID
	v.UpdatedAt = now
	if err := e.Repo.UpdateVariableTx(ctx, tx, v); err != nil {
		return domain.CaseVariable{}, err
	}
	if err := e.Events.Append(ctx, tx, "variable.cancelled", v.CaseID, "variable", v.ID, actorID, "", events.EventPayload{
		"name": v.Name,
	}); err != nil {
		return domain.CaseVariable{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.CaseVariable{}, err
	}
	return v, nil
}
