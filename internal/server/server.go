package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"casematch/internal/domain"
	"casematch/internal/engine"
	"casematch/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
	Auth     AuthConfig
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"case_not_closable"`
	Message string         `json:"message" example:"unresolved variables: receita_total"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the casematch API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			// Schema/request validation errors should be 400 bad_request
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	router.Use(newAuthMiddleware(basePath, cfg.Auth, cfg.Engine.Repo))
	hcfg := huma.DefaultConfig("Casematch API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerCases(group, cfg.Engine)
	registerVariables(group, cfg.Engine)
	registerMatches(group, cfg.Engine)
	registerInvolvements(group, cfg.Engine)
	registerCatalog(group, cfg.Engine)
	registerDecisions(group, cfg.Engine)
	registerHistory(group, cfg.Engine)
	registerEvents(group, cfg.Engine)
	registerRoles(group, cfg.Engine)
	registerAPIKeys(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

// handleError maps engine error taxonomy onto HTTP statuses: validation 400,
// rule violations 422 (role violations 403), conflicts 409, not-found 404.
func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var se huma.StatusError
	if errors.As(err, &se) {
		return se
	}
	var ve engine.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusBadRequest, "bad_request", ve.Msg, nil)
	}
	var re engine.RuleError
	if errors.As(err, &re) {
		status := http.StatusUnprocessableEntity
		switch re.Code {
		case "role_required", "not_owner", "not_requester":
			status = http.StatusForbidden
		}
		return newAPIError(status, re.Code, re.Msg, nil)
	}
	var ce engine.ConflictError
	if errors.As(err, &ce) {
		return newAPIError(http.StatusConflict, "conflict", ce.Msg, nil)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": err.Error()})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "rule_violation"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		fmt.Fprint(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			oas := api.OpenAPI()
			applyAuthSecurity(oas, basePath)
			spec, _ = json.Marshal(oas)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func applyAuthSecurity(oas *huma.OpenAPI, basePath string) {
	if oas == nil {
		return
	}
	if oas.Components == nil {
		oas.Components = &huma.Components{}
	}
	if oas.Components.SecuritySchemes == nil {
		oas.Components.SecuritySchemes = map[string]*huma.SecurityScheme{}
	}
	oas.Components.SecuritySchemes["bearerAuth"] = &huma.SecurityScheme{
		Type:         "http",
		Scheme:       "bearer",
		BearerFormat: "JWT",
	}
	oas.Components.SecuritySchemes["apiKeyAuth"] = &huma.SecurityScheme{
		Type: "apiKey",
		In:   "header",
		Name: "X-Api-Key",
	}
	security := []map[string][]string{
		{"bearerAuth": {}},
		{"apiKeyAuth": {}},
	}
	oas.Security = security
	healthPath := path.Join(basePath, "health")
	if !strings.HasPrefix(healthPath, "/") {
		healthPath = "/" + healthPath
	}
	for route, item := range oas.Paths {
		for _, op := range []*huma.Operation{
			item.Get, item.Put, item.Post, item.Delete, item.Options, item.Head, item.Patch, item.Trace,
		} {
			if op == nil {
				continue
			}
			if route == healthPath {
				op.Security = []map[string][]string{}
				continue
			}
			op.Security = security
		}
	}
}

func swaggerHTML(basePath string) string {
	specURL := path.Join("/", path.Join(basePath, "openapi.json"))
	return fmt.Sprintf(`<!doctype html>
<html lang="en">
  <head>
    <meta charset="utf-8"/>
    <meta name="viewport" content="width=device-width, initial-scale=1"/>
    <title>Casematch API Docs</title>
    <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
  </head>
  <body>
    <div id="swagger-ui"></div>
    <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js" crossorigin></script>
    <script>
      window.onload = () => {
        SwaggerUIBundle({
          url: '%s',
          dom_id: '#swagger-ui'
        });
      };
    </script>
    <p style="padding: 1rem; font-family: sans-serif; color: #444;">
      Authenticate with Authorization: Bearer &lt;token&gt; or X-Api-Key.
    </p>
  </body>
</html>`, specURL)
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

func registerCases(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-case",
		Method:        http.MethodPost,
		Path:          "/cases",
		Summary:       "Create case",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		Body CreateCaseRequest `json:"body"`
	}) (*struct {
		Body CaseWithVariables `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, variables, err := e.CreateCase(ctx, engine.CaseCreateOptions{
			Title:     input.Body.Title,
			MacroCase: input.Body.MacroCase,
			Budget:    input.Body.Budget,
			StartsAt:  input.Body.StartsAt,
			EndsAt:    input.Body.EndsAt,
			Variables: variableInputs(input.Body.Variables),
			ActorID:   actorID,
		})
		if err != nil {
			return nil, handleError(err)
		}
		triggerSearches(e, variables, actorID)
		return &struct {
			Body CaseWithVariables `json:"body"`
		}{Body: CaseWithVariables{Case: c, Variables: variables}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-cases",
		Method:      http.MethodGet,
		Path:        "/cases",
		Summary:     "List cases",
	}, func(ctx context.Context, input *struct {
		Status      string `query:"status"`
		RequesterID string `query:"requester_id"`
		Limit       int    `query:"limit"`
	}) (*struct {
		Body []domain.Case `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListCases(ctx, repo.CaseFilters{
			Status: input.Status, RequesterID: input.RequesterID, Limit: input.Limit,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Case `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-case",
		Method:      http.MethodGet,
		Path:        "/cases/{case_id}",
		Summary:     "Get case with variables",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CaseID string `path:"case_id"`
	}) (*struct {
		Body CaseWithVariables `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		c, err := e.Repo.GetCase(ctx, input.CaseID)
		if err != nil {
			return nil, handleError(err)
		}
		variables, err := e.Repo.ListCaseVariables(ctx, c.ID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body CaseWithVariables `json:"body"`
		}{Body: CaseWithVariables{Case: c, Variables: variables}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-case-status",
		Method:      http.MethodPost,
		Path:        "/cases/{case_id}/status",
		Summary:     "Change case status",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		CaseID string           `path:"case_id"`
		Body   SetStatusRequest `json:"body"`
	}) (*struct {
		Body domain.Case `json:"body"`
	}, error) {
		p, authErr := resolveRole(ctx, e)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.SetCaseStatus(ctx, input.CaseID, input.Body.Status, p.ActorID, p.Role)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Case `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "case-closable",
		Method:      http.MethodGet,
		Path:        "/cases/{case_id}/closable",
		Summary:     "Check whether a case can be closed",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CaseID string `path:"case_id"`
	}) (*struct {
		Body ClosableResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if _, err := e.Repo.GetCase(ctx, input.CaseID); err != nil {
			return nil, handleError(err)
		}
		variables, err := e.Repo.ListCaseVariables(ctx, input.CaseID)
		if err != nil {
			return nil, handleError(err)
		}
		ok, reason := engine.CanCloseCase(variables)
		return &struct {
			Body ClosableResponse `json:"body"`
		}{Body: ClosableResponse{Closable: ok, Reason: reason}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-case",
		Method:      http.MethodDelete,
		Path:        "/cases/{case_id}",
		Summary:     "Delete case (admin)",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		CaseID string `path:"case_id"`
	}) (*struct{}, error) {
		if _, authErr := requireRole(ctx, e, engine.RoleAdmin); authErr != nil {
			return nil, authErr
		}
		if err := e.Repo.DeleteCase(ctx, input.CaseID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "add-case-variable",
		Method:        http.MethodPost,
		Path:          "/cases/{case_id}/variables",
		Summary:       "Add variable to a draft case",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		CaseID string          `path:"case_id"`
		Body   VariableRequest `json:"body"`
	}) (*struct {
		Body domain.CaseVariable `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		v, err := e.AddVariable(ctx, input.CaseID, engine.VariableInput{
			Name: input.Body.Name, VarType: input.Body.VarType, Concept: input.Body.Concept,
		}, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		triggerSearches(e, []domain.CaseVariable{v}, actorID)
		return &struct {
			Body domain.CaseVariable `json:"body"`
		}{Body: v}, nil
	})
}

// triggerSearches launches fire-and-forget matching for fresh variables.
// Failures are logged; the FAILED search status makes them operator-visible.
func triggerSearches(e engine.Engine, variables []domain.CaseVariable, actorID string) {
	for _, v := range variables {
		go func(id, name string) {
			if _, err := e.SearchVariable(context.Background(), id, actorID); err != nil {
				log.Printf("search: variable %s (%s): %v", id, name, err)
			}
		}(v.ID, v.Name)
	}
}

func registerVariables(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-variable",
		Method:      http.MethodGet,
		Path:        "/variables/{variable_id}",
		Summary:     "Get variable",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		VariableID string `path:"variable_id"`
	}) (*struct {
		Body domain.CaseVariable `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		v, err := e.Repo.GetVariable(ctx, input.VariableID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.CaseVariable `json:"body"`
		}{Body: v}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "search-variable",
		Method:      http.MethodPost,
		Path:        "/variables/{variable_id}/search",
		Summary:     "Run or re-run matching for a variable",
		Errors:      []int{http.StatusConflict, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		VariableID string `path:"variable_id"`
	}) (*struct {
		Body []domain.VariableMatch `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		matches, err := e.SearchVariable(ctx, input.VariableID, actorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.VariableMatch `json:"body"`
		}{Body: matches}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "cancel-variable",
		Method:      http.MethodPost,
		Path:        "/variables/{variable_id}/cancel",
		Summary:     "Cancel a variable",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		VariableID string `path:"variable_id"`
	}) (*struct {
		Body domain.CaseVariable `json:"body"`
	}, error) {
		p, authErr := resolveRole(ctx, e)
		if authErr != nil {
			return nil, authErr
		}
		v, err := e.CancelVariable(ctx, input.VariableID, p.ActorID, p.Role)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.CaseVariable `json:"body"`
		}{Body: v}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-variable-matches",
		Method:      http.MethodGet,
		Path:        "/variables/{variable_id}/matches",
		Summary:     "List matches for a variable (score descending)",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		VariableID string `path:"variable_id"`
	}) (*struct {
		Body []domain.VariableMatch `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		if _, err := e.Repo.GetVariable(ctx, input.VariableID); err != nil {
			return nil, handleError(err)
		}
		matches, err := e.Repo.ListMatches(ctx, input.VariableID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.VariableMatch `json:"body"`
		}{Body: matches}, nil
	})
}

func registerMatches(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "owner-response",
		Method:      http.MethodPost,
		Path:        "/matches/{match_id}/owner-response",
		Summary:     "Record the table owner's review",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusConflict, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		MatchID string               `path:"match_id"`
		Body    OwnerResponseRequest `json:"body"`
	}) (*struct {
		Body domain.OwnerResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		resp, err := e.RespondOwner(ctx, engine.OwnerResponseOptions{
			MatchID:          input.MatchID,
			ActorID:          actorID,
			Outcome:          input.Body.Outcome,
			CorrectedTableID: input.Body.CorrectedTableID,
			DelegateOwnerID:  input.Body.DelegateOwnerID,
			Comment:          input.Body.Comment,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.OwnerResponse `json:"body"`
		}{Body: resp}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "requester-response",
		Method:      http.MethodPost,
		Path:        "/matches/{match_id}/requester-response",
		Summary:     "Record the requester's decision",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusConflict, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		MatchID string                   `path:"match_id"`
		Body    RequesterResponseRequest `json:"body"`
	}) (*struct {
		Body domain.RequesterResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		resp, err := e.RespondRequester(ctx, engine.RequesterResponseOptions{
			MatchID: input.MatchID,
			ActorID: actorID,
			Outcome: input.Body.Outcome,
			Comment: input.Body.Comment,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.RequesterResponse `json:"body"`
		}{Body: resp}, nil
	})
}

func registerInvolvements(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-involvements",
		Method:      http.MethodGet,
		Path:        "/involvements",
		Summary:     "List involvements",
	}, func(ctx context.Context, input *struct {
		OwnerID string `query:"owner_id"`
		Status  string `query:"status"`
	}) (*struct {
		Body []InvolvementResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.ListInvolvements(ctx, repo.InvolvementFilters{
			OwnerID: input.OwnerID, Status: input.Status,
		})
		if err != nil {
			return nil, handleError(err)
		}
		out := make([]InvolvementResponse, 0, len(items))
		for _, iv := range items {
			out = append(out, involvementResponse(iv, e))
		}
		return &struct {
			Body []InvolvementResponse `json:"body"`
		}{Body: out}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "set-involvement-expected-date",
		Method:      http.MethodPost,
		Path:        "/involvements/{involvement_id}/expected-date",
		Summary:     "Set the owner's expected completion date",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		InvolvementID string              `path:"involvement_id"`
		Body          ExpectedDateRequest `json:"body"`
	}) (*struct {
		Body InvolvementResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		iv, err := e.SetInvolvementExpectedDate(ctx, input.InvolvementID, actorID, input.Body.ExpectedCompletionAt)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body InvolvementResponse `json:"body"`
		}{Body: involvementResponse(iv, e)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-involvement",
		Method:      http.MethodPost,
		Path:        "/involvements/{involvement_id}/complete",
		Summary:     "Complete an involvement",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		InvolvementID string                     `path:"involvement_id"`
		Body          CompleteInvolvementRequest `json:"body"`
	}) (*struct {
		Body InvolvementResponse `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		iv, err := e.CompleteInvolvement(ctx, input.InvolvementID, actorID, input.Body.CreatedTableName, input.Body.CreatedTableConcept)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body InvolvementResponse `json:"body"`
		}{Body: involvementResponse(iv, e)}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "sweep-involvements",
		Method:      http.MethodPost,
		Path:        "/involvements/sweep",
		Summary:     "Run the overdue reminder sweep (manager)",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]int `json:"body"`
	}, error) {
		if _, authErr := requireRole(ctx, e, engine.RoleManager); authErr != nil {
			return nil, authErr
		}
		n, err := e.SweepOverdueInvolvements(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]int `json:"body"`
		}{Body: map[string]int{"reminded": n}}, nil
	})
}

func registerCatalog(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-tables",
		Method:      http.MethodGet,
		Path:        "/tables",
		Summary:     "List catalog tables",
	}, func(ctx context.Context, input *struct {
		ActiveOnly bool `query:"active"`
	}) (*struct {
		Body []domain.DataTable `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		var (
			items []domain.DataTable
			err   error
		)
		if input.ActiveOnly {
			items, err = e.Repo.ListActiveTables(ctx)
		} else {
			items, err = e.Repo.ListTables(ctx)
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.DataTable `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "sync-tables",
		Method:      http.MethodPost,
		Path:        "/tables/sync",
		Summary:     "Sync a catalog snapshot (admin)",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body SyncTablesRequest `json:"body"`
	}) (*struct {
		Body engine.SyncResult `json:"body"`
	}, error) {
		p, authErr := requireRole(ctx, e, engine.RoleAdmin)
		if authErr != nil {
			return nil, authErr
		}
		res, err := e.SyncTables(ctx, input.Body.Tables, p.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.SyncResult `json:"body"`
		}{Body: res}, nil
	})
}

func registerDecisions(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "record-decision",
		Method:        http.MethodPost,
		Path:          "/decisions",
		Summary:       "Record an agent decision",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body RecordDecisionRequest `json:"body"`
	}) (*struct {
		Body DecisionResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		valueJSON := ""
		if input.Body.Value != nil {
			data, err := json.Marshal(input.Body.Value)
			if err != nil {
				return nil, newAPIError(http.StatusBadRequest, "bad_request", "value not serializable", nil)
			}
			valueJSON = string(data)
		}
		res, err := e.RecordAgentDecision(ctx, engine.DecisionOptions{
			AgentID:      input.Body.AgentID,
			DecisionType: input.Body.DecisionType,
			ContextType:  input.Body.ContextType,
			ContextData:  input.Body.ContextData,
			ValueJSON:    valueJSON,
			Confidence:   input.Body.Confidence,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DecisionResponse `json:"body"`
		}{Body: DecisionResponse{
			Decision:          res.Decision,
			Consensus:         res.Consensus,
			ConsensusRequired: res.Consensus != nil,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-decision",
		Method:      http.MethodGet,
		Path:        "/decisions/{decision_id}",
		Summary:     "Get decision with consensus state",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		DecisionID string `path:"decision_id"`
	}) (*struct {
		Body DecisionResponse `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		d, cons, err := e.GetDecision(ctx, input.DecisionID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body DecisionResponse `json:"body"`
		}{Body: DecisionResponse{
			Decision:          d,
			Consensus:         cons,
			ConsensusRequired: d.Status == domain.DecisionConsensusRequired,
		}}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "vote",
		Method:      http.MethodPost,
		Path:        "/consensus/{consensus_id}/votes",
		Summary:     "Cast a consensus vote",
		Errors:      []int{http.StatusConflict, http.StatusNotFound, http.StatusUnprocessableEntity},
	}, func(ctx context.Context, input *struct {
		ConsensusID string      `path:"consensus_id"`
		Body        VoteRequest `json:"body"`
	}) (*struct {
		Body domain.DecisionConsensus `json:"body"`
	}, error) {
		actorID, authErr := actorIDFromContext(ctx)
		if authErr != nil {
			return nil, authErr
		}
		c, err := e.Vote(ctx, input.ConsensusID, actorID, input.Body.Approve, input.Body.Comment)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.DecisionConsensus `json:"body"`
		}{Body: c}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "decision-statistics",
		Method:      http.MethodGet,
		Path:        "/decisions/statistics",
		Summary:     "Aggregate decision statistics",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body engine.DecisionStatistics `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		stats, err := e.Statistics(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body engine.DecisionStatistics `json:"body"`
		}{Body: stats}, nil
	})
}

func registerHistory(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "export-history",
		Method:      http.MethodGet,
		Path:        "/history/export",
		Summary:     "Export decision history",
	}, func(ctx context.Context, input *struct {
		DecisionPoint string `query:"decision_point"`
		Outcome       string `query:"outcome"`
		CaseID        string `query:"case_id"`
		Limit         int    `query:"limit"`
		Offset        int    `query:"offset"`
	}) (*struct {
		Body []domain.DecisionHistory `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		records, err := e.ExportHistory(ctx, repo.HistoryFilters{
			DecisionPoint: input.DecisionPoint,
			Outcome:       input.Outcome,
			CaseID:        input.CaseID,
			Limit:         input.Limit,
			Offset:        input.Offset,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.DecisionHistory `json:"body"`
		}{Body: records}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "import-history",
		Method:      http.MethodPost,
		Path:        "/history/import",
		Summary:     "Import decision history records (admin)",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body ImportHistoryRequest `json:"body"`
	}) (*struct {
		Body map[string]int `json:"body"`
	}, error) {
		if _, authErr := requireRole(ctx, e, engine.RoleAdmin); authErr != nil {
			return nil, authErr
		}
		n, err := e.ImportHistory(ctx, input.Body.Records)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]int `json:"body"`
		}{Body: map[string]int{"imported": n}}, nil
	})
}

func registerEvents(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-events",
		Method:      http.MethodGet,
		Path:        "/events",
		Summary:     "List notification events after a cursor",
	}, func(ctx context.Context, input *struct {
		After int64 `query:"after"`
		Limit int   `query:"limit"`
	}) (*struct {
		Body []domain.Event `json:"body"`
	}, error) {
		if _, authErr := actorIDFromContext(ctx); authErr != nil {
			return nil, authErr
		}
		items, err := e.Repo.EventsAfter(ctx, input.Limit, input.After)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Event `json:"body"`
		}{Body: items}, nil
	})
}

func registerRoles(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "upsert-role",
		Method:      http.MethodPut,
		Path:        "/roles",
		Summary:     "Assign an actor role (admin)",
		Errors:      []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body UpsertRoleRequest `json:"body"`
	}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		if _, authErr := requireRole(ctx, e, engine.RoleAdmin); authErr != nil {
			return nil, authErr
		}
		role := strings.ToUpper(input.Body.Role)
		if engine.RoleLevel(role) == 0 {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "unknown role "+input.Body.Role, nil)
		}
		if input.Body.ActorID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id is required", nil)
		}
		now := engineNow(e).UTC().Format(time.RFC3339)
		if err := e.Repo.UpsertActorRole(ctx, input.Body.ActorID, role, now); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"actor_id": input.Body.ActorID, "role": role}}, nil
	})
}

func registerAPIKeys(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-api-key",
		Method:        http.MethodPost,
		Path:          "/apikeys",
		Summary:       "Create API key (admin)",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		Body CreateAPIKeyRequest `json:"body"`
	}) (*struct {
		Body domain.APIKey `json:"body"`
	}, error) {
		if _, authErr := requireRole(ctx, e, engine.RoleAdmin); authErr != nil {
			return nil, authErr
		}
		if input.Body.ActorID == "" || input.Body.Key == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "actor_id and key are required", nil)
		}
		key := domain.APIKey{
			ID:      uuid.NewString(),
			ActorID: input.Body.ActorID,
			Name:    input.Body.Name,
			KeyHash: repo.HashAPIKey(input.Body.Key),
		}
		if err := e.Repo.InsertAPIKey(ctx, key); err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.APIKey `json:"body"`
		}{Body: key}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-api-keys",
		Method:      http.MethodGet,
		Path:        "/apikeys",
		Summary:     "List API keys (admin)",
		Errors:      []int{http.StatusForbidden},
	}, func(ctx context.Context, input *struct {
		ActorID string `query:"actor_id"`
	}) (*struct {
		Body []domain.APIKey `json:"body"`
	}, error) {
		if _, authErr := requireRole(ctx, e, engine.RoleAdmin); authErr != nil {
			return nil, authErr
		}
		keys, err := e.Repo.ListAPIKeys(ctx, input.ActorID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.APIKey `json:"body"`
		}{Body: keys}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "delete-api-key",
		Method:      http.MethodDelete,
		Path:        "/apikeys/{key_id}",
		Summary:     "Delete API key (admin)",
		Errors:      []int{http.StatusForbidden, http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		KeyID string `path:"key_id"`
	}) (*struct{}, error) {
		if _, authErr := requireRole(ctx, e, engine.RoleAdmin); authErr != nil {
			return nil, authErr
		}
		if err := e.Repo.DeleteAPIKey(ctx, input.KeyID); err != nil {
			return nil, handleError(err)
		}
		return &struct{}{}, nil
	})
}
