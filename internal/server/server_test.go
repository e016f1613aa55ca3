package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"casematch/internal/config"
	"casematch/internal/db"
	"casematch/internal/domain"
	"casematch/internal/engine"
	"casematch/internal/migrate"
)

const testJWTSecret = "test-secret"

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	workspace := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if _, err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, config.Default())
	now := time.Now().UTC().Format(time.RFC3339)
	for actor, role := range map[string]string{
		"admin-1": engine.RoleAdmin,
		"mgr-1":   engine.RoleManager,
	} {
		if err := e.Repo.UpsertActorRole(context.Background(), actor, role, now); err != nil {
			t.Fatalf("seed role %s: %v", actor, err)
		}
	}
	handler, err := New(Config{
		Engine:   e,
		BasePath: "/v0",
		Auth: AuthConfig{
			JWTSecret:              testJWTSecret,
			AllowLegacyActorHeader: true,
		},
	})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any, headers map[string]string) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func asActor(id string) map[string]string {
	return map[string]string{"X-Actor-Id": id}
}

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var envelope struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, string(data))
	}
	return envelope.Error.Code
}

// waitVariableSettled polls until the fire-and-forget search launched on case
// creation has finished with the variable in a stable status.
func waitVariableSettled(t *testing.T, srv *testServer, variableID string) domain.CaseVariable {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		v, err := srv.Engine.Repo.GetVariable(context.Background(), variableID)
		if err != nil {
			t.Fatalf("get variable: %v", err)
		}
		if v.SearchStatus != domain.SearchPending && v.SearchStatus != domain.SearchSearching {
			return v
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("variable %s never settled", variableID)
	return domain.CaseVariable{}
}

func TestHealthNeedsNoAuth(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(data))
	}
}

func TestUnauthenticatedRequestsRejected(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/tables", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d: %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "unauthorized" {
		t.Fatalf("expected unauthorized code, got %q", code)
	}
}

func TestMatchApprovalFlow(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	// catalog is empty, so the automatic search settles on NO_MATCH
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/cases", map[string]any{
		"title":      "painel de receita",
		"macro_case": "receita operacional",
		"variables": []map[string]any{
			{"name": "receita total", "var_type": "currency"},
		},
	}, asActor("requester-1"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create case status %d: %s", res.StatusCode, string(data))
	}
	var created struct {
		Case      domain.Case           `json:"case"`
		Variables []domain.CaseVariable `json:"variables"`
	}
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal case: %v", err)
	}
	if len(created.Variables) != 1 {
		t.Fatalf("expected 1 variable, got %d", len(created.Variables))
	}
	variableID := created.Variables[0].ID
	waitVariableSettled(t, srv, variableID)

	syncRes, syncBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/tables/sync", map[string]any{
		"tables": []map[string]any{
			{
				"id":          "tbl-revenue",
				"name":        "receita total",
				"description": "receita consolidada mensal",
				"domain":      "receita",
				"keywords":    []string{"receita"},
				"owner_id":    "owner-1",
			},
		},
	}, asActor("admin-1"))
	if syncRes.StatusCode != http.StatusOK {
		t.Fatalf("sync status %d: %s", syncRes.StatusCode, string(syncBody))
	}

	searchRes, searchBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/variables/"+variableID+"/search", nil, asActor("requester-1"))
	if searchRes.StatusCode != http.StatusOK {
		t.Fatalf("search status %d: %s", searchRes.StatusCode, string(searchBody))
	}
	var matches []domain.VariableMatch
	if err := json.Unmarshal(searchBody, &matches); err != nil {
		t.Fatalf("unmarshal matches: %v", err)
	}
	if len(matches) != 1 || matches[0].DataTableID != "tbl-revenue" {
		t.Fatalf("unexpected matches: %+v", matches)
	}
	matchID := matches[0].ID

	// someone other than the table owner cannot review
	wrongRes, wrongBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/matches/"+matchID+"/owner-response", map[string]any{
		"outcome": "CONFIRM_MATCH",
	}, asActor("requester-1"))
	if wrongRes.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for non-owner, got %d: %s", wrongRes.StatusCode, string(wrongBody))
	}
	if code := errorCode(t, wrongBody); code != "not_owner" {
		t.Fatalf("expected not_owner code, got %q", code)
	}

	ownRes, ownBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/matches/"+matchID+"/owner-response", map[string]any{
		"outcome": "CONFIRM_MATCH",
	}, asActor("owner-1"))
	if ownRes.StatusCode != http.StatusOK {
		t.Fatalf("owner response status %d: %s", ownRes.StatusCode, string(ownBody))
	}

	reqRes, reqBody := doJSON(t, client, http.MethodPost, srv.URL+"/v0/matches/"+matchID+"/requester-response", map[string]any{
		"outcome": "APPROVE",
	}, asActor("requester-1"))
	if reqRes.StatusCode != http.StatusOK {
		t.Fatalf("requester response status %d: %s", reqRes.StatusCode, string(reqBody))
	}

	varRes, varBody := doJSON(t, client, http.MethodGet, srv.URL+"/v0/variables/"+variableID, nil, asActor("requester-1"))
	if varRes.StatusCode != http.StatusOK {
		t.Fatalf("get variable status %d: %s", varRes.StatusCode, string(varBody))
	}
	var v domain.CaseVariable
	if err := json.Unmarshal(varBody, &v); err != nil {
		t.Fatalf("unmarshal variable: %v", err)
	}
	if v.SearchStatus != domain.SearchInUse {
		t.Fatalf("expected IN_USE, got %s", v.SearchStatus)
	}
}

func TestSyncRequiresAdmin(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/tables/sync", map[string]any{
		"tables": []map[string]any{{"id": "t1", "name": "t1", "owner_id": "o1"}},
	}, asActor("someone"))
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", res.StatusCode, string(data))
	}
	if code := errorCode(t, data); code != "forbidden" {
		t.Fatalf("expected forbidden code, got %q", code)
	}
}

func TestJWTRoleClaimGrantsAccess(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub":  "scheduler",
		"role": "MANAGER",
	})
	signed, err := token.SignedString([]byte(testJWTSecret))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/involvements/sweep", nil, map[string]string{
		"Authorization": "Bearer " + signed,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("sweep status %d: %s", res.StatusCode, string(data))
	}

	badRes, badData := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/involvements/sweep", nil, map[string]string{
		"Authorization": "Bearer not-a-token",
	})
	if badRes.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for bad token, got %d: %s", badRes.StatusCode, string(badData))
	}
}

func TestDecisionEndpoint(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/decisions", map[string]any{
		"agent_id":      "agent-1",
		"decision_type": "enrichment",
		"context_type":  "variable",
		"context_data":  map[string]any{"var": "receita"},
		"value":         map[string]any{"selected": "tbl-revenue"},
		"confidence":    0.95,
	}, asActor("agent-1"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("record decision status %d: %s", res.StatusCode, string(data))
	}
	var out DecisionResponse
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal decision: %v", err)
	}
	if out.Decision.Status != domain.DecisionApproved {
		t.Fatalf("expected auto-approve, got %s", out.Decision.Status)
	}
	if out.ConsensusRequired {
		t.Fatalf("no consensus expected for high confidence")
	}
}
