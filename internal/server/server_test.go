package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"reqline/internal/config"
	"reqline/internal/db"
	"reqline/internal/domain"
	"reqline/internal/engine"
	"reqline/internal/migrate"
)

const projectID = "reqline"

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
	if _, err := db.EnsureWorkspace(workspace); err != nil {
		t.Fatalf("ensure workspace: %v", err)
	}
	cfg := config.Default(projectID)
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(context.Background(), conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	if _, err := e.InitProject(context.Background(), projectID, "", "tester", cfg); err != nil {
		t.Fatalf("init project: %v", err)
	}
	handler, err := New(Config{Engine: e, BasePath: "/v0", Auth: AuthConfig{
		JWTSecret:              "test-secret",
		AllowLegacyActorHeader: true,
		EnableDevLogin:         true,
	}})
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

func as(actor string) map[string]string {
	return map[string]string{"X-Actor-Id": actor}
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

func errorCode(t *testing.T, data []byte) string {
	t.Helper()
	var env struct {
		Error apiErrorBody `json:"error"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal error envelope: %v (%s)", err, string(data))
	}
	return env.Error.Code
}

func createRequirement(t *testing.T, srv *testServer) domain.Requirement {
	t.Helper()
	res, data := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v0/projects/"+projectID+"/requirements", map[string]any{
		"title":      "Bulk export",
		"priority":   "high",
		"reviewer_1": "rev1",
		"reviewer_2": "rev2",
	}, as("tester"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("create requirement status %d: %s", res.StatusCode, string(data))
	}
	var created domain.Requirement
	if err := json.Unmarshal(data, &created); err != nil {
		t.Fatalf("unmarshal requirement: %v", err)
	}
	return created
}

func TestRequirementReviewGate(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	req := createRequirement(t, srv)
	if len(req.Subtasks) != 6 || req.AggregateStatus != domain.StatusAwaitingPrototype {
		t.Fatalf("unexpected new requirement %+v", req)
	}
	base := srv.URL + "/v0/projects/" + projectID + "/requirements/" + req.ID

	res, body := doJSON(t, client, http.MethodPatch, base+"/subtasks/"+req.Subtasks[0].ID, map[string]any{
		"status": "in-progress",
	}, as("tester"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("edit subtask: %d %s", res.StatusCode, string(body))
	}
	var edited domain.Requirement
	_ = json.Unmarshal(body, &edited)
	if edited.AggregateStatus != domain.StatusPrototypeInProgress {
		t.Fatalf("expected prototype-in-progress, got %s", edited.AggregateStatus)
	}

	res, body = doJSON(t, client, http.MethodPatch, base+"/reviews/1", map[string]any{"status": "approved"}, as("rev2"))
	if res.StatusCode != http.StatusForbidden || errorCode(t, body) != "not_reviewer" {
		t.Fatalf("expected not_reviewer, got %d %s", res.StatusCode, string(body))
	}
	res, body = doJSON(t, client, http.MethodPatch, base+"/reviews/1", map[string]any{"status": "approved"}, as("rev1"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("level 1 approve: %d %s", res.StatusCode, string(body))
	}

	res, body = doJSON(t, client, http.MethodPost, base+"/version", map[string]any{"version": "v1.0.0"}, as("tester"))
	if res.StatusCode != http.StatusUnprocessableEntity || errorCode(t, body) != "review_gate_closed" {
		t.Fatalf("expected review_gate_closed, got %d %s", res.StatusCode, string(body))
	}

	res, body = doJSON(t, client, http.MethodPatch, base+"/reviews/2", map[string]any{"status": "approved", "opinion": "ok"}, as("rev2"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("level 2 approve: %d %s", res.StatusCode, string(body))
	}
	res, body = doJSON(t, client, http.MethodPost, base+"/version", map[string]any{"version": "v1.0.0"}, as("tester"))
	if res.StatusCode != http.StatusOK {
		t.Fatalf("assign version: %d %s", res.StatusCode, string(body))
	}
	var versioned domain.Requirement
	_ = json.Unmarshal(body, &versioned)
	if versioned.PlannedVersion == nil || *versioned.PlannedVersion != "v1.0.0" || versioned.OverallReview != domain.OverallApproved {
		t.Fatalf("unexpected versioned requirement %+v", versioned)
	}
}

func TestAuthAndPermissions(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()

	res, body := doJSON(t, client, http.MethodGet, srv.URL+"/v0/health", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health: %d %s", res.StatusCode, string(body))
	}
	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects", nil, nil)
	if res.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 without credentials, got %d %s", res.StatusCode, string(body))
	}
	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/"+projectID+"/requirements", map[string]any{
		"title": "Not allowed",
	}, as("stranger"))
	if res.StatusCode != http.StatusForbidden || errorCode(t, body) != "forbidden" {
		t.Fatalf("expected forbidden, got %d %s", res.StatusCode, string(body))
	}

	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/"+projectID+"/rbac/roles/grant", map[string]any{
		"actor_id": "stranger", "role_id": "pm",
	}, as("tester"))
	if res.StatusCode != http.StatusNoContent && res.StatusCode != http.StatusOK {
		t.Fatalf("grant role: %d %s", res.StatusCode, string(body))
	}
	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/v0/projects/"+projectID+"/requirements", map[string]any{
		"title": "Now allowed",
	}, as("stranger"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("expected create after grant, got %d %s", res.StatusCode, string(body))
	}

	res, body = doJSON(t, client, http.MethodPost, srv.URL+"/v0/auth/dev/login", map[string]any{
		"actor_id":    "bot",
		"permissions": []string{"event.read"},
	}, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("dev login: %d %s", res.StatusCode, string(body))
	}
	var login DevLoginResponse
	_ = json.Unmarshal(body, &login)
	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects/"+projectID+"/events?limit=2", nil, map[string]string{
		"Authorization": "Bearer " + login.Token,
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("events with token: %d %s", res.StatusCode, string(body))
	}
	var page paginatedEvents
	_ = json.Unmarshal(body, &page)
	if len(page.Items) != 2 || page.NextCursor == "" {
		t.Fatalf("expected a full page with cursor, got %+v", page)
	}
	if page.Items[0].Type != "requirement.create" {
		t.Fatalf("expected newest event first, got %s", page.Items[0].Type)
	}
}

func TestSubtaskErrors(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	client := srv.Client()
	req := createRequirement(t, srv)
	base := srv.URL + "/v0/projects/" + projectID + "/requirements/" + req.ID

	res, body := doJSON(t, client, http.MethodPatch, base+"/subtasks/missing", map[string]any{"status": "completed"}, as("tester"))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 for missing subtask, got %d %s", res.StatusCode, string(body))
	}
	res, body = doJSON(t, client, http.MethodPatch, base+"/subtasks/"+req.Subtasks[0].ID, map[string]any{"estimated_end": "next week"}, as("tester"))
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for bad timestamp, got %d %s", res.StatusCode, string(body))
	}
	res, body = doJSON(t, client, http.MethodPost, base+"/subtasks", map[string]any{"name": "Regression testing", "status": "in-progress"}, as("tester"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("add subtask: %d %s", res.StatusCode, string(body))
	}
	var added domain.Requirement
	_ = json.Unmarshal(body, &added)
	if added.AggregateStatus != domain.StatusTestingInProgress {
		t.Fatalf("expected testing-in-progress, got %s", added.AggregateStatus)
	}
	res, body = doJSON(t, client, http.MethodGet, srv.URL+"/v0/projects/other/requirements/"+req.ID, nil, as("tester"))
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("requirement must not leak across projects, got %d %s", res.StatusCode, string(body))
	}
}

func TestWebhookDispatchDeliversNewEvents(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	var (
		mu       sync.Mutex
		received []webhookEvent
	)
	hookSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var evt webhookEvent
		_ = json.NewDecoder(r.Body).Decode(&evt)
		if r.Header.Get("X-Reqline-Event") != evt.Type {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		mu.Lock()
		received = append(received, evt)
		mu.Unlock()
	}))
	defer hookSrv.Close()

	ctx := context.Background()
	hook := config.Webhook{URL: hookSrv.URL, Events: []string{"requirement.create"}}
	d := &webhookDispatcher{
		engine:  srv.Engine,
		project: projectID,
		client:  hookSrv.Client(),
		logger:  srv.Engine.Logger,
	}
	if _, err := d.cursorFor(ctx, hook); err != nil {
		t.Fatalf("init cursor: %v", err)
	}
	req := createRequirement(t, srv)
	if err := d.dispatchWebhook(ctx, hook); err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 || received[0].EntityID != req.ID {
		t.Fatalf("expected one requirement.create delivery, got %+v", received)
	}
	cur, ok, err := srv.Engine.Repo.WebhookCursor(ctx, projectID, hook.URL)
	if err != nil || !ok || cur == 0 {
		t.Fatalf("cursor not persisted: %d %v %v", cur, ok, err)
	}
}

func TestWebhookCursorsArePerProject(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	var (
		mu       sync.Mutex
		received []webhookEvent
	)
	hookSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var evt webhookEvent
		_ = json.NewDecoder(r.Body).Decode(&evt)
		mu.Lock()
		received = append(received, evt)
		mu.Unlock()
	}))
	defer hookSrv.Close()

	ctx := context.Background()
	const other = "other"
	if _, err := srv.Engine.InitProject(ctx, other, "", "tester", config.Default(other)); err != nil {
		t.Fatalf("init second project: %v", err)
	}
	hook := config.Webhook{URL: hookSrv.URL}
	dispatchers := map[string]*webhookDispatcher{}
	for _, p := range []string{projectID, other} {
		dispatchers[p] = &webhookDispatcher{engine: srv.Engine, project: p, client: hookSrv.Client(), logger: srv.Engine.Logger}
		if _, err := dispatchers[p].cursorFor(ctx, hook); err != nil {
			t.Fatalf("init cursor for %s: %v", p, err)
		}
	}
	otherStart, _, err := srv.Engine.Repo.WebhookCursor(ctx, other, hook.URL)
	if err != nil {
		t.Fatalf("read cursor: %v", err)
	}

	req := createRequirement(t, srv)
	for _, p := range []string{projectID, other} {
		if err := dispatchers[p].dispatchWebhook(ctx, hook); err != nil {
			t.Fatalf("dispatch %s: %v", p, err)
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(received) != 1 || received[0].EntityID != req.ID {
		t.Fatalf("expected one delivery for the first project, got %+v", received)
	}
	mine, _, err := srv.Engine.Repo.WebhookCursor(ctx, projectID, hook.URL)
	if err != nil {
		t.Fatalf("read cursor: %v", err)
	}
	theirs, _, err := srv.Engine.Repo.WebhookCursor(ctx, other, hook.URL)
	if err != nil {
		t.Fatalf("read cursor: %v", err)
	}
	if theirs != otherStart {
		t.Fatalf("second project cursor moved from %d to %d", otherStart, theirs)
	}
	if mine <= theirs {
		t.Fatalf("first project cursor %d should be past second project cursor %d", mine, theirs)
	}
}

func TestOpenAPIDocument(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, body := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/openapi.json", nil, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("openapi status %d: %s", res.StatusCode, string(body))
	}
	var doc struct {
		Components struct {
			SecuritySchemes map[string]any `json:"securitySchemes"`
		} `json:"components"`
		Paths map[string]map[string]json.RawMessage `json:"paths"`
	}
	if err := json.Unmarshal(body, &doc); err != nil {
		t.Fatalf("decode openapi: %v", err)
	}
	if _, ok := doc.Components.SecuritySchemes["bearerAuth"]; !ok {
		t.Fatalf("bearerAuth scheme missing")
	}
	security := func(route, method string) []map[string][]string {
		t.Helper()
		raw, ok := doc.Paths[route][method]
		if !ok {
			t.Fatalf("no %s %s in document", method, route)
		}
		var op struct {
			Security []map[string][]string `json:"security"`
		}
		if err := json.Unmarshal(raw, &op); err != nil {
			t.Fatalf("decode %s %s: %v", method, route, err)
		}
		return op.Security
	}
	if got := security("/v0/health", "get"); len(got) != 0 {
		t.Fatalf("health should be open, got %v", got)
	}
	if got := security("/v0/projects/{project_id}/requirements", "post"); len(got) != 2 {
		t.Fatalf("create requirement should require auth, got %v", got)
	}
}
