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

	"towerline/internal/config"
	"towerline/internal/db"
	"towerline/internal/domain"
	"towerline/internal/engine"
	"towerline/internal/migrate"
)

type testServer struct {
	URL    string
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	workspace := t.TempDir()
	cfg := config.Default(workspace)
	cfg.Policy.AllowedRepoPrefixes = []string{"myorg/"}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, cfg)
	e.Now = func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }
	handler, err := New(Config{Engine: e, BasePath: "/v0"})
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
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	t.Cleanup(testSrv.Close)
	return testSrv
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any) (*http.Response, []byte) {
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

type errEnvelope struct {
	Error apiErrorBody `json:"error"`
}

func enqueueBody(key string) map[string]any {
	return map[string]any{
		"idempotency_key":       key,
		"requested_by":          map[string]any{"kind": "human", "id": "alice"},
		"objective":             "Write the install guide",
		"operation":             "docs",
		"target":                map[string]any{"repo": "myorg/site", "ref": "main"},
		"constraints":           map[string]any{"time_budget_seconds": 300},
		"acceptance_criteria":   []string{"guide covers linux"},
		"evidence_requirements": []string{"doc page"},
	}
}

func TestEnqueueClaimCompleteReviewOverHTTP(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks", enqueueBody("http-1"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("enqueue status %d: %s", res.StatusCode, string(data))
	}
	var task domain.Task
	if err := json.Unmarshal(data, &task); err != nil {
		t.Fatalf("unmarshal task: %v", err)
	}
	if task.Status != domain.TaskQueued || task.TraceID == "" {
		t.Fatalf("unexpected task: %+v", task)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/"+task.ID+"/claim", map[string]any{
		"worker": map[string]any{"kind": "agent", "id": "agent-1"},
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("claim status %d: %s", res.StatusCode, string(data))
	}
	var claimed struct {
		Task domain.Task `json:"task"`
		Run  domain.Run  `json:"run"`
	}
	if err := json.Unmarshal(data, &claimed); err != nil {
		t.Fatalf("unmarshal claim: %v", err)
	}
	if claimed.Task.Status != domain.TaskRunning || claimed.Run.Mode != domain.ModeAgent {
		t.Fatalf("unexpected claim result: %+v", claimed)
	}

	// second claim loses
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/"+task.ID+"/claim", map[string]any{
		"worker": map[string]any{"kind": "agent", "id": "agent-2"},
	})
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("second claim status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/tasks/"+task.ID+"/context", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("context status %d: %s", res.StatusCode, string(data))
	}
	var view struct {
		Issue    domain.Issue              `json:"issue"`
		Snapshot domain.ConstraintSnapshot `json:"constraint_snapshot"`
	}
	if err := json.Unmarshal(data, &view); err != nil {
		t.Fatalf("unmarshal context: %v", err)
	}
	if view.Snapshot.TimeBudgetSeconds != 300 {
		t.Fatalf("snapshot should pin the gated budget, got %d", view.Snapshot.TimeBudgetSeconds)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/"+task.ID+"/artifacts", map[string]any{
		"type":  "doc",
		"title": "doc page",
	})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("artifact status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/"+task.ID+"/complete", map[string]any{
		"success": true,
		"summary": "guide written",
	})
	if res.StatusCode != http.StatusOK {
		t.Fatalf("complete status %d: %s", res.StatusCode, string(data))
	}
	var completed struct {
		Task     domain.Task         `json:"task"`
		Run      domain.Run          `json:"run"`
		Evidence domain.EvidencePack `json:"evidence_pack"`
	}
	if err := json.Unmarshal(data, &completed); err != nil {
		t.Fatalf("unmarshal complete: %v", err)
	}
	if completed.Task.Status != domain.TaskCompleted {
		t.Fatalf("expected completed task, got %s", completed.Task.Status)
	}
	if completed.Evidence.Verdict != domain.VerdictPass {
		t.Fatalf("expected pass verdict, got %s (%s)", completed.Evidence.Verdict, completed.Evidence.VerdictReason)
	}
	if completed.Run.Status != domain.StatusUnderReview {
		t.Fatalf("auto-approve is off, run should sit under review, got %s", completed.Run.Status)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/runs/"+completed.Run.ID+"/evidence", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("evidence status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/reviews/pending", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("pending status %d: %s", res.StatusCode, string(data))
	}
	var pending []domain.EvidencePack
	if err := json.Unmarshal(data, &pending); err != nil {
		t.Fatalf("unmarshal pending: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != completed.Evidence.ID {
		t.Fatalf("expected one pending pack, got %v", pending)
	}

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/reviews", map[string]any{
		"evidence_pack_id": completed.Evidence.ID,
		"decision":         "approved",
		"reason":           "looks good",
		"reviewer":         map[string]any{"kind": "human", "id": "bob"},
	})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("review status %d: %s", res.StatusCode, string(data))
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/issues/"+*completed.Task.IssueID, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("issue status %d: %s", res.StatusCode, string(data))
	}
	var issueView struct {
		Issue domain.Issue `json:"issue"`
	}
	if err := json.Unmarshal(data, &issueView); err != nil {
		t.Fatalf("unmarshal issue: %v", err)
	}
	if issueView.Issue.Status != domain.StatusDone {
		t.Fatalf("approved issue should be done, got %s", issueView.Issue.Status)
	}

	res, data = doJSON(t, client, http.MethodGet, srv.URL+"/v0/audit/trace/"+task.TraceID, nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("audit trace status %d: %s", res.StatusCode, string(data))
	}
	var entries []domain.AuditEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		t.Fatalf("unmarshal audit: %v", err)
	}
	if len(entries) < 10 {
		t.Fatalf("expected the full intake-to-review trail, got %d entries", len(entries))
	}
}

func TestEnqueueDuplicateKeyConflict(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks", enqueueBody("dup-1"))
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("first enqueue status %d: %s", res.StatusCode, string(data))
	}
	var task domain.Task
	_ = json.Unmarshal(data, &task)

	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks", enqueueBody("dup-1"))
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("duplicate enqueue status %d: %s", res.StatusCode, string(data))
	}
	var envelope errEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if envelope.Error.Code != "conflict" {
		t.Fatalf("expected conflict code, got %q", envelope.Error.Code)
	}
	if envelope.Error.Details["task_id"] != task.ID {
		t.Fatalf("conflict must carry the original task id, got %v", envelope.Error.Details)
	}
}

func TestEnqueuePolicyViolation(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()

	body := enqueueBody("pol-1")
	body["target"] = map[string]any{"repo": "otherorg/app"}
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks", body)
	if res.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403, got %d: %s", res.StatusCode, string(data))
	}
	var envelope errEnvelope
	if err := json.Unmarshal(data, &envelope); err != nil {
		t.Fatalf("unmarshal error: %v", err)
	}
	if envelope.Error.Code != "policy_violation" || envelope.Error.Details["code"] != "REPO_NOT_ALLOWED" {
		t.Fatalf("unexpected error envelope: %s", string(data))
	}
}

func TestEnqueueMissingObjective(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()

	body := enqueueBody("val-1")
	body["objective"] = ""
	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks", body)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d: %s", res.StatusCode, string(data))
	}
}

func TestEnqueueLegacyAliases(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks", map[string]any{
		"idempotency_key": "legacy-1",
		"requested_by":    map[string]any{"kind": "human", "id": "alice"},
		"objective":       "Audit dependencies",
		"type":            "analysis",
		"target":          map[string]any{"repository": "MyOrg/App.git"},
		"payload":         map[string]any{"depth": "full"},
	})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("legacy enqueue status %d: %s", res.StatusCode, string(data))
	}
	var task domain.Task
	if err := json.Unmarshal(data, &task); err != nil {
		t.Fatalf("unmarshal task: %v", err)
	}
	if task.Operation != "analysis" {
		t.Fatalf("type alias should fold to operation, got %q", task.Operation)
	}
	if task.Target.Repo != "myorg/app" {
		t.Fatalf("repo should be normalized, got %q", task.Target.Repo)
	}
	if task.Target.Ref != "main" {
		t.Fatalf("missing ref should default to main, got %q", task.Target.Ref)
	}
	if task.Inputs["depth"] != "full" {
		t.Fatalf("payload alias should fold to inputs, got %v", task.Inputs)
	}
}

func TestGetTaskNotFound(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/tasks/nope", nil)
	if res.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d: %s", res.StatusCode, string(data))
	}
}

func TestReviewRejectionFailsIssue(t *testing.T) {
	srv := newTestServer(t)
	client := srv.Client()

	_, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks", enqueueBody("rej-1"))
	var task domain.Task
	_ = json.Unmarshal(data, &task)
	doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/"+task.ID+"/claim", map[string]any{
		"worker": map[string]any{"kind": "agent", "id": "agent-1"},
	})
	_, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/tasks/"+task.ID+"/complete", map[string]any{
		"success": true,
	})
	var completed struct {
		Evidence domain.EvidencePack `json:"evidence_pack"`
	}
	_ = json.Unmarshal(data, &completed)

	res, data := doJSON(t, client, http.MethodPost, srv.URL+"/v0/reviews", map[string]any{
		"evidence_pack_id": completed.Evidence.ID,
		"decision":         "rejected",
		"reason":           "missing evidence",
		"reviewer":         map[string]any{"kind": "human", "id": "bob"},
	})
	if res.StatusCode != http.StatusCreated {
		t.Fatalf("review status %d: %s", res.StatusCode, string(data))
	}

	// second review hits the state guard
	res, data = doJSON(t, client, http.MethodPost, srv.URL+"/v0/reviews", map[string]any{
		"evidence_pack_id": completed.Evidence.ID,
		"decision":         "approved",
		"reviewer":         map[string]any{"kind": "human", "id": "carol"},
	})
	if res.StatusCode != http.StatusConflict {
		t.Fatalf("expected 409 on second review, got %d: %s", res.StatusCode, string(data))
	}
	var envelope errEnvelope
	_ = json.Unmarshal(data, &envelope)
	if envelope.Error.Details["code"] != "ISSUE_NOT_UNDER_REVIEW" {
		t.Fatalf("unexpected envelope: %s", string(data))
	}
}

func TestHealth(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/health", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(data))
	}
	var body map[string]string
	if err := json.Unmarshal(data, &body); err != nil || body["status"] != "ok" {
		t.Fatalf("unexpected health body: %s", string(data))
	}
}

func TestOpenAPIServed(t *testing.T) {
	srv := newTestServer(t)
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v0/openapi.json", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("openapi status %d: %s", res.StatusCode, string(data))
	}
	var spec map[string]any
	if err := json.Unmarshal(data, &spec); err != nil {
		t.Fatalf("openapi is not json: %v", err)
	}
	if spec["openapi"] == nil {
		t.Fatalf("missing openapi version field: %s", string(data))
	}
}
