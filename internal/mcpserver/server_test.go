package mcpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/server"

	"towerline/internal/config"
	"towerline/internal/db"
	"towerline/internal/engine"
	"towerline/internal/migrate"
	"towerline/internal/policy"
	"towerline/internal/repo"
)

func newTestEngine(t *testing.T) engine.Engine {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default(dir)
	cfg.Policy.AllowedRepoPrefixes = []string{"myorg/"}
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }
	return eng
}

// callTool drives a tool through the JSON-RPC entry point and returns the
// decoded text-content envelope.
func callTool(t *testing.T, s *server.MCPServer, name string, args map[string]any) map[string]any {
	t.Helper()
	argJSON, _ := json.Marshal(args)
	msg := fmt.Sprintf(`{"jsonrpc":"2.0","id":1,"method":"tools/call","params":{"name":%q,"arguments":%s}}`, name, argJSON)
	resp := s.HandleMessage(context.Background(), json.RawMessage(msg))
	raw, err := json.Marshal(resp)
	if err != nil {
		t.Fatalf("marshal response: %v", err)
	}
	var decoded struct {
		Result struct {
			Content []struct {
				Text string `json:"text"`
			} `json:"content"`
		} `json:"result"`
		Error *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(raw, &decoded); err != nil {
		t.Fatalf("decode response: %v (%s)", err, string(raw))
	}
	if decoded.Error != nil {
		t.Fatalf("rpc error: %s", decoded.Error.Message)
	}
	if len(decoded.Result.Content) == 0 {
		t.Fatalf("no content in response: %s", string(raw))
	}
	var envelope map[string]any
	if err := json.Unmarshal([]byte(decoded.Result.Content[0].Text), &envelope); err != nil {
		t.Fatalf("tool did not return JSON: %v (%s)", err, decoded.Result.Content[0].Text)
	}
	return envelope
}

func TestEnqueueAndClaimTools(t *testing.T) {
	eng := newTestEngine(t)
	s := New(eng, "test")

	env := callTool(t, s, "tower_enqueue_task", map[string]any{
		"idempotency_key":       "mcp-1",
		"requested_by_kind":     "agent",
		"requested_by_id":       "planner",
		"objective":             "Refactor the config loader",
		"operation":             "code_change",
		"repo":                  "myorg/app",
		"evidence_requirements": []string{"test output"},
	})
	if env["success"] != true {
		t.Fatalf("enqueue failed: %v", env)
	}
	task := env["task"].(map[string]any)
	taskID := task["id"].(string)
	if task["status"] != "queued" {
		t.Fatalf("expected queued task, got %v", task["status"])
	}

	env = callTool(t, s, "tower_claim_task", map[string]any{
		"task_id":   taskID,
		"worker_id": "agent-7",
	})
	if env["success"] != true {
		t.Fatalf("claim failed: %v", env)
	}
	run := env["run"].(map[string]any)
	if run["mode"] != "agent" {
		t.Fatalf("mcp claims should run in agent mode, got %v", run["mode"])
	}

	// second claim loses the race guard
	env = callTool(t, s, "tower_claim_task", map[string]any{
		"task_id":   taskID,
		"worker_id": "agent-8",
	})
	if env["success"] != false {
		t.Fatalf("second claim should fail: %v", env)
	}
	toolErr := env["error"].(map[string]any)
	if toolErr["code"] != "TASK_NOT_QUEUED" {
		t.Fatalf("expected TASK_NOT_QUEUED, got %v", toolErr)
	}
	if toolErr["suggestion"] == "" {
		t.Fatal("state errors must carry a suggestion")
	}
}

func TestEnqueuePolicyDenialEnvelope(t *testing.T) {
	eng := newTestEngine(t)
	s := New(eng, "test")

	env := callTool(t, s, "tower_enqueue_task", map[string]any{
		"idempotency_key":   "mcp-2",
		"requested_by_kind": "human",
		"requested_by_id":   "alice",
		"objective":         "Do something",
		"operation":         "docs",
		"repo":              "otherorg/app",
	})
	if env["success"] != false {
		t.Fatalf("expected denial, got %v", env)
	}
	toolErr := env["error"].(map[string]any)
	if toolErr["code"] != "REPO_NOT_ALLOWED" {
		t.Fatalf("expected REPO_NOT_ALLOWED, got %v", toolErr)
	}
}

func TestFailErrMapping(t *testing.T) {
	cases := []struct {
		err  error
		code string
	}{
		{&policy.Error{Code: "INVALID_OPERATION", Message: "nope"}, "INVALID_OPERATION"},
		{&engine.StateError{Code: "ISSUE_NOT_UNDER_REVIEW", Message: "nope"}, "ISSUE_NOT_UNDER_REVIEW"},
		{&engine.ValidationError{Message: "objective is required"}, "INVALID_REQUEST"},
		{repo.ErrNotFound, "NOT_FOUND"},
		{errors.New("boom"), "INTERNAL_ERROR"},
	}
	for _, tc := range cases {
		res := failErr(tc.err)
		b, _ := json.Marshal(res)
		var decoded struct {
			Content []struct {
				Text string `json:"text"`
			} `json:"content"`
		}
		if err := json.Unmarshal(b, &decoded); err != nil || len(decoded.Content) == 0 {
			t.Fatalf("bad result for %v: %v", tc.err, err)
		}
		var envelope map[string]any
		if err := json.Unmarshal([]byte(decoded.Content[0].Text), &envelope); err != nil {
			t.Fatalf("envelope not JSON for %v: %v", tc.err, err)
		}
		toolErr := envelope["error"].(map[string]any)
		if toolErr["code"] != tc.code {
			t.Fatalf("err %v: expected code %s, got %v", tc.err, tc.code, toolErr["code"])
		}
	}
}
