package mcpserver

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"towerline/internal/engine"
	"towerline/internal/policy"
	"towerline/internal/repo"
)

// New builds the MCP server exposing the control tower to agent clients
// over stdio.
func New(e engine.Engine, version string) *server.MCPServer {
	s := server.NewMCPServer("towerline", version,
		server.WithToolCapabilities(false),
		server.WithRecovery(),
	)
	registerTaskTools(s, e)
	registerRunTools(s, e)
	registerReviewTools(s, e)
	registerAuditTools(s, e)
	return s
}

// Serve runs the server on stdio until the client disconnects.
func Serve(e engine.Engine, version string) error {
	return server.ServeStdio(New(e, version))
}

// Every tool replies with a JSON envelope: {"success":true,...} or
// {"success":false,"error":{code,message,suggestion}}. Agents branch on
// success instead of parsing prose.
func ok(payload map[string]any) *mcp.CallToolResult {
	if payload == nil {
		payload = map[string]any{}
	}
	payload["success"] = true
	b, err := json.Marshal(payload)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("marshal result: %v", err))
	}
	return mcp.NewToolResultText(string(b))
}

func fail(code, message, suggestion string) *mcp.CallToolResult {
	b, _ := json.Marshal(map[string]any{
		"success": false,
		"error": map[string]string{
			"code":       code,
			"message":    message,
			"suggestion": suggestion,
		},
	})
	return mcp.NewToolResultText(string(b))
}

func failErr(err error) *mcp.CallToolResult {
	var pe *policy.Error
	if errors.As(err, &pe) {
		return fail(pe.Code, pe.Message, policySuggestion(pe.Code))
	}
	var ce *engine.ConflictError
	if errors.As(err, &ce) {
		return fail("DUPLICATE_IDEMPOTENCY_KEY", err.Error(),
			"The key was already used. Fetch the original with tower_get_task(task_id=\""+ce.Task.ID+"\") or pick a new key.")
	}
	var se *engine.StateError
	if errors.As(err, &se) {
		return fail(se.Code, se.Message, stateSuggestion(se.Code))
	}
	var ve *engine.ValidationError
	if errors.As(err, &ve) {
		return fail("INVALID_REQUEST", ve.Message, "Fix the listed field and retry.")
	}
	if errors.Is(err, repo.ErrNotFound) {
		return fail("NOT_FOUND", err.Error(), "Check the id. List tools show what exists.")
	}
	return fail("INTERNAL_ERROR", err.Error(), "Retry; if it persists, inspect the server log.")
}

func policySuggestion(code string) string {
	switch code {
	case "REPO_NOT_ALLOWED":
		return "Use a repository under one of the configured allowed prefixes."
	case "INVALID_OPERATION":
		return "Use one of: code_change, docs, analysis, ops."
	case "TIME_BUDGET_TOO_LOW", "TIME_BUDGET_TOO_HIGH":
		return "Pick a budget between 30 and 86400 seconds, or omit it for the default."
	case "NETWORK_ACCESS_DENIED", "SECRETS_ACCESS_DENIED":
		return "Drop the flag; this deployment does not grant that access."
	}
	return "Adjust the request to satisfy the policy gate."
}

func stateSuggestion(code string) string {
	switch code {
	case "TASK_NOT_QUEUED":
		return "Another worker claimed it, or it already finished. Pick a different queued task."
	case "TASK_NOT_RUNNING":
		return "Claim the task first with tower_claim_task."
	case "NO_ACTIVE_RUN":
		return "The run already ended. Enqueue a new task to retry the work."
	case "ISSUE_NOT_UNDER_REVIEW":
		return "The decision is already recorded; review is final."
	}
	return "Check the entity's current status before retrying."
}

func toJSON(v any) map[string]any {
	b, err := json.Marshal(v)
	if err != nil {
		return map[string]any{"marshal_error": err.Error()}
	}
	var m map[string]any
	if err := json.Unmarshal(b, &m); err != nil {
		return map[string]any{"marshal_error": err.Error()}
	}
	return m
}

func toJSONList(v any) []map[string]any {
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	var out []map[string]any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil
	}
	return out
}
