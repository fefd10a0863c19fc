package towerlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Towerline HTTP API client.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Actor identifies who is acting.
type Actor struct {
	Kind  string `json:"kind"`
	ID    string `json:"id"`
	Label string `json:"label,omitempty"`
}

// Target names the repository a task acts on.
type Target struct {
	Repo string `json:"repo"`
	Ref  string `json:"ref,omitempty"`
	Path string `json:"path,omitempty"`
}

// Task represents the API task model (partial).
type Task struct {
	ID                string         `json:"id"`
	Objective         string         `json:"objective"`
	Operation         string         `json:"operation"`
	Target            Target         `json:"target"`
	TimeBudgetSeconds int            `json:"time_budget_seconds"`
	IdempotencyKey    string         `json:"idempotency_key,omitempty"`
	Status            string         `json:"status"`
	IssueID           *string        `json:"issue_id,omitempty"`
	TraceID           string         `json:"trace_id"`
	Result            map[string]any `json:"result,omitempty"`
}

// Run represents an execution attempt (partial).
type Run struct {
	ID              string `json:"id"`
	ForIssueID      string `json:"for_issue_id"`
	Status          string `json:"status"`
	Mode            string `json:"mode"`
	ArtifactRootURI string `json:"artifact_root_uri"`
}

// Artifact represents an output of a run (partial).
type Artifact struct {
	ID    string `json:"id"`
	RunID string `json:"run_id"`
	Type  string `json:"type"`
	Title string `json:"title"`
	URI   string `json:"uri"`
}

// EvidencePack represents the prover's output (partial).
type EvidencePack struct {
	ID              string   `json:"id"`
	RunID           string   `json:"run_id"`
	IssueID         string   `json:"issue_id"`
	Verdict         string   `json:"verdict"`
	VerdictReason   string   `json:"verdict_reason"`
	EvidenceMissing []string `json:"evidence_missing,omitempty"`
}

// ReviewDecision represents a recorded review outcome.
type ReviewDecision struct {
	ID             string `json:"id"`
	EvidencePackID string `json:"evidence_pack_id"`
	Decision       string `json:"decision"`
	ReviewerID     string `json:"reviewer_id"`
	Reason         string `json:"reason,omitempty"`
}

// EnqueueRequest is the intake body for Enqueue.
type EnqueueRequest struct {
	IdempotencyKey       string            `json:"idempotency_key,omitempty"`
	RequestedBy          Actor             `json:"requested_by"`
	Objective            string            `json:"objective"`
	Operation            string            `json:"operation"`
	Target               Target            `json:"target"`
	TimeBudgetSeconds    int               `json:"-"`
	Inputs               map[string]string `json:"inputs,omitempty"`
	AcceptanceCriteria   []string          `json:"acceptance_criteria,omitempty"`
	EvidenceRequirements []string          `json:"evidence_requirements,omitempty"`
	Tags                 []string          `json:"tags,omitempty"`
	Meta                 map[string]any    `json:"meta,omitempty"`
}

// CompleteRequest reports the outcome of execution.
type CompleteRequest struct {
	Success         bool           `json:"success"`
	Summary         string         `json:"summary,omitempty"`
	Outputs         map[string]any `json:"outputs,omitempty"`
	FailureCategory string         `json:"failure_category,omitempty"`
	FailureMessage  string         `json:"failure_message,omitempty"`
	Actor           Actor          `json:"actor,omitempty"`
}

// CompleteResult is everything the pipeline produced for a finished task.
type CompleteResult struct {
	Task     Task            `json:"task"`
	Run      Run             `json:"run"`
	Evidence EvidencePack    `json:"evidence_pack"`
	Decision *ReviewDecision `json:"review_decision,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Details    map[string]any
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// Enqueue submits a task through the policy gate. The idempotency key is
// optional; a reused key returns an APIError with code "conflict" and the
// original task id in Details["task_id"].
func (c *Client) Enqueue(ctx context.Context, req EnqueueRequest) (Task, error) {
	body := map[string]any{
		"requested_by": req.RequestedBy,
		"objective":    req.Objective,
		"operation":    req.Operation,
		"target":       req.Target,
	}
	if req.IdempotencyKey != "" {
		body["idempotency_key"] = req.IdempotencyKey
	}
	if req.TimeBudgetSeconds > 0 {
		body["constraints"] = map[string]any{"time_budget_seconds": req.TimeBudgetSeconds}
	}
	if len(req.Inputs) > 0 {
		body["inputs"] = req.Inputs
	}
	if len(req.AcceptanceCriteria) > 0 {
		body["acceptance_criteria"] = req.AcceptanceCriteria
	}
	if len(req.EvidenceRequirements) > 0 {
		body["evidence_requirements"] = req.EvidenceRequirements
	}
	if len(req.Tags) > 0 {
		body["tags"] = req.Tags
	}
	if len(req.Meta) > 0 {
		body["meta"] = req.Meta
	}
	var resp Task
	err := c.do(ctx, http.MethodPost, "v0/tasks", body, &resp)
	return resp, err
}

// GetTask fetches one task.
func (c *Client) GetTask(ctx context.Context, id string) (Task, error) {
	var resp Task
	err := c.do(ctx, http.MethodGet, "v0/tasks/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// ListTasks returns tasks, optionally filtered by status.
func (c *Client) ListTasks(ctx context.Context, status string, limit int) ([]Task, error) {
	endpoint := "v0/tasks"
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp []Task
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Claim atomically claims a queued task. Losers of the race get an APIError
// with status 409.
func (c *Client) Claim(ctx context.Context, taskID string, worker Actor, mode string) (Task, Run, error) {
	body := map[string]any{"worker": worker}
	if mode != "" {
		body["mode"] = mode
	}
	var resp struct {
		Task Task `json:"task"`
		Run  Run  `json:"run"`
	}
	err := c.do(ctx, http.MethodPost, "v0/tasks/"+url.PathEscape(taskID)+"/claim", body, &resp)
	return resp.Task, resp.Run, err
}

// ReportArtifact attaches an output to the task's active run.
func (c *Client) ReportArtifact(ctx context.Context, taskID, artifactType, title, uri string) (Artifact, error) {
	body := map[string]any{
		"type":  artifactType,
		"title": title,
	}
	if uri != "" {
		body["uri"] = uri
	}
	var resp Artifact
	err := c.do(ctx, http.MethodPost, "v0/tasks/"+url.PathEscape(taskID)+"/artifacts", body, &resp)
	return resp, err
}

// Complete finalizes the run, proves evidence, and routes review.
func (c *Client) Complete(ctx context.Context, taskID string, req CompleteRequest) (CompleteResult, error) {
	var resp CompleteResult
	err := c.do(ctx, http.MethodPost, "v0/tasks/"+url.PathEscape(taskID)+"/complete", req, &resp)
	return resp, err
}

// GetEvidence fetches the evidence pack a run produced.
func (c *Client) GetEvidence(ctx context.Context, runID string) (EvidencePack, error) {
	var resp EvidencePack
	err := c.do(ctx, http.MethodGet, "v0/runs/"+url.PathEscape(runID)+"/evidence", nil, &resp)
	return resp, err
}

// ListPendingReviews returns evidence packs waiting on a decision.
func (c *Client) ListPendingReviews(ctx context.Context) ([]EvidencePack, error) {
	var resp []EvidencePack
	err := c.do(ctx, http.MethodGet, "v0/reviews/pending", nil, &resp)
	return resp, err
}

// SubmitReview records a decision for an evidence pack.
func (c *Client) SubmitReview(ctx context.Context, packID, decision, reason string, reviewer Actor) (ReviewDecision, error) {
	body := map[string]any{
		"evidence_pack_id": packID,
		"decision":         decision,
		"reason":           reason,
		"reviewer":         reviewer,
	}
	var resp ReviewDecision
	err := c.do(ctx, http.MethodPost, "v0/reviews", body, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var envelope struct {
			Error struct {
				Code    string         `json:"code"`
				Message string         `json:"message"`
				Details map[string]any `json:"details"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &envelope) == nil {
			apiErr.Code = envelope.Error.Code
			apiErr.Message = envelope.Error.Message
			apiErr.Details = envelope.Error.Details
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
