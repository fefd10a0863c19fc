package policy

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"towerline/internal/domain"
)

// Default time budget bounds. Config may narrow but callers should not widen
// the outer range.
const (
	MinTimeBudgetSeconds     = 30
	MaxTimeBudgetSeconds     = 86400
	DefaultTimeBudgetSeconds = 900
)

var allowedOperations = map[string]bool{
	"code_change": true,
	"docs":        true,
	"analysis":    true,
	"ops":         true,
}

// Config holds the knobs the gate evaluates against. An empty allowlist
// denies every repository.
type Config struct {
	AllowedRepoPrefixes []string
	MinTimeBudget       int
	MaxTimeBudget       int
	DefaultTimeBudget   int
}

func (c Config) withDefaults() Config {
	if c.MinTimeBudget == 0 {
		c.MinTimeBudget = MinTimeBudgetSeconds
	}
	if c.MaxTimeBudget == 0 {
		c.MaxTimeBudget = MaxTimeBudgetSeconds
	}
	if c.DefaultTimeBudget == 0 {
		c.DefaultTimeBudget = DefaultTimeBudgetSeconds
	}
	return c
}

// Constraints are the execution limits requested for a task.
type Constraints struct {
	TimeBudgetSeconds int  `json:"time_budget_seconds,omitempty"`
	AllowNetwork      bool `json:"allow_network,omitempty"`
	AllowSecrets      bool `json:"allow_secrets,omitempty"`
}

// Request is an intake task request before gating.
type Request struct {
	IdempotencyKey       string            `json:"idempotency_key,omitempty"`
	RequestedBy          domain.Actor      `json:"requested_by"`
	Objective            string            `json:"objective"`
	Operation            string            `json:"operation"`
	Target               domain.Target     `json:"target"`
	Constraints          Constraints       `json:"constraints"`
	Inputs               map[string]string `json:"inputs,omitempty"`
	AcceptanceCriteria   []string          `json:"acceptance_criteria,omitempty"`
	EvidenceRequirements []string          `json:"evidence_requirements,omitempty"`
	Tags                 []string          `json:"tags,omitempty"`
	Meta                 map[string]any    `json:"meta,omitempty"`
}

// Error is a policy violation with a stable machine-readable code.
type Error struct {
	Code    string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NormalizeRepo canonicalizes a repository name: trim, strip a trailing
// .git, lowercase.
func NormalizeRepo(repo string) string {
	repo = strings.TrimSpace(repo)
	repo = strings.TrimSuffix(repo, ".git")
	return strings.ToLower(repo)
}

// ParseRepoPrefixes splits a comma-separated prefix list, dropping empties.
func ParseRepoPrefixes(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// Evaluate checks a request against policy and returns its normalized form.
// Pure: no IO, no clock. The returned request has repo canonicalized, ref
// and path defaulted, objective trimmed, and network/secrets forced off.
func Evaluate(req Request, cfg Config) (Request, error) {
	cfg = cfg.withDefaults()

	if !allowedOperations[req.Operation] {
		ops := make([]string, 0, len(allowedOperations))
		for op := range allowedOperations {
			ops = append(ops, op)
		}
		sort.Strings(ops)
		return Request{}, &Error{
			Code:    "INVALID_OPERATION",
			Message: fmt.Sprintf("operation %q is not allowed; allowed operations: %s", req.Operation, strings.Join(ops, ", ")),
		}
	}

	repo := NormalizeRepo(req.Target.Repo)
	allowed := false
	for _, prefix := range cfg.AllowedRepoPrefixes {
		if strings.HasPrefix(repo, strings.ToLower(prefix)) {
			allowed = true
			break
		}
	}
	if !allowed {
		return Request{}, &Error{
			Code:    "REPO_NOT_ALLOWED",
			Message: fmt.Sprintf("repository %q is not in the allowed namespace; allowed prefixes: %s", req.Target.Repo, strings.Join(cfg.AllowedRepoPrefixes, ", ")),
		}
	}

	budget := req.Constraints.TimeBudgetSeconds
	if budget == 0 {
		budget = cfg.DefaultTimeBudget
	}
	if budget < cfg.MinTimeBudget {
		return Request{}, &Error{
			Code:    "TIME_BUDGET_TOO_LOW",
			Message: fmt.Sprintf("time budget %ds is below minimum (%ds)", budget, cfg.MinTimeBudget),
		}
	}
	if budget > cfg.MaxTimeBudget {
		return Request{}, &Error{
			Code:    "TIME_BUDGET_TOO_HIGH",
			Message: fmt.Sprintf("time budget %ds exceeds maximum (%ds)", budget, cfg.MaxTimeBudget),
		}
	}
	if req.Constraints.AllowNetwork {
		return Request{}, &Error{
			Code:    "NETWORK_ACCESS_DENIED",
			Message: "network access is not allowed; set constraints.allow_network to false",
		}
	}
	if req.Constraints.AllowSecrets {
		return Request{}, &Error{
			Code:    "SECRETS_ACCESS_DENIED",
			Message: "secrets access is not allowed; set constraints.allow_secrets to false",
		}
	}

	norm := req
	norm.Objective = strings.TrimSpace(req.Objective)
	norm.Target.Repo = repo
	if norm.Target.Ref == "" {
		norm.Target.Ref = "main"
	}
	norm.Constraints = Constraints{TimeBudgetSeconds: budget}
	return norm, nil
}

// legacyRequest carries the old field names still accepted at intake.
// Canonical fields win when both are present.
type legacyRequest struct {
	Request
	Type    string            `json:"type,omitempty"`
	Payload map[string]string `json:"payload,omitempty"`
	Target  struct {
		Repo       string `json:"repo,omitempty"`
		Repository string `json:"repository,omitempty"`
		Ref        string `json:"ref,omitempty"`
		Path       string `json:"path,omitempty"`
	} `json:"target"`
}

// DecodeRequest parses an intake body, folding legacy aliases (type,
// payload, target.repository) into their canonical fields.
func DecodeRequest(data []byte) (Request, error) {
	var legacy legacyRequest
	if err := json.Unmarshal(data, &legacy); err != nil {
		return Request{}, fmt.Errorf("invalid task request: %w", err)
	}
	req := legacy.Request
	if req.Operation == "" && legacy.Type != "" {
		req.Operation = legacy.Type
	}
	if req.Inputs == nil && legacy.Payload != nil {
		req.Inputs = legacy.Payload
	}
	req.Target.Repo = legacy.Target.Repo
	if req.Target.Repo == "" && legacy.Target.Repository != "" {
		req.Target.Repo = legacy.Target.Repository
	}
	req.Target.Ref = legacy.Target.Ref
	req.Target.Path = legacy.Target.Path
	return req, nil
}
