package domain

// Repo is a code repository known to the control tower.
type Repo struct {
	ID         string         `json:"id"`
	Name       string         `json:"name"`
	Slug       string         `json:"slug"`
	Visibility string         `json:"visibility" enum:"public,private,internal"`
	DefaultRef string         `json:"default_ref"`
	Tags       []string       `json:"tags,omitempty"`
	Meta       map[string]any `json:"meta,omitempty"`
	TraceID    *string        `json:"trace_id,omitempty"`
	CreatedAt  string         `json:"created_at" format:"date-time"`
	UpdatedAt  string         `json:"updated_at" format:"date-time"`
}

// Issue is a unit of work against a repo.
type Issue struct {
	ID                   string         `json:"id"`
	RepoID               string         `json:"repo_id"`
	Title                string         `json:"title"`
	Description          string         `json:"description,omitempty"`
	Type                 string         `json:"type" enum:"feature,bug,chore,research,ops,doc,incident"`
	Priority             string         `json:"priority" enum:"P0,P1,P2,P3,P4"`
	Status               string         `json:"status" enum:"planned,ready,running,blocked,under_review,done,failed,canceled"`
	ParentID             *string        `json:"parent_id,omitempty"`
	AcceptanceCriteria   []string       `json:"acceptance_criteria,omitempty"`
	EvidenceRequirements []string       `json:"evidence_requirements,omitempty"`
	ContextPacketID      *string        `json:"context_packet_id,omitempty"`
	ConstraintSnapshotID *string        `json:"constraint_snapshot_id,omitempty"`
	Tags                 []string       `json:"tags,omitempty"`
	Meta                 map[string]any `json:"meta,omitempty"`
	TraceID              *string        `json:"trace_id,omitempty"`
	CreatedAt            string         `json:"created_at" format:"date-time"`
	UpdatedAt            string         `json:"updated_at" format:"date-time"`
}

// ContextPacket is the immutable briefing an executor receives for an issue.
// Packets are never updated; a changed briefing means a new packet with a
// bumped version.
type ContextPacket struct {
	ID                   string            `json:"id"`
	ForIssueID           string            `json:"for_issue_id"`
	Version              string            `json:"version"`
	Summary              string            `json:"summary"`
	Instructions         string            `json:"instructions,omitempty"`
	Assumptions          []string          `json:"assumptions,omitempty"`
	OpenQuestions        []string          `json:"open_questions,omitempty"`
	Inputs               map[string]string `json:"inputs,omitempty"`
	ConstraintSnapshotID string            `json:"constraint_snapshot_id"`
	Tags                 []string          `json:"tags,omitempty"`
	Meta                 map[string]any    `json:"meta,omitempty"`
	TraceID              *string           `json:"trace_id,omitempty"`
	CreatedAt            string            `json:"created_at" format:"date-time"`
}

// ConstraintSnapshot pins the execution constraints for a run. Immutable.
type ConstraintSnapshot struct {
	ID                string         `json:"id"`
	Scope             string         `json:"scope"`
	TimeBudgetSeconds int            `json:"time_budget_seconds"`
	AllowNetwork      bool           `json:"allow_network"`
	AllowSecrets      bool           `json:"allow_secrets"`
	AllowedTools      []string       `json:"allowed_tools,omitempty"`
	BlockedTools      []string       `json:"blocked_tools,omitempty"`
	RiskTolerance     string         `json:"risk_tolerance" enum:"low,medium,high"`
	Tags              []string       `json:"tags,omitempty"`
	Meta              map[string]any `json:"meta,omitempty"`
	CreatedAt         string         `json:"created_at" format:"date-time"`
}

// DoctrineRef is a versioned governing rule that work can cite.
type DoctrineRef struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Version   string         `json:"version"`
	Type      string         `json:"type" enum:"principle,policy,procedure,heuristic,pattern"`
	Priority  string         `json:"priority" enum:"must,should,may"`
	AppliesTo []string       `json:"applies_to,omitempty"`
	Body      string         `json:"body"`
	Tags      []string       `json:"tags,omitempty"`
	Meta      map[string]any `json:"meta,omitempty"`
	CreatedAt string         `json:"created_at" format:"date-time"`
	UpdatedAt string         `json:"updated_at" format:"date-time"`
}

// Executor identifies who or what performed a run.
type Executor struct {
	Kind    string `json:"kind" enum:"human,agent,system"`
	Name    string `json:"name"`
	Version string `json:"version,omitempty"`
}

// Run is one execution attempt of an issue.
type Run struct {
	ID                   string         `json:"id"`
	ForIssueID           string         `json:"for_issue_id"`
	RepoID               string         `json:"repo_id"`
	Status               string         `json:"status" enum:"planned,running,under_review,done,failed,canceled"`
	Mode                 string         `json:"mode" enum:"human,agent,hybrid,system"`
	Executor             Executor       `json:"executor"`
	ContextPacketID      string         `json:"context_packet_id"`
	ConstraintSnapshotID string         `json:"constraint_snapshot_id"`
	ArtifactRootURI      string         `json:"artifact_root_uri"`
	StartedAt            *string        `json:"started_at,omitempty" format:"date-time"`
	EndedAt              *string        `json:"ended_at,omitempty" format:"date-time"`
	Telemetry            map[string]any `json:"telemetry,omitempty"`
	Outputs              map[string]any `json:"outputs,omitempty"`
	FailureCategory      *string        `json:"failure_category,omitempty" enum:"policy,build,test,runtime,dependency,unknown"`
	FailureMessage       *string        `json:"failure_message,omitempty"`
	Tags                 []string       `json:"tags,omitempty"`
	Meta                 map[string]any `json:"meta,omitempty"`
	TraceID              *string        `json:"trace_id,omitempty"`
	CreatedAt            string         `json:"created_at" format:"date-time"`
	UpdatedAt            string         `json:"updated_at" format:"date-time"`
}

// Artifact is an immutable output produced by a run.
type Artifact struct {
	ID           string         `json:"id"`
	RunID        string         `json:"run_id"`
	IssueID      string         `json:"issue_id"`
	Type         string         `json:"type" enum:"code_patch,commit,pr,build,container_image,doc,report,dataset,log,trace,binary,link"`
	Title        string         `json:"title"`
	URI          string         `json:"uri"`
	Digest       *string        `json:"digest,omitempty"`
	MediaType    *string        `json:"media_type,omitempty"`
	Verification *string        `json:"verification,omitempty"`
	Tags         []string       `json:"tags,omitempty"`
	Meta         map[string]any `json:"meta,omitempty"`
	TraceID      *string        `json:"trace_id,omitempty"`
	CreatedAt    string         `json:"created_at" format:"date-time"`
}

// CriterionResult records the evaluation of one acceptance criterion.
type CriterionResult struct {
	Criterion string `json:"criterion"`
	Status    string `json:"status" enum:"satisfied,not_satisfied,unverified,skipped"`
	Detail    string `json:"detail,omitempty"`
}

// EvidenceMatch ties an evidence requirement to the artifact that satisfies it.
type EvidenceMatch struct {
	Requirement string `json:"requirement"`
	ArtifactID  string `json:"artifact_id"`
	Via         string `json:"via"`
}

// EvidencePack is the prover's verdict for a run. Exactly one per run.
type EvidencePack struct {
	ID              string            `json:"id"`
	RunID           string            `json:"run_id"`
	IssueID         string            `json:"issue_id"`
	Verdict         string            `json:"verdict" enum:"pass,fail,partial,pending"`
	VerdictReason   string            `json:"verdict_reason"`
	CriteriaResults []CriterionResult `json:"criteria_results,omitempty"`
	EvidenceFound   []EvidenceMatch   `json:"evidence_found,omitempty"`
	EvidenceMissing []string          `json:"evidence_missing,omitempty"`
	ChecksPassed    int               `json:"checks_passed"`
	ChecksFailed    int               `json:"checks_failed"`
	ChecksSkipped   int               `json:"checks_skipped"`
	EvidenceURI     string            `json:"evidence_uri,omitempty"`
	Tags            []string          `json:"tags,omitempty"`
	Meta            map[string]any    `json:"meta,omitempty"`
	TraceID         *string           `json:"trace_id,omitempty"`
	CreatedAt       string            `json:"created_at" format:"date-time"`
}

// ReviewDecision is a reviewer's ruling on an evidence pack.
type ReviewDecision struct {
	ID             string         `json:"id"`
	EvidencePackID string         `json:"evidence_pack_id"`
	RunID          string         `json:"run_id"`
	IssueID        string         `json:"issue_id"`
	Decision       string         `json:"decision" enum:"approved,rejected,needs_changes"`
	ReviewerKind   string         `json:"reviewer_kind" enum:"human,agent,system"`
	ReviewerID     string         `json:"reviewer_id"`
	Reason         string         `json:"reason,omitempty"`
	DecidedAt      string         `json:"decided_at" format:"date-time"`
	Tags           []string       `json:"tags,omitempty"`
	Meta           map[string]any `json:"meta,omitempty"`
	TraceID        *string        `json:"trace_id,omitempty"`
}

// Actor identifies who requested a task.
type Actor struct {
	Kind  string `json:"kind" enum:"human,agent,system"`
	ID    string `json:"id"`
	Label string `json:"label,omitempty"`
}

// Target pins a task to a location in a repo.
type Target struct {
	Repo string `json:"repo"`
	Ref  string `json:"ref,omitempty"`
	Path string `json:"path,omitempty"`
}

// Task is the intake-facing work request. Accepted tasks materialize a
// CWOM graph (repo, issue, context packet, constraint snapshot).
type Task struct {
	ID                   string            `json:"id"`
	Objective            string            `json:"objective"`
	Operation            string            `json:"operation" enum:"code_change,docs,analysis,ops"`
	Target               Target            `json:"target"`
	TimeBudgetSeconds    int               `json:"time_budget_seconds"`
	AllowNetwork         bool              `json:"allow_network"`
	AllowSecrets         bool              `json:"allow_secrets"`
	IdempotencyKey       string            `json:"idempotency_key,omitempty"`
	Status               string            `json:"status" enum:"queued,running,completed,failed,canceled"`
	RequestedBy          Actor             `json:"requested_by"`
	Inputs               map[string]string `json:"inputs,omitempty"`
	AcceptanceCriteria   []string          `json:"acceptance_criteria,omitempty"`
	EvidenceRequirements []string          `json:"evidence_requirements,omitempty"`
	IssueID              *string           `json:"issue_id,omitempty"`
	AssignedTo           *string           `json:"assigned_to,omitempty"`
	QueuedAt             string            `json:"queued_at" format:"date-time"`
	StartedAt            *string           `json:"started_at,omitempty" format:"date-time"`
	CompletedAt          *string           `json:"completed_at,omitempty" format:"date-time"`
	Result               map[string]any    `json:"result,omitempty"`
	Error                *string           `json:"error,omitempty"`
	Tags                 []string          `json:"tags,omitempty"`
	Meta                 map[string]any    `json:"meta,omitempty"`
	TraceID              string            `json:"trace_id"`
	TraceURI             *string           `json:"trace_uri,omitempty"`
	CreatedAt            string            `json:"created_at" format:"date-time"`
	UpdatedAt            string            `json:"updated_at" format:"date-time"`
}

// AuditEntry is one row of the append-only audit log.
type AuditEntry struct {
	ID         int64   `json:"id"`
	TS         string  `json:"ts" format:"date-time"`
	ActorKind  string  `json:"actor_kind" enum:"human,agent,system"`
	ActorID    string  `json:"actor_id"`
	Action     string  `json:"action" enum:"created,updated,status_changed,deleted,linked,unlinked"`
	EntityKind string  `json:"entity_kind"`
	EntityID   string  `json:"entity_id"`
	Before     *string `json:"before,omitempty"`
	After      *string `json:"after,omitempty"`
	Note       string  `json:"note,omitempty"`
	TraceID    *string `json:"trace_id,omitempty"`
}
