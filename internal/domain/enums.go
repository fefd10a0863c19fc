package domain

// Task lifecycle. Completed means the pipeline ran to its end; whether the
// work passed review lives on the issue and run, not here.
const (
	TaskQueued    = "queued"
	TaskRunning   = "running"
	TaskCompleted = "completed"
	TaskFailed    = "failed"
	TaskCanceled  = "canceled"
)

// Issue and run statuses share one vocabulary.
const (
	StatusPlanned     = "planned"
	StatusReady       = "ready"
	StatusRunning     = "running"
	StatusBlocked     = "blocked"
	StatusUnderReview = "under_review"
	StatusDone        = "done"
	StatusFailed      = "failed"
	StatusCanceled    = "canceled"
)

// Run modes.
const (
	ModeHuman  = "human"
	ModeAgent  = "agent"
	ModeHybrid = "hybrid"
	ModeSystem = "system"
)

// Prover verdicts.
const (
	VerdictPass    = "pass"
	VerdictFail    = "fail"
	VerdictPartial = "partial"
	VerdictPending = "pending"
)

// Acceptance criterion statuses.
const (
	CriterionSatisfied    = "satisfied"
	CriterionNotSatisfied = "not_satisfied"
	CriterionUnverified   = "unverified"
	CriterionSkipped      = "skipped"
)

// Run failure categories.
const (
	FailurePolicy     = "policy"
	FailureBuild      = "build"
	FailureTest       = "test"
	FailureRuntime    = "runtime"
	FailureDependency = "dependency"
	FailureUnknown    = "unknown"
)

// Review decisions.
const (
	DecisionApproved     = "approved"
	DecisionRejected     = "rejected"
	DecisionNeedsChanges = "needs_changes"
)

// Actor kinds.
const (
	ActorHuman  = "human"
	ActorAgent  = "agent"
	ActorSystem = "system"
)

// Artifact types.
const (
	ArtifactCodePatch      = "code_patch"
	ArtifactCommit         = "commit"
	ArtifactPR             = "pr"
	ArtifactBuild          = "build"
	ArtifactContainerImage = "container_image"
	ArtifactDoc            = "doc"
	ArtifactReport         = "report"
	ArtifactDataset        = "dataset"
	ArtifactLog            = "log"
	ArtifactTrace          = "trace"
	ArtifactBinary         = "binary"
	ArtifactLink           = "link"
)

// Audit actions.
const (
	ActionCreated       = "created"
	ActionUpdated       = "updated"
	ActionStatusChanged = "status_changed"
	ActionDeleted       = "deleted"
	ActionLinked        = "linked"
	ActionUnlinked      = "unlinked"
)

// Entity kinds used in audit rows and cross-entity references.
const (
	KindRepo               = "repo"
	KindIssue              = "issue"
	KindContextPacket      = "context_packet"
	KindConstraintSnapshot = "constraint_snapshot"
	KindDoctrineRef        = "doctrine_ref"
	KindRun                = "run"
	KindArtifact           = "artifact"
	KindEvidencePack       = "evidence_pack"
	KindReviewDecision     = "review_decision"
	KindTask               = "task"
)

// IssueTypeForOperation maps a task operation to the issue type the intake
// materializes.
func IssueTypeForOperation(op string) string {
	switch op {
	case "code_change":
		return "feature"
	case "docs":
		return "doc"
	case "analysis":
		return "research"
	case "ops":
		return "ops"
	}
	return "chore"
}
