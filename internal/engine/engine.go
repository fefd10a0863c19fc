package engine

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"towerline/internal/audit"
	"towerline/internal/config"
	"towerline/internal/domain"
	"towerline/internal/policy"
	"towerline/internal/prover"
	"towerline/internal/repo"
	"towerline/internal/trace"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Audit  audit.Logger
	Config *config.Config
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Audit:  audit.Logger{DB: db},
		Config: cfg,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e Engine) nowRFC() string {
	return e.now().UTC().Format(time.RFC3339)
}

// newID returns a UUIDv7, which sorts by creation time.
func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// ConflictError reports a duplicate idempotency key. Task is the original.
type ConflictError struct {
	Task domain.Task
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("idempotency key already used by task %s", e.Task.ID)
}

// StateError reports an operation attempted against an entity in the wrong
// state.
type StateError struct {
	Code    string
	Message string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// ValidationError reports a malformed request rejected before policy.
type ValidationError struct {
	Message string
}

func (e *ValidationError) Error() string { return e.Message }

func (e Engine) policyConfig() policy.Config {
	cfg := policy.Config{}
	if e.Config != nil {
		cfg.AllowedRepoPrefixes = e.Config.Policy.AllowedRepoPrefixes
		cfg.MinTimeBudget = e.Config.Policy.MinTimeBudget
		cfg.MaxTimeBudget = e.Config.Policy.MaxTimeBudget
		cfg.DefaultTimeBudget = e.Config.Policy.DefaultTimeBudget
	}
	return cfg
}

func (e Engine) traceRoot() string {
	if e.Config != nil && e.Config.Trace.RootURI != "" {
		return e.Config.Trace.RootURI
	}
	return "file://.towerline/traces"
}

// Enqueue validates and gates a task request, then persists the task and its
// canonical work objects in one transaction. The idempotency key is optional;
// when present, a reused key returns a ConflictError carrying the original
// task and no new row is written.
func (e Engine) Enqueue(ctx context.Context, req policy.Request) (domain.Task, error) {
	req.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)
	if strings.TrimSpace(req.Objective) == "" {
		return domain.Task{}, &ValidationError{Message: "objective is required"}
	}
	if req.RequestedBy.Kind == "" || req.RequestedBy.ID == "" {
		return domain.Task{}, &ValidationError{Message: "requested_by.kind and requested_by.id are required"}
	}

	norm, err := policy.Evaluate(req, e.policyConfig())
	if err != nil {
		return domain.Task{}, err
	}

	if norm.IdempotencyKey != "" {
		if existing, err := e.Repo.GetTaskByIdempotencyKey(ctx, norm.IdempotencyKey); err == nil {
			return existing, &ConflictError{Task: existing}
		} else if !errors.Is(err, repo.ErrNotFound) {
			return domain.Task{}, err
		}
	}

	now := e.nowRFC()
	taskID := newID()
	traceID := newID()

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, err
	}
	defer tx.Rollback()

	repoRec, created, err := e.getOrCreateRepoTx(ctx, tx, norm.Target, traceID, now)
	if err != nil {
		return domain.Task{}, err
	}
	if created {
		if err := e.Audit.Append(ctx, tx, audit.Entry{
			Actor: norm.RequestedBy, Action: domain.ActionCreated,
			EntityKind: domain.KindRepo, EntityID: repoRec.ID,
			After: repoRec, TraceID: traceID,
		}); err != nil {
			return domain.Task{}, err
		}
	}

	snapshot := domain.ConstraintSnapshot{
		ID:                newID(),
		Scope:             "task/" + taskID,
		TimeBudgetSeconds: norm.Constraints.TimeBudgetSeconds,
		RiskTolerance:     "low",
		CreatedAt:         now,
	}
	if err := e.Repo.InsertConstraintSnapshotTx(ctx, tx, snapshot); err != nil {
		return domain.Task{}, fmt.Errorf("insert constraint snapshot: %w", err)
	}

	issue := domain.Issue{
		ID:                   newID(),
		RepoID:               repoRec.ID,
		Title:                issueTitle(norm.Objective),
		Description:          norm.Objective,
		Type:                 domain.IssueTypeForOperation(norm.Operation),
		Priority:             "P2",
		Status:               domain.StatusReady,
		AcceptanceCriteria:   norm.AcceptanceCriteria,
		EvidenceRequirements: norm.EvidenceRequirements,
		ConstraintSnapshotID: &snapshot.ID,
		Tags:                 norm.Tags,
		Meta:                 norm.Meta,
		TraceID:              &traceID,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if err := e.Repo.InsertIssueTx(ctx, tx, issue); err != nil {
		return domain.Task{}, fmt.Errorf("insert issue: %w", err)
	}

	assumptions := []string{"Target branch: " + norm.Target.Ref}
	if norm.Target.Path != "" {
		assumptions = append(assumptions, "Working path: "+norm.Target.Path)
	}
	packet := domain.ContextPacket{
		ID:                   newID(),
		ForIssueID:           issue.ID,
		Version:              "1.0",
		Summary:              norm.Objective,
		Assumptions:          assumptions,
		Inputs:               norm.Inputs,
		ConstraintSnapshotID: snapshot.ID,
		Meta: map[string]any{
			"operation":             norm.Operation,
			"acceptance_criteria":   norm.AcceptanceCriteria,
			"evidence_requirements": norm.EvidenceRequirements,
		},
		TraceID:   &traceID,
		CreatedAt: now,
	}
	if err := e.Repo.InsertContextPacketTx(ctx, tx, packet); err != nil {
		return domain.Task{}, fmt.Errorf("insert context packet: %w", err)
	}
	if err := e.Repo.LinkIssueContextTx(ctx, tx, issue.ID, packet.ID, snapshot.ID, now); err != nil {
		return domain.Task{}, err
	}
	issue.ContextPacketID = &packet.ID

	task := domain.Task{
		ID:                   taskID,
		Objective:            norm.Objective,
		Operation:            norm.Operation,
		Target:               norm.Target,
		TimeBudgetSeconds:    norm.Constraints.TimeBudgetSeconds,
		IdempotencyKey:       norm.IdempotencyKey,
		Status:               domain.TaskQueued,
		RequestedBy:          norm.RequestedBy,
		Inputs:               norm.Inputs,
		AcceptanceCriteria:   norm.AcceptanceCriteria,
		EvidenceRequirements: norm.EvidenceRequirements,
		IssueID:              &issue.ID,
		QueuedAt:             now,
		Tags:                 norm.Tags,
		Meta:                 norm.Meta,
		TraceID:              traceID,
		CreatedAt:            now,
		UpdatedAt:            now,
	}
	if err := e.Repo.InsertTaskTx(ctx, tx, task); err != nil {
		return domain.Task{}, fmt.Errorf("insert task: %w", err)
	}

	for _, entry := range []audit.Entry{
		{Actor: norm.RequestedBy, Action: domain.ActionCreated, EntityKind: domain.KindConstraintSnapshot, EntityID: snapshot.ID, After: snapshot, TraceID: traceID},
		{Actor: norm.RequestedBy, Action: domain.ActionCreated, EntityKind: domain.KindIssue, EntityID: issue.ID, After: issue, TraceID: traceID},
		{Actor: norm.RequestedBy, Action: domain.ActionCreated, EntityKind: domain.KindContextPacket, EntityID: packet.ID, After: packet, TraceID: traceID},
		{Actor: norm.RequestedBy, Action: domain.ActionLinked, EntityKind: domain.KindIssue, EntityID: issue.ID, Note: "context packet " + packet.ID, TraceID: traceID},
		{Actor: norm.RequestedBy, Action: domain.ActionCreated, EntityKind: domain.KindTask, EntityID: task.ID, After: task, TraceID: traceID},
	} {
		if err := e.Audit.Append(ctx, tx, entry); err != nil {
			return domain.Task{}, err
		}
	}

	if err := tx.Commit(); err != nil {
		return domain.Task{}, err
	}
	return task, nil
}

func (e Engine) getOrCreateRepoTx(ctx context.Context, tx *sql.Tx, target domain.Target, traceID, now string) (domain.Repo, bool, error) {
	slug := strings.ReplaceAll(target.Repo, "/", "-")
	existing, err := e.Repo.GetRepoBySlugTx(ctx, tx, slug)
	if err == nil {
		return existing, false, nil
	}
	if !errors.Is(err, repo.ErrNotFound) {
		return domain.Repo{}, false, err
	}
	rec := domain.Repo{
		ID:         newID(),
		Name:       target.Repo,
		Slug:       slug,
		Visibility: "private",
		DefaultRef: target.Ref,
		TraceID:    &traceID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := e.Repo.InsertRepoTx(ctx, tx, rec); err != nil {
		return domain.Repo{}, false, fmt.Errorf("insert repo: %w", err)
	}
	return rec, true, nil
}

// issueTitle is the first line of the objective, capped at 200 runes.
func issueTitle(objective string) string {
	line := objective
	if i := strings.IndexByte(line, '\n'); i >= 0 {
		line = line[:i]
	}
	line = strings.TrimSpace(line)
	runes := []rune(line)
	if len(runes) > 200 {
		return string(runes[:197]) + "..."
	}
	return line
}

// Claim atomically flips a queued task to running and opens a run pinned to
// the issue's current context packet and constraint snapshot. With racing
// claimers exactly one wins; losers get TASK_NOT_QUEUED.
func (e Engine) Claim(ctx context.Context, taskID string, worker domain.Actor, mode string) (domain.Task, domain.Run, error) {
	if mode == "" {
		mode = domain.ModeSystem
	}
	task, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return domain.Task{}, domain.Run{}, err
	}
	if task.IssueID == nil {
		return domain.Task{}, domain.Run{}, fmt.Errorf("task %s has no issue", taskID)
	}
	issue, err := e.Repo.GetIssue(ctx, *task.IssueID)
	if err != nil {
		return domain.Task{}, domain.Run{}, err
	}
	if issue.ContextPacketID == nil || issue.ConstraintSnapshotID == nil {
		return domain.Task{}, domain.Run{}, fmt.Errorf("issue %s has no pinned context", issue.ID)
	}

	now := e.nowRFC()
	runID := newID()
	run := domain.Run{
		ID:                   runID,
		ForIssueID:           issue.ID,
		RepoID:               issue.RepoID,
		Status:               domain.StatusRunning,
		Mode:                 mode,
		Executor:             domain.Executor{Kind: worker.Kind, Name: worker.ID, Version: worker.Label},
		ContextPacketID:      *issue.ContextPacketID,
		ConstraintSnapshotID: *issue.ConstraintSnapshotID,
		ArtifactRootURI:      strings.TrimSuffix(e.traceRoot(), "/") + "/" + runID,
		StartedAt:            &now,
		TraceID:              &task.TraceID,
		CreatedAt:            now,
		UpdatedAt:            now,
	}

	// Claim and run insert share one transaction so a failure after the
	// conditional UPDATE rolls the task back to queued.
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Task{}, domain.Run{}, err
	}
	defer tx.Rollback()

	if err := e.Repo.ClaimTaskTx(ctx, tx, taskID, worker.ID, now); err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Task{}, domain.Run{}, &StateError{
				Code:    "TASK_NOT_QUEUED",
				Message: fmt.Sprintf("task %s is not queued (status %s)", taskID, task.Status),
			}
		}
		return domain.Task{}, domain.Run{}, err
	}
	if err := e.Repo.InsertRunTx(ctx, tx, run); err != nil {
		return domain.Task{}, domain.Run{}, fmt.Errorf("insert run: %w", err)
	}
	if err := e.Repo.UpdateIssueStatusTx(ctx, tx, issue.ID, domain.StatusRunning, now); err != nil {
		return domain.Task{}, domain.Run{}, err
	}
	if err := e.Repo.SetTaskTraceURITx(ctx, tx, taskID, run.ArtifactRootURI, now); err != nil {
		return domain.Task{}, domain.Run{}, err
	}
	if err := e.Audit.Append(ctx, tx, audit.Entry{
		Actor: worker, Action: domain.ActionCreated,
		EntityKind: domain.KindRun, EntityID: run.ID, After: run, TraceID: task.TraceID,
	}); err != nil {
		return domain.Task{}, domain.Run{}, err
	}
	if err := e.Audit.StatusChange(ctx, tx, worker, domain.KindTask, taskID, domain.TaskQueued, domain.TaskRunning, task.TraceID); err != nil {
		return domain.Task{}, domain.Run{}, err
	}
	if err := e.Audit.StatusChange(ctx, tx, worker, domain.KindIssue, issue.ID, issue.Status, domain.StatusRunning, task.TraceID); err != nil {
		return domain.Task{}, domain.Run{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Task{}, domain.Run{}, err
	}

	task, err = e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return domain.Task{}, domain.Run{}, err
	}
	return task, run, nil
}

// ArtifactSpec describes one output an executor reports.
type ArtifactSpec struct {
	Type      string
	Title     string
	URI       string
	Digest    string
	MediaType string
}

// RecordArtifact attaches an immutable artifact to the task's active run.
func (e Engine) RecordArtifact(ctx context.Context, taskID string, spec ArtifactSpec, actor domain.Actor) (domain.Artifact, error) {
	task, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return domain.Artifact{}, err
	}
	if task.Status != domain.TaskRunning || task.IssueID == nil {
		return domain.Artifact{}, &StateError{
			Code:    "TASK_NOT_RUNNING",
			Message: fmt.Sprintf("task %s is not running (status %s)", taskID, task.Status),
		}
	}
	run, err := e.Repo.ActiveRunForIssue(ctx, *task.IssueID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Artifact{}, &StateError{Code: "NO_ACTIVE_RUN", Message: "no running run for task " + taskID}
		}
		return domain.Artifact{}, err
	}
	if spec.Title == "" || spec.Type == "" {
		return domain.Artifact{}, &ValidationError{Message: "artifact type and title are required"}
	}
	now := e.nowRFC()
	a := domain.Artifact{
		ID:        newID(),
		RunID:     run.ID,
		IssueID:   run.ForIssueID,
		Type:      spec.Type,
		Title:     spec.Title,
		URI:       spec.URI,
		TraceID:   &task.TraceID,
		CreatedAt: now,
	}
	if spec.URI == "" {
		a.URI = run.ArtifactRootURI + "/artifacts/" + a.ID
	}
	if spec.Digest != "" {
		a.Digest = &spec.Digest
	}
	if spec.MediaType != "" {
		a.MediaType = &spec.MediaType
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Artifact{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertArtifactTx(ctx, tx, a); err != nil {
		return domain.Artifact{}, fmt.Errorf("insert artifact: %w", err)
	}
	if err := e.Audit.Append(ctx, tx, audit.Entry{
		Actor: actor, Action: domain.ActionCreated,
		EntityKind: domain.KindArtifact, EntityID: a.ID, After: a, TraceID: task.TraceID,
	}); err != nil {
		return domain.Artifact{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Artifact{}, err
	}
	return a, nil
}

// CompleteOptions reports the outcome of execution.
type CompleteOptions struct {
	Success         bool
	Summary         string
	Outputs         map[string]any
	Telemetry       map[string]any
	FailureCategory string
	FailureMessage  string
	Actor           domain.Actor
}

// CompleteResult is what the pipeline produced for a finished task.
type CompleteResult struct {
	Task     domain.Task
	Run      domain.Run
	Evidence domain.EvidencePack
	Decision *domain.ReviewDecision
}

// Complete closes out execution: the run is finalized, the prover derives a
// verdict, the review policy routes the issue, and the task lands in
// completed. Execution failure does not short-circuit any of this; failed
// runs are proven and reviewed like successful ones.
func (e Engine) Complete(ctx context.Context, taskID string, opts CompleteOptions) (CompleteResult, error) {
	task, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return CompleteResult{}, err
	}
	if task.Status != domain.TaskRunning || task.IssueID == nil {
		return CompleteResult{}, &StateError{
			Code:    "TASK_NOT_RUNNING",
			Message: fmt.Sprintf("task %s is not running (status %s)", taskID, task.Status),
		}
	}
	issue, err := e.Repo.GetIssue(ctx, *task.IssueID)
	if err != nil {
		return CompleteResult{}, err
	}
	run, err := e.Repo.ActiveRunForIssue(ctx, issue.ID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return CompleteResult{}, &StateError{Code: "NO_ACTIVE_RUN", Message: "no running run for task " + taskID}
		}
		return CompleteResult{}, err
	}

	now := e.nowRFC()
	run.EndedAt = &now
	run.UpdatedAt = now
	run.Outputs = opts.Outputs
	run.Telemetry = opts.Telemetry
	if !opts.Success {
		run.Status = domain.StatusFailed
		cat := opts.FailureCategory
		if cat == "" {
			cat = domain.FailureUnknown
		}
		run.FailureCategory = &cat
		if opts.FailureMessage != "" {
			run.FailureMessage = &opts.FailureMessage
		}
	}

	artifacts, err := e.Repo.ListArtifactsForRun(ctx, run.ID)
	if err != nil {
		return CompleteResult{}, err
	}

	store, err := trace.Open(e.traceRoot(), run.ID)
	if err != nil {
		return CompleteResult{}, fmt.Errorf("open trace store: %w", err)
	}
	pack, err := prover.Prove(prover.Input{
		Run:       run,
		Issue:     issue,
		Artifacts: artifacts,
		Now:       e.now(),
	}, store)
	if err != nil {
		return CompleteResult{}, fmt.Errorf("prove run %s: %w", run.ID, err)
	}

	autoApprove := e.Config != nil && e.Config.Review.AutoApprove && run.Status != domain.StatusFailed && verdictQualifies(pack.Verdict, e.Config.Review.QualifyingVerdicts)

	finalRunStatus := domain.StatusUnderReview
	finalIssueStatus := domain.StatusUnderReview
	if run.Status == domain.StatusFailed {
		finalRunStatus = domain.StatusFailed
	}
	var decision *domain.ReviewDecision
	if autoApprove {
		finalRunStatus = domain.StatusDone
		finalIssueStatus = domain.StatusDone
		decision = &domain.ReviewDecision{
			ID:             newID(),
			EvidencePackID: pack.ID,
			RunID:          run.ID,
			IssueID:        issue.ID,
			Decision:       domain.DecisionApproved,
			ReviewerKind:   domain.ActorSystem,
			ReviewerID:     "auto-approve",
			Reason:         fmt.Sprintf("auto-approved: verdict %s qualifies", pack.Verdict),
			DecidedAt:      now,
			TraceID:        &task.TraceID,
		}
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return CompleteResult{}, err
	}
	defer tx.Rollback()

	prevRunStatus := domain.StatusRunning
	run.Status = finalRunStatus
	if err := e.Repo.FinishRunTx(ctx, tx, run); err != nil {
		return CompleteResult{}, err
	}
	if err := e.Repo.InsertEvidencePackTx(ctx, tx, pack); err != nil {
		return CompleteResult{}, fmt.Errorf("insert evidence pack: %w", err)
	}
	if err := e.Repo.UpdateIssueStatusTx(ctx, tx, issue.ID, finalIssueStatus, now); err != nil {
		return CompleteResult{}, err
	}
	result := map[string]any{
		"verdict":          pack.Verdict,
		"evidence_pack_id": pack.ID,
		"run_id":           run.ID,
	}
	if opts.Summary != "" {
		result["summary"] = opts.Summary
	}
	if err := e.Repo.FinishTaskTx(ctx, tx, taskID, domain.TaskCompleted, result, opts.FailureMessage, now); err != nil {
		return CompleteResult{}, err
	}

	sysActor := opts.Actor
	if sysActor.ID == "" {
		sysActor = domain.Actor{Kind: domain.ActorSystem, ID: "worker"}
	}
	if err := e.Audit.Append(ctx, tx, audit.Entry{
		Actor: sysActor, Action: domain.ActionCreated,
		EntityKind: domain.KindEvidencePack, EntityID: pack.ID, After: pack, TraceID: task.TraceID,
	}); err != nil {
		return CompleteResult{}, err
	}
	if err := e.Audit.StatusChange(ctx, tx, sysActor, domain.KindRun, run.ID, prevRunStatus, finalRunStatus, task.TraceID); err != nil {
		return CompleteResult{}, err
	}
	if err := e.Audit.StatusChange(ctx, tx, sysActor, domain.KindIssue, issue.ID, domain.StatusRunning, finalIssueStatus, task.TraceID); err != nil {
		return CompleteResult{}, err
	}
	if err := e.Audit.StatusChange(ctx, tx, sysActor, domain.KindTask, taskID, domain.TaskRunning, domain.TaskCompleted, task.TraceID); err != nil {
		return CompleteResult{}, err
	}
	if decision != nil {
		if err := e.Repo.InsertReviewDecisionTx(ctx, tx, *decision); err != nil {
			return CompleteResult{}, fmt.Errorf("insert review decision: %w", err)
		}
		if err := e.Audit.Append(ctx, tx, audit.Entry{
			Actor:      domain.Actor{Kind: domain.ActorSystem, ID: "auto-approve"},
			Action:     domain.ActionCreated,
			EntityKind: domain.KindReviewDecision, EntityID: decision.ID, After: *decision, TraceID: task.TraceID,
		}); err != nil {
			return CompleteResult{}, err
		}
	}

	if err := tx.Commit(); err != nil {
		return CompleteResult{}, err
	}

	task, err = e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return CompleteResult{}, err
	}
	return CompleteResult{Task: task, Run: run, Evidence: pack, Decision: decision}, nil
}

func verdictQualifies(verdict string, qualifying []string) bool {
	for _, v := range qualifying {
		if v == verdict {
			return true
		}
	}
	return false
}

// SubmitReview records a manual decision for an evidence pack. Valid only
// while the issue sits in under_review. Approval closes issue and run as
// done; rejection and needs_changes close them as failed.
func (e Engine) SubmitReview(ctx context.Context, packID, decision, reason string, reviewer domain.Actor) (domain.ReviewDecision, error) {
	switch decision {
	case domain.DecisionApproved, domain.DecisionRejected, domain.DecisionNeedsChanges:
	default:
		return domain.ReviewDecision{}, &ValidationError{Message: fmt.Sprintf("unknown decision %q", decision)}
	}
	if reviewer.Kind == "" || reviewer.ID == "" {
		return domain.ReviewDecision{}, &ValidationError{Message: "reviewer kind and id are required"}
	}
	pack, err := e.Repo.GetEvidencePack(ctx, packID)
	if err != nil {
		return domain.ReviewDecision{}, err
	}
	issue, err := e.Repo.GetIssue(ctx, pack.IssueID)
	if err != nil {
		return domain.ReviewDecision{}, err
	}
	if issue.Status != domain.StatusUnderReview {
		return domain.ReviewDecision{}, &StateError{
			Code:    "ISSUE_NOT_UNDER_REVIEW",
			Message: fmt.Sprintf("issue %s is not under review (status %s)", issue.ID, issue.Status),
		}
	}
	run, err := e.Repo.GetRun(ctx, pack.RunID)
	if err != nil {
		return domain.ReviewDecision{}, err
	}

	now := e.nowRFC()
	rd := domain.ReviewDecision{
		ID:             newID(),
		EvidencePackID: pack.ID,
		RunID:          pack.RunID,
		IssueID:        pack.IssueID,
		Decision:       decision,
		ReviewerKind:   reviewer.Kind,
		ReviewerID:     reviewer.ID,
		Reason:         reason,
		DecidedAt:      now,
		TraceID:        pack.TraceID,
	}
	finalStatus := domain.StatusFailed
	if decision == domain.DecisionApproved {
		finalStatus = domain.StatusDone
	}

	traceID := ""
	if pack.TraceID != nil {
		traceID = *pack.TraceID
	}

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ReviewDecision{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertReviewDecisionTx(ctx, tx, rd); err != nil {
		return domain.ReviewDecision{}, fmt.Errorf("insert review decision: %w", err)
	}
	if err := e.Repo.UpdateIssueStatusTx(ctx, tx, issue.ID, finalStatus, now); err != nil {
		return domain.ReviewDecision{}, err
	}
	if run.Status == domain.StatusUnderReview {
		if err := e.Repo.UpdateRunStatusTx(ctx, tx, run.ID, finalStatus, now); err != nil {
			return domain.ReviewDecision{}, err
		}
	}
	if err := e.Audit.Append(ctx, tx, audit.Entry{
		Actor: reviewer, Action: domain.ActionCreated,
		EntityKind: domain.KindReviewDecision, EntityID: rd.ID, After: rd, TraceID: traceID,
	}); err != nil {
		return domain.ReviewDecision{}, err
	}
	if err := e.Audit.StatusChange(ctx, tx, reviewer, domain.KindIssue, issue.ID, domain.StatusUnderReview, finalStatus, traceID); err != nil {
		return domain.ReviewDecision{}, err
	}
	if run.Status == domain.StatusUnderReview {
		if err := e.Audit.StatusChange(ctx, tx, reviewer, domain.KindRun, run.ID, domain.StatusUnderReview, finalStatus, traceID); err != nil {
			return domain.ReviewDecision{}, err
		}
	}
	if err := tx.Commit(); err != nil {
		return domain.ReviewDecision{}, err
	}
	return rd, nil
}

// CreateDoctrineRef registers a versioned doctrine document. Name and
// version together must be unique.
func (e Engine) CreateDoctrineRef(ctx context.Context, d domain.DoctrineRef) (domain.DoctrineRef, error) {
	if strings.TrimSpace(d.Name) == "" || strings.TrimSpace(d.Version) == "" {
		return domain.DoctrineRef{}, &ValidationError{Message: "doctrine name and version are required"}
	}
	if strings.TrimSpace(d.Body) == "" {
		return domain.DoctrineRef{}, &ValidationError{Message: "doctrine body is required"}
	}
	now := e.nowRFC()
	d.ID = newID()
	d.CreatedAt = now
	d.UpdatedAt = now

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.DoctrineRef{}, err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertDoctrineRefTx(ctx, tx, d); err != nil {
		return domain.DoctrineRef{}, fmt.Errorf("insert doctrine ref: %w", err)
	}
	if err := e.Audit.Append(ctx, tx, audit.Entry{
		Actor:      domain.Actor{Kind: domain.ActorSystem, ID: "api"},
		Action:     domain.ActionCreated,
		EntityKind: domain.KindDoctrineRef, EntityID: d.ID, After: d,
	}); err != nil {
		return domain.DoctrineRef{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.DoctrineRef{}, err
	}
	return d, nil
}

// ContextView bundles everything an executor needs to start work on a task.
type ContextView struct {
	Task     domain.Task
	Issue    domain.Issue
	Packet   domain.ContextPacket
	Snapshot domain.ConstraintSnapshot
}

// GetContext returns the task's issue with its pinned packet and snapshot.
func (e Engine) GetContext(ctx context.Context, taskID string) (ContextView, error) {
	task, err := e.Repo.GetTask(ctx, taskID)
	if err != nil {
		return ContextView{}, err
	}
	if task.IssueID == nil {
		return ContextView{}, fmt.Errorf("task %s has no issue", taskID)
	}
	issue, err := e.Repo.GetIssue(ctx, *task.IssueID)
	if err != nil {
		return ContextView{}, err
	}
	if issue.ContextPacketID == nil || issue.ConstraintSnapshotID == nil {
		return ContextView{}, fmt.Errorf("issue %s has no pinned context", issue.ID)
	}
	packet, err := e.Repo.GetContextPacket(ctx, *issue.ContextPacketID)
	if err != nil {
		return ContextView{}, err
	}
	snapshot, err := e.Repo.GetConstraintSnapshot(ctx, *issue.ConstraintSnapshotID)
	if err != nil {
		return ContextView{}, err
	}
	return ContextView{Task: task, Issue: issue, Packet: packet, Snapshot: snapshot}, nil
}
