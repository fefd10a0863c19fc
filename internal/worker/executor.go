package worker

import (
	"context"
	"fmt"
	"strings"

	"towerline/internal/domain"
	"towerline/internal/engine"
	"towerline/internal/trace"
)

// Input is what an executor gets: the claimed task with its pinned context
// and a trace store scoped to the run.
type Input struct {
	Task     domain.Task
	Issue    domain.Issue
	Packet   domain.ContextPacket
	Snapshot domain.ConstraintSnapshot
	Run      domain.Run
	Store    trace.Store
}

// Result is what an executor hands back on success. Artifacts reported
// during execution are already persisted; Outputs and Summary land on the
// run and task.
type Result struct {
	Summary   string
	Outputs   map[string]any
	Artifacts []engine.ArtifactSpec
}

// Executor performs the actual work of a run. Implementations must respect
// ctx, which carries the task's time budget as a deadline.
type Executor interface {
	Name() string
	Version() string
	Execute(ctx context.Context, in Input) (Result, error)
}

// NewExecutor returns the executor registered under name.
func NewExecutor(name string) (Executor, error) {
	switch name {
	case "stub":
		return StubExecutor{}, nil
	case "noop":
		return NoopExecutor{}, nil
	}
	return nil, fmt.Errorf("unknown executor %q", name)
}

// StubExecutor produces a plausible artifact per evidence requirement plus a
// summary report. It exists so the pipeline can be exercised end to end
// before a real executor is wired in.
type StubExecutor struct{}

func (StubExecutor) Name() string    { return "stub" }
func (StubExecutor) Version() string { return "1.0" }

func (StubExecutor) Execute(ctx context.Context, in Input) (Result, error) {
	if err := in.Store.AppendEvent("executor_started", map[string]any{"executor": "stub"}); err != nil {
		return Result{}, err
	}
	var artifacts []engine.ArtifactSpec
	for i, req := range in.Issue.EvidenceRequirements {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}
		relpath := fmt.Sprintf("artifacts/evidence_%d.txt", i+1)
		body := fmt.Sprintf("Simulated evidence for requirement: %s\n", req)
		if err := in.Store.WriteText(relpath, body); err != nil {
			return Result{}, err
		}
		artifacts = append(artifacts, engine.ArtifactSpec{
			Type:      artifactTypeFor(req),
			Title:     req,
			URI:       in.Store.URI(relpath),
			MediaType: "text/plain",
		})
	}
	summary := fmt.Sprintf("Simulated %s against %s: %s", in.Task.Operation, in.Task.Target.Repo, in.Issue.Title)
	if err := in.Store.WriteText("artifacts/summary.md", "# Run summary\n\n"+summary+"\n"); err != nil {
		return Result{}, err
	}
	artifacts = append(artifacts, engine.ArtifactSpec{
		Type:      domain.ArtifactReport,
		Title:     "run summary",
		URI:       in.Store.URI("artifacts/summary.md"),
		MediaType: "text/markdown",
	})
	if err := in.Store.AppendEvent("executor_finished", map[string]any{"artifacts": len(artifacts)}); err != nil {
		return Result{}, err
	}
	return Result{
		Summary:   summary,
		Outputs:   map[string]any{"simulated": true, "artifact_count": len(artifacts)},
		Artifacts: artifacts,
	}, nil
}

func artifactTypeFor(requirement string) string {
	switch {
	case containsFold(requirement, "test"):
		return domain.ArtifactLog
	case containsFold(requirement, "screenshot"), containsFold(requirement, "image"):
		return domain.ArtifactBinary
	case containsFold(requirement, "doc"), containsFold(requirement, "readme"):
		return domain.ArtifactDoc
	}
	return domain.ArtifactReport
}

func containsFold(s, sub string) bool {
	return strings.Contains(strings.ToLower(s), sub)
}

// NoopExecutor produces nothing. Useful for driving missing-evidence
// verdicts in tests and demos.
type NoopExecutor struct{}

func (NoopExecutor) Name() string    { return "noop" }
func (NoopExecutor) Version() string { return "1.0" }

func (NoopExecutor) Execute(ctx context.Context, in Input) (Result, error) {
	return Result{Summary: "no work performed"}, nil
}
