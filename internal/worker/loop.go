package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"towerline/internal/domain"
	"towerline/internal/engine"
	"towerline/internal/repo"
	"towerline/internal/trace"
)

// Loop polls for queued tasks and drives each through the pipeline:
// claim, execute under the time budget, prove, review, complete.
type Loop struct {
	Engine       engine.Engine
	Executor     Executor
	WorkerID     string
	PollInterval time.Duration
	Log          *slog.Logger
}

func NewLoop(eng engine.Engine, exec Executor, workerID string) *Loop {
	return &Loop{
		Engine:       eng,
		Executor:     exec,
		WorkerID:     workerID,
		PollInterval: 2 * time.Second,
		Log:          slog.Default(),
	}
}

func (l *Loop) actor() domain.Actor {
	return domain.Actor{Kind: domain.ActorSystem, ID: l.WorkerID, Label: l.Executor.Name() + "/" + l.Executor.Version()}
}

// Run polls until ctx is canceled. A failing task never stops the loop; the
// task is marked failed and polling continues.
func (l *Loop) Run(ctx context.Context) error {
	l.Log.Info("worker started", "worker_id", l.WorkerID, "executor", l.Executor.Name(), "poll_interval", l.PollInterval)
	ticker := time.NewTicker(l.PollInterval)
	defer ticker.Stop()
	for {
		if err := l.RunOnce(ctx); err != nil && !errors.Is(err, repo.ErrNotFound) {
			l.Log.Error("pipeline error", "error", err)
		}
		select {
		case <-ctx.Done():
			l.Log.Info("worker stopping", "worker_id", l.WorkerID)
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RunOnce processes at most one queued task. repo.ErrNotFound means the
// queue was empty.
func (l *Loop) RunOnce(ctx context.Context) error {
	task, err := l.Engine.Repo.OldestQueuedTask(ctx)
	if err != nil {
		return err
	}
	return l.process(ctx, task.ID)
}

func (l *Loop) process(ctx context.Context, taskID string) error {
	task, run, err := l.Engine.Claim(ctx, taskID, l.actor(), domain.ModeSystem)
	if err != nil {
		var stateErr *engine.StateError
		if errors.As(err, &stateErr) {
			// Another claimer won the race. Not our task anymore.
			return nil
		}
		return fmt.Errorf("claim task %s: %w", taskID, err)
	}
	l.Log.Info("task claimed", "task_id", task.ID, "run_id", run.ID, "operation", task.Operation, "budget_s", task.TimeBudgetSeconds)

	view, err := l.Engine.GetContext(ctx, task.ID)
	if err != nil {
		return l.failTask(ctx, task.ID, fmt.Errorf("load context: %w", err))
	}
	store, err := trace.Open(l.Engine.Config.Trace.RootURI, run.ID)
	if err != nil {
		return l.failTask(ctx, task.ID, fmt.Errorf("open trace store: %w", err))
	}
	if err := l.writeManifest(store, view, run); err != nil {
		return l.failTask(ctx, task.ID, fmt.Errorf("write manifest: %w", err))
	}

	budget := time.Duration(view.Snapshot.TimeBudgetSeconds) * time.Second
	execCtx, cancel := context.WithTimeout(ctx, budget)
	result, execErr := l.execute(execCtx, Input{
		Task:     view.Task,
		Issue:    view.Issue,
		Packet:   view.Packet,
		Snapshot: view.Snapshot,
		Run:      run,
		Store:    store,
	})
	cancel()

	opts := engine.CompleteOptions{Actor: l.actor()}
	if execErr != nil {
		opts.Success = false
		opts.FailureMessage = execErr.Error()
		opts.FailureCategory = failureCategory(execCtx, execErr)
		l.Log.Warn("execution failed", "task_id", task.ID, "run_id", run.ID, "category", opts.FailureCategory, "error", execErr)
	} else {
		opts.Success = true
		opts.Summary = result.Summary
		opts.Outputs = result.Outputs
		for _, spec := range result.Artifacts {
			if _, err := l.Engine.RecordArtifact(ctx, task.ID, spec, l.actor()); err != nil {
				return l.failTask(ctx, task.ID, fmt.Errorf("record artifact %q: %w", spec.Title, err))
			}
		}
	}

	res, err := l.Engine.Complete(ctx, task.ID, opts)
	if err != nil {
		return l.failTask(ctx, task.ID, fmt.Errorf("complete: %w", err))
	}
	l.Log.Info("task completed", "task_id", task.ID, "run_id", run.ID, "verdict", res.Evidence.Verdict, "issue_status", statusOf(res))
	return nil
}

// execute isolates executor panics so a misbehaving executor cannot take the
// loop down.
func (l *Loop) execute(ctx context.Context, in Input) (result Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("executor panic: %v", r)
		}
	}()
	return l.Executor.Execute(ctx, in)
}

func (l *Loop) failTask(ctx context.Context, taskID string, cause error) error {
	now := time.Now().UTC().Format(time.RFC3339)
	if err := l.Engine.Repo.FailTask(ctx, taskID, cause.Error(), now); err != nil {
		return errors.Join(cause, err)
	}
	l.Log.Error("task failed", "task_id", taskID, "error", cause)
	return cause
}

func (l *Loop) writeManifest(store trace.Store, view engine.ContextView, run domain.Run) error {
	if err := store.WriteJSON("manifest.json", map[string]any{
		"run_id":                 run.ID,
		"task_id":                view.Task.ID,
		"issue_id":               view.Issue.ID,
		"mode":                   run.Mode,
		"executor":               run.Executor,
		"context_packet_id":      run.ContextPacketID,
		"constraint_snapshot_id": run.ConstraintSnapshotID,
		"artifact_root_uri":      run.ArtifactRootURI,
		"trace_id":               view.Task.TraceID,
		"started_at":             run.StartedAt,
	}); err != nil {
		return err
	}
	return store.AppendEvent("run_started", map[string]any{"run_id": run.ID, "task_id": view.Task.ID})
}

func failureCategory(ctx context.Context, err error) string {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return domain.FailureRuntime
	}
	return domain.FailureUnknown
}

func statusOf(res engine.CompleteResult) string {
	if res.Decision != nil {
		return domain.StatusDone
	}
	return domain.StatusUnderReview
}
