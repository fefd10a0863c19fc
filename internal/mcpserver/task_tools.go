package mcpserver

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"towerline/internal/domain"
	"towerline/internal/engine"
	"towerline/internal/policy"
	"towerline/internal/repo"
)

type enqueueArgs struct {
	IdempotencyKey       string            `json:"idempotency_key" jsonschema:"description=Optional client-chosen key; reuse returns the original task as a conflict"`
	RequestedByKind      string            `json:"requested_by_kind" jsonschema:"required,enum=human,enum=agent,enum=system,description=Who is asking"`
	RequestedByID        string            `json:"requested_by_id" jsonschema:"required,description=Requester identifier"`
	Objective            string            `json:"objective" jsonschema:"required,description=What should be accomplished; first line becomes the issue title"`
	Operation            string            `json:"operation" jsonschema:"required,enum=code_change,enum=docs,enum=analysis,enum=ops,description=Kind of work"`
	Repo                 string            `json:"repo" jsonschema:"required,description=Target repository, e.g. myorg/app"`
	Ref                  string            `json:"ref" jsonschema:"description=Target ref; defaults to main"`
	Path                 string            `json:"path" jsonschema:"description=Optional working path inside the repository"`
	TimeBudgetSeconds    int               `json:"time_budget_seconds" jsonschema:"description=Execution budget; 0 takes the configured default"`
	Inputs               map[string]string `json:"inputs" jsonschema:"description=Free-form inputs handed to the executor"`
	AcceptanceCriteria   []string          `json:"acceptance_criteria" jsonschema:"description=What done means; recorded on the issue"`
	EvidenceRequirements []string          `json:"evidence_requirements" jsonschema:"description=Artifacts the run must produce; the prover checks these"`
	Tags                 []string          `json:"tags" jsonschema:"description=Free-form labels carried onto the task and issue"`
	Meta                 map[string]any    `json:"meta" jsonschema:"description=Arbitrary metadata carried onto the task and issue"`
}

type listTasksArgs struct {
	Status    string `json:"status" jsonschema:"enum=queued,enum=running,enum=completed,enum=failed,enum=canceled,description=Filter by status"`
	Operation string `json:"operation" jsonschema:"enum=code_change,enum=docs,enum=analysis,enum=ops,description=Filter by operation"`
	Limit     int    `json:"limit" jsonschema:"default=20,description=Max rows"`
}

type taskIDArgs struct {
	TaskID string `json:"task_id" jsonschema:"required,description=Task id"`
}

type claimArgs struct {
	TaskID     string `json:"task_id" jsonschema:"required,description=Task id"`
	WorkerID   string `json:"worker_id" jsonschema:"required,description=Claiming worker identifier"`
	WorkerKind string `json:"worker_kind" jsonschema:"default=agent,enum=human,enum=agent,enum=system,description=Claiming worker kind"`
}

type artifactArgs struct {
	TaskID    string `json:"task_id" jsonschema:"required,description=Running task id"`
	Type      string `json:"type" jsonschema:"required,enum=code_patch,enum=commit,enum=pr,enum=build,enum=container_image,enum=doc,enum=report,enum=dataset,enum=log,enum=trace,enum=binary,enum=link,description=Artifact type"`
	Title     string `json:"title" jsonschema:"required,description=Human-readable title; the prover matches evidence requirements against it"`
	URI       string `json:"uri" jsonschema:"description=Where the artifact lives; defaults into the run's artifact root"`
	Digest    string `json:"digest" jsonschema:"description=Optional content digest"`
	MediaType string `json:"media_type" jsonschema:"description=Optional media type"`
}

type completeArgs struct {
	TaskID          string         `json:"task_id" jsonschema:"required,description=Running task id"`
	Success         bool           `json:"success" jsonschema:"required,description=Whether execution succeeded"`
	Summary         string         `json:"summary" jsonschema:"description=Short description of what was done"`
	Outputs         map[string]any `json:"outputs" jsonschema:"description=Structured outputs recorded on the run"`
	FailureCategory string         `json:"failure_category" jsonschema:"enum=policy,enum=build,enum=test,enum=runtime,enum=dependency,enum=unknown,description=Category when success=false"`
	FailureMessage  string         `json:"failure_message" jsonschema:"description=Error detail when success=false"`
}

func registerTaskTools(s *server.MCPServer, e engine.Engine) {
	s.AddTool(mcp.NewTool("tower_enqueue_task",
		mcp.WithDescription(`tower_enqueue_task - submit work to the control tower

Validates the request against the policy gate (allowed repositories,
operation whitelist, time budget bounds) and materializes the task with
its issue, pinned context packet and constraint snapshot. Reusing an
idempotency_key returns the original task id instead of a duplicate.`),
		mcp.WithInputSchema[enqueueArgs](),
	), func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var args enqueueArgs
		if err := request.BindArguments(&args); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("bad arguments: %v", err)), nil
		}
		task, err := e.Enqueue(ctx, policy.Request{
			IdempotencyKey:       args.IdempotencyKey,
			RequestedBy:          domain.Actor{Kind: args.RequestedByKind, ID: args.RequestedByID},
			Objective:            args.Objective,
			Operation:            args.Operation,
			Target:               domain.Target{Repo: args.Repo, Ref: args.Ref, Path: args.Path},
			Constraints:          policy.Constraints{TimeBudgetSeconds: args.TimeBudgetSeconds},
			Inputs:               args.Inputs,
			AcceptanceCriteria:   args.AcceptanceCriteria,
			EvidenceRequirements: args.EvidenceRequirements,
			Tags:                 args.Tags,
			Meta:                 args.Meta,
		})
		if err != nil {
			return failErr(err), nil
		}
		return ok(map[string]any{"task": toJSON(task)}), nil
	})

	s.AddTool(mcp.NewTool("tower_list_tasks",
		mcp.WithDescription(`tower_list_tasks - list tasks, optionally filtered by status or operation`),
		mcp.WithInputSchema[listTasksArgs](),
	), func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var args listTasksArgs
		request.BindArguments(&args)
		if args.Limit == 0 {
			args.Limit = 20
		}
		tasks, err := e.Repo.ListTasks(ctx, repo.TaskFilter{Status: args.Status, Operation: args.Operation, Limit: args.Limit})
		if err != nil {
			return failErr(err), nil
		}
		return ok(map[string]any{"tasks": toJSONList(tasks), "count": len(tasks)}), nil
	})

	s.AddTool(mcp.NewTool("tower_get_task",
		mcp.WithDescription(`tower_get_task - fetch one task by id`),
		mcp.WithInputSchema[taskIDArgs](),
	), func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var args taskIDArgs
		if err := request.BindArguments(&args); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("bad arguments: %v", err)), nil
		}
		task, err := e.Repo.GetTask(ctx, args.TaskID)
		if err != nil {
			return failErr(err), nil
		}
		return ok(map[string]any{"task": toJSON(task)}), nil
	})

	s.AddTool(mcp.NewTool("tower_claim_task",
		mcp.WithDescription(`tower_claim_task - atomically claim a queued task

Exactly one concurrent claimer wins. The winner gets the task plus a
fresh run pinned to the issue's context packet and constraint snapshot;
losers get TASK_NOT_QUEUED.`),
		mcp.WithInputSchema[claimArgs](),
	), func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var args claimArgs
		if err := request.BindArguments(&args); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("bad arguments: %v", err)), nil
		}
		kind := args.WorkerKind
		if kind == "" {
			kind = domain.ActorAgent
		}
		task, run, err := e.Claim(ctx, args.TaskID, domain.Actor{Kind: kind, ID: args.WorkerID}, domain.ModeAgent)
		if err != nil {
			return failErr(err), nil
		}
		return ok(map[string]any{"task": toJSON(task), "run": toJSON(run)}), nil
	})

	s.AddTool(mcp.NewTool("tower_get_context",
		mcp.WithDescription(`tower_get_context - everything needed to start work on a task

Returns the task, its issue, the pinned context packet (objective,
assumptions, inputs) and the constraint snapshot (time budget, risk
tolerance). The packet and snapshot are immutable; what you see is what
the run was gated with.`),
		mcp.WithInputSchema[taskIDArgs](),
	), func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var args taskIDArgs
		if err := request.BindArguments(&args); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("bad arguments: %v", err)), nil
		}
		view, err := e.GetContext(ctx, args.TaskID)
		if err != nil {
			return failErr(err), nil
		}
		return ok(map[string]any{
			"task":                toJSON(view.Task),
			"issue":               toJSON(view.Issue),
			"context_packet":      toJSON(view.Packet),
			"constraint_snapshot": toJSON(view.Snapshot),
		}), nil
	})

	s.AddTool(mcp.NewTool("tower_report_artifact",
		mcp.WithDescription(`tower_report_artifact - attach an output to the task's active run

Title the artifact after the evidence requirement it satisfies so the
prover can match it.`),
		mcp.WithInputSchema[artifactArgs](),
	), func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var args artifactArgs
		if err := request.BindArguments(&args); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("bad arguments: %v", err)), nil
		}
		a, err := e.RecordArtifact(ctx, args.TaskID, engine.ArtifactSpec{
			Type:      args.Type,
			Title:     args.Title,
			URI:       args.URI,
			Digest:    args.Digest,
			MediaType: args.MediaType,
		}, domain.Actor{Kind: domain.ActorAgent, ID: "mcp"})
		if err != nil {
			return failErr(err), nil
		}
		return ok(map[string]any{"artifact": toJSON(a)}), nil
	})

	s.AddTool(mcp.NewTool("tower_complete_task",
		mcp.WithDescription(`tower_complete_task - finish execution and hand off to prove + review

The run is finalized, the prover derives a verdict from the reported
artifacts, and the review policy routes the issue to done or
under_review. The task itself always lands in completed; execution
failure is recorded on the run, not the task.`),
		mcp.WithInputSchema[completeArgs](),
	), func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var args completeArgs
		if err := request.BindArguments(&args); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("bad arguments: %v", err)), nil
		}
		res, err := e.Complete(ctx, args.TaskID, engine.CompleteOptions{
			Success:         args.Success,
			Summary:         args.Summary,
			Outputs:         args.Outputs,
			FailureCategory: args.FailureCategory,
			FailureMessage:  args.FailureMessage,
			Actor:           domain.Actor{Kind: domain.ActorAgent, ID: "mcp"},
		})
		if err != nil {
			return failErr(err), nil
		}
		payload := map[string]any{
			"task":          toJSON(res.Task),
			"run":           toJSON(res.Run),
			"evidence_pack": toJSON(res.Evidence),
		}
		if res.Decision != nil {
			payload["review_decision"] = toJSON(*res.Decision)
		}
		return ok(payload), nil
	})
}
