package mcpserver

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"towerline/internal/domain"
	"towerline/internal/engine"
)

type runIDArgs struct {
	RunID string `json:"run_id" jsonschema:"required,description=Run id"`
}

type reviewArgs struct {
	EvidencePackID string `json:"evidence_pack_id" jsonschema:"required,description=Evidence pack awaiting review"`
	Decision       string `json:"decision" jsonschema:"required,enum=approved,enum=rejected,enum=needs_changes,description=Review outcome"`
	Reason         string `json:"reason" jsonschema:"description=Why; recorded on the decision"`
	ReviewerKind   string `json:"reviewer_kind" jsonschema:"default=human,enum=human,enum=agent,enum=system,description=Reviewer kind"`
	ReviewerID     string `json:"reviewer_id" jsonschema:"required,description=Reviewer identifier"`
}

func registerRunTools(s *server.MCPServer, e engine.Engine) {
	s.AddTool(mcp.NewTool("tower_get_run",
		mcp.WithDescription(`tower_get_run - fetch one run with its artifacts`),
		mcp.WithInputSchema[runIDArgs](),
	), func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var args runIDArgs
		if err := request.BindArguments(&args); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("bad arguments: %v", err)), nil
		}
		run, err := e.Repo.GetRun(ctx, args.RunID)
		if err != nil {
			return failErr(err), nil
		}
		artifacts, err := e.Repo.ListArtifactsForRun(ctx, run.ID)
		if err != nil {
			return failErr(err), nil
		}
		return ok(map[string]any{"run": toJSON(run), "artifacts": toJSONList(artifacts)}), nil
	})

	s.AddTool(mcp.NewTool("tower_get_evidence",
		mcp.WithDescription(`tower_get_evidence - the evidence pack a run produced

Contains the verdict (pass/partial/fail), which evidence requirements
were matched by which artifacts, which are missing, and the per-criterion
results. All criteria are unverified until a reviewer looks at them.`),
		mcp.WithInputSchema[runIDArgs](),
	), func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var args runIDArgs
		if err := request.BindArguments(&args); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("bad arguments: %v", err)), nil
		}
		pack, err := e.Repo.GetEvidencePackForRun(ctx, args.RunID)
		if err != nil {
			return failErr(err), nil
		}
		return ok(map[string]any{"evidence_pack": toJSON(pack)}), nil
	})
}

func registerReviewTools(s *server.MCPServer, e engine.Engine) {
	s.AddTool(mcp.NewTool("tower_submit_review",
		mcp.WithDescription(`tower_submit_review - record a decision for an evidence pack

Only valid while the issue sits in under_review. Approval closes the
issue as done; rejected and needs_changes close it as failed. Decisions
are final.`),
		mcp.WithInputSchema[reviewArgs](),
	), func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var args reviewArgs
		if err := request.BindArguments(&args); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("bad arguments: %v", err)), nil
		}
		kind := args.ReviewerKind
		if kind == "" {
			kind = domain.ActorHuman
		}
		rd, err := e.SubmitReview(ctx, args.EvidencePackID, args.Decision, args.Reason, domain.Actor{Kind: kind, ID: args.ReviewerID})
		if err != nil {
			return failErr(err), nil
		}
		return ok(map[string]any{"review_decision": toJSON(rd)}), nil
	})

	s.AddTool(mcp.NewTool("tower_list_pending_reviews",
		mcp.WithDescription(`tower_list_pending_reviews - evidence packs waiting on a human decision`),
		mcp.WithInputSchema[struct{}](),
	), func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		packs, err := e.Repo.ListPendingReviews(ctx)
		if err != nil {
			return failErr(err), nil
		}
		return ok(map[string]any{"pending": toJSONList(packs), "count": len(packs)}), nil
	})
}
