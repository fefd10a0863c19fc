package mcpserver

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"towerline/internal/domain"
	"towerline/internal/engine"
)

type auditArgs struct {
	TraceID    string `json:"trace_id" jsonschema:"description=Return every entry an intake request produced, across entities"`
	EntityKind string `json:"entity_kind" jsonschema:"enum=repo,enum=issue,enum=context_packet,enum=constraint_snapshot,enum=doctrine_ref,enum=run,enum=artifact,enum=evidence_pack,enum=review_decision,enum=task,description=Scope to one entity kind"`
	EntityID   string `json:"entity_id" jsonschema:"description=Scope to one entity; requires entity_kind"`
	Limit      int    `json:"limit" jsonschema:"default=50,description=Max rows for the recent listing"`
}

func registerAuditTools(s *server.MCPServer, e engine.Engine) {
	s.AddTool(mcp.NewTool("tower_get_audit_trail",
		mcp.WithDescription(`tower_get_audit_trail - read the append-only audit log

Three shapes:
  trace_id                -> the full trail of one intake request, oldest first
  entity_kind + entity_id -> the history of one entity, oldest first
  neither                 -> recent entries, newest first (optionally scoped by entity_kind)`),
		mcp.WithInputSchema[auditArgs](),
	), func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		var args auditArgs
		if err := request.BindArguments(&args); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("bad arguments: %v", err)), nil
		}
		var (
			entries []domain.AuditEntry
			err     error
		)
		switch {
		case args.TraceID != "":
			entries, err = e.Audit.ByTrace(ctx, args.TraceID)
		case args.EntityID != "":
			if args.EntityKind == "" {
				return fail("INVALID_REQUEST", "entity_id requires entity_kind", "Pass entity_kind alongside entity_id."), nil
			}
			entries, err = e.Audit.ByEntity(ctx, args.EntityKind, args.EntityID)
		default:
			entries, err = e.Audit.Recent(ctx, args.EntityKind, args.Limit)
		}
		if err != nil {
			return failErr(err), nil
		}
		return ok(map[string]any{"entries": toJSONList(entries), "count": len(entries)}), nil
	})
}
