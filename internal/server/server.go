package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"

	"github.com/danielgtaylor/huma/v2"
	humachi "github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"

	"towerline/internal/domain"
	"towerline/internal/engine"
	"towerline/internal/policy"
	"towerline/internal/repo"
)

// Config for the HTTP API handler.
type Config struct {
	Engine   engine.Engine
	BasePath string
}

type apiErrorBody struct {
	Code    string         `json:"code" example:"policy_violation"`
	Message string         `json:"message" example:"repository is not in the allowed namespace"`
	Details map[string]any `json:"details,omitempty" jsonschema:"type=object,additionalProperties=true"`
}

// apiError models the error envelope.
type apiError struct {
	status int
	Body   apiErrorBody `json:"error"`
}

func (e *apiError) GetStatus() int { return e.status }
func (e *apiError) Error() string  { return e.Body.Message }

// New returns an HTTP handler exposing the Towerline API.
func New(cfg Config) (http.Handler, error) {
	basePath := cfg.BasePath
	if basePath == "" {
		basePath = "/v0"
	}
	if !strings.HasPrefix(basePath, "/") {
		basePath = "/" + basePath
	}
	huma.DefaultArrayNullable = false
	huma.NewError = func(status int, msg string, errs ...error) huma.StatusError {
		return newAPIError(status, "", msg, nil)
	}
	huma.NewErrorWithContext = func(_ huma.Context, status int, msg string, errs ...error) huma.StatusError {
		if status == http.StatusUnprocessableEntity && strings.Contains(strings.ToLower(msg), "validation") {
			status = http.StatusBadRequest
		}
		var details map[string]any
		if len(errs) > 0 {
			details = map[string]any{"errors": errs}
		}
		return newAPIError(status, "", msg, details)
	}

	router := chi.NewRouter()
	hcfg := huma.DefaultConfig("Towerline API", "0.1.0")
	hcfg.OpenAPIPath = "/openapi"
	hcfg.DocsPath = "" // custom Swagger UI below
	api := humachi.New(router, hcfg)
	group := huma.NewGroup(api, basePath)

	registerDocs(router, basePath)
	registerHealth(group)
	registerTasks(group, cfg.Engine)
	registerRuns(group, cfg.Engine)
	registerIssues(group, cfg.Engine)
	registerReviews(group, cfg.Engine)
	registerDoctrine(group, cfg.Engine)
	registerAudit(group, cfg.Engine)
	registerOpenAPI(router, api, basePath)

	return router, nil
}

func newAPIError(status int, code, message string, details map[string]any) huma.StatusError {
	if code == "" {
		code = defaultCodeForStatus(status)
	}
	return &apiError{
		status: status,
		Body: apiErrorBody{
			Code:    code,
			Message: message,
			Details: details,
		},
	}
}

func handleError(err error) huma.StatusError {
	if err == nil {
		return nil
	}
	var pe *policy.Error
	if errors.As(err, &pe) {
		return newAPIError(http.StatusForbidden, "policy_violation", pe.Message, map[string]any{"code": pe.Code})
	}
	var ce *engine.ConflictError
	if errors.As(err, &ce) {
		return newAPIError(http.StatusConflict, "conflict", err.Error(), map[string]any{"task_id": ce.Task.ID, "status": ce.Task.Status})
	}
	var se *engine.StateError
	if errors.As(err, &se) {
		return newAPIError(http.StatusConflict, "state_conflict", se.Message, map[string]any{"code": se.Code})
	}
	var ve *engine.ValidationError
	if errors.As(err, &ve) {
		return newAPIError(http.StatusBadRequest, "bad_request", ve.Message, nil)
	}
	if errors.Is(err, repo.ErrNotFound) {
		return newAPIError(http.StatusNotFound, "not_found", err.Error(), nil)
	}
	msg := err.Error()
	return newAPIError(http.StatusInternalServerError, "internal_error", "internal error", map[string]any{"error": msg})
}

func defaultCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "bad_request"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusConflict:
		return "conflict"
	case http.StatusUnprocessableEntity:
		return "validation_failed"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusInternalServerError:
		return "internal_error"
	default:
		return strings.ToLower(strings.ReplaceAll(http.StatusText(status), " ", "_"))
	}
}

func registerDocs(r chi.Router, basePath string) {
	r.Get("/docs", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		io.WriteString(w, swaggerHTML(basePath))
	})
}

func registerOpenAPI(r chi.Router, api huma.API, basePath string) {
	var spec []byte
	specPath := path.Join(basePath, "openapi.json")
	r.Get(specPath, func(w http.ResponseWriter, r *http.Request) {
		if spec == nil {
			spec, _ = json.Marshal(api.OpenAPI())
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write(spec)
	})
}

func registerHealth(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "health",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body map[string]string `json:"body"`
	}, error) {
		return &struct {
			Body map[string]string `json:"body"`
		}{Body: map[string]string{"status": "ok"}}, nil
	})
}

// EnqueueTaskRequest is the intake body. Legacy aliases (type, payload,
// target.repository) are accepted and folded in by the policy decoder.
type EnqueueTaskRequest struct {
	IdempotencyKey string       `json:"idempotency_key,omitempty"`
	RequestedBy    domain.Actor `json:"requested_by"`
	Objective      string       `json:"objective"`
	Operation      string       `json:"operation,omitempty" enum:"code_change,docs,analysis,ops"`
	Type           string       `json:"type,omitempty"`
	Target         struct {
		Repo       string `json:"repo,omitempty"`
		Repository string `json:"repository,omitempty"`
		Ref        string `json:"ref,omitempty"`
		Path       string `json:"path,omitempty"`
	} `json:"target"`
	Constraints struct {
		TimeBudgetSeconds int  `json:"time_budget_seconds,omitempty"`
		AllowNetwork      bool `json:"allow_network,omitempty"`
		AllowSecrets      bool `json:"allow_secrets,omitempty"`
	} `json:"constraints,omitempty"`
	Inputs               map[string]string `json:"inputs,omitempty"`
	Payload              map[string]string `json:"payload,omitempty"`
	AcceptanceCriteria   []string          `json:"acceptance_criteria,omitempty"`
	EvidenceRequirements []string          `json:"evidence_requirements,omitempty"`
	Tags                 []string          `json:"tags,omitempty"`
	Meta                 map[string]any    `json:"meta,omitempty"`
}

func (r EnqueueTaskRequest) toPolicyRequest() policy.Request {
	req := policy.Request{
		IdempotencyKey: r.IdempotencyKey,
		RequestedBy:    r.RequestedBy,
		Objective:      r.Objective,
		Operation:      r.Operation,
		Constraints: policy.Constraints{
			TimeBudgetSeconds: r.Constraints.TimeBudgetSeconds,
			AllowNetwork:      r.Constraints.AllowNetwork,
			AllowSecrets:      r.Constraints.AllowSecrets,
		},
		Inputs:               r.Inputs,
		AcceptanceCriteria:   r.AcceptanceCriteria,
		EvidenceRequirements: r.EvidenceRequirements,
		Tags:                 r.Tags,
		Meta:                 r.Meta,
	}
	if req.Operation == "" {
		req.Operation = r.Type
	}
	if req.Inputs == nil {
		req.Inputs = r.Payload
	}
	req.Target = domain.Target{Repo: r.Target.Repo, Ref: r.Target.Ref, Path: r.Target.Path}
	if req.Target.Repo == "" {
		req.Target.Repo = r.Target.Repository
	}
	return req
}

func registerTasks(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "enqueue-task",
		Method:        http.MethodPost,
		Path:          "/tasks",
		Summary:       "Enqueue task",
		Description:   "Validates the request against policy and persists the task with its canonical work objects. A reused idempotency key returns 409 with the original task id.",
		DefaultStatus: http.StatusCreated,
		Errors: []int{
			http.StatusBadRequest,
			http.StatusForbidden,
			http.StatusConflict,
			http.StatusInternalServerError,
		},
	}, func(ctx context.Context, input *struct {
		Body EnqueueTaskRequest `json:"body"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		task, err := e.Enqueue(ctx, input.Body.toPolicyRequest())
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: task}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-tasks",
		Method:      http.MethodGet,
		Path:        "/tasks",
		Summary:     "List tasks",
	}, func(ctx context.Context, input *struct {
		Status    string `query:"status" enum:"queued,running,completed,failed,canceled" required:"false"`
		Operation string `query:"operation" enum:"code_change,docs,analysis,ops" required:"false"`
		Limit     int    `query:"limit" required:"false"`
	}) (*struct {
		Body []domain.Task `json:"body"`
	}, error) {
		items, err := e.Repo.ListTasks(ctx, repo.TaskFilter{Status: input.Status, Operation: input.Operation, Limit: input.Limit})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Task `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}",
		Summary:     "Get task",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct {
		Body domain.Task `json:"body"`
	}, error) {
		task, err := e.Repo.GetTask(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Task `json:"body"`
		}{Body: task}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "claim-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/claim",
		Summary:     "Claim task",
		Description: "Atomically claims a queued task and opens a run. Exactly one concurrent claimer wins; losers get 409.",
		Errors:      []int{http.StatusNotFound, http.StatusConflict, http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
		Body   struct {
			Worker domain.Actor `json:"worker"`
			Mode   string       `json:"mode,omitempty" enum:"human,agent,hybrid,system" required:"false"`
		} `json:"body"`
	}) (*struct {
		Body struct {
			Task domain.Task `json:"task"`
			Run  domain.Run  `json:"run"`
		} `json:"body"`
	}, error) {
		if input.Body.Worker.Kind == "" || input.Body.Worker.ID == "" {
			return nil, newAPIError(http.StatusBadRequest, "bad_request", "worker.kind and worker.id are required", nil)
		}
		mode := input.Body.Mode
		if mode == "" {
			mode = domain.ModeAgent
		}
		task, run, err := e.Claim(ctx, input.TaskID, input.Body.Worker, mode)
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Task domain.Task `json:"task"`
				Run  domain.Run  `json:"run"`
			} `json:"body"`
		}{}
		out.Body.Task = task
		out.Body.Run = run
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-task-context",
		Method:      http.MethodGet,
		Path:        "/tasks/{task_id}/context",
		Summary:     "Get task context",
		Description: "The issue with its pinned context packet and constraint snapshot.",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
	}) (*struct {
		Body struct {
			Task     domain.Task               `json:"task"`
			Issue    domain.Issue              `json:"issue"`
			Packet   domain.ContextPacket      `json:"context_packet"`
			Snapshot domain.ConstraintSnapshot `json:"constraint_snapshot"`
		} `json:"body"`
	}, error) {
		view, err := e.GetContext(ctx, input.TaskID)
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Task     domain.Task               `json:"task"`
				Issue    domain.Issue              `json:"issue"`
				Packet   domain.ContextPacket      `json:"context_packet"`
				Snapshot domain.ConstraintSnapshot `json:"constraint_snapshot"`
			} `json:"body"`
		}{}
		out.Body.Task = view.Task
		out.Body.Issue = view.Issue
		out.Body.Packet = view.Packet
		out.Body.Snapshot = view.Snapshot
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID:   "report-artifact",
		Method:        http.MethodPost,
		Path:          "/tasks/{task_id}/artifacts",
		Summary:       "Report artifact",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusNotFound, http.StatusConflict, http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
		Body   struct {
			Type      string       `json:"type" enum:"code_patch,commit,pr,build,container_image,doc,report,dataset,log,trace,binary,link"`
			Title     string       `json:"title"`
			URI       string       `json:"uri,omitempty"`
			Digest    string       `json:"digest,omitempty"`
			MediaType string       `json:"media_type,omitempty"`
			Actor     domain.Actor `json:"actor,omitempty"`
		} `json:"body"`
	}) (*struct {
		Body domain.Artifact `json:"body"`
	}, error) {
		actor := input.Body.Actor
		if actor.ID == "" {
			actor = domain.Actor{Kind: domain.ActorAgent, ID: "api"}
		}
		a, err := e.RecordArtifact(ctx, input.TaskID, engine.ArtifactSpec{
			Type:      input.Body.Type,
			Title:     input.Body.Title,
			URI:       input.Body.URI,
			Digest:    input.Body.Digest,
			MediaType: input.Body.MediaType,
		}, actor)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.Artifact `json:"body"`
		}{Body: a}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "complete-task",
		Method:      http.MethodPost,
		Path:        "/tasks/{task_id}/complete",
		Summary:     "Complete task",
		Description: "Finalizes the run, proves evidence, applies review policy. The task lands in completed regardless of verdict; execution failure is recorded on the run.",
		Errors:      []int{http.StatusNotFound, http.StatusConflict, http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		TaskID string `path:"task_id"`
		Body   struct {
			Success         bool           `json:"success"`
			Summary         string         `json:"summary,omitempty"`
			Outputs         map[string]any `json:"outputs,omitempty"`
			FailureCategory string         `json:"failure_category,omitempty" enum:"policy,build,test,runtime,dependency,unknown" required:"false"`
			FailureMessage  string         `json:"failure_message,omitempty"`
			Actor           domain.Actor   `json:"actor,omitempty"`
		} `json:"body"`
	}) (*struct {
		Body struct {
			Task     domain.Task            `json:"task"`
			Run      domain.Run             `json:"run"`
			Evidence domain.EvidencePack    `json:"evidence_pack"`
			Decision *domain.ReviewDecision `json:"review_decision,omitempty"`
		} `json:"body"`
	}, error) {
		res, err := e.Complete(ctx, input.TaskID, engine.CompleteOptions{
			Success:         input.Body.Success,
			Summary:         input.Body.Summary,
			Outputs:         input.Body.Outputs,
			FailureCategory: input.Body.FailureCategory,
			FailureMessage:  input.Body.FailureMessage,
			Actor:           input.Body.Actor,
		})
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Task     domain.Task            `json:"task"`
				Run      domain.Run             `json:"run"`
				Evidence domain.EvidencePack    `json:"evidence_pack"`
				Decision *domain.ReviewDecision `json:"review_decision,omitempty"`
			} `json:"body"`
		}{}
		out.Body.Task = res.Task
		out.Body.Run = res.Run
		out.Body.Evidence = res.Evidence
		out.Body.Decision = res.Decision
		return out, nil
	})
}

func registerRuns(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "get-run",
		Method:      http.MethodGet,
		Path:        "/runs/{run_id}",
		Summary:     "Get run",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RunID string `path:"run_id"`
	}) (*struct {
		Body struct {
			Run       domain.Run        `json:"run"`
			Artifacts []domain.Artifact `json:"artifacts"`
		} `json:"body"`
	}, error) {
		run, err := e.Repo.GetRun(ctx, input.RunID)
		if err != nil {
			return nil, handleError(err)
		}
		artifacts, err := e.Repo.ListArtifactsForRun(ctx, run.ID)
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Run       domain.Run        `json:"run"`
				Artifacts []domain.Artifact `json:"artifacts"`
			} `json:"body"`
		}{}
		out.Body.Run = run
		out.Body.Artifacts = artifacts
		return out, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-run-evidence",
		Method:      http.MethodGet,
		Path:        "/runs/{run_id}/evidence",
		Summary:     "Get run evidence",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		RunID string `path:"run_id"`
	}) (*struct {
		Body domain.EvidencePack `json:"body"`
	}, error) {
		pack, err := e.Repo.GetEvidencePackForRun(ctx, input.RunID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.EvidencePack `json:"body"`
		}{Body: pack}, nil
	})
}

func registerIssues(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "list-issues",
		Method:      http.MethodGet,
		Path:        "/issues",
		Summary:     "List issues",
	}, func(ctx context.Context, input *struct {
		Status string `query:"status" required:"false"`
		RepoID string `query:"repo_id" required:"false"`
		Limit  int    `query:"limit" required:"false"`
	}) (*struct {
		Body []domain.Issue `json:"body"`
	}, error) {
		items, err := e.Repo.ListIssues(ctx, repo.IssueFilter{Status: input.Status, RepoID: input.RepoID, Limit: input.Limit})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.Issue `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-issue",
		Method:      http.MethodGet,
		Path:        "/issues/{issue_id}",
		Summary:     "Get issue",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		IssueID string `path:"issue_id"`
	}) (*struct {
		Body struct {
			Issue          domain.Issue           `json:"issue"`
			Repo           domain.Repo            `json:"repo"`
			Runs           []domain.Run           `json:"runs"`
			ContextPackets []domain.ContextPacket `json:"context_packets"`
		} `json:"body"`
	}, error) {
		issue, err := e.Repo.GetIssue(ctx, input.IssueID)
		if err != nil {
			return nil, handleError(err)
		}
		repoRec, err := e.Repo.GetRepo(ctx, issue.RepoID)
		if err != nil {
			return nil, handleError(err)
		}
		runs, err := e.Repo.ListRunsForIssue(ctx, issue.ID)
		if err != nil {
			return nil, handleError(err)
		}
		packets, err := e.Repo.ListContextPacketsForIssue(ctx, issue.ID)
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				Issue          domain.Issue           `json:"issue"`
				Repo           domain.Repo            `json:"repo"`
				Runs           []domain.Run           `json:"runs"`
				ContextPackets []domain.ContextPacket `json:"context_packets"`
			} `json:"body"`
		}{}
		out.Body.Issue = issue
		out.Body.Repo = repoRec
		out.Body.Runs = runs
		out.Body.ContextPackets = packets
		return out, nil
	})
}

func registerReviews(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "submit-review",
		Method:        http.MethodPost,
		Path:          "/reviews",
		Summary:       "Submit review",
		Description:   "Records a decision for an evidence pack. Valid only while the issue is under_review.",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusNotFound, http.StatusConflict, http.StatusBadRequest},
	}, func(ctx context.Context, input *struct {
		Body struct {
			EvidencePackID string       `json:"evidence_pack_id"`
			Decision       string       `json:"decision" enum:"approved,rejected,needs_changes"`
			Reason         string       `json:"reason,omitempty"`
			Reviewer       domain.Actor `json:"reviewer"`
		} `json:"body"`
	}) (*struct {
		Body domain.ReviewDecision `json:"body"`
	}, error) {
		rd, err := e.SubmitReview(ctx, input.Body.EvidencePackID, input.Body.Decision, input.Body.Reason, input.Body.Reviewer)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.ReviewDecision `json:"body"`
		}{Body: rd}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-pending-reviews",
		Method:      http.MethodGet,
		Path:        "/reviews/pending",
		Summary:     "List pending reviews",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.EvidencePack `json:"body"`
	}, error) {
		items, err := e.Repo.ListPendingReviews(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.EvidencePack `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-review",
		Method:      http.MethodGet,
		Path:        "/reviews/{pack_id}",
		Summary:     "Get evidence pack with its decisions",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		PackID string `path:"pack_id"`
	}) (*struct {
		Body struct {
			EvidencePack domain.EvidencePack     `json:"evidence_pack"`
			Decisions    []domain.ReviewDecision `json:"decisions"`
		} `json:"body"`
	}, error) {
		pack, err := e.Repo.GetEvidencePack(ctx, input.PackID)
		if err != nil {
			return nil, handleError(err)
		}
		decisions, err := e.Repo.ListDecisionsForPack(ctx, pack.ID)
		if err != nil {
			return nil, handleError(err)
		}
		out := &struct {
			Body struct {
				EvidencePack domain.EvidencePack     `json:"evidence_pack"`
				Decisions    []domain.ReviewDecision `json:"decisions"`
			} `json:"body"`
		}{}
		out.Body.EvidencePack = pack
		out.Body.Decisions = decisions
		return out, nil
	})
}

func registerDoctrine(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID:   "create-doctrine-ref",
		Method:        http.MethodPost,
		Path:          "/doctrine",
		Summary:       "Create doctrine ref",
		DefaultStatus: http.StatusCreated,
		Errors:        []int{http.StatusBadRequest, http.StatusConflict},
	}, func(ctx context.Context, input *struct {
		Body struct {
			Name      string   `json:"name"`
			Version   string   `json:"version"`
			Type      string   `json:"type" enum:"principle,policy,procedure,heuristic,pattern"`
			Priority  string   `json:"priority" enum:"must,should,may"`
			AppliesTo []string `json:"applies_to,omitempty"`
			Body      string   `json:"body"`
		} `json:"body"`
	}) (*struct {
		Body domain.DoctrineRef `json:"body"`
	}, error) {
		d, err := e.CreateDoctrineRef(ctx, domain.DoctrineRef{
			Name:      input.Body.Name,
			Version:   input.Body.Version,
			Type:      input.Body.Type,
			Priority:  input.Body.Priority,
			AppliesTo: input.Body.AppliesTo,
			Body:      input.Body.Body,
		})
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.DoctrineRef `json:"body"`
		}{Body: d}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "list-doctrine-refs",
		Method:      http.MethodGet,
		Path:        "/doctrine",
		Summary:     "List doctrine refs",
	}, func(ctx context.Context, _ *struct{}) (*struct {
		Body []domain.DoctrineRef `json:"body"`
	}, error) {
		items, err := e.Repo.ListDoctrineRefs(ctx)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.DoctrineRef `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "get-doctrine-ref",
		Method:      http.MethodGet,
		Path:        "/doctrine/{doctrine_id}",
		Summary:     "Get doctrine ref",
		Errors:      []int{http.StatusNotFound},
	}, func(ctx context.Context, input *struct {
		DoctrineID string `path:"doctrine_id"`
	}) (*struct {
		Body domain.DoctrineRef `json:"body"`
	}, error) {
		d, err := e.Repo.GetDoctrineRef(ctx, input.DoctrineID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body domain.DoctrineRef `json:"body"`
		}{Body: d}, nil
	})
}

func registerAudit(api huma.API, e engine.Engine) {
	huma.Register(api, huma.Operation{
		OperationID: "audit-recent",
		Method:      http.MethodGet,
		Path:        "/audit/recent",
		Summary:     "Recent audit entries",
	}, func(ctx context.Context, input *struct {
		EntityKind string `query:"entity_kind" required:"false"`
		Actor      string `query:"actor" required:"false"`
		Action     string `query:"action" required:"false"`
		Limit      int    `query:"limit" required:"false"`
	}) (*struct {
		Body []domain.AuditEntry `json:"body"`
	}, error) {
		var (
			items []domain.AuditEntry
			err   error
		)
		switch {
		case input.Actor != "":
			items, err = e.Audit.ByActor(ctx, input.Actor, input.Limit)
		case input.Action != "":
			items, err = e.Audit.ByAction(ctx, input.Action, input.Limit)
		default:
			items, err = e.Audit.Recent(ctx, input.EntityKind, input.Limit)
		}
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.AuditEntry `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "audit-by-entity",
		Method:      http.MethodGet,
		Path:        "/audit/entity/{entity_kind}/{entity_id}",
		Summary:     "Audit trail for an entity",
	}, func(ctx context.Context, input *struct {
		EntityKind string `path:"entity_kind"`
		EntityID   string `path:"entity_id"`
	}) (*struct {
		Body []domain.AuditEntry `json:"body"`
	}, error) {
		items, err := e.Audit.ByEntity(ctx, input.EntityKind, input.EntityID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.AuditEntry `json:"body"`
		}{Body: items}, nil
	})

	huma.Register(api, huma.Operation{
		OperationID: "audit-by-trace",
		Method:      http.MethodGet,
		Path:        "/audit/trace/{trace_id}",
		Summary:     "Audit trail for a trace id",
		Description: "Every audit row an intake request produced, across all entities it touched.",
	}, func(ctx context.Context, input *struct {
		TraceID string `path:"trace_id"`
	}) (*struct {
		Body []domain.AuditEntry `json:"body"`
	}, error) {
		items, err := e.Audit.ByTrace(ctx, input.TraceID)
		if err != nil {
			return nil, handleError(err)
		}
		return &struct {
			Body []domain.AuditEntry `json:"body"`
		}{Body: items}, nil
	})
}

func swaggerHTML(basePath string) string {
	return fmt.Sprintf(`<!DOCTYPE html>
<html>
<head>
  <title>Towerline API</title>
  <link rel="stylesheet" href="https://unpkg.com/swagger-ui-dist@5/swagger-ui.css" />
</head>
<body>
  <div id="swagger-ui"></div>
  <script src="https://unpkg.com/swagger-ui-dist@5/swagger-ui-bundle.js"></script>
  <script>
    SwaggerUIBundle({
      url: %q,
      dom_id: "#swagger-ui",
    });
  </script>
</body>
</html>`, path.Join(basePath, "openapi.json"))
}
