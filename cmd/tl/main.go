package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"towerline/internal/config"
	"towerline/internal/db"
	"towerline/internal/domain"
	"towerline/internal/engine"
	"towerline/internal/mcpserver"
	"towerline/internal/migrate"
	"towerline/internal/policy"
	"towerline/internal/repo"
	"towerline/internal/server"
	"towerline/internal/worker"
)

const version = "0.1.0"

var rootCmd = &cobra.Command{
	Use:   "tl",
	Short: "Towerline CLI",
	Long: `Towerline is a control tower for delegated work. Tasks enter through a
policy gate, workers claim them atomically, every run is pinned to an
immutable context packet and constraint snapshot, and a prover turns the
run's artifacts into an evidence pack that review policy routes to done
or to a human. Every state change lands in an append-only audit log.

Typical flow:
  tl config init                 write towerline.yml with defaults
  tl task enqueue ...            submit work through the policy gate
  tl worker run                  poll, claim, execute, prove, review
  tl review pending              see evidence packs waiting on a human
  tl review submit ...           approve or reject
  tl audit tail                  watch the audit log`,
}

func main() {
	cobra.OnInitialize(initConfig)
	addPersistentFlags()
	registerCommands()
	if err := rootCmd.Execute(); err != nil {
		fmt.Println("error:", err)
		os.Exit(1)
	}
}

func initConfig() {
	viper.SetEnvPrefix("TOWERLINE")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv()
}

func addPersistentFlags() {
	rootCmd.PersistentFlags().StringP("workspace", "w", ".", "workspace directory")
	rootCmd.PersistentFlags().Bool("json", false, "output JSON")
	rootCmd.PersistentFlags().String("actor-id", "local-user", "actor identifier")
	rootCmd.PersistentFlags().String("actor-kind", "human", "actor kind (human, agent, system)")
	_ = viper.BindPFlag("workspace", rootCmd.PersistentFlags().Lookup("workspace"))
	_ = viper.BindPFlag("json", rootCmd.PersistentFlags().Lookup("json"))
	_ = viper.BindPFlag("actor-id", rootCmd.PersistentFlags().Lookup("actor-id"))
	_ = viper.BindPFlag("actor-kind", rootCmd.PersistentFlags().Lookup("actor-kind"))
}

func registerCommands() {
	rootCmd.AddCommand(configCmd())
	rootCmd.AddCommand(taskCmd())
	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(reviewCmd())
	rootCmd.AddCommand(doctrineCmd())
	rootCmd.AddCommand(auditCmd())
	rootCmd.AddCommand(workerCmd())
	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(mcpCmd())
}

func cliActor() domain.Actor {
	return domain.Actor{Kind: viper.GetString("actor-kind"), ID: viper.GetString("actor-id")}
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage towerline.yml",
		Long:  "The config holds the policy gate settings (repo allowlist, budget bounds), worker behavior, review policy, and the trace root.",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configShowCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default towerline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			workspace := viper.GetString("workspace")
			path := config.Path(workspace)
			if _, err := os.Stat(path); err == nil {
				return fmt.Errorf("%s already exists", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(workspace)), 0o644); err != nil {
				return err
			}
			fmt.Printf("Wrote %s. The repo allowlist starts empty; add prefixes before enqueueing.\n", path)
			return nil
		},
	}
	return cmd
}

func configShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show",
		Short: "Show effective config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err != nil {
				return err
			}
			return printJSONOrPretty(cfg)
		},
	}
	return cmd
}

func configValidateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(viper.GetString("workspace"))
			if err == nil {
				err = cfg.Validate()
			}
			if viper.GetBool("json") {
				return printJSON(map[string]any{"ok": err == nil, "error": fmt.Sprint(err)})
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			return nil
		},
	}
	return cmd
}

func taskCmd() *cobra.Command {
	task := &cobra.Command{
		Use:   "task",
		Short: "Manage tasks",
		Long:  "Tasks are gated requests for work. They flow queued -> running -> completed; the execution outcome lives on the run, the verdict on the evidence pack.",
	}
	task.AddCommand(taskEnqueueCmd())
	task.AddCommand(taskListCmd())
	task.AddCommand(taskShowCmd())
	task.AddCommand(taskContextCmd())
	task.AddCommand(taskClaimCmd())
	task.AddCommand(taskArtifactCmd())
	task.AddCommand(taskCompleteCmd())
	return task
}

func taskEnqueueCmd() *cobra.Command {
	var (
		key, objective, operation string
		repoName, ref, path       string
		budget                    int
		inputs                    []string
		criteria, evidence        []string
		tags                      []string
		meta                      []string
	)
	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Submit a task through the policy gate",
		RunE: func(cmd *cobra.Command, args []string) error {
			parsedInputs, err := parseKeyValues(inputs)
			if err != nil {
				return err
			}
			parsedMeta, err := parseKeyValues(meta)
			if err != nil {
				return err
			}
			var metaMap map[string]any
			if parsedMeta != nil {
				metaMap = make(map[string]any, len(parsedMeta))
				for k, v := range parsedMeta {
					metaMap[k] = v
				}
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				task, err := e.Enqueue(ctx, policy.Request{
					IdempotencyKey:       key,
					RequestedBy:          cliActor(),
					Objective:            objective,
					Operation:            operation,
					Target:               domain.Target{Repo: repoName, Ref: ref, Path: path},
					Constraints:          policy.Constraints{TimeBudgetSeconds: budget},
					Inputs:               parsedInputs,
					AcceptanceCriteria:   criteria,
					EvidenceRequirements: evidence,
					Tags:                 tags,
					Meta:                 metaMap,
				})
				var conflict *engine.ConflictError
				if errors.As(err, &conflict) {
					fmt.Printf("idempotency key already used; original task %s\n", conflict.Task.ID)
					return printJSONOrPretty(conflict.Task)
				}
				if err != nil {
					return err
				}
				return printJSONOrPretty(task)
			})
		},
	}
	cmd.Flags().StringVar(&key, "key", "", "optional idempotency key; reuse returns the original task")
	cmd.Flags().StringVar(&objective, "objective", "", "what should be accomplished")
	cmd.Flags().StringVar(&operation, "operation", "", "operation (code_change, docs, analysis, ops)")
	cmd.Flags().StringVar(&repoName, "repo", "", "target repository, e.g. myorg/app")
	cmd.Flags().StringVar(&ref, "ref", "", "target ref (default main)")
	cmd.Flags().StringVar(&path, "path", "", "working path inside the repository")
	cmd.Flags().IntVar(&budget, "budget", 0, "time budget in seconds (0 takes the default)")
	cmd.Flags().StringArrayVar(&inputs, "input", []string{}, "executor input key=value (repeatable)")
	cmd.Flags().StringArrayVar(&criteria, "criterion", []string{}, "acceptance criterion (repeatable)")
	cmd.Flags().StringArrayVar(&evidence, "evidence", []string{}, "required evidence (repeatable)")
	cmd.Flags().StringArrayVar(&tags, "tag", []string{}, "free-form label (repeatable)")
	cmd.Flags().StringArrayVar(&meta, "meta", []string{}, "metadata key=value (repeatable)")
	_ = cmd.MarkFlagRequired("objective")
	_ = cmd.MarkFlagRequired("operation")
	_ = cmd.MarkFlagRequired("repo")
	return cmd
}

func taskListCmd() *cobra.Command {
	var f repo.TaskFilter
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				tasks, err := e.Repo.ListTasks(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(tasks)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Operation", "Repo", "Status", "Queued at"})
				for _, t := range tasks {
					tw.AppendRow(table.Row{t.ID, t.Operation, t.Target.Repo, t.Status, t.QueuedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&f.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&f.Operation, "operation", "", "operation filter")
	cmd.Flags().IntVar(&f.Limit, "limit", 0, "max rows")
	return cmd
}

func taskShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				t, err := e.Repo.GetTask(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrPretty(t)
			})
		},
	}
	return cmd
}

func taskContextCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "context <id>",
		Short: "Show the task's pinned context",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				view, err := e.GetContext(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrPretty(view)
			})
		},
	}
	return cmd
}

func taskClaimCmd() *cobra.Command {
	var mode string
	cmd := &cobra.Command{
		Use:   "claim <id>",
		Short: "Claim a queued task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				task, run, err := e.Claim(ctx, args[0], cliActor(), mode)
				if err != nil {
					return err
				}
				return printJSONOrPretty(map[string]any{"task": task, "run": run})
			})
		},
	}
	cmd.Flags().StringVar(&mode, "mode", domain.ModeHuman, "run mode (human, agent, hybrid, system)")
	return cmd
}

func taskArtifactCmd() *cobra.Command {
	var spec engine.ArtifactSpec
	cmd := &cobra.Command{
		Use:   "artifact <id>",
		Short: "Report an artifact on the task's active run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				a, err := e.RecordArtifact(ctx, args[0], spec, cliActor())
				if err != nil {
					return err
				}
				return printJSONOrPretty(a)
			})
		},
	}
	cmd.Flags().StringVar(&spec.Type, "type", "", "artifact type (doc, log, report, ...)")
	cmd.Flags().StringVar(&spec.Title, "title", "", "artifact title; the prover matches evidence requirements against it")
	cmd.Flags().StringVar(&spec.URI, "uri", "", "artifact URI (defaults into the run's artifact root)")
	cmd.Flags().StringVar(&spec.Digest, "digest", "", "content digest")
	cmd.Flags().StringVar(&spec.MediaType, "media-type", "", "media type")
	_ = cmd.MarkFlagRequired("type")
	_ = cmd.MarkFlagRequired("title")
	return cmd
}

func taskCompleteCmd() *cobra.Command {
	var (
		success                           bool
		summary, failCategory, failDetail string
	)
	cmd := &cobra.Command{
		Use:   "complete <id>",
		Short: "Finish a task: finalize the run, prove, route review",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.Complete(ctx, args[0], engine.CompleteOptions{
					Success:         success,
					Summary:         summary,
					FailureCategory: failCategory,
					FailureMessage:  failDetail,
					Actor:           cliActor(),
				})
				if err != nil {
					return err
				}
				if !viper.GetBool("json") {
					fmt.Printf("verdict: %s (%s)\n", res.Evidence.Verdict, res.Evidence.VerdictReason)
				}
				return printJSONOrPretty(res)
			})
		},
	}
	cmd.Flags().BoolVar(&success, "success", true, "whether execution succeeded")
	cmd.Flags().StringVar(&summary, "summary", "", "what was done")
	cmd.Flags().StringVar(&failCategory, "failure-category", "", "failure category when --success=false")
	cmd.Flags().StringVar(&failDetail, "failure-message", "", "failure detail when --success=false")
	return cmd
}

func runCmd() *cobra.Command {
	run := &cobra.Command{Use: "run", Short: "Inspect runs"}
	run.AddCommand(runShowCmd())
	run.AddCommand(runEvidenceCmd())
	return run
}

func runShowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "show <id>",
		Short: "Show a run with its artifacts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				run, err := e.Repo.GetRun(ctx, args[0])
				if err != nil {
					return err
				}
				artifacts, err := e.Repo.ListArtifactsForRun(ctx, run.ID)
				if err != nil {
					return err
				}
				return printJSONOrPretty(map[string]any{"run": run, "artifacts": artifacts})
			})
		},
	}
	return cmd
}

func runEvidenceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "evidence <id>",
		Short: "Show the evidence pack a run produced",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				pack, err := e.Repo.GetEvidencePackForRun(ctx, args[0])
				if err != nil {
					return err
				}
				return printJSONOrPretty(pack)
			})
		},
	}
	return cmd
}

func reviewCmd() *cobra.Command {
	review := &cobra.Command{
		Use:   "review",
		Short: "Review evidence packs",
		Long:  "Issues that finish without auto-approval wait in under_review. Approval closes them as done; rejected and needs_changes close them as failed. Decisions are final.",
	}
	review.AddCommand(reviewPendingCmd())
	review.AddCommand(reviewSubmitCmd())
	return review
}

func reviewPendingCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pending",
		Short: "List evidence packs awaiting a decision",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				packs, err := e.Repo.ListPendingReviews(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(packs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"Pack", "Run", "Verdict", "Reason", "Created at"})
				for _, p := range packs {
					tw.AppendRow(table.Row{p.ID, p.RunID, p.Verdict, p.VerdictReason, p.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
	return cmd
}

func reviewSubmitCmd() *cobra.Command {
	var decision, reason string
	cmd := &cobra.Command{
		Use:   "submit <evidence-pack-id>",
		Short: "Record a review decision",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				rd, err := e.SubmitReview(ctx, args[0], decision, reason, cliActor())
				if err != nil {
					return err
				}
				return printJSONOrPretty(rd)
			})
		},
	}
	cmd.Flags().StringVar(&decision, "decision", "", "approved, rejected or needs_changes")
	cmd.Flags().StringVar(&reason, "reason", "", "why")
	_ = cmd.MarkFlagRequired("decision")
	return cmd
}

func doctrineCmd() *cobra.Command {
	doc := &cobra.Command{
		Use:   "doctrine",
		Short: "Manage doctrine refs",
		Long:  "Doctrine refs are versioned operating documents (principles, policies, procedures) that context packets can cite.",
	}
	doc.AddCommand(doctrineAddCmd())
	doc.AddCommand(doctrineListCmd())
	return doc
}

func doctrineAddCmd() *cobra.Command {
	var d domain.DoctrineRef
	var bodyFile string
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register a doctrine ref",
		RunE: func(cmd *cobra.Command, args []string) error {
			if bodyFile != "" {
				data, err := os.ReadFile(bodyFile)
				if err != nil {
					return err
				}
				d.Body = string(data)
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				res, err := e.CreateDoctrineRef(ctx, d)
				if err != nil {
					return err
				}
				return printJSONOrPretty(res)
			})
		},
	}
	cmd.Flags().StringVar(&d.Name, "name", "", "doctrine name")
	cmd.Flags().StringVar(&d.Version, "version", "", "doctrine version")
	cmd.Flags().StringVar(&d.Type, "type", "policy", "type (principle, policy, procedure, heuristic, pattern)")
	cmd.Flags().StringVar(&d.Priority, "priority", "should", "priority (must, should, may)")
	cmd.Flags().StringArrayVar(&d.AppliesTo, "applies-to", []string{}, "scope (repeatable)")
	cmd.Flags().StringVar(&d.Body, "body", "", "document body")
	cmd.Flags().StringVar(&bodyFile, "body-file", "", "read body from file")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("version")
	return cmd
}

func doctrineListCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List doctrine refs",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				items, err := e.Repo.ListDoctrineRefs(ctx)
				if err != nil {
					return err
				}
				return printJSONOrPretty(items)
			})
		},
	}
	return cmd
}

func auditCmd() *cobra.Command {
	aud := &cobra.Command{
		Use:   "audit",
		Short: "Read the audit log",
		Long:  "Every state change is appended in the same transaction that commits it. Trace ids tie everything one intake request touched together.",
	}
	aud.AddCommand(auditTailCmd())
	aud.AddCommand(auditTrailCmd())
	return aud
}

func auditTailCmd() *cobra.Command {
	var n int
	var entityKind string
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Recent audit entries, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				entries, err := e.Audit.Recent(ctx, entityKind, n)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(entries)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"At", "Actor", "Action", "Entity", "Note"})
				for _, en := range entries {
					tw.AppendRow(table.Row{en.TS, en.ActorKind + "/" + en.ActorID, en.Action, en.EntityKind + "/" + en.EntityID, en.Note})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&n, "n", 20, "number of entries")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind filter")
	return cmd
}

func auditTrailCmd() *cobra.Command {
	var entityKind, entityID, traceID string
	cmd := &cobra.Command{
		Use:   "trail",
		Short: "Full trail for an entity or a trace id, oldest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			if traceID == "" && (entityKind == "" || entityID == "") {
				return fmt.Errorf("--trace or both --entity-kind and --entity-id required")
			}
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				var entries []domain.AuditEntry
				var err error
				if traceID != "" {
					entries, err = e.Audit.ByTrace(ctx, traceID)
				} else {
					entries, err = e.Audit.ByEntity(ctx, entityKind, entityID)
				}
				if err != nil {
					return err
				}
				return printJSONOrPretty(entries)
			})
		},
	}
	cmd.Flags().StringVar(&traceID, "trace", "", "trace id")
	cmd.Flags().StringVar(&entityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&entityID, "entity-id", "", "entity id")
	return cmd
}

func workerCmd() *cobra.Command {
	w := &cobra.Command{Use: "worker", Short: "Run workers"}
	w.AddCommand(workerRunCmd())
	w.AddCommand(workerOnceCmd())
	return w
}

func workerRunCmd() *cobra.Command {
	var workerID, executorName string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Poll for queued tasks until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return withEngine(ctx, func(ctx context.Context, e engine.Engine) error {
				name := executorName
				if name == "" {
					name = e.Config.Worker.Executor
				}
				exec, err := worker.NewExecutor(name)
				if err != nil {
					return err
				}
				l := worker.NewLoop(e, exec, workerID)
				if e.Config.Worker.PollIntervalSeconds > 0 {
					l.PollInterval = time.Duration(e.Config.Worker.PollIntervalSeconds) * time.Second
				}
				if err := l.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&workerID, "id", "worker-1", "worker identifier")
	cmd.Flags().StringVar(&executorName, "executor", "", "executor name (defaults from config)")
	return cmd
}

func workerOnceCmd() *cobra.Command {
	var workerID, executorName string
	cmd := &cobra.Command{
		Use:   "once",
		Short: "Process at most one queued task and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				name := executorName
				if name == "" {
					name = e.Config.Worker.Executor
				}
				exec, err := worker.NewExecutor(name)
				if err != nil {
					return err
				}
				l := worker.NewLoop(e, exec, workerID)
				err = l.RunOnce(ctx)
				if errors.Is(err, repo.ErrNotFound) {
					fmt.Println("queue is empty")
					return nil
				}
				return err
			})
		},
	}
	cmd.Flags().StringVar(&workerID, "id", "worker-1", "worker identifier")
	cmd.Flags().StringVar(&executorName, "executor", "", "executor name (defaults from config)")
	return cmd
}

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return withEngine(ctx, func(ctx context.Context, e engine.Engine) error {
				if addr == "" {
					addr = e.Config.Server.Addr
				}
				handler, err := server.New(server.Config{Engine: e, BasePath: basePath})
				if err != nil {
					return err
				}
				srv := &http.Server{Addr: addr, Handler: handler}
				go func() {
					<-ctx.Done()
					shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
					defer cancel()
					srv.Shutdown(shutdownCtx)
				}()
				fmt.Printf("Serving Towerline API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at /docs)\n", addr, basePath, basePath)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (defaults from config)")
	cmd.Flags().StringVar(&basePath, "base-path", "/v0", "API base path")
	return cmd
}

func mcpCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serve the MCP tool surface on stdio",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withEngine(cmd.Context(), func(ctx context.Context, e engine.Engine) error {
				return mcpserver.Serve(e, version)
			})
		},
	}
	return cmd
}

// --- helpers ---

func withEngine(ctx context.Context, fn func(context.Context, engine.Engine) error) error {
	workspace := viper.GetString("workspace")
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return err
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		return err
	}
	cfg, err := config.Load(workspace)
	if err != nil {
		return err
	}
	return fn(ctx, engine.New(conn, cfg))
}

func printJSONOrPretty(v any) error {
	if viper.GetBool("json") {
		return printJSON(v)
	}
	b, _ := json.MarshalIndent(v, "", "  ")
	fmt.Println(string(b))
	return nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parseKeyValues(items []string) (map[string]string, error) {
	if len(items) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(items))
	for _, item := range items {
		k, v, found := strings.Cut(item, "=")
		if !found || k == "" {
			return nil, fmt.Errorf("invalid key=value pair %q", item)
		}
		out[k] = v
	}
	return out, nil
}
