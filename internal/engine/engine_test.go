package engine_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"towerline/internal/config"
	"towerline/internal/db"
	"towerline/internal/domain"
	"towerline/internal/engine"
	"towerline/internal/migrate"
	"towerline/internal/policy"
	"towerline/internal/repo"
)

type testEnv struct {
	Engine engine.Engine
	Config *config.Config
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	dir := t.TempDir()
	conn, err := db.Open(db.Config{Workspace: dir})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	cfg := config.Default(dir)
	cfg.Policy.AllowedRepoPrefixes = []string{"myorg/"}
	eng := engine.New(conn, cfg)
	eng.Now = func() time.Time { return time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC) }
	return testEnv{Engine: eng, Config: cfg, Ctx: context.Background()}
}

func testRequest(key string) policy.Request {
	return policy.Request{
		IdempotencyKey:       key,
		RequestedBy:          domain.Actor{Kind: "human", ID: "alice"},
		Objective:            "Fix the login redirect loop",
		Operation:            "code_change",
		Target:               domain.Target{Repo: "myorg/webapp"},
		Constraints:          policy.Constraints{TimeBudgetSeconds: 600},
		AcceptanceCriteria:   []string{"login redirects to dashboard"},
		EvidenceRequirements: []string{"test results"},
	}
}

func worker() domain.Actor {
	return domain.Actor{Kind: "system", ID: "worker-1"}
}

func TestEnqueueMaterializesCWOM(t *testing.T) {
	env := newTestEnv(t)
	task, err := env.Engine.Enqueue(env.Ctx, testRequest("k1"))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if task.Status != domain.TaskQueued {
		t.Fatalf("expected queued, got %s", task.Status)
	}
	if task.IssueID == nil {
		t.Fatal("task has no issue")
	}
	if task.TraceID == "" {
		t.Fatal("task has no trace id")
	}
	issue, err := env.Engine.Repo.GetIssue(env.Ctx, *task.IssueID)
	if err != nil {
		t.Fatalf("get issue: %v", err)
	}
	if issue.Type != "feature" || issue.Priority != "P2" || issue.Status != domain.StatusReady {
		t.Fatalf("unexpected issue: %+v", issue)
	}
	if issue.ContextPacketID == nil || issue.ConstraintSnapshotID == nil {
		t.Fatal("issue missing pinned context")
	}
	packet, err := env.Engine.Repo.GetContextPacket(env.Ctx, *issue.ContextPacketID)
	if err != nil {
		t.Fatalf("get packet: %v", err)
	}
	if packet.Version != "1.0" || packet.ConstraintSnapshotID != *issue.ConstraintSnapshotID {
		t.Fatalf("unexpected packet: %+v", packet)
	}
	snapshot, err := env.Engine.Repo.GetConstraintSnapshot(env.Ctx, *issue.ConstraintSnapshotID)
	if err != nil {
		t.Fatalf("get snapshot: %v", err)
	}
	if snapshot.TimeBudgetSeconds != 600 || snapshot.AllowNetwork || snapshot.AllowSecrets {
		t.Fatalf("unexpected snapshot: %+v", snapshot)
	}
	trail, err := env.Engine.Audit.ByTrace(env.Ctx, task.TraceID)
	if err != nil {
		t.Fatalf("audit by trace: %v", err)
	}
	if len(trail) < 5 {
		t.Fatalf("expected audit entries for repo, snapshot, issue, packet, task; got %d", len(trail))
	}
}

func TestEnqueueIdempotent(t *testing.T) {
	env := newTestEnv(t)
	first, err := env.Engine.Enqueue(env.Ctx, testRequest("same-key"))
	if err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	for i := 0; i < 3; i++ {
		dup, err := env.Engine.Enqueue(env.Ctx, testRequest("same-key"))
		var conflict *engine.ConflictError
		if !errors.As(err, &conflict) {
			t.Fatalf("expected conflict, got %v", err)
		}
		if dup.ID != first.ID || conflict.Task.ID != first.ID {
			t.Fatalf("conflict should return original task id")
		}
	}
	tasks, err := env.Engine.Repo.ListTasks(env.Ctx, repo.TaskFilter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(tasks) != 1 {
		t.Fatalf("expected 1 task row, got %d", len(tasks))
	}
}

func TestEnqueueWithoutIdempotencyKey(t *testing.T) {
	env := newTestEnv(t)
	first, err := env.Engine.Enqueue(env.Ctx, testRequest(""))
	if err != nil {
		t.Fatalf("first enqueue: %v", err)
	}
	second, err := env.Engine.Enqueue(env.Ctx, testRequest(""))
	if err != nil {
		t.Fatalf("second enqueue: %v", err)
	}
	if first.ID == second.ID {
		t.Fatal("keyless enqueues must create distinct tasks")
	}
	if first.IdempotencyKey != "" || second.IdempotencyKey != "" {
		t.Fatal("no key was supplied; none should be stored")
	}
	tasks, err := env.Engine.Repo.ListTasks(env.Ctx, repo.TaskFilter{})
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(tasks) != 2 {
		t.Fatalf("expected 2 task rows, got %d", len(tasks))
	}
}

func TestEnqueueCarriesTagsAndMeta(t *testing.T) {
	env := newTestEnv(t)
	req := testRequest("k-tags")
	req.Tags = []string{"frontend", "urgent"}
	req.Meta = map[string]any{"ticket": "OPS-42"}
	task, err := env.Engine.Enqueue(env.Ctx, req)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	stored, err := env.Engine.Repo.GetTask(env.Ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if len(stored.Tags) != 2 || stored.Tags[0] != "frontend" || stored.Tags[1] != "urgent" {
		t.Fatalf("task tags lost: %v", stored.Tags)
	}
	if stored.Meta["ticket"] != "OPS-42" {
		t.Fatalf("task meta lost: %v", stored.Meta)
	}
	issue, err := env.Engine.Repo.GetIssue(env.Ctx, *task.IssueID)
	if err != nil {
		t.Fatalf("get issue: %v", err)
	}
	if len(issue.Tags) != 2 || issue.Meta["ticket"] != "OPS-42" {
		t.Fatalf("issue should carry the request tags and meta: %v %v", issue.Tags, issue.Meta)
	}
}

func TestEnqueueRejectsPolicyViolations(t *testing.T) {
	env := newTestEnv(t)
	req := testRequest("k-bad")
	req.Target.Repo = "otherorg/tool"
	_, err := env.Engine.Enqueue(env.Ctx, req)
	var pe *policy.Error
	if !errors.As(err, &pe) || pe.Code != "REPO_NOT_ALLOWED" {
		t.Fatalf("expected REPO_NOT_ALLOWED, got %v", err)
	}
	tasks, _ := env.Engine.Repo.ListTasks(env.Ctx, repo.TaskFilter{})
	if len(tasks) != 0 {
		t.Fatal("rejected request must not persist a task")
	}
}

func TestClaimTransitionsAndPins(t *testing.T) {
	env := newTestEnv(t)
	task, err := env.Engine.Enqueue(env.Ctx, testRequest("k-claim"))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	claimed, run, err := env.Engine.Claim(env.Ctx, task.ID, worker(), domain.ModeSystem)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if claimed.Status != domain.TaskRunning {
		t.Fatalf("expected running, got %s", claimed.Status)
	}
	if claimed.AssignedTo == nil || *claimed.AssignedTo != "worker-1" {
		t.Fatalf("assigned_to not recorded: %v", claimed.AssignedTo)
	}
	if run.Status != domain.StatusRunning || run.Mode != domain.ModeSystem {
		t.Fatalf("unexpected run: %+v", run)
	}
	if run.ArtifactRootURI == "" {
		t.Fatal("run has no artifact root uri")
	}
	issue, _ := env.Engine.Repo.GetIssue(env.Ctx, run.ForIssueID)
	if run.ContextPacketID != *issue.ContextPacketID || run.ConstraintSnapshotID != *issue.ConstraintSnapshotID {
		t.Fatal("run not pinned to issue context")
	}

	// second claim must lose
	_, _, err = env.Engine.Claim(env.Ctx, task.ID, worker(), domain.ModeSystem)
	var se *engine.StateError
	if !errors.As(err, &se) || se.Code != "TASK_NOT_QUEUED" {
		t.Fatalf("expected TASK_NOT_QUEUED, got %v", err)
	}
}

func TestClaimFailureLeavesTaskQueued(t *testing.T) {
	env := newTestEnv(t)
	task, err := env.Engine.Enqueue(env.Ctx, testRequest("k-stuck"))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	// break the pinned context so the claim pipeline cannot open a run
	if _, err := env.Engine.DB.Exec(`UPDATE issues SET context_packet_id=NULL WHERE id=?`, *task.IssueID); err != nil {
		t.Fatalf("unpin context: %v", err)
	}
	if _, _, err := env.Engine.Claim(env.Ctx, task.ID, worker(), domain.ModeSystem); err == nil {
		t.Fatal("claim should fail without a pinned context")
	}
	after, err := env.Engine.Repo.GetTask(env.Ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if after.Status != domain.TaskQueued {
		t.Fatalf("failed claim must leave the task queued, got %s", after.Status)
	}
}

func TestConcurrentClaimExactlyOneWinner(t *testing.T) {
	env := newTestEnv(t)
	task, err := env.Engine.Enqueue(env.Ctx, testRequest("k-race"))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	const claimers = 8
	var wg sync.WaitGroup
	wins := make(chan string, claimers)
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			w := domain.Actor{Kind: "system", ID: string(rune('a' + n))}
			if _, _, err := env.Engine.Claim(env.Ctx, task.ID, w, domain.ModeSystem); err == nil {
				wins <- w.ID
			}
		}(i)
	}
	wg.Wait()
	close(wins)
	var winners []string
	for w := range wins {
		winners = append(winners, w)
	}
	if len(winners) != 1 {
		t.Fatalf("expected exactly one winner, got %d: %v", len(winners), winners)
	}
}

func runPipeline(t *testing.T, env testEnv, key string, success bool, reportEvidence bool) engine.CompleteResult {
	t.Helper()
	task, err := env.Engine.Enqueue(env.Ctx, testRequest(key))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	_, run, err := env.Engine.Claim(env.Ctx, task.ID, worker(), domain.ModeSystem)
	if err != nil {
		t.Fatalf("claim: %v", err)
	}
	if reportEvidence {
		if _, err := env.Engine.RecordArtifact(env.Ctx, task.ID, engine.ArtifactSpec{
			Type:  domain.ArtifactLog,
			Title: "test results",
			URI:   run.ArtifactRootURI + "/artifacts/tests.log",
		}, worker()); err != nil {
			t.Fatalf("record artifact: %v", err)
		}
	}
	opts := engine.CompleteOptions{Success: success, Actor: worker()}
	if !success {
		opts.FailureCategory = domain.FailureBuild
		opts.FailureMessage = "compile error"
	}
	res, err := env.Engine.Complete(env.Ctx, task.ID, opts)
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	return res
}

func TestCompleteTaskAlwaysCompletes(t *testing.T) {
	env := newTestEnv(t)

	res := runPipeline(t, env, "k-ok", true, true)
	if res.Task.Status != domain.TaskCompleted {
		t.Fatalf("expected completed, got %s", res.Task.Status)
	}
	if res.Evidence.Verdict != domain.VerdictPass {
		t.Fatalf("expected pass, got %s", res.Evidence.Verdict)
	}

	// execution failure still ends in completed; failure lives on the run
	res = runPipeline(t, env, "k-fail", false, false)
	if res.Task.Status != domain.TaskCompleted {
		t.Fatalf("failed execution must still complete the task, got %s", res.Task.Status)
	}
	if res.Evidence.Verdict != domain.VerdictFail {
		t.Fatalf("expected fail verdict, got %s", res.Evidence.Verdict)
	}
	run, _ := env.Engine.Repo.GetRun(env.Ctx, res.Run.ID)
	if run.Status != domain.StatusFailed {
		t.Fatalf("expected failed run, got %s", run.Status)
	}
	if run.FailureCategory == nil || *run.FailureCategory != domain.FailureBuild {
		t.Fatalf("failure category lost: %v", run.FailureCategory)
	}
}

func TestCompleteRoutesToUnderReviewWithoutAutoApprove(t *testing.T) {
	env := newTestEnv(t)
	res := runPipeline(t, env, "k-review", true, true)
	if res.Decision != nil {
		t.Fatal("no decision expected without auto-approve")
	}
	issue, _ := env.Engine.Repo.GetIssue(env.Ctx, res.Run.ForIssueID)
	if issue.Status != domain.StatusUnderReview {
		t.Fatalf("expected under_review, got %s", issue.Status)
	}
	pending, err := env.Engine.Repo.ListPendingReviews(env.Ctx)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if len(pending) != 1 || pending[0].ID != res.Evidence.ID {
		t.Fatalf("expected evidence pack pending review, got %v", pending)
	}
}

func TestCompleteAutoApprovesQualifyingVerdict(t *testing.T) {
	env := newTestEnv(t)
	env.Config.Review.AutoApprove = true
	env.Config.Review.QualifyingVerdicts = []string{"pass"}

	res := runPipeline(t, env, "k-auto", true, true)
	if res.Decision == nil {
		t.Fatal("expected auto-approve decision")
	}
	if res.Decision.ReviewerKind != domain.ActorSystem || res.Decision.ReviewerID != "auto-approve" {
		t.Fatalf("unexpected reviewer: %+v", res.Decision)
	}
	issue, _ := env.Engine.Repo.GetIssue(env.Ctx, res.Run.ForIssueID)
	if issue.Status != domain.StatusDone {
		t.Fatalf("expected done, got %s", issue.Status)
	}

	// missing evidence yields a fail verdict, which does not qualify
	res = runPipeline(t, env, "k-auto-noevidence", true, false)
	if res.Evidence.Verdict != domain.VerdictFail {
		t.Fatalf("expected fail, got %s", res.Evidence.Verdict)
	}
	if res.Decision != nil {
		t.Fatal("fail verdict must not auto-approve")
	}
	issue, _ = env.Engine.Repo.GetIssue(env.Ctx, res.Run.ForIssueID)
	if issue.Status != domain.StatusUnderReview {
		t.Fatalf("expected under_review, got %s", issue.Status)
	}
}

func TestSubmitReview(t *testing.T) {
	env := newTestEnv(t)
	res := runPipeline(t, env, "k-manual", true, true)

	reviewer := domain.Actor{Kind: "human", ID: "bob"}
	rd, err := env.Engine.SubmitReview(env.Ctx, res.Evidence.ID, domain.DecisionApproved, "looks good", reviewer)
	if err != nil {
		t.Fatalf("submit review: %v", err)
	}
	if rd.Decision != domain.DecisionApproved {
		t.Fatalf("unexpected decision: %+v", rd)
	}
	issue, _ := env.Engine.Repo.GetIssue(env.Ctx, res.Run.ForIssueID)
	if issue.Status != domain.StatusDone {
		t.Fatalf("expected done, got %s", issue.Status)
	}
	run, _ := env.Engine.Repo.GetRun(env.Ctx, res.Run.ID)
	if run.Status != domain.StatusDone {
		t.Fatalf("expected done run, got %s", run.Status)
	}

	// a second review on the same pack hits the state guard
	_, err = env.Engine.SubmitReview(env.Ctx, res.Evidence.ID, domain.DecisionRejected, "", reviewer)
	var se *engine.StateError
	if !errors.As(err, &se) || se.Code != "ISSUE_NOT_UNDER_REVIEW" {
		t.Fatalf("expected ISSUE_NOT_UNDER_REVIEW, got %v", err)
	}
}

func TestSubmitReviewRejectionFails(t *testing.T) {
	env := newTestEnv(t)
	res := runPipeline(t, env, "k-reject", true, false)
	rd, err := env.Engine.SubmitReview(env.Ctx, res.Evidence.ID, domain.DecisionRejected, "missing evidence", domain.Actor{Kind: "human", ID: "bob"})
	if err != nil {
		t.Fatalf("submit review: %v", err)
	}
	if rd.Reason != "missing evidence" {
		t.Fatalf("reason lost: %+v", rd)
	}
	issue, _ := env.Engine.Repo.GetIssue(env.Ctx, res.Run.ForIssueID)
	if issue.Status != domain.StatusFailed {
		t.Fatalf("expected failed, got %s", issue.Status)
	}
}

func TestOnePackPerRun(t *testing.T) {
	env := newTestEnv(t)
	res := runPipeline(t, env, "k-pack", true, true)

	tx, err := env.Engine.DB.Begin()
	if err != nil {
		t.Fatal(err)
	}
	defer tx.Rollback()
	dup := res.Evidence
	dup.ID = "dup-pack"
	if err := env.Engine.Repo.InsertEvidencePackTx(env.Ctx, tx, dup); err == nil {
		t.Fatal("expected unique constraint violation for second pack on run")
	}
}

func TestRecordArtifactRequiresRunningTask(t *testing.T) {
	env := newTestEnv(t)
	task, err := env.Engine.Enqueue(env.Ctx, testRequest("k-art"))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	_, err = env.Engine.RecordArtifact(env.Ctx, task.ID, engine.ArtifactSpec{Type: "log", Title: "x"}, worker())
	var se *engine.StateError
	if !errors.As(err, &se) || se.Code != "TASK_NOT_RUNNING" {
		t.Fatalf("expected TASK_NOT_RUNNING, got %v", err)
	}
}

func TestGetContext(t *testing.T) {
	env := newTestEnv(t)
	task, err := env.Engine.Enqueue(env.Ctx, testRequest("k-ctx"))
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	view, err := env.Engine.GetContext(env.Ctx, task.ID)
	if err != nil {
		t.Fatalf("get context: %v", err)
	}
	if view.Packet.Summary != task.Objective {
		t.Fatalf("packet summary mismatch: %q", view.Packet.Summary)
	}
	if view.Snapshot.TimeBudgetSeconds != 600 {
		t.Fatalf("snapshot budget mismatch: %d", view.Snapshot.TimeBudgetSeconds)
	}
	if len(view.Packet.Assumptions) == 0 || view.Packet.Assumptions[0] != "Target branch: main" {
		t.Fatalf("assumptions missing: %v", view.Packet.Assumptions)
	}
}
