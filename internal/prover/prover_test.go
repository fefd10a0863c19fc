package prover

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"towerline/internal/domain"
	"towerline/internal/trace"
)

func testStore(t *testing.T) trace.Store {
	t.Helper()
	st, err := trace.Open("file://"+t.TempDir(), "run-1")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	return st
}

func baseInput() Input {
	return Input{
		Run:   domain.Run{ID: "run-1", Status: domain.StatusRunning},
		Issue: domain.Issue{ID: "issue-1"},
		Now:   time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestProvePassWhenAllEvidencePresent(t *testing.T) {
	in := baseInput()
	in.Issue.AcceptanceCriteria = []string{"login works", "no regressions"}
	in.Issue.EvidenceRequirements = []string{"test results", "summary report"}
	in.Artifacts = []domain.Artifact{
		{ID: "a1", Title: "test results", Type: domain.ArtifactLog},
		{ID: "a2", Title: "execution summary", Type: domain.ArtifactReport},
	}
	pack, err := Prove(in, testStore(t))
	if err != nil {
		t.Fatalf("prove: %v", err)
	}
	if pack.Verdict != domain.VerdictPass {
		t.Fatalf("expected pass, got %s (%s)", pack.Verdict, pack.VerdictReason)
	}
	if pack.ChecksPassed != 2 || pack.ChecksFailed != 0 || pack.ChecksSkipped != 2 {
		t.Fatalf("unexpected counts: %d/%d/%d", pack.ChecksPassed, pack.ChecksFailed, pack.ChecksSkipped)
	}
	for _, cr := range pack.CriteriaResults {
		if cr.Status != domain.CriterionUnverified {
			t.Fatalf("criterion %q should be unverified, got %s", cr.Criterion, cr.Status)
		}
	}
}

func TestProvePartialWhenEvidenceMissing(t *testing.T) {
	in := baseInput()
	in.Issue.EvidenceRequirements = []string{"test results", "screenshot of UI"}
	in.Artifacts = []domain.Artifact{
		{ID: "a1", Title: "unit test output", Type: domain.ArtifactLog},
	}
	pack, err := Prove(in, testStore(t))
	if err != nil {
		t.Fatalf("prove: %v", err)
	}
	if pack.Verdict != domain.VerdictPartial {
		t.Fatalf("expected partial, got %s", pack.Verdict)
	}
	if len(pack.EvidenceMissing) != 1 || pack.EvidenceMissing[0] != "screenshot of UI" {
		t.Fatalf("unexpected missing: %v", pack.EvidenceMissing)
	}
}

func TestProveFailWhenNoEvidencePresent(t *testing.T) {
	in := baseInput()
	in.Issue.EvidenceRequirements = []string{"test results", "summary report"}
	pack, err := Prove(in, testStore(t))
	if err != nil {
		t.Fatalf("prove: %v", err)
	}
	if pack.Verdict != domain.VerdictFail {
		t.Fatalf("expected fail, got %s (%s)", pack.Verdict, pack.VerdictReason)
	}
	if pack.VerdictReason != "No required evidence present: 0 of 2 requirements satisfied" {
		t.Fatalf("unexpected reason: %s", pack.VerdictReason)
	}
	if len(pack.EvidenceMissing) != 2 || pack.ChecksFailed != 2 {
		t.Fatalf("unexpected missing set: %v (failed %d)", pack.EvidenceMissing, pack.ChecksFailed)
	}
}

func TestProveFailWhenRunFailed(t *testing.T) {
	in := baseInput()
	cat := domain.FailureRuntime
	msg := "executor timed out"
	in.Run.Status = domain.StatusFailed
	in.Run.FailureCategory = &cat
	in.Run.FailureMessage = &msg
	in.Issue.EvidenceRequirements = []string{"test results"}
	pack, err := Prove(in, testStore(t))
	if err != nil {
		t.Fatalf("prove: %v", err)
	}
	if pack.Verdict != domain.VerdictFail {
		t.Fatalf("expected fail, got %s", pack.Verdict)
	}
	if pack.VerdictReason != "Run failed: executor timed out" {
		t.Fatalf("unexpected reason: %s", pack.VerdictReason)
	}
}

func TestProveDeterministic(t *testing.T) {
	in := baseInput()
	in.Issue.EvidenceRequirements = []string{"doc page"}
	in.Artifacts = []domain.Artifact{{ID: "a1", Title: "install guide", Type: domain.ArtifactDoc}}
	p1, err := Prove(in, testStore(t))
	if err != nil {
		t.Fatalf("prove: %v", err)
	}
	p2, err := Prove(in, testStore(t))
	if err != nil {
		t.Fatalf("prove: %v", err)
	}
	if p1.Verdict != p2.Verdict || p1.VerdictReason != p2.VerdictReason || p1.ChecksPassed != p2.ChecksPassed {
		t.Fatal("verdict not deterministic for identical input")
	}
}

func TestMatchEvidenceHeuristics(t *testing.T) {
	artifacts := []domain.Artifact{
		{ID: "log", Title: "pytest run", Type: domain.ArtifactLog},
		{ID: "img", Title: "capture-01", Type: domain.ArtifactBinary},
		{ID: "doc", Title: "user guide", Type: domain.ArtifactDoc},
	}
	cases := []struct {
		req  string
		want string
		via  string
	}{
		{"pytest run", "log", "title_exact"},
		{"pytest", "log", "title_keyword"},
		{"test evidence", "log", "type_heuristic"},
		{"screenshot of result", "img", "type_heuristic"},
		{"documentation update", "doc", "type_heuristic"},
	}
	for _, tc := range cases {
		got, via := matchEvidence(tc.req, artifacts)
		if got == nil || got.ID != tc.want || via != tc.via {
			t.Fatalf("req %q: got %v via %q, want %s via %s", tc.req, got, via, tc.want, tc.via)
		}
	}
	if got, _ := matchEvidence("deployment approval", artifacts); got != nil {
		t.Fatalf("expected no match, got %s", got.ID)
	}
}

func TestProveWritesEvidenceFolder(t *testing.T) {
	root := t.TempDir()
	st, err := trace.Open("file://"+root, "run-9")
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	in := baseInput()
	in.Run.ID = "run-9"
	in.Issue.AcceptanceCriteria = []string{"works"}
	pack, err := Prove(in, st)
	if err != nil {
		t.Fatalf("prove: %v", err)
	}
	data, err := os.ReadFile(filepath.Join(root, "run-9", "evidence", "verdict.json"))
	if err != nil {
		t.Fatalf("read verdict.json: %v", err)
	}
	var verdict map[string]any
	if err := json.Unmarshal(data, &verdict); err != nil {
		t.Fatalf("parse verdict.json: %v", err)
	}
	if verdict["verdict"] != pack.Verdict {
		t.Fatalf("verdict.json mismatch: %v", verdict["verdict"])
	}
	if _, err := os.Stat(filepath.Join(root, "run-9", "evidence", "criteria", "criterion_1.json")); err != nil {
		t.Fatalf("criterion file missing: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "run-9", "evidence", "collected.json")); err != nil {
		t.Fatalf("collected.json missing: %v", err)
	}
}
