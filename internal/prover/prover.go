package prover

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"towerline/internal/domain"
	"towerline/internal/trace"
)

// Input is everything the prover looks at. It never reaches back into the
// database; the same input always yields the same verdict.
type Input struct {
	Run       domain.Run
	Issue     domain.Issue
	Artifacts []domain.Artifact
	Now       time.Time
}

// Prove derives a verdict for a finished run and writes the evidence folder
// into the run's trace prefix.
//
// Verdict rules:
//   - the run failed: fail
//   - requirements exist but no artifact matched any of them: fail
//   - some evidence requirement has no matching artifact: partial
//   - everything matched: pass
//
// Acceptance criteria are recorded but never auto-verified; each one lands
// as unverified, which is a stable final status, not a gap.
func Prove(in Input, store trace.Store) (domain.EvidencePack, error) {
	now := in.Now.UTC().Format(time.RFC3339)
	pack := domain.EvidencePack{
		ID:        newID(),
		RunID:     in.Run.ID,
		IssueID:   in.Issue.ID,
		TraceID:   in.Run.TraceID,
		CreatedAt: now,
	}

	for _, criterion := range in.Issue.AcceptanceCriteria {
		pack.CriteriaResults = append(pack.CriteriaResults, domain.CriterionResult{
			Criterion: criterion,
			Status:    domain.CriterionUnverified,
			Detail:    "requires manual or LLM verification",
		})
		pack.ChecksSkipped++
	}

	runFailed := in.Run.Status == domain.StatusFailed || in.Run.FailureCategory != nil

	for _, req := range in.Issue.EvidenceRequirements {
		if match, via := matchEvidence(req, in.Artifacts); match != nil {
			pack.EvidenceFound = append(pack.EvidenceFound, domain.EvidenceMatch{
				Requirement: req,
				ArtifactID:  match.ID,
				Via:         via,
			})
			pack.ChecksPassed++
		} else {
			pack.EvidenceMissing = append(pack.EvidenceMissing, req)
			pack.ChecksFailed++
		}
	}

	switch {
	case runFailed:
		pack.Verdict = domain.VerdictFail
		msg := "execution failed"
		if in.Run.FailureMessage != nil {
			msg = *in.Run.FailureMessage
		}
		pack.VerdictReason = "Run failed: " + msg
	case len(pack.EvidenceMissing) > 0 && len(pack.EvidenceFound) == 0:
		pack.Verdict = domain.VerdictFail
		pack.VerdictReason = fmt.Sprintf("No required evidence present: 0 of %d requirements satisfied",
			pack.ChecksFailed)
	case len(pack.EvidenceMissing) > 0:
		pack.Verdict = domain.VerdictPartial
		pack.VerdictReason = fmt.Sprintf("Evidence incomplete: %d of %d requirements satisfied",
			pack.ChecksPassed, pack.ChecksPassed+pack.ChecksFailed)
	default:
		pack.Verdict = domain.VerdictPass
		pack.VerdictReason = fmt.Sprintf("All automated checks passed (%d criteria require manual/LLM verification)",
			len(pack.CriteriaResults))
	}

	if err := writeEvidence(store, pack, in); err != nil {
		return domain.EvidencePack{}, err
	}
	pack.EvidenceURI = store.URI("evidence")
	return pack, nil
}

func newID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// matchEvidence finds an artifact satisfying a requirement. Exact title
// match wins, then title keyword containment, then a type heuristic:
// test-ish requirements accept logs and traces, screenshots accept binaries,
// documentation accepts docs.
func matchEvidence(req string, artifacts []domain.Artifact) (*domain.Artifact, string) {
	needle := strings.ToLower(strings.TrimSpace(req))
	for i := range artifacts {
		if strings.ToLower(artifacts[i].Title) == needle {
			return &artifacts[i], "title_exact"
		}
	}
	for i := range artifacts {
		title := strings.ToLower(artifacts[i].Title)
		if strings.Contains(title, needle) || strings.Contains(needle, title) {
			return &artifacts[i], "title_keyword"
		}
	}
	var wantTypes []string
	switch {
	case strings.Contains(needle, "test"):
		wantTypes = []string{domain.ArtifactLog, domain.ArtifactTrace}
	case strings.Contains(needle, "screenshot"), strings.Contains(needle, "image"):
		wantTypes = []string{domain.ArtifactBinary}
	case strings.Contains(needle, "doc"), strings.Contains(needle, "readme"):
		wantTypes = []string{domain.ArtifactDoc}
	case strings.Contains(needle, "report"), strings.Contains(needle, "summary"):
		wantTypes = []string{domain.ArtifactReport}
	}
	for i := range artifacts {
		for _, wt := range wantTypes {
			if artifacts[i].Type == wt {
				return &artifacts[i], "type_heuristic"
			}
		}
	}
	return nil, ""
}

func writeEvidence(store trace.Store, pack domain.EvidencePack, in Input) error {
	if err := store.EnsureDir("evidence/criteria"); err != nil {
		return err
	}
	if err := store.WriteJSON("evidence/verdict.json", map[string]any{
		"evidence_pack_id": pack.ID,
		"run_id":           pack.RunID,
		"issue_id":         pack.IssueID,
		"verdict":          pack.Verdict,
		"verdict_reason":   pack.VerdictReason,
		"checks_passed":    pack.ChecksPassed,
		"checks_failed":    pack.ChecksFailed,
		"checks_skipped":   pack.ChecksSkipped,
		"created_at":       pack.CreatedAt,
	}); err != nil {
		return err
	}
	if err := store.WriteJSON("evidence/collected.json", map[string]any{
		"evidence_found":   pack.EvidenceFound,
		"evidence_missing": pack.EvidenceMissing,
		"artifact_count":   len(in.Artifacts),
	}); err != nil {
		return err
	}
	for i, cr := range pack.CriteriaResults {
		path := fmt.Sprintf("evidence/criteria/criterion_%d.json", i+1)
		if err := store.WriteJSON(path, cr); err != nil {
			return err
		}
	}
	return store.AppendEvent("evidence_recorded", map[string]any{
		"evidence_pack_id": pack.ID,
		"verdict":          pack.Verdict,
	})
}
