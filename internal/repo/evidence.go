package repo

import (
	"context"
	"database/sql"

	"towerline/internal/domain"
)

const packCols = `id,run_id,issue_id,verdict,verdict_reason,criteria_results_json,evidence_found_json,evidence_missing_json,checks_passed,checks_failed,checks_skipped,evidence_uri,tags_json,meta_json,trace_id,created_at`

// InsertEvidencePackTx stores the prover's verdict. The UNIQUE constraint on
// run_id enforces one pack per run; a second insert fails.
func (r Repo) InsertEvidencePackTx(ctx context.Context, tx *sql.Tx, ep domain.EvidencePack) error {
	criteria, err := jsonCol(ep.CriteriaResults)
	if err != nil {
		return err
	}
	found, err := jsonCol(ep.EvidenceFound)
	if err != nil {
		return err
	}
	missing, err := jsonCol(ep.EvidenceMissing)
	if err != nil {
		return err
	}
	tags, err := jsonCol(ep.Tags)
	if err != nil {
		return err
	}
	meta, err := jsonCol(ep.Meta)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO evidence_packs(`+packCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		ep.ID, ep.RunID, ep.IssueID, ep.Verdict, ep.VerdictReason, criteria, found, missing,
		ep.ChecksPassed, ep.ChecksFailed, ep.ChecksSkipped, nullable(ep.EvidenceURI),
		tags, meta, nullableStringPtr(ep.TraceID), ep.CreatedAt)
	return err
}

func scanPack(row taskScanner) (domain.EvidencePack, error) {
	var ep domain.EvidencePack
	var criteria, found, missing, evidenceURI, tags, meta, traceID sql.NullString
	err := row.Scan(&ep.ID, &ep.RunID, &ep.IssueID, &ep.Verdict, &ep.VerdictReason,
		&criteria, &found, &missing, &ep.ChecksPassed, &ep.ChecksFailed, &ep.ChecksSkipped,
		&evidenceURI, &tags, &meta, &traceID, &ep.CreatedAt)
	if err == sql.ErrNoRows {
		return ep, ErrNotFound
	}
	if err != nil {
		return ep, err
	}
	if evidenceURI.Valid {
		ep.EvidenceURI = evidenceURI.String
	}
	ep.TraceID = stringPtr(traceID)
	if err := decodeJSON(criteria, &ep.CriteriaResults); err != nil {
		return ep, err
	}
	if err := decodeJSON(found, &ep.EvidenceFound); err != nil {
		return ep, err
	}
	if err := decodeJSON(missing, &ep.EvidenceMissing); err != nil {
		return ep, err
	}
	if err := decodeJSON(tags, &ep.Tags); err != nil {
		return ep, err
	}
	if err := decodeJSON(meta, &ep.Meta); err != nil {
		return ep, err
	}
	return ep, nil
}

func (r Repo) GetEvidencePack(ctx context.Context, id string) (domain.EvidencePack, error) {
	return scanPack(r.DB.QueryRowContext(ctx, `SELECT `+packCols+` FROM evidence_packs WHERE id=?`, id))
}

func (r Repo) GetEvidencePackForRun(ctx context.Context, runID string) (domain.EvidencePack, error) {
	return scanPack(r.DB.QueryRowContext(ctx, `SELECT `+packCols+` FROM evidence_packs WHERE run_id=?`, runID))
}

const decisionCols = `id,evidence_pack_id,run_id,issue_id,decision,reviewer_kind,reviewer_id,reason,decided_at,tags_json,meta_json,trace_id`

func (r Repo) InsertReviewDecisionTx(ctx context.Context, tx *sql.Tx, rd domain.ReviewDecision) error {
	tags, err := jsonCol(rd.Tags)
	if err != nil {
		return err
	}
	meta, err := jsonCol(rd.Meta)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO review_decisions(`+decisionCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		rd.ID, rd.EvidencePackID, rd.RunID, rd.IssueID, rd.Decision, rd.ReviewerKind, rd.ReviewerID,
		nullable(rd.Reason), rd.DecidedAt, tags, meta, nullableStringPtr(rd.TraceID))
	return err
}

func scanDecision(row taskScanner) (domain.ReviewDecision, error) {
	var rd domain.ReviewDecision
	var reason, tags, meta, traceID sql.NullString
	err := row.Scan(&rd.ID, &rd.EvidencePackID, &rd.RunID, &rd.IssueID, &rd.Decision,
		&rd.ReviewerKind, &rd.ReviewerID, &reason, &rd.DecidedAt, &tags, &meta, &traceID)
	if err == sql.ErrNoRows {
		return rd, ErrNotFound
	}
	if err != nil {
		return rd, err
	}
	if reason.Valid {
		rd.Reason = reason.String
	}
	rd.TraceID = stringPtr(traceID)
	if err := decodeJSON(tags, &rd.Tags); err != nil {
		return rd, err
	}
	if err := decodeJSON(meta, &rd.Meta); err != nil {
		return rd, err
	}
	return rd, nil
}

func (r Repo) ListDecisionsForPack(ctx context.Context, packID string) ([]domain.ReviewDecision, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+decisionCols+` FROM review_decisions WHERE evidence_pack_id=? ORDER BY decided_at ASC, id ASC`, packID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ReviewDecision
	for rows.Next() {
		rd, err := scanDecision(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, rd)
	}
	return res, rows.Err()
}

// ListPendingReviews returns evidence packs whose issue sits in under_review
// with no recorded decision.
func (r Repo) ListPendingReviews(ctx context.Context) ([]domain.EvidencePack, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+prefixCols(packCols, "ep")+` FROM evidence_packs ep
JOIN issues i ON i.id = ep.issue_id
WHERE i.status='under_review'
  AND NOT EXISTS (SELECT 1 FROM review_decisions rd WHERE rd.evidence_pack_id = ep.id)
ORDER BY ep.created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.EvidencePack
	for rows.Next() {
		ep, err := scanPack(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, ep)
	}
	return res, rows.Err()
}
