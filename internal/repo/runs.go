package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"towerline/internal/domain"
)

const runCols = `id,for_issue_id,repo_id,status,mode,executor_json,context_packet_id,constraint_snapshot_id,artifact_root_uri,started_at,ended_at,telemetry_json,outputs_json,failure_category,failure_message,tags_json,meta_json,trace_id,created_at,updated_at`

func scanRun(row taskScanner) (domain.Run, error) {
	var run domain.Run
	var executor string
	var startedAt, endedAt, telemetry, outputs, failureCategory, failureMessage, tags, meta, traceID sql.NullString
	err := row.Scan(&run.ID, &run.ForIssueID, &run.RepoID, &run.Status, &run.Mode, &executor,
		&run.ContextPacketID, &run.ConstraintSnapshotID, &run.ArtifactRootURI,
		&startedAt, &endedAt, &telemetry, &outputs, &failureCategory, &failureMessage, &tags, &meta, &traceID,
		&run.CreatedAt, &run.UpdatedAt)
	if err == sql.ErrNoRows {
		return run, ErrNotFound
	}
	if err != nil {
		return run, err
	}
	if err := json.Unmarshal([]byte(executor), &run.Executor); err != nil {
		return run, fmt.Errorf("decode run executor: %w", err)
	}
	run.StartedAt = stringPtr(startedAt)
	run.EndedAt = stringPtr(endedAt)
	run.FailureCategory = stringPtr(failureCategory)
	run.FailureMessage = stringPtr(failureMessage)
	run.TraceID = stringPtr(traceID)
	if err := decodeJSON(telemetry, &run.Telemetry); err != nil {
		return run, err
	}
	if err := decodeJSON(outputs, &run.Outputs); err != nil {
		return run, err
	}
	if err := decodeJSON(tags, &run.Tags); err != nil {
		return run, err
	}
	if err := decodeJSON(meta, &run.Meta); err != nil {
		return run, err
	}
	return run, nil
}

func (r Repo) InsertRunTx(ctx context.Context, tx *sql.Tx, run domain.Run) error {
	executor, err := json.Marshal(run.Executor)
	if err != nil {
		return fmt.Errorf("marshal run executor: %w", err)
	}
	telemetry, err := jsonCol(run.Telemetry)
	if err != nil {
		return err
	}
	outputs, err := jsonCol(run.Outputs)
	if err != nil {
		return err
	}
	tags, err := jsonCol(run.Tags)
	if err != nil {
		return err
	}
	meta, err := jsonCol(run.Meta)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO runs(`+runCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		run.ID, run.ForIssueID, run.RepoID, run.Status, run.Mode, string(executor),
		run.ContextPacketID, run.ConstraintSnapshotID, run.ArtifactRootURI,
		nullableStringPtr(run.StartedAt), nullableStringPtr(run.EndedAt), telemetry, outputs,
		nullableStringPtr(run.FailureCategory), nullableStringPtr(run.FailureMessage),
		tags, meta, nullableStringPtr(run.TraceID), run.CreatedAt, run.UpdatedAt)
	return err
}

func (r Repo) GetRun(ctx context.Context, id string) (domain.Run, error) {
	return scanRun(r.DB.QueryRowContext(ctx, `SELECT `+runCols+` FROM runs WHERE id=?`, id))
}

// ActiveRunForIssue returns the running run for an issue, if any. This is
// how a completion report finds its run without client-side state.
func (r Repo) ActiveRunForIssue(ctx context.Context, issueID string) (domain.Run, error) {
	return scanRun(r.DB.QueryRowContext(ctx, `SELECT `+runCols+` FROM runs WHERE for_issue_id=? AND status='running' ORDER BY created_at DESC LIMIT 1`, issueID))
}

func (r Repo) ListRunsForIssue(ctx context.Context, issueID string) ([]domain.Run, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+runCols+` FROM runs WHERE for_issue_id=? ORDER BY created_at DESC, id DESC`, issueID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, run)
	}
	return res, rows.Err()
}

func (r Repo) UpdateRunStatusTx(ctx context.Context, tx *sql.Tx, id, status, now string) error {
	res, err := tx.ExecContext(ctx, `UPDATE runs SET status=?, updated_at=? WHERE id=?`, status, now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// FinishRunTx records the end of execution: terminal status, timestamps,
// telemetry, outputs, and failure detail when the run failed.
func (r Repo) FinishRunTx(ctx context.Context, tx *sql.Tx, run domain.Run) error {
	telemetry, err := jsonCol(run.Telemetry)
	if err != nil {
		return err
	}
	outputs, err := jsonCol(run.Outputs)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE runs SET status=?, ended_at=?, telemetry_json=?, outputs_json=?, failure_category=?, failure_message=?, updated_at=? WHERE id=?`,
		run.Status, nullableStringPtr(run.EndedAt), telemetry, outputs,
		nullableStringPtr(run.FailureCategory), nullableStringPtr(run.FailureMessage), run.UpdatedAt, run.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const artifactCols = `id,run_id,issue_id,type,title,uri,digest,media_type,verification,tags_json,meta_json,trace_id,created_at`

func (r Repo) InsertArtifactTx(ctx context.Context, tx *sql.Tx, a domain.Artifact) error {
	tags, err := jsonCol(a.Tags)
	if err != nil {
		return err
	}
	meta, err := jsonCol(a.Meta)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO artifacts(`+artifactCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		a.ID, a.RunID, a.IssueID, a.Type, a.Title, a.URI, nullableStringPtr(a.Digest),
		nullableStringPtr(a.MediaType), nullableStringPtr(a.Verification), tags, meta,
		nullableStringPtr(a.TraceID), a.CreatedAt)
	return err
}

func scanArtifact(row taskScanner) (domain.Artifact, error) {
	var a domain.Artifact
	var digest, mediaType, verification, tags, meta, traceID sql.NullString
	err := row.Scan(&a.ID, &a.RunID, &a.IssueID, &a.Type, &a.Title, &a.URI, &digest, &mediaType, &verification, &tags, &meta, &traceID, &a.CreatedAt)
	if err == sql.ErrNoRows {
		return a, ErrNotFound
	}
	if err != nil {
		return a, err
	}
	a.Digest = stringPtr(digest)
	a.MediaType = stringPtr(mediaType)
	a.Verification = stringPtr(verification)
	a.TraceID = stringPtr(traceID)
	if err := decodeJSON(tags, &a.Tags); err != nil {
		return a, err
	}
	if err := decodeJSON(meta, &a.Meta); err != nil {
		return a, err
	}
	return a, nil
}

func (r Repo) ListArtifactsForRun(ctx context.Context, runID string) ([]domain.Artifact, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+artifactCols+` FROM artifacts WHERE run_id=? ORDER BY created_at ASC, id ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Artifact
	for rows.Next() {
		a, err := scanArtifact(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, a)
	}
	return res, rows.Err()
}
