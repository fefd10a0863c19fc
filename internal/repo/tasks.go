package repo

import (
	"context"
	"database/sql"
	"strings"

	"towerline/internal/domain"
)

const taskCols = `id,objective,operation,target_repo,target_ref,target_path,time_budget_seconds,allow_network,allow_secrets,idempotency_key,status,requested_by_kind,requested_by_id,requested_by_label,inputs_json,acceptance_criteria_json,evidence_requirements_json,issue_id,assigned_to,queued_at,started_at,completed_at,result_json,error,tags_json,meta_json,trace_id,trace_uri,created_at,updated_at`

type taskScanner interface {
	Scan(dest ...any) error
}

func scanTask(row taskScanner) (domain.Task, error) {
	var t domain.Task
	var key, label, inputs, criteria, evidence, issueID, assignedTo, startedAt, completedAt, result, taskErr, tags, meta, traceURI sql.NullString
	var allowNetwork, allowSecrets int
	err := row.Scan(&t.ID, &t.Objective, &t.Operation, &t.Target.Repo, &t.Target.Ref, &t.Target.Path,
		&t.TimeBudgetSeconds, &allowNetwork, &allowSecrets, &key, &t.Status,
		&t.RequestedBy.Kind, &t.RequestedBy.ID, &label, &inputs, &criteria, &evidence,
		&issueID, &assignedTo, &t.QueuedAt, &startedAt, &completedAt, &result, &taskErr,
		&tags, &meta, &t.TraceID, &traceURI, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		return t, ErrNotFound
	}
	if err != nil {
		return t, err
	}
	t.AllowNetwork = allowNetwork != 0
	t.AllowSecrets = allowSecrets != 0
	if key.Valid {
		t.IdempotencyKey = key.String
	}
	if label.Valid {
		t.RequestedBy.Label = label.String
	}
	if err := decodeJSON(inputs, &t.Inputs); err != nil {
		return t, err
	}
	if err := decodeJSON(criteria, &t.AcceptanceCriteria); err != nil {
		return t, err
	}
	if err := decodeJSON(evidence, &t.EvidenceRequirements); err != nil {
		return t, err
	}
	if err := decodeJSON(result, &t.Result); err != nil {
		return t, err
	}
	if err := decodeJSON(tags, &t.Tags); err != nil {
		return t, err
	}
	if err := decodeJSON(meta, &t.Meta); err != nil {
		return t, err
	}
	t.IssueID = stringPtr(issueID)
	t.AssignedTo = stringPtr(assignedTo)
	t.StartedAt = stringPtr(startedAt)
	t.CompletedAt = stringPtr(completedAt)
	t.Error = stringPtr(taskErr)
	t.TraceURI = stringPtr(traceURI)
	return t, nil
}

func (r Repo) InsertTaskTx(ctx context.Context, tx *sql.Tx, t domain.Task) error {
	inputs, err := jsonCol(t.Inputs)
	if err != nil {
		return err
	}
	criteria, err := jsonCol(t.AcceptanceCriteria)
	if err != nil {
		return err
	}
	evidence, err := jsonCol(t.EvidenceRequirements)
	if err != nil {
		return err
	}
	tags, err := jsonCol(t.Tags)
	if err != nil {
		return err
	}
	meta, err := jsonCol(t.Meta)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO tasks(`+taskCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.Objective, t.Operation, t.Target.Repo, t.Target.Ref, t.Target.Path,
		t.TimeBudgetSeconds, boolInt(t.AllowNetwork), boolInt(t.AllowSecrets), nullable(t.IdempotencyKey), t.Status,
		t.RequestedBy.Kind, t.RequestedBy.ID, nullable(t.RequestedBy.Label), inputs, criteria, evidence,
		nullableStringPtr(t.IssueID), nullableStringPtr(t.AssignedTo), t.QueuedAt,
		nullableStringPtr(t.StartedAt), nullableStringPtr(t.CompletedAt), nil, nullableStringPtr(t.Error),
		tags, meta, t.TraceID, nullableStringPtr(t.TraceURI), t.CreatedAt, t.UpdatedAt)
	return err
}

func (r Repo) GetTask(ctx context.Context, id string) (domain.Task, error) {
	return scanTask(r.DB.QueryRowContext(ctx, `SELECT `+taskCols+` FROM tasks WHERE id=?`, id))
}

func (r Repo) GetTaskByIdempotencyKey(ctx context.Context, key string) (domain.Task, error) {
	return scanTask(r.DB.QueryRowContext(ctx, `SELECT `+taskCols+` FROM tasks WHERE idempotency_key=?`, key))
}

type TaskFilter struct {
	Status    string
	Operation string
	Limit     int
}

func (r Repo) ListTasks(ctx context.Context, f TaskFilter) ([]domain.Task, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.Operation != "" {
		clauses = append(clauses, "operation=?")
		args = append(args, f.Operation)
	}
	query := `SELECT ` + taskCols + ` FROM tasks WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY queued_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

// OldestQueuedTask returns the queued task that has waited longest.
func (r Repo) OldestQueuedTask(ctx context.Context) (domain.Task, error) {
	return scanTask(r.DB.QueryRowContext(ctx, `SELECT `+taskCols+` FROM tasks WHERE status='queued' ORDER BY queued_at ASC, id ASC LIMIT 1`))
}

// ClaimTaskTx flips a queued task to running in one conditional UPDATE. With
// concurrent claimers exactly one sees an affected row; the rest get
// ErrNotFound. Runs inside the caller's transaction so a later failure in
// the claim pipeline rolls the task back to queued.
func (r Repo) ClaimTaskTx(ctx context.Context, tx *sql.Tx, id, workerID, now string) error {
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET status='running', started_at=?, assigned_to=?, updated_at=? WHERE id=? AND status='queued'`,
		now, workerID, now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) SetTaskTraceURITx(ctx context.Context, tx *sql.Tx, taskID, traceURI, now string) error {
	_, err := tx.ExecContext(ctx, `UPDATE tasks SET trace_uri=?, updated_at=? WHERE id=?`, traceURI, now, taskID)
	return err
}

// FinishTaskTx records the terminal state of a task.
func (r Repo) FinishTaskTx(ctx context.Context, tx *sql.Tx, taskID, status string, result map[string]any, taskErr, now string) error {
	resultJSON, err := jsonCol(result)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(ctx, `UPDATE tasks SET status=?, completed_at=?, result_json=?, error=?, updated_at=? WHERE id=?`,
		status, now, resultJSON, nullable(taskErr), now, taskID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// FailTask marks a task failed outside any transaction. Used by the worker
// when the pipeline itself errors.
func (r Repo) FailTask(ctx context.Context, taskID, message, now string) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE tasks SET status='failed', completed_at=?, error=?, updated_at=? WHERE id=?`,
		now, message, now, taskID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
