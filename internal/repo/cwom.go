package repo

import (
	"context"
	"database/sql"
	"strings"

	"towerline/internal/domain"
)

const repoCols = `id,name,slug,visibility,default_ref,tags_json,meta_json,trace_id,created_at,updated_at`

func (r Repo) InsertRepoTx(ctx context.Context, tx *sql.Tx, rec domain.Repo) error {
	tags, err := jsonCol(rec.Tags)
	if err != nil {
		return err
	}
	meta, err := jsonCol(rec.Meta)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO repos(`+repoCols+`) VALUES (?,?,?,?,?,?,?,?,?,?)`,
		rec.ID, rec.Name, rec.Slug, rec.Visibility, rec.DefaultRef, tags, meta,
		nullableStringPtr(rec.TraceID), rec.CreatedAt, rec.UpdatedAt)
	return err
}

func scanRepo(row taskScanner) (domain.Repo, error) {
	var rec domain.Repo
	var tags, meta, traceID sql.NullString
	err := row.Scan(&rec.ID, &rec.Name, &rec.Slug, &rec.Visibility, &rec.DefaultRef, &tags, &meta, &traceID, &rec.CreatedAt, &rec.UpdatedAt)
	if err == sql.ErrNoRows {
		return rec, ErrNotFound
	}
	if err != nil {
		return rec, err
	}
	if err := decodeJSON(tags, &rec.Tags); err != nil {
		return rec, err
	}
	if err := decodeJSON(meta, &rec.Meta); err != nil {
		return rec, err
	}
	rec.TraceID = stringPtr(traceID)
	return rec, nil
}

func (r Repo) GetRepo(ctx context.Context, id string) (domain.Repo, error) {
	return scanRepo(r.DB.QueryRowContext(ctx, `SELECT `+repoCols+` FROM repos WHERE id=?`, id))
}

func (r Repo) GetRepoBySlugTx(ctx context.Context, tx *sql.Tx, slug string) (domain.Repo, error) {
	return scanRepo(tx.QueryRowContext(ctx, `SELECT `+repoCols+` FROM repos WHERE slug=?`, slug))
}

const snapshotCols = `id,scope,time_budget_seconds,allow_network,allow_secrets,allowed_tools_json,blocked_tools_json,risk_tolerance,tags_json,meta_json,created_at`

func (r Repo) InsertConstraintSnapshotTx(ctx context.Context, tx *sql.Tx, cs domain.ConstraintSnapshot) error {
	allowedTools, err := jsonCol(cs.AllowedTools)
	if err != nil {
		return err
	}
	blockedTools, err := jsonCol(cs.BlockedTools)
	if err != nil {
		return err
	}
	tags, err := jsonCol(cs.Tags)
	if err != nil {
		return err
	}
	meta, err := jsonCol(cs.Meta)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO constraint_snapshots(`+snapshotCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		cs.ID, cs.Scope, cs.TimeBudgetSeconds, boolInt(cs.AllowNetwork), boolInt(cs.AllowSecrets),
		allowedTools, blockedTools, cs.RiskTolerance, tags, meta, cs.CreatedAt)
	return err
}

func (r Repo) GetConstraintSnapshot(ctx context.Context, id string) (domain.ConstraintSnapshot, error) {
	var cs domain.ConstraintSnapshot
	var allowedTools, blockedTools, tags, meta sql.NullString
	var allowNetwork, allowSecrets int
	err := r.DB.QueryRowContext(ctx, `SELECT `+snapshotCols+` FROM constraint_snapshots WHERE id=?`, id).
		Scan(&cs.ID, &cs.Scope, &cs.TimeBudgetSeconds, &allowNetwork, &allowSecrets, &allowedTools, &blockedTools, &cs.RiskTolerance, &tags, &meta, &cs.CreatedAt)
	if err == sql.ErrNoRows {
		return cs, ErrNotFound
	}
	if err != nil {
		return cs, err
	}
	cs.AllowNetwork = allowNetwork != 0
	cs.AllowSecrets = allowSecrets != 0
	if err := decodeJSON(allowedTools, &cs.AllowedTools); err != nil {
		return cs, err
	}
	if err := decodeJSON(blockedTools, &cs.BlockedTools); err != nil {
		return cs, err
	}
	if err := decodeJSON(tags, &cs.Tags); err != nil {
		return cs, err
	}
	if err := decodeJSON(meta, &cs.Meta); err != nil {
		return cs, err
	}
	return cs, nil
}

const issueCols = `id,repo_id,title,description,type,priority,status,parent_id,acceptance_criteria_json,evidence_requirements_json,context_packet_id,constraint_snapshot_id,tags_json,meta_json,trace_id,created_at,updated_at`

func scanIssue(row taskScanner) (domain.Issue, error) {
	var is domain.Issue
	var desc, parentID, criteria, evidence, packetID, snapshotID, tags, meta, traceID sql.NullString
	err := row.Scan(&is.ID, &is.RepoID, &is.Title, &desc, &is.Type, &is.Priority, &is.Status,
		&parentID, &criteria, &evidence, &packetID, &snapshotID, &tags, &meta, &traceID, &is.CreatedAt, &is.UpdatedAt)
	if err == sql.ErrNoRows {
		return is, ErrNotFound
	}
	if err != nil {
		return is, err
	}
	if desc.Valid {
		is.Description = desc.String
	}
	is.ParentID = stringPtr(parentID)
	is.ContextPacketID = stringPtr(packetID)
	is.ConstraintSnapshotID = stringPtr(snapshotID)
	is.TraceID = stringPtr(traceID)
	if err := decodeJSON(criteria, &is.AcceptanceCriteria); err != nil {
		return is, err
	}
	if err := decodeJSON(evidence, &is.EvidenceRequirements); err != nil {
		return is, err
	}
	if err := decodeJSON(tags, &is.Tags); err != nil {
		return is, err
	}
	if err := decodeJSON(meta, &is.Meta); err != nil {
		return is, err
	}
	return is, nil
}

func (r Repo) InsertIssueTx(ctx context.Context, tx *sql.Tx, is domain.Issue) error {
	criteria, err := jsonCol(is.AcceptanceCriteria)
	if err != nil {
		return err
	}
	evidence, err := jsonCol(is.EvidenceRequirements)
	if err != nil {
		return err
	}
	tags, err := jsonCol(is.Tags)
	if err != nil {
		return err
	}
	meta, err := jsonCol(is.Meta)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO issues(`+issueCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		is.ID, is.RepoID, is.Title, nullable(is.Description), is.Type, is.Priority, is.Status,
		nullableStringPtr(is.ParentID), criteria, evidence, nullableStringPtr(is.ContextPacketID),
		nullableStringPtr(is.ConstraintSnapshotID), tags, meta, nullableStringPtr(is.TraceID), is.CreatedAt, is.UpdatedAt)
	return err
}

func (r Repo) GetIssue(ctx context.Context, id string) (domain.Issue, error) {
	return scanIssue(r.DB.QueryRowContext(ctx, `SELECT `+issueCols+` FROM issues WHERE id=?`, id))
}

type IssueFilter struct {
	RepoID string
	Status string
	Limit  int
}

func (r Repo) ListIssues(ctx context.Context, f IssueFilter) ([]domain.Issue, error) {
	clauses := []string{"1=1"}
	var args []any
	if f.RepoID != "" {
		clauses = append(clauses, "repo_id=?")
		args = append(args, f.RepoID)
	}
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	query := `SELECT ` + issueCols + ` FROM issues WHERE ` + strings.Join(clauses, " AND ") + ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Issue
	for rows.Next() {
		is, err := scanIssue(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, is)
	}
	return res, rows.Err()
}

func (r Repo) UpdateIssueStatusTx(ctx context.Context, tx *sql.Tx, id, status, now string) error {
	res, err := tx.ExecContext(ctx, `UPDATE issues SET status=?, updated_at=? WHERE id=?`, status, now, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// LinkIssueContextTx pins the current packet and snapshot on the issue.
// The packet rows themselves are immutable; re-pinning means a new packet.
func (r Repo) LinkIssueContextTx(ctx context.Context, tx *sql.Tx, issueID, packetID, snapshotID, now string) error {
	res, err := tx.ExecContext(ctx, `UPDATE issues SET context_packet_id=?, constraint_snapshot_id=?, updated_at=? WHERE id=?`,
		packetID, snapshotID, now, issueID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const packetCols = `id,for_issue_id,version,summary,instructions,assumptions_json,open_questions_json,inputs_json,constraint_snapshot_id,tags_json,meta_json,trace_id,created_at`

func (r Repo) InsertContextPacketTx(ctx context.Context, tx *sql.Tx, cp domain.ContextPacket) error {
	assumptions, err := jsonCol(cp.Assumptions)
	if err != nil {
		return err
	}
	questions, err := jsonCol(cp.OpenQuestions)
	if err != nil {
		return err
	}
	inputs, err := jsonCol(cp.Inputs)
	if err != nil {
		return err
	}
	tags, err := jsonCol(cp.Tags)
	if err != nil {
		return err
	}
	meta, err := jsonCol(cp.Meta)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO context_packets(`+packetCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		cp.ID, cp.ForIssueID, cp.Version, cp.Summary, nullable(cp.Instructions), assumptions, questions, inputs,
		cp.ConstraintSnapshotID, tags, meta, nullableStringPtr(cp.TraceID), cp.CreatedAt)
	return err
}

func scanPacket(row taskScanner) (domain.ContextPacket, error) {
	var cp domain.ContextPacket
	var instructions, assumptions, questions, inputs, tags, meta, traceID sql.NullString
	err := row.Scan(&cp.ID, &cp.ForIssueID, &cp.Version, &cp.Summary, &instructions, &assumptions, &questions, &inputs, &cp.ConstraintSnapshotID, &tags, &meta, &traceID, &cp.CreatedAt)
	if err == sql.ErrNoRows {
		return cp, ErrNotFound
	}
	if err != nil {
		return cp, err
	}
	if instructions.Valid {
		cp.Instructions = instructions.String
	}
	cp.TraceID = stringPtr(traceID)
	if err := decodeJSON(assumptions, &cp.Assumptions); err != nil {
		return cp, err
	}
	if err := decodeJSON(questions, &cp.OpenQuestions); err != nil {
		return cp, err
	}
	if err := decodeJSON(inputs, &cp.Inputs); err != nil {
		return cp, err
	}
	if err := decodeJSON(tags, &cp.Tags); err != nil {
		return cp, err
	}
	if err := decodeJSON(meta, &cp.Meta); err != nil {
		return cp, err
	}
	return cp, nil
}

func (r Repo) GetContextPacket(ctx context.Context, id string) (domain.ContextPacket, error) {
	return scanPacket(r.DB.QueryRowContext(ctx, `SELECT `+packetCols+` FROM context_packets WHERE id=?`, id))
}

// ListContextPacketsForIssue returns packet versions newest first.
func (r Repo) ListContextPacketsForIssue(ctx context.Context, issueID string) ([]domain.ContextPacket, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+packetCols+` FROM context_packets WHERE for_issue_id=? ORDER BY created_at DESC, id DESC`, issueID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ContextPacket
	for rows.Next() {
		cp, err := scanPacket(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, cp)
	}
	return res, rows.Err()
}

const doctrineCols = `id,name,version,type,priority,applies_to_json,body,tags_json,meta_json,created_at,updated_at`

func (r Repo) InsertDoctrineRef(ctx context.Context, d domain.DoctrineRef) error {
	appliesTo, err := jsonCol(d.AppliesTo)
	if err != nil {
		return err
	}
	tags, err := jsonCol(d.Tags)
	if err != nil {
		return err
	}
	meta, err := jsonCol(d.Meta)
	if err != nil {
		return err
	}
	_, err = r.DB.ExecContext(ctx, `INSERT INTO doctrine_refs(`+doctrineCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		d.ID, d.Name, d.Version, d.Type, d.Priority, appliesTo, d.Body, tags, meta, d.CreatedAt, d.UpdatedAt)
	return err
}

func (r Repo) InsertDoctrineRefTx(ctx context.Context, tx *sql.Tx, d domain.DoctrineRef) error {
	appliesTo, err := jsonCol(d.AppliesTo)
	if err != nil {
		return err
	}
	tags, err := jsonCol(d.Tags)
	if err != nil {
		return err
	}
	meta, err := jsonCol(d.Meta)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `INSERT INTO doctrine_refs(`+doctrineCols+`) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		d.ID, d.Name, d.Version, d.Type, d.Priority, appliesTo, d.Body, tags, meta, d.CreatedAt, d.UpdatedAt)
	return err
}

func scanDoctrine(row taskScanner) (domain.DoctrineRef, error) {
	var d domain.DoctrineRef
	var appliesTo, tags, meta sql.NullString
	err := row.Scan(&d.ID, &d.Name, &d.Version, &d.Type, &d.Priority, &appliesTo, &d.Body, &tags, &meta, &d.CreatedAt, &d.UpdatedAt)
	if err == sql.ErrNoRows {
		return d, ErrNotFound
	}
	if err != nil {
		return d, err
	}
	if err := decodeJSON(appliesTo, &d.AppliesTo); err != nil {
		return d, err
	}
	if err := decodeJSON(tags, &d.Tags); err != nil {
		return d, err
	}
	if err := decodeJSON(meta, &d.Meta); err != nil {
		return d, err
	}
	return d, nil
}

func (r Repo) GetDoctrineRef(ctx context.Context, id string) (domain.DoctrineRef, error) {
	return scanDoctrine(r.DB.QueryRowContext(ctx, `SELECT `+doctrineCols+` FROM doctrine_refs WHERE id=?`, id))
}

func (r Repo) ListDoctrineRefs(ctx context.Context) ([]domain.DoctrineRef, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT `+doctrineCols+` FROM doctrine_refs ORDER BY name ASC, version DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.DoctrineRef
	for rows.Next() {
		d, err := scanDoctrine(rows)
		if err != nil {
			return nil, err
		}
		res = append(res, d)
	}
	return res, rows.Err()
}
