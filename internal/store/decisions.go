// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/stellwerk/railwatch/internal/model"
)

// InsertDecision appends a decision row with executed = false. Precondition
// validation against current entity state is the caller's job and must run
// in the same transaction; use the Tx variants for that.
func (s *Store) InsertDecision(ctx context.Context, d model.Decision) (int64, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, model.Wrap(model.CodeTransient, err, "begin")
	}
	defer func() { _ = tx.Rollback() }()

	id, err := insertDecisionTx(ctx, tx, d)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, model.Wrap(model.CodeTransient, err, "commit")
	}
	return id, nil
}

// CreateConflictDecision validates conflict preconditions and inserts the
// decision row in one transaction. The conflict state is re-read, not
// trusted from a snapshot.
func (s *Store) CreateConflictDecision(ctx context.Context, d model.Decision, aiSolutionID string) (int64, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, model.Wrap(model.CodeTransient, err, "begin")
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, conflictSelect+` WHERE conflict_id = ?`, d.ConflictID)
	c, err := scanConflict(row)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, model.Newf(model.CodeNotFound, "conflict %d", d.ConflictID)
	}
	if err != nil {
		return 0, model.Wrap(model.CodeTransient, err, "reread conflict")
	}
	if c.Resolved() {
		return 0, model.Newf(model.CodePrecondition, "conflict %d already resolved", d.ConflictID)
	}
	if aiSolutionID != "" && !suggestionExists(c, aiSolutionID) {
		return 0, model.Newf(model.CodePrecondition, "ai solution %s does not match conflict %d", aiSolutionID, d.ConflictID)
	}

	id, err := insertDecisionTx(ctx, tx, d)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, model.Wrap(model.CodeTransient, err, "commit")
	}
	return id, nil
}

// CreateTrainDecision validates that the target train exists and is
// controllable, then inserts the decision row in one transaction.
func (s *Store) CreateTrainDecision(ctx context.Context, d model.Decision) (int64, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return 0, model.Wrap(model.CodeTransient, err, "begin")
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
		SELECT train_id, train_number, type, max_speed, capacity, length, weight,
			priority, status, current_load, current_section_id, current_speed, updated_at_ms, route_json
		FROM trains WHERE train_id = ?`, d.TrainID)
	t, err := scanTrain(row)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, model.Newf(model.CodeNotFound, "train %d", d.TrainID)
	}
	if err != nil {
		return 0, model.Wrap(model.CodeTransient, err, "reread train")
	}
	if t.Status == model.StatusOutOfService && d.Action != model.ActionResume {
		return 0, model.Newf(model.CodePrecondition, "train %d is out of service", d.TrainID)
	}

	id, err := insertDecisionTx(ctx, tx, d)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, model.Wrap(model.CodeTransient, err, "commit")
	}
	return id, nil
}

func insertDecisionTx(ctx context.Context, tx *sql.Tx, d model.Decision) (int64, error) {
	res, err := tx.ExecContext(ctx, `
		INSERT INTO decisions (controller_id, conflict_id, train_id, section_id, action, ts_ms,
			rationale, parameters_json, executed, approval_required, approved_by, approval_ms,
			ai_generated, ai_solver_method, ai_score, ai_confidence)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?, ?, ?, ?, ?, ?)`,
		d.ControllerID, nullID(d.ConflictID), nullID(d.TrainID), nullID(d.SectionID),
		d.Action, d.Timestamp.UnixMilli(), d.Rationale, jsonText(d.Parameters),
		d.ApprovalRequired, nullID(d.ApprovedBy), nullMS(d.ApprovalTime),
		d.AIGenerated, nullString(d.AISolverMethod), nullFloat(d.AIScore), nullFloat(d.AIConfidence))
	if err != nil {
		return 0, model.Wrap(model.CodeTransient, err, "insert decision")
	}
	return res.LastInsertId()
}

// GetDecision loads one decision.
func (s *Store) GetDecision(ctx context.Context, id int64) (model.Decision, error) {
	row := s.DB.QueryRowContext(ctx, decisionSelect+` WHERE decision_id = ?`, id)
	d, err := scanDecision(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Decision{}, model.Newf(model.CodeNotFound, "decision %d", id)
	}
	if err != nil {
		return model.Decision{}, model.Wrap(model.CodeTransient, err, "get decision")
	}
	return d, nil
}

// CompleteDecision flips a decision to executed exactly once.
// execution_time is clamped to max(at, decision timestamp) so the
// execution invariant holds under clock skew.
func (s *Store) CompleteDecision(ctx context.Context, id int64, at time.Time, result string) error {
	var ts int64
	err := s.DB.QueryRowContext(ctx, `SELECT ts_ms FROM decisions WHERE decision_id = ? AND executed = 0`, id).Scan(&ts)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Newf(model.CodePrecondition, "decision %d missing or already executed", id)
	}
	if err != nil {
		return model.Wrap(model.CodeTransient, err, "load decision")
	}

	execMS := at.UnixMilli()
	if execMS < ts {
		execMS = ts
	}
	_, err = s.DB.ExecContext(ctx, `
		UPDATE decisions SET executed = 1, execution_ms = ?, execution_result = ?
		WHERE decision_id = ? AND executed = 0`, execMS, result, id)
	if err != nil {
		return model.Wrap(model.CodeTransient, err, "complete decision")
	}
	return nil
}

// RecordDecisionFailure records a failed execution attempt, keeping the
// decision eligible for retry.
func (s *Store) RecordDecisionFailure(ctx context.Context, id int64, result string) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE decisions SET execution_result = ?, retry_count = retry_count + 1
		WHERE decision_id = ? AND executed = 0`, result, id)
	if err != nil {
		return model.Wrap(model.CodeTransient, err, "record failure")
	}
	return nil
}

// ApproveDecision grants a pending approval.
func (s *Store) ApproveDecision(ctx context.Context, id, approverID int64, at time.Time) (model.Decision, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return model.Decision{}, model.Wrap(model.CodeTransient, err, "begin")
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, decisionSelect+` WHERE decision_id = ?`, id)
	d, err := scanDecision(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Decision{}, model.Newf(model.CodeNotFound, "decision %d", id)
	}
	if err != nil {
		return model.Decision{}, model.Wrap(model.CodeTransient, err, "load decision")
	}
	if !d.ApprovalRequired {
		return model.Decision{}, model.Newf(model.CodePrecondition, "decision %d does not require approval", id)
	}
	if d.Approved() {
		return model.Decision{}, model.Newf(model.CodePrecondition, "decision %d already approved", id)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE decisions SET approved_by = ?, approval_ms = ? WHERE decision_id = ?`,
		approverID, at.UnixMilli(), id)
	if err != nil {
		return model.Decision{}, model.Wrap(model.CodeTransient, err, "approve decision")
	}
	if err := tx.Commit(); err != nil {
		return model.Decision{}, model.Wrap(model.CodeTransient, err, "commit")
	}

	d.ApprovedBy = approverID
	d.ApprovalTime = at.UTC()
	return d, nil
}

// MarkConflictResolved closes a conflict on behalf of a controller.
func (s *Store) MarkConflictResolved(ctx context.Context, conflictID, controllerID int64, at time.Time) error {
	res, err := s.DB.ExecContext(ctx, `
		UPDATE conflicts SET resolution_ms = ?, resolved_by = ?
		WHERE conflict_id = ? AND resolution_ms IS NULL`,
		at.UnixMilli(), controllerID, conflictID)
	if err != nil {
		return model.Wrap(model.CodeTransient, err, "resolve conflict")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.Newf(model.CodePrecondition, "conflict %d already resolved", conflictID)
	}
	return nil
}

// AuditFilter narrows a decision audit query. Zero values match all.
type AuditFilter struct {
	ControllerID int64
	TrainID      int64
	ConflictID   int64
	Action       model.DecisionAction
	From, To     time.Time
	Limit        int
	Offset       int
}

// QueryDecisions returns a page of the audit trail, newest first, plus the
// total match count.
func (s *Store) QueryDecisions(ctx context.Context, f AuditFilter) ([]model.Decision, int64, error) {
	where := " WHERE 1=1"
	args := []any{}
	if f.ControllerID != 0 {
		where += " AND controller_id = ?"
		args = append(args, f.ControllerID)
	}
	if f.TrainID != 0 {
		where += " AND train_id = ?"
		args = append(args, f.TrainID)
	}
	if f.ConflictID != 0 {
		where += " AND conflict_id = ?"
		args = append(args, f.ConflictID)
	}
	if f.Action != "" {
		where += " AND action = ?"
		args = append(args, f.Action)
	}
	if !f.From.IsZero() {
		where += " AND ts_ms >= ?"
		args = append(args, f.From.UnixMilli())
	}
	if !f.To.IsZero() {
		where += " AND ts_ms < ?"
		args = append(args, f.To.UnixMilli())
	}

	var total int64
	if err := s.DB.QueryRowContext(ctx, "SELECT COUNT(*) FROM decisions"+where, args...).Scan(&total); err != nil {
		return nil, 0, model.Wrap(model.CodeTransient, err, "count decisions")
	}

	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	args = append(args, limit, f.Offset)

	rows, err := s.DB.QueryContext(ctx, decisionSelect+where+" ORDER BY ts_ms DESC, decision_id DESC LIMIT ? OFFSET ?", args...)
	if err != nil {
		return nil, 0, model.Wrap(model.CodeTransient, err, "query decisions")
	}
	defer func() { _ = rows.Close() }()

	var out []model.Decision
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, 0, model.Wrap(model.CodeTransient, err, "scan decision")
		}
		out = append(out, d)
	}
	return out, total, rows.Err()
}

// PendingExecutions returns approved, unexecuted decisions under the retry
// budget, oldest first, for the reaper.
func (s *Store) PendingExecutions(ctx context.Context, maxRetries int) ([]model.Decision, error) {
	rows, err := s.DB.QueryContext(ctx, decisionSelect+`
		WHERE executed = 0 AND retry_count <= ?
			AND (approval_required = 0 OR approved_by IS NOT NULL)
		ORDER BY ts_ms`, maxRetries)
	if err != nil {
		return nil, model.Wrap(model.CodeTransient, err, "pending executions")
	}
	defer func() { _ = rows.Close() }()

	var out []model.Decision
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, model.Wrap(model.CodeTransient, err, "scan decision")
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// DecisionCountsSince aggregates decisions by action for the performance
// metrics query.
func (s *Store) DecisionCountsSince(ctx context.Context, since time.Time) (map[model.DecisionAction]int64, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT action, COUNT(*) FROM decisions WHERE ts_ms >= ? GROUP BY action`, since.UnixMilli())
	if err != nil {
		return nil, model.Wrap(model.CodeTransient, err, "decision counts")
	}
	defer func() { _ = rows.Close() }()

	out := make(map[model.DecisionAction]int64)
	for rows.Next() {
		var action model.DecisionAction
		var n int64
		if err := rows.Scan(&action, &n); err != nil {
			return nil, model.Wrap(model.CodeTransient, err, "scan count")
		}
		out[action] = n
	}
	return out, rows.Err()
}

const decisionSelect = `
	SELECT decision_id, controller_id, conflict_id, train_id, section_id, action, ts_ms,
		rationale, parameters_json, executed, execution_ms, execution_result,
		approval_required, approved_by, approval_ms,
		ai_generated, ai_solver_method, ai_score, ai_confidence, retry_count
	FROM decisions`

func scanDecision(row interface{ Scan(...any) error }) (model.Decision, error) {
	var d model.Decision
	var conflictID, trainID, sectionID, approvedBy sql.NullInt64
	var ts int64
	var execMS, approvalMS sql.NullInt64
	var execResult, solverMethod sql.NullString
	var aiScore, aiConfidence sql.NullFloat64
	var params string

	err := row.Scan(&d.ID, &d.ControllerID, &conflictID, &trainID, &sectionID, &d.Action, &ts,
		&d.Rationale, &params, &d.Executed, &execMS, &execResult,
		&d.ApprovalRequired, &approvedBy, &approvalMS,
		&d.AIGenerated, &solverMethod, &aiScore, &aiConfidence, &d.RetryCount)
	if err != nil {
		return model.Decision{}, err
	}

	d.ConflictID = conflictID.Int64
	d.TrainID = trainID.Int64
	d.SectionID = sectionID.Int64
	d.Timestamp = timeOf(ts)
	d.ExecutionTime = timeOfNull(execMS)
	d.ExecutionResult = execResult.String
	d.ApprovedBy = approvedBy.Int64
	d.ApprovalTime = timeOfNull(approvalMS)
	d.AISolverMethod = solverMethod.String
	d.AIScore = aiScore.Float64
	d.AIConfidence = aiConfidence.Float64
	d.Parameters = map[string]any{}
	_ = json.Unmarshal([]byte(params), &d.Parameters)
	return d, nil
}

func suggestionExists(c model.Conflict, solutionID string) bool {
	for _, s := range c.Suggestions {
		if s.ID == solutionID {
			return true
		}
	}
	return false
}
