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

// UpsertConflict persists a detected conflict. The UNIQUE identity_key
// column makes re-detection within the dedup window an update of the
// existing row: severity, impact estimate, description, suggestions and AI
// annotations are refined in place, everything else is immutable. Resolved
// conflicts are never reopened.
//
// created reports whether a new conflict row was inserted.
func (s *Store) UpsertConflict(ctx context.Context, c model.Conflict) (model.Conflict, bool, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return model.Conflict{}, false, model.Wrap(model.CodeTransient, err, "begin")
	}
	defer func() { _ = tx.Rollback() }()

	out, created, err := upsertConflictTx(ctx, tx, c)
	if err != nil {
		return model.Conflict{}, false, err
	}
	if err := tx.Commit(); err != nil {
		return model.Conflict{}, false, model.Wrap(model.CodeTransient, err, "commit")
	}
	return out, created, nil
}

// UpsertConflicts reconciles one detection run's results in a single
// transaction. Either every conflict lands or none does; a cancelled run
// leaves no partial state. created[i] corresponds to out[i].
func (s *Store) UpsertConflicts(ctx context.Context, conflicts []model.Conflict) (out []model.Conflict, created []bool, err error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, nil, model.Wrap(model.CodeTransient, err, "begin")
	}
	defer func() { _ = tx.Rollback() }()

	out = make([]model.Conflict, 0, len(conflicts))
	created = make([]bool, 0, len(conflicts))
	for _, c := range conflicts {
		if err := ctx.Err(); err != nil {
			return nil, nil, model.Wrap(model.CodeTransient, err, "reconcile cancelled")
		}
		u, isNew, err := upsertConflictTx(ctx, tx, c)
		if err != nil {
			return nil, nil, err
		}
		out = append(out, u)
		created = append(created, isNew)
	}
	if err := tx.Commit(); err != nil {
		return nil, nil, model.Wrap(model.CodeTransient, err, "commit")
	}
	return out, created, nil
}

func upsertConflictTx(ctx context.Context, tx *sql.Tx, c model.Conflict) (model.Conflict, bool, error) {
	key := c.IdentityKey()

	var existingID int64
	var resolved sql.NullInt64
	err := tx.QueryRowContext(ctx,
		`SELECT conflict_id, resolution_ms FROM conflicts WHERE identity_key = ?`, key).
		Scan(&existingID, &resolved)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		res, err := tx.ExecContext(ctx, `
			INSERT INTO conflicts (identity_key, type, severity, severity_score, trains_json,
				sections_json, detection_ms, expected_impact_ms, description, suggestions_json,
				ai_analyzed, ai_confidence, ai_solution_id)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			key, c.Type, c.Severity, c.SeverityScore, jsonText(c.Trains), jsonText(c.Sections),
			c.DetectionTime.UnixMilli(), nullMS(c.ExpectedImpact), c.Description,
			jsonText(c.Suggestions), c.AIAnalyzed, nullFloat(c.AIConfidence), nullString(c.AISolutionID))
		if err != nil {
			return model.Conflict{}, false, model.Wrap(model.CodeTransient, err, "insert conflict")
		}
		c.ID, _ = res.LastInsertId()
		return c, true, nil

	case err != nil:
		return model.Conflict{}, false, model.Wrap(model.CodeTransient, err, "lookup conflict")

	case resolved.Valid:
		// Already resolved within the identity bucket; do not reopen.
		c.ID = existingID
		c.ResolutionTime = timeOfNull(resolved)
		return c, false, nil

	default:
		_, err = tx.ExecContext(ctx, `
			UPDATE conflicts SET severity = ?, severity_score = ?, expected_impact_ms = ?,
				description = ?, suggestions_json = ?, ai_analyzed = ?, ai_confidence = ?, ai_solution_id = ?
			WHERE conflict_id = ?`,
			c.Severity, c.SeverityScore, nullMS(c.ExpectedImpact), c.Description,
			jsonText(c.Suggestions), c.AIAnalyzed, nullFloat(c.AIConfidence), nullString(c.AISolutionID),
			existingID)
		if err != nil {
			return model.Conflict{}, false, model.Wrap(model.CodeTransient, err, "refine conflict")
		}
		c.ID = existingID
		return c, false, nil
	}
}

// GetConflict loads one conflict.
func (s *Store) GetConflict(ctx context.Context, id int64) (model.Conflict, error) {
	row := s.DB.QueryRowContext(ctx, conflictSelect+` WHERE conflict_id = ?`, id)
	c, err := scanConflict(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Conflict{}, model.Newf(model.CodeNotFound, "conflict %d", id)
	}
	if err != nil {
		return model.Conflict{}, model.Wrap(model.CodeTransient, err, "get conflict")
	}
	return c, nil
}

// ActiveConflicts returns all unresolved conflicts.
func (s *Store) ActiveConflicts(ctx context.Context) ([]model.Conflict, error) {
	rows, err := s.DB.QueryContext(ctx, conflictSelect+` WHERE resolution_ms IS NULL ORDER BY conflict_id`)
	if err != nil {
		return nil, model.Wrap(model.CodeTransient, err, "active conflicts")
	}
	defer func() { _ = rows.Close() }()

	var out []model.Conflict
	for rows.Next() {
		c, err := scanConflict(rows)
		if err != nil {
			return nil, model.Wrap(model.CodeTransient, err, "scan conflict")
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ConflictCountsSince aggregates conflicts by type for the performance
// metrics query.
func (s *Store) ConflictCountsSince(ctx context.Context, since time.Time) (map[model.ConflictType]int64, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT type, COUNT(*) FROM conflicts WHERE detection_ms >= ? GROUP BY type`, since.UnixMilli())
	if err != nil {
		return nil, model.Wrap(model.CodeTransient, err, "conflict counts")
	}
	defer func() { _ = rows.Close() }()

	out := make(map[model.ConflictType]int64)
	for rows.Next() {
		var typ model.ConflictType
		var n int64
		if err := rows.Scan(&typ, &n); err != nil {
			return nil, model.Wrap(model.CodeTransient, err, "scan count")
		}
		out[typ] = n
	}
	return out, rows.Err()
}

const conflictSelect = `
	SELECT conflict_id, type, severity, severity_score, trains_json, sections_json,
		detection_ms, expected_impact_ms, description, suggestions_json,
		resolution_ms, resolved_by, auto_resolved, ai_analyzed, ai_confidence, ai_solution_id
	FROM conflicts`

func scanConflict(row interface{ Scan(...any) error }) (model.Conflict, error) {
	var c model.Conflict
	var trains, sections, suggestions string
	var detection int64
	var impact, resolution, resolvedBy sql.NullInt64
	var confidence sql.NullFloat64
	var solutionID sql.NullString

	err := row.Scan(&c.ID, &c.Type, &c.Severity, &c.SeverityScore, &trains, &sections,
		&detection, &impact, &c.Description, &suggestions,
		&resolution, &resolvedBy, &c.AutoResolved, &c.AIAnalyzed, &confidence, &solutionID)
	if err != nil {
		return model.Conflict{}, err
	}

	c.Trains = ids(trains)
	c.Sections = ids(sections)
	c.DetectionTime = timeOf(detection)
	c.ExpectedImpact = timeOfNull(impact)
	c.ResolutionTime = timeOfNull(resolution)
	if resolvedBy.Valid {
		c.ResolvedBy = resolvedBy.Int64
	}
	if confidence.Valid {
		c.AIConfidence = confidence.Float64
	}
	if solutionID.Valid {
		c.AISolutionID = solutionID.String
	}
	_ = json.Unmarshal([]byte(suggestions), &c.Suggestions)
	return c, nil
}

func nullFloat(v float64) sql.NullFloat64 {
	if v == 0 {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: v, Valid: true}
}
