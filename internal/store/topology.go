// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"database/sql"
	"errors"

	"github.com/stellwerk/railwatch/internal/model"
)

// Trains, sections and controllers are administrative entities; writes are
// rare, reads are snapshot-style.

// PutTrain inserts or replaces a train.
func (s *Store) PutTrain(ctx context.Context, t model.Train) error {
	if err := t.Validate(); err != nil {
		return err
	}
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO trains (train_id, train_number, type, max_speed, capacity, length, weight,
			priority, status, current_load, current_section_id, current_speed, updated_at_ms, route_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(train_id) DO UPDATE SET
			train_number = excluded.train_number,
			type = excluded.type,
			max_speed = excluded.max_speed,
			capacity = excluded.capacity,
			length = excluded.length,
			weight = excluded.weight,
			priority = excluded.priority,
			status = excluded.status,
			current_load = excluded.current_load,
			current_section_id = excluded.current_section_id,
			current_speed = excluded.current_speed,
			updated_at_ms = excluded.updated_at_ms,
			route_json = excluded.route_json`,
		t.ID, t.Number, t.Type, t.MaxSpeed, t.Capacity, t.Length, t.Weight,
		t.Priority, t.Status, t.CurrentLoad, nullID(t.CurrentSectionID), t.CurrentSpeed, msOf(t.UpdatedAt),
		jsonText(t.Route))
	if err != nil {
		return model.Wrap(model.CodeTransient, err, "put train")
	}
	return nil
}

// GetTrain loads one train.
func (s *Store) GetTrain(ctx context.Context, id int64) (model.Train, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT train_id, train_number, type, max_speed, capacity, length, weight,
			priority, status, current_load, current_section_id, current_speed, updated_at_ms, route_json
		FROM trains WHERE train_id = ?`, id)
	t, err := scanTrain(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Train{}, model.Newf(model.CodeNotFound, "train %d", id)
	}
	if err != nil {
		return model.Train{}, model.Wrap(model.CodeTransient, err, "get train")
	}
	return t, nil
}

// ListTrains returns all trains.
func (s *Store) ListTrains(ctx context.Context) ([]model.Train, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT train_id, train_number, type, max_speed, capacity, length, weight,
			priority, status, current_load, current_section_id, current_speed, updated_at_ms, route_json
		FROM trains ORDER BY train_id`)
	if err != nil {
		return nil, model.Wrap(model.CodeTransient, err, "list trains")
	}
	defer func() { _ = rows.Close() }()

	var out []model.Train
	for rows.Next() {
		t, err := scanTrain(rows)
		if err != nil {
			return nil, model.Wrap(model.CodeTransient, err, "scan train")
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// UpdateTrain applies fn to the current row inside one transaction,
// re-reading state rather than trusting a snapshot.
func (s *Store) UpdateTrain(ctx context.Context, id int64, fn func(*model.Train) error) (model.Train, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return model.Train{}, model.Wrap(model.CodeTransient, err, "begin")
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
		SELECT train_id, train_number, type, max_speed, capacity, length, weight,
			priority, status, current_load, current_section_id, current_speed, updated_at_ms, route_json
		FROM trains WHERE train_id = ?`, id)
	t, err := scanTrain(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Train{}, model.Newf(model.CodeNotFound, "train %d", id)
	}
	if err != nil {
		return model.Train{}, model.Wrap(model.CodeTransient, err, "get train")
	}

	if err := fn(&t); err != nil {
		return model.Train{}, err
	}
	if err := t.Validate(); err != nil {
		return model.Train{}, err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE trains SET priority = ?, status = ?, current_load = ?,
			current_section_id = ?, current_speed = ?, updated_at_ms = ?, route_json = ?
		WHERE train_id = ?`,
		t.Priority, t.Status, t.CurrentLoad, nullID(t.CurrentSectionID), t.CurrentSpeed, msOf(t.UpdatedAt),
		jsonText(t.Route), id)
	if err != nil {
		return model.Train{}, model.Wrap(model.CodeTransient, err, "update train")
	}
	if err := tx.Commit(); err != nil {
		return model.Train{}, model.Wrap(model.CodeTransient, err, "commit")
	}
	return t, nil
}

// PutSection inserts or replaces a section.
func (s *Store) PutSection(ctx context.Context, sec model.Section) error {
	if err := sec.Validate(); err != nil {
		return err
	}
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO sections (section_id, section_code, type, length, max_speed, capacity, adjacent_json, active)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(section_id) DO UPDATE SET
			section_code = excluded.section_code,
			type = excluded.type,
			length = excluded.length,
			max_speed = excluded.max_speed,
			capacity = excluded.capacity,
			adjacent_json = excluded.adjacent_json,
			active = excluded.active`,
		sec.ID, sec.Code, sec.Type, sec.Length, sec.MaxSpeed, sec.Capacity, jsonText(sec.Adjacent), sec.Active)
	if err != nil {
		return model.Wrap(model.CodeTransient, err, "put section")
	}
	return nil
}

// GetSection loads one section.
func (s *Store) GetSection(ctx context.Context, id int64) (model.Section, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT section_id, section_code, type, length, max_speed, capacity, adjacent_json, active
		FROM sections WHERE section_id = ?`, id)
	sec, err := scanSection(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Section{}, model.Newf(model.CodeNotFound, "section %d", id)
	}
	if err != nil {
		return model.Section{}, model.Wrap(model.CodeTransient, err, "get section")
	}
	return sec, nil
}

// ListSections returns all sections.
func (s *Store) ListSections(ctx context.Context) ([]model.Section, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT section_id, section_code, type, length, max_speed, capacity, adjacent_json, active
		FROM sections ORDER BY section_id`)
	if err != nil {
		return nil, model.Wrap(model.CodeTransient, err, "list sections")
	}
	defer func() { _ = rows.Close() }()

	var out []model.Section
	for rows.Next() {
		sec, err := scanSection(rows)
		if err != nil {
			return nil, model.Wrap(model.CodeTransient, err, "scan section")
		}
		out = append(out, sec)
	}
	return out, rows.Err()
}

// PutController inserts or replaces a controller principal.
func (s *Store) PutController(ctx context.Context, c model.Controller, token string) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO controllers (controller_id, employee_id, auth_level, sections_json, active, token)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(controller_id) DO UPDATE SET
			employee_id = excluded.employee_id,
			auth_level = excluded.auth_level,
			sections_json = excluded.sections_json,
			active = excluded.active,
			token = excluded.token`,
		c.ID, c.EmployeeID, c.Level, jsonText(c.Sections), c.Active, nullString(token))
	if err != nil {
		return model.Wrap(model.CodeTransient, err, "put controller")
	}
	return nil
}

// GetController loads a controller by id.
func (s *Store) GetController(ctx context.Context, id int64) (model.Controller, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT controller_id, employee_id, auth_level, sections_json, active
		FROM controllers WHERE controller_id = ?`, id)
	return scanController(row)
}

// ControllerByToken resolves an API token to its active controller.
func (s *Store) ControllerByToken(ctx context.Context, token string) (model.Controller, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT controller_id, employee_id, auth_level, sections_json, active
		FROM controllers WHERE token = ? AND active = 1`, token)
	return scanController(row)
}

func scanTrain(row interface{ Scan(...any) error }) (model.Train, error) {
	var t model.Train
	var sectionID sql.NullInt64
	var updated int64
	var route string
	err := row.Scan(&t.ID, &t.Number, &t.Type, &t.MaxSpeed, &t.Capacity, &t.Length, &t.Weight,
		&t.Priority, &t.Status, &t.CurrentLoad, &sectionID, &t.CurrentSpeed, &updated, &route)
	if err != nil {
		return model.Train{}, err
	}
	if sectionID.Valid {
		t.CurrentSectionID = sectionID.Int64
	}
	t.UpdatedAt = timeOf(updated)
	t.Route = ids(route)
	return t, nil
}

func scanSection(row interface{ Scan(...any) error }) (model.Section, error) {
	var sec model.Section
	var adjacent string
	err := row.Scan(&sec.ID, &sec.Code, &sec.Type, &sec.Length, &sec.MaxSpeed, &sec.Capacity, &adjacent, &sec.Active)
	if err != nil {
		return model.Section{}, err
	}
	sec.Adjacent = ids(adjacent)
	return sec, nil
}

func scanController(row interface{ Scan(...any) error }) (model.Controller, error) {
	var c model.Controller
	var sections string
	err := row.Scan(&c.ID, &c.EmployeeID, &c.Level, &sections, &c.Active)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Controller{}, model.New(model.CodeNotFound, "controller")
	}
	if err != nil {
		return model.Controller{}, model.Wrap(model.CodeTransient, err, "scan controller")
	}
	c.Sections = ids(sections)
	return c, nil
}

func nullID(id int64) sql.NullInt64 {
	if id == 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: id, Valid: true}
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}
