// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/stellwerk/railwatch/internal/model"
)

// RecordPosition applies one accepted position report in a single
// transaction: append the time-series row, update the train's current
// fields, and, when the report moves the train to a new section, close the
// open occupancy and open a new one.
//
// transitioned reports whether a section transition happened. A duplicate
// (train_id, timestamp) row surfaces as STALE per the idempotence contract.
func (s *Store) RecordPosition(ctx context.Context, p model.PositionReport, prevSection int64, expectedExit time.Time) (transitioned bool, err error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, model.Wrap(model.CodeTransient, err, "begin")
	}
	defer func() { _ = tx.Rollback() }()

	var lat, lon any
	if p.Coordinates != nil {
		lat, lon = p.Coordinates.Lat, p.Coordinates.Lon
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO positions (train_id, section_id, ts_ms, lat, lon, speed, heading,
			distance_from_start, signal_strength, gps_accuracy)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.TrainID, p.SectionID, p.Timestamp.UnixMilli(), lat, lon, p.Speed, p.Heading,
		nullNonNeg(p.DistanceFromStart), nullNonNeg(p.SignalStrength), nullNonNeg(p.GPSAccuracy))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return false, model.Newf(model.CodeStale, "duplicate report for train %d at %s", p.TrainID, p.Timestamp.UTC().Format(time.RFC3339))
		}
		return false, model.Wrap(model.CodeTransient, err, "insert position")
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE trains SET current_section_id = ?, current_speed = ?, updated_at_ms = ?
		WHERE train_id = ?`,
		p.SectionID, p.Speed, p.Timestamp.UnixMilli(), p.TrainID)
	if err != nil {
		return false, model.Wrap(model.CodeTransient, err, "update train position")
	}

	if prevSection != p.SectionID {
		transitioned = true
		if prevSection != 0 {
			_, err = tx.ExecContext(ctx, `
				UPDATE occupancies SET exit_ms = ? WHERE train_id = ? AND exit_ms IS NULL`,
				p.Timestamp.UnixMilli(), p.TrainID)
			if err != nil {
				return false, model.Wrap(model.CodeTransient, err, "close occupancy")
			}
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO occupancies (section_id, train_id, entry_ms, expected_exit_ms)
			VALUES (?, ?, ?, ?)`,
			p.SectionID, p.TrainID, p.Timestamp.UnixMilli(), nullMS(expectedExit))
		if err != nil {
			return false, model.Wrap(model.CodeTransient, err, "open occupancy")
		}
	}

	if err := tx.Commit(); err != nil {
		return false, model.Wrap(model.CodeTransient, err, "commit")
	}
	return transitioned, nil
}

// LatestPosition returns a train's most recent report, or NOT_FOUND.
func (s *Store) LatestPosition(ctx context.Context, trainID int64) (model.PositionReport, error) {
	row := s.DB.QueryRowContext(ctx, `
		SELECT train_id, section_id, ts_ms, lat, lon, speed, heading,
			distance_from_start, signal_strength, gps_accuracy
		FROM positions WHERE train_id = ? ORDER BY ts_ms DESC LIMIT 1`, trainID)
	p, err := scanPosition(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.PositionReport{}, model.Newf(model.CodeNotFound, "no position for train %d", trainID)
	}
	if err != nil {
		return model.PositionReport{}, model.Wrap(model.CodeTransient, err, "latest position")
	}
	return p, nil
}

// LatestPositions returns the latest report per train, used to repopulate
// the in-memory index on startup.
func (s *Store) LatestPositions(ctx context.Context) (map[int64]model.PositionReport, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT p.train_id, p.section_id, p.ts_ms, p.lat, p.lon, p.speed, p.heading,
			p.distance_from_start, p.signal_strength, p.gps_accuracy
		FROM positions p
		JOIN (SELECT train_id, MAX(ts_ms) AS ts_ms FROM positions GROUP BY train_id) latest
			ON p.train_id = latest.train_id AND p.ts_ms = latest.ts_ms`)
	if err != nil {
		return nil, model.Wrap(model.CodeTransient, err, "latest positions")
	}
	defer func() { _ = rows.Close() }()

	out := make(map[int64]model.PositionReport)
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, model.Wrap(model.CodeTransient, err, "scan position")
		}
		out[p.TrainID] = p
	}
	return out, rows.Err()
}

// PrunePositions deletes reports older than the retention cutoff and
// returns the number removed.
func (s *Store) PrunePositions(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.DB.ExecContext(ctx, `DELETE FROM positions WHERE ts_ms < ?`, cutoff.UnixMilli())
	if err != nil {
		return 0, model.Wrap(model.CodeTransient, err, "prune positions")
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// OpenOccupancies returns a finite snapshot of all live occupancy records.
func (s *Store) OpenOccupancies(ctx context.Context) ([]model.OccupancyRecord, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT occupancy_id, section_id, train_id, entry_ms, expected_exit_ms, exit_ms
		FROM occupancies WHERE exit_ms IS NULL ORDER BY section_id, entry_ms`)
	if err != nil {
		return nil, model.Wrap(model.CodeTransient, err, "open occupancies")
	}
	defer func() { _ = rows.Close() }()

	var out []model.OccupancyRecord
	for rows.Next() {
		var o model.OccupancyRecord
		var entry int64
		var expected, exit sql.NullInt64
		if err := rows.Scan(&o.ID, &o.SectionID, &o.TrainID, &entry, &expected, &exit); err != nil {
			return nil, model.Wrap(model.CodeTransient, err, "scan occupancy")
		}
		o.EntryTime = timeOf(entry)
		o.ExpectedExitTime = timeOfNull(expected)
		o.ExitTime = timeOfNull(exit)
		out = append(out, o)
	}
	return out, rows.Err()
}

// LiveTrainsInSection answers "who is in S now?" from the store.
func (s *Store) LiveTrainsInSection(ctx context.Context, sectionID int64) ([]int64, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT train_id FROM occupancies WHERE section_id = ? AND exit_ms IS NULL ORDER BY entry_ms`, sectionID)
	if err != nil {
		return nil, model.Wrap(model.CodeTransient, err, "trains in section")
	}
	defer func() { _ = rows.Close() }()

	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, model.Wrap(model.CodeTransient, err, "scan train id")
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// CloseOccupanciesForTrain closes any live occupancy for a train, used on
// administrative train deletion.
func (s *Store) CloseOccupanciesForTrain(ctx context.Context, trainID int64, at time.Time) error {
	_, err := s.DB.ExecContext(ctx, `
		UPDATE occupancies SET exit_ms = ? WHERE train_id = ? AND exit_ms IS NULL`,
		at.UnixMilli(), trainID)
	if err != nil {
		return model.Wrap(model.CodeTransient, err, "close occupancies")
	}
	return nil
}

// CountPositionsSince counts reports newer than the window start, for the
// performance metrics query.
func (s *Store) CountPositionsSince(ctx context.Context, since time.Time) (int64, error) {
	var n int64
	err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM positions WHERE ts_ms >= ?`, since.UnixMilli()).Scan(&n)
	if err != nil {
		return 0, model.Wrap(model.CodeTransient, err, "count positions")
	}
	return n, nil
}

func scanPosition(row interface{ Scan(...any) error }) (model.PositionReport, error) {
	var p model.PositionReport
	var ts int64
	var lat, lon, dist, signal, acc sql.NullFloat64
	err := row.Scan(&p.TrainID, &p.SectionID, &ts, &lat, &lon, &p.Speed, &p.Heading, &dist, &signal, &acc)
	if err != nil {
		return model.PositionReport{}, err
	}
	p.Timestamp = timeOf(ts)
	if lat.Valid && lon.Valid {
		p.Coordinates = &model.Coordinates{Lat: lat.Float64, Lon: lon.Float64}
	}
	p.DistanceFromStart = floatOrNeg(dist)
	p.SignalStrength = floatOrNeg(signal)
	p.GPSAccuracy = floatOrNeg(acc)
	return p, nil
}

func nullNonNeg(v float64) sql.NullFloat64 {
	if v < 0 {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: v, Valid: true}
}

func floatOrNeg(v sql.NullFloat64) float64 {
	if !v.Valid {
		return -1
	}
	return v.Float64
}
