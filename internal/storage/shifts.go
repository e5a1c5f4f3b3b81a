package storage

import (
	"database/sql"
	"errors"
	"fmt"
)

// ShiftRow is one frame's displacement relative to the reference.
type ShiftRow struct {
	Index int
	Name  string
	DX    float64
	DY    float64
	DA    float64
}

// ShiftSetRecord is a job's shift set as persisted. Data holds the complete
// serialized set for reloading; Rows repeat the per-frame numbers in
// frame_shifts for ad-hoc queries.
type ShiftSetRecord struct {
	RefIndex int
	Width    int
	Height   int
	Data     []byte
	Rows     []ShiftRow
}

// CropRecord is the inclusive crop window a job applied.
type CropRecord struct {
	X0, X1, Y0, Y1 int
}

// RecordShiftSet stores rec for jobID, replacing an earlier one.
func (s *Store) RecordShiftSet(jobID string, rec ShiftSetRecord) error {
	if s == nil {
		return nil
	}
	if len(rec.Data) == 0 {
		return errors.New("shift set record has no data")
	}

	tx, err := s.DB.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`INSERT OR REPLACE INTO shift_sets (job_id, ref_index, width, height, set_json) VALUES (?, ?, ?, ?, ?);`,
		jobID, rec.RefIndex, rec.Width, rec.Height, string(rec.Data)); err != nil {
		return err
	}
	if _, err := tx.Exec(`DELETE FROM frame_shifts WHERE job_id=?;`, jobID); err != nil {
		return err
	}
	stmt, err := tx.Prepare(`INSERT INTO frame_shifts (job_id, frame_index, name, dx, dy, da) VALUES (?, ?, ?, ?, ?, ?);`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, r := range rec.Rows {
		if _, err := stmt.Exec(jobID, r.Index, r.Name, r.DX, r.DY, r.DA); err != nil {
			return fmt.Errorf("frame %d: %w", r.Index, err)
		}
	}
	return tx.Commit()
}

// LoadShiftSet returns the record stored for jobID, rows in frame order.
func (s *Store) LoadShiftSet(jobID string) (ShiftSetRecord, error) {
	var rec ShiftSetRecord
	if s == nil {
		return rec, errors.New("store not initialized")
	}
	var data string
	err := s.DB.QueryRow(`SELECT ref_index, width, height, set_json FROM shift_sets WHERE job_id=?;`, jobID).
		Scan(&rec.RefIndex, &rec.Width, &rec.Height, &data)
	if errors.Is(err, sql.ErrNoRows) {
		return rec, fmt.Errorf("shifts of job %s: %w", jobID, ErrNotFound)
	}
	if err != nil {
		return rec, err
	}
	rec.Data = []byte(data)

	rows, err := s.DB.Query(`SELECT frame_index, name, dx, dy, da FROM frame_shifts WHERE job_id=? ORDER BY frame_index;`, jobID)
	if err != nil {
		return rec, err
	}
	defer rows.Close()
	for rows.Next() {
		var r ShiftRow
		if err := rows.Scan(&r.Index, &r.Name, &r.DX, &r.DY, &r.DA); err != nil {
			return rec, err
		}
		rec.Rows = append(rec.Rows, r)
	}
	return rec, rows.Err()
}

// RecordCrop stores the crop window a job applied.
func (s *Store) RecordCrop(jobID string, c CropRecord) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO crop_windows (job_id, x0, x1, y0, y1) VALUES (?, ?, ?, ?, ?);`,
		jobID, c.X0, c.X1, c.Y0, c.Y1)
	return err
}

// LoadCrop returns the crop window stored for jobID.
func (s *Store) LoadCrop(jobID string) (CropRecord, error) {
	var c CropRecord
	if s == nil {
		return c, errors.New("store not initialized")
	}
	err := s.DB.QueryRow(`SELECT x0, x1, y0, y1 FROM crop_windows WHERE job_id=?;`, jobID).Scan(&c.X0, &c.X1, &c.Y0, &c.Y1)
	if errors.Is(err, sql.ErrNoRows) {
		return c, fmt.Errorf("crop of job %s: %w", jobID, ErrNotFound)
	}
	return c, err
}
