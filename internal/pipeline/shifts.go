package pipeline

import (
	"encoding/json"
	"fmt"

	"deshaker/internal/stabilize"
	"deshaker/internal/storage"
)

// SaveShifts persists set, and crop when non-nil, for jobID.
func SaveShifts(store *storage.Store, jobID string, set *stabilize.ShiftSet, crop *stabilize.CropWindow) error {
	data, err := json.Marshal(set)
	if err != nil {
		return fmt.Errorf("marshal shift set: %w", err)
	}
	rec := storage.ShiftSetRecord{
		RefIndex: set.RefIndex(),
		Width:    set.Width(),
		Height:   set.Height(),
		Data:     data,
		Rows:     make([]storage.ShiftRow, 0, set.Len()),
	}
	for _, e := range set.Entries() {
		rec.Rows = append(rec.Rows, storage.ShiftRow{Index: e.Index, Name: e.Name, DX: e.Shift.DX, DY: e.Shift.DY, DA: e.Shift.DA})
	}
	if err := store.RecordShiftSet(jobID, rec); err != nil {
		return err
	}
	if crop == nil {
		return nil
	}
	return store.RecordCrop(jobID, storage.CropRecord(*crop))
}

// LoadShifts returns the shift set stored for jobID.
func LoadShifts(store *storage.Store, jobID string) (*stabilize.ShiftSet, error) {
	rec, err := store.LoadShiftSet(jobID)
	if err != nil {
		return nil, err
	}
	set, err := stabilize.ParseShiftSet(rec.Data)
	if err != nil {
		return nil, fmt.Errorf("shifts of job %s: %w", jobID, err)
	}
	return set, nil
}

// LoadCrop returns the crop window stored for jobID.
func LoadCrop(store *storage.Store, jobID string) (stabilize.CropWindow, error) {
	c, err := store.LoadCrop(jobID)
	return stabilize.CropWindow(c), err
}
