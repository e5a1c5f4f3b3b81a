package stabilize

import (
	"encoding/json"
	"fmt"
)

// FrameShift is the motion estimate for one frame of a sequence.
type FrameShift struct {
	Index     int             `json:"index"`
	Name      string          `json:"name"`
	Shift     Shift           `json:"shift"`
	Transform AffineTransform `json:"transform"`
}

// Geometry carries what a ShiftSet needs to know about the sequence.
type Geometry struct {
	RefIndex int
	Width    int
	Height   int
}

// ShiftSet holds one FrameShift per frame, in frame order. It does not
// change after Aggregate returns it; accessors hand out copies.
type ShiftSet struct {
	geo     Geometry
	entries []FrameShift
}

// Aggregate collects per-frame results, already in frame order, into a
// ShiftSet. Entry i must describe frame i and there must be exactly
// expected entries.
func Aggregate(results []FrameShift, expected int, geo Geometry) (*ShiftSet, error) {
	if expected < 1 {
		return nil, fmt.Errorf("shift set needs at least one frame")
	}
	if len(results) != expected {
		return nil, fmt.Errorf("got %d shift results for %d frames", len(results), expected)
	}
	if geo.RefIndex < 0 || geo.RefIndex >= expected {
		return nil, fmt.Errorf("reference index %d outside [0,%d)", geo.RefIndex, expected)
	}

	entries := make([]FrameShift, len(results))
	for i, r := range results {
		if r.Index != i {
			return nil, fmt.Errorf("shift result at position %d is for frame %d", i, r.Index)
		}
		if err := r.Transform.Validate(); err != nil {
			return nil, fmt.Errorf("frame %d: %w", i, err)
		}
		r.Transform = r.Transform.Clone()
		entries[i] = r
	}
	return &ShiftSet{geo: geo, entries: entries}, nil
}

// Len returns the number of frames.
func (s *ShiftSet) Len() int { return len(s.entries) }

// RefIndex returns the reference frame index.
func (s *ShiftSet) RefIndex() int { return s.geo.RefIndex }

// Width returns the frame width the shifts were measured on.
func (s *ShiftSet) Width() int { return s.geo.Width }

// Height returns the frame height the shifts were measured on.
func (s *ShiftSet) Height() int { return s.geo.Height }

// At returns a copy of entry i.
func (s *ShiftSet) At(i int) FrameShift {
	e := s.entries[i]
	e.Transform = e.Transform.Clone()
	return e
}

// Entries returns a copy of all entries.
func (s *ShiftSet) Entries() []FrameShift {
	out := make([]FrameShift, len(s.entries))
	for i := range s.entries {
		out[i] = s.At(i)
	}
	return out
}

// DX returns the x shifts in frame order.
func (s *ShiftSet) DX() []float64 { return s.column(func(sh Shift) float64 { return sh.DX }) }

// DY returns the y shifts in frame order.
func (s *ShiftSet) DY() []float64 { return s.column(func(sh Shift) float64 { return sh.DY }) }

// DA returns the rotation angles in frame order.
func (s *ShiftSet) DA() []float64 { return s.column(func(sh Shift) float64 { return sh.DA }) }

func (s *ShiftSet) column(pick func(Shift) float64) []float64 {
	out := make([]float64, len(s.entries))
	for i, e := range s.entries {
		out[i] = pick(e.Shift)
	}
	return out
}

type shiftSetJSON struct {
	RefIndex int          `json:"ref_index"`
	Width    int          `json:"width"`
	Height   int          `json:"height"`
	Frames   []FrameShift `json:"frames"`
}

func (s *ShiftSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(shiftSetJSON{
		RefIndex: s.geo.RefIndex,
		Width:    s.geo.Width,
		Height:   s.geo.Height,
		Frames:   s.entries,
	})
}

// ParseShiftSet reads the JSON form written by MarshalJSON.
func ParseShiftSet(data []byte) (*ShiftSet, error) {
	var v shiftSetJSON
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, err
	}
	return Aggregate(v.Frames, len(v.Frames), Geometry{RefIndex: v.RefIndex, Width: v.Width, Height: v.Height})
}
