package stabilize

import (
	"encoding/json"
	"fmt"

	"deshaker/internal/frames"
)

// Phase names the pipeline step a failure happened in.
type Phase string

const (
	PhaseEstimate Phase = "estimate"
	PhaseCrop     Phase = "crop"
	PhaseWarp     Phase = "warp"
)

// PhaseError reports which phase failed and for which frame. Index is -1
// when the failure is not tied to a single frame.
type PhaseError struct {
	Phase Phase
	Index int
	Err   error
}

func (e *PhaseError) Error() string {
	if e.Index < 0 {
		return fmt.Sprintf("%s: %v", e.Phase, e.Err)
	}
	return fmt.Sprintf("%s frame %d: %v", e.Phase, e.Index, e.Err)
}

func (e *PhaseError) Unwrap() error { return e.Err }

// InsufficientCorrespondenceError means fewer tracked point pairs survived
// than a robust fit needs.
type InsufficientCorrespondenceError struct {
	Stage    string `json:"stage"` // "detect", "track" or "fit"
	Found    int    `json:"found"`
	Required int    `json:"required"`
}

func (e *InsufficientCorrespondenceError) Error() string {
	return fmt.Sprintf("insufficient correspondences after %s: found %d, need %d", e.Stage, e.Found, e.Required)
}

func (e *InsufficientCorrespondenceError) Code() string { return "insufficient_correspondence" }

// DegenerateCropError means the shifts leave no usable area.
type DegenerateCropError struct {
	Window CropWindow `json:"window"`
	Width  int        `json:"width"`
	Height int        `json:"height"`
}

func (e *DegenerateCropError) Error() string {
	return fmt.Sprintf("crop window %s is empty for a %dx%d frame", e.Window, e.Width, e.Height)
}

func (e *DegenerateCropError) Code() string { return "degenerate_crop" }

// ShapeMismatchError means a transform is neither 2x3 nor 3x3.
type ShapeMismatchError struct {
	Rows int `json:"rows"`
	Cols int `json:"cols"`
}

func (e *ShapeMismatchError) Error() string {
	return fmt.Sprintf("transform must be 2x3 or 3x3, got %dx%d", e.Rows, e.Cols)
}

func (e *ShapeMismatchError) Code() string { return "shape_mismatch" }

// decodeWorkerError rebuilds the typed errors above from a worker reply.
func decodeWorkerError(code string, detail json.RawMessage, _ string) error {
	var target error
	switch code {
	case "insufficient_correspondence":
		target = &InsufficientCorrespondenceError{}
	case "degenerate_crop":
		target = &DegenerateCropError{}
	case "shape_mismatch":
		target = &ShapeMismatchError{}
	case frames.FrameIOCode:
		target = &frames.FrameIOError{}
	default:
		return nil
	}
	if err := json.Unmarshal(detail, target); err != nil {
		return nil
	}
	return target
}
