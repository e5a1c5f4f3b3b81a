package pipeline

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"deshaker/internal/report"
	"deshaker/internal/stabilize"
	"deshaker/internal/video"
)

// JobType enumerates supported processing categories.
type JobType string

const (
	JobDeshake JobType = "deshake"
	JobShifts  JobType = "shifts"
	JobScan    JobType = "scan"
)

// ParseJobType accepts the names above.
func ParseJobType(s string) (JobType, error) {
	switch t := JobType(s); t {
	case JobDeshake, JobShifts, JobScan:
		return t, nil
	default:
		return "", fmt.Errorf("unknown job type: %s", s)
	}
}

// NewJobID returns a unique job identifier prefixed with its type.
func NewJobID(t JobType) string {
	return fmt.Sprintf("%s-%s", t, uuid.NewString())
}

// Options tunes one job. Zero values fall back to the configuration.
type Options struct {
	RefIndex    *int     `json:"ref_index,omitempty"`
	Pattern     string   `json:"pattern,omitempty"`
	Model       string   `json:"model,omitempty"`
	Mode        string   `json:"mode,omitempty"` // auto, threads, processes
	Workers     int      `json:"workers,omitempty"`
	JPEGQuality int      `json:"jpeg_quality,omitempty"`
	Video       *bool    `json:"video,omitempty"`
	VideoTool   string   `json:"video_tool,omitempty"`
	Formats     []string `json:"formats,omitempty"`
	Plot        *bool    `json:"plot,omitempty"`
	SequenceID  string   `json:"sequence_id,omitempty"`
}

// Job represents a single processing request.
type Job struct {
	ID        string  `json:"id"`
	Type      JobType `json:"type"`
	InputPath string  `json:"input_path"`
	Output    string  `json:"output,omitempty"`
	Options   Options `json:"options"`
}

// Summary is what a finished job reports; sections not produced by the
// job type stay empty.
type Summary struct {
	Frames     int                   `json:"frames"`
	RefIndex   int                   `json:"ref_index"`
	Model      string                `json:"model,omitempty"`
	OutputDir  string                `json:"output_dir,omitempty"`
	Outputs    int                   `json:"outputs,omitempty"`
	Crop       *stabilize.CropWindow `json:"crop,omitempty"`
	Stats      *report.Summary       `json:"stats,omitempty"`
	Plot       string                `json:"plot,omitempty"`
	Videos     []video.Output        `json:"videos,omitempty"`
	EstimateMS int64                 `json:"estimate_ms,omitempty"`
	WarpMS     int64                 `json:"warp_ms,omitempty"`
	Scan       *ScanSummary          `json:"scan,omitempty"`
}

// ScanSummary describes a capture directory without processing it.
type ScanSummary struct {
	Images       int       `json:"images"`
	Width        int       `json:"width"`
	Height       int       `json:"height"`
	Megapixels   float64   `json:"megapixels"`
	Camera       string    `json:"camera,omitempty"`
	FirstCapture time.Time `json:"first_capture,omitzero"`
	LastCapture  time.Time `json:"last_capture,omitzero"`
	// MeanInterval is the average seconds between captures, 0 when unknown.
	MeanInterval float64  `json:"mean_interval_s,omitempty"`
	Mismatched   []string `json:"mismatched,omitempty"`
}

// Result captures the outcome of a Job.
type Result struct {
	Job     Job
	Error   error
	Summary Summary
}

// Status is the stored job status for r.
func (r Result) Status() string {
	if r.Error != nil {
		return "failed"
	}
	return "completed"
}

func (r Result) MarshalJSON() ([]byte, error) {
	v := struct {
		Job     Job     `json:"job"`
		Status  string  `json:"status"`
		Error   string  `json:"error,omitempty"`
		Summary Summary `json:"summary"`
	}{Job: r.Job, Status: r.Status(), Error: errString(r.Error), Summary: r.Summary}
	return json.Marshal(v)
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
