// Package capture reads and describes the acquisition metadata of frame files.
package capture

import (
	"bytes"
	"context"
	"encoding/json"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"
)

const exifTimeLayout = "2006:01:02 15:04:05"

// Meta is the per-frame metadata a capture run records.
type Meta struct {
	Path         string    `json:"path"`
	Width        int       `json:"width"`
	Height       int       `json:"height"`
	CameraMake   string    `json:"camera_make,omitempty"`
	CameraModel  string    `json:"camera_model,omitempty"`
	ISO          int       `json:"iso,omitempty"`
	ExposureTime string    `json:"exposure_time,omitempty"`
	Aperture     float64   `json:"aperture,omitempty"`
	FocalLength  float64   `json:"focal_length,omitempty"`
	CapturedAt   time.Time `json:"captured_at,omitzero"`
}

// Name is the file name without directories.
func (m Meta) Name() string { return filepath.Base(m.Path) }

// HasCaptureTime reports whether an acquisition timestamp was found.
func (m Meta) HasCaptureTime() bool { return !m.CapturedAt.IsZero() }

// Megapixels returns the image area in millions of pixels.
func (m Meta) Megapixels() float64 {
	return float64(m.Width) * float64(m.Height) / 1e6
}

// Camera joins make and model for display.
func (m Meta) Camera() string {
	switch {
	case m.CameraMake == "":
		return m.CameraModel
	case m.CameraModel == "":
		return m.CameraMake
	default:
		return m.CameraMake + " " + m.CameraModel
	}
}

// IntervalSince returns the capture interval from prev, or 0 when either
// timestamp is missing.
func (m Meta) IntervalSince(prev Meta) time.Duration {
	if !m.HasCaptureTime() || !prev.HasCaptureTime() {
		return 0
	}
	return m.CapturedAt.Sub(prev.CapturedAt)
}

// ReadMeta asks exiftool for the frame's metadata. A missing exiftool or an
// unparsable answer yields a Meta carrying only the path.
func ReadMeta(ctx context.Context, path string) Meta {
	meta := Meta{Path: path}
	if _, err := exec.LookPath("exiftool"); err != nil {
		return meta
	}
	cmd := exec.CommandContext(ctx, "exiftool", "-json", "-n", path)
	var out bytes.Buffer
	cmd.Stdout = &out
	if err := cmd.Run(); err != nil {
		return meta
	}
	parseExifJSON(out.Bytes(), &meta)
	return meta
}

func parseExifJSON(data []byte, meta *Meta) {
	var parsed []map[string]any
	if err := json.Unmarshal(data, &parsed); err != nil || len(parsed) == 0 {
		return
	}
	m := parsed[0]
	if v, ok := m["Make"].(string); ok {
		meta.CameraMake = v
	}
	if v, ok := m["Model"].(string); ok {
		meta.CameraModel = v
	}
	if v, ok := m["ISO"].(float64); ok {
		meta.ISO = int(v)
	}
	switch v := m["ExposureTime"].(type) {
	case string:
		meta.ExposureTime = v
	case float64:
		meta.ExposureTime = strconv.FormatFloat(v, 'g', -1, 64)
	}
	if v, ok := m["FNumber"].(float64); ok {
		meta.Aperture = v
	}
	if v, ok := m["FocalLength"].(float64); ok {
		meta.FocalLength = v
	}
	if v, ok := m["ImageWidth"].(float64); ok {
		meta.Width = int(v)
	}
	if v, ok := m["ImageHeight"].(float64); ok {
		meta.Height = int(v)
	}
	if v, ok := m["DateTimeOriginal"].(string); ok {
		if ts, err := time.ParseInLocation(exifTimeLayout, v, time.Local); err == nil {
			meta.CapturedAt = ts
		}
	}
}
