// Package video turns corrected frames into preview videos, either through
// OpenCV's VideoWriter or by driving ffmpeg.
package video

import (
	"fmt"

	"gocv.io/x/gocv"

	"deshaker/internal/frames"
)

// DefaultCodec is the fourcc used for preview videos.
const DefaultCodec = "MJPG"

// Writer accepts frames in index order.
type Writer interface {
	Write(f frames.Frame) error
	Close() error
}

// OpenCVWriter encodes frames of one fixed size into a container file.
type OpenCVWriter struct {
	vw     *gocv.VideoWriter
	path   string
	width  int
	height int
	count  int
}

// NewOpenCVWriter opens path for width x height colour frames.
func NewOpenCVWriter(path, codec string, fps float64, width, height int) (*OpenCVWriter, error) {
	if codec == "" {
		codec = DefaultCodec
	}
	if fps <= 0 {
		return nil, fmt.Errorf("fps must be positive, got %g", fps)
	}
	if width < 1 || height < 1 {
		return nil, fmt.Errorf("invalid frame size %dx%d", width, height)
	}
	vw, err := gocv.VideoWriterFile(path, codec, fps, width, height, true)
	if err != nil {
		return nil, fmt.Errorf("open video writer %s: %w", path, err)
	}
	if !vw.IsOpened() {
		vw.Close()
		return nil, fmt.Errorf("open video writer %s: codec %s unavailable", path, codec)
	}
	return &OpenCVWriter{vw: vw, path: path, width: width, height: height}, nil
}

// Write appends f. Every frame must have the size given to NewOpenCVWriter.
func (w *OpenCVWriter) Write(f frames.Frame) error {
	if f.Width() != w.width || f.Height() != w.height {
		return fmt.Errorf("frame %d is %dx%d, video is %dx%d", f.Index, f.Width(), f.Height(), w.width, w.height)
	}
	if err := w.vw.Write(f.Mat); err != nil {
		return fmt.Errorf("write frame %d: %w", f.Index, err)
	}
	w.count++
	return nil
}

// Frames returns how many frames were written.
func (w *OpenCVWriter) Frames() int { return w.count }

// Path returns the output file.
func (w *OpenCVWriter) Path() string { return w.path }

func (w *OpenCVWriter) Close() error {
	return w.vw.Close()
}

// PreviewName is the file name of the preview video for a sequence.
func PreviewName(sequenceID string) string {
	if sequenceID == "" {
		sequenceID = "sequence"
	}
	return "preview_" + sequenceID + ".avi"
}
