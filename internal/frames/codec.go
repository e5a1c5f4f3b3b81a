package frames

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"gocv.io/x/gocv"
	"gopkg.in/gographics/imagick.v3/imagick"

	"deshaker/internal/fsutil"
)

// FrameIOError reports a frame that could not be decoded or encoded.
type FrameIOError struct {
	Op     string // "decode" or "encode"
	Index  int
	Source string
	Err    error
}

func (e *FrameIOError) Error() string {
	return fmt.Sprintf("%s frame %d (%s): %v", e.Op, e.Index, e.Source, e.Err)
}

func (e *FrameIOError) Unwrap() error { return e.Err }

// FrameIOCode identifies a FrameIOError sent back by a worker process.
const FrameIOCode = "frame_io"

func (e *FrameIOError) Code() string { return FrameIOCode }

type frameIOJSON struct {
	Op     string `json:"op"`
	Index  int    `json:"index"`
	Source string `json:"source"`
	Cause  string `json:"cause,omitempty"`
}

// MarshalJSON keeps the cause as text so the error survives a process hop.
func (e *FrameIOError) MarshalJSON() ([]byte, error) {
	v := frameIOJSON{Op: e.Op, Index: e.Index, Source: e.Source}
	if e.Err != nil {
		v.Cause = e.Err.Error()
	}
	return json.Marshal(v)
}

func (e *FrameIOError) UnmarshalJSON(data []byte) error {
	var v frameIOJSON
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*e = FrameIOError{Op: v.Op, Index: v.Index, Source: v.Source}
	if v.Cause != "" {
		e.Err = errors.New(v.Cause)
	}
	return nil
}

var errUnreadable = errors.New("unreadable or unsupported image")

// magickMu serializes ImageMagick use; its environment is process global.
var magickMu sync.Mutex

// Decode reads the frame at index from src as 8-bit BGR.
func Decode(src Source, index int) (Frame, error) {
	mat, err := decodeMat(src)
	if err != nil {
		return Frame{}, &FrameIOError{Op: "decode", Index: index, Source: src.String(), Err: err}
	}
	return Frame{Index: index, Name: src.Name(index), Mat: mat}, nil
}

func decodeMat(src Source) (gocv.Mat, error) {
	if src.Path == "" {
		mat, err := gocv.IMDecode(src.Data, gocv.IMReadColor)
		if err != nil {
			return gocv.Mat{}, err
		}
		if mat.Empty() {
			mat.Close()
			return gocv.Mat{}, errUnreadable
		}
		return mat, nil
	}

	if _, err := os.Stat(src.Path); err != nil {
		return gocv.Mat{}, err
	}
	if fsutil.IsRAWFile(src.Path) {
		return decodeWithMagick(src.Path)
	}

	mat := gocv.IMRead(src.Path, gocv.IMReadColor)
	if !mat.Empty() {
		return mat, nil
	}
	mat.Close()
	// OpenCV lacks a codec for some formats ImageMagick reads
	return decodeWithMagick(src.Path)
}

func decodeWithMagick(path string) (gocv.Mat, error) {
	magickMu.Lock()
	defer magickMu.Unlock()

	imagick.Initialize()
	defer imagick.Terminate()

	mw := imagick.NewMagickWand()
	defer mw.Destroy()

	if err := mw.ReadImage(path); err != nil {
		return gocv.Mat{}, fmt.Errorf("%w: %v", errUnreadable, err)
	}
	if err := mw.AutoOrientImage(); err != nil {
		return gocv.Mat{}, fmt.Errorf("auto-orient: %w", err)
	}
	if err := mw.SetImageDepth(8); err != nil {
		return gocv.Mat{}, fmt.Errorf("set depth: %w", err)
	}

	width, height := mw.GetImageWidth(), mw.GetImageHeight()
	pixels, err := mw.ExportImagePixels(0, 0, width, height, "BGR", imagick.PIXEL_CHAR)
	if err != nil {
		return gocv.Mat{}, fmt.Errorf("export pixels: %w", err)
	}
	data, ok := pixels.([]byte)
	if !ok {
		return gocv.Mat{}, fmt.Errorf("export pixels: unexpected %T", pixels)
	}
	return gocv.NewMatFromBytes(int(height), int(width), gocv.MatTypeCV8UC3, data)
}

// Encode writes f to path. The format follows the extension; RAW extensions
// are written as JPEG next to the requested name. quality applies to JPEG
// output (1-100, 0 keeps the OpenCV default).
func Encode(f Frame, path string, quality int) (string, error) {
	if fsutil.IsRAWFile(path) {
		path = strings.TrimSuffix(path, filepath.Ext(path)) + ".jpg"
	}

	var ok bool
	ext := strings.ToLower(filepath.Ext(path))
	if quality > 0 && (ext == ".jpg" || ext == ".jpeg") {
		ok = gocv.IMWriteWithParams(path, f.Mat, []int{int(gocv.IMWriteJpegQuality), quality})
	} else {
		ok = gocv.IMWrite(path, f.Mat)
	}
	if !ok {
		return "", &FrameIOError{Op: "encode", Index: f.Index, Source: path, Err: errors.New("image writer rejected frame")}
	}
	return path, nil
}

// Probe decodes src only to report its size and channel count.
func Probe(src Source) (width, height, channels int, err error) {
	f, err := Decode(src, 0)
	if err != nil {
		return 0, 0, 0, err
	}
	defer f.Close()
	return f.Width(), f.Height(), f.Channels(), nil
}
