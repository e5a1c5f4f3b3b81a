package stabilize

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sync"

	"deshaker/internal/frames"
	"deshaker/internal/workpool"
)

const (
	estimateTaskName = "stabilize.estimate"
	warpTaskName     = "stabilize.warp"
)

// estimateItem is everything a worker needs to measure one frame, including
// in a separate process.
type estimateItem struct {
	Ref      frames.Source `json:"ref"`
	RefIndex int           `json:"ref_index"`
	Target   frames.Source `json:"target"`
	Index    int           `json:"index"`
	Params   Params        `json:"params"`
}

type warpItem struct {
	Source     frames.Source   `json:"source"`
	Index      int             `json:"index"`
	Transform  AffineTransform `json:"transform"`
	Crop       CropWindow      `json:"crop"`
	OutputPath string          `json:"output_path"`
	Quality    int             `json:"quality"`
}

func init() {
	workpool.Register(workpool.Task[estimateItem, FrameShift]{
		Name: estimateTaskName,
		Fn:   estimateWithCachedReference,
	})
	workpool.Register(warpTask())
}

func warpTask() workpool.Task[warpItem, string] {
	return workpool.Task[warpItem, string]{
		Name:        warpTaskName,
		Fn:          func(_ context.Context, it warpItem) (string, error) { return warpFrame(it) },
		DecodeError: decodeWorkerError,
	}
}

func estimateFrame(ref frames.GrayFrame, it estimateItem) (FrameShift, error) {
	est, err := NewEstimator(it.Params)
	if err != nil {
		return FrameShift{}, err
	}

	frame, err := frames.Decode(it.Target, it.Index)
	if err != nil {
		return FrameShift{}, err
	}
	defer frame.Close()

	gray, err := frame.Gray()
	if err != nil {
		return FrameShift{}, err
	}
	defer gray.Close()

	shift, t, err := est.Estimate(ref, gray)
	if errors.Is(err, frames.ErrDimensionMismatch) {
		return FrameShift{}, &frames.FrameIOError{Op: "decode", Index: it.Index, Source: it.Target.String(), Err: err}
	}
	if err != nil {
		return FrameShift{}, err
	}
	return FrameShift{Index: it.Index, Name: frame.Name, Shift: shift, Transform: t}, nil
}

func warpFrame(it warpItem) (string, error) {
	frame, err := frames.Decode(it.Source, it.Index)
	if err != nil {
		return "", err
	}
	defer frame.Close()

	out, err := WarpAndCrop(frame, it.Transform, it.Crop)
	if err != nil {
		return "", err
	}
	defer out.Close()

	return frames.Encode(out, it.OutputPath, it.Quality)
}

// refCache keeps the decoded reference of a worker process between items.
// A process serves one run, so one entry is enough.
var refCache struct {
	mu   sync.Mutex
	key  string
	gray frames.GrayFrame
}

func estimateWithCachedReference(_ context.Context, it estimateItem) (FrameShift, error) {
	ref, err := cachedReference(it.Ref, it.RefIndex)
	if err != nil {
		return FrameShift{}, err
	}
	return estimateFrame(ref, it)
}

func cachedReference(src frames.Source, index int) (frames.GrayFrame, error) {
	key := src.Path
	if key == "" {
		sum := sha256.Sum256(src.Data)
		key = "mem:" + hex.EncodeToString(sum[:])
	}

	refCache.mu.Lock()
	defer refCache.mu.Unlock()
	if refCache.key == key {
		return refCache.gray, nil
	}

	frame, err := frames.Decode(src, index)
	if err != nil {
		return frames.GrayFrame{}, err
	}
	defer frame.Close()
	gray, err := frame.Gray()
	if err != nil {
		return frames.GrayFrame{}, err
	}

	if refCache.key != "" {
		refCache.gray.Close()
	}
	refCache.key, refCache.gray = key, gray
	return gray, nil
}
