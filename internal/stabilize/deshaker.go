// Package stabilize measures per-frame camera motion in a timelapse against
// a reference frame, derives a common crop window and writes the corrected
// frames.
package stabilize

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"deshaker/internal/frames"
	"deshaker/internal/fsutil"
	"deshaker/internal/logging"
	"deshaker/internal/workpool"
)

// State tracks how far a Deshaker has progressed.
type State int

const (
	StateUninitialized State = iota
	StateShiftsComputed
	StateStabilized
)

func (s State) String() string {
	switch s {
	case StateShiftsComputed:
		return "shifts-computed"
	case StateStabilized:
		return "stabilized"
	default:
		return "uninitialized"
	}
}

// Options configures a Deshaker.
type Options struct {
	Params Params
	Exec   workpool.Options
	Logger *slog.Logger
	// LimitWorkersByMemory lowers Exec.Workers when free memory cannot hold
	// every worker's frame buffers.
	LimitWorkersByMemory bool
}

// DeshakeRequest describes one stabilization run.
type DeshakeRequest struct {
	OutputDir   string
	RefIndex    int
	JPEGQuality int
}

// Result summarises a finished Deshake.
type Result struct {
	Shifts           *ShiftSet
	Crop             CropWindow
	Outputs          []string // corrected frame paths in frame order
	EstimateDuration time.Duration
	WarpDuration     time.Duration
}

// Deshaker runs the pipeline over one frame sequence. Calls are serialized.
type Deshaker struct {
	seq  frames.Sequence
	opts Options
	log  *slog.Logger

	mu           sync.Mutex
	state        State
	shifts       *ShiftSet
	estimateTook time.Duration
}

// New validates the settings and returns a Deshaker for seq.
func New(seq frames.Sequence, opts Options) (*Deshaker, error) {
	if seq.Len() == 0 {
		return nil, frames.ErrEmptySequence
	}
	if err := opts.Params.Validate(); err != nil {
		return nil, fmt.Errorf("invalid parameters: %w", err)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Deshaker{seq: seq, opts: opts, log: opts.Logger}, nil
}

// State returns the current pipeline state.
func (d *Deshaker) State() State {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Shifts returns the last computed shift set, nil before FindShifts.
func (d *Deshaker) Shifts() *ShiftSet {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.shifts
}

// FindShifts measures every frame against the frame at refIndex. It can be
// called again, for example with another reference, and replaces the
// previous result.
func (d *Deshaker) FindShifts(ctx context.Context, refIndex int) (*ShiftSet, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.findShifts(ctx, refIndex)
}

func (d *Deshaker) findShifts(ctx context.Context, refIndex int) (*ShiftSet, error) {
	if !d.seq.InRange(refIndex) {
		return nil, fmt.Errorf("reference index %d outside [0,%d)", refIndex, d.seq.Len())
	}
	start := time.Now()
	logging.LogPhase(d.log, string(PhaseEstimate), "started", "frames", d.seq.Len(), "ref_index", refIndex, "model", d.opts.Params.Model)

	refFrame, err := frames.Decode(d.seq.At(refIndex), refIndex)
	if err != nil {
		return nil, &PhaseError{Phase: PhaseEstimate, Index: refIndex, Err: err}
	}
	defer refFrame.Close()
	refGray, err := refFrame.Gray()
	if err != nil {
		return nil, &PhaseError{Phase: PhaseEstimate, Index: refIndex, Err: err}
	}
	defer refGray.Close()

	items := make([]estimateItem, 0, d.seq.Len()-1)
	for i, src := range d.seq.All() {
		if i == refIndex {
			continue
		}
		items = append(items, estimateItem{
			Ref:      d.seq.At(refIndex),
			RefIndex: refIndex,
			Target:   src,
			Index:    i,
			Params:   d.opts.Params,
		})
	}

	task := workpool.Task[estimateItem, FrameShift]{
		Name: estimateTaskName,
		Fn: func(_ context.Context, it estimateItem) (FrameShift, error) {
			return estimateFrame(refGray, it)
		},
		DecodeError: decodeWorkerError,
	}
	measured, err := workpool.Run(ctx, d.execOptions(PhaseEstimate, refFrame.Bytes(), len(items)), task, items)
	if err != nil {
		return nil, phaseError(PhaseEstimate, err, func(k int) int { return items[k].Index })
	}

	identity := Identity(KindAffine)
	if d.opts.Params.Model == ModelHomography {
		identity = Identity(KindHomography)
	}
	all := make([]FrameShift, 0, d.seq.Len())
	all = append(all, measured[:refIndex]...)
	all = append(all, FrameShift{Index: refIndex, Name: refFrame.Name, Transform: identity})
	all = append(all, measured[refIndex:]...)

	set, err := Aggregate(all, d.seq.Len(), Geometry{RefIndex: refIndex, Width: refFrame.Width(), Height: refFrame.Height()})
	if err != nil {
		return nil, &PhaseError{Phase: PhaseEstimate, Index: -1, Err: err}
	}

	d.shifts = set
	d.state = StateShiftsComputed
	d.estimateTook = time.Since(start)
	logging.LogPhase(d.log, string(PhaseEstimate), "completed", "frames", set.Len(), "duration", d.estimateTook)
	return set, nil
}

// Deshake writes one corrected, cropped image per frame into req.OutputDir.
// Shifts are computed first when missing or measured against another
// reference. Frames already written stay on disk if a later frame fails.
func (d *Deshaker) Deshake(ctx context.Context, req DeshakeRequest) (Result, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if req.OutputDir == "" {
		return Result{}, errors.New("output directory is required")
	}
	if err := d.checkOutputDir(req.OutputDir); err != nil {
		return Result{}, err
	}

	set := d.shifts
	if d.state == StateUninitialized || set == nil || set.RefIndex() != req.RefIndex {
		var err error
		if set, err = d.findShifts(ctx, req.RefIndex); err != nil {
			return Result{}, err
		}
	}

	crop, err := ComputeCrop(set, set.Width(), set.Height())
	if err != nil {
		return Result{}, &PhaseError{Phase: PhaseCrop, Index: -1, Err: err}
	}
	logging.LogPhase(d.log, string(PhaseCrop), "completed", "window", crop.String(), "width", crop.Width(), "height", crop.Height())

	if err := os.MkdirAll(req.OutputDir, 0o755); err != nil {
		return Result{}, fmt.Errorf("create output directory: %w", err)
	}

	start := time.Now()
	logging.LogPhase(d.log, string(PhaseWarp), "started", "frames", d.seq.Len(), "output", req.OutputDir)
	items := make([]warpItem, d.seq.Len())
	for i, src := range d.seq.All() {
		items[i] = warpItem{
			Source:     src,
			Index:      i,
			Transform:  set.At(i).Transform,
			Crop:       crop,
			OutputPath: filepath.Join(req.OutputDir, src.Name(i)),
			Quality:    req.JPEGQuality,
		}
	}

	frameBytes := int64(set.Width()) * int64(set.Height()) * 3
	outputs, err := workpool.Run(ctx, d.execOptions(PhaseWarp, frameBytes, len(items)), warpTask(), items)
	if err != nil {
		return Result{}, phaseError(PhaseWarp, err, func(k int) int { return k })
	}

	d.state = StateStabilized
	res := Result{
		Shifts:           set,
		Crop:             crop,
		Outputs:          outputs,
		EstimateDuration: d.estimateTook,
		WarpDuration:     time.Since(start),
	}
	logging.LogPhase(d.log, string(PhaseWarp), "completed", "frames", len(outputs), "duration", res.WarpDuration)
	return res, nil
}

// checkOutputDir refuses to write corrected frames over their sources.
func (d *Deshaker) checkOutputDir(dir string) error {
	out, err := filepath.Abs(dir)
	if err != nil {
		return err
	}
	for i, src := range d.seq.All() {
		if src.Path == "" {
			continue
		}
		in, err := filepath.Abs(filepath.Dir(src.Path))
		if err != nil {
			return err
		}
		if in == out {
			return fmt.Errorf("output directory %s holds source frame %d; choose another directory", dir, i)
		}
	}
	return nil
}

func (d *Deshaker) execOptions(phase Phase, frameBytes int64, items int) workpool.Options {
	opts := d.opts.Exec
	if opts.Workers < 1 {
		opts.Workers = workpool.DefaultWorkers
	}
	if d.opts.LimitWorkersByMemory {
		opts.Workers = fsutil.MaxWorkersForMemory(frameBytes, opts.Workers, d.log)
	}

	progress := logging.ProgressLogger(d.log, string(phase), items)
	userHook := opts.OnItemDone
	opts.OnItemDone = func() {
		progress()
		if userHook != nil {
			userHook()
		}
	}
	return opts
}

func phaseError(phase Phase, err error, frameIndex func(item int) int) error {
	var itemErr *workpool.ItemError
	if errors.As(err, &itemErr) {
		return &PhaseError{Phase: phase, Index: frameIndex(itemErr.Index), Err: itemErr.Err}
	}
	return &PhaseError{Phase: phase, Index: -1, Err: err}
}
