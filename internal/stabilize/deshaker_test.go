package stabilize

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"

	"deshaker/internal/frames"
	"deshaker/internal/logging"
	"deshaker/internal/workpool"
)

var sequenceOffsets = []offset{{0, 0}, {2, 1}, {-3, 2}, {1, -2}, {0, 0}}

func newTestDeshaker(t *testing.T, paths []string, exec workpool.Options) *Deshaker {
	t.Helper()
	seq, err := frames.FromPaths(paths)
	require.NoError(t, err)
	d, err := New(seq, Options{
		Params: DefaultParams(),
		Exec:   exec,
		Logger: logging.New("error", "text"),
	})
	require.NoError(t, err)
	return d
}

func TestDeshakeEndToEnd(t *testing.T) {
	in := t.TempDir()
	paths := writeSequence(t, in, 240, 180, sequenceOffsets)

	var done atomic.Int32
	d := newTestDeshaker(t, paths, workpool.Options{
		Mode:       workpool.ModeThreads,
		Workers:    2,
		OnItemDone: func() { done.Add(1) },
	})
	assert.Equal(t, StateUninitialized, d.State())
	assert.Nil(t, d.Shifts())

	set, err := d.FindShifts(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, StateShiftsComputed, d.State())
	require.Equal(t, len(sequenceOffsets), set.Len())

	ref := set.At(0)
	assert.Equal(t, Shift{}, ref.Shift)
	assert.True(t, ref.Transform.IsIdentity())
	for i, o := range sequenceOffsets {
		s := set.At(i)
		assert.Equal(t, i, s.Index)
		assert.Equal(t, filepath.Base(paths[i]), s.Name)
		assert.InDelta(t, -o.tx, s.Shift.DX, 0.5, "frame %d dx", i)
		assert.InDelta(t, -o.ty, s.Shift.DY, 0.5, "frame %d dy", i)
	}
	assert.Equal(t, int32(len(sequenceOffsets)-1), done.Load())

	out := filepath.Join(t.TempDir(), "stabilized")
	res, err := d.Deshake(context.Background(), DeshakeRequest{OutputDir: out, RefIndex: 0, JPEGQuality: 95})
	require.NoError(t, err)
	assert.Equal(t, StateStabilized, d.State())
	assert.Same(t, set, res.Shifts, "shifts are reused for the same reference")

	require.Len(t, res.Outputs, len(paths))
	for i, p := range res.Outputs {
		assert.Equal(t, filepath.Join(out, filepath.Base(paths[i])), p)
		img := gocv.IMRead(p, gocv.IMReadColor)
		assert.Equal(t, res.Crop.Width(), img.Cols())
		assert.Equal(t, res.Crop.Height(), img.Rows())
		img.Close()
	}

	// the reference is copied without resampling
	refOut := gocv.IMRead(res.Outputs[0], gocv.IMReadColor)
	defer refOut.Close()
	refIn := gocv.IMRead(paths[0], gocv.IMReadColor)
	defer refIn.Close()
	region := refIn.Region(res.Crop.Rect())
	defer region.Close()
	want := region.Clone()
	defer want.Close()
	assert.Equal(t, want.ToBytes(), refOut.ToBytes())
}

func TestDeshakeComputesShiftsForNewReference(t *testing.T) {
	in := t.TempDir()
	paths := writeSequence(t, in, 200, 150, sequenceOffsets)
	d := newTestDeshaker(t, paths, workpool.Options{Mode: workpool.ModeThreads, Workers: 3})

	_, err := d.FindShifts(context.Background(), 0)
	require.NoError(t, err)

	res, err := d.Deshake(context.Background(), DeshakeRequest{OutputDir: t.TempDir(), RefIndex: 2})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Shifts.RefIndex())
	assert.Equal(t, Shift{}, res.Shifts.At(2).Shift)
	// frame 0 sits at (+3,-2) relative to frame 2
	assert.InDelta(t, -3, res.Shifts.At(0).Shift.DX, 0.5)
	assert.InDelta(t, 2, res.Shifts.At(0).Shift.DY, 0.5)
}

func TestDeshakeInWorkerProcesses(t *testing.T) {
	in := t.TempDir()
	paths := writeSequence(t, in, 200, 150, sequenceOffsets)
	d := newTestDeshaker(t, paths, workpool.Options{
		Mode:    workpool.ModeProcesses,
		Workers: 2,
		Process: workpool.ProcessOptions{Path: os.Args[0]},
	})

	res, err := d.Deshake(context.Background(), DeshakeRequest{OutputDir: t.TempDir(), RefIndex: 0})
	require.NoError(t, err)
	require.Len(t, res.Outputs, len(paths))
	for i, o := range sequenceOffsets {
		assert.InDelta(t, -o.tx, res.Shifts.At(i).Shift.DX, 0.5, "frame %d", i)
	}
	for _, p := range res.Outputs {
		assert.FileExists(t, p)
	}
}

func TestFindShiftsReportsFailingFrame(t *testing.T) {
	in := t.TempDir()
	paths := writeSequence(t, in, 160, 120, sequenceOffsets)
	require.NoError(t, os.WriteFile(paths[3], []byte("not an image"), 0o644))

	for _, mode := range []workpool.Mode{workpool.ModeThreads, workpool.ModeProcesses} {
		t.Run(string(mode), func(t *testing.T) {
			d := newTestDeshaker(t, paths, workpool.Options{
				Mode:    mode,
				Workers: 2,
				Process: workpool.ProcessOptions{Path: os.Args[0]},
			})
			_, err := d.FindShifts(context.Background(), 0)

			var phaseErr *PhaseError
			require.True(t, errors.As(err, &phaseErr))
			assert.Equal(t, PhaseEstimate, phaseErr.Phase)
			assert.Equal(t, 3, phaseErr.Index)

			var ioErr *frames.FrameIOError
			assert.True(t, errors.As(err, &ioErr))
			assert.Equal(t, StateUninitialized, d.State())
		})
	}
}

func TestFindShiftsTexturelessFrames(t *testing.T) {
	in := t.TempDir()
	paths := make([]string, 3)
	for i := range paths {
		flat := gocv.NewMatWithSize(90, 120, gocv.MatTypeCV8UC3)
		require.NoError(t, gocv.Rectangle(&flat, image.Rect(0, 0, 120, 90), color.RGBA{70, 70, 70, 0}, -1))
		paths[i] = filepath.Join(in, fmt.Sprintf("IMG_%04d.png", i))
		require.True(t, gocv.IMWrite(paths[i], flat))
		flat.Close()
	}

	for _, mode := range []workpool.Mode{workpool.ModeThreads, workpool.ModeProcesses} {
		t.Run(string(mode), func(t *testing.T) {
			d := newTestDeshaker(t, paths, workpool.Options{
				Mode:    mode,
				Workers: 1,
				Process: workpool.ProcessOptions{Path: os.Args[0]},
			})
			_, err := d.FindShifts(context.Background(), 0)

			var phaseErr *PhaseError
			require.True(t, errors.As(err, &phaseErr))
			assert.Equal(t, PhaseEstimate, phaseErr.Phase)
			assert.Equal(t, 1, phaseErr.Index)

			var insufficient *InsufficientCorrespondenceError
			require.True(t, errors.As(err, &insufficient))
			assert.Equal(t, 3, insufficient.Required)
			assert.Less(t, insufficient.Found, insufficient.Required)
			assert.Equal(t, StateUninitialized, d.State())
		})
	}
}

func TestDeshakeValidation(t *testing.T) {
	in := t.TempDir()
	paths := writeSequence(t, in, 120, 90, sequenceOffsets[:2])
	d := newTestDeshaker(t, paths, workpool.Options{Mode: workpool.ModeThreads})

	_, err := d.FindShifts(context.Background(), 5)
	assert.Error(t, err)

	_, err = d.Deshake(context.Background(), DeshakeRequest{RefIndex: 0})
	assert.Error(t, err, "output directory required")

	_, err = d.Deshake(context.Background(), DeshakeRequest{OutputDir: in, RefIndex: 0})
	assert.ErrorContains(t, err, "holds source frame")
	assert.Equal(t, StateUninitialized, d.State())

	_, err = New(frames.Sequence{}, Options{Params: DefaultParams()})
	assert.ErrorIs(t, err, frames.ErrEmptySequence)

	seq, err := frames.FromPaths(paths)
	require.NoError(t, err)
	_, err = New(seq, Options{Params: DefaultParams().With(WithMaxCorners(0))})
	assert.Error(t, err)
}

func TestDecodeWorkerError(t *testing.T) {
	src := &InsufficientCorrespondenceError{Stage: "track", Found: 2, Required: 3}
	detail, err := json.Marshal(src)
	require.NoError(t, err)

	got := decodeWorkerError(src.Code(), detail, src.Error())
	var insufficient *InsufficientCorrespondenceError
	require.True(t, errors.As(got, &insufficient))
	assert.Equal(t, *src, *insufficient)

	assert.Nil(t, decodeWorkerError("something_else", detail, "x"))
	assert.Nil(t, decodeWorkerError(src.Code(), []byte("{"), "x"))
}
