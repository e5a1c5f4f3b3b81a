package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"deshaker/internal/capture"
	"deshaker/internal/config"
	"deshaker/internal/frames"
	"deshaker/internal/fsutil"
	"deshaker/internal/report"
	"deshaker/internal/stabilize"
	"deshaker/internal/storage"
	"deshaker/internal/video"
	"deshaker/internal/workpool"
)

// router implements Processor and routes jobs to their concrete handlers.
type router struct {
	log        *slog.Logger
	store      *storage.Store
	cfg        config.Config
	stabilizer stabilizerFactory
	assemble   assembleFunc
	readMeta   metaFunc
}

type stabilizer interface {
	FindShifts(ctx context.Context, refIndex int) (*stabilize.ShiftSet, error)
	Deshake(ctx context.Context, req stabilize.DeshakeRequest) (stabilize.Result, error)
}

type stabilizerFactory func(seq frames.Sequence, opts stabilize.Options) (stabilizer, error)

type assembleFunc func(ctx context.Context, req video.Request, logger *slog.Logger) (video.Result, error)

type metaFunc func(ctx context.Context, path string) capture.Meta

func newRouter(logger *slog.Logger, store *storage.Store, cfg *config.Config) Processor {
	if cfg == nil {
		cfg = config.Default()
	}
	return &router{
		log:   logger,
		store: store,
		cfg:   *cfg,
		stabilizer: func(seq frames.Sequence, opts stabilize.Options) (stabilizer, error) {
			return stabilize.New(seq, opts)
		},
		assemble: video.Assemble,
		readMeta: capture.ReadMeta,
	}
}

func (r *router) Process(ctx context.Context, job Job) Result {
	switch job.Type {
	case JobDeshake:
		return r.handleDeshake(ctx, job)
	case JobShifts:
		return r.handleShifts(ctx, job)
	case JobScan:
		return r.handleScan(ctx, job)
	default:
		return Result{Job: job, Error: fmt.Errorf("unknown job type: %s", job.Type)}
	}
}

// prepared is what the deshake and shifts handlers share.
type prepared struct {
	stab     stabilizer
	refIndex int
	model    stabilize.Model
}

func (r *router) prepare(job Job) (prepared, []string, error) {
	sc := r.cfg.Stabilize
	pattern := job.Options.Pattern
	if pattern == "" {
		pattern = sc.FilePattern
	}
	paths, err := fsutil.FindSequence(job.InputPath, pattern)
	if err != nil {
		return prepared{}, nil, err
	}
	seq, err := frames.FromPaths(paths)
	if err != nil {
		return prepared{}, nil, err
	}

	params := stabilize.ParamsFromConfig(sc)
	if job.Options.Model != "" {
		params = params.With(stabilize.WithModel(stabilize.Model(strings.ToLower(job.Options.Model))))
	}

	refIndex := sc.ReferenceIndex
	if job.Options.RefIndex != nil {
		refIndex = *job.Options.RefIndex
	}
	if refIndex < 0 || refIndex >= seq.Len() {
		return prepared{}, nil, fmt.Errorf("reference index %d outside [0,%d)", refIndex, seq.Len())
	}

	modeName := job.Options.Mode
	if modeName == "" {
		modeName = sc.Concurrency.Mode
	}
	mode, err := resolveMode(modeName, paths)
	if err != nil {
		return prepared{}, nil, err
	}
	workers := job.Options.Workers
	if workers < 1 {
		workers = sc.Concurrency.Workers
	}

	stab, err := r.stabilizer(seq, stabilize.Options{
		Params:               params,
		Exec:                 workpool.Options{Mode: mode, Workers: workers},
		Logger:               r.log.With("job", job.ID),
		LimitWorkersByMemory: true,
	})
	if err != nil {
		return prepared{}, nil, err
	}
	return prepared{stab: stab, refIndex: refIndex, model: params.Model}, paths, nil
}

// resolveMode picks processes for RAW input, where ImageMagick's process-wide
// state would serialize decoding, and threads otherwise.
func resolveMode(name string, paths []string) (workpool.Mode, error) {
	if name == "" || strings.EqualFold(name, "auto") {
		raw, _ := fsutil.SeparateRAWAndProcessed(paths)
		if len(raw) > 0 {
			return workpool.ModeProcesses, nil
		}
		return workpool.ModeThreads, nil
	}
	return workpool.ParseMode(name)
}

func (r *router) handleDeshake(ctx context.Context, job Job) Result {
	prep, paths, err := r.prepare(job)
	if err != nil {
		return Result{Job: job, Error: err}
	}

	outputDir := job.Output
	if outputDir == "" {
		outputDir = filepath.Join(r.cfg.Paths.DefaultOutput, filepath.Base(filepath.Clean(job.InputPath))+"_deshaked")
	}
	quality := job.Options.JPEGQuality
	if quality == 0 {
		quality = r.cfg.Output.JPEGQuality
	}

	res, err := prep.stab.Deshake(ctx, stabilize.DeshakeRequest{OutputDir: outputDir, RefIndex: prep.refIndex, JPEGQuality: quality})
	if err != nil {
		return Result{Job: job, Error: err, Summary: Summary{Frames: len(paths), RefIndex: prep.refIndex, OutputDir: outputDir}}
	}

	stats := report.Summarize(res.Shifts)
	crop := res.Crop
	summary := Summary{
		Frames:     res.Shifts.Len(),
		RefIndex:   res.Shifts.RefIndex(),
		Model:      string(prep.model),
		OutputDir:  outputDir,
		Outputs:    len(res.Outputs),
		Crop:       &crop,
		Stats:      &stats,
		EstimateMS: res.EstimateDuration.Milliseconds(),
		WarpMS:     res.WarpDuration.Milliseconds(),
	}
	r.recordShifts(job.ID, res.Shifts, &crop)

	// reports go in subdirectories so the output stays a clean single-type sequence
	if boolOr(job.Options.Plot, r.cfg.Output.ShiftPlot) {
		plotPath := filepath.Join(outputDir, "report", report.PlotFileName)
		if err := report.PlotShifts(res.Shifts, plotPath); err != nil {
			r.log.Warn("shift plot failed", "job", job.ID, "error", err)
		} else {
			summary.Plot = plotPath
		}
	}

	vc := r.cfg.Output.Video
	if boolOr(job.Options.Video, vc.Enabled) {
		tool := job.Options.VideoTool
		if tool == "" {
			tool = vc.Tool
		}
		formats := job.Options.Formats
		if len(formats) == 0 {
			formats = vc.Formats
		}
		seqID := job.Options.SequenceID
		if seqID == "" {
			seqID = filepath.Base(filepath.Clean(job.InputPath))
		}
		vres, err := r.assemble(ctx, video.Request{
			Frames:     res.Outputs,
			OutputDir:  filepath.Join(outputDir, "video"),
			SequenceID: seqID,
			Tool:       tool,
			FPS:        vc.FPS,
			Codec:      vc.Codec,
			Formats:    formats,
		}, r.log)
		if err != nil {
			return Result{Job: job, Error: fmt.Errorf("video: %w", err), Summary: summary}
		}
		summary.Videos = vres.Outputs
	}

	return Result{Job: job, Summary: summary}
}

func (r *router) handleShifts(ctx context.Context, job Job) Result {
	prep, paths, err := r.prepare(job)
	if err != nil {
		return Result{Job: job, Error: err}
	}

	start := time.Now()
	set, err := prep.stab.FindShifts(ctx, prep.refIndex)
	if err != nil {
		return Result{Job: job, Error: err, Summary: Summary{Frames: len(paths), RefIndex: prep.refIndex}}
	}

	summary := Summary{
		Frames:     set.Len(),
		RefIndex:   set.RefIndex(),
		Model:      string(prep.model),
		EstimateMS: time.Since(start).Milliseconds(),
	}
	if crop, err := stabilize.ComputeCrop(set, set.Width(), set.Height()); err == nil {
		summary.Crop = &crop
	} else {
		r.log.Warn("shifts leave no usable crop", "job", job.ID, "error", err)
	}
	stats := report.Summarize(set)
	summary.Stats = &stats
	r.recordShifts(job.ID, set, summary.Crop)
	return Result{Job: job, Summary: summary}
}

func (r *router) recordShifts(jobID string, set *stabilize.ShiftSet, crop *stabilize.CropWindow) {
	if r.store == nil {
		return
	}
	if err := SaveShifts(r.store, jobID, set, crop); err != nil {
		r.log.Warn("failed to store shifts", "job", jobID, "error", err)
	}
}

func (r *router) handleScan(ctx context.Context, job Job) Result {
	pattern := job.Options.Pattern
	if pattern == "" {
		pattern = r.cfg.Stabilize.FilePattern
	}
	paths, err := fsutil.FindSequence(job.InputPath, pattern)
	if err != nil {
		return Result{Job: job, Error: err}
	}

	scan := ScanSummary{Images: len(paths)}
	if mb, err := fsutil.EstimateDatasetSize(paths); err == nil {
		r.log.Info("scanning sequence", "job", job.ID, "images", len(paths), "size_mb", mb)
	}

	workers := job.Options.Workers
	if workers <= 0 {
		workers = r.cfg.Stabilize.Concurrency.Workers
	}
	metas, err := workpool.Map(ctx, workers, paths, func(ctx context.Context, p string) (capture.Meta, error) {
		meta := r.readMeta(ctx, p)
		if meta.Width == 0 || meta.Height == 0 {
			w, h, _, err := frames.Probe(frames.Source{Path: p})
			if err != nil {
				return capture.Meta{}, err
			}
			meta.Width, meta.Height = w, h
		}
		return meta, nil
	})
	if err != nil {
		return Result{Job: job, Error: err}
	}

	var prev capture.Meta
	var intervals []time.Duration
	for i, meta := range metas {
		if i == 0 {
			scan.Width, scan.Height, scan.Camera = meta.Width, meta.Height, meta.Camera()
			scan.Megapixels = meta.Megapixels()
		} else {
			if meta.Width != scan.Width || meta.Height != scan.Height {
				scan.Mismatched = append(scan.Mismatched, meta.Name())
			}
			if d := meta.IntervalSince(prev); d > 0 {
				intervals = append(intervals, d)
			}
		}
		if meta.HasCaptureTime() {
			if scan.FirstCapture.IsZero() {
				scan.FirstCapture = meta.CapturedAt
			}
			scan.LastCapture = meta.CapturedAt
		}
		prev = meta

		if r.store != nil {
			if err := r.store.RecordFrameMeta(job.ID, meta); err != nil {
				r.log.Warn("failed to store frame metadata", "job", job.ID, "path", meta.Path, "error", err)
			}
		}
	}

	if len(intervals) > 0 {
		var total time.Duration
		for _, d := range intervals {
			total += d
		}
		scan.MeanInterval = (total / time.Duration(len(intervals))).Seconds()
	}

	summary := Summary{Frames: len(paths), Scan: &scan}
	if len(scan.Mismatched) > 0 {
		return Result{Job: job, Summary: summary, Error: fmt.Errorf("%w: %d of %d frames differ from %dx%d",
			frames.ErrDimensionMismatch, len(scan.Mismatched), len(paths), scan.Width, scan.Height)}
	}
	return Result{Job: job, Summary: summary}
}

func boolOr(v *bool, fallback bool) bool {
	if v != nil {
		return *v
	}
	return fallback
}

// IsNotFound reports whether err means a job, shift set or crop is unknown.
func IsNotFound(err error) bool {
	return errors.Is(err, storage.ErrNotFound)
}
