package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"text/tabwriter"
	"time"

	"golang.org/x/sync/errgroup"

	"deshaker/internal/config"
	"deshaker/internal/grpcserver"
	"deshaker/internal/pipeline"
	"deshaker/internal/server"
	"deshaker/internal/storage"
	"deshaker/internal/watch"
)

type pipelineClient interface {
	Submit(job pipeline.Job) error
	Subscribe() (<-chan pipeline.Result, func())
}

type serverFunc func(ctx context.Context, httpAddr, grpcAddr string, store *storage.Store, pipe pipelineClient, log *slog.Logger) error

type watcherFactory func(dirs []string, settle time.Duration, log *slog.Logger) (sequenceWatcher, error)

type sequenceWatcher interface {
	Run(ctx context.Context) error
	Batches() <-chan watch.Batch
}

// defaultServe runs the HTTP API and, when grpcAddr is set, the gRPC job
// service until ctx is cancelled or one of them fails.
func defaultServe(ctx context.Context, httpAddr, grpcAddr string, store *storage.Store, pipe pipelineClient, log *slog.Logger) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Serve(ctx, httpAddr, store, pipe, log)
	})
	if grpcAddr != "" {
		g.Go(func() error {
			return grpcserver.Serve(ctx, grpcAddr, grpcserver.NewJobService(pipe, store, log))
		})
	}
	return g.Wait()
}

// Root wires CLI commands to the pipeline.
type Root struct {
	pipeline   pipelineClient
	cfg        *config.Config
	log        *slog.Logger
	store      *storage.Store
	serveFn    serverFunc
	newWatcher watcherFactory
}

// NewRoot constructs the shared state behind the commands.
func NewRoot(pl *pipeline.Pipeline, cfg *config.Config, logger *slog.Logger, store *storage.Store) *Root {
	return &Root{
		pipeline: pl,
		cfg:      cfg,
		log:      logger,
		store:    store,
		serveFn:  defaultServe,
		newWatcher: func(dirs []string, settle time.Duration, log *slog.Logger) (sequenceWatcher, error) {
			return watch.New(dirs, settle, log)
		},
	}
}

// enqueueAndWait submits job and blocks until its result arrives.
func (r *Root) enqueueAndWait(ctx context.Context, job pipeline.Job) (pipeline.Result, error) {
	resCh, unsubscribe := r.pipeline.Subscribe()
	defer unsubscribe()
	if err := r.enqueue(ctx, job); err != nil {
		return pipeline.Result{}, err
	}
	for {
		select {
		case <-ctx.Done():
			return pipeline.Result{}, ctx.Err()
		case res, ok := <-resCh:
			if !ok {
				return pipeline.Result{}, fmt.Errorf("pipeline stopped before completion")
			}
			if res.Job.ID == job.ID {
				return res, res.Error
			}
		}
	}
}

func (r *Root) enqueue(ctx context.Context, job pipeline.Job) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if err := r.pipeline.Submit(job); err != nil {
		return err
	}

	r.log.Info("job queued", "type", job.Type, "id", job.ID, "input", job.InputPath)
	return nil
}

func printSummary(w io.Writer, res pipeline.Result) {
	s := res.Summary
	fmt.Fprintf(w, "Job %s (%s): %s\n", res.Job.ID, res.Job.Type, res.Status())

	if sc := s.Scan; sc != nil {
		fmt.Fprintf(w, "  Images:     %d at %dx%d (%.1f MP)\n", sc.Images, sc.Width, sc.Height, sc.Megapixels)
		if sc.Camera != "" {
			fmt.Fprintf(w, "  Camera:     %s\n", sc.Camera)
		}
		if !sc.FirstCapture.IsZero() {
			fmt.Fprintf(w, "  Captured:   %s .. %s\n", sc.FirstCapture.Format(time.DateTime), sc.LastCapture.Format(time.DateTime))
		}
		if sc.MeanInterval > 0 {
			fmt.Fprintf(w, "  Interval:   %.1fs\n", sc.MeanInterval)
		}
		if len(sc.Mismatched) > 0 {
			fmt.Fprintf(w, "  Mismatched: %s\n", strings.Join(sc.Mismatched, ", "))
		}
		return
	}

	fmt.Fprintf(w, "  Frames:     %d (reference %d, %s)\n", s.Frames, s.RefIndex, s.Model)
	if s.Crop != nil {
		fmt.Fprintf(w, "  Crop:       %s (%dx%d)\n", s.Crop, s.Crop.Width(), s.Crop.Height())
	}
	if st := s.Stats; st != nil {
		fmt.Fprintf(w, "  dx:         mean %.2f sd %.2f range [%.2f, %.2f]\n", st.MeanDX, st.StdDX, st.MinDX, st.MaxDX)
		fmt.Fprintf(w, "  dy:         mean %.2f sd %.2f range [%.2f, %.2f]\n", st.MeanDY, st.StdDY, st.MinDY, st.MaxDY)
		fmt.Fprintf(w, "  Worst:      frame %d, max rotation %.3f deg\n", st.WorstFrame, st.MaxAngle)
	}
	if s.OutputDir != "" {
		fmt.Fprintf(w, "  Output:     %s (%d frames)\n", s.OutputDir, s.Outputs)
	}
	if s.Plot != "" {
		fmt.Fprintf(w, "  Plot:       %s\n", s.Plot)
	}
	for _, v := range s.Videos {
		fmt.Fprintf(w, "  Video:      %s (%s)\n", v.Path, v.Format)
	}
}

func printJobs(w io.Writer, recs []storage.JobRecord) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTYPE\tSTATUS\tCREATED\tINPUT")
	for _, rec := range recs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", rec.ID, rec.JobType, rec.Status, rec.CreatedAt.Local().Format(time.DateTime), rec.InputPath)
	}
	return tw.Flush()
}
