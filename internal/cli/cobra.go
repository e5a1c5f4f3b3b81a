package cli

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"deshaker/internal/config"
	"deshaker/internal/fsutil"
	"deshaker/internal/pipeline"
	"deshaker/internal/storage"
)

// NewRootCmd creates the root Cobra command
func NewRootCmd(cfg *config.Config, log *slog.Logger, store *storage.Store, pipe *pipeline.Pipeline) *cobra.Command {
	return newRootCmd(NewRoot(pipe, cfg, log, store))
}

func newRootCmd(root *Root) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "deshaker",
		Short: "Deshaker removes camera shake from timelapse frame sequences",
		Long: `Deshaker estimates how every frame of a sequence moved relative to a
reference frame, then writes corrected frames cropped to the area all of them
still cover.`,
		SilenceUsage: true,
	}

	rootCmd.AddCommand(newDeshakeCmd(root))
	rootCmd.AddCommand(newShiftsCmd(root))
	rootCmd.AddCommand(newScanCmd(root))
	rootCmd.AddCommand(newJobsCmd(root))
	rootCmd.AddCommand(newServeCmd(root))
	rootCmd.AddCommand(newWatchCmd(root))
	rootCmd.AddCommand(newMigrateCmd(root))
	rootCmd.AddCommand(newConfigCmd(root))
	rootCmd.AddCommand(newVersionCmd(root))

	return rootCmd
}

// estimateFlags are shared by every command that runs motion estimation.
type estimateFlags struct {
	ref     int
	pattern string
	model   string
	mode    string
	workers int
}

func (f *estimateFlags) register(cmd *cobra.Command) {
	cmd.Flags().IntVar(&f.ref, "ref", 0, "reference frame index (default from config)")
	cmd.Flags().StringVar(&f.pattern, "pattern", "", "file name pattern selecting the frames (default from config)")
	cmd.Flags().StringVar(&f.model, "model", "", "motion model (partial-affine|homography)")
	cmd.Flags().StringVar(&f.mode, "mode", "", "per-frame execution (auto|threads|processes)")
	cmd.Flags().IntVar(&f.workers, "workers", 0, "concurrent frame workers (default from config)")
}

func (f *estimateFlags) apply(cmd *cobra.Command, opts *pipeline.Options) {
	if cmd.Flags().Changed("ref") {
		ref := f.ref
		opts.RefIndex = &ref
	}
	opts.Pattern = f.pattern
	opts.Model = f.model
	opts.Mode = f.mode
	opts.Workers = f.workers
}

func newDeshakeCmd(root *Root) *cobra.Command {
	var (
		est        estimateFlags
		quality    int
		video      bool
		videoTool  string
		formats    []string
		plot       bool
		sequenceID string
	)

	cmd := &cobra.Command{
		Use:   "deshake <input_directory> [output_directory]",
		Short: "Stabilize a frame sequence",
		Long: `Estimate per-frame motion against the reference frame, crop every frame to
the common area and write the corrected frames to the output directory.

Examples:
  deshaker deshake ./captures/night
  deshaker deshake ./captures/night ./out --ref 10 --model homography --video`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			job := pipeline.Job{
				ID:        pipeline.NewJobID(pipeline.JobDeshake),
				Type:      pipeline.JobDeshake,
				InputPath: args[0],
			}
			if len(args) > 1 {
				job.Output = args[1]
			}
			est.apply(cmd, &job.Options)
			job.Options.JPEGQuality = quality
			job.Options.VideoTool = videoTool
			job.Options.Formats = formats
			job.Options.SequenceID = sequenceID
			if cmd.Flags().Changed("video") {
				job.Options.Video = &video
			}
			if cmd.Flags().Changed("plot") {
				job.Options.Plot = &plot
			}

			res, err := root.enqueueAndWait(cmd.Context(), job)
			if err != nil {
				return err
			}
			printSummary(cmd.OutOrStdout(), res)
			return nil
		},
	}

	est.register(cmd)
	cmd.Flags().IntVar(&quality, "quality", 0, "JPEG quality of corrected frames (default from config)")
	cmd.Flags().BoolVar(&video, "video", false, "assemble a video from the corrected frames")
	cmd.Flags().StringVar(&videoTool, "video-tool", "", "video encoder (opencv|ffmpeg)")
	cmd.Flags().StringSliceVar(&formats, "format", nil, "ffmpeg output formats (mp4|mp4-h265|gif)")
	cmd.Flags().BoolVar(&plot, "plot", true, "write a shift plot next to the outputs")
	cmd.Flags().StringVar(&sequenceID, "sequence-id", "", "name used for the video files")

	return cmd
}

func newShiftsCmd(root *Root) *cobra.Command {
	var (
		est    estimateFlags
		jobID  string
		asJSON bool
	)

	cmd := &cobra.Command{
		Use:   "shifts [input_directory]",
		Short: "Estimate frame shifts without writing frames, or show stored shifts",
		Long: `Run motion estimation only and report the per-frame shifts and crop window.
With --job, print the shifts stored for an earlier job instead.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if jobID == "" {
				if len(args) == 0 {
					return fmt.Errorf("shifts requires an input directory or --job")
				}
				job := pipeline.Job{
					ID:        pipeline.NewJobID(pipeline.JobShifts),
					Type:      pipeline.JobShifts,
					InputPath: args[0],
				}
				est.apply(cmd, &job.Options)
				res, err := root.enqueueAndWait(cmd.Context(), job)
				if err != nil {
					return err
				}
				if !asJSON {
					printSummary(out, res)
					return nil
				}
				jobID = job.ID
			}

			set, err := pipeline.LoadShifts(root.store, jobID)
			if err != nil {
				return err
			}
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(set)
			}
			fmt.Fprintf(out, "Shifts of job %s (reference %d, %dx%d)\n", jobID, set.RefIndex(), set.Width(), set.Height())
			for _, e := range set.Entries() {
				fmt.Fprintf(out, "  %4d  %-24s dx=%8.3f dy=%8.3f da=%8.5f\n", e.Index, e.Name, e.Shift.DX, e.Shift.DY, e.Shift.DA)
			}
			if crop, err := pipeline.LoadCrop(root.store, jobID); err == nil {
				fmt.Fprintf(out, "Crop: %s\n", crop)
			}
			return nil
		},
	}

	est.register(cmd)
	cmd.Flags().StringVar(&jobID, "job", "", "show the shifts stored for this job")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the shift set as JSON")
	return cmd
}

func newScanCmd(root *Root) *cobra.Command {
	var pattern string

	cmd := &cobra.Command{
		Use:   "scan <input_directory>",
		Short: "Report sequence size, dimensions and capture metadata",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job := pipeline.Job{
				ID:        pipeline.NewJobID(pipeline.JobScan),
				Type:      pipeline.JobScan,
				InputPath: args[0],
				Options:   pipeline.Options{Pattern: pattern},
			}
			res, err := root.enqueueAndWait(cmd.Context(), job)
			if res.Summary.Scan != nil {
				printSummary(cmd.OutOrStdout(), res)
			}
			return err
		},
	}

	cmd.Flags().StringVar(&pattern, "pattern", "", "file name pattern selecting the frames")
	return cmd
}

func newJobsCmd(root *Root) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "jobs [job_id]",
		Short: "List recent jobs or show one job",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			if len(args) == 0 {
				recs, err := root.store.RecentJobs(limit)
				if err != nil {
					return err
				}
				return printJobs(out, recs)
			}

			rec, err := root.store.Job(args[0])
			if err != nil {
				return err
			}
			view := map[string]any{"job": rec}
			if meta, err := root.store.JobMeta(args[0]); err == nil {
				view["summary"] = meta
			}
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(view)
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "number of jobs to list")
	return cmd
}

func newServeCmd(root *Root) *cobra.Command {
	var addr, grpcAddr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API (and optionally the gRPC job service)",
		Long: `Serve job submission, job history, stored shifts and live results.

Examples:
  deshaker serve --addr :8080
  deshaker serve --addr :8080 --grpc-addr :9090`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			root.log.Info("starting server", "addr", addr, "grpc_addr", grpcAddr)
			return root.serveFn(cmd.Context(), addr, grpcAddr, root.store, root.pipeline, root.log)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", root.cfg.Server.Addr, "HTTP listen address")
	cmd.Flags().StringVar(&grpcAddr, "grpc-addr", root.cfg.Server.GRPCAddr, "gRPC listen address (empty disables)")
	return cmd
}

func newWatchCmd(root *Root) *cobra.Command {
	var (
		settle    time.Duration
		output    string
		recursive bool
		est       estimateFlags
	)

	cmd := &cobra.Command{
		Use:   "watch <directory>...",
		Short: "Deshake capture directories once new frames stop arriving",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			dirs := args
			if recursive {
				found, err := fsutil.ImageDirs(args...)
				if err != nil {
					return err
				}
				dirs = mergeDirs(args, found)
				root.log.Info("watching capture directories", "roots", len(args), "dirs", len(dirs))
			}
			w, err := root.newWatcher(dirs, settle, root.log)
			if err != nil {
				return err
			}

			results, unsubscribe := root.pipeline.Subscribe()
			defer unsubscribe()

			errCh := make(chan error, 1)
			go func() { errCh <- w.Run(ctx) }()

			for {
				select {
				case err := <-errCh:
					return err
				case res, ok := <-results:
					if !ok {
						return nil
					}
					if res.Error != nil {
						root.log.Warn("watched sequence failed", "id", res.Job.ID, "input", res.Job.InputPath, "error", res.Error)
						continue
					}
					printSummary(cmd.OutOrStdout(), res)
				case batch, ok := <-w.Batches():
					if !ok {
						return <-errCh
					}
					job := pipeline.Job{
						ID:        pipeline.NewJobID(pipeline.JobDeshake),
						Type:      pipeline.JobDeshake,
						InputPath: batch.Dir,
						Output:    output,
					}
					est.apply(cmd, &job.Options)
					if err := root.enqueue(ctx, job); err != nil {
						root.log.Warn("could not queue settled sequence", "dir", batch.Dir, "frames", len(batch.Files), "error", err)
					}
				}
			}
		},
	}

	est.register(cmd)
	cmd.Flags().DurationVar(&settle, "settle", time.Duration(root.cfg.Watch.SettleSeconds)*time.Second, "quiet period before a directory is processed")
	cmd.Flags().StringVar(&output, "output", "", "output directory (default <default_output>/<dir>_deshaked)")
	cmd.Flags().BoolVar(&recursive, "recursive", false, "also watch every directory below the given ones that already holds frames")
	return cmd
}

// mergeDirs appends the entries of extra missing from dirs, keeping order.
func mergeDirs(dirs, extra []string) []string {
	out := append([]string(nil), dirs...)
	seen := make(map[string]struct{}, len(dirs))
	for _, d := range dirs {
		seen[filepath.Clean(d)] = struct{}{}
	}
	for _, d := range extra {
		if _, ok := seen[filepath.Clean(d)]; ok {
			continue
		}
		seen[filepath.Clean(d)] = struct{}{}
		out = append(out, d)
	}
	return out
}
