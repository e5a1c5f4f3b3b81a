package video

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"deshaker/internal/frames"
	"deshaker/internal/logging"
)

const (
	ToolOpenCV = "opencv"
	ToolFFmpeg = "ffmpeg"
)

// ErrFFmpegMissing is returned when the ffmpeg tool is requested but not on PATH.
var ErrFFmpegMissing = errors.New("ffmpeg not found in PATH")

// Request describes one video assembly.
type Request struct {
	Frames     []string // corrected frames in index order
	OutputDir  string
	SequenceID string
	Tool       string
	FPS        int
	Codec      string   // fourcc for the opencv tool
	Formats    []string // ffmpeg formats: "mp4", "mp4-h265", "gif"
	Resolution string   // optional ffmpeg scaling: "1080p", "720p", "480p", "240p"
}

// Result lists what was produced.
type Result struct {
	Outputs    []Output `json:"outputs"`
	FrameCount int      `json:"frame_count"`
	UsedFFmpeg bool     `json:"used_ffmpeg"`
}

// Output is one produced video file.
type Output struct {
	Path   string `json:"path"`
	Format string `json:"format"`
	Codec  string `json:"codec"`
	Size   int64  `json:"size"`
}

// Assemble writes req.Frames, in the given order, into one or more videos.
func Assemble(ctx context.Context, req Request, logger *slog.Logger) (Result, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if len(req.Frames) == 0 {
		return Result{}, fmt.Errorf("no frames to assemble")
	}
	if req.FPS <= 0 {
		req.FPS = 24
	}
	if err := os.MkdirAll(req.OutputDir, 0o755); err != nil {
		return Result{}, fmt.Errorf("create video directory: %w", err)
	}

	logger.Info("assembling video",
		"tool", req.Tool,
		"frames", len(req.Frames),
		"fps", req.FPS,
		"formats", req.Formats,
		"output_dir", req.OutputDir,
	)

	switch req.Tool {
	case "", ToolOpenCV:
		out, err := assembleOpenCV(ctx, req)
		if err != nil {
			return Result{}, err
		}
		return Result{Outputs: []Output{out}, FrameCount: len(req.Frames)}, nil
	case ToolFFmpeg:
		return assembleFFmpeg(ctx, req, logger)
	default:
		return Result{}, fmt.Errorf("unknown video tool %q", req.Tool)
	}
}

func assembleOpenCV(ctx context.Context, req Request) (Output, error) {
	first, err := frames.Decode(frames.Source{Path: req.Frames[0]}, 0)
	if err != nil {
		return Output{}, err
	}
	width, height := first.Width(), first.Height()
	first.Close()

	codec := req.Codec
	if codec == "" {
		codec = DefaultCodec
	}
	path := filepath.Join(req.OutputDir, PreviewName(req.SequenceID))
	if err := backupExistingFile(path); err != nil {
		return Output{}, fmt.Errorf("backup %s: %w", path, err)
	}

	w, err := NewOpenCVWriter(path, codec, float64(req.FPS), width, height)
	if err != nil {
		return Output{}, err
	}
	for i, p := range req.Frames {
		if err := ctx.Err(); err != nil {
			w.Close()
			return Output{}, err
		}
		f, err := frames.Decode(frames.Source{Path: p}, i)
		if err != nil {
			w.Close()
			return Output{}, err
		}
		err = w.Write(f)
		f.Close()
		if err != nil {
			w.Close()
			return Output{}, err
		}
	}
	if err := w.Close(); err != nil {
		return Output{}, err
	}

	stat, err := os.Stat(path)
	if err != nil {
		return Output{}, err
	}
	return Output{Path: path, Format: "avi", Codec: codec, Size: stat.Size()}, nil
}

func assembleFFmpeg(ctx context.Context, req Request, logger *slog.Logger) (Result, error) {
	ffmpeg, err := exec.LookPath("ffmpeg")
	logging.LogToolStatus(logger, "ffmpeg", err == nil, ffmpeg, err)
	if err != nil {
		return Result{}, ErrFFmpegMissing
	}

	formats := req.Formats
	if len(formats) == 0 {
		formats = []string{"mp4"}
	}

	list, err := writeConcatList(req.OutputDir, req.Frames, req.FPS)
	if err != nil {
		return Result{}, err
	}
	defer os.Remove(list)

	base := filepath.Join(req.OutputDir, "deshaked")
	if req.SequenceID != "" {
		base += "_" + req.SequenceID
	}

	var outputs []Output
	for _, format := range formats {
		out, err := encodeFormat(ctx, ffmpeg, list, base, format, req.FPS, req.Resolution, logger)
		if err != nil {
			logger.Error("failed to generate format", "format", format, "error", err)
			continue
		}
		outputs = append(outputs, out)
		logger.Info("generated video format", "format", format, "output_file", out.Path, "codec", out.Codec)
	}
	if len(outputs) == 0 {
		return Result{}, fmt.Errorf("failed to generate any output formats")
	}
	return Result{Outputs: outputs, FrameCount: len(req.Frames), UsedFFmpeg: true}, nil
}

// writeConcatList pins the frame order for ffmpeg instead of relying on
// glob ordering of file names.
func writeConcatList(dir string, paths []string, fps int) (string, error) {
	var b strings.Builder
	step := 1.0 / float64(fps)
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(&b, "file '%s'\nduration %.6f\n", strings.ReplaceAll(abs, "'", `'\''`), step)
	}
	// the concat demuxer ignores the duration of the final entry
	if len(paths) > 0 {
		abs, _ := filepath.Abs(paths[len(paths)-1])
		fmt.Fprintf(&b, "file '%s'\n", strings.ReplaceAll(abs, "'", `'\''`))
	}

	f, err := os.CreateTemp(dir, ".frames-*.txt")
	if err != nil {
		return "", err
	}
	defer f.Close()
	if _, err := f.WriteString(b.String()); err != nil {
		return "", err
	}
	return f.Name(), nil
}

// ffmpegArgs builds the command line for one format and returns it with the
// output path.
func ffmpegArgs(list, base, format string, fps int, resolution string) ([]string, string, error) {
	var outputPath string
	args := []string{"-y", "-f", "concat", "-safe", "0", "-i", list, "-r", fmt.Sprint(fps)}

	switch format {
	case "mp4":
		outputPath = base + ".mp4"
		args = append(args,
			"-c:v", "libx264",
			"-profile:v", "high444",
			"-level", "4.0",
			"-pix_fmt", "yuvj444p",
			"-b:v", "7600k",
			"-maxrate", "8000k",
			"-bufsize", "8000k",
		)
		if resolution != "" {
			args = append(args, "-vf", videoFilter(resolution))
		}
	case "mp4-h265":
		outputPath = base + "-h265.mp4"
		args = append(args,
			"-c:v", "libx265",
			"-preset", "medium",
			"-crf", "28",
			"-pix_fmt", "yuv420p",
		)
		if resolution != "" {
			args = append(args, "-vf", videoFilter(resolution))
		}
	case "gif":
		outputPath = base + ".gif"
		args = append(args,
			"-vf", fmt.Sprintf("fps=%d,scale=480:480:force_original_aspect_ratio=decrease:flags=lanczos,pad=480:480:(ow-iw)/2:(oh-ih)/2", fps),
		)
	default:
		return nil, "", fmt.Errorf("unsupported format: %s", format)
	}
	return append(args, outputPath), outputPath, nil
}

func encodeFormat(ctx context.Context, ffmpeg, list, base, format string, fps int, resolution string, logger *slog.Logger) (Output, error) {
	args, outputPath, err := ffmpegArgs(list, base, format, fps, resolution)
	if err != nil {
		return Output{}, err
	}
	if err := backupExistingFile(outputPath); err != nil {
		logger.Warn("failed to backup existing file", "file", outputPath, "error", err)
	}

	logger.Debug("executing ffmpeg command", "format", format, "args", args)
	cmd := exec.CommandContext(ctx, ffmpeg, args...)
	if output, err := cmd.CombinedOutput(); err != nil {
		logger.Error("ffmpeg failed for format", "format", format, "error", err, "ffmpeg_output", string(output))
		return Output{}, fmt.Errorf("ffmpeg failed for %s: %w", format, err)
	}

	stat, err := os.Stat(outputPath)
	if err != nil {
		return Output{}, err
	}
	return Output{Path: outputPath, Format: format, Codec: codecForFormat(format), Size: stat.Size()}, nil
}

func videoFilter(resolution string) string {
	switch resolution {
	case "720p":
		return "scale=1280:720"
	case "480p":
		return "scale=854:480"
	case "240p":
		return "scale=426:240"
	default:
		return "scale=1920:1080"
	}
}

func codecForFormat(format string) string {
	switch format {
	case "mp4":
		return "libx264-high444"
	case "mp4-h265":
		return "libx265"
	case "gif":
		return "gif"
	default:
		return "unknown"
	}
}

// backupExistingFile moves an existing file aside with a timestamp suffix.
func backupExistingFile(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}
	return os.Rename(path, path+".backup."+time.Now().Format("20060102-150405"))
}
