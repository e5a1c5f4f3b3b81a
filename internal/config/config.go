package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const (
	defaultConfigPath = "~/.config/deshaker/config.json"
	defaultWorkers    = 4
)

// Config holds user-editable settings for the pipeline.
type Config struct {
	Processing Processing      `json:"processing"`
	Logging    Logging         `json:"logging"`
	Paths      Paths           `json:"paths"`
	Stabilize  StabilizeConfig `json:"stabilize"`
	Output     OutputConfig    `json:"output"`
	Server     ServerConfig    `json:"server"`
	Watch      WatchConfig     `json:"watch"`
}

// Processing captures execution preferences for the job queue.
type Processing struct {
	ParallelJobs int    `json:"parallel_jobs"`
	TempDir      string `json:"temp_dir"`
}

// Logging controls logging verbosity and destinations.
type Logging struct {
	Level      string `json:"level"`       // debug, info, warn, error
	Format     string `json:"format"`      // text, json
	FileOutput bool   `json:"file_output"` // Enable file logging
	LogDir     string `json:"log_dir"`     // Directory for log files
}

// Paths configures default input/output locations.
type Paths struct {
	DefaultInput  string `json:"default_input"`
	DefaultOutput string `json:"default_output"`
	DatabasePath  string `json:"database_path"`
}

// StabilizeConfig holds the motion estimation defaults.
type StabilizeConfig struct {
	ReferenceIndex     int               `json:"reference_index"`
	Model              string            `json:"model"` // "partial-affine", "homography"
	MinCorrespondences int               `json:"min_correspondences"`
	FilePattern        string            `json:"file_pattern"`
	Features           FeatureConfig     `json:"features"`
	Flow               FlowConfig        `json:"flow"`
	Concurrency        ConcurrencyConfig `json:"concurrency"`
}

// FeatureConfig mirrors the corner detector knobs.
type FeatureConfig struct {
	MaxCorners   int     `json:"max_corners"`
	QualityLevel float64 `json:"quality_level"`
	MinDistance  float64 `json:"min_distance"`
	BlockSize    int     `json:"block_size"`
}

// FlowConfig mirrors the pyramidal Lucas-Kanade knobs.
type FlowConfig struct {
	WinSize  int     `json:"win_size"`
	MaxLevel int     `json:"max_level"`
	MaxIter  int     `json:"max_iter"`
	Epsilon  float64 `json:"epsilon"`
}

// ConcurrencyConfig selects how per-frame work is spread.
type ConcurrencyConfig struct {
	Mode    string `json:"mode"` // "auto", "threads", "processes"
	Workers int    `json:"workers"`
}

// OutputConfig controls what a deshake run writes besides the frames.
type OutputConfig struct {
	JPEGQuality int         `json:"jpeg_quality"`
	ShiftPlot   bool        `json:"shift_plot"`
	Video       VideoConfig `json:"video"`
}

// VideoConfig controls preview/timelapse encoding.
type VideoConfig struct {
	Enabled bool     `json:"enabled"`
	Tool    string   `json:"tool"` // "opencv", "ffmpeg"
	FPS     int      `json:"fps"`
	Codec   string   `json:"codec"`   // fourcc for opencv
	Formats []string `json:"formats"` // ffmpeg formats: mp4, mp4-h265, gif
}

// ServerConfig holds listen addresses for `deshaker serve`.
type ServerConfig struct {
	Addr     string `json:"addr"`
	GRPCAddr string `json:"grpc_addr"`
}

// WatchConfig controls the capture directory watcher.
type WatchConfig struct {
	SettleSeconds int `json:"settle_seconds"`
}

// Load reads configuration from disk, falling back to sensible defaults.
func Load() (*Config, error) {
	cfg := Default()

	configPath := os.Getenv("DESHAKER_CONFIG")
	if configPath == "" {
		configPath = defaultConfigPath
	}

	expanded, err := expandUser(configPath)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(expanded)
	if errors.Is(err, os.ErrNotExist) {
		return cfg, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	if err := dec.Decode(cfg); err != nil {
		return nil, fmt.Errorf("decode %s: %w", expanded, err)
	}

	return cfg, nil
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Processing: Processing{
			ParallelJobs: 1,
			TempDir:      os.TempDir(),
		},
		Logging: Logging{
			Level:      "info",
			Format:     "text",
			FileOutput: true,
			LogDir:     "./logs",
		},
		Paths: Paths{
			DefaultInput:  ".",
			DefaultOutput: "./deshaked",
			DatabasePath:  filepath.Join(os.TempDir(), "deshaker.db"),
		},
		Stabilize: StabilizeConfig{
			ReferenceIndex:     0,
			Model:              "partial-affine",
			MinCorrespondences: 3,
			FilePattern:        "*",
			Features:           FeatureConfig{MaxCorners: 100, QualityLevel: 0.3, MinDistance: 7, BlockSize: 7},
			Flow:               FlowConfig{WinSize: 15, MaxLevel: 2, MaxIter: 10, Epsilon: 0.03},
			Concurrency:        ConcurrencyConfig{Mode: "auto", Workers: defaultWorkers},
		},
		Output: OutputConfig{
			JPEGQuality: 95,
			ShiftPlot:   true,
			Video: VideoConfig{
				Enabled: false,
				Tool:    "opencv",
				FPS:     24,
				Codec:   "MJPG",
				Formats: []string{"mp4"},
			},
		},
		Server: ServerConfig{
			Addr:     ":8080",
			GRPCAddr: "",
		},
		Watch: WatchConfig{
			SettleSeconds: 10,
		},
	}
}

// Validate reports the first setting that is out of range.
func (c *Config) Validate() error {
	s := c.Stabilize
	switch {
	case s.ReferenceIndex < 0:
		return fmt.Errorf("stabilize.reference_index must be >= 0, got %d", s.ReferenceIndex)
	case s.MinCorrespondences < 3:
		return fmt.Errorf("stabilize.min_correspondences must be >= 3, got %d", s.MinCorrespondences)
	case s.Features.MaxCorners < 1:
		return fmt.Errorf("stabilize.features.max_corners must be positive")
	case s.Features.QualityLevel <= 0 || s.Features.QualityLevel >= 1:
		return fmt.Errorf("stabilize.features.quality_level must be in (0,1), got %g", s.Features.QualityLevel)
	case s.Features.MinDistance < 0:
		return fmt.Errorf("stabilize.features.min_distance must be >= 0")
	case s.Features.BlockSize < 1:
		return fmt.Errorf("stabilize.features.block_size must be positive")
	case s.Flow.WinSize < 3:
		return fmt.Errorf("stabilize.flow.win_size must be >= 3, got %d", s.Flow.WinSize)
	case s.Flow.MaxLevel < 0:
		return fmt.Errorf("stabilize.flow.max_level must be >= 0")
	case s.Flow.MaxIter < 1 && s.Flow.Epsilon <= 0:
		return fmt.Errorf("stabilize.flow needs max_iter or epsilon")
	case s.Concurrency.Workers < 1:
		return fmt.Errorf("stabilize.concurrency.workers must be positive, got %d", s.Concurrency.Workers)
	}

	switch strings.ToLower(s.Model) {
	case "partial-affine", "homography":
	default:
		return fmt.Errorf("unknown stabilize.model %q", s.Model)
	}
	switch strings.ToLower(s.Concurrency.Mode) {
	case "auto", "threads", "processes":
	default:
		return fmt.Errorf("unknown stabilize.concurrency.mode %q", s.Concurrency.Mode)
	}

	v := c.Output.Video
	switch strings.ToLower(v.Tool) {
	case "opencv", "ffmpeg":
	default:
		return fmt.Errorf("unknown output.video.tool %q", v.Tool)
	}
	if v.FPS < 1 {
		return fmt.Errorf("output.video.fps must be positive, got %d", v.FPS)
	}
	if q := c.Output.JPEGQuality; q < 1 || q > 100 {
		return fmt.Errorf("output.jpeg_quality must be in [1,100], got %d", q)
	}
	if c.Processing.ParallelJobs < 1 {
		return fmt.Errorf("processing.parallel_jobs must be positive")
	}
	return nil
}

// DatabasePath returns the configured database path with ~ expanded.
func (c *Config) DatabasePath() (string, error) {
	return expandUser(c.Paths.DatabasePath)
}

func expandUser(path string) (string, error) {
	if path == "" || path[0] != '~' {
		return path, nil
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}

	if path == "~" {
		return home, nil
	}

	return filepath.Join(home, path[2:]), nil
}
