package stabilize

import (
	"fmt"
	"strings"

	"deshaker/internal/config"
)

// Model selects the transform family fitted to the correspondences.
type Model string

const (
	ModelPartialAffine Model = "partial-affine"
	ModelHomography    Model = "homography"
)

// FeatureParams configures corner detection on the reference frame.
type FeatureParams struct {
	MaxCorners   int     `json:"max_corners"`
	QualityLevel float64 `json:"quality_level"`
	MinDistance  float64 `json:"min_distance"`
	BlockSize    int     `json:"block_size"`
}

// FlowParams configures pyramidal Lucas-Kanade tracking.
type FlowParams struct {
	WinSize  int     `json:"win_size"`
	MaxLevel int     `json:"max_level"`
	MaxIter  int     `json:"max_iter"`
	Epsilon  float64 `json:"epsilon"`
}

// Params is an immutable set of estimation settings. Use With to derive a
// modified copy.
type Params struct {
	Features           FeatureParams `json:"features"`
	Flow               FlowParams    `json:"flow"`
	Model              Model         `json:"model"`
	MinCorrespondences int           `json:"min_correspondences"`
}

// DefaultParams returns the stock settings.
func DefaultParams() Params {
	return Params{
		Features:           FeatureParams{MaxCorners: 100, QualityLevel: 0.3, MinDistance: 7, BlockSize: 7},
		Flow:               FlowParams{WinSize: 15, MaxLevel: 2, MaxIter: 10, Epsilon: 0.03},
		Model:              ModelPartialAffine,
		MinCorrespondences: 3,
	}
}

// ParamsFromConfig maps the stabilize section of the config file.
func ParamsFromConfig(c config.StabilizeConfig) Params {
	return Params{
		Features: FeatureParams{
			MaxCorners:   c.Features.MaxCorners,
			QualityLevel: c.Features.QualityLevel,
			MinDistance:  c.Features.MinDistance,
			BlockSize:    c.Features.BlockSize,
		},
		Flow: FlowParams{
			WinSize:  c.Flow.WinSize,
			MaxLevel: c.Flow.MaxLevel,
			MaxIter:  c.Flow.MaxIter,
			Epsilon:  c.Flow.Epsilon,
		},
		Model:              Model(strings.ToLower(c.Model)),
		MinCorrespondences: c.MinCorrespondences,
	}
}

// Option changes one setting of a Params copy.
type Option func(*Params)

// With returns a copy of p with opts applied. p itself is never modified.
func (p Params) With(opts ...Option) Params {
	next := p
	for _, opt := range opts {
		opt(&next)
	}
	return next
}

func WithMaxCorners(n int) Option         { return func(p *Params) { p.Features.MaxCorners = n } }
func WithQualityLevel(q float64) Option   { return func(p *Params) { p.Features.QualityLevel = q } }
func WithMinDistance(d float64) Option    { return func(p *Params) { p.Features.MinDistance = d } }
func WithBlockSize(n int) Option          { return func(p *Params) { p.Features.BlockSize = n } }
func WithWinSize(n int) Option            { return func(p *Params) { p.Flow.WinSize = n } }
func WithMaxLevel(n int) Option           { return func(p *Params) { p.Flow.MaxLevel = n } }
func WithMaxIter(n int) Option            { return func(p *Params) { p.Flow.MaxIter = n } }
func WithEpsilon(eps float64) Option      { return func(p *Params) { p.Flow.Epsilon = eps } }
func WithModel(m Model) Option            { return func(p *Params) { p.Model = m } }
func WithMinCorrespondences(n int) Option { return func(p *Params) { p.MinCorrespondences = n } }

// Validate checks ranges the vision library would otherwise reject late.
func (p Params) Validate() error {
	switch {
	case p.Features.MaxCorners < 1:
		return fmt.Errorf("max corners must be positive, got %d", p.Features.MaxCorners)
	case p.Features.QualityLevel <= 0 || p.Features.QualityLevel >= 1:
		return fmt.Errorf("quality level must be in (0,1), got %g", p.Features.QualityLevel)
	case p.Features.MinDistance < 0:
		return fmt.Errorf("min distance must be >= 0, got %g", p.Features.MinDistance)
	case p.Features.BlockSize < 1:
		return fmt.Errorf("block size must be positive, got %d", p.Features.BlockSize)
	case p.Flow.WinSize < 3:
		return fmt.Errorf("flow window must be >= 3, got %d", p.Flow.WinSize)
	case p.Flow.MaxLevel < 0:
		return fmt.Errorf("pyramid level must be >= 0, got %d", p.Flow.MaxLevel)
	case p.Flow.MaxIter < 1 && p.Flow.Epsilon <= 0:
		return fmt.Errorf("flow needs an iteration count or an epsilon")
	case p.MinCorrespondences < 3:
		return fmt.Errorf("at least 3 correspondences are required, got %d", p.MinCorrespondences)
	}
	switch p.Model {
	case ModelPartialAffine, ModelHomography:
	default:
		return fmt.Errorf("unknown model %q", p.Model)
	}
	return nil
}

// requiredMatches is the correspondence floor for the chosen model; a
// homography has eight degrees of freedom and needs four pairs.
func (p Params) requiredMatches() int {
	if p.Model == ModelHomography {
		return max(p.MinCorrespondences, 4)
	}
	return p.MinCorrespondences
}
