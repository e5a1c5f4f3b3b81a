package frames

import (
	"errors"
	"fmt"
	"iter"
	"path/filepath"
)

// Source locates one frame: either a file on disk or an encoded image held in
// memory. Sources are plain values so they can be handed to worker processes.
type Source struct {
	Path  string `json:"path,omitempty"`
	Data  []byte `json:"data,omitempty"`
	Label string `json:"label,omitempty"`
}

// Name is the file name used when writing the corrected frame.
func (s Source) Name(index int) string {
	switch {
	case s.Path != "":
		return filepath.Base(s.Path)
	case s.Label != "":
		return s.Label
	default:
		return fmt.Sprintf("frame_%05d.jpg", index)
	}
}

func (s Source) String() string {
	if s.Path != "" {
		return s.Path
	}
	if s.Label != "" {
		return s.Label
	}
	return fmt.Sprintf("<%d bytes in memory>", len(s.Data))
}

// Sequence is an immutable, ordered view over frame sources. It has no
// cursor; callers index it or range over All.
type Sequence struct {
	sources []Source
}

// ErrEmptySequence is returned when building a Sequence with no frames.
var ErrEmptySequence = errors.New("sequence has no frames")

// NewSequence copies sources into a new Sequence.
func NewSequence(sources []Source) (Sequence, error) {
	if len(sources) == 0 {
		return Sequence{}, ErrEmptySequence
	}
	for i, s := range sources {
		if s.Path == "" && len(s.Data) == 0 {
			return Sequence{}, fmt.Errorf("frame %d: source has neither path nor data", i)
		}
	}
	return Sequence{sources: append([]Source(nil), sources...)}, nil
}

// FromPaths builds a Sequence of on-disk frames in the given order.
func FromPaths(paths []string) (Sequence, error) {
	sources := make([]Source, len(paths))
	for i, p := range paths {
		sources[i] = Source{Path: p}
	}
	return NewSequence(sources)
}

// Len returns the number of frames.
func (s Sequence) Len() int { return len(s.sources) }

// At returns the source of frame i.
func (s Sequence) At(i int) Source { return s.sources[i] }

// InRange reports whether i is a valid frame index.
func (s Sequence) InRange(i int) bool { return i >= 0 && i < len(s.sources) }

// All yields index/source pairs in order.
func (s Sequence) All() iter.Seq2[int, Source] {
	return func(yield func(int, Source) bool) {
		for i, src := range s.sources {
			if !yield(i, src) {
				return
			}
		}
	}
}

// Paths returns the on-disk paths, empty for in-memory frames.
func (s Sequence) Paths() []string {
	out := make([]string, len(s.sources))
	for i, src := range s.sources {
		out[i] = src.Path
	}
	return out
}
