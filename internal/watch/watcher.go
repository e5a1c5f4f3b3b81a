// Package watch detects capture directories that have stopped receiving
// frames.
package watch

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"time"

	"github.com/fsnotify/fsnotify"

	"deshaker/internal/fsutil"
)

// Batch is a set of frames that arrived in Dir and then went quiet for the
// settle period.
type Batch struct {
	Dir     string    `json:"dir"`
	Files   []string  `json:"files"`
	Settled time.Time `json:"settled"`
}

type pending struct {
	files map[string]struct{}
	last  time.Time
}

// SequenceWatcher turns file events in the watched directories into
// settled batches.
type SequenceWatcher struct {
	watcher *fsnotify.Watcher
	dirs    []string
	settle  time.Duration
	log     *slog.Logger
	batches chan Batch
	pending map[string]*pending
	now     func() time.Time
}

// New creates a watcher over dirs. Batches are emitted once a directory has
// had no image file events for settle.
func New(dirs []string, settle time.Duration, log *slog.Logger) (*SequenceWatcher, error) {
	if len(dirs) == 0 {
		return nil, fmt.Errorf("no directories to watch")
	}
	if settle <= 0 {
		return nil, fmt.Errorf("settle period must be positive, got %s", settle)
	}
	if log == nil {
		log = slog.Default()
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &SequenceWatcher{
		watcher: w,
		dirs:    dirs,
		settle:  settle,
		log:     log,
		batches: make(chan Batch, 8),
		pending: make(map[string]*pending),
		now:     time.Now,
	}, nil
}

// Batches delivers settled batches. It is closed when Run returns.
func (sw *SequenceWatcher) Batches() <-chan Batch { return sw.batches }

// Run watches until ctx is cancelled or the watcher fails to start.
func (sw *SequenceWatcher) Run(ctx context.Context) error {
	defer close(sw.batches)
	defer sw.watcher.Close()

	for _, dir := range sw.dirs {
		if err := sw.watcher.Add(dir); err != nil {
			return fmt.Errorf("watch %s: %w", dir, err)
		}
		sw.log.Info("watching directory", "dir", dir, "settle", sw.settle)
	}

	tick := max(sw.settle/4, 20*time.Millisecond)
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-sw.watcher.Events:
			if !ok {
				return nil
			}
			sw.handle(event)

		case err, ok := <-sw.watcher.Errors:
			if !ok {
				return nil
			}
			sw.log.Warn("filesystem watcher error", "error", err)

		case <-ticker.C:
			for _, b := range sw.settled() {
				select {
				case sw.batches <- b:
				case <-ctx.Done():
					return nil
				}
			}
		}
	}
}

func (sw *SequenceWatcher) handle(event fsnotify.Event) {
	if !fsutil.IsImageFile(event.Name) {
		return
	}
	dir := filepath.Dir(event.Name)
	p := sw.pending[dir]
	switch {
	case event.Has(fsnotify.Create), event.Has(fsnotify.Write):
		if p == nil {
			p = &pending{files: make(map[string]struct{})}
			sw.pending[dir] = p
		}
		p.files[event.Name] = struct{}{}
		p.last = sw.now()
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		if p != nil {
			delete(p.files, event.Name)
			p.last = sw.now()
		}
	}
}

// settled removes and returns the directories that have been quiet long
// enough.
func (sw *SequenceWatcher) settled() []Batch {
	now := sw.now()
	var out []Batch
	for dir, p := range sw.pending {
		if now.Sub(p.last) < sw.settle {
			continue
		}
		delete(sw.pending, dir)
		if len(p.files) == 0 {
			continue
		}
		files := make([]string, 0, len(p.files))
		for f := range p.files {
			files = append(files, f)
		}
		sort.Strings(files)
		sw.log.Info("capture settled", "dir", dir, "files", len(files))
		out = append(out, Batch{Dir: dir, Files: files, Settled: now})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Dir < out[j].Dir })
	return out
}
