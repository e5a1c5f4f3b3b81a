// Package workpool runs one task over many items with a fixed number of
// workers, either as goroutines or as child processes of the current binary.
// Results come back in input order and the first failure cancels the rest.
package workpool

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"golang.org/x/sync/errgroup"
)

// DefaultWorkers is the pool size used when Options.Workers is unset.
const DefaultWorkers = 4

// Mode selects how workers are isolated.
type Mode string

const (
	// ModeThreads runs workers as goroutines sharing the caller's memory.
	ModeThreads Mode = "threads"
	// ModeProcesses runs every worker in its own child process.
	ModeProcesses Mode = "processes"
)

// ParseMode accepts "threads" or "processes" (case-insensitive).
func ParseMode(s string) (Mode, error) {
	switch Mode(strings.ToLower(s)) {
	case ModeThreads:
		return ModeThreads, nil
	case ModeProcesses:
		return ModeProcesses, nil
	default:
		return "", fmt.Errorf("unknown concurrency mode %q", s)
	}
}

// Options configures a Run.
type Options struct {
	Mode    Mode
	Workers int
	Process ProcessOptions
	// OnItemDone is called from worker goroutines after each successful item.
	OnItemDone func()
}

func (o Options) workers(items int) int {
	n := o.Workers
	if n < 1 {
		n = DefaultWorkers
	}
	return max(1, min(n, items))
}

// Task is a named unit of work. Fn runs in-process for ModeThreads. For
// ModeProcesses the child looks Name up in its registry, so the task must
// be registered in both processes and In/Out must round-trip through JSON.
type Task[In, Out any] struct {
	Name string
	Fn   func(ctx context.Context, in In) (Out, error)
	// DecodeError rebuilds a typed error from a child's reply: the Coder's
	// code, its JSON encoding and the error text. Optional.
	DecodeError func(code string, detail json.RawMessage, message string) error
}

// ItemError wraps the first failure with the index of the item that caused it.
type ItemError struct {
	Index int
	Err   error
}

func (e *ItemError) Error() string {
	return fmt.Sprintf("item %d: %v", e.Index, e.Err)
}

func (e *ItemError) Unwrap() error { return e.Err }

// executor runs items for one worker. Close must release everything it holds.
type executor[In, Out any] interface {
	Do(ctx context.Context, index int, in In) (Out, error)
	Close() error
}

type inProcess[In, Out any] struct {
	task Task[In, Out]
}

func (e inProcess[In, Out]) Do(ctx context.Context, _ int, in In) (Out, error) {
	return e.task.Fn(ctx, in)
}

func (inProcess[In, Out]) Close() error { return nil }

// Run applies task to every item and returns the outputs in input order.
// On failure no partial results are returned and the error is an *ItemError
// unless the context was cancelled first.
func Run[In, Out any](ctx context.Context, opts Options, task Task[In, Out], items []In) ([]Out, error) {
	results := make([]Out, len(items))
	if len(items) == 0 {
		return results, nil
	}
	if opts.Mode == "" {
		opts.Mode = ModeThreads
	}
	if opts.Mode == ModeThreads && task.Fn == nil {
		return nil, fmt.Errorf("task %q has no function", task.Name)
	}

	g, gctx := errgroup.WithContext(ctx)
	indices := make(chan int)

	g.Go(func() error {
		defer close(indices)
		for i := range items {
			select {
			case indices <- i:
			case <-gctx.Done():
				return gctx.Err()
			}
		}
		return nil
	})

	for w := 0; w < opts.workers(len(items)); w++ {
		g.Go(func() (err error) {
			exec, err := newExecutor(gctx, opts, task)
			if err != nil {
				return fmt.Errorf("start worker %d: %w", w, err)
			}
			defer func() {
				if cerr := exec.Close(); cerr != nil && err == nil {
					err = fmt.Errorf("stop worker %d: %w", w, cerr)
				}
			}()

			for i := range indices {
				if gctx.Err() != nil {
					return gctx.Err()
				}
				out, err := exec.Do(gctx, i, items[i])
				if err != nil {
					return &ItemError{Index: i, Err: err}
				}
				results[i] = out
				if opts.OnItemDone != nil {
					opts.OnItemDone()
				}
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

func newExecutor[In, Out any](ctx context.Context, opts Options, task Task[In, Out]) (executor[In, Out], error) {
	switch opts.Mode {
	case ModeThreads:
		return inProcess[In, Out]{task: task}, nil
	case ModeProcesses:
		return startChild[In, Out](ctx, opts.Process, task)
	default:
		return nil, fmt.Errorf("unknown concurrency mode %q", opts.Mode)
	}
}

// Map is Run over a plain function in ModeThreads.
func Map[In, Out any](ctx context.Context, workers int, items []In, fn func(context.Context, In) (Out, error)) ([]Out, error) {
	return Run(ctx, Options{Mode: ModeThreads, Workers: workers}, Task[In, Out]{Name: "map", Fn: fn}, items)
}

// request/response are the JSON lines exchanged with child workers.
type request struct {
	Index   int             `json:"index"`
	Payload json.RawMessage `json:"payload"`
}

type response struct {
	Index  int             `json:"index"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  string          `json:"error,omitempty"`
	Code   string          `json:"code,omitempty"`
	Detail json.RawMessage `json:"detail,omitempty"`
}
