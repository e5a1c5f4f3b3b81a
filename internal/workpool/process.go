package workpool

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sort"
	"strings"
	"sync"
)

// EnvWorkerTask names the registered task a child process should serve.
// The parent sets it; main checks it before doing anything else.
const EnvWorkerTask = "DESHAKER_WORKER_TASK"

// ProcessOptions describes how child workers are started.
type ProcessOptions struct {
	Path   string   // executable, defaults to the running binary
	Args   []string // extra arguments
	Env    []string // extra KEY=VALUE pairs
	Stderr io.Writer
}

// Coder is implemented by errors that keep their type across the process
// boundary. The error value itself is sent as JSON detail.
type Coder interface {
	Code() string
}

// RemoteError is a child failure no DecodeError recognised.
type RemoteError struct {
	Task    string
	Code    string
	Message string
}

func (e *RemoteError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("worker %s: %s (%s)", e.Task, e.Message, e.Code)
	}
	return fmt.Sprintf("worker %s: %s", e.Task, e.Message)
}

type child[In, Out any] struct {
	task  Task[In, Out]
	cmd   *exec.Cmd
	stdin io.WriteCloser
	enc   *json.Encoder
	dec   *json.Decoder
}

func startChild[In, Out any](ctx context.Context, popts ProcessOptions, task Task[In, Out]) (*child[In, Out], error) {
	if task.Name == "" {
		return nil, errors.New("process workers need a task name")
	}
	path := popts.Path
	if path == "" {
		self, err := os.Executable()
		if err != nil {
			return nil, err
		}
		path = self
	}

	cmd := exec.CommandContext(ctx, path, popts.Args...)
	cmd.Env = append(append(os.Environ(), popts.Env...), EnvWorkerTask+"="+task.Name)
	cmd.Stderr = popts.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, err
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	return &child[In, Out]{
		task:  task,
		cmd:   cmd,
		stdin: stdin,
		enc:   json.NewEncoder(stdin),
		dec:   json.NewDecoder(bufio.NewReader(stdout)),
	}, nil
}

func (c *child[In, Out]) Do(ctx context.Context, index int, in In) (Out, error) {
	var zero Out
	payload, err := json.Marshal(in)
	if err != nil {
		return zero, fmt.Errorf("encode item: %w", err)
	}
	if err := c.enc.Encode(request{Index: index, Payload: payload}); err != nil {
		return zero, fmt.Errorf("send to worker: %w", err)
	}

	var resp response
	if err := c.dec.Decode(&resp); err != nil {
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}
		return zero, fmt.Errorf("worker %s exited: %w", c.task.Name, err)
	}
	if resp.Index != index {
		return zero, fmt.Errorf("worker %s answered item %d, expected %d", c.task.Name, resp.Index, index)
	}
	if resp.Error != "" {
		return zero, c.remoteError(resp)
	}

	var out Out
	if err := json.Unmarshal(resp.Result, &out); err != nil {
		return zero, fmt.Errorf("decode result: %w", err)
	}
	return out, nil
}

func (c *child[In, Out]) remoteError(resp response) error {
	if c.task.DecodeError != nil && resp.Code != "" {
		if err := c.task.DecodeError(resp.Code, resp.Detail, resp.Error); err != nil {
			return err
		}
	}
	return &RemoteError{Task: c.task.Name, Code: resp.Code, Message: resp.Error}
}

// Close ends the child's input and waits for it. A child killed because the
// run was cancelled reports that as an error, which Run discards in favour of
// the first failure.
func (c *child[In, Out]) Close() error {
	c.stdin.Close()
	return c.cmd.Wait()
}

type handler func(ctx context.Context, payload json.RawMessage) (any, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]handler{}
)

// Register makes task available to child workers under task.Name.
func Register[In, Out any](task Task[In, Out]) {
	if task.Name == "" || task.Fn == nil {
		panic("workpool: Register needs a name and a function")
	}
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[task.Name] = func(ctx context.Context, payload json.RawMessage) (any, error) {
		var in In
		if err := json.Unmarshal(payload, &in); err != nil {
			return nil, fmt.Errorf("decode payload: %w", err)
		}
		return task.Fn(ctx, in)
	}
}

// registered lists task names known to this process.
func registered() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// WorkerTask returns the task name when this process was started as a worker.
func WorkerTask() (string, bool) {
	name := os.Getenv(EnvWorkerTask)
	return name, name != ""
}

// Serve answers requests for the named task, one JSON line in and one out,
// until r is exhausted.
func Serve(ctx context.Context, name string, r io.Reader, w io.Writer) error {
	registryMu.RLock()
	h, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return fmt.Errorf("unknown worker task %q (registered: %s)", name, strings.Join(registered(), ", "))
	}

	dec := json.NewDecoder(bufio.NewReader(r))
	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)
	for {
		var req request
		if err := dec.Decode(&req); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("read request: %w", err)
		}

		resp := response{Index: req.Index}
		out, err := h(ctx, req.Payload)
		if err == nil {
			resp.Result, err = json.Marshal(out)
		}
		if err != nil {
			resp.Error = err.Error()
			var coder Coder
			if errors.As(err, &coder) {
				resp.Code = coder.Code()
				resp.Detail, _ = json.Marshal(coder)
			}
		}

		if err := enc.Encode(resp); err != nil {
			return fmt.Errorf("write response: %w", err)
		}
		if err := bw.Flush(); err != nil {
			return fmt.Errorf("write response: %w", err)
		}
	}
}
