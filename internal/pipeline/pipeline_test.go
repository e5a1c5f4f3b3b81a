package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deshaker/internal/storage"
)

type funcProcessor func(ctx context.Context, job Job) Result

func (f funcProcessor) Process(ctx context.Context, job Job) Result { return f(ctx, job) }

func waitResult(t *testing.T, ch <-chan Result) Result {
	t.Helper()
	select {
	case res := <-ch:
		return res
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for result")
		return Result{}
	}
}

func TestPipelineRecordsResults(t *testing.T) {
	store, err := storage.New(filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	proc := funcProcessor(func(_ context.Context, job Job) Result {
		if job.ID == "bad" {
			return Result{Error: errors.New("no frames")}
		}
		return Result{Summary: Summary{Frames: 7, RefIndex: 2}}
	})
	p := NewWithProcessor(context.Background(), 1, quietLogger(), store, proc)
	t.Cleanup(p.Stop)

	results, unsub := p.Subscribe()
	defer unsub()

	require.NoError(t, p.Submit(Job{ID: "good", Type: JobShifts, InputPath: "/in"}))
	res := waitResult(t, results)
	assert.Equal(t, "good", res.Job.ID, "job is filled in by the worker")
	assert.Equal(t, "completed", res.Status())

	require.NoError(t, p.Submit(Job{ID: "bad", Type: JobShifts, InputPath: "/in"}))
	res = waitResult(t, results)
	assert.Equal(t, "failed", res.Status())

	rec, err := store.Job("good")
	require.NoError(t, err)
	assert.Equal(t, "completed", rec.Status)
	assert.Equal(t, "shifts", rec.JobType)

	meta, err := store.JobMeta("good")
	require.NoError(t, err)
	assert.Equal(t, float64(7), meta["frames"])

	rec, err = store.Job("bad")
	require.NoError(t, err)
	assert.Equal(t, "failed", rec.Status)
	assert.Equal(t, "no frames", rec.Error)
}

func TestPipelineQueueFull(t *testing.T) {
	release := make(chan struct{})
	proc := funcProcessor(func(ctx context.Context, _ Job) Result {
		select {
		case <-release:
		case <-ctx.Done():
		}
		return Result{}
	})
	p := NewWithProcessor(context.Background(), 1, quietLogger(), nil, proc)
	defer p.Stop()
	defer close(release)

	// one job in flight plus a queue of two; the worker may not have
	// picked up the first job yet, so allow one extra submission
	var err error
	for range 4 {
		if err = p.Submit(Job{ID: "x", Type: JobScan}); err != nil {
			break
		}
	}
	assert.ErrorIs(t, err, ErrQueueFull)
}

func TestPipelineUnsubscribeAndStop(t *testing.T) {
	p := NewWithProcessor(context.Background(), 2, quietLogger(), nil, funcProcessor(func(context.Context, Job) Result { return Result{} }))

	first, unsub := p.Subscribe()
	second, _ := p.Subscribe()
	unsub()
	_, open := <-first
	assert.False(t, open, "unsubscribed channel is closed")

	p.Stop()
	p.Stop()
	_, open = <-second
	assert.False(t, open, "stop closes remaining subscribers")
}

func TestResultJSON(t *testing.T) {
	data, err := Result{Job: Job{ID: "j", Type: JobDeshake}, Error: errors.New("boom")}.MarshalJSON()
	require.NoError(t, err)
	assert.Contains(t, string(data), `"status":"failed"`)
	assert.Contains(t, string(data), `"error":"boom"`)

	_, err = ParseJobType("align")
	assert.Error(t, err)
	jt, err := ParseJobType("scan")
	require.NoError(t, err)
	assert.Equal(t, JobScan, jt)
}
