package server

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"deshaker/internal/pipeline"
	"deshaker/internal/stabilize"
	"deshaker/internal/storage"
)

type funcProcessor func(ctx context.Context, job pipeline.Job) pipeline.Result

func (f funcProcessor) Process(ctx context.Context, job pipeline.Job) pipeline.Result {
	return f(ctx, job)
}

type fixture struct {
	srv   *Server
	store *storage.Store
	pipe  *pipeline.Pipeline
	http  *httptest.Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	store, err := storage.New(filepath.Join(t.TempDir(), "server.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	pipe := pipeline.NewWithProcessor(context.Background(), 1, log, store, funcProcessor(func(_ context.Context, job pipeline.Job) pipeline.Result {
		return pipeline.Result{Summary: pipeline.Summary{Frames: 3}}
	}))
	t.Cleanup(pipe.Stop)

	srv := NewServer("", store, pipe, log)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	srv.startBackground(ctx)

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &fixture{srv: srv, store: store, pipe: pipe, http: ts}
}

func (f *fixture) get(t *testing.T, path string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Get(f.http.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, body
}

func (f *fixture) post(t *testing.T, body string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Post(f.http.URL+"/jobs", "application/json", bytes.NewBufferString(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func storedSet(t *testing.T) *stabilize.ShiftSet {
	t.Helper()
	set, err := stabilize.Aggregate([]stabilize.FrameShift{
		{Index: 0, Name: "IMG_0000.jpg", Transform: stabilize.Identity(stabilize.KindAffine)},
		{Index: 1, Name: "IMG_0001.jpg", Shift: stabilize.Shift{DX: 2, DY: -1}, Transform: stabilize.NewAffine([2][3]float64{{1, 0, -2}, {0, 1, 1}})},
	}, 2, stabilize.Geometry{RefIndex: 0, Width: 64, Height: 48})
	require.NoError(t, err)
	return set
}

func TestHealth(t *testing.T) {
	f := newFixture(t)
	resp, body := f.get(t, "/healthz")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "ok", string(body))
}

func TestSubmitAndFetchJob(t *testing.T) {
	f := newFixture(t)
	results, unsub := f.pipe.Subscribe()
	defer unsub()

	resp, body := f.post(t, `{"type":"shifts","input_path":"/captures/night","options":{"model":"homography"}}`)
	require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))
	var accepted map[string]string
	require.NoError(t, json.Unmarshal(body, &accepted))
	id := accepted["id"]
	assert.True(t, strings.HasPrefix(id, "shifts-"), id)

	select {
	case res := <-results:
		require.Equal(t, id, res.Job.ID)
		assert.Equal(t, "homography", res.Job.Options.Model)
	case <-time.After(5 * time.Second):
		t.Fatal("job never finished")
	}

	resp, body = f.get(t, "/jobs/"+id)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got struct {
		Job     storage.JobRecord `json:"job"`
		Summary map[string]any    `json:"summary"`
	}
	require.NoError(t, json.Unmarshal(body, &got))
	assert.Equal(t, "completed", got.Job.Status)
	assert.Equal(t, "/captures/night", got.Job.InputPath)
	assert.Equal(t, float64(3), got.Summary["frames"])

	resp, body = f.get(t, "/jobs?limit=5")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var list []storage.JobRecord
	require.NoError(t, json.Unmarshal(body, &list))
	require.Len(t, list, 1)
	assert.Equal(t, id, list[0].ID)
}

func TestSubmitRejectsBadRequests(t *testing.T) {
	f := newFixture(t)
	cases := map[string]string{
		"not json":      `{`,
		"unknown type":  `{"type":"align","input_path":"/x"}`,
		"missing input": `{"type":"scan"}`,
		"unknown field": `{"type":"scan","input_path":"/x","colour":"red"}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			resp, _ := f.post(t, body)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		})
	}

	resp, _ := f.get(t, "/jobs?limit=zero")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestNotFound(t *testing.T) {
	f := newFixture(t)
	for _, path := range []string{"/jobs/missing", "/jobs/missing/shifts", "/jobs/missing/chart"} {
		resp, _ := f.get(t, path)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode, path)
	}
}

func TestShiftsAndChart(t *testing.T) {
	f := newFixture(t)
	crop := stabilize.CropWindow{X0: 0, X1: 61, Y0: 1, Y1: 47}
	require.NoError(t, pipeline.SaveShifts(f.store, "job-1", storedSet(t), &crop))

	resp, body := f.get(t, "/jobs/job-1/shifts")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var got struct {
		Shifts  json.RawMessage      `json:"shifts"`
		Crop    stabilize.CropWindow `json:"crop"`
		Summary struct {
			Frames int     `json:"frames"`
			MaxDX  float64 `json:"max_dx"`
		} `json:"summary"`
	}
	require.NoError(t, json.Unmarshal(body, &got))
	set, err := stabilize.ParseShiftSet(got.Shifts)
	require.NoError(t, err)
	assert.Equal(t, 2, set.Len())
	assert.Equal(t, 61, got.Crop.X1)
	assert.Equal(t, 2, got.Summary.Frames)

	resp, body = f.get(t, "/jobs/job-1/chart")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, resp.Header.Get("Content-Type"), "text/html")
	assert.Contains(t, string(body), "IMG_0001.jpg")
}

func TestWebsocketReceivesResults(t *testing.T) {
	f := newFixture(t)
	url := "ws" + strings.TrimPrefix(f.http.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return f.srv.hub.Clients() == 1 }, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, f.pipe.Submit(pipeline.Job{ID: "ws-1", Type: pipeline.JobScan, InputPath: "/x"}))

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, msg, err := conn.ReadMessage()
	require.NoError(t, err)
	var res struct {
		Job    pipeline.Job `json:"job"`
		Status string       `json:"status"`
	}
	require.NoError(t, json.Unmarshal(msg, &res))
	assert.Equal(t, "ws-1", res.Job.ID)
	assert.Equal(t, "completed", res.Status)

	conn.Close()
	require.Eventually(t, func() bool { return f.srv.hub.Clients() == 0 }, 5*time.Second, 10*time.Millisecond)
}

func TestStreamSendsEvents(t *testing.T) {
	f := newFixture(t)
	resp, err := http.Get(f.http.URL + "/stream")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// the handler flushed headers after subscribing, so the job cannot be missed
	require.NoError(t, f.pipe.Submit(pipeline.Job{ID: "sse-1", Type: pipeline.JobScan, InputPath: "/x"}))

	buf := make([]byte, 4096)
	var got strings.Builder
	deadline := time.Now().Add(5 * time.Second)
	for !strings.Contains(got.String(), "\n\n") && time.Now().Before(deadline) {
		n, err := resp.Body.Read(buf)
		got.Write(buf[:n])
		if err != nil {
			break
		}
	}
	assert.True(t, strings.HasPrefix(got.String(), "data: "), got.String())
	assert.Contains(t, got.String(), `"sse-1"`)
}
