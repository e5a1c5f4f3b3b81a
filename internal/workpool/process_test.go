package workpool

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func processOptions(workers int) Options {
	return Options{
		Mode:    ModeProcesses,
		Workers: workers,
		Process: ProcessOptions{Path: os.Args[0]},
	}
}

func TestProcessModePreservesOrder(t *testing.T) {
	items := make([]int, 20)
	for i := range items {
		items[i] = i
	}

	got, err := Run(context.Background(), processOptions(3), squareTask, items)
	require.NoError(t, err)
	for i, v := range got {
		assert.Equal(t, i*i, v)
	}
}

func TestProcessModeDecodesTypedErrors(t *testing.T) {
	items := []int{1, 2, -7, 4}

	_, err := Run(context.Background(), processOptions(2), squareTask, items)
	require.Error(t, err)

	var itemErr *ItemError
	require.True(t, errors.As(err, &itemErr))
	assert.Equal(t, 2, itemErr.Index)

	var coded *codedError
	require.True(t, errors.As(err, &coded))
	assert.Equal(t, -7, coded.Value)
}

func TestProcessModeUnknownTask(t *testing.T) {
	task := Task[int, int]{Name: "not-registered"}
	_, err := Run(context.Background(), processOptions(1), task, []int{1})
	require.Error(t, err)
	var itemErr *ItemError
	assert.True(t, errors.As(err, &itemErr))
}

func TestServeRoundTrip(t *testing.T) {
	var in bytes.Buffer
	enc := json.NewEncoder(&in)
	require.NoError(t, enc.Encode(request{Index: 4, Payload: json.RawMessage("5")}))
	require.NoError(t, enc.Encode(request{Index: 9, Payload: json.RawMessage("-1")}))

	var out bytes.Buffer
	require.NoError(t, Serve(context.Background(), "square", &in, &out))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 2)

	var first, second response
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &second))

	assert.Equal(t, 4, first.Index)
	assert.JSONEq(t, "25", string(first.Result))
	assert.Equal(t, 9, second.Index)
	assert.Equal(t, "coded", second.Code)
	assert.JSONEq(t, `{"value":-1}`, string(second.Detail))
}

func TestServeUnknownTask(t *testing.T) {
	err := Serve(context.Background(), "missing", strings.NewReader(""), &bytes.Buffer{})
	require.Error(t, err)
	assert.ErrorContains(t, err, `unknown worker task "missing"`)
	assert.ErrorContains(t, err, "square")
}
