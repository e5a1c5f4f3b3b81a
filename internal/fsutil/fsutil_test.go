package fsutil

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func touch(t *testing.T, dir string, names ...string) {
	t.Helper()
	for _, n := range names {
		require.NoError(t, os.WriteFile(filepath.Join(dir, n), []byte("x"), 0o644))
	}
}

func TestFindSequenceSortsAndFilters(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir, "IMG_0003.jpg", "IMG_0001.jpg", "IMG_0002.jpg", "notes.txt", "thumb_0001.jpg")
	require.NoError(t, os.Mkdir(filepath.Join(dir, "sub.jpg"), 0o755))

	got, err := FindSequence(dir, "IMG_*")
	require.NoError(t, err)

	want := []string{
		filepath.Join(dir, "IMG_0001.jpg"),
		filepath.Join(dir, "IMG_0002.jpg"),
		filepath.Join(dir, "IMG_0003.jpg"),
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("sequence mismatch (-want +got):\n%s", diff)
	}
}

func TestFindSequenceRejectsMixedTypes(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir, "a.jpg", "b.png")

	_, err := FindSequence(dir, "")
	var mixed *MixedExtensionsError
	require.True(t, errors.As(err, &mixed), "got %v", err)
	assert.Equal(t, []string{".jpg", ".png"}, mixed.Extensions)
}

func TestFindSequenceEmpty(t *testing.T) {
	dir := t.TempDir()
	touch(t, dir, "readme.md")

	_, err := FindSequence(dir, "*")
	assert.ErrorIs(t, err, ErrNoImages)
}

func TestFindSequenceBadPattern(t *testing.T) {
	_, err := FindSequence(t.TempDir(), "[")
	assert.Error(t, err)
}

func TestListImagesRecursive(t *testing.T) {
	dir := t.TempDir()
	sub := filepath.Join(dir, "night")
	require.NoError(t, os.Mkdir(sub, 0o755))
	touch(t, dir, "b.JPG", "a.txt")
	touch(t, sub, "c.nef")

	got, err := ListImages(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(dir, "b.JPG"), filepath.Join(sub, "c.nef")}, got)
}

func TestImageDirs(t *testing.T) {
	dir := t.TempDir()
	night := filepath.Join(dir, "2025-08-11", "night")
	dawn := filepath.Join(dir, "2025-08-12", "dawn")
	empty := filepath.Join(dir, "notes")
	for _, d := range []string{night, dawn, empty} {
		require.NoError(t, os.MkdirAll(d, 0o755))
	}
	touch(t, night, "IMG_0001.jpg", "IMG_0002.jpg")
	touch(t, dawn, "IMG_0100.cr2")
	touch(t, empty, "readme.txt")

	got, err := ImageDirs(dir, night)
	require.NoError(t, err)
	assert.Equal(t, []string{night, dawn}, got)

	_, err = ImageDirs(filepath.Join(dir, "missing"))
	assert.Error(t, err)
}

func TestSeparateRAWAndProcessed(t *testing.T) {
	raw, processed := SeparateRAWAndProcessed([]string{"a.NEF", "b.jpg", "c.txt", "d.dng"})
	assert.Equal(t, []string{"a.NEF", "d.dng"}, raw)
	assert.Equal(t, []string{"b.jpg"}, processed)
}

func TestWorkersForBudget(t *testing.T) {
	const mb = 1024 * 1024
	// 24MB frames need ~97MB per worker
	assert.Equal(t, 4, workersForBudget(16000, 24*mb, 4, nil))
	assert.Equal(t, 2, workersForBudget(512+200, 24*mb, 4, nil))
	assert.Equal(t, 1, workersForBudget(100, 24*mb, 4, nil))
	assert.Equal(t, 3, workersForBudget(100, 0, 3, nil))
	assert.Equal(t, 1, workersForBudget(16000, 24*mb, 0, nil))
}
