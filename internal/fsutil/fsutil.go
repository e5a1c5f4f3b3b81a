package fsutil

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

var imageExts = map[string]struct{}{
	".jpg":  {},
	".jpeg": {},
	".png":  {},
	".bmp":  {},
	".tif":  {},
	".tiff": {},
	".webp": {},
	".dng":  {},
	".nef":  {},
	".cr2":  {},
	".cr3":  {},
	".arw":  {},
	".rw2":  {},
	".orf":  {},
	".pef":  {},
	".raf":  {},
	".srw":  {},
	".x3f":  {},
}

var rawExts = map[string]struct{}{
	".dng": {},
	".nef": {},
	".cr2": {},
	".cr3": {},
	".arw": {},
	".rw2": {},
	".orf": {},
	".pef": {},
	".raf": {},
	".srw": {},
	".x3f": {},
}

// ErrNoImages is returned when a directory holds no matching image files.
var ErrNoImages = errors.New("no image files found")

// MixedExtensionsError reports a sequence whose files do not share one type.
type MixedExtensionsError struct {
	Dir        string
	Extensions []string
}

func (e *MixedExtensionsError) Error() string {
	return fmt.Sprintf("%s: frames must share one file type, found %s", e.Dir, strings.Join(e.Extensions, ", "))
}

// ListImages returns all image-like files under root, recursively, sorted.
func ListImages(root string) ([]string, error) {
	var files []string
	err := filepath.WalkDir(root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		if IsImageFile(d.Name()) {
			files = append(files, path)
		}
		return nil
	})
	sort.Strings(files)
	return files, err
}

// ImageDirs returns every directory under the roots, roots included, that
// directly holds at least one image file. Sorted, without duplicates.
func ImageDirs(roots ...string) ([]string, error) {
	seen := map[string]struct{}{}
	for _, root := range roots {
		files, err := ListImages(root)
		if err != nil {
			return nil, err
		}
		for _, f := range files {
			seen[filepath.Dir(f)] = struct{}{}
		}
	}
	dirs := make([]string, 0, len(seen))
	for d := range seen {
		dirs = append(dirs, d)
	}
	sort.Strings(dirs)
	return dirs, nil
}

// FindSequence lists the image files directly inside dir whose base name
// matches pattern (filepath.Match syntax, "" or "*" for all), sorted by name.
// All frames of a timelapse must share one extension.
func FindSequence(dir, pattern string) ([]string, error) {
	if pattern == "" {
		pattern = "*"
	}
	if _, err := filepath.Match(pattern, ""); err != nil {
		return nil, fmt.Errorf("bad file pattern %q: %w", pattern, err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}

	var files []string
	exts := map[string]struct{}{}
	for _, e := range entries {
		if e.IsDir() || !IsImageFile(e.Name()) {
			continue
		}
		if ok, _ := filepath.Match(pattern, e.Name()); !ok {
			continue
		}
		files = append(files, filepath.Join(dir, e.Name()))
		exts[strings.ToLower(filepath.Ext(e.Name()))] = struct{}{}
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%s: %w", dir, ErrNoImages)
	}
	if len(exts) > 1 {
		found := make([]string, 0, len(exts))
		for ext := range exts {
			found = append(found, ext)
		}
		sort.Strings(found)
		return nil, &MixedExtensionsError{Dir: dir, Extensions: found}
	}

	sort.Strings(files)
	return files, nil
}

// IsRAWFile checks if a file is a RAW camera format.
func IsRAWFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	_, isRaw := rawExts[ext]
	return isRaw
}

// IsImageFile checks if a file is any supported image format.
func IsImageFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	_, isImage := imageExts[ext]
	return isImage
}

// SeparateRAWAndProcessed separates RAW files from processed images.
func SeparateRAWAndProcessed(files []string) (rawFiles, processedFiles []string) {
	for _, file := range files {
		if IsRAWFile(file) {
			rawFiles = append(rawFiles, file)
		} else if IsImageFile(file) {
			processedFiles = append(processedFiles, file)
		}
	}
	return rawFiles, processedFiles
}
