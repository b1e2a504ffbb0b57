// Package capture loads still frames for enrollment and recognition. Frames
// come from explicit image paths, from a student's training directory, or
// from memory.
package capture

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png" // register PNG decoding
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Frame is one still image ready for detection. Err is set when the image
// could not be read or decoded; such frames are skipped, not fatal.
type Frame struct {
	Name  string
	Image image.Image
	Err   error
}

// Source yields the frames of one enrollment set.
type Source interface {
	Frames() ([]Frame, error)
	String() string
}

// ErrNoImages is returned when a source has nothing to offer.
var ErrNoImages = errors.New("no training images found")

// imageExts are the extensions picked up from training directories.
var imageExts = map[string]bool{".jpg": true, ".jpeg": true, ".png": true}

// Decode reads a JPEG or PNG frame.
func Decode(r io.Reader) (image.Image, error) {
	img, _, err := image.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("failed to decode image: %w", err)
	}
	return img, nil
}

// Load reads a frame from disk.
func Load(path string) (image.Image, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	return Decode(f)
}

// Save writes a frame as JPEG at quality 95 and reads it back to make sure
// the file is usable.
func Save(path string, img image.Image) error {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 95}); err != nil {
		return fmt.Errorf("failed to encode image: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	if err := os.WriteFile(path, buf.Bytes(), 0600); err != nil {
		return fmt.Errorf("failed to write image: %w", err)
	}
	if _, err := Load(path); err != nil {
		_ = os.Remove(path)
		return fmt.Errorf("saved image is corrupted: %w", err)
	}
	return nil
}

type pathSource struct {
	paths []string
}

// FromPaths is a Source over explicit image files, in the given order.
func FromPaths(paths ...string) Source {
	return &pathSource{paths: paths}
}

func (s *pathSource) String() string {
	return fmt.Sprintf("%d image path(s)", len(s.paths))
}

func (s *pathSource) Frames() ([]Frame, error) {
	if len(s.paths) == 0 {
		return nil, ErrNoImages
	}
	frames := make([]Frame, len(s.paths))
	for i, p := range s.paths {
		img, err := Load(p)
		frames[i] = Frame{Name: p, Image: img, Err: err}
	}
	return frames, nil
}

type dirSource struct {
	dir string
}

// FromDirectory is a Source over every JPEG/PNG file in dir, sorted by name.
func FromDirectory(dir string) Source {
	return &dirSource{dir: dir}
}

func (s *dirSource) String() string {
	return "directory " + s.dir
}

func (s *dirSource) Frames() ([]Frame, error) {
	paths, err := ListImages(s.dir)
	if err != nil {
		return nil, err
	}
	return FromPaths(paths...).Frames()
}

// ListImages returns the image files in dir, sorted by name.
func ListImages(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNoImages
		}
		return nil, fmt.Errorf("failed to list %s: %w", dir, err)
	}

	var paths []string
	for _, e := range entries {
		if e.IsDir() || !imageExts[strings.ToLower(filepath.Ext(e.Name()))] {
			continue
		}
		paths = append(paths, filepath.Join(dir, e.Name()))
	}
	if len(paths) == 0 {
		return nil, ErrNoImages
	}
	sort.Strings(paths)
	return paths, nil
}

type memorySource struct {
	images []image.Image
}

// FromImages is a Source over already decoded frames.
func FromImages(images ...image.Image) Source {
	return &memorySource{images: images}
}

func (s *memorySource) String() string {
	return fmt.Sprintf("%d in-memory image(s)", len(s.images))
}

func (s *memorySource) Frames() ([]Frame, error) {
	if len(s.images) == 0 {
		return nil, ErrNoImages
	}
	frames := make([]Frame, len(s.images))
	for i, img := range s.images {
		frames[i] = Frame{Name: fmt.Sprintf("image-%d", i+1), Image: img}
	}
	return frames, nil
}
