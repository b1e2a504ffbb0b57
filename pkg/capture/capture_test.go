package capture

import (
	"errors"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"
)

func testImage() *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, 16, 16))
	for y := 0; y < 16; y++ {
		for x := 0; x < 16; x++ {
			img.Set(x, y, color.RGBA{uint8(x * 16), uint8(y * 16), 128, 255})
		}
	}
	return img
}

func writePNG(t *testing.T, path string) {
	t.Helper()
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := png.Encode(f, testImage()); err != nil {
		t.Fatal(err)
	}
}

func TestSaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "21A91A0501", "21A91A0501_1.jpg")

	if err := Save(path, testImage()); err != nil {
		t.Fatalf("Save failed: %v", err)
	}
	img, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if img.Bounds().Dx() != 16 {
		t.Errorf("unexpected bounds %v", img.Bounds())
	}
}

func TestFromPaths(t *testing.T) {
	dir := t.TempDir()
	good := filepath.Join(dir, "a.png")
	writePNG(t, good)
	bad := filepath.Join(dir, "b.jpg")
	if err := os.WriteFile(bad, []byte("not an image"), 0600); err != nil {
		t.Fatal(err)
	}
	missing := filepath.Join(dir, "missing.jpg")

	frames, err := FromPaths(good, bad, missing).Frames()
	if err != nil {
		t.Fatalf("Frames failed: %v", err)
	}
	if len(frames) != 3 {
		t.Fatalf("expected 3 frames, got %d", len(frames))
	}
	if frames[0].Err != nil || frames[0].Image == nil {
		t.Errorf("good frame failed: %v", frames[0].Err)
	}
	if frames[1].Err == nil || frames[2].Err == nil {
		t.Error("bad and missing frames should carry errors")
	}

	if _, err := FromPaths().Frames(); !errors.Is(err, ErrNoImages) {
		t.Errorf("expected ErrNoImages, got %v", err)
	}
}

func TestFromDirectory(t *testing.T) {
	dir := t.TempDir()
	writePNG(t, filepath.Join(dir, "2.png"))
	writePNG(t, filepath.Join(dir, "1.PNG"))
	if err := os.WriteFile(filepath.Join(dir, "notes.txt"), []byte("x"), 0600); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(filepath.Join(dir, "sub.png"), 0700); err != nil {
		t.Fatal(err)
	}

	frames, err := FromDirectory(dir).Frames()
	if err != nil {
		t.Fatalf("Frames failed: %v", err)
	}
	if len(frames) != 2 {
		t.Fatalf("expected 2 frames, got %d", len(frames))
	}
	if filepath.Base(frames[0].Name) != "1.PNG" {
		t.Errorf("frames not sorted: %s", frames[0].Name)
	}
}

func TestFromDirectory_Empty(t *testing.T) {
	if _, err := FromDirectory(filepath.Join(t.TempDir(), "none")).Frames(); !errors.Is(err, ErrNoImages) {
		t.Errorf("missing dir: expected ErrNoImages, got %v", err)
	}
	if _, err := FromDirectory(t.TempDir()).Frames(); !errors.Is(err, ErrNoImages) {
		t.Errorf("empty dir: expected ErrNoImages, got %v", err)
	}
}

func TestFromImages(t *testing.T) {
	frames, err := FromImages(testImage(), testImage()).Frames()
	if err != nil {
		t.Fatal(err)
	}
	if len(frames) != 2 || frames[1].Name != "image-2" {
		t.Errorf("unexpected frames %+v", frames)
	}
	if FromImages().String() != "0 in-memory image(s)" {
		t.Errorf("String() = %s", FromImages().String())
	}
}
