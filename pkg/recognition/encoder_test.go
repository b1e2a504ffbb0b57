package recognition

import (
	"errors"
	"image"
	"math"
	"testing"
)

func gradientFace(w, h int) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Pix[y*img.Stride+x] = uint8((x*7 + y*3) % 256)
		}
	}
	return img
}

func TestPixelEncoder_Dimension(t *testing.T) {
	enc := NewPixelEncoder(DefaultFaceSize)

	for _, size := range []image.Point{{37, 52}, {200, 200}, {640, 90}} {
		e, err := enc.Encode(gradientFace(size.X, size.Y))
		if err != nil {
			t.Fatalf("Encode(%v) failed: %v", size, err)
		}
		if len(e) != 200*200 {
			t.Errorf("Encode(%v) length = %d, want 40000", size, len(e))
		}
	}
	if enc.Dimension() != 40000 {
		t.Errorf("Dimension() = %d", enc.Dimension())
	}
}

func TestPixelEncoder_Deterministic(t *testing.T) {
	enc := NewPixelEncoder(64)
	face := gradientFace(90, 120)

	a, err := enc.Encode(face)
	if err != nil {
		t.Fatal(err)
	}
	b, err := enc.Encode(face)
	if err != nil {
		t.Fatal(err)
	}
	if d := EuclideanDistance(a, b); d != 0 {
		t.Errorf("same input gave distance %f", d)
	}
}

func TestPixelEncoder_SameSizeIsIdentity(t *testing.T) {
	enc := NewPixelEncoder(16)
	face := gradientFace(16, 16)

	e, err := enc.Encode(face)
	if err != nil {
		t.Fatal(err)
	}
	for i, p := range face.Pix {
		if e[i] != float32(p) {
			t.Fatalf("pixel %d = %f, want %d", i, e[i], p)
		}
	}
}

func TestPixelEncoder_Empty(t *testing.T) {
	enc := NewPixelEncoder(0)
	if _, err := enc.Encode(image.NewGray(image.Rect(0, 0, 0, 0))); !errors.Is(err, ErrEmptyRegion) {
		t.Errorf("expected ErrEmptyRegion, got %v", err)
	}
	if _, err := enc.Encode(nil); !errors.Is(err, ErrEmptyRegion) {
		t.Errorf("expected ErrEmptyRegion for nil, got %v", err)
	}
}

func TestPixelEncoder_Threshold(t *testing.T) {
	if got := NewPixelEncoder(200).DefaultThreshold(); got != PixelThreshold {
		t.Errorf("200px threshold = %f", got)
	}
	if got := NewPixelEncoder(100).DefaultThreshold(); got != PixelThreshold/2 {
		t.Errorf("100px threshold = %f", got)
	}
	if NewPixelEncoder(200).Name() == NewPixelEncoder(100).Name() {
		t.Error("encoders of different size must have different names")
	}
}

func TestEuclideanDistance(t *testing.T) {
	tests := []struct {
		name     string
		a, b     Encoding
		expected float64
	}{
		{"identical", Encoding{1, 2, 3}, Encoding{1, 2, 3}, 0},
		{"different", Encoding{1, 2, 3}, Encoding{4, 6, 8}, math.Sqrt(50)},
		{"length mismatch", Encoding{1, 2}, Encoding{1, 2, 3}, math.MaxFloat64},
		{"empty", Encoding{}, Encoding{}, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if d := EuclideanDistance(tt.a, tt.b); math.Abs(d-tt.expected) > 1e-9 {
				t.Errorf("expected %f, got %f", tt.expected, d)
			}
		})
	}
}

func BenchmarkEuclideanDistance(b *testing.B) {
	x := make(Encoding, 40000)
	y := make(Encoding, 40000)
	for i := range x {
		x[i] = float32(i % 256)
		y[i] = float32((i * 3) % 256)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		EuclideanDistance(x, y)
	}
}
