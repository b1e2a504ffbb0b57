// Package recognition turns face crops into encodings and matches them
// against an enrolled gallery by Euclidean distance.
package recognition

import (
	"errors"
	"fmt"
	"image"
	"math"

	"golang.org/x/image/draw"
)

// Encoding is a fixed-length face feature vector. Encodings are only ever
// compared by distance, never for equality.
type Encoding []float32

// Record is one enrolled encoding. Several records may share an identity.
type Record struct {
	IdentityID  string
	DisplayName string
	Encoding    Encoding
}

// Encoder converts a grayscale face crop into an Encoding.
type Encoder interface {
	// Name identifies the encoder in snapshots so encodings from different
	// encoders are never compared.
	Name() string
	// DefaultThreshold is the match distance calibrated for this encoder.
	DefaultThreshold() float64
	Encode(face *image.Gray) (Encoding, error)
}

// ErrEmptyRegion is returned when asked to encode a crop with no pixels.
var ErrEmptyRegion = errors.New("empty face region")

const (
	// DefaultFaceSize is the side of the canonical square crop.
	DefaultFaceSize = 200

	// PixelThreshold is the raw L2 distance limit for 200x200 intensity
	// encodings. It was picked by hand for that resolution and must be
	// re-derived if the face size or encoder changes.
	PixelThreshold = 60000
)

// PixelEncoder is the baseline encoder: resize to a square with bilinear
// interpolation and flatten the intensities. No model, fully deterministic.
type PixelEncoder struct {
	size int
}

// NewPixelEncoder creates a PixelEncoder for size x size crops.
func NewPixelEncoder(size int) *PixelEncoder {
	if size <= 0 {
		size = DefaultFaceSize
	}
	return &PixelEncoder{size: size}
}

// Name implements Encoder.
func (e *PixelEncoder) Name() string {
	return fmt.Sprintf("pixel-%d", e.size)
}

// DefaultThreshold implements Encoder. For other sizes the 200x200 constant
// is scaled with the side length, since L2 distance grows with the square
// root of the vector length. Treat that as a starting point only.
func (e *PixelEncoder) DefaultThreshold() float64 {
	if e.size == DefaultFaceSize {
		return PixelThreshold
	}
	return PixelThreshold * float64(e.size) / DefaultFaceSize
}

// Dimension returns the encoding length.
func (e *PixelEncoder) Dimension() int {
	return e.size * e.size
}

// Encode implements Encoder.
func (e *PixelEncoder) Encode(face *image.Gray) (Encoding, error) {
	if face == nil || face.Bounds().Empty() {
		return nil, ErrEmptyRegion
	}

	dst := image.NewGray(image.Rect(0, 0, e.size, e.size))
	draw.BiLinear.Scale(dst, dst.Bounds(), face, face.Bounds(), draw.Src, nil)

	enc := make(Encoding, len(dst.Pix))
	for i, p := range dst.Pix {
		enc[i] = float32(p)
	}
	return enc, nil
}

// EuclideanDistance returns the L2 distance between two encodings.
// Encodings of different length are treated as infinitely far apart.
func EuclideanDistance(a, b Encoding) float64 {
	if len(a) != len(b) {
		return math.MaxFloat64
	}

	var sum float64
	for i := range a {
		diff := float64(a[i]) - float64(b[i])
		sum += diff * diff
	}
	return math.Sqrt(sum)
}
