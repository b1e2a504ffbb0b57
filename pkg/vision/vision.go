// Package vision holds the frame plumbing shared by detection, encoding and
// liveness: format normalization, luminance conversion, cropping, and the
// detector interfaces the Haar cascade backend implements.
package vision

import (
	"errors"
	"image"
	"image/draw"
)

// ErrUnsupportedImageFormat is returned for frames that are not 8-bit
// colour or grayscale, or that have no pixels.
var ErrUnsupportedImageFormat = errors.New("unsupported image format")

// Box is an axis aligned region in frame coordinates.
type Box struct {
	X      int `json:"x"`
	Y      int `json:"y"`
	Width  int `json:"w"`
	Height int `json:"h"`
}

// BoxFromRect converts an image.Rectangle.
func BoxFromRect(r image.Rectangle) Box {
	return Box{X: r.Min.X, Y: r.Min.Y, Width: r.Dx(), Height: r.Dy()}
}

// Rect returns the box as an image.Rectangle.
func (b Box) Rect() image.Rectangle {
	return image.Rect(b.X, b.Y, b.X+b.Width, b.Y+b.Height)
}

// Offset translates the box, typically from face-local to frame coordinates.
func (b Box) Offset(dx, dy int) Box {
	return Box{X: b.X + dx, Y: b.Y + dy, Width: b.Width, Height: b.Height}
}

// Empty reports whether the box has no area.
func (b Box) Empty() bool {
	return b.Width <= 0 || b.Height <= 0
}

// FaceDetector finds the primary face in a grayscale frame. When the scan
// yields several candidates the first one it produced is returned.
type FaceDetector interface {
	DetectFace(gray *image.Gray) (Box, bool)
}

// EyeDetector finds zero or more eye regions inside a face crop. Boxes are
// relative to the crop.
type EyeDetector interface {
	DetectEyes(face *image.Gray) []Box
}

// Detector is the full detection contract.
type Detector interface {
	FaceDetector
	EyeDetector
}

// FaceRegion is a located face: its box in the frame and the grayscale crop.
type FaceRegion struct {
	Box  Box
	Gray *image.Gray
}

// Normalize converts a decoded frame into 8-bit RGBA. Frames with 16-bit
// channels, CMYK or alpha-only models are rejected rather than silently
// down-converted.
func Normalize(img image.Image) (*image.RGBA, error) {
	if img == nil || img.Bounds().Empty() {
		return nil, ErrUnsupportedImageFormat
	}

	switch src := img.(type) {
	case *image.RGBA:
		return src, nil
	case *image.NRGBA, *image.YCbCr, *image.NYCbCrA, *image.Paletted, *image.Gray:
		b := src.Bounds()
		dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
		draw.Draw(dst, dst.Bounds(), src, b.Min, draw.Src)
		return dst, nil
	default:
		return nil, ErrUnsupportedImageFormat
	}
}

// BT.601 luma weights in 14-bit fixed point, as used by OpenCV's RGB2GRAY.
const (
	lumaR     = 4899
	lumaG     = 9617
	lumaB     = 1868
	lumaShift = 14
)

// Grayscale converts an RGBA frame to luminance. The result has its origin at
// (0, 0).
func Grayscale(src *image.RGBA) *image.Gray {
	b := src.Bounds()
	dst := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	for y := 0; y < b.Dy(); y++ {
		si := src.PixOffset(b.Min.X, b.Min.Y+y)
		di := dst.PixOffset(0, y)
		for x := 0; x < b.Dx(); x++ {
			r := uint32(src.Pix[si])
			g := uint32(src.Pix[si+1])
			bl := uint32(src.Pix[si+2])
			dst.Pix[di+x] = uint8((r*lumaR + g*lumaG + bl*lumaB + 1<<(lumaShift-1)) >> lumaShift)
			si += 4
		}
	}
	return dst
}

// ToGray normalizes a frame and converts it to luminance in one step.
func ToGray(img image.Image) (*image.Gray, error) {
	if g, ok := img.(*image.Gray); ok && !g.Bounds().Empty() {
		return Crop(g, BoxFromRect(g.Bounds())), nil
	}
	rgba, err := Normalize(img)
	if err != nil {
		return nil, err
	}
	return Grayscale(rgba), nil
}

// Crop copies the part of gray covered by box into a new image with its
// origin at (0, 0). The box is clipped to the image bounds.
func Crop(gray *image.Gray, box Box) *image.Gray {
	r := box.Rect().Intersect(gray.Bounds())
	dst := image.NewGray(image.Rect(0, 0, r.Dx(), r.Dy()))
	for y := 0; y < r.Dy(); y++ {
		si := gray.PixOffset(r.Min.X, r.Min.Y+y)
		copy(dst.Pix[dst.PixOffset(0, y):dst.PixOffset(0, y)+r.Dx()], gray.Pix[si:si+r.Dx()])
	}
	return dst
}

// LocateFace converts a frame to grayscale and crops the primary face.
// ok is false when the detector found nothing; err is only set for frames
// that cannot be normalized.
func LocateFace(d FaceDetector, frame image.Image) (region FaceRegion, ok bool, err error) {
	gray, err := ToGray(frame)
	if err != nil {
		return FaceRegion{}, false, err
	}

	box, found := d.DetectFace(gray)
	if !found || box.Empty() {
		return FaceRegion{}, false, nil
	}

	crop := Crop(gray, box)
	if crop.Bounds().Empty() {
		return FaceRegion{}, false, nil
	}
	return FaceRegion{Box: box, Gray: crop}, true, nil
}
