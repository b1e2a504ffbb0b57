// Package opencv binds the OpenCV pieces rollcall needs through gocv: Haar
// cascade face and eye detection, and QR code decoding from frames.
//
// Building this package requires OpenCV 4 development files.
package opencv

import (
	"errors"
	"fmt"
	"image"
	"sync"

	"github.com/MrCodeEU/rollcall/pkg/logging"
	"github.com/MrCodeEU/rollcall/pkg/vision"
	"gocv.io/x/gocv"
)

// ErrCascadeLoad is returned when a cascade XML file cannot be loaded.
var ErrCascadeLoad = errors.New("failed to load cascade classifier")

// ScanParams mirror detectMultiScale's tuning knobs.
type ScanParams struct {
	ScaleFactor  float64
	MinNeighbors int
	MinSize      int // square minimum window, 0 for no limit
}

// DefaultFaceParams are the face scan parameters used for matching and
// enrollment.
var DefaultFaceParams = ScanParams{ScaleFactor: 1.3, MinNeighbors: 5}

// DefaultEyeParams are deliberately loose so half-closed eyes still register
// as candidates; the blink heuristic relies on the count dropping only when
// the eyes are really shut.
var DefaultEyeParams = ScanParams{ScaleFactor: 1.2, MinNeighbors: 2, MinSize: 25}

// CascadeDetector implements vision.Detector with two Haar cascades.
type CascadeDetector struct {
	mu         sync.Mutex
	face       gocv.CascadeClassifier
	eyes       gocv.CascadeClassifier
	faceParams ScanParams
	eyeParams  ScanParams
}

// NewCascadeDetector loads the face and eye cascades.
func NewCascadeDetector(faceCascade, eyeCascade string, faceParams, eyeParams ScanParams) (*CascadeDetector, error) {
	face := gocv.NewCascadeClassifier()
	if !face.Load(faceCascade) {
		_ = face.Close()
		return nil, fmt.Errorf("%w: %s", ErrCascadeLoad, faceCascade)
	}

	eyes := gocv.NewCascadeClassifier()
	if !eyes.Load(eyeCascade) {
		_ = face.Close()
		_ = eyes.Close()
		return nil, fmt.Errorf("%w: %s", ErrCascadeLoad, eyeCascade)
	}

	logging.Component("opencv").WithFields(logging.Fields{
		"face_cascade": faceCascade,
		"eye_cascade":  eyeCascade,
	}).Debug("Cascades loaded")

	return &CascadeDetector{
		face:       face,
		eyes:       eyes,
		faceParams: faceParams,
		eyeParams:  eyeParams,
	}, nil
}

// Close releases both classifiers.
func (d *CascadeDetector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return errors.Join(d.face.Close(), d.eyes.Close())
}

func (d *CascadeDetector) scan(c *gocv.CascadeClassifier, gray *image.Gray, p ScanParams) []image.Rectangle {
	mat, err := gocv.ImageGrayToMatGray(gray)
	if err != nil {
		logging.Component("opencv").WithError(err).Warn("Could not convert frame to Mat")
		return nil
	}
	defer mat.Close()

	d.mu.Lock()
	defer d.mu.Unlock()
	return c.DetectMultiScaleWithParams(mat, p.ScaleFactor, p.MinNeighbors, 0,
		image.Pt(p.MinSize, p.MinSize), image.Pt(0, 0))
}

// DetectFace returns the first candidate of the face scan.
func (d *CascadeDetector) DetectFace(gray *image.Gray) (vision.Box, bool) {
	rects := d.scan(&d.face, gray, d.faceParams)
	logging.Component("opencv").Debugf("Detected %d face candidate(s)", len(rects))
	if len(rects) == 0 {
		return vision.Box{}, false
	}
	return vision.BoxFromRect(rects[0]), true
}

// DetectEyes runs the permissive eye scan over a face crop.
func (d *CascadeDetector) DetectEyes(face *image.Gray) []vision.Box {
	rects := d.scan(&d.eyes, face, d.eyeParams)
	boxes := make([]vision.Box, 0, len(rects))
	for _, r := range rects {
		boxes = append(boxes, vision.BoxFromRect(r))
	}
	logging.Component("opencv").Debugf("Detected %d eye candidate(s)", len(boxes))
	return boxes
}
