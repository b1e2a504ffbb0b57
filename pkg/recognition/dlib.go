package recognition

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	"sync"

	"github.com/Kagami/go-face"
	"github.com/MrCodeEU/rollcall/pkg/logging"
)

// DlibThreshold is the usual same-person distance for dlib's ResNet
// descriptors.
const DlibThreshold = 0.6

// ErrModelNotLoaded is returned when the dlib encoder is used after Close.
var ErrModelNotLoaded = errors.New("recognition models not loaded")

// ErrNoFaceInRegion is returned when dlib cannot find a face inside a crop
// that the cascade accepted.
var ErrNoFaceInRegion = errors.New("no face found in region")

// faceEngine is the subset of *face.Recognizer the encoder uses.
type faceEngine interface {
	Recognize(imgData []byte) ([]face.Face, error)
	Close()
}

// DlibEncoder produces 128-d descriptors with dlib via go-face. It needs
// these files in the model directory:
//   - shape_predictor_5_face_landmarks.dat
//   - dlib_face_recognition_resnet_model_v1.dat
//   - mmod_human_face_detector.dat
type DlibEncoder struct {
	mu     sync.Mutex
	engine faceEngine
}

// NewDlibEncoder loads the dlib models from modelPath.
func NewDlibEncoder(modelPath string) (*DlibEncoder, error) {
	logging.Component("recognition").Infof("Loading dlib models from: %s", modelPath)

	rec, err := face.NewRecognizer(modelPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load models: %w", err)
	}
	return &DlibEncoder{engine: rec}, nil
}

// Name implements Encoder.
func (e *DlibEncoder) Name() string { return "dlib-resnet-128" }

// DefaultThreshold implements Encoder.
func (e *DlibEncoder) DefaultThreshold() float64 { return DlibThreshold }

// Close releases the dlib recognizer.
func (e *DlibEncoder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.engine != nil {
		e.engine.Close()
		e.engine = nil
	}
	return nil
}

// Encode implements Encoder. dlib takes encoded images, so the crop is
// passed through JPEG first.
func (e *DlibEncoder) Encode(region *image.Gray) (Encoding, error) {
	if region == nil || region.Bounds().Empty() {
		return nil, ErrEmptyRegion
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, region, &jpeg.Options{Quality: 95}); err != nil {
		return nil, fmt.Errorf("failed to encode crop: %w", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.engine == nil {
		return nil, ErrModelNotLoaded
	}

	faces, err := e.engine.Recognize(buf.Bytes())
	if err != nil {
		return nil, fmt.Errorf("face recognition failed: %w", err)
	}
	if len(faces) == 0 {
		return nil, ErrNoFaceInRegion
	}

	desc := faces[0].Descriptor
	enc := make(Encoding, len(desc))
	copy(enc, desc[:])
	return enc, nil
}
