package opencv

import (
	"image"
	"sync"

	"github.com/MrCodeEU/rollcall/pkg/logging"
	"github.com/MrCodeEU/rollcall/pkg/vision"
	"gocv.io/x/gocv"
)

// QRScanner decodes QR codes from camera frames.
type QRScanner struct {
	mu       sync.Mutex
	detector gocv.QRCodeDetector
}

// NewQRScanner creates a scanner backed by OpenCV's QR detector.
func NewQRScanner() *QRScanner {
	return &QRScanner{detector: gocv.NewQRCodeDetector()}
}

// Close releases the detector.
func (s *QRScanner) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.detector.Close()
}

// Decode returns every payload decoded from frame, in detector order. A
// frame without a readable code yields an empty slice.
func (s *QRScanner) Decode(frame image.Image) ([][]byte, error) {
	rgba, err := vision.Normalize(frame)
	if err != nil {
		return nil, err
	}

	mat, err := gocv.ImageToMatRGB(rgba)
	if err != nil {
		return nil, err
	}
	defer mat.Close()

	points := gocv.NewMat()
	defer points.Close()

	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		decoded  []string
		straight []gocv.Mat
	)
	s.detector.DetectAndDecodeMulti(mat, &decoded, &points, &straight)
	for _, m := range straight {
		m.Close()
	}

	var payloads [][]byte
	for _, text := range decoded {
		if text != "" {
			payloads = append(payloads, []byte(text))
		}
	}

	// The multi-code detector misses some lone codes the single one reads.
	if len(payloads) == 0 {
		single := gocv.NewMat()
		defer single.Close()
		if text := s.detector.DetectAndDecode(mat, &points, &single); text != "" {
			payloads = append(payloads, []byte(text))
		}
	}

	if len(payloads) == 0 {
		logging.Component("opencv").Debug("No QR code decoded")
	}
	return payloads, nil
}
