// Package checkin is the application surface of rollcall. It ties the face
// gallery, the blink heuristic, QR tokens and the roster into the operations
// a kiosk or CLI performs, and turns every expected failure into an Outcome
// with a code and a user-facing reason.
package checkin

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"time"

	"github.com/MrCodeEU/rollcall/pkg/capture"
	"github.com/MrCodeEU/rollcall/pkg/config"
	"github.com/MrCodeEU/rollcall/pkg/enrollment"
	"github.com/MrCodeEU/rollcall/pkg/liveness"
	"github.com/MrCodeEU/rollcall/pkg/logging"
	"github.com/MrCodeEU/rollcall/pkg/opencv"
	"github.com/MrCodeEU/rollcall/pkg/recognition"
	"github.com/MrCodeEU/rollcall/pkg/roster"
	"github.com/MrCodeEU/rollcall/pkg/storage"
	"github.com/MrCodeEU/rollcall/pkg/token"
	"github.com/MrCodeEU/rollcall/pkg/vision"
)

// Outcome is the result of one operation. Rejections carry a code and a
// reason only; no partial match data is exposed.
type Outcome struct {
	Success  bool
	Code     ErrorCode
	Reason   string
	Error    error
	Duration time.Duration

	IdentityID  string
	DisplayName string
	Branch      string
	Confidence  float64

	Face       *vision.Box
	Blink      *liveness.BlinkResult
	Enrollment *enrollment.EnrollReport
	Attendance *roster.AttendanceRecord
	Path       string
}

// Gallery is the enrollment store.
type Gallery interface {
	Enroll(ctx context.Context, identityID, displayName string, src capture.Source) (enrollment.EnrollReport, error)
	Revoke(identityID string) (int, error)
	MatchFrame(frame image.Image) (recognition.Match, vision.FaceRegion, error)
	Load() error
}

// BlinkEstimator classifies eye closure on a located face.
type BlinkEstimator interface {
	EstimateBlink(face vision.FaceRegion) liveness.BlinkResult
}

// Roster is the student and attendance store.
type Roster interface {
	token.IdentityLookup
	GetStudent(ctx context.Context, roll string) (*roster.Student, error)
	DeleteStudent(ctx context.Context, roll string) error
	SetFaceTrained(ctx context.Context, roll string, trained bool) error
	SetQRPath(ctx context.Context, roll, path string) error
	MarkAttendance(ctx context.Context, roll, name, branch string) (*roster.AttendanceRecord, error)
}

// QRDecoder extracts QR payloads from a frame, in scan order.
type QRDecoder interface {
	Decode(frame image.Image) ([][]byte, error)
}

// Service runs check-in operations.
type Service struct {
	config    *config.Config
	gallery   Gallery
	detector  vision.FaceDetector
	blink     BlinkEstimator
	roster    Roster
	validator *token.Validator
	scanner   QRDecoder

	closers []io.Closer
}

// New creates a Service from already built parts. scanner may be nil when
// QR scanning is not needed.
func New(cfg *config.Config, gallery Gallery, detector vision.FaceDetector, blink BlinkEstimator, r Roster, scanner QRDecoder) *Service {
	return &Service{
		config:    cfg,
		gallery:   gallery,
		detector:  detector,
		blink:     blink,
		roster:    r,
		validator: token.NewValidator(r),
		scanner:   scanner,
	}
}

// NewFromConfig opens every resource the configuration names: cascades,
// encoder, snapshot, roster database and QR scanner. The saved gallery is
// loaded; a corrupt snapshot is logged and the service starts empty.
func NewFromConfig(cfg *config.Config) (*Service, error) {
	svc := &Service{config: cfg}
	fail := func(err error) (*Service, error) {
		svc.Close()
		return nil, err
	}

	detector, err := opencv.NewCascadeDetector(
		cfg.CascadePath(cfg.Detection.FaceCascade),
		cfg.CascadePath(cfg.Detection.EyeCascade),
		opencv.ScanParams(cfg.Detection.Face),
		opencv.ScanParams(cfg.Detection.Eyes),
	)
	if err != nil {
		return fail(fmt.Errorf("failed to initialize detector: %w", err))
	}
	svc.closers = append(svc.closers, detector)
	svc.detector = detector
	svc.blink = liveness.NewBlinkEstimator(detector)

	encoder, err := newEncoder(cfg.Recognition)
	if err != nil {
		return fail(fmt.Errorf("failed to initialize encoder: %w", err))
	}
	if c, ok := encoder.(io.Closer); ok {
		svc.closers = append(svc.closers, c)
	}

	threshold := cfg.Recognition.Threshold
	if threshold <= 0 {
		threshold = encoder.DefaultThreshold()
	}

	snapshot, err := storage.NewSnapshotFile(cfg.SnapshotPath(), cfg.Storage.EncryptionEnabled)
	if err != nil {
		return fail(fmt.Errorf("failed to initialize storage: %w", err))
	}

	gallery := enrollment.NewStore(detector, encoder, recognition.NewMatcher(threshold), snapshot)
	if err := gallery.Load(); err != nil {
		logging.WithError(err).Warn("Continuing with an empty gallery")
	}
	svc.gallery = gallery

	r, err := roster.New(cfg.Roster.Database, cfg.Roster.Branches)
	if err != nil {
		return fail(fmt.Errorf("failed to open roster: %w", err))
	}
	svc.closers = append(svc.closers, r)
	svc.roster = r
	svc.validator = token.NewValidator(r)

	scanner := opencv.NewQRScanner()
	svc.closers = append(svc.closers, scanner)
	svc.scanner = scanner

	logging.Component("checkin").WithFields(logging.Fields{
		"encoder":   encoder.Name(),
		"threshold": threshold,
	}).Info("Check-in service ready")
	return svc, nil
}

func newEncoder(cfg config.RecognitionConfig) (recognition.Encoder, error) {
	switch cfg.Encoder {
	case "", "pixel":
		return recognition.NewPixelEncoder(cfg.FaceSize), nil
	case "dlib":
		return recognition.NewDlibEncoder(cfg.ModelPath)
	default:
		return nil, fmt.Errorf("unknown encoder %q", cfg.Encoder)
	}
}

// Close releases all resources.
func (s *Service) Close() {
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i].Close(); err != nil {
			logging.Warnf("Failed to release resource: %v", err)
		}
	}
	s.closers = nil
}

// Roster returns the roster the service validates against.
func (s *Service) Roster() Roster {
	return s.roster
}

// fail fills in a rejection.
func fail(o Outcome, err error, start time.Time) Outcome {
	code := CodeFor(err)
	o.Success = false
	o.Code = code
	o.Reason = GetErrorMessage(code)
	o.Error = NewCheckError(code, err)
	o.Duration = time.Since(start)
	if code == ErrCodeInternal {
		logging.Component("checkin").WithError(err).Error("Operation failed")
	}
	return o
}

func succeed(o Outcome, reason string, start time.Time) Outcome {
	o.Success = true
	o.Reason = reason
	o.Duration = time.Since(start)
	return o
}

// isNotFound reports whether err means the student is not on the roster.
func isNotFound(err error) bool {
	return errors.Is(err, roster.ErrStudentNotFound)
}
