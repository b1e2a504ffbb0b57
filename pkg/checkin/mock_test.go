package checkin

import (
	"context"
	"image"

	"github.com/MrCodeEU/rollcall/pkg/capture"
	"github.com/MrCodeEU/rollcall/pkg/enrollment"
	"github.com/MrCodeEU/rollcall/pkg/liveness"
	"github.com/MrCodeEU/rollcall/pkg/recognition"
	"github.com/MrCodeEU/rollcall/pkg/roster"
	"github.com/MrCodeEU/rollcall/pkg/vision"
)

// MockGallery implements Gallery interface for testing
type MockGallery struct {
	EnrollFunc     func(ctx context.Context, id, name string, src capture.Source) (enrollment.EnrollReport, error)
	RevokeFunc     func(id string) (int, error)
	MatchFrameFunc func(frame image.Image) (recognition.Match, vision.FaceRegion, error)
	LoadFunc       func() error
}

func (m *MockGallery) Enroll(ctx context.Context, id, name string, src capture.Source) (enrollment.EnrollReport, error) {
	if m.EnrollFunc != nil {
		return m.EnrollFunc(ctx, id, name, src)
	}
	return enrollment.EnrollReport{Added: 1, Total: 1}, nil
}

func (m *MockGallery) Revoke(id string) (int, error) {
	if m.RevokeFunc != nil {
		return m.RevokeFunc(id)
	}
	return 0, nil
}

func (m *MockGallery) MatchFrame(frame image.Image) (recognition.Match, vision.FaceRegion, error) {
	if m.MatchFrameFunc != nil {
		return m.MatchFrameFunc(frame)
	}
	return recognition.Match{}, vision.FaceRegion{}, recognition.ErrNoMatch
}

func (m *MockGallery) Load() error {
	if m.LoadFunc != nil {
		return m.LoadFunc()
	}
	return nil
}

// MockDetector implements vision.Detector for testing
type MockDetector struct {
	DetectFaceFunc func(gray *image.Gray) (vision.Box, bool)
	DetectEyesFunc func(face *image.Gray) []vision.Box
}

func (m *MockDetector) DetectFace(gray *image.Gray) (vision.Box, bool) {
	if m.DetectFaceFunc != nil {
		return m.DetectFaceFunc(gray)
	}
	return vision.Box{}, false
}

func (m *MockDetector) DetectEyes(face *image.Gray) []vision.Box {
	if m.DetectEyesFunc != nil {
		return m.DetectEyesFunc(face)
	}
	return nil
}

// MockBlink implements BlinkEstimator for testing
type MockBlink struct {
	EstimateBlinkFunc func(face vision.FaceRegion) liveness.BlinkResult
}

func (m *MockBlink) EstimateBlink(face vision.FaceRegion) liveness.BlinkResult {
	if m.EstimateBlinkFunc != nil {
		return m.EstimateBlinkFunc(face)
	}
	return liveness.BlinkResult{}
}

// MockRoster implements Roster interface for testing
type MockRoster struct {
	ExistsFunc         func(ctx context.Context, roll string) (bool, error)
	GetStudentFunc     func(ctx context.Context, roll string) (*roster.Student, error)
	DeleteStudentFunc  func(ctx context.Context, roll string) error
	SetFaceTrainedFunc func(ctx context.Context, roll string, trained bool) error
	SetQRPathFunc      func(ctx context.Context, roll, path string) error
	MarkAttendanceFunc func(ctx context.Context, roll, name, branch string) (*roster.AttendanceRecord, error)
}

func (m *MockRoster) Exists(ctx context.Context, roll string) (bool, error) {
	if m.ExistsFunc != nil {
		return m.ExistsFunc(ctx, roll)
	}
	return false, nil
}

func (m *MockRoster) GetStudent(ctx context.Context, roll string) (*roster.Student, error) {
	if m.GetStudentFunc != nil {
		return m.GetStudentFunc(ctx, roll)
	}
	return nil, roster.ErrStudentNotFound
}

func (m *MockRoster) DeleteStudent(ctx context.Context, roll string) error {
	if m.DeleteStudentFunc != nil {
		return m.DeleteStudentFunc(ctx, roll)
	}
	return nil
}

func (m *MockRoster) SetFaceTrained(ctx context.Context, roll string, trained bool) error {
	if m.SetFaceTrainedFunc != nil {
		return m.SetFaceTrainedFunc(ctx, roll, trained)
	}
	return nil
}

func (m *MockRoster) SetQRPath(ctx context.Context, roll, path string) error {
	if m.SetQRPathFunc != nil {
		return m.SetQRPathFunc(ctx, roll, path)
	}
	return nil
}

func (m *MockRoster) MarkAttendance(ctx context.Context, roll, name, branch string) (*roster.AttendanceRecord, error) {
	if m.MarkAttendanceFunc != nil {
		return m.MarkAttendanceFunc(ctx, roll, name, branch)
	}
	return &roster.AttendanceRecord{RollNumber: roll, Name: name, Branch: branch}, nil
}

// MockQRDecoder implements QRDecoder for testing
type MockQRDecoder struct {
	DecodeFunc func(frame image.Image) ([][]byte, error)
}

func (m *MockQRDecoder) Decode(frame image.Image) ([][]byte, error) {
	if m.DecodeFunc != nil {
		return m.DecodeFunc(frame)
	}
	return nil, nil
}
