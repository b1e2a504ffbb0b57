package checkin

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/MrCodeEU/rollcall/pkg/capture"
	"github.com/MrCodeEU/rollcall/pkg/config"
	"github.com/MrCodeEU/rollcall/pkg/enrollment"
	"github.com/MrCodeEU/rollcall/pkg/liveness"
	"github.com/MrCodeEU/rollcall/pkg/recognition"
	"github.com/MrCodeEU/rollcall/pkg/roster"
	"github.com/MrCodeEU/rollcall/pkg/storage"
	"github.com/MrCodeEU/rollcall/pkg/token"
	"github.com/MrCodeEU/rollcall/pkg/vision"
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.DefaultConfig()
	cfg.Storage.DataDir = dir
	cfg.Storage.TrainingDir = filepath.Join(dir, "training_images")
	cfg.Tokens.OutputDir = filepath.Join(dir, "qr_codes")
	cfg.Roster.Database = filepath.Join(dir, "roster.db")
	return cfg
}

func frame() image.Image {
	return image.NewRGBA(image.Rect(0, 0, 40, 40))
}

func asha() *roster.Student {
	return &roster.Student{RollNumber: "21A91A0501", Name: "Asha", Branch: "CSM"}
}

func studentRoster(students ...*roster.Student) *MockRoster {
	return &MockRoster{
		ExistsFunc: func(_ context.Context, roll string) (bool, error) {
			for _, s := range students {
				if s.RollNumber == roll {
					return true, nil
				}
			}
			return false, nil
		},
		GetStudentFunc: func(_ context.Context, roll string) (*roster.Student, error) {
			for _, s := range students {
				if s.RollNumber == roll {
					return s, nil
				}
			}
			return nil, roster.ErrStudentNotFound
		},
	}
}

func matchAs(id, name string, confidence float64) *MockGallery {
	return &MockGallery{MatchFrameFunc: func(image.Image) (recognition.Match, vision.FaceRegion, error) {
		return recognition.Match{IdentityID: id, DisplayName: name, Confidence: confidence},
			vision.FaceRegion{Box: vision.Box{X: 5, Y: 5, Width: 20, Height: 20}}, nil
	}}
}

func TestCodeFor(t *testing.T) {
	tests := []struct {
		err  error
		want ErrorCode
	}{
		{nil, ""},
		{enrollment.ErrNoFaceDetected, ErrCodeNoFace},
		{fmt.Errorf("wrapped: %w", recognition.ErrNoMatch), ErrCodeNoMatch},
		{token.ErrMalformedToken, ErrCodeMalformedToken},
		{token.ErrUnknownIdentity, ErrCodeUnknownIdentity},
		{token.ErrNoToken, ErrCodeNoToken},
		{fmt.Errorf("%w: bad json", storage.ErrCorruptSnapshot), ErrCodeCorruptSnapshot},
		{vision.ErrUnsupportedImageFormat, ErrCodeUnsupportedImage},
		{roster.ErrStudentNotFound, ErrCodeNotOnRoster},
		{roster.ErrAlreadyMarked, ErrCodeAlreadyMarked},
		{ErrNoBlink, ErrCodeNoBlink},
		{roster.ErrInvalidStudent, ErrCodeInvalidRequest},
		{errors.New("disk on fire"), ErrCodeInternal},
	}
	for _, tt := range tests {
		if got := CodeFor(tt.err); got != tt.want {
			t.Errorf("CodeFor(%v) = %s, want %s", tt.err, got, tt.want)
		}
	}
}

func TestGetErrorMessage(t *testing.T) {
	for code := range errorMessages {
		if GetErrorMessage(code) == "" {
			t.Errorf("empty message for %s", code)
		}
	}
	if GetErrorMessage("UNKNOWN_CODE") != "Check-in failed" {
		t.Error("unknown codes should get the generic message")
	}
}

func TestCheckError(t *testing.T) {
	err := NewCheckError(ErrCodeNoMatch, recognition.ErrNoMatch)
	if err.Error() != GetErrorMessage(ErrCodeNoMatch) {
		t.Errorf("Error() = %s", err.Error())
	}
	if !errors.Is(err, recognition.ErrNoMatch) {
		t.Error("CheckError should unwrap to its cause")
	}
	if err.Details == nil {
		t.Error("Details should be initialized")
	}
}

func TestEnroll(t *testing.T) {
	ctx := context.Background()

	t.Run("not on roster", func(t *testing.T) {
		svc := New(testConfig(t), &MockGallery{}, nil, nil, studentRoster(), nil)
		out := svc.EnrollFromDirectory(ctx, "21A91A0999")
		if out.Success || out.Code != ErrCodeNotOnRoster {
			t.Errorf("outcome = %+v", out)
		}
	})

	t.Run("no source", func(t *testing.T) {
		svc := New(testConfig(t), &MockGallery{}, nil, nil, studentRoster(asha()), nil)
		if out := svc.Enroll(ctx, "21A91A0501", nil); out.Code != ErrCodeInvalidRequest {
			t.Errorf("outcome = %+v", out)
		}
	})

	t.Run("success uses training dir", func(t *testing.T) {
		cfg := testConfig(t)
		var gotSource string
		trained := false
		r := studentRoster(asha())
		r.SetFaceTrainedFunc = func(_ context.Context, _ string, v bool) error {
			trained = v
			return nil
		}
		g := &MockGallery{EnrollFunc: func(_ context.Context, id, name string, src capture.Source) (enrollment.EnrollReport, error) {
			gotSource = src.String()
			return enrollment.EnrollReport{Added: 3, Total: 5, Skipped: 2}, nil
		}}

		out := New(cfg, g, nil, nil, r, nil).EnrollFromDirectory(ctx, "21A91A0501")
		if !out.Success {
			t.Fatalf("outcome = %+v", out)
		}
		if !strings.Contains(out.Reason, "3 of 5 images usable") {
			t.Errorf("Reason = %q", out.Reason)
		}
		if gotSource != "directory "+cfg.StudentTrainingDir("21A91A0501") {
			t.Errorf("source = %s", gotSource)
		}
		if !trained {
			t.Error("student should be marked as trained")
		}
	})

	t.Run("no usable face", func(t *testing.T) {
		g := &MockGallery{EnrollFunc: func(context.Context, string, string, capture.Source) (enrollment.EnrollReport, error) {
			return enrollment.EnrollReport{Total: 2, Skipped: 2}, enrollment.ErrNoFaceDetected
		}}
		out := New(testConfig(t), g, nil, nil, studentRoster(asha()), nil).Enroll(ctx, "21A91A0501", capture.FromImages(frame()))
		if out.Success || out.Code != ErrCodeNoFace {
			t.Fatalf("outcome = %+v", out)
		}
		if !strings.Contains(out.Reason, "0 of 2 images usable") {
			t.Errorf("Reason = %q", out.Reason)
		}
	})
}

func TestIdentify(t *testing.T) {
	ctx := context.Background()

	t.Run("recognized", func(t *testing.T) {
		blink := &MockBlink{EstimateBlinkFunc: func(vision.FaceRegion) liveness.BlinkResult {
			return liveness.BlinkResult{LeftScore: liveness.OpenScore, RightScore: liveness.OpenScore}
		}}
		svc := New(testConfig(t), matchAs("21A91A0501", "Asha", 0.8), nil, blink, studentRoster(), nil)

		out := svc.Identify(ctx, frame())
		if !out.Success || out.IdentityID != "21A91A0501" || out.Confidence != 0.8 {
			t.Fatalf("outcome = %+v", out)
		}
		if out.Face == nil || out.Blink == nil || out.Blink.IsBlinking {
			t.Errorf("face/blink not attached: %+v %+v", out.Face, out.Blink)
		}
	})

	t.Run("rejections carry no identity", func(t *testing.T) {
		for _, err := range []error{recognition.ErrNoMatch, enrollment.ErrNoFaceDetected, vision.ErrUnsupportedImageFormat} {
			g := &MockGallery{MatchFrameFunc: func(image.Image) (recognition.Match, vision.FaceRegion, error) {
				return recognition.Match{IdentityID: "leak"}, vision.FaceRegion{}, err
			}}
			out := New(testConfig(t), g, nil, nil, studentRoster(), nil).Identify(ctx, frame())
			if out.Success || out.IdentityID != "" || out.Confidence != 0 {
				t.Errorf("%v: outcome leaks data: %+v", err, out)
			}
			if out.Code != CodeFor(err) {
				t.Errorf("%v: Code = %s", err, out.Code)
			}
		}
	})
}

func TestEstimateBlink(t *testing.T) {
	detector := &MockDetector{DetectFaceFunc: func(*image.Gray) (vision.Box, bool) {
		return vision.Box{X: 5, Y: 5, Width: 20, Height: 20}, true
	}}

	tests := []struct {
		name     string
		eyes     int
		blinking bool
	}{
		{"open", 2, false},
		{"closed", 1, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			detector.DetectEyesFunc = func(*image.Gray) []vision.Box {
				return make([]vision.Box, tt.eyes)
			}
			svc := New(testConfig(t), &MockGallery{}, detector, liveness.NewBlinkEstimator(detector), studentRoster(), nil)
			out := svc.EstimateBlink(context.Background(), frame())
			if !out.Success || out.Blink == nil || out.Blink.IsBlinking != tt.blinking {
				t.Errorf("outcome = %+v", out)
			}
		})
	}

	t.Run("no face", func(t *testing.T) {
		svc := New(testConfig(t), &MockGallery{}, &MockDetector{}, &MockBlink{}, studentRoster(), nil)
		if out := svc.EstimateBlink(context.Background(), frame()); out.Code != ErrCodeNoFace {
			t.Errorf("outcome = %+v", out)
		}
	})
}

func TestValidateToken(t *testing.T) {
	svc := New(testConfig(t), &MockGallery{}, nil, nil, studentRoster(asha()), nil)
	ctx := context.Background()

	tests := []struct {
		payload string
		code    ErrorCode
	}{
		{`{"roll_number":"21A91A0501","name":"Asha","branch":"CSM","unique_id":"ab12cd34"}`, ""},
		{`{"roll_number":"21A91A0999","name":"Gone","branch":"CSM"}`, ErrCodeUnknownIdentity},
		{`{"roll_number":"21A91A0501","name":"Asha"}`, ErrCodeMalformedToken},
	}
	for _, tt := range tests {
		out := svc.ValidateToken(ctx, []byte(tt.payload))
		if out.Code != tt.code || out.Success != (tt.code == "") {
			t.Errorf("ValidateToken(%s) = %+v", tt.payload, out)
		}
	}
}

func TestScanToken_NoScanner(t *testing.T) {
	svc := New(testConfig(t), &MockGallery{}, nil, nil, studentRoster(), nil)
	if out := svc.ScanToken(context.Background(), frame()); out.Success || out.Code != ErrCodeInternal {
		t.Errorf("outcome = %+v", out)
	}
}

// TestRemoveStudent_RevokesPrintedToken runs the full lifecycle against a
// real roster database and gallery.
func TestRemoveStudent_RevokesPrintedToken(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	r, err := roster.New(cfg.Roster.Database, cfg.Roster.Branches)
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()

	detector := &MockDetector{DetectFaceFunc: func(g *image.Gray) (vision.Box, bool) {
		return vision.BoxFromRect(g.Bounds()), true
	}}
	sf, err := storage.NewSnapshotFile(cfg.SnapshotPath(), false)
	if err != nil {
		t.Fatal(err)
	}
	gallery := enrollment.NewStore(detector, recognition.NewPixelEncoder(8), recognition.NewMatcher(100), sf)

	var payloads [][]byte
	scanner := &MockQRDecoder{DecodeFunc: func(image.Image) ([][]byte, error) { return payloads, nil }}
	svc := New(cfg, gallery, detector, nil, r, scanner)

	if err := r.CreateStudent(ctx, asha()); err != nil {
		t.Fatal(err)
	}
	if err := capture.Save(filepath.Join(cfg.StudentTrainingDir("21A91A0501"), "21A91A0501_1.jpg"), image.NewGray(image.Rect(0, 0, 16, 16))); err != nil {
		t.Fatal(err)
	}
	if out := svc.EnrollFromDirectory(ctx, "21A91A0501"); !out.Success {
		t.Fatalf("Enroll: %+v", out)
	}

	issued := svc.IssueToken(ctx, "21A91A0501")
	if !issued.Success {
		t.Fatalf("IssueToken: %+v", issued)
	}
	tok, err := os.ReadFile(issued.Path)
	if err != nil || len(tok) == 0 {
		t.Fatalf("QR image not written: %v", err)
	}
	student, _ := r.GetStudent(ctx, "21A91A0501")
	if student.QRCodePath != issued.Path || !student.FaceTrained {
		t.Errorf("roster not updated: %+v", student)
	}

	// The printed code encodes the same payload the scanner would read.
	valid, _ := (token.Token{IdentityID: "21A91A0501", DisplayName: "Asha", Branch: "CSM", Nonce: "ab12cd34"}).Payload()
	payloads = [][]byte{valid}
	if out := svc.ScanToken(ctx, frame()); !out.Success {
		t.Fatalf("ScanToken before removal: %+v", out)
	}

	if out := svc.RemoveStudent(ctx, "21A91A0501"); !out.Success {
		t.Fatalf("RemoveStudent: %+v", out)
	}

	out := svc.ScanToken(ctx, frame())
	if out.Success || out.Code != ErrCodeUnknownIdentity {
		t.Errorf("token for removed student accepted: %+v", out)
	}
	if gallery.Len() != 0 {
		t.Error("encodings should be revoked")
	}
	if _, err := os.Stat(issued.Path); !os.IsNotExist(err) {
		t.Error("QR image should be deleted")
	}
	if _, err := os.Stat(cfg.StudentTrainingDir("21A91A0501")); !os.IsNotExist(err) {
		t.Error("training images should be deleted")
	}

	if out := svc.RemoveStudent(ctx, "21A91A0501"); out.Code != ErrCodeNotOnRoster {
		t.Errorf("second removal: %+v", out)
	}
}

func TestCheckIn_Face(t *testing.T) {
	ctx := context.Background()
	open := liveness.BlinkResult{}
	closed := liveness.BlinkResult{IsBlinking: true}

	scripted := func(seq ...liveness.BlinkResult) *MockBlink {
		i := 0
		return &MockBlink{EstimateBlinkFunc: func(vision.FaceRegion) liveness.BlinkResult {
			r := seq[i%len(seq)]
			i++
			return r
		}}
	}

	tests := []struct {
		name          string
		blinkRequired bool
		blink         *MockBlink
		frames        int
		wantCode      ErrorCode
	}{
		{"no blink needed", false, scripted(open), 1, ""},
		{"blink confirmed", true, scripted(open, closed, closed, open), 4, ""},
		{"single closed frame", true, scripted(open, closed, open), 3, ErrCodeNoBlink},
		{"eyes never close", true, scripted(open), 4, ErrCodeNoBlink},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig(t)
			cfg.Liveness.BlinkRequired = tt.blinkRequired
			marked := 0
			r := studentRoster(asha())
			r.MarkAttendanceFunc = func(_ context.Context, roll, name, branch string) (*roster.AttendanceRecord, error) {
				marked++
				return &roster.AttendanceRecord{RollNumber: roll, Name: name, Branch: branch}, nil
			}

			frames := make([]image.Image, tt.frames)
			for i := range frames {
				frames[i] = frame()
			}

			svc := New(cfg, matchAs("21A91A0501", "Asha", 0.7), nil, tt.blink, r, nil)
			out := svc.CheckIn(ctx, ModeFace, frames)
			if out.Code != tt.wantCode {
				t.Fatalf("Code = %s, outcome = %+v", out.Code, out)
			}
			if tt.wantCode == "" {
				if !out.Success || out.Attendance == nil || out.Branch != "CSM" || marked != 1 {
					t.Errorf("attendance not marked: %+v", out)
				}
			} else if marked != 0 {
				t.Error("attendance marked despite rejection")
			}
		})
	}
}

func TestCheckIn_FaceBlinkOnUnmatchedFrames(t *testing.T) {
	ctx := context.Background()
	cfg := testConfig(t)
	cfg.Liveness.BlinkRequired = true

	// Frames 2 and 3 show closed eyes and miss the threshold, but the face
	// is still located.
	n := 0
	g := &MockGallery{MatchFrameFunc: func(image.Image) (recognition.Match, vision.FaceRegion, error) {
		n++
		region := vision.FaceRegion{Box: vision.Box{X: 5, Y: 5, Width: 20, Height: 20}}
		if n == 2 || n == 3 {
			return recognition.Match{}, region, recognition.ErrNoMatch
		}
		return recognition.Match{IdentityID: "21A91A0501", DisplayName: "Asha", Confidence: 0.7}, region, nil
	}}
	i := 0
	blink := &MockBlink{EstimateBlinkFunc: func(vision.FaceRegion) liveness.BlinkResult {
		i++
		return liveness.BlinkResult{IsBlinking: i == 2 || i == 3}
	}}

	svc := New(cfg, g, nil, blink, studentRoster(asha()), nil)
	out := svc.CheckIn(ctx, ModeFace, []image.Image{frame(), frame(), frame(), frame()})
	if !out.Success || out.IdentityID != "21A91A0501" {
		t.Fatalf("outcome = %+v", out)
	}
	if i != 4 {
		t.Errorf("blink estimated on %d frames, want 4", i)
	}
}

func TestIdentify_RejectionOmitsBlink(t *testing.T) {
	g := &MockGallery{MatchFrameFunc: func(image.Image) (recognition.Match, vision.FaceRegion, error) {
		return recognition.Match{}, vision.FaceRegion{Box: vision.Box{Width: 10, Height: 10}}, recognition.ErrNoMatch
	}}
	svc := New(testConfig(t), g, nil, &MockBlink{}, studentRoster(), nil)
	if out := svc.Identify(context.Background(), frame()); out.Success || out.Blink != nil || out.Face != nil {
		t.Errorf("rejection carries frame data: %+v", out)
	}
}

func TestCheckIn_Rejections(t *testing.T) {
	ctx := context.Background()
	frames := []image.Image{frame(), frame()}

	t.Run("conflicting matches", func(t *testing.T) {
		n := 0
		g := &MockGallery{MatchFrameFunc: func(image.Image) (recognition.Match, vision.FaceRegion, error) {
			n++
			return recognition.Match{IdentityID: fmt.Sprintf("id-%d", n), Confidence: 0.5}, vision.FaceRegion{}, nil
		}}
		out := New(testConfig(t), g, nil, nil, studentRoster(asha()), nil).CheckIn(ctx, ModeFace, frames)
		if out.Code != ErrCodeNoMatch || out.IdentityID != "" {
			t.Errorf("outcome = %+v", out)
		}
	})

	t.Run("matched student removed from roster", func(t *testing.T) {
		out := New(testConfig(t), matchAs("21A91A0501", "Asha", 0.9), nil, nil, studentRoster(), nil).CheckIn(ctx, ModeFace, frames)
		if out.Code != ErrCodeUnknownIdentity {
			t.Errorf("outcome = %+v", out)
		}
	})

	t.Run("already marked", func(t *testing.T) {
		r := studentRoster(asha())
		r.MarkAttendanceFunc = func(context.Context, string, string, string) (*roster.AttendanceRecord, error) {
			return nil, roster.ErrAlreadyMarked
		}
		out := New(testConfig(t), matchAs("21A91A0501", "Asha", 0.9), nil, nil, r, nil).CheckIn(ctx, ModeFace, frames)
		if out.Code != ErrCodeAlreadyMarked {
			t.Errorf("outcome = %+v", out)
		}
	})

	t.Run("no frames", func(t *testing.T) {
		out := New(testConfig(t), &MockGallery{}, nil, nil, studentRoster(), nil).CheckIn(ctx, ModeFace, nil)
		if out.Code != ErrCodeInvalidRequest {
			t.Errorf("outcome = %+v", out)
		}
	})

	t.Run("unknown mode", func(t *testing.T) {
		out := New(testConfig(t), &MockGallery{}, nil, nil, studentRoster(), nil).CheckIn(ctx, "iris", frames)
		if out.Code != ErrCodeInvalidRequest {
			t.Errorf("outcome = %+v", out)
		}
	})
}

func TestCheckIn_QR(t *testing.T) {
	ctx := context.Background()
	valid, _ := (token.Token{IdentityID: "21A91A0501", DisplayName: "Asha", Branch: "CSM"}).Payload()

	calls := 0
	scanner := &MockQRDecoder{DecodeFunc: func(image.Image) ([][]byte, error) {
		calls++
		if calls < 2 {
			return nil, nil
		}
		return [][]byte{[]byte("junk"), valid}, nil
	}}

	svc := New(testConfig(t), &MockGallery{}, nil, nil, studentRoster(asha()), scanner)
	out := svc.CheckIn(ctx, ModeQR, []image.Image{frame(), frame(), frame()})
	if !out.Success || out.IdentityID != "21A91A0501" || out.Attendance == nil {
		t.Fatalf("outcome = %+v", out)
	}
	if calls != 2 {
		t.Errorf("scanner called %d times, should stop at the first valid code", calls)
	}
}
