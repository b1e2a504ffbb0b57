package checkin

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"time"

	"github.com/MrCodeEU/rollcall/pkg/capture"
	"github.com/MrCodeEU/rollcall/pkg/enrollment"
	"github.com/MrCodeEU/rollcall/pkg/liveness"
	"github.com/MrCodeEU/rollcall/pkg/logging"
	"github.com/MrCodeEU/rollcall/pkg/recognition"
	"github.com/MrCodeEU/rollcall/pkg/token"
	"github.com/MrCodeEU/rollcall/pkg/vision"
)

// Mode selects how a check-in identifies the student.
type Mode string

const (
	ModeFace Mode = "face"
	ModeQR   Mode = "qr"
)

// Enroll trains the gallery for a roster student from src.
func (s *Service) Enroll(ctx context.Context, roll string, src capture.Source) Outcome {
	start := time.Now()
	out := Outcome{IdentityID: roll}

	if src == nil {
		return fail(out, fmt.Errorf("%w: no image source", ErrInvalidRequest), start)
	}

	student, err := s.roster.GetStudent(ctx, roll)
	if err != nil {
		return fail(out, err, start)
	}
	out.DisplayName, out.Branch = student.Name, student.Branch

	report, err := s.gallery.Enroll(ctx, roll, student.Name, src)
	out.Enrollment = &report
	if err != nil {
		out = fail(out, err, start)
		if report.Total > 0 {
			out.Reason = fmt.Sprintf("%s (%s)", out.Reason, report)
		}
		return out
	}

	if err := s.roster.SetFaceTrained(ctx, roll, true); err != nil {
		logging.Warnf("Failed to mark %s as trained: %v", roll, err)
	}
	return succeed(out, "Face trained: "+report.String(), start)
}

// EnrollFromDirectory trains the gallery from the student's training
// image directory.
func (s *Service) EnrollFromDirectory(ctx context.Context, roll string) Outcome {
	return s.Enroll(ctx, roll, capture.FromDirectory(s.config.StudentTrainingDir(roll)))
}

// Revoke drops every encoding of roll. Unknown identities succeed with
// nothing removed.
func (s *Service) Revoke(ctx context.Context, roll string) Outcome {
	start := time.Now()
	out := Outcome{IdentityID: roll}

	n, err := s.gallery.Revoke(roll)
	if err != nil {
		return fail(out, err, start)
	}
	if err := s.roster.SetFaceTrained(ctx, roll, false); err != nil && !isNotFound(err) {
		logging.Warnf("Failed to clear trained flag for %s: %v", roll, err)
	}
	return succeed(out, fmt.Sprintf("Removed %d encoding(s)", n), start)
}

// Identify matches the face in frame against the gallery. When a blink
// estimator is configured the advisory blink estimate is attached.
func (s *Service) Identify(ctx context.Context, frame image.Image) Outcome {
	out, _ := s.identify(ctx, frame)
	return out
}

// identify is Identify that also hands back the blink estimate for any face
// it located, including one that failed to match. The rejected Outcome itself
// never carries it.
func (s *Service) identify(ctx context.Context, frame image.Image) (Outcome, *liveness.BlinkResult) {
	start := time.Now()

	if err := ctx.Err(); err != nil {
		return fail(Outcome{}, err, start), nil
	}

	match, region, err := s.gallery.MatchFrame(frame)
	blink := s.estimateRegion(region)
	if err != nil {
		return fail(Outcome{}, err, start), blink
	}

	box := region.Box
	out := Outcome{
		IdentityID:  match.IdentityID,
		DisplayName: match.DisplayName,
		Confidence:  match.Confidence,
		Face:        &box,
		Blink:       blink,
	}

	logging.Component("checkin").WithFields(logging.Fields{
		"identity":   match.IdentityID,
		"confidence": match.Confidence,
	}).Info("Face recognized")
	return succeed(out, "Recognized "+match.DisplayName, start), blink
}

func (s *Service) estimateRegion(region vision.FaceRegion) *liveness.BlinkResult {
	if s.blink == nil || region.Box.Empty() {
		return nil
	}
	blink := s.blink.EstimateBlink(region)
	return &blink
}

// EstimateBlink locates the face in frame and runs the blink heuristic. The
// estimate is advisory.
func (s *Service) EstimateBlink(ctx context.Context, frame image.Image) Outcome {
	start := time.Now()
	var out Outcome

	if err := ctx.Err(); err != nil {
		return fail(out, err, start)
	}

	region, ok, err := vision.LocateFace(s.detector, frame)
	if err != nil {
		return fail(out, err, start)
	}
	if !ok {
		return fail(out, enrollment.ErrNoFaceDetected, start)
	}

	blink := s.blink.EstimateBlink(region)
	box := region.Box
	out.Face = &box
	out.Blink = &blink

	reason := "Eyes open"
	if blink.IsBlinking {
		reason = "Blink detected"
	}
	return succeed(out, reason, start)
}

// ValidateToken checks one decoded QR payload against the live roster.
func (s *Service) ValidateToken(ctx context.Context, payload []byte) Outcome {
	start := time.Now()
	tok, err := s.validator.ValidatePayload(ctx, payload)
	if err != nil {
		return fail(Outcome{}, err, start)
	}
	return succeed(tokenOutcome(tok), "Valid QR code for "+tok.DisplayName, start)
}

// ScanToken decodes every QR code in frame and accepts the first valid one.
func (s *Service) ScanToken(ctx context.Context, frame image.Image) Outcome {
	start := time.Now()
	if s.scanner == nil {
		return fail(Outcome{}, errors.New("no QR scanner configured"), start)
	}

	payloads, err := s.scanner.Decode(frame)
	if err != nil {
		return fail(Outcome{}, err, start)
	}

	tok, err := s.validator.ValidateFirst(ctx, payloads)
	if err != nil {
		return fail(Outcome{}, err, start)
	}
	return succeed(tokenOutcome(tok), "Valid QR code for "+tok.DisplayName, start)
}

func tokenOutcome(tok token.Token) Outcome {
	return Outcome{IdentityID: tok.IdentityID, DisplayName: tok.DisplayName, Branch: tok.Branch}
}

// IssueToken renders a fresh QR code for a roster student and records its
// path.
func (s *Service) IssueToken(ctx context.Context, roll string) Outcome {
	start := time.Now()
	out := Outcome{IdentityID: roll}

	student, err := s.roster.GetStudent(ctx, roll)
	if err != nil {
		return fail(out, err, start)
	}

	tok, err := token.Issue(student.RollNumber, student.Name, student.Branch)
	if err != nil {
		return fail(out, err, start)
	}
	path, err := token.WritePNG(tok, s.config.Tokens.OutputDir, s.config.Tokens.ImageSize)
	if err != nil {
		return fail(out, err, start)
	}
	if err := s.roster.SetQRPath(ctx, roll, path); err != nil {
		return fail(out, err, start)
	}

	out.DisplayName, out.Branch, out.Path = student.Name, student.Branch, path
	return succeed(out, "QR code generated successfully", start)
}

// RemoveStudent deletes the student from the roster, then drops their
// encodings, training images and QR codes. Once the roster entry is gone any
// printed QR code stops validating.
func (s *Service) RemoveStudent(ctx context.Context, roll string) Outcome {
	start := time.Now()
	out := Outcome{IdentityID: roll}
	log := logging.Component("checkin").WithFields(logging.Fields{"identity": roll})

	if err := s.roster.DeleteStudent(ctx, roll); err != nil {
		return fail(out, err, start)
	}

	var errs []error
	if n, err := s.gallery.Revoke(roll); err != nil {
		errs = append(errs, err)
	} else if n > 0 {
		log.Infof("Removed %d face encoding(s)", n)
	}
	if err := os.RemoveAll(s.config.StudentTrainingDir(roll)); err != nil {
		errs = append(errs, fmt.Errorf("failed to remove training images: %w", err))
	}
	if _, err := token.RemovePNGs(s.config.Tokens.OutputDir, roll); err != nil {
		errs = append(errs, err)
	}

	if err := errors.Join(errs...); err != nil {
		return fail(out, err, start)
	}
	return succeed(out, "Student and all associated data deleted successfully", start)
}

// CheckIn identifies the student in frames and marks attendance.
//
// In QR mode the first frame holding a valid code wins. In face mode every
// frame is matched; when blink is required the frames must also show a
// confirmed blink, and the identity must be the same across the matched
// frames. Either way the identity must still be on the roster.
func (s *Service) CheckIn(ctx context.Context, mode Mode, frames []image.Image) Outcome {
	start := time.Now()
	if len(frames) == 0 {
		return fail(Outcome{}, fmt.Errorf("%w: no frames", ErrInvalidRequest), start)
	}

	var out Outcome
	switch mode {
	case ModeQR:
		out = s.checkInQR(ctx, frames)
	case ModeFace:
		out = s.checkInFace(ctx, frames)
	default:
		return fail(Outcome{}, fmt.Errorf("%w: unknown mode %q", ErrInvalidRequest, mode), start)
	}
	if !out.Success {
		out.Duration = time.Since(start)
		return out
	}

	student, err := s.roster.GetStudent(ctx, out.IdentityID)
	if err != nil {
		if isNotFound(err) {
			err = token.ErrUnknownIdentity
		}
		return fail(Outcome{}, err, start)
	}

	rec, err := s.roster.MarkAttendance(ctx, student.RollNumber, student.Name, student.Branch)
	out.DisplayName, out.Branch = student.Name, student.Branch
	if err != nil {
		return fail(out, err, start)
	}
	out.Attendance = rec
	return succeed(out, "Attendance marked for "+student.Name, start)
}

func (s *Service) checkInQR(ctx context.Context, frames []image.Image) Outcome {
	var last Outcome
	for _, f := range frames {
		last = s.ScanToken(ctx, f)
		if last.Success {
			return last
		}
		if ctx.Err() != nil {
			break
		}
	}
	return last
}

func (s *Service) checkInFace(ctx context.Context, frames []image.Image) Outcome {
	start := time.Now()
	required := s.config.Liveness.BlinkRequired
	counter := liveness.NewBlinkCounter(s.config.Liveness.ConsecutiveFrames)

	var best, last Outcome
	blinked := false
	for _, f := range frames {
		if err := ctx.Err(); err != nil {
			return fail(Outcome{}, err, start)
		}

		// Closed eyes often push a frame past the threshold, so the blink
		// is observed whether or not the frame matched.
		o, blink := s.identify(ctx, f)
		if blink != nil && counter.Observe(*blink) {
			blinked = true
		}
		if !o.Success {
			last = o
			continue
		}
		if best.Success && best.IdentityID != o.IdentityID {
			return fail(Outcome{}, fmt.Errorf("frames matched different students: %w", recognition.ErrNoMatch), start)
		}
		if !best.Success || o.Confidence > best.Confidence {
			best = o
		}
	}

	if !best.Success {
		return last
	}
	if required && !blinked {
		return fail(Outcome{}, ErrNoBlink, start)
	}
	return best
}
