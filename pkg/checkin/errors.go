package checkin

import (
	"errors"

	"github.com/MrCodeEU/rollcall/pkg/enrollment"
	"github.com/MrCodeEU/rollcall/pkg/recognition"
	"github.com/MrCodeEU/rollcall/pkg/roster"
	"github.com/MrCodeEU/rollcall/pkg/storage"
	"github.com/MrCodeEU/rollcall/pkg/token"
	"github.com/MrCodeEU/rollcall/pkg/vision"
)

// ErrorCode represents a specific check-in failure.
type ErrorCode string

const (
	ErrCodeNoFace           ErrorCode = "NO_FACE"
	ErrCodeNoMatch          ErrorCode = "NO_MATCH"
	ErrCodeMalformedToken   ErrorCode = "MALFORMED_TOKEN"
	ErrCodeUnknownIdentity  ErrorCode = "UNKNOWN_IDENTITY"
	ErrCodeNoToken          ErrorCode = "NO_TOKEN"
	ErrCodeCorruptSnapshot  ErrorCode = "CORRUPT_SNAPSHOT"
	ErrCodeUnsupportedImage ErrorCode = "UNSUPPORTED_IMAGE"
	ErrCodeNotOnRoster      ErrorCode = "NOT_ON_ROSTER"
	ErrCodeAlreadyMarked    ErrorCode = "ALREADY_MARKED"
	ErrCodeNoBlink          ErrorCode = "NO_BLINK"
	ErrCodeInvalidRequest   ErrorCode = "INVALID_REQUEST"
	ErrCodeInternal         ErrorCode = "INTERNAL"
)

// CheckError is a structured check-in error.
type CheckError struct {
	Code    ErrorCode
	Message string
	Details map[string]interface{}
	cause   error
}

func (e *CheckError) Error() string {
	return e.Message
}

// Unwrap exposes the underlying sentinel so callers can use errors.Is.
func (e *CheckError) Unwrap() error {
	return e.cause
}

// User-friendly error messages
var errorMessages = map[ErrorCode]string{
	ErrCodeNoFace:           "No face detected. Please face the camera",
	ErrCodeNoMatch:          "Face not recognized",
	ErrCodeMalformedToken:   "This is not a valid student QR code",
	ErrCodeUnknownIdentity:  "QR code is not valid for any current student",
	ErrCodeNoToken:          "No QR code detected",
	ErrCodeCorruptSnapshot:  "Saved face data could not be read. Please re-enroll students",
	ErrCodeUnsupportedImage: "Image format not supported",
	ErrCodeNotOnRoster:      "Student not found",
	ErrCodeAlreadyMarked:    "Attendance already marked for today",
	ErrCodeNoBlink:          "Please blink to confirm you are present",
	ErrCodeInvalidRequest:   "Invalid request",
	ErrCodeInternal:         "Something went wrong. Please try again",
}

// GetErrorMessage returns a user-friendly message for an error code.
func GetErrorMessage(code ErrorCode) string {
	if msg, ok := errorMessages[code]; ok {
		return msg
	}
	return "Check-in failed"
}

// NewCheckError creates a CheckError wrapping cause.
func NewCheckError(code ErrorCode, cause error) *CheckError {
	return &CheckError{
		Code:    code,
		Message: GetErrorMessage(code),
		Details: make(map[string]interface{}),
		cause:   cause,
	}
}

// ErrNoBlink is returned when a blink was required but not seen.
var ErrNoBlink = errors.New("no blink detected")

// ErrInvalidRequest is returned for requests missing required input.
var ErrInvalidRequest = errors.New("invalid request")

// CodeFor maps a package error onto its ErrorCode.
func CodeFor(err error) ErrorCode {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, enrollment.ErrNoFaceDetected):
		return ErrCodeNoFace
	case errors.Is(err, recognition.ErrNoMatch):
		return ErrCodeNoMatch
	case errors.Is(err, token.ErrMalformedToken):
		return ErrCodeMalformedToken
	case errors.Is(err, token.ErrUnknownIdentity):
		return ErrCodeUnknownIdentity
	case errors.Is(err, token.ErrNoToken):
		return ErrCodeNoToken
	case errors.Is(err, storage.ErrCorruptSnapshot):
		return ErrCodeCorruptSnapshot
	case errors.Is(err, vision.ErrUnsupportedImageFormat):
		return ErrCodeUnsupportedImage
	case errors.Is(err, roster.ErrStudentNotFound):
		return ErrCodeNotOnRoster
	case errors.Is(err, roster.ErrAlreadyMarked):
		return ErrCodeAlreadyMarked
	case errors.Is(err, ErrNoBlink):
		return ErrCodeNoBlink
	case errors.Is(err, ErrInvalidRequest),
		errors.Is(err, enrollment.ErrInvalidIdentity),
		errors.Is(err, roster.ErrInvalidStudent):
		return ErrCodeInvalidRequest
	default:
		return ErrCodeInternal
	}
}
