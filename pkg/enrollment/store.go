// Package enrollment owns the in-memory face gallery: enrolling and revoking
// identities, matching query encodings, and keeping the gallery in step with
// its snapshot on disk.
package enrollment

import (
	"context"
	"errors"
	"fmt"
	"image"
	"sync"

	"github.com/MrCodeEU/rollcall/pkg/capture"
	"github.com/MrCodeEU/rollcall/pkg/logging"
	"github.com/MrCodeEU/rollcall/pkg/recognition"
	"github.com/MrCodeEU/rollcall/pkg/storage"
	"github.com/MrCodeEU/rollcall/pkg/vision"
)

// ErrNoFaceDetected is returned when none of the supplied images held a
// usable face.
var ErrNoFaceDetected = errors.New("no face detected")

// ErrInvalidIdentity is returned for an empty identity id or display name.
var ErrInvalidIdentity = errors.New("identity id and display name are required")

// Persister saves and restores whole gallery snapshots.
type Persister interface {
	Save(s storage.Snapshot) error
	Load() (storage.Snapshot, error)
}

// EnrollReport counts what happened to one enrollment set.
type EnrollReport struct {
	Added   int
	Total   int
	Skipped int
}

func (r EnrollReport) String() string {
	return fmt.Sprintf("%d of %d images usable", r.Added, r.Total)
}

// Store is the gallery. Match calls share a read lock; Enroll, Revoke and
// Load take the write lock, and each mutation is persisted before the lock
// is released.
type Store struct {
	mu      sync.RWMutex
	records []recognition.Record

	detector  vision.FaceDetector
	encoder   recognition.Encoder
	matcher   *recognition.Matcher
	persister Persister
}

// NewStore creates an empty Store. Call Load to restore a saved gallery.
func NewStore(detector vision.FaceDetector, encoder recognition.Encoder, matcher *recognition.Matcher, persister Persister) *Store {
	return &Store{
		detector:  detector,
		encoder:   encoder,
		matcher:   matcher,
		persister: persister,
	}
}

// Encoder returns the encoder the gallery was built with.
func (s *Store) Encoder() recognition.Encoder {
	return s.encoder
}

// Threshold returns the matcher's acceptance threshold.
func (s *Store) Threshold() float64 {
	return s.matcher.Threshold()
}

// Enroll replaces every record of identityID with encodings taken from src.
// Images without a detectable face are skipped and counted. Detection and
// encoding run before the write lock is taken.
func (s *Store) Enroll(ctx context.Context, identityID, displayName string, src capture.Source) (EnrollReport, error) {
	log := logging.Component("enrollment").WithFields(logging.Fields{
		"identity": identityID,
		"source":   src.String(),
	})

	if identityID == "" || displayName == "" {
		return EnrollReport{}, ErrInvalidIdentity
	}

	frames, err := src.Frames()
	if err != nil {
		if errors.Is(err, capture.ErrNoImages) {
			return EnrollReport{}, fmt.Errorf("%w: %v", ErrNoFaceDetected, err)
		}
		return EnrollReport{}, fmt.Errorf("failed to read enrollment images: %w", err)
	}

	report := EnrollReport{Total: len(frames)}
	var fresh []recognition.Record
	for _, frame := range frames {
		if err := ctx.Err(); err != nil {
			return EnrollReport{}, err
		}

		enc, err := s.encodeFrame(frame)
		if err != nil {
			log.WithError(err).Debugf("Skipping %s", frame.Name)
			report.Skipped++
			continue
		}
		fresh = append(fresh, recognition.Record{
			IdentityID:  identityID,
			DisplayName: displayName,
			Encoding:    enc,
		})
	}
	report.Added = len(fresh)

	if report.Added == 0 {
		log.Warnf("Enrollment failed: %s", report)
		return report, ErrNoFaceDetected
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	previous := s.records
	next := make([]recognition.Record, 0, len(previous)+len(fresh))
	for _, r := range previous {
		if r.IdentityID != identityID {
			next = append(next, r)
		}
	}
	next = append(next, fresh...)

	s.records = next
	if err := s.persistLocked(); err != nil {
		s.records = previous
		return EnrollReport{}, err
	}

	log.Infof("Enrolled %s (%s)", displayName, report)
	return report, nil
}

func (s *Store) encodeFrame(frame capture.Frame) (recognition.Encoding, error) {
	if frame.Err != nil {
		return nil, frame.Err
	}
	region, ok, err := vision.LocateFace(s.detector, frame.Image)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrNoFaceDetected
	}
	return s.encoder.Encode(region.Gray)
}

// Revoke removes every record of identityID and returns how many were
// removed. Revoking an unknown identity is a no-op.
func (s *Store) Revoke(identityID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	previous := s.records
	next := make([]recognition.Record, 0, len(previous))
	for _, r := range previous {
		if r.IdentityID != identityID {
			next = append(next, r)
		}
	}

	removed := len(previous) - len(next)
	if removed == 0 {
		return 0, nil
	}

	s.records = next
	if err := s.persistLocked(); err != nil {
		s.records = previous
		return 0, err
	}

	logging.Component("enrollment").Infof("Revoked %d encoding(s) for %s", removed, identityID)
	return removed, nil
}

// Match finds the closest record to query. It returns recognition.ErrNoMatch
// for an empty gallery or when nothing is under the threshold.
func (s *Store) Match(query recognition.Encoding) (recognition.Match, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.matcher.FindBestMatch(query, s.records)
}

// MatchFrame locates the face in frame, encodes it and matches it. The
// located region is returned even when matching fails.
func (s *Store) MatchFrame(frame image.Image) (recognition.Match, vision.FaceRegion, error) {
	region, ok, err := vision.LocateFace(s.detector, frame)
	if err != nil {
		return recognition.Match{}, vision.FaceRegion{}, err
	}
	if !ok {
		return recognition.Match{}, vision.FaceRegion{}, ErrNoFaceDetected
	}

	enc, err := s.encoder.Encode(region.Gray)
	if err != nil {
		return recognition.Match{}, region, fmt.Errorf("failed to encode face: %w", err)
	}

	match, err := s.Match(enc)
	return match, region, err
}

// Records returns a copy of the gallery in store order.
func (s *Store) Records() []recognition.Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]recognition.Record, len(s.records))
	copy(out, s.records)
	return out
}

// Len returns the number of records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

// Identities returns the number of records per identity.
func (s *Store) Identities() map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[string]int)
	for _, r := range s.records {
		counts[r.IdentityID]++
	}
	return counts
}

// Persist writes the whole gallery.
func (s *Store) Persist() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.persistLocked()
}

func (s *Store) persistLocked() error {
	if err := s.persister.Save(storage.NewSnapshot(s.encoder.Name(), s.records)); err != nil {
		return fmt.Errorf("failed to persist gallery: %w", err)
	}
	return nil
}

// Load replaces the gallery with the saved snapshot. A missing snapshot is
// not an error. A corrupt one, or one written by a different encoder, leaves
// the gallery empty; the corrupt case returns an error wrapping
// storage.ErrCorruptSnapshot so callers can report it.
func (s *Store) Load() error {
	log := logging.Component("enrollment")

	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = nil

	snap, err := s.persister.Load()
	switch {
	case errors.Is(err, storage.ErrSnapshotNotFound):
		log.Info("No saved gallery, starting empty")
		return nil
	case err != nil:
		log.WithError(err).Warn("Saved gallery is unusable, starting empty")
		return err
	}

	if snap.Encoder != "" && snap.Encoder != s.encoder.Name() {
		log.Warnf("Saved gallery was built with %s, not %s; starting empty (re-enroll to rebuild)",
			snap.Encoder, s.encoder.Name())
		return nil
	}

	s.records = snap.Records()
	log.Infof("Loaded %d encoding(s)", len(s.records))
	return nil
}
