// Package storage persists the enrollment gallery as a single snapshot file.
// Snapshots are written atomically and may be encrypted at rest with NaCl
// secretbox.
package storage

import (
	"bytes"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/MrCodeEU/rollcall/pkg/logging"
	"github.com/MrCodeEU/rollcall/pkg/recognition"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/nacl/secretbox"
)

const (
	// NonceSize is the secretbox nonce length.
	NonceSize = 24
	// KeySize is the secretbox key length.
	KeySize = 32

	// SnapshotVersion is the current snapshot layout.
	SnapshotVersion = 1
)

// Snapshot is the on-disk gallery: three parallel sequences of equal length.
type Snapshot struct {
	Version   int                    `json:"version"`
	Encoder   string                 `json:"encoder"`
	SavedAt   time.Time              `json:"saved_at"`
	Encodings []recognition.Encoding `json:"encodings"`
	Names     []string               `json:"names"`
	IDs       []string               `json:"ids"`
}

// ErrSnapshotNotFound is returned when no snapshot has been written yet.
var ErrSnapshotNotFound = errors.New("snapshot not found")

// ErrCorruptSnapshot is returned when a snapshot exists but cannot be used.
var ErrCorruptSnapshot = errors.New("corrupt snapshot")

// ErrEncryption is returned when a snapshot cannot be sealed or opened.
var ErrEncryption = errors.New("encryption error")

// NewSnapshot builds a snapshot from gallery records.
func NewSnapshot(encoder string, records []recognition.Record) Snapshot {
	s := Snapshot{
		Version:   SnapshotVersion,
		Encoder:   encoder,
		Encodings: make([]recognition.Encoding, len(records)),
		Names:     make([]string, len(records)),
		IDs:       make([]string, len(records)),
	}
	for i, r := range records {
		s.Encodings[i] = r.Encoding
		s.Names[i] = r.DisplayName
		s.IDs[i] = r.IdentityID
	}
	return s
}

// Records converts the parallel sequences back into records.
func (s Snapshot) Records() []recognition.Record {
	records := make([]recognition.Record, len(s.IDs))
	for i := range s.IDs {
		records[i] = recognition.Record{
			IdentityID:  s.IDs[i],
			DisplayName: s.Names[i],
			Encoding:    s.Encodings[i],
		}
	}
	return records
}

func (s Snapshot) validate() error {
	if s.Version != SnapshotVersion {
		return fmt.Errorf("unsupported version %d", s.Version)
	}
	if len(s.Encodings) != len(s.Names) || len(s.Names) != len(s.IDs) {
		return fmt.Errorf("sequence lengths differ: %d encodings, %d names, %d ids",
			len(s.Encodings), len(s.Names), len(s.IDs))
	}
	return nil
}

// SnapshotFile reads and writes one snapshot path.
type SnapshotFile struct {
	path   string
	sealed bool
	secret []byte
}

// NewSnapshotFile creates a SnapshotFile. The parent directory is created if
// needed.
func NewSnapshotFile(path string, encryptionEnabled bool) (*SnapshotFile, error) {
	sf := &SnapshotFile{path: path, sealed: encryptionEnabled}
	if encryptionEnabled {
		sf.secret = machineSecret()
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("failed to create snapshot directory: %w", err)
	}

	return sf, nil
}

// Path returns the snapshot location.
func (sf *SnapshotFile) Path() string {
	return sf.path
}

// Save writes the snapshot to a temporary file beside the target, syncs it
// and renames it into place, so readers see either the old or the new
// snapshot and never a partial one.
func (sf *SnapshotFile) Save(s Snapshot) error {
	if s.Version == 0 {
		s.Version = SnapshotVersion
	}
	if err := s.validate(); err != nil {
		return err
	}
	s.SavedAt = time.Now().UTC()

	data, err := json.Marshal(s)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	if sf.sealed {
		if data, err = sf.seal(data); err != nil {
			return fmt.Errorf("failed to encrypt snapshot: %w", err)
		}
	}

	tmp, err := os.CreateTemp(filepath.Dir(sf.path), "."+filepath.Base(sf.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp snapshot: %w", err)
	}
	tmpPath := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpPath) }

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("failed to sync snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("failed to close snapshot: %w", err)
	}
	if err := os.Chmod(tmpPath, 0600); err != nil {
		cleanup()
		return fmt.Errorf("failed to set snapshot permissions: %w", err)
	}
	if err := os.Rename(tmpPath, sf.path); err != nil {
		cleanup()
		return fmt.Errorf("failed to replace snapshot: %w", err)
	}

	logging.Component("storage").WithFields(logging.Fields{
		"path":    sf.path,
		"records": len(s.IDs),
	}).Debug("Snapshot saved")
	return nil
}

// Load reads the snapshot. A missing file gives ErrSnapshotNotFound; any
// read, decrypt, decode or shape problem gives an error wrapping
// ErrCorruptSnapshot.
func (sf *SnapshotFile) Load() (Snapshot, error) {
	data, err := os.ReadFile(sf.path)
	if err != nil {
		if os.IsNotExist(err) {
			return Snapshot{}, ErrSnapshotNotFound
		}
		return Snapshot{}, fmt.Errorf("%w: %v", ErrCorruptSnapshot, err)
	}

	if sf.sealed {
		if data, err = sf.open(data); err != nil {
			return Snapshot{}, fmt.Errorf("%w: %v", ErrCorruptSnapshot, err)
		}
	}

	var s Snapshot
	if err := json.Unmarshal(data, &s); err != nil {
		return Snapshot{}, fmt.Errorf("%w: %v", ErrCorruptSnapshot, err)
	}
	if err := s.validate(); err != nil {
		return Snapshot{}, fmt.Errorf("%w: %v", ErrCorruptSnapshot, err)
	}

	logging.Component("storage").Debugf("Loaded snapshot with %d record(s) from %s", len(s.IDs), sf.path)
	return s, nil
}

// A sealed snapshot is sealMagic, a per-save salt, a secretbox nonce and the
// box. The key is derived from the machine secret and the salt, so a header
// edit changes the key or nonce and the box fails to open.
var sealMagic = []byte("RCS1")

const (
	saltSize   = 16
	headerSize = 4 + saltSize + NonceSize
)

// machineSecret gathers the host identity sealed snapshots are bound to.
// Copying a snapshot to another host or user leaves it unreadable.
func machineSecret() []byte {
	var b strings.Builder
	if id, err := os.ReadFile("/etc/machine-id"); err == nil {
		b.Write(bytes.TrimSpace(id))
	}
	if host, err := os.Hostname(); err == nil {
		b.WriteString("\x00" + host)
	}
	fmt.Fprintf(&b, "\x00%d", os.Getuid())
	return []byte(b.String())
}

// snapshotKey expands secret and salt into a secretbox key with HKDF-SHA256.
func snapshotKey(secret, salt []byte) (*[KeySize]byte, error) {
	var key [KeySize]byte
	kdf := hkdf.New(sha256.New, secret, salt, []byte("rollcall gallery snapshot"))
	if _, err := io.ReadFull(kdf, key[:]); err != nil {
		return nil, fmt.Errorf("%w: derive key: %v", ErrEncryption, err)
	}
	return &key, nil
}

// seal encrypts an encoded snapshot under a fresh salt and nonce.
func (sf *SnapshotFile) seal(plain []byte) ([]byte, error) {
	out := make([]byte, headerSize, headerSize+len(plain)+secretbox.Overhead)
	copy(out, sealMagic)
	salt := out[len(sealMagic) : len(sealMagic)+saltSize]
	if _, err := io.ReadFull(rand.Reader, out[len(sealMagic):]); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncryption, err)
	}
	key, err := snapshotKey(sf.secret, salt)
	if err != nil {
		return nil, err
	}
	var nonce [NonceSize]byte
	copy(nonce[:], out[len(sealMagic)+saltSize:])
	return secretbox.Seal(out, plain, &nonce, key), nil
}

// open reverses seal. Any header or authentication failure is ErrEncryption.
func (sf *SnapshotFile) open(sealed []byte) ([]byte, error) {
	if len(sealed) < headerSize+secretbox.Overhead || !bytes.HasPrefix(sealed, sealMagic) {
		return nil, fmt.Errorf("%w: not a sealed snapshot", ErrEncryption)
	}
	salt := sealed[len(sealMagic) : len(sealMagic)+saltSize]
	key, err := snapshotKey(sf.secret, salt)
	if err != nil {
		return nil, err
	}
	var nonce [NonceSize]byte
	copy(nonce[:], sealed[len(sealMagic)+saltSize:headerSize])
	plain, ok := secretbox.Open(nil, sealed[headerSize:], &nonce, key)
	if !ok {
		return nil, fmt.Errorf("%w: authentication failed", ErrEncryption)
	}
	return plain, nil
}
