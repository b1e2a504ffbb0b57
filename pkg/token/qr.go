package token

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	qrcode "github.com/skip2/go-qrcode"

	"github.com/MrCodeEU/rollcall/pkg/logging"
)

// DefaultImageSize is the side length of generated QR images in pixels.
const DefaultImageSize = 290

// FileName is the image name for a token: qr_<roll>_<nonce>.png.
func FileName(t Token) string {
	return fmt.Sprintf("qr_%s_%s.png", filepath.Base(t.IdentityID), t.Nonce)
}

// PNG renders the token at the highest error correction level.
func PNG(t Token, size int) ([]byte, error) {
	if size <= 0 {
		size = DefaultImageSize
	}
	payload, err := t.Payload()
	if err != nil {
		return nil, err
	}
	png, err := qrcode.Encode(string(payload), qrcode.Highest, size)
	if err != nil {
		return nil, fmt.Errorf("failed to render QR code: %w", err)
	}
	return png, nil
}

// WritePNG renders the token into dir and returns the file path.
func WritePNG(t Token, dir string, size int) (string, error) {
	png, err := PNG(t, size)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create QR directory: %w", err)
	}

	path := filepath.Join(dir, FileName(t))
	if err := os.WriteFile(path, png, 0644); err != nil {
		return "", fmt.Errorf("failed to write QR code: %w", err)
	}

	logging.Component("token").WithFields(logging.Fields{
		"identity": t.IdentityID,
		"path":     path,
	}).Info("QR code generated")
	return path, nil
}

// RemovePNGs deletes every QR image issued for identityID in dir and returns
// how many were removed. Only qr_<roll>_<nonce>.png names match, so removing
// R1 leaves the codes of R1_2 alone.
func RemovePNGs(dir, identityID string) (int, error) {
	prefix := fmt.Sprintf("qr_%s_", filepath.Base(identityID))
	matches, err := filepath.Glob(filepath.Join(dir, prefix+"*.png"))
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, m := range matches {
		if !isNonce(strings.TrimSuffix(strings.TrimPrefix(filepath.Base(m), prefix), ".png")) {
			continue
		}
		if err := os.Remove(m); err != nil && !os.IsNotExist(err) {
			return removed, fmt.Errorf("failed to remove %s: %w", m, err)
		}
		removed++
	}
	return removed, nil
}

// isNonce reports whether s has the shape Issue gives nonces.
func isNonce(s string) bool {
	return len(s) == NonceLength && !strings.ContainsAny(s, "_/")
}
