// Package token handles student QR tokens: issuing them, parsing scanned
// payloads, and deciding whether a payload may be trusted.
//
// Tokens carry no signature or expiry. The only trust anchor is a live
// lookup against the roster at validation time, so a printed code stops
// working as soon as its student is removed.
package token

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/MrCodeEU/rollcall/pkg/logging"
)

// ErrMalformedToken is returned for payloads that are not a token.
var ErrMalformedToken = errors.New("malformed token")

// ErrUnknownIdentity is returned when the token's student is not on the
// roster.
var ErrUnknownIdentity = errors.New("unknown identity")

// ErrNoToken is returned by ValidateFirst when no payloads were decoded.
var ErrNoToken = errors.New("no token found")

// NonceLength is the length of the per-issue unique id.
const NonceLength = 8

// Token is the QR payload.
type Token struct {
	IdentityID  string `json:"roll_number"`
	DisplayName string `json:"name"`
	Branch      string `json:"branch"`
	Nonce       string `json:"unique_id,omitempty"`
}

// Parse decodes and schema-checks a scanned payload. roll_number, name and
// branch must be non-empty strings; unknown fields are ignored. name and
// branch are trimmed, but roll_number is the lookup key and must already be
// exact.
func Parse(payload []byte) (Token, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(payload, &raw); err != nil {
		return Token{}, fmt.Errorf("%w: %v", ErrMalformedToken, err)
	}

	field := func(name string, required bool) (string, error) {
		v, ok := raw[name]
		if !ok {
			if required {
				return "", fmt.Errorf("%w: missing %s", ErrMalformedToken, name)
			}
			return "", nil
		}
		var s string
		if err := json.Unmarshal(v, &s); err != nil {
			return "", fmt.Errorf("%w: %s is not a string", ErrMalformedToken, name)
		}
		trimmed := strings.TrimSpace(s)
		if name == "roll_number" && trimmed != s {
			return "", fmt.Errorf("%w: whitespace around %s", ErrMalformedToken, name)
		}
		s = trimmed
		if required && s == "" {
			return "", fmt.Errorf("%w: empty %s", ErrMalformedToken, name)
		}
		return s, nil
	}

	var tok Token
	var err error
	if tok.IdentityID, err = field("roll_number", true); err != nil {
		return Token{}, err
	}
	if tok.DisplayName, err = field("name", true); err != nil {
		return Token{}, err
	}
	if tok.Branch, err = field("branch", true); err != nil {
		return Token{}, err
	}
	// The nonce is bookkeeping only; a bad one is dropped, not rejected.
	tok.Nonce, _ = field("unique_id", false)
	return tok, nil
}

// Payload encodes the token as it is printed in the QR code.
func (t Token) Payload() ([]byte, error) {
	return json.Marshal(t)
}

// Issue builds a fresh token with a new nonce.
func Issue(identityID, displayName, branch string) (Token, error) {
	tok := Token{
		IdentityID:  strings.TrimSpace(identityID),
		DisplayName: strings.TrimSpace(displayName),
		Branch:      strings.TrimSpace(branch),
		Nonce:       uuid.NewString()[:NonceLength],
	}
	if tok.IdentityID == "" || tok.DisplayName == "" || tok.Branch == "" {
		return Token{}, fmt.Errorf("%w: roll number, name and branch are required", ErrMalformedToken)
	}
	return tok, nil
}

// IdentityLookup is the roster capability the validator needs.
type IdentityLookup interface {
	Exists(ctx context.Context, identityID string) (bool, error)
}

// Validator checks tokens against the live roster.
type Validator struct {
	lookup IdentityLookup
}

// NewValidator creates a Validator.
func NewValidator(lookup IdentityLookup) *Validator {
	return &Validator{lookup: lookup}
}

// Validate accepts tok only if its student currently exists. A lookup
// failure is a rejection.
func (v *Validator) Validate(ctx context.Context, tok Token) (Token, error) {
	log := logging.Component("token").WithFields(logging.Fields{"identity": tok.IdentityID})

	exists, err := v.lookup.Exists(ctx, tok.IdentityID)
	if err != nil {
		log.WithError(err).Error("Identity lookup failed, rejecting token")
		return Token{}, fmt.Errorf("identity lookup failed: %w", err)
	}
	if !exists {
		log.Warn("Rejected token for a student who is not on the roster")
		return Token{}, ErrUnknownIdentity
	}

	log.Debug("Token validated")
	return tok, nil
}

// ValidatePayload parses and validates one scanned payload.
func (v *Validator) ValidatePayload(ctx context.Context, payload []byte) (Token, error) {
	tok, err := Parse(payload)
	if err != nil {
		return Token{}, err
	}
	return v.Validate(ctx, tok)
}

// ValidateFirst returns the first payload, in decoder order, that is well
// formed and names an existing student. When none qualifies the error
// reflects the most significant rejection: a lookup failure, then an
// unknown identity, then a malformed payload.
func (v *Validator) ValidateFirst(ctx context.Context, payloads [][]byte) (Token, error) {
	if len(payloads) == 0 {
		return Token{}, ErrNoToken
	}

	var rejection error
	rank := func(err error) int {
		switch {
		case errors.Is(err, ErrMalformedToken):
			return 1
		case errors.Is(err, ErrUnknownIdentity):
			return 2
		default:
			return 3
		}
	}

	for _, p := range payloads {
		tok, err := v.ValidatePayload(ctx, p)
		if err == nil {
			return tok, nil
		}
		if rejection == nil || rank(err) > rank(rejection) {
			rejection = err
		}
	}
	return Token{}, rejection
}
