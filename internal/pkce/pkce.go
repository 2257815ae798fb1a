// Package pkce generates and carries the one-shot parameters that bind a
// login initiation to its callback: a PKCE code verifier (RFC 7636, S256)
// and an independent CSRF state value.
package pkce

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"

	"github.com/alexjbarnes/farm-auth/internal/session"
	"golang.org/x/oauth2"
)

// Session storage keys. Both are cleared on first read.
const (
	VerifierKey = "pkce_code_verifier"
	StateKey    = "pkce_state"
)

// stateBytes is the entropy of a state value, matching the verifier.
const stateBytes = 32

// Params is a stored verifier/state pair.
type Params struct {
	Verifier string
	State    string
}

// GenerateCodeVerifier returns 32 random bytes, base64url without padding.
func GenerateCodeVerifier() string {
	return oauth2.GenerateVerifier()
}

// GenerateCodeChallenge derives the S256 challenge for a verifier.
func GenerateCodeChallenge(verifier string) string {
	return oauth2.S256ChallengeFromVerifier(verifier)
}

// GenerateState returns a fresh CSRF state value, unrelated to any
// verifier.
func GenerateState() string {
	b := make([]byte, stateBytes)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}

	return base64.RawURLEncoding.EncodeToString(b)
}

// Store writes verifier and state to session storage.
func Store(ctx context.Context, s session.Store, verifier, state string) error {
	if err := s.Set(ctx, VerifierKey, verifier); err != nil {
		return fmt.Errorf("storing code verifier: %w", err)
	}

	if err := s.Set(ctx, StateKey, state); err != nil {
		_ = s.Delete(ctx, VerifierKey)
		return fmt.Errorf("storing state: %w", err)
	}

	return nil
}

// RetrieveAndClear reads and removes both parameters. It returns nil when
// either value is absent. Both keys are gone from storage afterwards,
// whether or not a pair was found.
func RetrieveAndClear(ctx context.Context, s session.Store) (*Params, error) {
	verifier, vok, verr := s.GetDel(ctx, VerifierKey)
	state, sok, serr := s.GetDel(ctx, StateKey)

	if verr != nil || serr != nil {
		_ = s.Delete(ctx, VerifierKey, StateKey)

		if verr != nil {
			return nil, fmt.Errorf("reading code verifier: %w", verr)
		}

		return nil, fmt.Errorf("reading state: %w", serr)
	}

	if !vok || !sok || verifier == "" || state == "" {
		return nil, nil
	}

	return &Params{Verifier: verifier, State: state}, nil
}
