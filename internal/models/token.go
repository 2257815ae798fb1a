// Package models defines types shared across internal packages.
package models

import (
	"fmt"
	"time"
)

// TokenType identifies which provider issued a token. A token is never
// migrated between provider types.
type TokenType string

const (
	TokenTypeLocal TokenType = "local"
	TokenTypeOAuth TokenType = "oauth"
)

// StoredToken is the credential record a provider hands to API clients.
// For session-issued tokens RefreshToken equals AccessToken, since a
// session refresh re-tokenizes the session rather than redeeming a
// separate refresh credential.
type StoredToken struct {
	AccessToken  string    `json:"access_token" yaml:"access_token"`
	RefreshToken string    `json:"refresh_token" yaml:"refresh_token"`
	TokenType    TokenType `json:"token_type" yaml:"token_type"`
	// ExpiresTime is an RFC 3339 timestamp. Advisory only.
	ExpiresTime string `json:"expires_time" yaml:"expires_time"`
}

// Valid reports whether the token is structurally complete. A token with
// any of the three credential fields empty must never be surfaced.
func (t *StoredToken) Valid() bool {
	return t != nil &&
		t.AccessToken != "" &&
		t.RefreshToken != "" &&
		t.TokenType != ""
}

// ExpiresAt parses ExpiresTime.
func (t *StoredToken) ExpiresAt() (time.Time, error) {
	if t.ExpiresTime == "" {
		return time.Time{}, fmt.Errorf("token has no expiry")
	}

	exp, err := time.Parse(time.RFC3339, t.ExpiresTime)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing token expiry: %w", err)
	}

	return exp, nil
}

// FormatExpiry renders an expiry time in the ExpiresTime format.
func FormatExpiry(exp time.Time) string {
	return exp.UTC().Format(time.RFC3339)
}
