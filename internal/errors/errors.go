package errors

import "errors"

// Credential and token errors.
var (
	ErrInvalidCredentials   = errors.New("invalid username or password")
	ErrInvalidToken         = errors.New("invalid or expired token")
	ErrSessionExpired       = errors.New("identity session expired")
	ErrStorageCorruption    = errors.New("stored token is corrupt")
	ErrInvalidState         = errors.New("login state missing or mismatched")
	ErrNotAuthenticated     = errors.New("not authenticated")
	ErrUnsupportedOperation = errors.New("operation not supported by this provider")
)

// Server/transport errors.
var (
	ErrAPIRequest  = errors.New("API request failed")
	ErrAPIResponse = errors.New("unexpected API response")
)
