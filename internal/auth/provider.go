// Package auth acquires and manages the credentials the dashboard attaches
// to API calls. Two providers implement the same contract: LocalProvider
// exchanges a username and password directly, SessionProvider tokenizes a
// browser session held by the identity server.
package auth

import (
	"context"

	"github.com/alexjbarnes/farm-auth/internal/models"
)

// Provider is the credential-acquisition contract. Exactly one provider
// is active per process, chosen from configuration at startup.
type Provider interface {
	// InitiateLogin starts a login. It may hand control to a browser;
	// callers must not assume a token exists when it returns.
	InitiateLogin(ctx context.Context, creds *Credentials) error

	// Logout tears down provider state and always removes the token,
	// even when the returned error is non-nil.
	Logout(ctx context.Context, accessToken string) error

	// RefreshAuth produces a new valid token.
	RefreshAuth(ctx context.Context, refreshToken string) (*models.StoredToken, error)

	// OnCallback completes a redirect-based login.
	OnCallback(ctx context.Context, callbackURL string) (*models.StoredToken, error)

	// SaveToken persists token. Persistence failures are logged, not
	// reported.
	SaveToken(token *models.StoredToken)

	// LoadToken returns a structurally valid token, or nil when there is
	// none. It errors only on unexpected I/O failure.
	LoadToken(ctx context.Context) (*models.StoredToken, error)

	// RemoveToken drops the token. Safe when none exists.
	RemoveToken()
}

// Credentials is a username/password pair for the local provider.
type Credentials struct {
	Username string
	Password string
}

// Navigator performs a full-page navigation to url, typically by opening
// a browser.
type Navigator interface {
	Navigate(ctx context.Context, url string) error
}

// NavigatorFunc adapts a function to Navigator.
type NavigatorFunc func(ctx context.Context, url string) error

// Navigate calls f.
func (f NavigatorFunc) Navigate(ctx context.Context, url string) error {
	return f(ctx, url)
}

var (
	_ Provider = (*LocalProvider)(nil)
	_ Provider = (*SessionProvider)(nil)
)
