package auth

import (
	"context"
	"crypto/subtle"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"

	autherrors "github.com/alexjbarnes/farm-auth/internal/errors"
	"github.com/alexjbarnes/farm-auth/internal/logging"
	"github.com/alexjbarnes/farm-auth/internal/models"
	"github.com/alexjbarnes/farm-auth/internal/pkce"
	"github.com/alexjbarnes/farm-auth/internal/session"
	"github.com/tidwall/gjson"
	"golang.org/x/sync/singleflight"
)

// DefaultTokenizer is the tokenize_as value sent to the whoami endpoint.
const DefaultTokenizer = "jwt"

// SessionConfig configures a SessionProvider.
type SessionConfig struct {
	IdentityBaseURL string
	// AppOrigin and CallbackPath form the return_to URL.
	AppOrigin    string
	CallbackPath string
	Tokenizer    string
	// HTTPClient carries the identity session cookie. A cookie jar is
	// attached when the client has none.
	HTTPClient *http.Client
	Navigator  Navigator
	// SessionStore, when set, binds each login to its callback with a
	// one-shot state value.
	SessionStore session.Store
	Logger       *slog.Logger
}

// SessionProvider turns an identity-server browser session into a bearer
// token. The live token is held only in memory. shouldLoadToken is a
// circuit breaker: once a refresh fails, LoadToken answers nil without
// touching the network until a new login is initiated.
type SessionProvider struct {
	api         *apiClient
	identityURL *url.URL
	returnTo    string
	tokenizer   string
	navigator   Navigator
	store       session.Store
	logger      *slog.Logger
	flight      singleflight.Group

	mu              sync.Mutex
	token           *models.StoredToken
	shouldLoadToken bool
	// epoch advances on login and logout. A refresh only updates state if
	// the epoch it started in is still current.
	epoch uint64
}

// NewSessionProvider validates cfg and creates a SessionProvider.
func NewSessionProvider(cfg SessionConfig) (*SessionProvider, error) {
	identityURL, err := url.Parse(strings.TrimRight(cfg.IdentityBaseURL, "/"))
	if err != nil || identityURL.Scheme == "" || identityURL.Host == "" {
		return nil, fmt.Errorf("invalid identity base URL %q", cfg.IdentityBaseURL)
	}

	origin, err := url.Parse(strings.TrimRight(cfg.AppOrigin, "/"))
	if err != nil || origin.Scheme == "" || origin.Host == "" {
		return nil, fmt.Errorf("invalid app origin %q", cfg.AppOrigin)
	}

	if !strings.HasPrefix(cfg.CallbackPath, "/") {
		return nil, fmt.Errorf("callback path %q must start with /", cfg.CallbackPath)
	}

	if cfg.Navigator == nil {
		return nil, fmt.Errorf("navigator is required")
	}

	tokenizer := cfg.Tokenizer
	if tokenizer == "" {
		tokenizer = DefaultTokenizer
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logging.Discard()
	}

	logger = logger.With(slog.String("provider", string(models.TokenTypeOAuth)))

	httpClient := NewHTTPClient(0, nil)
	if cfg.HTTPClient != nil {
		c := *cfg.HTTPClient
		httpClient = &c
	}

	if httpClient.Jar == nil {
		jar, err := cookiejar.New(nil)
		if err != nil {
			return nil, fmt.Errorf("creating cookie jar: %w", err)
		}

		httpClient.Jar = jar
	}

	return &SessionProvider{
		api:             newAPIClient(httpClient, identityURL.String(), logger),
		identityURL:     identityURL,
		returnTo:        origin.String() + cfg.CallbackPath,
		tokenizer:       tokenizer,
		navigator:       cfg.Navigator,
		store:           cfg.SessionStore,
		logger:          logger,
		shouldLoadToken: true,
	}, nil
}

// AdoptCookies places cookies received on the callback into the jar used
// for identity-server requests.
func (p *SessionProvider) AdoptCookies(cookies []*http.Cookie) {
	if len(cookies) == 0 {
		return
	}

	p.api.httpClient.Jar.SetCookies(p.identityURL, cookies)
}

// LoginURL returns the browser login URL for a return_to target.
func (p *SessionProvider) LoginURL(returnTo string) string {
	q := url.Values{"return_to": {returnTo}}
	return p.identityURL.String() + "/self-service/login/browser?" + q.Encode()
}

// InitiateLogin reopens the gate and navigates to the identity server's
// browser login flow. creds is ignored.
func (p *SessionProvider) InitiateLogin(ctx context.Context, _ *Credentials) error {
	p.mu.Lock()
	p.shouldLoadToken = true
	p.token = nil
	p.epoch++
	p.mu.Unlock()

	returnTo := p.returnTo

	if p.store != nil {
		state := pkce.GenerateState()
		if err := pkce.Store(ctx, p.store, pkce.GenerateCodeVerifier(), state); err != nil {
			return fmt.Errorf("preparing login: %w", err)
		}

		returnTo += "?" + url.Values{"state": {state}}.Encode()
	}

	loginURL := p.LoginURL(returnTo)
	p.logger.Info("starting browser login", slog.String("return_to", p.returnTo))

	if err := p.navigator.Navigate(ctx, loginURL); err != nil {
		return fmt.Errorf("navigating to login: %w", err)
	}

	return nil
}

// LoadToken returns the cached token, refreshing when none is cached.
// With the gate closed it returns nil immediately.
func (p *SessionProvider) LoadToken(ctx context.Context) (*models.StoredToken, error) {
	p.mu.Lock()

	if !p.shouldLoadToken {
		p.mu.Unlock()
		return nil, nil
	}

	cached := p.token
	if cached == nil {
		p.mu.Unlock()
		return p.RefreshAuth(ctx, "")
	}

	if !cached.Valid() {
		p.token = nil
		p.mu.Unlock()
		p.logger.Warn("discarding cached token", slog.String("error", autherrors.ErrStorageCorruption.Error()))

		return nil, nil
	}

	tok := *cached
	p.mu.Unlock()

	return &tok, nil
}

// RefreshAuth tokenizes the current identity session. Any failure closes
// the gate. refreshToken is ignored: the session cookie is the credential.
func (p *SessionProvider) RefreshAuth(ctx context.Context, _ string) (*models.StoredToken, error) {
	p.mu.Lock()
	epoch := p.epoch
	p.mu.Unlock()

	v, err, _ := p.flight.Do(fmt.Sprintf("whoami:%d", epoch), func() (interface{}, error) {
		tok, err := p.tokenize(context.WithoutCancel(ctx))

		p.mu.Lock()
		defer p.mu.Unlock()

		if p.epoch != epoch {
			return tok, err
		}

		if err != nil {
			p.shouldLoadToken = false
			p.token = nil
			p.logger.Warn("session refresh failed, suppressing further refreshes", slog.String("error", err.Error()))

			return nil, err
		}

		p.token = tok
		p.shouldLoadToken = true

		return tok, nil
	})
	if err != nil {
		return nil, err
	}

	tok := *v.(*models.StoredToken)

	return &tok, nil
}

func (p *SessionProvider) tokenize(ctx context.Context) (*models.StoredToken, error) {
	body, err := p.api.get(ctx, "/sessions/whoami", url.Values{"tokenize_as": {p.tokenizer}})
	if err != nil {
		return nil, fmt.Errorf("%w: %w", autherrors.ErrSessionExpired, err)
	}

	raw := gjson.GetBytes(body, "tokenized").String()
	if raw == "" {
		return nil, fmt.Errorf("%w: whoami response has no tokenized session", autherrors.ErrInvalidToken)
	}

	exp, err := sessionTokenExpiry(raw)
	if err != nil {
		return nil, err
	}

	p.logger.Debug("session tokenized", slog.String("expires", models.FormatExpiry(exp)))

	return &models.StoredToken{
		AccessToken:  raw,
		RefreshToken: raw,
		TokenType:    models.TokenTypeOAuth,
		ExpiresTime:  models.FormatExpiry(exp),
	}, nil
}

// Logout drops local state first, then asks the identity server for a
// logout token and redeems it. A network failure is returned, but local
// state is already gone.
func (p *SessionProvider) Logout(ctx context.Context, _ string) error {
	p.mu.Lock()
	p.shouldLoadToken = false
	p.removeLocked()
	p.mu.Unlock()

	body, err := p.api.get(ctx, "/self-service/logout/browser", nil)
	if err != nil {
		return fmt.Errorf("creating logout flow: %w", err)
	}

	logoutToken := gjson.GetBytes(body, "logout_token").String()
	if logoutToken == "" {
		return fmt.Errorf("%w: logout flow has no logout_token", autherrors.ErrAPIResponse)
	}

	if _, err := p.api.get(ctx, "/self-service/logout", url.Values{"token": {logoutToken}}); err != nil {
		return fmt.Errorf("completing logout: %w", err)
	}

	p.logger.Info("logged out")

	return nil
}

// OnCallback completes a browser login. The identity server has already
// set the session cookie, so completion is a refresh. When a session
// store is configured the callback must carry the state issued by
// InitiateLogin.
func (p *SessionProvider) OnCallback(ctx context.Context, callbackURL string) (*models.StoredToken, error) {
	if p.store != nil {
		if err := p.checkState(ctx, callbackURL); err != nil {
			return nil, err
		}
	}

	return p.RefreshAuth(ctx, "")
}

func (p *SessionProvider) checkState(ctx context.Context, callbackURL string) error {
	params, err := pkce.RetrieveAndClear(ctx, p.store)
	if err != nil {
		return fmt.Errorf("reading login state: %w", err)
	}

	if params == nil {
		return fmt.Errorf("%w: no login in progress", autherrors.ErrInvalidState)
	}

	u, err := url.Parse(callbackURL)
	if err != nil {
		return fmt.Errorf("%w: parsing callback URL: %w", autherrors.ErrInvalidState, err)
	}

	got := u.Query().Get("state")
	if subtle.ConstantTimeCompare([]byte(got), []byte(params.State)) != 1 {
		return fmt.Errorf("%w: state does not match", autherrors.ErrInvalidState)
	}

	return nil
}

// SaveToken replaces the cached token. The gate is left as is.
func (p *SessionProvider) SaveToken(token *models.StoredToken) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if token == nil {
		p.token = nil
		return
	}

	tok := *token
	p.token = &tok
}

// RemoveToken drops the cached token and invalidates in-flight refreshes.
// The gate is left open, so the next LoadToken re-checks the session.
func (p *SessionProvider) RemoveToken() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.removeLocked()
}

// removeLocked must be called with p.mu held.
func (p *SessionProvider) removeLocked() {
	p.token = nil
	p.epoch++
}
