package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	autherrors "github.com/alexjbarnes/farm-auth/internal/errors"
	"github.com/alexjbarnes/farm-auth/internal/logging"
	"github.com/alexjbarnes/farm-auth/internal/models"
	"golang.org/x/sync/singleflight"
	"golang.org/x/text/unicode/norm"
)

// TokenStorage is durable storage for one serialized token.
// *state.State satisfies it.
type TokenStorage interface {
	AuthToken() ([]byte, error)
	SetAuthToken(data []byte) error
	DeleteAuthToken() error
}

// LocalConfig configures a LocalProvider.
type LocalConfig struct {
	APIBaseURL string
	HTTPClient *http.Client
	Storage    TokenStorage
	Logger     *slog.Logger
}

// LocalProvider exchanges a username and password against the API's
// /auth endpoints. Durable storage is the only source of truth: every
// LoadToken re-reads it.
type LocalProvider struct {
	api     *apiClient
	storage TokenStorage
	logger  *slog.Logger
	flight  singleflight.Group
}

type authorizeRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type localTokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresTime  string `json:"expires_time"`
}

func (r localTokenResponse) stored() *models.StoredToken {
	return &models.StoredToken{
		AccessToken:  r.AccessToken,
		RefreshToken: r.RefreshToken,
		TokenType:    models.TokenTypeLocal,
		ExpiresTime:  r.ExpiresTime,
	}
}

// NewLocalProvider creates a LocalProvider.
func NewLocalProvider(cfg LocalConfig) *LocalProvider {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Discard()
	}

	logger = logger.With(slog.String("provider", string(models.TokenTypeLocal)))

	return &LocalProvider{
		api:     newAPIClient(cfg.HTTPClient, cfg.APIBaseURL, logger),
		storage: cfg.Storage,
		logger:  logger,
	}
}

// InitiateLogin posts the credentials to /auth/authorize and stores the
// issued token. A failed login leaves no token behind.
func (p *LocalProvider) InitiateLogin(ctx context.Context, creds *Credentials) error {
	if creds == nil || strings.TrimSpace(creds.Username) == "" || creds.Password == "" {
		return fmt.Errorf("%w: username and password are required", autherrors.ErrInvalidCredentials)
	}

	// Usernames typed on different platforms may arrive decomposed.
	username := norm.NFC.String(strings.TrimSpace(creds.Username))

	var resp localTokenResponse

	err := p.api.postJSON(ctx, "/auth/authorize", authorizeRequest{
		Username: username,
		Password: creds.Password,
	}, &resp)
	if err != nil {
		p.RemoveToken()

		if isRejection(err) {
			return fmt.Errorf("%w: %w", autherrors.ErrInvalidCredentials, err)
		}

		return fmt.Errorf("logging in: %w", err)
	}

	tok := resp.stored()
	if !tok.Valid() {
		p.RemoveToken()
		return fmt.Errorf("%w: authorize response is missing token fields", autherrors.ErrAPIResponse)
	}

	p.SaveToken(tok)
	p.logger.Info("logged in", slog.String("username", username), slog.String("expires", tok.ExpiresTime))

	return nil
}

// RefreshAuth exchanges a refresh token for a new token. An empty
// refreshToken falls back to the stored one. Concurrent refreshes of the
// same token share one request. Failures remove the stored token and are
// never retried.
func (p *LocalProvider) RefreshAuth(ctx context.Context, refreshToken string) (*models.StoredToken, error) {
	if refreshToken == "" {
		stored, err := p.LoadToken(ctx)
		if err != nil {
			return nil, err
		}

		if stored != nil {
			refreshToken = stored.RefreshToken
		}
	}

	if refreshToken == "" {
		return nil, fmt.Errorf("%w: no refresh token available", autherrors.ErrInvalidToken)
	}

	// The exchange runs detached from ctx so an abandoned caller still
	// gets its state update applied.
	v, err, _ := p.flight.Do(refreshToken, func() (interface{}, error) {
		return p.refresh(context.WithoutCancel(ctx), refreshToken)
	})
	if err != nil {
		return nil, err
	}

	tok := *v.(*models.StoredToken)

	return &tok, nil
}

func (p *LocalProvider) refresh(ctx context.Context, refreshToken string) (*models.StoredToken, error) {
	var resp localTokenResponse

	err := p.api.postJSON(ctx, "/auth/refresh", refreshRequest{RefreshToken: refreshToken}, &resp)
	if err != nil {
		p.RemoveToken()

		if isRejection(err) {
			return nil, fmt.Errorf("%w: %w", autherrors.ErrInvalidToken, err)
		}

		return nil, fmt.Errorf("refreshing token: %w", err)
	}

	tok := resp.stored()
	if !tok.Valid() {
		p.RemoveToken()
		return nil, fmt.Errorf("%w: refresh response is missing token fields", autherrors.ErrAPIResponse)
	}

	p.SaveToken(tok)
	p.logger.Debug("token refreshed", slog.String("expires", tok.ExpiresTime))

	return tok, nil
}

// OnCallback is not supported: local login has no redirect phase.
func (p *LocalProvider) OnCallback(context.Context, string) (*models.StoredToken, error) {
	return nil, fmt.Errorf("local provider callback: %w", autherrors.ErrUnsupportedOperation)
}

// SaveToken writes token to durable storage.
func (p *LocalProvider) SaveToken(token *models.StoredToken) {
	data, err := json.Marshal(token)
	if err != nil {
		p.logger.Warn("failed to encode token", slog.String("error", err.Error()))
		return
	}

	if err := p.storage.SetAuthToken(data); err != nil {
		p.logger.Warn("failed to save token", slog.String("error", err.Error()))
	}
}

// LoadToken reads and validates the stored token. A token that does not
// parse, is incomplete, or belongs to another provider type is removed
// and reported as absent.
func (p *LocalProvider) LoadToken(context.Context) (*models.StoredToken, error) {
	data, err := p.storage.AuthToken()
	if err != nil {
		return nil, fmt.Errorf("loading token: %w", err)
	}

	if len(data) == 0 {
		return nil, nil
	}

	var tok models.StoredToken
	if err := json.Unmarshal(data, &tok); err != nil {
		p.discard(fmt.Errorf("%w: %w", autherrors.ErrStorageCorruption, err))
		return nil, nil
	}

	if !tok.Valid() {
		p.discard(fmt.Errorf("%w: incomplete token", autherrors.ErrStorageCorruption))
		return nil, nil
	}

	if tok.TokenType != models.TokenTypeLocal {
		p.discard(fmt.Errorf("%w: token type %q", autherrors.ErrStorageCorruption, tok.TokenType))
		return nil, nil
	}

	return &tok, nil
}

func (p *LocalProvider) discard(reason error) {
	p.logger.Warn("discarding stored token", slog.String("error", reason.Error()))
	p.RemoveToken()
}

// RemoveToken deletes the stored token.
func (p *LocalProvider) RemoveToken() {
	if err := p.storage.DeleteAuthToken(); err != nil {
		p.logger.Warn("failed to remove token", slog.String("error", err.Error()))
	}
}

// Logout removes the stored token. The API keeps no server-side session
// for local tokens, so there is nothing else to tear down.
func (p *LocalProvider) Logout(context.Context, string) error {
	p.RemoveToken()
	p.logger.Info("logged out")

	return nil
}
