// Package api builds authenticated clients for the farm API. Each
// resource gets a Service whose requests carry the current bearer token.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/alexjbarnes/farm-auth/internal/auth"
	autherrors "github.com/alexjbarnes/farm-auth/internal/errors"
	"github.com/alexjbarnes/farm-auth/internal/logging"
	"github.com/alexjbarnes/farm-auth/internal/models"
	"golang.org/x/oauth2"
)

// TokenProvider is the part of auth.Provider the API layer needs.
type TokenProvider interface {
	LoadToken(ctx context.Context) (*models.StoredToken, error)
}

// Config configures Services.
type Config struct {
	BaseURL    string
	Provider   TokenProvider
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// Services hands out per-resource API clients.
type Services struct {
	baseURL    string
	provider   TokenProvider
	httpClient *http.Client
	logger     *slog.Logger
}

// NewServices creates Services. BaseURL and Provider are required.
func NewServices(cfg Config) (*Services, error) {
	u, err := url.Parse(cfg.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid API base URL %q", cfg.BaseURL)
	}

	if cfg.Provider == nil {
		return nil, fmt.Errorf("token provider is required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = auth.NewHTTPClient(0, nil)
	}

	logger := cfg.Logger
	if logger == nil {
		logger = logging.Discard()
	}

	return &Services{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		provider:   cfg.Provider,
		httpClient: httpClient,
		logger:     logger,
	}, nil
}

// Service returns a client for resource. It loads a token up front so a
// caller with no session learns about it before making requests.
func (s *Services) Service(ctx context.Context, resource string) (*Service, error) {
	resource = strings.Trim(resource, "/")
	if resource == "" {
		return nil, fmt.Errorf("resource name is required")
	}

	tok, err := s.provider.LoadToken(ctx)
	if err != nil {
		return nil, fmt.Errorf("loading token: %w", err)
	}

	if tok == nil {
		return nil, autherrors.ErrNotAuthenticated
	}

	src := &providerTokenSource{
		ctx:      context.WithoutCancel(ctx),
		provider: s.provider,
	}

	base := s.httpClient.Transport
	if base == nil {
		base = http.DefaultTransport
	}

	// oauth2.NewClient would cache the token until it expires. The
	// provider owns caching, so every request asks it again.
	client := &http.Client{
		Transport:     &oauth2.Transport{Source: src, Base: base},
		Timeout:       s.httpClient.Timeout,
		CheckRedirect: s.httpClient.CheckRedirect,
	}

	return &Service{
		resource: resource,
		baseURL:  s.baseURL + "/" + resource,
		client:   client,
		logger:   s.logger.With(slog.String("resource", resource)),
	}, nil
}

// providerTokenSource adapts a TokenProvider to oauth2.TokenSource.
type providerTokenSource struct {
	ctx      context.Context
	provider TokenProvider
}

func (p *providerTokenSource) Token() (*oauth2.Token, error) {
	tok, err := p.provider.LoadToken(p.ctx)
	if err != nil {
		return nil, err
	}

	if tok == nil {
		return nil, autherrors.ErrNotAuthenticated
	}

	t := &oauth2.Token{
		AccessToken:  tok.AccessToken,
		TokenType:    "Bearer",
		RefreshToken: tok.RefreshToken,
	}

	if exp, err := tok.ExpiresAt(); err == nil {
		t.Expiry = exp
	}

	return t, nil
}

// Service is an authenticated client for one API resource.
type Service struct {
	resource string
	baseURL  string
	client   *http.Client
	logger   *slog.Logger
}

// Resource returns the resource name this service targets.
func (s *Service) Resource() string {
	return s.resource
}

// URL returns the absolute URL for path under this resource.
func (s *Service) URL(path string) string {
	if path == "" {
		return s.baseURL
	}

	return s.baseURL + "/" + strings.TrimLeft(path, "/")
}

// Get issues an authenticated GET and returns the body. A 401 wraps
// ErrInvalidToken, other error statuses are *auth.StatusError.
func (s *Service) Get(ctx context.Context, path string) ([]byte, error) {
	target := s.URL(path)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	req.Header.Set("Accept", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		if errors.Is(err, autherrors.ErrNotAuthenticated) {
			return nil, autherrors.ErrNotAuthenticated
		}

		return nil, fmt.Errorf("%w: GET %s: %w", autherrors.ErrAPIRequest, target, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, auth.MaxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %w", autherrors.ErrAPIRequest, err)
	}

	s.logger.Debug("api request", slog.String("url", target), slog.Int("status", resp.StatusCode))

	if resp.StatusCode >= http.StatusBadRequest {
		statusErr := auth.NewStatusError(target, resp.StatusCode, body)
		if resp.StatusCode == http.StatusUnauthorized {
			return nil, fmt.Errorf("%w: %w", autherrors.ErrInvalidToken, statusErr)
		}

		return nil, statusErr
	}

	return body, nil
}

// GetJSON issues an authenticated GET and decodes the JSON body into out.
func (s *Service) GetJSON(ctx context.Context, path string, out interface{}) error {
	body, err := s.Get(ctx, path)
	if err != nil {
		return err
	}

	if out == nil {
		return nil
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: decoding %s: %w", autherrors.ErrAPIResponse, s.URL(path), err)
	}

	return nil
}
