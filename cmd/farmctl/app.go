package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os/signal"
	"syscall"

	"github.com/alexjbarnes/farm-auth/internal/api"
	"github.com/alexjbarnes/farm-auth/internal/auth"
	"github.com/alexjbarnes/farm-auth/internal/config"
	"github.com/alexjbarnes/farm-auth/internal/logging"
	"github.com/alexjbarnes/farm-auth/internal/session"
	"github.com/alexjbarnes/farm-auth/internal/state"
	"github.com/google/uuid"
)

// app holds everything a command needs once configuration is loaded.
type app struct {
	cfg        *config.Config
	logger     *slog.Logger
	httpClient *http.Client
	provider   auth.Provider
	services   *api.Services

	closers []func()
}

type appOptions struct {
	// openBrowser launches the system browser for session logins.
	openBrowser bool
}

func newApp(cfg *config.Config, opts appOptions) (*app, error) {
	logger := logging.NewLogger(cfg.IsProduction(), cfg.LogLevel)

	a := &app{
		cfg:        cfg,
		logger:     logger,
		httpClient: auth.NewHTTPClient(cfg.HTTPTimeout, nil),
	}

	var err error
	if cfg.IsOAuth() {
		err = a.initSessionProvider(opts)
	} else {
		err = a.initLocalProvider()
	}

	if err != nil {
		a.Close()
		return nil, err
	}

	a.services, err = api.NewServices(api.Config{
		BaseURL:    cfg.APIBaseURL,
		Provider:   a.provider,
		HTTPClient: a.httpClient,
		Logger:     logger,
	})
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("creating API services: %w", err)
	}

	return a, nil
}

func (a *app) initLocalProvider() error {
	appState, err := state.LoadAt(a.cfg.StateDB)
	if err != nil {
		return fmt.Errorf("loading state: %w", err)
	}

	a.closers = append(a.closers, func() { appState.Close() })

	a.provider = auth.NewLocalProvider(auth.LocalConfig{
		APIBaseURL: a.cfg.APIBaseURL,
		HTTPClient: a.httpClient,
		Storage:    appState,
		Logger:     a.logger,
	})

	a.logger.Debug("using local provider", slog.String("state_db", a.cfg.StateDB))

	return nil
}

func (a *app) initSessionProvider(opts appOptions) error {
	store, err := session.NewStore(session.Config{
		Type: session.ParseType(a.cfg.SessionStore),
		TTL:  a.cfg.SessionTTL,
		Redis: session.RedisOptions{
			Addr:      a.cfg.RedisAddr,
			Password:  a.cfg.RedisPassword,
			DB:        a.cfg.RedisDB,
			SessionID: uuid.NewString(),
		},
	})
	if err != nil {
		return fmt.Errorf("creating session store: %w", err)
	}

	if c, ok := store.(interface{ Close() }); ok {
		a.closers = append(a.closers, c.Close)
	}

	p, err := auth.NewSessionProvider(auth.SessionConfig{
		IdentityBaseURL: a.cfg.IdentityBaseURL,
		AppOrigin:       a.cfg.AppOrigin,
		CallbackPath:    a.cfg.CallbackPath,
		Tokenizer:       a.cfg.Tokenizer,
		HTTPClient:      a.httpClient,
		Navigator:       &browserNavigator{out: stderr, open: opts.openBrowser, logger: a.logger},
		SessionStore:    store,
		Logger:          a.logger,
	})
	if err != nil {
		return fmt.Errorf("creating session provider: %w", err)
	}

	a.provider = p

	a.logger.Debug("using session provider",
		slog.String("identity", a.cfg.IdentityBaseURL),
		slog.String("session_store", a.cfg.SessionStore),
	)

	return nil
}

// Close releases storage handles in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}

	a.closers = nil
}

// withApp loads configuration, builds the app and runs fn with a context
// cancelled on SIGINT or SIGTERM.
func withApp(opts appOptions, fn func(ctx context.Context, a *app) error) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	a, err := newApp(cfg, opts)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return fn(ctx, a)
}
