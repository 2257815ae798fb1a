// Package server provides the local HTTP server that receives the
// identity-server redirect at the end of a browser login.
package server

import (
	"errors"
	"html/template"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/alexjbarnes/farm-auth/internal/auth"
	autherrors "github.com/alexjbarnes/farm-auth/internal/errors"
	"github.com/alexjbarnes/farm-auth/internal/logging"
	"github.com/alexjbarnes/farm-auth/internal/models"
)

// cookieAdopter is implemented by providers that keep their own cookie
// jar for identity-server requests.
type cookieAdopter interface {
	AdoptCookies(cookies []*http.Cookie)
}

// MuxConfig holds dependencies for building the HTTP mux.
type MuxConfig struct {
	Provider auth.Provider
	Logger   *slog.Logger
	// AppOrigin and CallbackPath must match the return_to URL the
	// provider sends to the identity server.
	AppOrigin    string
	CallbackPath string
	// OnToken receives the token after a successful callback.
	OnToken func(*models.StoredToken)
}

var resultPage = template.Must(template.New("result").Parse(`<!DOCTYPE html>
<html lang="en">
<head>
<meta charset="utf-8">
<title>farmctl</title>
<style>
  body { font-family: -apple-system, BlinkMacSystemFont, "Segoe UI", Roboto, sans-serif; background: #f5f5f5; color: #1a1a1a; display: flex; align-items: center; justify-content: center; min-height: 100vh; margin: 0; }
  .card { background: #fff; border: 1px solid #e0e0e0; border-radius: 8px; padding: 2rem; max-width: 380px; }
  .error { color: #991b1b; }
</style>
</head>
<body>
<div class="card">
{{if .Error}}<h1>Sign-in failed</h1><p class="error">{{.Error}}</p>{{else}}<h1>Signed in</h1><p>You can close this window and return to the terminal.</p>{{end}}
</div>
</body>
</html>
`))

type resultData struct {
	Error string
}

// NewMux builds the HTTP mux with the login callback and a health check.
func NewMux(cfg MuxConfig) *http.ServeMux {
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Discard()
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET "+cfg.CallbackPath, handleCallback(cfg, logger))
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		w.Write([]byte("ok"))
	})

	return mux
}

// NewServer wraps handler in an http.Server with conservative timeouts.
func NewServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      handler,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
}

func handleCallback(cfg MuxConfig, logger *slog.Logger) http.HandlerFunc {
	origin := strings.TrimRight(cfg.AppOrigin, "/")

	return func(w http.ResponseWriter, r *http.Request) {
		if adopter, ok := cfg.Provider.(cookieAdopter); ok {
			adopter.AdoptCookies(r.Cookies())
		}

		callbackURL := origin + r.URL.RequestURI()

		tok, err := cfg.Provider.OnCallback(r.Context(), callbackURL)
		if err != nil {
			status := http.StatusUnauthorized
			msg := "The identity server did not confirm a session."

			if errors.Is(err, autherrors.ErrInvalidState) {
				status = http.StatusBadRequest
				msg = "This sign-in link is stale or was not started here. Run farmctl login again."
			}

			logger.Warn("login callback failed",
				slog.Int("status", status),
				slog.String("error", err.Error()),
			)

			writeResult(w, status, msg)

			return
		}

		logger.Info("login callback completed", slog.String("expires", tok.ExpiresTime))

		if cfg.OnToken != nil {
			cfg.OnToken(tok)
		}

		writeResult(w, http.StatusOK, "")
	}
}

func writeResult(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "text/html")
	w.Header().Set("X-Frame-Options", "DENY")
	w.Header().Set("Content-Security-Policy", "frame-ancestors 'none'")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = resultPage.Execute(w, resultData{Error: msg})
}
