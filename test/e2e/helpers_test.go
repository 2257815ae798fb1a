package e2e_test

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/alexjbarnes/farm-auth/internal/api"
	"github.com/alexjbarnes/farm-auth/internal/auth"
	"github.com/alexjbarnes/farm-auth/internal/logging"
	"github.com/alexjbarnes/farm-auth/internal/models"
	"github.com/alexjbarnes/farm-auth/internal/server"
	"github.com/alexjbarnes/farm-auth/internal/session"
	"github.com/alexjbarnes/farm-auth/internal/state"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/require"
)

const (
	testUsername  = "operator"
	testPassword  = "hunter2"
	sessionCookie = "ory_session"
	callbackPath  = "/auth/callback"
)

var signingKey = []byte("e2e-signing-key-that-is-long-enough")

func randomID() string {
	b := make([]byte, 8)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// identityServer is a minimal browser-session identity server. Login
// sets a session cookie and redirects to return_to; whoami tokenizes the
// session as a signed JWT.
type identityServer struct {
	srv *httptest.Server

	mu            sync.Mutex
	sessions      map[string]bool
	logoutTokens  map[string]string
	tokenLifetime time.Duration
}

func newIdentityServer(t *testing.T) *identityServer {
	t.Helper()

	ids := &identityServer{
		sessions:      make(map[string]bool),
		logoutTokens:  make(map[string]string),
		tokenLifetime: time.Hour,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /self-service/login/browser", ids.handleLogin)
	mux.HandleFunc("GET /sessions/whoami", ids.handleWhoami)
	mux.HandleFunc("GET /self-service/logout/browser", ids.handleLogoutFlow)
	mux.HandleFunc("GET /self-service/logout", ids.handleLogout)

	ids.srv = httptest.NewServer(mux)
	t.Cleanup(ids.srv.Close)

	return ids
}

func (ids *identityServer) session(r *http.Request) (string, bool) {
	c, err := r.Cookie(sessionCookie)
	if err != nil {
		return "", false
	}

	ids.mu.Lock()
	defer ids.mu.Unlock()

	return c.Value, ids.sessions[c.Value]
}

func (ids *identityServer) handleLogin(w http.ResponseWriter, r *http.Request) {
	returnTo := r.URL.Query().Get("return_to")
	if returnTo == "" {
		http.Error(w, "return_to required", http.StatusBadRequest)
		return
	}

	id := randomID()

	ids.mu.Lock()
	ids.sessions[id] = true
	ids.mu.Unlock()

	http.SetCookie(w, &http.Cookie{Name: sessionCookie, Value: id, Path: "/", HttpOnly: true})
	http.Redirect(w, r, returnTo, http.StatusSeeOther)
}

func (ids *identityServer) handleWhoami(w http.ResponseWriter, r *http.Request) {
	id, ok := ids.session(r)
	if !ok {
		w.WriteHeader(http.StatusUnauthorized)
		w.Write([]byte(`{"error":{"code":401,"status":"Unauthorized"}}`))
		return
	}

	ids.mu.Lock()
	lifetime := ids.tokenLifetime
	ids.mu.Unlock()

	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   id,
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(lifetime)),
	})

	signed, err := tok.SignedString(signingKey)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	json.NewEncoder(w).Encode(map[string]interface{}{
		"id":        id,
		"active":    true,
		"tokenized": signed,
	})
}

func (ids *identityServer) handleLogoutFlow(w http.ResponseWriter, r *http.Request) {
	id, ok := ids.session(r)
	if !ok {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}

	lt := randomID()

	ids.mu.Lock()
	ids.logoutTokens[lt] = id
	ids.mu.Unlock()

	json.NewEncoder(w).Encode(map[string]string{
		"logout_url":   ids.srv.URL + "/self-service/logout?token=" + lt,
		"logout_token": lt,
	})
}

func (ids *identityServer) handleLogout(w http.ResponseWriter, r *http.Request) {
	lt := r.URL.Query().Get("token")

	ids.mu.Lock()
	id, ok := ids.logoutTokens[lt]
	delete(ids.logoutTokens, lt)
	delete(ids.sessions, id)
	ids.mu.Unlock()

	if !ok {
		w.WriteHeader(http.StatusGone)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (ids *identityServer) activeSessions() int {
	ids.mu.Lock()
	defer ids.mu.Unlock()

	return len(ids.sessions)
}

// newFarmAPI serves the local credential endpoints and one protected
// resource that accepts either a local token or a signed session JWT.
func newFarmAPI(t *testing.T) *httptest.Server {
	t.Helper()

	var (
		mu     sync.Mutex
		issued = map[string]bool{}
	)

	issue := func(w http.ResponseWriter) {
		access, refresh := "local-"+randomID(), "refresh-"+randomID()

		mu.Lock()
		issued[access] = true
		issued[refresh] = true
		mu.Unlock()

		json.NewEncoder(w).Encode(map[string]string{
			"access_token":  access,
			"refresh_token": refresh,
			"expires_time":  models.FormatExpiry(time.Now().Add(time.Hour)),
		})
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /auth/authorize", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Username string `json:"username"`
			Password string `json:"password"`
		}
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}

		if body.Username != testUsername || body.Password != testPassword {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		issue(w)
	})
	mux.HandleFunc("POST /auth/refresh", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			RefreshToken string `json:"refresh_token"`
		}
		json.NewDecoder(r.Body).Decode(&body)

		mu.Lock()
		ok := issued[body.RefreshToken]
		delete(issued, body.RefreshToken)
		mu.Unlock()

		if !ok {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		issue(w)
	})
	mux.HandleFunc("GET /assets/{id}", func(w http.ResponseWriter, r *http.Request) {
		bearer, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}

		mu.Lock()
		local := issued[bearer]
		mu.Unlock()

		if !local {
			_, err := jwt.Parse(bearer, func(*jwt.Token) (interface{}, error) {
				return signingKey, nil
			}, jwt.WithValidMethods([]string{"HS256"}))
			if err != nil {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
		}

		json.NewEncoder(w).Encode(map[string]string{"id": r.PathValue("id"), "name": "tractor"})
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	return srv
}

// browser stands in for the user's web browser: it follows redirects and
// keeps cookies across hosts on the loopback interface.
type browser struct {
	client *http.Client

	mu         sync.Mutex
	lastStatus int
	lastBody   string
}

func newBrowser(t *testing.T) *browser {
	t.Helper()

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)

	return &browser{client: &http.Client{Jar: jar, Timeout: 10 * time.Second}}
}

func (b *browser) Navigate(ctx context.Context, target string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return err
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)

	b.mu.Lock()
	b.lastStatus = resp.StatusCode
	b.lastBody = string(body)
	b.mu.Unlock()

	return nil
}

func (b *browser) last() (int, string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.lastStatus, b.lastBody
}

// sessionHarness wires a session provider to a real callback server, an
// identity server and the farm API.
type sessionHarness struct {
	identity *identityServer
	api      *httptest.Server
	callback *httptest.Server
	browser  *browser
	provider *auth.SessionProvider
	services *api.Services

	mu     sync.Mutex
	tokens []*models.StoredToken
}

func newSessionHarness(t *testing.T) *sessionHarness {
	t.Helper()

	h := &sessionHarness{
		identity: newIdentityServer(t),
		api:      newFarmAPI(t),
		browser:  newBrowser(t),
	}

	logger := logging.Discard()

	// The callback server's URL must be known before the provider is
	// built, since it becomes the return_to origin.
	h.callback = httptest.NewUnstartedServer(nil)
	appOrigin := "http://" + h.callback.Listener.Addr().String()

	provider, err := auth.NewSessionProvider(auth.SessionConfig{
		IdentityBaseURL: h.identity.srv.URL,
		AppOrigin:       appOrigin,
		CallbackPath:    callbackPath,
		HTTPClient:      auth.NewHTTPClient(10*time.Second, nil),
		Navigator:       h.browser,
		SessionStore:    session.NewMemoryStore(time.Minute),
		Logger:          logger,
	})
	require.NoError(t, err)

	h.provider = provider

	h.callback.Config.Handler = server.NewMux(server.MuxConfig{
		Provider:     provider,
		Logger:       logger,
		AppOrigin:    appOrigin,
		CallbackPath: callbackPath,
		OnToken: func(tok *models.StoredToken) {
			h.mu.Lock()
			h.tokens = append(h.tokens, tok)
			h.mu.Unlock()
		},
	})
	h.callback.Start()
	t.Cleanup(h.callback.Close)

	h.services, err = api.NewServices(api.Config{
		BaseURL:  h.api.URL,
		Provider: provider,
		Logger:   logger,
	})
	require.NoError(t, err)

	return h
}

func (h *sessionHarness) callbackTokens() []*models.StoredToken {
	h.mu.Lock()
	defer h.mu.Unlock()

	return append([]*models.StoredToken(nil), h.tokens...)
}

// localHarness wires a local provider backed by a bbolt state file.
type localHarness struct {
	api      *httptest.Server
	state    *state.State
	provider *auth.LocalProvider
	services *api.Services
}

func newLocalHarness(t *testing.T) *localHarness {
	t.Helper()

	apiSrv := newFarmAPI(t)

	st, err := state.LoadAt(filepath.Join(t.TempDir(), "state.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	provider := auth.NewLocalProvider(auth.LocalConfig{
		APIBaseURL: apiSrv.URL,
		Storage:    st,
		Logger:     logging.Discard(),
	})

	services, err := api.NewServices(api.Config{BaseURL: apiSrv.URL, Provider: provider})
	require.NoError(t, err)

	return &localHarness{api: apiSrv, state: st, provider: provider, services: services}
}
