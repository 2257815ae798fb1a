package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
	"unicode/utf8"

	autherrors "github.com/alexjbarnes/farm-auth/internal/errors"
	"github.com/google/uuid"
)

const (
	// maxRedirects is the maximum number of HTTP redirects to follow
	// before giving up, matching the default net/http limit.
	maxRedirects = 10

	// DefaultHTTPTimeout is used when no client is supplied.
	DefaultHTTPTimeout = 30 * time.Second

	// MaxResponseBytes caps response body reads. Auth responses are
	// small JSON payloads.
	MaxResponseBytes = 1024 * 1024

	requestIDHeader = "X-Request-Id"
)

// StatusError is returned when a server answers with a 4xx or 5xx status.
// It unwraps to ErrAPIResponse.
type StatusError struct {
	Endpoint string
	Code     int
	Body     string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s returned status %d: %s", e.Endpoint, e.Code, e.Body)
}

func (e *StatusError) Unwrap() error { return autherrors.ErrAPIResponse }

// NewStatusError builds a StatusError with a sanitized copy of body.
func NewStatusError(endpoint string, code int, body []byte) *StatusError {
	return &StatusError{
		Endpoint: endpoint,
		Code:     code,
		Body:     sanitizeResponseBody(body),
	}
}

// StatusCode returns the HTTP status carried by err, or 0 when err did
// not come from a server response.
func StatusCode(err error) int {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code
	}

	return 0
}

// isRejection reports whether err is the server refusing the supplied
// credential rather than failing.
func isRejection(err error) bool {
	switch StatusCode(err) {
	case http.StatusBadRequest, http.StatusUnauthorized, http.StatusForbidden:
		return true
	}

	return false
}

// sameHostRedirectPolicy follows redirects only when the target host
// matches the original request host. A redirect to another host is handed
// back to the caller unfollowed, so session cookies never leak to it.
func sameHostRedirectPolicy(req *http.Request, via []*http.Request) error {
	if len(via) >= maxRedirects {
		return errors.New("stopped after 10 redirects")
	}

	if len(via) > 0 && req.URL.Host != via[0].URL.Host {
		return http.ErrUseLastResponse
	}

	return nil
}

// NewHTTPClient builds the client used for auth traffic. jar may be nil.
func NewHTTPClient(timeout time.Duration, jar http.CookieJar) *http.Client {
	if timeout <= 0 {
		timeout = DefaultHTTPTimeout
	}

	return &http.Client{
		Timeout:       timeout,
		Jar:           jar,
		CheckRedirect: sameHostRedirectPolicy,
	}
}

// apiClient sends JSON requests to one base URL.
type apiClient struct {
	httpClient *http.Client
	baseURL    string
	logger     *slog.Logger
}

func newAPIClient(httpClient *http.Client, baseURL string, logger *slog.Logger) *apiClient {
	if httpClient == nil {
		httpClient = NewHTTPClient(0, nil)
	}

	return &apiClient{
		httpClient: httpClient,
		baseURL:    strings.TrimRight(baseURL, "/"),
		logger:     logger,
	}
}

// sanitizeResponseBody truncates and sanitizes a response body for
// inclusion in error messages. Limits to 256 bytes and replaces
// non-printable characters to prevent log injection.
func sanitizeResponseBody(body []byte) string {
	const maxLen = 256
	if len(body) > maxLen {
		body = body[:maxLen]
	}

	var clean []byte

	for len(body) > 0 {
		r, size := utf8.DecodeRune(body)
		if r == utf8.RuneError && size <= 1 {
			clean = append(clean, '?')
			body = body[1:]

			continue
		}

		if r < 0x20 && r != '\n' && r != '\r' && r != '\t' {
			clean = append(clean, '?')
		} else {
			clean = append(clean, body[:size]...)
		}

		body = body[size:]
	}

	return string(clean)
}

// do sends a request and returns the response body. 2xx and unfollowed
// 3xx responses succeed; anything else is a *StatusError.
func (c *apiClient) do(ctx context.Context, method, endpoint string, query url.Values, body interface{}) ([]byte, error) {
	target := c.baseURL + endpoint
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var reader io.Reader

	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("marshalling request body: %w", err)
		}

		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	requestID := uuid.NewString()

	req.Header.Set("Accept", "application/json")
	req.Header.Set(requestIDHeader, requestID)

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: sending request to %s: %w", autherrors.ErrAPIRequest, endpoint, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: reading response from %s: %w", autherrors.ErrAPIRequest, endpoint, err)
	}

	c.logger.Debug("auth request",
		slog.String("method", method),
		slog.String("endpoint", endpoint),
		slog.Int("status", resp.StatusCode),
		slog.String("request_id", requestID),
	)

	if resp.StatusCode >= http.StatusBadRequest {
		return nil, NewStatusError(endpoint, resp.StatusCode, respBody)
	}

	return respBody, nil
}

// postJSON sends body as JSON and decodes the response into result.
func (c *apiClient) postJSON(ctx context.Context, endpoint string, body, result interface{}) error {
	respBody, err := c.do(ctx, http.MethodPost, endpoint, nil, body)
	if err != nil {
		return err
	}

	if result != nil {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("%w: decoding response from %s: %w", autherrors.ErrAPIResponse, endpoint, err)
		}
	}

	return nil
}

// get issues a GET and returns the raw body.
func (c *apiClient) get(ctx context.Context, endpoint string, query url.Values) ([]byte, error) {
	return c.do(ctx, http.MethodGet, endpoint, query, nil)
}
