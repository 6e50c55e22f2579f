package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"

	"github.com/vadim/neo-chat/internal/httpx/response"
)

var (
	// ErrUnauthenticated means the request carried no usable credential
	ErrUnauthenticated = errors.New("unauthenticated")
	// ErrAuthUnavailable means the auth collaborator could not be reached
	ErrAuthUnavailable = errors.New("auth service unavailable")
)

// Authenticator resolves the verified user behind a request. Credentials
// are never inspected here beyond handing them to the auth collaborator.
type Authenticator interface {
	Authenticate(r *http.Request) (string, error)
}

// HeaderAuthenticator trusts a user ID header set by the API gateway in
// front of this service
type HeaderAuthenticator struct {
	Header string
}

// NewHeaderAuthenticator creates an authenticator reading header
func NewHeaderAuthenticator(header string) *HeaderAuthenticator {
	if header == "" {
		header = "X-User-ID"
	}
	return &HeaderAuthenticator{Header: header}
}

// Authenticate returns the header value
func (a *HeaderAuthenticator) Authenticate(r *http.Request) (string, error) {
	userID := strings.TrimSpace(r.Header.Get(a.Header))
	if userID == "" {
		return "", ErrUnauthenticated
	}
	return userID, nil
}

// RemoteAuthenticator forwards the bearer token to the auth service and
// uses the user ID it answers with
type RemoteAuthenticator struct {
	client    *resty.Client
	verifyURL string
}

type verifyResponse struct {
	UserID string `json:"user_id"`
}

// NewRemoteAuthenticator creates an authenticator calling verifyURL
func NewRemoteAuthenticator(verifyURL string, timeout time.Duration) *RemoteAuthenticator {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &RemoteAuthenticator{
		client: resty.New().
			SetTimeout(timeout).
			SetHeader("Accept", "application/json"),
		verifyURL: verifyURL,
	}
}

// Authenticate verifies the request's access token. Browsers cannot set
// headers on a websocket handshake, so the access_token query parameter is
// accepted as well.
func (a *RemoteAuthenticator) Authenticate(r *http.Request) (string, error) {
	token := bearerToken(r)
	if token == "" {
		return "", ErrUnauthenticated
	}

	var out verifyResponse
	resp, err := a.client.R().
		SetContext(r.Context()).
		SetAuthToken(token).
		SetResult(&out).
		Get(a.verifyURL)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrAuthUnavailable, err)
	}

	switch {
	case resp.StatusCode() == http.StatusUnauthorized, resp.StatusCode() == http.StatusForbidden:
		return "", ErrUnauthenticated
	case resp.IsError():
		return "", fmt.Errorf("%w: status %d", ErrAuthUnavailable, resp.StatusCode())
	}

	if strings.TrimSpace(out.UserID) == "" {
		return "", ErrUnauthenticated
	}
	return out.UserID, nil
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if token, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(token)
		}
	}
	return r.URL.Query().Get("access_token")
}

type ctxKey struct{}

// WithUserID returns a copy of ctx carrying userID
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, ctxKey{}, userID)
}

// UserIDFrom returns the authenticated user ID stored in ctx
func UserIDFrom(ctx context.Context) (string, bool) {
	userID, ok := ctx.Value(ctxKey{}).(string)
	return userID, ok && userID != ""
}

// Middleware rejects unauthenticated requests and stores the user ID in the
// request context
func Middleware(a Authenticator, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, err := a.Authenticate(r)
			if err != nil {
				if errors.Is(err, ErrAuthUnavailable) {
					logger.Error("auth service call failed", "error", err)
					response.ServiceUnavailable(w, "authentication unavailable")
					return
				}
				response.Unauthorized(w, "unauthenticated")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID)))
		})
	}
}
