package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/sync/singleflight"

	"github.com/TheMichaelB/notesync/internal/creds"
	"github.com/TheMichaelB/notesync/internal/events"
	"github.com/TheMichaelB/notesync/internal/models"
)

// Refresher exchanges a refresh token for a new pair. The call must not
// go through an AuthInterceptor.
type Refresher interface {
	Refresh(ctx context.Context, refreshToken string) (models.TokenPair, error)
}

// RefresherFunc adapts a function to Refresher.
type RefresherFunc func(ctx context.Context, refreshToken string) (models.TokenPair, error)

func (f RefresherFunc) Refresh(ctx context.Context, refreshToken string) (models.TokenPair, error) {
	return f(ctx, refreshToken)
}

// AuthOptions tune the interceptor.
type AuthOptions struct {
	// RefreshSkew refreshes proactively when the access token expires
	// within this window. Zero disables proactive refresh.
	RefreshSkew time.Duration

	// RefreshTimeout bounds a refresh call independently of the caller
	// that triggered it.
	RefreshTimeout time.Duration
}

// AuthInterceptor attaches the stored access token to every request and
// transparently refreshes it on 401. Concurrent 401s share one refresh.
type AuthInterceptor struct {
	next      http.RoundTripper
	creds     creds.Credentials
	refresher Refresher
	opts      AuthOptions
	logger    *events.Logger

	group     singleflight.Group
	refreshes atomic.Int64
}

// NewAuthInterceptor wraps next.
func NewAuthInterceptor(next http.RoundTripper, store creds.Credentials, refresher Refresher, opts AuthOptions, logger *events.Logger) *AuthInterceptor {
	if opts.RefreshTimeout <= 0 {
		opts.RefreshTimeout = 15 * time.Second
	}
	return &AuthInterceptor{
		next:      next,
		creds:     store,
		refresher: refresher,
		opts:      opts,
		logger:    logger.WithField("component", "auth_interceptor"),
	}
}

// AuthMiddleware installs an AuthInterceptor on a client.
func AuthMiddleware(store creds.Credentials, refresher Refresher, opts AuthOptions, logger *events.Logger) Middleware {
	return func(next http.RoundTripper) http.RoundTripper {
		return NewAuthInterceptor(next, store, refresher, opts, logger)
	}
}

// Refreshes returns how many refresh calls reached the server.
func (a *AuthInterceptor) Refreshes() int64 {
	return a.refreshes.Load()
}

// RoundTrip implements http.RoundTripper.
func (a *AuthInterceptor) RoundTrip(req *http.Request) (*http.Response, error) {
	ctx := req.Context()

	pair, err := a.creds.Read()
	if err != nil {
		return nil, models.ErrNotAuthenticated
	}
	token := pair.Access

	if a.opts.RefreshSkew > 0 && expiresWithin(token, a.opts.RefreshSkew) {
		fresh, err := a.refresh(ctx, token)
		switch {
		case err == nil:
			token = fresh
		case errors.Is(err, models.ErrSessionExpired):
			return nil, err
		default:
			// Still valid for a little while; let the server decide.
			a.logger.WithError(err).Warn("Proactive token refresh failed")
		}
	}

	resp, err := a.send(req, token)
	if err != nil || resp.StatusCode != http.StatusUnauthorized {
		return resp, err
	}

	// A consumed body without GetBody cannot be replayed.
	if req.Body != nil && req.Body != http.NoBody && req.GetBody == nil {
		return resp, nil
	}

	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	fresh, err := a.refresh(ctx, token)
	if err != nil {
		return nil, err
	}

	return a.send(req, fresh)
}

// send clones req with the given bearer token.
func (a *AuthInterceptor) send(req *http.Request, token string) (*http.Response, error) {
	clone := req.Clone(req.Context())
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, fmt.Errorf("rewind request body: %w", err)
		}
		clone.Body = body
	}
	clone.Header.Set("Authorization", "Bearer "+token)
	return a.next.RoundTrip(clone)
}

// refresh returns an access token newer than stale. Callers whose token
// was already replaced skip the network entirely.
func (a *AuthInterceptor) refresh(ctx context.Context, stale string) (string, error) {
	if current, ok := a.newerToken(stale); ok {
		return current, nil
	}

	v, err, shared := a.group.Do("refresh", func() (interface{}, error) {
		pair, err := a.creds.Read()
		if err != nil {
			return nil, models.ErrSessionExpired
		}
		if pair.Access != stale {
			return pair.Access, nil
		}

		// The first caller may give up; the refresh still completes for
		// everyone else waiting on it.
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), a.opts.RefreshTimeout)
		defer cancel()

		a.refreshes.Add(1)
		a.logger.Debug("Refreshing access token")

		fresh, err := a.refresher.Refresh(rctx, pair.Refresh)
		if err != nil {
			return nil, a.refreshFailed(err)
		}
		if fresh.Refresh == "" {
			fresh.Refresh = pair.Refresh
		}
		if err := a.creds.Save(fresh); err != nil {
			return nil, fmt.Errorf("save refreshed token: %w", err)
		}

		a.logger.Info("Access token refreshed")
		return fresh.Access, nil
	})
	if err != nil {
		return "", err
	}

	if shared {
		a.logger.Debug("Joined in-flight token refresh")
	}
	return v.(string), nil
}

// newerToken reports the stored token when it differs from stale.
func (a *AuthInterceptor) newerToken(stale string) (string, bool) {
	pair, err := a.creds.Read()
	if err != nil || pair.Access == stale {
		return "", false
	}
	return pair.Access, true
}

// refreshFailed maps a refresh error. A rejected refresh token ends the
// session; connectivity problems keep the credentials for later.
func (a *AuthInterceptor) refreshFailed(err error) error {
	if models.IsTransport(err) {
		a.logger.WithError(err).Warn("Token refresh unreachable")
		return err
	}

	if apiErr, ok := models.AsAPIError(err); ok &&
		(apiErr.StatusCode == http.StatusBadRequest || apiErr.StatusCode == http.StatusUnauthorized) {
		if clearErr := a.creds.Clear(); clearErr != nil {
			a.logger.WithError(clearErr).Error("Failed to clear credentials")
		}
		a.logger.WithError(err).Warn("Refresh token rejected, session ended")
		return fmt.Errorf("%w: %s", models.ErrSessionExpired, apiErr.Detail())
	}

	return fmt.Errorf("refresh token: %w", err)
}

// expiresWithin reports whether a JWT access token expires inside window.
// Opaque tokens are never refreshed proactively.
func expiresWithin(token string, window time.Duration) bool {
	claims := jwt.RegisteredClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, &claims); err != nil {
		return false
	}
	if claims.ExpiresAt == nil {
		return false
	}
	return time.Until(claims.ExpiresAt.Time) < window
}

var _ http.RoundTripper = (*AuthInterceptor)(nil)
