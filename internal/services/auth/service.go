package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	"github.com/TheMichaelB/notesync/internal/creds"
	"github.com/TheMichaelB/notesync/internal/events"
	"github.com/TheMichaelB/notesync/internal/models"
	"github.com/TheMichaelB/notesync/internal/transport"
)

const (
	tokenPath          = "api/auth/token/"
	refreshPath        = "api/auth/token/refresh/"
	registerPath       = "api/auth/register/"
	userInfoPath       = "api/auth/userinfo/"
	changePasswordPath = "api/auth/change-password/"
)

// Service handles authentication operations.
type Service struct {
	// public carries calls that must not be intercepted: login,
	// registration and the refresh itself.
	public transport.Transport
	authed transport.Transport
	store  creds.Credentials
	logger *events.Logger

	// Combined credentials (optional)
	creds *creds.Combined
}

// NewService creates an auth service.
func NewService(public, authed transport.Transport, store creds.Credentials, logger *events.Logger) *Service {
	return &Service{
		public: public,
		authed: authed,
		store:  store,
		logger: logger.WithField("service", "auth"),
	}
}

// SetCredentials sets the combined credentials.
func (s *Service) SetCredentials(c *creds.Combined) {
	s.creds = c
}

// Login exchanges a username and password for a token pair and
// persists it. Empty arguments fall back to combined credentials.
func (s *Service) Login(ctx context.Context, username, password string) error {
	if s.creds != nil {
		if username == "" {
			username = s.creds.Auth.Username
		}
		if password == "" {
			password = s.creds.Auth.Password
		}
	}

	if username == "" || password == "" {
		return fmt.Errorf("username and password required")
	}

	s.logger.WithField("username", username).Info("Logging in")

	var pair models.TokenPair
	err := s.public.Do(ctx, http.MethodPost, tokenPath, models.LoginRequest{
		Username: username,
		Password: password,
	}, &pair)
	if err != nil {
		return fmt.Errorf("login request: %w", err)
	}

	if pair.Empty() || pair.Refresh == "" {
		return fmt.Errorf("invalid login response: missing token")
	}

	if err := s.store.Save(pair); err != nil {
		return fmt.Errorf("save credentials: %w", err)
	}

	s.logger.Info("Login successful")
	return nil
}

// Register creates an account. It does not sign in.
func (s *Service) Register(ctx context.Context, req models.RegisterRequest) (models.RegisterResponse, error) {
	s.logger.WithField("username", req.Username).Info("Registering account")

	var resp models.RegisterResponse
	if err := s.public.Do(ctx, http.MethodPost, registerPath, req, &resp); err != nil {
		return models.RegisterResponse{}, fmt.Errorf("register: %w", err)
	}
	return resp, nil
}

// Refresh exchanges a refresh token for a new pair. Refresh in the
// result is empty when the server does not rotate refresh tokens.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (models.TokenPair, error) {
	if refreshToken == "" {
		return models.TokenPair{}, models.ErrSessionExpired
	}

	var resp models.RefreshResponse
	err := s.public.Do(ctx, http.MethodPost, refreshPath, models.RefreshRequest{Refresh: refreshToken}, &resp)
	if err != nil {
		return models.TokenPair{}, err
	}
	if resp.Access == "" {
		return models.TokenPair{}, fmt.Errorf("invalid refresh response: missing access token")
	}

	return models.TokenPair{Access: resp.Access, Refresh: resp.Refresh}, nil
}

// UserInfo returns the signed-in account.
func (s *Service) UserInfo(ctx context.Context) (models.UserInfo, error) {
	var info models.UserInfo
	if err := s.authed.Do(ctx, http.MethodGet, userInfoPath, nil, &info); err != nil {
		return models.UserInfo{}, fmt.Errorf("user info: %w", err)
	}
	return info, nil
}

// ChangePassword updates the account password.
func (s *Service) ChangePassword(ctx context.Context, oldPassword, newPassword string) error {
	if newPassword == "" {
		return errors.New("new password required")
	}

	err := s.authed.Do(ctx, http.MethodPost, changePasswordPath, models.ChangePasswordRequest{
		OldPassword: oldPassword,
		NewPassword: newPassword,
	}, nil)
	if err != nil {
		return fmt.Errorf("change password: %w", err)
	}

	s.logger.Info("Password changed")
	return nil
}

// Authenticated reports whether credentials are stored.
func (s *Service) Authenticated() bool {
	_, err := s.store.Read()
	return err == nil
}

// Logout destroys the stored credentials. The API has no server-side
// session to end.
func (s *Service) Logout(ctx context.Context) error {
	s.logger.Info("Logging out")

	if err := s.store.Clear(); err != nil {
		return fmt.Errorf("clear credentials: %w", err)
	}
	return nil
}

var _ transport.Refresher = (*Service)(nil)
