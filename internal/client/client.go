package client

import (
	"context"
	"errors"
	"fmt"

	"github.com/TheMichaelB/notesync/internal/config"
	"github.com/TheMichaelB/notesync/internal/creds"
	"github.com/TheMichaelB/notesync/internal/events"
	"github.com/TheMichaelB/notesync/internal/feed"
	"github.com/TheMichaelB/notesync/internal/models"
	"github.com/TheMichaelB/notesync/internal/services/auth"
	"github.com/TheMichaelB/notesync/internal/services/notes"
	"github.com/TheMichaelB/notesync/internal/services/sync"
	"github.com/TheMichaelB/notesync/internal/state"
	"github.com/TheMichaelB/notesync/internal/storage"
	"github.com/TheMichaelB/notesync/internal/transport"
)

// Client wires every notesync component once and hands out the handles.
type Client struct {
	Auth   *auth.Service
	Notes  *sync.Repository
	Worker *sync.Worker
	Creds  *creds.Store

	config *config.Config
	logger *events.Logger
	public *transport.HTTPClient
	authed *transport.HTTPClient
	store  *storage.SQLiteNoteStore
	jobs   *state.SQLiteJobStore
	conn   sync.Connectivity
}

// Option customizes New.
type Option func(*options)

type options struct {
	conn sync.Connectivity
}

// WithConnectivity replaces the default probe of the API host.
func WithConnectivity(c sync.Connectivity) Option {
	return func(o *options) {
		o.conn = c
	}
}

// Status summarizes local state for display.
type Status struct {
	Authenticated bool             `json:"authenticated" yaml:"authenticated"`
	Online        bool             `json:"online" yaml:"online"`
	Notes         int              `json:"notes" yaml:"notes"`
	Unconfirmed   int              `json:"unconfirmed" yaml:"unconfirmed"`
	Jobs          []models.SyncJob `json:"jobs" yaml:"jobs"`
}

// New creates a notesync client.
func New(cfg *config.Config, logger *events.Logger, opts ...Option) (*Client, error) {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	if err := cfg.EnsureDirectories(); err != nil {
		return nil, err
	}

	credStore, err := creds.NewStore(cfg.Auth.TokenFile, creds.Options{
		Passphrase: cfg.Auth.Passphrase,
		KDF:        cfg.Auth.KDF,
		KeyFile:    cfg.Auth.KeyFile,
	}, logger)
	if err != nil {
		return nil, fmt.Errorf("create credential store: %w", err)
	}

	// The refresh call goes through the public client; the interceptor
	// only needs it once the first authenticated request fails.
	public := transport.NewHTTPClient(&cfg.API, logger)
	var authService *auth.Service
	refresher := transport.RefresherFunc(func(ctx context.Context, refreshToken string) (models.TokenPair, error) {
		return authService.Refresh(ctx, refreshToken)
	})
	authed := transport.NewHTTPClient(&cfg.API, logger, transport.AuthMiddleware(credStore, refresher, transport.AuthOptions{
		RefreshSkew: cfg.Auth.RefreshSkew,
	}, logger))
	authService = auth.NewService(public, authed, credStore, logger)

	combined, err := loadCombined(&cfg.Auth)
	if err != nil {
		return nil, err
	}
	if combined != nil {
		authService.SetCredentials(combined)
	}

	noteStore, err := storage.NewSQLiteNoteStore(cfg.Storage.DatabasePath, logger)
	if err != nil {
		return nil, fmt.Errorf("open note store: %w", err)
	}
	jobStore, err := state.NewSQLiteJobStore(cfg.Storage.DatabasePath, logger)
	if err != nil {
		_ = noteStore.Close()
		return nil, fmt.Errorf("open job log: %w", err)
	}

	conn := o.conn
	if conn == nil {
		probe, err := sync.NewNetProbe(cfg.API.BaseURL, cfg.Sync.ConnectivityTimeout)
		if err != nil {
			_ = jobStore.Close()
			_ = noteStore.Close()
			return nil, err
		}
		conn = probe
	}

	repo := sync.NewRepository(sync.Deps{
		Store:  noteStore,
		Jobs:   jobStore,
		Remote: notes.NewService(authed, logger),
		Locks:  state.NewKeyLock(),
		Logger: logger,
	})
	worker := sync.NewWorker(repo, credStore, conn, &cfg.Sync, logger)

	return &Client{
		Auth:   authService,
		Notes:  repo,
		Worker: worker,
		Creds:  credStore,
		config: cfg,
		logger: logger,
		public: public,
		authed: authed,
		store:  noteStore,
		jobs:   jobStore,
		conn:   conn,
	}, nil
}

// LoadSecretCredentials fetches combined credentials from the configured
// AWS Secrets Manager secret.
func (c *Client) LoadSecretCredentials(ctx context.Context) error {
	if c.config.Auth.CredentialsSecret == "" {
		return nil
	}
	combined, err := creds.LoadFromSecret(ctx, c.config.Auth.CredentialsSecret)
	if err != nil {
		return err
	}
	c.Auth.SetCredentials(combined)
	return nil
}

// Logout drops queued jobs and the local cache together, then destroys
// the stored credentials.
func (c *Client) Logout(ctx context.Context) error {
	purged, err := c.Notes.Reset(ctx)
	if err != nil {
		return err
	}
	if err := c.Auth.Logout(ctx); err != nil {
		return err
	}

	c.logger.WithField("dropped_jobs", purged).Info("Logged out")
	return nil
}

// Status reports authentication, connectivity and queue state.
func (c *Client) Status(ctx context.Context) (Status, error) {
	list, err := c.Notes.Notes(ctx)
	if err != nil {
		return Status{}, err
	}
	jobs, err := c.Notes.Pending(ctx)
	if err != nil {
		return Status{}, err
	}

	st := Status{
		Authenticated: c.Auth.Authenticated(),
		Online:        c.conn.Online(ctx),
		Notes:         len(list),
		Jobs:          jobs,
	}
	for _, n := range list {
		if n.Pending {
			st.Unconfirmed++
		}
	}
	return st, nil
}

// Feed returns a websocket feed over the local cache.
func (c *Client) Feed() *feed.Server {
	return feed.NewServer(c.Notes, &c.config.Feed, c.logger)
}

// Config returns the configuration the client was built with.
func (c *Client) Config() *config.Config {
	return c.config
}

// Close releases every resource.
func (c *Client) Close() error {
	c.Worker.Close()

	return errors.Join(
		c.jobs.Close(),
		c.store.Close(),
		c.authed.Close(),
		c.public.Close(),
	)
}

func loadCombined(cfg *config.AuthConfig) (*creds.Combined, error) {
	if cfg.CredentialsFile != "" {
		combined, err := creds.LoadFromFile(cfg.CredentialsFile)
		if err != nil {
			return nil, fmt.Errorf("load credentials file: %w", err)
		}
		return combined, nil
	}
	if cfg.Username != "" || cfg.Password != "" {
		combined := &creds.Combined{}
		combined.Auth.Username = cfg.Username
		combined.Auth.Password = cfg.Password
		return combined, nil
	}
	return nil, nil
}
