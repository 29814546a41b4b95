package creds

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/TheMichaelB/notesync/internal/crypto"
	"github.com/TheMichaelB/notesync/internal/events"
	"github.com/TheMichaelB/notesync/internal/models"
)

// Credentials is the token storage consumed by the auth interceptor.
type Credentials interface {
	// Read returns the latest persisted pair or models.ErrNotAuthenticated.
	Read() (models.TokenPair, error)

	// Save replaces the stored pair.
	Save(pair models.TokenPair) error

	// SaveAccessToken replaces only the access token.
	SaveAccessToken(access string) error

	// Clear destroys the stored pair.
	Clear() error
}

const envelopeVersion = 1

// envelope is the on-disk format. Key is present only for passphrase
// derived keys; key-file mode stores no derivation parameters.
type envelope struct {
	Version int             `json:"version"`
	Key     *crypto.KeyInfo `json:"key,omitempty"`
	Data    string          `json:"data"`
}

// Options select how the sealing key is obtained.
type Options struct {
	// Passphrase derives the key; takes precedence over KeyFile.
	Passphrase string

	// KDF is crypto.KDFScrypt (default) or crypto.KDFPBKDF2.
	KDF string

	// KeyFile holds a random key, created on first use.
	KeyFile string
}

// Store persists a TokenPair in an AES-GCM sealed file.
type Store struct {
	path     string
	opts     Options
	provider crypto.Provider
	logger   *events.Logger

	mu      sync.RWMutex
	fileKey []byte
	keyInfo *crypto.KeyInfo
	derived []byte
	cached  *models.TokenPair
}

// NewStore creates a credential store backed by path.
func NewStore(path string, opts Options, logger *events.Logger) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("%w: credential file path is empty", models.ErrInvalidConfig)
	}

	s := &Store{
		path:     path,
		opts:     opts,
		provider: crypto.NewProvider(),
		logger:   logger.WithField("component", "creds"),
	}

	if opts.Passphrase == "" {
		if opts.KeyFile == "" {
			return nil, fmt.Errorf("%w: passphrase or key file required", models.ErrInvalidConfig)
		}
		key, err := crypto.LoadOrCreateKeyFile(opts.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load key file: %w", err)
		}
		s.fileKey = key
	}

	return s, nil
}

// Path returns the envelope location.
func (s *Store) Path() string {
	return s.path
}

// Read returns the latest persisted pair.
func (s *Store) Read() (models.TokenPair, error) {
	s.mu.RLock()
	if s.cached != nil {
		pair := *s.cached
		s.mu.RUnlock()
		return pair, nil
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()

	pair, err := s.load()
	if err != nil {
		return models.TokenPair{}, err
	}
	s.cached = &pair
	return pair, nil
}

// Save replaces the stored pair.
func (s *Store) Save(pair models.TokenPair) error {
	if pair.Empty() {
		return errors.New("refusing to save empty token pair")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.write(pair); err != nil {
		return err
	}
	s.cached = &pair
	s.logger.Debug("Credentials saved")
	return nil
}

// SaveAccessToken replaces the access token, keeping the refresh token.
func (s *Store) SaveAccessToken(access string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	pair, err := s.load()
	if err != nil {
		return err
	}
	pair.Access = access

	if err := s.write(pair); err != nil {
		return err
	}
	s.cached = &pair
	return nil
}

// Clear removes the stored pair. Clearing an empty store succeeds.
func (s *Store) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cached = nil
	if err := os.Remove(s.path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove credentials: %w", err)
	}
	s.logger.Info("Credentials cleared")
	return nil
}

// Invalidate drops the in-memory copy so the next Read hits the file.
func (s *Store) Invalidate() {
	s.mu.Lock()
	s.cached = nil
	s.mu.Unlock()
}

// Watch invalidates the cache whenever another process rewrites or
// removes the envelope. It blocks until ctx is done.
func (s *Store) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	// Atomic renames replace the inode, so watch the directory.
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create credentials directory: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	target := filepath.Clean(s.path)
	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			s.Invalidate()
			s.logger.WithField("op", event.Op.String()).Debug("Credentials file changed")

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.WithError(err).Warn("Credentials watcher error")
		}
	}
}

// load reads and opens the envelope. Caller holds mu.
func (s *Store) load() (models.TokenPair, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return models.TokenPair{}, models.ErrNotAuthenticated
	}
	if err != nil {
		return models.TokenPair{}, fmt.Errorf("read credentials: %w", err)
	}

	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return models.TokenPair{}, fmt.Errorf("parse credentials: %w", err)
	}
	if env.Version != envelopeVersion {
		return models.TokenPair{}, fmt.Errorf("unsupported credentials version %d", env.Version)
	}

	key, err := s.keyFor(env.Key)
	if err != nil {
		return models.TokenPair{}, err
	}

	sealed, err := base64.StdEncoding.DecodeString(env.Data)
	if err != nil {
		return models.TokenPair{}, fmt.Errorf("decode credentials: %w", err)
	}

	plain, err := s.provider.DecryptData(sealed, key)
	if err != nil {
		return models.TokenPair{}, fmt.Errorf("open credentials: %w", err)
	}

	var pair models.TokenPair
	if err := json.Unmarshal(plain, &pair); err != nil {
		return models.TokenPair{}, fmt.Errorf("parse token pair: %w", err)
	}
	if pair.Empty() {
		return models.TokenPair{}, models.ErrNotAuthenticated
	}
	return pair, nil
}

// write seals pair and replaces the file atomically. Caller holds mu.
func (s *Store) write(pair models.TokenPair) error {
	info, key, err := s.sealingKey()
	if err != nil {
		return err
	}

	plain, err := json.Marshal(pair)
	if err != nil {
		return fmt.Errorf("marshal token pair: %w", err)
	}

	sealed, err := s.provider.EncryptData(plain, key)
	if err != nil {
		return fmt.Errorf("seal credentials: %w", err)
	}

	data, err := json.Marshal(envelope{
		Version: envelopeVersion,
		Key:     info,
		Data:    base64.StdEncoding.EncodeToString(sealed),
	})
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0700); err != nil {
		return fmt.Errorf("create credentials directory: %w", err)
	}

	tempPath := fmt.Sprintf("%s.tmp.%d", s.path, time.Now().UnixNano())
	tempFile, err := os.OpenFile(tempPath, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0600)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}

	success := false
	defer func() {
		tempFile.Close()
		if !success {
			os.Remove(tempPath)
		}
	}()

	if _, err := tempFile.Write(data); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tempFile.Sync(); err != nil {
		return fmt.Errorf("sync file: %w", err)
	}
	tempFile.Close()

	if err := os.Rename(tempPath, s.path); err != nil {
		return fmt.Errorf("rename temp file: %w", err)
	}

	success = true
	return nil
}

// keyFor returns the key that opens an envelope with the given parameters.
func (s *Store) keyFor(info *crypto.KeyInfo) ([]byte, error) {
	if s.fileKey != nil {
		if info != nil {
			return nil, fmt.Errorf("%w: credentials were sealed with a passphrase", models.ErrDecryptionFailed)
		}
		return s.fileKey, nil
	}

	if info == nil {
		return nil, fmt.Errorf("%w: credentials were sealed with a key file", models.ErrDecryptionFailed)
	}

	if s.keyInfo != nil && *s.keyInfo == *info {
		return s.derived, nil
	}

	key, err := s.provider.DeriveKey(s.opts.Passphrase, *info)
	if err != nil {
		return nil, fmt.Errorf("derive key: %w", err)
	}
	s.keyInfo = info
	s.derived = key
	return key, nil
}

// sealingKey returns the key and parameters for a new envelope, reusing
// the salt of the last derivation so repeated saves skip scrypt.
func (s *Store) sealingKey() (*crypto.KeyInfo, []byte, error) {
	if s.fileKey != nil {
		return nil, s.fileKey, nil
	}

	if s.keyInfo != nil {
		return s.keyInfo, s.derived, nil
	}

	info, err := crypto.NewKeyInfo(s.opts.KDF)
	if err != nil {
		return nil, nil, err
	}
	key, err := s.keyFor(&info)
	if err != nil {
		return nil, nil, err
	}
	return &info, key, nil
}
