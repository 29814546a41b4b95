package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
	"golang.org/x/crypto/scrypt"
	"golang.org/x/text/unicode/norm"

	"github.com/TheMichaelB/notesync/internal/models"
)

const (
	// Key sizes
	KeySize   = 32 // AES-256
	NonceSize = 12 // GCM standard
	TagSize   = 16 // GCM tag

	// PBKDF2 parameters
	DefaultIterations = 100000
	SaltSize          = 32

	// Scrypt parameters
	ScryptN = 32768 // CPU/memory cost parameter
	ScryptR = 8     // block size parameter
	ScryptP = 1     // parallelization parameter
)

// Key derivation functions.
const (
	KDFScrypt = "scrypt"
	KDFPBKDF2 = "pbkdf2"
)

// Errors
var (
	ErrInvalidCiphertext = errors.New("invalid ciphertext format")
	ErrInvalidKey        = errors.New("invalid key size")
	ErrDecryptionFailed  = models.ErrDecryptionFailed
	ErrUnsupportedKDF    = errors.New("unsupported key derivation function")
)

// KeyInfo carries the key derivation parameters stored next to sealed data.
type KeyInfo struct {
	KDF        string `json:"kdf"`
	Salt       string `json:"salt"` // Base64 encoded
	Iterations int    `json:"iterations,omitempty"`
}

// CryptoProvider handles all cryptographic operations.
type CryptoProvider struct {
	iterations int
}

// NewProvider creates a crypto provider.
func NewProvider() Provider {
	return &CryptoProvider{
		iterations: DefaultIterations,
	}
}

// NewKeyInfo returns parameters with a fresh random salt.
func NewKeyInfo(kdf string) (KeyInfo, error) {
	if kdf == "" {
		kdf = KDFScrypt
	}
	if kdf != KDFScrypt && kdf != KDFPBKDF2 {
		return KeyInfo{}, fmt.Errorf("%w: %s", ErrUnsupportedKDF, kdf)
	}

	salt := make([]byte, SaltSize)
	if _, err := rand.Read(salt); err != nil {
		return KeyInfo{}, fmt.Errorf("generate salt: %w", err)
	}

	info := KeyInfo{
		KDF:  kdf,
		Salt: base64.StdEncoding.EncodeToString(salt),
	}
	if kdf == KDFPBKDF2 {
		info.Iterations = DefaultIterations
	}
	return info, nil
}

// normalizeText maps the passphrase to NFKC so visually identical input
// typed on different keyboards derives the same key.
func normalizeText(s string) string {
	return norm.NFKC.String(s)
}

// DeriveKey derives a sealing key from a passphrase.
func (p *CryptoProvider) DeriveKey(passphrase string, info KeyInfo) ([]byte, error) {
	if passphrase == "" {
		return nil, errors.New("empty passphrase")
	}

	salt, err := base64.StdEncoding.DecodeString(info.Salt)
	if err != nil {
		return nil, fmt.Errorf("decode salt: %w", err)
	}
	if len(salt) < SaltSize {
		return nil, fmt.Errorf("salt too short: %d bytes", len(salt))
	}

	secret := []byte(normalizeText(passphrase))

	switch info.KDF {
	case KDFScrypt:
		key, err := scrypt.Key(secret, salt, ScryptN, ScryptR, ScryptP, KeySize)
		if err != nil {
			return nil, fmt.Errorf("scrypt key derivation: %w", err)
		}
		return key, nil

	case KDFPBKDF2:
		iterations := info.Iterations
		if iterations < p.iterations {
			iterations = p.iterations
		}
		return pbkdf2.Key(secret, salt, iterations, KeySize, sha256.New), nil

	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedKDF, info.KDF)
	}
}

// EncryptData encrypts plaintext using AES-GCM.
func (p *CryptoProvider) EncryptData(plaintext, key []byte) ([]byte, error) {
	return EncryptData(plaintext, key)
}

// DecryptData decrypts ciphertext using AES-GCM.
func (p *CryptoProvider) DecryptData(ciphertext, key []byte) ([]byte, error) {
	return DecryptData(ciphertext, key)
}
