package crypto_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/TheMichaelB/notesync/internal/crypto"
)

const testSalt = "dGVzdHNhbHQxMjM0NTY3ODkwMTIzNDU2Nzg5MDEyMzQ1Ng=="

func TestProvider_DeriveKey(t *testing.T) {
	provider := crypto.NewProvider()

	tests := []struct {
		name       string
		passphrase string
		info       crypto.KeyInfo
		wantErr    bool
	}{
		{
			name:       "scrypt",
			passphrase: "correct horse battery staple",
			info:       crypto.KeyInfo{KDF: crypto.KDFScrypt, Salt: testSalt},
		},
		{
			name:       "pbkdf2",
			passphrase: "password123",
			info:       crypto.KeyInfo{KDF: crypto.KDFPBKDF2, Salt: testSalt, Iterations: crypto.DefaultIterations},
		},
		{
			name:       "unicode passphrase",
			passphrase: "пароль123",
			info:       crypto.KeyInfo{KDF: crypto.KDFScrypt, Salt: testSalt},
		},
		{
			name:       "unknown kdf",
			passphrase: "password123",
			info:       crypto.KeyInfo{KDF: "argon9", Salt: testSalt},
			wantErr:    true,
		},
		{
			name:       "invalid salt",
			passphrase: "password123",
			info:       crypto.KeyInfo{KDF: crypto.KDFScrypt, Salt: "invalid-base64!"},
			wantErr:    true,
		},
		{
			name:       "short salt",
			passphrase: "password123",
			info:       crypto.KeyInfo{KDF: crypto.KDFScrypt, Salt: "c2hvcnQ="},
			wantErr:    true,
		},
		{
			name:    "empty passphrase",
			info:    crypto.KeyInfo{KDF: crypto.KDFScrypt, Salt: testSalt},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			key, err := provider.DeriveKey(tt.passphrase, tt.info)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}

			require.NoError(t, err)
			assert.Len(t, key, crypto.KeySize)

			again, err := provider.DeriveKey(tt.passphrase, tt.info)
			require.NoError(t, err)
			assert.Equal(t, key, again, "derivation must be deterministic")
		})
	}
}

func TestProvider_DeriveKeyNormalizesPassphrase(t *testing.T) {
	provider := crypto.NewProvider()
	info := crypto.KeyInfo{KDF: crypto.KDFPBKDF2, Salt: testSalt}

	// U+FB01 LATIN SMALL LIGATURE FI folds to "fi" under NFKC.
	ligature, err := provider.DeriveKey("ﬁle", info)
	require.NoError(t, err)
	plain, err := provider.DeriveKey("file", info)
	require.NoError(t, err)

	assert.Equal(t, plain, ligature)
}

func TestNewKeyInfo(t *testing.T) {
	a, err := crypto.NewKeyInfo("")
	require.NoError(t, err)
	assert.Equal(t, crypto.KDFScrypt, a.KDF)

	b, err := crypto.NewKeyInfo(crypto.KDFPBKDF2)
	require.NoError(t, err)
	assert.Equal(t, crypto.DefaultIterations, b.Iterations)
	assert.NotEqual(t, a.Salt, b.Salt)

	_, err = crypto.NewKeyInfo("rot13")
	assert.ErrorIs(t, err, crypto.ErrUnsupportedKDF)
}

func TestProvider_EncryptDecryptRoundTrip(t *testing.T) {
	provider := crypto.NewProvider()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	for _, plaintext := range [][]byte{
		[]byte("Hello, World!"),
		[]byte(`{"access":"a","refresh":"r"}`),
		{},
	} {
		ciphertext, err := provider.EncryptData(plaintext, key)
		require.NoError(t, err)
		assert.Len(t, ciphertext, crypto.NonceSize+len(plaintext)+crypto.TagSize)

		decrypted, err := provider.DecryptData(ciphertext, key)
		require.NoError(t, err)
		assert.Equal(t, string(plaintext), string(decrypted))
	}
}

func TestProvider_DecryptErrors(t *testing.T) {
	provider := crypto.NewProvider()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)

	_, err = provider.DecryptData([]byte("short"), key)
	assert.ErrorIs(t, err, crypto.ErrInvalidCiphertext)

	_, err = provider.DecryptData(make([]byte, 64), key[:16])
	assert.ErrorIs(t, err, crypto.ErrInvalidKey)
}

func TestLoadOrCreateKeyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "key")

	first, err := crypto.LoadOrCreateKeyFile(path)
	require.NoError(t, err)
	assert.Len(t, first, crypto.KeySize)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	second, err := crypto.LoadOrCreateKeyFile(path)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestLoadOrCreateKeyFileRejectsGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "key")
	require.NoError(t, os.WriteFile(path, []byte("not-hex"), 0600))

	_, err := crypto.LoadOrCreateKeyFile(path)
	assert.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte("abcd\n"), 0600))
	_, err = crypto.LoadOrCreateKeyFile(path)
	assert.Error(t, err)
}
