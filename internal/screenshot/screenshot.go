// Package screenshot encrypts captured images before they touch disk.
//
// Every envelope derives its own AES-256 key from the operator secret and a
// fresh random salt (PBKDF2-SHA256), then seals the image with AES-GCM.
// The derived key is never stored.
package screenshot

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"golang.org/x/crypto/pbkdf2"
)

// Key derivation and cipher parameters.
const (
	KDFIterations = 100_000
	SaltSize      = 32
	NonceSize     = 12
	KeySize       = 32

	// MinSecretLength is the shortest accepted operator secret.
	MinSecretLength = 32
)

var (
	ErrInvalidSecret = errors.New("invalid screenshot encryption secret")
	ErrMalformed     = errors.New("malformed screenshot envelope")
	ErrDecrypt       = errors.New("screenshot decryption failed")
)

// placeholders are values copied from sample configs that must never be
// used as a real secret.
var placeholders = []string{
	"changeme",
	"change-me",
	"change_me",
	"secret",
	"password",
	"default",
	"example",
	"placeholder",
	"your-secret-key",
	"your-encryption-key",
	"your-encryption-key-here",
	"your-32-character-encryption-key",
	"your-32-character-encryption-key-here",
	"change-this-to-a-secure-random-key",
	"replace-with-a-strong-random-secret",
	"default-encryption-key-change-in-production",
}

// ValidateSecret checks an operator secret at startup. It must be set, must
// not be a known placeholder and must be at least MinSecretLength long.
func ValidateSecret(secret string) error {
	s := strings.TrimSpace(secret)
	if s == "" {
		return fmt.Errorf("%w: secret is required", ErrInvalidSecret)
	}
	lower := strings.ToLower(s)
	for _, p := range placeholders {
		if lower == p {
			return fmt.Errorf("%w: secret is a placeholder value", ErrInvalidSecret)
		}
	}
	if n := len([]rune(s)); n < MinSecretLength {
		return fmt.Errorf("%w: secret must be at least %d characters, got %d", ErrInvalidSecret, MinSecretLength, n)
	}
	return nil
}

// Envelope is the persisted form of an encrypted screenshot.
type Envelope struct {
	EncryptedData string    `json:"encryptedData"` // hex ciphertext with GCM tag
	IV            string    `json:"iv"`            // hex nonce
	Salt          string    `json:"salt"`          // hex PBKDF2 salt
	Timestamp     time.Time `json:"timestamp"`
}

// Encryptor seals and opens envelopes with one operator secret.
// Safe for concurrent use.
type Encryptor struct {
	secret []byte
	random io.Reader
	now    func() time.Time
}

// NewEncryptor validates secret and returns an Encryptor for it.
func NewEncryptor(secret string) (*Encryptor, error) {
	if err := ValidateSecret(secret); err != nil {
		return nil, err
	}
	return &Encryptor{
		secret: []byte(strings.TrimSpace(secret)),
		random: rand.Reader,
		now:    time.Now,
	}, nil
}

// Encrypt seals data under a key derived from a new random salt.
func (e *Encryptor) Encrypt(data []byte) (*Envelope, error) {
	salt := make([]byte, SaltSize)
	if _, err := io.ReadFull(e.random, salt); err != nil {
		return nil, fmt.Errorf("generating salt: %w", err)
	}
	nonce := make([]byte, NonceSize)
	if _, err := io.ReadFull(e.random, nonce); err != nil {
		return nil, fmt.Errorf("generating nonce: %w", err)
	}
	gcm, err := e.aead(salt)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		EncryptedData: hex.EncodeToString(gcm.Seal(nil, nonce, data, nil)),
		IV:            hex.EncodeToString(nonce),
		Salt:          hex.EncodeToString(salt),
		Timestamp:     e.now().UTC(),
	}, nil
}

// Decrypt opens an envelope. Tampering and a wrong secret both yield ErrDecrypt.
func (e *Encryptor) Decrypt(env *Envelope) ([]byte, error) {
	if env == nil {
		return nil, ErrMalformed
	}
	salt, err := hex.DecodeString(env.Salt)
	if err != nil || len(salt) != SaltSize {
		return nil, fmt.Errorf("%w: bad salt", ErrMalformed)
	}
	nonce, err := hex.DecodeString(env.IV)
	if err != nil || len(nonce) != NonceSize {
		return nil, fmt.Errorf("%w: bad iv", ErrMalformed)
	}
	ciphertext, err := hex.DecodeString(env.EncryptedData)
	if err != nil {
		return nil, fmt.Errorf("%w: bad ciphertext", ErrMalformed)
	}
	gcm, err := e.aead(salt)
	if err != nil {
		return nil, err
	}
	plain, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	return plain, nil
}

func (e *Encryptor) aead(salt []byte) (cipher.AEAD, error) {
	key := pbkdf2.Key(e.secret, salt, KDFIterations, KeySize, sha256.New)
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, NonceSize)
	if err != nil {
		return nil, fmt.Errorf("creating gcm: %w", err)
	}
	return gcm, nil
}
