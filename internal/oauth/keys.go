package oauth

import (
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
)

// KeyManager holds the broker's symmetric key material: the HMAC signing key
// for issued tokens and the AES key protecting the embedded upstream
// credential. Signing and encryption are deliberately separate keys and
// separate steps.
type KeyManager struct {
	signingKey    []byte
	encryptionKey []byte
}

// NewKeyManager builds a KeyManager from already-validated key material.
func NewKeyManager(signingKey, encryptionKey []byte) *KeyManager {
	return &KeyManager{signingKey: signingKey, encryptionKey: encryptionKey}
}

// LoadKeyManagerFromEnv loads key material from the environment.
// OAUTH_SIGNING_KEY is the HMAC-SHA-256 secret (at least 32 bytes).
// OAUTH_TOKEN_ENCRYPTION_KEY must yield a 16-, 24-, or 32-byte AES key,
// given raw, hex-, or base64-encoded.
func LoadKeyManagerFromEnv() (*KeyManager, error) {
	signing := strings.TrimSpace(os.Getenv("OAUTH_SIGNING_KEY"))
	if signing == "" {
		return nil, fmt.Errorf("OAUTH_SIGNING_KEY is required")
	}
	if len(signing) < 32 {
		return nil, fmt.Errorf("OAUTH_SIGNING_KEY must be at least 32 bytes")
	}

	encRaw := strings.TrimSpace(os.Getenv("OAUTH_TOKEN_ENCRYPTION_KEY"))
	if encRaw == "" {
		return nil, fmt.Errorf("OAUTH_TOKEN_ENCRYPTION_KEY is required")
	}
	encKey, err := ParseAESKey(encRaw)
	if err != nil {
		return nil, fmt.Errorf("OAUTH_TOKEN_ENCRYPTION_KEY: %w", err)
	}

	return &KeyManager{
		signingKey:    []byte(signing),
		encryptionKey: encKey,
	}, nil
}

// SigningKey returns the HMAC signing secret.
func (k *KeyManager) SigningKey() []byte {
	return k.signingKey
}

// EncryptionKey returns the AES key for the embedded upstream credential.
func (k *KeyManager) EncryptionKey() []byte {
	return k.encryptionKey
}

// ParseAESKey interprets value as an AES key: raw bytes of a valid AES
// length, or hex or base64 decoding to one.
func ParseAESKey(value string) ([]byte, error) {
	if isAESLength(len(value)) {
		return []byte(value), nil
	}
	if decoded, err := hex.DecodeString(value); err == nil && isAESLength(len(decoded)) {
		return decoded, nil
	}
	if decoded, err := base64.StdEncoding.DecodeString(value); err == nil && isAESLength(len(decoded)) {
		return decoded, nil
	}
	return nil, fmt.Errorf("key must be 16, 24, or 32 bytes (raw, hex, or base64)")
}

func isAESLength(n int) bool {
	return n == 16 || n == 24 || n == 32
}
