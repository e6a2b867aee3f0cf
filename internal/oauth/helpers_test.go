package oauth

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/stratologic/querybridge-mcp/internal/cache"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T) *Store {
	t.Helper()
	c, err := cache.NewWithInterval(t.TempDir(), time.Hour, testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return NewStore(c, testLogger())
}

func testConfig() Config {
	return Config{
		Issuer:             "https://broker.example.com",
		Audience:           "https://broker.example.com",
		AccessTokenTTL:     time.Hour,
		RefreshTokenTTL:    24 * time.Hour,
		AuthCodeTTL:        10 * time.Minute,
		EmbedUpstreamToken: true,
	}
}

func testKeys() *KeyManager {
	return NewKeyManager(
		[]byte("test-signing-key-0123456789abcdef"),
		[]byte("0123456789abcdef"),
	)
}

func newTestIssuer(t *testing.T) (*Issuer, *Store) {
	t.Helper()
	store := newTestStore(t)
	return NewIssuer(testConfig(), testKeys(), store, testLogger()), store
}
