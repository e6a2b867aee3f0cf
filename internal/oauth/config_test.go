package oauth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfigFromEnvDefaults(t *testing.T) {
	t.Setenv("OAUTH_ISSUER", "https://broker.example.com")

	cfg, err := LoadConfigFromEnv()
	require.NoError(t, err)
	assert.Equal(t, "https://broker.example.com", cfg.Issuer)
	assert.Equal(t, cfg.Issuer, cfg.Audience, "audience defaults to the issuer")
	assert.Equal(t, 60*time.Minute, cfg.AccessTokenTTL)
	assert.Equal(t, 30*24*time.Hour, cfg.RefreshTokenTTL)
	assert.Equal(t, 10*time.Minute, cfg.AuthCodeTTL)
	assert.Equal(t, "open", cfg.DCRMode)
	assert.True(t, cfg.EmbedUpstreamToken)
}

func TestLoadConfigFromEnvOverrides(t *testing.T) {
	t.Setenv("OAUTH_ISSUER", "https://broker.example.com")
	t.Setenv("OAUTH_AUDIENCE", "https://api.example.com")
	t.Setenv("OAUTH_ACCESS_TOKEN_TTL", "15m")
	t.Setenv("OAUTH_REFRESH_TOKEN_TTL", "72h")
	t.Setenv("OAUTH_EMBED_UPSTREAM_TOKEN", "false")
	t.Setenv("OAUTH_DCR_MODE", "protected")

	cfg, err := LoadConfigFromEnv()
	require.NoError(t, err)
	assert.Equal(t, "https://api.example.com", cfg.Audience)
	assert.Equal(t, 15*time.Minute, cfg.AccessTokenTTL)
	assert.Equal(t, 72*time.Hour, cfg.RefreshTokenTTL)
	assert.False(t, cfg.EmbedUpstreamToken)
	assert.Equal(t, "protected", cfg.DCRMode)
}

func TestLoadConfigFromEnvRequiresIssuer(t *testing.T) {
	t.Setenv("OAUTH_ISSUER", "")
	_, err := LoadConfigFromEnv()
	assert.Error(t, err)
}

func TestLoadConfigFromEnvIgnoresBadDurations(t *testing.T) {
	t.Setenv("OAUTH_ISSUER", "https://broker.example.com")
	t.Setenv("OAUTH_ACCESS_TOKEN_TTL", "not-a-duration")

	cfg, err := LoadConfigFromEnv()
	require.NoError(t, err)
	assert.Equal(t, 60*time.Minute, cfg.AccessTokenTTL, "bad values fall back to the default")
}

func TestParseAESKeyFormats(t *testing.T) {
	raw, err := ParseAESKey("0123456789abcdef")
	require.NoError(t, err)
	assert.Len(t, raw, 16)

	hexKey, err := ParseAESKey("00112233445566778899aabbccddeeff00112233445566778899aabbccddeeff")
	require.NoError(t, err)
	assert.Len(t, hexKey, 32)

	_, err = ParseAESKey("too-short")
	assert.Error(t, err)
}

func TestLoadKeyManagerFromEnv(t *testing.T) {
	t.Setenv("OAUTH_SIGNING_KEY", "a-signing-key-of-at-least-32-bytes!!")
	t.Setenv("OAUTH_TOKEN_ENCRYPTION_KEY", "0123456789abcdef")

	keys, err := LoadKeyManagerFromEnv()
	require.NoError(t, err)
	assert.NotEmpty(t, keys.SigningKey())
	assert.Len(t, keys.EncryptionKey(), 16)

	t.Setenv("OAUTH_SIGNING_KEY", "short")
	_, err = LoadKeyManagerFromEnv()
	assert.Error(t, err)
}
