package oauth

import (
	"fmt"
	"os"
	"strings"
	"time"
)

// Config holds OAuth broker settings.
type Config struct {
	Issuer             string
	Audience           string
	AccessTokenTTL     time.Duration
	RefreshTokenTTL    time.Duration
	AuthCodeTTL        time.Duration
	DCRMode            string
	DCRAccessToken     string
	EmbedUpstreamToken bool
	CacheDir           string
	ClientsFile        string
}

// LoadConfigFromEnv loads broker config from environment variables.
func LoadConfigFromEnv() (Config, error) {
	issuer := strings.TrimSpace(os.Getenv("OAUTH_ISSUER"))
	if issuer == "" {
		return Config{}, fmt.Errorf("OAUTH_ISSUER is required")
	}

	audience := strings.TrimSpace(os.Getenv("OAUTH_AUDIENCE"))
	if audience == "" {
		audience = issuer
	}

	accessTTL := parseDurationEnv("OAUTH_ACCESS_TOKEN_TTL", 60*time.Minute)
	refreshTTL := parseDurationEnv("OAUTH_REFRESH_TOKEN_TTL", 30*24*time.Hour)
	codeTTL := parseDurationEnv("OAUTH_AUTH_CODE_TTL", 10*time.Minute)

	dcrMode := strings.ToLower(strings.TrimSpace(os.Getenv("OAUTH_DCR_MODE")))
	if dcrMode == "" {
		dcrMode = "open"
	}

	embed := true
	if val := strings.TrimSpace(os.Getenv("OAUTH_EMBED_UPSTREAM_TOKEN")); val != "" {
		embed = strings.EqualFold(val, "true") || val == "1"
	}

	return Config{
		Issuer:             strings.TrimRight(issuer, "/"),
		Audience:           audience,
		AccessTokenTTL:     accessTTL,
		RefreshTokenTTL:    refreshTTL,
		AuthCodeTTL:        codeTTL,
		DCRMode:            dcrMode,
		DCRAccessToken:     os.Getenv("OAUTH_DCR_ACCESS_TOKEN"),
		EmbedUpstreamToken: embed,
		CacheDir:           strings.TrimSpace(os.Getenv("QUERYBRIDGE_CACHE_DIR")),
		ClientsFile:        strings.TrimSpace(os.Getenv("OAUTH_CLIENTS_FILE")),
	}, nil
}

func parseDurationEnv(key string, fallback time.Duration) time.Duration {
	if val := strings.TrimSpace(os.Getenv(key)); val != "" {
		if dur, err := time.ParseDuration(val); err == nil {
			return dur
		}
	}
	return fallback
}
