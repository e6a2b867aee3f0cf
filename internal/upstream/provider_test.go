package upstream

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestClient(t *testing.T, configs map[Provider]ProviderConfig) *Client {
	t.Helper()
	c, err := NewClient(configs, testLogger())
	require.NoError(t, err)
	return c
}

func googleConfig(overrides ProviderConfig) map[Provider]ProviderConfig {
	cfg := ProviderConfig{
		ClientID:     "google-client-id",
		ClientSecret: "google-client-secret",
		RedirectURL:  "https://broker.example.com/oauth/callback",
	}
	if overrides.AuthURL != "" {
		cfg.AuthURL = overrides.AuthURL
	}
	if overrides.TokenURL != "" {
		cfg.TokenURL = overrides.TokenURL
	}
	if overrides.UserInfoURL != "" {
		cfg.UserInfoURL = overrides.UserInfoURL
	}
	return map[Provider]ProviderConfig{ProviderGoogle: cfg}
}

func TestNewClientValidation(t *testing.T) {
	_, err := NewClient(nil, testLogger())
	assert.Error(t, err, "at least one provider is required")

	_, err = NewClient(map[Provider]ProviderConfig{
		Provider("github"): {ClientID: "x", ClientSecret: "y"},
	}, testLogger())
	assert.Error(t, err, "unknown providers are rejected")

	_, err = NewClient(map[Provider]ProviderConfig{
		ProviderGoogle: {ClientID: "x"},
	}, testLogger())
	assert.Error(t, err, "missing secret is rejected")
}

func TestConfigured(t *testing.T) {
	c := newTestClient(t, googleConfig(ProviderConfig{}))
	assert.True(t, c.Configured(ProviderGoogle))
	assert.False(t, c.Configured(ProviderMicrosoft))
}

func TestAuthorizationURLCarriesPKCEAndOfflineAccess(t *testing.T) {
	c := newTestClient(t, googleConfig(ProviderConfig{}))

	raw, err := c.AuthorizationURL(ProviderGoogle, "the-state", "the-challenge")
	require.NoError(t, err)

	parsed, err := url.Parse(raw)
	require.NoError(t, err)
	q := parsed.Query()
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, "google-client-id", q.Get("client_id"))
	assert.Equal(t, "the-state", q.Get("state"))
	assert.Equal(t, "the-challenge", q.Get("code_challenge"))
	assert.Equal(t, "S256", q.Get("code_challenge_method"))
	assert.Equal(t, "offline", q.Get("access_type"))
	assert.Equal(t, "consent", q.Get("prompt"))
	assert.Contains(t, q.Get("scope"), "openid")
	assert.Equal(t, "https://broker.example.com/oauth/callback", q.Get("redirect_uri"))

	_, err = c.AuthorizationURL(ProviderMicrosoft, "s", "c")
	assert.Error(t, err, "unconfigured provider")
}

func TestExchangeCodeSendsVerifierAndFetchesProfile(t *testing.T) {
	var sawVerifier, sawCode string
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		sawVerifier = r.FormValue("code_verifier")
		sawCode = r.FormValue("code")
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "upstream-access",
			"refresh_token": "upstream-refresh",
			"token_type":    "Bearer",
			"expires_in":    3600,
		})
	})
	mux.HandleFunc("/userinfo", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer upstream-access", r.Header.Get("Authorization"))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"sub": "google-sub-1",
			"email": "user@example.com",
			"email_verified": true,
			"name": "User Example",
			"given_name": "User",
			"family_name": "Example"
		}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := newTestClient(t, googleConfig(ProviderConfig{
		TokenURL:    srv.URL + "/token",
		UserInfoURL: srv.URL + "/userinfo",
	}))

	tokens, err := c.ExchangeCode(context.Background(), ProviderGoogle, "auth-code", "the-verifier")
	require.NoError(t, err)

	assert.Equal(t, "auth-code", sawCode)
	assert.Equal(t, "the-verifier", sawVerifier)
	assert.Equal(t, "upstream-access", tokens.AccessToken)
	assert.Equal(t, "upstream-refresh", tokens.RefreshToken)
	require.NotNil(t, tokens.UserInfo)
	assert.Equal(t, "google-sub-1", tokens.UserInfo.Subject)
	assert.Equal(t, "user@example.com", tokens.UserInfo.Email)
	assert.Equal(t, "google", tokens.UserInfo.Provider)
}

func TestExchangeCodeFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"invalid_grant"}`, http.StatusBadRequest)
	}))
	defer srv.Close()

	c := newTestClient(t, googleConfig(ProviderConfig{TokenURL: srv.URL + "/token"}))
	_, err := c.ExchangeCode(context.Background(), ProviderGoogle, "bad-code", "verifier")
	assert.Error(t, err)
}

func TestRefreshUpstreamTokenSuppressesReusedRefreshToken(t *testing.T) {
	rotate := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "refresh_token", r.FormValue("grant_type"))
		assert.Equal(t, "old-refresh", r.FormValue("refresh_token"))
		resp := map[string]any{
			"access_token": "fresh-access",
			"token_type":   "Bearer",
			"expires_in":   3600,
		}
		if rotate {
			resp["refresh_token"] = "new-refresh"
		} else {
			resp["refresh_token"] = "old-refresh"
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}))
	defer srv.Close()

	c := newTestClient(t, googleConfig(ProviderConfig{TokenURL: srv.URL + "/token"}))

	tokens, err := c.RefreshUpstreamToken(context.Background(), ProviderGoogle, "old-refresh")
	require.NoError(t, err)
	assert.Equal(t, "fresh-access", tokens.AccessToken)
	assert.Empty(t, tokens.RefreshToken, "a re-issued identical refresh token is reported as empty")

	rotate = true
	tokens, err = c.RefreshUpstreamToken(context.Background(), ProviderGoogle, "old-refresh")
	require.NoError(t, err)
	assert.Equal(t, "new-refresh", tokens.RefreshToken)
}

func TestFetchUserInfoRejectsNon200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := newTestClient(t, googleConfig(ProviderConfig{UserInfoURL: srv.URL + "/userinfo"}))
	_, err := c.FetchUserInfo(context.Background(), ProviderGoogle, "stale-token")
	assert.Error(t, err)
}

func TestNormalizeMicrosoftProfile(t *testing.T) {
	t.Run("mail present", func(t *testing.T) {
		info, err := normalizeMicrosoftProfile(strings.NewReader(`{
			"id": "ms-1",
			"displayName": "User Example",
			"givenName": "User",
			"surname": "Example",
			"mail": "user@example.com"
		}`))
		require.NoError(t, err)
		assert.Equal(t, "ms-1", info.Subject)
		assert.Equal(t, "user@example.com", info.Email)
		assert.True(t, info.EmailVerified)
		assert.Equal(t, "microsoft", info.Provider)
	})

	t.Run("falls back to userPrincipalName", func(t *testing.T) {
		info, err := normalizeMicrosoftProfile(strings.NewReader(`{
			"id": "ms-2",
			"mail": "",
			"userPrincipalName": "user@tenant.onmicrosoft.com"
		}`))
		require.NoError(t, err)
		assert.Equal(t, "user@tenant.onmicrosoft.com", info.Email)
	})

	t.Run("no email at all", func(t *testing.T) {
		info, err := normalizeMicrosoftProfile(strings.NewReader(`{"id": "ms-3", "userPrincipalName": "no-at-sign"}`))
		require.NoError(t, err)
		assert.Empty(t, info.Email)
		assert.False(t, info.EmailVerified)
	})
}
