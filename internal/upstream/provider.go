// Package upstream talks to the external identity providers that
// authenticate end users. Providers form a small closed set configured as a
// table; adding one means adding a table entry and a profile normalization
// function.
package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// Provider tags one of the supported identity providers.
type Provider string

const (
	ProviderGoogle    Provider = "google"
	ProviderMicrosoft Provider = "microsoft"
)

// requestTimeout bounds every outbound call to a provider.
const requestTimeout = 15 * time.Second

// defaults carries the per-provider endpoint and scope table.
type defaults struct {
	endpoint    oauth2.Endpoint
	userInfoURL string
	scopes      []string
	// authParams force a refresh token to be issued: consent is always
	// re-prompted, and offline access is requested the provider's way.
	authParams []oauth2.AuthCodeOption
}

var providerDefaults = map[Provider]defaults{
	ProviderGoogle: {
		endpoint: oauth2.Endpoint{
			AuthURL:  "https://accounts.google.com/o/oauth2/v2/auth",
			TokenURL: "https://oauth2.googleapis.com/token",
		},
		userInfoURL: "https://openidconnect.googleapis.com/v1/userinfo",
		scopes:      []string{"openid", "email", "profile"},
		authParams: []oauth2.AuthCodeOption{
			oauth2.SetAuthURLParam("access_type", "offline"),
			oauth2.SetAuthURLParam("prompt", "consent"),
		},
	},
	ProviderMicrosoft: {
		endpoint: oauth2.Endpoint{
			AuthURL:  "https://login.microsoftonline.com/common/oauth2/v2.0/authorize",
			TokenURL: "https://login.microsoftonline.com/common/oauth2/v2.0/token",
		},
		userInfoURL: "https://graph.microsoft.com/v1.0/me",
		scopes:      []string{"openid", "email", "profile", "offline_access", "User.Read"},
		authParams: []oauth2.AuthCodeOption{
			oauth2.SetAuthURLParam("prompt", "consent"),
		},
	},
}

// ProviderConfig configures one provider. Empty endpoint fields fall back to
// the provider's published defaults.
type ProviderConfig struct {
	ClientID     string
	ClientSecret string
	RedirectURL  string
	AuthURL      string
	TokenURL     string
	UserInfoURL  string
	Scopes       []string
}

// UserInfo is the provider-agnostic profile shape.
type UserInfo struct {
	Subject       string `json:"sub"`
	Email         string `json:"email,omitempty"`
	EmailVerified bool   `json:"email_verified,omitempty"`
	Name          string `json:"name,omitempty"`
	GivenName     string `json:"given_name,omitempty"`
	FamilyName    string `json:"family_name,omitempty"`
	Picture       string `json:"picture,omitempty"`
	Locale        string `json:"locale,omitempty"`
	Provider      string `json:"provider,omitempty"`
}

// Tokens is the result of a code exchange or refresh against a provider.
type Tokens struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
	UserInfo     *UserInfo
}

// Client builds authorization URLs and exchanges or refreshes tokens with
// the configured providers. Network failures are logged and surfaced as
// errors; callers treat any error as "no result".
type Client struct {
	configs      map[Provider]*oauth2.Config
	userInfoURLs map[Provider]string
	authParams   map[Provider][]oauth2.AuthCodeOption
	httpClient   *http.Client
	logger       *slog.Logger
}

// NewClient creates a Client for the given providers.
func NewClient(configs map[Provider]ProviderConfig, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if len(configs) == 0 {
		return nil, fmt.Errorf("no identity providers configured")
	}

	c := &Client{
		configs:      make(map[Provider]*oauth2.Config, len(configs)),
		userInfoURLs: make(map[Provider]string, len(configs)),
		authParams:   make(map[Provider][]oauth2.AuthCodeOption, len(configs)),
		httpClient:   &http.Client{Timeout: requestTimeout},
		logger:       logger,
	}
	for provider, cfg := range configs {
		def, ok := providerDefaults[provider]
		if !ok {
			return nil, fmt.Errorf("unknown identity provider: %s", provider)
		}
		if cfg.ClientID == "" || cfg.ClientSecret == "" {
			return nil, fmt.Errorf("provider %s needs a client id and secret", provider)
		}
		endpoint := def.endpoint
		if cfg.AuthURL != "" {
			endpoint.AuthURL = cfg.AuthURL
		}
		if cfg.TokenURL != "" {
			endpoint.TokenURL = cfg.TokenURL
		}
		scopes := cfg.Scopes
		if len(scopes) == 0 {
			scopes = def.scopes
		}
		userInfoURL := cfg.UserInfoURL
		if userInfoURL == "" {
			userInfoURL = def.userInfoURL
		}
		c.configs[provider] = &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Scopes:       scopes,
			Endpoint:     endpoint,
		}
		c.userInfoURLs[provider] = userInfoURL
		c.authParams[provider] = def.authParams
	}
	return c, nil
}

// NewClientFromEnv builds a Client from GOOGLE_CLIENT_ID/GOOGLE_CLIENT_SECRET
// and MICROSOFT_CLIENT_ID/MICROSOFT_CLIENT_SECRET; providers without
// credentials are simply not configured. redirectURL is the broker's
// callback endpoint.
func NewClientFromEnv(redirectURL string, logger *slog.Logger) (*Client, error) {
	configs := make(map[Provider]ProviderConfig)
	if id := os.Getenv("GOOGLE_CLIENT_ID"); id != "" {
		configs[ProviderGoogle] = ProviderConfig{
			ClientID:     id,
			ClientSecret: os.Getenv("GOOGLE_CLIENT_SECRET"),
			RedirectURL:  redirectURL,
		}
	}
	if id := os.Getenv("MICROSOFT_CLIENT_ID"); id != "" {
		configs[ProviderMicrosoft] = ProviderConfig{
			ClientID:     id,
			ClientSecret: os.Getenv("MICROSOFT_CLIENT_SECRET"),
			RedirectURL:  redirectURL,
		}
	}
	return NewClient(configs, logger)
}

// Configured reports whether provider is set up.
func (c *Client) Configured(provider Provider) bool {
	_, ok := c.configs[provider]
	return ok
}

// AuthorizationURL builds the provider authorization URL for one flow:
// response_type=code, the broker's S256 challenge, offline access, and
// forced consent so a refresh token is always issued.
func (c *Client) AuthorizationURL(provider Provider, state, challenge string) (string, error) {
	cfg, ok := c.configs[provider]
	if !ok {
		return "", fmt.Errorf("provider %s not configured", provider)
	}
	opts := append([]oauth2.AuthCodeOption{
		oauth2.SetAuthURLParam("code_challenge", challenge),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
	}, c.authParams[provider]...)
	return cfg.AuthCodeURL(state, opts...), nil
}

// ExchangeCode performs the authorization-code grant and immediately fetches
// the user's profile, attaching it to the result.
func (c *Client) ExchangeCode(ctx context.Context, provider Provider, code, verifier string) (*Tokens, error) {
	cfg, ok := c.configs[provider]
	if !ok {
		return nil, fmt.Errorf("provider %s not configured", provider)
	}

	token, err := cfg.Exchange(c.withHTTPClient(ctx), code,
		oauth2.SetAuthURLParam("code_verifier", verifier))
	if err != nil {
		c.logger.Warn("upstream code exchange failed", "provider", provider, "error", err)
		return nil, fmt.Errorf("code exchange with %s failed: %w", provider, err)
	}

	info, err := c.FetchUserInfo(ctx, provider, token.AccessToken)
	if err != nil {
		return nil, err
	}
	return &Tokens{
		AccessToken:  token.AccessToken,
		RefreshToken: token.RefreshToken,
		ExpiresAt:    token.Expiry,
		UserInfo:     info,
	}, nil
}

// RefreshUpstreamToken performs the refresh grant. When the provider omits a
// new refresh token the returned RefreshToken is empty and the caller must
// retain the previous one.
func (c *Client) RefreshUpstreamToken(ctx context.Context, provider Provider, refreshToken string) (*Tokens, error) {
	cfg, ok := c.configs[provider]
	if !ok {
		return nil, fmt.Errorf("provider %s not configured", provider)
	}

	source := cfg.TokenSource(c.withHTTPClient(ctx), &oauth2.Token{RefreshToken: refreshToken})
	token, err := source.Token()
	if err != nil {
		c.logger.Warn("upstream refresh failed", "provider", provider, "error", err)
		return nil, fmt.Errorf("refresh with %s failed: %w", provider, err)
	}

	newRefresh := token.RefreshToken
	if newRefresh == refreshToken {
		newRefresh = ""
	}
	return &Tokens{
		AccessToken:  token.AccessToken,
		RefreshToken: newRefresh,
		ExpiresAt:    token.Expiry,
	}, nil
}

// FetchUserInfo retrieves the user's profile and normalizes the
// provider-specific shape into UserInfo.
func (c *Client) FetchUserInfo(ctx context.Context, provider Provider, accessToken string) (*UserInfo, error) {
	urlStr, ok := c.userInfoURLs[provider]
	if !ok {
		return nil, fmt.Errorf("provider %s not configured", provider)
	}

	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, urlStr, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Warn("userinfo fetch failed", "provider", provider, "error", err)
		return nil, fmt.Errorf("userinfo fetch from %s failed: %w", provider, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		c.logger.Warn("userinfo fetch failed", "provider", provider, "status", resp.StatusCode)
		return nil, fmt.Errorf("userinfo fetch from %s returned %d", provider, resp.StatusCode)
	}

	switch provider {
	case ProviderMicrosoft:
		return normalizeMicrosoftProfile(resp.Body)
	default:
		return normalizeGoogleProfile(resp.Body)
	}
}

func (c *Client) withHTTPClient(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
}

func normalizeGoogleProfile(body io.Reader) (*UserInfo, error) {
	var profile struct {
		Sub           string `json:"sub"`
		Email         string `json:"email"`
		EmailVerified bool   `json:"email_verified"`
		Name          string `json:"name"`
		GivenName     string `json:"given_name"`
		FamilyName    string `json:"family_name"`
		Picture       string `json:"picture"`
		Locale        string `json:"locale"`
	}
	if err := json.NewDecoder(body).Decode(&profile); err != nil {
		return nil, fmt.Errorf("malformed google profile: %w", err)
	}
	return &UserInfo{
		Subject:       profile.Sub,
		Email:         profile.Email,
		EmailVerified: profile.EmailVerified,
		Name:          profile.Name,
		GivenName:     profile.GivenName,
		FamilyName:    profile.FamilyName,
		Picture:       profile.Picture,
		Locale:        profile.Locale,
		Provider:      string(ProviderGoogle),
	}, nil
}

func normalizeMicrosoftProfile(body io.Reader) (*UserInfo, error) {
	var profile struct {
		ID                string `json:"id"`
		DisplayName       string `json:"displayName"`
		GivenName         string `json:"givenName"`
		Surname           string `json:"surname"`
		Mail              string `json:"mail"`
		UserPrincipalName string `json:"userPrincipalName"`
		PreferredLanguage string `json:"preferredLanguage"`
	}
	if err := json.NewDecoder(body).Decode(&profile); err != nil {
		return nil, fmt.Errorf("malformed microsoft profile: %w", err)
	}
	email := profile.Mail
	if email == "" && strings.Contains(profile.UserPrincipalName, "@") {
		email = profile.UserPrincipalName
	}
	return &UserInfo{
		Subject:       profile.ID,
		Email:         email,
		EmailVerified: email != "",
		Name:          profile.DisplayName,
		GivenName:     profile.GivenName,
		FamilyName:    profile.Surname,
		Locale:        profile.PreferredLanguage,
		Provider:      string(ProviderMicrosoft),
	}, nil
}
