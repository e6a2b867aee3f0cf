package oauth

import "time"

// Client represents an OAuth client registration, static or dynamic.
// Records are immutable once issued.
type Client struct {
	ClientID                 string     `json:"client_id" yaml:"client_id"`
	ClientSecretHash         string     `json:"client_secret_hash,omitempty" yaml:"client_secret_hash,omitempty"`
	ClientName               string     `json:"client_name,omitempty" yaml:"client_name,omitempty"`
	RedirectURIs             []string   `json:"redirect_uris" yaml:"redirect_uris"`
	GrantTypes               []string   `json:"grant_types" yaml:"grant_types"`
	ResponseTypes            []string   `json:"response_types" yaml:"response_types"`
	TokenEndpointAuthMethod  string     `json:"token_endpoint_auth_method" yaml:"token_endpoint_auth_method"`
	Scope                    string     `json:"scope,omitempty" yaml:"scope,omitempty"`
	IsPublicClient           bool       `json:"is_public_client" yaml:"is_public_client"`
	IsMetadataDocumentClient bool       `json:"is_metadata_document_client" yaml:"-"`
	CreatedAt                time.Time  `json:"created_at" yaml:"-"`
	ExpiresAt                *time.Time `json:"expires_at,omitempty" yaml:"-"`
}

// FlowState is one in-flight authorization attempt, keyed by the state value
// the broker sends to the upstream provider. It holds two distinct PKCE
// values: the broker's own verifier/challenge used against the provider, and
// the client's original challenge validated when the client redeems its
// authorization code. The two must never be conflated.
type FlowState struct {
	UpstreamVerifier      string    `json:"upstream_verifier"`
	UpstreamChallenge     string    `json:"upstream_challenge"`
	ClientChallenge       string    `json:"client_challenge"`
	ClientChallengeMethod string    `json:"client_challenge_method"`
	ClientState           string    `json:"client_state"`
	ClientID              string    `json:"client_id"`
	RedirectURI           string    `json:"redirect_uri"`
	Scopes                []string  `json:"scopes"`
	Provider              string    `json:"provider"`
	CreatedAt             time.Time `json:"created_at"`
	ExpiresAt             time.Time `json:"expires_at"`
}

// AuthCode is a single-use broker authorization code record, keyed by a
// one-way hash of the code.
type AuthCode struct {
	CodeHash              string            `json:"code_hash"`
	ClientID              string            `json:"client_id"`
	RedirectURI           string            `json:"redirect_uri"`
	UserID                int64             `json:"user_id"`
	Scopes                []string          `json:"scopes"`
	Claims                map[string]string `json:"claims"`
	ClientChallenge       string            `json:"client_challenge"`
	ClientChallengeMethod string            `json:"client_challenge_method"`
	Provider              string            `json:"provider"`
	UpstreamAccessToken   string            `json:"upstream_access_token"`
	UpstreamRefreshToken  string            `json:"upstream_refresh_token,omitempty"`
	CreatedAt             time.Time         `json:"created_at"`
	ExpiresAt             time.Time         `json:"expires_at"`
}

// RefreshTokenRecord is one issued refresh token, keyed by a one-way hash of
// the token. The record is deleted on first successful use (rotation) or on
// revocation.
type RefreshTokenRecord struct {
	TokenID              string            `json:"token_id"`
	UserID               int64             `json:"user_id"`
	ClientID             string            `json:"client_id"`
	Scopes               []string          `json:"scopes"`
	Claims               map[string]string `json:"claims,omitempty"`
	UpstreamAccessToken  string            `json:"upstream_access_token"`
	UpstreamRefreshToken string            `json:"upstream_refresh_token,omitempty"`
	CreatedAt            time.Time         `json:"created_at"`
	ExpiresAt            time.Time         `json:"expires_at"`
}

// TokenPair is the result of minting broker tokens.
type TokenPair struct {
	AccessToken  string
	RefreshToken string
	ExpiresIn    time.Duration
	Scope        string
}
