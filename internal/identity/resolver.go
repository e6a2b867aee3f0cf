// Package identity maps upstream identities to the downstream API's
// internal numeric user ids.
package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/stratologic/querybridge-mcp/internal/audit"
	"github.com/stratologic/querybridge-mcp/internal/oauth"
)

// resolveScope is the narrow scope on the transient token authenticating
// the resolution call itself.
const resolveScope = "identity:resolve"

// internalClientID tags tokens the broker mints for its own calls.
const internalClientID = "querybridge-internal"

// Resolver resolves an upstream email to the downstream API's numeric user
// id, auto-provisioning through the API when the account does not exist yet.
type Resolver struct {
	issuer     *oauth.Issuer
	endpoint   string
	sharedKey  []byte
	httpClient *http.Client
	audit      *audit.Publisher
	logger     *slog.Logger
}

// NewResolver creates a Resolver. endpoint is the downstream resolution URL;
// sharedKey decrypts the returned user id.
func NewResolver(issuer *oauth.Issuer, endpoint string, sharedKey []byte, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		issuer:     issuer,
		endpoint:   endpoint,
		sharedKey:  sharedKey,
		httpClient: &http.Client{Timeout: 15 * time.Second},
		logger:     logger,
	}
}

// NewResolverFromEnv reads QUERYBRIDGE_RESOLVE_URL and
// QUERYBRIDGE_RESOLVER_KEY.
func NewResolverFromEnv(issuer *oauth.Issuer, logger *slog.Logger) (*Resolver, error) {
	endpoint := strings.TrimSpace(os.Getenv("QUERYBRIDGE_RESOLVE_URL"))
	if endpoint == "" {
		return nil, fmt.Errorf("QUERYBRIDGE_RESOLVE_URL is required")
	}
	keyRaw := strings.TrimSpace(os.Getenv("QUERYBRIDGE_RESOLVER_KEY"))
	if keyRaw == "" {
		return nil, fmt.Errorf("QUERYBRIDGE_RESOLVER_KEY is required")
	}
	key, err := oauth.ParseAESKey(keyRaw)
	if err != nil {
		return nil, fmt.Errorf("QUERYBRIDGE_RESOLVER_KEY: %w", err)
	}
	return NewResolver(issuer, endpoint, key, logger), nil
}

// SetAudit attaches an optional audit publisher for provisioning events.
func (r *Resolver) SetAudit(p *audit.Publisher) {
	r.audit = p
}

type resolveRequest struct {
	Email       string `json:"email"`
	DisplayName string `json:"displayName,omitempty"`
	Provider    string `json:"provider,omitempty"`
}

type resolveResponse struct {
	EncryptedUserID string `json:"encryptedUserId"`
	WasProvisioned  bool   `json:"wasProvisioned"`
}

// Resolve maps email to the downstream numeric user id. The call is
// authenticated with a freshly minted, narrowly scoped broker token.
// Provisioned and pre-existing accounts are treated identically.
func (r *Resolver) Resolve(ctx context.Context, email, upstreamAccessToken string, tempClaims map[string]string) (int64, error) {
	if email == "" {
		return 0, fmt.Errorf("email is required")
	}

	pair, err := r.issuer.Mint(tempClaims, upstreamAccessToken, "", []string{resolveScope}, internalClientID)
	if err != nil {
		return 0, fmt.Errorf("failed to mint resolution token: %w", err)
	}

	payload := resolveRequest{
		Email:       email,
		DisplayName: displayNameFrom(tempClaims, email),
		Provider:    tempClaims["provider"],
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return 0, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+pair.AccessToken)

	resp, err := r.httpClient.Do(req)
	if err != nil {
		r.logger.Warn("user resolution request failed", "error", err)
		return 0, fmt.Errorf("user resolution failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		r.logger.Warn("user resolution rejected", "status", resp.StatusCode)
		return 0, fmt.Errorf("user resolution returned %d", resp.StatusCode)
	}

	var result resolveResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return 0, fmt.Errorf("malformed resolution response: %w", err)
	}

	plaintext, err := oauth.Decrypt(result.EncryptedUserID, r.sharedKey)
	if err != nil {
		r.logger.Warn("user id decryption failed", "error", err)
		return 0, fmt.Errorf("user id decryption failed: %w", err)
	}
	userID, err := strconv.ParseInt(strings.TrimSpace(plaintext), 10, 64)
	if err != nil || userID <= 0 {
		return 0, fmt.Errorf("resolution returned an invalid user id")
	}

	if result.WasProvisioned {
		r.logger.Info("downstream account auto-provisioned", "user_id", userID)
		r.audit.Publish(audit.EventUserProvisioned, userID, "")
	}
	return userID, nil
}

// displayNameFrom prefers the name claim and falls back to the email local
// part.
func displayNameFrom(claims map[string]string, email string) string {
	if name := claims["name"]; name != "" {
		return name
	}
	if idx := strings.Index(email, "@"); idx > 0 {
		return email[:idx]
	}
	return email
}
