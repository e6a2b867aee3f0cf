package oauth

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// ErrInvalidGrant is the single failure reported for any credential problem:
// unknown token, expired token, client mismatch. Callers never learn which.
var ErrInvalidGrant = errors.New("invalid grant")

// validationLeeway absorbs small clock skew between broker and validators.
const validationLeeway = 30 * time.Second

// upstreamTokenClaim carries the encrypted upstream access token inside the
// signed broker token.
const upstreamTokenClaim = "upstream_token"

// claimNameMap normalizes long-form legacy claim URIs to standard short JWT
// names at mint time, so issued tokens are interoperable regardless of how
// claims were labeled upstream.
var claimNameMap = map[string]string{
	"http://schemas.xmlsoap.org/ws/2005/05/identity/claims/nameidentifier": "sub",
	"http://schemas.xmlsoap.org/ws/2005/05/identity/claims/name":           "name",
	"http://schemas.xmlsoap.org/ws/2005/05/identity/claims/emailaddress":   "email",
	"http://schemas.xmlsoap.org/ws/2005/05/identity/claims/givenname":      "given_name",
	"http://schemas.xmlsoap.org/ws/2005/05/identity/claims/surname":        "family_name",
}

// TokenClaims is the verified claim set of a broker access token.
type TokenClaims struct {
	jwt.RegisteredClaims
	Scope         string `json:"scope,omitempty"`
	ClientID      string `json:"client_id,omitempty"`
	Email         string `json:"email,omitempty"`
	Name          string `json:"name,omitempty"`
	GivenName     string `json:"given_name,omitempty"`
	FamilyName    string `json:"family_name,omitempty"`
	UpstreamToken string `json:"upstream_token,omitempty"`
}

// Issuer mints and validates broker access tokens and manages refresh token
// rotation and revocation.
type Issuer struct {
	cfg    Config
	keys   *KeyManager
	store  *Store
	logger *slog.Logger
}

// NewIssuer creates an Issuer.
func NewIssuer(cfg Config, keys *KeyManager, store *Store, logger *slog.Logger) *Issuer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Issuer{cfg: cfg, keys: keys, store: store, logger: logger}
}

// Mint signs a broker access token carrying the supplied identity claims
// (normalized to short names) and, when configured, the encrypted upstream
// access token; it also generates and persists a rotating refresh token.
// The raw refresh token is returned exactly once; only its hash is stored.
func (i *Issuer) Mint(claims map[string]string, upstreamAccessToken, upstreamRefreshToken string, scopes []string, clientID string) (*TokenPair, error) {
	now := time.Now().UTC()
	jti := uuid.New().String()
	scope := strings.Join(scopes, " ")

	tokenClaims := jwt.MapClaims{
		"iss":       i.cfg.Issuer,
		"aud":       i.cfg.Audience,
		"iat":       now.Unix(),
		"exp":       now.Add(i.cfg.AccessTokenTTL).Unix(),
		"jti":       jti,
		"client_id": clientID,
		"scope":     scope,
	}
	normalized := NormalizeClaims(claims)
	for name, value := range normalized {
		tokenClaims[name] = value
	}

	if i.cfg.EmbedUpstreamToken && upstreamAccessToken != "" {
		encrypted, err := Encrypt(upstreamAccessToken, i.keys.EncryptionKey())
		if err != nil {
			return nil, fmt.Errorf("failed to protect upstream token: %w", err)
		}
		tokenClaims[upstreamTokenClaim] = encrypted
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, tokenClaims)
	signed, err := token.SignedString(i.keys.SigningKey())
	if err != nil {
		return nil, fmt.Errorf("failed to sign token: %w", err)
	}

	refreshToken, err := RandomString(48)
	if err != nil {
		return nil, fmt.Errorf("failed to generate refresh token: %w", err)
	}
	record := &RefreshTokenRecord{
		TokenID:              jti,
		UserID:               subjectUserID(normalized),
		ClientID:             clientID,
		Scopes:               scopes,
		Claims:               normalized,
		UpstreamAccessToken:  upstreamAccessToken,
		UpstreamRefreshToken: upstreamRefreshToken,
		CreatedAt:            now,
		ExpiresAt:            now.Add(i.cfg.RefreshTokenTTL),
	}
	if err := i.store.SaveRefreshToken(HashToken(refreshToken), record); err != nil {
		return nil, fmt.Errorf("failed to persist refresh token: %w", err)
	}

	return &TokenPair{
		AccessToken:  signed,
		RefreshToken: refreshToken,
		ExpiresIn:    i.cfg.AccessTokenTTL,
		Scope:        scope,
	}, nil
}

// Refresh rotates a refresh token: the old record is deleted first, then a
// fresh pair is minted from its stored state. A token value is redeemable
// exactly once; of concurrent calls on the same value, at most one succeeds.
func (i *Issuer) Refresh(refreshToken, clientID string) (*TokenPair, error) {
	hash := HashToken(refreshToken)

	record, ok := i.store.GetRefreshToken(hash)
	if !ok {
		i.logger.Info("refresh rejected", "reason", "unknown token")
		return nil, ErrInvalidGrant
	}
	if time.Now().UTC().After(record.ExpiresAt) {
		_ = i.store.DeleteRefreshToken(hash)
		i.logger.Info("refresh rejected", "reason", "expired token")
		return nil, ErrInvalidGrant
	}
	// A client mismatch leaves the record in place so the rightful client
	// can still redeem it.
	if record.ClientID != clientID {
		i.logger.Info("refresh rejected", "reason", "client mismatch", "client_id", clientID)
		return nil, ErrInvalidGrant
	}

	// Rotation commit point: exactly one concurrent caller claims the
	// record; everyone else sees it gone.
	record, ok = i.store.ConsumeRefreshToken(hash)
	if !ok {
		i.logger.Info("refresh rejected", "reason", "token already rotated")
		return nil, ErrInvalidGrant
	}

	claims := record.Claims
	if claims == nil {
		claims = map[string]string{"sub": strconv.FormatInt(record.UserID, 10)}
	}
	return i.Mint(claims, record.UpstreamAccessToken, record.UpstreamRefreshToken, record.Scopes, record.ClientID)
}

// Validate fully verifies a broker access token: signature, issuer,
// audience, and lifetime with a small leeway. Every failure collapses to
// ErrInvalidGrant; the reason is only logged.
func (i *Issuer) Validate(accessToken string) (*TokenClaims, error) {
	claims := &TokenClaims{}
	token, err := jwt.ParseWithClaims(accessToken, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return i.keys.SigningKey(), nil
	},
		jwt.WithIssuer(i.cfg.Issuer),
		jwt.WithAudience(i.cfg.Audience),
		jwt.WithLeeway(validationLeeway),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		i.logger.Info("token validation failed", "reason", err.Error())
		return nil, ErrInvalidGrant
	}
	if !token.Valid {
		i.logger.Info("token validation failed", "reason", "token not valid")
		return nil, ErrInvalidGrant
	}
	return claims, nil
}

// ExtractUpstreamToken decodes an already-trusted broker token without
// verifying its signature and decrypts the embedded upstream credential.
func (i *Issuer) ExtractUpstreamToken(accessToken string) (string, error) {
	claims := &TokenClaims{}
	parser := jwt.NewParser()
	if _, _, err := parser.ParseUnverified(accessToken, claims); err != nil {
		return "", fmt.Errorf("failed to decode token: %w", err)
	}
	if claims.UpstreamToken == "" {
		return "", fmt.Errorf("no upstream token embedded")
	}
	plaintext, err := Decrypt(claims.UpstreamToken, i.keys.EncryptionKey())
	if err != nil {
		return "", fmt.Errorf("failed to decrypt upstream token: %w", err)
	}
	return plaintext, nil
}

// Revoke deletes the refresh token's record. Revoking an unknown token is
// not an error.
func (i *Issuer) Revoke(refreshToken string) error {
	return i.store.DeleteRefreshToken(HashToken(refreshToken))
}

// RevokeAllForUser removes every refresh token recorded for userID and the
// index itself, returning how many records were removed. Stale index
// entries are skipped.
func (i *Issuer) RevokeAllForUser(userID int64) int {
	hashes := i.store.UserTokenHashes(userID)
	removed := 0
	for _, hash := range hashes {
		if _, ok := i.store.ConsumeRefreshToken(hash); ok {
			removed++
		}
	}
	_ = i.store.DeleteUserIndex(userID)
	return removed
}

// NormalizeClaims maps long-form claim names to their short standard names,
// leaving already-short names untouched. Later duplicates win.
func NormalizeClaims(claims map[string]string) map[string]string {
	out := make(map[string]string, len(claims))
	for name, value := range claims {
		if value == "" {
			continue
		}
		if short, ok := claimNameMap[name]; ok {
			name = short
		}
		out[name] = value
	}
	return out
}

func subjectUserID(claims map[string]string) int64 {
	id, err := strconv.ParseInt(claims["sub"], 10, 64)
	if err != nil {
		return 0
	}
	return id
}
