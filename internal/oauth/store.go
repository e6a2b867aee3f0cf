package oauth

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/lib/pq"
	"github.com/redis/go-redis/v9"

	"github.com/stratologic/querybridge-mcp/internal/cache"
)

// ErrNotFound reports an absent record.
var ErrNotFound = errors.New("not found")

const (
	flowKeyPrefix      = "oauth:flow:"
	codeKeyPrefix      = "oauth:code:"
	refreshKeyPrefix   = "oauth:refresh:"
	userIndexKeyPrefix = "oauth:userindex:"
	clientKeyPrefix    = "oauth:client:"
)

// clientCacheTTL bounds file-cache client records that carry no explicit
// expiry.
const clientCacheTTL = 10 * 365 * 24 * time.Hour

// Store provides persistence for OAuth data. The durable file cache is the
// default backend for everything; short-lived flow state and authorization
// codes move to Redis when REDIS_URL is set, and client registrations move
// to Postgres when OAUTH_DATABASE_URL is set.
type Store struct {
	cache  *cache.FileCache
	redis  *redis.Client
	db     *sql.DB
	logger *slog.Logger
}

// NewStore creates a Store backed only by the file cache.
func NewStore(c *cache.FileCache, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{cache: c, logger: logger}
}

// NewStoreFromEnv creates a Store and attaches the optional Redis and
// Postgres backends when their URLs are configured.
func NewStoreFromEnv(c *cache.FileCache, logger *slog.Logger) (*Store, error) {
	store := NewStore(c, logger)

	if redisURL := os.Getenv("REDIS_URL"); redisURL != "" {
		opts, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
		}
		store.redis = redis.NewClient(opts)
		if err := store.redis.Ping(context.Background()).Err(); err != nil {
			return nil, fmt.Errorf("failed to ping redis: %w", err)
		}
	}

	if connString := os.Getenv("OAUTH_DATABASE_URL"); connString != "" {
		db, err := sql.Open("postgres", connString)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres: %w", err)
		}
		db.SetMaxOpenConns(parseEnvInt("OAUTH_DB_MAX_OPEN_CONNS", 5))
		db.SetMaxIdleConns(parseEnvInt("OAUTH_DB_MAX_IDLE_CONNS", 2))
		db.SetConnMaxLifetime(parseDurationEnv("OAUTH_DB_CONN_MAX_LIFETIME", 5*time.Minute))
		if err := db.Ping(); err != nil {
			return nil, fmt.Errorf("failed to ping postgres: %w", err)
		}
		store.db = db
		if err := store.initSchema(); err != nil {
			return nil, err
		}
	}

	return store, nil
}

// Close closes the optional backends. The file cache is owned by the caller.
func (s *Store) Close() error {
	if s.redis != nil {
		_ = s.redis.Close()
	}
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Ping verifies backend connectivity.
func (s *Store) Ping() error {
	if s.redis != nil {
		if err := s.redis.Ping(context.Background()).Err(); err != nil {
			return err
		}
	}
	if s.db != nil {
		return s.db.Ping()
	}
	return nil
}

// SaveFlow stores an authorization flow state under its state key.
func (s *Store) SaveFlow(state string, flow *FlowState) error {
	if s.redis != nil {
		payload, err := json.Marshal(flow)
		if err != nil {
			return err
		}
		return s.redis.Set(context.Background(), flowKeyPrefix+state, payload, time.Until(flow.ExpiresAt)).Err()
	}
	return s.cache.Set(flowKeyPrefix+state, flow, time.Until(flow.ExpiresAt))
}

// GetFlow retrieves a flow state.
func (s *Store) GetFlow(state string) (*FlowState, bool) {
	if s.redis != nil {
		val, err := s.redis.Get(context.Background(), flowKeyPrefix+state).Result()
		if err != nil {
			return nil, false
		}
		var flow FlowState
		if err := json.Unmarshal([]byte(val), &flow); err != nil {
			s.logger.Warn("flow state decode failed", "error", err)
			return nil, false
		}
		return &flow, true
	}
	var flow FlowState
	if !s.cache.Get(flowKeyPrefix+state, &flow) {
		return nil, false
	}
	return &flow, true
}

// TakeFlow atomically retrieves and deletes a flow state. At most one
// concurrent caller gets it.
func (s *Store) TakeFlow(state string) (*FlowState, bool) {
	if s.redis != nil {
		val, err := s.redis.GetDel(context.Background(), flowKeyPrefix+state).Result()
		if err != nil {
			return nil, false
		}
		var flow FlowState
		if err := json.Unmarshal([]byte(val), &flow); err != nil {
			s.logger.Warn("flow state decode failed", "error", err)
			return nil, false
		}
		return &flow, true
	}
	var flow FlowState
	if !s.cache.Take(flowKeyPrefix+state, &flow) {
		return nil, false
	}
	return &flow, true
}

// DeleteFlow deletes a flow state.
func (s *Store) DeleteFlow(state string) error {
	if s.redis != nil {
		return s.redis.Del(context.Background(), flowKeyPrefix+state).Err()
	}
	return s.cache.Remove(flowKeyPrefix + state)
}

// SaveAuthCode stores an authorization code record keyed by code hash.
func (s *Store) SaveAuthCode(code *AuthCode) error {
	if s.redis != nil {
		payload, err := json.Marshal(code)
		if err != nil {
			return err
		}
		return s.redis.Set(context.Background(), codeKeyPrefix+code.CodeHash, payload, time.Until(code.ExpiresAt)).Err()
	}
	return s.cache.Set(codeKeyPrefix+code.CodeHash, code, time.Until(code.ExpiresAt))
}

// ConsumeAuthCode atomically retrieves and deletes an authorization code.
// Of concurrent callers racing on one code, at most one succeeds.
func (s *Store) ConsumeAuthCode(codeHash string) (*AuthCode, bool) {
	if s.redis != nil {
		val, err := s.redis.GetDel(context.Background(), codeKeyPrefix+codeHash).Result()
		if err != nil {
			return nil, false
		}
		var code AuthCode
		if err := json.Unmarshal([]byte(val), &code); err != nil {
			s.logger.Warn("auth code decode failed", "error", err)
			return nil, false
		}
		return &code, true
	}
	var code AuthCode
	if !s.cache.Take(codeKeyPrefix+codeHash, &code) {
		return nil, false
	}
	return &code, true
}

// SaveRefreshToken persists a refresh token record keyed by token hash and
// adds the hash to the owning user's index. Refresh tokens always live in
// the durable file cache so rotation state survives restarts.
func (s *Store) SaveRefreshToken(hash string, rec *RefreshTokenRecord) error {
	ttl := time.Until(rec.ExpiresAt)
	if err := s.cache.Set(refreshKeyPrefix+hash, rec, ttl); err != nil {
		return err
	}
	s.addToUserIndex(rec.UserID, hash, ttl)
	return nil
}

// GetRefreshToken retrieves a refresh token record without consuming it.
func (s *Store) GetRefreshToken(hash string) (*RefreshTokenRecord, bool) {
	var rec RefreshTokenRecord
	if !s.cache.Get(refreshKeyPrefix+hash, &rec) {
		return nil, false
	}
	return &rec, true
}

// ConsumeRefreshToken atomically claims and deletes a refresh token record.
// This is the rotation commit point: once it returns true for a hash, every
// other call on the same hash returns false.
func (s *Store) ConsumeRefreshToken(hash string) (*RefreshTokenRecord, bool) {
	var rec RefreshTokenRecord
	if !s.cache.Take(refreshKeyPrefix+hash, &rec) {
		return nil, false
	}
	return &rec, true
}

// DeleteRefreshToken removes a refresh token record. Deleting an absent
// record is not an error.
func (s *Store) DeleteRefreshToken(hash string) error {
	return s.cache.Remove(refreshKeyPrefix + hash)
}

// UserTokenHashes returns the refresh token hashes recorded for a user.
// Entries may be stale; callers skip hashes that no longer resolve.
func (s *Store) UserTokenHashes(userID int64) []string {
	var hashes []string
	if !s.cache.Get(userIndexKey(userID), &hashes) {
		return nil
	}
	return hashes
}

// DeleteUserIndex removes a user's refresh token index.
func (s *Store) DeleteUserIndex(userID int64) error {
	return s.cache.Remove(userIndexKey(userID))
}

// addToUserIndex appends hash to the user's index, best-effort. The index
// may briefly disagree with the primary records under concurrent writes;
// bulk revocation tolerates stale entries.
func (s *Store) addToUserIndex(userID int64, hash string, ttl time.Duration) {
	key := userIndexKey(userID)
	var hashes []string
	s.cache.Get(key, &hashes)
	for _, existing := range hashes {
		if existing == hash {
			return
		}
	}
	hashes = append(hashes, hash)
	if err := s.cache.Set(key, hashes, ttl); err != nil {
		s.logger.Warn("user token index update failed", "user_id", userID, "error", err)
	}
}

func userIndexKey(userID int64) string {
	return userIndexKeyPrefix + strconv.FormatInt(userID, 10)
}

// SaveClient stores an OAuth client registration.
func (s *Store) SaveClient(client *Client) error {
	if client.CreatedAt.IsZero() {
		client.CreatedAt = time.Now().UTC()
	}
	if s.db != nil {
		return s.saveClientSQL(client)
	}
	ttl := clientCacheTTL
	if client.ExpiresAt != nil {
		ttl = time.Until(*client.ExpiresAt)
	}
	return s.cache.Set(clientKeyPrefix+client.ClientID, client, ttl)
}

// GetClient fetches an OAuth client by id.
func (s *Store) GetClient(clientID string) (*Client, error) {
	if s.db != nil {
		return s.getClientSQL(clientID)
	}
	var client Client
	if !s.cache.Get(clientKeyPrefix+clientID, &client) {
		return nil, ErrNotFound
	}
	if client.ExpiresAt != nil && time.Now().After(*client.ExpiresAt) {
		_ = s.cache.Remove(clientKeyPrefix + clientID)
		return nil, ErrNotFound
	}
	return &client, nil
}

// DeleteClient removes an OAuth client registration.
func (s *Store) DeleteClient(clientID string) error {
	if s.db != nil {
		_, err := s.db.Exec(`DELETE FROM oauth_clients WHERE client_id = $1`, clientID)
		return err
	}
	return s.cache.Remove(clientKeyPrefix + clientID)
}

func (s *Store) saveClientSQL(client *Client) error {
	query := `
		INSERT INTO oauth_clients
			(client_id, client_secret_hash, client_name, redirect_uris, grant_types, response_types, token_endpoint_auth_method, scope, is_public_client, is_metadata_document_client, created_at, expires_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
		ON CONFLICT (client_id) DO NOTHING
	`
	var expires sql.NullTime
	if client.ExpiresAt != nil {
		expires = sql.NullTime{Time: *client.ExpiresAt, Valid: true}
	}
	_, err := s.db.Exec(
		query,
		client.ClientID,
		nullableString(client.ClientSecretHash),
		nullableString(client.ClientName),
		pq.Array(client.RedirectURIs),
		pq.Array(client.GrantTypes),
		pq.Array(client.ResponseTypes),
		client.TokenEndpointAuthMethod,
		nullableString(client.Scope),
		client.IsPublicClient,
		client.IsMetadataDocumentClient,
		client.CreatedAt,
		expires,
	)
	return err
}

func (s *Store) getClientSQL(clientID string) (*Client, error) {
	query := `
		SELECT client_id, client_secret_hash, client_name, redirect_uris, grant_types, response_types, token_endpoint_auth_method, scope, is_public_client, is_metadata_document_client, created_at, expires_at
		FROM oauth_clients
		WHERE client_id = $1
	`
	var client Client
	var redirectURIs, grantTypes, responseTypes []string
	var secretHash, clientName, scope sql.NullString
	var expires sql.NullTime

	err := s.db.QueryRow(query, clientID).Scan(
		&client.ClientID,
		&secretHash,
		&clientName,
		pq.Array(&redirectURIs),
		pq.Array(&grantTypes),
		pq.Array(&responseTypes),
		&client.TokenEndpointAuthMethod,
		&scope,
		&client.IsPublicClient,
		&client.IsMetadataDocumentClient,
		&client.CreatedAt,
		&expires,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	client.ClientSecretHash = secretHash.String
	client.ClientName = clientName.String
	client.RedirectURIs = redirectURIs
	client.GrantTypes = grantTypes
	client.ResponseTypes = responseTypes
	client.Scope = scope.String
	if expires.Valid {
		t := expires.Time
		client.ExpiresAt = &t
	}
	if client.ExpiresAt != nil && time.Now().After(*client.ExpiresAt) {
		return nil, ErrNotFound
	}
	return &client, nil
}

func (s *Store) initSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS oauth_clients (
		client_id VARCHAR(255) PRIMARY KEY,
		client_secret_hash TEXT,
		client_name TEXT,
		redirect_uris TEXT[] NOT NULL,
		grant_types TEXT[] NOT NULL,
		response_types TEXT[] NOT NULL,
		token_endpoint_auth_method VARCHAR(50) NOT NULL,
		scope TEXT,
		is_public_client BOOLEAN NOT NULL DEFAULT FALSE,
		is_metadata_document_client BOOLEAN NOT NULL DEFAULT FALSE,
		created_at TIMESTAMP NOT NULL DEFAULT NOW(),
		expires_at TIMESTAMP
	);
	`
	_, err := s.db.Exec(query)
	return err
}

func nullableString(val string) sql.NullString {
	if val == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: val, Valid: true}
}

func parseEnvInt(key string, fallback int) int {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return fallback
}
