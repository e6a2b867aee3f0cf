package oauth

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"
	"gopkg.in/yaml.v3"
)

// metadataClientTTL bounds how long a fetched metadata-document client is
// reused before refetching.
const metadataClientTTL = time.Hour

// RegistrationRequest is an RFC 7591 dynamic client registration request.
type RegistrationRequest struct {
	RedirectURIs            []string `json:"redirect_uris"`
	ClientName              string   `json:"client_name"`
	GrantTypes              []string `json:"grant_types"`
	ResponseTypes           []string `json:"response_types"`
	Scope                   string   `json:"scope"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
}

// RegistrationResponse is the issued registration.
type RegistrationResponse struct {
	ClientID                string   `json:"client_id"`
	ClientSecret            string   `json:"client_secret,omitempty"`
	ClientIDIssuedAt        int64    `json:"client_id_issued_at"`
	ClientSecretExpiresAt   int64    `json:"client_secret_expires_at"`
	RedirectURIs            []string `json:"redirect_uris"`
	ClientName              string   `json:"client_name,omitempty"`
	GrantTypes              []string `json:"grant_types"`
	ResponseTypes           []string `json:"response_types"`
	TokenEndpointAuthMethod string   `json:"token_endpoint_auth_method"`
	Scope                   string   `json:"scope,omitempty"`
}

// Registry registers, validates, and looks up OAuth clients, including
// metadata-document clients whose id is itself an HTTPS URL.
type Registry struct {
	store      *Store
	httpClient *http.Client
	logger     *slog.Logger
}

// NewRegistry creates a Registry backed by store.
func NewRegistry(store *Store, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		store:      store,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
	}
}

// Register issues a new client id (and secret, for confidential clients) and
// persists the registration.
func (r *Registry) Register(req *RegistrationRequest) (*RegistrationResponse, error) {
	if len(req.RedirectURIs) == 0 {
		return nil, fmt.Errorf("redirect_uris is required")
	}
	for _, uri := range req.RedirectURIs {
		if err := checkRedirectURI(uri); err != nil {
			return nil, err
		}
	}

	grantTypes := req.GrantTypes
	if len(grantTypes) == 0 {
		grantTypes = []string{"authorization_code", "refresh_token"}
	}
	responseTypes := req.ResponseTypes
	if len(responseTypes) == 0 {
		responseTypes = []string{"code"}
	}
	authMethod := req.TokenEndpointAuthMethod
	if authMethod == "" {
		authMethod = "none"
	}

	suffix, err := RandomString(18)
	if err != nil {
		return nil, fmt.Errorf("failed to generate client_id: %w", err)
	}
	clientID := "client_" + suffix

	var clientSecret, clientSecretHash string
	if authMethod != "none" {
		clientSecret, err = RandomString(48)
		if err != nil {
			return nil, fmt.Errorf("failed to generate client_secret: %w", err)
		}
		hash, err := bcrypt.GenerateFromPassword([]byte(clientSecret), bcrypt.DefaultCost)
		if err != nil {
			return nil, fmt.Errorf("failed to hash client_secret: %w", err)
		}
		clientSecretHash = string(hash)
	}

	client := &Client{
		ClientID:                clientID,
		ClientSecretHash:        clientSecretHash,
		ClientName:              req.ClientName,
		RedirectURIs:            req.RedirectURIs,
		GrantTypes:              grantTypes,
		ResponseTypes:           responseTypes,
		TokenEndpointAuthMethod: authMethod,
		Scope:                   req.Scope,
		IsPublicClient:          authMethod == "none",
		CreatedAt:               time.Now().UTC(),
	}
	if err := r.store.SaveClient(client); err != nil {
		return nil, fmt.Errorf("failed to store client: %w", err)
	}

	return &RegistrationResponse{
		ClientID:                clientID,
		ClientSecret:            clientSecret,
		ClientIDIssuedAt:        client.CreatedAt.Unix(),
		ClientSecretExpiresAt:   0,
		RedirectURIs:            client.RedirectURIs,
		ClientName:              client.ClientName,
		GrantTypes:              client.GrantTypes,
		ResponseTypes:           client.ResponseTypes,
		TokenEndpointAuthMethod: client.TokenEndpointAuthMethod,
		Scope:                   client.Scope,
	}, nil
}

// Validate looks up the client and checks its secret. Public clients
// validate with no secret; confidential clients need a matching one. The
// failure reason is not distinguished for the caller.
func (r *Registry) Validate(clientID, clientSecret string) (*Client, error) {
	client, err := r.Get(clientID)
	if err != nil {
		return nil, ErrNotFound
	}
	if client.IsPublicClient || client.ClientSecretHash == "" {
		return client, nil
	}
	if clientSecret == "" {
		return nil, ErrNotFound
	}
	if err := bcrypt.CompareHashAndPassword([]byte(client.ClientSecretHash), []byte(clientSecret)); err != nil {
		return nil, ErrNotFound
	}
	return client, nil
}

// ValidateRedirectURI requires an exact match against the client's
// registered set. No prefix or wildcard matching.
func (r *Registry) ValidateRedirectURI(clientID, uri string) bool {
	client, err := r.Get(clientID)
	if err != nil {
		return false
	}
	for _, registered := range client.RedirectURIs {
		if registered == uri {
			return true
		}
	}
	return false
}

// Get looks up a client by id, fetching and synthesizing metadata-document
// clients on demand.
func (r *Registry) Get(clientID string) (*Client, error) {
	if client, err := r.store.GetClient(clientID); err == nil {
		return client, nil
	}
	if IsMetadataDocumentClient(clientID) {
		return r.FetchMetadataDocument(clientID)
	}
	return nil, ErrNotFound
}

// Delete removes a client registration.
func (r *Registry) Delete(clientID string) error {
	return r.store.DeleteClient(clientID)
}

// IsMetadataDocumentClient reports whether clientID is itself an HTTPS URL,
// the syntactic marker of a Client-ID-Metadata-Document client.
func IsMetadataDocumentClient(clientID string) bool {
	return strings.HasPrefix(clientID, "https://")
}

// clientMetadataDocument is the fetched JSON shape of a metadata-document
// client.
type clientMetadataDocument struct {
	ClientID      string   `json:"client_id"`
	ClientName    string   `json:"client_name"`
	RedirectURIs  []string `json:"redirect_uris"`
	GrantTypes    []string `json:"grant_types"`
	ResponseTypes []string `json:"response_types"`
	Scope         string   `json:"scope"`
}

// FetchMetadataDocument treats httpsURL as a self-describing client: it
// fetches the JSON document and synthesizes a public client from it. The
// synthesized record is cached briefly in the store.
func (r *Registry) FetchMetadataDocument(httpsURL string) (*Client, error) {
	parsed, err := url.Parse(httpsURL)
	if err != nil || parsed.Scheme != "https" || parsed.Host == "" {
		return nil, fmt.Errorf("client_id must be an https URL")
	}

	resp, err := r.httpClient.Get(httpsURL)
	if err != nil {
		r.logger.Warn("client metadata fetch failed", "url", httpsURL, "error", err)
		return nil, ErrNotFound
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		r.logger.Warn("client metadata fetch failed", "url", httpsURL, "status", resp.StatusCode)
		return nil, ErrNotFound
	}

	var doc clientMetadataDocument
	if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
		r.logger.Warn("client metadata document malformed", "url", httpsURL, "error", err)
		return nil, ErrNotFound
	}
	if len(doc.RedirectURIs) == 0 {
		return nil, fmt.Errorf("metadata document has no redirect_uris")
	}

	grantTypes := doc.GrantTypes
	if len(grantTypes) == 0 {
		grantTypes = []string{"authorization_code", "refresh_token"}
	}
	responseTypes := doc.ResponseTypes
	if len(responseTypes) == 0 {
		responseTypes = []string{"code"}
	}

	now := time.Now().UTC()
	expires := now.Add(metadataClientTTL)
	client := &Client{
		ClientID:                 httpsURL,
		ClientName:               doc.ClientName,
		RedirectURIs:             doc.RedirectURIs,
		GrantTypes:               grantTypes,
		ResponseTypes:            responseTypes,
		TokenEndpointAuthMethod:  "none",
		Scope:                    doc.Scope,
		IsPublicClient:           true,
		IsMetadataDocumentClient: true,
		CreatedAt:                now,
		ExpiresAt:                &expires,
	}
	if err := r.store.SaveClient(client); err != nil {
		r.logger.Warn("failed to cache metadata client", "url", httpsURL, "error", err)
	}
	return client, nil
}

// staticClient is one entry of the static registration YAML file.
type staticClient struct {
	ClientID                string   `yaml:"client_id"`
	ClientSecret            string   `yaml:"client_secret"`
	ClientName              string   `yaml:"client_name"`
	RedirectURIs            []string `yaml:"redirect_uris"`
	Scope                   string   `yaml:"scope"`
	TokenEndpointAuthMethod string   `yaml:"token_endpoint_auth_method"`
}

// LoadStaticClients registers clients from a YAML file. Plaintext secrets in
// the file are hashed before storage.
func (r *Registry) LoadStaticClients(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read clients file: %w", err)
	}
	var entries []staticClient
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return fmt.Errorf("failed to parse clients file: %w", err)
	}

	for _, entry := range entries {
		if entry.ClientID == "" || len(entry.RedirectURIs) == 0 {
			return fmt.Errorf("static client needs client_id and redirect_uris")
		}
		authMethod := entry.TokenEndpointAuthMethod
		if authMethod == "" {
			if entry.ClientSecret == "" {
				authMethod = "none"
			} else {
				authMethod = "client_secret_post"
			}
		}
		var secretHash string
		if entry.ClientSecret != "" {
			hash, err := bcrypt.GenerateFromPassword([]byte(entry.ClientSecret), bcrypt.DefaultCost)
			if err != nil {
				return fmt.Errorf("failed to hash secret for %s: %w", entry.ClientID, err)
			}
			secretHash = string(hash)
		}
		client := &Client{
			ClientID:                entry.ClientID,
			ClientSecretHash:        secretHash,
			ClientName:              entry.ClientName,
			RedirectURIs:            entry.RedirectURIs,
			GrantTypes:              []string{"authorization_code", "refresh_token"},
			ResponseTypes:           []string{"code"},
			TokenEndpointAuthMethod: authMethod,
			Scope:                   entry.Scope,
			IsPublicClient:          authMethod == "none",
			CreatedAt:               time.Now().UTC(),
		}
		if err := r.store.SaveClient(client); err != nil {
			return fmt.Errorf("failed to store static client %s: %w", entry.ClientID, err)
		}
	}
	r.logger.Info("static clients loaded", "count", len(entries), "file", path)
	return nil
}

// checkRedirectURI accepts https URIs, plus plain http only for loopback
// hosts.
func checkRedirectURI(raw string) error {
	parsed, err := url.Parse(raw)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return fmt.Errorf("invalid redirect_uri: %s", raw)
	}
	if parsed.Scheme == "https" {
		return nil
	}
	host := parsed.Hostname()
	if parsed.Scheme == "http" && (host == "localhost" || host == "127.0.0.1" || host == "::1") {
		return nil
	}
	return fmt.Errorf("redirect_uri must use https (or localhost http): %s", raw)
}
