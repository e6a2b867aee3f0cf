package oauth

import (
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/stratologic/querybridge-mcp/internal/audit"
	"github.com/stratologic/querybridge-mcp/internal/identity"
	"github.com/stratologic/querybridge-mcp/internal/oauth"
	"github.com/stratologic/querybridge-mcp/internal/upstream"
)

// Server provides the OAuth 2.1 broker endpoints: it fronts upstream
// identity providers and issues its own tokens to downstream clients.
type Server struct {
	cfg             oauth.Config
	registry        *oauth.Registry
	pkce            *oauth.PKCEManager
	issuer          *oauth.Issuer
	store           *oauth.Store
	upstream        *upstream.Client
	resolver        *identity.Resolver
	audit           *audit.Publisher
	defaultProvider upstream.Provider
	logger          *slog.Logger
}

// NewServer creates the broker endpoint handler set. audit may be nil.
func NewServer(
	cfg oauth.Config,
	registry *oauth.Registry,
	pkce *oauth.PKCEManager,
	issuer *oauth.Issuer,
	store *oauth.Store,
	up *upstream.Client,
	resolver *identity.Resolver,
	auditPub *audit.Publisher,
	defaultProvider upstream.Provider,
	logger *slog.Logger,
) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:             cfg,
		registry:        registry,
		pkce:            pkce,
		issuer:          issuer,
		store:           store,
		upstream:        up,
		resolver:        resolver,
		audit:           auditPub,
		defaultProvider: defaultProvider,
		logger:          logger,
	}
}

// Routes registers all broker endpoints on mux.
func (s *Server) Routes(mux *http.ServeMux) {
	mux.HandleFunc("/oauth/authorize", s.HandleAuthorize)
	mux.HandleFunc("/oauth/callback", s.HandleCallback)
	mux.HandleFunc("/oauth/token", s.HandleToken)
	mux.HandleFunc("/oauth/register", s.HandleRegister)
	mux.HandleFunc("/oauth/revoke", s.HandleRevoke)
	mux.HandleFunc("/.well-known/oauth-authorization-server", s.HandleWellKnown)
}

// HandleAuthorize validates the client's authorization request, records the
// flow state, and redirects the browser to the upstream provider. The
// client's PKCE challenge and the broker's own upstream challenge are kept
// strictly separate in the stored flow.
func (s *Server) HandleAuthorize(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	query := r.URL.Query()

	if rt := query.Get("response_type"); rt != "code" {
		http.Error(w, "unsupported response_type", http.StatusBadRequest)
		return
	}

	clientID := query.Get("client_id")
	if clientID == "" {
		http.Error(w, "client_id required", http.StatusBadRequest)
		return
	}
	client, err := s.registry.Get(clientID)
	if err != nil {
		s.logger.Warn("authorize rejected", "reason", "unknown client", "client_id", clientID)
		http.Error(w, "invalid client_id", http.StatusBadRequest)
		return
	}

	redirectURI := query.Get("redirect_uri")
	if redirectURI == "" {
		http.Error(w, "redirect_uri required", http.StatusBadRequest)
		return
	}
	if !redirectAllowed(redirectURI, client.RedirectURIs) {
		s.logger.Warn("authorize rejected", "reason", "redirect_uri not registered", "client_id", clientID)
		http.Error(w, "redirect_uri not allowed", http.StatusBadRequest)
		return
	}

	challenge := query.Get("code_challenge")
	method := strings.ToUpper(query.Get("code_challenge_method"))
	if challenge == "" || method != "S256" {
		http.Error(w, "PKCE S256 is required", http.StatusBadRequest)
		return
	}

	provider := s.defaultProvider
	if p := query.Get("provider"); p != "" {
		provider = upstream.Provider(p)
	}
	if !s.upstream.Configured(provider) {
		http.Error(w, "unsupported identity provider", http.StatusBadRequest)
		return
	}

	upstreamVerifier, upstreamChallenge, err := oauth.GenerateChallengePair()
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	state, err := oauth.GenerateState()
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	flow := &oauth.FlowState{
		UpstreamVerifier:      upstreamVerifier,
		UpstreamChallenge:     upstreamChallenge,
		ClientChallenge:       challenge,
		ClientChallengeMethod: method,
		ClientState:           query.Get("state"),
		ClientID:              clientID,
		RedirectURI:           redirectURI,
		Scopes:                splitScopes(query.Get("scope")),
		Provider:              string(provider),
	}
	if err := s.pkce.StoreFlow(state, flow); err != nil {
		s.logger.Error("failed to persist flow state", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	authURL, err := s.upstream.AuthorizationURL(provider, state, upstreamChallenge)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	http.Redirect(w, r, authURL, http.StatusFound)
}

// HandleCallback receives the upstream provider's redirect, exchanges the
// upstream code, resolves the user, and sends the browser back to the client
// with a fresh single-use broker code.
func (s *Server) HandleCallback(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	query := r.URL.Query()

	state := query.Get("state")
	// One shot: the claim removes the flow, so retries with the same state
	// restart from authorize.
	flow, ok := s.pkce.TakeFlow(state)
	if !ok {
		http.Error(w, "invalid or expired state", http.StatusBadRequest)
		return
	}

	if errCode := query.Get("error"); errCode != "" {
		s.logger.Warn("upstream authorization denied",
			"provider", flow.Provider, "error", errCode)
		s.redirectError(w, r, flow, "access_denied", query.Get("error_description"))
		return
	}

	code := query.Get("code")
	if code == "" {
		s.redirectError(w, r, flow, "invalid_request", "missing code")
		return
	}

	provider := upstream.Provider(flow.Provider)
	tokens, err := s.upstream.ExchangeCode(r.Context(), provider, code, flow.UpstreamVerifier)
	if err != nil {
		s.logger.Warn("upstream code exchange failed", "provider", flow.Provider, "error", err)
		s.redirectError(w, r, flow, "access_denied", "upstream exchange failed")
		return
	}
	if tokens.UserInfo == nil || tokens.UserInfo.Email == "" {
		s.redirectError(w, r, flow, "access_denied", "upstream identity has no email")
		return
	}

	claims := oauth.NormalizeClaims(map[string]string{
		"sub":         tokens.UserInfo.Subject,
		"email":       tokens.UserInfo.Email,
		"name":        tokens.UserInfo.Name,
		"given_name":  tokens.UserInfo.GivenName,
		"family_name": tokens.UserInfo.FamilyName,
		"provider":    flow.Provider,
	})

	userID, err := s.resolver.Resolve(r.Context(), tokens.UserInfo.Email, tokens.AccessToken, claims)
	if err != nil {
		s.logger.Error("user resolution failed", "error", err)
		s.redirectError(w, r, flow, "server_error", "user resolution failed")
		return
	}
	claims["sub"] = formatUserID(userID)

	brokerCode, err := oauth.RandomString(32)
	if err != nil {
		s.redirectError(w, r, flow, "server_error", "internal error")
		return
	}
	now := time.Now().UTC()
	record := &oauth.AuthCode{
		CodeHash:              oauth.HashToken(brokerCode),
		ClientID:              flow.ClientID,
		RedirectURI:           flow.RedirectURI,
		UserID:                userID,
		Scopes:                flow.Scopes,
		Claims:                claims,
		ClientChallenge:       flow.ClientChallenge,
		ClientChallengeMethod: flow.ClientChallengeMethod,
		Provider:              flow.Provider,
		UpstreamAccessToken:   tokens.AccessToken,
		UpstreamRefreshToken:  tokens.RefreshToken,
		CreatedAt:             now,
		ExpiresAt:             now.Add(s.cfg.AuthCodeTTL),
	}
	if err := s.store.SaveAuthCode(record); err != nil {
		s.logger.Error("failed to persist authorization code", "error", err)
		s.redirectError(w, r, flow, "server_error", "internal error")
		return
	}

	http.Redirect(w, r, buildRedirect(flow.RedirectURI, brokerCode, flow.ClientState), http.StatusFound)
}

// HandleToken exchanges authorization codes or refresh tokens for broker
// tokens.
func (s *Server) HandleToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeOAuthError(w, http.StatusMethodNotAllowed, "invalid_request", "POST required")
		return
	}
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "malformed form body")
		return
	}

	switch r.FormValue("grant_type") {
	case "authorization_code":
		s.handleAuthorizationCodeGrant(w, r)
	case "refresh_token":
		s.handleRefreshTokenGrant(w, r)
	default:
		writeOAuthError(w, http.StatusBadRequest, "unsupported_grant_type", "")
	}
}

func (s *Server) handleAuthorizationCodeGrant(w http.ResponseWriter, r *http.Request) {
	code := r.FormValue("code")
	if code == "" {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "code required")
		return
	}

	client, err := s.authenticateClient(r)
	if err != nil {
		writeOAuthError(w, http.StatusUnauthorized, "invalid_client", err.Error())
		return
	}

	record, ok := s.store.ConsumeAuthCode(oauth.HashToken(code))
	if !ok {
		// Covers unknown, expired, and replayed codes alike.
		writeOAuthError(w, http.StatusBadRequest, "invalid_grant", "")
		return
	}
	if time.Now().After(record.ExpiresAt) {
		writeOAuthError(w, http.StatusBadRequest, "invalid_grant", "")
		return
	}
	if record.ClientID != client.ClientID {
		s.logger.Warn("token rejected", "reason", "code client mismatch",
			"client_id", client.ClientID)
		writeOAuthError(w, http.StatusBadRequest, "invalid_grant", "")
		return
	}
	if uri := r.FormValue("redirect_uri"); uri == "" || uri != record.RedirectURI {
		writeOAuthError(w, http.StatusBadRequest, "invalid_grant", "")
		return
	}
	if !oauth.ValidateVerifier(r.FormValue("code_verifier"), record.ClientChallenge) {
		s.logger.Warn("token rejected", "reason", "pkce verification failed",
			"client_id", client.ClientID)
		writeOAuthError(w, http.StatusBadRequest, "invalid_grant", "")
		return
	}

	pair, err := s.issuer.Mint(record.Claims, record.UpstreamAccessToken,
		record.UpstreamRefreshToken, record.Scopes, client.ClientID)
	if err != nil {
		s.logger.Error("token issuance failed", "error", err)
		writeOAuthError(w, http.StatusInternalServerError, "server_error", "")
		return
	}

	s.audit.Publish(audit.EventTokenMinted, record.UserID, client.ClientID)
	writeTokenResponse(w, pair)
}

func (s *Server) handleRefreshTokenGrant(w http.ResponseWriter, r *http.Request) {
	refreshToken := r.FormValue("refresh_token")
	if refreshToken == "" {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "refresh_token required")
		return
	}

	client, err := s.authenticateClient(r)
	if err != nil {
		writeOAuthError(w, http.StatusUnauthorized, "invalid_client", err.Error())
		return
	}

	pair, err := s.issuer.Refresh(refreshToken, client.ClientID)
	if err != nil {
		// One response for every failure mode so callers cannot probe
		// which tokens exist.
		writeOAuthError(w, http.StatusBadRequest, "invalid_grant", "")
		return
	}

	s.audit.Publish(audit.EventTokenRefreshed, 0, client.ClientID)
	writeTokenResponse(w, pair)
}

// HandleRegister implements dynamic client registration.
func (s *Server) HandleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeOAuthError(w, http.StatusMethodNotAllowed, "invalid_request", "POST required")
		return
	}
	if s.cfg.DCRMode == "protected" && !s.checkDCRAccess(r) {
		writeOAuthError(w, http.StatusUnauthorized, "invalid_client", "registration requires authorization")
		return
	}

	var req oauth.RegistrationRequest
	if err := decodeJSON(r, &req); err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_client_metadata", "malformed JSON body")
		return
	}

	resp, err := s.registry.Register(&req)
	if err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_client_metadata", err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, resp)
}

// HandleRevoke revokes a refresh token. Per RFC 7009 the endpoint succeeds
// even when the token is unknown.
func (s *Server) HandleRevoke(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeOAuthError(w, http.StatusMethodNotAllowed, "invalid_request", "POST required")
		return
	}
	if err := r.ParseForm(); err != nil {
		writeOAuthError(w, http.StatusBadRequest, "invalid_request", "malformed form body")
		return
	}

	client, err := s.authenticateClient(r)
	if err != nil {
		writeOAuthError(w, http.StatusUnauthorized, "invalid_client", err.Error())
		return
	}

	token := r.FormValue("token")
	if token != "" {
		_ = s.issuer.Revoke(token)
		s.audit.Publish(audit.EventTokenRevoked, 0, client.ClientID)
	}
	w.WriteHeader(http.StatusOK)
}

// HandleWellKnown serves RFC 8414 authorization server metadata.
func (s *Server) HandleWellKnown(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	issuer := s.cfg.Issuer
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"issuer":                                issuer,
		"authorization_endpoint":                issuer + "/oauth/authorize",
		"token_endpoint":                        issuer + "/oauth/token",
		"registration_endpoint":                 issuer + "/oauth/register",
		"revocation_endpoint":                   issuer + "/oauth/revoke",
		"response_types_supported":              []string{"code"},
		"grant_types_supported":                 []string{"authorization_code", "refresh_token"},
		"code_challenge_methods_supported":      []string{"S256"},
		"token_endpoint_auth_methods_supported": []string{"none", "client_secret_post"},
		"scopes_supported":                      []string{"openid", "email", "profile"},
	})
}

func (s *Server) authenticateClient(r *http.Request) (*oauth.Client, error) {
	clientID := r.FormValue("client_id")
	if clientID == "" {
		return nil, errors.New("client_id required")
	}
	client, err := s.registry.Validate(clientID, r.FormValue("client_secret"))
	if err != nil {
		return nil, errors.New("client authentication failed")
	}
	return client, nil
}

func (s *Server) checkDCRAccess(r *http.Request) bool {
	if s.cfg.DCRAccessToken == "" {
		return false
	}
	parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2)
	if len(parts) != 2 || parts[0] != "Bearer" {
		return false
	}
	return parts[1] == s.cfg.DCRAccessToken
}

// redirectError sends an OAuth error back to the client's redirect URI when
// the flow already passed redirect validation, falling back to a plain error
// page otherwise.
func (s *Server) redirectError(w http.ResponseWriter, r *http.Request, flow *oauth.FlowState, code, description string) {
	u, err := url.Parse(flow.RedirectURI)
	if err != nil {
		http.Error(w, code, http.StatusBadRequest)
		return
	}
	q := u.Query()
	q.Set("error", code)
	if description != "" {
		q.Set("error_description", description)
	}
	if flow.ClientState != "" {
		q.Set("state", flow.ClientState)
	}
	u.RawQuery = q.Encode()
	http.Redirect(w, r, u.String(), http.StatusFound)
}

func redirectAllowed(redirectURI string, allowed []string) bool {
	for _, uri := range allowed {
		if uri == redirectURI {
			return true
		}
	}
	return false
}

func buildRedirect(base, code, state string) string {
	u, err := url.Parse(base)
	if err != nil {
		return base
	}
	q := u.Query()
	q.Set("code", code)
	if state != "" {
		q.Set("state", state)
	}
	u.RawQuery = q.Encode()
	return u.String()
}

func splitScopes(scope string) []string {
	return strings.Fields(scope)
}
