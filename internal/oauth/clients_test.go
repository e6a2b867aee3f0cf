package oauth

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	return NewRegistry(newTestStore(t), testLogger())
}

func TestRegisterPublicClientDefaults(t *testing.T) {
	registry := newTestRegistry(t)

	resp, err := registry.Register(&RegistrationRequest{
		RedirectURIs: []string{"https://app.example.com/callback"},
		ClientName:   "Example App",
	})
	require.NoError(t, err)

	assert.True(t, len(resp.ClientID) > len("client_"))
	assert.Empty(t, resp.ClientSecret, "public clients get no secret")
	assert.Equal(t, []string{"authorization_code", "refresh_token"}, resp.GrantTypes)
	assert.Equal(t, []string{"code"}, resp.ResponseTypes)
	assert.Equal(t, "none", resp.TokenEndpointAuthMethod)

	client, err := registry.Get(resp.ClientID)
	require.NoError(t, err)
	assert.True(t, client.IsPublicClient)
	assert.Equal(t, "Example App", client.ClientName)
}

func TestRegisterConfidentialClient(t *testing.T) {
	registry := newTestRegistry(t)

	resp, err := registry.Register(&RegistrationRequest{
		RedirectURIs:            []string{"https://app.example.com/callback"},
		TokenEndpointAuthMethod: "client_secret_post",
	})
	require.NoError(t, err)
	require.NotEmpty(t, resp.ClientSecret)

	// Only the hash is stored.
	client, err := registry.Get(resp.ClientID)
	require.NoError(t, err)
	assert.NotEqual(t, resp.ClientSecret, client.ClientSecretHash)
	assert.False(t, client.IsPublicClient)

	_, err = registry.Validate(resp.ClientID, resp.ClientSecret)
	require.NoError(t, err)
	_, err = registry.Validate(resp.ClientID, "wrong-secret")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = registry.Validate(resp.ClientID, "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestValidatePublicClientNeedsNoSecret(t *testing.T) {
	registry := newTestRegistry(t)

	resp, err := registry.Register(&RegistrationRequest{
		RedirectURIs: []string{"https://app.example.com/callback"},
	})
	require.NoError(t, err)

	_, err = registry.Validate(resp.ClientID, "")
	require.NoError(t, err)
}

func TestValidateUnknownClient(t *testing.T) {
	registry := newTestRegistry(t)
	_, err := registry.Validate("client_missing", "whatever")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestRegisterRejectsBadRedirectURIs(t *testing.T) {
	registry := newTestRegistry(t)

	cases := []struct {
		name string
		uri  string
		ok   bool
	}{
		{"https", "https://app.example.com/callback", true},
		{"http localhost", "http://localhost:8080/callback", true},
		{"http loopback", "http://127.0.0.1:9999/cb", true},
		{"http remote", "http://app.example.com/callback", false},
		{"no scheme", "app.example.com/callback", false},
		{"empty", "", false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := registry.Register(&RegistrationRequest{RedirectURIs: []string{tc.uri}})
			if tc.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}

	_, err := registry.Register(&RegistrationRequest{})
	assert.Error(t, err, "redirect_uris is mandatory")
}

func TestValidateRedirectURIRequiresExactMatch(t *testing.T) {
	registry := newTestRegistry(t)

	resp, err := registry.Register(&RegistrationRequest{
		RedirectURIs: []string{"https://app.example.com/callback"},
	})
	require.NoError(t, err)

	assert.True(t, registry.ValidateRedirectURI(resp.ClientID, "https://app.example.com/callback"))
	assert.False(t, registry.ValidateRedirectURI(resp.ClientID, "https://app.example.com/callback/extra"))
	assert.False(t, registry.ValidateRedirectURI(resp.ClientID, "https://app.example.com/"))
	assert.False(t, registry.ValidateRedirectURI(resp.ClientID, "https://evil.example.com/callback"))
	assert.False(t, registry.ValidateRedirectURI("client_missing", "https://app.example.com/callback"))
}

func TestIsMetadataDocumentClient(t *testing.T) {
	assert.True(t, IsMetadataDocumentClient("https://app.example.com/oauth-client.json"))
	assert.False(t, IsMetadataDocumentClient("client_abc123"))
	assert.False(t, IsMetadataDocumentClient("http://app.example.com/oauth-client.json"))
}

func TestFetchMetadataDocument(t *testing.T) {
	registry := newTestRegistry(t)

	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"client_name": "Metadata App",
			"redirect_uris": ["https://app.example.com/callback"],
			"scope": "openid email"
		}`))
	}))
	defer srv.Close()
	registry.httpClient = srv.Client()

	client, err := registry.Get(srv.URL)
	require.NoError(t, err)
	assert.Equal(t, srv.URL, client.ClientID)
	assert.Equal(t, "Metadata App", client.ClientName)
	assert.True(t, client.IsPublicClient)
	assert.True(t, client.IsMetadataDocumentClient)
	assert.Equal(t, "none", client.TokenEndpointAuthMethod)
	require.NotNil(t, client.ExpiresAt)

	// Second lookup is served from the store, not the network.
	srv.Close()
	cached, err := registry.Get(srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "Metadata App", cached.ClientName)
}

func TestFetchMetadataDocumentRejectsBadDocuments(t *testing.T) {
	registry := newTestRegistry(t)

	srv := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/no-uris":
			_, _ = w.Write([]byte(`{"client_name": "No URIs"}`))
		case "/not-json":
			_, _ = w.Write([]byte(`<html>nope</html>`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()
	registry.httpClient = srv.Client()

	_, err := registry.FetchMetadataDocument(srv.URL + "/no-uris")
	assert.Error(t, err)
	_, err = registry.FetchMetadataDocument(srv.URL + "/not-json")
	assert.Error(t, err)
	_, err = registry.FetchMetadataDocument(srv.URL + "/missing")
	assert.Error(t, err)
	_, err = registry.FetchMetadataDocument("http://plain.example.com/doc.json")
	assert.Error(t, err)
}

func TestLoadStaticClients(t *testing.T) {
	registry := newTestRegistry(t)

	path := filepath.Join(t.TempDir(), "clients.yaml")
	yaml := `
- client_id: dashboard
  client_secret: super-secret
  client_name: Ops Dashboard
  redirect_uris:
    - https://dashboard.example.com/callback
  scope: openid email
- client_id: cli-tool
  redirect_uris:
    - http://localhost:8484/callback
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))
	require.NoError(t, registry.LoadStaticClients(path))

	confidential, err := registry.Validate("dashboard", "super-secret")
	require.NoError(t, err)
	assert.Equal(t, "Ops Dashboard", confidential.ClientName)
	assert.Equal(t, "client_secret_post", confidential.TokenEndpointAuthMethod)
	_, err = registry.Validate("dashboard", "wrong")
	assert.ErrorIs(t, err, ErrNotFound)

	public, err := registry.Validate("cli-tool", "")
	require.NoError(t, err)
	assert.True(t, public.IsPublicClient)
}

func TestLoadStaticClientsRejectsIncompleteEntries(t *testing.T) {
	registry := newTestRegistry(t)

	path := filepath.Join(t.TempDir(), "clients.yaml")
	require.NoError(t, os.WriteFile(path, []byte("- client_name: nameless\n"), 0o600))
	assert.Error(t, registry.LoadStaticClients(path))

	assert.Error(t, registry.LoadStaticClients(filepath.Join(t.TempDir(), "missing.yaml")))
}
