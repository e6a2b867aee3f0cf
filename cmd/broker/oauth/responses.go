package oauth

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/stratologic/querybridge-mcp/internal/oauth"
)

func writeTokenResponse(w http.ResponseWriter, pair *oauth.TokenPair) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"access_token":  pair.AccessToken,
		"token_type":    "Bearer",
		"expires_in":    int(pair.ExpiresIn.Seconds()),
		"refresh_token": pair.RefreshToken,
		"scope":         pair.Scope,
	})
}

func writeOAuthError(w http.ResponseWriter, status int, code, description string) {
	body := map[string]string{"error": code}
	if description != "" {
		body["error_description"] = description
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func decodeJSON(r *http.Request, out interface{}) error {
	defer r.Body.Close()
	return json.NewDecoder(r.Body).Decode(out)
}

func formatUserID(id int64) string {
	return strconv.FormatInt(id, 10)
}
