package server

import (
	"encoding/json"
	"net/http"

	"github.com/modelgate/modelgate/internal/auth"
	"github.com/modelgate/modelgate/internal/domain"
)

// AuthMiddleware validates inbound API keys. Failures answer with the
// OpenAI-compatible error envelope rather than a plain-text 401.
func AuthMiddleware(authenticator *auth.Authenticator) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			apiKey, err := auth.ExtractAPIKey(r)
			if err != nil {
				writeAuthError(w, err.Error())
				return
			}
			if err := authenticator.ValidateAPIKey(apiKey); err != nil {
				writeAuthError(w, "invalid API key")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeAuthError(w http.ResponseWriter, message string) {
	apiErr := domain.ErrAuthentication(message)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apiErr.HTTPStatusCode())
	_ = json.NewEncoder(w).Encode(apiErr.Payload())
}
