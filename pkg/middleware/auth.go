package middleware

import (
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/ngoyal88/promptrelay/pkg/config"
	"github.com/ngoyal88/promptrelay/pkg/credential"
	"github.com/ngoyal88/promptrelay/pkg/provider"
)

// Error types in relay-originated bodies, in the providers' own vocabulary.
const (
	errTypeInvalidRequest = "invalid_request_error"
	errTypeAuthentication = "authentication_error"
	errTypeRateLimit      = "rate_limit_error"
)

// AdminKeyHeader carries the operator key on /admin routes.
const AdminKeyHeader = "X-Admin-Key"

type apiError struct {
	Message  string `json:"message"`
	Type     string `json:"type"`
	Code     string `json:"code"`
	Provider string `json:"provider,omitempty"`
}

// respondError writes the relay's JSON error envelope.
func respondError(w http.ResponseWriter, status int, e apiError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]apiError{"error": e})
}

func respondUnknownProvider(w http.ResponseWriter, reg *provider.Registry) {
	respondError(w, http.StatusBadRequest, apiError{
		Message: "Unknown LLM provider. Supported providers: " + strings.Join(reg.Names(), ", "),
		Type:    errTypeInvalidRequest,
		Code:    "unknown_provider",
	})
}

func respondMissingKey(w http.ResponseWriter, d provider.Descriptor) {
	respondError(w, http.StatusUnauthorized, apiError{
		Message:  fmt.Sprintf("Missing API key. Please provide a valid API key in the %s header.", credential.ExpectedHeader(d)),
		Type:     errTypeAuthentication,
		Code:     "missing_api_key",
		Provider: d.ID.Key(),
	})
}

func respondInvalidKey(w http.ResponseWriter, d provider.Descriptor) {
	respondError(w, http.StatusUnauthorized, apiError{
		Message:  fmt.Sprintf("Invalid API key format for %s provider.", d.ID),
		Type:     errTypeAuthentication,
		Code:     "invalid_api_key_format",
		Provider: d.ID.Key(),
	})
}

// AdminAuth guards operator routes with the configured admin key. With no
// key configured the routes are closed.
func AdminAuth(cfgStore *config.Store) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			want := cfgStore.Get().Auth.AdminKey
			got := r.Header.Get(AdminKeyHeader)

			if want == "" {
				respondError(w, http.StatusForbidden, apiError{
					Message: "Admin API disabled: no admin key configured",
					Type:    errTypeAuthentication,
					Code:    "admin_disabled",
				})
				return
			}
			if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(want)) != 1 {
				respondError(w, http.StatusUnauthorized, apiError{
					Message: "Missing or invalid " + AdminKeyHeader,
					Type:    errTypeAuthentication,
					Code:    "invalid_admin_key",
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
