package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/crypto/bcrypt"
)

// Authentication error types for granular error handling.
var (
	// ErrMissingAPIKey is returned when no API key is provided in headers.
	ErrMissingAPIKey = errors.New("missing API key")

	// ErrInvalidAPIKey is returned for an unknown or malformed API key.
	// Generic error prevents enumeration attacks.
	ErrInvalidAPIKey = errors.New("invalid API key")
)

// adminPathPrefix scopes authentication to the administrative surface. Read
// queries stay open; partition DDL, lineage population, and backfill do not.
const adminPathPrefix = "/api/v1/admin/"

// publicEndpoints lists endpoints that bypass authentication and rate
// limiting, primarily health probes. Registered once during route setup.
var (
	publicEndpoints   = map[string]bool{} //nolint: gochecknoglobals
	publicEndpointsMu sync.RWMutex        //nolint: gochecknoglobals
)

// RegisterPublicEndpoint registers an endpoint that bypasses authentication.
//
// Example:
//
//	middleware.RegisterPublicEndpoint("/ping")
//	middleware.RegisterPublicEndpoint("/health")
func RegisterPublicEndpoint(endpoint string) {
	publicEndpointsMu.Lock()
	defer publicEndpointsMu.Unlock()

	publicEndpoints[endpoint] = true
}

// IsPublicEndpoint reports whether a path was registered as public.
func IsPublicEndpoint(path string) bool {
	publicEndpointsMu.RLock()
	defer publicEndpointsMu.RUnlock()

	return publicEndpoints[path]
}

// clientIDKey is the context key for the authenticated admin client name.
type clientIDKey struct{}

// GetClientID extracts the authenticated client name from the request context.
// Returns the empty string for unauthenticated requests.
func GetClientID(ctx context.Context) string {
	if clientID, ok := ctx.Value(clientIDKey{}).(string); ok {
		return clientID
	}

	return ""
}

// AdminAuthenticator validates admin API keys against bcrypt hashes.
//
// Keys are configured as name=bcrypt-hash pairs; only hashes are held in
// memory and configuration, never plaintext keys. Lookup cost is one bcrypt
// comparison per configured key, acceptable for the small, operator-managed
// admin key set.
type AdminAuthenticator struct {
	hashes map[string]string // client name -> bcrypt hash
}

// NewAdminAuthenticator creates an authenticator from name=hash pairs.
// Malformed entries are rejected.
func NewAdminAuthenticator(entries []string) (*AdminAuthenticator, error) {
	hashes := make(map[string]string, len(entries))

	for _, entry := range entries {
		name, hash, found := strings.Cut(entry, "=")

		name = strings.TrimSpace(name)
		hash = strings.TrimSpace(hash)

		if !found || name == "" || hash == "" {
			return nil, fmt.Errorf("%w: malformed admin key entry %q", ErrInvalidAPIKey, entry)
		}

		hashes[name] = hash
	}

	return &AdminAuthenticator{hashes: hashes}, nil
}

// Authenticate checks a presented key against every configured hash and
// returns the matching client name.
func (a *AdminAuthenticator) Authenticate(apiKey string) (string, error) {
	for name, hash := range a.hashes {
		if bcrypt.CompareHashAndPassword([]byte(hash), []byte(apiKey)) == nil {
			return name, nil
		}
	}

	return "", ErrInvalidAPIKey
}

// extractAPIKey extracts the API key from request headers.
// It checks the X-Api-Key header first (primary), then falls back to
// Authorization: Bearer (secondary).
//
// Security considerations:
//   - Rejects keys containing newlines (header injection prevention)
//   - Trims whitespace from keys
//   - Case-sensitive "Bearer " prefix check
func extractAPIKey(r *http.Request) (string, bool) {
	if apiKey := r.Header.Get("X-Api-Key"); apiKey != "" {
		return validateAPIKey(apiKey)
	}

	authHeader := r.Header.Get("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		return validateAPIKey(strings.TrimPrefix(authHeader, "Bearer "))
	}

	return "", false
}

// validateAPIKey validates and cleans an API key value.
func validateAPIKey(key string) (string, bool) {
	// Reject keys containing newlines (header injection prevention)
	if strings.ContainsAny(key, "\r\n") {
		return "", false
	}

	key = strings.TrimSpace(key)
	if key == "" {
		return "", false
	}

	return key, true
}

// performDummyBcryptComparison maintains constant response time for requests
// that fail before any real hash comparison runs.
func performDummyBcryptComparison() {
	_ = bcrypt.CompareHashAndPassword([]byte("dummy"), []byte("dummy"))
}

// AdminAuth creates a middleware that authenticates administrative requests.
//
// Only paths under /api/v1/admin/ are guarded; read endpoints and registered
// public endpoints pass through untouched. Successful authentication stores
// the client name in the request context for rate limiting and audit logging.
func AdminAuth(auth *AdminAuthenticator, logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !strings.HasPrefix(r.URL.Path, adminPathPrefix) || IsPublicEndpoint(r.URL.Path) {
				next.ServeHTTP(w, r)

				return
			}

			correlationID := GetCorrelationID(r.Context())

			apiKey, found := extractAPIKey(r)
			if !found {
				performDummyBcryptComparison()

				logger.Warn("Admin request without API key",
					slog.String("path", r.URL.Path),
					slog.String("correlation_id", correlationID),
				)

				writeAuthError(w, r, logger, ErrMissingAPIKey)

				return
			}

			clientID, err := auth.Authenticate(apiKey)
			if err != nil {
				logger.Warn("Admin request with invalid API key",
					slog.String("path", r.URL.Path),
					slog.String("correlation_id", correlationID),
				)

				writeAuthError(w, r, logger, ErrInvalidAPIKey)

				return
			}

			ctx := context.WithValue(r.Context(), clientIDKey{}, clientID)

			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// writeAuthError writes an RFC 7807 compliant 401 response.
func writeAuthError(w http.ResponseWriter, r *http.Request, logger *slog.Logger, authErr error) {
	problem := struct {
		Type          string `json:"type"`
		Title         string `json:"title"`
		Status        int    `json:"status"`
		Detail        string `json:"detail"`
		Instance      string `json:"instance"`
		CorrelationID string `json:"correlationId"`
	}{
		Type:          fmt.Sprintf("https://traceline.io/problems/%d", http.StatusUnauthorized),
		Title:         "Unauthorized",
		Status:        http.StatusUnauthorized,
		Detail:        authErr.Error(),
		Instance:      r.URL.Path,
		CorrelationID: GetCorrelationID(r.Context()),
	}

	w.Header().Set("Content-Type", "application/problem+json")
	w.Header().Set("WWW-Authenticate", `Bearer realm="traceline-admin"`)
	w.WriteHeader(http.StatusUnauthorized)

	if err := json.NewEncoder(w).Encode(problem); err != nil {
		logger.Error("Failed to encode auth error response", slog.Any("error", err))
	}
}
