package middleware

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/Harshitk-cp/agentruntime/internal/domain"
)

type contextKey string

const organizationContextKey contextKey = "organization"

func OrganizationFromContext(ctx context.Context) *domain.Organization {
	o, _ := ctx.Value(organizationContextKey).(*domain.Organization)
	return o
}

// WithOrganization returns a context carrying org, as APIKeyAuth does.
func WithOrganization(ctx context.Context, org *domain.Organization) context.Context {
	return context.WithValue(ctx, organizationContextKey, org)
}

// OrganizationLookup is the part of the organization store the auth
// middleware needs.
type OrganizationLookup interface {
	GetByAPIKeyHash(ctx context.Context, apiKeyHash string) (*domain.Organization, error)
}

func APIKeyAuth(orgs OrganizationLookup) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				writeError(w, http.StatusUnauthorized, "missing authorization header")
				return
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
				writeError(w, http.StatusUnauthorized, "invalid authorization header format")
				return
			}

			org, err := orgs.GetByAPIKeyHash(r.Context(), hashAPIKey(parts[1]))
			if err != nil {
				writeError(w, http.StatusUnauthorized, "invalid API key")
				return
			}

			annotate(r.Context(), org.ID.String())
			next.ServeHTTP(w, r.WithContext(WithOrganization(r.Context(), org)))
		})
	}
}

func hashAPIKey(key string) string {
	h := sha256.Sum256([]byte(key))
	return hex.EncodeToString(h[:])
}

// HashAPIKey is exported for use when creating organizations.
func HashAPIKey(key string) string {
	return hashAPIKey(key)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
