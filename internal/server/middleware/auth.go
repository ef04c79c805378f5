package middleware

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// AppClaims defines the JWT claims contract consumed by the gateway. The
// issuing service owns the token lifecycle; the gateway only verifies and
// reads.
type AppClaims struct {
	TenantID string   `json:"tenant"`
	Branches []string `json:"branches"`
	Sectors  []string `json:"sectors,omitempty"`
	Session  string   `json:"session,omitempty"`
	Role     string   `json:"role"`
	jwt.RegisteredClaims
}

// NewAuthMiddleware verifies the handshake credential and requires the given
// role claim. The token comes from the Authorization header, falling back to
// the session-token cookie for browser clients.
func NewAuthMiddleware(logger *slog.Logger, jwtSecret, requiredRole string) Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			reqMeta, ok := ReqMetadataFrom(r.Context())
			if !ok {
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
				return
			}

			tokenString := bearerToken(r)
			if tokenString == "" {
				if cookie, err := r.Cookie("session-token"); err == nil {
					tokenString = cookie.Value
				}
			}
			if tokenString == "" {
				logger.Warn("handshake without credential", slog.String("ip", reqMeta.IP))
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			token, err := jwt.ParseWithClaims(tokenString, &AppClaims{}, func(token *jwt.Token) (any, error) {
				if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
					return nil, jwt.ErrSignatureInvalid
				}
				return []byte(jwtSecret), nil
			})
			if err != nil || !token.Valid {
				logger.Warn("invalid credential presented",
					slog.String("ip", reqMeta.IP),
					slog.Any("error", err),
				)
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			claims, ok := token.Claims.(*AppClaims)
			if !ok || claims.Subject == "" {
				logger.Warn("credential missing sub claim", slog.String("ip", reqMeta.IP))
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			if claims.TenantID == "" {
				logger.Warn("credential missing tenant claim", slog.String("ip", reqMeta.IP))
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			if claims.Role != requiredRole {
				logger.Warn("credential role not allowed on this endpoint",
					slog.String("ip", reqMeta.IP),
					slog.String("role", claims.Role),
					slog.String("required", requiredRole),
				)
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}

			reqMeta.UserID = claims.Subject
			reqMeta.TenantID = claims.TenantID
			reqMeta.Branches = claims.Branches
			reqMeta.Sectors = claims.Sectors
			reqMeta.Session = claims.Session
			next.ServeHTTP(w, r)
		})
	}
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return ""
}
