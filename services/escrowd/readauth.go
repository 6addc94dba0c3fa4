package escrowd

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
)

// ScopeRead grants access to the journal endpoints.
const ScopeRead = "escrow:read"

var (
	ErrMissingToken      = errors.New("missing bearer token")
	ErrInsufficientScope = errors.New("insufficient scope")
)

// ReadAuth configures bearer-token protection of the read-only journal
// endpoints. An empty secret leaves them open.
type ReadAuth struct {
	Secret   string
	Issuer   string
	Audience string
	Leeway   time.Duration
}

func (a ReadAuth) enabled() bool {
	return strings.TrimSpace(a.Secret) != ""
}

// IssueReadToken mints an HS256 token carrying the read scope.
func IssueReadToken(auth ReadAuth, subject string, ttl time.Duration, now time.Time) (string, error) {
	if !auth.enabled() {
		return "", errors.New("read token secret not configured")
	}
	if ttl <= 0 {
		return "", errors.New("token ttl must be positive")
	}
	claims := jwt.MapClaims{
		"sub":   subject,
		"scope": ScopeRead,
		"iat":   now.Unix(),
		"nbf":   now.Add(-time.Minute).Unix(),
		"exp":   now.Add(ttl).Unix(),
	}
	if auth.Issuer != "" {
		claims["iss"] = auth.Issuer
	}
	if auth.Audience != "" {
		claims["aud"] = auth.Audience
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(strings.TrimSpace(auth.Secret)))
}

func (s *Server) requireRead(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.readAuth.enabled() {
			next.ServeHTTP(w, r)
			return
		}
		raw := extractBearer(r.Header.Get("Authorization"))
		if raw == "" {
			writeError(w, http.StatusUnauthorized, ErrMissingToken)
			return
		}
		claims, err := s.parseReadToken(raw)
		if err != nil {
			s.metrics.RecordThrottle("token")
			s.logger.Warn("rejected read token",
				slog.String("path", r.URL.Path),
				slog.Any("error", err))
			writeError(w, http.StatusUnauthorized, errors.New("invalid token"))
			return
		}
		if !hasScope(claims, ScopeRead) {
			writeError(w, http.StatusForbidden, ErrInsufficientScope)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) parseReadToken(raw string) (jwt.MapClaims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithLeeway(s.readAuth.Leeway),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(s.now),
	}
	if s.readAuth.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(s.readAuth.Issuer))
	}
	if s.readAuth.Audience != "" {
		opts = append(opts, jwt.WithAudience(s.readAuth.Audience))
	}
	secret := []byte(strings.TrimSpace(s.readAuth.Secret))
	token, err := jwt.Parse(raw, func(*jwt.Token) (interface{}, error) {
		return secret, nil
	}, opts...)
	if err != nil {
		return nil, err
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, errors.New("token invalid")
	}
	return claims, nil
}

func hasScope(claims jwt.MapClaims, want string) bool {
	switch v := claims["scope"].(type) {
	case string:
		for _, scope := range strings.Fields(v) {
			if scope == want {
				return true
			}
		}
	case []interface{}:
		for _, entry := range v {
			if s, ok := entry.(string); ok && s == want {
				return true
			}
		}
	}
	return false
}

func extractBearer(header string) string {
	parts := strings.SplitN(strings.TrimSpace(header), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
