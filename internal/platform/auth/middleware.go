package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

type contextKey string

const (
	UserIDKey    contextKey = "user_id"
	UserRolesKey contextKey = "user_roles"
)

// Claims is the token payload issued by the hospital identity provider.
type Claims struct {
	jwt.RegisteredClaims
	TenantID string   `json:"tenant_id"`
	Roles    []string `json:"roles"`
	Name     string   `json:"name,omitempty"`
}

type JWTConfig struct {
	Issuer   string
	Audience string
	JWKSURL  string
	// SigningKey enables HS256 verification instead of JWKS.
	SigningKey []byte
}

func JWTMiddleware(cfg JWTConfig) echo.MiddlewareFunc {
	var keyFunc jwt.Keyfunc
	if len(cfg.SigningKey) > 0 {
		keyFunc = func(t *jwt.Token) (interface{}, error) { return cfg.SigningKey, nil }
	} else {
		keyFunc = jwksKeyFunc(NewJWKSCache(cfg.JWKSURL, defaultJWKSCacheTTL))
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"RS256", "HS256"}),
	}
	if cfg.Issuer != "" {
		opts = append(opts, jwt.WithIssuer(cfg.Issuer))
	}
	if cfg.Audience != "" {
		opts = append(opts, jwt.WithAudience(cfg.Audience))
	}

	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			authHeader := c.Request().Header.Get("Authorization")
			if authHeader == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "missing authorization header")
			}

			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") || strings.TrimSpace(parts[1]) == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid authorization format")
			}

			claims := &Claims{}
			token, err := jwt.ParseWithClaims(parts[1], claims, keyFunc, opts...)
			if err != nil || !token.Valid {
				return echo.NewHTTPError(http.StatusUnauthorized, "invalid token")
			}
			if claims.Subject == "" {
				return echo.NewHTTPError(http.StatusUnauthorized, "token has no subject")
			}

			c.Set("jwt_tenant_id", claims.TenantID)
			setIdentity(c, claims.Subject, claims.Roles)
			return next(c)
		}
	}
}

// DevAuthMiddleware authenticates every request in development. The caller
// may pick an identity with X-Dev-User and a comma separated X-Dev-Roles
// header; otherwise the request runs as "dev-user" with the admin role.
func DevAuthMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			user := c.Request().Header.Get("X-Dev-User")
			if user == "" {
				user = "dev-user"
			}
			roles := []string{RoleAdmin}
			if h := c.Request().Header.Get("X-Dev-Roles"); h != "" {
				roles = roles[:0]
				for _, r := range strings.Split(h, ",") {
					if r = strings.TrimSpace(r); r != "" {
						roles = append(roles, r)
					}
				}
			}
			c.Set("jwt_tenant_id", "default")
			setIdentity(c, user, roles)
			return next(c)
		}
	}
}

func setIdentity(c echo.Context, userID string, roles []string) {
	ctx := WithIdentity(c.Request().Context(), userID, roles)
	c.SetRequest(c.Request().WithContext(ctx))
}

// WithIdentity returns ctx carrying the authenticated user and roles.
func WithIdentity(ctx context.Context, userID string, roles []string) context.Context {
	ctx = context.WithValue(ctx, UserIDKey, userID)
	return context.WithValue(ctx, UserRolesKey, roles)
}

func UserIDFromContext(ctx context.Context) string {
	uid, _ := ctx.Value(UserIDKey).(string)
	return uid
}

func RolesFromContext(ctx context.Context) []string {
	roles, _ := ctx.Value(UserRolesKey).([]string)
	return roles
}
