// Package auth authenticates API requests with bearer access tokens.
package auth

import (
	"context"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/pkg/errors"
)

type contextKey int

// UserIDContextKey stores the authenticated user id in a request context.
const UserIDContextKey contextKey = iota

// Authenticator verifies access tokens signed with the server secret.
type Authenticator struct {
	secret []byte
}

func NewAuthenticator(secret string) *Authenticator {
	return &Authenticator{secret: []byte(secret)}
}

// Authenticate resolves an Authorization header into the token claims.
func (a *Authenticator) Authenticate(authHeader string) (*UserClaims, error) {
	token, ok := extractBearerToken(authHeader)
	if !ok {
		return nil, errors.New("missing bearer token")
	}
	return ParseAccessToken(token, a.secret)
}

// Middleware rejects requests without a valid access token with 401.
func (a *Authenticator) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			claims, err := a.Authenticate(c.Request().Header.Get(echo.HeaderAuthorization))
			if err != nil {
				return c.JSON(http.StatusUnauthorized, map[string]string{"error": "authentication required"})
			}
			req := c.Request()
			c.SetRequest(req.WithContext(context.WithValue(req.Context(), UserIDContextKey, claims.UserID)))
			return next(c)
		}
	}
}

// GetUserID returns the authenticated user id stored in ctx, or 0.
func GetUserID(ctx context.Context) int32 {
	if v, ok := ctx.Value(UserIDContextKey).(int32); ok {
		return v
	}
	return 0
}

func extractBearerToken(authHeader string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(authHeader), " ")
	if !ok || !strings.EqualFold(scheme, "bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
