// Package api assembles the broker's HTTP surface: the bearer-token filter,
// the invoke endpoint, and the echo server wiring.
package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/vistabridge/vistabridge/internal/platform/fault"
	"github.com/vistabridge/vistabridge/internal/platform/token"
)

const (
	// BypassHeader short-circuits the filter for trusted internal callers.
	BypassHeader = "X-UAAS-AUTH"
	bypassValue  = "auth-request"

	claimsContextKey  = "auth_claims"
	subjectContextKey = "auth_subject"
)

// ClaimsFrom returns the decoded claims the filter stored, or nil when the
// request never authenticated.
func ClaimsFrom(c echo.Context) token.Claims {
	claims, _ := c.Get(claimsContextKey).(token.Claims)
	return claims
}

// AuthFilter validates bearer tokens on invoke paths. Auth endpoints, the
// root, and health checks pass through; everything else is left to the
// per-route authorization checks.
func AuthFilter(codec *token.Codec) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()

			if strings.EqualFold(req.Header.Get(BypassHeader), bypassValue) {
				return next(c)
			}

			path := req.URL.Path
			if strings.HasPrefix(path, "/auth/") || path == "/" || path == "/health" {
				return next(c)
			}
			if !strings.Contains(path, "/rpc/invoke") {
				return next(c)
			}

			authHeader := req.Header.Get(echo.HeaderAuthorization)
			if !strings.HasPrefix(authHeader, "Bearer ") {
				return authError(c, fault.CodeNotAuthenticated, "Missing or invalid authorization header")
			}

			claims, err := codec.DecodeAny(strings.TrimPrefix(authHeader, "Bearer "))
			if err != nil {
				switch {
				case errors.Is(err, token.ErrExpired):
					return authError(c, fault.CodeTokenExpired, "Token has expired")
				case errors.Is(err, token.ErrInvalidSignature):
					return authError(c, fault.CodeSignatureInvalid, "Invalid token signature")
				default:
					return authError(c, fault.CodeTokenInvalid, err.Error())
				}
			}

			c.Set(claimsContextKey, claims)
			c.Set(subjectContextKey, claims.TokenSubject())
			return next(c)
		}
	}
}

func authError(c echo.Context, code, message string) error {
	resp := fault.NewResponse(code, "Unauthorized", message, c.Request().URL.Path, http.StatusUnauthorized)
	return c.JSON(http.StatusUnauthorized, resp)
}
