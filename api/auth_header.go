package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
)

var (
	errMissingAuthorization = errors.New("missing authorization header")
	errBadAuthorization     = errors.New("bad auth header")
)

const bearerPrefix = "Bearer "

// bearerToken returns the credential presented with a connection request:
// the Authorization header, or the token query parameter for browser clients
// that cannot set headers on a websocket handshake.
func bearerToken(r *http.Request) (string, error) {
	if values := r.Header.Values(echo.HeaderAuthorization); len(values) > 0 {
		return bearerTokenFromString(values[0])
	}
	if token := strings.TrimSpace(r.URL.Query().Get("token")); token != "" {
		return bearerTokenFromString(bearerPrefix + token)
	}
	return "", errMissingAuthorization
}

func bearerTokenFromString(raw string) (string, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return "", errMissingAuthorization
	}
	if len(trimmed) <= len(bearerPrefix) || !strings.HasPrefix(trimmed, bearerPrefix) {
		return "", errBadAuthorization
	}
	token := strings.TrimSpace(trimmed[len(bearerPrefix):])
	if strings.Count(token, ".") != 2 {
		return "", errBadAuthorization
	}
	return token, nil
}
