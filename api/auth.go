package api

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/golang-jwt/jwt/v4"

	"realtime-gateway/domain"
)

const defaultJWKSCacheTTL = 15 * time.Minute

// ErrUnauthorized wraps every credential verification failure.
var ErrUnauthorized = domain.ErrUnauthenticated

// Principal is the verified identity behind a handshake plus the projects
// carried in the token.
type Principal struct {
	Identity   domain.Identity
	ProjectIDs []string
}

// Auth validates incoming JWT tokens. With a shared secret it accepts HS256
// tokens, otherwise RS256 tokens whose keys are resolved through JWKS.
type Auth struct {
	JWKS     *keyfunc.JWKS
	Audience string
	Issuer   string
	Secret   []byte

	parser      *jwt.Parser
	keyCache    sync.Map
	keyCacheTTL time.Duration
}

type cachedKey struct {
	key       any
	expiresAt time.Time
}

// NewAuth creates a new Auth instance. A non-empty secret selects HS256.
func NewAuth(jwks *keyfunc.JWKS, secret []byte, audience, issuer string) *Auth {
	a := &Auth{JWKS: jwks, Secret: secret, Audience: audience, Issuer: issuer, keyCacheTTL: defaultJWKSCacheTTL}
	if len(secret) > 0 {
		a.parser = jwt.NewParser(jwt.WithValidMethods([]string{"HS256"}))
	} else {
		a.parser = jwt.NewParser(jwt.WithValidMethods([]string{"RS256"}))
	}
	return a
}

// Authenticate verifies token and extracts the principal.
func (a *Auth) Authenticate(token string) (Principal, error) {
	p, err := a.authenticate(token)
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	return p, nil
}

func (a *Auth) authenticate(tokenStr string) (Principal, error) {
	if tokenStr == "" {
		return Principal{}, errBadAuthorization
	}
	parsed, err := a.parser.Parse(tokenStr, func(t *jwt.Token) (any, error) {
		if len(a.Secret) > 0 {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, errors.New("invalid signing method")
			}
			return a.Secret, nil
		}
		return a.keyForToken(t)
	})
	if err != nil {
		return Principal{}, err
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return Principal{}, errors.New("invalid claims")
	}

	now := time.Now()
	if !claims.VerifyExpiresAt(now.Unix(), true) {
		return Principal{}, errors.New("token expired")
	}
	skewed := now.Add(time.Minute).Unix()
	if !claims.VerifyNotBefore(skewed, false) {
		return Principal{}, errors.New("token not valid yet")
	}
	if !claims.VerifyIssuedAt(skewed, false) {
		return Principal{}, errors.New("token used before issued")
	}
	if a.Audience != "" && !claims.VerifyAudience(a.Audience, true) {
		return Principal{}, errors.New("invalid audience")
	}
	if a.Issuer != "" && !claims.VerifyIssuer(a.Issuer, true) {
		return Principal{}, errors.New("invalid issuer")
	}
	if typ, _ := claims["type"].(string); typ != "" && typ != "access" {
		return Principal{}, errors.New("not an access token")
	}

	userID := firstClaim(claims, "sub", "userId", "user_id")
	if userID == "" {
		return Principal{}, errors.New("missing sub")
	}
	return Principal{
		Identity:   domain.Identity{UserID: userID, Role: firstClaim(claims, "role", "userRole")},
		ProjectIDs: listClaim(claims["projects"]),
	}, nil
}

func (a *Auth) keyForToken(token *jwt.Token) (any, error) {
	if a.JWKS == nil {
		return nil, errors.New("jwks not configured")
	}

	kid, _ := token.Header["kid"].(string)
	if kid != "" && a.keyCacheTTL > 0 {
		if cached, ok := a.keyCache.Load(kid); ok {
			entry := cached.(cachedKey)
			if time.Now().Before(entry.expiresAt) {
				return entry.key, nil
			}
			a.keyCache.Delete(kid)
		}
	}

	key, err := a.JWKS.Keyfunc(token)
	if err != nil {
		return nil, err
	}

	if kid != "" && a.keyCacheTTL > 0 {
		a.keyCache.Store(kid, cachedKey{key: key, expiresAt: time.Now().Add(a.keyCacheTTL)})
	}
	return key, nil
}

// firstClaim returns the first non-empty claim among names. Numeric ids are
// rendered without a fractional part.
func firstClaim(claims jwt.MapClaims, names ...string) string {
	for _, n := range names {
		switch v := claims[n].(type) {
		case string:
			if v = strings.TrimSpace(v); v != "" {
				return v
			}
		case float64:
			return fmt.Sprintf("%.0f", v)
		}
	}
	return ""
}

func listClaim(v any) []string {
	switch list := v.(type) {
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			switch s := item.(type) {
			case string:
				out = append(out, s)
			case float64:
				out = append(out, fmt.Sprintf("%.0f", s))
			}
		}
		return out
	case string:
		if list == "" {
			return nil
		}
		return strings.Split(list, ",")
	}
	return nil
}
