package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"

	"realtime-gateway/gateway"
	"realtime-gateway/hooks"
	"realtime-gateway/presence"
	"realtime-gateway/storage"
)

const (
	principalKey       = "principal"
	mutationMaxSize    = 1 << 20
	defaultHandshakeTO = 10 * time.Second
)

// Authenticator verifies handshake credentials.
type Authenticator interface {
	Authenticate(token string) (Principal, error)
}

// Deps are the collaborators behind the HTTP surface. Membership, Mutations
// and Metrics are optional.
type Deps struct {
	Gateway    *gateway.Gateway
	Auth       Authenticator
	Membership storage.Membership
	Mutations  hooks.MutationSink
	Metrics    prometheus.Gatherer
	Logger     *log.Logger
}

// Options tune the HTTP surface.
type Options struct {
	HandshakeTimeout time.Duration
	// ServiceToken guards POST /internal/mutations; the route is not
	// registered when it is empty.
	ServiceToken   string
	AllowedOrigins []string
}

type errorResponse struct {
	Error string `json:"error"`
}

// Register wires up all routes on the provided Echo instance.
func Register(e *echo.Echo, deps Deps, opts Options) {
	if deps.Logger == nil {
		deps.Logger = log.StandardLogger()
	}
	if opts.HandshakeTimeout <= 0 {
		opts.HandshakeTimeout = defaultHandshakeTO
	}

	e.GET("/ws", serveWS(deps, opts))
	e.GET("/healthz", healthz(deps.Gateway))

	authed := requireAuth(deps.Auth)
	e.GET("/presence", listPresence(deps.Gateway), authed)
	e.GET("/presence/:userId", getPresence(deps.Gateway), authed)
	e.GET("/connections/stats", connectionStats(deps.Gateway), authed)
	e.DELETE("/connections/:connectionId", kickConnection(deps.Gateway, deps.Logger), authed)

	if deps.Metrics != nil {
		e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(deps.Metrics, promhttp.HandlerOpts{})))
	}
	if opts.ServiceToken != "" && deps.Mutations != nil {
		e.POST("/internal/mutations", postMutation(deps.Mutations, opts.ServiceToken, deps.Logger))
	}
}

func newUpgrader(opts Options) *websocket.Upgrader {
	allowed := make(map[string]struct{}, len(opts.AllowedOrigins))
	wildcard := len(opts.AllowedOrigins) == 0
	for _, o := range opts.AllowedOrigins {
		o = strings.TrimSpace(o)
		if o == "*" {
			wildcard = true
		}
		allowed[strings.ToLower(o)] = struct{}{}
	}
	return &websocket.Upgrader{
		ReadBufferSize:   1024,
		WriteBufferSize:  1024,
		HandshakeTimeout: opts.HandshakeTimeout,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if wildcard || origin == "" {
				return true
			}
			_, ok := allowed[strings.ToLower(origin)]
			return ok
		},
	}
}

// serveWS authenticates the handshake before upgrading. Failed credentials
// are answered with 401 and never reach the gateway.
func serveWS(deps Deps, opts Options) echo.HandlerFunc {
	upgrader := newUpgrader(opts)
	return func(c echo.Context) error {
		req := c.Request()
		principal, err := authenticate(deps.Auth, req)
		if err != nil {
			deps.Logger.WithError(err).WithField("remote", c.RealIP()).Info("websocket handshake rejected")
			return c.JSON(http.StatusUnauthorized, errorResponse{Error: err.Error()})
		}

		projects := principal.ProjectIDs
		if deps.Membership != nil && !principal.Identity.Unscoped() {
			ctx, cancel := context.WithTimeout(req.Context(), opts.HandshakeTimeout)
			ids, err := deps.Membership.ProjectIDs(ctx, principal.Identity.UserID)
			cancel()
			if err != nil {
				deps.Logger.WithError(err).WithField("user", principal.Identity.UserID).Warn("membership lookup failed, using token projects")
			} else {
				projects = append(projects, ids...)
			}
		}

		conn, err := upgrader.Upgrade(c.Response(), req, nil)
		if err != nil {
			// the upgrader has already written the error response
			deps.Logger.WithError(err).Debug("websocket upgrade failed")
			return nil
		}
		if err := deps.Gateway.Serve(conn, principal.Identity, projects); err != nil && !errors.Is(err, gateway.ErrClosed) {
			deps.Logger.WithError(err).Error("websocket session failed")
		}
		return nil
	}
}

func authenticate(auth Authenticator, req *http.Request) (Principal, error) {
	token, err := bearerToken(req)
	if err != nil {
		return Principal{}, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	return auth.Authenticate(token)
}

func requireAuth(auth Authenticator) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			p, err := authenticate(auth, c.Request())
			if err != nil {
				return c.JSON(http.StatusUnauthorized, errorResponse{Error: err.Error()})
			}
			c.Set(principalKey, p)
			return next(c)
		}
	}
}

func healthz(gw *gateway.Gateway) echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]any{"status": "ok", "connections": gw.Stats().Connections})
	}
}

func listPresence(gw *gateway.Gateway) echo.HandlerFunc {
	return func(c echo.Context) error {
		users := gw.Registry().Snapshot()
		return c.JSON(http.StatusOK, map[string]any{"users": users, "count": len(users)})
	}
}

type presenceResponse struct {
	UserID      string     `json:"userId"`
	Online      bool       `json:"online"`
	Status      string     `json:"status"`
	Connections int        `json:"connections"`
	LastSeenAt  *time.Time `json:"lastSeenAt,omitempty"`
}

func getPresence(gw *gateway.Gateway) echo.HandlerFunc {
	return func(c echo.Context) error {
		userID := c.Param("userId")
		rec, online := gw.Registry().Get(userID)
		resp := presenceResponse{UserID: userID, Online: online, Status: presence.StatusOffline}
		if online {
			resp.Status = rec.Status
			resp.Connections = len(rec.ConnectionIDs)
			resp.LastSeenAt = &rec.LastSeenAt
		}
		return c.JSON(http.StatusOK, resp)
	}
}

func requireAdmin(c echo.Context) (Principal, bool) {
	p, _ := c.Get(principalKey).(Principal)
	return p, p.Identity.Unscoped()
}

func connectionStats(gw *gateway.Gateway) echo.HandlerFunc {
	return func(c echo.Context) error {
		if _, ok := requireAdmin(c); !ok {
			return c.JSON(http.StatusForbidden, errorResponse{Error: "forbidden"})
		}
		return c.JSON(http.StatusOK, gw.Stats())
	}
}

// kickConnection closes one live connection on behalf of an operator.
func kickConnection(gw *gateway.Gateway, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		p, ok := requireAdmin(c)
		if !ok {
			return c.JSON(http.StatusForbidden, errorResponse{Error: "forbidden"})
		}
		id := c.Param("connectionId")
		if !gw.Disconnect(id) {
			return c.JSON(http.StatusNotFound, errorResponse{Error: "connection not found"})
		}
		logger.WithFields(log.Fields{"connection": id, "by": p.Identity.UserID}).Info("connection closed by operator")
		return c.NoContent(http.StatusNoContent)
	}
}

// postMutation accepts mutation notices from out-of-process persistence
// collaborators.
func postMutation(sink hooks.MutationSink, token string, logger *log.Logger) echo.HandlerFunc {
	return func(c echo.Context) error {
		authHeader := c.Request().Header.Get(echo.HeaderAuthorization)
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || parts[0] != "Bearer" || subtle.ConstantTimeCompare([]byte(parts[1]), []byte(token)) != 1 {
			return c.NoContent(http.StatusUnauthorized)
		}
		body, err := io.ReadAll(io.LimitReader(c.Request().Body, mutationMaxSize))
		if err != nil {
			return c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid body"})
		}
		var m hooks.Mutation
		if err := sonic.ConfigStd.Unmarshal(body, &m); err != nil {
			return c.JSON(http.StatusBadRequest, errorResponse{Error: "invalid body"})
		}
		if err := sink.NotifyMutation(m); err != nil {
			logger.WithError(err).WithField("kind", m.Kind).Warn("mutation rejected")
			return c.JSON(http.StatusBadRequest, errorResponse{Error: err.Error()})
		}
		return c.NoContent(http.StatusAccepted)
	}
}
