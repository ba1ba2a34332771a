package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bytedance/sonic"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/require"

	"realtime-gateway/bus"
	"realtime-gateway/gateway"
	"realtime-gateway/hooks"
	"realtime-gateway/presence"
)

const serviceToken = "svc-token"

type fakeMembership struct {
	ids   []string
	err   error
	calls atomic.Int32
}

func (f *fakeMembership) ProjectIDs(context.Context, string) ([]string, error) {
	f.calls.Add(1)
	return f.ids, f.err
}

type server struct {
	t   *testing.T
	gw  *gateway.Gateway
	srv *httptest.Server
}

func newServer(t *testing.T, membership *fakeMembership) *server {
	t.Helper()
	logger, _ := test.NewNullLogger()
	reg := prometheus.NewRegistry()
	gw := gateway.New(logger, presence.NewRegistry(), gateway.Options{Metrics: gateway.NewMetrics(reg)})
	b := bus.New(logger)
	b.Subscribe(gw)

	deps := Deps{
		Gateway:   gw,
		Auth:      NewAuth(nil, testSecret, "", ""),
		Mutations: hooks.NewAdapter(b, logger),
		Metrics:   reg,
		Logger:    logger,
	}
	if membership != nil {
		deps.Membership = membership
	}

	e := echo.New()
	Register(e, deps, Options{ServiceToken: serviceToken})
	srv := httptest.NewServer(e)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		require.NoError(t, gw.Shutdown(ctx))
		srv.Close()
	})
	return &server{t: t, gw: gw, srv: srv}
}

type frame struct {
	Type string         `json:"type"`
	Data map[string]any `json:"data"`
}

func (s *server) dial(token string) (*websocket.Conn, *http.Response, error) {
	u := "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/ws"
	header := http.Header{}
	if token != "" {
		header.Set("Authorization", "Bearer "+token)
	}
	conn, resp, err := websocket.DefaultDialer.Dial(u, header)
	if conn != nil {
		s.t.Cleanup(func() { _ = conn.Close() })
	}
	return conn, resp, err
}

func readFrame(t *testing.T, conn *websocket.Conn) frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var f frame
	require.NoError(t, sonic.ConfigStd.Unmarshal(data, &f))
	return f
}

func (s *server) get(path, token string) (int, map[string]any) {
	s.t.Helper()
	req, err := http.NewRequest(http.MethodGet, s.srv.URL+path, nil)
	require.NoError(s.t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(s.t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(s.t, err)
	var out map[string]any
	_ = sonic.ConfigStd.Unmarshal(body, &out)
	return resp.StatusCode, out
}

func (s *server) kick(connID, token string) int {
	s.t.Helper()
	req, err := http.NewRequest(http.MethodDelete, s.srv.URL+"/connections/"+connID, nil)
	require.NoError(s.t, err)
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(s.t, err)
	resp.Body.Close()
	return resp.StatusCode
}

func (s *server) postMutation(token, body string) int {
	s.t.Helper()
	req, err := http.NewRequest(http.MethodPost, s.srv.URL+"/internal/mutations", strings.NewReader(body))
	require.NoError(s.t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(s.t, err)
	resp.Body.Close()
	return resp.StatusCode
}

func TestHandshakeRejectsBadCredentials(t *testing.T) {
	s := newServer(t, nil)

	for _, token := range []string{"", "not-a-jwt", "a.b.c"} {
		_, resp, err := s.dial(token)
		require.True(t, errors.Is(err, websocket.ErrBadHandshake), "token %q: %v", token, err)
		require.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	}
	require.Empty(t, s.gw.Registry().OnlineUsers())
	require.Zero(t, s.gw.Stats().Connections)
}

func TestHandshakeAcceptsQueryToken(t *testing.T) {
	s := newServer(t, nil)
	token := signHS256(t, accessClaims("u1", "developer"))

	u := "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/ws?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	hello := readFrame(t, conn)
	require.Equal(t, "connected", hello.Type)
	require.Equal(t, "u1", hello.Data["userId"])
	require.True(t, s.gw.Registry().IsOnline("u1"))
}

func TestMutationReachesConnectedClient(t *testing.T) {
	s := newServer(t, nil)
	conn, _, err := s.dial(signHS256(t, accessClaims("admin1", "admin")))
	require.NoError(t, err)
	require.Equal(t, "connected", readFrame(t, conn).Type)

	require.Equal(t, http.StatusUnauthorized, s.postMutation("", `{}`))
	require.Equal(t, http.StatusUnauthorized, s.postMutation("wrong", `{}`))
	require.Equal(t, http.StatusBadRequest, s.postMutation(serviceToken, `{"kind":`))
	require.Equal(t, http.StatusBadRequest, s.postMutation(serviceToken, `{"kind":"widget","type":"created","entity":{"id":"1"}}`))
	require.Equal(t, http.StatusAccepted, s.postMutation(serviceToken,
		`{"kind":"ticket","type":"created","entity":{"id":"t1","project_id":"p1","password":"x"},"actor_id":"u2"}`))

	f := readFrame(t, conn)
	require.Equal(t, "ticket_created", f.Type)
	require.Equal(t, "t1", f.Data["id"])
	require.Equal(t, "u2", f.Data["actor_id"])
	require.NotContains(t, f.Data, "password")
}

func TestMembershipScopesHandshake(t *testing.T) {
	membership := &fakeMembership{ids: []string{"p7"}}
	s := newServer(t, membership)
	conn, _, err := s.dial(signHS256(t, accessClaims("dev1", "developer")))
	require.NoError(t, err)
	require.Equal(t, "connected", readFrame(t, conn).Type)
	require.EqualValues(t, 1, membership.calls.Load())

	require.Equal(t, http.StatusAccepted, s.postMutation(serviceToken, `{"kind":"ticket","type":"updated","entity":{"id":"t-other","project_id":"p8"}}`))
	require.Equal(t, http.StatusAccepted, s.postMutation(serviceToken, `{"kind":"ticket","type":"updated","entity":{"id":"t-mine","project_id":"p7"}}`))

	f := readFrame(t, conn)
	require.Equal(t, "ticket_updated", f.Type)
	require.Equal(t, "t-mine", f.Data["id"])
}

func TestMembershipFailureFallsBackToToken(t *testing.T) {
	membership := &fakeMembership{err: errors.New("table unavailable")}
	s := newServer(t, membership)
	claims := accessClaims("dev1", "developer")
	claims["projects"] = []any{"p3"}
	conn, _, err := s.dial(signHS256(t, claims))
	require.NoError(t, err)
	require.Equal(t, "connected", readFrame(t, conn).Type)

	require.Equal(t, http.StatusAccepted, s.postMutation(serviceToken, `{"kind":"sprint","type":"created","entity":{"id":"s1","project_id":"p3"}}`))
	f := readFrame(t, conn)
	require.Equal(t, "sprint_created", f.Type)
}

func TestPresenceEndpoints(t *testing.T) {
	s := newServer(t, nil)
	devToken := signHS256(t, accessClaims("dev1", "developer"))
	adminToken := signHS256(t, accessClaims("admin1", "admin"))

	code, _ := s.get("/presence", "")
	require.Equal(t, http.StatusUnauthorized, code)

	conn, _, err := s.dial(devToken)
	require.NoError(t, err)
	require.Equal(t, "connected", readFrame(t, conn).Type)

	code, body := s.get("/presence", devToken)
	require.Equal(t, http.StatusOK, code)
	require.EqualValues(t, 1, body["count"])

	code, body = s.get("/presence/dev1", devToken)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, true, body["online"])
	require.EqualValues(t, 1, body["connections"])

	code, body = s.get("/presence/ghost", devToken)
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, false, body["online"])
	require.Equal(t, "offline", body["status"])

	code, _ = s.get("/connections/stats", devToken)
	require.Equal(t, http.StatusForbidden, code)
	code, body = s.get("/connections/stats", adminToken)
	require.Equal(t, http.StatusOK, code)
	require.EqualValues(t, 1, body["connections"])
	require.EqualValues(t, 1, body["onlineUsers"])
}

func TestHealthzAndMetrics(t *testing.T) {
	s := newServer(t, nil)
	code, body := s.get("/healthz", "")
	require.Equal(t, http.StatusOK, code)
	require.Equal(t, "ok", body["status"])

	resp, err := http.Get(s.srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, string(raw), "realtime_connections")
}

func TestOperatorKick(t *testing.T) {
	s := newServer(t, nil)
	devToken := signHS256(t, accessClaims("dev1", "developer"))
	adminToken := signHS256(t, accessClaims("admin1", "admin"))

	conn, _, err := s.dial(devToken)
	require.NoError(t, err)
	hello := readFrame(t, conn)
	connID, _ := hello.Data["connectionId"].(string)
	require.NotEmpty(t, connID)

	require.Equal(t, http.StatusForbidden, s.kick(connID, devToken))
	require.Equal(t, http.StatusNoContent, s.kick(connID, adminToken))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = conn.ReadMessage()
	require.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "unexpected read error %v", err)
	require.Eventually(t, func() bool { return !s.gw.Registry().IsOnline("dev1") }, 2*time.Second, 10*time.Millisecond)

	require.Equal(t, http.StatusNotFound, s.kick(connID, adminToken))
}
