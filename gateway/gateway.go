package gateway

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"realtime-gateway/domain"
	"realtime-gateway/presence"
)

const tracerName = "realtime-gateway/gateway"

// ErrClosed is returned by Serve once Shutdown has been called.
var ErrClosed = errors.New("gateway closed")

// Options tune connection handling. Zero values fall back to defaults.
type Options struct {
	QueueSize         int
	PingInterval      time.Duration
	HeartbeatTimeout  time.Duration
	WriteTimeout      time.Duration
	StaleAfter        time.Duration
	MaxMessageSize    int64
	BroadcastActivity bool
	ActivityRate      float64
	ActivityBurst     int
	Metrics           *Metrics
}

func (o Options) withDefaults() Options {
	if o.QueueSize <= 0 {
		o.QueueSize = 256
	}
	if o.HeartbeatTimeout <= 0 {
		o.HeartbeatTimeout = 60 * time.Second
	}
	if o.PingInterval <= 0 || o.PingInterval >= o.HeartbeatTimeout {
		o.PingInterval = o.HeartbeatTimeout * 9 / 10
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.MaxMessageSize <= 0 {
		o.MaxMessageSize = 4096
	}
	if o.ActivityRate <= 0 {
		o.ActivityRate = 1
	}
	if o.ActivityBurst <= 0 {
		o.ActivityBurst = 5
	}
	if o.Metrics == nil {
		o.Metrics = NewMetrics(nil)
	}
	return o
}

// Stats is a point-in-time summary of the gateway.
type Stats struct {
	Connections int    `json:"connections"`
	OnlineUsers int    `json:"onlineUsers"`
	Delivered   uint64 `json:"delivered"`
	Dropped     uint64 `json:"dropped"`
}

// Gateway owns every live push connection and its Subscription. It listens to
// the event bus and fans matching events out to per-connection send queues.
type Gateway struct {
	logger   *log.Logger
	registry *presence.Registry
	opts     Options
	metrics  *Metrics
	now      func() time.Time

	// mu guards clients and closed, and serializes fan-out so every
	// subscriber observes events and presence frames in the same order.
	mu      sync.Mutex
	clients map[string]*client
	closed  bool

	wg        sync.WaitGroup
	delivered atomic.Uint64
	dropped   atomic.Uint64
}

// New creates a Gateway tracking presence in registry.
func New(logger *log.Logger, registry *presence.Registry, opts Options) *Gateway {
	if logger == nil {
		logger = log.StandardLogger()
	}
	if registry == nil {
		registry = presence.NewRegistry()
	}
	opts = opts.withDefaults()
	return &Gateway{
		logger:   logger,
		registry: registry,
		opts:     opts,
		metrics:  opts.Metrics,
		now:      time.Now,
		clients:  make(map[string]*client),
	}
}

// Registry exposes the presence registry backing the gateway.
func (g *Gateway) Registry() *presence.Registry { return g.registry }

// Serve runs an authenticated connection until it closes. projectIDs are the
// projects the identity may observe when its role is scoped. Serve blocks; the
// subscription and presence entry are removed before it returns.
func (g *Gateway) Serve(conn Conn, id domain.Identity, projectIDs []string) error {
	c := &client{
		id:      uuid.NewString(),
		conn:    conn,
		queue:   newSendQueue(g.opts.QueueSize),
		limiter: rate.NewLimiter(rate.Limit(g.opts.ActivityRate), g.opts.ActivityBurst),
		sub: domain.Subscription{
			Identity: id,
			Scope:    domain.DefaultScope(id, projectIDs),
		},
		done: make(chan struct{}),
	}
	c.sub.ConnectionID = c.id
	if !g.attach(c) {
		_ = conn.Close()
		return ErrClosed
	}
	defer g.wg.Done()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		if err := g.writePump(c); err != nil {
			g.logger.WithError(err).WithField("connection", c.id).Debug("write failed")
			c.shutdown(reasonWrite)
		}
	}()

	err := g.readPump(c)
	c.shutdown(readFailureReason(err))
	<-writerDone
	g.detach(c)
	return nil
}

func (g *Gateway) attach(c *client) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return false
	}
	g.wg.Add(1)
	g.clients[c.id] = c
	g.metrics.Connections.Inc()
	first := g.registry.Register(c.userID(), c.sub.Identity.Role, c.id)

	ts := g.timestamp()
	g.sendLocked(c, domain.FrameConnected, map[string]any{
		"connectionId": c.id,
		"userId":       c.userID(),
		"role":         c.sub.Identity.Role,
		"onlineUsers":  g.registry.OnlineUsers(),
		"timestamp":    ts,
	})
	if first {
		g.metrics.OnlineUsers.Inc()
		g.broadcastLocked(domain.FrameUserOnline, map[string]any{
			"userId":    c.userID(),
			"role":      c.sub.Identity.Role,
			"timestamp": ts,
		}, c.userID())
	}
	g.logger.WithFields(log.Fields{"connection": c.id, "user": c.userID(), "role": c.sub.Identity.Role}).Info("client connected")
	return true
}

// detach removes the connection's subscription and presence entry. It is
// safe to call more than once.
func (g *Gateway) detach(c *client) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.clients[c.id]; !ok {
		return
	}
	delete(g.clients, c.id)
	g.metrics.Connections.Dec()
	g.metrics.Disconnects.WithLabelValues(c.reason).Inc()

	userID, last := g.registry.Deregister(c.id)
	if last {
		g.metrics.OnlineUsers.Dec()
		g.broadcastLocked(domain.FrameUserOffline, map[string]any{
			"userId":    userID,
			"timestamp": g.timestamp(),
		}, userID)
	}
	g.logger.WithFields(log.Fields{"connection": c.id, "user": userID, "reason": c.reason}).Info("client disconnected")
}

// HandleEvent fans ev out to every connection whose subscription matches.
// It never blocks on a slow connection.
func (g *Gateway) HandleEvent(ev domain.DomainEvent) {
	name := ev.Name()
	_, span := otel.Tracer(tracerName).Start(context.Background(), "gateway.dispatch",
		trace.WithAttributes(
			attribute.String("event.type", name),
			attribute.String("entity.id", ev.EntityID),
			attribute.Int64("event.sequence", int64(ev.Sequence)),
		))
	defer span.End()

	frame, err := sonic.ConfigStd.Marshal(ev.Frame())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "encode frame")
		g.logger.WithError(err).WithField("type", name).Error("unable to encode event frame")
		return
	}
	g.metrics.Events.WithLabelValues(name).Inc()

	recipients := 0
	g.mu.Lock()
	for _, c := range g.clients {
		if c.sub.Matches(ev) {
			g.enqueue(c, frame)
			recipients++
		}
	}
	g.mu.Unlock()

	span.SetAttributes(attribute.Int("recipients", recipients))
	g.logger.WithFields(log.Fields{"type": name, "entity": ev.EntityID, "recipients": recipients}).Debug("event dispatched")
}

// broadcastLocked sends a presence style frame to every connection not owned
// by exceptUser. g.mu must be held.
func (g *Gateway) broadcastLocked(frameType string, data map[string]any, exceptUser string) {
	frame, err := encodeFrame(frameType, data)
	if err != nil {
		g.logger.WithError(err).WithField("type", frameType).Error("unable to encode frame")
		return
	}
	for _, c := range g.clients {
		if c.userID() == exceptUser {
			continue
		}
		g.enqueue(c, frame)
	}
}

func (g *Gateway) sendLocked(c *client, frameType string, data map[string]any) {
	frame, err := encodeFrame(frameType, data)
	if err != nil {
		g.logger.WithError(err).WithField("type", frameType).Error("unable to encode frame")
		return
	}
	g.enqueue(c, frame)
}

func (g *Gateway) send(c *client, frameType string, data map[string]any) {
	g.mu.Lock()
	g.sendLocked(c, frameType, data)
	g.mu.Unlock()
}

func (g *Gateway) sendError(c *client, msg string) {
	g.send(c, domain.FrameError, map[string]any{"message": msg, "timestamp": g.timestamp()})
}

func (g *Gateway) enqueue(c *client, frame []byte) {
	dropped, ok := c.queue.push(frame)
	if !ok || !dropped {
		return
	}
	g.dropped.Add(1)
	g.metrics.Dropped.Inc()
	g.logger.WithFields(log.Fields{
		"connection": c.id,
		"user":       c.userID(),
		"dropped":    c.queue.droppedTotal(),
	}).Warn("send queue full, dropped oldest frame")
}

func (g *Gateway) writePump(c *client) error {
	ticker := time.NewTicker(g.opts.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return nil
		case <-c.queue.ready:
			for {
				frame, ok := c.queue.pop()
				if !ok {
					break
				}
				_ = c.conn.SetWriteDeadline(g.now().Add(g.opts.WriteTimeout))
				err := c.conn.WriteMessage(websocket.TextMessage, frame)
				c.queue.done()
				if err != nil {
					return err
				}
				g.delivered.Add(1)
				g.metrics.Delivered.Inc()
			}
		case <-ticker.C:
			if err := c.conn.WriteControl(websocket.PingMessage, nil, g.now().Add(g.opts.WriteTimeout)); err != nil {
				return err
			}
		}
	}
}

func (g *Gateway) readPump(c *client) error {
	c.conn.SetReadLimit(g.opts.MaxMessageSize)
	_ = c.conn.SetReadDeadline(g.now().Add(g.opts.HeartbeatTimeout))
	c.conn.SetPongHandler(func(string) error {
		g.registry.Touch(c.id, "")
		return c.conn.SetReadDeadline(g.now().Add(g.opts.HeartbeatTimeout))
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return err
		}
		_ = c.conn.SetReadDeadline(g.now().Add(g.opts.HeartbeatTimeout))
		g.registry.Touch(c.id, "")
		g.handleSignal(c, data)
	}
}

// Disconnect closes the connection with the given id. It reports whether the
// connection was live.
func (g *Gateway) Disconnect(connID string) bool {
	return g.disconnect(connID, reasonKicked)
}

func (g *Gateway) disconnect(connID, reason string) bool {
	g.mu.Lock()
	c, ok := g.clients[connID]
	g.mu.Unlock()
	if !ok {
		return false
	}
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason), g.now().Add(g.opts.WriteTimeout))
	c.shutdown(reason)
	return true
}

// RunJanitor closes connections whose user has not been seen for StaleAfter.
// It returns when ctx is done and is a no-op when StaleAfter is unset.
func (g *Gateway) RunJanitor(ctx context.Context) {
	if g.opts.StaleAfter <= 0 {
		return
	}
	ticker := time.NewTicker(g.opts.StaleAfter / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := g.sweepStale(g.now().Add(-g.opts.StaleAfter)); n > 0 {
				g.logger.WithField("connections", n).Info("closed stale connections")
			}
		}
	}
}

func (g *Gateway) sweepStale(cutoff time.Time) int {
	n := 0
	for _, id := range g.registry.Stale(cutoff) {
		if g.disconnect(id, reasonStale) {
			n++
		}
	}
	return n
}

// Shutdown closes every connection and waits for their goroutines to exit or
// for ctx to expire. Serve rejects new connections afterwards.
func (g *Gateway) Shutdown(ctx context.Context) error {
	g.mu.Lock()
	g.closed = true
	clients := make([]*client, 0, len(g.clients))
	for _, c := range g.clients {
		clients = append(clients, c)
	}
	g.mu.Unlock()

	for _, c := range clients {
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"), g.now().Add(g.opts.WriteTimeout))
		c.shutdown(reasonShutdown)
	}

	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stats reports live connection and delivery counters.
func (g *Gateway) Stats() Stats {
	g.mu.Lock()
	conns := len(g.clients)
	g.mu.Unlock()
	return Stats{
		Connections: conns,
		OnlineUsers: len(g.registry.OnlineUsers()),
		Delivered:   g.delivered.Load(),
		Dropped:     g.dropped.Load(),
	}
}

func (g *Gateway) timestamp() string {
	return g.now().UTC().Format(time.RFC3339Nano)
}

func encodeFrame(frameType string, data map[string]any) ([]byte, error) {
	return sonic.ConfigStd.Marshal(domain.Frame{Type: frameType, Data: data})
}
