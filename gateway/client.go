package gateway

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"realtime-gateway/domain"
)

// Conn is the transport surface the gateway drives. *websocket.Conn satisfies
// it. Close and WriteControl may be called concurrently with the other
// methods; reads and writes each stay on a single goroutine.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetReadLimit(limit int64)
	SetPongHandler(h func(appData string) error)
	Close() error
}

var _ Conn = (*websocket.Conn)(nil)

// Disconnect reasons exported as metric labels.
const (
	reasonClientClose = "client_close"
	reasonHeartbeat   = "heartbeat"
	reasonTransport   = "transport"
	reasonWrite       = "write"
	reasonStale       = "stale"
	reasonShutdown    = "shutdown"
	reasonKicked      = "kicked"
)

type client struct {
	id      string
	conn    Conn
	queue   *sendQueue
	limiter *rate.Limiter

	// sub is read during dispatch and mutated by subscribe signals; both
	// happen under Gateway.mu.
	sub domain.Subscription

	done      chan struct{}
	closeOnce sync.Once
	reason    string
}

func (c *client) userID() string { return c.sub.Identity.UserID }

// shutdown tears the connection down once. The first caller's reason wins.
func (c *client) shutdown(reason string) {
	c.closeOnce.Do(func() {
		c.reason = reason
		close(c.done)
		c.queue.close()
		_ = c.conn.Close()
	})
}

func (c *client) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

func readFailureReason(err error) string {
	var ne net.Error
	switch {
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
		return reasonClientClose
	case errors.As(err, &ne) && ne.Timeout():
		return reasonHeartbeat
	default:
		return reasonTransport
	}
}
