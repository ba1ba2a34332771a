// Command ws-load holds many websocket connections open against the gateway
// and counts the frames pushed to them.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

func getenv(key, def string) string {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	return v
}

func getenvInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return i
}

type counters struct {
	frames   atomic.Uint64
	attempts atomic.Uint64
	failures atomic.Uint64
}

func main() {
	wsURL := getenv("WS_URL", "ws://localhost:8080/ws")
	conns := getenvInt("WS_CONNECTIONS", 200)
	duration := time.Duration(getenvInt("DURATION_SEC", 120)) * time.Second
	bearer := os.Getenv("TEST_BEARER")

	ctx, cancel := context.WithTimeout(context.Background(), duration)
	defer cancel()

	var c counters
	var wg sync.WaitGroup
	wg.Add(conns)
	for range conns {
		go func() {
			defer wg.Done()
			hold(ctx, wsURL, bearer, &c)
		}()
	}

	go func() {
		select {
		case <-time.After(60 * time.Second):
			if c.frames.Load() == 0 {
				fmt.Println("no frames received in 60s")
				os.Exit(1)
			}
		case <-ctx.Done():
		}
	}()

	wg.Wait()
	failures, attempts, frames := c.failures.Load(), c.attempts.Load(), c.frames.Load()
	failureRate := 0.0
	if attempts > 0 {
		failureRate = float64(failures) / float64(attempts)
	}
	fmt.Printf("connections=%d duration_sec=%d frames_received=%d connection_failures=%d\n", conns, int(duration.Seconds()), frames, failures)
	if frames == 0 || failureRate > 0.01 {
		os.Exit(1)
	}
}

// hold keeps one connection open until ctx is done, reconnecting with
// backoff after failures.
func hold(ctx context.Context, wsURL, bearer string, c *counters) {
	header := http.Header{}
	if bearer != "" {
		header.Set("Authorization", "Bearer "+bearer)
	}
	backoff := time.Second
	for ctx.Err() == nil {
		c.attempts.Add(1)
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, header)
		if err != nil {
			c.failures.Add(1)
			sleep(ctx, backoff)
			backoff = min(backoff*2, 5*time.Second)
			continue
		}
		backoff = time.Second
		stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
			c.frames.Add(1)
		}
		stop()
		_ = conn.Close()
		if ctx.Err() != nil {
			return
		}
		c.failures.Add(1)
		sleep(ctx, backoff)
		backoff = min(backoff*2, 5*time.Second)
	}
}

func sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
