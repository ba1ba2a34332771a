package gateway

import (
	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"

	"realtime-gateway/domain"
)

// handleSignal processes one client frame. Signals only touch presence and the
// connection's own subscription; they never mutate domain state.
func (g *Gateway) handleSignal(c *client, data []byte) {
	if c.closed() {
		return
	}
	var sig domain.Signal
	if err := sonic.ConfigStd.Unmarshal(data, &sig); err != nil || sig.Type == "" {
		g.sendError(c, "invalid message")
		return
	}
	switch sig.Type {
	case domain.SignalPing:
		g.send(c, domain.FramePong, map[string]any{"timestamp": g.timestamp()})
	case domain.SignalActivity:
		g.handleActivity(c, sig)
	case domain.SignalSubscribe, domain.SignalUnsubscribe:
		g.handleKinds(c, sig)
	default:
		g.sendError(c, "unknown message type: "+sig.Type)
	}
}

func (g *Gateway) handleActivity(c *client, sig domain.Signal) {
	if !c.limiter.Allow() {
		g.logger.WithField("connection", c.id).Debug("activity signal throttled")
		return
	}
	userID, ok := g.registry.Touch(c.id, sig.Status)
	if !ok || !g.opts.BroadcastActivity {
		return
	}
	rec, _ := g.registry.Get(userID)
	data := map[string]any{
		"userId":    userID,
		"status":    rec.Status,
		"timestamp": g.timestamp(),
	}
	if sig.Activity != "" {
		data["activity"] = sig.Activity
	}
	if len(sig.Details) > 0 {
		data["details"] = sig.Details
	}
	g.mu.Lock()
	g.broadcastLocked(domain.FrameUserActivityUpdate, data, userID)
	g.mu.Unlock()
}

// handleKinds narrows or re-widens the kinds a connection receives. An empty
// list means every kind. Project and role limits are never relaxed.
func (g *Gateway) handleKinds(c *client, sig domain.Signal) {
	kinds := make([]domain.EntityKind, 0, len(sig.Kinds))
	for _, raw := range sig.Kinds {
		k, err := domain.ParseEntityKind(raw)
		if err != nil {
			g.sendError(c, err.Error())
			return
		}
		kinds = append(kinds, k)
	}
	if len(kinds) == 0 {
		kinds = domain.EntityKinds
	}
	g.mu.Lock()
	if sig.Type == domain.SignalSubscribe {
		c.sub.Widen(kinds)
	} else {
		c.sub.Narrow(kinds)
	}
	g.mu.Unlock()
	g.logger.WithFields(log.Fields{"connection": c.id, "signal": sig.Type, "kinds": kinds}).Debug("subscription changed")
}
