package hooks

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/lib/pq"
	log "github.com/sirupsen/logrus"
)

// DefaultNotifyChannel is the channel the database triggers notify on.
const DefaultNotifyChannel = "table_changes"

var tableKinds = map[string]string{
	"tickets":           "ticket",
	"epics":             "epic",
	"epic_features":     "epic",
	"deliverables":      "deliverable",
	"sprints":           "sprint",
	"notifications":     "notification",
	"projects":          "project",
	"users":             "user",
	"approval_requests": "approval",
	"approvals":         "approval",
}

// tableChange is the JSON document emitted by the table_changes trigger.
type tableChange struct {
	Table     string          `json:"table"`
	Action    string          `json:"action"`
	Operation string          `json:"operation"`
	Data      json.RawMessage `json:"data"`
	Record    json.RawMessage `json:"record"`
	Old       json.RawMessage `json:"old"`
	ActorID   string          `json:"actor_id"`
}

func mutationFromNotify(extra string) (Mutation, error) {
	var tc tableChange
	if err := sonic.ConfigStd.UnmarshalFromString(extra, &tc); err != nil {
		return Mutation{}, fmt.Errorf("decode notification: %w", err)
	}
	kind, ok := tableKinds[strings.ToLower(tc.Table)]
	if !ok {
		return Mutation{}, fmt.Errorf("untracked table %q", tc.Table)
	}
	verb := tc.Action
	if verb == "" {
		verb = tc.Operation
	}
	entity := tc.Data
	if len(entity) == 0 {
		entity = tc.Record
	}
	if len(entity) == 0 || string(entity) == "null" {
		entity = tc.Old
	}
	return Mutation{Kind: kind, Type: verb, Entity: entity, ActorID: tc.ActorID}, nil
}

// ListenPostgres runs a LISTEN loop on channel and forwards table change
// notifications to sink until ctx is done. Connection loss is handled by the
// pq listener's reconnect logic.
func ListenPostgres(ctx context.Context, logger *log.Logger, dsn, channel string, sink MutationSink) error {
	if channel == "" {
		channel = DefaultNotifyChannel
	}
	listener := pq.NewListener(dsn, 5*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		switch ev {
		case pq.ListenerEventConnected:
			logger.WithField("channel", channel).Info("listening for database notifications")
		case pq.ListenerEventDisconnected:
			logger.WithError(err).Warn("database notification listener disconnected")
		case pq.ListenerEventReconnected:
			logger.Info("database notification listener reconnected")
		case pq.ListenerEventConnectionAttemptFailed:
			logger.WithError(err).Error("database notification listener connection attempt failed")
		}
	})
	defer listener.Close()
	if err := listener.Listen(channel); err != nil {
		return fmt.Errorf("listen %s: %w", channel, err)
	}
	consumeNotifications(ctx, logger, listener.Notify, listener.Ping, sink)
	return nil
}

func consumeNotifications(ctx context.Context, logger *log.Logger, ch <-chan *pq.Notification, ping func() error, sink MutationSink) {
	idle := time.NewTicker(90 * time.Second)
	defer idle.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case n, ok := <-ch:
			if !ok {
				return
			}
			// nil after a reconnect; notifications sent meanwhile are lost
			if n == nil {
				continue
			}
			m, err := mutationFromNotify(n.Extra)
			if err != nil {
				logger.WithError(err).WithField("channel", n.Channel).Debug("ignoring database notification")
				continue
			}
			if err := sink.NotifyMutation(m); err != nil {
				logger.WithError(err).WithField("channel", n.Channel).Warn("mutation rejected")
			}
		case <-idle.C:
			if ping != nil {
				if err := ping(); err != nil {
					logger.WithError(err).Warn("database notification listener ping failed")
				}
			}
		}
	}
}
