package hooks

import (
	"context"
	"time"

	"github.com/bytedance/sonic"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// MutationSink accepts decoded mutation notices.
type MutationSink interface {
	NotifyMutation(m Mutation) error
}

// RelayMutations subscribes to a redis channel carrying Mutation payloads
// published by the persistence layer and forwards each one to sink. It
// resubscribes when the pubsub channel closes and returns when ctx is done.
func RelayMutations(ctx context.Context, logger *log.Logger, rc *redis.Client, channel string, sink MutationSink) {
	for {
		sub := rc.Subscribe(ctx, channel)
		ch := sub.Channel()
		relayLoop(ctx, logger, ch, channel, sink)
		_ = sub.Close()
		if ctx.Err() != nil {
			return
		}
		logger.WithField("channel", channel).Error("pubsub channel closed, reconnecting")
		select {
		case <-ctx.Done():
			return
		case <-time.After(time.Second):
		}
	}
}

func relayLoop(ctx context.Context, logger *log.Logger, ch <-chan *redis.Message, channel string, sink MutationSink) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var m Mutation
			if err := sonic.ConfigStd.UnmarshalFromString(msg.Payload, &m); err != nil {
				logger.WithError(err).WithField("channel", channel).Error("unable to parse mutation")
				continue
			}
			if err := sink.NotifyMutation(m); err != nil {
				logger.WithError(err).WithField("channel", channel).Warn("mutation rejected")
			}
		}
	}
}
