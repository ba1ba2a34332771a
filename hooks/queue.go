package hooks

import (
	"context"
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/storage/azqueue"
	"github.com/bytedance/sonic"
	log "github.com/sirupsen/logrus"
)

// MessageQueue is the queue surface needed to drain mutation notices.
type MessageQueue interface {
	Dequeue(ctx context.Context) (*azqueue.DequeuedMessage, error)
	Delete(ctx context.Context, id, receipt string) error
}

// ConsumeQueue drains mutation notices from q until ctx is done. Messages are
// deleted once handled, including ones that fail to parse, so a poisoned
// message does not block the queue.
func ConsumeQueue(ctx context.Context, logger *log.Logger, q MessageQueue, sink MutationSink, idle time.Duration) {
	if idle <= 0 {
		idle = time.Second
	}
	for {
		if ctx.Err() != nil {
			return
		}
		msg, err := q.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.WithError(err).Error("unable to dequeue mutation")
			sleepCtx(ctx, idle)
			continue
		}
		if msg == nil {
			sleepCtx(ctx, idle)
			continue
		}
		handleQueued(ctx, logger, q, msg, sink)
	}
}

func handleQueued(ctx context.Context, logger *log.Logger, q MessageQueue, msg *azqueue.DequeuedMessage, sink MutationSink) {
	entry := logger.WithField("message", deref(msg.MessageID))
	if msg.MessageText != nil {
		var m Mutation
		if err := sonic.ConfigStd.UnmarshalFromString(*msg.MessageText, &m); err != nil {
			entry.WithError(err).Error("unable to parse mutation")
		} else if err := sink.NotifyMutation(m); err != nil {
			entry.WithError(err).Warn("mutation rejected")
		}
	}
	if msg.MessageID == nil || msg.PopReceipt == nil {
		return
	}
	if err := q.Delete(ctx, *msg.MessageID, *msg.PopReceipt); err != nil {
		entry.WithError(err).Error("unable to delete mutation message")
	}
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
