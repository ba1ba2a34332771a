package hooks

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// RedisDeduper stores seen mutation ids in Redis so a notice redelivered by
// any producer is forwarded once. Ids are recorded under the gateway
// instance's scope: each instance owns its own connections, so every instance
// must still forward a notice once.
type RedisDeduper struct {
	client *redis.Client
	ttl    time.Duration
	scope  string
}

// NewRedisDeduper creates a deduper using the provided Redis client and TTL.
// scope names the gateway instance; an empty scope shares ids across all
// instances.
func NewRedisDeduper(client *redis.Client, ttl time.Duration, scope string) *RedisDeduper {
	return &RedisDeduper{client: client, ttl: ttl, scope: scope}
}

func (r *RedisDeduper) key(id string) string {
	if r.scope == "" {
		return "mutation:" + id
	}
	return "mutation:" + r.scope + ":" + id
}

// Add records id if it does not already exist. It returns true when the id
// was newly added.
func (r *RedisDeduper) Add(ctx context.Context, id string) (bool, error) {
	return r.client.SetNX(ctx, r.key(id), 1, r.ttl).Result()
}

// Remove deletes a previously recorded id so a failed notice can be retried.
func (r *RedisDeduper) Remove(ctx context.Context, id string) error {
	return r.client.Del(ctx, r.key(id)).Err()
}

// Deduper remembers mutation ids.
type Deduper interface {
	Add(ctx context.Context, id string) (bool, error)
	Remove(ctx context.Context, id string) error
}

// DedupingSink forwards mutations to next once per id. Mutations without an
// id always pass through, as do all mutations while the deduper is failing.
type DedupingSink struct {
	next    MutationSink
	deduper Deduper
	logger  *log.Logger
	timeout time.Duration
}

// NewDedupingSink wraps next with id based deduplication.
func NewDedupingSink(next MutationSink, deduper Deduper, logger *log.Logger) *DedupingSink {
	return &DedupingSink{next: next, deduper: deduper, logger: logger, timeout: 2 * time.Second}
}

func (d *DedupingSink) NotifyMutation(m Mutation) error {
	if m.ID == "" {
		return d.next.NotifyMutation(m)
	}
	ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
	defer cancel()
	added, err := d.deduper.Add(ctx, m.ID)
	if err != nil {
		d.logger.WithError(err).WithField("mutation", m.ID).Warn("deduper unavailable, forwarding mutation")
		return d.next.NotifyMutation(m)
	}
	if !added {
		d.logger.WithField("mutation", m.ID).Debug("duplicate mutation dropped")
		return nil
	}
	if err := d.next.NotifyMutation(m); err != nil {
		if rerr := d.deduper.Remove(ctx, m.ID); rerr != nil {
			d.logger.WithError(rerr).WithField("mutation", m.ID).Error("unable to release mutation id")
		}
		return err
	}
	return nil
}
