// Package notify delivers deadlock records to participants over redis
// pub/sub. Delivery is best-effort: subscribers that are offline simply
// miss the message, which matches the advisory nature of the record. The
// latest record per participant is additionally kept in redis so late
// callers can query it over the API.
package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"lsmnet/internal/domain"
	"lsmnet/pkg/cache"
	"lsmnet/pkg/errors"
	"lsmnet/pkg/logger"
)

const channelPrefix = "lsm:deadlock:"

// recordTTL bounds how long a stale deadlock record stays queryable.
const recordTTL = 24 * time.Hour

// LastRecordKey is the redis key holding the most recent deadlock record
// a participant was involved in.
func LastRecordKey(participant string) string {
	return channelPrefix + "last:" + participant
}

type RedisPublisher struct {
	client *redis.Client
	cache  *cache.Cache
	logger logger.Logger
}

func NewRedisPublisher(client *redis.Client, log logger.Logger) *RedisPublisher {
	return &RedisPublisher{
		client: client,
		cache:  cache.New(client),
		logger: log,
	}
}

// Notify publishes the record to each involved participant's channel and
// stores it as that participant's latest record. The first publish error
// aborts the remaining sends; the caller treats any error as advisory.
func (p *RedisPublisher) Notify(ctx context.Context, record *domain.DeadlockRecord) error {
	payload, err := json.Marshal(record)
	if err != nil {
		return errors.Wrap(err, "notify: marshal deadlock record")
	}

	for _, participant := range record.Participants {
		channel := channelPrefix + participant
		if err := p.client.Publish(ctx, channel, payload).Err(); err != nil {
			return errors.Wrap(err, "notify: publish to "+channel)
		}
		if err := p.cache.Set(ctx, LastRecordKey(participant), record, recordTTL); err != nil {
			// Pub/sub went through; a failed record write only degrades
			// the query endpoint.
			p.logger.Warn("Deadlock record write failed", map[string]interface{}{
				"participant": participant,
				"error":       err.Error(),
			})
		}
		p.logger.Debug("Deadlock notification published", map[string]interface{}{
			"participant": participant,
			"channel":     channel,
		})
	}
	return nil
}
