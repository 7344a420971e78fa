package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/lalithlochan/lynk/internal/queue"
)

const defaultVisibility = 5 * time.Minute

// leaseScript moves the earliest due member forward by the visibility
// timeout and returns it. An unacked member becomes due again on its own.
var leaseScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
if #due == 0 then
	return false
end
redis.call('ZADD', KEYS[1], 'XX', ARGV[2], due[1])
return due[1]
`)

// QueueConfig configures a Redis-backed broker.
type QueueConfig struct {
	Name string
	// Visibility is how long a received envelope stays hidden before it is
	// delivered again. It must exceed the longest job timeout.
	Visibility time.Duration
}

// Queue is a queue.Broker on a single sorted set scored by run-at time in
// unix milliseconds. Members are the serialized envelopes.
type Queue struct {
	client     *Client
	key        string
	visibility time.Duration
	logger     *zap.Logger
	now        func() time.Time
}

var _ queue.Broker = (*Queue)(nil)

// NewQueue creates a broker storing envelopes under "queue:<name>".
func NewQueue(client *Client, cfg QueueConfig, logger *zap.Logger) *Queue {
	if cfg.Name == "" {
		cfg.Name = "default"
	}
	if cfg.Visibility <= 0 {
		cfg.Visibility = defaultVisibility
	}
	return &Queue{
		client:     client,
		key:        "queue:" + cfg.Name,
		visibility: cfg.Visibility,
		logger:     logger,
		now:        time.Now,
	}
}

// Publish schedules env to become due after delay.
func (q *Queue) Publish(ctx context.Context, env queue.Envelope, delay time.Duration) error {
	if err := env.Validate(); err != nil {
		return err
	}

	member, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	runAt := q.now().Add(delay).UnixMilli()
	if err := q.client.rdb.ZAdd(ctx, q.key, redis.Z{Score: float64(runAt), Member: string(member)}).Err(); err != nil {
		return fmt.Errorf("redis zadd failed: %w", err)
	}

	return nil
}

// Receive leases the earliest due envelope, or returns nil when none is due.
func (q *Queue) Receive(ctx context.Context) (*queue.Receipt, error) {
	now := q.now()
	member, err := leaseScript.Run(ctx, q.client.rdb, []string{q.key},
		strconv.FormatInt(now.UnixMilli(), 10),
		strconv.FormatInt(now.Add(q.visibility).UnixMilli(), 10),
	).Text()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis lease failed: %w", err)
	}

	var env queue.Envelope
	if err := json.Unmarshal([]byte(member), &env); err != nil {
		// Unreadable members would be leased forever, so drop them here.
		q.logger.Error("dropping undecodable envelope", zap.String("queue", q.key), zap.Error(err))
		if remErr := q.client.rdb.ZRem(ctx, q.key, member).Err(); remErr != nil {
			return nil, fmt.Errorf("redis zrem failed: %w", remErr)
		}
		return nil, nil
	}

	return &queue.Receipt{Envelope: env, Handle: member}, nil
}

// Ack removes a leased envelope.
func (q *Queue) Ack(ctx context.Context, receipt *queue.Receipt) error {
	if err := q.client.rdb.ZRem(ctx, q.key, receipt.Handle).Err(); err != nil {
		return fmt.Errorf("redis zrem failed: %w", err)
	}
	return nil
}

// Len returns the number of envelopes stored, due or not.
func (q *Queue) Len(ctx context.Context) (int64, error) {
	n, err := q.client.rdb.ZCard(ctx, q.key).Result()
	if err != nil {
		return 0, fmt.Errorf("redis zcard failed: %w", err)
	}
	return n, nil
}
