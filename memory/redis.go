package memory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/hupe1980/agenthive/core"
)

// RedisWorkingOptions configures the redis-backed working store.
type RedisWorkingOptions struct {
	// Password is the redis AUTH password, empty for none.
	Password string

	// DB selects the redis logical database.
	DB int

	// Prefix namespaces every key this store writes.
	Prefix string

	// Timeout bounds each redis round trip.
	Timeout time.Duration
}

// RedisWorking keeps working memory in redis, one hash per (agent, task)
// scope. It lets several runtime processes share scratch state, at the cost
// of a network hop per access; the in-process stores stay the default.
type RedisWorking struct {
	client  *redis.Client
	prefix  string
	timeout time.Duration
}

var _ core.WorkingStore = (*RedisWorking)(nil)

// NewRedisWorking connects to redis at addr and verifies the connection.
func NewRedisWorking(addr string, optFns ...func(o *RedisWorkingOptions)) (*RedisWorking, error) {
	if addr == "" {
		return nil, errors.New("redis address must not be empty")
	}

	opts := RedisWorkingOptions{
		Prefix:  "agenthive:working",
		Timeout: 5 * time.Second,
	}
	for _, fn := range optFns {
		fn(&opts)
	}

	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), opts.Timeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis: %w", err)
	}

	return &RedisWorking{client: client, prefix: opts.Prefix, timeout: opts.Timeout}, nil
}

// NewRedisWorkingFromClient wraps an existing client, e.g. one shared with
// other subsystems.
func NewRedisWorkingFromClient(client *redis.Client, optFns ...func(o *RedisWorkingOptions)) *RedisWorking {
	opts := RedisWorkingOptions{
		Prefix:  "agenthive:working",
		Timeout: 5 * time.Second,
	}
	for _, fn := range optFns {
		fn(&opts)
	}
	return &RedisWorking{client: client, prefix: opts.Prefix, timeout: opts.Timeout}
}

func (r *RedisWorking) key(agentID, task string) string {
	return fmt.Sprintf("%s:%s:%s", r.prefix, agentID, task)
}

func (r *RedisWorking) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), r.timeout)
}

// PutWorking stores a key/value pair under the agent's task scope.
func (r *RedisWorking) PutWorking(agentID, task, key, value string) error {
	ctx, cancel := r.ctx()
	defer cancel()
	return r.client.HSet(ctx, r.key(agentID, task), key, value).Err()
}

// GetWorking returns the value for key in the task scope.
func (r *RedisWorking) GetWorking(agentID, task, key string) (string, bool, error) {
	ctx, cancel := r.ctx()
	defer cancel()
	value, err := r.client.HGet(ctx, r.key(agentID, task), key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return value, true, nil
}

// TaskState returns a copy of every key/value pair in the task scope.
func (r *RedisWorking) TaskState(agentID, task string) (map[string]string, error) {
	ctx, cancel := r.ctx()
	defer cancel()
	state, err := r.client.HGetAll(ctx, r.key(agentID, task)).Result()
	if err != nil {
		return nil, err
	}
	return state, nil
}

// ClearTask removes all state for one task.
func (r *RedisWorking) ClearTask(agentID, task string) error {
	ctx, cancel := r.ctx()
	defer cancel()
	return r.client.Del(ctx, r.key(agentID, task)).Err()
}

// DeleteWorking removes all working state owned by the agent.
func (r *RedisWorking) DeleteWorking(agentID string) error {
	ctx, cancel := r.ctx()
	defer cancel()

	pattern := fmt.Sprintf("%s:%s:*", r.prefix, agentID)
	var cursor uint64
	for {
		keys, next, err := r.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return err
		}
		if len(keys) > 0 {
			if err := r.client.Del(ctx, keys...).Err(); err != nil {
				return err
			}
		}
		if next == 0 {
			return nil
		}
		cursor = next
	}
}

// Close releases the underlying redis connection.
func (r *RedisWorking) Close() error {
	return r.client.Close()
}
