package adapter

import (
	"context"
	stdErrors "errors"
	"time"

	redis "github.com/redis/go-redis/v9"

	crowderrors "github.com/mirkobrombin/go-crowdlock/v1/errors"
)

const defaultRedisOpTimeout = 5 * time.Second

// ScriptCall is one invocation of a Lua script inside a pipeline.
type ScriptCall struct {
	Script *redis.Script
	Keys   []string
	Args   []any
}

// RedisLockStore exposes the atomic Redis primitives used by the lock
// manager and the contributions guard. Every call is bounded by a timeout and
// failures are mapped to the crowdlock error sentinels.
type RedisLockStore struct {
	client  redis.UniversalClient
	timeout time.Duration
}

// RedisOption configures a RedisLockStore.
type RedisOption func(*redisStoreOptions)

type redisStoreOptions struct {
	timeout time.Duration
}

// WithTimeout sets the operation timeout for Redis calls.
func WithTimeout(d time.Duration) RedisOption {
	return func(o *redisStoreOptions) {
		if d > 0 {
			o.timeout = d
		}
	}
}

// NewRedisLockStore returns a store using the provided Redis client.
func NewRedisLockStore(client redis.UniversalClient, opts ...RedisOption) *RedisLockStore {
	o := redisStoreOptions{timeout: defaultRedisOpTimeout}
	for _, opt := range opts {
		opt(&o)
	}
	return &RedisLockStore{client: client, timeout: o.timeout}
}

// Client returns the underlying Redis client.
func (s *RedisLockStore) Client() redis.UniversalClient {
	return s.client
}

func mapErr(op string, err error) error {
	if err == nil || err == redis.Nil {
		return nil
	}
	switch {
	case stdErrors.Is(err, context.DeadlineExceeded):
		err = crowderrors.ErrTimeout
	case stdErrors.Is(err, redis.ErrClosed):
		err = crowderrors.ErrConnectionClosed
	}
	return crowderrors.NewStoreError(op, err)
}

func (s *RedisLockStore) begin(ctx context.Context, op string) (context.Context, context.CancelFunc, error) {
	if err := ctx.Err(); err != nil {
		if stdErrors.Is(err, context.DeadlineExceeded) {
			return nil, nil, crowderrors.NewStoreError(op, crowderrors.ErrTimeout)
		}
		return nil, nil, err
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	return cctx, cancel, nil
}

// Ping checks connectivity.
func (s *RedisLockStore) Ping(ctx context.Context) error {
	cctx, cancel, err := s.begin(ctx, "ping")
	if err != nil {
		return err
	}
	defer cancel()
	return mapErr("ping", s.client.Ping(cctx).Err())
}

// Eval runs script atomically on the server.
func (s *RedisLockStore) Eval(ctx context.Context, script *redis.Script, keys []string, args ...any) (any, error) {
	cctx, cancel, err := s.begin(ctx, "eval")
	if err != nil {
		return nil, err
	}
	defer cancel()
	res, err := script.Run(cctx, s.client, keys, args...).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, mapErr("eval", err)
	}
	return res, nil
}

// EvalMany runs several script calls in one pipeline. Results are returned
// in call order.
func (s *RedisLockStore) EvalMany(ctx context.Context, calls []ScriptCall) ([]any, error) {
	if len(calls) == 0 {
		return nil, nil
	}
	cctx, cancel, err := s.begin(ctx, "eval_many")
	if err != nil {
		return nil, err
	}
	defer cancel()
	// Load scripts first so the pipeline can use EVALSHA.
	loaded := make(map[*redis.Script]struct{})
	for _, c := range calls {
		if _, ok := loaded[c.Script]; ok {
			continue
		}
		if err := c.Script.Load(cctx, s.client).Err(); err != nil {
			return nil, mapErr("script_load", err)
		}
		loaded[c.Script] = struct{}{}
	}
	pipe := s.client.Pipeline()
	cmds := make([]*redis.Cmd, len(calls))
	for i, c := range calls {
		cmds[i] = c.Script.EvalSha(cctx, pipe, c.Keys, c.Args...)
	}
	if _, err := pipe.Exec(cctx); err != nil && err != redis.Nil {
		return nil, mapErr("eval_many", err)
	}
	out := make([]any, len(cmds))
	for i, cmd := range cmds {
		v, err := cmd.Result()
		if err != nil && err != redis.Nil {
			return nil, mapErr("eval_many", err)
		}
		out[i] = v
	}
	return out, nil
}

// TxPipelined runs fn inside MULTI/EXEC.
func (s *RedisLockStore) TxPipelined(ctx context.Context, fn func(redis.Pipeliner) error) error {
	cctx, cancel, err := s.begin(ctx, "tx")
	if err != nil {
		return err
	}
	defer cancel()
	_, err = s.client.TxPipelined(cctx, fn)
	return mapErr("tx", err)
}

// SetEx stores value at key with the given TTL.
func (s *RedisLockStore) SetEx(ctx context.Context, key string, value any, ttl time.Duration) error {
	cctx, cancel, err := s.begin(ctx, "set")
	if err != nil {
		return err
	}
	defer cancel()
	return mapErr("set", s.client.Set(cctx, key, value, ttl).Err())
}

// Get returns the value for key. The boolean reports whether it exists.
func (s *RedisLockStore) Get(ctx context.Context, key string) (string, bool, error) {
	cctx, cancel, err := s.begin(ctx, "get")
	if err != nil {
		return "", false, err
	}
	defer cancel()
	v, err := s.client.Get(cctx, key).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, mapErr("get", err)
	}
	return v, true, nil
}

// Exists reports whether key exists.
func (s *RedisLockStore) Exists(ctx context.Context, key string) (bool, error) {
	cctx, cancel, err := s.begin(ctx, "exists")
	if err != nil {
		return false, err
	}
	defer cancel()
	n, err := s.client.Exists(cctx, key).Result()
	if err != nil {
		return false, mapErr("exists", err)
	}
	return n > 0, nil
}

// Del removes keys. Missing keys are ignored.
func (s *RedisLockStore) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	cctx, cancel, err := s.begin(ctx, "del")
	if err != nil {
		return err
	}
	defer cancel()
	return mapErr("del", s.client.Del(cctx, keys...).Err())
}

// HGetAll returns all fields of the hash at key.
func (s *RedisLockStore) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	cctx, cancel, err := s.begin(ctx, "hgetall")
	if err != nil {
		return nil, err
	}
	defer cancel()
	m, err := s.client.HGetAll(cctx, key).Result()
	if err != nil {
		return nil, mapErr("hgetall", err)
	}
	return m, nil
}

// HDel removes fields from the hash at key.
func (s *RedisLockStore) HDel(ctx context.Context, key string, fields ...string) error {
	if len(fields) == 0 {
		return nil
	}
	cctx, cancel, err := s.begin(ctx, "hdel")
	if err != nil {
		return err
	}
	defer cancel()
	return mapErr("hdel", s.client.HDel(cctx, key, fields...).Err())
}
