package lock

import (
	"context"
	"errors"
	"time"

	redis "github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/mirkobrombin/go-crowdlock/v1/adapter"
	crowderrors "github.com/mirkobrombin/go-crowdlock/v1/errors"
	"github.com/mirkobrombin/go-crowdlock/v1/metrics"
)

var tracer = otel.Tracer("github.com/mirkobrombin/go-crowdlock/v1/lock")

var (
	// ErrInvalidLimit is returned when a slot limit below one is requested.
	ErrInvalidLimit = errors.New("crowdlock: slot limit must be at least 1")
	// ErrInvalidTTL is returned when a non-positive TTL is requested.
	ErrInvalidTTL = errors.New("crowdlock: slot ttl must be positive")
)

// KEYS: holders set, holder slot, holder index.
// ARGV: holder, limit, ttl ms, slot prefix, resource, expiry ms.
// Returns 2 on refresh, 1 on grant, 0 when the resource is full.
var acquireScript = redis.NewScript(`
local ttl = tonumber(ARGV[3])
local function grant(code)
    redis.call("SET", KEYS[2], ARGV[6], "PX", ttl)
    redis.call("SADD", KEYS[1], ARGV[1])
    if redis.call("PTTL", KEYS[1]) < ttl then
        redis.call("PEXPIRE", KEYS[1], ttl)
    end
    redis.call("HSET", KEYS[3], ARGV[5], ARGV[6])
    if redis.call("PTTL", KEYS[3]) < ttl then
        redis.call("PEXPIRE", KEYS[3], ttl)
    end
    return code
end
if redis.call("EXISTS", KEYS[2]) == 1 then
    return grant(2)
end
local members = redis.call("SMEMBERS", KEYS[1])
for _, m in ipairs(members) do
    if redis.call("EXISTS", ARGV[4] .. m) == 0 then
        redis.call("SREM", KEYS[1], m)
    end
end
if redis.call("SCARD", KEYS[1]) >= tonumber(ARGV[2]) then
    return 0
end
return grant(1)
`)

// KEYS: holders set, holder slot. ARGV: slot prefix.
// Returns {held, live}.
var occupancyScript = redis.NewScript(`
local held = redis.call("EXISTS", KEYS[2])
local live = 0
local members = redis.call("SMEMBERS", KEYS[1])
for _, m in ipairs(members) do
    if redis.call("EXISTS", ARGV[1] .. m) == 1 then
        live = live + 1
    end
end
return {held, live}
`)

// Store is the subset of the lock store used by Manager.
type Store interface {
	Eval(ctx context.Context, script *redis.Script, keys []string, args ...any) (any, error)
	EvalMany(ctx context.Context, calls []adapter.ScriptCall) ([]any, error)
	TxPipelined(ctx context.Context, fn func(redis.Pipeliner) error) error
	Exists(ctx context.Context, key string) (bool, error)
	HGetAll(ctx context.Context, key string) (map[string]string, error)
	HDel(ctx context.Context, key string, fields ...string) error
}

// Occupancy describes the slots of one resource as seen by one holder.
type Occupancy struct {
	// Held reports whether the holder owns a live slot.
	Held bool
	// Live is the number of live slots, the holder's included.
	Live int
}

// Full reports whether a new holder would be refused under limit.
func (o Occupancy) Full(limit int) bool {
	return !o.Held && o.Live >= limit
}

// Manager grants slots on resources backed by Redis.
type Manager struct {
	store        Store
	keys         Keyspace
	logger       *zap.Logger
	now          func() time.Time
	maxAttempts  int
	backoff      time.Duration
	traceEnabled bool
}

// Option configures a Manager.
type Option func(*Manager)

// WithPrefix sets the key prefix.
func WithPrefix(prefix string) Option {
	return func(m *Manager) { m.keys = Keyspace{Prefix: prefix} }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(m *Manager) {
		if l != nil {
			m.logger = l
		}
	}
}

// WithClock overrides the clock used to compute slot expiry values.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithMaxAttempts bounds how many times AcquireSlot tries when the store
// reports a transient failure. Values below one are ignored.
func WithMaxAttempts(n int) Option {
	return func(m *Manager) {
		if n > 0 {
			m.maxAttempts = n
		}
	}
}

// WithBackoff sets the pause between acquire attempts.
func WithBackoff(d time.Duration) Option {
	return func(m *Manager) { m.backoff = d }
}

// WithTracing enables OpenTelemetry spans for manager operations.
func WithTracing() Option {
	return func(m *Manager) { m.traceEnabled = true }
}

// NewManager returns a Manager using store.
func NewManager(store Store, opts ...Option) *Manager {
	m := &Manager{
		store:       store,
		logger:      zap.NewNop(),
		now:         time.Now,
		maxAttempts: 3,
		backoff:     10 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Keys returns the keyspace used by the manager.
func (m *Manager) Keys() Keyspace {
	return m.keys
}

func (m *Manager) span(ctx context.Context, name string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	if !m.traceEnabled {
		return ctx, trace.SpanFromContext(context.Background())
	}
	ctx, span := tracer.Start(ctx, name)
	span.SetAttributes(attrs...)
	return ctx, span
}

func (m *Manager) storeFailed(op string, err error) {
	metrics.StoreErrorCounter.WithLabelValues(op).Inc()
	m.logger.Warn("crowdlock: lock store failure", zap.String("op", op), zap.Error(err))
}

// AcquireSlot grants holderID a slot on resourceID if fewer than limit live
// slots exist. A holder that already owns a slot always succeeds and its TTL
// is refreshed. On store failure the slot is not granted and an error
// matching errors.ErrStoreUnavailable is returned.
func (m *Manager) AcquireSlot(ctx context.Context, resourceID, holderID string, limit int, ttl time.Duration) (bool, error) {
	if limit < 1 {
		return false, ErrInvalidLimit
	}
	if ttl <= 0 {
		return false, ErrInvalidTTL
	}
	ctx, span := m.span(ctx, "Lock.AcquireSlot",
		attribute.String("crowdlock.resource", resourceID),
		attribute.String("crowdlock.holder", holderID),
		attribute.Int("crowdlock.limit", limit))
	defer span.End()

	ttlMs := ttl.Milliseconds()
	if ttlMs < 1 {
		ttlMs = 1
	}
	keys := []string{
		m.keys.Holders(resourceID),
		m.keys.Slot(resourceID, holderID),
		m.keys.Index(holderID),
	}
	var lastErr error
attempts:
	for attempt := 1; attempt <= m.maxAttempts; attempt++ {
		expiry := m.now().Add(ttl).UnixMilli()
		res, err := m.store.Eval(ctx, acquireScript, keys,
			holderID, limit, ttlMs, m.keys.SlotPrefix(resourceID), resourceID, expiry)
		if err == nil {
			code, _ := res.(int64)
			switch code {
			case 2:
				metrics.SlotAcquireCounter.WithLabelValues("refreshed").Inc()
			case 1:
				metrics.SlotAcquireCounter.WithLabelValues("granted").Inc()
			default:
				metrics.SlotAcquireCounter.WithLabelValues("denied").Inc()
			}
			span.SetAttributes(attribute.Int64("crowdlock.result", code))
			return code > 0, nil
		}
		lastErr = err
		if !crowderrors.IsTransient(err) || attempt == m.maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			lastErr = crowderrors.NewStoreError("acquire", ctx.Err())
			break attempts
		case <-time.After(m.backoff * time.Duration(attempt)):
		}
	}
	metrics.SlotAcquireCounter.WithLabelValues("error").Inc()
	m.storeFailed("acquire", lastErr)
	span.RecordError(lastErr)
	if !errors.Is(lastErr, crowderrors.ErrStoreUnavailable) {
		lastErr = crowderrors.NewStoreError("acquire", lastErr)
	}
	return false, lastErr
}

// HasSlot reports whether holderID currently owns a live slot on resourceID.
func (m *Manager) HasSlot(ctx context.Context, resourceID, holderID string) (bool, error) {
	ok, err := m.store.Exists(ctx, m.keys.Slot(resourceID, holderID))
	if err != nil {
		m.storeFailed("has_slot", err)
		return false, err
	}
	return ok, nil
}

// CanAcquire reports whether AcquireSlot would currently succeed for
// holderID, without mutating anything.
func (m *Manager) CanAcquire(ctx context.Context, resourceID, holderID string, limit int) (bool, error) {
	if limit < 1 {
		return false, ErrInvalidLimit
	}
	occ, err := m.Occupancy(ctx, holderID, []string{resourceID})
	if err != nil {
		return false, err
	}
	return !occ[resourceID].Full(limit), nil
}

// Occupancy reads the slot state of many resources in one round-trip.
func (m *Manager) Occupancy(ctx context.Context, holderID string, resourceIDs []string) (map[string]Occupancy, error) {
	out := make(map[string]Occupancy, len(resourceIDs))
	if len(resourceIDs) == 0 {
		return out, nil
	}
	ctx, span := m.span(ctx, "Lock.Occupancy", attribute.Int("crowdlock.resources", len(resourceIDs)))
	defer span.End()

	calls := make([]adapter.ScriptCall, len(resourceIDs))
	for i, id := range resourceIDs {
		calls[i] = adapter.ScriptCall{
			Script: occupancyScript,
			Keys:   []string{m.keys.Holders(id), m.keys.Slot(id, holderID)},
			Args:   []any{m.keys.SlotPrefix(id)},
		}
	}
	res, err := m.store.EvalMany(ctx, calls)
	if err != nil {
		m.storeFailed("occupancy", err)
		span.RecordError(err)
		return nil, err
	}
	for i, id := range resourceIDs {
		vals, _ := res[i].([]any)
		var occ Occupancy
		if len(vals) == 2 {
			held, _ := vals[0].(int64)
			live, _ := vals[1].(int64)
			occ = Occupancy{Held: held == 1, Live: int(live)}
		}
		out[id] = occ
	}
	return out, nil
}

// ReleaseSlot removes the slot of holderID on resourceID together with its
// index entry. Releasing a slot that does not exist is a no-op.
func (m *Manager) ReleaseSlot(ctx context.Context, resourceID, holderID string) error {
	ctx, span := m.span(ctx, "Lock.ReleaseSlot",
		attribute.String("crowdlock.resource", resourceID),
		attribute.String("crowdlock.holder", holderID))
	defer span.End()

	err := m.store.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, m.keys.Slot(resourceID, holderID))
		pipe.SRem(ctx, m.keys.Holders(resourceID), holderID)
		pipe.HDel(ctx, m.keys.Index(holderID), resourceID)
		return nil
	})
	if err != nil {
		m.storeFailed("release", err)
		span.RecordError(err)
		return err
	}
	metrics.SlotReleaseCounter.Inc()
	return nil
}

// HeldBy returns the resources on which holderID owns a live slot. Stale
// index entries are skipped.
func (m *Manager) HeldBy(ctx context.Context, holderID string) ([]string, error) {
	entries, err := m.store.HGetAll(ctx, m.keys.Index(holderID))
	if err != nil {
		m.storeFailed("held_by", err)
		return nil, err
	}
	var held []string
	for resourceID := range entries {
		ok, err := m.store.Exists(ctx, m.keys.Slot(resourceID, holderID))
		if err != nil {
			m.storeFailed("held_by", err)
			return nil, err
		}
		if ok {
			held = append(held, resourceID)
		}
	}
	return held, nil
}

// ReleaseAllSlotsFor releases every slot recorded in the index of holderID
// and returns the resources that were still held. Index entries whose slot
// already expired are dropped silently.
func (m *Manager) ReleaseAllSlotsFor(ctx context.Context, holderID string) ([]string, error) {
	ctx, span := m.span(ctx, "Lock.ReleaseAllSlotsFor", attribute.String("crowdlock.holder", holderID))
	defer span.End()

	entries, err := m.store.HGetAll(ctx, m.keys.Index(holderID))
	if err != nil {
		m.storeFailed("release_all", err)
		span.RecordError(err)
		return nil, err
	}
	var released []string
	for resourceID := range entries {
		ok, err := m.store.Exists(ctx, m.keys.Slot(resourceID, holderID))
		if err != nil {
			m.storeFailed("release_all", err)
			return released, err
		}
		if !ok {
			if err := m.store.HDel(ctx, m.keys.Index(holderID), resourceID); err != nil {
				m.storeFailed("release_all", err)
				return released, err
			}
			continue
		}
		if err := m.ReleaseSlot(ctx, resourceID, holderID); err != nil {
			return released, err
		}
		released = append(released, resourceID)
	}
	m.logger.Debug("crowdlock: released holder slots",
		zap.String("holder", holderID), zap.Strings("resources", released))
	return released, nil
}
