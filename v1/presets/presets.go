// Package presets wires crowdlock components into ready to use stacks.
package presets

import (
	"context"
	"errors"
	"fmt"

	"github.com/IBM/sarama"
	"github.com/nats-io/nats.go"
	"github.com/prometheus/client_golang/prometheus"
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/mirkobrombin/go-crowdlock/v1/adapter"
	"github.com/mirkobrombin/go-crowdlock/v1/cache"
	"github.com/mirkobrombin/go-crowdlock/v1/config"
	"github.com/mirkobrombin/go-crowdlock/v1/guard"
	"github.com/mirkobrombin/go-crowdlock/v1/httpapi"
	"github.com/mirkobrombin/go-crowdlock/v1/lock"
	"github.com/mirkobrombin/go-crowdlock/v1/logging"
	"github.com/mirkobrombin/go-crowdlock/v1/metrics"
	"github.com/mirkobrombin/go-crowdlock/v1/scheduler"
	"github.com/mirkobrombin/go-crowdlock/v1/submission"
	"github.com/mirkobrombin/go-crowdlock/v1/syncbus"
	"github.com/mirkobrombin/go-crowdlock/v1/task"
)

// RedisOptions configures the connection to Redis.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// NewRedis returns a scheduler and a validator sharing one Redis lock store
// and an in-process bus. Suitable for a single node or for tests.
func NewRedis(opts RedisOptions, repo task.Repository) (*scheduler.Scheduler, *submission.Validator) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	store := adapter.NewRedisLockStore(client)
	locks := lock.NewManager(store)
	g := guard.New(store)
	bus := syncbus.NewInMemoryBus()
	s := scheduler.New(repo, locks, g, scheduler.WithBus(bus))
	v := submission.New(repo, g, locks, submission.WithBus(bus), submission.WithInvalidator(s))
	return s, v
}

// Stack is a fully wired crowdlock node.
type Stack struct {
	Config    *config.Config
	Logger    *zap.Logger
	Registry  *prometheus.Registry
	Redis     redis.UniversalClient
	Store     *adapter.RedisLockStore
	Repo      task.Repository
	Locks     *lock.Manager
	Guard     *guard.Guard
	Bus       syncbus.Bus
	Scheduler *scheduler.Scheduler
	Validator *submission.Validator
	Server    *httpapi.Server

	closers []func() error
}

// BuildOption overrides parts of a Stack.
type BuildOption func(*buildOptions)

type buildOptions struct {
	logger *zap.Logger
	client redis.UniversalClient
	repo   task.Repository
}

// WithLogger uses l instead of building one from the configuration.
func WithLogger(l *zap.Logger) BuildOption {
	return func(o *buildOptions) { o.logger = l }
}

// WithRedisClient uses client instead of dialing the configured address.
// The caller keeps ownership of client.
func WithRedisClient(client redis.UniversalClient) BuildOption {
	return func(o *buildOptions) { o.client = client }
}

// WithRepository uses repo instead of opening the configured database.
func WithRepository(repo task.Repository) BuildOption {
	return func(o *buildOptions) { o.repo = repo }
}

// Build wires a Stack from cfg. Close releases everything Build opened.
func Build(cfg *config.Config, opts ...BuildOption) (st *Stack, err error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o buildOptions
	for _, opt := range opts {
		opt(&o)
	}
	st = &Stack{Config: cfg}
	defer func() {
		if err != nil {
			_ = st.Close()
			st = nil
		}
	}()

	st.Logger = o.logger
	if st.Logger == nil {
		if st.Logger, err = logging.New(cfg.Log); err != nil {
			return st, fmt.Errorf("logger: %w", err)
		}
		st.onClose(func() error { _ = st.Logger.Sync(); return nil })
	}
	st.Registry = metrics.NewRegistry()
	metrics.RegisterSchedulerMetrics(st.Registry)

	st.Redis = o.client
	if st.Redis == nil {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		st.Redis = client
		st.onClose(client.Close)
	}
	st.Store = adapter.NewRedisLockStore(st.Redis, adapter.WithTimeout(cfg.Redis.OpTimeout))

	st.Repo = o.repo
	if st.Repo == nil {
		db, err := adapter.OpenDB(cfg.Database.Driver, cfg.Database.DSN,
			adapter.WithGormLogger(logging.NewGormLogger(st.Logger, cfg.Database.SlowThreshold)),
			adapter.WithPool(cfg.Database.MaxIdleConns, cfg.Database.MaxOpenConns, cfg.Database.ConnMaxLifetime))
		if err != nil {
			return st, fmt.Errorf("database: %w", err)
		}
		repo, err := adapter.NewGormRepository(db)
		if err != nil {
			return st, fmt.Errorf("database: %w", err)
		}
		st.Repo = repo
		st.onClose(repo.Close)
	}

	lockOpts := []lock.Option{
		lock.WithPrefix(cfg.Redis.Prefix),
		lock.WithLogger(st.Logger.Named("lock")),
		lock.WithMaxAttempts(cfg.Scheduler.MaxAttempts),
		lock.WithBackoff(cfg.Scheduler.RetryBackoff),
	}
	if cfg.Tracing.Enabled {
		lockOpts = append(lockOpts, lock.WithTracing())
	}
	st.Locks = lock.NewManager(st.Store, lockOpts...)
	st.Guard = guard.New(st.Store, guard.WithPrefix(cfg.Redis.Prefix), guard.WithLogger(st.Logger.Named("guard")))

	if st.Bus, err = st.newBus(); err != nil {
		return st, fmt.Errorf("bus: %w", err)
	}

	schedOpts := []scheduler.Option{
		scheduler.WithLogger(st.Logger.Named("scheduler")),
		scheduler.WithMaxOffset(cfg.Scheduler.MaxOffset),
	}
	if st.Bus != nil {
		schedOpts = append(schedOpts, scheduler.WithBus(st.Bus))
	}
	if cfg.Tracing.Enabled {
		schedOpts = append(schedOpts, scheduler.WithTracing())
	}
	if cfg.Scheduler.Cache.Enabled {
		c, err := st.newCandidateCache()
		if err != nil {
			return st, fmt.Errorf("candidate cache: %w", err)
		}
		schedOpts = append(schedOpts, scheduler.WithCandidateCache(c, cfg.Scheduler.Cache.TTL))
		if st.Bus == nil {
			st.Logger.Warn("crowdlock: candidate cache without a bus, other nodes see task changes after the cache ttl",
				zap.Duration("ttl", cfg.Scheduler.Cache.TTL))
		}
	}
	st.Scheduler = scheduler.New(st.Repo, st.Locks, st.Guard, schedOpts...)
	st.onClose(func() error { st.Scheduler.Close(); return nil })

	subOpts := []submission.Option{
		submission.WithLogger(st.Logger.Named("submission")),
		submission.WithInvalidator(st.Scheduler),
	}
	if st.Bus != nil {
		subOpts = append(subOpts, submission.WithBus(st.Bus))
	}
	st.Validator = submission.New(st.Repo, st.Guard, st.Locks, subOpts...)

	st.Server = httpapi.New(cfg.Server, st.Scheduler, st.Validator,
		httpapi.WithLogger(st.Logger.Named("http")),
		httpapi.WithGatherer(st.Registry),
		httpapi.WithHealthCheck(st.Store.Ping))
	return st, nil
}

func (st *Stack) onClose(fn func() error) {
	st.closers = append(st.closers, fn)
}

func (st *Stack) newBus() (syncbus.Bus, error) {
	cfg := st.Config
	busOpts := []syncbus.Option{
		syncbus.WithPrefix(cfg.Redis.Prefix),
		syncbus.WithLogger(st.Logger.Named("bus")),
	}
	var bus syncbus.Bus
	switch cfg.Bus.Driver {
	case "", "none":
		return nil, nil
	case "memory":
		bus = syncbus.NewInMemoryBus()
	case "redis":
		rb := syncbus.NewRedisBus(st.Redis, busOpts...)
		st.onClose(rb.Close)
		bus = rb
	case "nats":
		conn, err := nats.Connect(cfg.Bus.NATSURL)
		if err != nil {
			return nil, err
		}
		st.onClose(func() error { conn.Close(); return nil })
		bus = syncbus.NewNATSBus(conn, busOpts...)
	case "kafka":
		kb, err := syncbus.NewKafkaBus(cfg.Bus.KafkaBrokers, sarama.NewConfig(), busOpts...)
		if err != nil {
			return nil, err
		}
		st.onClose(kb.Close)
		bus = kb
	default:
		return nil, fmt.Errorf("unsupported driver %q", cfg.Bus.Driver)
	}
	if cfg.Bus.BreakerThreshold > 0 {
		bus = syncbus.NewCircuitBreaker(bus, cfg.Bus.BreakerThreshold, cfg.Bus.BreakerTimeout)
	}
	return bus, nil
}

func (st *Stack) newCandidateCache() (cache.Cache[[]*task.Task], error) {
	cc := st.Config.Scheduler.Cache
	var inner cache.Cache[[]*task.Task]
	switch cc.Backend {
	case "ristretto":
		opts := []cache.RistrettoOption[[]*task.Task]{
			cache.WithCost(func(ts []*task.Task) int64 { return int64(len(ts)) + 1 }),
		}
		if cc.MaxEntries > 0 {
			opts = append(opts, cache.WithMaxCost[[]*task.Task](int64(cc.MaxEntries)*64))
		}
		rc, err := cache.NewRistretto(opts...)
		if err != nil {
			return nil, err
		}
		st.onClose(func() error { rc.Close(); return nil })
		inner = rc
	default:
		opts := []cache.InMemoryOption[[]*task.Task]{
			cache.WithMetrics[[]*task.Task](st.Registry),
		}
		if cc.MaxEntries > 0 {
			opts = append(opts, cache.WithMaxEntries[[]*task.Task](cc.MaxEntries))
		}
		if st.Config.Tracing.Enabled {
			opts = append(opts, cache.WithTracing[[]*task.Task]())
		}
		mc := cache.NewInMemory(opts...)
		st.onClose(func() error { mc.Close(); return nil })
		inner = mc
	}
	return cache.NewResilient(inner, st.Logger.Named("cache")), nil
}

// Ping checks the lock store.
func (st *Stack) Ping(ctx context.Context) error {
	return st.Store.Ping(ctx)
}

// Close releases resources in reverse opening order.
func (st *Stack) Close() error {
	var errs []error
	for i := len(st.closers) - 1; i >= 0; i-- {
		if err := st.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	st.closers = nil
	return errors.Join(errs...)
}
