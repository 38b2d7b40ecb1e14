package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/RezaEskandarii/firequeue/config"
	"github.com/RezaEskandarii/firequeue/internal/api"
	"github.com/RezaEskandarii/firequeue/internal/ingress"
	"github.com/RezaEskandarii/firequeue/internal/lock"
	"github.com/RezaEskandarii/firequeue/internal/message_broaker"
	"github.com/RezaEskandarii/firequeue/internal/metrics"
	"github.com/RezaEskandarii/firequeue/internal/schedule"
	"github.com/RezaEskandarii/firequeue/internal/store"
	"github.com/RezaEskandarii/firequeue/internal/store/memory"
	pebblestore "github.com/RezaEskandarii/firequeue/internal/store/pebble"
	"github.com/RezaEskandarii/firequeue/internal/store/postgres"
	redisstore "github.com/RezaEskandarii/firequeue/internal/store/redis"
	"github.com/RezaEskandarii/firequeue/internal/sweeper"
	"github.com/RezaEskandarii/firequeue/queue"
	"github.com/RezaEskandarii/firequeue/worker"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Container holds all application dependencies. It is the single source of truth
// for dependency injection and ensures connections and services are created once.
type Container struct {
	Config *config.Config
	Logger *zap.Logger

	// Storage connections, set only for the drivers that use them
	DB    *sql.DB
	Redis redis.UniversalClient

	Store       store.Store
	Health      *store.HealthMonitor
	LockManager lock.DistributedLockManager

	Observer *metrics.Observer
	Registry *prometheus.Registry
	Engine   *queue.Engine
	// Producer is where new jobs go: the engine itself, or the broker when
	// the queue writer is enabled.
	Producer queue.Producer

	MessageBroker message_broaker.MessageBroker
	Bridge        *ingress.Bridge

	JobHandler *worker.JobHandler
	Runtime    *worker.Runtime
	Reaper     *sweeper.Reaper
	Purger     *sweeper.Purger
	Scheduler  *schedule.Scheduler
	API        *api.Server
}

// NewContainer creates and wires all dependencies. Single entry point for DI.
// Call this once per application lifecycle.
func NewContainer(ctx context.Context, cfg *config.Config, opts ...ContainerOption) (*Container, error) {
	if cfg == nil {
		return nil, errors.New("config is required")
	}
	opt := &containerConfig{}
	for _, o := range opts {
		o(opt)
	}

	logger := opt.logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("instance", cfg.Instance), zap.String("queue", cfg.Queue))

	c := &Container{Config: cfg, Logger: logger, JobHandler: worker.NewJobHandler()}
	if err := c.initStorage(ctx, opt); err != nil {
		return nil, err
	}
	if err := c.wire(opt); err != nil {
		_ = c.Close()
		return nil, err
	}
	return c, nil
}

// initStorage opens the configured adapter and the lock manager that matches it.
func (c *Container) initStorage(ctx context.Context, opt *containerConfig) error {
	cfg := c.Config
	if opt.store != nil {
		c.Store = opt.store
		c.LockManager = lock.NewLocalLockManager()
		return nil
	}

	switch cfg.StorageDriver {
	case config.Memory:
		c.Store = memory.New()
		c.LockManager = lock.NewLocalLockManager()

	case config.Postgres:
		db := opt.db
		if db == nil {
			var err error
			if db, err = postgres.Open(cfg.PostgresConfig.ConnectionUrl); err != nil {
				return err
			}
		}
		pg := postgres.New(db)
		c.DB = db
		c.Store = pg
		c.LockManager = lock.NewPostgresDistributedLockManager(db)

		if err := postgres.Migrate(ctx, db, c.LockManager, c.Logger); err != nil {
			_ = pg.Close()
			return fmt.Errorf("migrate postgres: %w", err)
		}
		if opt.db == nil {
			if err := pg.Listen(cfg.PostgresConfig.ConnectionUrl, c.Logger); err != nil {
				c.Logger.Warn("postgres notifications unavailable, falling back to polling", zap.Error(err))
			}
		}

	case config.Redis:
		var rs *redisstore.Store
		if opt.redis != nil {
			rs = redisstore.New(opt.redis)
		} else {
			var err error
			rs, err = redisstore.Open(ctx, cfg.RedisConfig.Address, cfg.RedisConfig.Password, cfg.RedisConfig.DB)
			if err != nil {
				return fmt.Errorf("init redis: %w", err)
			}
		}
		c.Redis = rs.Client()
		c.Store = rs
		c.LockManager = lock.NewRedisDistributedLockManager(rs.Client(), cfg.KeyPrefix, cfg.RedisConfig.LockTTL)

	case config.Pebble:
		ps, err := pebblestore.Open(pebblestore.Options{
			DataDir:     cfg.PebbleConfig.DataDir,
			GroupCommit: cfg.PebbleConfig.GroupCommit,
		})
		if err != nil {
			return err
		}
		c.Store = ps
		// pebble is single-process, an in-process lock is enough
		c.LockManager = lock.NewLocalLockManager()

	default:
		return fmt.Errorf("unsupported storage driver: %v", cfg.StorageDriver)
	}
	return nil
}

func (c *Container) wire(opt *containerConfig) error {
	cfg := c.Config
	logger := c.Logger

	c.Health = store.NewHealthMonitor(c.Store, cfg.HealthInterval, logger)
	c.Observer = metrics.NewObserver()

	engine, err := queue.New(c.Store, cfg.Queue,
		queue.WithLogger(logger),
		queue.WithObserver(c.Observer),
		queue.WithHealth(c.Health),
		queue.WithOutageThreshold(cfg.OutageThreshold),
		queue.WithKeyPrefix(cfg.KeyPrefix),
		queue.WithReclaimBatchSize(cfg.ReclaimBatchSize),
	)
	if err != nil {
		return fmt.Errorf("init queue engine: %w", err)
	}
	c.Engine = engine
	c.Producer = engine
	c.Registry = metrics.NewRegistry(c.Observer, engine)

	if err := c.initBroker(opt); err != nil {
		return err
	}

	workerOpts := []worker.Option{
		worker.WithConcurrency(cfg.WorkerCount),
		worker.WithPollInterval(cfg.PollInterval),
		worker.WithLeaseDuration(cfg.LeaseDuration),
		worker.WithMaxExecution(cfg.MaxExecution),
		worker.WithShutdownGrace(cfg.ShutdownGrace),
		worker.WithLogger(logger),
	}
	if cfg.HeartbeatInterval > 0 {
		workerOpts = append(workerOpts, worker.WithHeartbeatInterval(cfg.HeartbeatInterval))
	}
	if c.Runtime, err = worker.New(engine, c.JobHandler, workerOpts...); err != nil {
		return fmt.Errorf("init worker runtime: %w", err)
	}

	c.Reaper = sweeper.NewReaper(engine, c.LockManager, cfg.ReclaimInterval, logger)
	c.Purger = sweeper.NewPurger(c.Store, engine.Keys(), c.LockManager, cfg.Retention, cfg.PurgeInterval, logger)

	c.Scheduler = schedule.New(engine, c.Store, engine.Keys(), cfg.ScheduleInterval, logger)
	for _, s := range cfg.Schedules {
		if err := c.Scheduler.Add(schedule.Entry{
			Name:        s.Name,
			Spec:        s.Spec,
			JobType:     s.JobType,
			Payload:     []byte(s.Payload),
			MaxAttempts: s.MaxAttempts,
		}); err != nil {
			return err
		}
	}

	if cfg.APIEnabled {
		c.API, err = api.NewServer(engine,
			api.WithAddr(cfg.APIAddr),
			api.WithAuthToken(cfg.APIToken),
			api.WithLogger(logger),
			api.WithGatherer(c.Registry),
			api.WithDefaultLease(cfg.LeaseDuration),
			api.WithDefaultMaxAttempts(cfg.DefaultAttempts),
		)
		if err != nil {
			return fmt.Errorf("init api: %w", err)
		}
	}
	return nil
}

func (c *Container) initBroker(opt *containerConfig) error {
	cfg := c.Config
	if !cfg.IngressEnabled() {
		return nil
	}

	broker := opt.broker
	if broker == nil {
		rc := cfg.RabbitMQConfig
		mBroker, err := message_broaker.NewRabbitMQ(rc.URL, rc.Exchange, rc.Queue, rc.RoutingKey)
		if err != nil {
			return fmt.Errorf("init rabbitmq: %w", err)
		}
		broker = mBroker
	}
	c.MessageBroker = broker
	c.Bridge = ingress.NewBridge(broker, cfg.RabbitMQConfig.Queue, c.Engine, c.Logger)
	if cfg.UseQueueWriter {
		c.Producer = ingress.NewPublisher(broker, cfg.RabbitMQConfig.Queue)
	}
	return nil
}

// RegisterHandler binds a job type to the function that executes it.
func (c *Container) RegisterHandler(jobType string, fn worker.HandlerFunc) error {
	return c.Runtime.RegisterHandler(jobType, fn)
}

// Enqueue hands a job to the configured producer.
func (c *Container) Enqueue(ctx context.Context, jobType string, payload []byte, maxAttempts int) (string, error) {
	if maxAttempts == 0 {
		maxAttempts = c.Config.DefaultAttempts
	}
	return c.Producer.Enqueue(ctx, jobType, payload, maxAttempts)
}

// Run starts the worker and every background service of this instance and
// blocks until ctx is cancelled or one of them fails.
func (c *Container) Run(ctx context.Context) error {
	if len(c.JobHandler.List()) == 0 {
		c.Logger.Warn("no job handlers registered, leased jobs will fail")
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		c.Health.Run(ctx)
		return nil
	})
	g.Go(func() error { return c.Runtime.Run(ctx) })
	g.Go(func() error { return c.Reaper.Run(ctx) })
	g.Go(func() error { return c.Purger.Run(ctx) })
	if c.Scheduler.Len() > 0 {
		g.Go(func() error { return c.Scheduler.Run(ctx) })
	}
	if c.Bridge != nil {
		g.Go(func() error { return c.Bridge.Run(ctx) })
	}
	if c.API != nil {
		g.Go(func() error { return c.API.Run(ctx) })
	}
	return g.Wait()
}

// Close releases the broker connection and the storage adapter, which owns
// the database or redis connection.
func (c *Container) Close() error {
	var errs []error
	if c.MessageBroker != nil {
		errs = append(errs, c.MessageBroker.Close())
	}
	if c.Store != nil {
		errs = append(errs, c.Store.Close())
	}
	return errors.Join(errs...)
}
