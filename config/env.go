package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

const envPrefix = "FIREQUEUE_"

// environment mirrors the FIREQUEUE_* variables.
type environment struct {
	Instance  string `env:"INSTANCE"`
	Queue     string `env:"QUEUE" envDefault:"default"`
	KeyPrefix string `env:"KEY_PREFIX" envDefault:"firequeue"`

	Storage       string        `env:"STORAGE" envDefault:"postgres"`
	PostgresURL   string        `env:"POSTGRES_URL"`
	RedisAddr     string        `env:"REDIS_ADDR"`
	RedisPassword string        `env:"REDIS_PASSWORD"`
	RedisDB       int           `env:"REDIS_DB"`
	RedisLockTTL  time.Duration `env:"REDIS_LOCK_TTL" envDefault:"1m"`
	PebbleDir     string        `env:"PEBBLE_DIR"`
	PebbleCommit  time.Duration `env:"PEBBLE_GROUP_COMMIT"`

	Workers         int           `env:"WORKERS" envDefault:"4"`
	PollInterval    time.Duration `env:"POLL_INTERVAL" envDefault:"1s"`
	Lease           time.Duration `env:"LEASE" envDefault:"30s"`
	Heartbeat       time.Duration `env:"HEARTBEAT"`
	MaxExecution    time.Duration `env:"MAX_EXECUTION" envDefault:"5m"`
	ShutdownGrace   time.Duration `env:"SHUTDOWN_GRACE" envDefault:"10s"`
	MaxAttempts     int           `env:"MAX_ATTEMPTS" envDefault:"3"`
	ReclaimInterval time.Duration `env:"RECLAIM_INTERVAL" envDefault:"15s"`
	ReclaimBatch    int           `env:"RECLAIM_BATCH" envDefault:"100"`
	PurgeInterval   time.Duration `env:"PURGE_INTERVAL" envDefault:"10m"`
	Retention       time.Duration `env:"RETENTION" envDefault:"168h"`
	HealthInterval  time.Duration `env:"HEALTH_INTERVAL" envDefault:"5s"`
	OutageThreshold time.Duration `env:"OUTAGE_THRESHOLD" envDefault:"30s"`

	ScheduleInterval time.Duration `env:"SCHEDULE_INTERVAL" envDefault:"10s"`
	// name|spec|type[|payload] entries separated by ';'
	Schedules string `env:"SCHEDULES"`

	APIAddr  string `env:"API_ADDR"`
	APIToken string `env:"API_TOKEN"`

	MQDriver         string `env:"MQ_DRIVER" envDefault:"rabbitmq"`
	RabbitMQURL      string `env:"RABBITMQ_URL"`
	RabbitMQExchange string `env:"RABBITMQ_EXCHANGE"`
	RabbitMQQueue    string `env:"RABBITMQ_QUEUE"`
	RabbitMQRouteKey string `env:"RABBITMQ_ROUTING_KEY"`
	UseQueueWriter   bool   `env:"USE_QUEUE_WRITER"`

	LogDevelopment bool `env:"LOG_DEVELOPMENT"`
}

// FromEnv builds a Config from FIREQUEUE_* environment variables. Extra
// options are applied after the environment and win over it.
func FromEnv(opts ...Option) (*Config, error) {
	return fromEnv(nil, opts...)
}

func fromEnv(vars map[string]string, opts ...Option) (*Config, error) {
	var e environment
	parseOpts := env.Options{Prefix: envPrefix}
	if vars != nil {
		parseOpts.Environment = vars
	}
	if err := env.ParseWithOptions(&e, parseOpts); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	envOpts, err := e.options()
	if err != nil {
		return nil, err
	}

	instance := e.Instance
	if instance == "" {
		instance, _ = os.Hostname()
	}
	return New(instance, append(envOpts, opts...)...)
}

func (e environment) options() ([]Option, error) {
	driver, err := ParseStorageDriver(e.Storage)
	if err != nil {
		return nil, err
	}

	opts := []Option{
		WithQueue(e.Queue),
		WithKeyPrefix(e.KeyPrefix),
		WithWorkerCount(e.Workers),
		WithPollInterval(e.PollInterval),
		WithLease(e.Lease, e.Heartbeat),
		WithMaxExecution(e.MaxExecution),
		WithShutdownGrace(e.ShutdownGrace),
		WithDefaultAttempts(e.MaxAttempts),
		WithReclaim(e.ReclaimInterval, e.ReclaimBatch),
		WithRetention(e.Retention, e.PurgeInterval),
		WithHealthInterval(e.HealthInterval),
		WithOutageThreshold(e.OutageThreshold),
		WithScheduleInterval(e.ScheduleInterval),
		WithLogDevelopment(e.LogDevelopment),
	}

	switch driver {
	case Memory:
		opts = append(opts, WithMemoryStorage())
	case Postgres:
		opts = append(opts, WithPostgresConfig(PostgresConfig{ConnectionUrl: e.PostgresURL}))
	case Redis:
		opts = append(opts, WithRedisConfig(RedisConfig{
			Address:  e.RedisAddr,
			Password: e.RedisPassword,
			DB:       e.RedisDB,
			LockTTL:  e.RedisLockTTL,
		}))
	case Pebble:
		opts = append(opts, WithPebbleConfig(PebbleConfig{DataDir: e.PebbleDir, GroupCommit: e.PebbleCommit}))
	}

	schedules, err := parseSchedules(e.Schedules)
	if err != nil {
		return nil, err
	}
	for _, s := range schedules {
		opts = append(opts, WithSchedule(s))
	}

	if e.APIAddr != "" {
		opts = append(opts, WithAPI(e.APIAddr, e.APIToken))
	}

	if e.RabbitMQURL != "" {
		if _, err := ParseMessageQueueDriver(e.MQDriver); err != nil {
			return nil, err
		}
		opts = append(opts, WithRabbitMQConfig(RabbitMQConfig{
			URL:        e.RabbitMQURL,
			Exchange:   e.RabbitMQExchange,
			Queue:      e.RabbitMQQueue,
			RoutingKey: e.RabbitMQRouteKey,
		}))
	}
	opts = append(opts, UseRabbitMQueueWriter(e.UseQueueWriter))
	return opts, nil
}

// parseSchedules reads "name|spec|type[|payload[|max_attempts]]" entries separated by ';'.
func parseSchedules(raw string) ([]Schedule, error) {
	var schedules []Schedule
	for _, item := range strings.Split(raw, ";") {
		item = strings.TrimSpace(item)
		if item == "" {
			continue
		}
		parts := strings.Split(item, "|")
		if len(parts) < 3 || len(parts) > 5 {
			return nil, fmt.Errorf("invalid schedule '%s': want name|spec|type[|payload[|max_attempts]]", item)
		}
		s := Schedule{
			Name:    strings.TrimSpace(parts[0]),
			Spec:    strings.TrimSpace(parts[1]),
			JobType: strings.TrimSpace(parts[2]),
		}
		if len(parts) > 3 {
			s.Payload = parts[3]
		}
		if len(parts) > 4 {
			n, err := strconv.Atoi(strings.TrimSpace(parts[4]))
			if err != nil {
				return nil, fmt.Errorf("invalid schedule '%s': max attempts: %w", item, err)
			}
			s.MaxAttempts = n
		}
		schedules = append(schedules, s)
	}
	return schedules, nil
}
