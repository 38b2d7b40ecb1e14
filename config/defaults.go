package config

import (
	"time"

	"github.com/RezaEskandarii/firequeue/internal/constants"
)

const (
	DefaultStorageDriver    = Postgres
	DefaultQueue            = constants.DefaultQueue
	DefaultKeyPrefix        = constants.DefaultKeyPrefix
	DefaultMaxAttempts      = constants.DefaultMaxAttempts
	DefaultWorkerCount      = 4
	DefaultPollInterval     = time.Second
	DefaultLeaseDuration    = 30 * time.Second
	DefaultMaxExecution     = 5 * time.Minute
	DefaultShutdownGrace    = 10 * time.Second
	DefaultReclaimInterval  = 15 * time.Second
	DefaultReclaimBatchSize = 100
	DefaultPurgeInterval    = 10 * time.Minute
	DefaultRetention        = 7 * 24 * time.Hour
	DefaultScheduleInterval = 10 * time.Second
	DefaultHealthInterval   = 5 * time.Second
	DefaultOutageThreshold  = 30 * time.Second
	DefaultAPIAddr          = ":8080"
	DefaultRabbitMQQueue    = "firequeue_jobs"
	DefaultRabbitMQExchange = "firequeue_exchange"
	DefaultRabbitMQRouteKey = "jobs.enqueue"
	DefaultRedisLockTTL     = time.Minute
)
