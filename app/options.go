package app

import (
	"database/sql"

	"github.com/RezaEskandarii/firequeue/internal/message_broaker"
	"github.com/RezaEskandarii/firequeue/internal/store"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ContainerOption configures Container creation. Used for testing and customization.
type ContainerOption func(*containerConfig)

type containerConfig struct {
	// Optional: inject custom connections instead of creating them from config
	db     *sql.DB
	redis  redis.UniversalClient
	store  store.Store
	broker message_broaker.MessageBroker
	logger *zap.Logger
}

// WithDB injects a custom database connection. Useful for testing.
func WithDB(db *sql.DB) ContainerOption {
	return func(c *containerConfig) {
		c.db = db
	}
}

// WithRedis injects a custom Redis client. Useful for testing.
func WithRedis(client redis.UniversalClient) ContainerOption {
	return func(c *containerConfig) {
		c.redis = client
	}
}

// WithStore skips driver setup and uses s as the storage adapter.
func WithStore(s store.Store) ContainerOption {
	return func(c *containerConfig) {
		c.store = s
	}
}

func WithMessageBroker(b message_broaker.MessageBroker) ContainerOption {
	return func(c *containerConfig) {
		c.broker = b
	}
}

func WithLogger(logger *zap.Logger) ContainerOption {
	return func(c *containerConfig) {
		c.logger = logger
	}
}
