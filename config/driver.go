package config

import (
	"fmt"
	"strings"
)

type StorageDriver int

const (
	Memory StorageDriver = iota + 1
	Postgres
	Redis
	Pebble
)

// String converts the StorageDriver enum to a human-readable string.
func (d StorageDriver) String() string {
	switch d {
	case Memory:
		return "memory"
	case Postgres:
		return "postgres"
	case Redis:
		return "redis"
	case Pebble:
		return "pebble"
	}
	return "unknown"
}

func ParseStorageDriver(s string) (StorageDriver, error) {
	for _, d := range []StorageDriver{Memory, Postgres, Redis, Pebble} {
		if strings.EqualFold(strings.TrimSpace(s), d.String()) {
			return d, nil
		}
	}
	return 0, fmt.Errorf("unknown storage driver '%s'", s)
}

type MessageQueueDriver int

const (
	RabbitMQ MessageQueueDriver = iota + 1
)

func (d MessageQueueDriver) String() string {
	switch d {
	case RabbitMQ:
		return "rabbitmq"
	default:
		return "unknown"
	}
}

func ParseMessageQueueDriver(s string) (MessageQueueDriver, error) {
	if strings.EqualFold(strings.TrimSpace(s), RabbitMQ.String()) {
		return RabbitMQ, nil
	}
	return 0, fmt.Errorf("unknown message queue driver '%s'", s)
}
