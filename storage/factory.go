// Package storage picks and opens the configured code and user store.
package storage

import (
	"context"
	"fmt"
	"strings"

	nucleus "go.pilab.hu/nucleus"
	"go.pilab.hu/nucleus/log"
	"go.pilab.hu/nucleus/memory"
	"go.pilab.hu/nucleus/mongodb"
	"go.pilab.hu/nucleus/redisstore"
	"go.pilab.hu/nucleus/sqlite"
)

type Driver string

const (
	DriverMemory Driver = "memory"
	DriverSQLite Driver = "sqlite"
	DriverMongo  Driver = "mongo"
	DriverRedis  Driver = "redis"
)

// Store is what the server needs from a backend.
type Store interface {
	nucleus.CodeStore
	nucleus.UserStore
	Ping(ctx context.Context) error
	Close() error
}

// Config selects a driver and carries the settings of every backend; only
// the selected driver's fields are read.
type Config struct {
	Driver Driver

	SQLiteDSN   string
	AutoMigrate bool

	MongoURI    string
	MongoDBName string

	Redis redisstore.Config
}

// ParseDriver accepts the driver names case-insensitively. "mongodb" is an
// alias for mongo.
func ParseDriver(s string) (Driver, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", string(DriverMemory):
		return DriverMemory, nil
	case string(DriverSQLite):
		return DriverSQLite, nil
	case string(DriverMongo), "mongodb":
		return DriverMongo, nil
	case string(DriverRedis):
		return DriverRedis, nil
	default:
		return "", fmt.Errorf("unknown storage driver %q", s)
	}
}

// Open connects the backend named by cfg.Driver.
func Open(ctx context.Context, cfg Config, logger log.Logger) (Store, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}

	switch cfg.Driver {
	case DriverMemory, "":
		logger.Warn(ctx, "Using in-memory storage, data is lost on restart", nil)
		return memory.New(), nil
	case DriverSQLite:
		s, err := sqlite.Open(ctx, cfg.SQLiteDSN, cfg.AutoMigrate)
		if err != nil {
			return nil, err
		}
		return s, nil
	case DriverMongo:
		s, err := mongodb.Connect(ctx, cfg.MongoURI, cfg.MongoDBName, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	case DriverRedis:
		s, err := redisstore.Open(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}
