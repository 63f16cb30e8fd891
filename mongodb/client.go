package mongodb

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"
	"go.opentelemetry.io/contrib/instrumentation/go.mongodb.org/mongo-driver/mongo/otelmongo"

	nucleus "go.pilab.hu/nucleus"
	"go.pilab.hu/nucleus/log"
)

// Store is the MongoDB backed code and user store. It owns its client:
// open it at start-up with Connect and release it with Close.
type Store struct {
	client *mongo.Client
	*AuthCodeRepository
	*UserRepository
}

var (
	_ nucleus.CodeStore = (*Store)(nil)
	_ nucleus.UserStore = (*Store)(nil)
)

// Connect dials uri, verifies the primary is reachable and makes sure the
// indexes exist.
func Connect(ctx context.Context, uri, dbName string, logger log.Logger) (*Store, error) {
	if logger == nil {
		logger = log.NewNopLogger()
	}

	clientOptions := options.Client().
		ApplyURI(uri).
		SetConnectTimeout(10 * time.Second).
		SetServerSelectionTimeout(10 * time.Second).
		SetMonitor(otelmongo.NewMonitor())

	client, err := mongo.Connect(ctx, clientOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to MongoDB: %w", err)
	}

	store, err := openStore(ctx, client, dbName)
	if err != nil {
		return nil, err
	}

	logger.Info(ctx, "MongoDB client connected", map[string]interface{}{"database": dbName})
	return store, nil
}

// openStore pings and prepares the database. The client is disconnected
// on any failure.
func openStore(ctx context.Context, client *mongo.Client, dbName string) (*Store, error) {
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.WithoutCancel(ctx))
		return nil, fmt.Errorf("failed to ping MongoDB primary: %w", err)
	}

	store, err := NewStore(ctx, client, client.Database(dbName))
	if err != nil {
		_ = client.Disconnect(context.WithoutCancel(ctx))
		return nil, err
	}
	return store, nil
}

// NewStore builds a store on an already connected client.
func NewStore(ctx context.Context, client *mongo.Client, db *mongo.Database) (*Store, error) {
	codes, err := NewAuthCodeRepository(ctx, db)
	if err != nil {
		return nil, err
	}
	users, err := NewUserRepository(ctx, db)
	if err != nil {
		return nil, err
	}
	return &Store{client: client, AuthCodeRepository: codes, UserRepository: users}, nil
}

// Ping checks the primary with a short timeout.
func (s *Store) Ping(ctx context.Context) error {
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return s.client.Ping(pingCtx, readpref.Primary())
}

// Close disconnects the client.
func (s *Store) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.client.Disconnect(ctx)
}
