package mongodb

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	nucleus "go.pilab.hu/nucleus"
)

type UserRepository struct {
	users *mongo.Collection
}

// NewUserRepository ensures the unique email index.
func NewUserRepository(ctx context.Context, db *mongo.Database) (*UserRepository, error) {
	r := &UserRepository{users: db.Collection(UsersCollection)}

	_, err := r.users.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "email", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create indexes for %s: %w", UsersCollection, err)
	}
	return r, nil
}

func (r *UserRepository) CreateUser(ctx context.Context, user *nucleus.User) error {
	doc := *user
	doc.CreatedAt = user.CreatedAt.UTC()
	if _, err := r.users.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nucleus.ErrEmailTaken
		}
		return fmt.Errorf("failed to create user: %w", err)
	}
	return nil
}

func (r *UserRepository) GetUserByID(ctx context.Context, id string) (*nucleus.User, error) {
	return r.findOne(ctx, bson.M{"_id": id})
}

func (r *UserRepository) GetUserByEmail(ctx context.Context, email string) (*nucleus.User, error) {
	return r.findOne(ctx, bson.M{"email": email})
}

func (r *UserRepository) findOne(ctx context.Context, filter bson.M) (*nucleus.User, error) {
	var u nucleus.User
	err := r.users.FindOne(ctx, filter).Decode(&u)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nucleus.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve user: %w", err)
	}
	u.CreatedAt = u.CreatedAt.UTC()
	return &u, nil
}
