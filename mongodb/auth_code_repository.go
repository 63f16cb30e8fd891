package mongodb

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	nucleus "go.pilab.hu/nucleus"
)

type AuthCodeRepository struct {
	authCodes *mongo.Collection
}

// NewAuthCodeRepository ensures a unique index on code and secondary
// indexes for the sweep and count queries.
func NewAuthCodeRepository(ctx context.Context, db *mongo.Database) (*AuthCodeRepository, error) {
	r := &AuthCodeRepository{authCodes: db.Collection(CodesCollection)}

	_, err := r.authCodes.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{Keys: bson.D{{Key: "code", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "expires_at", Value: 1}}},
		{Keys: bson.D{{Key: "used", Value: 1}}},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create indexes for %s: %w", CodesCollection, err)
	}
	return r, nil
}

func (r *AuthCodeRepository) Create(ctx context.Context, code *nucleus.AuthorizationCode) error {
	if code.Code == "" {
		return errors.New("auth code value cannot be empty")
	}

	doc := *code
	doc.Used = false
	doc.ExpiresAt = code.ExpiresAt.UTC()
	doc.CreatedAt = code.CreatedAt.UTC()

	if _, err := r.authCodes.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return nucleus.ErrCodeConflict
		}
		return fmt.Errorf("failed to save authorization code: %w", err)
	}
	return nil
}

func (r *AuthCodeRepository) FindUnused(ctx context.Context, code string) (*nucleus.AuthorizationCode, error) {
	var rec nucleus.AuthorizationCode
	err := r.authCodes.FindOne(ctx, bson.M{"code": code, "used": false}).Decode(&rec)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, nucleus.ErrCodeNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to retrieve authorization code: %w", err)
	}
	rec.ExpiresAt = rec.ExpiresAt.UTC()
	rec.CreatedAt = rec.CreatedAt.UTC()
	return &rec, nil
}

// MarkUsed filters on used=false so the server applies the flip at most
// once per document.
func (r *AuthCodeRepository) MarkUsed(ctx context.Context, code string) error {
	result, err := r.authCodes.UpdateOne(ctx,
		bson.M{"code": code, "used": false},
		bson.M{"$set": bson.M{"used": true}},
	)
	if err != nil {
		return fmt.Errorf("failed to mark authorization code as used: %w", err)
	}
	if result.ModifiedCount == 1 {
		return nil
	}

	n, err := r.authCodes.CountDocuments(ctx, bson.M{"code": code})
	if err != nil {
		return fmt.Errorf("failed to look up authorization code: %w", err)
	}
	if n == 0 {
		return nucleus.ErrCodeNotFound
	}
	return nucleus.ErrCodeAlreadyUsed
}

func (r *AuthCodeRepository) Sweep(ctx context.Context, now time.Time) (int64, error) {
	res, err := r.authCodes.DeleteMany(ctx, bson.M{"expires_at": bson.M{"$lt": now.UTC()}})
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired authorization codes: %w", err)
	}
	return res.DeletedCount, nil
}

func (r *AuthCodeRepository) CountActive(ctx context.Context, now time.Time) (int64, error) {
	n, err := r.authCodes.CountDocuments(ctx, bson.M{
		"used":       false,
		"expires_at": bson.M{"$gt": now.UTC()},
	})
	if err != nil {
		return 0, fmt.Errorf("failed to count authorization codes: %w", err)
	}
	return n, nil
}
