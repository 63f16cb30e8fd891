package nucleus

import (
	"context"
	"time"
)

// User is an end user who can sign in and be the subject of tokens.
type User struct {
	ID            string    `json:"id" bson:"_id"`
	Email         string    `json:"email" bson:"email"`
	Name          string    `json:"name,omitempty" bson:"name,omitempty"`
	PasswordHash  string    `json:"-" bson:"password_hash"`
	EmailVerified bool      `json:"email_verified" bson:"email_verified"`
	CreatedAt     time.Time `json:"created_at" bson:"created_at"`
}

// UserStore persists users.
type UserStore interface {
	// CreateUser stores a new user. Returns ErrEmailTaken when the email
	// is already registered.
	CreateUser(ctx context.Context, user *User) error
	// GetUserByID returns ErrUserNotFound when there is no such user.
	GetUserByID(ctx context.Context, id string) (*User, error)
	// GetUserByEmail returns ErrUserNotFound when there is no such user.
	GetUserByEmail(ctx context.Context, email string) (*User, error)
}

// PasswordHasher hashes and checks user passwords.
type PasswordHasher interface {
	Hash(password string) (string, error)
	Verify(hashedPassword, password string) error
}
