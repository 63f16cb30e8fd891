// Package storetest holds the behaviour every storage backend must share.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	nucleus "go.pilab.hu/nucleus"
)

// Store is the surface under test.
type Store interface {
	nucleus.CodeStore
	nucleus.UserStore
	Ping(ctx context.Context) error
}

// NewCode returns an unused code expiring ttl after now.
func NewCode(t *testing.T, now time.Time, ttl time.Duration) *nucleus.AuthorizationCode {
	t.Helper()
	code, err := nucleus.GenerateAuthCode()
	require.NoError(t, err)
	return &nucleus.AuthorizationCode{
		Code:                code,
		ClientID:            "forms-web",
		RedirectURI:         "https://forms.example.com/callback",
		Scope:               []string{"openid", "email"},
		UserID:              uuid.NewString(),
		Nonce:               "n-0S6_WzA2Mj",
		CodeChallenge:       nucleus.S256Challenge("verifier"),
		CodeChallengeMethod: nucleus.PKCEMethodS256,
		ExpiresAt:           now.Add(ttl),
		CreatedAt:           now,
	}
}

// Run exercises the code and user store contracts against a fresh store
// returned by newStore for every subtest.
func Run(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()
	now := time.Now().UTC().Truncate(time.Millisecond)

	t.Run("Ping", func(t *testing.T) {
		assert.NoError(t, newStore(t).Ping(ctx))
	})

	t.Run("CreateAndFind", func(t *testing.T) {
		s := newStore(t)
		code := NewCode(t, now, 5*time.Minute)
		require.NoError(t, s.Create(ctx, code))

		got, err := s.FindUnused(ctx, code.Code)
		require.NoError(t, err)
		assert.Equal(t, code.ClientID, got.ClientID)
		assert.Equal(t, code.RedirectURI, got.RedirectURI)
		assert.Equal(t, code.Scope, got.Scope)
		assert.Equal(t, code.UserID, got.UserID)
		assert.Equal(t, code.Nonce, got.Nonce)
		assert.Equal(t, code.CodeChallenge, got.CodeChallenge)
		assert.Equal(t, code.CodeChallengeMethod, got.CodeChallengeMethod)
		assert.WithinDuration(t, code.ExpiresAt, got.ExpiresAt, time.Millisecond)
		assert.False(t, got.Used)
	})

	t.Run("CreateConflict", func(t *testing.T) {
		s := newStore(t)
		code := NewCode(t, now, 5*time.Minute)
		require.NoError(t, s.Create(ctx, code))
		assert.ErrorIs(t, s.Create(ctx, code), nucleus.ErrCodeConflict)
	})

	t.Run("FindUnknown", func(t *testing.T) {
		_, err := newStore(t).FindUnused(ctx, "missing")
		assert.ErrorIs(t, err, nucleus.ErrCodeNotFound)
	})

	t.Run("FindDoesNotCheckExpiry", func(t *testing.T) {
		s := newStore(t)
		code := NewCode(t, now.Add(-time.Hour), time.Minute)
		require.NoError(t, s.Create(ctx, code))

		got, err := s.FindUnused(ctx, code.Code)
		require.NoError(t, err)
		assert.True(t, got.Expired(now))
	})

	t.Run("MarkUsedOnce", func(t *testing.T) {
		s := newStore(t)
		code := NewCode(t, now, 5*time.Minute)
		require.NoError(t, s.Create(ctx, code))

		require.NoError(t, s.MarkUsed(ctx, code.Code))
		assert.ErrorIs(t, s.MarkUsed(ctx, code.Code), nucleus.ErrCodeAlreadyUsed)

		_, err := s.FindUnused(ctx, code.Code)
		assert.ErrorIs(t, err, nucleus.ErrCodeNotFound)
	})

	t.Run("MarkUsedUnknown", func(t *testing.T) {
		assert.ErrorIs(t, newStore(t).MarkUsed(ctx, "missing"), nucleus.ErrCodeNotFound)
	})

	t.Run("MarkUsedConcurrent", func(t *testing.T) {
		s := newStore(t)
		code := NewCode(t, now, 5*time.Minute)
		require.NoError(t, s.Create(ctx, code))

		const racers = 16
		var (
			wg        sync.WaitGroup
			successes atomic.Int32
			lost      atomic.Int32
			start     = make(chan struct{})
		)
		for i := 0; i < racers; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				<-start
				err := s.MarkUsed(ctx, code.Code)
				switch {
				case err == nil:
					successes.Add(1)
				case assert.ErrorIs(t, err, nucleus.ErrCodeAlreadyUsed):
					lost.Add(1)
				}
			}()
		}
		close(start)
		wg.Wait()

		assert.Equal(t, int32(1), successes.Load())
		assert.Equal(t, int32(racers-1), lost.Load())
	})

	t.Run("SweepAndCount", func(t *testing.T) {
		s := newStore(t)
		live := NewCode(t, now, 5*time.Minute)
		used := NewCode(t, now, 5*time.Minute)
		expired := NewCode(t, now.Add(-time.Hour), 5*time.Minute)
		for _, c := range []*nucleus.AuthorizationCode{live, used, expired} {
			require.NoError(t, s.Create(ctx, c))
		}
		require.NoError(t, s.MarkUsed(ctx, used.Code))

		active, err := s.CountActive(ctx, now)
		require.NoError(t, err)
		assert.Equal(t, int64(1), active)

		deleted, err := s.Sweep(ctx, now)
		require.NoError(t, err)
		assert.Equal(t, int64(1), deleted)

		_, err = s.FindUnused(ctx, expired.Code)
		assert.ErrorIs(t, err, nucleus.ErrCodeNotFound)
		_, err = s.FindUnused(ctx, live.Code)
		assert.NoError(t, err)

		deleted, err = s.Sweep(ctx, now)
		require.NoError(t, err)
		assert.Zero(t, deleted)
	})

	t.Run("Users", func(t *testing.T) {
		s := newStore(t)
		user := &nucleus.User{
			ID:            uuid.NewString(),
			Email:         fmt.Sprintf("dev-%d@nucleus.local", now.UnixNano()),
			Name:          "Dev User",
			PasswordHash:  "$argon2id$v=19$m=65536,t=3,p=2$c2FsdA$aGFzaA",
			EmailVerified: true,
			CreatedAt:     now,
		}
		require.NoError(t, s.CreateUser(ctx, user))

		byID, err := s.GetUserByID(ctx, user.ID)
		require.NoError(t, err)
		assert.Equal(t, user.Email, byID.Email)
		assert.Equal(t, user.Name, byID.Name)
		assert.Equal(t, user.PasswordHash, byID.PasswordHash)
		assert.True(t, byID.EmailVerified)

		byEmail, err := s.GetUserByEmail(ctx, user.Email)
		require.NoError(t, err)
		assert.Equal(t, user.ID, byEmail.ID)

		dup := *user
		dup.ID = uuid.NewString()
		assert.ErrorIs(t, s.CreateUser(ctx, &dup), nucleus.ErrEmailTaken)

		_, err = s.GetUserByID(ctx, uuid.NewString())
		assert.ErrorIs(t, err, nucleus.ErrUserNotFound)
		_, err = s.GetUserByEmail(ctx, "nobody@nucleus.local")
		assert.ErrorIs(t, err, nucleus.ErrUserNotFound)
	})
}
