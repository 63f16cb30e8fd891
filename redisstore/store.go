// Package redisstore keeps authorization codes and users in Redis.
//
// Every code lives in its own hash holding the JSON record, the used flag
// and the expiry in unix milliseconds. Creation and redemption run as Lua
// scripts so concurrent redemptions of one code see exactly one winner.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	nucleus "go.pilab.hu/nucleus"
)

const (
	DefaultKeyPrefix = "nucleus:"

	// codeRetention keeps a code key around this long past its expiry so
	// a late exchange still sees code_expired instead of invalid_code.
	codeRetention = time.Hour

	keyTypeCode      = "code"
	keyTypeUser      = "user"
	keyTypeUserEmail = "user_email"

	scanBatch = 200
)

// Config describes a standalone Redis server.
type Config struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
}

type Store struct {
	client    redis.UniversalClient
	keyPrefix string
}

var (
	_ nucleus.CodeStore = (*Store)(nil)
	_ nucleus.UserStore = (*Store)(nil)
)

// Open connects to the configured server and pings it.
func Open(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis address is required")
	}

	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return NewWithClient(client, cfg.KeyPrefix), nil
}

// NewWithClient wraps an existing client. An empty prefix falls back to
// DefaultKeyPrefix.
func NewWithClient(client redis.UniversalClient, keyPrefix string) *Store {
	if keyPrefix == "" {
		keyPrefix = DefaultKeyPrefix
	}
	return &Store{client: client, keyPrefix: keyPrefix}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) key(keyType, id string) string {
	return s.keyPrefix + keyType + ":" + id
}

var createCodeScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
  return 0
end
redis.call('HSET', KEYS[1], 'data', ARGV[1], 'used', '0', 'expires_at', ARGV[2])
redis.call('PEXPIREAT', KEYS[1], ARGV[3])
return 1
`)

// markUsedScript returns -1 for a missing key, 0 when the code was already
// redeemed and 1 when this call flipped the flag.
var markUsedScript = redis.NewScript(`
local used = redis.call('HGET', KEYS[1], 'used')
if not used then
  return -1
end
if used == '1' then
  return 0
end
redis.call('HSET', KEYS[1], 'used', '1')
return 1
`)

func (s *Store) Create(ctx context.Context, code *nucleus.AuthorizationCode) error {
	if code.Code == "" {
		return errors.New("auth code value cannot be empty")
	}

	rec := *code
	rec.Used = false
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal authorization code: %w", err)
	}

	expiresAt := code.ExpiresAt.UnixMilli()
	keepUntil := code.ExpiresAt.Add(codeRetention).UnixMilli()

	created, err := createCodeScript.Run(ctx, s.client,
		[]string{s.key(keyTypeCode, code.Code)},
		data, expiresAt, keepUntil,
	).Int()
	if err != nil {
		return fmt.Errorf("failed to save authorization code: %w", err)
	}
	if created == 0 {
		return nucleus.ErrCodeConflict
	}
	return nil
}

func (s *Store) FindUnused(ctx context.Context, code string) (*nucleus.AuthorizationCode, error) {
	vals, err := s.client.HMGet(ctx, s.key(keyTypeCode, code), "data", "used").Result()
	if err != nil {
		return nil, fmt.Errorf("failed to get authorization code: %w", err)
	}
	data, ok := vals[0].(string)
	if !ok || vals[1] == "1" {
		return nil, nucleus.ErrCodeNotFound
	}

	var rec nucleus.AuthorizationCode
	if err := json.Unmarshal([]byte(data), &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal authorization code: %w", err)
	}
	rec.Used = false
	return &rec, nil
}

func (s *Store) MarkUsed(ctx context.Context, code string) error {
	res, err := markUsedScript.Run(ctx, s.client, []string{s.key(keyTypeCode, code)}).Int()
	if err != nil {
		return fmt.Errorf("failed to mark authorization code as used: %w", err)
	}
	switch res {
	case 1:
		return nil
	case 0:
		return nucleus.ErrCodeAlreadyUsed
	default:
		return nucleus.ErrCodeNotFound
	}
}

// Sweep deletes every code whose expiry is before now, used or not.
func (s *Store) Sweep(ctx context.Context, now time.Time) (int64, error) {
	var deleted int64
	err := s.scanCodes(ctx, func(key string, expiresAt int64, _ bool) error {
		if expiresAt >= now.UnixMilli() {
			return nil
		}
		n, err := s.client.Del(ctx, key).Result()
		if err != nil {
			return err
		}
		deleted += n
		return nil
	})
	if err != nil {
		return deleted, fmt.Errorf("failed to delete expired authorization codes: %w", err)
	}
	return deleted, nil
}

func (s *Store) CountActive(ctx context.Context, now time.Time) (int64, error) {
	var active int64
	err := s.scanCodes(ctx, func(_ string, expiresAt int64, used bool) error {
		if !used && expiresAt > now.UnixMilli() {
			active++
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to count authorization codes: %w", err)
	}
	return active, nil
}

func (s *Store) scanCodes(ctx context.Context, fn func(key string, expiresAt int64, used bool) error) error {
	iter := s.client.Scan(ctx, 0, s.key(keyTypeCode, "*"), scanBatch).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		vals, err := s.client.HMGet(ctx, key, "expires_at", "used").Result()
		if err != nil {
			return err
		}
		raw, ok := vals[0].(string)
		if !ok {
			// Deleted between SCAN and HMGET.
			continue
		}
		expiresAt, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return fmt.Errorf("corrupt expiry on %s: %w", key, err)
		}
		if err := fn(key, expiresAt, vals[1] == "1"); err != nil {
			return err
		}
	}
	return iter.Err()
}

// storedUser carries the password hash, which nucleus.User hides from JSON.
type storedUser struct {
	ID            string `json:"id"`
	Email         string `json:"email"`
	Name          string `json:"name,omitempty"`
	PasswordHash  string `json:"password_hash"`
	EmailVerified bool   `json:"email_verified"`
	CreatedAt     int64  `json:"created_at"`
}

// CreateUser claims the email index first so two signups racing on one
// address cannot both succeed.
func (s *Store) CreateUser(ctx context.Context, user *nucleus.User) error {
	if user.ID == "" {
		return errors.New("user ID cannot be empty")
	}

	data, err := json.Marshal(storedUser{
		ID:            user.ID,
		Email:         user.Email,
		Name:          user.Name,
		PasswordHash:  user.PasswordHash,
		EmailVerified: user.EmailVerified,
		CreatedAt:     user.CreatedAt.UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal user: %w", err)
	}

	emailKey := s.key(keyTypeUserEmail, strings.ToLower(user.Email))
	claimed, err := s.client.SetNX(ctx, emailKey, user.ID, 0).Result()
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	if !claimed {
		return nucleus.ErrEmailTaken
	}

	ok, err := s.client.SetNX(ctx, s.key(keyTypeUser, user.ID), data, 0).Result()
	if err != nil || !ok {
		_ = s.client.Del(ctx, emailKey).Err()
		if err != nil {
			return fmt.Errorf("failed to create user: %w", err)
		}
		return fmt.Errorf("user %s already exists", user.ID)
	}
	return nil
}

func (s *Store) GetUserByID(ctx context.Context, id string) (*nucleus.User, error) {
	data, err := s.client.Get(ctx, s.key(keyTypeUser, id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nucleus.ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}

	var stored storedUser
	if err := json.Unmarshal(data, &stored); err != nil {
		return nil, fmt.Errorf("failed to unmarshal user: %w", err)
	}
	return &nucleus.User{
		ID:            stored.ID,
		Email:         stored.Email,
		Name:          stored.Name,
		PasswordHash:  stored.PasswordHash,
		EmailVerified: stored.EmailVerified,
		CreatedAt:     time.UnixMilli(stored.CreatedAt).UTC(),
	}, nil
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (*nucleus.User, error) {
	id, err := s.client.Get(ctx, s.key(keyTypeUserEmail, strings.ToLower(email))).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nucleus.ErrUserNotFound
		}
		return nil, fmt.Errorf("failed to get user: %w", err)
	}
	return s.GetUserByID(ctx, id)
}
